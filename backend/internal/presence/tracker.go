// Package presence 维护每个会话的 online/away/offline 状态以及页面订阅。
//
// 状态迁移：
//
//	online  --不活跃超过 AwayThreshold-->        away
//	away    --heartbeat-->                       online
//	away    --不活跃超过 DisconnectThreshold-->  offline
//	online  --主动断开 / 超时-->                 offline
//
// offline 对会话是终态，会话连同它的订阅一起被移除。
package presence

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatwiki/backend/internal/metrics"
)

type State string

const (
	Online  State = "online"
	Away    State = "away"
	Offline State = "offline"
)

var ErrUnknownSession = errors.New("UNKNOWN_SESSION")

const (
	DefaultSweepInterval       = 10 * time.Second
	DefaultAwayThreshold       = 60 * time.Second
	DefaultDisconnectThreshold = 5 * time.Minute
	mirrorQueueSize            = 1024
	mirrorTimeout              = 2 * time.Second
)

// Session 是会话的只读快照
type Session struct {
	ID             string    `json:"id"`
	UserID         uint64    `json:"userId"`
	Username       string    `json:"username"`
	State          State     `json:"state"`
	Subscribed     []string  `json:"subscribed"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Member 是页面花名册中的一个用户，多个会话按最活跃的那个汇总
type Member struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	State    State  `json:"state"`
}

// Change 描述一次状态迁移，Pages 是迁移发生时会话订阅的页面
type Change struct {
	SessionID string
	UserID    uint64
	Username  string
	From      State
	To        State
	Pages     []string
	At        time.Time
}

// Notifier 在 tracker 释放锁之后收到每一次迁移
type Notifier interface {
	PresenceChanged(c Change)
}

// Mirror 把花名册同步到外部（Redis），供其它节点查看
type Mirror interface {
	AddMember(ctx context.Context, pageID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, pageID string, userID uint64) error
}

type Options struct {
	SweepInterval       time.Duration
	AwayThreshold       time.Duration
	DisconnectThreshold time.Duration
	Notifier            Notifier
	Mirror              Mirror
	Now                 func() time.Time
}

type session struct {
	id          string
	userID      uint64
	username    string
	state       State
	pages       map[string]struct{}
	connectedAt time.Time
	lastActive  time.Time
}

func (s *session) snapshot() Session {
	return Session{
		ID:             s.id,
		UserID:         s.userID,
		Username:       s.username,
		State:          s.state,
		Subscribed:     s.pageList(),
		ConnectedAt:    s.connectedAt,
		LastActivityAt: s.lastActive,
	}
}

func (s *session) pageList() []string {
	out := make([]string, 0, len(s.pages))
	for p := range s.pages {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

type mirrorOp struct {
	add      bool
	pageID   string
	userID   uint64
	username string
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*session
	// pageID -> sessionID 集合
	pages    map[string]map[string]struct{}
	notifier Notifier

	opt    Options
	mirror chan mirrorOp
}

func NewTracker(opt Options) *Tracker {
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = DefaultSweepInterval
	}
	if opt.AwayThreshold <= 0 {
		opt.AwayThreshold = DefaultAwayThreshold
	}
	if opt.DisconnectThreshold <= 0 {
		opt.DisconnectThreshold = DefaultDisconnectThreshold
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	t := &Tracker{
		sessions: make(map[string]*session),
		pages:    make(map[string]map[string]struct{}),
		notifier: opt.Notifier,
		opt:      opt,
	}
	if opt.Mirror != nil {
		t.mirror = make(chan mirrorOp, mirrorQueueSize)
	}
	return t
}

// SetNotifier 用于打破 tracker 与 broker 的构造循环，需要在开始服务前调用
func (t *Tracker) SetNotifier(n Notifier) {
	t.mu.Lock()
	t.notifier = n
	t.mu.Unlock()
}

// Open 注册一个新会话，初始状态 online
func (t *Tracker) Open(userID uint64, username string) Session {
	now := t.opt.Now()
	s := &session{
		id:          uuid.NewString(),
		userID:      userID,
		username:    username,
		state:       Online,
		pages:       make(map[string]struct{}),
		connectedAt: now,
		lastActive:  now,
	}
	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()

	metrics.ActiveSessions.Inc()
	metrics.PresenceTransitions.WithLabelValues(string(Online)).Inc()
	log.Debug().Str("session", s.id).Uint64("user", userID).Msg("session opened")
	return s.snapshot()
}

// Close 主动断开：会话进入 offline 并移除所有订阅。重复关闭返回 false。
func (t *Tracker) Close(sessionID string) (Change, bool) {
	t.mu.Lock()
	s := t.sessions[sessionID]
	if s == nil {
		t.mu.Unlock()
		return Change{}, false
	}
	c, ops := t.goOffline(s, t.opt.Now())
	n := t.notifier
	t.mu.Unlock()

	t.emit(n, []Change{c}, ops)
	return c, true
}

// Heartbeat 刷新活跃时间，away 的会话回到 online
func (t *Tracker) Heartbeat(sessionID string) error {
	t.mu.Lock()
	s := t.sessions[sessionID]
	if s == nil {
		t.mu.Unlock()
		return ErrUnknownSession
	}
	now := t.opt.Now()
	s.lastActive = now
	var changes []Change
	var ops []mirrorOp
	if s.state == Away {
		changes = append(changes, t.transition(s, Online, now))
	}
	// 刷新 Mirror 中的 TTL
	for p := range s.pages {
		ops = append(ops, mirrorOp{add: true, pageID: p, userID: s.userID, username: s.username})
	}
	n := t.notifier
	t.mu.Unlock()

	t.emit(n, changes, ops)
	return nil
}

// Subscribe 幂等，重复订阅返回 false
func (t *Tracker) Subscribe(sessionID, pageID string) (bool, error) {
	t.mu.Lock()
	s := t.sessions[sessionID]
	if s == nil {
		t.mu.Unlock()
		return false, ErrUnknownSession
	}
	if _, ok := s.pages[pageID]; ok {
		t.mu.Unlock()
		return false, nil
	}
	s.pages[pageID] = struct{}{}
	set := t.pages[pageID]
	if set == nil {
		set = make(map[string]struct{})
		t.pages[pageID] = set
	}
	set[sessionID] = struct{}{}
	op := mirrorOp{add: true, pageID: pageID, userID: s.userID, username: s.username}
	t.mu.Unlock()

	t.emit(nil, nil, []mirrorOp{op})
	return true, nil
}

// Unsubscribe 幂等，未订阅或会话不存在都不是错误，返回是否真的移除了订阅
func (t *Tracker) Unsubscribe(sessionID, pageID string) bool {
	t.mu.Lock()
	s := t.sessions[sessionID]
	if s == nil {
		t.mu.Unlock()
		return false
	}
	if _, ok := s.pages[pageID]; !ok {
		t.mu.Unlock()
		return false
	}
	ops := t.removeSubscription(s, pageID)
	t.mu.Unlock()

	t.emit(nil, nil, ops)
	return true
}

func (t *Tracker) Subscribed(sessionID, pageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[sessionID]
	if s == nil {
		return false
	}
	_, ok := s.pages[pageID]
	return ok
}

func (t *Tracker) Session(sessionID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[sessionID]
	if s == nil {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Roster 按用户汇总页面上的会话，online 优先于 away
func (t *Tracker) Roster(pageID string) []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rosterLocked(pageID)
}

// MemberState 返回用户在页面上的汇总状态，不在页面上时为 offline
func (t *Tracker) MemberState(pageID string, userID uint64) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memberStateLocked(pageID, userID)
}

// Online 是全站在线用户，不区分页面，汇总规则同 Roster
func (t *Tracker) Online() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	return aggregate(maps.Values(t.sessions))
}

func (t *Tracker) rosterLocked(pageID string) []Member {
	return aggregate(func(yield func(*session) bool) {
		for sid := range t.pages[pageID] {
			if !yield(t.sessions[sid]) {
				return
			}
		}
	})
}

func aggregate(sessions iter.Seq[*session]) []Member {
	byUser := make(map[uint64]*Member)
	for s := range sessions {
		m := byUser[s.userID]
		if m == nil {
			byUser[s.userID] = &Member{UserID: s.userID, Username: s.username, State: s.state}
			continue
		}
		if s.state == Online {
			m.State = Online
		}
	}
	out := make([]Member, 0, len(byUser))
	for _, m := range byUser {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Member) int { return cmp.Compare(a.UserID, b.UserID) })
	return out
}

func (t *Tracker) memberStateLocked(pageID string, userID uint64) State {
	st := Offline
	for sid := range t.pages[pageID] {
		s := t.sessions[sid]
		if s.userID != userID {
			continue
		}
		if s.state == Online {
			return Online
		}
		st = s.state
	}
	return st
}

// Sweep 按 now 对所有会话做一次超时检查，返回发生的迁移
func (t *Tracker) Sweep(now time.Time) []Change {
	t.mu.Lock()
	var changes []Change
	var ops []mirrorOp
	for _, s := range t.sessions {
		idle := now.Sub(s.lastActive)
		switch {
		case idle > t.opt.DisconnectThreshold:
			c, o := t.goOffline(s, now)
			changes = append(changes, c)
			ops = append(ops, o...)
		case idle > t.opt.AwayThreshold && s.state == Online:
			changes = append(changes, t.transition(s, Away, now))
		}
	}
	n := t.notifier
	t.mu.Unlock()

	t.emit(n, changes, ops)
	return changes
}

// Run 周期性执行 Sweep，并在有 Mirror 时负责同步，直到 ctx 结束
func (t *Tracker) Run(ctx context.Context) error {
	if t.mirror != nil {
		go t.mirrorLoop(ctx)
	}
	ticker := time.NewTicker(t.opt.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if changes := t.Sweep(t.opt.Now()); len(changes) > 0 {
				log.Debug().Int("changes", len(changes)).Msg("presence sweep")
			}
		}
	}
}

func (t *Tracker) transition(s *session, to State, now time.Time) Change {
	c := Change{
		SessionID: s.id,
		UserID:    s.userID,
		Username:  s.username,
		From:      s.state,
		To:        to,
		Pages:     s.pageList(),
		At:        now,
	}
	s.state = to
	metrics.PresenceTransitions.WithLabelValues(string(to)).Inc()
	return c
}

// goOffline 调用方持有 t.mu
func (t *Tracker) goOffline(s *session, now time.Time) (Change, []mirrorOp) {
	c := t.transition(s, Offline, now)
	var ops []mirrorOp
	for p := range s.pages {
		ops = append(ops, t.removeSubscription(s, p)...)
	}
	delete(t.sessions, s.id)
	metrics.ActiveSessions.Dec()
	return c, ops
}

func (t *Tracker) removeSubscription(s *session, pageID string) []mirrorOp {
	delete(s.pages, pageID)
	if set := t.pages[pageID]; set != nil {
		delete(set, s.id)
		if len(set) == 0 {
			delete(t.pages, pageID)
		}
	}
	if t.memberStateLocked(pageID, s.userID) != Offline {
		return nil
	}
	return []mirrorOp{{pageID: pageID, userID: s.userID}}
}

func (t *Tracker) emit(n Notifier, changes []Change, ops []mirrorOp) {
	if t.mirror != nil {
		for _, op := range ops {
			select {
			case t.mirror <- op:
			default:
				log.Warn().Str("page", op.pageID).Uint64("user", op.userID).Msg("presence mirror queue full, dropping update")
			}
		}
	}
	if n == nil {
		return
	}
	for _, c := range changes {
		n.PresenceChanged(c)
	}
}

func (t *Tracker) mirrorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-t.mirror:
			t.applyMirror(ctx, op)
		}
	}
}

func (t *Tracker) applyMirror(ctx context.Context, op mirrorOp) {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	var err error
	if op.add {
		err = t.opt.Mirror.AddMember(ctx, op.pageID, op.userID, op.username, t.opt.DisconnectThreshold)
	} else {
		err = t.opt.Mirror.RemoveMember(ctx, op.pageID, op.userID)
	}
	if err != nil {
		log.Warn().Err(err).Str("page", op.pageID).Uint64("user", op.userID).Msg("presence mirror update failed")
	}
}
