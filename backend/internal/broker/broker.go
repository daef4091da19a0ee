// Package broker 是每个页面的排序点：补丁提交、聊天追加、在线状态变化和订阅登记
// 都在页面的 room 锁内完成并打上页面事件序号，然后非阻塞地投递给订阅者。
//
// 锁顺序固定为 room -> 文档存储 / 消息日志 / presence tracker，任何锁都不跨页面。
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chatwiki/backend/internal/chatlog"
	"chatwiki/backend/internal/collab"
	"chatwiki/backend/internal/metrics"
	"chatwiki/backend/internal/presence"
)

const (
	DefaultQueueSize      = 256
	DefaultRecentMessages = 50
	sinkTimeout           = 500 * time.Millisecond
)

type Documents interface {
	CheckPage(ctx context.Context, pageID string) error
	SubmitPatch(ctx context.Context, p collab.Patch) (collab.PatchResult, error)
	Snapshot(ctx context.Context, pageID string) (collab.Snapshot, error)
}

type Messages interface {
	Reply(ctx context.Context, pageID string, authorID uint64, content string, replyTo uint64) (chatlog.Message, error)
	Recent(ctx context.Context, pageID string, n int) ([]chatlog.Message, error)
}

// Roster 由 presence.Tracker 实现。订阅关系在 room 锁内修改，花名册与快照因此一致。
type Roster interface {
	Subscribe(sessionID, pageID string) (bool, error)
	Unsubscribe(sessionID, pageID string) bool
	Roster(pageID string) []presence.Member
	MemberState(pageID string, userID uint64) presence.State
}

// EventSink 接收已接受的补丁和聊天消息（Kafka）
type EventSink interface {
	Enqueue(ctx context.Context, ev collab.FeedEvent) error
}

type Hooks struct {
	// 订阅者因为队列满被丢弃
	OnDrop func(sessionID string)
	// 页面排序点故障，sessionIDs 是当时的订阅者
	OnPageUnavailable func(pageID string, sessionIDs []string)
}

type Options struct {
	Documents      Documents
	Messages       Messages
	Roster         Roster
	Sink           EventSink
	RecentMessages int
	Hooks          Hooks
}

type room struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string]*Subscriber
	// 已经对外公布过的用户状态，只在汇总状态变化时发事件
	announced   map[uint64]presence.State
	unavailable error
}

type Broker struct {
	mu    sync.Mutex
	rooms map[string]*room

	docs   Documents
	msgs   Messages
	roster Roster
	sink   EventSink
	recent int
	hooks  Hooks
}

func New(opt Options) *Broker {
	if opt.RecentMessages <= 0 {
		opt.RecentMessages = DefaultRecentMessages
	}
	return &Broker{
		rooms:  make(map[string]*room),
		docs:   opt.Documents,
		msgs:   opt.Messages,
		roster: opt.Roster,
		sink:   opt.Sink,
		recent: opt.RecentMessages,
		hooks:  opt.Hooks,
	}
}

// SetHooks 需要在开始服务前调用
func (b *Broker) SetHooks(h Hooks) {
	b.mu.Lock()
	b.hooks = h
	b.mu.Unlock()
}

// room 只为存在的页面创建
func (b *Broker) room(ctx context.Context, pageID string) (*room, error) {
	if r := b.existingRoom(pageID); r != nil {
		return r, nil
	}
	var failed error
	if err := b.docs.CheckPage(ctx, pageID); err != nil {
		if !collab.IsUnavailable(err) {
			return nil, err
		}
		failed = err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.rooms[pageID]
	if r == nil {
		r = &room{
			subs:        make(map[string]*Subscriber),
			announced:   make(map[uint64]presence.State),
			unavailable: failed,
		}
		b.rooms[pageID] = r
	}
	return r, nil
}

func (b *Broker) existingRoom(pageID string) *room {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rooms[pageID]
}

// SubmitPatch 在排序点内提交补丁并广播 PatchAccepted
func (b *Broker) SubmitPatch(ctx context.Context, p collab.Patch) (collab.PatchResult, error) {
	r, err := b.room(ctx, p.PageID)
	if err != nil {
		return collab.PatchResult{}, err
	}
	r.mu.Lock()
	if r.unavailable != nil {
		r.mu.Unlock()
		return collab.PatchResult{}, r.unavailable
	}
	res, err := b.docs.SubmitPatch(ctx, p)
	if err != nil {
		if collab.IsUnavailable(err) {
			b.failLocked(r, p.PageID, err)
		} else {
			r.mu.Unlock()
		}
		return res, err
	}
	if !res.Accepted {
		r.mu.Unlock()
		return res, nil
	}
	r.seq++
	ap := *res.Applied
	ev := Event{Kind: KindPatchAccepted, PageID: p.PageID, Seq: r.seq, Patch: &ap}
	dropped := b.fanOutLocked(r, ev)
	r.mu.Unlock()

	b.afterDrop(dropped)
	b.publish(ctx, collab.FeedEvent{
		EventType:    collab.FeedPatchAccepted,
		PageID:       p.PageID,
		Seq:          ev.Seq,
		AuthorID:     ap.AuthorID,
		OperationID:  ap.OperationID,
		Revision:     ap.Revision,
		BaseRevision: ap.BaseRevision,
		Ops:          ap.Operations,
		At:           ap.AppliedAt,
	})
	return res, nil
}

// AppendMessage 在排序点内追加聊天消息并广播 ChatAppended，replyTo 为 0 表示普通消息
func (b *Broker) AppendMessage(ctx context.Context, pageID string, authorID uint64, content string, replyTo uint64) (chatlog.Message, error) {
	r, err := b.room(ctx, pageID)
	if err != nil {
		return chatlog.Message{}, err
	}
	r.mu.Lock()
	if r.unavailable != nil {
		r.mu.Unlock()
		return chatlog.Message{}, r.unavailable
	}
	m, err := b.msgs.Reply(ctx, pageID, authorID, content, replyTo)
	if err != nil {
		if errors.Is(err, chatlog.ErrLogUnavailable) || collab.IsUnavailable(err) {
			b.failLocked(r, pageID, err)
		} else {
			r.mu.Unlock()
		}
		return chatlog.Message{}, err
	}
	r.seq++
	msg := m
	ev := Event{Kind: KindChatAppended, PageID: pageID, Seq: r.seq, Message: &msg}
	dropped := b.fanOutLocked(r, ev)
	r.mu.Unlock()

	b.afterDrop(dropped)
	b.publish(ctx, collab.FeedEvent{
		EventType: collab.FeedChatAppended,
		PageID:    pageID,
		Seq:       ev.Seq,
		AuthorID:  m.AuthorID,
		MessageID: m.ID,
		Content:   m.Content,
		ReplyTo:   m.ReplyTo,
		At:        m.CreatedAt,
	})
	return m, nil
}

// Subscribe 在同一个原子步骤里截取快照并登记订阅者，快照之后的实时事件没有缺口。
// 重复订阅同一页面是空操作。
func (b *Broker) Subscribe(ctx context.Context, sub *Subscriber, pageID string) error {
	r, err := b.room(ctx, pageID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.unavailable != nil {
		r.mu.Unlock()
		return r.unavailable
	}
	if _, ok := r.subs[sub.SessionID]; ok {
		r.mu.Unlock()
		return nil
	}
	snap, err := b.docs.Snapshot(ctx, pageID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	recent, err := b.msgs.Recent(ctx, pageID, b.recent)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if _, err := b.roster.Subscribe(sub.SessionID, pageID); err != nil {
		r.mu.Unlock()
		return err
	}
	ev := Event{
		Kind:   KindSnapshot,
		PageID: pageID,
		Seq:    r.seq,
		Snapshot: &SnapshotPayload{
			Page:           snap.Page,
			Revision:       snap.Revision,
			Content:        snap.Content,
			Roster:         b.roster.Roster(pageID),
			RecentMessages: recent,
		},
	}
	if ok, drop := sub.offer(ev); !ok {
		b.roster.Unsubscribe(sub.SessionID, pageID)
		r.mu.Unlock()
		if drop {
			b.afterDrop([]*Subscriber{sub})
		}
		return ErrStaleSubscription
	}
	r.subs[sub.SessionID] = sub
	dropped := b.announceLocked(r, pageID, sub.UserID, sub.Username)
	r.mu.Unlock()

	b.afterDrop(dropped)
	log.Debug().Str("page", pageID).Str("session", sub.SessionID).Uint64("seq", ev.Seq).Msg("subscribed")
	return nil
}

// Unsubscribe 幂等
func (b *Broker) Unsubscribe(sub *Subscriber, pageID string) {
	r := b.existingRoom(pageID)
	if r == nil {
		b.roster.Unsubscribe(sub.SessionID, pageID)
		return
	}
	r.mu.Lock()
	delete(r.subs, sub.SessionID)
	var dropped []*Subscriber
	if b.roster.Unsubscribe(sub.SessionID, pageID) {
		dropped = b.announceLocked(r, pageID, sub.UserID, sub.Username)
	}
	r.mu.Unlock()
	b.afterDrop(dropped)
}

// PresenceChanged 实现 presence.Notifier。tracker 在释放自己的锁之后调用，
// 这里逐个页面拿 room 锁，按用户的汇总状态广播。
func (b *Broker) PresenceChanged(c presence.Change) {
	for _, pageID := range c.Pages {
		r := b.existingRoom(pageID)
		if r == nil {
			continue
		}
		r.mu.Lock()
		if c.To == presence.Offline {
			delete(r.subs, c.SessionID)
		}
		dropped := b.announceLocked(r, pageID, c.UserID, c.Username)
		r.mu.Unlock()
		b.afterDrop(dropped)
	}
}

// Subscribers 返回页面当前的订阅者数量
func (b *Broker) Subscribers(pageID string) int {
	r := b.existingRoom(pageID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// announceLocked 调用方持有 r.mu
func (b *Broker) announceLocked(r *room, pageID string, userID uint64, username string) []*Subscriber {
	state := b.roster.MemberState(pageID, userID)
	prev, ok := r.announced[userID]
	if !ok {
		prev = presence.Offline
	}
	if prev == state {
		return nil
	}
	if state == presence.Offline {
		delete(r.announced, userID)
	} else {
		r.announced[userID] = state
	}
	r.seq++
	return b.fanOutLocked(r, Event{
		Kind:     KindPresenceChanged,
		PageID:   pageID,
		Seq:      r.seq,
		Presence: &PresenceUpdate{UserID: userID, Username: username, State: state},
	})
}

// fanOutLocked 非阻塞投递，返回这次被丢弃的订阅者
func (b *Broker) fanOutLocked(r *room, ev Event) []*Subscriber {
	var dropped []*Subscriber
	for sid, sub := range r.subs {
		ok, drop := sub.offer(ev)
		if ok {
			continue
		}
		delete(r.subs, sid)
		if drop {
			dropped = append(dropped, sub)
		}
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	return dropped
}

func (b *Broker) afterDrop(dropped []*Subscriber) {
	if len(dropped) == 0 {
		return
	}
	b.mu.Lock()
	onDrop := b.hooks.OnDrop
	b.mu.Unlock()
	for _, sub := range dropped {
		metrics.SubscribersDropped.Inc()
		log.Warn().Str("session", sub.SessionID).Uint64("user", sub.UserID).Msg("subscriber queue full, dropped")
		if onDrop != nil {
			go onDrop(sub.SessionID)
		}
	}
}

// failLocked 在 r.mu 持有时调用并负责解锁
func (b *Broker) failLocked(r *room, pageID string, cause error) {
	if !errors.Is(cause, collab.ErrPageUnavailable) {
		cause = fmt.Errorf("%w: %v", collab.ErrPageUnavailable, cause)
	}
	r.unavailable = cause
	r.seq++
	ev := Event{Kind: KindPageUnavailable, PageID: pageID, Seq: r.seq, Reason: cause.Error()}
	sessions := make([]string, 0, len(r.subs))
	var dropped []*Subscriber
	for sid, sub := range r.subs {
		sessions = append(sessions, sid)
		if _, drop := sub.offer(ev); drop {
			dropped = append(dropped, sub)
		}
	}
	clear(r.subs)
	clear(r.announced)
	r.mu.Unlock()

	metrics.PagesUnavailable.Inc()
	log.Error().Err(cause).Str("page", pageID).Int("subscribers", len(sessions)).Msg("page ordering point failed")
	b.afterDrop(dropped)

	b.mu.Lock()
	onFail := b.hooks.OnPageUnavailable
	b.mu.Unlock()
	if onFail != nil {
		go onFail(pageID, sessions)
	}
}

func (b *Broker) publish(ctx context.Context, fe collab.FeedEvent) {
	if b.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := b.sink.Enqueue(ctx, fe); err != nil {
		log.Warn().Err(err).Str("page", fe.PageID).Str("event", fe.EventType).Uint64("seq", fe.Seq).Msg("feed enqueue failed")
	}
}
