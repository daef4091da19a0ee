package broker

import (
	"errors"
	"sync"

	"chatwiki/backend/internal/chatlog"
	"chatwiki/backend/internal/collab"
	"chatwiki/backend/internal/presence"
)

type Kind string

const (
	KindSnapshot          Kind = "snapshot"
	KindPatchAccepted     Kind = "patch_accepted"
	KindChatAppended      Kind = "chat_appended"
	KindPresenceChanged   Kind = "presence_changed"
	KindPageUnavailable   Kind = "page_unavailable"
	KindStaleSubscription Kind = "stale_subscription"
)

var ErrStaleSubscription = errors.New("STALE_SUBSCRIPTION")

// Event 是推给订阅者的一条消息。Seq 是页面内的事件序号，
// 与修订号、消息 ID 相互独立，客户端用它去重和发现缺口。
type Event struct {
	Kind     Kind                  `json:"type"`
	PageID   string                `json:"pageId"`
	Seq      uint64                `json:"seq"`
	Patch    *collab.AcceptedPatch `json:"patch,omitempty"`
	Message  *chatlog.Message      `json:"message,omitempty"`
	Presence *PresenceUpdate       `json:"presence,omitempty"`
	Snapshot *SnapshotPayload      `json:"snapshot,omitempty"`
	Reason   string                `json:"reason,omitempty"`
}

type PresenceUpdate struct {
	UserID   uint64         `json:"userId"`
	Username string         `json:"username"`
	State    presence.State `json:"state"`
}

// SnapshotPayload 是订阅时的追赶数据，之后的第一条实时事件序号为 Seq+1
type SnapshotPayload struct {
	Page           collab.Page       `json:"page"`
	Revision       uint64            `json:"revision"`
	Content        string            `json:"content"`
	Roster         []presence.Member `json:"roster"`
	RecentMessages []chatlog.Message `json:"recentMessages"`
}

// Subscriber 是一个会话的出站队列，被该会话订阅的所有页面共享。
// 队列满时订阅者被丢弃：通道关闭，Err 返回 ErrStaleSubscription。
type Subscriber struct {
	SessionID string
	UserID    uint64
	Username  string

	mu     sync.Mutex
	ch     chan Event
	closed bool
	err    error
}

func NewSubscriber(sessionID string, userID uint64, username string, queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Subscriber{
		SessionID: sessionID,
		UserID:    userID,
		Username:  username,
		ch:        make(chan Event, queueSize),
	}
}

// Events 在订阅者被关闭后关闭
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Err 返回关闭原因，未关闭时为 nil
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// offer 从不阻塞。dropped 表示这一次投递让订阅者因为队列满被关闭。
func (s *Subscriber) offer(ev Event) (ok, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- ev:
		return true, false
	default:
		s.closed = true
		s.err = ErrStaleSubscription
		close(s.ch)
		return false, true
	}
}

// Close 关闭订阅者，重复调用无效
func (s *Subscriber) Close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = reason
	close(s.ch)
}

func (s *Subscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
