// Package gateway 是与传输无关的会话入口：连接、订阅、提交补丁、发消息、心跳。
// websocket 层只负责把帧翻译成这里的调用。
package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"chatwiki/backend/internal/broker"
	"chatwiki/backend/internal/chatlog"
	"chatwiki/backend/internal/collab"
	"chatwiki/backend/internal/ot/delta"
	"chatwiki/backend/internal/presence"
)

var (
	ErrNotSubscribed  = errors.New("NOT_SUBSCRIBED")
	ErrUnknownSession = presence.ErrUnknownSession
	ErrSessionClosed  = errors.New("SESSION_CLOSED")
	ErrSessionExpired = errors.New("SESSION_EXPIRED")
)

type Options struct {
	Tracker   *presence.Tracker
	Broker    *broker.Broker
	QueueSize int
}

// Handle 是一次连接的出站事件流
type Handle struct {
	SessionID string
	UserID    uint64
	sub       *broker.Subscriber
}

// Events 在会话结束（断开、超时、被丢弃）后关闭
func (h *Handle) Events() <-chan broker.Event { return h.sub.Events() }

// Err 返回事件流关闭的原因
func (h *Handle) Err() error { return h.sub.Err() }

type Gateway struct {
	mu       sync.Mutex
	sessions map[string]*Handle

	tracker   *presence.Tracker
	broker    *broker.Broker
	queueSize int
}

// New 把自己接到 tracker 的通知和 broker 的回调上
func New(opt Options) *Gateway {
	g := &Gateway{
		sessions:  make(map[string]*Handle),
		tracker:   opt.Tracker,
		broker:    opt.Broker,
		queueSize: opt.QueueSize,
	}
	g.tracker.SetNotifier(g)
	g.broker.SetHooks(broker.Hooks{
		OnDrop:            g.onDrop,
		OnPageUnavailable: g.onPageUnavailable,
	})
	return g
}

func (g *Gateway) Connect(_ context.Context, userID uint64, username string) *Handle {
	s := g.tracker.Open(userID, username)
	h := &Handle{
		SessionID: s.ID,
		UserID:    userID,
		sub:       broker.NewSubscriber(s.ID, userID, username, g.queueSize),
	}
	g.mu.Lock()
	g.sessions[s.ID] = h
	g.mu.Unlock()
	log.Info().Str("session", s.ID).Uint64("user", userID).Msg("session connected")
	return h
}

// Disconnect 主动断开，会话进入 offline
func (g *Gateway) Disconnect(sessionID string) error {
	h := g.remove(sessionID)
	if h == nil {
		return ErrUnknownSession
	}
	g.tracker.Close(sessionID)
	h.sub.Close(ErrSessionClosed)
	log.Info().Str("session", sessionID).Uint64("user", h.UserID).Msg("session disconnected")
	return nil
}

func (g *Gateway) Subscribe(ctx context.Context, sessionID, pageID string) error {
	h, err := g.touch(sessionID)
	if err != nil {
		return err
	}
	return g.broker.Subscribe(ctx, h.sub, pageID)
}

func (g *Gateway) Unsubscribe(sessionID, pageID string) error {
	h, err := g.touch(sessionID)
	if err != nil {
		return err
	}
	g.broker.Unsubscribe(h.sub, pageID)
	return nil
}

type PatchRequest struct {
	PageID       string
	BaseRevision uint64
	Operations   []delta.Replace
	ClientID     string
	ClientSeq    uint64
}

// SubmitPatch 要求会话已经订阅该页面。被拒绝的补丁通过 PatchResult 返回，
// 用 Code(res.Err()) 得到错误码。
func (g *Gateway) SubmitPatch(ctx context.Context, sessionID string, req PatchRequest) (collab.PatchResult, error) {
	h, err := g.subscribed(sessionID, req.PageID)
	if err != nil {
		return collab.PatchResult{}, err
	}
	return g.broker.SubmitPatch(ctx, collab.Patch{
		PageID:       req.PageID,
		BaseRevision: req.BaseRevision,
		Operations:   req.Operations,
		AuthorID:     h.UserID,
		ClientID:     req.ClientID,
		ClientSeq:    req.ClientSeq,
	})
}

// SendMessage 要求会话已经订阅该页面，replyTo 为 0 表示普通消息
func (g *Gateway) SendMessage(ctx context.Context, sessionID, pageID, content string, replyTo uint64) (chatlog.Message, error) {
	h, err := g.subscribed(sessionID, pageID)
	if err != nil {
		return chatlog.Message{}, err
	}
	return g.broker.AppendMessage(ctx, pageID, h.UserID, content, replyTo)
}

func (g *Gateway) Heartbeat(sessionID string) error {
	_, err := g.touch(sessionID)
	return err
}

// Shutdown 关闭所有会话，进程退出前调用
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	handles := make([]*Handle, 0, len(g.sessions))
	for _, h := range g.sessions {
		handles = append(handles, h)
	}
	clear(g.sessions)
	g.mu.Unlock()

	for _, h := range handles {
		g.tracker.Close(h.SessionID)
		h.sub.Close(ErrSessionClosed)
	}
	log.Info().Int("sessions", len(handles)).Msg("gateway shut down")
}

func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// PresenceChanged 实现 presence.Notifier：先交给 broker 广播，
// 超时离线的会话在这里结束事件流
func (g *Gateway) PresenceChanged(c presence.Change) {
	g.broker.PresenceChanged(c)
	if c.To != presence.Offline {
		return
	}
	if h := g.remove(c.SessionID); h != nil {
		h.sub.Close(ErrSessionExpired)
		log.Info().Str("session", c.SessionID).Uint64("user", c.UserID).Msg("session expired")
	}
}

// 每个操作都算一次活跃
func (g *Gateway) touch(sessionID string) (*Handle, error) {
	g.mu.Lock()
	h := g.sessions[sessionID]
	g.mu.Unlock()
	if h == nil {
		return nil, ErrUnknownSession
	}
	if err := g.tracker.Heartbeat(sessionID); err != nil {
		return nil, err
	}
	return h, nil
}

func (g *Gateway) subscribed(sessionID, pageID string) (*Handle, error) {
	h, err := g.touch(sessionID)
	if err != nil {
		return nil, err
	}
	if !g.tracker.Subscribed(sessionID, pageID) {
		return nil, ErrNotSubscribed
	}
	return h, nil
}

func (g *Gateway) remove(sessionID string) *Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.sessions[sessionID]
	delete(g.sessions, sessionID)
	return h
}

// 慢消费者被 broker 丢弃后强制离线，客户端需要重连并重新订阅
func (g *Gateway) onDrop(sessionID string) {
	if g.remove(sessionID) == nil {
		return
	}
	g.tracker.Close(sessionID)
}

func (g *Gateway) onPageUnavailable(pageID string, sessionIDs []string) {
	for _, sid := range sessionIDs {
		g.tracker.Unsubscribe(sid, pageID)
	}
}
