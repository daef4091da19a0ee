package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"chatwiki/backend/internal/collab"
	"chatwiki/backend/internal/gateway"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 32
	opTimeout      = 2 * time.Second
	codeRateLimit  = "RATE_LIMITED"
	codeBadRequest = "BAD_REQUEST"
	codeOverloaded = "OVERLOADED"
)

// Conn 是一个 websocket 连接，对应一个网关会话。
// 读循环把客户端帧翻译成网关调用，写循环把会话事件和 ack/error 写回去，
// 只有写循环会写 socket。
type Conn struct {
	ws       *websocket.Conn
	gw       *gateway.Gateway
	h        *gateway.Handle
	username string
	// ack / error 队列，满了就丢
	send    chan OutboundMessage
	done    chan struct{}
	limiter *rate.Limiter
	// 限制同时进入排序点的请求数
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, gw *gateway.Gateway, h *gateway.Handle, username string, limiter *rate.Limiter, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		gw:       gw,
		h:        h,
		username: username,
		send:     make(chan OutboundMessage, sendQueueSize),
		done:     make(chan struct{}),
		limiter:  limiter,
		sem:      sem,
	}
}

func (c *Conn) enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
		log.Warn().Str("session", c.h.SessionID).Str("type", msg.MessageType()).Msg("send queue full, dropping message")
	}
}

func (c *Conn) fail(m ClientMessage, err error) {
	c.enqueue(c.errorMessage(m, err))
}

// reject 带上当前修订号，0 也要发出去
func (c *Conn) reject(m ClientMessage, res collab.PatchResult) {
	e := c.errorMessage(m, res.Err())
	if res.Detail != "" {
		e.Detail = res.Detail
	}
	current := res.CurrentRevision
	e.CurrentRevision = &current
	c.enqueue(e)
}

func (c *Conn) errorMessage(m ClientMessage, err error) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		RequestID: m.RequestID,
		Op:        m.Type,
		PageID:    m.PageID,
		Code:      gateway.Code(err),
		Detail:    err.Error(),
	}
}

func (c *Conn) ack(m ClientMessage) AckMessage {
	return AckMessage{Type: TypeAck, RequestID: m.RequestID, Op: m.Type, PageID: m.PageID}
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	sid := c.h.SessionID
	for {
		var m ClientMessage
		if err := c.ws.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("session", sid).Msg("read json error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if !c.limiter.Allow() {
			c.enqueue(ErrorMessage{Type: TypeError, RequestID: m.RequestID, Op: m.Type, Code: codeRateLimit})
			continue
		}

		switch m.Type {
		case TypeHeartbeat:
			if err := c.gw.Heartbeat(sid); err != nil {
				c.fail(m, err)
				return
			}
			c.enqueue(c.ack(m))

		case TypeSubscribe:
			opCtx, cancel := context.WithTimeout(ctx, opTimeout)
			err := c.gw.Subscribe(opCtx, sid, m.PageID)
			cancel()
			if err != nil {
				c.fail(m, err)
				continue
			}
			c.enqueue(c.ack(m))

		case TypeUnsubscribe:
			if err := c.gw.Unsubscribe(sid, m.PageID); err != nil {
				c.fail(m, err)
				continue
			}
			c.enqueue(c.ack(m))

		case TypeSubmitPatch:
			c.handleSubmitPatch(ctx, m)

		case TypeSendMessage:
			c.handleSendMessage(ctx, m)

		default:
			c.enqueue(ErrorMessage{Type: TypeError, RequestID: m.RequestID, Op: m.Type, Code: codeBadRequest, Detail: "unknown message type"})
		}
	}
}

func (c *Conn) acquire(ctx context.Context, m ClientMessage) bool {
	if err := c.sem.Acquire(ctx); err != nil {
		c.enqueue(ErrorMessage{Type: TypeError, RequestID: m.RequestID, Op: m.Type, PageID: m.PageID, Code: codeOverloaded, Detail: err.Error()})
		return false
	}
	return true
}

func (c *Conn) handleSubmitPatch(ctx context.Context, m ClientMessage) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if !c.acquire(opCtx, m) {
		return
	}
	defer c.sem.Release()

	res, err := c.gw.SubmitPatch(opCtx, c.h.SessionID, gateway.PatchRequest{
		PageID:       m.PageID,
		BaseRevision: m.BaseRevision,
		Operations:   m.Ops,
		ClientID:     m.ClientID,
		ClientSeq:    m.ClientSeq,
	})
	if err != nil {
		c.fail(m, err)
		return
	}
	if !res.Accepted {
		c.reject(m, res)
		return
	}
	a := c.ack(m)
	a.Revision = res.NewRevision
	a.ClientID = m.ClientID
	a.ClientSeq = m.ClientSeq
	c.enqueue(a)
}

func (c *Conn) handleSendMessage(ctx context.Context, m ClientMessage) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if !c.acquire(opCtx, m) {
		return
	}
	defer c.sem.Release()

	msg, err := c.gw.SendMessage(opCtx, c.h.SessionID, m.PageID, m.Content, m.ReplyTo)
	if err != nil {
		c.fail(m, err)
		return
	}
	a := c.ack(m)
	a.MessageID = msg.ID
	c.enqueue(a)
}

func (c *Conn) write(v any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// writeLoop 在会话事件流关闭、读循环结束或写失败时退出
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	events := c.h.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// 被丢弃或超时：告诉客户端原因，客户端重连并重新订阅
				err := c.h.Err()
				if err == nil || errors.Is(err, gateway.ErrSessionClosed) {
					return
				}
				_ = c.write(ErrorMessage{Type: TypeError, Code: gateway.Code(err), Detail: err.Error()})
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, gateway.Code(err)),
					time.Now().Add(writeWait))
				return
			}
			if err := c.write(ev); err != nil {
				return
			}
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
