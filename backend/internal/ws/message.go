package ws

import (
	"chatwiki/backend/internal/ot/delta"
)

// 客户端消息类型
const (
	TypeHeartbeat   = "heartbeat"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSubmitPatch = "submit_patch"
	TypeSendMessage = "send_message"
)

// 服务端消息类型，事件类型见 broker.Kind
const (
	TypeWelcome = "welcome"
	TypeAck     = "ack"
	TypeError   = "error"
)

type ClientMessage struct {
	Type string `json:"type"`
	// 原样带回到 ack / error 里，便于客户端对应请求
	RequestID    string          `json:"requestId,omitempty"`
	PageID       string          `json:"pageId"`
	BaseRevision uint64          `json:"baseRevision"`
	Ops          []delta.Replace `json:"ops,omitempty"`
	// 客户端实例标识与本地递增序号，重连后重复提交会被识别
	ClientID  string `json:"clientId,omitempty"`
	ClientSeq uint64 `json:"clientSeq,omitempty"`
	Content   string `json:"content,omitempty"`
	ReplyTo   uint64 `json:"replyTo,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

type WelcomeMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    uint64 `json:"userId"`
	Username  string `json:"username"`
}

type AckMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Op        string `json:"op"`
	PageID    string `json:"pageId,omitempty"`
	// submit_patch
	Revision  uint64 `json:"revision,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	ClientSeq uint64 `json:"clientSeq,omitempty"`
	// send_message
	MessageID uint64 `json:"messageId,omitempty"`
}

type ErrorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Op        string `json:"op,omitempty"`
	PageID    string `json:"pageId,omitempty"`
	Code      string `json:"code"`
	// 错误描述；"message" 留给 chat_appended 事件里的消息对象
	Detail string `json:"detail,omitempty"`
	// CONFLICT / INVALID_REVISION 时客户端据此重新对齐
	CurrentRevision *uint64 `json:"currentRevision,omitempty"`
}

func (m WelcomeMessage) MessageType() string { return m.Type }
func (m AckMessage) MessageType() string     { return m.Type }
func (m ErrorMessage) MessageType() string   { return m.Type }
