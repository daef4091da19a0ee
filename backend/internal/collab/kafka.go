package collab

import (
	"time"

	"chatwiki/backend/internal/ot/delta"
)

const (
	FeedPatchAccepted = "PATCH_ACCEPTED"
	FeedChatAppended  = "CHAT_APPENDED"
)

// FeedEvent 是写入 Kafka 的下游事件（审计、搜索索引等），以 pageId 做分区 key
type FeedEvent struct {
	EventType string `json:"eventType"`
	PageID    string `json:"pageId"`
	// 页面内事件序号，与修订号、消息 ID 相互独立
	Seq      uint64 `json:"seq"`
	AuthorID uint64 `json:"authorId"`

	// PATCH_ACCEPTED
	OperationID  string          `json:"operationId,omitempty"`
	Revision     uint64          `json:"revision,omitempty"`
	BaseRevision uint64          `json:"baseRevision,omitempty"`
	Ops          []delta.Replace `json:"ops,omitempty"`

	// CHAT_APPENDED
	MessageID uint64 `json:"messageId,omitempty"`
	Content   string `json:"content,omitempty"`
	ReplyTo   uint64 `json:"replyTo,omitempty"`

	At time.Time `json:"at"`
}
