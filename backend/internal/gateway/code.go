package gateway

import (
	"errors"

	"chatwiki/backend/internal/broker"
	"chatwiki/backend/internal/chatlog"
	"chatwiki/backend/internal/collab"
)

const (
	CodeConflict          = "CONFLICT"
	CodeStaleSubscription = "STALE_SUBSCRIPTION"
	CodeUnknownPage       = "UNKNOWN_PAGE"
	CodeInvalidRange      = "INVALID_RANGE"
	CodeInvalidRevision   = "INVALID_REVISION"
	CodePageUnavailable   = "PAGE_UNAVAILABLE"
	CodeNotSubscribed     = "NOT_SUBSCRIBED"
	CodeUnknownSession    = "UNKNOWN_SESSION"
	CodeDuplicate         = "DUPLICATE_OR_OUT_OF_ORDER"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeInvalidPage       = "INVALID_PAGE"
	CodeSessionClosed     = "SESSION_CLOSED"
	CodeSessionExpired    = "SESSION_EXPIRED"
	CodeInternal          = "INTERNAL"
)

// Code 把错误映射成客户端可见的错误码，nil 返回空串
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, collab.ErrConflict):
		return CodeConflict
	case errors.Is(err, broker.ErrStaleSubscription):
		return CodeStaleSubscription
	case errors.Is(err, collab.ErrUnknownPage):
		return CodeUnknownPage
	case errors.Is(err, collab.ErrInvalidRange):
		return CodeInvalidRange
	case errors.Is(err, collab.ErrInvalidRevision):
		return CodeInvalidRevision
	case errors.Is(err, collab.ErrPageUnavailable), errors.Is(err, chatlog.ErrLogUnavailable):
		return CodePageUnavailable
	case errors.Is(err, ErrNotSubscribed):
		return CodeNotSubscribed
	case errors.Is(err, ErrUnknownSession):
		return CodeUnknownSession
	case errors.Is(err, collab.ErrDuplicatePatch):
		return CodeDuplicate
	case errors.Is(err, chatlog.ErrEmptyMessage), errors.Is(err, chatlog.ErrMessageTooLong), errors.Is(err, chatlog.ErrUnknownMessage):
		return CodeInvalidMessage
	case errors.Is(err, collab.ErrInvalidPage), errors.Is(err, collab.ErrPageExists):
		return CodeInvalidPage
	case errors.Is(err, ErrSessionClosed):
		return CodeSessionClosed
	case errors.Is(err, ErrSessionExpired):
		return CodeSessionExpired
	}
	return CodeInternal
}
