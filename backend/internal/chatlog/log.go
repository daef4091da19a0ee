// Package chatlog 是每个页面的只追加聊天记录。
//
// 同一页面的消息 ID 从 1 开始严格递增、没有空洞，顺序以追加顺序为准，
// CreatedAt 只是参考信息。不同页面的追加互不阻塞。
package chatlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"chatwiki/backend/internal/metrics"
)

var (
	ErrEmptyMessage      = errors.New("EMPTY_MESSAGE")
	ErrMessageTooLong    = errors.New("MESSAGE_TOO_LONG")
	ErrUnknownMessage    = errors.New("UNKNOWN_MESSAGE")
	ErrLogUnavailable    = errors.New("PAGE_UNAVAILABLE")
	DefaultMaxContentLen = 4000
)

type Message struct {
	ID       uint64 `json:"id"`
	PageID   string `json:"pageId"`
	AuthorID uint64 `json:"authorId"`
	Content  string `json:"content"`
	// 更正/回复时指向之前的消息，0 表示没有
	ReplyTo   uint64    `json:"replyTo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Journal 持久化消息，AppendMessage 返回 nil 即视为已落盘
type Journal interface {
	AppendMessage(ctx context.Context, pageID string, m Message) error
	// 没有记录时返回空切片
	LoadMessages(ctx context.Context, pageID string) ([]Message, error)
}

// PageChecker 判断页面是否存在（由文档存储实现）
type PageChecker interface {
	CheckPage(ctx context.Context, pageID string) error
}

type Options struct {
	Pages         PageChecker
	Journal       Journal
	MaxContentLen int
	Now           func() time.Time
}

type pageLog struct {
	mu sync.RWMutex
	// messages[i].ID == i+1
	messages []Message
	failed   error
}

type Log struct {
	mu    sync.RWMutex
	pages map[string]*pageLog
	loads singleflight.Group

	checker PageChecker
	journal Journal
	maxLen  int
	now     func() time.Time
}

func New(opt Options) *Log {
	if opt.MaxContentLen <= 0 {
		opt.MaxContentLen = DefaultMaxContentLen
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Log{
		pages:   make(map[string]*pageLog),
		checker: opt.Pages,
		journal: opt.Journal,
		maxLen:  opt.MaxContentLen,
		now:     opt.Now,
	}
}

func (l *Log) page(ctx context.Context, pageID string) (*pageLog, error) {
	l.mu.RLock()
	pl := l.pages[pageID]
	l.mu.RUnlock()
	if pl != nil {
		return pl, nil
	}
	if l.checker != nil {
		if err := l.checker.CheckPage(ctx, pageID); err != nil {
			return nil, err
		}
	}
	v, err, _ := l.loads.Do(pageID, func() (any, error) {
		l.mu.RLock()
		pl := l.pages[pageID]
		l.mu.RUnlock()
		if pl != nil {
			return pl, nil
		}
		pl = &pageLog{}
		if l.journal != nil {
			msgs, err := l.journal.LoadMessages(ctx, pageID)
			if err != nil {
				return nil, err
			}
			for i, m := range msgs {
				if m.ID != uint64(i+1) {
					return nil, fmt.Errorf("chat journal for page %s: id gap at %d", pageID, m.ID)
				}
			}
			pl.messages = msgs
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur := l.pages[pageID]; cur != nil {
			return cur, nil
		}
		l.pages[pageID] = pl
		return pl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pageLog), nil
}

// Append 在页面的追加锁内分配下一个 ID
func (l *Log) Append(ctx context.Context, pageID string, authorID uint64, content string) (Message, error) {
	return l.Reply(ctx, pageID, authorID, content, 0)
}

// Reply 追加一条引用 replyTo 的消息，replyTo 为 0 时等同于 Append
func (l *Log) Reply(ctx context.Context, pageID string, authorID uint64, content string, replyTo uint64) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > l.maxLen {
		return Message{}, fmt.Errorf("%w: more than %d characters", ErrMessageTooLong, l.maxLen)
	}
	pl, err := l.page(ctx, pageID)
	if err != nil {
		return Message{}, err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.failed != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrLogUnavailable, pl.failed)
	}
	last := uint64(len(pl.messages))
	if replyTo > last {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessage, replyTo)
	}
	m := Message{
		ID:        last + 1,
		PageID:    pageID,
		AuthorID:  authorID,
		Content:   content,
		ReplyTo:   replyTo,
		CreatedAt: l.now(),
	}
	if l.journal != nil {
		if err := l.journal.AppendMessage(ctx, pageID, m); err != nil {
			pl.failed = err
			log.Error().Err(err).Str("page", pageID).Msg("chat journal append failed, page log marked unavailable")
			return Message{}, fmt.Errorf("%w: %v", ErrLogUnavailable, err)
		}
	}
	pl.messages = append(pl.messages, m)
	metrics.MessagesAppended.Inc()
	return m, nil
}

// ReadRange 返回 [fromID, toID] 之间的消息（闭区间，超出部分截掉）。
// 结果只取决于区间和调用时已有的消息，可以重复遍历。
func (l *Log) ReadRange(ctx context.Context, pageID string, fromID, toID uint64) (iter.Seq[Message], error) {
	pl, err := l.page(ctx, pageID)
	if err != nil {
		return nil, err
	}
	pl.mu.RLock()
	n := uint64(len(pl.messages))
	var msgs []Message
	if fromID == 0 {
		fromID = 1
	}
	if toID > n {
		toID = n
	}
	if fromID <= toID {
		msgs = pl.messages[fromID-1 : toID : toID]
	}
	pl.mu.RUnlock()
	return func(yield func(Message) bool) {
		for _, m := range msgs {
			if !yield(m) {
				return
			}
		}
	}, nil
}

// Recent 返回最近的 n 条消息，按 ID 升序；n <= 0 时为空
func (l *Log) Recent(ctx context.Context, pageID string, n int) ([]Message, error) {
	pl, err := l.page(ctx, pageID)
	if err != nil {
		return nil, err
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	n = max(n, 0)
	start := max(len(pl.messages)-n, 0)
	out := make([]Message, len(pl.messages)-start)
	copy(out, pl.messages[start:])
	return out, nil
}

func (l *Log) LastID(ctx context.Context, pageID string) (uint64, error) {
	pl, err := l.page(ctx, pageID)
	if err != nil {
		return 0, err
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return uint64(len(pl.messages)), nil
}
