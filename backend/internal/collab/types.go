package collab

import (
	"errors"
	"time"

	"chatwiki/backend/internal/ot"
	"chatwiki/backend/internal/ot/delta"
)

var (
	ErrUnknownPage     = errors.New("UNKNOWN_PAGE")
	ErrPageExists      = errors.New("PAGE_EXISTS")
	ErrPageUnavailable = errors.New("PAGE_UNAVAILABLE")
	ErrInvalidPage     = errors.New("INVALID_PAGE")
	ErrInvalidRevision = errors.New("INVALID_REVISION")
	ErrDuplicatePatch  = errors.New("DUPLICATE_OR_OUT_OF_ORDER")

	ErrConflict     = ot.ErrConflict
	ErrInvalidRange = delta.ErrInvalidRange
)

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var Categories = []Category{
	{ID: "general", Name: "General"},
	{ID: "technical", Name: "Technical"},
	{ID: "guides", Name: "Guides"},
	{ID: "api", Name: "API"},
}

func knownCategory(id string) bool {
	for _, c := range Categories {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Page 是页面元数据，内容由 DocumentStore 维护
type Page struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Tags      []string  `json:"tags"`
	AuthorID  uint64    `json:"authorId"`
	UpdatedBy uint64    `json:"updatedBy"` // 最后一次修改页面的用户
	Revision  uint64    `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type NewPage struct {
	ID       string
	Title    string
	Category string
	Tags     []string
	AuthorID uint64
	Content  string
}

// Patch 是客户端基于 BaseRevision 提交的修改
type Patch struct {
	PageID       string
	BaseRevision uint64
	Operations   []delta.Replace
	AuthorID     uint64
	// 客户端实例标识与本地递增序号，用于重连后重复提交的去重；ClientID 为空时不去重
	ClientID    string
	ClientSeq   uint64
	SubmittedAt time.Time
}

// AcceptedPatch 是已经落到 head 上的补丁，Operations 为 rebase 之后的结果
type AcceptedPatch struct {
	OperationID  string          `json:"operationId"`
	PageID       string          `json:"pageId"`
	Revision     uint64          `json:"revision"`
	BaseRevision uint64          `json:"baseRevision"`
	AuthorID     uint64          `json:"authorId"`
	ClientID     string          `json:"clientId,omitempty"`
	ClientSeq    uint64          `json:"clientSeq,omitempty"`
	Operations   []delta.Replace `json:"operations"`
	AppliedAt    time.Time       `json:"appliedAt"`
}

type Reason string

const (
	ReasonConflict        Reason = "CONFLICT"
	ReasonInvalidRange    Reason = "INVALID_RANGE"
	ReasonInvalidRevision Reason = "INVALID_REVISION"
	ReasonDuplicate       Reason = "DUPLICATE_OR_OUT_OF_ORDER"
)

type PatchResult struct {
	Accepted bool `json:"accepted"`
	// Accepted == true
	NewRevision uint64         `json:"newRevision,omitempty"`
	Applied     *AcceptedPatch `json:"applied,omitempty"`
	// Accepted == false
	Reason          Reason `json:"reason,omitempty"`
	Detail          string `json:"detail,omitempty"`
	CurrentRevision uint64 `json:"currentRevision"`
}

// Err 把拒绝原因映射回哨兵错误，便于 errors.Is 判断
func (r PatchResult) Err() error {
	if r.Accepted {
		return nil
	}
	switch r.Reason {
	case ReasonConflict:
		return ErrConflict
	case ReasonInvalidRange:
		return ErrInvalidRange
	case ReasonInvalidRevision:
		return ErrInvalidRevision
	case ReasonDuplicate:
		return ErrDuplicatePatch
	}
	return errors.New(string(r.Reason))
}

type Snapshot struct {
	Page     Page   `json:"page"`
	Revision uint64 `json:"revision"`
	Content  string `json:"content"`
}

type ListFilter struct {
	Category string
	// 大小写不敏感，匹配标题、内容或标签
	Query string
	Limit int
}
