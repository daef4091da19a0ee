package collab

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"chatwiki/backend/internal/metrics"
	"chatwiki/backend/internal/ot"
	"chatwiki/backend/internal/ot/delta"
)

// Journal 持久化页面的创建记录和已接受的补丁。
// AppendPatch 返回 nil 即视为补丁已经持久化。
type Journal interface {
	CreatePage(ctx context.Context, page Page, content string) error
	AppendPatch(ctx context.Context, pageID string, p AcceptedPatch) error
	// 页面不存在时返回 ErrUnknownPage
	LoadPage(ctx context.Context, pageID string) (*PageRecord, error)
}

// PageRecord 是从 Journal 中恢复出的页面：初始内容 + 按修订号排列的补丁
type PageRecord struct {
	Page    Page
	Content string
	Patches []AcceptedPatch
}

// 快照存储接口。LatestSnapshot 没有快照时返回任意错误即可，恢复时退回到完整重放。
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, pageID string, rev uint64, content string) error
	LatestSnapshot(ctx context.Context, pageID string) (uint64, string, error)
}

// Catalog 是跨节点的页面目录，用于列出尚未加载到内存的页面
type Catalog interface {
	SavePage(ctx context.Context, p Page) error
	ListPages(ctx context.Context, f ListFilter) ([]Page, error)
}

type DocumentStoreOptions struct {
	Journal   Journal
	Snapshots SnapshotStore
	Catalog   Catalog
	// 每隔多少个修订导出一次快照，0 表示不导出
	SnapshotEvery uint64
	Now           func() time.Time
}

type pageState struct {
	// 页面的排序点：同一页面的提交严格串行
	mu       sync.RWMutex
	meta     Page
	revision uint64
	buf      Buffer
	// history[i].Revision == i+1
	history []AcceptedPatch
	// lengths[r] 是修订 r 时的内容长度，用于校验基于旧版本的补丁
	lengths []int
	// 去重窗口：记录某 clientId 最近的最大 clientSeq
	lastSeqByClient map[string]uint64
	// 持久化失败后页面不可用
	failed error
}

// DocumentStore 持有所有页面的权威内容，不同页面之间完全并行
type DocumentStore struct {
	mu    sync.RWMutex
	pages map[string]*pageState
	// 正在写创建记录的页面 ID
	creating map[string]struct{}
	loads    singleflight.Group

	journal       Journal
	snapshots     SnapshotStore
	catalog       Catalog
	snapshotEvery uint64
	now           func() time.Time
}

func NewDocumentStore(opt DocumentStoreOptions) *DocumentStore {
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	return &DocumentStore{
		pages:         make(map[string]*pageState),
		creating:      make(map[string]struct{}),
		journal:       opt.Journal,
		snapshots:     opt.Snapshots,
		catalog:       opt.Catalog,
		snapshotEvery: opt.SnapshotEvery,
		now:           now,
	}
}

var pageIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func ValidPageID(id string) bool { return pageIDPattern.MatchString(id) }

func newPageState(meta Page, content string) *pageState {
	buf := NewPieceTable(content)
	return &pageState{
		meta:            meta,
		buf:             buf,
		lengths:         []int{buf.Len()},
		lastSeqByClient: make(map[string]uint64),
	}
}

// CreatePage 新建页面，revision 从 0 开始
func (s *DocumentStore) CreatePage(ctx context.Context, np NewPage) (Page, error) {
	if np.ID == "" {
		np.ID = strings.ToLower(ulid.Make().String())
	}
	if !ValidPageID(np.ID) {
		return Page{}, fmt.Errorf("%w: bad page id %q", ErrInvalidPage, np.ID)
	}
	if strings.TrimSpace(np.Title) == "" {
		return Page{}, fmt.Errorf("%w: empty title", ErrInvalidPage)
	}
	if np.Category == "" {
		np.Category = "general"
	}
	if !knownCategory(np.Category) {
		return Page{}, fmt.Errorf("%w: unknown category %q", ErrInvalidPage, np.Category)
	}
	now := s.now()
	meta := Page{
		ID:        np.ID,
		Title:     strings.TrimSpace(np.Title),
		Category:  np.Category,
		Tags:      normalizeTags(np.Tags),
		AuthorID:  np.AuthorID,
		UpdatedBy: np.AuthorID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// 全局锁只用来占住 ID，落盘在锁外进行
	s.mu.Lock()
	_, exists := s.pages[meta.ID]
	_, pending := s.creating[meta.ID]
	if exists || pending {
		s.mu.Unlock()
		return Page{}, ErrPageExists
	}
	s.creating[meta.ID] = struct{}{}
	s.mu.Unlock()

	var err error
	if s.journal != nil {
		err = s.journal.CreatePage(ctx, meta, np.Content)
	}

	s.mu.Lock()
	delete(s.creating, meta.ID)
	if err == nil {
		s.pages[meta.ID] = newPageState(meta, np.Content)
	}
	s.mu.Unlock()
	if err != nil {
		return Page{}, err
	}

	s.saveCatalog(meta)
	log.Info().Str("page", meta.ID).Str("category", meta.Category).Msg("page created")
	return meta, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// 获取页面状态，内存中没有时从 Journal 恢复；并发的首次访问只恢复一次
func (s *DocumentStore) page(ctx context.Context, pageID string) (*pageState, error) {
	s.mu.RLock()
	ps := s.pages[pageID]
	s.mu.RUnlock()
	if ps != nil {
		return ps, nil
	}
	if s.journal == nil || !ValidPageID(pageID) {
		return nil, ErrUnknownPage
	}
	v, err, _ := s.loads.Do(pageID, func() (any, error) {
		s.mu.RLock()
		ps := s.pages[pageID]
		s.mu.RUnlock()
		if ps != nil {
			return ps, nil
		}
		rec, err := s.journal.LoadPage(ctx, pageID)
		if err != nil {
			return nil, err
		}
		snapRev, snapContent := s.latestSnapshot(ctx, pageID)
		ps, err = restorePage(rec, snapRev, snapContent)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur := s.pages[pageID]; cur != nil {
			return cur, nil
		}
		s.pages[pageID] = ps
		log.Info().Str("page", pageID).Uint64("revision", ps.revision).Msg("page restored from journal")
		return ps, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pageState), nil
}

func (s *DocumentStore) latestSnapshot(ctx context.Context, pageID string) (uint64, string) {
	if s.snapshots == nil {
		return 0, ""
	}
	rev, content, err := s.snapshots.LatestSnapshot(ctx, pageID)
	if err != nil {
		log.Debug().Err(err).Str("page", pageID).Msg("no snapshot, replaying journal from genesis")
		return 0, ""
	}
	return rev, content
}

// restorePage 优先从快照加上其后的补丁恢复，快照和日志对不上时从创建记录完整重放
func restorePage(rec *PageRecord, snapRev uint64, snapContent string) (*pageState, error) {
	if snapRev > 0 && snapRev <= uint64(len(rec.Patches)) {
		ps, err := replayPage(rec, snapRev, snapContent)
		if err == nil {
			return ps, nil
		}
		log.Warn().Err(err).Str("page", rec.Page.ID).Uint64("snapshot", snapRev).Msg("snapshot does not match journal, replaying from genesis")
	}
	return replayPage(rec, 0, rec.Content)
}

// replayPage 以修订 base 时的内容 content 为起点，只把 base 之后的补丁作用到缓冲区。
// base 之前的补丁仍然进入 history，lengths 由操作的长度变化推算。
func replayPage(rec *PageRecord, base uint64, content string) (*pageState, error) {
	ps := &pageState{
		meta:            rec.Page,
		lastSeqByClient: make(map[string]uint64),
	}
	n := utf8.RuneCountInString(rec.Content)
	ps.lengths = []int{n}
	load := func() error {
		if got := utf8.RuneCountInString(content); got != n {
			return fmt.Errorf("journal for page %s: content at revision %d has length %d, journal says %d", rec.Page.ID, base, got, n)
		}
		ps.buf = NewPieceTable(content)
		return nil
	}
	for _, p := range rec.Patches {
		if p.Revision != ps.revision+1 {
			return nil, fmt.Errorf("journal for page %s: revision gap %d -> %d", rec.Page.ID, ps.revision, p.Revision)
		}
		if p.Revision <= base {
			for _, op := range p.Operations {
				n += op.Shift()
			}
			ps.accept(p, n)
			continue
		}
		if ps.buf == nil {
			if err := load(); err != nil {
				return nil, err
			}
		}
		if err := ps.buf.Apply(delta.ToDelta(p.Operations)); err != nil {
			return nil, fmt.Errorf("journal for page %s: replay revision %d: %w", rec.Page.ID, p.Revision, err)
		}
		ps.accept(p, ps.buf.Len())
	}
	if ps.buf == nil {
		if err := load(); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

// accept 记录一个已接受的补丁，n 是补丁作用后的内容长度
func (ps *pageState) accept(p AcceptedPatch, n int) {
	ps.revision = p.Revision
	ps.history = append(ps.history, p)
	ps.lengths = append(ps.lengths, n)
	ps.meta.Revision = p.Revision
	ps.meta.UpdatedAt = p.AppliedAt
	ps.meta.UpdatedBy = p.AuthorID
	if p.ClientID != "" {
		ps.lastSeqByClient[p.ClientID] = p.ClientSeq
	}
}

// CheckPage 页面存在且可用时返回 nil
func (s *DocumentStore) CheckPage(ctx context.Context, pageID string) error {
	ps, err := s.page(ctx, pageID)
	if err != nil {
		return err
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.failed != nil {
		return fmt.Errorf("%w: %v", ErrPageUnavailable, ps.failed)
	}
	return nil
}

// SubmitPatch 校验并应用补丁。冲突、越界等拒绝通过 PatchResult 返回，
// error 只用于页面不存在、页面不可用等无法给出结果的情况。
func (s *DocumentStore) SubmitPatch(ctx context.Context, p Patch) (PatchResult, error) {
	ps, err := s.page(ctx, p.PageID)
	if err != nil {
		return PatchResult{}, err
	}

	ps.mu.Lock()
	if ps.failed != nil {
		ps.mu.Unlock()
		return PatchResult{}, fmt.Errorf("%w: %v", ErrPageUnavailable, ps.failed)
	}
	head := ps.revision
	reject := func(reason Reason, err error) (PatchResult, error) {
		ps.mu.Unlock()
		metrics.PatchesTotal.WithLabelValues(string(reason)).Inc()
		return PatchResult{Accepted: false, Reason: reason, Detail: err.Error(), CurrentRevision: head}, nil
	}

	// 幂等/去重：同一 clientId 的序号只允许递增
	if p.ClientID != "" {
		if last, ok := ps.lastSeqByClient[p.ClientID]; ok && p.ClientSeq <= last {
			return reject(ReasonDuplicate, fmt.Errorf("%w: client %s seq %d <= %d", ErrDuplicatePatch, p.ClientID, p.ClientSeq, last))
		}
	}
	// 版本校验
	if p.BaseRevision > head {
		return reject(ReasonInvalidRevision, fmt.Errorf("%w: base %d ahead of head %d", ErrInvalidRevision, p.BaseRevision, head))
	}
	if err := delta.Validate(p.Operations, ps.lengths[p.BaseRevision]); err != nil {
		return reject(ReasonInvalidRange, err)
	}

	ops := p.Operations
	if p.BaseRevision < head {
		intervening := make([][]delta.Replace, 0, head-p.BaseRevision)
		for _, ap := range ps.history[p.BaseRevision:] {
			intervening = append(intervening, ap.Operations)
		}
		ops, err = ot.Rebase(p.Operations, intervening)
		if err != nil {
			return reject(ReasonConflict, err)
		}
	}
	d := delta.ToDelta(ops)
	if err := d.Check(ps.buf.Len()); err != nil {
		return reject(ReasonInvalidRange, err)
	}

	ap := AcceptedPatch{
		OperationID:  ulid.Make().String(),
		PageID:       p.PageID,
		Revision:     head + 1,
		BaseRevision: p.BaseRevision,
		AuthorID:     p.AuthorID,
		ClientID:     p.ClientID,
		ClientSeq:    p.ClientSeq,
		Operations:   ops,
		AppliedAt:    s.now(),
	}
	// 先落盘再修改内存，返回成功即已持久化
	if s.journal != nil {
		if err := s.journal.AppendPatch(ctx, p.PageID, ap); err != nil {
			ps.failed = err
			ps.mu.Unlock()
			log.Error().Err(err).Str("page", p.PageID).Msg("patch journal append failed, page marked unavailable")
			return PatchResult{}, fmt.Errorf("%w: %v", ErrPageUnavailable, err)
		}
	}
	if err := ps.buf.Apply(d); err != nil {
		// Check 已经通过，走到这里说明缓冲区本身有问题
		ps.failed = err
		ps.mu.Unlock()
		return PatchResult{}, fmt.Errorf("%w: %v", ErrPageUnavailable, err)
	}
	ps.accept(ap, ps.buf.Len())

	var content string
	due := s.snapshotEvery > 0 && ap.Revision%s.snapshotEvery == 0
	if due {
		content = ps.buf.String()
	}
	meta := ps.meta
	ps.mu.Unlock()

	metrics.PatchesTotal.WithLabelValues("accepted").Inc()
	if due {
		go s.exportSnapshot(meta, content)
	}
	return PatchResult{Accepted: true, NewRevision: ap.Revision, Applied: &ap, CurrentRevision: ap.Revision}, nil
}

// 快照导出和目录更新都在页面锁之外进行
func (s *DocumentStore) exportSnapshot(meta Page, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if s.snapshots != nil {
		if err := s.snapshots.SaveDocumentSnapshot(ctx, meta.ID, meta.Revision, content); err != nil {
			log.Warn().Err(err).Str("page", meta.ID).Uint64("revision", meta.Revision).Msg("save snapshot failed")
		}
	}
	s.saveCatalog(meta)
}

func (s *DocumentStore) saveCatalog(meta Page) {
	if s.catalog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.catalog.SavePage(ctx, meta); err != nil {
		log.Warn().Err(err).Str("page", meta.ID).Msg("save page to catalog failed")
	}
}

// Snapshot 返回页面当前内容，反映所有已接受的补丁
func (s *DocumentStore) Snapshot(ctx context.Context, pageID string) (Snapshot, error) {
	ps, err := s.page(ctx, pageID)
	if err != nil {
		return Snapshot{}, err
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	meta := ps.meta
	meta.Tags = slices.Clone(meta.Tags)
	return Snapshot{Page: meta, Revision: ps.revision, Content: ps.buf.String()}, nil
}

// PatchesSince 返回修订号大于 revision 的已接受补丁。
// 序列在调用时截定，可以重复遍历。
func (s *DocumentStore) PatchesSince(ctx context.Context, pageID string, revision uint64) (iter.Seq[AcceptedPatch], error) {
	ps, err := s.page(ctx, pageID)
	if err != nil {
		return nil, err
	}
	ps.mu.RLock()
	var hist []AcceptedPatch
	if n := uint64(len(ps.history)); revision < n {
		// history 只追加，已有元素不会再被修改
		hist = ps.history[revision:n:n]
	}
	ps.mu.RUnlock()
	return func(yield func(AcceptedPatch) bool) {
		for _, p := range hist {
			if !yield(p) {
				return
			}
		}
	}, nil
}

// ListPages 合并内存中的页面和目录中的页面。内容匹配只对已加载的页面生效。
func (s *DocumentStore) ListPages(ctx context.Context, f ListFilter) ([]Page, error) {
	s.mu.RLock()
	states := make([]*pageState, 0, len(s.pages))
	for _, ps := range s.pages {
		states = append(states, ps)
	}
	s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(f.Query))
	seen := make(map[string]struct{}, len(states))
	out := make([]Page, 0, len(states))
	for _, ps := range states {
		ps.mu.RLock()
		meta := ps.meta
		match := f.Category == "" || f.Category == "all" || meta.Category == f.Category
		if match && q != "" {
			match = matchesMeta(meta, q) || strings.Contains(strings.ToLower(ps.buf.String()), q)
		}
		ps.mu.RUnlock()
		seen[meta.ID] = struct{}{}
		if match {
			meta.Tags = slices.Clone(meta.Tags)
			out = append(out, meta)
		}
	}

	if s.catalog != nil {
		more, err := s.catalog.ListPages(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, p := range more {
			if _, ok := seen[p.ID]; !ok {
				out = append(out, p)
			}
		}
	}

	slices.SortFunc(out, func(a, b Page) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchesMeta(p Page, q string) bool {
	if strings.Contains(strings.ToLower(p.Title), q) {
		return true
	}
	for _, t := range p.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

// IsUnavailable 判断错误是否意味着页面的排序点已失效
func IsUnavailable(err error) bool { return errors.Is(err, ErrPageUnavailable) }
