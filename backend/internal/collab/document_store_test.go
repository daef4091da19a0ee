package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwiki/backend/internal/ot/delta"
)

func rep(start, end int, text string) delta.Replace {
	return delta.Replace{Start: start, End: end, Text: text}
}

// 建一个内容为 content、修订号为 rev 的页面（用不改变内容的补丁推进修订号）
func newPageAt(t *testing.T, s *DocumentStore, id, content string, rev uint64) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreatePage(ctx, NewPage{ID: id, Title: "Page " + id, Content: content})
	require.NoError(t, err)
	first := string([]rune(content)[:1])
	for i := uint64(0); i < rev; i++ {
		res, err := s.SubmitPatch(ctx, Patch{PageID: id, BaseRevision: i, Operations: []delta.Replace{rep(0, 1, first)}})
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}
}

func TestSubmitPatch_NonOverlappingConcurrentEdits(t *testing.T) {
	ctx := context.Background()
	s := NewDocumentStore(DocumentStoreOptions{})
	newPageAt(t, s, "p1", "ABCD", 5)

	x, err := s.SubmitPatch(ctx, Patch{PageID: "p1", BaseRevision: 5, Operations: []delta.Replace{rep(0, 1, "Z")}, AuthorID: 1})
	require.NoError(t, err)
	y, err := s.SubmitPatch(ctx, Patch{PageID: "p1", BaseRevision: 5, Operations: []delta.Replace{rep(2, 3, "Y")}, AuthorID: 2})
	require.NoError(t, err)

	assert.True(t, x.Accepted)
	assert.True(t, y.Accepted)
	assert.Equal(t, uint64(6), x.NewRevision)
	assert.Equal(t, uint64(7), y.NewRevision)

	snap, err := s.Snapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "ZBYD", snap.Content)
	assert.Equal(t, uint64(7), snap.Revision)
}

func TestSubmitPatch_OverlappingConflict(t *testing.T) {
	ctx := context.Background()
	s := NewDocumentStore(DocumentStoreOptions{})
	newPageAt(t, s, "p1", "abcdef", 3)

	first, err := s.SubmitPatch(ctx, Patch{PageID: "p1", BaseRevision: 3, Operations: []delta.Replace{rep(1, 2, "X")}})
	require.NoError(t, err)
	second, err := s.SubmitPatch(ctx, Patch{PageID: "p1", BaseRevision: 3, Operations: []delta.Replace{rep(1, 2, "Y")}})
	require.NoError(t, err)

	assert.True(t, first.Accepted)
	assert.False(t, second.Accepted)
	assert.Equal(t, ReasonConflict, second.Reason)
	assert.Equal(t, uint64(4), second.CurrentRevision)
	assert.ErrorIs(t, second.Err(), ErrConflict)

	snap, err := s.Snapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "aXcdef", snap.Content)
}

func TestSubmitPatch_ConcurrentArrivalOrder(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		s := NewDocumentStore(DocumentStoreOptions{})
		newPageAt(t, s, "p", "0123456789", 0)

		var wg sync.WaitGroup
		results := make([]PatchResult, 2)
		patches := []Patch{
			{PageID: "p", Operations: []delta.Replace{rep(0, 2, "ab")}},
			{PageID: "p", Operations: []delta.Replace{rep(5, 7, "")}},
		}
		for j := range patches {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				res, err := s.SubmitPatch(ctx, patches[j])
				assert.NoError(t, err)
				results[j] = res
			}(j)
		}
		wg.Wait()

		require.True(t, results[0].Accepted)
		require.True(t, results[1].Accepted)
		snap, err := s.Snapshot(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, "ab234789", snap.Content)
		assert.Equal(t, uint64(2), snap.Revision)
	}
}

func TestSubmitPatch_ConcurrentOverlapExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewDocumentStore(DocumentStoreOptions{})
	newPageAt(t, s, "p", "hello", 0)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, conflicts := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.SubmitPatch(ctx, Patch{PageID: "p", Operations: []delta.Replace{rep(1, 3, "EL")}})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if res.Accepted {
				accepted++
			} else if res.Reason == ReasonConflict {
				conflicts++
				assert.Equal(t, uint64(1), res.CurrentRevision)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, conflicts)
}

func TestSubmitPatch_Rejections(t *testing.T) {
	ctx := context.Background()
	s := NewDocumentStore(DocumentStoreOptions{})
	newPageAt(t, s, "p", "abc", 1)

	res, err := s.SubmitPatch(ctx, Patch{PageID: "p", BaseRevision: 1, Operations: []delta.Replace{rep(2, 9, "x")}})
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidRange, res.Reason)
	assert.Equal(t, uint64(1), res.CurrentRevision)

	res, err = s.SubmitPatch(ctx, Patch{PageID: "p", BaseRevision: 2, Operations: []delta.Replace{rep(0, 1, "x")}})
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidRevision, res.Reason)

	_, err = s.SubmitPatch(ctx, Patch{PageID: "missing", Operations: []delta.Replace{rep(0, 0, "x")}})
	assert.ErrorIs(t, err, ErrUnknownPage)

	snap, err := s.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "abc", snap.Content)
	assert.Equal(t, uint64(1), snap.Revision)
}

func TestSubmitPatch_RangeCheckedAgainstBaseRevision(t *testing.T) {
	ctx := context.Background()
	s := NewDocumentStore(DocumentStoreOptions{})
	newPageAt(t, s, "p", "abcdef", 0)

	// head 变短之后，基于旧版本的补丁仍然按旧版本长度校验
	res, err := s.SubmitPatch(ctx, Patch{PageID: "p", BaseRevision: 0, Operations: []delta.Replace{rep(0, 3, "")}})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	res, err = s.SubmitPatch(ctx, Patch{PageID: "p", BaseRevision: 0, Operations: []delta.Replace{rep(5, 6, "F")}})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, []delta.Replace{rep(2, 3, "F")}, res.Applied.Operations)

	snap, err := s.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "deF", snap.Content)
}

func TestSubmitPatch_DuplicateClientSeq(t *testing.T) {
	ctx := context.Background()
	s := NewDocumentStore(DocumentStoreOptions{})
	newPageAt(t, s, "p", "abc", 0)

	p := Patch{PageID: "p", Operations: []delta.Replace{rep(3, 3, "d")}, ClientID: "tab-1", ClientSeq: 1}
	res, err := s.SubmitPatch(ctx, p)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	res, err = s.SubmitPatch(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, ReasonDuplicate, res.Reason)

	p.ClientSeq = 2
	p.BaseRevision = 1
	p.Operations = []delta.Replace{rep(4, 4, "e")}
	res, err = s.SubmitPatch(ctx, p)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestPatchesSince_Replayable(t *testing.T) {
	ctx := context.Background()
	s := NewDocumentStore(DocumentStoreOptions{})
	newPageAt(t, s, "p", "abc", 4)

	seq, err := s.PatchesSince(ctx, "p", 1)
	require.NoError(t, err)

	// 之后的提交不影响已经截定的序列
	_, err = s.SubmitPatch(ctx, Patch{PageID: "p", BaseRevision: 4, Operations: []delta.Replace{rep(0, 0, "x")}})
	require.NoError(t, err)

	collect := func() []uint64 {
		var revs []uint64
		for p := range seq {
			revs = append(revs, p.Revision)
		}
		return revs
	}
	assert.Equal(t, []uint64{2, 3, 4}, collect())
	assert.Equal(t, []uint64{2, 3, 4}, collect())

	empty, err := s.PatchesSince(ctx, "p", 99)
	require.NoError(t, err)
	for range empty {
		t.Fatal("expected no patches")
	}
}

type memJournal struct {
	mu      sync.Mutex
	pages   map[string]*PageRecord
	failing bool
}

func newMemJournal() *memJournal { return &memJournal{pages: map[string]*PageRecord{}} }

func (j *memJournal) CreatePage(_ context.Context, page Page, content string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.pages[page.ID]; ok {
		return ErrPageExists
	}
	j.pages[page.ID] = &PageRecord{Page: page, Content: content}
	return nil
}

func (j *memJournal) AppendPatch(_ context.Context, pageID string, p AcceptedPatch) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failing {
		return errors.New("disk full")
	}
	rec := j.pages[pageID]
	rec.Patches = append(rec.Patches, p)
	return nil
}

func (j *memJournal) LoadPage(_ context.Context, pageID string) (*PageRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.pages[pageID]
	if !ok {
		return nil, ErrUnknownPage
	}
	cp := *rec
	cp.Patches = append([]AcceptedPatch(nil), rec.Patches...)
	return &cp, nil
}

func TestDocumentStore_RestoresFromJournal(t *testing.T) {
	ctx := context.Background()
	j := newMemJournal()
	s := NewDocumentStore(DocumentStoreOptions{Journal: j})
	newPageAt(t, s, "p", "ABCD", 2)
	_, err := s.SubmitPatch(ctx, Patch{PageID: "p", BaseRevision: 2, Operations: []delta.Replace{rep(4, 4, "E")}, ClientID: "c", ClientSeq: 7})
	require.NoError(t, err)

	restored := NewDocumentStore(DocumentStoreOptions{Journal: j})
	snap, err := restored.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "ABCDE", snap.Content)
	assert.Equal(t, uint64(3), snap.Revision)

	res, err := restored.SubmitPatch(ctx, Patch{PageID: "p", BaseRevision: 3, Operations: []delta.Replace{rep(0, 0, "x")}, ClientID: "c", ClientSeq: 7})
	require.NoError(t, err)
	assert.Equal(t, ReasonDuplicate, res.Reason)

	_, err = restored.CreatePage(ctx, NewPage{ID: "p", Title: "again"})
	assert.ErrorIs(t, err, ErrPageExists)
}

func TestDocumentStore_JournalFailureMakesPageUnavailable(t *testing.T) {
	ctx := context.Background()
	j := newMemJournal()
	s := NewDocumentStore(DocumentStoreOptions{Journal: j})
	newPageAt(t, s, "p", "abc", 0)
	newPageAt(t, s, "q", "abc", 0)

	j.mu.Lock()
	j.failing = true
	j.mu.Unlock()

	_, err := s.SubmitPatch(ctx, Patch{PageID: "p", Operations: []delta.Replace{rep(0, 1, "x")}})
	assert.ErrorIs(t, err, ErrPageUnavailable)
	assert.True(t, IsUnavailable(s.CheckPage(ctx, "p")))

	snap, err := s.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "abc", snap.Content)
	assert.Equal(t, uint64(0), snap.Revision)

	j.mu.Lock()
	j.failing = false
	j.mu.Unlock()
	_, err = s.SubmitPatch(ctx, Patch{PageID: "p", Operations: []delta.Replace{rep(0, 1, "x")}})
	assert.ErrorIs(t, err, ErrPageUnavailable)

	// 其他页面不受影响
	res, err := s.SubmitPatch(ctx, Patch{PageID: "q", Operations: []delta.Replace{rep(0, 1, "x")}})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

type chanSnapshots chan uint64

func (c chanSnapshots) SaveDocumentSnapshot(_ context.Context, _ string, rev uint64, _ string) error {
	c <- rev
	return nil
}

func (c chanSnapshots) LatestSnapshot(context.Context, string) (uint64, string, error) {
	return 0, "", errors.New("no snapshot")
}

type fixedSnapshot struct {
	rev     uint64
	content string
}

func (f fixedSnapshot) SaveDocumentSnapshot(context.Context, string, uint64, string) error {
	return nil
}

func (f fixedSnapshot) LatestSnapshot(context.Context, string) (uint64, string, error) {
	return f.rev, f.content, nil
}

func TestDocumentStore_RestoresFromSnapshotAndTail(t *testing.T) {
	ctx := context.Background()
	j := newMemJournal()
	s := NewDocumentStore(DocumentStoreOptions{Journal: j})
	_, err := s.CreatePage(ctx, NewPage{ID: "p", Title: "P", Content: "ABCD"})
	require.NoError(t, err)
	for i, op := range []delta.Replace{rep(4, 4, "E"), rep(0, 1, "x"), rep(5, 5, "!")} {
		res, err := s.SubmitPatch(ctx, Patch{PageID: "p", BaseRevision: uint64(i), Operations: []delta.Replace{op}})
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	// 快照内容和日志推算的长度一致时，只重放快照之后的补丁
	restored := NewDocumentStore(DocumentStoreOptions{Journal: j, Snapshots: fixedSnapshot{rev: 2, content: "yBCDE"}})
	snap, err := restored.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "yBCDE!", snap.Content)
	assert.Equal(t, uint64(3), snap.Revision)

	seq, err := restored.PatchesSince(ctx, "p", 0)
	require.NoError(t, err)
	n := 0
	for range seq {
		n++
	}
	assert.Equal(t, 3, n)

	// 基于快照之前修订的补丁仍按当时的长度校验并 rebase
	res, err := restored.SubmitPatch(ctx, Patch{PageID: "p", BaseRevision: 1, Operations: []delta.Replace{rep(4, 5, "Q")}})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	snap, err = restored.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "yBCDQ!", snap.Content)

	for _, bad := range []fixedSnapshot{{rev: 2, content: "zz"}, {rev: 9, content: "ABCDEFGHIJ"}} {
		restored := NewDocumentStore(DocumentStoreOptions{Journal: j, Snapshots: bad})
		snap, err := restored.Snapshot(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, "xBCDQ!", snap.Content)
		assert.Equal(t, uint64(4), snap.Revision)
	}
}

func TestDocumentStore_TracksLastEditor(t *testing.T) {
	ctx := context.Background()
	j := newMemJournal()
	s := NewDocumentStore(DocumentStoreOptions{Journal: j})
	page, err := s.CreatePage(ctx, NewPage{ID: "p", Title: "P", Content: "abc", AuthorID: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), page.UpdatedBy)

	_, err = s.SubmitPatch(ctx, Patch{PageID: "p", Operations: []delta.Replace{rep(0, 1, "x")}, AuthorID: 2})
	require.NoError(t, err)
	snap, err := s.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Page.AuthorID)
	assert.Equal(t, uint64(2), snap.Page.UpdatedBy)

	restored := NewDocumentStore(DocumentStoreOptions{Journal: j})
	snap, err = restored.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Page.UpdatedBy)
}

type gatedJournal struct {
	*memJournal
	entered chan struct{}
	release chan struct{}
}

func (g gatedJournal) CreatePage(ctx context.Context, page Page, content string) error {
	if page.ID == "slow" {
		close(g.entered)
		<-g.release
	}
	return g.memJournal.CreatePage(ctx, page, content)
}

func TestCreatePage_JournalWriteOutsideGlobalLock(t *testing.T) {
	ctx := context.Background()
	j := gatedJournal{memJournal: newMemJournal(), entered: make(chan struct{}), release: make(chan struct{})}
	s := NewDocumentStore(DocumentStoreOptions{Journal: j})

	done := make(chan error, 1)
	go func() {
		_, err := s.CreatePage(ctx, NewPage{ID: "slow", Title: "Slow"})
		done <- err
	}()
	<-j.entered

	// 落盘期间同 ID 的创建立即失败，其他页面不受影响
	_, err := s.CreatePage(ctx, NewPage{ID: "slow", Title: "Dup"})
	assert.ErrorIs(t, err, ErrPageExists)
	_, err = s.CreatePage(ctx, NewPage{ID: "fast", Title: "Fast"})
	require.NoError(t, err)
	_, err = s.Snapshot(ctx, "fast")
	require.NoError(t, err)

	close(j.release)
	require.NoError(t, <-done)
	snap, err := s.Snapshot(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, "Slow", snap.Page.Title)
}

func TestDocumentStore_ExportsSnapshots(t *testing.T) {
	snaps := make(chanSnapshots, 4)
	s := NewDocumentStore(DocumentStoreOptions{Snapshots: snaps, SnapshotEvery: 2})
	newPageAt(t, s, "p", "abc", 4)

	var got []uint64
	for len(got) < 2 {
		select {
		case rev := <-snaps:
			got = append(got, rev)
		case <-time.After(2 * time.Second):
			t.Fatalf("snapshots not exported, got %v", got)
		}
	}
	assert.ElementsMatch(t, []uint64{2, 4}, got)
}

func TestCreatePage_Validation(t *testing.T) {
	ctx := context.Background()
	s := NewDocumentStore(DocumentStoreOptions{})

	_, err := s.CreatePage(ctx, NewPage{ID: "../etc", Title: "x"})
	assert.ErrorIs(t, err, ErrInvalidPage)
	_, err = s.CreatePage(ctx, NewPage{Title: " "})
	assert.ErrorIs(t, err, ErrInvalidPage)
	_, err = s.CreatePage(ctx, NewPage{Title: "x", Category: "recipes"})
	assert.ErrorIs(t, err, ErrInvalidPage)

	p, err := s.CreatePage(ctx, NewPage{Title: "Welcome", Tags: []string{"intro", " intro ", ""}})
	require.NoError(t, err)
	assert.True(t, ValidPageID(p.ID))
	assert.Equal(t, "general", p.Category)
	assert.Equal(t, []string{"intro"}, p.Tags)
	assert.Equal(t, uint64(0), p.Revision)
}

func TestListPages_SearchAndCategory(t *testing.T) {
	ctx := context.Background()
	s := NewDocumentStore(DocumentStoreOptions{})
	_, err := s.CreatePage(ctx, NewPage{ID: "welcome", Title: "Welcome to ChatWiki", Category: "general", Tags: []string{"intro"}, Content: "# Welcome"})
	require.NoError(t, err)
	_, err = s.CreatePage(ctx, NewPage{ID: "api", Title: "REST reference", Category: "api", Tags: []string{"http"}, Content: "GET /v1/pages"})
	require.NoError(t, err)
	_, err = s.CreatePage(ctx, NewPage{ID: "deploy", Title: "Deployment", Category: "guides", Content: "Use the HTTP health check"})
	require.NoError(t, err)

	all, err := s.ListPages(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byCat, err := s.ListPages(ctx, ListFilter{Category: "api"})
	require.NoError(t, err)
	require.Len(t, byCat, 1)
	assert.Equal(t, "api", byCat[0].ID)

	// 标签和内容都参与搜索
	hits, err := s.ListPages(ctx, ListFilter{Query: "HTTP"})
	require.NoError(t, err)
	ids := []string{}
	for _, p := range hits {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"api", "deploy"}, ids)

	limited, err := s.ListPages(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
