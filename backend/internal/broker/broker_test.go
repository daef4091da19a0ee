package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwiki/backend/internal/chatlog"
	"chatwiki/backend/internal/collab"
	"chatwiki/backend/internal/ot/delta"
	"chatwiki/backend/internal/presence"
)

type harness struct {
	docs    *collab.DocumentStore
	chat    *chatlog.Log
	tracker *presence.Tracker
	broker  *Broker
	sink    *recordingSink
}

type recordingSink struct {
	mu     sync.Mutex
	events []collab.FeedEvent
}

func (s *recordingSink) Enqueue(_ context.Context, ev collab.FeedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// 创建页面成功，之后所有补丁写入都失败
type flakyJournal struct {
	fail bool
}

func (j *flakyJournal) CreatePage(context.Context, collab.Page, string) error { return nil }

func (j *flakyJournal) AppendPatch(context.Context, string, collab.AcceptedPatch) error {
	if j.fail {
		return errors.New("disk gone")
	}
	return nil
}

func (j *flakyJournal) LoadPage(context.Context, string) (*collab.PageRecord, error) {
	return nil, collab.ErrUnknownPage
}

func newHarness(t *testing.T, journal collab.Journal) *harness {
	t.Helper()
	h := &harness{sink: &recordingSink{}}
	h.docs = collab.NewDocumentStore(collab.DocumentStoreOptions{Journal: journal})
	h.chat = chatlog.New(chatlog.Options{Pages: h.docs})
	h.tracker = presence.NewTracker(presence.Options{})
	h.broker = New(Options{
		Documents:      h.docs,
		Messages:       h.chat,
		Roster:         h.tracker,
		Sink:           h.sink,
		RecentMessages: 3,
	})
	h.tracker.SetNotifier(h.broker)
	_, err := h.docs.CreatePage(context.Background(), collab.NewPage{ID: "home", Title: "Home", Content: "hello"})
	require.NoError(t, err)
	return h
}

func (h *harness) connect(t *testing.T, userID uint64, queue int) *Subscriber {
	t.Helper()
	s := h.tracker.Open(userID, fmt.Sprintf("user%d", userID))
	return NewSubscriber(s.ID, userID, s.Username, queue)
}

func (h *harness) insert(t *testing.T, base uint64, at int, text string) collab.PatchResult {
	t.Helper()
	res, err := h.broker.SubmitPatch(context.Background(), collab.Patch{
		PageID:       "home",
		BaseRevision: base,
		Operations:   []delta.Replace{{Start: at, End: at, Text: text}},
		AuthorID:     1,
	})
	require.NoError(t, err)
	return res
}

func next(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscriber closed: %v", sub.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return Event{}
}

func drain(sub *Subscriber) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSubscribe_SnapshotThenLiveEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	h.insert(t, 0, 5, " world")
	for i := range 5 {
		_, err := h.broker.AppendMessage(ctx, "home", 1, fmt.Sprintf("m%d", i), 0)
		require.NoError(t, err)
	}

	sub := h.connect(t, 1, 0)
	require.NoError(t, h.broker.Subscribe(ctx, sub, "home"))

	snap := next(t, sub)
	require.Equal(t, KindSnapshot, snap.Kind)
	assert.Equal(t, "hello world", snap.Snapshot.Content)
	assert.Equal(t, uint64(1), snap.Snapshot.Revision)
	require.Len(t, snap.Snapshot.RecentMessages, 3)
	assert.Equal(t, uint64(3), snap.Snapshot.RecentMessages[0].ID)
	require.Len(t, snap.Snapshot.Roster, 1)
	assert.Equal(t, presence.Online, snap.Snapshot.Roster[0].State)

	joined := next(t, sub)
	assert.Equal(t, KindPresenceChanged, joined.Kind)
	assert.Equal(t, snap.Seq+1, joined.Seq)

	h.insert(t, 1, 0, ">")
	live := next(t, sub)
	assert.Equal(t, KindPatchAccepted, live.Kind)
	assert.Equal(t, joined.Seq+1, live.Seq)
	assert.Equal(t, uint64(2), live.Patch.Revision)

	// 重复订阅不会再发快照
	require.NoError(t, h.broker.Subscribe(ctx, sub, "home"))
	assert.Empty(t, drain(sub))
}

func TestSubscribe_NoGapUnderConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	const writes = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			for {
				snap, err := h.docs.Snapshot(ctx, "home")
				require.NoError(t, err)
				res, err := h.broker.SubmitPatch(ctx, collab.Patch{
					PageID:       "home",
					BaseRevision: snap.Revision,
					Operations:   []delta.Replace{{Start: 0, End: 0, Text: "x"}},
				})
				require.NoError(t, err)
				if res.Accepted {
					break
				}
			}
		}
	}()

	sub := h.connect(t, 2, writes*2)
	time.Sleep(time.Millisecond)
	require.NoError(t, h.broker.Subscribe(ctx, sub, "home"))
	wg.Wait()

	events := drain(sub)
	require.NotEmpty(t, events)
	require.Equal(t, KindSnapshot, events[0].Kind)
	rev := events[0].Snapshot.Revision
	seq := events[0].Seq
	for _, ev := range events[1:] {
		seq++
		require.Equal(t, seq, ev.Seq)
		if ev.Kind == KindPatchAccepted {
			rev++
			require.Equal(t, rev, ev.Patch.Revision)
		}
	}
	assert.Equal(t, uint64(writes), rev)
}

func TestFanOut_SameOrderForAllSubscribers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	a := h.connect(t, 1, 1024)
	b := h.connect(t, 2, 1024)
	require.NoError(t, h.broker.Subscribe(ctx, a, "home"))
	require.NoError(t, h.broker.Subscribe(ctx, b, "home"))

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 20 {
				if i%2 == 0 {
					_, err := h.broker.AppendMessage(ctx, "home", uint64(w), "hi", 0)
					assert.NoError(t, err)
					continue
				}
				snap, _ := h.docs.Snapshot(ctx, "home")
				_, err := h.broker.SubmitPatch(ctx, collab.Patch{
					PageID:       "home",
					BaseRevision: snap.Revision,
					Operations:   []delta.Replace{{Start: 0, End: 0, Text: "y"}},
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	key := func(ev Event) string {
		switch ev.Kind {
		case KindPatchAccepted:
			return fmt.Sprintf("%d:p%d", ev.Seq, ev.Patch.Revision)
		case KindChatAppended:
			return fmt.Sprintf("%d:m%d", ev.Seq, ev.Message.ID)
		}
		return ""
	}
	var ka, kb []string
	for _, ev := range drain(a) {
		if k := key(ev); k != "" {
			ka = append(ka, k)
		}
	}
	for _, ev := range drain(b) {
		if k := key(ev); k != "" {
			kb = append(kb, k)
		}
	}
	assert.NotEmpty(t, ka)
	assert.Equal(t, ka, kb)
}

func TestBackpressure_DropsSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	dropped := make(chan string, 1)
	h.broker.SetHooks(Hooks{OnDrop: func(sid string) { dropped <- sid }})

	fast := h.connect(t, 1, 64)
	slow := h.connect(t, 2, 2)
	require.NoError(t, h.broker.Subscribe(ctx, fast, "home"))
	require.NoError(t, h.broker.Subscribe(ctx, slow, "home"))

	for i := range 5 {
		h.insert(t, uint64(i), 0, "z")
	}

	select {
	case sid := <-dropped:
		assert.Equal(t, slow.SessionID, sid)
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.ErrorIs(t, slow.Err(), ErrStaleSubscription)
	assert.True(t, slow.Closed())
	assert.Equal(t, 1, h.broker.Subscribers("home"))

	var patches int
	for _, ev := range drain(fast) {
		if ev.Kind == KindPatchAccepted {
			patches++
		}
	}
	assert.Equal(t, 5, patches)
}

func TestPageUnavailable_NotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	j := &flakyJournal{}
	h := newHarness(t, j)

	failed := make(chan []string, 1)
	h.broker.SetHooks(Hooks{OnPageUnavailable: func(_ string, sessions []string) { failed <- sessions }})

	sub := h.connect(t, 1, 16)
	require.NoError(t, h.broker.Subscribe(ctx, sub, "home"))
	drain(sub)

	j.fail = true
	_, err := h.broker.SubmitPatch(ctx, collab.Patch{PageID: "home", Operations: []delta.Replace{{Start: 0, End: 0, Text: "!"}}})
	require.ErrorIs(t, err, collab.ErrPageUnavailable)

	ev := next(t, sub)
	assert.Equal(t, KindPageUnavailable, ev.Kind)
	assert.NotEmpty(t, ev.Reason)

	select {
	case sessions := <-failed:
		assert.Equal(t, []string{sub.SessionID}, sessions)
	case <-time.After(2 * time.Second):
		t.Fatal("hook not called")
	}

	assert.Equal(t, 0, h.broker.Subscribers("home"))
	other := h.connect(t, 2, 16)
	assert.ErrorIs(t, h.broker.Subscribe(ctx, other, "home"), collab.ErrPageUnavailable)
	_, err = h.broker.AppendMessage(ctx, "home", 1, "hello?", 0)
	assert.ErrorIs(t, err, collab.ErrPageUnavailable)
}

func TestPresence_BroadcastsAggregatedState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	watcher := h.connect(t, 1, 64)
	require.NoError(t, h.broker.Subscribe(ctx, watcher, "home"))
	drain(watcher)

	bob := h.connect(t, 2, 64)
	require.NoError(t, h.broker.Subscribe(ctx, bob, "home"))
	ev := next(t, watcher)
	require.Equal(t, KindPresenceChanged, ev.Kind)
	assert.Equal(t, PresenceUpdate{UserID: 2, Username: "user2", State: presence.Online}, *ev.Presence)

	// 同一用户的第二个会话不改变汇总状态
	bob2 := h.connect(t, 2, 64)
	require.NoError(t, h.broker.Subscribe(ctx, bob2, "home"))
	assert.Empty(t, drain(watcher))

	h.broker.Unsubscribe(bob, "home")
	assert.Empty(t, drain(watcher))

	h.tracker.Close(bob2.SessionID)
	ev = next(t, watcher)
	assert.Equal(t, presence.Offline, ev.Presence.State)
	assert.Equal(t, 1, h.broker.Subscribers("home"))
}

func TestUnknownPage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sub := h.connect(t, 1, 4)

	assert.ErrorIs(t, h.broker.Subscribe(ctx, sub, "missing"), collab.ErrUnknownPage)
	_, err := h.broker.SubmitPatch(ctx, collab.Patch{PageID: "missing"})
	assert.ErrorIs(t, err, collab.ErrUnknownPage)
	_, err = h.broker.AppendMessage(ctx, "missing", 1, "hi", 0)
	assert.ErrorIs(t, err, collab.ErrUnknownPage)
}

func TestSink_ReceivesAcceptedEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	h.insert(t, 0, 0, "a")
	_, err := h.broker.AppendMessage(ctx, "home", 3, "note", 0)
	require.NoError(t, err)
	res, err := h.broker.SubmitPatch(ctx, collab.Patch{PageID: "home", BaseRevision: 99, Operations: []delta.Replace{{Start: 0, End: 1, Text: "b"}}})
	require.NoError(t, err)
	require.False(t, res.Accepted)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	require.Len(t, h.sink.events, 2)
	assert.Equal(t, collab.FeedPatchAccepted, h.sink.events[0].EventType)
	assert.Equal(t, uint64(1), h.sink.events[0].Seq)
	assert.Equal(t, collab.FeedChatAppended, h.sink.events[1].EventType)
	assert.Equal(t, uint64(2), h.sink.events[1].Seq)
	assert.Equal(t, "note", h.sink.events[1].Content)
}
