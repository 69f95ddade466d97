package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlearn/internal/config"
	"medlearn/internal/runtime"
	"medlearn/internal/selection"
	"medlearn/internal/store"
	"medlearn/internal/types"
)

type countingFinalizer struct {
	calls int32
}

func (f *countingFinalizer) SessionFinalized(context.Context, string) {
	atomic.AddInt32(&f.calls, 1)
}

type fixture struct {
	svc       *Service
	store     *store.Store
	finalizer *countingFinalizer
	clock     *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, cache *redis.Client) *fixture {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}

	rt := runtime.New(s, cfg, nil)
	eng := selection.New(s, cfg)
	eng.SetClock(clock.Now)

	svc := New(s, cfg, rt, eng, cache)
	svc.SetClock(clock.Now)

	fin := &countingFinalizer{}
	svc.SetFinalizer(fin)

	return &fixture{svc: svc, store: s, finalizer: fin, clock: clock}
}

// seedPool publishes n items in one theme; correct index cycles 0,2,2,0,2...
// matching the S2 scenario when positions line up.
func seedPool(t *testing.T, s *store.Store, n int) {
	t.Helper()
	ctx := context.Background()
	keys := []int{0, 2, 2, 0, 2}
	for i := 0; i < n; i++ {
		require.NoError(t, s.PutItem(ctx, store.Item{
			ID:           fmt.Sprintf("q%02d", i),
			Stem:         "stem",
			Options:      [5]string{"a", "b", "c", "d", "e"},
			CorrectIndex: keys[i%len(keys)],
			Year:         1,
			BlockID:      "A",
			ThemeID:      "th1",
			Difficulty:   "medium",
			Version:      1,
		}))
	}
}

func createTutorSession(t *testing.T, f *fixture, count int, duration *int) State {
	t.Helper()
	st, err := f.svc.Create(context.Background(), CreateRequest{
		UserID:          "u1",
		Mode:            types.ModeTutor,
		Year:            1,
		BlockIDs:        []string{"A"},
		Count:           count,
		DurationSeconds: duration,
	})
	require.NoError(t, err)
	return st
}

func TestCreateAndReRead(t *testing.T) {
	f := newFixture(t, nil)
	seedPool(t, f.store, 10)
	ctx := context.Background()

	st := createTutorSession(t, f, 5, nil)
	assert.Equal(t, types.SessionActive, st.Session.Status)
	assert.Equal(t, 5, st.Session.TotalQuestions)
	assert.Len(t, st.Items, 5)
	assert.Equal(t, 0, st.Progress.Answered)
	assert.Equal(t, 1, st.Progress.CurrentPosition)

	t.Run("immediate re-read unchanged", func(t *testing.T) {
		again, err := f.svc.Get(ctx, st.Session.ID)
		require.NoError(t, err)
		assert.Equal(t, st.Session.ID, again.Session.ID)
		assert.Equal(t, st.Progress, again.Progress)
		itemIDs := func(s State) []string {
			out := make([]string, len(s.Items))
			for i, iv := range s.Items {
				out[i] = iv.ItemID
			}
			return out
		}
		assert.Equal(t, itemIDs(st), itemIDs(again))
	})

	t.Run("not enough questions", func(t *testing.T) {
		_, err := f.svc.Create(ctx, CreateRequest{
			UserID: "u2", Mode: types.ModeTutor, Year: 1, BlockIDs: []string{"A"}, Count: 50,
		})
		assert.ErrorIs(t, err, types.ErrNotEnoughQuestions)
	})

	t.Run("concurrent creations get distinct sessions", func(t *testing.T) {
		a := createTutorSession(t, f, 3, nil)
		b, err := f.svc.Create(ctx, CreateRequest{
			UserID: "u3", Mode: types.ModeTutor, Year: 1, BlockIDs: []string{"A"}, Count: 3,
		})
		require.NoError(t, err)
		assert.NotEqual(t, a.Session.ID, b.Session.ID)
		assert.NotEqual(t, a.Session.Seed, b.Session.Seed, "different users derive different seeds")
	})
}

func TestAnswerFlowAndScoring(t *testing.T) {
	f := newFixture(t, nil)
	seedPool(t, f.store, 10)
	ctx := context.Background()

	st := createTutorSession(t, f, 5, nil)

	// Answer the first three positions with selected_index=0.
	for i := 0; i < 3; i++ {
		sel := 0
		_, prog, err := f.svc.SubmitAnswer(ctx, AnswerRequest{
			SessionID:     st.Session.ID,
			ItemID:        st.Items[i].ItemID,
			SelectedIndex: &sel,
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, prog.Answered)
	}

	// Expected score from the frozen keys of the first three items.
	wantCorrect := 0
	itemsRows, err := f.store.GetSessionItems(ctx, st.Session.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		if itemsRows[i].Frozen.CorrectIndex == 0 {
			wantCorrect++
		}
	}

	final, err := f.svc.Submit(ctx, st.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionSubmitted, final.Session.Status)
	require.NotNil(t, final.Session.ScoreCorrect)
	assert.Equal(t, wantCorrect, *final.Session.ScoreCorrect)
	assert.Equal(t, 5, *final.Session.ScoreTotal)
	assert.InDelta(t, roundPct(wantCorrect, 5), *final.Session.ScorePct, 1e-9)

	t.Run("double submit is a no-op", func(t *testing.T) {
		again, err := f.svc.Submit(ctx, st.Session.ID)
		require.NoError(t, err)
		assert.Equal(t, *final.Session.ScoreCorrect, *again.Session.ScoreCorrect)
		assert.Equal(t, types.SessionSubmitted, again.Session.Status)
		assert.Equal(t, int32(1), atomic.LoadInt32(&f.finalizer.calls), "fan-out fires once")
	})

	t.Run("answer after submit rejected", func(t *testing.T) {
		sel := 1
		_, _, err := f.svc.SubmitAnswer(ctx, AnswerRequest{
			SessionID: st.Session.ID, ItemID: st.Items[3].ItemID, SelectedIndex: &sel,
		})
		assert.ErrorIs(t, err, types.ErrSessionClosed)
	})
}

func TestChangedAnswerTelemetry(t *testing.T) {
	f := newFixture(t, nil)
	seedPool(t, f.store, 6)
	ctx := context.Background()

	st := createTutorSession(t, f, 3, nil)
	item := st.Items[0].ItemID

	sel := 1
	_, _, err := f.svc.SubmitAnswer(ctx, AnswerRequest{SessionID: st.Session.ID, ItemID: item, SelectedIndex: &sel})
	require.NoError(t, err)

	sel2 := 3
	ans, _, err := f.svc.SubmitAnswer(ctx, AnswerRequest{SessionID: st.Session.ID, ItemID: item, SelectedIndex: &sel2})
	require.NoError(t, err)
	assert.Equal(t, 1, ans.ChangedCount)

	events, err := f.store.ListAttemptEvents(ctx, st.Session.ID, item)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventAnswerSelected, events[0].EventType)
	assert.Equal(t, types.EventAnswerChanged, events[1].EventType)
	assert.Equal(t, []int{1, 2}, []int{events[0].Seq, events[1].Seq})
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t, nil)
	seedPool(t, f.store, 8)
	ctx := context.Background()

	duration := 3600
	st := createTutorSession(t, f, 4, &duration)
	require.NotNil(t, st.Session.ExpiresAt)

	sel := 0
	_, _, err := f.svc.SubmitAnswer(ctx, AnswerRequest{SessionID: st.Session.ID, ItemID: st.Items[0].ItemID, SelectedIndex: &sel})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	got, err := f.svc.Get(ctx, st.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionExpired, got.Session.Status)
	require.NotNil(t, got.Session.ScorePct, "expiry scores like submit")

	t.Run("answer after expiry rejected", func(t *testing.T) {
		sel := 2
		_, _, err := f.svc.SubmitAnswer(ctx, AnswerRequest{SessionID: st.Session.ID, ItemID: st.Items[1].ItemID, SelectedIndex: &sel})
		assert.ErrorIs(t, err, types.ErrSessionClosed)
	})

	t.Run("fan-out fired for expiry", func(t *testing.T) {
		assert.Equal(t, int32(1), atomic.LoadInt32(&f.finalizer.calls))
	})
}

func TestReviewGating(t *testing.T) {
	f := newFixture(t, nil)
	seedPool(t, f.store, 6)
	ctx := context.Background()

	st := createTutorSession(t, f, 3, nil)

	t.Run("review before close rejected", func(t *testing.T) {
		_, err := f.svc.Review(ctx, st.Session.ID)
		assert.Equal(t, types.KindValidation, types.KindOf(err))
	})

	sel := 0
	_, _, err := f.svc.SubmitAnswer(ctx, AnswerRequest{SessionID: st.Session.ID, ItemID: st.Items[0].ItemID, SelectedIndex: &sel})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, st.Session.ID)
	require.NoError(t, err)

	review, err := f.svc.Review(ctx, st.Session.ID)
	require.NoError(t, err)
	require.Len(t, review, 3)
	assert.NotEmpty(t, review[0].Stem)
	require.NotNil(t, review[0].SelectedIndex)
	assert.Equal(t, 0, *review[0].SelectedIndex)
	assert.Nil(t, review[1].SelectedIndex)
}

func TestAdminTerminate(t *testing.T) {
	f := newFixture(t, nil)
	seedPool(t, f.store, 6)
	ctx := context.Background()

	st := createTutorSession(t, f, 3, nil)

	got, err := f.svc.Terminate(ctx, st.Session.ID, "admin-1", "exam integrity incident")
	require.NoError(t, err)
	assert.Equal(t, types.SessionExpired, got.Session.Status)
	assert.Contains(t, got.Session.TerminatedReason, "admin-1")

	t.Run("terminate is idempotent", func(t *testing.T) {
		again, err := f.svc.Terminate(ctx, st.Session.ID, "admin-2", "duplicate")
		require.NoError(t, err)
		assert.Contains(t, again.Session.TerminatedReason, "admin-1", "first terminator wins")
	})
}

func TestActiveSessionCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	f := newFixture(t, cache)
	seedPool(t, f.store, 8)
	ctx := context.Background()

	st := createTutorSession(t, f, 4, nil)

	// First Get fills the cache.
	_, err := f.svc.Get(ctx, st.Session.ID)
	require.NoError(t, err)
	assert.True(t, mr.Exists("medlearn:session:"+st.Session.ID))

	// An answer invalidates it; the next read must see the new progress.
	sel := 0
	_, _, err = f.svc.SubmitAnswer(ctx, AnswerRequest{SessionID: st.Session.ID, ItemID: st.Items[0].ItemID, SelectedIndex: &sel})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, st.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Progress.Answered)

	t.Run("terminal sessions are not cached", func(t *testing.T) {
		_, err := f.svc.Submit(ctx, st.Session.ID)
		require.NoError(t, err)
		_, err = f.svc.Get(ctx, st.Session.ID)
		require.NoError(t, err)
		assert.False(t, mr.Exists("medlearn:session:"+st.Session.ID))
	})
}
