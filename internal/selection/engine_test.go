package selection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlearn/internal/config"
	"medlearn/internal/store"
	"medlearn/internal/types"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, config.Default()), s
}

func seedItems(t *testing.T, s *store.Store, theme string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, s.PutItem(ctx, store.Item{
			ID:           fmt.Sprintf("%s-q%02d", theme, i),
			Stem:         "stem",
			Options:      [5]string{"a", "b", "c", "d", "e"},
			CorrectIndex: i % 5,
			Year:         1,
			BlockID:      "blockA",
			ThemeID:      theme,
			Difficulty:   "medium",
			Version:      1,
		}))
	}
}

func v1Snapshot() types.RuntimeSnapshot {
	return types.RuntimeSnapshot{Profile: types.ProfileV1Primary, PolicyVersion: 1}
}

func TestDeriveSeedStableUnderArgumentOrder(t *testing.T) {
	a := DeriveSeed("u1", types.ModeTutor, 5, []string{"blockA", "blockB"}, []string{"th2", "th1"})
	b := DeriveSeed("u1", types.ModeTutor, 5, []string{"blockB", "blockA"}, []string{"th1", "th2"})
	assert.Equal(t, a, b)

	t.Run("inputs change the seed", func(t *testing.T) {
		assert.NotEqual(t, a, DeriveSeed("u2", types.ModeTutor, 5, []string{"blockA", "blockB"}, []string{"th1", "th2"}))
		assert.NotEqual(t, a, DeriveSeed("u1", types.ModeExam, 5, []string{"blockA", "blockB"}, []string{"th1", "th2"}))
		assert.NotEqual(t, a, DeriveSeed("u1", types.ModeTutor, 10, []string{"blockA", "blockB"}, []string{"th1", "th2"}))
	})
}

func TestSelectDeterministic(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	for _, theme := range []string{"th1", "th2", "th3"} {
		seedItems(t, s, theme, 10)
	}
	require.NoError(t, s.UpsertMastery(ctx, store.MasteryRecord{UserID: "u1", ThemeID: "th1", MasteryScore: 0.8, AttemptsTotal: 20}))
	require.NoError(t, s.UpsertMastery(ctx, store.MasteryRecord{UserID: "u1", ThemeID: "th2", MasteryScore: 0.3, AttemptsTotal: 20}))

	req := Request{
		UserID: "u1", Year: 1, BlockIDs: []string{"blockA"},
		Count: 8, Mode: types.ModeTutor, Snapshot: v1Snapshot(),
	}

	first, err := e.Select(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.ItemIDs, 8)
	assert.Empty(t, first.Reason)

	second, err := e.Select(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ItemIDs, second.ItemIDs, "identical inputs and state must replay byte-identically")
	assert.Equal(t, first.Seed, second.Seed)
	assert.Equal(t, first.Themes, second.Themes)
}

func TestSelectPrefersWeakThemes(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	seedItems(t, s, "strong", 10)
	seedItems(t, s, "weak", 10)
	require.NoError(t, s.UpsertMastery(ctx, store.MasteryRecord{UserID: "u1", ThemeID: "strong", MasteryScore: 0.95, AttemptsTotal: 50}))
	require.NoError(t, s.UpsertMastery(ctx, store.MasteryRecord{UserID: "u1", ThemeID: "weak", MasteryScore: 0.1, AttemptsTotal: 50}))

	plan, err := e.Select(ctx, Request{
		UserID: "u1", Year: 1, BlockIDs: []string{"blockA"},
		Count: 10, Mode: types.ModeTutor, Snapshot: v1Snapshot(),
	})
	require.NoError(t, err)

	var weakQuota, strongQuota int
	for _, d := range plan.Themes {
		switch d.ThemeID {
		case "weak":
			weakQuota = d.Quota
			assert.InDelta(t, 0.9, d.Weakness, 1e-9)
		case "strong":
			strongQuota = d.Quota
		}
	}
	assert.Greater(t, weakQuota, 0)
	assert.GreaterOrEqual(t, weakQuota, strongQuota, "weak theme gets at least the strong theme's share")
}

func TestSelectExcludesRecentlySeen(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	seedItems(t, s, "th1", 6)

	// Put three items into a recent session for u1.
	var frozen []store.Item
	for _, id := range []string{"th1-q00", "th1-q01", "th1-q02"} {
		it, err := s.GetItem(ctx, id)
		require.NoError(t, err)
		frozen = append(frozen, it)
	}
	require.NoError(t, s.CreateSession(ctx, store.SessionRow{
		ID: "old-sess", UserID: "u1", Mode: types.ModeTutor, Year: 1,
		BlockIDs: []string{"blockA"}, TotalQuestions: 3,
		StartedAt: time.Now().UTC().Add(-24 * time.Hour),
		Snapshot:  v1Snapshot(),
	}, frozen))

	plan, err := e.Select(ctx, Request{
		UserID: "u1", Year: 1, BlockIDs: []string{"blockA"},
		Count: 6, Mode: types.ModeTutor, Snapshot: v1Snapshot(),
	})
	require.NoError(t, err)

	assert.Equal(t, ReasonNotEnough, plan.Reason, "only three unseen items remain")
	assert.Len(t, plan.ItemIDs, 3)
	for _, id := range plan.ItemIDs {
		assert.NotContains(t, []string{"th1-q00", "th1-q01", "th1-q02"}, id)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	e, _ := newTestEngine(t)

	plan, err := e.Select(context.Background(), Request{
		UserID: "u1", Year: 1, BlockIDs: []string{"blockA"},
		Count: 5, Mode: types.ModeTutor, Snapshot: v1Snapshot(),
	})
	require.NoError(t, err)
	assert.Empty(t, plan.ItemIDs)
	assert.Equal(t, ReasonNotEnough, plan.Reason)
}

func TestSelectV0UniformIsDeterministic(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	seedItems(t, s, "th1", 12)

	snap := types.RuntimeSnapshot{Profile: types.ProfileV0Fallback, PolicyVersion: 1}
	req := Request{
		UserID: "u1", Year: 1, BlockIDs: []string{"blockA"},
		Count: 5, Mode: types.ModeTutor, Snapshot: snap,
	}

	first, err := e.Select(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.ItemIDs, 5)
	assert.Empty(t, first.Themes, "v0 records no theme decisions")

	second, err := e.Select(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ItemIDs, second.ItemIDs)
}

func TestInterleaveModes(t *testing.T) {
	mk := func(theme string, n int) []store.Item {
		items := make([]store.Item, n)
		for i := range items {
			items[i] = store.Item{ID: fmt.Sprintf("%s-%d", theme, i), ThemeID: theme}
		}
		return items
	}
	perTheme := [][]store.Item{mk("a", 3), mk("b", 2)}

	t.Run("tutor round-robins", func(t *testing.T) {
		got := interleave(types.ModeTutor, perTheme)
		ids := make([]string, len(got))
		for i, it := range got {
			ids[i] = it.ID
		}
		assert.Equal(t, []string{"a-0", "b-0", "a-1", "b-1", "a-2"}, ids)
	})

	t.Run("exam keeps themes contiguous", func(t *testing.T) {
		got := interleave(types.ModeExam, perTheme)
		ids := make([]string, len(got))
		for i, it := range got {
			ids[i] = it.ID
		}
		assert.Equal(t, []string{"a-0", "a-1", "a-2", "b-0", "b-1"}, ids)
	})
}

func TestAllocateQuotasRespectsSupply(t *testing.T) {
	sc := config.Default().Selection
	byTheme := map[string][]store.Item{
		"big":   make([]store.Item, 20),
		"small": make([]store.Item, 2),
	}
	chosen := []ThemeDecision{
		{ThemeID: "big", FinalScore: 0.6, Supply: 20},
		{ThemeID: "small", FinalScore: 0.4, Supply: 2},
	}
	allocateQuotas(chosen, 10, byTheme, sc)

	total := 0
	for _, d := range chosen {
		total += d.Quota
		assert.LessOrEqual(t, d.Quota, len(byTheme[d.ThemeID]), "quota must not exceed supply")
		assert.GreaterOrEqual(t, d.Quota, sc.MinPerTheme)
	}
	assert.Equal(t, 10, total)
}
