package telemetry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"medlearn/internal/config"
	"medlearn/internal/store"
	"medlearn/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *config.Config) {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	cfg := config.Default()
	return New(s, cfg), s, cfg
}

// seedFinalizedSession builds a submitted four-question session over two
// themes. All items key on option 0; the answers map picks correct (0) or
// wrong (1) per item.
func seedFinalizedSession(t *testing.T, s *store.Store, sessionID, userID string, snap types.RuntimeSnapshot, answers map[string]bool) {
	t.Helper()
	ctx := context.Background()

	itemIDs := []string{"cardio-q1", "cardio-q2", "renal-q1", "renal-q2"}
	var items []store.Item
	for _, id := range itemIDs {
		theme := "cardio"
		if id[0] == 'r' {
			theme = "renal"
		}
		it := store.Item{
			ID:           id,
			Stem:         "stem for " + id,
			Options:      [5]string{"a", "b", "c", "d", "e"},
			CorrectIndex: 0,
			Year:         1,
			BlockID:      "blockA",
			ThemeID:      theme,
			ConceptID:    theme + "-concept",
			Difficulty:   "medium",
			Version:      1,
		}
		require.NoError(t, s.PutItem(ctx, it))
		got, err := s.GetItem(ctx, id)
		require.NoError(t, err)
		items = append(items, got)
	}

	require.NoError(t, s.CreateSession(ctx, store.SessionRow{
		ID: sessionID, UserID: userID, Mode: types.ModeTutor, Year: 1,
		BlockIDs: []string{"blockA"}, TotalQuestions: len(items),
		StartedAt: time.Now().UTC(), Snapshot: snap,
	}, items))

	correct := 0
	for _, id := range itemIDs {
		selected := 1
		if answers[id] {
			selected = 0
			correct++
		}
		_, err := s.UpsertAnswer(ctx, sessionID, id, &selected, nil)
		require.NoError(t, err)
		require.NoError(t, s.AppendAttemptEvent(ctx, store.AttemptEventRow{
			SessionID: sessionID, ItemID: id,
			EventType: types.EventAnswerSelected, Seq: 1,
			ServerTS: time.Now().UTC(),
			Payload:  fmt.Sprintf(`{"selected_index":%d,"time_spent_ms":12000}`, selected),
		}))
	}

	pct := 100 * float64(correct) / float64(len(items))
	changed, err := s.FinalizeSession(ctx, sessionID, types.SessionSubmitted, correct, len(items), pct, "")
	require.NoError(t, err)
	require.True(t, changed)
}

func v1Snap() types.RuntimeSnapshot {
	return types.RuntimeSnapshot{Profile: types.ProfileV1Primary, PolicyVersion: 1}
}

func TestProcessSessionFanOut(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	ctx := context.Background()

	seedFinalizedSession(t, s, "sess-1", "u1", v1Snap(), map[string]bool{
		"cardio-q1": true, "cardio-q2": true,
		"renal-q1": true, "renal-q2": false,
	})
	require.NoError(t, p.ProcessSession(ctx, "sess-1"))

	t.Run("mastery updated per theme", func(t *testing.T) {
		rec, err := s.GetMastery(ctx, "u1", "cardio")
		require.NoError(t, err)
		assert.Equal(t, types.VersionV1, rec.MasteryModel)
		assert.Greater(t, rec.MasteryScore, 0.0)
		assert.Equal(t, 2, rec.AttemptsTotal)
		assert.Equal(t, 2, rec.CorrectTotal)

		renal, err := s.GetMastery(ctx, "u1", "renal")
		require.NoError(t, err)
		assert.Equal(t, 1, renal.CorrectTotal)
		assert.Less(t, renal.MasteryScore, rec.MasteryScore, "mixed results score below all-correct")
	})

	t.Run("revision scheduled", func(t *testing.T) {
		rec, err := s.GetRevision(ctx, "u1", "cardio")
		require.NoError(t, err)
		assert.Equal(t, types.VersionV1, rec.Model)
		assert.Equal(t, 2, rec.Reviews)
		assert.True(t, rec.DueAt.After(time.Now().UTC()), "next review is in the future")
	})

	t.Run("elo applied per attempt", func(t *testing.T) {
		row, found, err := s.GetEloRating(ctx, store.ScopeUser, "u1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 4, row.NAttempts)
		assert.Greater(t, row.Rating, 0.0, "three of four correct pulls the rating up")
	})

	t.Run("bandit posterior rewarded", func(t *testing.T) {
		states, err := s.GetBanditStates(ctx, "u1", []string{"cardio", "renal"})
		require.NoError(t, err)
		require.Contains(t, states, "cardio")
		assert.Equal(t, 1, states["cardio"].NSessions)
		assert.Greater(t, states["cardio"].Alpha, 1.0, "mastery gain counts as reward")
	})

	t.Run("every module logged a run", func(t *testing.T) {
		runs, err := s.ListRuns(ctx, types.RunSuccess, 10)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(runs), 4)
		for _, run := range runs {
			assert.Equal(t, "session:sess-1", run.Scope)
			assert.NotNil(t, run.FinishedAt)
		}
	})
}

func TestProcessSessionV0FallbackProfile(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	ctx := context.Background()

	// Elo and bandit have a single implementation, so the kill-switch
	// profile must still run them rather than dropping their updates.
	snap := types.RuntimeSnapshot{Profile: types.ProfileV0Fallback, PolicyVersion: 1}
	seedFinalizedSession(t, s, "sess-v0", "u1", snap, map[string]bool{
		"cardio-q1": true, "cardio-q2": true,
		"renal-q1": true, "renal-q2": false,
	})
	require.NoError(t, p.ProcessSession(ctx, "sess-v0"))

	t.Run("mastery falls back to v0", func(t *testing.T) {
		rec, err := s.GetMastery(ctx, "u1", "cardio")
		require.NoError(t, err)
		assert.Equal(t, types.VersionV0, rec.MasteryModel)
		assert.Equal(t, 2, rec.AttemptsTotal)
	})

	t.Run("elo still rates every attempt", func(t *testing.T) {
		row, found, err := s.GetEloRating(ctx, store.ScopeUser, "u1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 4, row.NAttempts)
	})

	t.Run("bandit posterior still moves", func(t *testing.T) {
		states, err := s.GetBanditStates(ctx, "u1", []string{"cardio", "renal"})
		require.NoError(t, err)
		require.Contains(t, states, "cardio")
		assert.Equal(t, 1, states["cardio"].NSessions)
	})

	t.Run("elo and bandit log v0 runs", func(t *testing.T) {
		runs, err := s.ListRuns(ctx, types.RunSuccess, 10)
		require.NoError(t, err)
		seen := map[string]bool{}
		for _, run := range runs {
			if run.Scope == "session:sess-v0" {
				seen[run.AlgoVersionID] = true
			}
		}
		assert.True(t, seen["elo-v0"], "elo run recorded under the fallback profile")
		assert.True(t, seen["bandit-v0"], "bandit run recorded under the fallback profile")
	})
}

func TestProcessSessionEloIdempotent(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	ctx := context.Background()

	seedFinalizedSession(t, s, "sess-1", "u1", v1Snap(), map[string]bool{
		"cardio-q1": true, "cardio-q2": false,
		"renal-q1": true, "renal-q2": false,
	})
	require.NoError(t, p.ProcessSession(ctx, "sess-1"))

	first, _, err := s.GetEloRating(ctx, store.ScopeUser, "u1")
	require.NoError(t, err)

	// Replaying the fan-out must not double-apply rating updates: each
	// attempt id is recorded in the applied ledger.
	require.NoError(t, p.ProcessSession(ctx, "sess-1"))

	second, _, err := s.GetEloRating(ctx, store.ScopeUser, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.NAttempts, second.NAttempts)
	assert.InDelta(t, first.Rating, second.Rating, 1e-12)
}

func TestProcessSessionRejectsOpenSession(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	ctx := context.Background()

	it := store.Item{
		ID: "q1", Stem: "stem", Options: [5]string{"a", "b", "c", "d", "e"},
		Year: 1, BlockID: "blockA", ThemeID: "cardio", Difficulty: "medium", Version: 1,
	}
	require.NoError(t, s.PutItem(ctx, it))
	got, err := s.GetItem(ctx, "q1")
	require.NoError(t, err)
	require.NoError(t, s.CreateSession(ctx, store.SessionRow{
		ID: "open", UserID: "u1", Mode: types.ModeTutor, Year: 1,
		BlockIDs: []string{"blockA"}, TotalQuestions: 1,
		StartedAt: time.Now().UTC(), Snapshot: v1Snap(),
	}, []store.Item{got}))

	err = p.ProcessSession(ctx, "open")
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestProcessSessionFreezeSuppressesWrites(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	ctx := context.Background()

	seedFinalizedSession(t, s, "sess-1", "u1", v1Snap(), map[string]bool{
		"cardio-q1": true, "cardio-q2": true,
		"renal-q1": true, "renal-q2": true,
	})

	_, err := s.UpdateRuntimeConfig(ctx, "admin", "FREEZE", "incident response drill",
		func(rc store.RuntimeConfigRow) (store.RuntimeConfigRow, error) {
			rc.FreezeUpdates = true
			return rc, nil
		})
	require.NoError(t, err)

	require.NoError(t, p.ProcessSession(ctx, "sess-1"))

	_, err = s.GetMastery(ctx, "u1", "cardio")
	assert.ErrorIs(t, err, types.ErrNotFound, "knowledge state must not move while frozen")

	runs, err := s.ListRuns(ctx, types.RunSuccess, 10)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	suppressed := 0
	for _, run := range runs {
		if run.OutputSummary == "suppressed by freeze" {
			suppressed++
		}
	}
	assert.Greater(t, suppressed, 0, "suppression is recorded, not hidden")
}

func TestProcessSessionShadowMastery(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	ctx := context.Background()

	snap := v1Snap()
	snap.Overrides = map[types.ModuleName]types.ModuleVersion{
		types.ModuleMastery: types.VersionShadow,
	}
	seedFinalizedSession(t, s, "sess-1", "u1", snap, map[string]bool{
		"cardio-q1": true, "cardio-q2": true,
		"renal-q1": true, "renal-q2": true,
	})
	require.NoError(t, p.ProcessSession(ctx, "sess-1"))

	_, err := s.GetMastery(ctx, "u1", "cardio")
	assert.ErrorIs(t, err, types.ErrNotFound, "shadow writes stay out of the canonical table")

	var shadowRows int
	require.NoError(t, s.DB().QueryRow(
		`SELECT COUNT(*) FROM shadow_mastery WHERE user_id = 'u1'`).Scan(&shadowRows))
	assert.Equal(t, 2, shadowRows)

	states, err := s.GetBanditStates(ctx, "u1", []string{"cardio", "renal"})
	require.NoError(t, err)
	assert.Empty(t, states, "no canonical mastery delta means no bandit reward")
}

func TestRecomputeUserRebuildsScores(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	ctx := context.Background()

	seedFinalizedSession(t, s, "sess-1", "u1", v1Snap(), map[string]bool{
		"cardio-q1": true, "cardio-q2": true,
		"renal-q1": true, "renal-q2": false,
	})
	require.NoError(t, p.ProcessSession(ctx, "sess-1"))

	before, err := s.GetMastery(ctx, "u1", "cardio")
	require.NoError(t, err)

	// Corrupt the score; the recompute must restore it from attempt history.
	before.MasteryScore = 0
	before.ModelState = "{}"
	require.NoError(t, s.UpsertMastery(ctx, before))

	require.NoError(t, p.RecomputeUser(ctx, "u1"))

	after, err := s.GetMastery(ctx, "u1", "cardio")
	require.NoError(t, err)
	assert.Greater(t, after.MasteryScore, 0.0)

	runs, err := s.ListRuns(ctx, types.RunSuccess, 20)
	require.NoError(t, err)
	found := false
	for _, run := range runs {
		if run.Scope == "recompute:user:u1" {
			found = true
		}
	}
	assert.True(t, found, "recompute leaves a run-log trail")
}

func TestRecomputeCohortLockExcludes(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	ctx := context.Background()

	acquired, err := s.AcquireJobLock(ctx, "recompute", "cohort", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	err = p.RecomputeCohort(ctx)
	require.Error(t, err)
	assert.Equal(t, types.KindConflict, types.KindOf(err))
}

func TestRecenterIfNeeded(t *testing.T) {
	p, s, cfg := newTestPipeline(t)
	ctx := context.Background()
	cfg.Elo.RecenterTrigger = 0.001

	// A wrong answer pushes the item rating up, so the item mean drifts.
	_, err := s.ApplyEloUpdate(ctx, p.eloParams(), "a1", "u1", "i1", false)
	require.NoError(t, err)
	mean, n, err := s.MeanItemRating(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NotZero(t, mean)

	shift, err := p.RecenterIfNeeded(ctx)
	require.NoError(t, err)
	assert.InDelta(t, mean, shift, 1e-9)

	after, _, err := s.MeanItemRating(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0, after, 1e-9)

	t.Run("no-op below trigger", func(t *testing.T) {
		shift, err := p.RecenterIfNeeded(ctx)
		require.NoError(t, err)
		assert.Zero(t, shift)
	})
}

func TestFailStaleRuns(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	ctx := context.Background()

	avID, err := s.AlgoVersionID(ctx, types.ModuleMastery, types.VersionV1)
	require.NoError(t, err)
	paramsID, err := s.RecordParams(ctx, avID, `{}`)
	require.NoError(t, err)
	prov, err := s.StartRun(ctx, avID, paramsID, "recompute:user:u1", "themes=1")
	require.NoError(t, err)

	base := time.Now().UTC()
	s.SetClock(func() time.Time { return base.Add(20 * time.Minute) })

	closed, err := p.FailStaleRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	run, err := s.GetRun(ctx, prov.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Contains(t, run.Error, "stale")
}
