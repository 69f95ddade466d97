package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlearn/internal/bandit"
	"medlearn/internal/elo"
	"medlearn/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testItem(id, theme string, correct int) Item {
	return Item{
		ID:           id,
		Stem:         "Which vessel supplies the SA node in most individuals?",
		Options:      [5]string{"RCA", "LAD", "LCx", "PDA", "LMCA"},
		CorrectIndex: correct,
		Explanation:  "The SA nodal artery arises from the RCA in about 60% of people.",
		Year:         2,
		BlockID:      "cardio",
		ThemeID:      theme,
		Difficulty:   "medium",
		Version:      1,
	}
}

func TestRuntimeConfigDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.GetRuntimeConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ProfileV1Primary, cfg.ActiveProfile)
	assert.False(t, cfg.FreezeUpdates)
	assert.Empty(t, cfg.Overrides)
	assert.Equal(t, 1, cfg.PolicyVersion)
}

func TestUpdateRuntimeConfigAppendsSwitchEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	after, err := s.UpdateRuntimeConfig(ctx, "admin-1", "PROFILE_SWITCH", "incident 4821 rollback",
		func(cur RuntimeConfigRow) (RuntimeConfigRow, error) {
			cur.ActiveProfile = types.ProfileV0Fallback
			return cur, nil
		})
	require.NoError(t, err)
	assert.Equal(t, types.ProfileV0Fallback, after.ActiveProfile)

	events, err := s.ListSwitchEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "admin-1", events[0].Actor)
	assert.Contains(t, events[0].Before, "V1_PRIMARY")
	assert.Contains(t, events[0].After, "V0_FALLBACK")
}

func TestFreezeBlocksKnowledgeStateWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpdateRuntimeConfig(ctx, "admin-1", "FREEZE", "content migration",
		func(cur RuntimeConfigRow) (RuntimeConfigRow, error) {
			cur.FreezeUpdates = true
			return cur, nil
		})
	require.NoError(t, err)

	t.Run("mastery", func(t *testing.T) {
		err := s.UpsertMastery(ctx, MasteryRecord{UserID: "u1", ThemeID: "th1", MasteryScore: 0.5})
		assert.ErrorIs(t, err, types.ErrFrozen)
	})

	t.Run("elo", func(t *testing.T) {
		_, err := s.ApplyEloUpdate(ctx, elo.DefaultParams(), "att-1", "u1", "q1", true)
		assert.ErrorIs(t, err, types.ErrFrozen)
	})

	t.Run("bandit", func(t *testing.T) {
		err := s.UpsertBanditState(ctx, "u1", "th1", bandit.State{Alpha: 1, Beta: 1})
		assert.ErrorIs(t, err, types.ErrFrozen)
	})

	t.Run("unfreeze restores writes", func(t *testing.T) {
		_, err := s.UpdateRuntimeConfig(ctx, "admin-1", "UNFREEZE", "migration done",
			func(cur RuntimeConfigRow) (RuntimeConfigRow, error) {
				cur.FreezeUpdates = false
				return cur, nil
			})
		require.NoError(t, err)
		err = s.UpsertMastery(ctx, MasteryRecord{UserID: "u1", ThemeID: "th1", MasteryScore: 0.5})
		assert.NoError(t, err)
	})
}

func TestApprovalWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req, err := s.CreateApproval(ctx, ApprovalRequest{
		Requester:          "admin-1",
		ActionType:         types.ActionSwitchFallback,
		Reason:             "suspected regression in adaptive scoring",
		ConfirmationPhrase: "SWITCH TO V0_FALLBACK",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, req.Status)

	t.Run("second pending for same action rejected", func(t *testing.T) {
		_, err := s.CreateApproval(ctx, ApprovalRequest{
			Requester:          "admin-2",
			ActionType:         types.ActionSwitchFallback,
			Reason:             "same thing again",
			ConfirmationPhrase: "SWITCH TO V0_FALLBACK",
		})
		assert.ErrorIs(t, err, types.ErrDuplicatePending)
	})

	t.Run("self approval rejected", func(t *testing.T) {
		_, err := s.DecideApproval(ctx, req.ID, "admin-1", true)
		assert.ErrorIs(t, err, types.ErrSelfApproval)
	})

	t.Run("second admin approves", func(t *testing.T) {
		decided, err := s.DecideApproval(ctx, req.ID, "admin-2", true)
		require.NoError(t, err)
		assert.Equal(t, types.ApprovalApproved, decided.Status)
		assert.Equal(t, "admin-2", decided.Approver)
	})

	t.Run("deciding twice conflicts", func(t *testing.T) {
		_, err := s.DecideApproval(ctx, req.ID, "admin-3", false)
		assert.Equal(t, types.KindConflict, types.KindOf(err))
	})
}

func TestPutItemValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("empty option rejected", func(t *testing.T) {
		it := testItem("q1", "th1", 0)
		it.Options[3] = "  "
		err := s.PutItem(ctx, it)
		assert.Equal(t, types.KindValidation, types.KindOf(err))
	})

	t.Run("correct index out of range rejected", func(t *testing.T) {
		it := testItem("q1", "th1", 5)
		err := s.PutItem(ctx, it)
		assert.Equal(t, types.KindValidation, types.KindOf(err))
	})

	t.Run("republish bumps version", func(t *testing.T) {
		require.NoError(t, s.PutItem(ctx, testItem("q1", "th1", 0)))
		it := testItem("q1", "th1", 1)
		it.Stem = "Edited stem"
		require.NoError(t, s.PutItem(ctx, it))

		got, err := s.GetItem(ctx, "q1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, 1, got.CorrectIndex)
	})
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []Item{testItem("q1", "th1", 0), testItem("q2", "th1", 2)}
	for _, it := range items {
		require.NoError(t, s.PutItem(ctx, it))
	}

	started := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	sess := SessionRow{
		ID:             "sess-1",
		UserID:         "u1",
		Mode:           types.ModeTutor,
		Year:           2,
		BlockIDs:       []string{"cardio"},
		ThemeIDs:       []string{"th1"},
		TotalQuestions: 2,
		StartedAt:      started,
		Seed:           42,
		Snapshot: types.RuntimeSnapshot{
			Profile:       types.ProfileV1Primary,
			Overrides:     map[types.ModuleName]types.ModuleVersion{types.ModuleElo: types.VersionShadow},
			PolicyVersion: 1,
		},
	}
	require.NoError(t, s.CreateSession(ctx, sess, items))

	t.Run("snapshot round-trips", func(t *testing.T) {
		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, types.SessionActive, got.Status)
		assert.Equal(t, int64(42), got.Seed)
		assert.Equal(t, types.VersionShadow, got.Snapshot.EffectiveVersion(types.ModuleElo))
		assert.Equal(t, types.VersionV1, got.Snapshot.EffectiveVersion(types.ModuleMastery))
	})

	t.Run("frozen items keep positions", func(t *testing.T) {
		rows, err := s.GetSessionItems(ctx, "sess-1")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, 1, rows[0].Position)
		assert.Equal(t, "q1", rows[0].ItemID)
		assert.Equal(t, 0, rows[0].Frozen.CorrectIndex)
	})

	t.Run("grading uses the frozen snapshot", func(t *testing.T) {
		// Republish q1 with a different key after session creation.
		edited := testItem("q1", "th1", 3)
		require.NoError(t, s.PutItem(ctx, edited))

		sel := 0
		ans, err := s.UpsertAnswer(ctx, "sess-1", "q1", &sel, nil)
		require.NoError(t, err)
		require.NotNil(t, ans.IsCorrect)
		assert.True(t, *ans.IsCorrect, "frozen correct_index was 0")
	})

	t.Run("changed count increments on different selection", func(t *testing.T) {
		sel := 2
		ans, err := s.UpsertAnswer(ctx, "sess-1", "q1", &sel, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, ans.ChangedCount)
		assert.False(t, *ans.IsCorrect)

		// Same selection again does not count as a change.
		ans, err = s.UpsertAnswer(ctx, "sess-1", "q1", &sel, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, ans.ChangedCount)
	})

	t.Run("mark for review without selection", func(t *testing.T) {
		marked := true
		ans, err := s.UpsertAnswer(ctx, "sess-1", "q2", nil, &marked)
		require.NoError(t, err)
		assert.True(t, ans.MarkedForReview)
		assert.Nil(t, ans.SelectedIndex)
		assert.Nil(t, ans.AnsweredAt)
	})

	t.Run("answer for foreign item rejected", func(t *testing.T) {
		sel := 1
		_, err := s.UpsertAnswer(ctx, "sess-1", "q999", &sel, nil)
		assert.Equal(t, types.KindNotFound, types.KindOf(err))
	})

	t.Run("finalize once", func(t *testing.T) {
		changed, err := s.FinalizeSession(ctx, "sess-1", types.SessionSubmitted, 1, 2, 50.0, "")
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.FinalizeSession(ctx, "sess-1", types.SessionSubmitted, 0, 0, 0, "")
		require.NoError(t, err)
		assert.False(t, changed, "second finalize must be a no-op")

		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, types.SessionSubmitted, got.Status)
		require.NotNil(t, got.ScorePct)
		assert.InDelta(t, 50.0, *got.ScorePct, 1e-9)
	})
}

func TestUpsertAnswerMergesRacerRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutItem(ctx, testItem("q1", "th1", 0)))
	items := []Item{testItem("q1", "th1", 0)}
	require.NoError(t, s.CreateSession(ctx, SessionRow{
		ID: "sess-1", UserID: "u1", Mode: types.ModeTutor, Year: 2,
		BlockIDs: []string{"cardio"}, TotalQuestions: 1,
		StartedAt: time.Now().UTC(),
		Snapshot:  types.RuntimeSnapshot{Profile: types.ProfileV1Primary, PolicyVersion: 1},
	}, items))

	// Simulate the loser of an insert race: a row committed by another
	// writer after this transaction's read but before its INSERT. The merge
	// must apply the same semantics the in-transaction path computes in Go.
	sel := 1
	first, err := s.UpsertAnswer(ctx, "sess-1", "q1", &sel, nil)
	require.NoError(t, err)
	require.NotNil(t, first.AnsweredAt)

	merge := func(selected *int, isCorrect *bool, marked *bool) {
		t.Helper()
		require.NoError(t, s.withTx(ctx, func(tx *sql.Tx) error {
			return mergeAnswerRowTx(ctx, tx, "sess-1", "q1", selected, isCorrect, marked, time.Now().UTC())
		}))
	}
	read := func() SessionAnswerRow {
		t.Helper()
		answers, err := s.GetSessionAnswers(ctx, "sess-1")
		require.NoError(t, err)
		row, ok := answers["q1"]
		require.True(t, ok)
		return row
	}

	t.Run("differing selection increments the change counter", func(t *testing.T) {
		newSel := 2
		wrong := false
		merge(&newSel, &wrong, nil)

		row := read()
		assert.Equal(t, 1, row.ChangedCount)
		require.NotNil(t, row.SelectedIndex)
		assert.Equal(t, 2, *row.SelectedIndex)
		require.NotNil(t, row.AnsweredAt)
		assert.Equal(t, first.AnsweredAt.Unix(), row.AnsweredAt.Unix(), "first-answer stamp survives the merge")
	})

	t.Run("same selection does not count as a change", func(t *testing.T) {
		sameSel := 2
		wrong := false
		merge(&sameSel, &wrong, nil)
		assert.Equal(t, 1, read().ChangedCount)
	})

	t.Run("mark-only merge leaves the selection alone", func(t *testing.T) {
		marked := true
		merge(nil, nil, &marked)

		row := read()
		assert.True(t, row.MarkedForReview)
		assert.Equal(t, 1, row.ChangedCount)
		require.NotNil(t, row.SelectedIndex)
		assert.Equal(t, 2, *row.SelectedIndex)
		require.NotNil(t, row.IsCorrect, "racer's grading is not erased")
	})
}

func TestAttemptHistoryFrozenTerminalOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hard := testItem("qh", "th1", 0)
	hard.Difficulty = "hard"
	require.NoError(t, s.PutItem(ctx, hard))
	require.NoError(t, s.PutItem(ctx, testItem("q2", "th1", 0)))

	newSession := func(id, itemID string) {
		t.Helper()
		got, err := s.GetItem(ctx, itemID)
		require.NoError(t, err)
		require.NoError(t, s.CreateSession(ctx, SessionRow{
			ID: id, UserID: "u1", Mode: types.ModeTutor, Year: 2,
			BlockIDs: []string{"cardio"}, TotalQuestions: 1,
			StartedAt: time.Now().UTC(),
			Snapshot:  types.RuntimeSnapshot{Profile: types.ProfileV1Primary, PolicyVersion: 1},
		}, []Item{got}))
	}

	sel := 0
	newSession("sess-done", "qh")
	_, err := s.UpsertAnswer(ctx, "sess-done", "qh", &sel, nil)
	require.NoError(t, err)
	changed, err := s.FinalizeSession(ctx, "sess-done", types.SessionSubmitted, 1, 1, 100, "")
	require.NoError(t, err)
	require.True(t, changed)

	newSession("sess-open", "q2")
	_, err = s.UpsertAnswer(ctx, "sess-open", "q2", &sel, nil)
	require.NoError(t, err)

	t.Run("open sessions stay out of history", func(t *testing.T) {
		history, err := s.AttemptHistory(ctx, "u1", "th1", 90)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "qh", history[0].ItemID)
		assert.True(t, history[0].Correct)
	})

	t.Run("republish does not relabel history", func(t *testing.T) {
		relaxed := testItem("qh", "th1", 0)
		relaxed.Difficulty = "easy"
		require.NoError(t, s.PutItem(ctx, relaxed))

		history, err := s.AttemptHistory(ctx, "u1", "th1", 90)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.True(t, history[0].Hard, "difficulty comes from the frozen snapshot")
	})
}

func TestAttemptEventsIdempotentSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := AttemptEventRow{SessionID: "sess-1", ItemID: "q1", EventType: types.EventAnswerSelected, Seq: 1}
	require.NoError(t, s.AppendAttemptEvent(ctx, ev))
	require.NoError(t, s.AppendAttemptEvent(ctx, ev)) // retry, same seq

	events, err := s.ListAttemptEvents(ctx, "sess-1", "q1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestApplyEloUpdateIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	params := elo.DefaultParams()

	first, err := s.ApplyEloUpdate(ctx, params, "att-1", "u1", "q1", true)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Greater(t, first.User.Value, 0.0, "correct answer raises the learner")
	assert.Less(t, first.Item.Value, 0.0, "correct answer lowers the item")

	replay, err := s.ApplyEloUpdate(ctx, params, "att-1", "u1", "q1", true)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)

	got, found, err := s.GetEloRating(ctx, ScopeUser, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, first.User.Value, got.Rating, 1e-9, "replay must not move the rating")
	assert.Equal(t, 1, got.NAttempts)
}

func TestRecenterEloPreservesGaps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	params := elo.DefaultParams()

	_, err := s.ApplyEloUpdate(ctx, params, "att-1", "u1", "q1", true)
	require.NoError(t, err)
	_, err = s.ApplyEloUpdate(ctx, params, "att-2", "u1", "q2", true)
	require.NoError(t, err)

	userBefore, _, err := s.GetEloRating(ctx, ScopeUser, "u1")
	require.NoError(t, err)
	itemBefore, _, err := s.GetEloRating(ctx, ScopeItem, "q1")
	require.NoError(t, err)
	gap := userBefore.Rating - itemBefore.Rating

	shift, err := s.RecenterElo(ctx)
	require.NoError(t, err)

	userAfter, _, err := s.GetEloRating(ctx, ScopeUser, "u1")
	require.NoError(t, err)
	itemAfter, _, err := s.GetEloRating(ctx, ScopeItem, "q1")
	require.NoError(t, err)

	assert.InDelta(t, gap, userAfter.Rating-itemAfter.Rating, 1e-9)
	assert.InDelta(t, userBefore.Rating-shift, userAfter.Rating, 1e-9)

	mean, n, err := s.MeanItemRating(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0, mean, 1e-9, "item mean recentered to zero")
}

func TestRunLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	versionID, err := s.AlgoVersionID(ctx, types.ModuleMastery, types.VersionV1)
	require.NoError(t, err)
	assert.Equal(t, "mastery-v1", versionID)

	paramsID, err := s.RecordParams(ctx, versionID, `{"l0":0.25}`)
	require.NoError(t, err)

	t.Run("identical params reuse the row", func(t *testing.T) {
		again, err := s.RecordParams(ctx, versionID, `{"l0":0.25}`)
		require.NoError(t, err)
		assert.Equal(t, paramsID, again)
	})

	prov, err := s.StartRun(ctx, versionID, paramsID, "user:u1", "attempts=12")
	require.NoError(t, err)
	require.NotEmpty(t, prov.RunID)

	require.NoError(t, s.FinishRun(ctx, prov.RunID, types.RunSuccess, "themes=3", ""))

	run, err := s.GetRun(ctx, prov.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)

	t.Run("finishing twice conflicts", func(t *testing.T) {
		err := s.FinishRun(ctx, prov.RunID, types.RunFailed, "", "boom")
		assert.Equal(t, types.KindConflict, types.KindOf(err))
	})
}

func TestJobLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireJobLock(ctx, "recompute", "cohort", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireJobLock(ctx, "recompute", "cohort", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live lock must not be stolen")

	t.Run("expired lock is reclaimed", func(t *testing.T) {
		s.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
		ok, err := s.AcquireJobLock(ctx, "recompute", "cohort", "worker-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	require.NoError(t, s.ReleaseJobLock(ctx, "recompute", "cohort", "worker-b"))
}
