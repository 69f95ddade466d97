package mastery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlearn/internal/types"
)

func v0Params() V0Params {
	return V0Params{
		BucketDays:      []int{7, 30, 90},
		BucketWeights:   []float64{0.5, 0.3, 0.2},
		MinAttempts:     3,
		DifficultyBoost: 1.15,
	}
}

func attemptsAt(now time.Time, daysAgo int, results ...bool) []V0Attempt {
	out := make([]V0Attempt, 0, len(results))
	for _, r := range results {
		out = append(out, V0Attempt{Correct: r, AnsweredAt: now.AddDate(0, 0, -daysAgo)})
	}
	return out
}

func TestComputeV0(t *testing.T) {
	now := time.Now()

	t.Run("below min attempts floors to zero", func(t *testing.T) {
		res := ComputeV0(v0Params(), attemptsAt(now, 1, true, true), now)
		assert.Zero(t, res.Score)
		assert.Equal(t, ReasonInsufficientAttempts, res.Reason)
	})

	t.Run("all correct recent attempts approach one", func(t *testing.T) {
		res := ComputeV0(v0Params(), attemptsAt(now, 1, true, true, true, true), now)
		assert.InDelta(t, 1.0, res.Score, 1e-9)
		assert.Equal(t, types.VersionV0, res.Model)
	})

	t.Run("all wrong gives zero", func(t *testing.T) {
		res := ComputeV0(v0Params(), attemptsAt(now, 1, false, false, false), now)
		assert.Zero(t, res.Score)
		assert.Empty(t, res.Reason)
	})

	t.Run("recent bucket dominates older buckets", func(t *testing.T) {
		recentGood := append(attemptsAt(now, 2, true, true, true), attemptsAt(now, 20, false, false, false)...)
		recentBad := append(attemptsAt(now, 2, false, false, false), attemptsAt(now, 20, true, true, true)...)
		good := ComputeV0(v0Params(), recentGood, now)
		bad := ComputeV0(v0Params(), recentBad, now)
		assert.Greater(t, good.Score, bad.Score)
	})

	t.Run("empty buckets renormalize", func(t *testing.T) {
		// Only this-week history: score should still reach 1.0, not 0.5.
		res := ComputeV0(v0Params(), attemptsAt(now, 1, true, true, true), now)
		assert.InDelta(t, 1.0, res.Score, 1e-9)
	})

	t.Run("attempts older than horizon are ignored", func(t *testing.T) {
		res := ComputeV0(v0Params(), attemptsAt(now, 120, false, false, false), now)
		assert.Equal(t, ReasonInsufficientAttempts, res.Reason)
	})

	t.Run("score stays in unit interval with difficulty boost", func(t *testing.T) {
		hard := []V0Attempt{
			{Correct: true, Hard: true, AnsweredAt: now},
			{Correct: true, Hard: true, AnsweredAt: now},
			{Correct: true, Hard: false, AnsweredAt: now},
		}
		res := ComputeV0(v0Params(), hard, now)
		assert.LessOrEqual(t, res.Score, 1.0)
		assert.GreaterOrEqual(t, res.Score, 0.0)
	})
}

func bktParams() BKTParams {
	return BKTParams{L0: 0.25, T: 0.2, S: 0.1, G: 0.2}
}

func TestBKTParamsValid(t *testing.T) {
	assert.True(t, bktParams().Valid())
	assert.False(t, BKTParams{L0: 0.6, T: 0.2, S: 0.1, G: 0.2}.Valid())
	assert.False(t, BKTParams{L0: 0.25, T: 0.2, S: 0.5, G: 0.2}.Valid())
	assert.False(t, BKTParams{}.Valid())
}

func TestUpdateBKT(t *testing.T) {
	p := bktParams()

	t.Run("correct answer raises posterior above wrong answer", func(t *testing.T) {
		state := NewBKTState(p)
		afterCorrect, err := UpdateBKT(p, state, true)
		require.NoError(t, err)
		afterWrong, err := UpdateBKT(p, state, false)
		require.NoError(t, err)
		assert.Greater(t, afterCorrect.PKnow, afterWrong.PKnow)
	})

	t.Run("monotone across priors", func(t *testing.T) {
		for prior := 0.05; prior < 1.0; prior += 0.05 {
			state := BKTState{PKnow: prior}
			c, err := UpdateBKT(p, state, true)
			require.NoError(t, err)
			w, err := UpdateBKT(p, state, false)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, c.PKnow, w.PKnow, "prior=%v", prior)
			assert.GreaterOrEqual(t, c.PKnow, 0.0)
			assert.LessOrEqual(t, c.PKnow, 1.0)
		}
	})

	t.Run("repeated correct converges toward one", func(t *testing.T) {
		state := NewBKTState(p)
		var err error
		for i := 0; i < 30; i++ {
			state, err = UpdateBKT(p, state, true)
			require.NoError(t, err)
		}
		assert.Greater(t, state.PKnow, 0.99)
		assert.Equal(t, 30, state.Attempts)
		assert.Equal(t, 30, state.Correct)
	})

	t.Run("invalid params rejected", func(t *testing.T) {
		_, err := UpdateBKT(BKTParams{}, NewBKTState(p), true)
		require.Error(t, err)
		assert.Equal(t, types.KindIntegrity, types.KindOf(err))
	})
}

func TestBandOf(t *testing.T) {
	assert.Equal(t, BandWeak, BandOf(0.1))
	assert.Equal(t, BandMedium, BandOf(0.5))
	assert.Equal(t, BandStrong, BandOf(0.7))
	assert.Equal(t, BandMastered, BandOf(0.9))
}
