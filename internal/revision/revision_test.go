package revision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlearn/internal/config"
	"medlearn/internal/mastery"
)

var bins = []int{1, 3, 7, 14, 30, 60, 120}

func TestMapRating(t *testing.T) {
	p := MapperParams{FastAnswerMS: 20_000, SlowAnswerMS: 90_000}

	tests := []struct {
		name string
		sig  TelemetrySignals
		want Rating
	}{
		{"wrong is again", TelemetrySignals{Correct: false, TimeSpentMS: 5000}, RatingAgain},
		{"marked for review is hard", TelemetrySignals{Correct: true, MarkedForReview: true, TimeSpentMS: 5000}, RatingHard},
		{"many changes is hard", TelemetrySignals{Correct: true, ChangeCount: 3, TimeSpentMS: 5000}, RatingHard},
		{"slow answer is hard", TelemetrySignals{Correct: true, TimeSpentMS: 120_000}, RatingHard},
		{"fast clean answer is easy", TelemetrySignals{Correct: true, TimeSpentMS: 8000}, RatingEasy},
		{"ordinary correct is good", TelemetrySignals{Correct: true, TimeSpentMS: 45_000}, RatingGood},
		{"one change downgrades easy to good", TelemetrySignals{Correct: true, ChangeCount: 1, TimeSpentMS: 8000}, RatingGood},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapRating(p, tt.sig))
		})
	}
}

func TestUpdateV0(t *testing.T) {
	now := time.Now()

	t.Run("correct advances one stage", func(t *testing.T) {
		s := UpdateV0(bins, V0State{Stage: 2}, true, mastery.BandMastered, now)
		assert.Equal(t, 3, s.Stage)
		assert.Equal(t, 14, s.IntervalDays)
		assert.Equal(t, now.AddDate(0, 0, 14), s.DueAt)
	})

	t.Run("miss drops two stages", func(t *testing.T) {
		s := UpdateV0(bins, V0State{Stage: 4}, false, mastery.BandMastered, now)
		assert.Equal(t, 2, s.Stage)
		assert.Equal(t, 7, s.IntervalDays)
	})

	t.Run("stage never negative", func(t *testing.T) {
		s := UpdateV0(bins, V0State{Stage: 0}, false, mastery.BandWeak, now)
		assert.Equal(t, 0, s.Stage)
		assert.Equal(t, 1, s.IntervalDays)
	})

	t.Run("weak band caps interval", func(t *testing.T) {
		s := UpdateV0(bins, V0State{Stage: 5}, true, mastery.BandWeak, now)
		assert.Equal(t, 1, s.Stage)
		assert.Equal(t, 3, s.IntervalDays)
	})

	t.Run("mastered band reaches top bin", func(t *testing.T) {
		s := V0State{Stage: 5}
		s = UpdateV0(bins, s, true, mastery.BandMastered, now)
		assert.Equal(t, 120, s.IntervalDays)
	})
}

func fsrsParams() FSRSParams {
	return FSRSParams{Weights: config.DefaultFSRSWeights(), DesiredRetention: 0.9}
}

func TestUpdateFSRSFirstReview(t *testing.T) {
	p := fsrsParams()
	now := time.Now()

	prevStability := 0.0
	for _, r := range []Rating{RatingAgain, RatingHard, RatingGood, RatingEasy} {
		s := UpdateFSRS(p, FSRSState{}, r, now)
		assert.Greater(t, s.Stability, prevStability, "rating %s", r)
		assert.GreaterOrEqual(t, s.Difficulty, 1.0)
		assert.LessOrEqual(t, s.Difficulty, 10.0)
		assert.True(t, s.DueAt.After(now))
		prevStability = s.Stability
	}
}

func TestUpdateFSRSSuccessGrowsStability(t *testing.T) {
	p := fsrsParams()
	now := time.Now()

	s := UpdateFSRS(p, FSRSState{}, RatingGood, now)
	later := s.DueAt
	s2 := UpdateFSRS(p, s, RatingGood, later)

	assert.Greater(t, s2.Stability, s.Stability)
	assert.True(t, s2.DueAt.After(later))
	assert.Equal(t, 2, s2.Reviews)
}

func TestUpdateFSRSFailureShrinksStability(t *testing.T) {
	p := fsrsParams()
	now := time.Now()

	s := UpdateFSRS(p, FSRSState{}, RatingEasy, now)
	for i := 0; i < 5; i++ {
		s = UpdateFSRS(p, s, RatingGood, s.DueAt)
	}
	require.Greater(t, s.Stability, 1.0)

	lapsed := UpdateFSRS(p, s, RatingAgain, s.DueAt)
	assert.Less(t, lapsed.Stability, s.Stability)
	assert.Greater(t, lapsed.Stability, 0.0)
}

func TestUpdateFSRSDeterministic(t *testing.T) {
	p := fsrsParams()
	now := time.Unix(1_700_000_000, 0)

	a := UpdateFSRS(p, FSRSState{}, RatingGood, now)
	b := UpdateFSRS(p, FSRSState{}, RatingGood, now)
	assert.Equal(t, a, b)
}

func TestRetrievability(t *testing.T) {
	assert.InDelta(t, 1.0, Retrievability(10, 0), 1e-9)
	assert.InDelta(t, 0.9, Retrievability(10, 10), 0.01) // R(S,S) ~= desired retention anchor
	assert.Greater(t, Retrievability(10, 5), Retrievability(10, 50))
	assert.Zero(t, Retrievability(0, 5))
}
