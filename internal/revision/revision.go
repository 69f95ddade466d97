// Package revision implements both review-schedule models: the v0
// Leitner-style interval buckets and the v1 FSRS stability/difficulty update.
// Both emit the canonical due_at; model-specific state is persisted by the
// store as part of the revision record.
package revision

import (
	"math"
	"time"

	"medlearn/internal/mastery"
)

// Rating is the FSRS review grade. The mapper below derives it from attempt
// telemetry; clients never send grades directly.
type Rating int

const (
	RatingAgain Rating = 1
	RatingHard  Rating = 2
	RatingGood  Rating = 3
	RatingEasy  Rating = 4
)

func (r Rating) String() string {
	switch r {
	case RatingAgain:
		return "again"
	case RatingHard:
		return "hard"
	case RatingGood:
		return "good"
	case RatingEasy:
		return "easy"
	}
	return "unknown"
}

// TelemetrySignals are the attempt-level inputs to the rating mapper.
type TelemetrySignals struct {
	Correct         bool
	TimeSpentMS     int64
	ChangeCount     int
	MarkedForReview bool
}

// MapperParams holds the deterministic rating-mapper thresholds.
type MapperParams struct {
	FastAnswerMS int64
	SlowAnswerMS int64
}

// MapRating converts telemetry to an FSRS rating. Deterministic: the same
// signals always map to the same rating.
func MapRating(p MapperParams, s TelemetrySignals) Rating {
	if !s.Correct {
		return RatingAgain
	}
	if s.MarkedForReview || s.ChangeCount > 1 || (p.SlowAnswerMS > 0 && s.TimeSpentMS >= p.SlowAnswerMS) {
		return RatingHard
	}
	if s.ChangeCount == 0 && p.FastAnswerMS > 0 && s.TimeSpentMS > 0 && s.TimeSpentMS <= p.FastAnswerMS {
		return RatingEasy
	}
	return RatingGood
}

// =============================================================================
// V0: LEITNER INTERVAL BUCKETS
// =============================================================================

// V0State is the persisted v0 schedule for one (learner, theme).
type V0State struct {
	Stage        int       `json:"stage"`
	IntervalDays int       `json:"interval_days"`
	DueAt        time.Time `json:"due_at"`
	LastReviewAt time.Time `json:"last_review_at"`
}

// stageCap limits how far up the bin list a theme may sit given its mastery
// band; a weak theme is never parked two months out.
func stageCap(band mastery.Band, maxStage int) int {
	var cap int
	switch band {
	case mastery.BandWeak:
		cap = 1
	case mastery.BandMedium:
		cap = 3
	case mastery.BandStrong:
		cap = 5
	default:
		cap = maxStage
	}
	if cap > maxStage {
		cap = maxStage
	}
	return cap
}

// UpdateV0 advances the Leitner stage on a correct review and knocks it back
// two stages on a miss, then clamps by the mastery band and sets
// due_at = last_review_at + bins[stage].
func UpdateV0(bins []int, state V0State, correct bool, band mastery.Band, now time.Time) V0State {
	maxStage := len(bins) - 1

	stage := state.Stage
	if correct {
		stage++
	} else {
		stage -= 2
	}
	if stage < 0 {
		stage = 0
	}
	if cap := stageCap(band, maxStage); stage > cap {
		stage = cap
	}

	interval := bins[stage]
	return V0State{
		Stage:        stage,
		IntervalDays: interval,
		LastReviewAt: now,
		DueAt:        now.AddDate(0, 0, interval),
	}
}

// =============================================================================
// V1: FSRS
// =============================================================================

// FSRS retention curve constants (FSRS-4.5 power forgetting curve).
const (
	fsrsDecay  = -0.5
	fsrsFactor = 19.0 / 81.0
)

// FSRSParams bundles the weight vector and target retention.
type FSRSParams struct {
	Weights          []float64 // 19 weights
	DesiredRetention float64
}

// FSRSState is the persisted v1 schedule for one (learner, theme).
type FSRSState struct {
	Stability      float64   `json:"stability"`
	Difficulty     float64   `json:"difficulty"`
	Retrievability float64   `json:"retrievability"`
	Reviews        int       `json:"reviews"`
	DueAt          time.Time `json:"due_at"`
	LastReviewAt   time.Time `json:"last_review_at"`
}

// Retrievability evaluates the forgetting curve at elapsedDays.
func Retrievability(stability, elapsedDays float64) float64 {
	if stability <= 0 {
		return 0
	}
	if elapsedDays < 0 {
		elapsedDays = 0
	}
	return math.Pow(1+fsrsFactor*elapsedDays/stability, fsrsDecay)
}

// nextInterval inverts the curve at the desired retention.
func (p FSRSParams) nextInterval(stability float64) float64 {
	iv := stability / fsrsFactor * (math.Pow(p.DesiredRetention, 1/fsrsDecay) - 1)
	if iv < 1 {
		iv = 1
	}
	// Scheduling beyond a year adds nothing for an exam-prep platform.
	if iv > 365 {
		iv = 365
	}
	return iv
}

func (p FSRSParams) initialStability(r Rating) float64 {
	s := p.Weights[int(r)-1]
	if s < 0.1 {
		s = 0.1
	}
	return s
}

func (p FSRSParams) initialDifficulty(r Rating) float64 {
	return clampDifficulty(p.Weights[4] - float64(int(r)-3)*p.Weights[5])
}

func (p FSRSParams) nextDifficulty(d float64, r Rating) float64 {
	next := d - p.Weights[6]*float64(int(r)-3)
	// Mean reversion toward the Easy-start difficulty keeps D from pinning.
	next = p.Weights[7]*p.initialDifficulty(RatingEasy) + (1-p.Weights[7])*next
	return clampDifficulty(next)
}

func (p FSRSParams) stabilityAfterSuccess(s, d, retr float64, r Rating) float64 {
	hardPenalty := 1.0
	if r == RatingHard {
		hardPenalty = p.Weights[15]
	}
	easyBonus := 1.0
	if r == RatingEasy {
		easyBonus = p.Weights[16]
	}
	growth := math.Exp(p.Weights[8]) *
		(11 - d) *
		math.Pow(s, -p.Weights[9]) *
		(math.Exp(p.Weights[10]*(1-retr)) - 1) *
		hardPenalty * easyBonus
	return s * (1 + growth)
}

func (p FSRSParams) stabilityAfterFailure(s, d, retr float64) float64 {
	next := p.Weights[11] *
		math.Pow(d, -p.Weights[12]) *
		(math.Pow(s+1, p.Weights[13]) - 1) *
		math.Exp(p.Weights[14]*(1-retr))
	// Post-lapse stability never exceeds what the learner had.
	if next > s {
		next = s
	}
	if next < 0.1 {
		next = 0.1
	}
	return next
}

// UpdateFSRS applies one review. A zero-valued state is treated as the first
// review and seeded from the initial-stability/difficulty weights.
func UpdateFSRS(p FSRSParams, state FSRSState, r Rating, now time.Time) FSRSState {
	next := FSRSState{Reviews: state.Reviews + 1, LastReviewAt: now}

	if state.Reviews == 0 || state.Stability <= 0 {
		next.Stability = p.initialStability(r)
		next.Difficulty = p.initialDifficulty(r)
		next.Retrievability = 1
	} else {
		elapsed := now.Sub(state.LastReviewAt).Hours() / 24
		retr := Retrievability(state.Stability, elapsed)
		next.Retrievability = retr
		next.Difficulty = p.nextDifficulty(state.Difficulty, r)
		if r == RatingAgain {
			next.Stability = p.stabilityAfterFailure(state.Stability, state.Difficulty, retr)
		} else {
			next.Stability = p.stabilityAfterSuccess(state.Stability, state.Difficulty, retr, r)
		}
	}

	if math.IsNaN(next.Stability) || math.IsInf(next.Stability, 0) || next.Stability <= 0 {
		next.Stability = 0.1
	}
	intervalDays := p.nextInterval(next.Stability)
	next.DueAt = now.Add(time.Duration(intervalDays * 24 * float64(time.Hour)))
	return next
}

func clampDifficulty(d float64) float64 {
	if d < 1 {
		return 1
	}
	if d > 10 {
		return 10
	}
	return d
}
