// Package mastery implements both per-theme mastery models: the v0
// recency-weighted accuracy and the v1 Bayesian Knowledge Tracing posterior.
// Both emit the same canonical mastery_score in [0,1]; the model-specific
// state travels as an opaque blob owned by the store.
package mastery

import (
	"math"
	"time"

	"medlearn/internal/types"
)

// ReasonInsufficientAttempts is set on the result when the v0 model refuses
// to score below the minimum-attempts floor.
const ReasonInsufficientAttempts = "insufficient_attempts"

// Band buckets a mastery score for the revision scheduler and analytics.
type Band string

const (
	BandWeak     Band = "weak"
	BandMedium   Band = "medium"
	BandStrong   Band = "strong"
	BandMastered Band = "mastered"
)

// BandOf maps a canonical score to its band.
func BandOf(score float64) Band {
	switch {
	case score < 0.40:
		return BandWeak
	case score < 0.65:
		return BandMedium
	case score < 0.85:
		return BandStrong
	default:
		return BandMastered
	}
}

// Result is the canonical output shared by both models.
type Result struct {
	Score  float64             `json:"score"`
	Model  types.ModuleVersion `json:"model"`
	Reason string              `json:"reason,omitempty"`
}

// =============================================================================
// V0: RECENCY-WEIGHTED ACCURACY
// =============================================================================

// V0Params configures the recency-weighted model.
type V0Params struct {
	BucketDays      []int     // day horizons, ascending (e.g. 7, 30, 90)
	BucketWeights   []float64 // same length; renormalized over non-empty buckets
	MinAttempts     int
	DifficultyBoost float64 // >1 amplifies correct answers on hard items
}

// V0Attempt is the slice of an attempt the v0 model needs.
type V0Attempt struct {
	Correct    bool
	Hard       bool // item carries a "hard" difficulty label
	AnsweredAt time.Time
}

// ComputeV0 scores a theme from its attempt history. Attempts older than the
// largest bucket horizon are ignored. Empty buckets drop out and the
// remaining weights renormalize, so a learner active only this week is not
// penalized for having no 90-day history.
func ComputeV0(p V0Params, attempts []V0Attempt, now time.Time) Result {
	res := Result{Model: types.VersionV0}
	if len(attempts) < p.MinAttempts {
		res.Reason = ReasonInsufficientAttempts
		return res
	}

	boost := p.DifficultyBoost
	if boost <= 0 {
		boost = 1
	}

	type bucket struct {
		weighted float64
		total    float64
	}
	buckets := make([]bucket, len(p.BucketDays))

	for _, a := range attempts {
		age := now.Sub(a.AnsweredAt)
		if age < 0 {
			age = 0
		}
		ageDays := age.Hours() / 24
		for i, horizon := range p.BucketDays {
			if ageDays <= float64(horizon) {
				credit := 0.0
				if a.Correct {
					credit = 1.0
					if a.Hard {
						credit = boost
					}
				}
				weight := 1.0
				if a.Hard {
					weight = boost
				}
				buckets[i].weighted += credit
				buckets[i].total += weight
				break // each attempt lands in its first matching bucket
			}
		}
	}

	var score, weightSum float64
	for i, b := range buckets {
		if b.total == 0 {
			continue
		}
		acc := b.weighted / b.total
		if acc > 1 {
			acc = 1
		}
		score += p.BucketWeights[i] * acc
		weightSum += p.BucketWeights[i]
	}
	if weightSum == 0 {
		res.Reason = ReasonInsufficientAttempts
		return res
	}

	res.Score = clamp01(score / weightSum)
	return res
}

// =============================================================================
// V1: BAYESIAN KNOWLEDGE TRACING
// =============================================================================

// BKTParams are the fitted per-concept parameters. Constraints mirror the
// offline fitter: 0<L0<0.5, 0<T<0.5, 0<S<0.4, 0<G<0.4, S+G<1, (1-S)>G.
type BKTParams struct {
	L0 float64 `json:"l0"`
	T  float64 `json:"t"`
	S  float64 `json:"s"`
	G  float64 `json:"g"`
}

// Valid reports whether the parameters satisfy the fitting constraints.
func (p BKTParams) Valid() bool {
	return p.L0 > 0 && p.L0 < 0.5 &&
		p.T > 0 && p.T < 0.5 &&
		p.S > 0 && p.S < 0.4 &&
		p.G > 0 && p.G < 0.4 &&
		p.S+p.G < 1 &&
		(1-p.S) > p.G
}

// BKTState is the persisted model state for one (learner, theme).
type BKTState struct {
	PKnow    float64 `json:"p_know"`
	Attempts int     `json:"attempts"`
	Correct  int     `json:"correct"`
}

// NewBKTState starts a learner at the prior L0.
func NewBKTState(p BKTParams) BKTState {
	return BKTState{PKnow: p.L0}
}

// UpdateBKT folds one observation into the posterior and applies the learning
// transition. The posterior after a correct answer is always >= the posterior
// after a wrong answer from the same prior (guaranteed by (1-S) > G).
func UpdateBKT(p BKTParams, state BKTState, correct bool) (BKTState, error) {
	if !p.Valid() {
		return state, types.NewError(types.KindIntegrity, "BKT_PARAMS", "parameters violate constraints: %+v", p)
	}

	pl := state.PKnow
	if pl <= 0 {
		pl = p.L0
	}

	var posterior float64
	if correct {
		num := pl * (1 - p.S)
		den := num + (1-pl)*p.G
		posterior = safeDiv(num, den, pl)
	} else {
		num := pl * p.S
		den := num + (1-pl)*(1-p.G)
		posterior = safeDiv(num, den, pl)
	}

	next := BKTState{
		PKnow:    clamp01(posterior + (1-posterior)*p.T),
		Attempts: state.Attempts + 1,
		Correct:  state.Correct,
	}
	if correct {
		next.Correct++
	}
	return next, nil
}

// ResultV1 wraps a BKT state as the canonical result.
func ResultV1(state BKTState) Result {
	return Result{Score: clamp01(state.PKnow), Model: types.VersionV1}
}

func safeDiv(num, den, fallback float64) float64 {
	if den <= 0 || math.IsNaN(den) {
		return fallback
	}
	v := num / den
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
