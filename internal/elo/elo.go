// Package elo implements the learner/item rating system. Learner ability θ
// and item difficulty b update together from each attempt so the predicted
// answer probability converges to observed frequency. All functions are pure;
// persistence and idempotency live in the store.
package elo

import (
	"math"
	"time"
)

// Params holds the rating-system tunables.
type Params struct {
	InitialRating    float64
	Scale            float64 // logistic scale s
	Guess            float64 // guess floor g (5-option MCQ: 0.2)
	KUserMax         float64
	KItemMax         float64
	UncertaintyInit  float64
	UncertaintyFloor float64
	UncertaintyDecay float64 // per-attempt multiplier
	StalenessPerDay  float64 // linear uncertainty growth per idle day
}

// DefaultParams are the production tunables for five-option MCQs.
func DefaultParams() Params {
	return Params{
		InitialRating:    0,
		Scale:            1.0,
		Guess:            0.2,
		KUserMax:         0.35,
		KItemMax:         0.25,
		UncertaintyInit:  1.0,
		UncertaintyFloor: 0.1,
		UncertaintyDecay: 0.97,
		StalenessPerDay:  0.005,
	}
}

// Rating is one side of an attempt: a learner's global rating or an item's
// global difficulty, with its uncertainty and attempt count.
type Rating struct {
	Value       float64
	Uncertainty float64
	NAttempts   int
	LastSeenAt  time.Time
}

// NewRating returns the cold-start rating.
func (p Params) NewRating() Rating {
	return Rating{Value: p.InitialRating, Uncertainty: p.UncertaintyInit}
}

// sigmoid is the standard logistic function.
func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// PCorrect predicts the probability that a learner with ability theta answers
// an item with difficulty b correctly: g + (1-g)·σ((θ-b)/s).
func (p Params) PCorrect(theta, b float64) float64 {
	pc := p.Guess + (1-p.Guess)*sigmoid((theta-b)/p.Scale)
	// Clamp against float drift at the extremes.
	if pc < p.Guess {
		pc = p.Guess
	}
	if pc > 1 {
		pc = 1
	}
	return pc
}

// EffectiveUncertainty applies staleness growth to a stored uncertainty:
// uncertainty grows linearly with idle days, capped at the initial ceiling.
func (p Params) EffectiveUncertainty(r Rating, now time.Time) float64 {
	u := r.Uncertainty
	if u == 0 {
		u = p.UncertaintyInit
	}
	if !r.LastSeenAt.IsZero() {
		idleDays := now.Sub(r.LastSeenAt).Hours() / 24
		if idleDays > 0 {
			u += p.StalenessPerDay * idleDays
		}
	}
	return p.clampUncertainty(u)
}

func (p Params) clampUncertainty(u float64) float64 {
	if u < p.UncertaintyFloor {
		u = p.UncertaintyFloor
	}
	if u > p.UncertaintyInit {
		u = p.UncertaintyInit
	}
	return u
}

// kFor scales a maximum step size by normalized uncertainty: a fully
// uncertain rating moves at kMax, a settled one at roughly a quarter of it.
func (p Params) kFor(kMax, uncertainty float64) float64 {
	span := p.UncertaintyInit - p.UncertaintyFloor
	if span <= 0 {
		return kMax
	}
	norm := (uncertainty - p.UncertaintyFloor) / span
	if norm < 0 {
		norm = 0
	}
	if norm > 1 {
		norm = 1
	}
	return kMax * (0.25 + 0.75*norm)
}

// UpdateResult carries both post-attempt ratings plus the prediction that
// drove the update.
type UpdateResult struct {
	User     Rating
	Item     Rating
	PCorrect float64
	Delta    float64
}

// Update applies one attempt. The learner rating moves by k_u·δ, the item
// rating by −k_q·δ, with δ = 1[correct] − p_correct. Each side's step size is
// driven by its own uncertainty. Uncertainties decay toward the floor.
func (p Params) Update(user, item Rating, correct bool, now time.Time) UpdateResult {
	uUser := p.EffectiveUncertainty(user, now)
	uItem := p.EffectiveUncertainty(item, now)

	pc := p.PCorrect(user.Value, item.Value)
	outcome := 0.0
	if correct {
		outcome = 1.0
	}
	delta := outcome - pc

	kUser := p.kFor(p.KUserMax, uUser)
	kItem := p.kFor(p.KItemMax, uItem)

	next := UpdateResult{
		User: Rating{
			Value:       clampFinite(user.Value + kUser*delta),
			Uncertainty: p.clampUncertainty(uUser * p.UncertaintyDecay),
			NAttempts:   user.NAttempts + 1,
			LastSeenAt:  now,
		},
		Item: Rating{
			Value:       clampFinite(item.Value - kItem*delta),
			Uncertainty: p.clampUncertainty(uItem * p.UncertaintyDecay),
			NAttempts:   item.NAttempts + 1,
			LastSeenAt:  now,
		},
		PCorrect: pc,
		Delta:    delta,
	}
	return next
}

// clampFinite guards against NaN/Inf ever reaching storage.
func clampFinite(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if math.IsInf(v, 1) {
		return math.MaxFloat64 / 2
	}
	if math.IsInf(v, -1) {
		return -math.MaxFloat64 / 2
	}
	return v
}

// RecenterShift computes the constant to subtract so the item-rating mean
// returns to zero. The same shift is applied to every learner rating in the
// scope, preserving every θ−b gap exactly.
func RecenterShift(itemRatings []float64) float64 {
	if len(itemRatings) == 0 {
		return 0
	}
	var sum float64
	for _, r := range itemRatings {
		sum += r
	}
	return sum / float64(len(itemRatings))
}
