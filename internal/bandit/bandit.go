// Package bandit implements the per-(learner, theme) Beta-Bernoulli bandit:
// Thompson sampling for theme selection and the mastery-delta reward update.
// Sampling is driven by an injected seeded source so selection stays
// replayable.
package bandit

import (
	"math"
	"math/rand"
	"time"
)

// Params configures the bandit.
type Params struct {
	Alpha0    float64 // prior alpha
	Beta0     float64 // prior beta
	RewardMin int     // min attempts on a theme in a session before reward counts
	Epsilon   float64 // reward denominator guard and sampling floor
}

// State is the Beta posterior for one (learner, theme).
type State struct {
	Alpha          float64
	Beta           float64
	NSessions      int
	LastSelectedAt time.Time
	LastReward     float64
}

// NewState returns the prior.
func (p Params) NewState() State {
	return State{Alpha: p.Alpha0, Beta: p.Beta0}
}

// Reward computes the normalized mastery gain
// r = max(0, (post − pre) / (1 − pre + ε)) clamped to [0,1].
func (p Params) Reward(preMastery, postMastery float64) float64 {
	r := (postMastery - preMastery) / (1 - preMastery + p.Epsilon)
	if r < 0 || math.IsNaN(r) {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Update folds a reward into the posterior: α += r, β += (1−r).
func (p Params) Update(s State, reward float64, now time.Time) State {
	if reward < 0 {
		reward = 0
	}
	if reward > 1 {
		reward = 1
	}
	return State{
		Alpha:          s.Alpha + reward,
		Beta:           s.Beta + (1 - reward),
		NSessions:      s.NSessions + 1,
		LastSelectedAt: now,
		LastReward:     reward,
	}
}

// Sample draws y ~ Beta(α, β) from the given source. Zero or negative shape
// parameters fall back to the prior.
func (p Params) Sample(rng *rand.Rand, s State) float64 {
	alpha, beta := s.Alpha, s.Beta
	if alpha <= 0 {
		alpha = p.Alpha0
	}
	if beta <= 0 {
		beta = p.Beta0
	}
	return sampleBeta(rng, alpha, beta)
}

// sampleBeta draws from Beta(a,b) via two gamma draws.
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	x := sampleGamma(rng, a)
	y := sampleGamma(rng, b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using the Marsaglia-Tsang method,
// with the standard shape<1 boost.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape <= 0 {
		return 0
	}
	if shape < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if u > 0 && math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
