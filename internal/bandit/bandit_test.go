package bandit

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func params() Params {
	return Params{Alpha0: 1, Beta0: 1, RewardMin: 2, Epsilon: 0.05}
}

func TestReward(t *testing.T) {
	p := params()

	t.Run("mastery gain yields positive reward", func(t *testing.T) {
		r := p.Reward(0.4, 0.6)
		assert.Greater(t, r, 0.0)
		assert.LessOrEqual(t, r, 1.0)
	})

	t.Run("mastery loss clamps to zero", func(t *testing.T) {
		assert.Zero(t, p.Reward(0.6, 0.4))
	})

	t.Run("no change is zero", func(t *testing.T) {
		assert.Zero(t, p.Reward(0.5, 0.5))
	})

	t.Run("near-ceiling gain stays bounded", func(t *testing.T) {
		r := p.Reward(0.99, 1.0)
		assert.GreaterOrEqual(t, r, 0.0)
		assert.LessOrEqual(t, r, 1.0)
	})

	t.Run("same absolute gain counts more from a high base", func(t *testing.T) {
		low := p.Reward(0.1, 0.2)
		high := p.Reward(0.8, 0.9)
		assert.Greater(t, high, low)
	})
}

func TestUpdate(t *testing.T) {
	p := params()
	now := time.Now()

	s := p.NewState()
	s = p.Update(s, 0.8, now)
	assert.InDelta(t, 1.8, s.Alpha, 1e-9)
	assert.InDelta(t, 1.2, s.Beta, 1e-9)
	assert.Equal(t, 1, s.NSessions)
	assert.InDelta(t, 0.8, s.LastReward, 1e-9)
	assert.Equal(t, now, s.LastSelectedAt)

	// Out-of-range rewards are clamped, posterior mass still grows by one.
	s = p.Update(s, 1.7, now)
	assert.InDelta(t, 2.8, s.Alpha, 1e-9)
	assert.InDelta(t, 1.2, s.Beta, 1e-9)
}

func TestSampleDeterministicUnderSeed(t *testing.T) {
	p := params()
	s := State{Alpha: 3, Beta: 2}

	a := p.Sample(rand.New(rand.NewSource(42)), s)
	b := p.Sample(rand.New(rand.NewSource(42)), s)
	assert.Equal(t, a, b)

	c := p.Sample(rand.New(rand.NewSource(43)), s)
	assert.NotEqual(t, a, c)
}

func TestSampleDistribution(t *testing.T) {
	p := params()
	rng := rand.New(rand.NewSource(7))

	t.Run("samples stay in unit interval", func(t *testing.T) {
		s := State{Alpha: 0.5, Beta: 0.5}
		for i := 0; i < 2000; i++ {
			y := p.Sample(rng, s)
			assert.GreaterOrEqual(t, y, 0.0)
			assert.LessOrEqual(t, y, 1.0)
		}
	})

	t.Run("mean approximates alpha over alpha plus beta", func(t *testing.T) {
		s := State{Alpha: 8, Beta: 2}
		var sum float64
		n := 5000
		for i := 0; i < n; i++ {
			sum += p.Sample(rng, s)
		}
		assert.InDelta(t, 0.8, sum/float64(n), 0.02)
	})

	t.Run("zero state falls back to prior", func(t *testing.T) {
		y := p.Sample(rng, State{})
		assert.GreaterOrEqual(t, y, 0.0)
		assert.LessOrEqual(t, y, 1.0)
	})
}
