package elo

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return DefaultParams()
}

func TestPCorrect(t *testing.T) {
	p := testParams()

	t.Run("equal ratings give midpoint above guess", func(t *testing.T) {
		pc := p.PCorrect(0, 0)
		assert.InDelta(t, 0.2+0.8*0.5, pc, 1e-9)
	})

	t.Run("never below guess floor", func(t *testing.T) {
		pc := p.PCorrect(-50, 50)
		assert.GreaterOrEqual(t, pc, p.Guess)
	})

	t.Run("never above one", func(t *testing.T) {
		pc := p.PCorrect(50, -50)
		assert.LessOrEqual(t, pc, 1.0)
	})

	t.Run("strictly increasing in theta minus b", func(t *testing.T) {
		prev := p.PCorrect(-3, 0)
		for theta := -2.5; theta <= 3; theta += 0.5 {
			cur := p.PCorrect(theta, 0)
			assert.Greater(t, cur, prev, "theta=%v", theta)
			prev = cur
		}
	})
}

func TestUpdate(t *testing.T) {
	p := testParams()
	now := time.Now()

	t.Run("correct raises user lowers item", func(t *testing.T) {
		res := p.Update(p.NewRating(), p.NewRating(), true, now)
		assert.Greater(t, res.User.Value, 0.0)
		assert.Less(t, res.Item.Value, 0.0)
	})

	t.Run("wrong lowers user raises item", func(t *testing.T) {
		res := p.Update(p.NewRating(), p.NewRating(), false, now)
		assert.Less(t, res.User.Value, 0.0)
		assert.Greater(t, res.Item.Value, 0.0)
	})

	t.Run("uncertainty decays within bounds", func(t *testing.T) {
		user := p.NewRating()
		item := p.NewRating()
		for i := 0; i < 500; i++ {
			res := p.Update(user, item, i%2 == 0, now)
			user, item = res.User, res.Item
			require.False(t, math.IsNaN(user.Value))
			require.False(t, math.IsInf(user.Value, 0))
			assert.GreaterOrEqual(t, user.Uncertainty, p.UncertaintyFloor)
			assert.LessOrEqual(t, user.Uncertainty, p.UncertaintyInit)
		}
		// After many attempts uncertainty should sit on the floor.
		assert.InDelta(t, p.UncertaintyFloor, user.Uncertainty, 1e-9)
	})

	t.Run("uncertain rating steps larger than settled one", func(t *testing.T) {
		fresh := p.NewRating()
		settled := Rating{Value: 0, Uncertainty: p.UncertaintyFloor, NAttempts: 100, LastSeenAt: now}
		item := p.NewRating()

		freshStep := p.Update(fresh, item, true, now).User.Value
		settledStep := p.Update(settled, item, true, now).User.Value
		assert.Greater(t, freshStep, settledStep)
	})

	t.Run("attempt counters advance", func(t *testing.T) {
		res := p.Update(p.NewRating(), p.NewRating(), true, now)
		assert.Equal(t, 1, res.User.NAttempts)
		assert.Equal(t, 1, res.Item.NAttempts)
		assert.Equal(t, now, res.User.LastSeenAt)
	})
}

func TestStalenessGrowsUncertainty(t *testing.T) {
	p := testParams()
	now := time.Now()

	settled := Rating{Value: 1.2, Uncertainty: p.UncertaintyFloor, LastSeenAt: now.AddDate(0, 0, -60)}
	u := p.EffectiveUncertainty(settled, now)
	assert.Greater(t, u, p.UncertaintyFloor)
	assert.LessOrEqual(t, u, p.UncertaintyInit)

	// Staleness never exceeds the initial ceiling.
	ancient := Rating{Value: 1.2, Uncertainty: p.UncertaintyFloor, LastSeenAt: now.AddDate(-10, 0, 0)}
	assert.Equal(t, p.UncertaintyInit, p.EffectiveUncertainty(ancient, now))
}

func TestRecenterShiftPreservesGap(t *testing.T) {
	items := []float64{0.5, 0.7, 0.9, 1.1}
	users := []float64{-0.2, 0.3, 1.4}

	shift := RecenterShift(items)
	assert.InDelta(t, 0.8, shift, 1e-9)

	for _, u := range users {
		for _, b := range items {
			gapBefore := u - b
			gapAfter := (u - shift) - (b - shift)
			assert.InDelta(t, gapBefore, gapAfter, 1e-12)
		}
	}

	// Shifted item mean is ~0.
	var sum float64
	for _, b := range items {
		sum += b - shift
	}
	assert.InDelta(t, 0, sum/float64(len(items)), 1e-12)
}

func TestRecenterShiftEmpty(t *testing.T) {
	assert.Zero(t, RecenterShift(nil))
}
