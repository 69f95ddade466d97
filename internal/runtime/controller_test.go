package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlearn/internal/config"
	"medlearn/internal/store"
	"medlearn/internal/types"
)

type captureSink struct {
	mu     sync.Mutex
	events []types.AuditEvent
}

func (c *captureSink) Emit(ev types.AuditEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) ofType(t types.AuditEventType) []types.AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.AuditEvent
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestController(t *testing.T, requireApproval bool) (*Controller, *store.Store, *captureSink) {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.Runtime.RequireApproval = &requireApproval

	sink := &captureSink{}
	return New(s, cfg, sink), s, sink
}

func TestEffectiveVersionResolution(t *testing.T) {
	c, s, _ := newTestController(t, false)
	ctx := context.Background()

	t.Run("profile default", func(t *testing.T) {
		v, err := c.EffectiveVersion(ctx, types.ModuleMastery)
		require.NoError(t, err)
		assert.Equal(t, types.VersionV1, v)
	})

	t.Run("override wins", func(t *testing.T) {
		require.NoError(t, c.SetOverride(ctx, "admin-1", types.ModuleElo, types.VersionShadow, "shadow trial for the new rating step"))
		v, err := c.EffectiveVersion(ctx, types.ModuleElo)
		require.NoError(t, err)
		assert.Equal(t, types.VersionShadow, v)

		// Other modules unaffected.
		v, err = c.EffectiveVersion(ctx, types.ModuleRevision)
		require.NoError(t, err)
		assert.Equal(t, types.VersionV1, v)
	})

	t.Run("clear restores profile default", func(t *testing.T) {
		require.NoError(t, c.ClearOverride(ctx, "admin-1", types.ModuleElo, "trial concluded, reverting"))
		v, err := c.EffectiveVersion(ctx, types.ModuleElo)
		require.NoError(t, err)
		assert.Equal(t, types.VersionV1, v)
	})

	_ = s
}

func TestStatusCacheTTL(t *testing.T) {
	c, s, _ := newTestController(t, false)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := base
	c.SetClock(func() time.Time { return now })

	first, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ProfileV1Primary, first.ActiveProfile)

	// Mutate the store behind the controller's back.
	_, err = s.UpdateRuntimeConfig(ctx, "admin-1", "FREEZE", "direct store write for test",
		func(cur store.RuntimeConfigRow) (store.RuntimeConfigRow, error) {
			cur.FreezeUpdates = true
			return cur, nil
		})
	require.NoError(t, err)

	cached, err := c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, cached.FreezeUpdates, "within TTL the stale value is served")

	now = base.Add(11 * time.Second)
	fresh, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, fresh.FreezeUpdates, "past TTL the live value is read")
}

func TestSwitchProfileValidation(t *testing.T) {
	c, _, sink := newTestController(t, false)
	ctx := context.Background()

	t.Run("short reason", func(t *testing.T) {
		err := c.SwitchProfile(ctx, "admin-1", types.ProfileV0Fallback, "bad", "SWITCH TO V0_FALLBACK")
		assert.Equal(t, types.KindValidation, types.KindOf(err))
	})

	t.Run("wrong confirmation", func(t *testing.T) {
		err := c.SwitchProfile(ctx, "admin-1", types.ProfileV0Fallback, "regression in adaptive scoring", "")
		assert.ErrorIs(t, err, types.ErrInvalidConfirm)
	})

	t.Run("switch succeeds and audits", func(t *testing.T) {
		err := c.SwitchProfile(ctx, "admin-1", types.ProfileV0Fallback, "regression in adaptive scoring", "SWITCH TO V0_FALLBACK")
		require.NoError(t, err)

		v, err := c.EffectiveVersion(ctx, types.ModuleMastery)
		require.NoError(t, err)
		assert.Equal(t, types.VersionV0, v)

		events := sink.ofType(types.AuditAlgoModeSwitch)
		require.Len(t, events, 1)
		assert.Equal(t, "V1_PRIMARY", events[0].Before)
		assert.Equal(t, "V0_FALLBACK", events[0].After)
	})

	t.Run("switch to current profile conflicts", func(t *testing.T) {
		err := c.SwitchProfile(ctx, "admin-1", types.ProfileV0Fallback, "regression in adaptive scoring", "SWITCH TO V0_FALLBACK")
		assert.Equal(t, types.KindConflict, types.KindOf(err))
	})
}

func TestApprovalRequiredFlow(t *testing.T) {
	c, _, sink := newTestController(t, true)
	ctx := context.Background()
	reason := "fallback drill for the quarterly incident exercise"

	t.Run("direct switch requires approval", func(t *testing.T) {
		err := c.SwitchProfile(ctx, "admin-1", types.ProfileV0Fallback, reason, "SWITCH TO V0_FALLBACK")
		assert.ErrorIs(t, err, types.ErrApprovalRequired)
	})

	req, err := c.RequestApproval(ctx, "admin-1", types.ActionSwitchFallback, "", reason, "SWITCH TO V0_FALLBACK")
	require.NoError(t, err)

	t.Run("direct switch still rejected while pending", func(t *testing.T) {
		err := c.SwitchProfile(ctx, "admin-1", types.ProfileV0Fallback, reason, "SWITCH TO V0_FALLBACK")
		assert.Equal(t, types.KindConflict, types.KindOf(err))
	})

	t.Run("approval executes the switch", func(t *testing.T) {
		decided, err := c.Approve(ctx, req.ID, "admin-2", "SWITCH TO V0_FALLBACK")
		require.NoError(t, err)
		assert.Equal(t, types.ApprovalApproved, decided.Status)

		status, err := c.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.ProfileV0Fallback, status.ActiveProfile)

		assert.Len(t, sink.ofType(types.AuditApprovalApproved), 1)
		assert.Len(t, sink.ofType(types.AuditAlgoModeSwitch), 1)
	})

	t.Run("direct switch rejected after execution too", func(t *testing.T) {
		err := c.SwitchProfile(ctx, "admin-1", types.ProfileV0Fallback, reason, "SWITCH TO V0_FALLBACK")
		assert.Equal(t, types.KindConflict, types.KindOf(err), "APPROVED request still blocks the direct path")
	})
}

func TestApprovalRejection(t *testing.T) {
	c, _, sink := newTestController(t, true)
	ctx := context.Background()

	req, err := c.RequestApproval(ctx, "admin-1", types.ActionIRTActivate, `{"model":"2pl"}`,
		"IRT calibration reached readiness thresholds", "ACTIVATE IRT")
	require.NoError(t, err)

	decided, err := c.Reject(ctx, req.ID, "admin-2")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalRejected, decided.Status)
	assert.Len(t, sink.ofType(types.AuditApprovalRejected), 1)

	t.Run("a new request can be filed after rejection", func(t *testing.T) {
		_, err := c.RequestApproval(ctx, "admin-1", types.ActionIRTActivate, "",
			"IRT calibration reached readiness thresholds", "ACTIVATE IRT")
		assert.NoError(t, err)
	})
}

func TestFreezeRoundTrip(t *testing.T) {
	c, s, _ := newTestController(t, false)
	ctx := context.Background()

	require.NoError(t, c.Freeze(ctx, "admin-1", "content migration in progress"))

	err := s.UpsertMastery(ctx, store.MasteryRecord{UserID: "u1", ThemeID: "th1", MasteryScore: 0.4})
	assert.ErrorIs(t, err, types.ErrFrozen)

	require.NoError(t, c.Unfreeze(ctx, "admin-1", "content migration complete"))
	assert.NoError(t, s.UpsertMastery(ctx, store.MasteryRecord{UserID: "u1", ThemeID: "th1", MasteryScore: 0.4}))
}

func TestOpenSessionSnapshotIsPointInTime(t *testing.T) {
	c, _, _ := newTestController(t, false)
	ctx := context.Background()

	require.NoError(t, c.SetOverride(ctx, "admin-1", types.ModuleBandit, types.VersionV0, "bandit rollback during reward investigation"))

	snap, err := c.OpenSessionSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VersionV0, snap.EffectiveVersion(types.ModuleBandit))

	// Later config changes must not leak into the captured snapshot.
	require.NoError(t, c.ClearOverride(ctx, "admin-1", types.ModuleBandit, "investigation closed, restoring"))
	assert.Equal(t, types.VersionV0, snap.EffectiveVersion(types.ModuleBandit))
}
