// Package runtime is the control plane: the single source of truth for which
// algorithm version serves a decision, the safe-mode freeze, and the
// two-person approval workflow for high-risk actions. Everything learner-
// facing resolves versions here, either live or through a session snapshot.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"medlearn/internal/config"
	"medlearn/internal/logging"
	"medlearn/internal/store"
	"medlearn/internal/types"
)

// confirmationPhrases maps each high-risk action to the exact phrase an
// operator must type. Phrase checks are case-sensitive on purpose.
var confirmationPhrases = map[types.ActionType]string{
	types.ActionSwitchPrimary:   "SWITCH TO V1_PRIMARY",
	types.ActionSwitchFallback:  "SWITCH TO V0_FALLBACK",
	types.ActionIRTActivate:     "ACTIVATE IRT",
	types.ActionSearchEnable:    "ENABLE ELASTICSEARCH",
	types.ActionGraphEnable:     "ENABLE NEO4J",
	types.ActionWarehouseEnable: "SWITCH WAREHOUSE TO ACTIVE",
}

// ConfirmationPhrase returns the required phrase for an action, empty when the
// action is unknown.
func ConfirmationPhrase(action types.ActionType) string {
	return confirmationPhrases[action]
}

// Controller mediates all runtime-config access. Reads are served from a
// bounded-TTL cache; every mutation invalidates it. Knowledge-state write
// paths do NOT rely on this cache: the store re-checks the freeze flag inside
// each write transaction.
type Controller struct {
	store *store.Store
	cfg   *config.Config
	audit types.AuditSink

	mu       sync.Mutex
	cached   store.RuntimeConfigRow
	cachedAt time.Time

	now func() time.Time
}

// New wires a controller. A nil sink falls back to the no-op sink.
func New(st *store.Store, cfg *config.Config, audit types.AuditSink) *Controller {
	if audit == nil {
		audit = types.NopAuditSink{}
	}
	return &Controller{store: st, cfg: cfg, audit: audit, now: time.Now}
}

// SetClock overrides the controller's time source. Tests only.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// =============================================================================
// READS
// =============================================================================

// Status returns the runtime config, cached for at most the configured TTL.
func (c *Controller) Status(ctx context.Context) (store.RuntimeConfigRow, error) {
	c.mu.Lock()
	if !c.cachedAt.IsZero() && c.now().Sub(c.cachedAt) < c.cfg.RuntimeCacheTTL() {
		row := c.cached
		c.mu.Unlock()
		return row, nil
	}
	c.mu.Unlock()

	row, err := c.store.GetRuntimeConfig(ctx)
	if err != nil {
		return store.RuntimeConfigRow{}, err
	}

	c.mu.Lock()
	c.cached = row
	c.cachedAt = c.now()
	c.mu.Unlock()
	return row, nil
}

// EffectiveVersion resolves one module against the live config: an override
// wins, otherwise the profile default applies.
func (c *Controller) EffectiveVersion(ctx context.Context, module types.ModuleName) (types.ModuleVersion, error) {
	row, err := c.Status(ctx)
	if err != nil {
		return "", err
	}
	if v, ok := row.Overrides[module]; ok && v.Valid() {
		return v, nil
	}
	return row.ActiveProfile.DefaultVersion(), nil
}

// IsFrozen reports the safe-mode freeze flag, from cache. Write paths must
// not trust this value; the store re-checks inside each transaction.
func (c *Controller) IsFrozen(ctx context.Context) (bool, error) {
	row, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	return row.FreezeUpdates, nil
}

// OpenSessionSnapshot captures the point-in-time control state a new session
// persists. Reads live, not cached: a session must never open against a
// snapshot older than the config it was admitted under.
func (c *Controller) OpenSessionSnapshot(ctx context.Context) (types.RuntimeSnapshot, error) {
	row, err := c.store.GetRuntimeConfig(ctx)
	if err != nil {
		return types.RuntimeSnapshot{}, err
	}
	overrides := make(map[types.ModuleName]types.ModuleVersion, len(row.Overrides))
	for k, v := range row.Overrides {
		overrides[k] = v
	}
	return types.RuntimeSnapshot{
		Profile:       row.ActiveProfile,
		Overrides:     overrides,
		PolicyVersion: row.PolicyVersion,
		ExamMode:      row.ExamMode,
		FreezeUpdates: row.FreezeUpdates,
	}, nil
}

func (c *Controller) invalidate() {
	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}

// =============================================================================
// GUARDED MUTATIONS
// =============================================================================

func (c *Controller) checkReason(reason string) error {
	if len(strings.TrimSpace(reason)) < c.cfg.Runtime.MinReasonLength {
		return types.NewError(types.KindValidation, "REASON_TOO_SHORT",
			"reason must be at least %d characters", c.cfg.Runtime.MinReasonLength)
	}
	return nil
}

func (c *Controller) checkConfirmation(action types.ActionType, phrase string) error {
	want := confirmationPhrases[action]
	if want == "" || phrase != want {
		return types.ErrInvalidConfirm
	}
	return nil
}

func actionForProfile(target types.Profile) types.ActionType {
	if target == types.ProfileV0Fallback {
		return types.ActionSwitchFallback
	}
	return types.ActionSwitchPrimary
}

// checkApprovalPolicy enforces the two-person rule for a direct high-risk
// call. When approvals are required, the direct path is always rejected: with
// APPROVAL_REQUIRED when no request exists, or a conflict when a PENDING or
// APPROVED request does. The approval path performs the change exactly once.
func (c *Controller) checkApprovalPolicy(ctx context.Context, action types.ActionType) error {
	if !c.cfg.ApprovalRequired() {
		return nil
	}
	req, err := c.store.FindApprovalByAction(ctx, action, types.ApprovalPending, types.ApprovalApproved)
	if err == nil {
		return types.NewError(types.KindConflict, "APPROVAL_IN_FLIGHT",
			"approval request %s is %s; the approval flow executes this action", req.ID, req.Status)
	}
	if err != types.ErrNotFound {
		return err
	}
	return types.ErrApprovalRequired
}

// SwitchProfile is the direct profile switch. In deployments that require
// approvals this always fails; use the approval flow instead.
func (c *Controller) SwitchProfile(ctx context.Context, actor string, target types.Profile, reason, confirmation string) error {
	if !target.Valid() {
		return types.NewError(types.KindValidation, "INVALID_PROFILE", "unknown profile %q", target)
	}
	if err := c.checkReason(reason); err != nil {
		return err
	}
	action := actionForProfile(target)
	if err := c.checkConfirmation(action, confirmation); err != nil {
		return err
	}
	if err := c.checkApprovalPolicy(ctx, action); err != nil {
		return err
	}
	return c.applyProfileSwitch(ctx, actor, target, reason)
}

func (c *Controller) applyProfileSwitch(ctx context.Context, actor string, target types.Profile, reason string) error {
	var before types.Profile
	after, err := c.store.UpdateRuntimeConfig(ctx, actor, string(actionForProfile(target)), reason,
		func(cur store.RuntimeConfigRow) (store.RuntimeConfigRow, error) {
			before = cur.ActiveProfile
			if cur.ActiveProfile == target {
				return cur, types.NewError(types.KindConflict, "PROFILE_UNCHANGED", "profile already %s", target)
			}
			cur.ActiveProfile = target
			return cur, nil
		})
	if err != nil {
		return err
	}
	c.invalidate()

	c.audit.Emit(types.AuditEvent{
		Type:   types.AuditAlgoModeSwitch,
		Actor:  actor,
		Role:   "admin",
		Before: string(before),
		After:  string(after.ActiveProfile),
		Reason: reason,
		At:     c.now(),
	})
	logging.Runtime("profile switched %s -> %s by %s", before, target, actor)
	return nil
}

// SetOverride pins one module to a version independent of the profile.
// Overrides are not in the high-risk action set; reason is still required.
func (c *Controller) SetOverride(ctx context.Context, actor string, module types.ModuleName, version types.ModuleVersion, reason string) error {
	if !version.Valid() {
		return types.NewError(types.KindValidation, "INVALID_VERSION", "unknown version %q", version)
	}
	known := false
	for _, m := range types.KnownModules() {
		if m == module {
			known = true
			break
		}
	}
	if !known {
		return types.NewError(types.KindValidation, "INVALID_MODULE", "unknown module %q", module)
	}
	if err := c.checkReason(reason); err != nil {
		return err
	}

	_, err := c.store.UpdateRuntimeConfig(ctx, actor, "OVERRIDE_SET", reason,
		func(cur store.RuntimeConfigRow) (store.RuntimeConfigRow, error) {
			overrides := make(map[types.ModuleName]types.ModuleVersion, len(cur.Overrides)+1)
			for k, v := range cur.Overrides {
				overrides[k] = v
			}
			overrides[module] = version
			cur.Overrides = overrides
			return cur, nil
		})
	if err != nil {
		return err
	}
	c.invalidate()
	logging.Runtime("override set %s=%s by %s", module, version, actor)
	return nil
}

// ClearOverride removes a module override, returning the module to the
// profile default.
func (c *Controller) ClearOverride(ctx context.Context, actor string, module types.ModuleName, reason string) error {
	if err := c.checkReason(reason); err != nil {
		return err
	}
	_, err := c.store.UpdateRuntimeConfig(ctx, actor, "OVERRIDE_CLEAR", reason,
		func(cur store.RuntimeConfigRow) (store.RuntimeConfigRow, error) {
			overrides := make(map[types.ModuleName]types.ModuleVersion, len(cur.Overrides))
			for k, v := range cur.Overrides {
				if k != module {
					overrides[k] = v
				}
			}
			cur.Overrides = overrides
			return cur, nil
		})
	if err != nil {
		return err
	}
	c.invalidate()
	return nil
}

// Freeze stops every knowledge-state write until Unfreeze. Not a high-risk
// action: incident response must not wait on a second admin.
func (c *Controller) Freeze(ctx context.Context, actor, reason string) error {
	return c.setFreeze(ctx, actor, reason, true)
}

// Unfreeze re-enables knowledge-state writes.
func (c *Controller) Unfreeze(ctx context.Context, actor, reason string) error {
	return c.setFreeze(ctx, actor, reason, false)
}

func (c *Controller) setFreeze(ctx context.Context, actor, reason string, frozen bool) error {
	if err := c.checkReason(reason); err != nil {
		return err
	}
	action := "UNFREEZE"
	if frozen {
		action = "FREEZE"
	}
	_, err := c.store.UpdateRuntimeConfig(ctx, actor, action, reason,
		func(cur store.RuntimeConfigRow) (store.RuntimeConfigRow, error) {
			cur.FreezeUpdates = frozen
			return cur, nil
		})
	if err != nil {
		return err
	}
	c.invalidate()
	logging.Runtime("freeze_updates=%v by %s: %s", frozen, actor, reason)
	return nil
}

// SetExamMode toggles the platform-wide exam flag captured on new sessions.
func (c *Controller) SetExamMode(ctx context.Context, actor string, on bool, reason string) error {
	if err := c.checkReason(reason); err != nil {
		return err
	}
	_, err := c.store.UpdateRuntimeConfig(ctx, actor, "EXAM_MODE", reason,
		func(cur store.RuntimeConfigRow) (store.RuntimeConfigRow, error) {
			cur.ExamMode = on
			return cur, nil
		})
	if err != nil {
		return err
	}
	c.invalidate()
	return nil
}

// =============================================================================
// TWO-PERSON APPROVAL FLOW
// =============================================================================

// RequestApproval files a PENDING request for a high-risk action. The
// requester supplies the action's exact confirmation phrase up front.
func (c *Controller) RequestApproval(ctx context.Context, requester string, action types.ActionType, payload, reason, confirmation string) (store.ApprovalRequest, error) {
	if err := c.checkReason(reason); err != nil {
		return store.ApprovalRequest{}, err
	}
	if err := c.checkConfirmation(action, confirmation); err != nil {
		return store.ApprovalRequest{}, err
	}
	if payload == "" {
		payload = "{}"
	} else if !json.Valid([]byte(payload)) {
		return store.ApprovalRequest{}, types.NewError(types.KindValidation, "INVALID_PAYLOAD", "payload must be JSON")
	}

	req, err := c.store.CreateApproval(ctx, store.ApprovalRequest{
		Requester:          requester,
		ActionType:         action,
		Payload:            payload,
		Reason:             reason,
		ConfirmationPhrase: confirmation,
	})
	if err != nil {
		return store.ApprovalRequest{}, err
	}

	c.audit.Emit(types.AuditEvent{
		Type:   types.AuditApprovalRequested,
		Actor:  requester,
		Role:   "admin",
		After:  string(action),
		Reason: reason,
		At:     c.now(),
	})
	return req, nil
}

// Approve is the second-admin decision. The approver re-types the
// confirmation phrase; on approval the requested action is executed exactly
// once and the request is stamped executed.
func (c *Controller) Approve(ctx context.Context, id, approver, confirmation string) (store.ApprovalRequest, error) {
	req, err := c.store.GetApproval(ctx, id)
	if err != nil {
		return store.ApprovalRequest{}, err
	}
	if err := c.checkConfirmation(req.ActionType, confirmation); err != nil {
		return store.ApprovalRequest{}, err
	}

	decided, err := c.store.DecideApproval(ctx, id, approver, true)
	if err != nil {
		return store.ApprovalRequest{}, err
	}

	c.audit.Emit(types.AuditEvent{
		Type:   types.AuditApprovalApproved,
		Actor:  approver,
		Role:   "admin",
		After:  string(decided.ActionType),
		Reason: decided.Reason,
		At:     c.now(),
	})

	if err := c.executeApproved(ctx, decided); err != nil {
		return decided, fmt.Errorf("approved but execution failed: %w", err)
	}
	if err := c.store.MarkApprovalExecuted(ctx, id); err != nil {
		return decided, err
	}
	return decided, nil
}

// Reject declines a pending request.
func (c *Controller) Reject(ctx context.Context, id, approver string) (store.ApprovalRequest, error) {
	decided, err := c.store.DecideApproval(ctx, id, approver, false)
	if err != nil {
		return store.ApprovalRequest{}, err
	}
	c.audit.Emit(types.AuditEvent{
		Type:  types.AuditApprovalRejected,
		Actor: approver,
		Role:  "admin",
		After: string(decided.ActionType),
		At:    c.now(),
	})
	return decided, nil
}

// executeApproved performs the approved action. Profile switches mutate the
// runtime config; module activations are recorded for the external
// collaborator that owns them and surface through the audit stream.
func (c *Controller) executeApproved(ctx context.Context, req store.ApprovalRequest) error {
	switch req.ActionType {
	case types.ActionSwitchPrimary:
		return c.applyProfileSwitch(ctx, req.Approver, types.ProfileV1Primary, req.Reason)
	case types.ActionSwitchFallback:
		return c.applyProfileSwitch(ctx, req.Approver, types.ProfileV0Fallback, req.Reason)
	case types.ActionIRTActivate, types.ActionSearchEnable, types.ActionGraphEnable, types.ActionWarehouseEnable:
		c.audit.Emit(types.AuditEvent{
			Type:   types.AuditModuleActivated,
			Actor:  req.Approver,
			Role:   "admin",
			After:  string(req.ActionType),
			Reason: req.Reason,
			At:     c.now(),
		})
		return nil
	}
	return types.NewError(types.KindValidation, "UNKNOWN_ACTION", "no executor for action %q", req.ActionType)
}
