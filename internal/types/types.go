// Package types holds the shared enums, contracts, and small records that the
// adaptive-learning subsystems exchange. Subsystems never import each other
// directly; they communicate through the store and the records defined here.
package types

import "time"

// =============================================================================
// SESSION ENUMS
// =============================================================================

// SessionMode selects the practice style for a session.
type SessionMode string

const (
	ModeTutor    SessionMode = "TUTOR"
	ModeExam     SessionMode = "EXAM"
	ModeRevision SessionMode = "REVISION"
)

// Valid reports whether the mode is one of the known practice styles.
func (m SessionMode) Valid() bool {
	switch m {
	case ModeTutor, ModeExam, ModeRevision:
		return true
	}
	return false
}

// SessionStatus is the session lifecycle state. ACTIVE transitions exactly
// once, to either SUBMITTED or EXPIRED.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionSubmitted SessionStatus = "SUBMITTED"
	SessionExpired   SessionStatus = "EXPIRED"
)

// Terminal reports whether the session can no longer accept answers.
func (s SessionStatus) Terminal() bool {
	return s == SessionSubmitted || s == SessionExpired
}

// =============================================================================
// RUNTIME CONTROL ENUMS
// =============================================================================

// Profile is the coarse runtime switch: V1_PRIMARY runs the adaptive (v1)
// models by default, V0_FALLBACK runs the legacy (v0) models.
type Profile string

const (
	ProfileV1Primary  Profile = "V1_PRIMARY"
	ProfileV0Fallback Profile = "V0_FALLBACK"
)

// Valid reports whether the profile is a known value.
func (p Profile) Valid() bool {
	return p == ProfileV1Primary || p == ProfileV0Fallback
}

// DefaultVersion returns the module version implied by the profile when no
// per-module override is present.
func (p Profile) DefaultVersion() ModuleVersion {
	if p == ProfileV0Fallback {
		return VersionV0
	}
	return VersionV1
}

// ModuleVersion is the resolved version for one algorithmic module. Shadow
// means "compute, but never affect learner-visible output".
type ModuleVersion string

const (
	VersionV0     ModuleVersion = "v0"
	VersionV1     ModuleVersion = "v1"
	VersionShadow ModuleVersion = "shadow"
)

// Valid reports whether the version is a known value.
func (v ModuleVersion) Valid() bool {
	switch v {
	case VersionV0, VersionV1, VersionShadow:
		return true
	}
	return false
}

// ModuleName identifies one algorithmic module behind the runtime switchboard.
type ModuleName string

const (
	ModuleMastery   ModuleName = "mastery"
	ModuleRevision  ModuleName = "revision"
	ModuleElo       ModuleName = "elo"
	ModuleBandit    ModuleName = "bandit"
	ModuleSelection ModuleName = "selection"
)

// KnownModules lists every module the control plane can override, in a stable
// order used for logging and snapshots.
func KnownModules() []ModuleName {
	return []ModuleName{ModuleMastery, ModuleRevision, ModuleElo, ModuleBandit, ModuleSelection}
}

// ApprovalStatus is the two-person approval workflow state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// ActionType enumerates the high-risk runtime actions that require the
// two-person approval flow in production.
type ActionType string

const (
	ActionSwitchPrimary   ActionType = "PROFILE_SWITCH_PRIMARY"
	ActionSwitchFallback  ActionType = "PROFILE_SWITCH_FALLBACK"
	ActionIRTActivate     ActionType = "IRT_ACTIVATE"
	ActionSearchEnable    ActionType = "ELASTICSEARCH_ENABLE"
	ActionGraphEnable     ActionType = "NEO4J_ENABLE"
	ActionWarehouseEnable ActionType = "SNOWFLAKE_EXPORT_ENABLE"
)

// =============================================================================
// RUNTIME SNAPSHOT AND PROVENANCE
// =============================================================================

// RuntimeSnapshot is the control-plane state captured on a session row at
// creation time. Decisions for that session consult the snapshot, never the
// live config, so a mid-flight switch cannot perturb an open session.
type RuntimeSnapshot struct {
	Profile       Profile                        `json:"profile"`
	Overrides     map[ModuleName]ModuleVersion   `json:"overrides"`
	PolicyVersion int                            `json:"policy_version"`
	ExamMode      bool                           `json:"exam_mode"`
	FreezeUpdates bool                           `json:"freeze_updates"`
}

// EffectiveVersion resolves a module against the snapshot: an override wins,
// otherwise the profile default applies.
func (s RuntimeSnapshot) EffectiveVersion(module ModuleName) ModuleVersion {
	if v, ok := s.Overrides[module]; ok && v.Valid() {
		return v
	}
	return s.Profile.DefaultVersion()
}

// Provenance stamps every knowledge-state write with the algorithm version,
// parameter set, and run that produced it.
type Provenance struct {
	AlgoVersionID string `json:"algo_version_id"`
	ParamsID      string `json:"params_id"`
	RunID         string `json:"run_id"`
}

// =============================================================================
// ATTEMPT TELEMETRY
// =============================================================================

// AttemptEventType is the per-answer telemetry event vocabulary.
type AttemptEventType string

const (
	EventQuestionViewed AttemptEventType = "QUESTION_VIEWED"
	EventAnswerSelected AttemptEventType = "ANSWER_SELECTED"
	EventAnswerChanged  AttemptEventType = "ANSWER_CHANGED"
	EventBlur           AttemptEventType = "BLUR"
	EventMarkReview     AttemptEventType = "MARK_REVIEW"
)

// Attempt is the normalized unit the telemetry pipeline fans out: one answered
// item inside one session, with the timing signals the revision mapper needs.
type Attempt struct {
	AttemptID       string
	UserID          string
	ItemID          string
	ThemeID         string
	ConceptID       string
	Correct         bool
	TimeSpentMS     int64
	ChangeCount     int
	MarkedForReview bool
	AnsweredAt      time.Time
}

// RunStatus is the lifecycle of one recorded algorithm run.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)
