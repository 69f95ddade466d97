package store

import (
	"time"

	"medlearn/internal/types"
)

// =============================================================================
// ROW TYPES
// =============================================================================

// Learner is a platform user as the core sees it.
type Learner struct {
	ID          string
	Name        string
	YearOfStudy int
	Role        string
	Active      bool
	CreatedAt   time.Time
}

// Item is a published five-option question.
type Item struct {
	ID             string
	Stem           string
	Options        [5]string
	CorrectIndex   int
	Explanation    string
	Year           int
	BlockID        string
	ThemeID        string
	TopicID        string
	ConceptID      string
	Difficulty     string // easy / medium / hard
	CognitiveLevel string
	Version        int
	UpdatedAt      time.Time
}

// FrozenItem is the snapshot copied onto a session item at creation time.
// Grading and rendering read only this; the live item may change underneath.
type FrozenItem struct {
	Stem         string    `json:"stem"`
	Options      [5]string `json:"options"`
	CorrectIndex int       `json:"correct_index"`
	Explanation  string    `json:"explanation"`
	Year         int       `json:"year"`
	BlockID      string    `json:"block_id"`
	ThemeID      string    `json:"theme_id"`
	ConceptID    string    `json:"concept_id"`
	Difficulty   string    `json:"difficulty"`
}

// RuntimeConfigRow is the control-plane singleton.
type RuntimeConfigRow struct {
	ActiveProfile Profile
	Overrides     map[types.ModuleName]types.ModuleVersion
	FreezeUpdates bool
	PreferCache   bool
	SearchMode    string
	PolicyVersion int
	ExamMode      bool
	ActiveSince   time.Time
	UpdatedBy     string
}

// Profile aliases the shared type for brevity in this package.
type Profile = types.Profile

// SwitchEvent is one appended config change.
type SwitchEvent struct {
	ID        int64
	Actor     string
	Action    string
	Before    string
	After     string
	Reason    string
	CreatedAt time.Time
}

// ApprovalRequest is one two-person approval workflow row.
type ApprovalRequest struct {
	ID                 string
	Requester          string
	ActionType         types.ActionType
	Payload            string
	Reason             string
	ConfirmationPhrase string
	Status             types.ApprovalStatus
	Approver           string
	DecidedAt          *time.Time
	CreatedAt          time.Time
}

// MasteryRecord is per-(learner, theme) mastery.
type MasteryRecord struct {
	UserID        string
	ThemeID       string
	AttemptsTotal int
	CorrectTotal  int
	AccuracyPct   float64
	MasteryScore  float64
	MasteryModel  types.ModuleVersion
	Reason        string
	ModelState    string // opaque blob: BKT posterior or recency buckets
	LastAttemptAt *time.Time
	Provenance    types.Provenance
	UpdatedAt     time.Time
}

// RevisionRecord is per-(learner, theme) review schedule. v0 fields
// (interval_days, stage) and v1 fields (stability, difficulty,
// retrievability) share the row; `Model` says which half is canonical.
type RevisionRecord struct {
	UserID         string
	ThemeID        string
	Model          types.ModuleVersion
	DueAt          time.Time
	LastReviewAt   time.Time
	Stability      float64
	Difficulty     float64
	Retrievability float64
	IntervalDays   int
	Stage          int
	Reviews        int
	Provenance     types.Provenance
	UpdatedAt      time.Time
}

// EloScope discriminates learner-global vs item-global ratings.
type EloScope string

const (
	ScopeUser EloScope = "user"
	ScopeItem EloScope = "item"
)

// EloRow is one persisted rating.
type EloRow struct {
	Scope       EloScope
	SubjectID   string
	Rating      float64
	Uncertainty float64
	NAttempts   int
	LastSeenAt  *time.Time
	UpdatedAt   time.Time
}

// BanditRow is the Beta posterior for one (learner, theme).
type BanditRow struct {
	UserID         string
	ThemeID        string
	Alpha          float64
	Beta           float64
	NSessions      int
	LastSelectedAt *time.Time
	LastReward     float64
	UpdatedAt      time.Time
}

// SessionRow is one practice/exam session.
type SessionRow struct {
	ID               string
	UserID           string
	Mode             types.SessionMode
	Year             int
	BlockIDs         []string
	ThemeIDs         []string
	TotalQuestions   int
	Status           types.SessionStatus
	StartedAt        time.Time
	ExpiresAt        *time.Time
	DurationSeconds  *int
	SubmittedAt      *time.Time
	ScoreCorrect     *int
	ScoreTotal       *int
	ScorePct         *float64
	Seed             int64
	TerminatedReason string
	Snapshot         types.RuntimeSnapshot
}

// SessionItemRow is one frozen position in a session.
type SessionItemRow struct {
	SessionID     string
	Position      int
	ItemID        string
	ItemVersionID string
	Frozen        FrozenItem
}

// SessionAnswerRow is the (session, item) answer upsert target.
type SessionAnswerRow struct {
	SessionID       string
	ItemID          string
	SelectedIndex   *int
	IsCorrect       *bool
	AnsweredAt      *time.Time
	ChangedCount    int
	MarkedForReview bool
	UpdatedAt       time.Time
}

// AttemptEventRow is one telemetry event for an answer.
type AttemptEventRow struct {
	ID        int64
	SessionID string
	ItemID    string
	EventType types.AttemptEventType
	Seq       int
	ClientTS  *time.Time
	ServerTS  time.Time
	Payload   string
}

// AlgoVersionRow registers one algorithm implementation.
type AlgoVersionRow struct {
	ID          string
	Module      types.ModuleName
	Version     types.ModuleVersion
	Description string
}

// AlgoRunRow is one logged recompute/update run.
type AlgoRunRow struct {
	ID            string
	AlgoVersionID string
	ParamsID      string
	Scope         string
	Status        types.RunStatus
	InputSummary  string
	OutputSummary string
	Error         string
	StartedAt     time.Time
	FinishedAt    *time.Time
	DurationMS    *int64
}
