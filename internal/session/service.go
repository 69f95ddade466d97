// Package session implements the test-session state machine: creation with
// frozen content, idempotent answer upserts, lazy expiry, and exactly-once
// scoring. ACTIVE transitions exactly once to SUBMITTED or EXPIRED.
package session

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"medlearn/internal/bandit"
	"medlearn/internal/config"
	"medlearn/internal/logging"
	"medlearn/internal/runtime"
	"medlearn/internal/selection"
	"medlearn/internal/store"
	"medlearn/internal/types"
)

// Finalizer is notified after a session reaches a terminal state. The
// telemetry pipeline implements it; a nil finalizer disables fan-out.
type Finalizer interface {
	SessionFinalized(ctx context.Context, sessionID string)
}

// Service coordinates the session state machine.
type Service struct {
	store     *store.Store
	cfg       *config.Config
	runtime   *runtime.Controller
	engine    *selection.Engine
	finalizer Finalizer
	cache     *redis.Client // optional read cache for active sessions

	now func() time.Time
}

// New wires the service. cache and finalizer may be nil.
func New(st *store.Store, cfg *config.Config, rt *runtime.Controller, eng *selection.Engine, cache *redis.Client) *Service {
	return &Service{store: st, cfg: cfg, runtime: rt, engine: eng, cache: cache, now: time.Now}
}

// SetFinalizer attaches the post-terminal hook. Called once at wiring time.
func (s *Service) SetFinalizer(f Finalizer) {
	s.finalizer = f
}

// SetClock overrides the service's time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// =============================================================================
// VIEWS
// =============================================================================

// ItemView is one frozen question as the learner sees it mid-session: no
// correct index, no explanation.
type ItemView struct {
	Position int       `json:"position"`
	ItemID   string    `json:"item_id"`
	Stem     string    `json:"stem"`
	Options  [5]string `json:"options"`
	ThemeID  string    `json:"theme_id"`
	BlockID  string    `json:"block_id"`
}

// AnswerView is the learner's current answer on one item.
type AnswerView struct {
	ItemID          string `json:"item_id"`
	SelectedIndex   *int   `json:"selected_index,omitempty"`
	MarkedForReview bool   `json:"marked_for_review"`
	ChangedCount    int    `json:"changed_count"`
}

// Progress summarizes where the learner is.
type Progress struct {
	Answered        int `json:"answered"`
	Marked          int `json:"marked"`
	CurrentPosition int `json:"current_position"`
}

// State is the full session read model.
type State struct {
	Session  store.SessionRow `json:"session"`
	Items    []ItemView       `json:"items"`
	Answers  []AnswerView     `json:"answers"`
	Progress Progress         `json:"progress"`
}

// ReviewItem is one question after the session closed, with the key and the
// learner's answer side by side.
type ReviewItem struct {
	Position      int       `json:"position"`
	ItemID        string    `json:"item_id"`
	Stem          string    `json:"stem"`
	Options       [5]string `json:"options"`
	CorrectIndex  int       `json:"correct_index"`
	Explanation   string    `json:"explanation"`
	SelectedIndex *int      `json:"selected_index,omitempty"`
	IsCorrect     *bool     `json:"is_correct,omitempty"`
}

// CreateRequest is the session-creation input.
type CreateRequest struct {
	UserID          string
	Mode            types.SessionMode
	Year            int
	BlockIDs        []string
	ThemeIDs        []string
	Count           int
	DurationSeconds *int
}

// =============================================================================
// CREATE
// =============================================================================

// Create validates the request, snapshots the runtime config, runs selection,
// and persists the session with frozen content. Fails with
// NOT_ENOUGH_QUESTIONS when the pool cannot cover the requested count.
func (s *Service) Create(ctx context.Context, req CreateRequest) (State, error) {
	timer := logging.StartTimer(logging.CategorySession, "Create")
	defer timer.Stop()

	if !req.Mode.Valid() {
		return State{}, types.NewError(types.KindValidation, "INVALID_MODE", "unknown mode %q", req.Mode)
	}
	if req.Count < s.cfg.Session.MinQuestions || req.Count > s.cfg.Session.MaxQuestions {
		return State{}, types.NewError(types.KindValidation, "INVALID_COUNT",
			"count must be in [%d, %d]", s.cfg.Session.MinQuestions, s.cfg.Session.MaxQuestions)
	}
	if len(req.BlockIDs) == 0 {
		return State{}, types.NewError(types.KindValidation, "MISSING_BLOCKS", "at least one block required")
	}
	if req.DurationSeconds != nil {
		if *req.DurationSeconds <= 0 || *req.DurationSeconds > s.cfg.Session.MaxDurationSeconds {
			return State{}, types.NewError(types.KindValidation, "INVALID_DURATION",
				"duration must be in (0, %d] seconds", s.cfg.Session.MaxDurationSeconds)
		}
	}

	snapshot, err := s.runtime.OpenSessionSnapshot(ctx)
	if err != nil {
		return State{}, err
	}

	plan, err := s.engine.Select(ctx, selection.Request{
		UserID:   req.UserID,
		Year:     req.Year,
		BlockIDs: req.BlockIDs,
		ThemeIDs: req.ThemeIDs,
		Count:    req.Count,
		Mode:     req.Mode,
		Snapshot: snapshot,
	})
	if err != nil {
		return State{}, err
	}
	if len(plan.Items) < req.Count {
		return State{}, types.ErrNotEnoughQuestions
	}

	started := s.now().UTC()
	row := store.SessionRow{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Mode:            req.Mode,
		Year:            req.Year,
		BlockIDs:        req.BlockIDs,
		ThemeIDs:        req.ThemeIDs,
		TotalQuestions:  len(plan.Items),
		Status:          types.SessionActive,
		StartedAt:       started,
		DurationSeconds: req.DurationSeconds,
		Seed:            plan.Seed,
		Snapshot:        snapshot,
	}
	if req.DurationSeconds != nil {
		exp := started.Add(time.Duration(*req.DurationSeconds) * time.Second)
		row.ExpiresAt = &exp
	}

	if err := s.store.CreateSession(ctx, row, plan.Items); err != nil {
		return State{}, err
	}

	// Stamp theme selection for recency scoring. Frozen runtime suppresses
	// the stamp; the session itself is unaffected.
	if len(plan.Themes) > 0 {
		themes := make([]string, len(plan.Themes))
		for i, d := range plan.Themes {
			themes[i] = d.ThemeID
		}
		bc := s.cfg.Bandit
		if err := s.store.TouchBanditSelection(ctx, req.UserID, themes,
			banditParams(bc)); err != nil && err != types.ErrFrozen {
			logging.Session("bandit selection stamp failed for %s: %v", row.ID, err)
		}
	}

	logging.Session("session %s created user=%s mode=%s items=%d seed=%d (%s)",
		row.ID, req.UserID, req.Mode, len(plan.Items), plan.Seed, plan.Describe())
	return s.Get(ctx, row.ID)
}

// =============================================================================
// READ WITH LAZY EXPIRY
// =============================================================================

// Get returns the session state, expiring it first when the deadline passed.
func (s *Service) Get(ctx context.Context, sessionID string) (State, error) {
	if st, ok := s.cacheGet(ctx, sessionID); ok {
		return st, nil
	}

	sess, items, answers, err := s.loadWithExpiry(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	st := buildState(sess, items, answers)
	s.cachePut(ctx, st)
	return st, nil
}

// loadWithExpiry reads the session and applies lazy expiry: an ACTIVE session
// past its deadline is finalized as EXPIRED with the same scoring as Submit.
func (s *Service) loadWithExpiry(ctx context.Context, sessionID string) (store.SessionRow, []store.SessionItemRow, map[string]store.SessionAnswerRow, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return store.SessionRow{}, nil, nil, err
	}
	items, err := s.store.GetSessionItems(ctx, sessionID)
	if err != nil {
		return store.SessionRow{}, nil, nil, err
	}
	answers, err := s.store.GetSessionAnswers(ctx, sessionID)
	if err != nil {
		return store.SessionRow{}, nil, nil, err
	}

	if sess.Status == types.SessionActive && sess.ExpiresAt != nil && !s.now().UTC().Before(*sess.ExpiresAt) {
		sess, err = s.finalize(ctx, sess, answers, types.SessionExpired, "deadline")
		if err != nil {
			return store.SessionRow{}, nil, nil, err
		}
	}
	return sess, items, answers, nil
}

func buildState(sess store.SessionRow, items []store.SessionItemRow, answers map[string]store.SessionAnswerRow) State {
	st := State{Session: sess}
	st.Items = make([]ItemView, len(items))
	for i, row := range items {
		st.Items[i] = ItemView{
			Position: row.Position,
			ItemID:   row.ItemID,
			Stem:     row.Frozen.Stem,
			Options:  row.Frozen.Options,
			ThemeID:  row.Frozen.ThemeID,
			BlockID:  row.Frozen.BlockID,
		}
	}

	current := 0
	for _, row := range items {
		ans, ok := answers[row.ItemID]
		if ok {
			st.Answers = append(st.Answers, AnswerView{
				ItemID:          ans.ItemID,
				SelectedIndex:   ans.SelectedIndex,
				MarkedForReview: ans.MarkedForReview,
				ChangedCount:    ans.ChangedCount,
			})
			if ans.SelectedIndex != nil {
				st.Progress.Answered++
			}
			if ans.MarkedForReview {
				st.Progress.Marked++
			}
		}
		if current == 0 && (!ok || answers[row.ItemID].SelectedIndex == nil) {
			current = row.Position
		}
	}
	if current == 0 && len(items) > 0 {
		current = items[len(items)-1].Position
	}
	st.Progress.CurrentPosition = current
	return st
}

// =============================================================================
// ANSWERS
// =============================================================================

// AnswerRequest mutates one (session, item) answer.
type AnswerRequest struct {
	SessionID       string
	ItemID          string
	SelectedIndex   *int
	MarkedForReview *bool
	TimeSpentMS     *int64 // optional client timing for telemetry
}

// SubmitAnswer upserts one answer. Allowed only while the session is ACTIVE
// after lazy expiry. Returns the updated answer plus refreshed progress.
func (s *Service) SubmitAnswer(ctx context.Context, req AnswerRequest) (AnswerView, Progress, error) {
	sess, items, answers, err := s.loadWithExpiry(ctx, req.SessionID)
	if err != nil {
		return AnswerView{}, Progress{}, err
	}
	if sess.Status != types.SessionActive {
		return AnswerView{}, Progress{}, types.ErrSessionClosed
	}

	prev, hadPrev := answers[req.ItemID]

	row, err := s.store.UpsertAnswer(ctx, req.SessionID, req.ItemID, req.SelectedIndex, req.MarkedForReview)
	if err != nil {
		return AnswerView{}, Progress{}, err
	}
	s.cacheDrop(ctx, req.SessionID)
	s.recordAnswerEvents(ctx, req, prev, hadPrev)

	answers[req.ItemID] = row
	st := buildState(sess, items, answers)

	view := AnswerView{
		ItemID:          row.ItemID,
		SelectedIndex:   row.SelectedIndex,
		MarkedForReview: row.MarkedForReview,
		ChangedCount:    row.ChangedCount,
	}
	return view, st.Progress, nil
}

// recordAnswerEvents appends the telemetry stream for one answer mutation.
// Event sequence continues from what is already stored; duplicates collapse
// on the (session, item, seq) constraint.
func (s *Service) recordAnswerEvents(ctx context.Context, req AnswerRequest, prev store.SessionAnswerRow, hadPrev bool) {
	existing, err := s.store.ListAttemptEvents(ctx, req.SessionID, req.ItemID)
	if err != nil {
		logging.Session("attempt events read failed %s/%s: %v", req.SessionID, req.ItemID, err)
		return
	}
	seq := 0
	if n := len(existing); n > 0 {
		seq = existing[n-1].Seq
	}

	emit := func(evType types.AttemptEventType, payload map[string]interface{}) {
		seq++
		blob, _ := json.Marshal(payload)
		if err := s.store.AppendAttemptEvent(ctx, store.AttemptEventRow{
			SessionID: req.SessionID,
			ItemID:    req.ItemID,
			EventType: evType,
			Seq:       seq,
			Payload:   string(blob),
		}); err != nil {
			logging.Session("attempt event append failed %s/%s: %v", req.SessionID, req.ItemID, err)
		}
	}

	if req.SelectedIndex != nil {
		payload := map[string]interface{}{"selected_index": *req.SelectedIndex}
		if req.TimeSpentMS != nil {
			payload["time_spent_ms"] = *req.TimeSpentMS
		}
		if hadPrev && prev.SelectedIndex != nil && *prev.SelectedIndex != *req.SelectedIndex {
			emit(types.EventAnswerChanged, payload)
		} else if !hadPrev || prev.SelectedIndex == nil {
			emit(types.EventAnswerSelected, payload)
		}
	}
	if req.MarkedForReview != nil && *req.MarkedForReview && !(hadPrev && prev.MarkedForReview) {
		emit(types.EventMarkReview, map[string]interface{}{"marked": true})
	}
}

// =============================================================================
// SUBMIT / EXPIRE / TERMINATE
// =============================================================================

// Submit finalizes the session. Idempotent: a closed session returns its
// current state unchanged, with no second fan-out.
func (s *Service) Submit(ctx context.Context, sessionID string) (State, error) {
	timer := logging.StartTimer(logging.CategorySession, "Submit")
	defer timer.Stop()

	sess, items, answers, err := s.loadWithExpiry(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	if sess.Status.Terminal() {
		return buildState(sess, items, answers), nil
	}

	sess, err = s.finalize(ctx, sess, answers, types.SessionSubmitted, "")
	if err != nil {
		return State{}, err
	}
	return buildState(sess, items, answers), nil
}

// Terminate is the admin path: closes an ACTIVE session as EXPIRED with a
// recorded reason. Idempotent like Submit.
func (s *Service) Terminate(ctx context.Context, sessionID, actor, reason string) (State, error) {
	sess, items, answers, err := s.loadWithExpiry(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	if sess.Status.Terminal() {
		return buildState(sess, items, answers), nil
	}

	sess, err = s.finalize(ctx, sess, answers, types.SessionExpired, "admin:"+actor+":"+reason)
	if err != nil {
		return State{}, err
	}
	logging.Session("session %s terminated by %s: %s", sessionID, actor, reason)
	return buildState(sess, items, answers), nil
}

// finalize scores and transitions ACTIVE -> status exactly once. Losing a
// finalize race re-reads the winner's row so every caller observes the same
// scores.
func (s *Service) finalize(ctx context.Context, sess store.SessionRow, answers map[string]store.SessionAnswerRow, status types.SessionStatus, reason string) (store.SessionRow, error) {
	correct := 0
	for _, ans := range answers {
		if ans.IsCorrect != nil && *ans.IsCorrect {
			correct++
		}
	}
	total := sess.TotalQuestions
	pct := roundPct(correct, total)

	changed, err := s.store.FinalizeSession(ctx, sess.ID, status, correct, total, pct, reason)
	if err != nil {
		return store.SessionRow{}, err
	}
	s.cacheDrop(ctx, sess.ID)

	final, err := s.store.GetSession(ctx, sess.ID)
	if err != nil {
		return store.SessionRow{}, err
	}

	if changed {
		logging.Session("session %s -> %s score=%d/%d (%.2f%%)", sess.ID, status, correct, total, pct)
		if s.finalizer != nil {
			s.finalizer.SessionFinalized(ctx, sess.ID)
		}
	}
	return final, nil
}

// roundPct is round(100*correct/total, 2).
func roundPct(correct, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(10000*float64(correct)/float64(total)) / 100
}

// =============================================================================
// REVIEW
// =============================================================================

// Review exposes the key and explanations, only after the session closed.
func (s *Service) Review(ctx context.Context, sessionID string) ([]ReviewItem, error) {
	sess, items, answers, err := s.loadWithExpiry(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.Terminal() {
		return nil, types.NewError(types.KindValidation, "SESSION_OPEN", "review requires a submitted or expired session")
	}

	out := make([]ReviewItem, len(items))
	for i, row := range items {
		ri := ReviewItem{
			Position:     row.Position,
			ItemID:       row.ItemID,
			Stem:         row.Frozen.Stem,
			Options:      row.Frozen.Options,
			CorrectIndex: row.Frozen.CorrectIndex,
			Explanation:  row.Frozen.Explanation,
		}
		if ans, ok := answers[row.ItemID]; ok {
			ri.SelectedIndex = ans.SelectedIndex
			ri.IsCorrect = ans.IsCorrect
		}
		out[i] = ri
	}
	return out, nil
}

// ListRecent returns the learner's latest sessions for the dashboard.
func (s *Service) ListRecent(ctx context.Context, userID string, limit int) ([]store.SessionRow, error) {
	return s.store.ListRecentSessions(ctx, userID, limit)
}

// =============================================================================
// ACTIVE-SESSION CACHE
// =============================================================================

func (s *Service) cacheKey(sessionID string) string {
	return "medlearn:session:" + sessionID
}

// cacheGet serves a cached ACTIVE state unless its deadline has passed, in
// which case the caller must go to the store so lazy expiry runs.
func (s *Service) cacheGet(ctx context.Context, sessionID string) (State, bool) {
	if s.cache == nil {
		return State{}, false
	}
	blob, err := s.cache.Get(ctx, s.cacheKey(sessionID)).Bytes()
	if err != nil {
		return State{}, false
	}
	var st State
	if err := json.Unmarshal(blob, &st); err != nil {
		return State{}, false
	}
	if st.Session.Status != types.SessionActive {
		return State{}, false
	}
	if st.Session.ExpiresAt != nil && !s.now().UTC().Before(*st.Session.ExpiresAt) {
		return State{}, false
	}
	return st, true
}

func (s *Service) cachePut(ctx context.Context, st State) {
	if s.cache == nil || st.Session.Status != types.SessionActive {
		return
	}
	ttl, err := time.ParseDuration(s.cfg.Session.ActiveCacheTTL)
	if err != nil || ttl <= 0 {
		ttl = 30 * time.Second
	}
	blob, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, s.cacheKey(st.Session.ID), blob, ttl).Err(); err != nil {
		logging.Session("session cache write failed %s: %v", st.Session.ID, err)
	}
}

func (s *Service) cacheDrop(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, s.cacheKey(sessionID)).Err(); err != nil {
		logging.Session("session cache drop failed %s: %v", sessionID, err)
	}
}

func banditParams(bc config.BanditConfig) bandit.Params {
	return bandit.Params{Alpha0: bc.Alpha0, Beta0: bc.Beta0, RewardMin: bc.RewardMin, Epsilon: bc.Epsilon}
}
