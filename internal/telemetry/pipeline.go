// Package telemetry is the update pipeline: it fans a finalized session's
// answers out into mastery, revision, Elo, and bandit updates, each under its
// own run-log entry so one module's failure never aborts the others.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"medlearn/internal/bandit"
	"medlearn/internal/config"
	"medlearn/internal/elo"
	"medlearn/internal/logging"
	"medlearn/internal/mastery"
	"medlearn/internal/revision"
	"medlearn/internal/store"
	"medlearn/internal/types"
)

// Pipeline owns the post-session fan-out and the recompute jobs.
type Pipeline struct {
	store *store.Store
	cfg   *config.Config
	now   func() time.Time
}

// New builds a pipeline over the store.
func New(st *store.Store, cfg *config.Config) *Pipeline {
	return &Pipeline{store: st, cfg: cfg, now: time.Now}
}

// SetClock overrides the pipeline's time source. Tests only.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// SessionFinalized implements the session service's finalizer hook. Fan-out
// errors are logged, never propagated back into the submit path.
func (p *Pipeline) SessionFinalized(ctx context.Context, sessionID string) {
	if err := p.ProcessSession(ctx, sessionID); err != nil {
		logging.Telemetry("fan-out failed for session %s: %v", sessionID, err)
	}
}

// ProcessSession runs the full fan-out for one finalized session. Module
// versions come from the session's snapshot, not the live config; the freeze
// flag is re-checked live by every store write.
func (p *Pipeline) ProcessSession(ctx context.Context, sessionID string) error {
	timer := logging.StartTimer(logging.CategoryTelemetry, "ProcessSession")
	defer timer.Stop()

	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Status.Terminal() {
		return types.NewError(types.KindValidation, "SESSION_OPEN", "session %s is not finalized", sessionID)
	}

	attemptsByTheme, err := p.collectAttempts(ctx, sess)
	if err != nil {
		return err
	}
	if len(attemptsByTheme) == 0 {
		logging.Telemetry("session %s has no graded answers; nothing to fan out", sessionID)
		return nil
	}

	themes := make([]string, 0, len(attemptsByTheme))
	for theme := range attemptsByTheme {
		themes = append(themes, theme)
	}
	sort.Strings(themes)

	// Mastery first: the bandit reward needs pre/post mastery.
	var pre, post map[string]float64
	masteryVersion := sess.Snapshot.EffectiveVersion(types.ModuleMastery)
	err = p.runModule(ctx, types.ModuleMastery, masteryVersion, "session:"+sessionID,
		fmt.Sprintf("themes=%d attempts=%d", len(themes), countAttempts(attemptsByTheme)),
		func(prov types.Provenance) (string, error) {
			var err error
			pre, post, err = p.updateMastery(ctx, prov, sess, themes, attemptsByTheme, masteryVersion)
			return fmt.Sprintf("themes=%d", len(post)), err
		})
	if err != nil {
		logging.Telemetry("mastery module failed for %s: %v", sessionID, err)
	}

	revisionVersion := sess.Snapshot.EffectiveVersion(types.ModuleRevision)
	if err := p.runModule(ctx, types.ModuleRevision, revisionVersion, "session:"+sessionID,
		fmt.Sprintf("themes=%d", len(themes)),
		func(prov types.Provenance) (string, error) {
			n, err := p.updateRevision(ctx, prov, sess, themes, attemptsByTheme, revisionVersion, post)
			return fmt.Sprintf("schedules=%d", n), err
		}); err != nil {
		logging.Telemetry("revision module failed for %s: %v", sessionID, err)
	}

	eloVersion := sess.Snapshot.EffectiveVersion(types.ModuleElo)
	if err := p.runModule(ctx, types.ModuleElo, eloVersion, "session:"+sessionID,
		fmt.Sprintf("attempts=%d", countAttempts(attemptsByTheme)),
		func(prov types.Provenance) (string, error) {
			applied, dup, err := p.updateElo(ctx, sess, themes, attemptsByTheme, eloVersion, prov)
			return fmt.Sprintf("applied=%d duplicates=%d", applied, dup), err
		}); err != nil {
		logging.Telemetry("elo module failed for %s: %v", sessionID, err)
	}

	banditVersion := sess.Snapshot.EffectiveVersion(types.ModuleBandit)
	if banditVersion != types.VersionShadow && masteryVersion != types.VersionShadow && post != nil {
		if err := p.runModule(ctx, types.ModuleBandit, banditVersion, "session:"+sessionID,
			fmt.Sprintf("themes=%d", len(themes)),
			func(prov types.Provenance) (string, error) {
				n, err := p.updateBandit(ctx, sess.UserID, themes, attemptsByTheme, pre, post)
				return fmt.Sprintf("posteriors=%d", n), err
			}); err != nil {
			logging.Telemetry("bandit module failed for %s: %v", sessionID, err)
		}
	}

	return nil
}

// collectAttempts normalizes the session's graded answers, grouped by theme
// and ordered by position within each theme.
func (p *Pipeline) collectAttempts(ctx context.Context, sess store.SessionRow) (map[string][]types.Attempt, error) {
	items, err := p.store.GetSessionItems(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	answers, err := p.store.GetSessionAnswers(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]types.Attempt)
	for _, item := range items {
		ans, ok := answers[item.ItemID]
		if !ok || ans.SelectedIndex == nil || ans.IsCorrect == nil {
			continue
		}
		att := types.Attempt{
			AttemptID:       sess.ID + ":" + item.ItemID,
			UserID:          sess.UserID,
			ItemID:          item.ItemID,
			ThemeID:         item.Frozen.ThemeID,
			ConceptID:       item.Frozen.ConceptID,
			Correct:         *ans.IsCorrect,
			ChangeCount:     ans.ChangedCount,
			MarkedForReview: ans.MarkedForReview,
		}
		if ans.AnsweredAt != nil {
			att.AnsweredAt = *ans.AnsweredAt
		} else {
			att.AnsweredAt = p.now().UTC()
		}
		att.TimeSpentMS = p.timeSpent(ctx, sess.ID, item.ItemID)
		out[att.ThemeID] = append(out[att.ThemeID], att)
	}
	return out, nil
}

// timeSpent extracts the client-reported answer timing from the event stream;
// zero when the client never sent one.
func (p *Pipeline) timeSpent(ctx context.Context, sessionID, itemID string) int64 {
	events, err := p.store.ListAttemptEvents(ctx, sessionID, itemID)
	if err != nil {
		return 0
	}
	var ms int64
	for _, ev := range events {
		var payload struct {
			TimeSpentMS int64 `json:"time_spent_ms"`
		}
		if json.Unmarshal([]byte(ev.Payload), &payload) == nil && payload.TimeSpentMS > 0 {
			ms = payload.TimeSpentMS
		}
	}
	return ms
}

// runModule wraps one module's work in a run-log entry. A freeze is recorded
// as a suppressed success, not a failure; real errors mark the run FAILED.
func (p *Pipeline) runModule(ctx context.Context, module types.ModuleName, version types.ModuleVersion, scope, inputSummary string, fn func(types.Provenance) (string, error)) error {
	algoVersionID, err := p.store.AlgoVersionID(ctx, module, computeVersion(version))
	if err != nil {
		return err
	}
	paramsID, err := p.store.RecordParams(ctx, algoVersionID, p.paramsJSON(module))
	if err != nil {
		return err
	}
	prov, err := p.store.StartRun(ctx, algoVersionID, paramsID, scope, inputSummary)
	if err != nil {
		return err
	}

	output, runErr := fn(prov)
	switch {
	case runErr == nil:
		return p.store.FinishRun(ctx, prov.RunID, types.RunSuccess, output, "")
	case errors.Is(runErr, types.ErrFrozen):
		logging.Telemetry("%s writes suppressed by freeze (%s)", module, scope)
		return p.store.FinishRun(ctx, prov.RunID, types.RunSuccess, "suppressed by freeze", "")
	default:
		if ferr := p.store.FinishRun(ctx, prov.RunID, types.RunFailed, output, runErr.Error()); ferr != nil {
			logging.Telemetry("run %s close failed: %v", prov.RunID, ferr)
		}
		return runErr
	}
}

// computeVersion maps shadow onto the v1 computation it mirrors.
func computeVersion(v types.ModuleVersion) types.ModuleVersion {
	if v == types.VersionShadow {
		return types.VersionV1
	}
	return v
}

// paramsJSON freezes the module's active parameter set for provenance.
func (p *Pipeline) paramsJSON(module types.ModuleName) string {
	var v interface{}
	switch module {
	case types.ModuleMastery:
		v = p.cfg.Mastery
	case types.ModuleRevision:
		v = p.cfg.Revision
	case types.ModuleElo:
		v = p.cfg.Elo
	case types.ModuleBandit:
		v = p.cfg.Bandit
	case types.ModuleSelection:
		v = p.cfg.Selection
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(blob)
}

// =============================================================================
// MASTERY
// =============================================================================

func (p *Pipeline) masteryV0Params() mastery.V0Params {
	mc := p.cfg.Mastery
	return mastery.V0Params{
		BucketDays:      mc.BucketDays,
		BucketWeights:   mc.BucketWeights,
		MinAttempts:     mc.MinAttempts,
		DifficultyBoost: mc.DifficultyBoost,
	}
}

func (p *Pipeline) bktParams() mastery.BKTParams {
	b := p.cfg.Mastery.BKT
	return mastery.BKTParams{L0: b.L0, T: b.T, S: b.S, G: b.G}
}

// updateMastery recomputes each touched theme and returns the pre/post
// canonical scores the bandit reward needs. Shadow writes go to the shadow
// table and never change the learner-visible record.
func (p *Pipeline) updateMastery(ctx context.Context, prov types.Provenance, sess store.SessionRow, themes []string, attemptsByTheme map[string][]types.Attempt, version types.ModuleVersion) (map[string]float64, map[string]float64, error) {
	pre := make(map[string]float64, len(themes))
	post := make(map[string]float64, len(themes))
	now := p.now().UTC()
	shadow := version == types.VersionShadow

	for _, theme := range themes {
		attempts := attemptsByTheme[theme]

		existing, err := p.store.GetMastery(ctx, sess.UserID, theme)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return pre, post, err
		}
		pre[theme] = existing.MasteryScore

		rec := store.MasteryRecord{
			UserID:     sess.UserID,
			ThemeID:    theme,
			Provenance: prov,
		}

		sessionCorrect := 0
		lastAt := now
		for _, a := range attempts {
			if a.Correct {
				sessionCorrect++
			}
			lastAt = a.AnsweredAt
		}
		rec.AttemptsTotal = existing.AttemptsTotal + len(attempts)
		rec.CorrectTotal = existing.CorrectTotal + sessionCorrect
		if rec.AttemptsTotal > 0 {
			rec.AccuracyPct = 100 * float64(rec.CorrectTotal) / float64(rec.AttemptsTotal)
		}
		rec.LastAttemptAt = &lastAt

		var result mastery.Result
		switch computeVersion(version) {
		case types.VersionV0:
			history, err := p.store.AttemptHistory(ctx, sess.UserID, theme, maxBucketDays(p.cfg.Mastery.BucketDays))
			if err != nil {
				return pre, post, err
			}
			v0Attempts := make([]mastery.V0Attempt, len(history))
			for i, h := range history {
				v0Attempts[i] = mastery.V0Attempt{Correct: h.Correct, Hard: h.Hard, AnsweredAt: h.AnsweredAt}
			}
			result = mastery.ComputeV0(p.masteryV0Params(), v0Attempts, now)
			rec.ModelState = "{}"

		default: // v1 BKT
			state := mastery.NewBKTState(p.bktParams())
			if existing.MasteryModel == types.VersionV1 && existing.ModelState != "" {
				var saved mastery.BKTState
				if json.Unmarshal([]byte(existing.ModelState), &saved) == nil && saved.Attempts > 0 {
					state = saved
				}
			}
			for _, a := range attempts {
				state, err = mastery.UpdateBKT(p.bktParams(), state, a.Correct)
				if err != nil {
					return pre, post, err
				}
			}
			result = mastery.ResultV1(state)
			blob, _ := json.Marshal(state)
			rec.ModelState = string(blob)
		}

		rec.MasteryScore = result.Score
		rec.MasteryModel = result.Model
		rec.Reason = result.Reason

		if shadow {
			if err := p.store.UpsertShadowMastery(ctx, rec); err != nil {
				return pre, post, err
			}
		} else {
			if err := p.store.UpsertMastery(ctx, rec); err != nil {
				return pre, post, err
			}
			post[theme] = rec.MasteryScore
		}
	}
	return pre, post, nil
}

func maxBucketDays(buckets []int) int {
	m := 90
	for _, d := range buckets {
		if d > m {
			m = d
		}
	}
	return m
}

// =============================================================================
// REVISION
// =============================================================================

func (p *Pipeline) fsrsParams() revision.FSRSParams {
	return revision.FSRSParams{
		Weights:          p.cfg.Revision.FSRSWeights,
		DesiredRetention: p.cfg.Revision.DesiredRetention,
	}
}

// updateRevision reschedules each touched theme. Shadow computes but writes
// nothing: the schedule has no shadow table because due_at is learner-visible
// by construction.
func (p *Pipeline) updateRevision(ctx context.Context, prov types.Provenance, sess store.SessionRow, themes []string, attemptsByTheme map[string][]types.Attempt, version types.ModuleVersion, postMastery map[string]float64) (int, error) {
	if version == types.VersionShadow {
		logging.Telemetry("revision shadow mode: schedule writes skipped for session %s", sess.ID)
		return 0, nil
	}
	mapper := revision.MapperParams{
		FastAnswerMS: p.cfg.Revision.FastAnswerMS,
		SlowAnswerMS: p.cfg.Revision.SlowAnswerMS,
	}
	now := p.now().UTC()
	written := 0

	for _, theme := range themes {
		attempts := attemptsByTheme[theme]

		existing, err := p.store.GetRevision(ctx, sess.UserID, theme)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return written, err
		}

		rec := store.RevisionRecord{
			UserID:     sess.UserID,
			ThemeID:    theme,
			Model:      version,
			Provenance: prov,
		}

		switch version {
		case types.VersionV0:
			band := mastery.BandOf(postMastery[theme])
			state := revision.V0State{
				Stage:        existing.Stage,
				IntervalDays: existing.IntervalDays,
				DueAt:        existing.DueAt,
				LastReviewAt: existing.LastReviewAt,
			}
			for _, a := range attempts {
				state = revision.UpdateV0(p.cfg.Revision.IntervalBins, state, a.Correct, band, reviewTime(a, now))
			}
			rec.Stage = state.Stage
			rec.IntervalDays = state.IntervalDays
			rec.DueAt = state.DueAt
			rec.LastReviewAt = state.LastReviewAt

		default: // v1 FSRS
			state := revision.FSRSState{
				Stability:      existing.Stability,
				Difficulty:     existing.Difficulty,
				Retrievability: existing.Retrievability,
				Reviews:        existing.Reviews,
				DueAt:          existing.DueAt,
				LastReviewAt:   existing.LastReviewAt,
			}
			for _, a := range attempts {
				rating := revision.MapRating(mapper, revision.TelemetrySignals{
					Correct:         a.Correct,
					TimeSpentMS:     a.TimeSpentMS,
					ChangeCount:     a.ChangeCount,
					MarkedForReview: a.MarkedForReview,
				})
				state = revision.UpdateFSRS(p.fsrsParams(), state, rating, reviewTime(a, now))
			}
			rec.Stability = state.Stability
			rec.Difficulty = state.Difficulty
			rec.Retrievability = state.Retrievability
			rec.Reviews = state.Reviews
			rec.DueAt = state.DueAt
			rec.LastReviewAt = state.LastReviewAt
		}

		if err := p.store.UpsertRevision(ctx, rec); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func reviewTime(a types.Attempt, fallback time.Time) time.Time {
	if !a.AnsweredAt.IsZero() {
		return a.AnsweredAt
	}
	return fallback
}

// =============================================================================
// ELO
// =============================================================================

func (p *Pipeline) eloParams() elo.Params {
	ec := p.cfg.Elo
	return elo.Params{
		InitialRating:    ec.InitialRating,
		Scale:            ec.Scale,
		Guess:            ec.Guess,
		KUserMax:         ec.KUserMax,
		KItemMax:         ec.KItemMax,
		UncertaintyInit:  ec.UncertaintyInit,
		UncertaintyFloor: ec.UncertaintyFloor,
		UncertaintyDecay: ec.UncertaintyDecay,
		StalenessPerDay:  ec.StalenessPerDay,
	}
}

// updateElo applies each attempt's rating update, idempotent per attempt id.
// Shadow computes from the canonical ratings and mirrors the result into the
// shadow tables without touching them.
func (p *Pipeline) updateElo(ctx context.Context, sess store.SessionRow, themes []string, attemptsByTheme map[string][]types.Attempt, version types.ModuleVersion, prov types.Provenance) (applied, duplicates int, err error) {
	params := p.eloParams()
	shadow := version == types.VersionShadow
	now := p.now().UTC()

	for _, theme := range themes {
		for _, a := range attemptsByTheme[theme] {
			if shadow {
				userRow, _, err := p.store.GetEloRating(ctx, store.ScopeUser, a.UserID)
				if err != nil {
					return applied, duplicates, err
				}
				itemRow, _, err := p.store.GetEloRating(ctx, store.ScopeItem, a.ItemID)
				if err != nil {
					return applied, duplicates, err
				}
				upd := params.Update(toRating(userRow, params), toRating(itemRow, params), a.Correct, now)
				if err := p.store.UpsertShadowElo(ctx, store.ScopeUser, a.UserID, upd.User, prov.RunID); err != nil {
					return applied, duplicates, err
				}
				if err := p.store.UpsertShadowElo(ctx, store.ScopeItem, a.ItemID, upd.Item, prov.RunID); err != nil {
					return applied, duplicates, err
				}
				applied++
				continue
			}

			res, err := p.store.ApplyEloUpdate(ctx, params, a.AttemptID, a.UserID, a.ItemID, a.Correct)
			if err != nil {
				return applied, duplicates, err
			}
			if res.Duplicate {
				duplicates++
			} else {
				applied++
			}
		}
	}
	return applied, duplicates, nil
}

func toRating(row store.EloRow, params elo.Params) elo.Rating {
	if row.SubjectID == "" {
		return params.NewRating()
	}
	r := elo.Rating{Value: row.Rating, Uncertainty: row.Uncertainty, NAttempts: row.NAttempts}
	if row.LastSeenAt != nil {
		r.LastSeenAt = *row.LastSeenAt
	}
	return r
}

// =============================================================================
// BANDIT
// =============================================================================

func (p *Pipeline) banditParams() bandit.Params {
	bc := p.cfg.Bandit
	return bandit.Params{Alpha0: bc.Alpha0, Beta0: bc.Beta0, RewardMin: bc.RewardMin, Epsilon: bc.Epsilon}
}

// updateBandit folds the mastery-delta reward into each theme that crossed
// the attempt threshold in this session.
func (p *Pipeline) updateBandit(ctx context.Context, userID string, themes []string, attemptsByTheme map[string][]types.Attempt, pre, post map[string]float64) (int, error) {
	params := p.banditParams()
	rows, err := p.store.GetBanditStates(ctx, userID, themes)
	if err != nil {
		return 0, err
	}
	now := p.now().UTC()
	updated := 0

	for _, theme := range themes {
		if len(attemptsByTheme[theme]) < params.RewardMin {
			continue
		}
		postScore, ok := post[theme]
		if !ok {
			continue
		}
		reward := params.Reward(pre[theme], postScore)

		state := params.NewState()
		if row, found := rows[theme]; found {
			state = bandit.State{
				Alpha:      row.Alpha,
				Beta:       row.Beta,
				NSessions:  row.NSessions,
				LastReward: row.LastReward,
			}
			if row.LastSelectedAt != nil {
				state.LastSelectedAt = *row.LastSelectedAt
			}
		}
		next := params.Update(state, reward, now)
		if err := p.store.UpsertBanditState(ctx, userID, theme, next); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func countAttempts(byTheme map[string][]types.Attempt) int {
	n := 0
	for _, attempts := range byTheme {
		n += len(attempts)
	}
	return n
}
