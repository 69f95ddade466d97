package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"medlearn/internal/logging"
	"medlearn/internal/mastery"
	"medlearn/internal/types"
)

const (
	jobLockTTL           = 5 * time.Minute
	recomputeConcurrency = 4
	staleRunAfter        = 15 * time.Minute
)

// liveSnapshot resolves module versions against the current runtime config.
// Batch jobs use the live config; only sessions pin a snapshot.
func (p *Pipeline) liveSnapshot(ctx context.Context) (types.RuntimeSnapshot, error) {
	rc, err := p.store.GetRuntimeConfig(ctx)
	if err != nil {
		return types.RuntimeSnapshot{}, err
	}
	return types.RuntimeSnapshot{
		Profile:       rc.ActiveProfile,
		Overrides:     rc.Overrides,
		PolicyVersion: rc.PolicyVersion,
		ExamMode:      rc.ExamMode,
		FreezeUpdates: rc.FreezeUpdates,
	}, nil
}

// RecomputeUser rebuilds the learner's mastery scores from attempt history.
// Lifetime counters on the record are preserved; only the model output and
// its state are replaced.
func (p *Pipeline) RecomputeUser(ctx context.Context, userID string) error {
	timer := logging.StartTimer(logging.CategoryTelemetry, "RecomputeUser")
	defer timer.Stop()

	snap, err := p.liveSnapshot(ctx)
	if err != nil {
		return err
	}
	version := snap.EffectiveVersion(types.ModuleMastery)

	records, err := p.store.ListMasteryByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	themes := make([]string, 0, len(records))
	for theme := range records {
		themes = append(themes, theme)
	}
	sort.Strings(themes)

	return p.runModule(ctx, types.ModuleMastery, version, "recompute:user:"+userID,
		fmt.Sprintf("themes=%d", len(themes)),
		func(prov types.Provenance) (string, error) {
			rebuilt := 0
			for _, theme := range themes {
				history, err := p.store.AttemptHistory(ctx, userID, theme, maxBucketDays(p.cfg.Mastery.BucketDays))
				if err != nil {
					return fmt.Sprintf("rebuilt=%d", rebuilt), err
				}
				if len(history) == 0 {
					continue
				}

				rec := records[theme]
				rec.Provenance = prov
				now := p.now().UTC()

				switch computeVersion(version) {
				case types.VersionV0:
					attempts := make([]mastery.V0Attempt, len(history))
					for i, h := range history {
						attempts[i] = mastery.V0Attempt{Correct: h.Correct, Hard: h.Hard, AnsweredAt: h.AnsweredAt}
					}
					result := mastery.ComputeV0(p.masteryV0Params(), attempts, now)
					rec.MasteryScore = result.Score
					rec.MasteryModel = result.Model
					rec.Reason = result.Reason
					rec.ModelState = "{}"

				default:
					// Full replay from the prior, oldest attempt first.
					state := mastery.NewBKTState(p.bktParams())
					for _, h := range history {
						state, err = mastery.UpdateBKT(p.bktParams(), state, h.Correct)
						if err != nil {
							return fmt.Sprintf("rebuilt=%d", rebuilt), err
						}
					}
					result := mastery.ResultV1(state)
					rec.MasteryScore = result.Score
					rec.MasteryModel = result.Model
					rec.Reason = result.Reason
					blob, _ := json.Marshal(state)
					rec.ModelState = string(blob)
				}

				if version == types.VersionShadow {
					err = p.store.UpsertShadowMastery(ctx, rec)
				} else {
					err = p.store.UpsertMastery(ctx, rec)
				}
				if err != nil {
					return fmt.Sprintf("rebuilt=%d", rebuilt), err
				}
				rebuilt++
			}
			return fmt.Sprintf("rebuilt=%d", rebuilt), nil
		})
}

// RecomputeCohort recomputes every active learner under a single job lock,
// with bounded parallelism. One learner's failure does not stop the rest.
func (p *Pipeline) RecomputeCohort(ctx context.Context) error {
	holder := uuid.NewString()
	acquired, err := p.store.AcquireJobLock(ctx, "recompute", "cohort", holder, jobLockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return types.NewError(types.KindConflict, "JOB_LOCKED", "cohort recompute already running")
	}
	defer func() {
		if err := p.store.ReleaseJobLock(ctx, "recompute", "cohort", holder); err != nil {
			logging.Telemetry("cohort recompute lock release failed: %v", err)
		}
	}()

	learners, err := p.store.ListLearners(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recomputeConcurrency)
	for _, l := range learners {
		if !l.Active {
			continue
		}
		userID := l.ID
		g.Go(func() error {
			if err := p.RecomputeUser(gctx, userID); err != nil {
				logging.Telemetry("recompute failed for learner %s: %v", userID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RecenterIfNeeded shifts all Elo ratings back toward a zero item mean when
// drift exceeds the configured trigger. Returns the applied shift, zero when
// nothing was done.
func (p *Pipeline) RecenterIfNeeded(ctx context.Context) (float64, error) {
	mean, n, err := p.store.MeanItemRating(ctx)
	if err != nil {
		return 0, err
	}
	if n == 0 || math.Abs(mean) < p.cfg.Elo.RecenterTrigger {
		return 0, nil
	}

	holder := uuid.NewString()
	acquired, err := p.store.AcquireJobLock(ctx, "elo_recenter", "global", holder, jobLockTTL)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if err := p.store.ReleaseJobLock(ctx, "elo_recenter", "global", holder); err != nil {
			logging.Telemetry("recenter lock release failed: %v", err)
		}
	}()

	snap, err := p.liveSnapshot(ctx)
	if err != nil {
		return 0, err
	}

	var shift float64
	err = p.runModule(ctx, types.ModuleElo, snap.EffectiveVersion(types.ModuleElo), "recenter:global",
		fmt.Sprintf("mean=%.4f n=%d", mean, n),
		func(types.Provenance) (string, error) {
			var err error
			shift, err = p.store.RecenterElo(ctx)
			return fmt.Sprintf("shift=%.4f", shift), err
		})
	return shift, err
}

// FailStaleRuns closes RUNNING runs whose worker evidently died. Returns the
// number of runs it closed.
func (p *Pipeline) FailStaleRuns(ctx context.Context) (int, error) {
	ids, err := p.store.StaleRunningRuns(ctx, staleRunAfter)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		err := p.store.FinishRun(ctx, id, types.RunFailed, "", "janitor: run exceeded the stale threshold")
		if err != nil {
			// Someone else closed it between the scan and the update.
			if types.KindOf(err) == types.KindConflict {
				continue
			}
			return closed, err
		}
		closed++
	}
	if closed > 0 {
		logging.Telemetry("janitor closed %d stale runs", closed)
	}
	return closed, nil
}
