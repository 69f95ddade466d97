// Package selection implements the adaptive question picker: constrained
// Thompson sampling over candidate themes plus a difficulty-band item picker.
// The whole pipeline is deterministic under a seed derived from the request,
// so a replay with identical state-store reads yields an identical ordering.
package selection

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"medlearn/internal/bandit"
	"medlearn/internal/config"
	"medlearn/internal/elo"
	"medlearn/internal/logging"
	"medlearn/internal/store"
	"medlearn/internal/types"
)

// Request is one selection call. Snapshot carries the session-start module
// versions; v0 selection degrades to uniform sampling within the filter.
type Request struct {
	UserID   string
	Year     int
	BlockIDs []string
	ThemeIDs []string // optional narrowing
	Count    int
	Mode     types.SessionMode
	Snapshot types.RuntimeSnapshot
}

// ThemeDecision records how one candidate theme scored.
type ThemeDecision struct {
	ThemeID         string  `json:"theme_id"`
	Supply          int     `json:"supply"`
	Weakness        float64 `json:"weakness"`
	DueRatio        float64 `json:"due_ratio"`
	UncertaintyNorm float64 `json:"uncertainty_norm"`
	RecencyPenalty  float64 `json:"recency_penalty"`
	SupplyFactor    float64 `json:"supply_factor"`
	BasePriority    float64 `json:"base_priority"`
	SampledY        float64 `json:"sampled_y"`
	FinalScore      float64 `json:"final_score"`
	Quota           int     `json:"quota"`
}

// Plan is the selection output: the ordered item ids plus the decision trace
// the run log keeps.
type Plan struct {
	Seed        int64           `json:"seed"`
	ItemIDs     []string        `json:"item_ids"`
	Items       []store.Item    `json:"-"`
	Themes      []ThemeDecision `json:"themes"`
	AvgPCorrect float64         `json:"avg_p_correct"`
	DueCoverage float64         `json:"due_coverage"`
	Reason      string          `json:"reason,omitempty"`
}

// ReasonNotEnough marks a plan that returned fewer items than requested.
const ReasonNotEnough = "NOT_ENOUGH_QUESTIONS"

// Engine reads knowledge state and published items and emits plans. It never
// writes: bandit posteriors move only at session submit.
type Engine struct {
	store *store.Store
	cfg   *config.Config
	now   func() time.Time
}

// New builds an engine over the store.
func New(st *store.Store, cfg *config.Config) *Engine {
	return &Engine{store: st, cfg: cfg, now: time.Now}
}

// SetClock overrides the engine's time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// DeriveSeed hashes the request identity into the seed that drives every
// randomized step. Filter slices are sorted first so argument order does not
// change the plan.
func DeriveSeed(userID string, mode types.SessionMode, count int, blockIDs, themeIDs []string) int64 {
	blocks := append([]string(nil), blockIDs...)
	themes := append([]string(nil), themeIDs...)
	sort.Strings(blocks)
	sort.Strings(themes)

	h := fnv.New64a()
	h.Write([]byte(userID))
	h.Write([]byte{0x1f})
	h.Write([]byte(mode))
	h.Write([]byte{0x1f})
	h.Write([]byte(strconv.Itoa(count)))
	for _, b := range blocks {
		h.Write([]byte{0x1f})
		h.Write([]byte(b))
	}
	h.Write([]byte{0x1e})
	for _, t := range themes {
		h.Write([]byte{0x1f})
		h.Write([]byte(t))
	}
	return int64(h.Sum64())
}

func (e *Engine) eloParams() elo.Params {
	ec := e.cfg.Elo
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

func (e *Engine) banditParams() bandit.Params {
	bc := e.cfg.Bandit
	return bandit.Params{Alpha0: bc.Alpha0, Beta0: bc.Beta0, RewardMin: bc.RewardMin, Epsilon: bc.Epsilon}
}

// Select runs the pipeline and returns an ordered plan. A pool smaller than
// the requested count yields a shorter plan with Reason set; an empty pool
// yields an empty plan the same way.
func (e *Engine) Select(ctx context.Context, req Request) (Plan, error) {
	timer := logging.StartTimer(logging.CategorySelection, "Select")
	defer timer.Stop()

	if req.Count <= 0 {
		return Plan{}, types.NewError(types.KindValidation, "INVALID_COUNT", "count must be positive")
	}

	seed := DeriveSeed(req.UserID, req.Mode, req.Count, req.BlockIDs, req.ThemeIDs)
	rng := rand.New(rand.NewSource(seed))
	plan := Plan{Seed: seed}

	// Candidate pool within the syllabus filter, minus recently seen items.
	pool, err := e.store.ListItems(ctx, store.ItemFilter{
		Year: req.Year, BlockIDs: req.BlockIDs, ThemeIDs: req.ThemeIDs,
	})
	if err != nil {
		return Plan{}, err
	}
	seen, err := e.store.RecentlySeenItemIDs(ctx, req.UserID,
		e.cfg.Selection.ExcludeDays, e.cfg.Selection.ExcludeSessions)
	if err != nil {
		return Plan{}, err
	}

	byTheme := make(map[string][]store.Item)
	for _, it := range pool {
		if seen[it.ID] {
			continue
		}
		byTheme[it.ThemeID] = append(byTheme[it.ThemeID], it)
	}
	if len(byTheme) == 0 {
		plan.Reason = ReasonNotEnough
		logging.Selection("empty candidate pool user=%s year=%d blocks=%v", req.UserID, req.Year, req.BlockIDs)
		return plan, nil
	}

	themeIDs := make([]string, 0, len(byTheme))
	for id := range byTheme {
		themeIDs = append(themeIDs, id)
	}
	sort.Strings(themeIDs)

	// v0 selection: uniform shuffle within the filter, no state reads.
	if req.Snapshot.EffectiveVersion(types.ModuleSelection) == types.VersionV0 {
		return e.selectUniform(plan, rng, req, themeIDs, byTheme), nil
	}

	decisions, due, err := e.scoreThemes(ctx, rng, req, themeIDs, byTheme)
	if err != nil {
		return Plan{}, err
	}

	chosen := chooseThemes(decisions, e.cfg.Selection)
	allocateQuotas(chosen, req.Count, byTheme, e.cfg.Selection)

	// Item picking per chosen theme, then interleave.
	userRating, _, err := e.store.GetEloRating(ctx, store.ScopeUser, req.UserID)
	if err != nil {
		return Plan{}, err
	}
	perTheme := make([][]store.Item, 0, len(chosen))
	var pcSum float64
	var pcN int
	for _, d := range chosen {
		picked, pcs, err := e.pickItems(ctx, rng, userRating.Rating, byTheme[d.ThemeID], d.Quota, due[d.ThemeID])
		if err != nil {
			return Plan{}, err
		}
		perTheme = append(perTheme, picked)
		for _, pc := range pcs {
			pcSum += pc
			pcN++
		}
	}

	ordered := interleave(req.Mode, perTheme)
	plan.Items = ordered
	plan.ItemIDs = make([]string, len(ordered))
	for i, it := range ordered {
		plan.ItemIDs[i] = it.ID
	}
	plan.Themes = chosen
	if pcN > 0 {
		plan.AvgPCorrect = pcSum / float64(pcN)
	}
	plan.DueCoverage = dueCoverage(chosen, due)
	if len(plan.ItemIDs) < req.Count {
		plan.Reason = ReasonNotEnough
	}

	logging.SelectionDebug("plan user=%s seed=%d themes=%d items=%d avg_pc=%.3f",
		req.UserID, seed, len(chosen), len(plan.ItemIDs), plan.AvgPCorrect)
	return plan, nil
}

// selectUniform is the legacy picker: a seeded shuffle of the filtered pool.
func (e *Engine) selectUniform(plan Plan, rng *rand.Rand, req Request, themeIDs []string, byTheme map[string][]store.Item) Plan {
	var all []store.Item
	for _, id := range themeIDs {
		all = append(all, byTheme[id]...)
	}
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if len(all) > req.Count {
		all = all[:req.Count]
	}
	plan.Items = all
	plan.ItemIDs = make([]string, len(all))
	for i, it := range all {
		plan.ItemIDs[i] = it.ID
	}
	if len(all) < req.Count {
		plan.Reason = ReasonNotEnough
	}
	return plan
}

// scoreThemes computes base priorities and Thompson samples for every
// candidate theme, in sorted theme order so the rng stream is stable.
func (e *Engine) scoreThemes(ctx context.Context, rng *rand.Rand, req Request, themeIDs []string, byTheme map[string][]store.Item) ([]ThemeDecision, map[string]bool, error) {
	sc := e.cfg.Selection

	masteryByTheme, err := e.store.ListMasteryByUser(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	due, err := e.store.DueThemeCounts(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	banditRows, err := e.store.GetBanditStates(ctx, req.UserID, themeIDs)
	if err != nil {
		return nil, nil, err
	}
	userRating, found, err := e.store.GetEloRating(ctx, store.ScopeUser, req.UserID)
	if err != nil {
		return nil, nil, err
	}

	eloParams := e.eloParams()
	now := e.now().UTC()
	uncertainty := eloParams.UncertaintyInit
	if found {
		uncertainty = eloParams.EffectiveUncertainty(elo.Rating{
			Value:       userRating.Rating,
			Uncertainty: userRating.Uncertainty,
			LastSeenAt:  derefTime(userRating.LastSeenAt),
		}, now)
	}
	uncNorm := 1.0
	if span := eloParams.UncertaintyInit - eloParams.UncertaintyFloor; span > 0 {
		uncNorm = clamp01((uncertainty - eloParams.UncertaintyFloor) / span)
	}

	bp := e.banditParams()
	decisions := make([]ThemeDecision, 0, len(themeIDs))
	for _, themeID := range themeIDs {
		supply := len(byTheme[themeID])

		weakness := 1.0
		if m, ok := masteryByTheme[themeID]; ok {
			weakness = 1 - m.MasteryScore
		}

		// due_ratio saturates at the configured baseline of due concepts; the
		// schedule tracks one record per theme, so a due theme contributes one.
		dueCount := 0
		if due[themeID] {
			dueCount = 1
		}
		dueRatio := clamp01(float64(dueCount) / float64(maxInt(sc.DueBaseline, 1)))

		recency := 0.0
		st := bp.NewState()
		if row, ok := banditRows[themeID]; ok {
			st = bandit.State{
				Alpha:          row.Alpha,
				Beta:           row.Beta,
				NSessions:      row.NSessions,
				LastSelectedAt: derefTime(row.LastSelectedAt),
				LastReward:     row.LastReward,
			}
			if row.LastSelectedAt != nil {
				dtHours := now.Sub(*row.LastSelectedAt).Hours()
				if dtHours >= 0 && sc.RecencyTauHours > 0 {
					recency = math.Exp(-dtHours / sc.RecencyTauHours)
				}
			}
		}

		supplyFactor := math.Min(1, float64(supply)/float64(maxInt(sc.SupplyMin, 1)))

		base := (sc.WeightWeakness*weakness +
			sc.WeightDue*dueRatio +
			sc.WeightUncertainty*uncNorm -
			sc.WeightRecency*recency) * supplyFactor
		if base < sc.EpsilonFloor {
			base = sc.EpsilonFloor
		}

		y := bp.Sample(rng, st)

		decisions = append(decisions, ThemeDecision{
			ThemeID:         themeID,
			Supply:          supply,
			Weakness:        weakness,
			DueRatio:        dueRatio,
			UncertaintyNorm: uncNorm,
			RecencyPenalty:  recency,
			SupplyFactor:    supplyFactor,
			BasePriority:    base,
			SampledY:        y,
			FinalScore:      base * (bp.Epsilon + y),
		})
	}
	return decisions, due, nil
}

// chooseThemes keeps the top-scoring themes within [MinThemes, MaxThemes].
// Ties break on theme id so equal scores cannot reorder between replays.
func chooseThemes(decisions []ThemeDecision, sc config.SelectionConfig) []ThemeDecision {
	sorted := append([]ThemeDecision(nil), decisions...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].FinalScore != sorted[j].FinalScore {
			return sorted[i].FinalScore > sorted[j].FinalScore
		}
		return sorted[i].ThemeID < sorted[j].ThemeID
	})

	maxThemes := sc.MaxThemes
	if maxThemes <= 0 || maxThemes > len(sorted) {
		maxThemes = len(sorted)
	}

	// Prefer themes with healthy supply; pad with thin ones only when the
	// minimum cannot otherwise be met.
	var chosen, thin []ThemeDecision
	for _, d := range sorted {
		if d.Supply >= sc.SupplyMin {
			if len(chosen) < maxThemes {
				chosen = append(chosen, d)
			}
		} else if d.Supply > 0 {
			thin = append(thin, d)
		}
	}
	for _, d := range thin {
		if len(chosen) >= maxThemes || len(chosen) >= maxInt(sc.MinThemes, 1) {
			break
		}
		chosen = append(chosen, d)
	}
	return chosen
}

// allocateQuotas distributes count across the chosen themes proportional to
// final score, within [MinPerTheme, min(MaxPerTheme, supply)]; remainders go
// in score order.
func allocateQuotas(chosen []ThemeDecision, count int, byTheme map[string][]store.Item, sc config.SelectionConfig) {
	if len(chosen) == 0 {
		return
	}
	var total float64
	for _, d := range chosen {
		total += d.FinalScore
	}

	capFor := func(d ThemeDecision) int {
		c := len(byTheme[d.ThemeID])
		if sc.MaxPerTheme > 0 && c > sc.MaxPerTheme {
			c = sc.MaxPerTheme
		}
		return c
	}

	// Integer floor pass with per-theme caps, remembering fractional parts.
	remaining := count
	fracs := make([]float64, len(chosen))
	for i := range chosen {
		share := float64(count) * chosen[i].FinalScore / total
		q := int(share)
		fracs[i] = share - float64(q)
		if q < sc.MinPerTheme {
			q = sc.MinPerTheme
		}
		if c := capFor(chosen[i]); q > c {
			q = c
		}
		if q > remaining {
			q = remaining
		}
		chosen[i].Quota = q
		remaining -= q
	}

	// Remainders in fractional-then-score order until caps or count exhaust.
	for remaining > 0 {
		best := -1
		for i := range chosen {
			if chosen[i].Quota >= capFor(chosen[i]) {
				continue
			}
			if best == -1 || fracs[i] > fracs[best] ||
				(fracs[i] == fracs[best] && chosen[i].FinalScore > chosen[best].FinalScore) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		chosen[best].Quota++
		fracs[best] = 0
		remaining--
	}
}

// pickItems orders one theme's candidates into priority tiers and takes the
// quota. Tier 0: in the challenge band on a theme due for review. Tier 1: in
// band. Unrated items explore into tier 1 at the configured rate, otherwise
// tier 3. High-uncertainty rated items explore into tier 2, otherwise tier 4
// with everything else. Within a tier, closeness to the band center decides,
// then item id.
func (e *Engine) pickItems(ctx context.Context, rng *rand.Rand, userTheta float64, items []store.Item, quota int, themeDue bool) ([]store.Item, []float64, error) {
	if quota <= 0 || len(items) == 0 {
		return nil, nil, nil
	}
	sc := e.cfg.Selection
	params := e.eloParams()

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	ratings, err := e.store.ListEloRatings(ctx, store.ScopeItem, ids)
	if err != nil {
		return nil, nil, err
	}

	center := (sc.BandLow + sc.BandHigh) / 2
	uncMid := (params.UncertaintyInit + params.UncertaintyFloor) / 2

	type scored struct {
		item store.Item
		tier int
		dist float64
		pc   float64
	}
	scoredItems := make([]scored, 0, len(items))

	// Items arrive sorted by id from the store; the rng draws below depend on
	// that order, which is part of the replay contract.
	for _, it := range items {
		row, rated := ratings[it.ID]
		b := params.InitialRating
		u := params.UncertaintyInit
		if rated {
			b = row.Rating
			u = row.Uncertainty
		}
		pc := params.PCorrect(userTheta, b)
		inBand := pc >= sc.BandLow && pc <= sc.BandHigh

		var tier int
		switch {
		case inBand && themeDue:
			tier = 0
		case inBand:
			tier = 1
		case !rated:
			if rng.Float64() < sc.ExploreNewRate {
				tier = 1
			} else {
				tier = 3
			}
		case u >= uncMid:
			if rng.Float64() < sc.ExploreUncertaintyRate {
				tier = 2
			} else {
				tier = 4
			}
		default:
			tier = 4
		}
		scoredItems = append(scoredItems, scored{item: it, tier: tier, dist: math.Abs(pc - center), pc: pc})
	}

	sort.Slice(scoredItems, func(i, j int) bool {
		if scoredItems[i].tier != scoredItems[j].tier {
			return scoredItems[i].tier < scoredItems[j].tier
		}
		if scoredItems[i].dist != scoredItems[j].dist {
			return scoredItems[i].dist < scoredItems[j].dist
		}
		return scoredItems[i].item.ID < scoredItems[j].item.ID
	})

	if quota > len(scoredItems) {
		quota = len(scoredItems)
	}
	picked := make([]store.Item, quota)
	pcs := make([]float64, quota)
	for i := 0; i < quota; i++ {
		picked[i] = scoredItems[i].item
		pcs[i] = scoredItems[i].pc
	}
	return picked, pcs, nil
}

// interleave merges per-theme picks: round-robin for TUTOR/REVISION so themes
// alternate, contiguous per theme for EXAM.
func interleave(mode types.SessionMode, perTheme [][]store.Item) []store.Item {
	var out []store.Item
	if mode == types.ModeExam {
		for _, items := range perTheme {
			out = append(out, items...)
		}
		return out
	}
	for round := 0; ; round++ {
		added := false
		for _, items := range perTheme {
			if round < len(items) {
				out = append(out, items[round])
				added = true
			}
		}
		if !added {
			return out
		}
	}
}

func dueCoverage(chosen []ThemeDecision, due map[string]bool) float64 {
	if len(chosen) == 0 {
		return 0
	}
	n := 0
	for _, d := range chosen {
		if due[d.ThemeID] {
			n++
		}
	}
	return float64(n) / float64(len(chosen))
}

// Describe renders a compact one-line summary for the run log.
func (p Plan) Describe() string {
	return fmt.Sprintf("seed=%d themes=%d items=%d avg_pc=%.3f due_cov=%.2f",
		p.Seed, len(p.Themes), len(p.ItemIDs), p.AvgPCorrect, p.DueCoverage)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
