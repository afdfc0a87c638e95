package filters

import (
	"fmt"
	"sync/atomic"

	"github.com/patrickwarner/openbidder/internal/logic"
	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/observability"
)

// SinglePassFilter applies every impression constraint in one pass over the
// candidates. It holds no per-request state and is safe for concurrent use.
type SinglePassFilter struct {
	fx      logic.FX
	metrics observability.MetricsRegistry

	evaluated atomic.Int64
	passed    atomic.Int64
	rejected  map[string]*atomic.Int64 // keys fixed at construction
}

// NewSinglePassFilter creates a filter converting floors with fx.
func NewSinglePassFilter(fx logic.FX, metrics observability.MetricsRegistry) *SinglePassFilter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	f := &SinglePassFilter{
		fx:       fx,
		metrics:  metrics,
		rejected: make(map[string]*atomic.Int64, len(stages)),
	}
	for _, s := range stages {
		f.rejected[s] = new(atomic.Int64)
	}
	return f
}

// FilterCandidatesForImpression returns a new slice holding the candidates
// that satisfy every constraint of the impression and the request. The input
// is not modified.
func (f *SinglePassFilter) FilterCandidatesForImpression(imp *models.Imp, req *models.BidRequest, candidates []models.BidCandidate) []models.BidCandidate {
	out := make([]models.BidCandidate, 0, len(candidates))
	rejected := make(map[string]int)

	for _, c := range candidates {
		if stage := f.rejectStage(&c, imp, req); stage != "" {
			rejected[stage]++
			continue
		}
		out = append(out, c)
	}

	f.evaluated.Add(int64(len(candidates)))
	f.passed.Add(int64(len(out)))
	for stage, n := range rejected {
		f.rejected[stage].Add(int64(n))
		f.metrics.IncrementFilterRejections(stage, n)
	}
	return out
}

// rejectStage returns the first stage the candidate fails, or "".
func (f *SinglePassFilter) rejectStage(c *models.BidCandidate, imp *models.Imp, req *models.BidRequest) string {
	// 1. Format, dimensions and mimes
	if !candidateFitsImp(c, imp) {
		return StageFormat
	}
	// 2. Secure assets
	if imp.RequiresSecure() && !c.Secure {
		return StageSecure
	}
	// 3. Blocklists
	if blockedSeat(c, req) {
		return StageBlockedSeat
	}
	if blockedAdvertiser(c, req, imp) {
		return StageBlockedAdvertiser
	}
	if blockedCategory(c, req, imp) {
		return StageBlockedCategory
	}
	// 4. Private marketplace
	if !dealAllowed(c, imp) {
		return StageDeal
	}
	// 5. Price floor
	if !meetsFloor(c, imp, f.fx) {
		return StageFloor
	}
	return ""
}

// FilterCandidatesWithTrace filters like FilterCandidatesForImpression and
// records the outcome on trace.
func (f *SinglePassFilter) FilterCandidatesWithTrace(imp *models.Imp, req *models.BidRequest, candidates []models.BidCandidate, trace *logic.AuctionTrace) []models.BidCandidate {
	filtered := f.FilterCandidatesForImpression(imp, req, candidates)
	if trace != nil {
		details := map[string]string{
			"input_count":  fmt.Sprintf("%d", len(candidates)),
			"output_count": fmt.Sprintf("%d", len(filtered)),
		}
		trace.AddStepWithDetails(imp.ID, "filter", filtered, details)
	}
	return filtered
}

// Stats holds the running totals of the filter.
type Stats struct {
	Evaluated       int64            `json:"candidates_evaluated"`
	Passed          int64            `json:"candidates_passed"`
	RejectedByStage map[string]int64 `json:"rejected_by_stage"`
}

// GetFilterStatistics returns a snapshot of the running totals.
func (f *SinglePassFilter) GetFilterStatistics() Stats {
	st := Stats{
		Evaluated:       f.evaluated.Load(),
		Passed:          f.passed.Load(),
		RejectedByStage: make(map[string]int64),
	}
	for s, c := range f.rejected {
		if n := c.Load(); n > 0 {
			st.RejectedByStage[s] = n
		}
	}
	return st
}
