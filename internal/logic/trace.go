package logic

import (
	"sync"

	"github.com/patrickwarner/openbidder/internal/models"
)

// TraceStep records the candidates left after one stage of an impression's auction.
type TraceStep struct {
	ImpID       string            `json:"imp_id"`
	Stage       string            `json:"stage"`
	CampaignIDs []int             `json:"campaign_ids"`
	CreativeIDs []int             `json:"creative_ids"`
	Details     map[string]string `json:"details,omitempty"`
}

// AuctionTrace captures the stages of every impression in one request. It is
// safe for concurrent use by the per-impression workers. A nil trace records nothing.
type AuctionTrace struct {
	mu    sync.Mutex
	Steps []TraceStep `json:"steps"`
}

// AddStep appends a trace entry for the given stage. Duplicate campaign IDs are removed.
func (t *AuctionTrace) AddStep(impID, stage string, candidates []models.BidCandidate) {
	t.AddStepWithDetails(impID, stage, candidates, nil)
}

// AddStepWithDetails appends a trace entry with additional details.
func (t *AuctionTrace) AddStepWithDetails(impID, stage string, candidates []models.BidCandidate, details map[string]string) {
	if t == nil {
		return
	}
	step := TraceStep{ImpID: impID, Stage: stage, Details: details}
	seen := make(map[int]struct{})
	for _, c := range candidates {
		step.CreativeIDs = append(step.CreativeIDs, c.CreativeID)
		if _, ok := seen[c.CampaignID]; !ok {
			seen[c.CampaignID] = struct{}{}
			step.CampaignIDs = append(step.CampaignIDs, c.CampaignID)
		}
	}
	t.mu.Lock()
	t.Steps = append(t.Steps, step)
	t.mu.Unlock()
}

// Snapshot returns a copy of the recorded steps.
func (t *AuctionTrace) Snapshot() []TraceStep {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceStep, len(t.Steps))
	copy(out, t.Steps)
	return out
}
