package bidserver

import (
	"github.com/patrickwarner/openbidder/internal/logic/bidding"
	"github.com/patrickwarner/openbidder/internal/logic/budget"
	"github.com/patrickwarner/openbidder/internal/logic/filters"
	"github.com/patrickwarner/openbidder/internal/logic/fraud"
)

// ServerStats are the orchestrator's own counters.
type ServerStats struct {
	Requests        int64            `json:"requests"`
	Bids            int64            `json:"bids"`
	NoBidsByReason  map[string]int64 `json:"no_bids_by_reason"`
	ImpOutcomes     map[string]int64 `json:"impression_outcomes"`
	Notices         map[string]int64 `json:"notices"`
	TechnicalErrors int64            `json:"technical_errors"`
	Timeouts        int64            `json:"timeouts"`
}

// Statistics merges the server counters with whatever statistics the
// collaborators expose. Collaborators that expose none are omitted.
type Statistics struct {
	Server  ServerStats    `json:"server"`
	Fraud   *fraud.Stats   `json:"fraud,omitempty"`
	Bidding *bidding.Stats `json:"bidding,omitempty"`
	Filters *filters.Stats `json:"filters,omitempty"`
	Budget  *budget.Stats  `json:"budget,omitempty"`
}

// GetServerStatistics returns a read-only snapshot. Counters of different
// collaborators are read independently and may be momentarily skewed.
func (s *Server) GetServerStatistics() Statistics {
	st := Statistics{
		Server: ServerStats{
			Requests:        s.requests.Load(),
			Bids:            s.bids.Load(),
			NoBidsByReason:  s.noBids.snapshot(),
			ImpOutcomes:     s.outcomes.snapshot(),
			Notices:         s.notices.snapshot(),
			TechnicalErrors: s.technical.Load(),
			Timeouts:        s.timeouts.Load(),
		},
	}
	if f, ok := s.fraud.(interface{ GetFraudStatistics() fraud.Stats }); ok {
		fs := f.GetFraudStatistics()
		st.Fraud = &fs
	}
	if a, ok := s.algo.(interface{ GetBiddingStatistics() bidding.Stats }); ok {
		bs := a.GetBiddingStatistics()
		st.Bidding = &bs
	}
	if f, ok := s.filter.(interface{ GetFilterStatistics() filters.Stats }); ok {
		fs := f.GetFilterStatistics()
		st.Filters = &fs
	}
	if b, ok := s.budget.(interface{ GetBudgetStatistics() budget.Stats }); ok {
		bs := b.GetBudgetStatistics()
		st.Budget = &bs
	}
	return st
}
