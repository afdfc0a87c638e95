package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/logic/budget"
	"github.com/patrickwarner/openbidder/internal/middleware"
	"github.com/patrickwarner/openbidder/internal/models"
)

// helper function to write JSON response
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// campaignView is a campaign together with its live ledger balance.
type campaignView struct {
	models.Campaign
	Ledger *budget.CampaignBudget `json:"ledger,omitempty"`
}

func (s *Server) campaignView(c models.Campaign) campaignView {
	v := campaignView{Campaign: c}
	if s.Budgets != nil {
		if cb, ok := s.Budgets.CampaignBudget(c.ID); ok {
			v.Ledger = &cb
		}
	}
	return v
}

func campaignID(r *http.Request) (int, error) {
	return strconv.Atoi(mux.Vars(r)["id"])
}

// ListCampaigns handles GET /campaigns.
func (s *Server) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	campaigns := s.Inventory.GetAllCampaigns()
	out := make([]campaignView, 0, len(campaigns))
	for _, c := range campaigns {
		out = append(out, s.campaignView(c))
	}
	writeJSON(w, out)
	s.observe("campaigns", "GET", "200", start)
}

// GetCampaign handles GET /campaigns/{id}.
func (s *Server) GetCampaign(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := campaignID(r)
	if err != nil {
		s.observe("campaign", "GET", "400", start)
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	c := s.Inventory.GetCampaign(id)
	if c == nil {
		s.observe("campaign", "GET", "404", start)
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	writeJSON(w, s.campaignView(*c))
	s.observe("campaign", "GET", "200", start)
}

type budgetUpdate struct {
	Budget decimal.Decimal `json:"budget"`
}

// UpdateCampaignBudget handles PUT /campaigns/{id}/budget. The new lifetime
// budget is applied to the ledger first, which answers 409 when it is below
// confirmed spend plus open reservations, then persisted and mirrored into
// the inventory.
func (s *Server) UpdateCampaignBudget(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "campaign_budget"
	const method = "PUT"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	id, err := campaignID(r)
	if err != nil {
		s.observe(endpoint, method, "400", start)
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var body budgetUpdate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.observe(endpoint, method, "400", start)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if body.Budget.IsNegative() {
		s.observe(endpoint, method, "400", start)
		http.Error(w, "budget must not be negative", http.StatusBadRequest)
		return
	}
	c := s.Inventory.GetCampaign(id)
	if c == nil {
		s.observe(endpoint, method, "404", start)
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}

	// the ledger validates against committed spend before anything is stored
	prev, hadPrev := s.Budgets.CampaignBudget(id)
	if err := s.Budgets.SetBudget(id, body.Budget); err != nil {
		if errors.Is(err, budget.ErrBudgetBelowCommitted) {
			s.observe(endpoint, method, "409", start)
			http.Error(w, "budget below committed spend", http.StatusConflict)
			return
		}
		logger.Error("apply campaign budget", zap.Int("campaign_id", id), zap.Error(err))
		s.observe(endpoint, method, "500", start)
		http.Error(w, "failed to apply budget", http.StatusInternalServerError)
		return
	}
	if s.BudgetStore != nil {
		if err := s.BudgetStore.UpdateCampaignBudget(r.Context(), id, body.Budget); err != nil {
			if hadPrev {
				if rerr := s.Budgets.SetBudget(id, prev.Total); rerr != nil {
					logger.Warn("revert campaign budget", zap.Int("campaign_id", id), zap.Error(rerr))
				}
			}
			if errors.Is(err, models.ErrNotFound) {
				s.observe(endpoint, method, "404", start)
				http.Error(w, "campaign not found", http.StatusNotFound)
				return
			}
			logger.Error("persist campaign budget", zap.Int("campaign_id", id), zap.Error(err))
			s.observe(endpoint, method, "500", start)
			http.Error(w, "failed to persist budget", http.StatusInternalServerError)
			return
		}
	}
	updated := *c
	updated.Budget = body.Budget
	if err := s.Inventory.UpsertCampaign(updated); err != nil {
		logger.Warn("update inventory campaign", zap.Int("campaign_id", id), zap.Error(err))
	}

	logger.Info("campaign budget updated",
		zap.Int("campaign_id", id),
		zap.String("budget", body.Budget.String()))
	writeJSON(w, s.campaignView(updated))
	s.observe(endpoint, method, "200", start)
}
