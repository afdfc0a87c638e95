package api

import (
	"net/http"
	"time"

	"github.com/patrickwarner/openbidder/internal/bidserver"
)

// statusResponse is the body of GET /status.
type statusResponse struct {
	bidserver.Statistics
	Inventory inventoryStatus `json:"inventory"`
}

type inventoryStatus struct {
	Campaigns int `json:"campaigns"`
	Creatives int `json:"creatives"`
}

// StatusHandler returns the aggregated counters of the auction pipeline.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "status"
	const method = "GET"

	out := statusResponse{Statistics: s.Bidder.GetServerStatistics()}
	if s.Inventory != nil {
		out.Inventory.Campaigns = len(s.Inventory.GetAllCampaigns())
		out.Inventory.Creatives = len(s.Inventory.GetAllCreatives())
	}
	writeJSON(w, out)
	s.observe(endpoint, method, "200", start)
}
