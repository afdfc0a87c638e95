package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/middleware"
)

// ReloadHandler reloads campaigns and creatives from Postgres and asks the
// other instances to do the same.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "reload"
	const method = "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	if s.Reloader == nil {
		s.observe(endpoint, method, "503", start)
		http.Error(w, "reload unavailable", http.StatusServiceUnavailable)
		return
	}

	res, err := s.Reloader.Load(r.Context())
	if err != nil {
		logger.Error("reload failed", zap.Error(err))
		s.observe(endpoint, method, "500", start)
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}
	if s.Broadcaster != nil {
		if err := s.Broadcaster.PublishReload(r.Context()); err != nil {
			logger.Warn("broadcast reload", zap.Error(err))
		}
	}

	s.observe(endpoint, method, "200", start)
	writeJSON(w, res)
}
