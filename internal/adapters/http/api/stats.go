package api

import (
	"net/http"
	"time"
)

// StatsProvider reports a snapshot of marketplace counters.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// StatsHandler serves GET /stats.
type StatsHandler struct {
	provider StatsProvider
}

// NewStatsHandler creates a stats handler over provider.
func NewStatsHandler(provider StatsProvider) *StatsHandler {
	return &StatsHandler{provider: provider}
}

// HandleStats writes the provider's snapshot stamped with the time it was taken.
func (h *StatsHandler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	stats := h.provider.GetStats()
	stats["generatedAt"] = time.Now().UTC()
	writeJSON(w, http.StatusOK, stats)
}
