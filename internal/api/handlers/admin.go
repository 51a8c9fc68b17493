package handlers

import (
	"log/slog"
	"net/http"

	"github.com/nikhilbhutani/awaaztwin/internal/engine"
	"github.com/nikhilbhutani/awaaztwin/internal/queue"
)

// EngineCatalog is the read-only view of the engine table.
type EngineCatalog interface {
	ListAvailable() []string
	Default() (string, error)
	Identities() []engine.Identity
}

type QueueInspector interface {
	Stats() ([]queue.QueueStats, error)
}

type AdminHandler struct {
	engines EngineCatalog
	queues  QueueInspector
}

func NewAdminHandler(engines EngineCatalog, queues QueueInspector) *AdminHandler {
	return &AdminHandler{engines: engines, queues: queues}
}

func (h *AdminHandler) Engines(w http.ResponseWriter, r *http.Request) {
	def, _ := h.engines.Default()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":   def,
		"available": h.engines.ListAvailable(),
		"engines":   h.engines.Identities(),
	})
}

func (h *AdminHandler) Queues(w http.ResponseWriter, r *http.Request) {
	if h.queues == nil {
		writeError(w, http.StatusServiceUnavailable, "queue inspection is not configured")
		return
	}
	stats, err := h.queues.Stats()
	if err != nil {
		slog.Error("inspect queues", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to inspect queues")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queues": stats})
}
