package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/awaaztwin/internal/models"
	"github.com/nikhilbhutani/awaaztwin/internal/queue"
	"github.com/nikhilbhutani/awaaztwin/internal/store"
)

// Dispatcher puts work on the queues.
type Dispatcher interface {
	EnqueueVoicePrep(ctx context.Context, p queue.VoicePrepPayload) error
	EnqueueSynthesis(ctx context.Context, p queue.SynthesisPayload) error
}

type VoiceHandler struct {
	records    store.Store
	dispatcher Dispatcher
	engines    EngineCatalog
	maxSamples int
}

func NewVoiceHandler(records store.Store, dispatcher Dispatcher, engines EngineCatalog, maxSamples int) *VoiceHandler {
	return &VoiceHandler{records: records, dispatcher: dispatcher, engines: engines, maxSamples: maxSamples}
}

type createVoiceRequest struct {
	Name string `json:"name"`
}

func (h *VoiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createVoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	p := &models.VoiceProfile{ID: uuid.NewString(), Name: req.Name}
	if err := h.records.CreateProfile(r.Context(), p); err != nil {
		slog.Error("create voice profile", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create voice profile")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *VoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.records.GetProfile(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "voice profile not found")
		return
	}
	if err != nil {
		slog.Error("get voice profile", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load voice profile")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type prepareRequest struct {
	SampleURIs []string `json:"sample_uris"`
	EngineName string   `json:"engine_name,omitempty"`
}

// Prepare dispatches a preparation for an existing profile. Every call
// mints a new dispatch id and claims the profile with it before enqueueing,
// so at most one dispatch is in flight and older deliveries are ignored.
func (h *VoiceHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req prepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.SampleURIs) == 0 {
		writeError(w, http.StatusBadRequest, "sample_uris must not be empty")
		return
	}
	if h.maxSamples > 0 && len(req.SampleURIs) > h.maxSamples {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d samples are accepted", h.maxSamples))
		return
	}
	for i, u := range req.SampleURIs {
		if strings.TrimSpace(u) == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("sample_uris[%d] is empty", i))
			return
		}
	}
	if req.EngineName != "" && !slices.Contains(h.engines.ListAvailable(), req.EngineName) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown engine %q", req.EngineName))
		return
	}

	payload := queue.VoicePrepPayload{
		ProfileID:  id,
		DispatchID: uuid.NewString(),
		SampleURIs: req.SampleURIs,
		EngineName: req.EngineName,
	}
	err := h.records.BeginDispatch(r.Context(), id, payload.DispatchID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "voice profile not found")
		return
	case errors.Is(err, store.ErrDispatchInFlight):
		writeError(w, http.StatusConflict, "voice profile is already being prepared")
		return
	case err != nil:
		slog.Error("begin voice dispatch", "profile_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start voice preparation")
		return
	}

	if err := h.dispatcher.EnqueueVoicePrep(r.Context(), payload); err != nil {
		slog.Error("enqueue voice prep", "profile_id", id, "dispatch_id", payload.DispatchID, "error", err)
		// Nothing will ever settle this dispatch, so close it here.
		if ferr := h.records.UpdateProfileStatus(r.Context(), id, models.ProfileStatusFailed, store.ProfileUpdate{
			DispatchID: payload.DispatchID,
			Error:      "dispatch failed: " + err.Error(),
		}); ferr != nil {
			slog.Error("mark undispatched profile failed", "profile_id", id, "error", ferr)
		}
		writeError(w, http.StatusServiceUnavailable, "failed to queue voice preparation")
		return
	}

	slog.Info("voice preparation queued", "profile_id", id, "dispatch_id", payload.DispatchID, "samples", len(req.SampleURIs))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"profile_id":  id,
		"dispatch_id": payload.DispatchID,
		"status":      "queued",
	})
}
