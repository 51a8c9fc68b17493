package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/awaaztwin/internal/models"
	"github.com/nikhilbhutani/awaaztwin/internal/queue"
	"github.com/nikhilbhutani/awaaztwin/internal/storage"
	"github.com/nikhilbhutani/awaaztwin/internal/store"
)

type SynthesisHandler struct {
	records    store.Store
	objects    storage.Storage
	dispatcher Dispatcher
	engines    EngineCatalog
	maxText    int
	presignTTL time.Duration
}

func NewSynthesisHandler(records store.Store, objects storage.Storage, dispatcher Dispatcher, engines EngineCatalog,
	maxText int, presignTTL time.Duration) *SynthesisHandler {
	if presignTTL <= 0 {
		presignTTL = time.Hour
	}
	return &SynthesisHandler{
		records:    records,
		objects:    objects,
		dispatcher: dispatcher,
		engines:    engines,
		maxText:    maxText,
		presignTTL: presignTTL,
	}
}

type synthesizeRequest struct {
	JobID          string         `json:"job_id,omitempty"`
	VoiceProfileID string         `json:"voice_profile_id"`
	Text           string         `json:"text"`
	EngineName     string         `json:"engine_name,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// Submit records a PENDING job and queues it. Resubmitting a job id
// returns the stored job instead of queueing a second render.
func (h *SynthesisHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if n := utf8.RuneCountInString(req.Text); h.maxText > 0 && n > h.maxText {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("text has %d characters, limit is %d", n, h.maxText))
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	} else if strings.ContainsAny(req.JobID, "/\\") || req.JobID == ".." || len(req.JobID) > 128 {
		writeError(w, http.StatusBadRequest, "invalid job_id")
		return
	}
	if req.EngineName != "" && !slices.Contains(h.engines.ListAvailable(), req.EngineName) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown engine %q", req.EngineName))
		return
	}

	profile, err := h.records.GetProfile(r.Context(), req.VoiceProfileID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "voice profile not found")
		return
	}
	if err != nil {
		slog.Error("get voice profile", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load voice profile")
		return
	}
	if profile.Status != models.ProfileStatusReady {
		writeError(w, http.StatusConflict, fmt.Sprintf("voice profile is %s, not READY", profile.Status))
		return
	}

	job, err := h.records.CreateJob(r.Context(), &models.SynthesisJob{
		ID:             req.JobID,
		VoiceProfileID: profile.ID,
		Text:           req.Text,
		EngineName:     req.EngineName,
	})
	if err != nil {
		slog.Error("create synthesis job", "job_id", req.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record job")
		return
	}
	if job.Terminal() {
		writeJSON(w, http.StatusOK, job)
		return
	}

	err = h.dispatcher.EnqueueSynthesis(r.Context(), queue.SynthesisPayload{
		JobID:             job.ID,
		Text:              req.Text,
		VoiceEmbeddingRef: profile.EmbeddingRef,
		EngineName:        req.EngineName,
		Params:            req.Params,
	})
	if err != nil {
		slog.Error("enqueue synthesis", "job_id", job.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue synthesis")
		return
	}

	slog.Info("synthesis queued", "job_id", job.ID, "profile_id", profile.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": job.Status})
}

type jobResponse struct {
	*models.SynthesisJob
	AudioURL string `json:"audio_url,omitempty"`
}

func (h *SynthesisHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.records.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		slog.Error("get synthesis job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	resp := jobResponse{SynthesisJob: job}
	if job.Status == models.JobStatusCompleted && job.OutputLocator != "" {
		url, err := h.objects.Presign(r.Context(), job.OutputLocator, h.presignTTL)
		if err != nil {
			slog.Warn("presign output", "job_id", job.ID, "error", err)
		} else {
			resp.AudioURL = url
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
