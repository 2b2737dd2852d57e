package runtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-umwelt/internal/audio"
	"github.com/loqalabs/loqa-umwelt/internal/capability"
	"github.com/loqalabs/loqa-umwelt/internal/describe"
	"github.com/loqalabs/loqa-umwelt/internal/eventstore"
	"github.com/loqalabs/loqa-umwelt/internal/scheduler"
	"github.com/loqalabs/loqa-umwelt/internal/sequence"
)

// Register mounts the read-only inspection API.
func (a *App) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/units/{name}/sequence", a.handleSequence)
	mux.HandleFunc("GET /v1/playback", a.handlePlayback)
	mux.HandleFunc("GET /v1/selection", a.handleSelection)
	mux.HandleFunc("GET /v1/modalities", a.handleModalities)
	mux.HandleFunc("GET /v1/description", a.handleDescription)
	mux.HandleFunc("GET /v1/timeline", a.handleTimeline)
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
}

type sequenceResponse struct {
	Unit    string           `json:"unit"`
	Active  bool             `json:"active"`
	Indices sequence.Indices `json:"indices"`
	Notes   []sequence.Note  `json:"notes"`
}

func (a *App) handleSequence(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	notes, err := a.session.Notes(name)
	if errors.Is(err, audio.ErrUnknownUnit) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil && notes == nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	indices, _ := a.session.Indices(name)
	writeJSON(w, http.StatusOK, sequenceResponse{
		Unit:    name,
		Active:  a.session.Active() == name,
		Indices: indices,
		Notes:   notes,
	})
}

type playbackResponse struct {
	Active  string                 `json:"active"`
	State   scheduler.State        `json:"state"`
	Playing bool                   `json:"playing"`
	Rate    float64                `json:"rate"`
	Options []audio.PlaybackOption `json:"options"`
}

func (a *App) handlePlayback(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, playbackResponse{
		Active:  a.session.Active(),
		State:   a.session.State(),
		Playing: a.session.Playing(),
		Rate:    a.session.PlaybackRate(),
		Options: a.session.PlaybackOptions(),
	})
}

func (a *App) handleSelection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Current())
}

func (a *App) handleModalities(w http.ResponseWriter, r *http.Request) {
	filter := func(capability.Renderer) bool { return true }
	if m := r.URL.Query().Get("modality"); m != "" {
		filter = capability.WithModality(m)
	}
	healthyOnly := r.URL.Query().Get("healthy") == "true"
	renderers := a.registry.Query(func(rd capability.Renderer) bool {
		return filter(rd) && (!healthyOnly || capability.HealthyOnly(rd))
	})
	if renderers == nil {
		renderers = []capability.Renderer{}
	}
	writeJSON(w, http.StatusOK, renderers)
}

func (a *App) handleDescription(w http.ResponseWriter, r *http.Request) {
	desc, cached, err := a.describe.Describe(r.Context())
	if errors.Is(err, describe.ErrEmptySelection) {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"description": desc, "cached": cached})
}

func (a *App) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	events, err := a.timeline.Events(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": a.timeline.SessionID(), "events": events})
}

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	sessions, err := a.store.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 100, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
