// Package api serves a read-only HTTP view of a running campus simulation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/campus-world/internal/agent"
	"github.com/nidhogg/campus-world/internal/dialogue"
	"github.com/nidhogg/campus-world/internal/events"
	"github.com/nidhogg/campus-world/internal/gateway"
	"github.com/nidhogg/campus-world/internal/knowledge"
	"github.com/nidhogg/campus-world/internal/world"
)

const (
	defaultLimit = 20
	maxLimit     = 200
)

// TranscriptSource lists saved dialogues, newest first. An empty agent means
// all dialogues.
type TranscriptSource interface {
	Transcripts(ctx context.Context, agent string, limit int) ([]*dialogue.Transcript, error)
}

// ScoreSource lists the exam scores persisted for a run.
type ScoreSource interface {
	RunID() string
	Scores(ctx context.Context, runID string) ([]world.ExamScore, error)
}

// RelationSource reads the relationship graph.
type RelationSource interface {
	Relations(ctx context.Context, name string) ([]world.Relation, error)
}

// EventSource reads recent events from the bus and follows new ones.
type EventSource interface {
	Recent(ctx context.Context, kind string, n int64) ([]*events.Event, error)
	Subscribe(ctx context.Context, kind string) <-chan *events.Event
}

// Deps are the parts of the simulation the API reads. Only Sim is required.
type Deps struct {
	Sim         *world.Simulator
	Knowledge   *knowledge.Base
	Transcripts TranscriptSource
	Scores      ScoreSource
	Relations   RelationSource
	Events      EventSource
	Growth      *world.GrowthTracker
	Broadcaster *gateway.Broadcaster
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/world", h.worldStatus)
		r.Get("/map", h.getMap)

		r.Get("/agents", h.listAgents)
		r.Get("/agents/{name}", h.getAgent)
		r.Get("/agents/{name}/memories", h.getAgentMemories)
		r.Get("/agents/{name}/relations", h.getAgentRelations)
		r.Get("/agents/{name}/growth", h.getAgentGrowth)

		r.Get("/scores", h.getScores)
		r.Get("/transcripts", h.listTranscripts)
		r.Get("/growth", h.listGrowth)

		r.Get("/knowledge/topics", h.listTopics)
		r.Get("/knowledge/search", h.searchKnowledge)

		r.Get("/announcements", h.listAnnouncements)
		r.Get("/events/{kind}", h.listEvents)
		r.Get("/events/{kind}/stream", h.streamEvents)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "world": "campus"})
}

func (h *Handler) worldStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"clock":  h.deps.Sim.Clock().Now(),
		"agents": h.deps.Sim.Registry().Len(),
	})
}

func (h *Handler) getMap(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Sim.Map().Locations())
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	all := h.deps.Sim.Registry().All()
	out := make([]agent.Info, 0, len(all))
	for _, a := range all {
		out = append(out, a.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

// lookup writes a 404 and returns nil when the agent does not exist.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) *agent.Agent {
	name := chi.URLParam(r, "name")
	a, err := h.deps.Sim.Registry().Get(name)
	if errors.Is(err, agent.ErrAgentNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	return a
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	if a := h.lookup(w, r); a != nil {
		writeJSON(w, http.StatusOK, a.Info())
	}
}

// getAgentMemories searches with q, or lists the newest memories without it.
func (h *Handler) getAgentMemories(w http.ResponseWriter, r *http.Request) {
	a := h.lookup(w, r)
	if a == nil {
		return
	}
	q := r.URL.Query()
	limit := limitParam(r)
	typ := q.Get("type")
	if query := q.Get("q"); query != "" {
		writeJSON(w, http.StatusOK, a.Memory().Search(query, limit, typ))
		return
	}
	writeJSON(w, http.StatusOK, a.Memory().Recent(limit, typ))
}

func (h *Handler) getAgentRelations(w http.ResponseWriter, r *http.Request) {
	a := h.lookup(w, r)
	if a == nil {
		return
	}
	if h.deps.Relations == nil {
		writeError(w, http.StatusServiceUnavailable, "relationship graph not enabled")
		return
	}
	rels, err := h.deps.Relations.Relations(r.Context(), a.Name())
	if err != nil {
		h.logger.Error("read relations", zap.String("agent", a.Name()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rels)
}

func (h *Handler) getAgentGrowth(w http.ResponseWriter, r *http.Request) {
	a := h.lookup(w, r)
	if a == nil {
		return
	}
	if h.deps.Growth == nil {
		writeError(w, http.StatusServiceUnavailable, "growth tracking not enabled")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Growth.Profile(a.Name()))
}

func (h *Handler) listGrowth(w http.ResponseWriter, r *http.Request) {
	if h.deps.Growth == nil {
		writeError(w, http.StatusServiceUnavailable, "growth tracking not enabled")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Growth.Profiles())
}

// getScores prefers persisted scores and falls back to the simulator's own.
func (h *Handler) getScores(w http.ResponseWriter, r *http.Request) {
	var scores []world.ExamScore
	if src := h.deps.Scores; src != nil {
		var err error
		if scores, err = src.Scores(r.Context(), src.RunID()); err != nil {
			h.logger.Error("read scores", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		for _, s := range h.deps.Sim.Scores() {
			scores = append(scores, s)
		}
		sort.Slice(scores, func(i, j int) bool { return scores[i].RecordedAt.Before(scores[j].RecordedAt) })
	}
	if scores == nil {
		scores = []world.ExamScore{}
	}
	reports := h.deps.Sim.Reports()
	if reports == nil {
		reports = []world.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores, "reports": reports})
}

func (h *Handler) listTranscripts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Transcripts == nil {
		writeError(w, http.StatusServiceUnavailable, "transcript storage not enabled")
		return
	}
	ts, err := h.deps.Transcripts.Transcripts(r.Context(), r.URL.Query().Get("agent"), limitParam(r))
	if err != nil {
		h.logger.Error("read transcripts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ts == nil {
		ts = []*dialogue.Transcript{}
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	if h.deps.Knowledge == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Knowledge.AllTopics())
}

func (h *Handler) searchKnowledge(w http.ResponseWriter, r *http.Request) {
	if h.deps.Knowledge == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge base not loaded")
		return
	}
	q := r.URL.Query()
	items := h.deps.Knowledge.Search(r.Context(), q.Get("q"), q.Get("topic"), limitParam(r))
	if items == nil {
		items = []knowledge.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) listAnnouncements(w http.ResponseWriter, r *http.Request) {
	if h.deps.Broadcaster == nil {
		writeJSON(w, http.StatusOK, []gateway.Record{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Broadcaster.History(limitParam(r)))
}

// eventKind validates the {kind} parameter and that a bus is configured.
func (h *Handler) eventKind(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not enabled")
		return "", false
	}
	kind := chi.URLParam(r, "kind")
	switch kind {
	case events.KindDialogue, events.KindExam, events.KindDay:
		return kind, true
	default:
		writeError(w, http.StatusBadRequest, "unknown event kind")
		return "", false
	}
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.eventKind(w, r)
	if !ok {
		return
	}
	evs, err := h.deps.Events.Recent(r.Context(), kind, int64(limitParam(r)))
	if err != nil {
		h.logger.Error("read events", zap.String("kind", kind), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

// streamEvents forwards new events as server-sent events until the client
// goes away or the subscription closes.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.eventKind(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("event stream not flushable", zap.Error(err))
		return
	}

	for ev := range h.deps.Events.Subscribe(r.Context(), kind) {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("encode event", zap.String("id", ev.ID), zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// limitParam reads ?limit=, defaulting to 20 and capped at 200.
func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
