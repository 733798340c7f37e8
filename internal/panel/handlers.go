package panel

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fetchlens/fetchlens/internal/trace"
)

// snapshotPayload is what the WebSocket feed broadcasts on every
// render tick.
type snapshotPayload struct {
	Traces        []traceView               `json:"traces"`
	Events        []trace.StandaloneEvent   `json:"events"`
	Invalidations []trace.InvalidationEvent `json:"invalidations"`
	Filters       trace.Filters             `json:"filters"`
	Stats         trace.Stats               `json:"stats"`
}

// traceView is an OperationTrace with the step list narrowed by the
// current view filters.
type traceView struct {
	*trace.OperationTrace
	Steps  []trace.PluginStepEvent `json:"steps"`
	Active bool                    `json:"active"`
}

func (s *Server) snapshot() snapshotPayload {
	filters := s.store.Filters()
	traces := s.store.GetFilteredTraces("")

	views := make([]traceView, 0, len(traces))
	for _, tr := range traces {
		views = append(views, traceView{
			OperationTrace: tr,
			Steps:          visibleSteps(tr.Steps, filters),
			Active:         tr.Active(),
		})
	}

	return snapshotPayload{
		Traces:        views,
		Events:        s.store.GetEvents(),
		Invalidations: s.store.GetInvalidations(),
		Filters:       filters,
		Stats:         s.store.Stats(),
	}
}

// visibleSteps narrows a step list by the view filters: skipped steps
// are hidden when show_skipped is off, and show_only_changed keeps
// just the steps carrying a before/after diff.
func visibleSteps(steps []trace.PluginStepEvent, f trace.Filters) []trace.PluginStepEvent {
	out := make([]trace.PluginStepEvent, 0, len(steps))
	for _, st := range steps {
		if !f.ShowSkipped && st.Stage == trace.StageSkip {
			continue
		}
		if f.ShowOnlyChanged && st.Diff == nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

// --- Traces ---

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	traces := s.store.GetFilteredTraces(r.URL.Query().Get("q"))

	if kind := r.URL.Query().Get("kind"); kind != "" {
		k := trace.OperationKind(kind)
		if !k.IsValid() {
			writeError(w, http.StatusBadRequest, "unknown operation kind: "+kind)
			return
		}
		kept := traces[:0]
		for _, tr := range traces {
			if tr.Kind == k {
				kept = append(kept, tr)
			}
		}
		traces = kept
	}

	if expr := r.URL.Query().Get("expr"); expr != "" {
		compiled, err := s.filters.Compile(expr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		traces = compiled.Apply(traces)
	}

	writeJSON(w, map[string]interface{}{
		"traces": traces,
		"total":  len(traces),
	})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	tr := s.store.GetTrace(r.PathValue("id"))
	if tr == nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, tr)
}

// --- Events / invalidations ---

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events := s.store.GetEvents()
	if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	writeJSON(w, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

func (s *Server) handleListInvalidations(w http.ResponseWriter, r *http.Request) {
	invalidations := s.store.GetInvalidations()
	if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(invalidations) {
		invalidations = invalidations[len(invalidations)-limit:]
	}
	writeJSON(w, map[string]interface{}{
		"invalidations": invalidations,
		"total":         len(invalidations),
	})
}

// --- Filters ---

func (s *Server) handleGetFilters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Filters())
}

func (s *Server) handleSetFilters(w http.ResponseWriter, r *http.Request) {
	var f trace.Filters
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter body: "+err.Error())
		return
	}
	for _, k := range f.Kinds {
		if !k.IsValid() {
			writeError(w, http.StatusBadRequest, "unknown operation kind: "+string(k))
			return
		}
	}

	s.store.SetFilters(f)
	s.renderNow()
	writeJSON(w, s.store.Filters())
}

// --- Session control ---

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.store.Clear()
	s.renderNow()
	writeJSON(w, map[string]string{"status": "cleared"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil || s.exporter.SinkCount() == 0 {
		writeError(w, http.StatusBadRequest, "no export sinks configured")
		return
	}

	snap, err := s.exporter.Export(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{
		"status":        "exported",
		"sinks":         s.exporter.SinkCount(),
		"traces":        len(snap.Traces),
		"events":        len(snap.Events),
		"invalidations": len(snap.Invalidations),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sinks := 0
	if s.exporter != nil {
		sinks = s.exporter.SinkCount()
	}
	writeJSON(w, map[string]interface{}{
		"status":            "ok",
		"version":           Version,
		"uptime_seconds":    int(time.Since(s.startedAt).Seconds()),
		"stats":             s.store.Stats(),
		"websocket_clients": s.hub.ClientCount(),
		"export_sinks":      sinks,
	})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
