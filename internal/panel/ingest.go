package panel

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fetchlens/fetchlens/internal/trace"
)

// startRequest is the ingest body for a new operation.
type startRequest struct {
	trace.RequestContext
	ResolvedPath string `json:"resolved_path"`
}

// stepRequest is the ingest body for one plugin step. The timestamp is
// optional; a zero value is stamped server-side.
type stepRequest struct {
	trace.StepEvent
	Timestamp time.Time `json:"timestamp"`
}

// lifecycleRequest is the ingest body for a binding lifecycle boundary.
type lifecycleRequest struct {
	Phase   trace.LifecyclePhase  `json:"phase"`
	Context trace.RequestContext  `json:"context"`
	Prev    *trace.RequestContext `json:"prev_context,omitempty"`
}

// handleStartOperation registers (or deduplicates into) a trace and
// returns its id. The producer addresses subsequent steps and the end
// call by this id, so a deduplicated call transparently lands on the
// shared trace.
func (s *Server) handleStartOperation(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid start body: "+err.Error())
		return
	}
	if !req.Kind.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown operation kind: "+string(req.Kind))
		return
	}

	tr := s.store.StartTrace(req.RequestContext, req.ResolvedPath)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"trace_id": tr.ID,
		"active":   tr.Active(),
	})
}

func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid step body: "+err.Error())
		return
	}

	tr := s.store.GetTrace(r.PathValue("id"))
	if tr == nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}

	tr.AddStep(req.StepEvent, req.Timestamp)
	w.WriteHeader(http.StatusAccepted)
}

// handleEndOperation finalizes a trace. An unknown id still returns
// 200: the trace may have been cleared or discarded while the response
// was in flight, and producers should not treat that as a failure.
func (s *Server) handleEndOperation(w http.ResponseWriter, r *http.Request) {
	var resp trace.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid response body: "+err.Error())
		return
	}

	id := r.PathValue("id")
	if resp.Synthetic {
		s.store.DiscardTrace(id)
		writeJSON(w, map[string]string{"status": "discarded"})
		return
	}

	s.store.EndTrace(id, resp)
	writeJSON(w, map[string]string{"status": "ended"})
}

func (s *Server) handleDiscardOperation(w http.ResponseWriter, r *http.Request) {
	s.store.DiscardTrace(r.PathValue("id"))
	writeJSON(w, map[string]string{"status": "discarded"})
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid lifecycle body: "+err.Error())
		return
	}
	if !req.Phase.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown lifecycle phase: "+string(req.Phase))
		return
	}

	s.store.RecordLifecycle(req.Phase, req.Context, req.Prev)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev trace.StandaloneEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event body: "+err.Error())
		return
	}
	if ev.Plugin == "" || ev.Message == "" {
		writeError(w, http.StatusBadRequest, "plugin and message are required")
		return
	}

	s.store.AddEvent(ev)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleIngestInvalidation(w http.ResponseWriter, r *http.Request) {
	var ev trace.InvalidationEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid invalidation body: "+err.Error())
		return
	}
	if len(ev.Tags) == 0 {
		writeError(w, http.StatusBadRequest, "tags are required")
		return
	}

	s.store.RecordInvalidation(ev)
	w.WriteHeader(http.StatusAccepted)
}
