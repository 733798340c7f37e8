// Package hook adapts an in-process operation controller to the trace
// store: it wraps the controller's execution function so every
// dispatched operation is traced from start to settlement, and passes
// lifecycle, event, and invalidation signals through.
package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/fetchlens/fetchlens/internal/trace"
)

// ExecFunc is the operation controller's execution signature: dispatch
// the operation described by the context against the resolved path and
// return the settled response. Controller-level failures may surface as
// a Go error; the recorder folds them into the response as data.
type ExecFunc func(ctx context.Context, rc trace.RequestContext, resolvedPath string) (trace.Response, error)

// Recorder realizes the middleware and lifecycle contracts for Go
// hosts. Construct one per store instance.
type Recorder struct {
	store  *trace.Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store *trace.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		logger: logger.With("component", "hook.Recorder"),
	}
}

// Wrap returns an ExecFunc that starts a trace before dispatching,
// finalizes it when the operation settles, and discards it when the
// response is recognized as synthetic. A controller error becomes
// Response.Error on the finalized trace and is still returned to the
// caller.
func (r *Recorder) Wrap(next ExecFunc) ExecFunc {
	return func(ctx context.Context, rc trace.RequestContext, resolvedPath string) (trace.Response, error) {
		tr := r.store.StartTrace(rc, resolvedPath)

		resp, err := next(ctx, rc, resolvedPath)
		if err != nil && resp.Error == "" {
			resp.Error = err.Error()
		}

		if resp.Synthetic {
			r.store.DiscardTrace(tr.ID)
		} else {
			r.store.EndTrace(tr.ID, resp)
		}
		return resp, err
	}
}

// Step records middleware activity on the in-flight trace for the
// context's query key. Dropped when no such trace exists.
func (r *Recorder) Step(rc trace.RequestContext, ev trace.StepEvent) {
	if tr := r.store.GetCurrentTrace(rc.QueryKey); tr != nil {
		tr.AddStep(ev, time.Now())
	}
}

// Lifecycle forwards a binding-lifecycle boundary to the store.
func (r *Recorder) Lifecycle(phase trace.LifecyclePhase, rc trace.RequestContext, prev *trace.RequestContext) {
	r.store.RecordLifecycle(phase, rc, prev)
}

// Event records a standalone plugin event.
func (r *Recorder) Event(plugin, message string) {
	r.store.AddEvent(trace.StandaloneEvent{Plugin: plugin, Message: message})
}

// Invalidation records a tag-based cache invalidation.
func (r *Recorder) Invalidation(ev trace.InvalidationEvent) {
	r.store.RecordInvalidation(ev)
}
