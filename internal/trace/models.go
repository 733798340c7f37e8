package trace

import (
	"maps"
	"slices"
	"time"
)

// OperationKind categorizes what an operation does to its cache slot.
type OperationKind string

const (
	KindRead          OperationKind = "read"
	KindWrite         OperationKind = "write"
	KindPaginatedRead OperationKind = "paginated-read"
)

// IsValid reports whether k is a known operation kind.
func (k OperationKind) IsValid() bool {
	switch k {
	case KindRead, KindWrite, KindPaginatedRead:
		return true
	}
	return false
}

// StepStage identifies what a plugin was doing when it recorded a step.
type StepStage string

const (
	StageReturn StepStage = "return"
	StageLog    StepStage = "log"
	StageSkip   StepStage = "skip"
)

// IsValid reports whether s is a known step stage.
func (s StepStage) IsValid() bool {
	switch s {
	case StageReturn, StageLog, StageSkip:
		return true
	}
	return false
}

// StepColor selects the rendering treatment for a step in the panel.
type StepColor string

const (
	ColorGreen StepColor = "green"
	ColorBlue  StepColor = "blue"
	ColorGray  StepColor = "gray"
	ColorRed   StepColor = "red"
)

// LifecyclePhase identifies a binding-lifecycle boundary reported by a
// framework adapter.
type LifecyclePhase string

const (
	PhaseMount   LifecyclePhase = "onMount"
	PhaseUpdate  LifecyclePhase = "onUpdate"
	PhaseUnmount LifecyclePhase = "onUnmount"
)

// IsValid reports whether p is a known lifecycle phase.
func (p LifecyclePhase) IsValid() bool {
	switch p {
	case PhaseMount, PhaseUpdate, PhaseUnmount:
		return true
	}
	return false
}

// RequestContext carries the caller-supplied fields of an operation.
// It is the input to StartTrace and RecordLifecycle.
type RequestContext struct {
	Kind     OperationKind  `json:"kind"`
	Method   string         `json:"method"`
	QueryKey string         `json:"query_key"`
	Tags     []string       `json:"tags,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// StepEvent is the raw middleware input to AddStep. The recorded
// PluginStepEvent (stage, color, diff) is derived from it.
type StepEvent struct {
	Plugin string         `json:"plugin"`
	Stage  StepStage      `json:"stage"`
	Reason string         `json:"reason,omitempty"`
	Before any            `json:"before,omitempty"`
	After  any            `json:"after,omitempty"`
	Info   map[string]any `json:"info,omitempty"`
	Failed bool           `json:"failed,omitempty"`
}

// StepDiff is a before/after snapshot pair attached to a step.
type StepDiff struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// PluginStepEvent is one recorded instant within a trace. Steps are
// append-only; insertion order reconstructs the causal timeline.
type PluginStepEvent struct {
	Plugin    string         `json:"plugin"`
	Stage     StepStage      `json:"stage"`
	Color     StepColor      `json:"color"`
	Timestamp time.Time      `json:"timestamp"`
	Reason    string         `json:"reason,omitempty"`
	Diff      *StepDiff      `json:"diff,omitempty"`
	Info      map[string]any `json:"info,omitempty"`
}

// Response is the settled outcome of an operation. A failed HTTP
// response is ordinary data here, never a Go error. Synthetic marks a
// result recognized post-hoc as suppressed (e.g. a debounced no-op);
// recorders discard such traces instead of ending them.
type Response struct {
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    int    `json:"status,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

// OperationTrace is the recorded lifecycle of one logical operation,
// from start to completion or discard. Created by StartTrace, extended
// by AddStep while active, finalized exactly once by EndTrace or
// DiscardTrace, and never mutated after finalization.
type OperationTrace struct {
	ID        string            `json:"id"`
	Kind      OperationKind     `json:"kind"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	QueryKey  string            `json:"query_key"`
	Tags      []string          `json:"tags,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Steps     []PluginStepEvent `json:"steps"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Response  *Response         `json:"response,omitempty"`
	Meta      map[string]any    `json:"meta,omitempty"`

	store *Store
}

// Active reports whether the trace has not yet been finalized.
func (t *OperationTrace) Active() bool {
	return t.EndedAt == nil
}

// clone returns a snapshot safe to read, marshal, and mutate without
// holding the store lock. The store pointer is carried over so AddStep
// on a snapshot still reaches the canonical entry. Callers must hold
// the owning store's mutex.
func (t *OperationTrace) clone() *OperationTrace {
	c := *t
	c.Tags = slices.Clone(t.Tags)
	c.Steps = slices.Clone(t.Steps)
	c.Meta = maps.Clone(t.Meta)
	if t.EndedAt != nil {
		ended := *t.EndedAt
		c.EndedAt = &ended
	}
	if t.Response != nil {
		resp := *t.Response
		c.Response = &resp
	}
	return &c
}

// StandaloneEvent is an event not tied to any single trace, e.g. a
// plugin emitting a log line outside a request.
type StandaloneEvent struct {
	Plugin    string    `json:"plugin"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// KeyImpact names one cache key affected by an invalidation and how
// many subscribers it had at the time.
type KeyImpact struct {
	QueryKey    string `json:"query_key"`
	Subscribers int    `json:"subscribers"`
}

// InvalidationEvent records one tag-based cache invalidation.
type InvalidationEvent struct {
	Tags           []string    `json:"tags"`
	Keys           []KeyImpact `json:"keys,omitempty"`
	TotalListeners int         `json:"total_listeners"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Filters is the mutable view state consulted when querying traces.
// An empty Kinds allow-list means "show all", not "show none".
type Filters struct {
	Kinds           []OperationKind `json:"kinds"`
	ShowSkipped     bool            `json:"show_skipped"`
	ShowOnlyChanged bool            `json:"show_only_changed"`
}

// DefaultFilters returns the view state a fresh inspector session
// starts with.
func DefaultFilters() Filters {
	return Filters{ShowSkipped: true}
}

// stepColor derives the rendering treatment for a raw event. Failure
// wins over stage; an unknown stage renders as a log line.
func stepColor(ev StepEvent) StepColor {
	if ev.Failed {
		return ColorRed
	}
	switch ev.Stage {
	case StageReturn:
		return ColorGreen
	case StageSkip:
		return ColorGray
	case StageLog:
		return ColorBlue
	}
	return ColorBlue
}
