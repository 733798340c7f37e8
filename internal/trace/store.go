// Package trace holds the in-memory trace, event, and invalidation
// history for one inspector session. The Store mediates all reads and
// writes so multiple consumers observe a consistent view, deduplicates
// bursts of identical operations, and notifies subscribers on every
// mutation.
package trace

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fetchlens/fetchlens/internal/ring"
)

const (
	DefaultHistoryCap      = 50
	DefaultEventCap        = 100
	DefaultInvalidationCap = 100
	DefaultDedupWindow     = 100 * time.Millisecond
)

// Options sizes the store's bounded history collections and the
// deduplication window. Zero fields select the defaults.
type Options struct {
	HistoryCap      int
	EventCap        int
	InvalidationCap int
	DedupWindow     time.Duration
}

func (o Options) withDefaults() Options {
	if o.HistoryCap <= 0 {
		o.HistoryCap = DefaultHistoryCap
	}
	if o.EventCap <= 0 {
		o.EventCap = DefaultEventCap
	}
	if o.InvalidationCap <= 0 {
		o.InvalidationCap = DefaultInvalidationCap
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	return o
}

// Stats holds counts for the status surface.
type Stats struct {
	ActiveTraces    int `json:"active_traces"`
	CompletedTraces int `json:"completed_traces"`
	Events          int `json:"events"`
	Invalidations   int `json:"invalidations"`
	HistoryCap      int `json:"history_cap"`
	EventCap        int `json:"event_cap"`
	InvalidationCap int `json:"invalidation_cap"`
	Subscribers     int `json:"subscribers"`
}

// Store is the single authoritative holder of trace/event/invalidation
// history for one inspector session. Construct one per session and pass
// it by reference to all collaborators; there is no package-level
// instance.
//
// All methods are safe for concurrent use. Read methods return
// snapshot copies built under the lock, so callers may walk steps and
// marshal traces without holding anything; AddStep on a returned handle
// routes back to the canonical entry by id. Subscriber callbacks run
// outside the store lock; they must not synchronously call back into
// mutating store methods — coalesce follow-up mutations through a
// render scheduler tick instead.
type Store struct {
	mu            sync.Mutex
	active        map[string]*OperationTrace
	completed     *ring.Buffer[*OperationTrace]
	events        *ring.Buffer[StandaloneEvent]
	invalidations *ring.Buffer[InvalidationEvent]
	filters       Filters
	dedupWindow   time.Duration

	subMu  sync.Mutex
	subSeq int
	subs   map[int]func()

	logger *slog.Logger
}

// New creates a Store with the given options.
func New(opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Store{
		active:        make(map[string]*OperationTrace),
		completed:     ring.New[*OperationTrace](opts.HistoryCap),
		events:        ring.New[StandaloneEvent](opts.EventCap),
		invalidations: ring.New[InvalidationEvent](opts.InvalidationCap),
		filters:       DefaultFilters(),
		dedupWindow:   opts.DedupWindow,
		subs:          make(map[int]func()),
		logger:        logger.With("component", "trace.Store"),
	}
}

// StartTrace registers a new operation, or returns an existing trace
// when the incoming call is a duplicate of one the store already knows
// about. The data-fetching layer may issue a request that is satisfied
// by an in-flight duplicate or a warm cache hit; without deduplication
// every such call would surface as a visually duplicate entry for what
// the user perceives as one logical request.
//
// Matching order: an active trace with the same query key started
// within the dedup window wins; failing that, a just-completed trace
// with the same query key whose duration rounds to zero milliseconds
// (a synchronous cache-hit replay, not a real round trip). Only when
// neither matches is a fresh trace created and subscribers notified.
func (s *Store) StartTrace(ctx RequestContext, resolvedPath string) *OperationTrace {
	now := time.Now()

	s.mu.Lock()
	for _, tr := range s.active {
		if tr.QueryKey == ctx.QueryKey && now.Sub(tr.StartedAt) <= s.dedupWindow {
			c := tr.clone()
			s.mu.Unlock()
			return c
		}
	}

	// Walk completed history newest to oldest, stopping at the first
	// trace whose start falls outside the window.
	done := s.completed.Items()
	for i := len(done) - 1; i >= 0; i-- {
		tr := done[i]
		if now.Sub(tr.StartedAt) > s.dedupWindow {
			break
		}
		if tr.QueryKey == ctx.QueryKey && tr.Duration.Round(time.Millisecond) == 0 {
			c := tr.clone()
			s.mu.Unlock()
			return c
		}
	}

	tr := &OperationTrace{
		ID:        ulid.Make().String(),
		Kind:      ctx.Kind,
		Method:    ctx.Method,
		Path:      resolvedPath,
		QueryKey:  ctx.QueryKey,
		Tags:      slices.Clone(ctx.Tags),
		Meta:      maps.Clone(ctx.Meta),
		StartedAt: now,
		store:     s,
	}
	s.active[tr.ID] = tr
	c := tr.clone()
	s.mu.Unlock()

	s.logger.Debug("trace started", "trace_id", tr.ID, "query_key", tr.QueryKey, "path", resolvedPath)
	s.notify()
	return c
}

// AddStep appends a PluginStepEvent derived from the raw event and
// notifies subscribers. This is how the panel streams partial progress
// of an in-flight request. When the trace was shared by deduplication,
// steps from both call sites interleave into this one sequence in
// arrival order.
//
// The handle may be a snapshot; the step is appended to the store's
// canonical entry for this id. A trace that has meanwhile been
// discarded or cleared absorbs the step as a no-op.
func (t *OperationTrace) AddStep(ev StepEvent, ts time.Time) {
	if t.store == nil {
		return
	}
	t.store.addStep(t.ID, ev, ts)
}

func (s *Store) addStep(id string, ev StepEvent, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}

	step := PluginStepEvent{
		Plugin:    ev.Plugin,
		Stage:     ev.Stage,
		Color:     stepColor(ev),
		Timestamp: ts,
		Reason:    ev.Reason,
		Info:      ev.Info,
	}
	if ev.Before != nil || ev.After != nil {
		step.Diff = &StepDiff{Before: ev.Before, After: ev.After}
	}

	s.mu.Lock()
	target := s.lookupLocked(id)
	if target == nil {
		s.mu.Unlock()
		return
	}
	target.Steps = append(target.Steps, step)
	s.mu.Unlock()

	s.notify()
}

// lookupLocked resolves an id to the canonical trace object, active
// set first. Callers must hold s.mu.
func (s *Store) lookupLocked(id string) *OperationTrace {
	if tr, ok := s.active[id]; ok {
		return tr
	}
	for _, tr := range s.completed.Items() {
		if tr.ID == id {
			return tr
		}
	}
	return nil
}

// EndTrace finalizes the trace: sets end time, duration, and response,
// moves it from the active set into completed history (evicting the
// oldest completed trace when full), and notifies subscribers. An
// unknown id is a no-op, not an error — the trace may already have
// ended or been discarded.
func (s *Store) EndTrace(id string, resp Response) {
	s.mu.Lock()
	tr, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	tr.EndedAt = &now
	tr.Duration = now.Sub(tr.StartedAt)
	r := resp
	tr.Response = &r
	delete(s.active, id)
	s.completed.Push(tr)
	s.mu.Unlock()

	s.logger.Debug("trace ended", "trace_id", id, "duration", tr.Duration, "error", resp.Error != "")
	s.notify()
}

// DiscardTrace removes the trace from the active set without ever
// placing it into completed history. Used when a response turns out to
// be a synthetic/suppressed result that should not visually appear.
// Idempotent.
func (s *Store) DiscardTrace(id string) {
	s.mu.Lock()
	_, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.mu.Unlock()

	if ok {
		s.logger.Debug("trace discarded", "trace_id", id)
	}
	s.notify()
}

// GetCurrentTrace returns a snapshot of the first active trace
// matching the query key, or nil. Lifecycle recorders use it to attach
// annotations to the in-flight trace for the same logical resource.
func (s *Store) GetCurrentTrace(queryKey string) *OperationTrace {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.active {
		if tr.QueryKey == queryKey {
			return tr.clone()
		}
	}
	return nil
}

// GetTrace looks up a trace by id and returns a snapshot. Returns nil
// when absent; a stale id (e.g. held by a panel after eviction) must
// never crash a consumer.
func (s *Store) GetTrace(id string) *OperationTrace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr := s.lookupLocked(id); tr != nil {
		return tr.clone()
	}
	return nil
}

// GetTraces returns snapshots of completed traces (eviction order,
// oldest first) followed by active traces. Active traces are unordered
// relative to each other but always logically newest.
func (s *Store) GetTraces() []*OperationTrace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracesLocked()
}

func (s *Store) tracesLocked() []*OperationTrace {
	out := make([]*OperationTrace, 0, s.completed.Len()+len(s.active))
	for _, tr := range s.completed.Items() {
		out = append(out, tr.clone())
	}
	for _, tr := range s.active {
		out = append(out, tr.clone())
	}
	return out
}

// GetFilteredTraces applies the kinds allow-list and then, when query
// is non-blank, a case-insensitive substring match against path, query
// key, and method.
func (s *Store) GetFilteredTraces(query string) []*OperationTrace {
	s.mu.Lock()
	all := s.tracesLocked()
	kinds := slices.Clone(s.filters.Kinds)
	s.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]*OperationTrace, 0, len(all))
	for _, tr := range all {
		if len(kinds) > 0 && !slices.Contains(kinds, tr.Kind) {
			continue
		}
		if q != "" && !matchesQuery(tr, q) {
			continue
		}
		out = append(out, tr)
	}
	return out
}

func matchesQuery(tr *OperationTrace, q string) bool {
	return strings.Contains(strings.ToLower(tr.Path), q) ||
		strings.Contains(strings.ToLower(tr.QueryKey), q) ||
		strings.Contains(strings.ToLower(tr.Method), q)
}

// AddEvent appends a standalone event to its bounded buffer and
// notifies subscribers. A zero timestamp is stamped with now.
func (s *Store) AddEvent(ev StandaloneEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.events.Push(ev)
	s.mu.Unlock()
	s.notify()
}

// GetEvents returns standalone events, oldest first.
func (s *Store) GetEvents() []StandaloneEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.Items()
}

// RecordInvalidation appends a tag-invalidation record to its bounded
// buffer and notifies subscribers. A zero timestamp is stamped with
// now.
func (s *Store) RecordInvalidation(ev InvalidationEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.invalidations.Push(ev)
	s.mu.Unlock()
	s.notify()
}

// GetInvalidations returns invalidation records, oldest first.
func (s *Store) GetInvalidations() []InvalidationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidations.Items()
}

// RecordLifecycle appends a synthetic step describing a binding
// lifecycle phase to the active trace for ctx's query key. Lifecycle
// events for resources with no in-flight request are silently dropped:
// the inspector only annotates traces it already knows about. For
// onUpdate, the previous context's query key is embedded in the reason.
func (s *Store) RecordLifecycle(phase LifecyclePhase, ctx RequestContext, prev *RequestContext) {
	s.mu.Lock()
	var target *OperationTrace
	for _, tr := range s.active {
		if tr.QueryKey == ctx.QueryKey {
			target = tr
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return
	}

	reason := string(phase)
	if phase == PhaseUpdate && prev != nil {
		reason = fmt.Sprintf("%s (was %s)", phase, prev.QueryKey)
	}
	target.Steps = append(target.Steps, PluginStepEvent{
		Plugin:    "lifecycle",
		Stage:     StageLog,
		Color:     ColorBlue,
		Timestamp: time.Now(),
		Reason:    reason,
	})
	s.mu.Unlock()

	s.notify()
}

// SetFilters replaces the view state and notifies subscribers.
func (s *Store) SetFilters(f Filters) {
	s.mu.Lock()
	f.Kinds = slices.Clone(f.Kinds)
	s.filters = f
	s.mu.Unlock()
	s.notify()
}

// Filters returns a copy of the current view state.
func (s *Store) Filters() Filters {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.filters
	f.Kinds = slices.Clone(f.Kinds)
	return f
}

// Subscribe registers a callback invoked after every mutating
// operation. The returned function removes exactly that registration
// and is safe to call more than once.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	s.subSeq++
	id := s.subSeq
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Clear empties completed history, the event buffer, the active set,
// and the invalidation log, then notifies once.
func (s *Store) Clear() {
	s.mu.Lock()
	clear(s.active)
	s.completed.Clear()
	s.events.Clear()
	s.invalidations.Clear()
	s.mu.Unlock()

	s.logger.Debug("store cleared")
	s.notify()
}

// Resize changes the capacities of the three history buffers, keeping
// the newest entries of each, and notifies subscribers. Non-positive
// values leave the corresponding buffer unchanged. Used by config
// hot-reload.
func (s *Store) Resize(historyCap, eventCap, invalidationCap int) {
	s.mu.Lock()
	if historyCap > 0 && historyCap != s.completed.Cap() {
		s.completed.Resize(historyCap)
	}
	if eventCap > 0 && eventCap != s.events.Cap() {
		s.events.Resize(eventCap)
	}
	if invalidationCap > 0 && invalidationCap != s.invalidations.Cap() {
		s.invalidations.Resize(invalidationCap)
	}
	s.mu.Unlock()

	s.logger.Info("history buffers resized",
		"history_cap", historyCap,
		"event_cap", eventCap,
		"invalidation_cap", invalidationCap,
	)
	s.notify()
}

// Stats returns current counts and capacities.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ActiveTraces:    len(s.active),
		CompletedTraces: s.completed.Len(),
		Events:          s.events.Len(),
		Invalidations:   s.invalidations.Len(),
		HistoryCap:      s.completed.Cap(),
		EventCap:        s.events.Cap(),
		InvalidationCap: s.invalidations.Cap(),
	}
	s.mu.Unlock()

	s.subMu.Lock()
	st.Subscribers = len(s.subs)
	s.subMu.Unlock()
	return st
}

// notify invokes every subscriber callback. Callbacks run outside both
// locks, so a subscriber reading back from the store cannot deadlock.
func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
