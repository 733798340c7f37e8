// Package export converts store contents into persisted records and
// fans them out to configured sinks. The record types are
// field-for-field structural mappings of the store types and carry no
// behavior of their own.
package export

import (
	"encoding/json"
	"time"

	"github.com/fetchlens/fetchlens/internal/trace"
)

// Snapshot is one point-in-time export of a store.
type Snapshot struct {
	CapturedAt    time.Time            `json:"captured_at"`
	Traces        []TraceRecord        `json:"traces"`
	Events        []EventRecord        `json:"events"`
	Invalidations []InvalidationRecord `json:"invalidations"`
}

// TraceRecord is the persisted form of an OperationTrace.
type TraceRecord struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	QueryKey   string          `json:"query_key"`
	Tags       []string        `json:"tags,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Active     bool            `json:"active"`
	Response   json.RawMessage `json:"response,omitempty"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	Steps      []StepRecord    `json:"steps"`
}

// StepRecord is the persisted form of a PluginStepEvent.
type StepRecord struct {
	Plugin    string          `json:"plugin"`
	Stage     string          `json:"stage"`
	Color     string          `json:"color"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
	Diff      json.RawMessage `json:"diff,omitempty"`
	Info      json.RawMessage `json:"info,omitempty"`
}

// EventRecord is the persisted form of a StandaloneEvent.
type EventRecord struct {
	Plugin    string    `json:"plugin"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// InvalidationRecord is the persisted form of an InvalidationEvent.
type InvalidationRecord struct {
	Tags           []string        `json:"tags"`
	Keys           json.RawMessage `json:"keys,omitempty"`
	TotalListeners int             `json:"total_listeners"`
	Timestamp      time.Time       `json:"timestamp"`
}

// FromTrace maps one trace, including its step sequence.
func FromTrace(tr *trace.OperationTrace) TraceRecord {
	rec := TraceRecord{
		ID:         tr.ID,
		Kind:       string(tr.Kind),
		Method:     tr.Method,
		Path:       tr.Path,
		QueryKey:   tr.QueryKey,
		Tags:       tr.Tags,
		StartedAt:  tr.StartedAt,
		EndedAt:    tr.EndedAt,
		DurationMs: tr.Duration.Milliseconds(),
		Active:     tr.Active(),
		Response:   marshalOrNil(tr.Response),
		Meta:       marshalOrNil(tr.Meta),
		Steps:      make([]StepRecord, 0, len(tr.Steps)),
	}
	for _, st := range tr.Steps {
		rec.Steps = append(rec.Steps, StepRecord{
			Plugin:    st.Plugin,
			Stage:     string(st.Stage),
			Color:     string(st.Color),
			Timestamp: st.Timestamp,
			Reason:    st.Reason,
			Diff:      marshalOrNil(st.Diff),
			Info:      marshalOrNil(st.Info),
		})
	}
	return rec
}

// FromEvent maps one standalone event.
func FromEvent(ev trace.StandaloneEvent) EventRecord {
	return EventRecord{Plugin: ev.Plugin, Message: ev.Message, Timestamp: ev.Timestamp}
}

// FromInvalidation maps one invalidation record.
func FromInvalidation(ev trace.InvalidationEvent) InvalidationRecord {
	return InvalidationRecord{
		Tags:           ev.Tags,
		Keys:           marshalOrNil(ev.Keys),
		TotalListeners: ev.TotalListeners,
		Timestamp:      ev.Timestamp,
	}
}

// TakeSnapshot reads the store once and maps everything.
func TakeSnapshot(s *trace.Store) Snapshot {
	snap := Snapshot{CapturedAt: time.Now()}
	for _, tr := range s.GetTraces() {
		snap.Traces = append(snap.Traces, FromTrace(tr))
	}
	for _, ev := range s.GetEvents() {
		snap.Events = append(snap.Events, FromEvent(ev))
	}
	for _, inv := range s.GetInvalidations() {
		snap.Invalidations = append(snap.Invalidations, FromInvalidation(inv))
	}
	return snap
}

// marshalOrNil JSON-encodes v, returning nil for nil values or encode
// failures. Payloads are arbitrary caller data; an unencodable payload
// must not fail the whole export.
func marshalOrNil(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case *trace.Response:
		if t == nil {
			return nil
		}
	case *trace.StepDiff:
		if t == nil {
			return nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
	case []trace.KeyImpact:
		if len(t) == 0 {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
