package hook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fetchlens/fetchlens/internal/trace"
)

func testContext(key string) trace.RequestContext {
	return trace.RequestContext{Kind: trace.KindRead, Method: "GET", QueryKey: key}
}

func TestWrap_RecordsStartAndEnd(t *testing.T) {
	store := trace.New(trace.Options{}, nil)
	rec := NewRecorder(store, nil)

	exec := rec.Wrap(func(ctx context.Context, rc trace.RequestContext, path string) (trace.Response, error) {
		time.Sleep(2 * time.Millisecond)
		return trace.Response{Data: "ok", Status: 200}, nil
	})

	resp, err := exec(context.Background(), testContext("users/1"), "/users/1")
	if err != nil {
		t.Fatalf("exec error: %v", err)
	}
	if resp.Data != "ok" {
		t.Errorf("response = %+v", resp)
	}

	traces := store.GetTraces()
	if len(traces) != 1 {
		t.Fatalf("trace count = %d, want 1", len(traces))
	}
	tr := traces[0]
	if tr.Active() {
		t.Error("trace still active after settlement")
	}
	if tr.Response == nil || tr.Response.Status != 200 {
		t.Errorf("trace response = %+v", tr.Response)
	}
}

func TestWrap_ControllerErrorBecomesResponseData(t *testing.T) {
	store := trace.New(trace.Options{}, nil)
	rec := NewRecorder(store, nil)

	wantErr := errors.New("connection refused")
	exec := rec.Wrap(func(ctx context.Context, rc trace.RequestContext, path string) (trace.Response, error) {
		return trace.Response{Status: 502}, wantErr
	})

	_, err := exec(context.Background(), testContext("users/1"), "/users/1")
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}

	tr := store.GetTraces()[0]
	if tr.Response.Error != "connection refused" {
		t.Errorf("trace error = %q, want controller error text", tr.Response.Error)
	}
}

func TestWrap_SyntheticResponseIsDiscarded(t *testing.T) {
	store := trace.New(trace.Options{}, nil)
	rec := NewRecorder(store, nil)

	exec := rec.Wrap(func(ctx context.Context, rc trace.RequestContext, path string) (trace.Response, error) {
		return trace.Response{Synthetic: true}, nil
	})

	if _, err := exec(context.Background(), testContext("users/1"), "/users/1"); err != nil {
		t.Fatalf("exec error: %v", err)
	}

	if got := len(store.GetTraces()); got != 0 {
		t.Fatalf("synthetic operation left %d traces, want 0", got)
	}
}

func TestStep_AttachesToInFlightTrace(t *testing.T) {
	store := trace.New(trace.Options{}, nil)
	rec := NewRecorder(store, nil)

	tr := store.StartTrace(testContext("users/1"), "/users/1")
	rec.Step(testContext("users/1"), trace.StepEvent{Plugin: "retry", Stage: trace.StageLog, Reason: "attempt 2"})

	// No in-flight trace for this key: dropped.
	rec.Step(testContext("ghost"), trace.StepEvent{Plugin: "retry", Stage: trace.StageLog})

	got := store.GetTrace(tr.ID)
	if len(got.Steps) != 1 || got.Steps[0].Reason != "attempt 2" {
		t.Errorf("steps = %+v", got.Steps)
	}
}

func TestPassthroughs(t *testing.T) {
	store := trace.New(trace.Options{}, nil)
	rec := NewRecorder(store, nil)

	tr := store.StartTrace(testContext("users/1"), "/users/1")
	rec.Lifecycle(trace.PhaseMount, testContext("users/1"), nil)
	rec.Event("logger", "outside any request")
	rec.Invalidation(trace.InvalidationEvent{Tags: []string{"users"}, TotalListeners: 1})

	if got := store.GetTrace(tr.ID); len(got.Steps) != 1 {
		t.Errorf("lifecycle step count = %d, want 1", len(got.Steps))
	}
	if got := store.GetEvents(); len(got) != 1 {
		t.Errorf("event count = %d, want 1", len(got))
	}
	if got := store.GetInvalidations(); len(got) != 1 {
		t.Errorf("invalidation count = %d, want 1", len(got))
	}
}
