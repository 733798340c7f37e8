package filter

import (
	"testing"
	"time"

	"github.com/fetchlens/fetchlens/internal/trace"
)

func mustEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return e
}

func sampleTrace() *trace.OperationTrace {
	ended := time.Now()
	return &trace.OperationTrace{
		ID:        "01SAMPLE",
		Kind:      trace.KindRead,
		Method:    "GET",
		Path:      "/api/users/1",
		QueryKey:  "users/1",
		Tags:      []string{"users", "profile"},
		StartedAt: ended.Add(-250 * time.Millisecond),
		EndedAt:   &ended,
		Duration:  250 * time.Millisecond,
		Steps: []trace.PluginStepEvent{
			{Plugin: "cache", Stage: trace.StageLog},
			{Plugin: "fetch", Stage: trace.StageReturn},
		},
	}
}

func TestCompile_RejectsBadSyntax(t *testing.T) {
	e := mustEngine(t)

	if _, err := e.Compile("trace.kind ==="); err == nil {
		t.Fatal("expected compile error for invalid syntax")
	}
}

func TestCompile_RejectsNonBool(t *testing.T) {
	e := mustEngine(t)

	if _, err := e.Compile("trace.method"); err == nil {
		t.Fatal("expected compile error for non-bool expression")
	}
}

func TestMatch(t *testing.T) {
	e := mustEngine(t)
	tr := sampleTrace()

	tests := []struct {
		expr string
		want bool
	}{
		{`trace.kind == "read"`, true},
		{`trace.kind == "write"`, false},
		{`trace.duration_ms > 100.0`, true},
		{`trace.duration_ms > 500.0`, false},
		{`"users" in trace.tags`, true},
		{`"orders" in trace.tags`, false},
		{`trace.step_count >= 2 && !trace.active`, true},
		{`trace.path.startsWith("/api/")`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := e.Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q) error: %v", tt.expr, err)
			}
			got, err := c.Match(tr)
			if err != nil {
				t.Fatalf("Match() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatch_NilTags(t *testing.T) {
	e := mustEngine(t)
	tr := sampleTrace()
	tr.Tags = nil

	c, err := e.Compile(`"users" in trace.tags`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	got, err := c.Match(tr)
	if err != nil {
		t.Fatalf("Match() error on nil tags: %v", err)
	}
	if got {
		t.Error("Match() = true with nil tags")
	}
}

func TestApply(t *testing.T) {
	e := mustEngine(t)

	slow := sampleTrace()
	fast := sampleTrace()
	fast.ID = "01FAST"
	fast.Duration = 2 * time.Millisecond

	c, err := e.Compile("trace.duration_ms > 100.0")
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	got := c.Apply([]*trace.OperationTrace{slow, fast})
	if len(got) != 1 || got[0].ID != slow.ID {
		t.Errorf("Apply() = %v, want only the slow trace", got)
	}
}
