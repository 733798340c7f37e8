package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fetchlens/fetchlens/internal/trace"
)

// Sink is one export destination.
type Sink interface {
	Export(ctx context.Context, snap Snapshot) error
	Close() error
}

// Exporter reads the store once per Export call and fans the snapshot
// out to every configured sink. Sink failures are joined so one broken
// destination does not hide the others.
type Exporter struct {
	store  *trace.Store
	sinks  []Sink
	logger *slog.Logger
}

// NewExporter creates an Exporter over the given sinks. An Exporter
// with no sinks is valid and exports nothing.
func NewExporter(store *trace.Store, sinks []Sink, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		store:  store,
		sinks:  sinks,
		logger: logger.With("component", "export.Exporter"),
	}
}

// SinkCount returns the number of configured sinks.
func (e *Exporter) SinkCount() int {
	return len(e.sinks)
}

// Export snapshots the store and writes to all sinks.
func (e *Exporter) Export(ctx context.Context) (Snapshot, error) {
	snap := TakeSnapshot(e.store)

	var errs []error
	for _, sink := range e.sinks {
		if err := sink.Export(ctx, snap); err != nil {
			e.logger.Error("export sink failed", "sink", fmt.Sprintf("%T", sink), "error", err)
			errs = append(errs, err)
		}
	}

	e.logger.Info("export complete",
		"traces", len(snap.Traces),
		"events", len(snap.Events),
		"invalidations", len(snap.Invalidations),
		"sinks", len(e.sinks),
		"failed", len(errs),
	)
	return snap, errors.Join(errs...)
}

// Close closes every sink, joining errors.
func (e *Exporter) Close() error {
	var errs []error
	for _, sink := range e.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
