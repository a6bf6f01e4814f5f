package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kfujino/retrieverd/internal/adapter"
	"github.com/kfujino/retrieverd/internal/retrieval"
)

// Dispatcher fans one query out to every permitted adapter concurrently
// and collects whatever arrives before the pipeline deadline. Adapters
// share nothing but the read-only query; each gets its own timeout child
// context, so a slow backend is cancelled rather than left running.
type Dispatcher struct {
	perAdapterTimeout time.Duration
	logger            *slog.Logger
}

// NewDispatcher returns a dispatcher with the given per-adapter timeout.
func NewDispatcher(perAdapterTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if perAdapterTimeout <= 0 {
		perAdapterTimeout = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		perAdapterTimeout: perAdapterTimeout,
		logger:            logger,
	}
}

// arrival is one adapter's outcome delivered to the collector.
type arrival struct {
	desc       adapter.Descriptor
	candidates []retrieval.Candidate
	err        error
	latency    time.Duration
	at         time.Time
}

// Dispatch runs every adapter concurrently and returns the concatenation
// of all candidate lists that arrived in time, preserving each adapter's
// own ranked order. An adapter error or timeout removes only that
// adapter's contribution; it never aborts the query. When ctx expires the
// collector stops waiting and in-flight calls are cancelled best-effort.
// A positive timeout overrides the dispatcher's default per-adapter
// timeout for this query.
func (d *Dispatcher) Dispatch(ctx context.Context, query *retrieval.Query, adapters []adapter.Adapter, timeout time.Duration) ([]retrieval.Candidate, []retrieval.AdapterReport) {
	if len(adapters) == 0 {
		return nil, nil
	}
	if timeout <= 0 {
		timeout = d.perAdapterTimeout
	}

	// Buffered so stragglers finishing after the deadline never block.
	arrivals := make(chan arrival, len(adapters))

	for _, a := range adapters {
		go func(a adapter.Adapter) {
			actx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			candidates, err := a.Fetch(actx, query)
			arrivals <- arrival{
				desc:       a.Describe(),
				candidates: candidates,
				err:        err,
				latency:    time.Since(start),
				at:         time.Now(),
			}
		}(a)
	}

	var (
		collected []retrieval.Candidate
		reports   []retrieval.AdapterReport
	)

	for received := 0; received < len(adapters); received++ {
		select {
		case arr := <-arrivals:
			report := retrieval.AdapterReport{
				Adapter:    arr.desc.Name,
				Source:     arr.desc.Source,
				Candidates: len(arr.candidates),
				Latency:    arr.latency,
			}
			if arr.err != nil {
				report.TimedOut = errors.Is(arr.err, context.DeadlineExceeded)
				report.Err = arr.err.Error()
				d.logger.Warn("adapter failed",
					"adapter", arr.desc.Name,
					"timed_out", report.TimedOut,
					"latency", arr.latency,
					"error", arr.err,
				)
				// Partial results delivered alongside a timeout still count.
				if len(arr.candidates) == 0 {
					reports = append(reports, report)
					continue
				}
			}

			for i := range arr.candidates {
				c := &arr.candidates[i]
				c.ArrivedAt = arr.at
				c.Trace(retrieval.StageAdapter, arr.desc.Name)
			}
			collected = append(collected, arr.candidates...)
			reports = append(reports, report)

		case <-ctx.Done():
			// Pipeline deadline expired: proceed with what we have. The
			// per-adapter contexts descend from ctx, so stragglers are
			// already being cancelled; we just stop waiting for them.
			d.logger.Info("pipeline deadline expired during dispatch",
				"received", received,
				"total", len(adapters),
			)
			return collected, reports
		}
	}

	return collected, reports
}
