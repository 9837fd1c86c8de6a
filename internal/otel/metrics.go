package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the sync server's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	MutationsAccepted metric.Int64Counter
	MutationsDenied   metric.Int64Counter
	RequestsDropped   metric.Int64Counter
	FlushDuration     metric.Float64Histogram
	FlushFailures     metric.Int64Counter
	Broadcasts        metric.Int64Counter
	ActiveSessions    metric.Int64UpDownCounter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("tasksync.request.duration",
		metric.WithDescription("Time spent applying one request on the hub, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MutationsAccepted, err = meter.Int64Counter("tasksync.mutation.accepted",
		metric.WithDescription("Mutations applied to the authoritative store"),
	)
	if err != nil {
		return nil, err
	}

	m.MutationsDenied, err = meter.Int64Counter("tasksync.mutation.denied",
		metric.WithDescription("Mutations refused by the permission evaluator"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestsDropped, err = meter.Int64Counter("tasksync.request.dropped",
		metric.WithDescription("Requests dropped as malformed or naming an unknown target"),
	)
	if err != nil {
		return nil, err
	}

	m.FlushDuration, err = meter.Float64Histogram("tasksync.flush.duration",
		metric.WithDescription("Scope flush duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FlushFailures, err = meter.Int64Counter("tasksync.flush.failures",
		metric.WithDescription("Scope flushes that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.Broadcasts, err = meter.Int64Counter("tasksync.broadcasts",
		metric.WithDescription("Snapshot messages pushed to clients"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("tasksync.sessions.active",
		metric.WithDescription("Number of connected client sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("tasksync.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Accepted counts an applied mutation.
func (m *Metrics) Accepted(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.MutationsAccepted.Add(ctx, 1, metric.WithAttributes(AttrMethod.String(method)))
}

// Denied counts a permission denial.
func (m *Metrics) Denied(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.MutationsDenied.Add(ctx, 1, metric.WithAttributes(AttrMethod.String(method)))
}

// Dropped counts a malformed or unknown-target request.
func (m *Metrics) Dropped(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.RequestsDropped.Add(ctx, 1, metric.WithAttributes(AttrMethod.String(method)))
}

// Flushed records one scope write.
func (m *Metrics) Flushed(ctx context.Context, scope string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrScope.String(scope))
	m.FlushDuration.Record(ctx, d.Seconds(), attrs)
	if failed {
		m.FlushFailures.Add(ctx, 1, attrs)
	}
}

// Broadcast counts snapshot pushes for scope.
func (m *Metrics) Broadcast(ctx context.Context, kind, scope string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Broadcasts.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("tasksync.snapshot.kind", kind),
		AttrScope.String(scope),
	))
}

// SessionDelta adjusts the active session gauge.
func (m *Metrics) SessionDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

// RateLimited counts a frame refused by the per-client limiter.
func (m *Metrics) RateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}

// Request records the handling time of one inbound frame.
func (m *Metrics) Request(ctx context.Context, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrMethod.String(method)))
}
