// Package metrics exposes repository instrumentation through OpenTelemetry.
// Without a configured meter provider the instruments are no-ops.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Recorder holds the repository's instruments. The live-subscriber gauge
// observes an atomic counter owned by the repository.
type Recorder struct {
	subscribers    atomic.Int64
	spansPersisted metric.Int64Counter
	published      metric.Int64Counter
}

var (
	defaultRecorder *Recorder
	defaultOnce     sync.Once
)

// Default returns the process-wide Recorder, creating it on first use.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = newRecorder()
	})
	return defaultRecorder
}

func newRecorder() *Recorder {
	r := &Recorder{}
	meter := otel.Meter("pulse")

	// Instrument creation only fails on invalid names; fall back to nil
	// instruments (guarded at call sites) rather than failing startup.
	r.spansPersisted, _ = meter.Int64Counter("pulse.spans.persisted",
		metric.WithDescription("Number of span rows written to storage"),
	)
	r.published, _ = meter.Int64Counter("pulse.notifications.published",
		metric.WithDescription("Number of span notifications published to the broker"),
	)
	_, _ = meter.Int64ObservableGauge("pulse.trace.subscriptions",
		metric.WithDescription("Number of live trace subscriptions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.subscribers.Load())
			return nil
		}),
	)
	return r
}

// SubscriberAdded increments the live subscription count.
func (r *Recorder) SubscriberAdded() { r.subscribers.Add(1) }

// SubscriberRemoved decrements the live subscription count.
func (r *Recorder) SubscriberRemoved() { r.subscribers.Add(-1) }

// Subscribers returns the current live subscription count.
func (r *Recorder) Subscribers() int64 { return r.subscribers.Load() }

// SpansPersisted records n span rows written.
func (r *Recorder) SpansPersisted(ctx context.Context, n int) {
	if r.spansPersisted != nil {
		r.spansPersisted.Add(ctx, int64(n))
	}
}

// NotificationPublished records one broker publish.
func (r *Recorder) NotificationPublished(ctx context.Context) {
	if r.published != nil {
		r.published.Add(ctx, 1)
	}
}
