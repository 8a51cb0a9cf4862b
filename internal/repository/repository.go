// Package repository is the trace/event repository: it ingests span rows,
// persists them durably, reconstructs traces on query, and fans out live
// updates to subscribers.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/groblegark/pulse/internal/batcher"
	"github.com/groblegark/pulse/internal/events"
	"github.com/groblegark/pulse/internal/idgen"
	"github.com/groblegark/pulse/internal/metrics"
	"github.com/groblegark/pulse/internal/model"
	"github.com/groblegark/pulse/internal/store"
	"github.com/groblegark/pulse/internal/trace"
)

// Archiver exports span rows before the retention sweep deletes them.
type Archiver interface {
	Archive(ctx context.Context, spans []*model.TaskEvent) error
}

// Config tunes the repository.
type Config struct {
	BatchSize     int           // EVENTS_BATCH_SIZE
	FlushInterval time.Duration // EVENTS_BATCH_INTERVAL
	RetentionDays int           // EVENTS_DEFAULT_LOG_RETENTION
}

// Repository is the public surface over span storage and the notification
// broker. Construct one at process start; Close flushes the outstanding
// batch and releases broker connections.
type Repository struct {
	store    store.Store
	pub      events.Publisher
	sub      events.Subscriber
	logger   *slog.Logger
	batch    *batcher.Batcher[*model.TaskEvent]
	metrics  *metrics.Recorder
	archiver Archiver

	retention time.Duration
	now       func() time.Time
}

// New builds a Repository. sub may be nil when live subscriptions are not
// needed (SubscribeToTrace will then fail); archiver may be nil to truncate
// without exporting.
func New(s store.Store, pub events.Publisher, sub events.Subscriber, archiver Archiver, cfg Config, logger *slog.Logger) *Repository {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	r := &Repository{
		store:     s,
		pub:       pub,
		sub:       sub,
		logger:    logger,
		metrics:   metrics.Default(),
		archiver:  archiver,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
	r.batch = batcher.New(cfg.BatchSize, cfg.FlushInterval, r.persistBatch, logger)
	return r
}

// Close flushes the outstanding batch. The store and broker connections are
// owned by the caller and closed separately.
func (r *Repository) Close(ctx context.Context) {
	r.batch.Close(ctx)
}

// Insert enqueues one span row for batched persistence.
func (r *Repository) Insert(e *model.TaskEvent) {
	r.batch.Add(e)
}

// InsertMany enqueues several span rows for batched persistence, preserving
// their order.
func (r *Repository) InsertMany(es []*model.TaskEvent) {
	r.batch.Add(es...)
}

// InsertImmediate bypasses the batcher: the row is written synchronously and
// its notification published before returning. Storage and broker failures
// propagate to the caller.
func (r *Repository) InsertImmediate(ctx context.Context, e *model.TaskEvent) error {
	return r.InsertManyImmediate(ctx, []*model.TaskEvent{e})
}

// InsertManyImmediate is InsertImmediate for a batch.
func (r *Repository) InsertManyImmediate(ctx context.Context, es []*model.TaskEvent) error {
	return r.persistBatch(ctx, es)
}

// persistBatch is the single write path: suppress superseded partial rows,
// write, then publish one notification per distinct (traceID, spanID).
func (r *Repository) persistBatch(ctx context.Context, batch []*model.TaskEvent) error {
	rows := suppressSupersededPartials(batch)
	if len(rows) == 0 {
		return nil
	}
	if err := r.store.InsertTaskEvents(ctx, rows); err != nil {
		return fmt.Errorf("insert task events: %w", err)
	}
	r.metrics.SpansPersisted(ctx, len(rows))

	stamp := []byte(r.now().UTC().Format(time.RFC3339Nano))
	seen := make(map[string]struct{}, len(rows))
	for _, e := range rows {
		key := e.TraceID + "\x00" + e.SpanID
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if err := r.pub.Publish(ctx, events.SpanSubject(e.TraceID, e.SpanID), stamp); err != nil {
			return fmt.Errorf("publish span notification: %w", err)
		}
		r.metrics.NotificationPublished(ctx)
	}
	return nil
}

// suppressSupersededPartials drops a partial row when the same batch carries
// a non-partial row for the same span id.
func suppressSupersededPartials(batch []*model.TaskEvent) []*model.TaskEvent {
	completed := make(map[string]bool, len(batch))
	for _, e := range batch {
		if !e.IsPartial {
			completed[e.SpanID] = true
		}
	}
	out := batch[:0:0]
	for _, e := range batch {
		if e.IsPartial && completed[e.SpanID] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// QueryEvents is a pass-through filtered read.
func (r *Repository) QueryEvents(ctx context.Context, where model.TaskEventFilter) ([]*model.TaskEvent, error) {
	return r.store.QueryTaskEvents(ctx, where)
}

// QueryIncompleteEvents returns rows that are partial, not cancelled, and
// not superseded by a completed row for the same span id within the result.
func (r *Repository) QueryIncompleteEvents(ctx context.Context, where model.TaskEventFilter) ([]*model.TaskEvent, error) {
	rows, err := r.store.QueryTaskEvents(ctx, where)
	if err != nil {
		return nil, err
	}
	completed := make(map[string]bool, len(rows))
	for _, e := range rows {
		if !e.IsPartial {
			completed[e.SpanID] = true
		}
	}
	var out []*model.TaskEvent
	for _, e := range rows {
		if e.IsPartial && !e.IsCancelled && !completed[e.SpanID] {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetTraceSummary reconstructs the span tree for a trace. A trace with no
// root yields a nil summary.
func (r *Repository) GetTraceSummary(ctx context.Context, traceID string) (*trace.Summary, error) {
	rows, err := r.store.TraceSpans(ctx, traceID)
	if err != nil {
		return nil, err
	}
	return trace.Build(rows), nil
}

// SpanDetail is the hydrated single-span view: only visible properties,
// stack traces rewritten project-relative, and link targets resolved.
type SpanDetail struct {
	Event       *model.TaskEvent
	Properties  map[string]any
	LinkTargets []*model.TaskEvent
}

// GetSpan hydrates one span of a trace.
func (r *Repository) GetSpan(ctx context.Context, spanID, traceID string) (*SpanDetail, error) {
	rows, err := r.store.QueryTaskEvents(ctx, model.TaskEventFilter{TraceID: traceID, SpanID: spanID})
	if err != nil {
		return nil, err
	}
	// Prefer a completed or cancelled row over a partial one; among equals
	// the last-written row wins.
	superseding := func(e *model.TaskEvent) bool { return !e.IsPartial || e.IsCancelled }
	var chosen *model.TaskEvent
	for _, e := range rows {
		if chosen == nil || superseding(e) || !superseding(chosen) {
			chosen = e
		}
	}
	if chosen == nil {
		return nil, model.ErrMissingEntity
	}

	detail := &SpanDetail{
		Event:      chosen,
		Properties: visibleProperties(chosen),
	}
	if len(chosen.Links) > 0 {
		ids := make([]string, 0, len(chosen.Links))
		for _, l := range chosen.Links {
			ids = append(ids, l.SpanID)
		}
		targets, err := r.store.QueryTaskEvents(ctx, model.TaskEventFilter{SpanIDs: ids})
		if err != nil {
			return nil, err
		}
		detail.LinkTargets = targets
	}
	return detail, nil
}

// visibleProperties flattens the span's properties, hides platform-internal
// keys, and rewrites stack traces against the recorded project directory.
func visibleProperties(e *model.TaskEvent) map[string]any {
	flat := model.FlattenAttributes(e.Properties)
	projectDir, _ := flat[model.ProjectDirAttribute].(string)
	if projectDir == "" {
		if md := model.FlattenAttributes(e.Metadata); md != nil {
			projectDir, _ = md[model.ProjectDirAttribute].(string)
		}
	}
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if strings.HasPrefix(k, model.PrivateAttributePrefix) {
			continue
		}
		if projectDir != "" {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(k), "stacktrace") {
				out[k] = rewriteStackTrace(s, projectDir)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// rewriteStackTrace makes absolute file paths in a stack trace relative to
// the project directory.
func rewriteStackTrace(stack, projectDir string) string {
	projectDir = strings.TrimSuffix(projectDir, "/")
	return strings.ReplaceAll(stack, projectDir+"/", "")
}

// TruncateEvents deletes span rows older than the configured retention,
// exporting them through the archiver first when one is configured. Safe to
// run concurrently with writes.
func (r *Repository) TruncateEvents(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.retention)
	if r.archiver != nil {
		// Export page by page, deleting each archived page so a failed sweep
		// never drops unarchived rows.
		const page = 500
		var total int64
		for {
			rows, err := r.store.TaskEventsBefore(ctx, cutoff, page)
			if err != nil {
				return total, fmt.Errorf("load expiring events: %w", err)
			}
			if len(rows) == 0 {
				break
			}
			if err := r.archiver.Archive(ctx, rows); err != nil {
				return total, fmt.Errorf("archive expiring events: %w", err)
			}
			pageEnd := rows[len(rows)-1].CreatedAt.Add(time.Nanosecond)
			deleted, err := r.store.DeleteTaskEventsBefore(ctx, pageEnd)
			if err != nil {
				return total, fmt.Errorf("truncate events: %w", err)
			}
			total += deleted
		}
		if total > 0 {
			r.logger.Info("truncated task events", "deleted", total, "cutoff", cutoff)
		}
		return total, nil
	}
	deleted, err := r.store.DeleteTaskEventsBefore(ctx, cutoff)
	if err != nil {
		return deleted, fmt.Errorf("truncate events: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("truncated task events", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// GenerateTraceID returns a new 32-character lowercase hex trace id.
func (r *Repository) GenerateTraceID() string { return idgen.TraceID() }

// GenerateSpanID returns a new 16-character lowercase hex span id.
func (r *Repository) GenerateSpanID() string { return idgen.SpanID() }
