package repository

import (
	"context"
	"regexp"
	"time"

	"github.com/groblegark/pulse/internal/idgen"
	"github.com/groblegark/pulse/internal/model"
)

// TraceContext is the parent linkage propagated into span synthesis,
// typically parsed from a W3C traceparent header.
type TraceContext struct {
	TraceID string
	SpanID  string
}

var traceparentRe = regexp.MustCompile(`^00-([0-9a-f]{32})-([0-9a-f]{16})-[0-9a-f]{2}$`)

// ParseTraceparent extracts the trace context from a traceparent value.
func ParseTraceparent(s string) (*TraceContext, bool) {
	m := traceparentRe.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	return &TraceContext{TraceID: m[1], SpanID: m[2]}, true
}

// Traceparent renders the context as a traceparent value.
func (tc *TraceContext) Traceparent() string {
	return idgen.Traceparent(tc.TraceID, tc.SpanID)
}

// SpanOptions controls span synthesis. RunID is required.
type SpanOptions struct {
	RunID         string
	EnvironmentID string

	// Context is the propagated parent; nil starts a new trace.
	Context *TraceContext

	// SpanIDSeed derives a deterministic span id from the trace id, keeping
	// the logical span stable across retries.
	SpanIDSeed string

	// Incomplete records the span as a partial row (duration 0) to be
	// superseded later by CompleteEvent.
	Incomplete bool

	// SpanParentAsLink records the incoming parent as a link instead of a
	// parent, minting a fresh trace id.
	SpanParentAsLink bool

	StartTime time.Time // defaults to now

	Properties  map[string]any
	Metadata    map[string]any
	Style       map[string]any
	Payload     any
	PayloadType string
}

// synthesize builds a TaskEvent row from options; it does not persist.
func (r *Repository) synthesize(message string, opts SpanOptions) (*model.TaskEvent, error) {
	if opts.RunID == "" {
		return nil, model.ErrMissingRunID
	}

	var (
		traceID  string
		parentID string
		links    []model.SpanLink
	)
	switch {
	case opts.Context == nil:
		traceID = idgen.TraceID()
	case opts.SpanParentAsLink:
		traceID = idgen.TraceID()
		links = append(links, model.SpanLink{TraceID: opts.Context.TraceID, SpanID: opts.Context.SpanID})
	default:
		traceID = opts.Context.TraceID
		parentID = opts.Context.SpanID
	}

	spanID := idgen.SpanID()
	if opts.SpanIDSeed != "" {
		spanID = idgen.DeterministicSpanID(traceID, opts.SpanIDSeed)
	}

	start := opts.StartTime
	if start.IsZero() {
		start = r.now()
	}

	id, err := idgen.Generate("evt_")
	if err != nil {
		return nil, err
	}
	return &model.TaskEvent{
		ID:            id,
		RunID:         opts.RunID,
		EnvironmentID: opts.EnvironmentID,
		TraceID:       traceID,
		SpanID:        spanID,
		ParentID:      parentID,
		Message:       message,
		Status:        model.SpanStatusOK,
		StartTime:     start.UnixNano(),
		Properties:    opts.Properties,
		Metadata:      opts.Metadata,
		Style:         opts.Style,
		Payload:       opts.Payload,
		PayloadType:   opts.PayloadType,
		Links:         links,
		CreatedAt:     r.now().UTC(),
	}, nil
}

// RecordEvent synthesizes a zero-duration, non-partial span and enqueues it
// for batched persistence.
func (r *Repository) RecordEvent(ctx context.Context, message string, opts SpanOptions) (*model.TaskEvent, error) {
	e, err := r.synthesize(message, opts)
	if err != nil {
		return nil, err
	}
	r.Insert(e)
	return e, nil
}

// Span is the builder handed to TraceEvent callbacks. It accumulates output
// and in-span events for the row persisted when the callback returns.
type Span struct {
	event       *model.TaskEvent
	traceparent string
}

// Traceparent returns the propagation string for child work.
func (s *Span) Traceparent() string { return s.traceparent }

// TraceID returns the span's trace id.
func (s *Span) TraceID() string { return s.event.TraceID }

// SpanID returns the span's id.
func (s *Span) SpanID() string { return s.event.SpanID }

// SetProperty records a property on the span.
func (s *Span) SetProperty(key string, value any) {
	if s.event.Properties == nil {
		s.event.Properties = make(map[string]any)
	}
	s.event.Properties[key] = value
}

// SetOutput records the span's output value and content type.
func (s *Span) SetOutput(output any, outputType string) {
	s.event.Output = output
	s.event.OutputType = outputType
}

// AddEvent appends an in-span event.
func (s *Span) AddEvent(name string, at time.Time, properties map[string]any) {
	s.event.Events = append(s.event.Events, model.SpanEvent{Name: name, Time: at, Properties: properties})
}

// TraceEvent synthesizes a span, runs fn with its builder, measures the
// wall-clock duration on the monotonic clock, and persists the span after fn
// returns. The span persists even when fn fails; the error re-propagates.
// With opts.Incomplete the row is written partial with zero duration.
func (r *Repository) TraceEvent(ctx context.Context, message string, opts SpanOptions, fn func(ctx context.Context, span *Span) error) error {
	e, err := r.synthesize(message, opts)
	if err != nil {
		return err
	}
	span := &Span{event: e, traceparent: idgen.Traceparent(e.TraceID, e.SpanID)}

	started := time.Now() // monotonic
	fnErr := fn(ctx, span)
	if opts.Incomplete {
		e.IsPartial = true
		e.Duration = 0
	} else {
		e.Duration = time.Since(started).Nanoseconds()
	}
	if fnErr != nil {
		e.IsError = true
		e.Status = model.SpanStatusError
	}
	r.Insert(e)
	return fnErr
}

// CompleteOptions carries the completion data for a partial span.
type CompleteOptions struct {
	EndTime    time.Time // defaults to now
	Output     any
	OutputType string
}

// Output content types preserved verbatim on completion; anything else is
// canonicalized to flattened-attribute JSON.
const (
	OutputTypeStore = "application/store"
	OutputTypeText  = "text/plain"
	OutputTypeJSON  = "application/json"
)

func canonicalizeOutput(output any, outputType string) (any, string) {
	if output == nil {
		return nil, outputType
	}
	switch outputType {
	case OutputTypeStore, OutputTypeText:
		return output, outputType
	default:
		return model.FlattenAttributes(output), OutputTypeJSON
	}
}

// CompleteEvent finds the incomplete row(s) for spanID and writes a
// completion row carrying all content forward with the measured duration and
// merged output. Completing an already-completed span is a no-op.
func (r *Repository) CompleteEvent(ctx context.Context, spanID string, opts CompleteOptions) (*model.TaskEvent, error) {
	rows, err := r.QueryIncompleteEvents(ctx, model.TaskEventFilter{SpanID: spanID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	partial := rows[len(rows)-1]

	end := opts.EndTime
	if end.IsZero() {
		end = r.now()
	}
	completion := cloneForCompletion(partial)
	completion.IsPartial = false
	completion.Duration = nonNegative(end.UnixNano() - partial.StartTime)
	completion.Output, completion.OutputType = canonicalizeOutput(opts.Output, opts.OutputType)
	completion.CreatedAt = r.now().UTC()

	id, err := idgen.Generate("evt_")
	if err != nil {
		return nil, err
	}
	completion.ID = id

	if err := r.InsertImmediate(ctx, completion); err != nil {
		return nil, err
	}
	return completion, nil
}

// CancelEvent supersedes a partial row with a non-partial cancelled row,
// prepending a cancellation span-event carrying the reason. Non-partial rows
// are left alone.
func (r *Repository) CancelEvent(ctx context.Context, row *model.TaskEvent, cancelledAt time.Time, reason string) (*model.TaskEvent, error) {
	if !row.IsPartial {
		return nil, nil
	}
	cancellation := cloneForCompletion(row)
	cancellation.IsPartial = false
	cancellation.IsCancelled = true
	cancellation.Duration = nonNegative(cancelledAt.UnixNano() - row.StartTime)
	cancellation.Events = append([]model.SpanEvent{{
		Name:       model.SpanEventCancellation,
		Time:       cancelledAt,
		Properties: map[string]any{"reason": reason},
	}}, row.Events...)
	cancellation.CreatedAt = r.now().UTC()

	id, err := idgen.Generate("evt_")
	if err != nil {
		return nil, err
	}
	cancellation.ID = id

	if err := r.InsertImmediate(ctx, cancellation); err != nil {
		return nil, err
	}
	return cancellation, nil
}

// CrashOptions carries the failure data for CrashEvent.
type CrashOptions struct {
	Event     *model.TaskEvent
	CrashedAt time.Time
	Message   string
	Stack     string
}

// CrashEvent supersedes a partial row with an errored completion row,
// prepending an exception span-event.
func (r *Repository) CrashEvent(ctx context.Context, opts CrashOptions) (*model.TaskEvent, error) {
	row := opts.Event
	if !row.IsPartial {
		return nil, nil
	}
	crash := cloneForCompletion(row)
	crash.IsPartial = false
	crash.IsError = true
	crash.Status = model.SpanStatusError
	crash.Duration = nonNegative(opts.CrashedAt.UnixNano() - row.StartTime)
	crash.Events = append([]model.SpanEvent{{
		Name: model.SpanEventException,
		Time: opts.CrashedAt,
		Properties: map[string]any{
			"exception": map[string]any{
				"message":    opts.Message,
				"stacktrace": opts.Stack,
			},
		},
	}}, row.Events...)
	crash.CreatedAt = r.now().UTC()

	id, err := idgen.Generate("evt_")
	if err != nil {
		return nil, err
	}
	crash.ID = id

	if err := r.InsertImmediate(ctx, crash); err != nil {
		return nil, err
	}
	return crash, nil
}

// cloneForCompletion copies a partial row's content into a fresh row value
// sharing the same (trace_id, span_id).
func cloneForCompletion(row *model.TaskEvent) *model.TaskEvent {
	clone := *row
	clone.Events = append([]model.SpanEvent(nil), row.Events...)
	clone.Links = append([]model.SpanLink(nil), row.Links...)
	return &clone
}

func nonNegative(d int64) int64 {
	if d < 0 {
		return 0
	}
	return d
}
