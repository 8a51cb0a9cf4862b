// Package events carries live span notifications over the broker. Every
// persisted batch publishes one message per distinct (traceID, spanID) pair;
// subscribers watch a whole trace with a wildcard pattern.
package events

import "context"

// SubjectPrefix is the root of all span-notification subjects.
const SubjectPrefix = "events"

// SpanSubject returns the subject a single span's state changes are
// published on.
func SpanSubject(traceID, spanID string) string {
	return SubjectPrefix + "." + traceID + "." + spanID
}

// TracePattern returns the wildcard subject matching every span of a trace.
func TracePattern(traceID string) string {
	return SubjectPrefix + "." + traceID + ".*"
}

// Publisher is the interface for emitting span notifications.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}
