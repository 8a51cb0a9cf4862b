package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/groblegark/pulse/internal/events"
)

// ErrNoSubscriber is returned by SubscribeToTrace when the repository was
// built without a broker subscriber.
var ErrNoSubscriber = errors.New("repository: no subscriber configured")

// Notification is one live trace update: a span changed state at Stamp.
type Notification struct {
	Stamp time.Time
}

// Subscription is a live feed of span updates for one trace. Drain C until it
// closes or call Unsubscribe when done.
type Subscription struct {
	// C delivers one Notification per span state change.
	C <-chan Notification

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// Unsubscribe detaches from the broker and closes C. Safe to call more than
// once; the gauge is decremented exactly once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// SubscribeToTrace opens a live subscription covering every span of a trace.
// The subscription ends when ctx is cancelled or Unsubscribe is called.
func (r *Repository) SubscribeToTrace(ctx context.Context, traceID string) (*Subscription, error) {
	if r.sub == nil {
		return nil, ErrNoSubscriber
	}
	raw, cancel, err := r.sub.Subscribe(events.TracePattern(traceID))
	if err != nil {
		return nil, err
	}
	r.metrics.SubscriberAdded()

	out := make(chan Notification)
	sub := &Subscription{
		C:    out,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer r.metrics.SubscriberRemoved()
		defer close(out)
		defer func() {
			cancel()
			// Drain until the broker closes the raw channel so its delivery
			// goroutine is never left blocked.
			for range raw {
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.stop:
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				select {
				case out <- Notification{Stamp: parseStamp(msg)}:
				case <-ctx.Done():
					return
				case <-sub.stop:
					return
				}
			}
		}
	}()
	return sub, nil
}

// parseStamp decodes the published RFC 3339 payload, falling back to the
// receive time for payloads from other producers.
func parseStamp(data []byte) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, string(data)); err == nil {
		return t
	}
	return time.Now().UTC()
}
