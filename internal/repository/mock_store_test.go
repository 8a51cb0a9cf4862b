package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/groblegark/pulse/internal/model"
	"github.com/groblegark/pulse/internal/store"
)

// mockStore is a minimal in-memory store for repository tests.
type mockStore struct {
	mu     sync.Mutex
	events []*model.TaskEvent
	jobs   []*model.Job
	nextID int64

	insertErr error
}

func newMockStore() *mockStore {
	return &mockStore{}
}

func (m *mockStore) InsertTaskEvents(_ context.Context, events []*model.TaskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.events = append(m.events, events...)
	return nil
}

func matches(e *model.TaskEvent, f model.TaskEventFilter) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.TraceID != "" && e.TraceID != f.TraceID {
		return false
	}
	if f.SpanID != "" && e.SpanID != f.SpanID {
		return false
	}
	if f.EnvironmentID != "" && e.EnvironmentID != f.EnvironmentID {
		return false
	}
	if len(f.SpanIDs) > 0 {
		found := false
		for _, id := range f.SpanIDs {
			if e.SpanID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *mockStore) QueryTaskEvents(_ context.Context, f model.TaskEventFilter) ([]*model.TaskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.TaskEvent
	for _, e := range m.events {
		if matches(e, f) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) TraceSpans(_ context.Context, traceID string) ([]*model.TaskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.TaskEvent
	for _, e := range m.events {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (m *mockStore) TaskEventsBefore(_ context.Context, cutoff time.Time, limit int) ([]*model.TaskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.TaskEvent
	for _, e := range m.events {
		if e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) DeleteTaskEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*model.TaskEvent
	var deleted int64
	for _, e := range m.events {
		if e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return deleted, nil
}

func (m *mockStore) CreateEventRecord(_ context.Context, _ *model.EventRecord) error {
	return nil
}

func (m *mockStore) GetEventRecord(_ context.Context, _ string) (*model.EventRecord, error) {
	return nil, model.ErrMissingEntity
}

func (m *mockStore) FindEventRecord(_ context.Context, _, _ string) (*model.EventRecord, error) {
	return nil, model.ErrMissingEntity
}

func (m *mockStore) UpdateEventRecord(_ context.Context, _ *model.EventRecord) error {
	return nil
}

func (m *mockStore) GetQueueBySlug(_ context.Context, _, _ string) (*model.Queue, error) {
	return nil, model.ErrMissingEntity
}

func (m *mockStore) GetQueueSteps(_ context.Context, _ string) ([]*model.PipelineStep, error) {
	return nil, nil
}

func (m *mockStore) GetDispatcher(_ context.Context, _ string) (*model.EventDispatcher, error) {
	return nil, model.ErrMissingEntity
}

func (m *mockStore) GetDispatcherSteps(_ context.Context, _ string) ([]*model.PipelineStep, error) {
	return nil, nil
}

func (m *mockStore) GetPipelineStep(_ context.Context, _ string) (*model.PipelineStep, error) {
	return nil, model.ErrMissingEntity
}

func (m *mockStore) CreatePipelineRun(_ context.Context, _ *model.PipelineRun) error {
	return nil
}

func (m *mockStore) GetPipelineRun(_ context.Context, _ string) (*model.PipelineRun, error) {
	return nil, model.ErrMissingEntity
}

func (m *mockStore) UpdatePipelineRun(_ context.Context, _ *model.PipelineRun) error {
	return nil
}

func (m *mockStore) UpsertExternalAccount(_ context.Context, acct *model.ExternalAccount) (*model.ExternalAccount, error) {
	return acct, nil
}

func (m *mockStore) EnqueueJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	job.ID = m.nextID
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *mockStore) DueJobs(_ context.Context, now time.Time, limit int) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if j.DoneAt == nil && !j.RunAt.After(now) {
			out = append(out, j)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) MarkJobDone(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, j := range m.jobs {
		if j.ID == id {
			j.DoneAt = &now
		}
	}
	return nil
}

func (m *mockStore) MarkJobFailed(_ context.Context, id int64, errMsg string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			j.Attempts++
			j.LastError = errMsg
			j.RunAt = retryAt
		}
	}
	return nil
}

func (m *mockStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(m)
}

func (m *mockStore) Close() error { return nil }
