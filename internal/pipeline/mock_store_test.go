package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/groblegark/pulse/internal/model"
	"github.com/groblegark/pulse/internal/store"
)

// mockStore is an in-memory store for pipeline tests.
type mockStore struct {
	mu          sync.Mutex
	records     map[string]*model.EventRecord
	queues      map[string]*model.Queue
	queueSteps  map[string][]*model.PipelineStep
	dispatchers map[string]*model.EventDispatcher
	dispSteps   map[string][]*model.PipelineStep
	steps       map[string]*model.PipelineStep
	runs        map[string]*model.PipelineRun
	accounts    map[string]*model.ExternalAccount
	jobs        []*model.Job
	nextJobID   int64
}

func newMockStore() *mockStore {
	return &mockStore{
		records:     make(map[string]*model.EventRecord),
		queues:      make(map[string]*model.Queue),
		queueSteps:  make(map[string][]*model.PipelineStep),
		dispatchers: make(map[string]*model.EventDispatcher),
		dispSteps:   make(map[string][]*model.PipelineStep),
		steps:       make(map[string]*model.PipelineStep),
		runs:        make(map[string]*model.PipelineRun),
		accounts:    make(map[string]*model.ExternalAccount),
	}
}

func (m *mockStore) addQueue(q *model.Queue, steps ...*model.PipelineStep) {
	m.queues[q.ID] = q
	m.queueSteps[q.ID] = steps
	for _, s := range steps {
		m.steps[s.ID] = s
	}
}

func (m *mockStore) addDispatcher(d *model.EventDispatcher, steps ...*model.PipelineStep) {
	m.dispatchers[d.ID] = d
	m.dispSteps[d.ID] = steps
	for _, s := range steps {
		m.steps[s.ID] = s
	}
}

// pendingJobs returns jobs not yet marked done, in enqueue order.
func (m *mockStore) pendingJobs() []*model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if j.DoneAt == nil {
			out = append(out, j)
		}
	}
	return out
}

func (m *mockStore) InsertTaskEvents(_ context.Context, _ []*model.TaskEvent) error { return nil }

func (m *mockStore) QueryTaskEvents(_ context.Context, _ model.TaskEventFilter) ([]*model.TaskEvent, error) {
	return nil, nil
}

func (m *mockStore) TraceSpans(_ context.Context, _ string) ([]*model.TaskEvent, error) {
	return nil, nil
}

func (m *mockStore) TaskEventsBefore(_ context.Context, _ time.Time, _ int) ([]*model.TaskEvent, error) {
	return nil, nil
}

func (m *mockStore) DeleteTaskEventsBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (m *mockStore) CreateEventRecord(_ context.Context, rec *model.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.EventID == rec.EventID && r.EnvironmentID == rec.EnvironmentID {
			return model.ErrDuplicateKey
		}
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *mockStore) GetEventRecord(_ context.Context, id string) (*model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, model.ErrMissingEntity
	}
	return rec, nil
}

func (m *mockStore) FindEventRecord(_ context.Context, eventID, environmentID string) (*model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.EventID == eventID && r.EnvironmentID == environmentID {
			return r, nil
		}
	}
	return nil, model.ErrMissingEntity
}

func (m *mockStore) UpdateEventRecord(_ context.Context, rec *model.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return model.ErrMissingEntity
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *mockStore) GetQueueBySlug(_ context.Context, projectID, slug string) (*model.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queues {
		if q.ProjectID == projectID && q.Slug == slug {
			return q, nil
		}
	}
	return nil, model.ErrMissingEntity
}

func (m *mockStore) GetQueueSteps(_ context.Context, queueID string) ([]*model.PipelineStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueSteps[queueID], nil
}

func (m *mockStore) GetDispatcher(_ context.Context, id string) (*model.EventDispatcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dispatchers[id]
	if !ok {
		return nil, model.ErrMissingEntity
	}
	return d, nil
}

func (m *mockStore) GetDispatcherSteps(_ context.Context, dispatcherID string) ([]*model.PipelineStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispSteps[dispatcherID], nil
}

func (m *mockStore) GetPipelineStep(_ context.Context, id string) (*model.PipelineStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, model.ErrMissingEntity
	}
	return s, nil
}

func (m *mockStore) CreatePipelineRun(_ context.Context, run *model.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *mockStore) GetPipelineRun(_ context.Context, id string) (*model.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, model.ErrMissingEntity
	}
	return run, nil
}

func (m *mockStore) UpdatePipelineRun(_ context.Context, run *model.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return model.ErrMissingEntity
	}
	m.runs[run.ID] = run
	return nil
}

func (m *mockStore) UpsertExternalAccount(_ context.Context, acct *model.ExternalAccount) (*model.ExternalAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Conflict on (environment, identifier) keeps the stored row, matching
	// the INSERT ... ON CONFLICT in the real store. The caller's ID is kept
	// as given so tests see exactly what was handed in.
	key := acct.EnvironmentID + "/" + acct.Identifier
	if existing, ok := m.accounts[key]; ok {
		return existing, nil
	}
	m.accounts[key] = acct
	return acct, nil
}

func (m *mockStore) EnqueueJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.JobKey != "" {
		for _, j := range m.jobs {
			if j.JobKey == job.JobKey && j.DoneAt == nil {
				return nil // dedup keeps the first pending job
			}
		}
	}
	m.nextJobID++
	job.ID = m.nextJobID
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
