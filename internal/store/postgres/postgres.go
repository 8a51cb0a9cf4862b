// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/groblegark/pulse/internal/model"
	"github.com/groblegark/pulse/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) InsertTaskEvents(ctx context.Context, events []*model.TaskEvent) error {
	return queryInsertTaskEvents(ctx, s.db, events)
}

func (s *PostgresStore) QueryTaskEvents(ctx context.Context, filter model.TaskEventFilter) ([]*model.TaskEvent, error) {
	return queryTaskEvents(ctx, s.db, filter)
}

func (s *PostgresStore) TraceSpans(ctx context.Context, traceID string) ([]*model.TaskEvent, error) {
	return queryTraceSpans(ctx, s.db, traceID)
}

func (s *PostgresStore) TaskEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.TaskEvent, error) {
	return queryTaskEventsBefore(ctx, s.db, cutoff, limit)
}

func (s *PostgresStore) DeleteTaskEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return queryDeleteTaskEventsBefore(ctx, s.db, cutoff)
}

func (s *PostgresStore) CreateEventRecord(ctx context.Context, rec *model.EventRecord) error {
	return queryCreateEventRecord(ctx, s.db, rec)
}

func (s *PostgresStore) GetEventRecord(ctx context.Context, id string) (*model.EventRecord, error) {
	return queryGetEventRecord(ctx, s.db, id)
}

func (s *PostgresStore) FindEventRecord(ctx context.Context, eventID, environmentID string) (*model.EventRecord, error) {
	return queryFindEventRecord(ctx, s.db, eventID, environmentID)
}

func (s *PostgresStore) UpdateEventRecord(ctx context.Context, rec *model.EventRecord) error {
	return queryUpdateEventRecord(ctx, s.db, rec)
}

func (s *PostgresStore) GetQueueBySlug(ctx context.Context, projectID, slug string) (*model.Queue, error) {
	return queryGetQueueBySlug(ctx, s.db, projectID, slug)
}

func (s *PostgresStore) GetQueueSteps(ctx context.Context, queueID string) ([]*model.PipelineStep, error) {
	return queryGetQueueSteps(ctx, s.db, queueID)
}

func (s *PostgresStore) GetDispatcher(ctx context.Context, id string) (*model.EventDispatcher, error) {
	return queryGetDispatcher(ctx, s.db, id)
}

func (s *PostgresStore) GetDispatcherSteps(ctx context.Context, dispatcherID string) ([]*model.PipelineStep, error) {
	return queryGetDispatcherSteps(ctx, s.db, dispatcherID)
}

func (s *PostgresStore) GetPipelineStep(ctx context.Context, id string) (*model.PipelineStep, error) {
	return queryGetPipelineStep(ctx, s.db, id)
}

func (s *PostgresStore) CreatePipelineRun(ctx context.Context, run *model.PipelineRun) error {
	return queryCreatePipelineRun(ctx, s.db, run)
}

func (s *PostgresStore) GetPipelineRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	return queryGetPipelineRun(ctx, s.db, id)
}

func (s *PostgresStore) UpdatePipelineRun(ctx context.Context, run *model.PipelineRun) error {
	return queryUpdatePipelineRun(ctx, s.db, run)
}

func (s *PostgresStore) UpsertExternalAccount(ctx context.Context, acct *model.ExternalAccount) (*model.ExternalAccount, error) {
	return queryUpsertExternalAccount(ctx, s.db, acct)
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, job *model.Job) error {
	return queryEnqueueJob(ctx, s.db, job)
}

func (s *PostgresStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	return queryDueJobs(ctx, s.db, now, limit)
}

func (s *PostgresStore) MarkJobDone(ctx context.Context, id int64) error {
	return queryMarkJobDone(ctx, s.db, id)
}

func (s *PostgresStore) MarkJobFailed(ctx context.Context, id int64, errMsg string, retryAt time.Time) error {
	return queryMarkJobFailed(ctx, s.db, id, errMsg, retryAt)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) InsertTaskEvents(ctx context.Context, events []*model.TaskEvent) error {
	return queryInsertTaskEvents(ctx, s.tx, events)
}

func (s *txStore) QueryTaskEvents(ctx context.Context, filter model.TaskEventFilter) ([]*model.TaskEvent, error) {
	return queryTaskEvents(ctx, s.tx, filter)
}

func (s *txStore) TraceSpans(ctx context.Context, traceID string) ([]*model.TaskEvent, error) {
	return queryTraceSpans(ctx, s.tx, traceID)
}

func (s *txStore) TaskEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.TaskEvent, error) {
	return queryTaskEventsBefore(ctx, s.tx, cutoff, limit)
}

func (s *txStore) DeleteTaskEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return queryDeleteTaskEventsBefore(ctx, s.tx, cutoff)
}

func (s *txStore) CreateEventRecord(ctx context.Context, rec *model.EventRecord) error {
	return queryCreateEventRecord(ctx, s.tx, rec)
}

func (s *txStore) GetEventRecord(ctx context.Context, id string) (*model.EventRecord, error) {
	return queryGetEventRecord(ctx, s.tx, id)
}

func (s *txStore) FindEventRecord(ctx context.Context, eventID, environmentID string) (*model.EventRecord, error) {
	return queryFindEventRecord(ctx, s.tx, eventID, environmentID)
}

func (s *txStore) UpdateEventRecord(ctx context.Context, rec *model.EventRecord) error {
	return queryUpdateEventRecord(ctx, s.tx, rec)
}

func (s *txStore) GetQueueBySlug(ctx context.Context, projectID, slug string) (*model.Queue, error) {
	return queryGetQueueBySlug(ctx, s.tx, projectID, slug)
}

func (s *txStore) GetQueueSteps(ctx context.Context, queueID string) ([]*model.PipelineStep, error) {
	return queryGetQueueSteps(ctx, s.tx, queueID)
}

func (s *txStore) GetDispatcher(ctx context.Context, id string) (*model.EventDispatcher, error) {
	return queryGetDispatcher(ctx, s.tx, id)
}

func (s *txStore) GetDispatcherSteps(ctx context.Context, dispatcherID string) ([]*model.PipelineStep, error) {
	return queryGetDispatcherSteps(ctx, s.tx, dispatcherID)
}

func (s *txStore) GetPipelineStep(ctx context.Context, id string) (*model.PipelineStep, error) {
	return queryGetPipelineStep(ctx, s.tx, id)
}

func (s *txStore) CreatePipelineRun(ctx context.Context, run *model.PipelineRun) error {
	return queryCreatePipelineRun(ctx, s.tx, run)
}

func (s *txStore) GetPipelineRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	return queryGetPipelineRun(ctx, s.tx, id)
}

func (s *txStore) UpdatePipelineRun(ctx context.Context, run *model.PipelineRun) error {
	return queryUpdatePipelineRun(ctx, s.tx, run)
}

func (s *txStore) UpsertExternalAccount(ctx context.Context, acct *model.ExternalAccount) (*model.ExternalAccount, error) {
	return queryUpsertExternalAccount(ctx, s.tx, acct)
}

func (s *txStore) EnqueueJob(ctx context.Context, job *model.Job) error {
	return queryEnqueueJob(ctx, s.tx, job)
}

func (s *txStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	return queryDueJobs(ctx, s.tx, now, limit)
}

func (s *txStore) MarkJobDone(ctx context.Context, id int64) error {
	return queryMarkJobDone(ctx, s.tx, id)
}

func (s *txStore) MarkJobFailed(ctx context.Context, id int64, errMsg string, retryAt time.Time) error {
	return queryMarkJobFailed(ctx, s.tx, id, errMsg, retryAt)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
