// Package jobstore implements the durable, device-partitioned job queue
// described in §4.A: a single Postgres table, one writer at a time per row,
// attempt-bounded delivery.
//
// Built around an atomic claim via a single SQL statement plus
// retry-wrapped writes, generalized to the original autophone jobs.py
// contract: newest job first, attempts incremented on read, exhausted
// jobs pruned lazily.
package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autophoned/internal/db"
	"autophoned/internal/mailer"
	"autophoned/internal/observability"
)

// Job mirrors the row schema from §6: an opaque, monotonically assigned id
// stable across restarts, backed by a Postgres BIGSERIAL.
type Job struct {
	ID            int64
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	BuildURL      string
	Attempts      int
	DeviceID      string
}

// Store is the Job Store, §4.A. It owns its backing table exclusively; all
// mutation goes through the methods below.
type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
	mailer mailer.Mailer

	maxAttempts   int
	sqlRetryDelay time.Duration
	sqlMaxRetries int

	metrics *observability.Metrics
}

// Option configures a Store at construction time.
type Option func(*Store)

func WithMaxAttempts(n int) Option { return func(s *Store) { s.maxAttempts = n } }
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) { s.sqlRetryDelay = d }
}
func WithMaxRetries(n int) Option { return func(s *Store) { s.sqlMaxRetries = n } }
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New constructs a Store. Defaults match §3's UserConfig literals
// (MAX_ATTEMPTS=3, SQL_RETRY_DELAY=60s, SQL_MAX_RETRIES=10); callers
// typically override from config.Config.
func New(pg *db.PostgresDB, logger *zap.Logger, m mailer.Mailer, opts ...Option) *Store {
	s := &Store{
		db:            pg,
		logger:        logger,
		mailer:        m,
		maxAttempts:   3,
		sqlRetryDelay: 60 * time.Second,
		sqlMaxRetries: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// withRetry retries fn with a fixed delay on every failure. After
// sqlMaxRetries failed attempts it dispatches exactly one notification via
// the Mailer for this call (subsequent failures within the same call do not
// re-notify); it then keeps retrying indefinitely, per §4.A.
func (s *Store) withRetry(ctx context.Context, op, subject string, fn func() error) error {
	attempt := 0
	notified := false
	for {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		s.logger.Warn("jobstore: storage operation failed, retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))

		if attempt == s.sqlMaxRetries+1 && !notified {
			notified = true
			body := fmt.Sprintf("Attempt %d failed for operation %q against the jobs "+
				"database. Please check the logs for full details.\n\n%s", attempt, op, err)
			if sendErr := s.mailer.Send(subject, body); sendErr != nil {
				s.logger.Warn("jobstore: failed to send sql-error notification", zap.Error(sendErr))
			}
		}

		select {
		case <-time.After(s.sqlRetryDelay):
		case <-ctx.Done():
			return fmt.Errorf("jobstore: %s: %w", op, ctx.Err())
		}
	}
}

// Enqueue appends a new job for device_id with attempts=0, §4.A.
func (s *Store) Enqueue(ctx context.Context, buildURL, deviceID string) error {
	err := s.withRetry(ctx, "enqueue", "Unable to insert job into jobs database.", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO jobs (created_at, build_url, attempts, device_id) VALUES ($1, $2, 0, $3)`,
			time.Now(), buildURL, deviceID)
		return err
	})
	if err == nil && s.metrics != nil {
		s.metrics.JobsEnqueuedTotal.Add(ctx, 1)
	}
	return err
}

// PendingCount returns the number of undeleted rows for device_id. Per
// §4.A/§9, a storage error is swallowed and 0 is returned instead of
// failing — callers must treat this as informational only.
func (s *Store) PendingCount(ctx context.Context, deviceID string) int {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE device_id = $1`, deviceID).Scan(&count)
	if err != nil {
		s.logger.Warn("jobstore: pending_count failed, returning 0", zap.Error(err))
		return 0
	}
	return count
}

// TakeNext performs the atomic composite described in §4.A: prune exhausted
// rows, select the newest remaining row for device_id, increment its
// attempts and stamp last_attempt_at, and return it. It returns nil if
// there is no eligible job or if the store could not be reached — it never
// retries, so the worker main loop stays responsive even when the backing
// store is wedged (§4.A, §9 Open Questions).
func (s *Store) TakeNext(ctx context.Context, deviceID string) *Job {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Warn("jobstore: take_next: failed to begin transaction", zap.Error(err))
		return nil
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE device_id = $1 AND attempts >= $2`, deviceID, s.maxAttempts); err != nil {
		s.logger.Warn("jobstore: take_next: prune failed", zap.Error(err))
		return nil
	}

	var job Job
	var lastAttempt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at, last_attempt_at, build_url, attempts FROM jobs
		 WHERE device_id = $1 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`,
		deviceID).Scan(&job.ID, &job.CreatedAt, &lastAttempt, &job.BuildURL, &job.Attempts)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		s.logger.Warn("jobstore: take_next: select failed", zap.Error(err))
		return nil
	}
	job.DeviceID = deviceID

	job.Attempts++
	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET attempts = $1, last_attempt_at = $2 WHERE id = $3`,
		job.Attempts, now, job.ID); err != nil {
		s.logger.Warn("jobstore: take_next: update failed", zap.Error(err))
		return nil
	}
	job.LastAttemptAt = &now

	if err := tx.Commit(); err != nil {
		s.logger.Warn("jobstore: take_next: commit failed", zap.Error(err))
		return nil
	}
	return &job
}

// Complete deletes the job row, §4.A.
func (s *Store) Complete(ctx context.Context, jobID int64) error {
	err := s.withRetry(ctx, "complete", "Unable to delete completed job from jobs database.", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
		return err
	})
	if err == nil && s.metrics != nil {
		s.metrics.JobsCompletedTotal.Add(ctx, 1)
	}
	return err
}

// ClearAll deletes every job row. Idempotent.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.withRetry(ctx, "clear_all", "Unable to clear all jobs in jobs database.", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM jobs`)
		return err
	})
}
