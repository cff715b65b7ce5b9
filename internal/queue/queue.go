// Package queue is a durable, at-least-once job queue backed by the
// workspace sqlite database. Jobs survive restarts; handlers are retried
// with exponential backoff unless they fail permanently.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"reviewflow/internal/logging"
)

// Handler processes one job payload. Returning an error requeues the job
// until the attempt budget runs out; wrap with Permanent to fail immediately.
type Handler func(ctx context.Context, payload []byte) error

type Options struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	Backoff      time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

type Queue struct {
	db       *sql.DB
	opts     Options
	handlers map[string]Handler
}

func New(db *sql.DB, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{db: db, opts: opts, handlers: map[string]Handler{}}
}

// Register binds a handler to a job type. Call before Run; registration is
// not synchronized.
func (q *Queue) Register(jobType string, h Handler) {
	q.handlers[jobType] = h
}

type enqueueOptions struct {
	dedupeKey string
}

type EnqueueOption func(*enqueueOptions)

// WithDedupeKey makes re-enqueueing the same logical operation a no-op while
// a job with the same key is still queued or running.
func WithDedupeKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.dedupeKey = key }
}

// Enqueue persists a job. The returned id is empty when a dedupe key
// suppressed the insert.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts ...EnqueueOption) (string, error) {
	var eo enqueueOptions
	for _, opt := range opts {
		opt(&eo)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}
	id := uuid.NewString()
	now := q.now()
	var dedupe any
	if eo.dedupeKey != "" {
		dedupe = eo.dedupeKey
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO jobs(id,type,payload_json,dedupe_key,status,attempts,run_at,created_at,updated_at)
		 VALUES (?,?,?,?,'queued',0,?,?,?)`,
		id, jobType, string(data), dedupe, q.opts.Now().UnixMilli(), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		q.opts.Logger.Debug("enqueue deduped", "type", jobType, "dedupe_key", eo.dedupeKey)
		return "", nil
	}
	return id, nil
}

// Run blocks polling and dispatching jobs until ctx is cancelled. Jobs a
// previous process left running are requeued before polling starts; in-flight
// handlers finish before Run returns.
func (q *Queue) Run(ctx context.Context) {
	if _, err := q.Reclaim(ctx); err != nil {
		q.opts.Logger.Error("reclaim running jobs", "err", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}
	wg.Wait()
}

// Reclaim requeues jobs stuck in running after a crash. A stuck row would
// otherwise hold its dedupe key forever and suppress every re-enqueue of the
// same operation. Only call when no other worker process shares the database;
// the per-workspace sqlite file makes that the normal case. Returns the
// number requeued; attempts already spent stay counted.
func (q *Queue) Reclaim(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status='queued', run_at=?, updated_at=? WHERE status='running'`,
		q.opts.Now().UnixMilli(), q.now())
	if err != nil {
		return 0, fmt.Errorf("reclaim running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.opts.Logger.Warn("requeued jobs left running by a previous process", "count", n)
	}
	return n, nil
}

func (q *Queue) worker(ctx context.Context) {
	for {
		worked, err := q.RunOne(ctx)
		if err != nil {
			q.opts.Logger.Error("queue poll failed", "err", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.opts.PollInterval):
		}
	}
}

type claimedJob struct {
	id       string
	jobType  string
	payload  string
	attempts int
}

// RunOne claims and processes at most one due job. Reports whether a job
// was processed.
func (q *Queue) RunOne(ctx context.Context) (bool, error) {
	job, ok, err := q.claim(ctx)
	if err != nil || !ok {
		return false, err
	}

	h, registered := q.handlers[job.jobType]
	if !registered {
		q.finish(ctx, job, fmt.Errorf("no handler for job type %q", job.jobType), true)
		return true, nil
	}
	handlerErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h(ctx, []byte(job.payload))
	}()
	if handlerErr == nil {
		if _, err := q.db.ExecContext(ctx, `UPDATE jobs SET status='done', last_error=NULL, updated_at=? WHERE id=?`, q.now(), job.id); err != nil {
			return true, err
		}
		return true, nil
	}
	exhausted := job.attempts >= q.opts.MaxAttempts || IsPermanent(handlerErr)
	q.finish(ctx, job, handlerErr, exhausted)
	return true, nil
}

// claim flips one due queued job to running inside a transaction so no two
// workers pick up the same row.
func (q *Queue) claim(ctx context.Context) (claimedJob, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return claimedJob{}, false, err
	}
	defer tx.Rollback()

	var job claimedJob
	err = tx.QueryRowContext(ctx,
		`SELECT id,type,payload_json,attempts FROM jobs WHERE status='queued' AND run_at<=? ORDER BY run_at ASC, created_at ASC LIMIT 1`,
		q.opts.Now().UnixMilli()).Scan(&job.id, &job.jobType, &job.payload, &job.attempts)
	if err == sql.ErrNoRows {
		return claimedJob{}, false, nil
	}
	if err != nil {
		return claimedJob{}, false, err
	}
	job.attempts++
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='running', attempts=?, updated_at=? WHERE id=?`, job.attempts, q.now(), job.id); err != nil {
		return claimedJob{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return claimedJob{}, false, err
	}
	return job, true, nil
}

func (q *Queue) finish(ctx context.Context, job claimedJob, handlerErr error, exhausted bool) {
	if exhausted {
		q.opts.Logger.Error("job failed", "type", job.jobType, "id", job.id, "attempts", job.attempts, "err", handlerErr)
		if _, err := q.db.ExecContext(ctx, `UPDATE jobs SET status='failed', last_error=?, updated_at=? WHERE id=?`,
			handlerErr.Error(), q.now(), job.id); err != nil {
			q.opts.Logger.Error("mark job failed", "id", job.id, "err", err)
		}
		return
	}
	delay := q.opts.Backoff << (job.attempts - 1)
	runAt := q.opts.Now().Add(delay).UnixMilli()
	q.opts.Logger.Warn("job retry scheduled", "type", job.jobType, "id", job.id, "attempt", job.attempts, "delay", delay, "err", handlerErr)
	if _, err := q.db.ExecContext(ctx, `UPDATE jobs SET status='queued', run_at=?, last_error=?, updated_at=? WHERE id=?`,
		runAt, handlerErr.Error(), q.now(), job.id); err != nil {
		q.opts.Logger.Error("requeue job", "id", job.id, "err", err)
	}
}

func (q *Queue) now() string {
	return q.opts.Now().UTC().Format(time.RFC3339)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
