package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/callhive/dialer/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, account_id, batch_id, name, external_id, phones, next_phone_index,
	payload, status, worker_id, reserved_until, attempts, max_attempts,
	call_id, call_started_at, call_ended_at, last_error, call_result,
	next_try_at, created_at, updated_at`

// PostgresJobsRepository is the durable lease store. Claim correctness rests
// on a single conditional UPDATE with FOR UPDATE SKIP LOCKED, so concurrent
// workers never observe the same eligible row.
type PostgresJobsRepository struct {
	pool               *pgxpool.Pool
	defaultMaxAttempts int
}

func NewPostgresJobsRepository(
	ctx context.Context,
	databaseURL string,
	defaultMaxAttempts int,
) (*PostgresJobsRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &PostgresJobsRepository{pool: pool, defaultMaxAttempts: defaultMaxAttempts}, nil
}

func (r *PostgresJobsRepository) Close() {
	r.pool.Close()
}

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = r.defaultMaxAttempts
	}
	if job.NextTryAt.IsZero() {
		job.NextTryAt = now
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, account_id, batch_id, name, external_id, phones, next_phone_index,
			payload, status, worker_id, attempts, max_attempts, last_error,
			next_try_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'',$10,$11,'',$12,$13,$14)
	`,
		job.ID,
		job.AccountID,
		job.BatchID,
		job.Name,
		job.ExternalID,
		job.Phones,
		job.NextPhoneIndex,
		payload,
		string(job.Status),
		job.Attempts,
		job.MaxAttempts,
		job.NextTryAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) ListJobs(
	ctx context.Context,
	filter domain.JobListFilter,
) ([]domain.JobListItem, int, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	baseQuery, args := buildJobFilters(filter)

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	listQuery := fmt.Sprintf(
		`SELECT id, batch_id, name, status, attempts, last_error, created_at, updated_at
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		baseQuery,
		len(args)+1,
		len(args)+2,
	)
	listArgs := append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := r.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]domain.JobListItem, 0)
	for rows.Next() {
		var (
			item   domain.JobListItem
			status string
		)
		if err := rows.Scan(
			&item.JobID,
			&item.BatchID,
			&item.Name,
			&status,
			&item.Attempts,
			&item.LastError,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan job item: %w", err)
		}
		item.Status = domain.JobStatus(status)
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, 0, fmt.Errorf("iterate job items: %w", rows.Err())
	}
	return items, total, nil
}

func buildJobFilters(filter domain.JobListFilter) (string, []any) {
	query := strings.Builder{}
	query.WriteString("FROM jobs WHERE 1=1")

	args := make([]any, 0, 2)
	argIndex := 1

	if batchID := strings.TrimSpace(filter.BatchID); batchID != "" {
		query.WriteString(fmt.Sprintf(" AND batch_id = $%d", argIndex))
		args = append(args, batchID)
		argIndex++
	}
	if filter.Status != "" {
		query.WriteString(fmt.Sprintf(" AND status = $%d", argIndex))
		args = append(args, string(filter.Status))
		argIndex++
	}
	return query.String(), args
}

func (r *PostgresJobsRepository) ClaimOne(
	ctx context.Context,
	workerID string,
	leaseFor time.Duration,
) (*domain.Job, error) {
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status = 'in_progress',
			worker_id = $1,
			reserved_until = $2,
			attempts = attempts + 1,
			updated_at = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE (status = 'pending' AND next_try_at <= $3)
			   OR (status = 'in_progress' AND reserved_until < $3)
			ORDER BY next_try_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID,
		now.Add(leaseFor),
		now,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) RenewLease(
	ctx context.Context,
	jobID, workerID string,
	extension time.Duration,
) error {
	now := time.Now().UTC()
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs SET reserved_until = $3, updated_at = $4
		WHERE id = $1 AND status = 'in_progress' AND worker_id = $2
	`, jobID, workerID, now.Add(extension), now)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *PostgresJobsRepository) PersistCallStarted(
	ctx context.Context,
	jobID, callID string,
	startedAt time.Time,
) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs SET
			call_id = $2,
			call_started_at = $3,
			call_ended_at = NULL,
			call_result = NULL,
			updated_at = $4
		WHERE id = $1
	`, jobID, callID, startedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persist call started: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresJobsRepository) PersistCallEnded(
	ctx context.Context,
	jobID string,
	endedAt time.Time,
	result *domain.CallResult,
) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode call result: %w", err)
	}

	command, err := r.pool.Exec(ctx, `
		UPDATE jobs SET call_ended_at = $2, call_result = $3, updated_at = $4
		WHERE id = $1
	`, jobID, endedAt.UTC(), encoded, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persist call ended: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresJobsRepository) SetPhoneIndex(ctx context.Context, jobID, workerID string, index int) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs SET next_phone_index = $3, updated_at = $4
		WHERE id = $1 AND status = 'in_progress' AND worker_id = $2
	`, jobID, workerID, index, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set phone index: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *PostgresJobsRepository) MarkDone(ctx context.Context, jobID string, result *domain.CallResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode call result: %w", err)
	}

	now := time.Now().UTC()
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'done',
			call_result = $2,
			call_ended_at = COALESCE(call_ended_at, $3),
			last_error = '',
			worker_id = '',
			reserved_until = NULL,
			updated_at = $3
		WHERE id = $1 AND status NOT IN ('done','failed')
	`, jobID, encoded, now)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if command.RowsAffected() == 0 {
		return r.missingOrTerminal(ctx, jobID)
	}
	return nil
}

func (r *PostgresJobsRepository) MarkFailed(
	ctx context.Context,
	jobID, reason string,
	terminal bool,
	retryDelay time.Duration,
) error {
	now := time.Now().UTC()
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs SET
			status = CASE
				WHEN $2::bool OR attempts >= max_attempts THEN 'failed'
				ELSE 'pending'
			END,
			last_error = CASE
				WHEN $2::bool THEN $3
				WHEN attempts >= max_attempts THEN 'attempts_exhausted'
				ELSE $3
			END,
			next_try_at = CASE
				WHEN $2::bool OR attempts >= max_attempts THEN next_try_at
				ELSE $4
			END,
			next_phone_index = CASE
				WHEN $2::bool OR attempts >= max_attempts THEN next_phone_index
				ELSE 0
			END,
			worker_id = '',
			reserved_until = NULL,
			updated_at = $5
		WHERE id = $1 AND status NOT IN ('done','failed')
	`, jobID, terminal, reason, now.Add(retryDelay), now)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if command.RowsAffected() == 0 {
		return r.missingOrTerminal(ctx, jobID)
	}
	return nil
}

func (r *PostgresJobsRepository) Reschedule(ctx context.Context, jobID string, notBefore time.Time) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'pending',
			next_try_at = $2,
			attempts = GREATEST(attempts - 1, 0),
			worker_id = '',
			reserved_until = NULL,
			updated_at = $3
		WHERE id = $1 AND status NOT IN ('done','failed')
	`, jobID, notBefore.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if command.RowsAffected() == 0 {
		return r.missingOrTerminal(ctx, jobID)
	}
	return nil
}

func (r *PostgresJobsRepository) missingOrTerminal(ctx context.Context, jobID string) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("query job status: %w", err)
	}
	if domain.JobStatus(status).Terminal() {
		return ErrTerminal
	}
	return ErrNotFound
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job           domain.Job
		status        string
		payload       []byte
		callResult    []byte
		reservedUntil *time.Time
		callStartedAt *time.Time
		callEndedAt   *time.Time
		nextTryAt     *time.Time
	)

	err := row.Scan(
		&job.ID,
		&job.AccountID,
		&job.BatchID,
		&job.Name,
		&job.ExternalID,
		&job.Phones,
		&job.NextPhoneIndex,
		&payload,
		&status,
		&job.WorkerID,
		&reservedUntil,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CallID,
		&callStartedAt,
		&callEndedAt,
		&job.LastError,
		&callResult,
		&nextTryAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(callResult) > 0 {
		var result domain.CallResult
		if err := json.Unmarshal(callResult, &result); err != nil {
			return nil, fmt.Errorf("decode call result: %w", err)
		}
		job.CallResult = &result
	}
	if reservedUntil != nil {
		job.ReservedUntil = *reservedUntil
	}
	job.CallStartedAt = callStartedAt
	job.CallEndedAt = callEndedAt
	if nextTryAt != nil {
		job.NextTryAt = *nextTryAt
	}
	return &job, nil
}
