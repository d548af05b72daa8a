package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/callhive/dialer/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresBatchesRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresBatchesRepository reuses the jobs repository pool so batch reads
// hit the same store the lease writes go to.
func NewPostgresBatchesRepository(jobs *PostgresJobsRepository) *PostgresBatchesRepository {
	return &PostgresBatchesRepository{pool: jobs.pool}
}

func (r *PostgresBatchesRepository) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	var (
		batch     domain.Batch
		status    string
		settings  []byte
		createdAt time.Time
		updatedAt time.Time
	)

	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, status, call_settings, created_at, updated_at
		FROM batches
		WHERE id = $1
	`, batchID).Scan(&batch.ID, &batch.AccountID, &status, &settings, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query batch: %w", err)
	}

	batch.Status = domain.BatchStatus(status)
	batch.CreatedAt = createdAt
	batch.UpdatedAt = updatedAt
	if len(settings) > 0 {
		decoded, err := decodeCallSettings(settings)
		if err != nil {
			return nil, fmt.Errorf("decode call settings for batch %s: %w", batchID, err)
		}
		batch.CallSettings = decoded
	}
	return &batch, nil
}

// callSettingsDoc is the stored JSON shape of batch call settings. It is
// written by the campaign management collaborator.
type callSettingsDoc struct {
	MaxCallDurationSeconds int    `json:"max_call_duration_seconds"`
	RingTimeoutSeconds     int    `json:"ring_timeout_seconds"`
	MaxAttempts            int    `json:"max_attempts"`
	RetryDelaySeconds      int    `json:"retry_delay_seconds"`
	AllowedHours           *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"allowed_hours"`
	DaysOfWeek []int  `json:"days_of_week"`
	Timezone   string `json:"timezone"`
}

func decodeCallSettings(raw []byte) (*domain.CallSettings, error) {
	var doc callSettingsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	settings := &domain.CallSettings{
		MaxCallDuration: time.Duration(doc.MaxCallDurationSeconds) * time.Second,
		RingTimeout:     time.Duration(doc.RingTimeoutSeconds) * time.Second,
		MaxAttempts:     doc.MaxAttempts,
		RetryDelay:      time.Duration(doc.RetryDelaySeconds) * time.Second,
		DaysOfWeek:      doc.DaysOfWeek,
		Timezone:        doc.Timezone,
	}
	if doc.AllowedHours != nil {
		start, err := domain.ParseTimeOfDay(doc.AllowedHours.Start)
		if err != nil {
			return nil, err
		}
		end, err := domain.ParseTimeOfDay(doc.AllowedHours.End)
		if err != nil {
			return nil, err
		}
		settings.AllowedStart = &start
		settings.AllowedEnd = &end
	}
	return settings, nil
}
