/**
 * PostgreSQL Client for the image translation worker
 *
 * Persists overlay job status so callers can poll results after the queue
 * entry is gone.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Job statuses
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusHalted     = "halted"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	ItemID           string
	Source           string
	Status           string
	TargetLanguage   string
	OCREngine        string
	RegionCount      int
	BoxCount         int
	Degraded         bool
	Skipped          string
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	// Events lists the status event types seen during this run
	Events   []string
	Metadata map[string]interface{}
}

// JobRecord is a stored job row
type JobRecord struct {
	JobID            string
	ItemID           string
	Source           string
	Status           string
	TargetLanguage   string
	OCREngine        string
	RegionCount      int
	BoxCount         int
	Degraded         bool
	Skipped          string
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Events           []string
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS image_translate;
	CREATE TABLE IF NOT EXISTS image_translate.overlay_jobs (
		id                 UUID PRIMARY KEY,
		item_id            TEXT NOT NULL DEFAULT '',
		source             TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL,
		target_language    TEXT,
		ocr_engine         TEXT,
		region_count       INTEGER NOT NULL DEFAULT 0,
		box_count          INTEGER NOT NULL DEFAULT 0,
		degraded           BOOLEAN NOT NULL DEFAULT FALSE,
		skipped            TEXT,
		processing_time_ms BIGINT,
		error_code         TEXT,
		error_message      TEXT,
		event_types        TEXT[] NOT NULL DEFAULT '{}',
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS overlay_jobs_status_idx ON image_translate.overlay_jobs (status);
`

const upsertJobQuery = `
	INSERT INTO image_translate.overlay_jobs (
		id, item_id, source, status, target_language, ocr_engine,
		region_count, box_count, degraded, skipped, processing_time_ms,
		error_code, error_message, event_types, metadata,
		created_at, updated_at
	) VALUES (
		$1::uuid, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''),
		$7, $8, $9, NULLIF($10, ''), NULLIF($11, 0),
		NULLIF($12, ''), NULLIF($13, ''), $14, COALESCE($15::jsonb, '{}'::jsonb),
		NOW(), NOW()
	)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		item_id = COALESCE(NULLIF(EXCLUDED.item_id, ''), image_translate.overlay_jobs.item_id),
		source = COALESCE(NULLIF(EXCLUDED.source, ''), image_translate.overlay_jobs.source),
		target_language = COALESCE(EXCLUDED.target_language, image_translate.overlay_jobs.target_language),
		ocr_engine = COALESCE(EXCLUDED.ocr_engine, image_translate.overlay_jobs.ocr_engine),
		region_count = GREATEST(EXCLUDED.region_count, image_translate.overlay_jobs.region_count),
		box_count = GREATEST(EXCLUDED.box_count, image_translate.overlay_jobs.box_count),
		degraded = EXCLUDED.degraded,
		skipped = EXCLUDED.skipped,
		processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, image_translate.overlay_jobs.processing_time_ms),
		error_code = EXCLUDED.error_code,
		error_message = EXCLUDED.error_message,
		event_types = image_translate.overlay_jobs.event_types || EXCLUDED.event_types,
		metadata = image_translate.overlay_jobs.metadata || EXCLUDED.metadata,
		updated_at = NOW()
	RETURNING id
`

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the jobs table when missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// validateUpdate checks required fields before touching the database
func validateUpdate(update *JobUpdate) error {
	if update == nil {
		return fmt.Errorf("update is required")
	}
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if _, err := uuid.Parse(update.JobID); err != nil {
		return fmt.Errorf("job ID %q is not a UUID: %w", update.JobID, err)
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// UpdateJobStatus upserts the job row. Event types accumulate across updates.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if err := validateUpdate(update); err != nil {
		return err
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if update.Metadata == nil {
		metadataJSON = nil
	}
	eventTypes := update.Events
	if eventTypes == nil {
		eventTypes = []string{}
	}

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		upsertJobQuery,
		update.JobID,            // $1
		update.ItemID,           // $2
		update.Source,           // $3
		update.Status,           // $4
		update.TargetLanguage,   // $5
		update.OCREngine,        // $6
		update.RegionCount,      // $7
		update.BoxCount,         // $8
		update.Degraded,         // $9
		update.Skipped,          // $10
		update.ProcessingTimeMs, // $11
		update.ErrorCode,        // $12
		update.ErrorMessage,     // $13
		pq.Array(eventTypes),    // $14
		metadataJSON,            // $15
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}
	return nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("job ID %q is not a UUID: %w", jobID, err)
	}

	query := `
		SELECT
			id, item_id, source, status, target_language, ocr_engine,
			region_count, box_count, degraded, skipped, processing_time_ms,
			error_code, error_message, event_types, metadata,
			created_at, updated_at
		FROM image_translate.overlay_jobs
		WHERE id = $1::uuid
	`

	var (
		rec                                JobRecord
		targetLanguage, ocrEngine, skipped sql.NullString
		errorCode, errorMessage            sql.NullString
		processingTimeMs                   sql.NullInt64
		eventTypes                         pq.StringArray
		metadataJSON                       []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.JobID, &rec.ItemID, &rec.Source, &rec.Status, &targetLanguage, &ocrEngine,
		&rec.RegionCount, &rec.BoxCount, &rec.Degraded, &skipped, &processingTimeMs,
		&errorCode, &errorMessage, &eventTypes, &metadataJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	rec.TargetLanguage = targetLanguage.String
	rec.OCREngine = ocrEngine.String
	rec.Skipped = skipped.String
	rec.ProcessingTimeMs = processingTimeMs.Int64
	rec.ErrorCode = errorCode.String
	rec.ErrorMessage = errorMessage.String
	rec.Events = []string(eventTypes)

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
