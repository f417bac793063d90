/**
 * PostgreSQL persistence for the history store
 *
 * Implements Persister over a single snaptext_history table. Saves are
 * idempotent upserts keyed on item id, so repeated merges of a deduplicated
 * capture overwrite the same row. Image bytes travel as BYTEA and region
 * geometry as JSONB.
 */

package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/logging"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS snaptext_history (
	id UUID PRIMARY KEY,
	image_data BYTEA,
	image_format TEXT NOT NULL DEFAULT 'png',
	image_width INTEGER NOT NULL DEFAULT 0,
	image_height INTEGER NOT NULL DEFAULT 0,
	monitor INTEGER NOT NULL DEFAULT 0,
	captured_at TIMESTAMPTZ,
	image_hash TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	full_text TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	backend TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	regions JSONB,
	error_code TEXT,
	error_message TEXT,
	low_confidence BOOLEAN NOT NULL DEFAULT FALSE,
	tags TEXT[] NOT NULL DEFAULT '{}',
	pinned BOOLEAN NOT NULL DEFAULT FALSE,
	note TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_snaptext_history_content_hash ON snaptext_history(content_hash);
CREATE INDEX IF NOT EXISTS idx_snaptext_history_created_at ON snaptext_history(created_at);
CREATE INDEX IF NOT EXISTS idx_snaptext_history_last_accessed ON snaptext_history(last_accessed_at);
`

// PostgresStore persists history items in PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewPostgresStore connects to PostgreSQL and tunes the connection pool.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.NewStorageFailedError(fmt.Errorf("failed to open database: %w", err))
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, errors.NewStorageFailedError(fmt.Errorf("failed to ping database: %w", err))
	}

	return &PostgresStore{
		db:     db,
		logger: logging.NewLogger("PostgresStore"),
	}, nil
}

// EnsureSchema creates the history table and its indexes when missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, historySchema); err != nil {
		return errors.NewStorageFailedError(fmt.Errorf("failed to ensure schema: %w", err))
	}
	p.logger.Info("History schema ensured", "table", "snaptext_history")
	return nil
}

// SaveItem upserts one item.
func (p *PostgresStore) SaveItem(ctx context.Context, item *Item) error {
	if item == nil || item.ID == "" {
		return errors.NewInvalidRequestError("history item must have an id")
	}

	var (
		imageData  []byte
		format     = "png"
		width      int
		height     int
		monitor    int
		capturedAt sql.NullTime
	)
	if item.Image != nil {
		imageData = item.Image.Data
		if item.Image.Format != "" {
			format = item.Image.Format
		}
		width = item.Image.Width
		height = item.Image.Height
		monitor = item.Image.Monitor
		capturedAt = sql.NullTime{Time: item.Image.CapturedAt, Valid: !item.Image.CapturedAt.IsZero()}
	}

	result := item.Result
	if result == nil {
		result = &ocr.Result{}
	}

	regionsJSON, err := json.Marshal(result.Regions)
	if err != nil {
		return errors.NewStorageFailedError(fmt.Errorf("failed to marshal regions: %w", err))
	}

	var errorCode, errorMessage sql.NullString
	if result.Err != nil {
		errorCode = sql.NullString{String: string(result.Err.Code), Valid: true}
		errorMessage = sql.NullString{String: result.Err.Message, Valid: true}
	}

	query := `
		INSERT INTO snaptext_history (
			id, image_data, image_format, image_width, image_height, monitor, captured_at,
			image_hash, content_hash, full_text, confidence, backend, duration_ms, regions,
			error_code, error_message, low_confidence, tags, pinned, note, created_at, last_accessed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
		ON CONFLICT (id) DO UPDATE SET
			full_text = EXCLUDED.full_text,
			confidence = EXCLUDED.confidence,
			backend = EXCLUDED.backend,
			duration_ms = EXCLUDED.duration_ms,
			regions = EXCLUDED.regions,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			low_confidence = EXCLUDED.low_confidence,
			tags = EXCLUDED.tags,
			pinned = EXCLUDED.pinned,
			note = EXCLUDED.note,
			last_accessed_at = EXCLUDED.last_accessed_at
	`

	_, err = p.db.ExecContext(ctx, query,
		item.ID,
		imageData,
		format,
		width,
		height,
		monitor,
		capturedAt,
		item.ImageHash,
		item.ContentHash,
		result.FullText,
		sanitizeConfidence(result.Confidence),
		string(result.Backend),
		result.Duration.Milliseconds(),
		regionsJSON,
		errorCode,
		errorMessage,
		result.LowConfidence,
		pq.Array(item.Tags),
		item.Pinned,
		item.Note,
		item.CreatedAt,
		item.LastAccessedAt,
	)
	if err != nil {
		return errors.NewStorageFailedError(fmt.Errorf("failed to save history item %s: %w", item.ID, err))
	}
	return nil
}

// DeleteItem removes one item. Deleting a missing item is not an error.
func (p *PostgresStore) DeleteItem(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM snaptext_history WHERE id = $1`, id)
	if err != nil {
		return errors.NewStorageFailedError(fmt.Errorf("failed to delete history item %s: %w", id, err))
	}
	return nil
}

// LoadAll returns every persisted item, oldest first.
func (p *PostgresStore) LoadAll(ctx context.Context) ([]*Item, error) {
	query := `
		SELECT id, image_data, image_format, image_width, image_height, monitor, captured_at,
			image_hash, content_hash, full_text, confidence, backend, duration_ms, regions,
			error_code, error_message, low_confidence, tags, pinned, note, created_at, last_accessed_at
		FROM snaptext_history
		ORDER BY created_at ASC
	`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.NewStorageFailedError(fmt.Errorf("failed to load history: %w", err))
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var (
			item         Item
			img          ocr.CaptureImage
			capturedAt   sql.NullTime
			result       ocr.Result
			backend      string
			durationMs   int64
			regionsJSON  []byte
			errorCode    sql.NullString
			errorMessage sql.NullString
			tags         pq.StringArray
		)

		if err := rows.Scan(
			&item.ID,
			&img.Data,
			&img.Format,
			&img.Width,
			&img.Height,
			&img.Monitor,
			&capturedAt,
			&item.ImageHash,
			&item.ContentHash,
			&result.FullText,
			&result.Confidence,
			&backend,
			&durationMs,
			&regionsJSON,
			&errorCode,
			&errorMessage,
			&result.LowConfidence,
			&tags,
			&item.Pinned,
			&item.Note,
			&item.CreatedAt,
			&item.LastAccessedAt,
		); err != nil {
			return nil, errors.NewStorageFailedError(fmt.Errorf("failed to scan history row: %w", err))
		}

		if capturedAt.Valid {
			img.CapturedAt = capturedAt.Time
		}
		if len(img.Data) > 0 || img.Width > 0 || img.Height > 0 {
			item.Image = &img
		}

		result.Backend = ocr.BackendKind(backend)
		result.Duration = time.Duration(durationMs) * time.Millisecond
		if len(regionsJSON) > 0 {
			if err := json.Unmarshal(regionsJSON, &result.Regions); err != nil {
				p.logger.Warn("Dropping malformed regions payload", "itemID", item.ID, "error", err.Error())
			}
		}
		if errorCode.Valid {
			result.Err = &errors.OCRError{
				Code:      errors.ErrorCode(errorCode.String),
				Message:   errorMessage.String,
				Backend:   backend,
				Timestamp: item.CreatedAt,
			}
		}
		item.Result = &result
		item.Tags = []string(tags)

		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageFailedError(fmt.Errorf("failed to iterate history rows: %w", err))
	}

	return items, nil
}

// Ping verifies database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return errors.NewStorageFailedError(err)
	}
	return nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// sanitizeConfidence clamps a confidence to [0,1] and zeroes NaN and Inf so
// the database never stores an unusable number.
func sanitizeConfidence(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
