package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/models"
)

// RunRepo persists extraction runs.
type RunRepo struct {
	pool *pgxpool.Pool
}

// Start inserts a RUNNING run and returns its id.
func (r *RunRepo) Start(ctx context.Context, orgID, documentID uuid.UUID, extractor string) (uuid.UUID, error) {
	const op = "store.runs.start"
	id := uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO extraction_runs (id, org_id, document_id, extractor, status)
		VALUES ($1, $2, $3, $4, 'RUNNING')`,
		id, orgID, documentID, extractor)
	if err != nil {
		return uuid.Nil, errs.E(errs.KindTransient, op, err)
	}
	return id, nil
}

// Succeed finalizes a run with its canonical output.
func (r *RunRepo) Succeed(ctx context.Context, id uuid.UUID, lineCount int, overall float64, output, metrics json.RawMessage) error {
	const op = "store.runs.succeed"
	_, err := r.pool.Exec(ctx, `
		UPDATE extraction_runs
		SET status = 'SUCCEEDED', finished_at = NOW(), line_count = $2,
			overall_confidence = $3, output_json = $4, metrics_json = $5
		WHERE id = $1`, id, lineCount, overall, output, metrics)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// Fail finalizes a run with a structured error.
func (r *RunRepo) Fail(ctx context.Context, id uuid.UUID, errorJSON json.RawMessage) error {
	const op = "store.runs.fail"
	_, err := r.pool.Exec(ctx, `
		UPDATE extraction_runs
		SET status = 'FAILED', finished_at = NOW(), error_json = $2
		WHERE id = $1`, id, errorJSON)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// Latest returns the most recent run of one extractor on a document; the
// latest run per (document, extractor) is the authoritative one.
func (r *RunRepo) Latest(ctx context.Context, orgID, documentID uuid.UUID, extractor string) (*models.ExtractionRun, error) {
	const op = "store.runs.latest"
	row := r.pool.QueryRow(ctx, `
		SELECT id, org_id, document_id, extractor, status, started_at, finished_at,
			line_count, overall_confidence, output_json, metrics_json, error_json
		FROM extraction_runs
		WHERE org_id = $1 AND document_id = $2 AND extractor = $3
		ORDER BY started_at DESC
		LIMIT 1`, orgID, documentID, extractor)

	var run models.ExtractionRun
	err := row.Scan(&run.ID, &run.OrgID, &run.DocumentID, &run.Extractor, &run.Status,
		&run.StartedAt, &run.FinishedAt, &run.LineCount, &run.OverallConfidence,
		&run.OutputJSON, &run.MetricsJSON, &run.ErrorJSON)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.E(errs.KindNotFound, op, fmt.Errorf("no %s run for document %s", extractor, documentID))
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return &run, nil
}

// AICallRepo is the append-only provider call audit.
type AICallRepo struct {
	pool *pgxpool.Pool
}

// Insert appends one provider call. The partial unique index rejects a second
// SUCCEEDED row per (org, document, call_type); the caller treats that as an
// already-logged call, not an error.
func (r *AICallRepo) Insert(ctx context.Context, log *models.AICallLog) error {
	const op = "store.aicalls.insert"
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ai_call_logs (id, org_id, document_id, call_type, provider, model,
			input_tokens, output_tokens, latency_ms, cost_micros, status, input_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		log.ID, log.OrgID, log.DocumentID, log.CallType, log.Provider, log.Model,
		log.InputTokens, log.OutputTokens, log.LatencyMS, log.CostMicros, log.Status, log.InputHash)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.E(errs.KindConflict, op, fmt.Errorf("call already logged: %w", err))
		}
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// FindRecentSuccess looks for a successful call of the same type with the
// same input hash inside the dedup window; its document's output can be
// reused instead of paying for a new provider call.
func (r *AICallRepo) FindRecentSuccess(ctx context.Context, orgID uuid.UUID, callType, inputHash string, window time.Duration) (*models.AICallLog, error) {
	const op = "store.aicalls.find_recent"
	row := r.pool.QueryRow(ctx, `
		SELECT id, org_id, document_id, call_type, provider, model, status, created_at
		FROM ai_call_logs
		WHERE org_id = $1 AND call_type = $2 AND input_hash = $3
			AND status = 'SUCCEEDED' AND created_at > $4
		ORDER BY created_at DESC
		LIMIT 1`, orgID, callType, inputHash, time.Now().UTC().Add(-window))

	var log models.AICallLog
	err := row.Scan(&log.ID, &log.OrgID, &log.DocumentID, &log.CallType, &log.Provider,
		&log.Model, &log.Status, &log.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return &log, nil
}

// SpentTodayMicros sums the provider cost of the org since midnight UTC, for
// the daily budget gate.
func (r *AICallRepo) SpentTodayMicros(ctx context.Context, orgID uuid.UUID) (int64, error) {
	const op = "store.aicalls.spent_today"
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	var spent int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_micros), 0) FROM ai_call_logs
		WHERE org_id = $1 AND created_at >= $2`, orgID, midnight).Scan(&spent)
	if err != nil {
		return 0, errs.E(errs.KindTransient, op, err)
	}
	return spent, nil
}

// DeleteOlderThan hard-deletes aged call logs in batches; returns rows removed.
func (r *AICallRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	const op = "store.aicalls.delete_older"
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM ai_call_logs
		WHERE id IN (
			SELECT id FROM ai_call_logs WHERE created_at < $1 ORDER BY created_at LIMIT $2
		)`, cutoff, limit)
	if err != nil {
		return 0, errs.E(errs.KindTransient, op, err)
	}
	return tag.RowsAffected(), nil
}
