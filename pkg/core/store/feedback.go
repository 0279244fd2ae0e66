package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/models"
)

// FeedbackRepo persists the append-only feedback log, the few-shot pool and
// the per-layout counters.
type FeedbackRepo struct {
	pool *pgxpool.Pool
}

// Insert appends one feedback event.
func (r *FeedbackRepo) Insert(ctx context.Context, e *models.FeedbackEvent) error {
	const op = "store.feedback.insert"
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO feedback_events (id, org_id, event_type, before_json, after_json,
			layout_fingerprint, input_snippet, actor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrgID, e.EventType, e.BeforeJSON, e.AfterJSON,
		e.LayoutFingerprint, e.InputSnippet, e.Actor)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// FewShotExample is one correction usable as a prompt example.
type FewShotExample struct {
	InputSnippet string
	AfterJSON    json.RawMessage
}

// FewShot returns up to limit correction examples for one layout, newest
// first. Only events with both a snippet and an after-payload qualify.
func (r *FeedbackRepo) FewShot(ctx context.Context, orgID uuid.UUID, layoutFingerprint string, limit int) ([]FewShotExample, error) {
	const op = "store.feedback.few_shot"
	rows, err := r.pool.Query(ctx, `
		SELECT input_snippet, after_json FROM feedback_events
		WHERE org_id = $1 AND layout_fingerprint = $2
			AND input_snippet IS NOT NULL AND after_json IS NOT NULL
			AND event_type IN ('EXTRACTION_LINE_CORRECTED', 'EXTRACTION_FIELD_CORRECTED')
		ORDER BY created_at DESC
		LIMIT $3`, orgID, layoutFingerprint, limit)
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	defer rows.Close()

	var out []FewShotExample
	for rows.Next() {
		var ex FewShotExample
		if err := rows.Scan(&ex.InputSnippet, &ex.AfterJSON); err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// BumpLayoutSeen increments the seen counter for a layout, creating the row on
// first sight.
func (r *FeedbackRepo) BumpLayoutSeen(ctx context.Context, orgID uuid.UUID, layoutFingerprint string) error {
	const op = "store.feedback.bump_layout_seen"
	_, err := r.pool.Exec(ctx, `
		INSERT INTO doc_layout_profiles (org_id, layout_fingerprint, seen_count, last_seen_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (org_id, layout_fingerprint) DO UPDATE SET
			seen_count = doc_layout_profiles.seen_count + 1,
			last_seen_at = NOW()`, orgID, layoutFingerprint)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// BumpLayoutExamples increments the example counter after a correction was
// captured for the layout.
func (r *FeedbackRepo) BumpLayoutExamples(ctx context.Context, orgID uuid.UUID, layoutFingerprint string) error {
	const op = "store.feedback.bump_layout_examples"
	_, err := r.pool.Exec(ctx, `
		INSERT INTO doc_layout_profiles (org_id, layout_fingerprint, example_count, last_seen_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (org_id, layout_fingerprint) DO UPDATE SET
			example_count = doc_layout_profiles.example_count + 1,
			last_seen_at = NOW()`, orgID, layoutFingerprint)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// LayoutProfile loads the counters for one layout, nil when never seen.
func (r *FeedbackRepo) LayoutProfile(ctx context.Context, orgID uuid.UUID, layoutFingerprint string) (*models.DocLayoutProfile, error) {
	const op = "store.feedback.layout_profile"
	row := r.pool.QueryRow(ctx, `
		SELECT org_id, layout_fingerprint, seen_count, example_count, last_seen_at
		FROM doc_layout_profiles
		WHERE org_id = $1 AND layout_fingerprint = $2`, orgID, layoutFingerprint)

	var p models.DocLayoutProfile
	err := row.Scan(&p.OrgID, &p.LayoutFingerprint, &p.SeenCount, &p.ExampleCount, &p.LastSeenAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return &p, nil
}
