// Package draft owns the draft-order lifecycle: the transition table, approval
// metadata, and the audit entry every transition leaves behind.
package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/models"
)

// Audit actions emitted on transitions.
const (
	ActionReady       = "DRAFT_READY"
	ActionNeedsReview = "DRAFT_NEEDS_REVIEW"
	ActionApproved    = "DRAFT_APPROVED"
	ActionPushStarted = "DRAFT_PUSH_STARTED"
	ActionPushed      = "DRAFT_PUSHED"
	ActionPushFailed  = "DRAFT_PUSH_FAILED"
	ActionPushRetried = "DRAFT_PUSH_RETRIED"
)

// transitions is the complete set of legal moves. Anything else is a conflict.
var transitions = map[models.DraftStatus]map[models.DraftStatus]bool{
	models.DraftNeedsReview: {models.DraftReady: true},
	models.DraftReady:       {models.DraftNeedsReview: true, models.DraftApproved: true},
	models.DraftApproved:    {models.DraftNeedsReview: true, models.DraftPushing: true},
	models.DraftPushing:     {models.DraftPushed: true, models.DraftError: true},
	models.DraftError:       {models.DraftPushing: true},
}

// Allowed reports whether from → to is a legal transition.
func Allowed(from, to models.DraftStatus) bool {
	return transitions[from][to]
}

// Store is the persistence surface the lifecycle needs.
type Store interface {
	Get(ctx context.Context, orgID, id uuid.UUID) (*models.DraftOrder, []models.DraftOrderLine, error)
	CompareAndSetStatus(ctx context.Context, orgID, id uuid.UUID, from, to models.DraftStatus) error
	Approve(ctx context.Context, orgID, id uuid.UUID, approvedBy string, approvedAt time.Time) error
	SetApproval(ctx context.Context, orgID, id uuid.UUID, approvedBy *string, approvedAt *time.Time) error
}

// Auditor records one entry per transition.
type Auditor interface {
	Insert(ctx context.Context, a *models.AuditLog) error
}

// Lifecycle applies transitions on behalf of operators and workers.
type Lifecycle struct {
	Drafts Store
	Audit  Auditor
	Log    *zap.Logger
	Now    func() time.Time
}

func NewLifecycle(drafts Store, audit Auditor, log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{Drafts: drafts, Audit: audit, Log: log, Now: func() time.Time { return time.Now().UTC() }}
}

// MarkReady moves a reviewed draft to READY after a clean validation pass.
func (l *Lifecycle) MarkReady(ctx context.Context, orgID, id uuid.UUID, actor string) error {
	return l.transition(ctx, orgID, id, models.DraftNeedsReview, models.DraftReady, actor, ActionReady, nil)
}

// RevertToReview moves a READY draft back after a validation failure.
func (l *Lifecycle) RevertToReview(ctx context.Context, orgID, id uuid.UUID, actor, reason string) error {
	details, _ := json.Marshal(map[string]string{"reason": reason})
	return l.transition(ctx, orgID, id, models.DraftReady, models.DraftNeedsReview, actor, ActionNeedsReview, details)
}

// Approve records the operator decision on a READY draft. Status and approval
// metadata land in one write, so an approval that fails leaves the draft in
// READY rather than APPROVED without an approver.
func (l *Lifecycle) Approve(ctx context.Context, orgID, id uuid.UUID, approver string) error {
	if err := l.Drafts.Approve(ctx, orgID, id, approver, l.Now()); err != nil {
		return err
	}
	return l.record(ctx, orgID, id, models.DraftReady, models.DraftApproved, approver, ActionApproved, nil)
}

// NoteEdit handles the edit rule: editing a READY or APPROVED draft reverts it
// to NEEDS_REVIEW; an APPROVED draft also loses its approval metadata. Drafts
// already under review stay put; drafts in or past PUSHING cannot be edited.
func (l *Lifecycle) NoteEdit(ctx context.Context, orgID, id uuid.UUID, actor string) error {
	const op = "draft.note_edit"
	d, _, err := l.Drafts.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	switch d.Status {
	case models.DraftNeedsReview:
		return nil
	case models.DraftReady:
		return l.transition(ctx, orgID, id, models.DraftReady, models.DraftNeedsReview, actor, ActionNeedsReview, editDetails())
	case models.DraftApproved:
		if err := l.transition(ctx, orgID, id, models.DraftApproved, models.DraftNeedsReview, actor, ActionNeedsReview, editDetails()); err != nil {
			return err
		}
		return l.Drafts.SetApproval(ctx, orgID, id, nil, nil)
	default:
		return errs.E(errs.KindConflict, op, fmt.Errorf("draft %s in status %s cannot be edited", id, d.Status))
	}
}

// BeginPush claims an APPROVED draft for export.
func (l *Lifecycle) BeginPush(ctx context.Context, orgID, id uuid.UUID, actor string) error {
	return l.transition(ctx, orgID, id, models.DraftApproved, models.DraftPushing, actor, ActionPushStarted, nil)
}

// CompletePush records a successful export.
func (l *Lifecycle) CompletePush(ctx context.Context, orgID, id uuid.UUID, actor string, exportID uuid.UUID) error {
	details, _ := json.Marshal(map[string]string{"export_id": exportID.String()})
	return l.transition(ctx, orgID, id, models.DraftPushing, models.DraftPushed, actor, ActionPushed, details)
}

// FailPush records a failed export.
func (l *Lifecycle) FailPush(ctx context.Context, orgID, id uuid.UUID, actor, reason string) error {
	details, _ := json.Marshal(map[string]string{"reason": reason})
	return l.transition(ctx, orgID, id, models.DraftPushing, models.DraftError, actor, ActionPushFailed, details)
}

// RetryPush re-enters PUSHING from ERROR.
func (l *Lifecycle) RetryPush(ctx context.Context, orgID, id uuid.UUID, actor string) error {
	return l.transition(ctx, orgID, id, models.DraftError, models.DraftPushing, actor, ActionPushRetried, nil)
}

func (l *Lifecycle) transition(ctx context.Context, orgID, id uuid.UUID, from, to models.DraftStatus, actor, action string, details json.RawMessage) error {
	const op = "draft.transition"
	if !Allowed(from, to) {
		return errs.E(errs.KindConflict, op, fmt.Errorf("transition %s -> %s is not allowed", from, to))
	}
	if err := l.Drafts.CompareAndSetStatus(ctx, orgID, id, from, to); err != nil {
		return err
	}
	return l.record(ctx, orgID, id, from, to, actor, action, details)
}

// record writes the audit entry and the log line for a committed transition.
func (l *Lifecycle) record(ctx context.Context, orgID, id uuid.UUID, from, to models.DraftStatus, actor, action string, details json.RawMessage) error {
	entry := &models.AuditLog{
		OrgID:   orgID,
		Action:  action,
		Actor:   actor,
		DraftID: &id,
		Details: details,
	}
	if err := l.Audit.Insert(ctx, entry); err != nil {
		// The transition itself committed; surface the gap instead of
		// rolling state back.
		l.Log.Error("audit entry lost after transition",
			zap.String("draft_id", id.String()),
			zap.String("action", action),
			zap.Error(err))
		return err
	}
	l.Log.Info("draft transition",
		zap.String("draft_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor))
	return nil
}

func editDetails() json.RawMessage {
	return json.RawMessage(`{"reason":"edit"}`)
}
