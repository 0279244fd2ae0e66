// Package feedback closes the learning loop: it captures operator corrections
// as append-only events, mutates the learned mapping store on confirm/reject,
// and serves layout-scoped few-shot examples back to the LLM extractor.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow/pkg/core/match"
	"orderflow/pkg/core/store"
	"orderflow/pkg/models"
)

const (
	// MaxPayloadBytes caps each of before_json/after_json.
	MaxPayloadBytes = 10 * 1024
	// MaxSnippetChars caps the stored input snippet.
	MaxSnippetChars = 1500
	// FewShotLimit is the most examples one prompt receives.
	FewShotLimit = 3
)

// EventStore persists events and serves the few-shot pool.
type EventStore interface {
	Insert(ctx context.Context, e *models.FeedbackEvent) error
	FewShot(ctx context.Context, orgID uuid.UUID, layoutFingerprint string, limit int) ([]store.FewShotExample, error)
	BumpLayoutSeen(ctx context.Context, orgID uuid.UUID, layoutFingerprint string) error
	BumpLayoutExamples(ctx context.Context, orgID uuid.UUID, layoutFingerprint string) error
}

// MappingStore mutates the learned sku mappings.
type MappingStore interface {
	Confirm(ctx context.Context, orgID, customerID uuid.UUID, customerSKUNorm, internalSKU string) (*models.SkuMapping, error)
	Reject(ctx context.Context, orgID, customerID uuid.UUID, customerSKUNorm string, deprecateThreshold int) (*models.SkuMapping, error)
}

// Recorder is the single entry point for operator feedback.
type Recorder struct {
	Events   EventStore
	Mappings MappingStore
	Log      *zap.Logger

	// counterTimeout bounds the async layout-counter updates.
	counterTimeout time.Duration
}

func NewRecorder(events EventStore, mappings MappingStore, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{Events: events, Mappings: mappings, Log: log, counterTimeout: 5 * time.Second}
}

// Correction describes one extraction fix on a draft line or header field.
type Correction struct {
	OrgID             uuid.UUID
	Actor             string
	LayoutFingerprint *string
	InputSnippet      string
	Before            any
	After             any
	// Field is set for single-field corrections, empty for whole-line ones.
	Field string
}

// CaptureCorrection records a line or field correction and bumps the layout
// example counter in the background.
func (r *Recorder) CaptureCorrection(ctx context.Context, c Correction) error {
	eventType := models.FeedbackLineCorrected
	if c.Field != "" {
		eventType = models.FeedbackFieldCorrected
	}
	e := &models.FeedbackEvent{
		OrgID:             c.OrgID,
		EventType:         eventType,
		BeforeJSON:        marshalCapped(c.Before),
		AfterJSON:         marshalCapped(c.After),
		LayoutFingerprint: c.LayoutFingerprint,
		InputSnippet:      snippet(c.InputSnippet),
		Actor:             c.Actor,
	}
	if err := r.Events.Insert(ctx, e); err != nil {
		return err
	}
	if c.LayoutFingerprint != nil {
		r.bumpAsync(c.OrgID, *c.LayoutFingerprint, r.Events.BumpLayoutExamples)
	}
	return nil
}

// CaptureCustomerSelected records the operator picking a customer from an
// ambiguous candidate list.
func (r *Recorder) CaptureCustomerSelected(ctx context.Context, orgID uuid.UUID, actor string, candidateIDs []uuid.UUID, chosen uuid.UUID) error {
	e := &models.FeedbackEvent{
		OrgID:      orgID,
		EventType:  models.FeedbackCustomerSelected,
		BeforeJSON: marshalCapped(map[string]any{"candidate_ids": candidateIDs}),
		AfterJSON:  marshalCapped(map[string]any{"customer_id": chosen}),
		Actor:      actor,
	}
	return r.Events.Insert(ctx, e)
}

// ConfirmMapping persists an operator confirmation and the event trail. The
// candidates the operator chose from become before_json.
func (r *Recorder) ConfirmMapping(ctx context.Context, orgID, customerID uuid.UUID, customerSKURaw, internalSKU string, candidates json.RawMessage, actor string) (*models.SkuMapping, error) {
	norm := match.NormalizeSKU(customerSKURaw)
	m, err := r.Mappings.Confirm(ctx, orgID, customerID, norm, internalSKU)
	if err != nil {
		return nil, err
	}
	e := &models.FeedbackEvent{
		OrgID:      orgID,
		EventType:  models.FeedbackMappingConfirmed,
		BeforeJSON: capPayload(candidates),
		AfterJSON:  marshalCapped(map[string]string{"internal_sku": internalSKU}),
		Actor:      actor,
	}
	if err := r.Events.Insert(ctx, e); err != nil {
		return nil, err
	}
	return m, nil
}

// RejectMapping counts a rejection; past the org threshold the mapping is
// deprecated by the store.
func (r *Recorder) RejectMapping(ctx context.Context, orgID, customerID uuid.UUID, customerSKURaw string, rejectThreshold int, actor string) (*models.SkuMapping, error) {
	norm := match.NormalizeSKU(customerSKURaw)
	m, err := r.Mappings.Reject(ctx, orgID, customerID, norm, rejectThreshold)
	if err != nil {
		return nil, err
	}
	e := &models.FeedbackEvent{
		OrgID:     orgID,
		EventType: models.FeedbackMappingRejected,
		BeforeJSON: marshalCapped(map[string]any{
			"internal_sku": m.InternalSKU,
			"status":       m.Status,
			"reject_count": m.RejectCount,
		}),
		Actor: actor,
	}
	if err := r.Events.Insert(ctx, e); err != nil {
		return nil, err
	}
	return m, nil
}

// FewShot returns up to three correction examples for a layout, newest first.
// Documents without a fingerprint get none.
func (r *Recorder) FewShot(ctx context.Context, orgID uuid.UUID, layoutFingerprint *string) ([]store.FewShotExample, error) {
	if layoutFingerprint == nil || *layoutFingerprint == "" {
		return nil, nil
	}
	return r.Events.FewShot(ctx, orgID, *layoutFingerprint, FewShotLimit)
}

// NoteLayoutSeen bumps the seen counter in the background after a document
// with this layout arrived.
func (r *Recorder) NoteLayoutSeen(orgID uuid.UUID, layoutFingerprint string) {
	r.bumpAsync(orgID, layoutFingerprint, r.Events.BumpLayoutSeen)
}

func (r *Recorder) bumpAsync(orgID uuid.UUID, fingerprint string, bump func(context.Context, uuid.UUID, string) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.counterTimeout)
		defer cancel()
		if err := bump(ctx, orgID, fingerprint); err != nil {
			r.Log.Warn("layout counter not updated",
				zap.String("fingerprint", fingerprint), zap.Error(err))
		}
	}()
}

// marshalCapped serializes v, replacing oversized payloads with a stub so the
// event row stays within budget.
func marshalCapped(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return capPayload(data)
}

func capPayload(data json.RawMessage) json.RawMessage {
	if data == nil || len(data) <= MaxPayloadBytes {
		return data
	}
	return json.RawMessage(fmt.Sprintf(`{"truncated":true,"original_bytes":%d}`, len(data)))
}

func snippet(s string) *string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	if len(runes) > MaxSnippetChars {
		s = string(runes[:MaxSnippetChars])
	}
	return &s
}
