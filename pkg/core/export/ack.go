package export

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/core/ports"
	"orderflow/pkg/models"
)

// Subdirectories the poller sorts processed ack files into.
const (
	ProcessedDir = "processed"
	ErrorDir     = "error"
)

// AckStore is the persistence surface ack reconciliation needs.
type AckStore interface {
	ByFilename(ctx context.Context, draftID uuid.UUID, filename string) (*models.ERPExport, error)
	MarkAcked(ctx context.Context, orgID, id uuid.UUID, erpOrderID string, ackedAt time.Time) error
	MarkFailed(ctx context.Context, orgID, id uuid.UUID, errorJSON json.RawMessage) error
}

// Auditor records reconciliation outcomes.
type Auditor interface {
	Insert(ctx context.Context, a *models.AuditLog) error
}

// AckDraftFlow finishes the draft side of an ack.
type AckDraftFlow interface {
	FailPush(ctx context.Context, orgID, id uuid.UUID, actor, reason string) error
}

// Poller scans an ack directory and applies ERP acknowledgements. One poll
// pass is crash-safe: the move to processed/ is the commit, so a crash between
// apply and move replays the file, and replays of terminal exports are
// ignored.
type Poller struct {
	Exports  AckStore
	Drafts   AckDraftFlow
	Audit    Auditor
	Dropzone ports.Dropzone
	AckDir   string
	Log      *zap.Logger
	Now      func() time.Time
}

func NewPoller(exports AckStore, drafts AckDraftFlow, audit Auditor, dropzone ports.Dropzone, ackDir string, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		Exports:  exports,
		Drafts:   drafts,
		Audit:    audit,
		Dropzone: dropzone,
		AckDir:   ackDir,
		Log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// PollOnce processes every ack and error file currently in the directory.
// Returns how many files were applied.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	names, err := p.Dropzone.List(p.AckDir)
	if err != nil {
		return 0, errs.E(errs.KindTransient, "export.ack.list", err)
	}
	applied := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		kind, exportFilename := ParseAckFilename(name)
		if kind == AckNone {
			continue
		}
		ok, err := p.processFile(ctx, name, exportFilename)
		if err != nil {
			// Leave the file in place; the next pass retries it.
			p.Log.Warn("ack file not processed", zap.String("file", name), zap.Error(err))
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// processFile reports whether the ack was applied to an export; files routed
// to error/ count as handled but not applied.
func (p *Poller) processFile(ctx context.Context, name, exportFilename string) (bool, error) {
	data, err := p.Dropzone.Read(p.AckDir, name)
	if err != nil {
		return false, err
	}

	ack, parseErr := ParseAck(data)
	if parseErr != nil {
		p.Log.Warn("malformed ack file", zap.String("file", name), zap.Error(parseErr))
		return false, p.Dropzone.Move(p.AckDir, name, path.Join(p.AckDir, ErrorDir))
	}

	draftID, ok := DraftIDFromFilename(exportFilename)
	if !ok {
		p.Log.Warn("ack filename carries no draft id", zap.String("file", name))
		return false, p.Dropzone.Move(p.AckDir, name, path.Join(p.AckDir, ErrorDir))
	}

	exp, err := p.Exports.ByFilename(ctx, draftID, exportFilename)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			p.Log.Warn("ack for unknown export", zap.String("file", name))
			return false, p.Dropzone.Move(p.AckDir, name, path.Join(p.AckDir, ErrorDir))
		}
		return false, err
	}

	if err := p.apply(ctx, exp, ack); err != nil {
		return false, err
	}
	return true, p.Dropzone.Move(p.AckDir, name, path.Join(p.AckDir, ProcessedDir))
}

func (p *Poller) apply(ctx context.Context, exp *models.ERPExport, ack *AckFile) error {
	switch ack.Status {
	case models.ExportAcked:
		err := p.Exports.MarkAcked(ctx, exp.OrgID, exp.ID, ack.ERPOrderID, p.Now())
		if err != nil {
			if errs.IsKind(err, errs.KindConflict) {
				// Already terminal; a duplicate ack is expected
				// under at-least-once processing.
				p.Log.Info("duplicate ack ignored", zap.String("export_id", exp.ID.String()))
				return nil
			}
			return err
		}
		p.audit(ctx, exp, "EXPORT_ACKED", map[string]string{"erp_order_id": ack.ERPOrderID})
		return nil

	case models.ExportFailed:
		errJSON, _ := json.Marshal(map[string]string{
			"error_code": ack.ErrorCode,
			"message":    ack.Message,
		})
		if err := p.Exports.MarkFailed(ctx, exp.OrgID, exp.ID, errJSON); err != nil {
			return err
		}
		if p.Drafts != nil {
			if err := p.Drafts.FailPush(ctx, exp.OrgID, exp.DraftID, "system", ack.ErrorCode); err != nil && !errs.IsKind(err, errs.KindConflict) {
				p.Log.Warn("draft not moved to ERROR after nack", zap.Error(err))
			}
		}
		p.audit(ctx, exp, "EXPORT_FAILED", map[string]string{
			"error_code": ack.ErrorCode,
			"message":    ack.Message,
		})
		return nil
	}
	return nil
}

func (p *Poller) audit(ctx context.Context, exp *models.ERPExport, action string, details map[string]string) {
	payload, _ := json.Marshal(details)
	entry := &models.AuditLog{
		OrgID:    exp.OrgID,
		Action:   action,
		Actor:    "system",
		DraftID:  &exp.DraftID,
		ExportID: &exp.ID,
		Details:  payload,
	}
	if err := p.Audit.Insert(ctx, entry); err != nil {
		p.Log.Error("audit entry lost", zap.String("action", action), zap.Error(err))
	}
}
