package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/core/ports"
	"orderflow/pkg/models"
)

// BackoffBase is the first retry delay for transient export failures.
const BackoffBase = 60 * time.Second

// DefaultBackoffCap bounds the delay when the org sets no cap.
const DefaultBackoffCap = time.Hour

// Store is the persistence surface the pusher needs.
type Store interface {
	Insert(ctx context.Context, e *models.ERPExport) error
	Get(ctx context.Context, orgID, id uuid.UUID) (*models.ERPExport, error)
	ByIdempotencyHash(ctx context.Context, orgID uuid.UUID, hash string, ttl time.Duration) (*models.ERPExport, error)
	CountForDraft(ctx context.Context, orgID, draftID uuid.UUID) (int, error)
	MarkSent(ctx context.Context, orgID, id uuid.UUID, storageKey, dropzonePath string) error
	MarkFailed(ctx context.Context, orgID, id uuid.UUID, errorJSON json.RawMessage) error
}

// DraftFlow is the slice of the draft lifecycle the pusher drives.
type DraftFlow interface {
	BeginPush(ctx context.Context, orgID, id uuid.UUID, actor string) error
	RetryPush(ctx context.Context, orgID, id uuid.UUID, actor string) error
	CompletePush(ctx context.Context, orgID, id uuid.UUID, actor string, exportID uuid.UUID) error
	FailPush(ctx context.Context, orgID, id uuid.UUID, actor, reason string) error
}

// Pusher executes one export attempt end to end: claim the draft, persist the
// attempt, write object storage and the dropzone, finalize both rows.
type Pusher struct {
	Exports  Store
	Drafts   DraftFlow
	Storage  ports.ObjectStorage
	Dropzone ports.Dropzone
	Cache    ports.IdempotencyCache // optional; DB fallback covers outages
	Log      *zap.Logger
	Now      func() time.Time
}

func NewPusher(exports Store, drafts DraftFlow, storage ports.ObjectStorage, dropzone ports.Dropzone, cache ports.IdempotencyCache, log *zap.Logger) *Pusher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pusher{
		Exports:  exports,
		Drafts:   drafts,
		Storage:  storage,
		Dropzone: dropzone,
		Cache:    cache,
		Log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Request carries everything one push needs; the caller loads the draft and
// its neighbors inside its own org scope.
type Request struct {
	OrgID        uuid.UUID
	OrgSlug      string
	Draft        *models.DraftOrder
	Lines        []models.DraftOrderLine
	Customer     *models.Customer
	Source       *models.Document
	ConnectionID uuid.UUID
	Actor        string

	// IdempotencyKey deduplicates replayed pushes; empty disables replay
	// detection and relies on the draft state machine alone.
	IdempotencyKey string
	IdempotencyTTL time.Duration

	DropzoneDir string
}

// IdempotencyHash scopes a client key to (org, draft).
func IdempotencyHash(orgID, draftID uuid.UUID, key string) string {
	sum := sha256.Sum256([]byte(orgID.String() + "|" + draftID.String() + "|" + key))
	return hex.EncodeToString(sum[:])
}

// Push performs one attempt. A replayed idempotency key returns the original
// export without touching draft state.
func (p *Pusher) Push(ctx context.Context, req Request) (*models.ERPExport, error) {
	const op = "export.push"

	var hash string
	if req.IdempotencyKey != "" {
		hash = IdempotencyHash(req.OrgID, req.Draft.ID, req.IdempotencyKey)
		if existing, err := p.replay(ctx, req, hash); err != nil || existing != nil {
			return existing, err
		}
	}

	if err := p.claim(ctx, req); err != nil {
		return nil, err
	}

	doc, err := BuildDocument(req.OrgSlug, req.Draft, req.Lines, req.Customer, req.Source, req.Actor)
	if err != nil {
		p.failDraft(ctx, req, err.Error())
		return nil, err
	}
	payload, err := doc.Encode()
	if err != nil {
		p.failDraft(ctx, req, err.Error())
		return nil, errs.E(errs.KindFatal, op, err)
	}

	exp, err := p.insertAttempt(ctx, req, hash)
	if err != nil {
		reason := errs.KindOf(err).String()
		if errs.IsKind(err, errs.KindFatal) {
			reason = "NAME_COLLISION"
		}
		p.failDraft(ctx, req, reason)
		return nil, err
	}

	if hash != "" && p.Cache != nil {
		if _, stored, cerr := p.Cache.PutIfAbsent(ctx, hash, exp.ID.String(), req.IdempotencyTTL); cerr != nil {
			p.Log.Warn("idempotency cache write failed", zap.Error(cerr))
		} else if !stored {
			p.Log.Warn("idempotency key raced", zap.String("hash", hash))
		}
	}

	storageKey := fmt.Sprintf("exports/%s/%s", req.OrgID, exp.Filename)
	dropPath := path.Join(req.DropzoneDir, exp.Filename)
	if err := p.write(ctx, req, exp, storageKey, payload); err != nil {
		return nil, err
	}

	if err := p.Exports.MarkSent(ctx, req.OrgID, exp.ID, storageKey, dropPath); err != nil {
		return nil, err
	}
	if err := p.Drafts.CompletePush(ctx, req.OrgID, req.Draft.ID, req.Actor, exp.ID); err != nil {
		return nil, err
	}

	exp.Status = models.ExportSent
	exp.StorageKey = &storageKey
	exp.DropzonePath = &dropPath
	p.Log.Info("export sent",
		zap.String("draft_id", req.Draft.ID.String()),
		zap.String("filename", exp.Filename))
	return exp, nil
}

// NextRetryDelay computes the backoff before the given attempt number
// (0-based), capped per org.
func NextRetryDelay(attempt int, limit time.Duration) time.Duration {
	if limit <= 0 {
		limit = DefaultBackoffCap
	}
	d := BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// replay resolves a seen-before idempotency key to its export, preferring the
// cache and falling back to the attempt table.
func (p *Pusher) replay(ctx context.Context, req Request, hash string) (*models.ERPExport, error) {
	if p.Cache != nil {
		if v, ok, err := p.Cache.Get(ctx, hash); err != nil {
			p.Log.Warn("idempotency cache read failed", zap.Error(err))
		} else if ok {
			id, perr := uuid.Parse(v)
			if perr == nil {
				return p.Exports.Get(ctx, req.OrgID, id)
			}
		}
	}
	existing, err := p.Exports.ByIdempotencyHash(ctx, req.OrgID, hash, req.IdempotencyTTL)
	if err != nil || existing == nil {
		return nil, err
	}
	if p.Cache != nil {
		if _, _, cerr := p.Cache.PutIfAbsent(ctx, hash, existing.ID.String(), req.IdempotencyTTL); cerr != nil {
			p.Log.Warn("idempotency cache backfill failed", zap.Error(cerr))
		}
	}
	return existing, nil
}

// claim moves the draft into PUSHING from either APPROVED or ERROR.
func (p *Pusher) claim(ctx context.Context, req Request) error {
	err := p.Drafts.BeginPush(ctx, req.OrgID, req.Draft.ID, req.Actor)
	if err == nil || !errs.IsKind(err, errs.KindConflict) {
		return err
	}
	return p.Drafts.RetryPush(ctx, req.OrgID, req.Draft.ID, req.Actor)
}

// insertAttempt persists the PENDING row, regenerating the filename once on
// collision.
func (p *Pusher) insertAttempt(ctx context.Context, req Request, hash string) (*models.ERPExport, error) {
	const op = "export.insert_attempt"
	var hashPtr *string
	if hash != "" {
		hashPtr = &hash
	}
	for try := 0; try < 2; try++ {
		exp := &models.ERPExport{
			OrgID:           req.OrgID,
			DraftID:         req.Draft.ID,
			ConnectionID:    req.ConnectionID,
			Status:          models.ExportPending,
			Filename:        NewFilename(req.Draft.ID, p.Now()),
			IdempotencyHash: hashPtr,
			AttemptedAt:     p.Now(),
		}
		err := p.Exports.Insert(ctx, exp)
		if err == nil {
			return exp, nil
		}
		if !errs.IsKind(err, errs.KindConflict) {
			return nil, err
		}
	}
	return nil, errs.Errorf(errs.KindFatal, op, "NAME_COLLISION: two generated filenames taken for draft %s", req.Draft.ID)
}

// write delivers the payload to object storage, then the dropzone. Any failure
// finalizes the attempt as FAILED and moves the draft to ERROR.
func (p *Pusher) write(ctx context.Context, req Request, exp *models.ERPExport, storageKey string, payload []byte) error {
	const op = "export.write"
	if err := p.Storage.Put(ctx, storageKey, payload, "application/json"); err != nil {
		return p.failAttempt(ctx, req, exp, op, err)
	}
	if err := p.Dropzone.WriteAtomic(req.DropzoneDir, exp.Filename, payload); err != nil {
		return p.failAttempt(ctx, req, exp, op, err)
	}
	return nil
}

func (p *Pusher) failAttempt(ctx context.Context, req Request, exp *models.ERPExport, op string, cause error) error {
	kind := errs.KindTransient
	if isAuthFailure(cause) {
		kind = errs.KindAuthorization
	}
	errJSON, _ := json.Marshal(map[string]any{
		"error":     cause.Error(),
		"transient": kind == errs.KindTransient,
	})
	if err := p.Exports.MarkFailed(ctx, req.OrgID, exp.ID, errJSON); err != nil {
		p.Log.Error("mark failed did not stick", zap.String("export_id", exp.ID.String()), zap.Error(err))
	}
	p.failDraft(ctx, req, cause.Error())
	return errs.E(kind, op, cause)
}

func (p *Pusher) failDraft(ctx context.Context, req Request, reason string) {
	if err := p.Drafts.FailPush(ctx, req.OrgID, req.Draft.ID, req.Actor, reason); err != nil {
		p.Log.Error("draft did not reach ERROR", zap.String("draft_id", req.Draft.ID.String()), zap.Error(err))
	}
}

// isAuthFailure spots credential problems, which retrying cannot fix.
func isAuthFailure(err error) bool {
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "access denied") ||
		strings.Contains(msg, "invalidaccesskeyid") ||
		strings.Contains(msg, "signaturedoesnotmatch")
}
