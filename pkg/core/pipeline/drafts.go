package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow/pkg/core/canonical"
	"orderflow/pkg/core/config"
	"orderflow/pkg/core/errs"
	"orderflow/pkg/core/match"
	"orderflow/pkg/core/validate"
	"orderflow/pkg/models"
)

// DuplicateOrderWindow bounds the lookback for drafts sharing an external
// order number; older repeats are legitimate re-orders.
const DuplicateOrderWindow = 30 * 24 * time.Hour

// customerCandidateLimit caps how many customers a header hint can resolve to.
const customerCandidateLimit = 5

// DraftStore is the slice of the draft repository the builder writes.
type DraftStore interface {
	Create(ctx context.Context, draft *models.DraftOrder, lines []models.DraftOrderLine) error
	SetReadyCheck(ctx context.Context, orgID, id uuid.UUID, readyCheck json.RawMessage) error
	RecentWithSameOrderNumber(ctx context.Context, orgID uuid.UUID, customerID *uuid.UUID, externalOrderNumber string, excludeDraft uuid.UUID, window time.Duration) ([]uuid.UUID, error)
}

// DraftCatalog resolves customers and the catalog facts validation needs.
type DraftCatalog interface {
	CustomersByNameSimilarity(ctx context.Context, orgID uuid.UUID, hint string, limit int) ([]models.Customer, []float64, error)
	GetProduct(ctx context.Context, orgID uuid.UUID, internalSKU string) (*models.Product, error)
	PriceTier(ctx context.Context, orgID, customerID uuid.UUID, internalSKU, currency, uom string, qty float64, at time.Time) (*models.CustomerPrice, error)
}

// LineMatcher resolves extracted lines against the product catalog.
type LineMatcher interface {
	MatchLines(ctx context.Context, orgID uuid.UUID, customerID *uuid.UUID, lines []match.Line, settings config.Tunables, embeddingsEnabled bool) ([]*match.Result, error)
}

// ReadyMarker moves a validated draft to READY with an audit trail.
type ReadyMarker interface {
	MarkReady(ctx context.Context, orgID, id uuid.UUID, actor string) error
}

// DraftBuilder turns a canonical extraction output into a reviewed draft
// order: customer resolution from the header hint, line matching, the first
// validation pass and, when everything checks out, the READY transition.
type DraftBuilder struct {
	Drafts   DraftStore
	Catalog  DraftCatalog
	Match    LineMatcher
	Flow     ReadyMarker
	Tunables config.Tunables
	Log      *zap.Logger
}

func NewDraftBuilder(drafts DraftStore, catalog DraftCatalog, matcher LineMatcher, flow ReadyMarker, tunables config.Tunables, log *zap.Logger) *DraftBuilder {
	if log == nil {
		log = zap.NewNop()
	}
	return &DraftBuilder{Drafts: drafts, Catalog: catalog, Match: matcher, Flow: flow, Tunables: tunables, Log: log}
}

// Build creates the draft for one extraction run. The draft starts in
// NEEDS_REVIEW; a clean validation pass promotes it to READY as "system".
func (b *DraftBuilder) Build(ctx context.Context, org models.Org, doc *models.Document, runID uuid.UUID, out *canonical.Output) (*models.DraftOrder, error) {
	const op = "pipeline.build_draft"

	settings, err := config.DecodeOrgSettings(org.Settings)
	if err != nil {
		return nil, errs.E(errs.KindValidation, op, err)
	}
	eff := settings.Resolve(b.Tunables)

	customerID, candidateIDs, err := b.resolveCustomer(ctx, org.ID, out.Order.CustomerHint)
	if err != nil {
		return nil, err
	}

	mlines := make([]match.Line, len(out.Lines))
	for i, l := range out.Lines {
		mlines[i] = match.Line{
			LineNo:         l.LineNo,
			CustomerSKURaw: l.CustomerSKURaw,
			Description:    l.Description,
			Qty:            l.Qty,
			UoM:            l.UoM,
			UnitPrice:      l.UnitPrice,
			Currency:       l.Currency,
		}
	}
	results, err := b.Match.MatchLines(ctx, org.ID, customerID, mlines, eff, settings.EmbeddingsEnabled)
	if err != nil {
		return nil, err
	}

	draft := &models.DraftOrder{
		ID:                    uuid.New(),
		OrgID:                 org.ID,
		CustomerID:            customerID,
		DocumentID:            &doc.ID,
		ExtractionRunID:       &runID,
		Status:                models.DraftNeedsReview,
		ExternalOrderNumber:   out.Order.ExternalOrderNumber,
		OrderDate:             out.Order.OrderDate,
		RequestedDeliveryDate: out.Order.RequestedDeliveryDate,
		Notes:                 out.Order.Notes,
	}
	if out.Order.Currency != nil {
		draft.Currency = *out.Order.Currency
	}

	lines := make([]models.DraftOrderLine, len(out.Lines))
	for i, l := range out.Lines {
		res := results[i]
		debug, err := json.Marshal(res.Candidates)
		if err != nil {
			return nil, errs.E(errs.KindFatal, op, err)
		}
		lines[i] = models.DraftOrderLine{
			ID:              uuid.New(),
			OrgID:           org.ID,
			DraftID:         draft.ID,
			LineNo:          l.LineNo,
			CustomerSKURaw:  l.CustomerSKURaw,
			Description:     l.Description,
			Qty:             l.Qty,
			UoM:             l.UoM,
			UnitPrice:       l.UnitPrice,
			Currency:        l.Currency,
			DeliveryDate:    l.DeliveryDate,
			InternalSKU:     res.InternalSKU,
			MatchConfidence: res.Confidence,
			MatchMethod:     res.Method,
			MatchStatus:     res.Status,
			MatchDebugJSON:  debug,
		}
	}

	if err := b.Drafts.Create(ctx, draft, lines); err != nil {
		return nil, err
	}

	in := validate.Input{
		Draft:                 *draft,
		Lines:                 lines,
		LineContexts:          map[int]validate.LineContext{},
		CustomerCandidateIDs:  candidateIDs,
		ExtractionWarnings:    out.Warnings,
		PriceTolerancePercent: eff.PriceTolerancePercent,
	}
	if err := b.loadLineContexts(ctx, org.ID, customerID, lines, in.LineContexts); err != nil {
		return nil, err
	}
	if draft.ExternalOrderNumber != nil {
		dups, err := b.Drafts.RecentWithSameOrderNumber(ctx, org.ID, customerID,
			*draft.ExternalOrderNumber, draft.ID, DuplicateOrderWindow)
		if err != nil {
			return nil, err
		}
		in.DuplicateDraftIDs = dups
	}

	res := validate.Run(in)
	rc, err := json.Marshal(validate.Summary(res))
	if err != nil {
		return nil, errs.E(errs.KindFatal, op, err)
	}
	if err := b.Drafts.SetReadyCheck(ctx, org.ID, draft.ID, rc); err != nil {
		return nil, err
	}
	draft.ReadyCheckJSON = rc

	if res.Ready {
		if err := b.Flow.MarkReady(ctx, org.ID, draft.ID, "system"); err != nil {
			return nil, err
		}
		draft.Status = models.DraftReady
	}

	b.Log.Info("draft created",
		zap.String("org", org.Slug),
		zap.String("draft_id", draft.ID.String()),
		zap.String("document_id", doc.ID.String()),
		zap.String("status", string(draft.Status)),
		zap.Int("lines", len(lines)),
		zap.Int("issues", len(res.Issues)))
	return draft, nil
}

// resolveCustomer maps the header hint to a customer. A single candidate is
// assigned; several stay unassigned and feed the ambiguity rule, so the
// operator makes the call.
func (b *DraftBuilder) resolveCustomer(ctx context.Context, orgID uuid.UUID, hint *string) (*uuid.UUID, []uuid.UUID, error) {
	if hint == nil || strings.TrimSpace(*hint) == "" {
		return nil, nil, nil
	}
	customers, _, err := b.Catalog.CustomersByNameSimilarity(ctx, orgID, *hint, customerCandidateLimit)
	if err != nil {
		return nil, nil, err
	}
	if len(customers) == 1 {
		id := customers[0].ID
		return &id, nil, nil
	}
	ids := make([]uuid.UUID, 0, len(customers))
	for _, c := range customers {
		ids = append(ids, c.ID)
	}
	return nil, ids, nil
}

// loadLineContexts resolves the matched product and price tier per line. A
// missing product or tier is an empty context, not an error; validation
// decides what that means.
func (b *DraftBuilder) loadLineContexts(ctx context.Context, orgID uuid.UUID, customerID *uuid.UUID, lines []models.DraftOrderLine, into map[int]validate.LineContext) error {
	now := time.Now().UTC()
	for _, ln := range lines {
		if ln.InternalSKU == nil {
			continue
		}
		var lctx validate.LineContext
		product, err := b.Catalog.GetProduct(ctx, orgID, *ln.InternalSKU)
		switch {
		case err == nil:
			lctx.Product = product
		case errs.IsKind(err, errs.KindNotFound):
		default:
			return err
		}
		if customerID != nil && ln.Currency != nil && ln.UoM != nil {
			tier, err := b.Catalog.PriceTier(ctx, orgID, *customerID, *ln.InternalSKU,
				*ln.Currency, *ln.UoM, ln.Qty, now)
			if err != nil {
				return err
			}
			lctx.Tier = tier
		}
		into[ln.LineNo] = lctx
	}
	return nil
}
