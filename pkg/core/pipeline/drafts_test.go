package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderflow/pkg/core/canonical"
	"orderflow/pkg/core/config"
	"orderflow/pkg/core/match"
	"orderflow/pkg/core/validate"
	"orderflow/pkg/models"
)

type fakeDraftStore struct {
	draft      *models.DraftOrder
	lines      []models.DraftOrderLine
	readyCheck json.RawMessage
	duplicates []uuid.UUID
}

func (s *fakeDraftStore) Create(ctx context.Context, draft *models.DraftOrder, lines []models.DraftOrderLine) error {
	s.draft = draft
	s.lines = lines
	return nil
}

func (s *fakeDraftStore) SetReadyCheck(ctx context.Context, orgID, id uuid.UUID, readyCheck json.RawMessage) error {
	s.readyCheck = readyCheck
	return nil
}

func (s *fakeDraftStore) RecentWithSameOrderNumber(ctx context.Context, orgID uuid.UUID, customerID *uuid.UUID, externalOrderNumber string, excludeDraft uuid.UUID, window time.Duration) ([]uuid.UUID, error) {
	return s.duplicates, nil
}

type fakeDraftCatalog struct {
	customers []models.Customer
	products  map[string]*models.Product
	tiers     map[string]*models.CustomerPrice
}

func (c *fakeDraftCatalog) CustomersByNameSimilarity(ctx context.Context, orgID uuid.UUID, hint string, limit int) ([]models.Customer, []float64, error) {
	sims := make([]float64, len(c.customers))
	return c.customers, sims, nil
}

func (c *fakeDraftCatalog) GetProduct(ctx context.Context, orgID uuid.UUID, internalSKU string) (*models.Product, error) {
	if p, ok := c.products[internalSKU]; ok {
		return p, nil
	}
	return nil, nil
}

func (c *fakeDraftCatalog) PriceTier(ctx context.Context, orgID, customerID uuid.UUID, internalSKU, currency, uom string, qty float64, at time.Time) (*models.CustomerPrice, error) {
	return c.tiers[internalSKU], nil
}

type fakeMatcher struct {
	results    []*match.Result
	customerID *uuid.UUID
	called     bool
}

func (m *fakeMatcher) MatchLines(ctx context.Context, orgID uuid.UUID, customerID *uuid.UUID, lines []match.Line, settings config.Tunables, embeddingsEnabled bool) ([]*match.Result, error) {
	m.called = true
	m.customerID = customerID
	return m.results, nil
}

type fakeReadyMarker struct {
	marked []uuid.UUID
	actor  string
}

func (f *fakeReadyMarker) MarkReady(ctx context.Context, orgID, id uuid.UUID, actor string) error {
	f.marked = append(f.marked, id)
	f.actor = actor
	return nil
}

func matchedResult(sku string, conf float64) *match.Result {
	method := models.MethodHybrid
	return &match.Result{
		InternalSKU: &sku,
		Confidence:  conf,
		Method:      &method,
		Status:      models.MatchMatched,
	}
}

func extractionOutput() *canonical.Output {
	ord := "PO-2025-1042"
	date := "2025-12-27"
	cur := "EUR"
	hint := "Eon Energie"
	sku := "AB-1234"
	desc := "Widget groß"
	uom := "ST"
	price := 45.50
	return &canonical.Output{
		ExtractorVersion: "rule_v1",
		Order: canonical.Header{
			ExternalOrderNumber: &ord,
			OrderDate:           &date,
			Currency:            &cur,
			CustomerHint:        &hint,
		},
		Lines: []canonical.Line{{
			LineNo:         1,
			CustomerSKURaw: &sku,
			Description:    &desc,
			Qty:            10,
			UoM:            &uom,
			UnitPrice:      &price,
			Currency:       &cur,
		}},
	}
}

func builderFixture(customers []models.Customer, results []*match.Result) (*DraftBuilder, *fakeDraftStore, *fakeMatcher, *fakeReadyMarker) {
	store := &fakeDraftStore{}
	catalog := &fakeDraftCatalog{
		customers: customers,
		products: map[string]*models.Product{
			"INT-200": {InternalSKU: "INT-200", BaseUoM: "ST", Active: true},
		},
		tiers: map[string]*models.CustomerPrice{
			"INT-200": {InternalSKU: "INT-200", Currency: "EUR", UoM: "ST", UnitPrice: 45.50},
		},
	}
	matcher := &fakeMatcher{results: results}
	flow := &fakeReadyMarker{}
	b := NewDraftBuilder(store, catalog, matcher, flow, config.FromEnv(), zap.NewNop())
	return b, store, matcher, flow
}

func TestBuildDraftReady(t *testing.T) {
	customer := models.Customer{ID: uuid.New(), Name: "Eon Energie GmbH"}
	b, store, matcher, flow := builderFixture(
		[]models.Customer{customer},
		[]*match.Result{matchedResult("INT-200", 0.95)})

	org := models.Org{ID: uuid.New(), Slug: "acme"}
	doc := &models.Document{ID: uuid.New(), OrgID: org.ID}
	runID := uuid.New()

	draft, err := b.Build(context.Background(), org, doc, runID, extractionOutput())
	require.NoError(t, err)

	require.NotNil(t, draft.CustomerID)
	assert.Equal(t, customer.ID, *draft.CustomerID)
	assert.Equal(t, draft.CustomerID, matcher.customerID)
	assert.Equal(t, models.DraftReady, draft.Status)
	assert.Equal(t, []uuid.UUID{draft.ID}, flow.marked)
	assert.Equal(t, "system", flow.actor)

	require.Len(t, store.lines, 1)
	line := store.lines[0]
	require.NotNil(t, line.InternalSKU)
	assert.Equal(t, "INT-200", *line.InternalSKU)
	assert.Equal(t, 0.95, line.MatchConfidence)
	assert.Equal(t, models.MatchMatched, line.MatchStatus)

	var rc validate.ReadyCheck
	require.NoError(t, json.Unmarshal(store.readyCheck, &rc))
	assert.True(t, rc.Ready)
	assert.Zero(t, rc.ErrorCount)
}

func TestBuildDraftAmbiguousCustomerStaysInReview(t *testing.T) {
	b, store, matcher, flow := builderFixture(
		[]models.Customer{
			{ID: uuid.New(), Name: "Eon Energie GmbH"},
			{ID: uuid.New(), Name: "Eon Energie AG"},
		},
		[]*match.Result{matchedResult("INT-200", 0.95)})

	org := models.Org{ID: uuid.New(), Slug: "acme"}
	draft, err := b.Build(context.Background(), org, &models.Document{ID: uuid.New()}, uuid.New(), extractionOutput())
	require.NoError(t, err)

	assert.Nil(t, draft.CustomerID)
	assert.Nil(t, matcher.customerID)
	assert.Equal(t, models.DraftNeedsReview, draft.Status)
	assert.Empty(t, flow.marked)

	var rc validate.ReadyCheck
	require.NoError(t, json.Unmarshal(store.readyCheck, &rc))
	assert.False(t, rc.Ready)
	kinds := issueKinds(rc)
	assert.Contains(t, kinds, validate.KindAmbiguousCustomer)
}

func TestBuildDraftDuplicateOrderWarns(t *testing.T) {
	customer := models.Customer{ID: uuid.New(), Name: "Eon Energie GmbH"}
	b, store, _, flow := builderFixture(
		[]models.Customer{customer},
		[]*match.Result{matchedResult("INT-200", 0.95)})
	store.duplicates = []uuid.UUID{uuid.New()}

	org := models.Org{ID: uuid.New(), Slug: "acme"}
	draft, err := b.Build(context.Background(), org, &models.Document{ID: uuid.New()}, uuid.New(), extractionOutput())
	require.NoError(t, err)

	// A duplicate is a warning; legitimate repeat orders exist, so the
	// draft still goes READY and the reviewer sees the flag.
	assert.Equal(t, models.DraftReady, draft.Status)
	assert.Len(t, flow.marked, 1)

	var rc validate.ReadyCheck
	require.NoError(t, json.Unmarshal(store.readyCheck, &rc))
	assert.True(t, rc.Ready)
	assert.Equal(t, 1, rc.WarningCount)
	assert.Contains(t, issueKinds(rc), validate.KindDuplicateOrder)
}

func TestBuildDraftUnmatchedLineNotReady(t *testing.T) {
	customer := models.Customer{ID: uuid.New(), Name: "Eon Energie GmbH"}
	b, store, _, flow := builderFixture(
		[]models.Customer{customer},
		[]*match.Result{{Status: models.MatchUnmatched}})

	org := models.Org{ID: uuid.New(), Slug: "acme"}
	draft, err := b.Build(context.Background(), org, &models.Document{ID: uuid.New()}, uuid.New(), extractionOutput())
	require.NoError(t, err)

	assert.Equal(t, models.DraftNeedsReview, draft.Status)
	assert.Empty(t, flow.marked)

	var rc validate.ReadyCheck
	require.NoError(t, json.Unmarshal(store.readyCheck, &rc))
	assert.False(t, rc.Ready)
	assert.Contains(t, issueKinds(rc), validate.KindMissingSKU)
}

func issueKinds(rc validate.ReadyCheck) []string {
	kinds := make([]string, 0, len(rc.Issues))
	for _, is := range rc.Issues {
		kinds = append(kinds, is.Kind)
	}
	return kinds
}
