package match

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/pkg/core/config"
	"orderflow/pkg/core/store"
	"orderflow/pkg/models"
)

type fakeCatalog struct {
	tri     []store.TrigramCandidate
	emb     []store.EmbeddingCandidate
	tier    *models.CustomerPrice
	gotSKU  string
	gotDesc string
}

func (f *fakeCatalog) TrigramCandidates(ctx context.Context, orgID uuid.UUID, skuRaw, description string, limit int) ([]store.TrigramCandidate, error) {
	f.gotSKU, f.gotDesc = skuRaw, description
	return f.tri, nil
}

func (f *fakeCatalog) EmbeddingCandidates(ctx context.Context, orgID uuid.UUID, model string, vector []float32, limit int) ([]store.EmbeddingCandidate, error) {
	return f.emb, nil
}

func (f *fakeCatalog) PriceTier(ctx context.Context, orgID, customerID uuid.UUID, internalSKU, currency, uom string, qty float64, at time.Time) (*models.CustomerPrice, error) {
	return f.tier, nil
}

type suggestedRow struct {
	customerID  uuid.UUID
	norm        string
	internalSKU string
	confidence  float64
}

type fakeMappings struct {
	mapping   *models.SkuMapping
	gotNorm   string
	touched   []uuid.UUID
	suggested []suggestedRow
}

func (f *fakeMappings) Active(ctx context.Context, orgID, customerID uuid.UUID, customerSKUNorm string) (*models.SkuMapping, error) {
	f.gotNorm = customerSKUNorm
	return f.mapping, nil
}

func (f *fakeMappings) Touch(ctx context.Context, id uuid.UUID) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeMappings) Suggest(ctx context.Context, orgID, customerID uuid.UUID, customerSKUNorm, internalSKU string, confidence float64) error {
	f.suggested = append(f.suggested, suggestedRow{customerID, customerSKUNorm, internalSKU, confidence})
	return nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

func (f *fakeEmbedder) Model() string { return "fake-embed-001" }

func product(sku, name, baseUoM string) models.Product {
	return models.Product{
		ID:          uuid.New(),
		InternalSKU: sku,
		Name:        name,
		BaseUoM:     baseUoM,
		Active:      true,
	}
}

func defaultTunables() config.Tunables {
	return config.Tunables{
		AutoApplyThreshold:    0.92,
		AutoApplyGap:          0.10,
		PriceTolerancePercent: 5,
	}
}

func strp(s string) *string   { return &s }
func f64p(v float64) *float64 { return &v }

func TestConfirmedMappingShortCircuits(t *testing.T) {
	orgID := uuid.New()
	customerID := uuid.New()
	mappings := &fakeMappings{mapping: &models.SkuMapping{
		ID:          uuid.New(),
		InternalSKU: "INT-100",
		Status:      models.MappingConfirmed,
	}}
	catalog := &fakeCatalog{tri: []store.TrigramCandidate{
		{Product: product("INT-999", "Decoy", "ST"), SKUSim: 0.95},
	}}
	e := NewEngine(catalog, mappings, nil, nil)

	res, err := e.MatchLine(context.Background(), orgID, &customerID, Line{
		LineNo:         1,
		CustomerSKURaw: strp("ab- 1234"),
		Qty:            10,
	}, defaultTunables(), false)
	require.NoError(t, err)

	assert.Equal(t, "AB-1234", mappings.gotNorm)
	require.NotNil(t, res.InternalSKU)
	assert.Equal(t, "INT-100", *res.InternalSKU)
	assert.Equal(t, 0.99, res.Confidence)
	require.NotNil(t, res.Method)
	assert.Equal(t, models.MethodExactMapping, *res.Method)
	assert.Equal(t, models.MatchMatched, res.Status)
	assert.Empty(t, res.Candidates)
	assert.Len(t, mappings.touched, 1)
	// Scoring never ran.
	assert.Empty(t, catalog.gotSKU)
}

func TestSuggestedMappingDoesNotShortCircuit(t *testing.T) {
	orgID := uuid.New()
	customerID := uuid.New()
	mappings := &fakeMappings{mapping: &models.SkuMapping{
		ID:          uuid.New(),
		InternalSKU: "INT-100",
		Status:      models.MappingSuggested,
	}}
	catalog := &fakeCatalog{}
	e := NewEngine(catalog, mappings, nil, nil)

	res, err := e.MatchLine(context.Background(), orgID, &customerID, Line{
		CustomerSKURaw: strp("AB-1234"),
		Qty:            1,
	}, defaultTunables(), false)
	require.NoError(t, err)

	assert.Equal(t, models.MatchUnmatched, res.Status)
	assert.Empty(t, mappings.touched)
	assert.Equal(t, "AB-1234", catalog.gotSKU)
}

func TestHybridAutoApplySuggests(t *testing.T) {
	a := product("INT-200", "Widget groß", "ST")
	b := product("INT-300", "Widget klein", "ST")
	catalog := &fakeCatalog{
		tri: []store.TrigramCandidate{
			{Product: a, SKUSim: 1.0},
			{Product: b, SKUSim: 0.5},
		},
		// cosine 0.7 maps to an embedding score of 0.85.
		emb: []store.EmbeddingCandidate{{Product: a, Cosine: 0.7}},
	}
	e := NewEngine(catalog, &fakeMappings{}, &fakeEmbedder{vec: []float32{0.1, 0.2}}, nil)

	res, err := e.MatchLine(context.Background(), uuid.New(), nil, Line{
		CustomerSKURaw: strp("AB-1234"),
		Description:    strp("Widget groß"),
		Qty:            10,
		UoM:            strp("ST"),
	}, defaultTunables(), true)
	require.NoError(t, err)

	// 0.62*1.0 + 0.38*0.85 = 0.943.
	assert.InDelta(t, 0.943, res.Confidence, 1e-9)
	assert.Equal(t, models.MatchSuggested, res.Status)
	require.NotNil(t, res.InternalSKU)
	assert.Equal(t, "INT-200", *res.InternalSKU)
	require.NotNil(t, res.Method)
	assert.Equal(t, models.MethodHybrid, *res.Method)
	assert.False(t, res.LowConfidence)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "INT-200", res.Candidates[0].InternalSKU)
	assert.True(t, res.Candidates[0].Features.HasEmbedding)
	assert.False(t, res.Candidates[1].Features.HasEmbedding)
}

func TestAutoApplyRecordsSuggestedMapping(t *testing.T) {
	a := product("INT-200", "Widget groß", "ST")
	b := product("INT-300", "Widget klein", "ST")
	catalog := &fakeCatalog{
		tri: []store.TrigramCandidate{
			{Product: a, SKUSim: 1.0},
			{Product: b, SKUSim: 0.5},
		},
		emb: []store.EmbeddingCandidate{{Product: a, Cosine: 0.7}},
	}
	mappings := &fakeMappings{}
	e := NewEngine(catalog, mappings, &fakeEmbedder{vec: []float32{0.1, 0.2}}, nil)
	customerID := uuid.New()

	res, err := e.MatchLine(context.Background(), uuid.New(), &customerID, Line{
		CustomerSKURaw: strp("AB-1234"),
		Description:    strp("Widget groß"),
		Qty:            10,
		UoM:            strp("ST"),
	}, defaultTunables(), true)
	require.NoError(t, err)
	require.Equal(t, models.MatchSuggested, res.Status)

	// The auto-applied winner seeds the learned store for the confirm/reject
	// cycle.
	require.Len(t, mappings.suggested, 1)
	got := mappings.suggested[0]
	assert.Equal(t, customerID, got.customerID)
	assert.Equal(t, "AB-1234", got.norm)
	assert.Equal(t, "INT-200", got.internalSKU)
	assert.InDelta(t, res.Confidence, got.confidence, 1e-9)
}

func TestNoSuggestedMappingWithoutCustomer(t *testing.T) {
	a := product("INT-200", "Widget groß", "ST")
	catalog := &fakeCatalog{
		tri: []store.TrigramCandidate{{Product: a, SKUSim: 1.0}},
		emb: []store.EmbeddingCandidate{{Product: a, Cosine: 0.7}},
	}
	mappings := &fakeMappings{}
	e := NewEngine(catalog, mappings, &fakeEmbedder{vec: []float32{0.1, 0.2}}, nil)

	res, err := e.MatchLine(context.Background(), uuid.New(), nil, Line{
		CustomerSKURaw: strp("AB-1234"),
		Description:    strp("Widget groß"),
		Qty:            10,
		UoM:            strp("ST"),
	}, defaultTunables(), true)
	require.NoError(t, err)
	require.Equal(t, models.MatchSuggested, res.Status)
	assert.Empty(t, mappings.suggested)
}

func TestCloseRunnerUpStaysUnmatched(t *testing.T) {
	a := product("INT-200", "Widget groß", "ST")
	b := product("INT-300", "Widget klein", "ST")
	catalog := &fakeCatalog{
		tri: []store.TrigramCandidate{
			{Product: a, SKUSim: 1.0},
			{Product: b, SKUSim: 1.0},
		},
		emb: []store.EmbeddingCandidate{
			{Product: a, Cosine: 0.7}, // 0.943
			{Product: b, Cosine: 0.5}, // 0.905
		},
	}
	e := NewEngine(catalog, &fakeMappings{}, &fakeEmbedder{vec: []float32{0.1}}, nil)

	res, err := e.MatchLine(context.Background(), uuid.New(), nil, Line{
		CustomerSKURaw: strp("WID-1"),
		Qty:            2,
		UoM:            strp("ST"),
	}, defaultTunables(), true)
	require.NoError(t, err)

	// Both clear the threshold, but the gap is 0.038 < 0.10: a reviewer
	// has to choose.
	assert.Equal(t, models.MatchUnmatched, res.Status)
	assert.Nil(t, res.InternalSKU)
	assert.Nil(t, res.Method)
	assert.InDelta(t, 0.943, res.Confidence, 1e-9)
	assert.False(t, res.LowConfidence)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "INT-200", res.Candidates[0].InternalSKU)
	assert.Equal(t, "INT-300", res.Candidates[1].InternalSKU)
}

func TestIncompatibleUoMDrownsConfidence(t *testing.T) {
	// Pallet-quantity line against a piece-based product.
	a := product("INT-200", "Widget groß", "ST")
	catalog := &fakeCatalog{
		tri: []store.TrigramCandidate{{Product: a, SKUSim: 0.88}},
		emb: []store.EmbeddingCandidate{{Product: a, Cosine: 0.7}},
	}
	e := NewEngine(catalog, &fakeMappings{}, &fakeEmbedder{vec: []float32{0.1}}, nil)

	res, err := e.MatchLine(context.Background(), uuid.New(), nil, Line{
		CustomerSKURaw: strp("AB-1234"),
		Qty:            3,
		UoM:            strp("PAL"),
	}, defaultTunables(), true)
	require.NoError(t, err)

	// 0.2 * (0.62*0.88 + 0.38*0.85) = 0.17372.
	assert.InDelta(t, 0.17372, res.Confidence, 1e-9)
	assert.Equal(t, models.MatchUnmatched, res.Status)
	assert.Nil(t, res.InternalSKU)
	assert.True(t, res.LowConfidence)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, 0.2, res.Candidates[0].Features.PUoM)
}

func TestAutoApplyBoundary(t *testing.T) {
	tun := defaultTunables()

	// Gap exactly at the threshold applies; one hundredth short does not.
	assert.True(t, autoApply(0.92, 0.82, tun))
	assert.False(t, autoApply(0.92, 0.83, tun))
	assert.False(t, autoApply(0.9199, 0.70, tun))
	assert.True(t, autoApply(0.95, 0.0, tun))
}

func TestNoCandidates(t *testing.T) {
	e := NewEngine(&fakeCatalog{}, &fakeMappings{}, nil, nil)

	res, err := e.MatchLine(context.Background(), uuid.New(), nil, Line{
		CustomerSKURaw: strp("ZZ-0000"),
		Qty:            1,
	}, defaultTunables(), false)
	require.NoError(t, err)

	assert.Equal(t, models.MatchUnmatched, res.Status)
	assert.Nil(t, res.InternalSKU)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, res.Candidates)
}

func TestSimilarityFloorFiltersNoise(t *testing.T) {
	catalog := &fakeCatalog{tri: []store.TrigramCandidate{
		{Product: product("INT-400", "Unrelated", "ST"), SKUSim: 0.20, DescSim: 0.25},
	}}
	e := NewEngine(catalog, &fakeMappings{}, nil, nil)

	res, err := e.MatchLine(context.Background(), uuid.New(), nil, Line{
		CustomerSKURaw: strp("AB-1234"),
		Qty:            1,
	}, defaultTunables(), false)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestCandidateOrderingAndTrim(t *testing.T) {
	catalog := &fakeCatalog{tri: []store.TrigramCandidate{
		{Product: product("INT-906", "F", "ST"), SKUSim: 0.40},
		{Product: product("INT-903", "C", "ST"), SKUSim: 0.60},
		{Product: product("INT-902", "B", "ST"), SKUSim: 0.80}, // ties with INT-901
		{Product: product("INT-905", "E", "ST"), SKUSim: 0.50},
		{Product: product("INT-901", "A", "ST"), SKUSim: 0.80},
		{Product: product("INT-904", "D", "ST"), SKUSim: 0.55},
	}}
	e := NewEngine(catalog, &fakeMappings{}, nil, nil)

	res, err := e.MatchLine(context.Background(), uuid.New(), nil, Line{
		CustomerSKURaw: strp("INT-9"),
		Qty:            1,
		UoM:            strp("ST"),
	}, defaultTunables(), false)
	require.NoError(t, err)

	require.Len(t, res.Candidates, 5)
	got := make([]string, 0, 5)
	for _, c := range res.Candidates {
		got = append(got, c.InternalSKU)
	}
	// Equal confidences break ties on SKU ascending; the sixth candidate
	// is trimmed.
	assert.Equal(t, []string{"INT-901", "INT-902", "INT-903", "INT-904", "INT-905"}, got)
}

func TestPriceDeviationPenalized(t *testing.T) {
	customerID := uuid.New()
	a := product("INT-200", "Widget groß", "ST")
	catalog := &fakeCatalog{
		tri: []store.TrigramCandidate{{Product: a, SKUSim: 1.0}},
		tier: &models.CustomerPrice{
			InternalSKU: "INT-200",
			Currency:    "EUR",
			UoM:         "ST",
			UnitPrice:   40.00,
		},
	}
	e := NewEngine(catalog, &fakeMappings{}, nil, nil)

	// 45.50 against 40.00 is a 13.75% deviation, beyond twice the 5%
	// tolerance.
	res, err := e.MatchLine(context.Background(), uuid.New(), &customerID, Line{
		CustomerSKURaw: strp("AB-1234"),
		Qty:            10,
		UoM:            strp("ST"),
		UnitPrice:      f64p(45.50),
		Currency:       strp("EUR"),
	}, defaultTunables(), false)
	require.NoError(t, err)

	require.Len(t, res.Candidates, 1)
	assert.Equal(t, 0.65, res.Candidates[0].Features.PPrice)
	// 0.62 * 1.0 * 0.65.
	assert.InDelta(t, 0.403, res.Confidence, 1e-9)
}

func TestEmbedderFailureFallsBackToTrigram(t *testing.T) {
	a := product("INT-200", "Widget groß", "ST")
	catalog := &fakeCatalog{tri: []store.TrigramCandidate{{Product: a, SKUSim: 1.0}}}
	e := NewEngine(catalog, &fakeMappings{}, &fakeEmbedder{err: errors.New("quota")}, nil)

	res, err := e.MatchLine(context.Background(), uuid.New(), nil, Line{
		CustomerSKURaw: strp("AB-1234"),
		Qty:            1,
		UoM:            strp("ST"),
	}, defaultTunables(), true)
	require.NoError(t, err)

	require.Len(t, res.Candidates, 1)
	assert.False(t, res.Candidates[0].Features.HasEmbedding)
	assert.InDelta(t, 0.62, res.Confidence, 1e-9)
}

func TestMatchLinesKeepsInputOrder(t *testing.T) {
	a := product("INT-200", "Widget", "ST")
	catalog := &fakeCatalog{tri: []store.TrigramCandidate{{Product: a, SKUSim: 1.0}}}
	customerID := uuid.New()
	mappings := &fakeMappings{mapping: &models.SkuMapping{
		ID:          uuid.New(),
		InternalSKU: "INT-100",
		Status:      models.MappingConfirmed,
	}}
	e := NewEngine(catalog, mappings, nil, nil)

	lines := []Line{
		{LineNo: 1, CustomerSKURaw: strp("AB-1"), Qty: 1},
		{LineNo: 2, Description: strp("Widget"), Qty: 2},
		{LineNo: 3, CustomerSKURaw: strp("AB-3"), Qty: 3},
	}
	results, err := e.MatchLines(context.Background(), uuid.New(), &customerID, lines, defaultTunables(), false)
	require.NoError(t, err)

	require.Len(t, results, 3)
	// Lines 1 and 3 hit the confirmed mapping; line 2 has no SKU and goes
	// through scoring.
	assert.Equal(t, models.MatchMatched, results[0].Status)
	assert.Equal(t, models.MatchUnmatched, results[1].Status)
	assert.Equal(t, models.MatchMatched, results[2].Status)
}
