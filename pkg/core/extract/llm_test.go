package extract

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/pkg/core/llm"
	"orderflow/pkg/core/utils"
)

// fakeProvider scripts provider responses for the extractor.
type fakeProvider struct {
	extractRaw  string
	extractErr  error
	repairRaw   string
	repairErr   error
	extractHits int
	repairHits  int
	lastUser    string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ExtractFromText(_ context.Context, _, userPrompt string) (*llm.Result, error) {
	f.extractHits++
	f.lastUser = userPrompt
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	return &llm.Result{Raw: f.extractRaw, Parsed: utils.TolerantParseObject(f.extractRaw), Model: "fake"}, nil
}

func (f *fakeProvider) ExtractFromImages(ctx context.Context, system, user string, _ []string) (*llm.Result, error) {
	return f.ExtractFromText(ctx, system, user)
}

func (f *fakeProvider) RepairJSON(_ context.Context, _ string) (*llm.Result, error) {
	f.repairHits++
	if f.repairErr != nil {
		return nil, f.repairErr
	}
	return &llm.Result{Raw: f.repairRaw, Parsed: utils.TolerantParseObject(f.repairRaw), Model: "fake"}, nil
}

const validLLMOutput = `{
	"extractor_version": "llm_v1",
	"order": {
		"external_order_number": "PO-77",
		"order_date": "2025-12-01",
		"currency": "EUR",
		"customer_hint": "ACME GmbH",
		"requested_delivery_date": null,
		"ship_to": null,
		"bill_to": null,
		"notes": null
	},
	"lines": [
		{"line_no": 1, "customer_sku_raw": "AB-1234", "product_description": "Widget", "qty": 10, "uom": "ST", "unit_price": 45.5, "currency": "EUR", "delivery_date": null}
	],
	"confidence": {
		"overall": 0.9,
		"header": {"external_order_number": 0.95, "currency": 0.9, "customer_hint": 0.8},
		"lines": [{"line_no": 1, "fields": {"customer_sku_raw": 0.95, "qty": 0.9, "uom": 0.9, "unit_price": 0.9}, "score": 0.92}]
	},
	"warnings": [],
	"metadata": {}
}`

const docTextAB = "Bestellung PO-77 von ACME GmbH\nAB-1234  Widget  10  ST  45,50\n"

func TestLLMExtractorHappyPath(t *testing.T) {
	p := &fakeProvider{extractRaw: validLLMOutput}
	e := NewLLMExtractor(p)

	out, calls, err := e.Run(context.Background(), &Input{Text: docTextAB})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, llm.CallExtractText, calls[0].Type)
	assert.Equal(t, 1, p.extractHits)
	assert.Equal(t, 0, p.repairHits)

	assert.Equal(t, LLMVersion, out.ExtractorVersion)
	require.Len(t, out.Lines, 1)
	assert.Equal(t, "AB-1234", *out.Lines[0].CustomerSKURaw)
	assert.Equal(t, 0.9, out.Confidence.Overall)
}

func TestLLMExtractorRepairsFencedOutput(t *testing.T) {
	// Markdown-fenced output is repaired locally without a provider call.
	p := &fakeProvider{extractRaw: "```json\n" + validLLMOutput + "\n```"}
	e := NewLLMExtractor(p)

	out, calls, err := e.Run(context.Background(), &Input{Text: docTextAB})
	require.NoError(t, err)
	assert.Equal(t, 0, p.repairHits)
	require.Len(t, calls, 1)
	require.Len(t, out.Lines, 1)
}

func TestLLMExtractorSingleProviderRepairAttempt(t *testing.T) {
	p := &fakeProvider{
		extractRaw: `{"truncated garbage that no local repair can recover [[[`,
		repairRaw:  validLLMOutput,
	}
	e := NewLLMExtractor(p)

	out, calls, err := e.Run(context.Background(), &Input{Text: docTextAB})
	require.NoError(t, err)
	assert.Equal(t, 1, p.repairHits)
	require.Len(t, calls, 2)
	assert.Equal(t, llm.CallRepairJSON, calls[1].Type)
	require.Len(t, out.Lines, 1)
}

func TestLLMExtractorRepairFailureSurfaces(t *testing.T) {
	p := &fakeProvider{
		extractRaw: `not json at all [[[`,
		repairErr:  fmt.Errorf("model unavailable"),
	}
	e := NewLLMExtractor(p)

	_, calls, err := e.Run(context.Background(), &Input{Text: docTextAB})
	require.Error(t, err)
	assert.Equal(t, 1, p.repairHits)
	require.Len(t, calls, 2)
	require.Error(t, calls[1].Err)
}

func TestLLMExtractorGuardsRejectInventedLines(t *testing.T) {
	invented := `{
		"extractor_version": "llm_v1",
		"order": {"external_order_number": null, "order_date": null, "currency": null, "customer_hint": null, "requested_delivery_date": null, "ship_to": null, "bill_to": null, "notes": null},
		"lines": [{"line_no": 1, "customer_sku_raw": "HALLUCINATED-99", "product_description": null, "qty": 10, "uom": "ST", "unit_price": null, "currency": null, "delivery_date": null}],
		"confidence": {"overall": 0.9, "header": {}, "lines": []},
		"warnings": [],
		"metadata": {}
	}`
	p := &fakeProvider{extractRaw: invented}
	e := NewLLMExtractor(p)

	_, _, err := e.Run(context.Background(), &Input{Text: docTextAB})
	require.Error(t, err)
	var gv *GuardViolation
	require.ErrorAs(t, err, &gv)
	assert.Equal(t, "anchor", gv.Guard)
}

func TestLLMExtractorRequiresTextOrImages(t *testing.T) {
	e := NewLLMExtractor(&fakeProvider{extractRaw: validLLMOutput})
	_, _, err := e.Run(context.Background(), &Input{})
	require.Error(t, err)
}

func TestLLMExtractorVisionPathSkipsAnchor(t *testing.T) {
	p := &fakeProvider{extractRaw: validLLMOutput}
	e := NewLLMExtractor(p)

	out, calls, err := e.Run(context.Background(), &Input{ImagesB64: []string{"aW1hZ2U="}})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, llm.CallExtractVision, calls[0].Type)
	require.Len(t, out.Lines, 1)
}

func TestLLMExtractorFewShotInPrompt(t *testing.T) {
	p := &fakeProvider{extractRaw: validLLMOutput}
	e := NewLLMExtractor(p)

	_, _, err := e.Run(context.Background(), &Input{
		Text: docTextAB,
		Examples: []FewShot{
			{InputSnippet: "Artikel X-1 Menge 5 ST", Output: []byte(`{"lines":[]}`)},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, p.lastUser, "Artikel X-1 Menge 5 ST")
}
