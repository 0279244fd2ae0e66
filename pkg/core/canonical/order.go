// Package canonical defines the order-JSON schema every extractor produces.
// It is the interchange format between extraction, matching, validation and
// export; all confidences are clamped to [0,1] before leaving this package.
package canonical

import (
	"encoding/json"
	"fmt"
)

// Output is the canonical order output of one extraction.
type Output struct {
	ExtractorVersion string         `json:"extractor_version"`
	Order            Header         `json:"order"`
	Lines            []Line         `json:"lines"`
	Confidence       Confidence     `json:"confidence"`
	Warnings         []string       `json:"warnings"`
	Metadata         map[string]any `json:"metadata"`
}

// Header carries the order-level fields. Nullable fields are pointers and are
// serialized as explicit nulls, never omitted.
type Header struct {
	ExternalOrderNumber   *string  `json:"external_order_number"`
	OrderDate             *string  `json:"order_date"` // YYYY-MM-DD
	Currency              *string  `json:"currency"`   // ISO-4217
	CustomerHint          *string  `json:"customer_hint"`
	RequestedDeliveryDate *string  `json:"requested_delivery_date"`
	ShipTo                *Address `json:"ship_to"`
	BillTo                *Address `json:"bill_to"`
	Notes                 *string  `json:"notes"`
}

type Address struct {
	Name    string `json:"name"`
	Street  string `json:"street"`
	Zip     string `json:"zip"`
	City    string `json:"city"`
	Country string `json:"country"`
}

type Line struct {
	LineNo         int      `json:"line_no"` // >= 1
	CustomerSKURaw *string  `json:"customer_sku_raw"`
	Description    *string  `json:"product_description"`
	Qty            float64  `json:"qty"` // > 0, <= 1e6
	UoM            *string  `json:"uom"` // canonical vocabulary
	UnitPrice      *float64 `json:"unit_price"`
	Currency       *string  `json:"currency"`
	DeliveryDate   *string  `json:"delivery_date"`
}

// Confidence is the per-output confidence structure.
type Confidence struct {
	Overall float64            `json:"overall"`
	Header  map[string]float64 `json:"header"`
	Lines   []LineConfidence   `json:"lines"`
}

type LineConfidence struct {
	LineNo int                `json:"line_no"`
	Fields map[string]float64 `json:"fields"`
	Score  float64            `json:"score"`
}

// MaxQty is the upper plausibility bound for a line quantity.
const MaxQty = 1_000_000

// MaxLines bounds the line count of one order.
const MaxLines = 500

// Parse decodes and structurally validates a canonical output document.
func Parse(data []byte) (*Output, error) {
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("canonical output does not parse: %w", err)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks the structural invariants of the schema.
func (o *Output) Validate() error {
	if o.ExtractorVersion == "" {
		return fmt.Errorf("extractor_version is required")
	}
	if len(o.Lines) > MaxLines {
		return fmt.Errorf("line count %d exceeds %d", len(o.Lines), MaxLines)
	}
	for i, ln := range o.Lines {
		if ln.LineNo < 1 {
			return fmt.Errorf("line %d: line_no must be >= 1", i)
		}
		if ln.Qty <= 0 || ln.Qty > MaxQty {
			return fmt.Errorf("line %d: qty %v out of range (0, %d]", ln.LineNo, ln.Qty, MaxQty)
		}
		if ln.UoM != nil {
			if _, ok := CanonicalUoM(*ln.UoM); !ok {
				return fmt.Errorf("line %d: uom %q not in canonical vocabulary", ln.LineNo, *ln.UoM)
			}
		}
		if ln.UnitPrice != nil && *ln.UnitPrice < 0 {
			return fmt.Errorf("line %d: negative unit_price", ln.LineNo)
		}
	}
	return nil
}

// Clamp01 clamps a confidence value into [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ClampConfidences normalizes every confidence in place before persistence.
func (o *Output) ClampConfidences() {
	o.Confidence.Overall = Clamp01(o.Confidence.Overall)
	for k, v := range o.Confidence.Header {
		o.Confidence.Header[k] = Clamp01(v)
	}
	for i := range o.Confidence.Lines {
		o.Confidence.Lines[i].Score = Clamp01(o.Confidence.Lines[i].Score)
		for k, v := range o.Confidence.Lines[i].Fields {
			o.Confidence.Lines[i].Fields[k] = Clamp01(v)
		}
	}
}
