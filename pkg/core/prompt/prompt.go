// Package prompt composes the prompts for LLM-based order extraction.
// Few-shot examples are layout-scoped and always belong to the requesting org;
// callers must never pass examples across tenants.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaxFewShot is the maximum number of examples embedded into a prompt.
const MaxFewShot = 3

// MaxSnippetChars bounds one example's input snippet.
const MaxSnippetChars = 1500

// Example is one few-shot pair retrieved from the feedback store.
type Example struct {
	InputSnippet string          `json:"input_snippet"`
	Output       json.RawMessage `json:"output"`
}

// ExtractionSystemPrompt instructs the model to emit the canonical order
// schema and nothing else.
const ExtractionSystemPrompt = `You are a purchase-order extraction engine for B2B orders.
You receive the text (or page images) of one purchase order and return a single JSON document with this exact shape:

{
  "extractor_version": "llm_v1",
  "order": {
    "external_order_number": string|null,
    "order_date": "YYYY-MM-DD"|null,
    "currency": ISO-4217 string|null,
    "customer_hint": string|null,
    "requested_delivery_date": "YYYY-MM-DD"|null,
    "ship_to": {"name","street","zip","city","country"}|null,
    "bill_to": {"name","street","zip","city","country"}|null,
    "notes": string|null
  },
  "lines": [
    {
      "line_no": integer >= 1,
      "customer_sku_raw": string|null,
      "product_description": string|null,
      "qty": number > 0,
      "uom": one of [ST,M,CM,MM,KG,G,L,ML,KAR,PAL,SET]|null,
      "unit_price": number|null,
      "currency": ISO-4217 string|null,
      "delivery_date": "YYYY-MM-DD"|null
    }
  ],
  "confidence": {"overall": number in [0,1], "header": {field: number}, "lines": [{"line_no": n, "fields": {field: number}, "score": number}]},
  "warnings": [string],
  "metadata": {}
}

Rules:
1. Only extract data literally present in the document. Never invent SKUs, quantities or prices.
2. Copy customer_sku_raw exactly as printed, including separators.
3. Dates must be converted to YYYY-MM-DD. German formats (31.12.2025) are day-first.
4. Map units to the canonical vocabulary; set uom to null when the unit is unrecognizable.
5. Return nullable fields as explicit null, never omit them.
6. Return ONLY the JSON document. No markdown, no commentary.`

// BuildExtractionPrompt assembles the user prompt from the document text and
// up to MaxFewShot layout-scoped examples.
func BuildExtractionPrompt(docText string, examples []Example) string {
	var b strings.Builder

	if len(examples) > 0 {
		b.WriteString("Corrected extractions from documents with the same layout (hint_examples):\n")
		n := len(examples)
		if n > MaxFewShot {
			n = MaxFewShot
		}
		for i := 0; i < n; i++ {
			ex := examples[i]
			snippet := ex.InputSnippet
			if len(snippet) > MaxSnippetChars {
				snippet = snippet[:MaxSnippetChars]
			}
			fmt.Fprintf(&b, "--- Example %d input ---\n%s\n--- Example %d output ---\n%s\n", i+1, snippet, i+1, string(ex.Output))
		}
		b.WriteString("\n")
	}

	b.WriteString("Purchase order document:\n---\n")
	b.WriteString(docText)
	b.WriteString("\n---\nExtract the order as specified.")
	return b.String()
}

// BuildVisionPrompt is the user prompt for the image path; the pages travel as
// separate image parts.
func BuildVisionPrompt(examples []Example) string {
	return BuildExtractionPrompt("(see attached page images)", examples)
}
