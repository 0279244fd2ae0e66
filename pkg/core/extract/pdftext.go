package extract

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"

	"orderflow/pkg/core/canonical"
	"orderflow/pkg/core/layout"
)

// charsPerPage is the denominator of the text-coverage ratio: a full text
// page is assumed to carry ~3000 characters.
const charsPerPage = 3000

// PDFTextExtractor works on the embedded text layer of a PDF. Scans with a
// low text-coverage ratio are routed to the LLM vision path by the
// orchestrator instead.
type PDFTextExtractor struct{}

func NewPDFTextExtractor() *PDFTextExtractor { return &PDFTextExtractor{} }

func (e *PDFTextExtractor) Name() string { return RuleVersion + "/pdf" }

func (e *PDFTextExtractor) CanHandle(mimeType string) bool {
	return mimeType == MIMEPDF
}

// PDFInfo is the result of the text pass shared with the orchestrator: the
// extracted text is reused by the LLM path, the meta feeds the layout
// fingerprint.
type PDFInfo struct {
	Text          string
	Meta          layout.Meta
	CoverageRatio float64
}

// InspectPDF extracts text and structural metadata from a PDF.
func InspectPDF(data []byte) (*PDFInfo, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	info := &PDFInfo{}
	info.Meta.PageCount = r.NumPage()

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		info.Meta.PageDimensions = append(info.Meta.PageDimensions, pageDim(p))
		pageText, err := p.GetPlainText(nil)
		if err != nil {
			continue // pages without a text layer contribute nothing
		}
		text.WriteString(pageText)
		text.WriteString("\n")
	}

	info.Text = text.String()
	if info.Meta.PageCount > 0 {
		info.CoverageRatio = float64(len(info.Text)) / float64(info.Meta.PageCount*charsPerPage)
	}
	info.Meta.TextCoverageRatio = info.CoverageRatio
	info.Meta.TableCount = countTableBlocks(info.Text)
	return info, nil
}

func pageDim(p pdf.Page) layout.Dim {
	box := p.V.Key("MediaBox")
	if box.Len() >= 4 {
		return layout.Dim{
			Width:  int(box.Index(2).Float64()),
			Height: int(box.Index(3).Float64()),
		}
	}
	return layout.Dim{Width: 595, Height: 842} // A4 default
}

func (e *PDFTextExtractor) Extract(_ context.Context, in *Input) (*canonical.Output, error) {
	text := in.Text
	if text == "" {
		info, err := InspectPDF(in.Data)
		if err != nil {
			return nil, err
		}
		text = info.Text
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("pdf has no text layer")
	}
	return ExtractFromText(text)
}

// ExtractFromText runs the rule-based table heuristics over plain document
// text. Also used in tests and for text/plain uploads.
func ExtractFromText(text string) (*canonical.Output, error) {
	rows := splitTextRows(text)
	decimalComma := detectDecimalComma(flattenCells(rows))

	out, err := buildFromTable(rows, tableOptions{
		DecimalComma:     decimalComma,
		ExtractorVersion: RuleVersion,
		HeaderRegion:     text,
		Metadata:         map[string]any{"format": "pdf_text"},
	})
	if err == nil && len(out.Lines) > 0 {
		return out, nil
	}

	// Heuristic fallback when no clean table structure is recognizable.
	return extractLinesHeuristically(text, decimalComma)
}

var columnSplitRe = regexp.MustCompile(`\t+| {2,}`)

// splitTextRows turns text lines into table rows on tab runs or 2+ spaces.
func splitTextRows(text string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		cells := columnSplitRe.Split(strings.TrimLeft(line, " "), -1)
		rows = append(rows, cells)
	}
	return rows
}

func countTableBlocks(text string) int {
	count := 0
	inBlock := false
	for _, row := range splitTextRows(text) {
		if len(row) >= 3 {
			if !inBlock {
				count++
				inBlock = true
			}
		} else {
			inBlock = false
		}
	}
	return count
}

// Order-line shapes like "AB-1234 Widget large 10 ST 45,50".
var heuristicLineRe = regexp.MustCompile(`^(?:(\d{1,3})\s+)?([A-Za-z0-9][A-Za-z0-9\-_./]{2,})\s+(.+?)\s+(\d+(?:[.,]\d+)?)\s+([A-Za-zÄÖÜäöü]{1,12})(?:\s+(\d+(?:[.,]\d+)?))?\s*$`)

func extractLinesHeuristically(text string, decimalComma bool) (*canonical.Output, error) {
	out := &canonical.Output{
		ExtractorVersion: RuleVersion,
		Warnings:         []string{"table structure not recognized, heuristic line extraction"},
		Metadata:         map[string]any{"format": "pdf_text", "heuristic": true},
		Confidence:       canonical.Confidence{Header: map[string]float64{}},
	}
	applyHeaderRegion(out, text)

	lineNo := 0
	for _, raw := range strings.Split(text, "\n") {
		m := heuristicLineRe.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			continue
		}
		uom, uomOK := canonical.CanonicalUoM(m[5])
		if !uomOK {
			continue // without a recognizable unit the shape is too ambiguous
		}
		qty, err := parseNumber(m[4], decimalComma)
		if err != nil || qty <= 0 {
			continue
		}
		lineNo++
		sku := m[2]
		desc := strings.TrimSpace(m[3])
		line := canonical.Line{
			LineNo:         lineNo,
			CustomerSKURaw: &sku,
			Description:    &desc,
			Qty:            qty,
			UoM:            &uom,
		}
		fields := map[string]float64{
			colSKU: confFuzzyHeader,
			colQty: confNumericValid,
			colUoM: confFuzzyHeader,
		}
		if m[6] != "" {
			if p, err := parseNumber(m[6], decimalComma); err == nil {
				line.UnitPrice = &p
				fields[colUnitPrice] = confNumericValid
			}
		}
		out.Lines = append(out.Lines, line)
		out.Confidence.Lines = append(out.Confidence.Lines, canonical.LineConfidence{
			LineNo: lineNo,
			Fields: fields,
			Score:  canonical.LineScore(fields),
		})
	}

	if len(out.Lines) == 0 {
		return nil, fmt.Errorf("no order lines recognizable in pdf text")
	}
	out.FinalizeConfidence()
	return out, nil
}
