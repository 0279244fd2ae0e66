package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"orderflow/pkg/core/canonical"
)

// HTMLExtractor handles purchase orders mailed as HTML attachments. The
// widest table in the document is treated as the order table; header mapping
// is shared with the CSV path.
type HTMLExtractor struct{}

func NewHTMLExtractor() *HTMLExtractor { return &HTMLExtractor{} }

func (e *HTMLExtractor) Name() string { return RuleVersion + "/html" }

func (e *HTMLExtractor) CanHandle(mimeType string) bool {
	return mimeType == MIMEHTML || mimeType == "application/xhtml+xml"
}

func (e *HTMLExtractor) Extract(_ context.Context, in *Input) (*canonical.Output, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(in.Data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	rows := widestTableRows(doc)
	if len(rows) == 0 {
		return nil, fmt.Errorf("html contains no usable table")
	}

	decimalComma := detectDecimalComma(flattenCells(rows))

	// Text outside the table carries the order number / date region.
	region := strings.TrimSpace(doc.Find("body").Text())

	return buildFromTable(rows, tableOptions{
		DecimalComma:     decimalComma,
		ExtractorVersion: RuleVersion,
		HeaderRegion:     region,
		Metadata:         map[string]any{"format": "html"},
	})
}

// widestTableRows returns the cell matrix of the table with the most columns
// (ties broken by row count).
func widestTableRows(doc *goquery.Document) [][]string {
	var best [][]string
	bestCols := 0
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		var rows [][]string
		cols := 0
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, strings.TrimSpace(cell.Text()))
			})
			if len(cells) > cols {
				cols = len(cells)
			}
			rows = append(rows, cells)
		})
		if cols > bestCols || (cols == bestCols && len(rows) > len(best)) {
			best, bestCols = rows, cols
		}
	})
	return best
}
