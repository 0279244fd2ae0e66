package extract

import (
	"bytes"
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"orderflow/pkg/core/canonical"
)

// XLSXExtractor reads the first sheet of a workbook. Merged cells yield their
// top-left value; header detection and column mapping are shared with CSV.
type XLSXExtractor struct{}

func NewXLSXExtractor() *XLSXExtractor { return &XLSXExtractor{} }

func (e *XLSXExtractor) Name() string { return RuleVersion + "/xlsx" }

func (e *XLSXExtractor) CanHandle(mimeType string) bool {
	return mimeType == MIMEXLSX || mimeType == "application/vnd.ms-excel"
}

func (e *XLSXExtractor) Extract(_ context.Context, in *Input) (*canonical.Output, error) {
	f, err := excelize.OpenReader(bytes.NewReader(in.Data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	sheet := sheets[0]

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", sheet)
	}

	// Cell values arrive already formatted; decimal format is voted on the
	// rendered strings like in the CSV path.
	decimalComma := detectDecimalComma(flattenCells(rows))

	return buildFromTable(rows, tableOptions{
		DecimalComma:     decimalComma,
		ExtractorVersion: RuleVersion,
		Metadata: map[string]any{
			"format": "xlsx",
			"sheet":  sheet,
		},
	})
}
