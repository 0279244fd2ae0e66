package extract

import (
	"fmt"
	"strings"

	"orderflow/pkg/core/canonical"
)

// headerScanRows bounds the search for the table header row.
const headerScanRows = 20

// Per-field confidence rules shared by all rule extractors.
const (
	confExactHeader   = 0.95
	confFuzzyHeader   = 0.75
	confNumericValid  = 0.9
	confAlnumInNumber = 0.6
)

type tableOptions struct {
	DecimalComma     bool
	ExtractorVersion string
	HeaderRegion     string // free text scanned for order number / date patterns
	Metadata         map[string]any
}

// buildFromTable maps a rectangular table of cells onto the canonical output.
// It detects the header row, maps columns through the bilingual dictionary,
// normalizes units and numbers, and assigns rule-based confidences.
func buildFromTable(rows [][]string, opts tableOptions) (*canonical.Output, error) {
	out := &canonical.Output{
		ExtractorVersion: opts.ExtractorVersion,
		Warnings:         []string{},
		Metadata:         opts.Metadata,
		Confidence: canonical.Confidence{
			Header: map[string]float64{},
		},
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}

	headerIdx, mapping := detectHeaderRow(rows)
	if headerIdx < 0 {
		return nil, fmt.Errorf("no header row recognized in the first %d rows", headerScanRows)
	}

	// Header-region fields come from the rows above the table.
	region := opts.HeaderRegion
	if region == "" {
		var b strings.Builder
		for i := 0; i < headerIdx; i++ {
			b.WriteString(strings.Join(rows[i], " "))
			b.WriteString("\n")
		}
		region = b.String()
	}
	applyHeaderRegion(out, region)

	// Record unmapped columns.
	var unmapped []string
	header := rows[headerIdx]
	for i, cell := range header {
		if strings.TrimSpace(cell) == "" {
			continue
		}
		if _, ok := mapping[i]; !ok {
			unmapped = append(unmapped, cell)
			out.Warnings = append(out.Warnings, fmt.Sprintf("unmapped column %q", cell))
		}
	}
	out.Metadata["unmapped_columns"] = unmapped
	out.Metadata["row_count"] = len(rows) - headerIdx - 1

	lineNo := 0
	for _, row := range rows[headerIdx+1:] {
		if rowEmpty(row) {
			continue
		}
		lineNo++
		line, conf, warnings := buildLine(row, mapping, opts.DecimalComma, lineNo)
		out.Lines = append(out.Lines, line)
		out.Confidence.Lines = append(out.Confidence.Lines, conf)
		out.Warnings = append(out.Warnings, warnings...)
	}

	out.FinalizeConfidence()
	return out, nil
}

// detectHeaderRow finds the first row within the scan window where at least
// two cells map to canonical fields; it returns the row index and the
// column-index -> match mapping.
func detectHeaderRow(rows [][]string) (int, map[int]columnMatch) {
	limit := len(rows)
	if limit > headerScanRows {
		limit = headerScanRows
	}
	for i := 0; i < limit; i++ {
		mapping := map[int]columnMatch{}
		seen := map[string]bool{}
		for col, cell := range rows[i] {
			m, ok := matchColumn(cell)
			if !ok || seen[m.field] {
				continue
			}
			mapping[col] = m
			seen[m.field] = true
		}
		if len(mapping) >= 2 && (seen[colSKU] || seen[colDescription]) {
			return i, mapping
		}
	}
	return -1, nil
}

func applyHeaderRegion(out *canonical.Output, region string) {
	found := scanHeaderRegion(region)
	if v, ok := found["external_order_number"]; ok {
		out.Order.ExternalOrderNumber = &v
		out.Confidence.Header["external_order_number"] = confExactHeader
	}
	if v, ok := found["order_date"]; ok {
		if date := normalizeDate(v); date != "" {
			out.Order.OrderDate = &date
			out.Confidence.Header["order_date"] = confExactHeader
		}
	}
}

func buildLine(row []string, mapping map[int]columnMatch, decimalComma bool, lineNo int) (canonical.Line, canonical.LineConfidence, []string) {
	line := canonical.Line{LineNo: lineNo}
	conf := canonical.LineConfidence{LineNo: lineNo, Fields: map[string]float64{}}
	var warnings []string

	columnConf := func(m columnMatch) float64 {
		if m.exact {
			return confExactHeader
		}
		return confFuzzyHeader
	}

	for col, m := range mapping {
		if col >= len(row) {
			continue
		}
		cell := strings.TrimSpace(row[col])
		if cell == "" {
			continue
		}
		switch m.field {
		case colLineNo:
			if n, err := parseNumber(cell, decimalComma); err == nil && n >= 1 {
				line.LineNo = int(n)
				conf.LineNo = int(n)
			}
		case colSKU:
			sku := cell
			line.CustomerSKURaw = &sku
			conf.Fields[colSKU] = columnConf(m)
		case colDescription:
			desc := cell
			line.Description = &desc
			conf.Fields[colDescription] = columnConf(m)
		case colQty:
			if q, err := parseNumber(cell, decimalComma); err == nil {
				line.Qty = q
				conf.Fields[colQty] = confNumericValid
			} else {
				conf.Fields[colQty] = confAlnumInNumber
				warnings = append(warnings, fmt.Sprintf("line %d: unparseable qty %q", lineNo, cell))
			}
		case colUoM:
			if u, ok := canonical.CanonicalUoM(cell); ok {
				line.UoM = &u
				conf.Fields[colUoM] = columnConf(m)
			} else {
				warnings = append(warnings, fmt.Sprintf("line %d: unknown unit %q", lineNo, cell))
			}
		case colUnitPrice:
			if p, err := parseNumber(cell, decimalComma); err == nil {
				line.UnitPrice = &p
				conf.Fields[colUnitPrice] = confNumericValid
			} else {
				conf.Fields[colUnitPrice] = confAlnumInNumber
				warnings = append(warnings, fmt.Sprintf("line %d: unparseable price %q", lineNo, cell))
			}
		case colDelivery:
			if date := normalizeDate(cell); date != "" {
				line.DeliveryDate = &date
			}
		}
	}

	if line.CustomerSKURaw == nil && line.Description == nil {
		warnings = append(warnings, fmt.Sprintf("line %d has neither SKU nor description", lineNo))
	}
	conf.Score = canonical.LineScore(conf.Fields)
	return line, conf, warnings
}

func rowEmpty(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
