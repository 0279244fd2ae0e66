package extract

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"orderflow/pkg/core/canonical"
)

// CSVExtractor parses delimiter-separated order files: encoding detection,
// separator and decimal-format auto-detection, header mapping, RFC-4180
// quoting throughout.
type CSVExtractor struct{}

func NewCSVExtractor() *CSVExtractor { return &CSVExtractor{} }

func (e *CSVExtractor) Name() string { return RuleVersion + "/csv" }

func (e *CSVExtractor) CanHandle(mimeType string) bool {
	return mimeType == MIMECSV || mimeType == "application/csv" || mimeType == "text/plain"
}

// Candidate separators, scanned over the first 100 rows.
var separatorCandidates = []rune{';', ',', '\t', '|'}

const separatorScanRows = 100

func (e *CSVExtractor) Extract(_ context.Context, in *Input) (*canonical.Output, error) {
	text, encoding := decodeBytes(in.Data)

	sep := detectSeparator(text)
	rows, err := readCSV(text, sep)
	if err != nil {
		return nil, fmt.Errorf("csv parse with separator %q: %w", string(sep), err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("csv contains no rows")
	}

	decimalComma := detectDecimalComma(flattenCells(rows))

	decimalFormat := "dot"
	if decimalComma {
		decimalFormat = "comma"
	}
	out, err := buildFromTable(rows, tableOptions{
		DecimalComma:     decimalComma,
		ExtractorVersion: RuleVersion,
		Metadata: map[string]any{
			"format":         "csv",
			"separator":      string(sep),
			"decimal_format": decimalFormat,
			"encoding":       encoding,
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decodeBytes applies the ordered encoding fallback UTF-8 -> ISO-8859-1 ->
// Windows-1252. The two single-byte charsets are told apart by the 0x80-0x9F
// range, which ISO-8859-1 leaves as control characters.
func decodeBytes(data []byte) (string, string) {
	if utf8.Valid(data) {
		return string(data), "utf-8"
	}
	hasCP1252Range := false
	for _, b := range data {
		if b >= 0x80 && b <= 0x9F {
			hasCP1252Range = true
			break
		}
	}
	if !hasCP1252Range {
		if decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data); err == nil {
			return string(decoded), "iso-8859-1"
		}
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		// Last resort: lossy UTF-8.
		return string(data), "unknown"
	}
	return string(decoded), "windows-1252"
}

// detectSeparator picks the candidate with the highest column-count
// consistency over the scan window.
func detectSeparator(text string) rune {
	lines := strings.Split(text, "\n")
	if len(lines) > separatorScanRows {
		lines = lines[:separatorScanRows]
	}

	best := ';'
	bestScore := -1.0
	for _, cand := range separatorCandidates {
		counts := map[int]int{}
		total := 0
		r := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
		r.Comma = cand
		r.FieldsPerRecord = -1
		r.LazyQuotes = true
		for {
			rec, err := r.Read()
			if err != nil {
				break
			}
			counts[len(rec)]++
			total++
		}
		if total == 0 {
			continue
		}
		modalCount, modalFreq := 0, 0
		for cols, freq := range counts {
			if freq > modalFreq {
				modalCount, modalFreq = cols, freq
			}
		}
		if modalCount < 2 {
			continue // a separator that never splits is no separator
		}
		score := float64(modalFreq) / float64(total) * float64(modalCount)
		if score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}

func readCSV(text string, sep rune) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = sep
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r.ReadAll()
}

func flattenCells(rows [][]string) []string {
	var cells []string
	for _, row := range rows {
		cells = append(cells, row...)
	}
	return cells
}
