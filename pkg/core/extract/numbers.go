package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	commaDecimalRe = regexp.MustCompile(`^-?\d{1,3}(\.\d{3})*,\d+$|^-?\d+,\d+$`)
	dotDecimalRe   = regexp.MustCompile(`^-?\d{1,3}(,\d{3})*\.\d+$|^-?\d+\.\d+$`)
	bareIntRe      = regexp.MustCompile(`^-?\d+$`)
)

// detectDecimalComma votes over numeric-looking cells. The DACH default is
// comma when the vote is tied or empty.
func detectDecimalComma(cells []string) bool {
	comma, dot := 0, 0
	for _, c := range cells {
		c = strings.TrimSpace(c)
		switch {
		case commaDecimalRe.MatchString(c):
			comma++
		case dotDecimalRe.MatchString(c):
			dot++
		}
	}
	return comma >= dot
}

// parseNumber parses a numeric cell honoring the detected decimal format.
func parseNumber(s string, decimalComma bool) (float64, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimPrefix(v, "€")
	v = strings.TrimSuffix(v, "€")
	v = strings.TrimSpace(strings.TrimSuffix(v, "EUR"))
	if v == "" {
		return 0, fmt.Errorf("empty numeric cell")
	}
	if bareIntRe.MatchString(v) {
		return strconv.ParseFloat(v, 64)
	}
	if decimalComma {
		v = strings.ReplaceAll(v, ".", "")  // thousands
		v = strings.ReplaceAll(v, ",", ".") // decimal
	} else {
		v = strings.ReplaceAll(v, ",", "")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable number %q", s)
	}
	return f, nil
}

// isNumericCell reports whether the cell looks like a number in either format.
func isNumericCell(s string) bool {
	v := strings.TrimSpace(s)
	return bareIntRe.MatchString(v) || commaDecimalRe.MatchString(v) || dotDecimalRe.MatchString(v)
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"2.1.2006",
	"02/01/2006",
	"02.01.06",
}

// normalizeDate converts common DE/EN date spellings to YYYY-MM-DD.
// Returns "" when the value is not a recognizable date.
func normalizeDate(s string) string {
	v := strings.TrimSpace(s)
	if v == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}
