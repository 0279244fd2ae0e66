package extract

import (
	"regexp"
	"strings"
)

// Canonical line fields a table column can map to. Names match the canonical
// schema's confidence keys.
const (
	colLineNo      = "line_no"
	colSKU         = "customer_sku_raw"
	colDescription = "product_description"
	colQty         = "qty"
	colUoM         = "uom"
	colUnitPrice   = "unit_price"
	colDelivery    = "delivery_date"
)

// Bilingual DE/EN column dictionary. Header cells are normalized before the
// lookup, so entries are lower case without punctuation.
var columnDictionary = map[string][]string{
	colLineNo:      {"pos", "position", "line", "lfd nr", "nr", "no"},
	colSKU:         {"artikelnummer", "artikel nr", "art nr", "artnr", "artikel", "article no", "article number", "item no", "item number", "sku", "part no", "part number", "material", "materialnummer"},
	colDescription: {"bezeichnung", "artikelbezeichnung", "beschreibung", "description", "item description", "product", "produkt", "product name", "text"},
	colQty:         {"menge", "bestellmenge", "anzahl", "qty", "quantity", "amount"},
	colUoM:         {"einheit", "mengeneinheit", "me", "uom", "unit", "unit of measure"},
	colUnitPrice:   {"preis", "einzelpreis", "e preis", "stückpreis", "unit price", "price", "price per unit", "netto", "nettopreis", "net price"},
	colDelivery:    {"liefertermin", "lieferdatum", "wunschtermin", "delivery date", "requested date"},
}

type columnMatch struct {
	field string
	exact bool
}

var headerNormalizeRe = regexp.MustCompile(`[^\p{L}\p{N} ]+`)

func normalizeHeaderCell(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	v = headerNormalizeRe.ReplaceAllString(v, " ")
	return strings.Join(strings.Fields(v), " ")
}

// matchColumn maps one header cell to a canonical field. Exact dictionary hits
// score 0.95 downstream, fuzzy hits 0.75.
func matchColumn(header string) (columnMatch, bool) {
	norm := normalizeHeaderCell(header)
	if norm == "" {
		return columnMatch{}, false
	}
	for field, names := range columnDictionary {
		for _, name := range names {
			if norm == name {
				return columnMatch{field: field, exact: true}, true
			}
		}
	}
	// Fuzzy pass: containment or small edit distance against each entry.
	// Short aliases like "me" or "nr" only ever match exactly; containment
	// with them would fire inside unrelated words.
	for field, names := range columnDictionary {
		for _, name := range names {
			if len(name) >= 4 && (strings.Contains(norm, name) || strings.Contains(name, norm)) {
				return columnMatch{field: field, exact: false}, true
			}
			if levenshteinRatio(norm, name) >= 0.8 {
				return columnMatch{field: field, exact: false}, true
			}
		}
	}
	return columnMatch{}, false
}

func levenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 || lb == 0 {
		return 0
	}
	d := levenshtein([]rune(a), []rune(b))
	max := la
	if lb > max {
		max = lb
	}
	return 1 - float64(d)/float64(max)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// Header-region patterns scanned over the first rows of a document.
var headerRegionPatterns = []struct {
	field string // "external_order_number" or "order_date"
	re    *regexp.Regexp
}{
	{"external_order_number", regexp.MustCompile(`(?i)Bestellnummer[:\s]+([A-Za-z0-9\-/_.]+)`)},
	{"external_order_number", regexp.MustCompile(`(?i)Order\s*No\.?[:\s]+([A-Za-z0-9\-/_.]+)`)},
	{"external_order_number", regexp.MustCompile(`(?i)PO#?\s*[:\s]\s*([A-Za-z0-9\-/_.]+)`)},
	{"order_date", regexp.MustCompile(`(?i)Bestelldatum[:\s]+([0-9./\-]+)`)},
	{"order_date", regexp.MustCompile(`(?i)Order\s*Date[:\s]+([0-9./\-]+)`)},
	{"order_date", regexp.MustCompile(`(?i)\bDatum[:\s]+([0-9./\-]+)`)},
}

// scanHeaderRegion extracts header fields from free text preceding the table.
func scanHeaderRegion(text string) map[string]string {
	found := map[string]string{}
	for _, p := range headerRegionPatterns {
		if _, ok := found[p.field]; ok {
			continue
		}
		if m := p.re.FindStringSubmatch(text); m != nil {
			found[p.field] = strings.TrimSpace(m[1])
		}
	}
	return found
}
