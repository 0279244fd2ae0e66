package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchColumn(t *testing.T) {
	tests := []struct {
		header string
		field  string
		exact  bool
		ok     bool
	}{
		{"Artikelnummer", colSKU, true, true},
		{"  Artikel-Nr.  ", colSKU, true, true}, // punctuation normalized away
		{"Menge", colQty, true, true},
		{"Quantity", colQty, true, true},
		{"Einheit", colUoM, true, true},
		{"Unit Price", colUnitPrice, true, true},
		{"Bestellmenge (ca.)", colQty, false, true}, // containment fuzzy
		{"Lieferterrmin", colDelivery, false, true}, // one typo within edit distance
		{"Farbe", "", false, false},
		{"", "", false, false},
	}
	for _, tc := range tests {
		m, ok := matchColumn(tc.header)
		assert.Equal(t, tc.ok, ok, tc.header)
		if tc.ok {
			assert.Equal(t, tc.field, m.field, tc.header)
			assert.Equal(t, tc.exact, m.exact, tc.header)
		}
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2025-12-27", "2025-12-27"},
		{"27.12.2025", "2025-12-27"},
		{"1.2.2025", "2025-02-01"},
		{"27/12/2025", "2025-12-27"},
		{"next week", ""},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, normalizeDate(tc.in), tc.in)
	}
}

func TestScanHeaderRegion(t *testing.T) {
	found := scanHeaderRegion("Bestellnummer: PO-1\nBestelldatum: 27.12.2025\n")
	assert.Equal(t, "PO-1", found["external_order_number"])
	assert.Equal(t, "27.12.2025", found["order_date"])

	found = scanHeaderRegion("PO# 4711\nOrder Date: 2025-12-27")
	assert.Equal(t, "4711", found["external_order_number"])
	assert.Equal(t, "2025-12-27", found["order_date"])
}
