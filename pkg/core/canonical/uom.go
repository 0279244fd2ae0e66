package canonical

import "strings"

// The closed canonical UoM vocabulary used for validation.
var uomVocabulary = map[string]struct{}{
	"ST": {}, "M": {}, "CM": {}, "MM": {}, "KG": {}, "G": {},
	"L": {}, "ML": {}, "KAR": {}, "PAL": {}, "SET": {},
}

// Common supplier spellings, bilingual DE/EN. Keys are upper-cased.
var uomAliases = map[string]string{
	"STK":      "ST",
	"STCK":     "ST",
	"STUECK":   "ST",
	"STÜCK":    "ST",
	"PC":       "ST",
	"PCS":      "ST",
	"PIECE":    "ST",
	"PIECES":   "ST",
	"EA":       "ST",
	"EACH":     "ST",
	"METER":    "M",
	"MTR":      "M",
	"LFM":      "M",
	"ZENTIMETER": "CM",
	"MILLIMETER": "MM",
	"KILO":     "KG",
	"KILOGRAMM": "KG",
	"KILOGRAM": "KG",
	"GRAMM":    "G",
	"GRAM":     "G",
	"LITER":    "L",
	"LITRE":    "L",
	"LTR":      "L",
	"MILLILITER": "ML",
	"KARTON":   "KAR",
	"CARTON":   "KAR",
	"BOX":      "KAR",
	"CT":       "KAR",
	"PALETTE":  "PAL",
	"PALLET":   "PAL",
	"PAL.":     "PAL",
	"SATZ":     "SET",
	"SETS":     "SET",
}

// CanonicalUoM maps a raw unit string onto the canonical vocabulary.
// The second return is false when the unit is unknown.
func CanonicalUoM(raw string) (string, bool) {
	u := strings.ToUpper(strings.TrimSpace(raw))
	u = strings.TrimSuffix(u, ".")
	if u == "" {
		return "", false
	}
	if _, ok := uomVocabulary[u]; ok {
		return u, true
	}
	if mapped, ok := uomAliases[u]; ok {
		return mapped, true
	}
	return "", false
}

// IsCanonicalUoM reports whether code is a member of the closed vocabulary.
func IsCanonicalUoM(code string) bool {
	_, ok := uomVocabulary[code]
	return ok
}

// UoMCompatible reports whether two unit spellings denote the same canonical
// unit. "PCS" and "ST" are compatible; units outside the vocabulary only
// match themselves.
func UoMCompatible(a, b string) bool {
	if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
		return true
	}
	ca, aok := CanonicalUoM(a)
	cb, bok := CanonicalUoM(b)
	return aok && bok && ca == cb
}
