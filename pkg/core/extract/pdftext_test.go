package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFromTextTable(t *testing.T) {
	text := "Bestellung\n" +
		"Bestellnummer: PO-2025-7\n" +
		"Pos  Artikelnummer  Bezeichnung      Menge  Einheit  Preis\n" +
		"1    AB-1234        Widget groß      10     ST       45,50\n" +
		"2    CD-5678        Gadget klein     3      KAR      12,00\n"

	out, err := ExtractFromText(text)
	require.NoError(t, err)

	require.Len(t, out.Lines, 2)
	assert.Equal(t, "AB-1234", *out.Lines[0].CustomerSKURaw)
	assert.Equal(t, "Widget groß", *out.Lines[0].Description)
	assert.Equal(t, 10.0, out.Lines[0].Qty)
	assert.Equal(t, "ST", *out.Lines[0].UoM)
	assert.Equal(t, 45.5, *out.Lines[0].UnitPrice)

	require.NotNil(t, out.Order.ExternalOrderNumber)
	assert.Equal(t, "PO-2025-7", *out.Order.ExternalOrderNumber)
	assert.Equal(t, RuleVersion, out.ExtractorVersion)
}

func TestExtractFromTextHeuristicFallback(t *testing.T) {
	// No aligned columns, but line shapes with unit and quantity.
	text := "Sehr geehrte Damen und Herren,\n" +
		"wir bestellen:\n" +
		"AB-1234 Widget groß 10 ST 45,50\n" +
		"CD-5678 Gadget klein 3 Stk\n" +
		"Mit freundlichen Grüßen\n"

	out, err := ExtractFromText(text)
	require.NoError(t, err)

	require.Len(t, out.Lines, 2)
	assert.Equal(t, "AB-1234", *out.Lines[0].CustomerSKURaw)
	assert.Equal(t, 10.0, out.Lines[0].Qty)
	assert.Equal(t, "ST", *out.Lines[0].UoM)
	require.NotNil(t, out.Lines[0].UnitPrice)
	assert.Equal(t, 45.5, *out.Lines[0].UnitPrice)

	assert.Equal(t, "CD-5678", *out.Lines[1].CustomerSKURaw)
	assert.Equal(t, "ST", *out.Lines[1].UoM)
	assert.Nil(t, out.Lines[1].UnitPrice)
	assert.Contains(t, out.Warnings, "table structure not recognized, heuristic line extraction")
}

func TestExtractFromTextNothingRecognizable(t *testing.T) {
	_, err := ExtractFromText("Nur Fließtext ohne jede Bestellzeile.")
	require.Error(t, err)
}

func TestSplitTextRows(t *testing.T) {
	rows := splitTextRows("a\tb\tc\nd  e   f\n\n single")
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"a", "b", "c"}, rows[0])
	assert.Equal(t, []string{"d", "e", "f"}, rows[1])
	assert.Equal(t, []string{"single"}, rows[2])
}

func TestCountTableBlocks(t *testing.T) {
	text := "Kopfzeile\n" +
		"a  b  c\n" +
		"d  e  f\n" +
		"Zwischentext\n" +
		"g  h  i\n"
	assert.Equal(t, 2, countTableBlocks(text))
}
