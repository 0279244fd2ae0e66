package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderHTML = `<!DOCTYPE html>
<html><body>
<p>Bestellnummer: PO-88-11</p>
<p>Bestelldatum: 01.12.2025</p>
<table>
  <tr><th>Pos</th><th>Artikelnummer</th><th>Bezeichnung</th><th>Menge</th><th>Einheit</th><th>Preis</th></tr>
  <tr><td>1</td><td>AB-1234</td><td>Widget</td><td>10</td><td>ST</td><td>45,50</td></tr>
  <tr><td>2</td><td>CD-5678</td><td>Gadget</td><td>5</td><td>Karton</td><td>9,99</td></tr>
</table>
</body></html>`

func TestHTMLExtract(t *testing.T) {
	out, err := NewHTMLExtractor().Extract(context.Background(), &Input{
		MIMEType: MIMEHTML,
		Data:     []byte(orderHTML),
	})
	require.NoError(t, err)

	require.Len(t, out.Lines, 2)
	assert.Equal(t, 1, out.Lines[0].LineNo)
	assert.Equal(t, "AB-1234", *out.Lines[0].CustomerSKURaw)
	assert.Equal(t, 10.0, out.Lines[0].Qty)
	assert.Equal(t, 45.5, *out.Lines[0].UnitPrice)

	// Alias units normalize through the same vocabulary as CSV.
	assert.Equal(t, "KAR", *out.Lines[1].UoM)

	require.NotNil(t, out.Order.ExternalOrderNumber)
	assert.Equal(t, "PO-88-11", *out.Order.ExternalOrderNumber)
	require.NotNil(t, out.Order.OrderDate)
	assert.Equal(t, "2025-12-01", *out.Order.OrderDate)
	assert.Equal(t, "html", out.Metadata["format"])
}

func TestHTMLPicksWidestTable(t *testing.T) {
	html := `<html><body>
<table><tr><td>Absender</td><td>ACME</td></tr></table>
<table>
  <tr><td>Artikelnummer</td><td>Menge</td><td>Einheit</td></tr>
  <tr><td>X-1</td><td>2</td><td>ST</td></tr>
</table>
</body></html>`

	out, err := NewHTMLExtractor().Extract(context.Background(), &Input{Data: []byte(html)})
	require.NoError(t, err)
	require.Len(t, out.Lines, 1)
	assert.Equal(t, "X-1", *out.Lines[0].CustomerSKURaw)
}

func TestHTMLWithoutTableFails(t *testing.T) {
	_, err := NewHTMLExtractor().Extract(context.Background(), &Input{Data: []byte("<html><body><p>kein Inhalt</p></body></html>")})
	require.Error(t, err)
}
