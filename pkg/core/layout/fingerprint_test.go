package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIsPure(t *testing.T) {
	meta := &Meta{
		PageCount:         3,
		PageDimensions:    []Dim{{595, 842}, {595, 842}, {842, 595}},
		TableCount:        2,
		TextCoverageRatio: 0.731,
	}
	a, err := Fingerprint(meta)
	require.NoError(t, err)
	b, err := Fingerprint(meta)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // 256 bits hex
}

func TestFingerprintNilMeta(t *testing.T) {
	fp, err := Fingerprint(nil)
	require.NoError(t, err)
	assert.Empty(t, fp)
}

func TestFingerprintCoverageRounding(t *testing.T) {
	a, err := Fingerprint(&Meta{PageCount: 1, TextCoverageRatio: 0.15001})
	require.NoError(t, err)
	b, err := Fingerprint(&Meta{PageCount: 1, TextCoverageRatio: 0.1528})
	require.NoError(t, err)
	// Both round to 0.15.
	assert.Equal(t, a, b)

	c, err := Fingerprint(&Meta{PageCount: 1, TextCoverageRatio: 0.16})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestFingerprintDimensionOrderSensitive(t *testing.T) {
	a, err := Fingerprint(&Meta{PageCount: 2, PageDimensions: []Dim{{595, 842}, {842, 595}}})
	require.NoError(t, err)
	b, err := Fingerprint(&Meta{PageCount: 2, PageDimensions: []Dim{{842, 595}, {595, 842}}})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
