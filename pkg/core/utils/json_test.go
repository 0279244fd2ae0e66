package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTolerantParseObject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"strict json", `{"a": 1}`, true},
		{"fenced json", "```json\n{\"a\": 1}\n```", true},
		{"hjson unquoted keys", "{a: 1, b: \"x\"}", true},
		{"trailing comma", `{"a": 1,}`, true}, // hjson accepts
		{"garbage", "not json at all {{{", false},
		{"empty", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := TolerantParseObject(tc.raw)
			if tc.ok {
				require.NotNil(t, got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestRepairJSON(t *testing.T) {
	repaired, err := RepairJSON(`{'a': 1, "b": [1, 2,}`)
	require.NoError(t, err)
	assert.NotNil(t, TolerantParseObject(repaired))
}
