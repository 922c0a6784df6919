package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"numbers", "EADDRINUSE :::3000", "eaddrinuse :::<n>"},
		{"quoted", "Cannot find module 'express'", "cannot find module <str>"},
		{"paths", "open /home/ci/app/src/index.ts failed", "open <path> failed"},
		{"ansi", "\x1b[31mError\x1b[0m: boom", "error: boom"},
		{"whitespace", "a \n\t  b", "a b"},
		{"hex", "panic at 0xdeadbeef", "panic at <hex>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestSignatureOf_StableAcrossIncidentals(t *testing.T) {
	a := SignatureOf("Error: listen EADDRINUSE: address already in use :::3000")
	b := SignatureOf("Error: listen EADDRINUSE: address already in use :::8080")
	c := SignatureOf("Error: Cannot find module 'express'")

	assert.Equal(t, a.Key, b.Key)
	assert.NotEqual(t, a.Key, c.Key)
	assert.Len(t, a.Key, 32)
}

func TestNormalize_Truncates(t *testing.T) {
	got := Normalize(strings.Repeat("x", 5000))
	assert.Len(t, got, maxSignatureText)
}
