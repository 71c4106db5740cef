package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLastNonEmptyLine(t *testing.T) {
	assert.Equal(t, "last", LastNonEmptyLine([]byte("first\nlast\n")))
	assert.Equal(t, "last", LastNonEmptyLine([]byte("first\nlast\n\n\n")))
	assert.Equal(t, "only", LastNonEmptyLine([]byte("only")))
	assert.Equal(t, "", LastNonEmptyLine([]byte("\n\n")))
}

func TestRandstring(t *testing.T) {
	s := Randstring(12)
	assert.Len(t, s, 12)
	for _, r := range s {
		assert.True(t, r >= 'a' && r <= 'z')
	}
}
