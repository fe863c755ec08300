package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceIDGenerator(t *testing.T) {
	g := NewSequenceIDGenerator("cmd")
	assert.Equal(t, "cmd-1", g.Generate())
	assert.Equal(t, "cmd-2", g.Generate())
}

func TestSequenceIDGenerator_DefaultPrefix(t *testing.T) {
	g := NewSequenceIDGenerator("")
	assert.Equal(t, "corr-1", g.Generate())
}
