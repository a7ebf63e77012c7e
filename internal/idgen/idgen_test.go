package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
}

func TestCorrelation_NoDashesAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := Correlation()
		assert.Len(t, id, 32)
		assert.False(t, strings.Contains(id, "-"))
		assert.False(t, seen[id], "duplicate correlation id %s", id)
		seen[id] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("ent_")
	assert.True(t, strings.HasPrefix(id, "ent_"))
	assert.Len(t, id, 4+24)
}

func TestUUIDGenerator(t *testing.T) {
	var g Generator = UUID{}
	assert.NotEqual(t, g.NewID(), g.NewID())
}
