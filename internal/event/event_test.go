package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeString(t *testing.T) {
	assert.Equal(t, "SessionStarted", SessionStarted.String())
	assert.Equal(t, "IncrementWritten", IncrementWritten.String())
	assert.Equal(t, "VerifyFailed", VerifyFailed.String())
	assert.Equal(t, "Unknown", Type(0).String())
	assert.Equal(t, "Unknown", (VerifyFailed + 1).String())
}

func TestTypeNamesUnique(t *testing.T) {
	seen := make(map[string]Type)
	for typ := SessionStarted; typ <= VerifyFailed; typ++ {
		name := typ.String()
		assert.NotEqual(t, "Unknown", name, "type %d has no name", typ)
		if prev, dup := seen[name]; dup {
			t.Errorf("types %d and %d share name %q", prev, typ, name)
		}
		seen[name] = typ
	}
	assert.Len(t, seen, int(VerifyFailed))
}
