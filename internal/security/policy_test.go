package security

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilPolicyAllowsEverything(t *testing.T) {
	var p *Policy
	assert.NoError(t, p.Check(OpDiscard, "/anywhere"))
}

func TestRootConfinement(t *testing.T) {
	root := t.TempDir()
	p, err := New(root, ReadWrite)
	require.NoError(t, err)

	assert.NoError(t, p.Check(OpWrite, root))
	assert.NoError(t, p.Check(OpWrite, filepath.Join(root, "a", "b")))
	assert.NoError(t, p.Check(OpRead, filepath.Join(root, "..data")))

	err = p.Check(OpRead, filepath.Join(root, "..", "escape"))
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, OpRead, denied.Op)

	assert.Error(t, p.Check(OpList, root+"-sibling"))
}

func TestModes(t *testing.T) {
	tests := []struct {
		mode  Mode
		op    Op
		allow bool
	}{
		{ReadWrite, OpWrite, true},
		{ReadWrite, OpDiscard, true},
		{ReadOnly, OpRead, true},
		{ReadOnly, OpList, true},
		{ReadOnly, OpWrite, false},
		{ReadOnly, OpDiscard, false},
		{UpdateOnly, OpWrite, true},
		{UpdateOnly, OpDiscard, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String()+"/"+tt.op.String(), func(t *testing.T) {
			p := &Policy{Mode: tt.mode}
			err := p.Check(tt.op, "/x")
			if tt.allow {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("update-only")
	require.NoError(t, err)
	assert.Equal(t, UpdateOnly, m)

	_, err = ParseMode("write-only")
	assert.Error(t, err)
}
