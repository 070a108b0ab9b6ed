package collate

import (
	"io"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backtrack/internal/meta"
)

func recs(paths ...string) meta.Iterator {
	out := make([]*meta.Record, len(paths))
	for i, p := range paths {
		out[i] = &meta.Record{Index: meta.ParseIndex(p), Kind: meta.KindRegular}
	}
	return meta.FromSlice(out)
}

func drain(t *testing.T, c *Collator) []Pair {
	t.Helper()
	var out []Pair
	for {
		p, err := c.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, p)
	}
}

func TestCollateAlignsBothSides(t *testing.T) {
	c := New(recs(".", "a", "c", "d/x"), recs(".", "b", "c", "d", "d/x"))
	pairs := drain(t, c)

	type row struct {
		path string
		a, b bool
	}
	var got []row
	for _, p := range pairs {
		got = append(got, row{p.Index.String(), p.A != nil, p.B != nil})
	}
	assert.Equal(t, []row{
		{".", true, true},
		{"a", true, false},
		{"b", false, true},
		{"c", true, true},
		{"d", false, true},
		{"d/x", true, true},
	}, got)
}

func TestCollateEmptyInputs(t *testing.T) {
	assert.Empty(t, drain(t, New(meta.Empty(), meta.Empty())))

	pairs := drain(t, New(meta.Empty(), recs("a", "b")))
	require.Len(t, pairs, 2)
	assert.Nil(t, pairs[0].A)
	assert.NotNil(t, pairs[0].B)
}

func TestCollateCoversUnionExactlyOnce(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	universe := []string{"a", "a/a", "a/b", "ab", "b", "b/c", "b/c/d", "c", "d", "e"}

	for range 50 {
		var left, right []string
		for _, p := range universe {
			if rng.IntN(2) == 0 {
				left = append(left, p)
			}
			if rng.IntN(2) == 0 {
				right = append(right, p)
			}
		}
		pairs := drain(t, New(recs(left...), recs(right...)))

		var got []string
		for _, p := range pairs {
			got = append(got, p.Index.String())
			assert.Equal(t, slices.Contains(left, p.Index.String()), p.A != nil)
			assert.Equal(t, slices.Contains(right, p.Index.String()), p.B != nil)
		}
		union := append(slices.Clone(left), right...)
		slices.Sort(union)
		union = slices.Compact(union)
		assert.Equal(t, union, got)
	}
}

func TestCollatePanicsOnDisorder(t *testing.T) {
	c := New(recs("b", "a"), meta.Empty())
	_, err := c.Next()
	require.NoError(t, err)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		perr, ok := r.(*PreconditionError)
		require.True(t, ok)
		assert.ErrorIs(t, perr, ErrNotMonotonic)
		assert.Equal(t, "a", perr.Got.String())
	}()
	_, _ = c.Next()
}

func TestCollatePanicsOnDuplicate(t *testing.T) {
	c := New(meta.Empty(), recs("a", "a"))
	_, err := c.Next()
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = c.Next() })
}
