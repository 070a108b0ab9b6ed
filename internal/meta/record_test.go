package meta

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regular(path string, size, mtime int64) *Record {
	return &Record{
		Index: ParseIndex(path),
		Kind:  KindRegular,
		Perm:  0o644,
		Size:  size,
		MTime: mtime,
		Nlink: 1,
	}
}

func TestEquivalentIgnoresHashAndSince(t *testing.T) {
	a := regular("f", 5, 100)
	b := a.WithHash("deadbeef").WithSince(200)
	assert.True(t, a.Equivalent(b, DefaultCompareOpts))
}

func TestEquivalentDetectsAttributeChanges(t *testing.T) {
	base := regular("f", 5, 100)

	size := base.Clone()
	size.Size = 6
	assert.False(t, base.Equivalent(size, DefaultCompareOpts))

	perm := base.Clone()
	perm.Perm = 0o600
	assert.False(t, base.Equivalent(perm, DefaultCompareOpts))

	owner := base.Clone()
	owner.UID = 1000
	assert.False(t, base.Equivalent(owner, DefaultCompareOpts))
	assert.True(t, base.Equivalent(owner, CompareOpts{}))

	kind := base.Clone()
	kind.Kind = KindDir
	assert.False(t, base.Equivalent(kind, DefaultCompareOpts))
}

func TestEquivalentInodeOnlyForLinkedFiles(t *testing.T) {
	a := regular("f", 5, 100)
	b := a.Clone()
	b.Ino = 99
	assert.True(t, a.Equivalent(b, DefaultCompareOpts), "single-link inode changes are ignored")

	a.Nlink, b.Nlink = 2, 2
	assert.False(t, a.Equivalent(b, DefaultCompareOpts))
	assert.True(t, a.Equivalent(b, CompareOpts{}))
}

func TestEquivalentKindSpecificRules(t *testing.T) {
	d1 := &Record{Index: ParseIndex("d"), Kind: KindDir, Perm: 0o755, Size: 4096, MTime: 1}
	d2 := d1.Clone()
	d2.Size = 8192
	assert.True(t, d1.Equivalent(d2, DefaultCompareOpts), "directory sizes are ignored")

	l1 := &Record{Index: ParseIndex("l"), Kind: KindSymlink, LinkTarget: "x", Perm: 0o777, MTime: 1}
	l2 := l1.Clone()
	l2.MTime = 50
	assert.True(t, l1.Equivalent(l2, DefaultCompareOpts))
	l2.LinkTarget = "y"
	assert.False(t, l1.Equivalent(l2, DefaultCompareOpts))

	assert.True(t, Absent(ParseIndex("x")).Equivalent(nil, DefaultCompareOpts))
}

func TestSameContent(t *testing.T) {
	a := regular("f", 5, 100).WithHash("aa")
	b := regular("f", 5, 900).WithHash("aa")
	assert.True(t, a.SameContent(b))

	c := b.WithHash("bb")
	assert.False(t, a.SameContent(c))
	assert.False(t, regular("f", 5, 1).SameContent(regular("f", 5, 1)), "missing digests never match")
}

func TestRecordStreamPreservesOrderAndFields(t *testing.T) {
	recs := []*Record{
		{Index: Index{}, Kind: KindDir, Perm: 0o755, Since: 100},
		regular("a", 3, 7).WithHash("abc").WithLinkLeader(ParseIndex("a")),
		{Index: ParseIndex("l"), Kind: KindSymlink, LinkTarget: "a", Xattrs: map[string][]byte{"user.k": []byte("v")}},
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	assert.Equal(t, 3, w.Count())
	require.Error(t, w.Write(regular("a", 1, 1)), "out-of-order writes are rejected")

	got, err := Collect(NewReader(&buf))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, Index{}, got[0].Index)
	assert.Equal(t, "abc", got[1].Hash)
	assert.Equal(t, ParseIndex("a"), got[1].LinkLeader)
	assert.Equal(t, []byte("v"), got[2].Xattrs["user.k"])
}

func TestLookup(t *testing.T) {
	it := FromSlice([]*Record{regular("a", 1, 1), regular("c", 1, 1)})
	r, err := Lookup(it, ParseIndex("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", r.Index.String())

	r, err = Lookup(it, ParseIndex("b"))
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = it.Next()
	assert.ErrorIs(t, err, io.EOF)
}
