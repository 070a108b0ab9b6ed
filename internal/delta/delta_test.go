package delta

import (
	"bytes"
	"crypto/rand"
	mrand "math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTestData(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func roundTrip(t *testing.T, base, target []byte) *Delta {
	t.Helper()
	d, err := ComputeDelta(bytes.NewReader(base), int64(len(base)), bytes.NewReader(target))
	require.NoError(t, err)
	assert.Equal(t, int64(len(base)), d.BaseSize)
	assert.Equal(t, int64(len(target)), d.TargetSize)

	got, err := Apply(base, d)
	require.NoError(t, err)
	require.True(t, bytes.Equal(target, got), "round trip mismatch")

	enc, err := d.MarshalBinary()
	require.NoError(t, err)
	dec, err := Decode(enc)
	require.NoError(t, err)
	got, err = Apply(base, dec)
	require.NoError(t, err)
	require.True(t, bytes.Equal(target, got), "decoded round trip mismatch")
	return d
}

func TestChooseBlockSize(t *testing.T) {
	assert.Equal(t, 512, ChooseBlockSize(0))
	assert.Equal(t, 512, ChooseBlockSize(1000))
	assert.Equal(t, 1024, ChooseBlockSize(1024*1024))
	assert.Equal(t, 128*1024, ChooseBlockSize(1<<40))
}

func TestRollsumMatchesFreshSum(t *testing.T) {
	data := makeTestData(t, 4096)
	const n = 700

	var r rollsum
	r.init(data[:n])
	for i := 1; i+n <= len(data); i++ {
		r.roll(data[i-1], data[i+n-1])
		require.Equal(t, weakSum(data[i:i+n]), r.digest(), "offset %d", i)
	}

	r.init(data[len(data)-n:])
	for i := len(data) - n + 1; i < len(data); i++ {
		r.shrink(data[i-1])
		require.Equal(t, weakSum(data[i:]), r.digest(), "tail offset %d", i)
	}
}

func TestRoundTripEdgeCases(t *testing.T) {
	small := []byte("hello")
	big := makeTestData(t, 300*1024)

	tests := []struct {
		name         string
		base, target []byte
	}{
		{"both empty", nil, nil},
		{"empty base", nil, small},
		{"empty target", big, nil},
		{"short base", small, []byte("hello!")},
		{"short target", big, small},
		{"identical", big, big},
		{"shorter than block", []byte("abc"), []byte("abd")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roundTrip(t, tt.base, tt.target)
		})
	}
}

func TestIdenticalInputIsAllCopy(t *testing.T) {
	data := makeTestData(t, 1024*1024)
	d := roundTrip(t, data, data)

	copied, literal := d.Stats()
	assert.Equal(t, int64(len(data)), copied)
	assert.Zero(t, literal)
	require.Len(t, d.Ops, 1, "adjacent copies must merge")
}

func TestInsertionShiftsAreFound(t *testing.T) {
	base := makeTestData(t, 512*1024)
	target := append([]byte("prefix-inserted-at-the-front"), base...)
	target = append(target[:200*1024:200*1024], append([]byte("middle"), target[200*1024:]...)...)

	d := roundTrip(t, base, target)
	_, literal := d.Stats()
	assert.Less(t, literal, int64(4*d.BlockSize), "only the edits and their neighbouring blocks should be literal")
}

func TestRandomEditsRoundTrip(t *testing.T) {
	rng := mrand.New(mrand.NewPCG(7, 11))
	base := makeTestData(t, 200*1024)

	for range 20 {
		target := bytes.Clone(base)
		for range 1 + rng.IntN(5) {
			off := rng.IntN(len(target))
			switch rng.IntN(3) {
			case 0:
				target[off] ^= 0xff
			case 1:
				target = append(target[:off:off], append(makeTestData(t, rng.IntN(3000)), target[off:]...)...)
			case 2:
				end := min(len(target), off+rng.IntN(5000))
				target = append(target[:off:off], target[end:]...)
			}
		}
		roundTrip(t, base, target)
	}
}

func TestApplyRejectsWrongBase(t *testing.T) {
	base := makeTestData(t, 64*1024)
	target := append(bytes.Clone(base), "tail"...)
	d := roundTrip(t, base, target)

	_, err := Apply(base[:1000], d)
	require.ErrorIs(t, err, ErrBaseMismatch)

	tampered := bytes.Clone(base)
	tampered[10] ^= 1
	_, err = Apply(tampered, d)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.True(t, IsMismatch(err))
}

func TestUnmarshalRejectsCorruption(t *testing.T) {
	base := makeTestData(t, 10*1024)
	d := roundTrip(t, base, append([]byte("x"), base...))
	enc, err := d.MarshalBinary()
	require.NoError(t, err)

	flipped := bytes.Clone(enc)
	flipped[len(flipped)/2] ^= 0x40
	_, err = Decode(flipped)
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode(enc[:len(enc)-3])
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode([]byte("nope"))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestSignatureDescribesBase(t *testing.T) {
	base := makeTestData(t, 5000)
	sig, err := ComputeSignature(bytes.NewReader(base), int64(len(base)))
	require.NoError(t, err)

	assert.Equal(t, int64(5000), sig.BaseSize)
	require.Len(t, sig.Blocks, 10)
	last := sig.Blocks[len(sig.Blocks)-1]
	assert.Equal(t, int64(4608), last.Offset)
	assert.Equal(t, 392, last.Length)
}

func TestSignatureIndexGroupsEqualWeakSums(t *testing.T) {
	bs := ChooseBlockSize(0)
	block := bytes.Repeat([]byte("0123456789abcdef"), bs/16)
	other := makeTestData(t, bs)
	base := bytes.Join([][]byte{block, other, block}, nil)

	sig, err := ComputeSignature(bytes.NewReader(base), 0)
	require.NoError(t, err)
	require.Equal(t, bs, sig.BlockSize)
	require.Len(t, sig.Blocks, 3)

	idx := sig.index()
	assert.Equal(t, []int{0, 2}, idx[weakSum(block)])
	assert.Equal(t, []int{1}, idx[sig.Blocks[1].Weak])
	assert.Len(t, idx, 2)
}
