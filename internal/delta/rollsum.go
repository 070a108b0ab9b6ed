package delta

// rollsum is the rsync weak checksum over a sliding window. Both halves are
// kept modulo 2^16; uint32 wraparound preserves that.
type rollsum struct {
	a, b uint32
	n    uint32
}

func (r *rollsum) init(p []byte) {
	r.a, r.b = 0, 0
	n := uint32(len(p)) //nolint:gosec // G115: window is at most maxBlockSize
	for i, c := range p {
		r.a += uint32(c)
		r.b += (n - uint32(i)) * uint32(c) //nolint:gosec // G115: i < n
	}
	r.n = n
}

// roll slides the window one byte: out leaves, in enters.
func (r *rollsum) roll(out, in byte) {
	r.a += uint32(in) - uint32(out)
	r.b += r.a - r.n*uint32(out)
}

// shrink drops the leading byte without adding one, used at end of input.
func (r *rollsum) shrink(out byte) {
	r.a -= uint32(out)
	r.b -= r.n * uint32(out)
	r.n--
}

func (r *rollsum) digest() uint32 {
	return r.a&0xffff | r.b<<16
}

// weakSum computes the digest of p from scratch.
func weakSum(p []byte) uint32 {
	var r rollsum
	r.init(p)
	return r.digest()
}
