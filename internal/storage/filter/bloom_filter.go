package filter

import (
	"math"

	"github.com/twmb/murmur3"
)

const (
	DefaultFalsePositiveRate = 0.01

	maxHashFuncs = 30
)

// BloomFilter builds per-block membership bitmaps sized for the configured
// false positive rate. It never produces a false negative: every added key
// probes positive against the bitmap built over it.
//
// Bitmap layout: m bits packed LSB-first, one trailing byte holding the
// number of hash functions. The probe positions are derived from the two
// murmur3 128-bit halves by double hashing.
type BloomFilter struct {
	p      float64
	hashes [][2]uint64
}

func NewBloomFilter(p float64) *BloomFilter {
	if p <= 0 || p >= 1 {
		p = DefaultFalsePositiveRate
	}
	return &BloomFilter{p: p}
}

func (b *BloomFilter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)
	b.hashes = append(b.hashes, [2]uint64{h1, h2})
}

func (b *BloomFilter) KeyLen() int {
	return len(b.hashes)
}

func (b *BloomFilter) Reset() {
	b.hashes = b.hashes[:0]
}

func (b *BloomFilter) Build() []byte {
	n := len(b.hashes)
	if n == 0 {
		return nil
	}
	defer b.Reset()

	m := bestM(n, b.p)
	k := bestK(m, n)

	bitmap := make([]byte, m/8+1)
	bitmap[len(bitmap)-1] = byte(k)
	for _, h := range b.hashes {
		setBits(bitmap, h[0], h[1], k, uint64(m))
	}
	return bitmap
}

// MayContain reports whether key may be in the set bitmap was built over.
// A false return is authoritative: the key is absent.
func MayContain(bitmap, key []byte) bool {
	if len(bitmap) < 2 {
		return false
	}
	k := int(bitmap[len(bitmap)-1])
	if k == 0 || k > maxHashFuncs {
		return false
	}
	m := uint64(len(bitmap)-1) * 8

	h1, h2 := murmur3.Sum128(key)
	for i := 0; i < k; i++ {
		idx := (h1 + uint64(i)*h2) % m
		if bitmap[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

func setBits(bitmap []byte, h1, h2 uint64, k, m uint64) {
	for i := uint64(0); i < k; i++ {
		idx := (h1 + i*h2) % m
		bitmap[idx/8] |= 1 << (idx % 8)
	}
}

// bestM returns the optimal bit count for n keys at false positive rate p,
// rounded up to a whole number of bytes so that Build and MayContain agree
// on the modulus.
func bestM(n int, p float64) int {
	m := int(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	return (m + 7) / 8 * 8
}

func bestK(m, n int) uint64 {
	k := uint64(math.Ceil(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > maxHashFuncs {
		k = maxHashFuncs
	}
	return k
}
