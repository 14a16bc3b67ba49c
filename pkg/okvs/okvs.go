// Package okvs implements an oblivious key-value store over random banded
// matrices modulo 2, with 128-bit keys and values.
//
// The encoder solves the sparse linear system row_k · out = value_k, where
// row_k is a pseudo-random band of consecutive positions derived from the
// key and a shared seed. The holder of the encoded rows can recover the
// value of any key that was encoded, but a lookup of any other key returns
// a row that is uniformly random from its point of view.
package okvs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// MaxItems is the largest input size the band-length table covers.
const MaxItems = 1 << 24

// ErrSingular is returned by Encode when the banded system has no
// solution for the drawn seed. Callers retry with a fresh seed.
var ErrSingular = errors.New("okvs: banded system is singular")

// BandLength returns the band width for n input pairs. The steps grow
// with n so that encoding succeeds except with negligible probability.
func BandLength(n int) (int, error) {
	switch {
	case n <= 0:
		return 0, fmt.Errorf("okvs: invalid input size %d", n)
	case n <= 1<<14:
		return 339, nil
	case n <= 1<<16:
		return 350, nil
	case n <= 1<<18:
		return 366, nil
	case n <= 1<<20:
		return 377, nil
	case n <= 1<<22:
		return 396, nil
	case n <= 1<<24:
		return 413, nil
	default:
		return 0, fmt.Errorf("okvs: no band length for %d items (max %d)", n, MaxItems)
	}
}

// OKVS holds the sizing and seed of one encoding. The same parameters
// must be used by the encoder and by every decoder.
type OKVS struct {
	n       int
	m       int
	bandLen int
	words   int
	seed    Block
	seedKey []byte
}

// New prepares a codec for n items over m rows with the given band length
// and seed. The band is clamped to m for very small encodings.
func New(nItems, m, bandLength int, seed Block) (*OKVS, error) {
	if nItems <= 0 || nItems > MaxItems {
		return nil, fmt.Errorf("okvs: invalid item count %d", nItems)
	}
	if m < nItems {
		return nil, fmt.Errorf("okvs: %d rows cannot hold %d items", m, nItems)
	}
	if bandLength <= 0 {
		return nil, fmt.Errorf("okvs: invalid band length %d", bandLength)
	}
	if bandLength > m {
		bandLength = m
	}
	return &OKVS{
		n:       nItems,
		m:       m,
		bandLen: bandLength,
		words:   (bandLength + 63) / 64,
		seed:    seed,
		seedKey: seed.Bytes(),
	}, nil
}

// Size returns the number of rows in the encoded output.
func (o *OKVS) Size() int { return o.m }

// BandLen returns the (possibly clamped) band width.
func (o *OKVS) BandLen() int { return o.bandLen }

// band derives the starting row and band bits for a key. The first band
// bit is always set so that the band truly starts at the returned row.
func (o *OKVS) band(key Block) (start int, w []uint64) {
	h, err := blake2b.New512(o.seedKey)
	if err != nil {
		// The seed is always 16 bytes, within the blake2b key limit.
		panic(err)
	}
	h.Write(key.Bytes())
	sum := h.Sum(nil)

	width := o.m - o.bandLen + 1
	start = int(binary.LittleEndian.Uint64(sum[:8]) % uint64(width))

	w = make([]uint64, o.words)
	for i := 0; i < o.words; i++ {
		w[i] = binary.LittleEndian.Uint64(sum[8+8*i : 16+8*i])
	}
	// Drop bits beyond the band width.
	if tail := o.bandLen % 64; tail != 0 {
		w[o.words-1] &= (1 << tail) - 1
	}
	w[0] |= 1
	return start, w
}

type row struct {
	start int
	bits  []uint64
	val   Block
}

// Encode solves the banded system for the given key/value pairs and
// writes the m rows into out. Rows not pinned by any equation are filled
// from prng so that the output is uniform outside the encoded key set.
// Encode fails with ErrSingular when the drawn bands are linearly
// dependent; the caller re-seeds and retries.
func (o *OKVS) Encode(keys, values []Block, out []Block, prng io.Reader) error {
	if len(keys) != o.n || len(values) != o.n {
		return fmt.Errorf("okvs: expected %d pairs, got %d keys and %d values", o.n, len(keys), len(values))
	}
	if len(out) != o.m {
		return fmt.Errorf("okvs: output size %d does not match %d rows", len(out), o.m)
	}

	rows := make([]row, o.n)
	for i := range keys {
		start, bits := o.band(keys[i])
		rows[i] = row{start: start, bits: bits, val: values[i]}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].start < rows[j].start })

	// Forward elimination. Every settled row is aligned so that its
	// first bit sits on its pivot column; a later row colliding on that
	// column XORs the pivot row in and re-aligns.
	pivotAt := make([]int, o.m)
	for i := range pivotAt {
		pivotAt[i] = -1
	}
	for i := range rows {
		r := &rows[i]
		for {
			shift := firstBit(r.bits)
			if shift < 0 {
				return ErrSingular
			}
			if shift > 0 {
				shiftDown(r.bits, shift)
				r.start += shift
			}
			p := pivotAt[r.start]
			if p < 0 {
				pivotAt[r.start] = i
				break
			}
			xorWords(r.bits, rows[p].bits)
			r.val = r.val.Xor(rows[p].val)
		}
	}

	// Unpinned rows are uniform.
	rnd := make([]byte, 16)
	for i := range out {
		if _, err := io.ReadFull(prng, rnd); err != nil {
			return fmt.Errorf("okvs: sampling free rows: %w", err)
		}
		out[i] = BlockFromBytes(rnd)
	}

	// Back substitution in decreasing pivot order: every row only
	// references columns at or above its own pivot.
	order := make([]int, 0, o.n)
	for c := o.m - 1; c >= 0; c-- {
		if pivotAt[c] >= 0 {
			order = append(order, pivotAt[c])
		}
	}
	for _, i := range order {
		r := &rows[i]
		v := r.val
		for _, c := range setBits(r.bits) {
			if c == 0 {
				continue
			}
			v = v.Xor(out[r.start+c])
		}
		out[r.start] = v
	}
	return nil
}

// Decode recovers the value for key from the encoded rows. Decode is
// total: a key that was never encoded yields a pseudo-random block.
func (o *OKVS) Decode(key Block, encoded []Block) Block {
	start, bits := o.band(key)
	var v Block
	for _, c := range setBits(bits) {
		v = v.Xor(encoded[start+c])
	}
	return v
}

// firstBit returns the index of the lowest set bit, or -1 if none.
func firstBit(w []uint64) int {
	for i, x := range w {
		if x != 0 {
			return i*64 + bits.TrailingZeros64(x)
		}
	}
	return -1
}

// shiftDown shifts the bit vector toward zero by n positions.
func shiftDown(w []uint64, n int) {
	wordShift, bitShift := n/64, n%64
	for i := range w {
		src := i + wordShift
		var v uint64
		if src < len(w) {
			v = w[src] >> bitShift
			if bitShift != 0 && src+1 < len(w) {
				v |= w[src+1] << (64 - bitShift)
			}
		}
		w[i] = v
	}
}

func xorWords(dst, src []uint64) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// setBits lists the set bit positions of the band.
func setBits(w []uint64) []int {
	out := make([]int, 0, 64)
	for i, x := range w {
		for x != 0 {
			out = append(out, i*64+bits.TrailingZeros64(x))
			x &= x - 1
		}
	}
	return out
}
