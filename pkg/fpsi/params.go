// Package fpsi implements the two-party fuzzy private set intersection
// protocol: a receiver holding n binary vectors and a sender holding m
// queries jointly find the pairs within Hamming distance delta, with the
// receiver learning only its matched vectors and the sender learning only
// which of its queries matched.
package fpsi

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opaque/fpsi/go/pkg/lsh"
	"github.com/opaque/fpsi/go/pkg/ot"
	"github.com/tuneinsight/lattigo/v5/utils/sampling"
)

// Params are the protocol parameters both parties must agree on.
// Everything except Seed is wire-visible configuration.
type Params struct {
	// D is the vector dimension in bits.
	D int
	// Delta is the Hamming distance threshold.
	Delta int
	// L is the number of E-LSH subsets (and online rounds per query).
	L int
	// Tau is the E-LSH entropy cutoff.
	Tau float64
	// LSHSeed derives the shared E-LSH configuration.
	LSHSeed int64

	// BatchSize bounds the packed ciphertexts in flight during offline.
	BatchSize int
	// MaskBound is the exclusive upper bound of the sender's additive
	// masks; it only has to exceed the slot-group count.
	MaskBound uint64

	// OTKind selects the oblivious transfer construction.
	OTKind ot.Kind

	// Seed, when set, makes this party's randomness deterministic for
	// tests and reproductions. Production runs leave it nil.
	Seed []byte
}

// DefaultParams returns the reference parameter set.
func DefaultParams() Params {
	return Params{
		D:         128,
		Delta:     10,
		L:         32,
		Tau:       0.9,
		LSHSeed:   lsh.DefaultSeed,
		BatchSize: 16,
		MaskBound: 1000,
		OTKind:    ot.KindXOR,
	}
}

// Validate rejects parameter sets the protocol cannot run with.
func (p Params) Validate() error {
	if p.D <= 0 {
		return fmt.Errorf("fpsi: invalid dimension %d", p.D)
	}
	if p.Delta < 0 || p.Delta > p.D {
		return fmt.Errorf("fpsi: invalid threshold %d for dimension %d", p.Delta, p.D)
	}
	if p.L <= 0 {
		return fmt.Errorf("fpsi: invalid subset count %d", p.L)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("fpsi: invalid batch size %d", p.BatchSize)
	}
	if p.MaskBound <= uint64(p.NumSlots()) {
		return fmt.Errorf("fpsi: mask bound %d does not exceed slot count %d", p.MaskBound, p.NumSlots())
	}
	if p.OTKind != ot.KindXOR && p.OTKind != ot.KindChouOrlandi {
		return fmt.Errorf("fpsi: unknown OT kind %q", p.OTKind)
	}
	return nil
}

// NumSlots is the number of 8-bit groups the equality test aggregates.
func (p Params) NumSlots() int { return (p.D + 7) / 8 }

// MatchThreshold is the equal-group count at or above which a round is
// flagged as a match. The 8-bit aggregation over-approximates a bitwise
// Hamming threshold; see the protocol notes.
func (p Params) MatchThreshold() int { return p.NumSlots() - p.Delta/8 - 1 }

// newPRNG builds the party PRNG: keyed and deterministic when a seed is
// set, cryptographic otherwise.
func (p Params) newPRNG() (io.Reader, error) {
	if p.Seed != nil {
		prng, err := sampling.NewKeyedPRNG(p.Seed)
		if err != nil {
			return nil, fmt.Errorf("fpsi: seeding prng: %w", err)
		}
		return prng, nil
	}
	prng, err := sampling.NewPRNG()
	if err != nil {
		return nil, fmt.Errorf("fpsi: creating prng: %w", err)
	}
	return prng, nil
}

// groupByte packs the 8 bits of group slot into one byte, low bit first.
// Short trailing groups pad with zeros.
func groupByte(v []byte, slot int) byte {
	var b byte
	for i := 0; i < 8; i++ {
		idx := slot*8 + i
		if idx >= len(v) {
			break
		}
		b |= (v[idx] & 1) << i
	}
	return b
}

func randBit(prng io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(prng, b[:]); err != nil {
		return 0, fmt.Errorf("fpsi: sampling bit: %w", err)
	}
	return b[0] & 1, nil
}

func randUint64(prng io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(prng, b[:]); err != nil {
		return 0, fmt.Errorf("fpsi: sampling value: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
