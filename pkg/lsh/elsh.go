// Package lsh implements the entropy-based locality-sensitive hashing that
// buckets binary vectors for the fuzzy matching protocol.
//
// A mapper derives, deterministically from (d, delta, L, tau, seed), a set
// of L subsets of "high-entropy" dimensions. Each subset contributes one
// bucket ID per vector: the XOR parity of the vector's bytes over the
// subset. Two vectors within Hamming distance delta share at least one ID
// with high probability, while distant vectors rarely collide.
package lsh

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// DefaultSeed is the shared subset-derivation seed. Both parties must use
// the same value; it is a protocol parameter, not a secret.
const DefaultSeed int64 = 42

// ID is one bucket identifier: the subset index and the vector's parity
// over that subset.
type ID struct {
	Ell    int
	Parity byte
}

// String renders the ID in its canonical "<ell>||<parity>" form, the form
// fed to the wire-visible hash.
func (id ID) String() string {
	return strconv.Itoa(id.Ell) + "||" + strconv.Itoa(int(id.Parity))
}

// Hash64 maps an ID to the stable 64-bit value used in OKVS keys. Both
// parties must agree on it, so it is BLAKE2b over the canonical string
// form rather than any runtime-dependent hash.
func (id ID) Hash64() uint64 {
	sum := blake2b.Sum512([]byte(id.String()))
	return binary.LittleEndian.Uint64(sum[:8])
}

// Mapper holds one derived E-LSH configuration. It is immutable after New
// and byte-identical across parties constructed from the same inputs.
type Mapper struct {
	d     int
	delta int
	l     int
	k     int
	tau   float64

	dims    []int
	subsets [][]int
}

// New derives the E-LSH configuration for d-dimensional binary vectors
// with distance threshold delta, L subsets and entropy cutoff tau.
func New(d, delta, l int, tau float64, seed int64) (*Mapper, error) {
	if d <= 0 {
		return nil, fmt.Errorf("lsh: invalid dimension %d", d)
	}
	if delta < 0 || delta > d {
		return nil, fmt.Errorf("lsh: invalid threshold %d for dimension %d", delta, d)
	}
	if l <= 0 {
		return nil, fmt.Errorf("lsh: invalid subset count %d", l)
	}

	m := &Mapper{
		d:     d,
		delta: delta,
		l:     l,
		k:     (d + delta) / (delta + 1), // ceil(d / (delta+1))
		tau:   tau,
	}
	m.selectDimensions(seed)
	m.buildSubsets(seed)
	return m, nil
}

// selectDimensions ranks dimensions by simulated binary entropy and keeps
// the high-entropy ones, padding by ascending index up to k*L survivors.
func (m *Mapper) selectDimensions(seed int64) {
	rng := rand.New(rand.NewSource(seed))

	type scored struct {
		entropy float64
		dim     int
	}
	ranked := make([]scored, m.d)
	for i := 0; i < m.d; i++ {
		p := 0.4 + 0.2*rng.Float64()
		p = math.Max(0.01, math.Min(0.99, p))
		h := -p*math.Log2(p) - (1-p)*math.Log2(1-p)
		ranked[i] = scored{entropy: h, dim: i}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].entropy != ranked[j].entropy {
			return ranked[i].entropy > ranked[j].entropy
		}
		return ranked[i].dim < ranked[j].dim
	})

	want := m.k * m.l
	for _, s := range ranked {
		if s.entropy > m.tau {
			m.dims = append(m.dims, s.dim)
		}
	}
	if len(m.dims) < want {
		kept := make(map[int]bool, len(m.dims))
		for _, dim := range m.dims {
			kept[dim] = true
		}
		for i := 0; i < m.d && len(m.dims) < want; i++ {
			if !kept[i] {
				m.dims = append(m.dims, i)
			}
		}
	}
}

// buildSubsets draws the L subsets of size k from the kept dimensions.
func (m *Mapper) buildSubsets(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	m.subsets = make([][]int, m.l)
	for ell := 0; ell < m.l; ell++ {
		cand := make([]int, len(m.dims))
		copy(cand, m.dims)
		rng.Shuffle(len(cand), func(i, j int) {
			cand[i], cand[j] = cand[j], cand[i]
		})
		size := m.k
		if size > len(cand) {
			size = len(cand)
		}
		m.subsets[ell] = cand[:size]
	}
}

// K returns the subset size.
func (m *Mapper) K() int { return m.k }

// L returns the number of subsets.
func (m *Mapper) L() int { return m.l }

// Dimension returns the expected vector dimension.
func (m *Mapper) Dimension() int { return m.d }

// Subset returns the dimensions of subset ell (shared for testing and
// diagnostics; callers must not mutate it).
func (m *Mapper) Subset(ell int) []int { return m.subsets[ell] }

// ComputeIDs returns the vector's L bucket IDs in subset order.
func (m *Mapper) ComputeIDs(v []byte) []ID {
	ids := make([]ID, m.l)
	for ell := 0; ell < m.l; ell++ {
		var parity byte
		for _, dim := range m.subsets[ell] {
			if dim < len(v) {
				parity ^= v[dim]
			}
		}
		ids[ell] = ID{Ell: ell, Parity: parity}
	}
	return ids
}

// ComputeIDsBatch computes IDs for each vector in turn.
func (m *Mapper) ComputeIDsBatch(vs [][]byte) [][]ID {
	out := make([][]ID, len(vs))
	for i, v := range vs {
		out[i] = m.ComputeIDs(v)
	}
	return out
}

// SharesID reports whether the two ID slices have any ID in common.
func SharesID(a, b []ID) bool {
	for i := range a {
		for j := range b {
			if a[i] == b[j] {
				return true
			}
		}
	}
	return false
}
