package okvs

import "encoding/binary"

// Block is a 128-bit value, the unit of both OKVS keys and rows.
// The wire form is the little-endian low word followed by the
// little-endian high word.
type Block [2]uint64

// NewBlock builds a block from its low and high 64-bit halves.
func NewBlock(lo, hi uint64) Block {
	return Block{lo, hi}
}

// Lo returns the low 64 bits.
func (b Block) Lo() uint64 { return b[0] }

// Hi returns the high 64 bits.
func (b Block) Hi() uint64 { return b[1] }

// Xor returns b XOR o.
func (b Block) Xor(o Block) Block {
	return Block{b[0] ^ o[0], b[1] ^ o[1]}
}

// IsZero reports whether both halves are zero.
func (b Block) IsZero() bool { return b[0] == 0 && b[1] == 0 }

// Bytes returns the 16-byte wire form of the block.
func (b Block) Bytes() []byte {
	p := make([]byte, 16)
	binary.LittleEndian.PutUint64(p[:8], b[0])
	binary.LittleEndian.PutUint64(p[8:], b[1])
	return p
}

// AppendTo appends the wire form of the block to p.
func (b Block) AppendTo(p []byte) []byte {
	p = binary.LittleEndian.AppendUint64(p, b[0])
	return binary.LittleEndian.AppendUint64(p, b[1])
}

// BlockFromBytes decodes a block from the first 16 bytes of p.
func BlockFromBytes(p []byte) Block {
	return Block{
		binary.LittleEndian.Uint64(p[:8]),
		binary.LittleEndian.Uint64(p[8:16]),
	}
}
