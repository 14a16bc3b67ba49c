package fpsi

import (
	"fmt"
	"io"

	"github.com/opaque/fpsi/go/pkg/transport"
)

// GenerateShares produces the secret sharing of the equality of x and y:
// a is uniform and a XOR b equals 1 exactly when x == y. In this protocol
// only the receiver executes it, on the 8-bit groups of u and v; a is
// shipped encrypted, b in the clear, so the sender holds b.
func GenerateShares(x, y byte, prng io.Reader) (a, b byte, err error) {
	var equal byte
	if x == y {
		equal = 1
	}
	a, err = randBit(prng)
	if err != nil {
		return 0, 0, err
	}
	return a, a ^ equal, nil
}

// senderAnyOne runs the sender side of the any-one private equality test
// on the per-round flag vector: the masked flags go out, the receiver
// folds its OR under the first mask bit, and unmasking yields 1 iff any
// flag was set. The per-position masks keep individual flags off the
// transcript.
func senderAnyOne(c *transport.Conn, flags []byte, prng io.Reader) (bool, error) {
	n := len(flags)
	if n == 0 {
		return false, fmt.Errorf("fpsi: empty flag vector")
	}
	masks := make([]byte, n)
	masked := make([]byte, n)
	for i := range flags {
		m, err := randBit(prng)
		if err != nil {
			return false, err
		}
		masks[i] = m
		masked[i] = (flags[i] & 1) ^ m
	}
	if err := c.SendRaw(masked); err != nil {
		return false, err
	}
	if err := c.Flush(); err != nil {
		return false, err
	}

	z, err := c.RecvByte()
	if err != nil {
		return false, err
	}
	return z^masks[0] == 1, nil
}

// receiverAnyOne runs the receiver side: it answers with its local OR
// hidden under the sender's first mask bit, which it recovers from the
// masked vector and its own copy of the flags.
func receiverAnyOne(c *transport.Conn, flags []byte) (bool, error) {
	n := len(flags)
	if n == 0 {
		return false, fmt.Errorf("fpsi: empty flag vector")
	}
	masked := make([]byte, n)
	if err := c.RecvRaw(masked); err != nil {
		return false, err
	}

	var or byte
	for _, f := range flags {
		or |= f & 1
	}
	m0 := masked[0] ^ (flags[0] & 1)
	if err := c.SendByte(or ^ m0); err != nil {
		return false, err
	}
	if err := c.Flush(); err != nil {
		return false, err
	}
	return or == 1, nil
}
