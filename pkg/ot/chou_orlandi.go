// Chou-Orlandi base OT over P-256.
//   - https://eprint.iacr.org/2015/267.pdf
//
// Sender publishes A = aG. Receiver replies B = bG + choice*A, so that the
// sender's derived keys H(aB) and H(a(B-A)) contain exactly one key the
// receiver can recompute as H(bA).

package ot

import (
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/opaque/fpsi/go/pkg/transport"
	"golang.org/x/crypto/blake2b"
)

type coSender struct {
	prng io.Reader
}

func (s *coSender) Send(c *transport.Conn, m0, m1 []byte) error {
	curve := elliptic.P256()
	params := curve.Params()

	a, err := rand.Int(s.prng, params.N)
	if err != nil {
		return fmt.Errorf("ot: sampling exponent: %w", err)
	}
	ax, ay := curve.ScalarBaseMult(a.Bytes())

	if err := c.SendBytes(elliptic.Marshal(curve, ax, ay)); err != nil {
		return err
	}
	if err := c.Flush(); err != nil {
		return err
	}

	bPoint, err := c.RecvBytes()
	if err != nil {
		return err
	}
	bx, by := elliptic.Unmarshal(curve, bPoint)
	if bx == nil {
		return fmt.Errorf("ot: peer sent an invalid curve point")
	}

	// k0 = H(aB), k1 = H(a(B - A)).
	p0x, p0y := curve.ScalarMult(bx, by, a.Bytes())
	negAy := new(big.Int).Sub(params.P, ay)
	dx, dy := curve.Add(bx, by, ax, negAy)
	p1x, p1y := curve.ScalarMult(dx, dy, a.Bytes())

	e0, err := sealPoint(m0, p0x, p0y)
	if err != nil {
		return err
	}
	e1, err := sealPoint(m1, p1x, p1y)
	if err != nil {
		return err
	}
	if err := c.SendBytes(e0); err != nil {
		return err
	}
	if err := c.SendBytes(e1); err != nil {
		return err
	}
	return c.Flush()
}

type coReceiver struct {
	prng io.Reader
}

func (r *coReceiver) Receive(c *transport.Conn, choice byte) ([]byte, error) {
	curve := elliptic.P256()

	aPoint, err := c.RecvBytes()
	if err != nil {
		return nil, err
	}
	ax, ay := elliptic.Unmarshal(curve, aPoint)
	if ax == nil {
		return nil, fmt.Errorf("ot: peer sent an invalid curve point")
	}

	b, err := rand.Int(r.prng, curve.Params().N)
	if err != nil {
		return nil, fmt.Errorf("ot: sampling exponent: %w", err)
	}
	bx, by := curve.ScalarBaseMult(b.Bytes())
	if choice&1 == 1 {
		bx, by = curve.Add(bx, by, ax, ay)
	}

	if err := c.SendBytes(elliptic.Marshal(curve, bx, by)); err != nil {
		return nil, err
	}
	if err := c.Flush(); err != nil {
		return nil, err
	}

	e0, err := c.RecvBytes()
	if err != nil {
		return nil, err
	}
	e1, err := c.RecvBytes()
	if err != nil {
		return nil, err
	}

	kx, ky := curve.ScalarMult(ax, ay, b.Bytes())
	if choice&1 == 1 {
		return sealPoint(e1, kx, ky)
	}
	return sealPoint(e0, kx, ky)
}

// sealPoint XORs msg with a BLAKE2b XOF pad keyed by the point. Applying
// it twice with the same point restores the message.
func sealPoint(msg []byte, x, y *big.Int) ([]byte, error) {
	key := make([]byte, 0, 64)
	key = append(key, x.Bytes()...)
	key = append(key, y.Bytes()...)
	if len(key) > 64 {
		key = key[:64]
	}
	xof, err := blake2b.NewXOF(blake2b.OutputLengthUnknown, key)
	if err != nil {
		return nil, fmt.Errorf("ot: keying pad: %w", err)
	}
	pad := make([]byte, len(msg))
	if _, err := io.ReadFull(xof, pad); err != nil {
		return nil, fmt.Errorf("ot: reading pad: %w", err)
	}
	out := make([]byte, len(msg))
	for i := range msg {
		out[i] = msg[i] ^ pad[i]
	}
	return out, nil
}
