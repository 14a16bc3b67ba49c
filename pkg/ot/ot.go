// Package ot implements 1-out-of-2 oblivious transfer of byte payloads
// over a protocol channel.
//
// Two constructions share one contract: the sender contributes two
// messages of equal shape, the receiver obtains exactly the one selected
// by its choice bit. The XOR-pad variant is the protocol's core primitive;
// the Chou-Orlandi variant is the deployment-grade substitution behind the
// same interface.
package ot

import (
	"fmt"
	"io"

	"github.com/opaque/fpsi/go/pkg/transport"
)

// Kind selects an OT construction. Both parties must configure the same
// kind.
type Kind string

const (
	// KindXOR is the simplified pad-based transfer.
	KindXOR Kind = "xor"
	// KindChouOrlandi is the P-256 base OT.
	KindChouOrlandi Kind = "co"
)

// Sender transfers one of two messages without learning which.
type Sender interface {
	Send(c *transport.Conn, m0, m1 []byte) error
}

// Receiver obtains the message selected by its choice bit.
type Receiver interface {
	Receive(c *transport.Conn, choice byte) ([]byte, error)
}

// NewSender returns the sender side of the selected construction. The
// prng supplies the sender's randomness.
func NewSender(kind Kind, prng io.Reader) (Sender, error) {
	switch kind {
	case KindXOR:
		return &xorSender{prng: prng}, nil
	case KindChouOrlandi:
		return &coSender{prng: prng}, nil
	default:
		return nil, fmt.Errorf("ot: unknown kind %q", kind)
	}
}

// NewReceiver returns the receiver side of the selected construction.
func NewReceiver(kind Kind, prng io.Reader) (Receiver, error) {
	switch kind {
	case KindXOR:
		return &xorReceiver{}, nil
	case KindChouOrlandi:
		return &coReceiver{prng: prng}, nil
	default:
		return nil, fmt.Errorf("ot: unknown kind %q", kind)
	}
}

// xorPad XORs msg against the key bytes, cycling the key.
func xorPad(msg, key []byte) []byte {
	out := make([]byte, len(msg))
	for i := range msg {
		out[i] = msg[i] ^ key[i%len(key)]
	}
	return out
}

// xorSender pads each message under a fresh 128-bit key and ships both
// pads and both keys. The receiver opens only its chosen pad; a semi-
// honest receiver discards the other key.
type xorSender struct {
	prng io.Reader
}

func (s *xorSender) Send(c *transport.Conn, m0, m1 []byte) error {
	var k0, k1 [16]byte
	if _, err := io.ReadFull(s.prng, k0[:]); err != nil {
		return fmt.Errorf("ot: sampling key: %w", err)
	}
	if _, err := io.ReadFull(s.prng, k1[:]); err != nil {
		return fmt.Errorf("ot: sampling key: %w", err)
	}

	if err := c.SendBytes(xorPad(m0, k0[:])); err != nil {
		return err
	}
	if err := c.SendBytes(xorPad(m1, k1[:])); err != nil {
		return err
	}
	if err := c.SendRaw(k0[:]); err != nil {
		return err
	}
	if err := c.SendRaw(k1[:]); err != nil {
		return err
	}
	return c.Flush()
}

type xorReceiver struct{}

func (r *xorReceiver) Receive(c *transport.Conn, choice byte) ([]byte, error) {
	e0, err := c.RecvBytes()
	if err != nil {
		return nil, err
	}
	e1, err := c.RecvBytes()
	if err != nil {
		return nil, err
	}
	var k0, k1 [16]byte
	if err := c.RecvRaw(k0[:]); err != nil {
		return nil, err
	}
	if err := c.RecvRaw(k1[:]); err != nil {
		return nil, err
	}

	if choice&1 == 1 {
		return xorPad(e1, k1[:]), nil
	}
	return xorPad(e0, k0[:]), nil
}
