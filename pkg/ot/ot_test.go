package ot

import (
	"bytes"
	"testing"

	"github.com/opaque/fpsi/go/pkg/transport"
	"github.com/tuneinsight/lattigo/v5/utils/sampling"
)

func runTransfer(t *testing.T, kind Kind, choice byte) []byte {
	t.Helper()

	a, b := transport.NewPipe()
	defer a.Close()
	defer b.Close()

	sPrng, err := sampling.NewKeyedPRNG([]byte("ot-sender"))
	if err != nil {
		t.Fatalf("NewKeyedPRNG failed: %v", err)
	}
	rPrng, err := sampling.NewKeyedPRNG([]byte("ot-receiver"))
	if err != nil {
		t.Fatalf("NewKeyedPRNG failed: %v", err)
	}

	m0 := bytes.Repeat([]byte{0xAA}, 32)
	m1 := bytes.Repeat([]byte{0x55}, 32)

	errc := make(chan error, 1)
	go func() {
		sender, err := NewSender(kind, sPrng)
		if err != nil {
			errc <- err
			return
		}
		errc <- sender.Send(a, m0, m1)
	}()

	receiver, err := NewReceiver(kind, rPrng)
	if err != nil {
		t.Fatalf("NewReceiver failed: %v", err)
	}
	got, err := receiver.Receive(b, choice)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	return got
}

func TestTransferBothChoices(t *testing.T) {
	for _, kind := range []Kind{KindXOR, KindChouOrlandi} {
		for choice := byte(0); choice <= 1; choice++ {
			got := runTransfer(t, kind, choice)
			want := byte(0xAA)
			if choice == 1 {
				want = 0x55
			}
			for i, g := range got {
				if g != want {
					t.Fatalf("kind %s choice %d: byte %d = 0x%02x, want 0x%02x", kind, choice, i, g, want)
				}
			}
			if len(got) != 32 {
				t.Fatalf("kind %s: payload length %d, want 32", kind, len(got))
			}
		}
	}
}

func TestUnknownKind(t *testing.T) {
	prng, _ := sampling.NewPRNG()
	if _, err := NewSender(Kind("bogus"), prng); err == nil {
		t.Error("expected error for unknown sender kind")
	}
	if _, err := NewReceiver(Kind("bogus"), prng); err == nil {
		t.Error("expected error for unknown receiver kind")
	}
}

func TestXORPadCycles(t *testing.T) {
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	msg := bytes.Repeat([]byte{0xFF}, 40) // longer than the key
	enc := xorPad(msg, key)
	dec := xorPad(enc, key)
	if !bytes.Equal(dec, msg) {
		t.Error("double pad did not restore the message")
	}
	if bytes.Equal(enc, msg) {
		t.Error("pad left the message in the clear")
	}
}
