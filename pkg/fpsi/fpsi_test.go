package fpsi

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/opaque/fpsi/go/pkg/crypto"
	"github.com/opaque/fpsi/go/pkg/lsh"
	"github.com/opaque/fpsi/go/pkg/okvs"
	"github.com/opaque/fpsi/go/pkg/ot"
	"github.com/opaque/fpsi/go/pkg/transport"
	"github.com/tuneinsight/lattigo/v5/utils/sampling"
)

// bitsFromString turns "0110..." into one bit per byte.
func bitsFromString(t *testing.T, s string) []byte {
	t.Helper()
	v := make([]byte, len(s))
	for i, c := range s {
		switch c {
		case '0':
			v[i] = 0
		case '1':
			v[i] = 1
		default:
			t.Fatalf("invalid bit %q", c)
		}
	}
	return v
}

func testParams(d, delta, l int) Params {
	p := DefaultParams()
	p.D = d
	p.Delta = delta
	p.L = l
	p.Seed = []byte("fpsi-test-party")
	return p
}

// runProtocol executes both engines over an in-memory pipe.
func runProtocol(t *testing.T, params Params, W, Q [][]byte) (*Receiver, *Sender) {
	t.Helper()

	recvParams := params
	recvParams.Seed = append([]byte("receiver-"), params.Seed...)
	sendParams := params
	sendParams.Seed = append([]byte("sender-"), params.Seed...)

	recv, err := NewReceiver(recvParams, W)
	if err != nil {
		t.Fatalf("NewReceiver failed: %v", err)
	}
	send, err := NewSender(sendParams, Q)
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}

	rc, sc := transport.NewPipe()
	defer rc.Close()
	defer sc.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- send.Run(sc)
	}()
	if err := recv.Run(rc); err != nil {
		t.Fatalf("receiver failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("sender failed: %v", err)
	}
	return recv, send
}

// equalGroups counts the 8-bit groups on which the vectors fully agree.
func equalGroups(p Params, a, b []byte) int {
	count := 0
	for slot := 0; slot < p.NumSlots(); slot++ {
		if groupByte(a, slot) == groupByte(b, slot) {
			count++
		}
	}
	return count
}

// expectedMatchSet replays the protocol's deterministic match logic in
// the clear: query j is paired with receiver vector j through the
// index-salted OKVS keys; rounds whose subset parity differs fall back to
// the dummy zero vector; a round matches when the equal-group count
// reaches the threshold.
func expectedMatchSet(t *testing.T, params Params, W, Q [][]byte) map[int]bool {
	t.Helper()
	mapper, err := lsh.New(params.D, params.Delta, params.L, params.Tau, params.LSHSeed)
	if err != nil {
		t.Fatalf("lsh.New failed: %v", err)
	}
	zero := make([]byte, params.D)
	thr := params.MatchThreshold()

	matches := make(map[int]bool)
	for j, q := range Q {
		idsQ := mapper.ComputeIDs(q)
		var idsW []lsh.ID
		if j < len(W) {
			idsW = mapper.ComputeIDs(W[j])
		}
		for ell := 0; ell < params.L; ell++ {
			src := zero
			if idsW != nil && idsW[ell].Parity == idsQ[ell].Parity {
				src = W[j]
			}
			if equalGroups(params, q, src) >= thr {
				matches[j] = true
				break
			}
		}
	}
	return matches
}

func containsVector(set [][]byte, v []byte) bool {
	for _, w := range set {
		if bytes.Equal(w, v) {
			return true
		}
	}
	return false
}

func TestGenerateSharesContract(t *testing.T) {
	prng, err := sampling.NewKeyedPRNG([]byte("shares"))
	if err != nil {
		t.Fatalf("NewKeyedPRNG failed: %v", err)
	}
	cases := []struct {
		x, y  byte
		equal byte
	}{
		{0, 0, 1}, {1, 1, 1}, {0, 1, 0}, {1, 0, 0}, {0xA5, 0xA5, 1}, {0xA5, 0x5A, 0},
	}
	for _, c := range cases {
		for trial := 0; trial < 8; trial++ {
			a, b, err := GenerateShares(c.x, c.y, prng)
			if err != nil {
				t.Fatalf("GenerateShares failed: %v", err)
			}
			if a^b != c.equal {
				t.Fatalf("shares of (%d, %d): a=%d b=%d, want XOR %d", c.x, c.y, a, b, c.equal)
			}
		}
	}
}

func TestGroupByte(t *testing.T) {
	v := bitsFromString(t, "1010000011111111")
	if got := groupByte(v, 0); got != 0x05 {
		t.Errorf("group 0 = 0x%02x, want 0x05", got)
	}
	if got := groupByte(v, 1); got != 0xFF {
		t.Errorf("group 1 = 0x%02x, want 0xFF", got)
	}
	// Trailing partial group pads with zeros.
	short := bitsFromString(t, "110000000011")
	if got := groupByte(short, 1); got != 0x0C {
		t.Errorf("partial group = 0x%02x, want 0x0C", got)
	}
}

func TestAnyOnePEqT(t *testing.T) {
	prng, err := sampling.NewKeyedPRNG([]byte("peqt"))
	if err != nil {
		t.Fatalf("NewKeyedPRNG failed: %v", err)
	}
	cases := [][]byte{
		{0, 0, 0, 0},
		{1, 0, 0, 0},
		{0, 0, 0, 1},
		{1, 1, 1, 1},
		{0},
		{1},
	}
	for _, flags := range cases {
		want := false
		for _, f := range flags {
			if f == 1 {
				want = true
			}
		}
		// Both parties hold the same flag vector in this protocol.
		a, b := transport.NewPipe()
		resc := make(chan bool, 1)
		errc := make(chan error, 1)
		go func() {
			got, err := senderAnyOne(a, flags, prng)
			resc <- got
			errc <- err
		}()
		got, err := receiverAnyOne(b, flags)
		if err != nil {
			t.Fatalf("receiverAnyOne failed: %v", err)
		}
		if err := <-errc; err != nil {
			t.Fatalf("senderAnyOne failed: %v", err)
		}
		senderGot := <-resc
		if got != want || senderGot != want {
			t.Errorf("flags %v: receiver=%v sender=%v, want %v", flags, got, senderGot, want)
		}
		a.Close()
		b.Close()
	}
}

func TestParamsValidate(t *testing.T) {
	p := DefaultParams()
	if err := p.Validate(); err != nil {
		t.Errorf("default params invalid: %v", err)
	}
	bad := p
	bad.D = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero dimension")
	}
	bad = p
	bad.Delta = p.D + 1
	if err := bad.Validate(); err == nil {
		t.Error("expected error for threshold above dimension")
	}
	bad = p
	bad.MaskBound = 1
	if err := bad.Validate(); err == nil {
		t.Error("expected error for tiny mask bound")
	}
	bad = p
	bad.OTKind = ot.Kind("bogus")
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown OT kind")
	}
}

// Scenario: d=8, delta=1, L=4. With a single 8-bit group the aggregated
// threshold grants full slack, so the discriminating signal is positional
// pairing plus the group test; the close pair must always be found.
func TestEndToEndSmall(t *testing.T) {
	params := testParams(8, 1, 4)
	W := [][]byte{
		bitsFromString(t, "00000000"),
		bitsFromString(t, "11110000"),
	}
	Q := [][]byte{
		bitsFromString(t, "00000001"),
		bitsFromString(t, "00110011"),
	}

	recv, send := runProtocol(t, params, W, Q)

	want := expectedMatchSet(t, params, W, Q)
	if !want[0] {
		t.Fatalf("the distance-1 pair must be an expected match")
	}
	if !containsVector(recv.Intersection(), W[0]) {
		t.Errorf("intersection misses the close pair's vector")
	}
	if len(recv.MatchedQueries()) != len(want) {
		t.Errorf("receiver matched %v, expected %d matches", recv.MatchedQueries(), len(want))
	}
	if len(send.MatchedQueries()) != len(want) {
		t.Errorf("sender matched %v, expected %d matches", send.MatchedQueries(), len(want))
	}
	for _, j := range recv.MatchedQueries() {
		if !want[j] {
			t.Errorf("unexpected match for query %d", j)
		}
	}
}

// Scenario: identical singleton sets at delta=0.
func TestEndToEndExactMatch(t *testing.T) {
	params := testParams(16, 0, 2)
	v := bitsFromString(t, "1010010110100101") // 0xA5A5
	W := [][]byte{v}
	Q := [][]byte{v}

	recv, send := runProtocol(t, params, W, Q)

	if !containsVector(recv.Intersection(), v) {
		t.Errorf("identical vector not in intersection")
	}
	if len(send.MatchedQueries()) != 1 {
		t.Errorf("sender matched %v, want exactly query 0", send.MatchedQueries())
	}
}

// Scenario: delta equal to the dimension makes every pair a match.
func TestEndToEndAllMatch(t *testing.T) {
	params := testParams(16, 16, 2)
	prng, err := sampling.NewKeyedPRNG([]byte("all-match"))
	if err != nil {
		t.Fatalf("NewKeyedPRNG failed: %v", err)
	}
	n := 3
	W := make([][]byte, n)
	for i := range W {
		buf := make([]byte, 16)
		if _, err := prng.Read(buf); err != nil {
			t.Fatalf("prng read failed: %v", err)
		}
		for k := range buf {
			buf[k] &= 1
		}
		W[i] = buf
	}
	Q := make([][]byte, n)
	for i := range Q {
		Q[i] = append([]byte(nil), W[i]...)
	}

	recv, _ := runProtocol(t, params, W, Q)
	if len(recv.Intersection()) != n {
		t.Errorf("intersection size %d, want %d", len(recv.Intersection()), n)
	}
}

// Scenario: far pairs with every 8-bit group disturbed never match.
func TestEndToEndNoMatch(t *testing.T) {
	if testing.Short() {
		t.Skip("full-dimension run is expensive")
	}
	params := testParams(128, 10, 32)
	prng, err := sampling.NewKeyedPRNG([]byte("no-match"))
	if err != nil {
		t.Fatalf("NewKeyedPRNG failed: %v", err)
	}
	n := 4
	W := make([][]byte, n)
	Q := make([][]byte, n)
	for i := range W {
		buf := make([]byte, 128)
		if _, err := prng.Read(buf); err != nil {
			t.Fatalf("prng read failed: %v", err)
		}
		for k := range buf {
			buf[k] &= 1
		}
		W[i] = buf
		// Flip at least one bit in every 8-bit group and make sure no
		// group is all zero, so neither the paired vector nor the dummy
		// can reach the threshold.
		q := append([]byte(nil), buf...)
		for g := 0; g < 16; g++ {
			q[g*8] ^= 1
			q[g*8+1] = 1
		}
		Q[i] = q
	}

	recv, send := runProtocol(t, params, W, Q)
	if len(recv.Intersection()) != 0 {
		t.Errorf("intersection should be empty, got %d entries", len(recv.Intersection()))
	}
	if len(send.MatchedQueries()) != 0 {
		t.Errorf("no sender query should match, got %v", send.MatchedQueries())
	}
}

// The Chou-Orlandi OT slots in behind the same engine contract.
func TestEndToEndChouOrlandiOT(t *testing.T) {
	params := testParams(16, 0, 2)
	params.OTKind = ot.KindChouOrlandi
	v := bitsFromString(t, "1111000011110000")

	recv, _ := runProtocol(t, params, [][]byte{v}, [][]byte{v})
	if !containsVector(recv.Intersection(), v) {
		t.Errorf("intersection misses the identical vector under CO OT")
	}
	if len(recv.Payloads()) != 1 || !bytes.Equal(recv.Payloads()[0], v) {
		t.Errorf("OT payload should be the matched query vector")
	}
}

// A mis-ordered batch token is a protocol-frame error on the sender
// within that batch.
func TestBatchSyncViolation(t *testing.T) {
	params := testParams(8, 1, 2)
	send, err := NewSender(params, [][]byte{bitsFromString(t, "00000000")})
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}

	rc, sc := transport.NewPipe()
	defer rc.Close()
	defer sc.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- send.RunOffline(sc)
	}()

	// Script a minimal receiver offline flow with a corrupted token.
	prng, err := sampling.NewKeyedPRNG([]byte("batch-sync"))
	if err != nil {
		t.Fatalf("NewKeyedPRNG failed: %v", err)
	}
	codec, err := okvs.New(1, 2, 2, okvs.NewBlock(1, 2))
	if err != nil {
		t.Fatalf("okvs.New failed: %v", err)
	}
	rows := make([]okvs.Block, codec.Size())
	if err := codec.Encode([]okvs.Block{okvs.NewBlock(9, 9)}, []okvs.Block{okvs.NewBlock(0, 0)}, rows, prng); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := rc.SendUint64(uint64(len(rows))); err != nil {
		t.Fatalf("send okvs size: %v", err)
	}
	if err := rc.SendBlocks(rows); err != nil {
		t.Fatalf("send okvs rows: %v", err)
	}
	rc.SendBlock(okvs.NewBlock(1, 2))
	rc.SendInt32(2)
	rc.SendInt32(2)
	rc.SendInt32(1)

	// One vector, then the wrong sync token.
	rc.SendInt32(1)
	recvEngine, err := crypto.NewReceiverEngine()
	if err != nil {
		t.Fatalf("engine setup failed: %v", err)
	}
	ct, err := recvEngine.EncryptPacked(make([]byte, 8))
	if err != nil {
		t.Fatalf("EncryptPacked failed: %v", err)
	}
	data, err := recvEngine.SerializeCiphertext(ct)
	if err != nil {
		t.Fatalf("SerializeCiphertext failed: %v", err)
	}
	rc.SendBytes(data)
	rc.SendString("BATCH_7")
	if err := rc.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	err = <-errc
	if err == nil {
		t.Fatal("expected a batch sync error")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("batch sync")) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMatchedSetAgainstPlainMath(t *testing.T) {
	params := testParams(16, 2, 4)
	W := [][]byte{
		bitsFromString(t, "0000000000000000"),
		bitsFromString(t, "1111111100000000"),
		bitsFromString(t, "1010101010101010"),
	}
	Q := [][]byte{
		bitsFromString(t, "0000000000000001"), // distance 1 from W[0]
		bitsFromString(t, "1111111100000000"), // equal to W[1]
		bitsFromString(t, "0101010101010101"), // distance 16 from W[2]
	}

	recv, send := runProtocol(t, params, W, Q)
	want := expectedMatchSet(t, params, W, Q)

	gotR := make(map[int]bool)
	for _, j := range recv.MatchedQueries() {
		gotR[j] = true
	}
	gotS := make(map[int]bool)
	for _, j := range send.MatchedQueries() {
		gotS[j] = true
	}
	if fmt.Sprint(gotR) != fmt.Sprint(want) {
		t.Errorf("receiver matches %v, want %v", gotR, want)
	}
	if fmt.Sprint(gotS) != fmt.Sprint(want) {
		t.Errorf("sender matches %v, want %v", gotS, want)
	}
}
