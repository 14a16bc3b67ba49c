package fpsi

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/opaque/fpsi/go/internal/stats"
	"github.com/opaque/fpsi/go/pkg/crypto"
	"github.com/opaque/fpsi/go/pkg/lsh"
	"github.com/opaque/fpsi/go/pkg/okvs"
	"github.com/opaque/fpsi/go/pkg/ot"
	"github.com/opaque/fpsi/go/pkg/transport"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
)

// Sender is the querying party: it recovers the receiver's packed
// ciphertexts through the OKVS and learns which of its own queries
// matched, but never the receiver's vectors.
type Sender struct {
	params Params
	mapper *lsh.Mapper
	engine *crypto.Engine
	prng   io.Reader

	set    [][]byte
	idSets [][]lsh.ID

	// Offline state, immutable during online.
	codec     *okvs.OKVS
	okvsRows  []okvs.Block
	nReceiver int
	packed    []*rlwe.Ciphertext
	unitMasks []*rlwe.Plaintext
	dummy     *rlwe.Ciphertext

	matched []int

	report stats.Report
}

// NewSender prepares a sender over its query set.
func NewSender(params Params, set [][]byte) (*Sender, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	for j, v := range set {
		if len(v) != params.D {
			return nil, fmt.Errorf("fpsi: query %d has %d dimensions, want %d", j, len(v), params.D)
		}
	}

	mapper, err := lsh.New(params.D, params.Delta, params.L, params.Tau, params.LSHSeed)
	if err != nil {
		return nil, err
	}
	engine, err := crypto.NewSenderEngine()
	if err != nil {
		return nil, err
	}
	prng, err := params.newPRNG()
	if err != nil {
		return nil, err
	}

	return &Sender{
		params: params,
		mapper: mapper,
		engine: engine,
		prng:   prng,
		set:    set,
		report: stats.Report{
			Role:  "sender",
			N:     len(set),
			D:     params.D,
			Delta: params.Delta,
			L:     params.L,
		},
	}, nil
}

// MatchedQueries returns the indices of this party's queries that were
// within the distance threshold of a receiver vector.
func (s *Sender) MatchedQueries() []int { return s.matched }

// Report returns the run statistics collected so far.
func (s *Sender) Report() *stats.Report { return &s.report }

// Run executes the offline and online phases back to back.
func (s *Sender) Run(c *transport.Conn) error {
	if err := s.RunOffline(c); err != nil {
		return err
	}
	return s.RunOnline(c)
}

// RunOffline materializes the receiver's published state: OKVS decoder,
// packed ciphertexts and public key.
func (s *Sender) RunOffline(c *transport.Conn) error {
	start := time.Now()
	sent0, recv0 := c.BytesSent(), c.BytesReceived()

	log.Printf("sender: computing E-LSH IDs for %d queries", len(s.set))
	s.idSets = s.mapper.ComputeIDsBatch(s.set)

	if err := s.receiveOKVS(c); err != nil {
		return fmt.Errorf("offline: %w", err)
	}
	if err := s.receivePackedVectors(c); err != nil {
		return fmt.Errorf("offline: %w", err)
	}
	if err := s.receivePublicKey(c); err != nil {
		return fmt.Errorf("offline: %w", err)
	}
	if err := s.precompute(); err != nil {
		return fmt.Errorf("offline: %w", err)
	}

	s.report.Offline = stats.Phase{
		Duration: time.Since(start),
		Comm: stats.Comm{
			Sent:     c.BytesSent() - sent0,
			Received: c.BytesReceived() - recv0,
		},
	}
	log.Printf("sender: offline done in %.3fs, %.3f MB received",
		s.report.Offline.Duration.Seconds(), s.report.Offline.Comm.MegabytesReceived())
	return nil
}

func (s *Sender) receiveOKVS(c *transport.Conn) error {
	size, err := c.RecvUint64()
	if err != nil {
		return err
	}
	if size > okvs.MaxItems*2 {
		return fmt.Errorf("okvs size %d beyond sanity limit", size)
	}
	rows, err := c.RecvBlocks(int(size))
	if err != nil {
		return err
	}
	seed, err := c.RecvBlock()
	if err != nil {
		return err
	}
	m, err := c.RecvInt32()
	if err != nil {
		return err
	}
	bandLength, err := c.RecvInt32()
	if err != nil {
		return err
	}
	nItems, err := c.RecvInt32()
	if err != nil {
		return err
	}

	if m != int(size) {
		return fmt.Errorf("okvs sizing mismatch: %d rows received, m=%d", size, m)
	}
	codec, err := okvs.New(nItems, m, bandLength, seed)
	if err != nil {
		return err
	}
	s.codec = codec
	s.okvsRows = rows
	log.Printf("sender: okvs received, %d rows for %d pairs", size, nItems)
	return nil
}

func (s *Sender) receivePackedVectors(c *transport.Conn) error {
	n, err := c.RecvInt32()
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("invalid receiver set size %d", n)
	}
	s.nReceiver = n
	s.packed = make([]*rlwe.Ciphertext, n)

	batchSize := s.params.BatchSize
	numBatches := (n + batchSize - 1) / batchSize
	for batch := 0; batch < numBatches; batch++ {
		lo := batch * batchSize
		hi := lo + batchSize
		if hi > n {
			hi = n
		}
		for i := lo; i < hi; i++ {
			data, err := c.RecvBytes()
			if err != nil {
				return err
			}
			ct, err := s.engine.DeserializeCiphertext(data)
			if err != nil {
				return err
			}
			s.packed[i] = ct
		}
		token, err := c.RecvString()
		if err != nil {
			return err
		}
		if want := fmt.Sprintf("BATCH_%d", batch); token != want {
			return fmt.Errorf("batch sync failed: got %q, want %q", token, want)
		}
		if err := c.SendString("ACK"); err != nil {
			return err
		}
		if err := c.Flush(); err != nil {
			return err
		}
	}
	log.Printf("sender: %d packed ciphertexts received", n)
	return nil
}

func (s *Sender) receivePublicKey(c *transport.Conn) error {
	pk, err := c.RecvBytes()
	if err != nil {
		return err
	}
	return s.engine.LoadPublicKey(pk)
}

// precompute builds the per-dimension slot selectors and the dummy
// encrypted zero vector substituted on OKVS misses.
func (s *Sender) precompute() error {
	d := s.params.D
	s.unitMasks = make([]*rlwe.Plaintext, d)
	for k := 0; k < d; k++ {
		pt, err := s.engine.UnitMask(k)
		if err != nil {
			return err
		}
		s.unitMasks[k] = pt
	}
	dummy, err := s.engine.EncryptPacked(make([]byte, d))
	if err != nil {
		return err
	}
	s.dummy = dummy
	return nil
}

// RunOnline streams every query through the per-round sub-protocol.
func (s *Sender) RunOnline(c *transport.Conn) error {
	start := time.Now()
	sent0, recv0 := c.BytesSent(), c.BytesReceived()

	m := len(s.set)
	if err := c.SendInt32(m); err != nil {
		return fmt.Errorf("online: %w", err)
	}
	if err := c.Flush(); err != nil {
		return fmt.Errorf("online: %w", err)
	}
	log.Printf("sender: running %d queries", m)

	for j := 0; j < m; j++ {
		if j > 0 && j%100 == 0 {
			log.Printf("sender: query %d/%d", j, m)
		}
		qStart := time.Now()
		if err := s.processQuery(j, c); err != nil {
			return fmt.Errorf("online: query %d: %w", j, err)
		}
		s.report.QueryDurations = append(s.report.QueryDurations, time.Since(qStart))
	}

	s.report.Matches = len(s.matched)
	s.report.Online = stats.Phase{
		Duration: time.Since(start),
		Comm: stats.Comm{
			Sent:     c.BytesSent() - sent0,
			Received: c.BytesReceived() - recv0,
		},
	}
	log.Printf("sender: online done in %.3fs, %d matched queries",
		s.report.Online.Duration.Seconds(), len(s.matched))
	return nil
}

// recoverPacked resolves one ID candidate through the OKVS. An index
// outside the receiver's set, the normal outcome for an ID the receiver
// never published, yields the dummy zero vector.
func (s *Sender) recoverPacked(id lsh.ID, j int) *rlwe.Ciphertext {
	key := okvs.NewBlock(id.Hash64(), uint64(j))
	value := s.codec.Decode(key, s.okvsRows)
	idx := value.Lo()
	if value.Hi() != 0 || idx >= uint64(s.nReceiver) {
		return s.dummy
	}
	return s.packed[idx]
}

func (s *Sender) processQuery(j int, c *transport.Conn) error {
	d := s.params.D
	numSlots := s.params.NumSlots()
	q := s.set[j]
	ids := s.idSets[j]

	rounds := len(ids)
	if rounds > s.params.L {
		rounds = s.params.L
	}

	eFlags := make([]byte, 0, rounds)
	for ell := 0; ell < rounds; ell++ {
		packed := s.recoverPacked(ids[ell], j)

		// Blind each extracted bit with a fresh mask bit and hand the
		// receiver the ciphertexts plus the mask folded into q.
		u := make([]byte, d)
		for k := 0; k < d; k++ {
			extracted, err := s.engine.ExtractSlot(packed, s.unitMasks[k])
			if err != nil {
				return err
			}
			maskBit, err := randBit(s.prng)
			if err != nil {
				return err
			}
			encMask, err := s.engine.EncryptScalar(uint64(maskBit))
			if err != nil {
				return err
			}
			blinded, err := s.engine.AddCiphertexts(extracted, encMask)
			if err != nil {
				return err
			}
			data, err := s.engine.SerializeCiphertext(blinded)
			if err != nil {
				return err
			}
			if err := c.SendBytes(data); err != nil {
				return err
			}
			u[k] = maskBit ^ (q[k] & 1)
		}
		if err := c.SendRaw(u); err != nil {
			return err
		}
		if err := c.Flush(); err != nil {
			return err
		}

		encA := make([]*rlwe.Ciphertext, numSlots)
		for i := 0; i < numSlots; i++ {
			data, err := c.RecvBytes()
			if err != nil {
				return err
			}
			ct, err := s.engine.DeserializeCiphertext(data)
			if err != nil {
				return err
			}
			encA[i] = ct
		}
		sharesB := make([]byte, numSlots)
		if err := c.RecvRaw(sharesB); err != nil {
			return err
		}

		v, err := randUint64(s.prng)
		if err != nil {
			return err
		}
		randomMask := v % s.params.MaskBound
		maskedSum, err := s.engine.MaskedShareSum(encA, sharesB, randomMask)
		if err != nil {
			return err
		}
		data, err := s.engine.SerializeCiphertext(maskedSum)
		if err != nil {
			return err
		}
		if err := c.SendBytes(data); err != nil {
			return err
		}
		if err := c.SendUint64(randomMask); err != nil {
			return err
		}
		if err := c.Flush(); err != nil {
			return err
		}

		e, err := c.RecvByte()
		if err != nil {
			return err
		}
		eFlags = append(eFlags, e)
	}

	hasMatch, err := senderAnyOne(c, eFlags, s.prng)
	if err != nil {
		return err
	}

	otSend, err := ot.NewSender(s.params.OTKind, s.prng)
	if err != nil {
		return err
	}
	if err := otSend.Send(c, make([]byte, d), q); err != nil {
		return err
	}
	if hasMatch {
		s.matched = append(s.matched, j)
	}
	return nil
}
