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
)

// okvsEncodeAttempts bounds the fresh-seed retries when the banded system
// comes out singular.
const okvsEncodeAttempts = 4

// Receiver is the party that publishes its set obliviously and learns the
// fuzzy intersection.
type Receiver struct {
	params Params
	mapper *lsh.Mapper
	engine *crypto.Engine
	prng   io.Reader

	set    [][]byte
	idSets [][]lsh.ID

	intersection [][]byte
	payloads     [][]byte
	matched      []int

	report stats.Report
}

// NewReceiver prepares a receiver over its input set. Every vector must
// have exactly params.D entries of one bit each.
func NewReceiver(params Params, set [][]byte) (*Receiver, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("fpsi: receiver set is empty")
	}
	for i, v := range set {
		if len(v) != params.D {
			return nil, fmt.Errorf("fpsi: vector %d has %d dimensions, want %d", i, len(v), params.D)
		}
	}

	mapper, err := lsh.New(params.D, params.Delta, params.L, params.Tau, params.LSHSeed)
	if err != nil {
		return nil, err
	}
	engine, err := crypto.NewReceiverEngine()
	if err != nil {
		return nil, err
	}
	prng, err := params.newPRNG()
	if err != nil {
		return nil, err
	}

	return &Receiver{
		params: params,
		mapper: mapper,
		engine: engine,
		prng:   prng,
		set:    set,
		report: stats.Report{
			Role:  "receiver",
			N:     len(set),
			D:     params.D,
			Delta: params.Delta,
			L:     params.L,
		},
	}, nil
}

// Intersection returns the receiver's matched vectors, in query order.
func (r *Receiver) Intersection() [][]byte { return r.intersection }

// MatchedQueries returns the sender query indices that matched.
func (r *Receiver) MatchedQueries() []int { return r.matched }

// Payloads returns the oblivious-transfer payloads of matched queries.
func (r *Receiver) Payloads() [][]byte { return r.payloads }

// Report returns the run statistics collected so far.
func (r *Receiver) Report() *stats.Report { return &r.report }

// Run executes the offline and online phases back to back.
func (r *Receiver) Run(c *transport.Conn) error {
	if err := r.RunOffline(c); err != nil {
		return err
	}
	return r.RunOnline(c)
}

// RunOffline publishes the OKVS encoding, the packed ciphertexts and the
// public key.
func (r *Receiver) RunOffline(c *transport.Conn) error {
	start := time.Now()
	sent0, recv0 := c.BytesSent(), c.BytesReceived()

	log.Printf("receiver: computing E-LSH IDs for %d vectors", len(r.set))
	r.idSets = r.mapper.ComputeIDsBatch(r.set)

	if err := r.sendOKVS(c); err != nil {
		return fmt.Errorf("offline: %w", err)
	}
	if err := r.sendPackedVectors(c); err != nil {
		return fmt.Errorf("offline: %w", err)
	}
	if err := r.sendPublicKey(c); err != nil {
		return fmt.Errorf("offline: %w", err)
	}

	r.report.Offline = stats.Phase{
		Duration: time.Since(start),
		Comm: stats.Comm{
			Sent:     c.BytesSent() - sent0,
			Received: c.BytesReceived() - recv0,
		},
	}
	log.Printf("receiver: offline done in %.3fs, %.3f MB sent",
		r.report.Offline.Duration.Seconds(), r.report.Offline.Comm.MegabytesSent())
	return nil
}

// sendOKVS encodes the (ID hash, owner index) pairs and ships the rows
// with their sizing and seed.
func (r *Receiver) sendOKVS(c *transport.Conn) error {
	var keys, values []okvs.Block
	for i, ids := range r.idSets {
		for _, id := range ids {
			keys = append(keys, okvs.NewBlock(id.Hash64(), uint64(i)))
			values = append(values, okvs.NewBlock(uint64(i), 0))
		}
	}
	nPairs := len(keys)

	bandLength, err := okvs.BandLength(nPairs)
	if err != nil {
		return err
	}
	m := (nPairs*21 + 19) / 20 // ceil(1.05 * nPairs)

	var encoded []okvs.Block
	var seed okvs.Block
	var codec *okvs.OKVS
	for attempt := 0; ; attempt++ {
		seedLo, err := randUint64(r.prng)
		if err != nil {
			return err
		}
		seedHi, err := randUint64(r.prng)
		if err != nil {
			return err
		}
		seed = okvs.NewBlock(seedLo, seedHi)

		codec, err = okvs.New(nPairs, m, bandLength, seed)
		if err != nil {
			return err
		}
		encoded = make([]okvs.Block, codec.Size())
		err = codec.Encode(keys, values, encoded, r.prng)
		if err == nil {
			break
		}
		if err != okvs.ErrSingular || attempt+1 >= okvsEncodeAttempts {
			return fmt.Errorf("okvs encoding failed: %w", err)
		}
		log.Printf("receiver: okvs encoding singular, re-seeding (attempt %d)", attempt+2)
	}

	if err := c.SendUint64(uint64(len(encoded))); err != nil {
		return err
	}
	if err := c.SendBlocks(encoded); err != nil {
		return err
	}
	if err := c.SendBlock(seed); err != nil {
		return err
	}
	if err := c.SendInt32(m); err != nil {
		return err
	}
	if err := c.SendInt32(bandLength); err != nil {
		return err
	}
	if err := c.SendInt32(nPairs); err != nil {
		return err
	}
	if err := c.Flush(); err != nil {
		return err
	}
	log.Printf("receiver: okvs published, %d pairs in %d rows", nPairs, len(encoded))
	return nil
}

// sendPackedVectors encrypts one packed ciphertext per vector and ships
// them in acknowledged batches so at most BatchSize are in flight.
func (r *Receiver) sendPackedVectors(c *transport.Conn) error {
	n := len(r.set)
	if err := c.SendInt32(n); err != nil {
		return err
	}

	batchSize := r.params.BatchSize
	numBatches := (n + batchSize - 1) / batchSize
	for batch := 0; batch < numBatches; batch++ {
		lo := batch * batchSize
		hi := lo + batchSize
		if hi > n {
			hi = n
		}
		for i := lo; i < hi; i++ {
			ct, err := r.engine.EncryptPacked(r.set[i])
			if err != nil {
				return err
			}
			data, err := r.engine.SerializeCiphertext(ct)
			if err != nil {
				return err
			}
			if err := c.SendBytes(data); err != nil {
				return err
			}
		}
		if err := c.SendString(fmt.Sprintf("BATCH_%d", batch)); err != nil {
			return err
		}
		ack, err := c.RecvString()
		if err != nil {
			return err
		}
		if ack != "ACK" {
			return fmt.Errorf("batch sync failed: got %q", ack)
		}
	}
	log.Printf("receiver: %d packed ciphertexts sent in %d batches", n, numBatches)
	return nil
}

func (r *Receiver) sendPublicKey(c *transport.Conn) error {
	pk, err := r.engine.PublicKeyBytes()
	if err != nil {
		return err
	}
	if err := c.SendBytes(pk); err != nil {
		return err
	}
	return c.Flush()
}

// RunOnline answers the sender's queries and collects the intersection.
func (r *Receiver) RunOnline(c *transport.Conn) error {
	start := time.Now()
	sent0, recv0 := c.BytesSent(), c.BytesReceived()

	m, err := c.RecvInt32()
	if err != nil {
		return fmt.Errorf("online: %w", err)
	}
	if m < 0 {
		return fmt.Errorf("online: invalid query count %d", m)
	}
	log.Printf("receiver: answering %d queries", m)

	for j := 0; j < m; j++ {
		if j > 0 && j%100 == 0 {
			log.Printf("receiver: query %d/%d", j, m)
		}
		qStart := time.Now()
		hasMatch, err := r.processQuery(c)
		if err != nil {
			return fmt.Errorf("online: query %d: %w", j, err)
		}
		r.report.QueryDurations = append(r.report.QueryDurations, time.Since(qStart))
		if hasMatch {
			r.matched = append(r.matched, j)
			// The index-salted OKVS keys pair the sender's j-th query
			// with this party's j-th vector, so the matched set member
			// is known by position.
			if j < len(r.set) {
				w := make([]byte, len(r.set[j]))
				copy(w, r.set[j])
				r.intersection = append(r.intersection, w)
			}
		}
	}

	r.report.Matches = len(r.matched)
	r.report.Online = stats.Phase{
		Duration: time.Since(start),
		Comm: stats.Comm{
			Sent:     c.BytesSent() - sent0,
			Received: c.BytesReceived() - recv0,
		},
	}
	log.Printf("receiver: online done in %.3fs, %d matches",
		r.report.Online.Duration.Seconds(), len(r.matched))
	return nil
}

// processQuery runs the L equality rounds, the any-one test and the
// oblivious transfer for one sender query.
func (r *Receiver) processQuery(c *transport.Conn) (bool, error) {
	d := r.params.D
	numSlots := r.params.NumSlots()
	threshold := r.params.MatchThreshold()

	eFlags := make([]byte, 0, r.params.L)
	for ell := 0; ell < r.params.L; ell++ {
		// The sender's blinding of the recovered vector, one ciphertext
		// per dimension.
		v := make([]byte, d)
		for k := 0; k < d; k++ {
			data, err := c.RecvBytes()
			if err != nil {
				return false, err
			}
			ct, err := r.engine.DeserializeCiphertext(data)
			if err != nil {
				return false, err
			}
			bit, err := r.engine.DecryptBit(ct)
			if err != nil {
				return false, err
			}
			v[k] = bit
		}

		u := make([]byte, d)
		if err := c.RecvRaw(u); err != nil {
			return false, err
		}

		// Share the per-group equality of u and v; a goes out encrypted,
		// b in the clear for the sender to aggregate against.
		sharesB := make([]byte, numSlots)
		for slot := 0; slot < numSlots; slot++ {
			a, b, err := GenerateShares(groupByte(u, slot), groupByte(v, slot), r.prng)
			if err != nil {
				return false, err
			}
			sharesB[slot] = b
			ct, err := r.engine.EncryptScalar(uint64(a))
			if err != nil {
				return false, err
			}
			data, err := r.engine.SerializeCiphertext(ct)
			if err != nil {
				return false, err
			}
			if err := c.SendBytes(data); err != nil {
				return false, err
			}
		}
		if err := c.SendRaw(sharesB); err != nil {
			return false, err
		}
		if err := c.Flush(); err != nil {
			return false, err
		}

		data, err := c.RecvBytes()
		if err != nil {
			return false, err
		}
		maskedSum, err := r.engine.DeserializeCiphertext(data)
		if err != nil {
			return false, err
		}
		randomMask, err := c.RecvUint64()
		if err != nil {
			return false, err
		}

		decoded, err := r.engine.DecryptScalar(maskedSum)
		if err != nil {
			return false, err
		}
		if decoded < randomMask {
			return false, fmt.Errorf("masked sum %d below mask %d", decoded, randomMask)
		}
		matchCount := int(decoded - randomMask)
		if matchCount > numSlots {
			return false, fmt.Errorf("match count %d exceeds %d slots", matchCount, numSlots)
		}

		var e byte
		if matchCount >= threshold {
			e = 1
		}
		if err := c.SendByte(e); err != nil {
			return false, err
		}
		if err := c.Flush(); err != nil {
			return false, err
		}
		eFlags = append(eFlags, e)
	}

	hasMatch, err := receiverAnyOne(c, eFlags)
	if err != nil {
		return false, err
	}

	otRecv, err := ot.NewReceiver(r.params.OTKind, r.prng)
	if err != nil {
		return false, err
	}
	var choice byte
	if hasMatch {
		choice = 1
	}
	payload, err := otRecv.Receive(c, choice)
	if err != nil {
		return false, err
	}
	if hasMatch {
		r.payloads = append(r.payloads, payload)
	}
	return hasMatch, nil
}
