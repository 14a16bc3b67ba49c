// Package crypto provides the homomorphic encryption engine used by both
// protocol parties, built on the Lattigo BFV-style integer scheme.
//
// The receiver owns the key pair; the sender loads the serialized public
// key and can encrypt and evaluate but never decrypt. All protocol
// ciphertexts are batched: either a full packed vector (one bit per slot)
// or a single scalar in slot zero.
package crypto

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/heint"
)

// Engine wraps the scheme parameters, keys and evaluators of one party.
type Engine struct {
	params    heint.Parameters
	encoder   *heint.Encoder
	evaluator *heint.Evaluator

	// Receiver side only.
	secretKey *rlwe.SecretKey
	decryptor *rlwe.Decryptor

	// Set once a public key is available.
	publicKey *rlwe.PublicKey
	encryptor *rlwe.Encryptor
}

// NewParameters builds the protocol's fixed BFV parameter set: ring degree
// 8192, the default coefficient chain for that degree, and the 20-bit
// batching plaintext prime. Both parties must use identical parameters.
func NewParameters() (heint.Parameters, error) {
	params, err := heint.NewParametersFromLiteral(heint.ParametersLiteral{
		LogN:             13,
		LogQ:             []int{43, 43, 44, 44, 44},
		LogP:             []int{55},
		PlaintextModulus: 0xFC001, // 1032193, 1 mod 2N
	})
	if err != nil {
		return heint.Parameters{}, fmt.Errorf("failed to create BFV parameters: %w", err)
	}
	return params, nil
}

// NewReceiverEngine creates the receiver's engine and generates a fresh
// key pair.
func NewReceiverEngine() (*Engine, error) {
	params, err := NewParameters()
	if err != nil {
		return nil, err
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()

	return &Engine{
		params:    params,
		encoder:   heint.NewEncoder(params),
		evaluator: heint.NewEvaluator(params, nil),
		secretKey: sk,
		publicKey: pk,
		encryptor: rlwe.NewEncryptor(params, pk),
		decryptor: rlwe.NewDecryptor(params, sk),
	}, nil
}

// NewSenderEngine creates the sender's engine. It can deserialize and
// evaluate immediately; encryption becomes available once the receiver's
// public key is loaded.
func NewSenderEngine() (*Engine, error) {
	params, err := NewParameters()
	if err != nil {
		return nil, err
	}
	return &Engine{
		params:    params,
		encoder:   heint.NewEncoder(params),
		evaluator: heint.NewEvaluator(params, nil),
	}, nil
}

// LoadPublicKey installs a serialized public key and enables encryption.
func (e *Engine) LoadPublicKey(pkBytes []byte) error {
	pk := rlwe.NewPublicKey(e.params)
	if _, err := pk.ReadFrom(bytes.NewReader(pkBytes)); err != nil {
		return fmt.Errorf("failed to deserialize public key: %w", err)
	}
	e.publicKey = pk
	e.encryptor = rlwe.NewEncryptor(e.params, pk)
	return nil
}

// PublicKeyBytes returns the serialized public key for distribution.
func (e *Engine) PublicKeyBytes() ([]byte, error) {
	if e.publicKey == nil {
		return nil, errors.New("no public key available")
	}
	buf := new(bytes.Buffer)
	if _, err := e.publicKey.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("failed to serialize public key: %w", err)
	}
	return buf.Bytes(), nil
}

// SlotCount returns the number of batching slots.
func (e *Engine) SlotCount() int { return e.params.MaxSlots() }

// EncryptPacked encrypts a vector of bits, one per slot, remaining slots
// zero.
func (e *Engine) EncryptPacked(bits []byte) (*rlwe.Ciphertext, error) {
	if e.encryptor == nil {
		return nil, errors.New("encryptor not available (public key not loaded)")
	}
	if len(bits) > e.SlotCount() {
		return nil, fmt.Errorf("vector length %d exceeds %d slots", len(bits), e.SlotCount())
	}

	values := make([]uint64, len(bits))
	for i, b := range bits {
		values[i] = uint64(b & 1)
	}
	pt := heint.NewPlaintext(e.params, e.params.MaxLevel())
	if err := e.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("failed to encode vector: %w", err)
	}
	ct, err := e.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct, nil
}

// EncryptScalar encrypts a single value in slot zero.
func (e *Engine) EncryptScalar(v uint64) (*rlwe.Ciphertext, error) {
	if e.encryptor == nil {
		return nil, errors.New("encryptor not available (public key not loaded)")
	}
	pt := heint.NewPlaintext(e.params, e.params.MaxLevel())
	if err := e.encoder.Encode([]uint64{v}, pt); err != nil {
		return nil, fmt.Errorf("failed to encode scalar: %w", err)
	}
	ct, err := e.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct, nil
}

// UnitMask encodes the plaintext selector with slot k set to one. The
// sender precomputes one mask per dimension for slot extraction.
func (e *Engine) UnitMask(k int) (*rlwe.Plaintext, error) {
	if k < 0 || k >= e.SlotCount() {
		return nil, fmt.Errorf("slot %d out of range", k)
	}
	values := make([]uint64, k+1)
	values[k] = 1
	pt := heint.NewPlaintext(e.params, e.params.MaxLevel())
	if err := e.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("failed to encode unit mask: %w", err)
	}
	return pt, nil
}

// ExtractSlot multiplies a packed ciphertext by a unit mask, leaving the
// selected slot's bit and zeros elsewhere. No secret key is involved.
func (e *Engine) ExtractSlot(packed *rlwe.Ciphertext, mask *rlwe.Plaintext) (*rlwe.Ciphertext, error) {
	ct, err := e.evaluator.MulNew(packed, mask)
	if err != nil {
		return nil, fmt.Errorf("failed to extract slot: %w", err)
	}
	return ct, nil
}

// AddCiphertexts returns ct0 + ct1.
func (e *Engine) AddCiphertexts(ct0, ct1 *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	ct, err := e.evaluator.AddNew(ct0, ct1)
	if err != nil {
		return nil, fmt.Errorf("failed to add: %w", err)
	}
	return ct, nil
}

// MaskedShareSum homomorphically aggregates the receiver's encrypted
// shares against the sender's clear shares and blinds the total:
//
//	sum_i [ b_i + (1-2*b_i) * Enc(a_i) ] + mask
//
// Since a_i XOR b_i is the per-group equality bit, the decrypted result
// is exactly the equal-group count plus the mask.
func (e *Engine) MaskedShareSum(encA []*rlwe.Ciphertext, sharesB []byte, mask uint64) (*rlwe.Ciphertext, error) {
	if len(encA) == 0 {
		return nil, errors.New("no shares to aggregate")
	}
	if len(encA) != len(sharesB) {
		return nil, fmt.Errorf("share count mismatch: %d encrypted, %d clear", len(encA), len(sharesB))
	}

	acc, err := e.EncryptScalar(0)
	if err != nil {
		return nil, err
	}
	constant := mask
	for i, ct := range encA {
		if sharesB[i]&1 == 1 {
			constant++
			if err := e.evaluator.Sub(acc, ct, acc); err != nil {
				return nil, fmt.Errorf("failed to subtract share %d: %w", i, err)
			}
		} else {
			if err := e.evaluator.Add(acc, ct, acc); err != nil {
				return nil, fmt.Errorf("failed to add share %d: %w", i, err)
			}
		}
	}
	if err := e.evaluator.Add(acc, constant, acc); err != nil {
		return nil, fmt.Errorf("failed to add mask: %w", err)
	}
	return acc, nil
}

// DecryptSlots decrypts a ciphertext and returns the first n slot values.
func (e *Engine) DecryptSlots(ct *rlwe.Ciphertext, n int) ([]uint64, error) {
	if e.decryptor == nil {
		return nil, errors.New("decryptor not available (sender-side engine)")
	}
	pt := e.decryptor.DecryptNew(ct)
	decoded := make([]uint64, e.SlotCount())
	if err := e.encoder.Decode(pt, decoded); err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	return decoded[:n], nil
}

// DecryptBit decrypts a single-slot ciphertext down to its low bit.
func (e *Engine) DecryptBit(ct *rlwe.Ciphertext) (byte, error) {
	v, err := e.DecryptScalar(ct)
	if err != nil {
		return 0, err
	}
	return byte(v & 1), nil
}

// DecryptScalar decrypts slot zero of a ciphertext.
func (e *Engine) DecryptScalar(ct *rlwe.Ciphertext) (uint64, error) {
	vals, err := e.DecryptSlots(ct, 1)
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}

// SerializeCiphertext serializes a ciphertext for transmission.
func (e *Engine) SerializeCiphertext(ct *rlwe.Ciphertext) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := ct.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("failed to serialize ciphertext: %w", err)
	}
	return buf.Bytes(), nil
}

// DeserializeCiphertext decodes a ciphertext received from the peer.
func (e *Engine) DeserializeCiphertext(data []byte) (*rlwe.Ciphertext, error) {
	ct := heint.NewCiphertext(e.params, 1, e.params.MaxLevel())
	if _, err := ct.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize ciphertext: %w", err)
	}
	return ct, nil
}

// Params returns the scheme parameters.
func (e *Engine) Params() heint.Parameters { return e.params }

// PlaintextModulus returns the plaintext modulus t.
func (e *Engine) PlaintextModulus() uint64 { return e.params.PlaintextModulus() }
