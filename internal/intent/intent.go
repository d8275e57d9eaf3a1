// Package intent defines the signed payment promise that flows through the
// settlement engine, plus its lifecycle states and content addressing.
//
// An intent is immutable once signed: agent, vendor, mint, amount, nonce and
// deadline are all covered by the signature. Only the lifecycle status moves,
// and only the reconciler moves it to a terminal state.
package intent

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSettled    Status = "SETTLED"
	StatusFailed     Status = "FAILED"
	StatusRejected   Status = "REJECTED"
)

// PaymentIntent is a signed promise by an agent to pay a vendor.
// AgentID and VendorID are hex-encoded Ed25519 public keys.
type PaymentIntent struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_pubkey"`
	VendorID  string    `json:"vendor_pubkey"`
	Mint      string    `json:"mint"`
	Amount    uint64    `json:"amount_atomic"`
	Nonce     uint64    `json:"nonce"`
	Deadline  time.Time `json:"deadline"`
	Signature []byte    `json:"signature"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the intent's deadline has passed.
func (pi *PaymentIntent) Expired(now time.Time) bool {
	return now.After(pi.Deadline)
}

// SigningPayload returns the canonical byte encoding covered by the
// signature. Fixed-width big-endian fields so the encoding is unambiguous
// regardless of field values.
func (pi *PaymentIntent) SigningPayload() []byte {
	buf := make([]byte, 0, 128)
	buf = appendField(buf, []byte(pi.AgentID))
	buf = appendField(buf, []byte(pi.VendorID))
	buf = appendField(buf, []byte(pi.Mint))
	buf = binary.BigEndian.AppendUint64(buf, pi.Amount)
	buf = binary.BigEndian.AppendUint64(buf, pi.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(pi.Deadline.Unix()))
	return buf
}

func appendField(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

// ContentHash returns the BLAKE2b-256 digest of the signing payload.
// Two intents with the same (agent, nonce) but different hashes are
// evidence of equivocation.
func (pi *PaymentIntent) ContentHash() [32]byte {
	return blake2b.Sum256(pi.SigningPayload())
}

// Sign signs the intent with the agent's private key and stores the
// signature on the intent. Used by tests and ingestion tooling; the engine
// itself only verifies.
func (pi *PaymentIntent) Sign(priv ed25519.PrivateKey) {
	pi.Signature = ed25519.Sign(priv, pi.SigningPayload())
}

// VerifySignature checks the signature against the agent public key encoded
// in AgentID. A malformed key or signature is a validation failure, not a
// verification mismatch.
func (pi *PaymentIntent) VerifySignature() error {
	pub, err := hex.DecodeString(pi.AgentID)
	if err != nil {
		return fmt.Errorf("%w: agent key is not hex: %v", ErrMalformed, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: agent key size %d, want %d", ErrMalformed, len(pub), ed25519.PublicKeySize)
	}
	if len(pi.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature size %d, want %d", ErrMalformed, len(pi.Signature), ed25519.SignatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), pi.SigningPayload(), pi.Signature) {
		return ErrBadSignature
	}
	return nil
}

// EncodeAgentKey returns the engine-wide string form of an agent or vendor
// public key.
func EncodeAgentKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}
