package intent

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedIntent(t *testing.T) (*PaymentIntent, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pi := &PaymentIntent{
		ID:       "pi-1",
		AgentID:  EncodeAgentKey(pub),
		VendorID: "vendor-x",
		Mint:     "USDC",
		Amount:   1_000_000,
		Nonce:    7,
		Deadline: time.Now().Add(time.Hour),
	}
	pi.Sign(priv)
	return pi, priv
}

func TestSignAndVerify(t *testing.T) {
	pi, _ := signedIntent(t)
	assert.NoError(t, pi.VerifySignature())
}

func TestVerifyRejectsTamperedAmount(t *testing.T) {
	pi, _ := signedIntent(t)
	pi.Amount++
	assert.ErrorIs(t, pi.VerifySignature(), ErrBadSignature)
}

func TestVerifyRejectsMalformedKey(t *testing.T) {
	pi, _ := signedIntent(t)
	pi.AgentID = "not-hex!"
	assert.ErrorIs(t, pi.VerifySignature(), ErrMalformed)

	pi2, _ := signedIntent(t)
	pi2.AgentID = "abcd" // hex, wrong length
	assert.ErrorIs(t, pi2.VerifySignature(), ErrMalformed)
}

func TestVerifyRejectsShortSignature(t *testing.T) {
	pi, _ := signedIntent(t)
	pi.Signature = pi.Signature[:10]
	assert.ErrorIs(t, pi.VerifySignature(), ErrMalformed)
}

func TestContentHashCoversAllSignedFields(t *testing.T) {
	pi, priv := signedIntent(t)
	base := pi.ContentHash()

	changed := *pi
	changed.Amount = pi.Amount + 1
	assert.NotEqual(t, base, changed.ContentHash())

	changed = *pi
	changed.VendorID = "vendor-y"
	assert.NotEqual(t, base, changed.ContentHash())

	changed = *pi
	changed.Deadline = pi.Deadline.Add(time.Minute)
	assert.NotEqual(t, base, changed.ContentHash())

	// Status and ID are lifecycle metadata, not signed content.
	changed = *pi
	changed.ID = "pi-other"
	changed.Status = StatusSettled
	changed.Sign(priv)
	assert.Equal(t, base, changed.ContentHash())
}

func TestExpired(t *testing.T) {
	pi := &PaymentIntent{Deadline: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	assert.False(t, pi.Expired(pi.Deadline))
	assert.True(t, pi.Expired(pi.Deadline.Add(time.Second)))
}
