package vitalsync

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// SigningChallenge is the fixed challenge signed once per job. The signature
// authenticates the uploader to both partners and seeds the storage
// encryption key, so it is memoized in the job checkpoint and never re-signed
// across retries.
const SigningChallenge = "vitalsync-custody-challenge-v1"

// Signer produces the caller signature over a challenge. Key management is
// outside this module.
type Signer interface {
	Sign(ctx context.Context, challenge []byte) (string, error)
}

// Ed25519Signer signs challenges with a static ed25519 key.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer creates a signer from a 64-byte ed25519 private key.
func NewEd25519Signer(key ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size: %d", len(key))
	}
	return &Ed25519Signer{key: key}, nil
}

func (s *Ed25519Signer) Sign(ctx context.Context, challenge []byte) (string, error) {
	var sig = ed25519.Sign(s.key, challenge)
	return base64.StdEncoding.EncodeToString(sig), nil
}
