/*
Package sign implements the signature schemes used by the ledger.
ED25519 signatures authenticate every message and transaction, and kyber threshold
signatures (BLS on bn256) turn a quorum of COMMIT votes into a compact decision proof.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
)

var (
	// ErrUnknownIdentity is returned when no key is registered for an identity.
	ErrUnknownIdentity = errors.New("unknown identity")
)

// GenED25519Keys generates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return priv, pub
}

// Digest returns the sha256 digest of a signable string.
func Digest(signable string) []byte {
	h := sha256.Sum256([]byte(signable))
	return h[:]
}

// SignEd25519 signs data with the private key.
func SignEd25519(privateKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privateKey, data)
}

// VerifySignEd25519 verifies the signature of data with the public key.
func VerifySignEd25519(publicKey ed25519.PublicKey, data, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, errors.New("malformed ED25519 public key")
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(publicKey, data, sig), nil
}
