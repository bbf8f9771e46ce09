package sign

import (
	"crypto/ed25519"
	"fmt"
)

// KeyRing signs on behalf of one identity and verifies signatures of every known identity.
// Signatures are computed over the digest of a signable string.
type KeyRing struct {
	id         string
	privateKey ed25519.PrivateKey
	publicKeys map[string]ed25519.PublicKey // read-only after NewKeyRing
}

// NewKeyRing creates a KeyRing for id. publicKeys maps every identity to its public key.
func NewKeyRing(id string, privateKey ed25519.PrivateKey, publicKeys map[string]ed25519.PublicKey) *KeyRing {
	pks := make(map[string]ed25519.PublicKey, len(publicKeys))
	for name, pk := range publicKeys {
		pks[name] = pk
	}
	return &KeyRing{
		id:         id,
		privateKey: privateKey,
		publicKeys: pks,
	}
}

// ID returns the identity the KeyRing signs for.
func (k *KeyRing) ID() string {
	return k.id
}

// Sign signs the signable string with the own private key.
func (k *KeyRing) Sign(signable string) ([]byte, error) {
	if len(k.privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: no private key for %s", ErrUnknownIdentity, k.id)
	}
	return SignEd25519(k.privateKey, Digest(signable)), nil
}

// Verify checks that sig is a signature of signable by id.
func (k *KeyRing) Verify(id, signable string, sig []byte) (bool, error) {
	pk, ok := k.publicKeys[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	return VerifySignEd25519(pk, Digest(signable), sig)
}
