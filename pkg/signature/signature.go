// Package signature verifies detached ed25519 signatures over the
// canonicalized core of an artifact. The kernel never holds private keys;
// callers supply already-computed signatures and register the public keys
// they trust. A failed check is always fatal to the operation, never
// silently ignored.
package signature

import (
	"crypto/ed25519"
	"encoding/hex"
	"sync"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// Keyring maps signer key IDs to trusted ed25519 public keys.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]ed25519.PublicKey)}
}

// Add registers a trusted public key under keyID.
func (k *Keyring) Add(keyID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = pub
}

// AddHex registers a hex-encoded public key.
func (k *Keyring) AddHex(keyID, pubHex string) error {
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return contracts.Errorf(contracts.CodeSignatureInvalid, "malformed public key for %q", keyID)
	}
	k.Add(keyID, ed25519.PublicKey(raw))
	return nil
}

// Verify checks a hex-encoded detached signature over message using the key
// registered under keyID. Unknown key, malformed signature, and failed
// verification all return SIGNATURE_INVALID.
func (k *Keyring) Verify(keyID string, message []byte, sigHex string) error {
	k.mu.RLock()
	pub, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return contracts.Errorf(contracts.CodeSignatureInvalid, "unknown signer key %q", keyID)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return contracts.Errorf(contracts.CodeSignatureInvalid, "malformed signature from key %q", keyID)
	}
	if !ed25519.Verify(pub, message, sig) {
		return contracts.Errorf(contracts.CodeSignatureInvalid, "signature verification failed for key %q", keyID)
	}
	return nil
}

// VerifyCore canonicalizes core and checks the detached signature over the
// canonical bytes. core must already have derived-hash and signature fields
// stripped; the builder types provide cores in that shape.
func (k *Keyring) VerifyCore(keyID string, core any, sigHex string) error {
	msg, err := canonical.Marshal(core)
	if err != nil {
		return err
	}
	return k.Verify(keyID, msg, sigHex)
}

// SignCore is a convenience for callers that do hold a private key (tests,
// SDK-side tooling): it canonicalizes core and returns the hex signature.
func SignCore(priv ed25519.PrivateKey, core any) (string, error) {
	msg, err := canonical.Marshal(core)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, msg)), nil
}
