// Package keyvault implements C1: deterministic per-component keypair
// derivation from a master secret (§4.1). It never persists the master
// secret and never transmits it; it only derives Curve25519 keypairs and
// hands them to pkg/transport.
package keyvault

import (
	"crypto/sha256"
	"sync"

	"github.com/cuemby/aico-slmf/pkg/ferr"
	"github.com/cuemby/aico-slmf/pkg/identity"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
)

// MinSecretLen is the minimum accepted length of the master secret (§3).
const MinSecretLen = 32

// fixedComponentSalt is the Argon2id salt shared by every derivation. It is
// not a secret — the master secret is what provides the entropy; the salt
// only needs to differ from other Argon2id uses in the process.
var fixedComponentSalt = []byte("aico-slmf/keyvault/v1/fixed-salt")

// KeyPair is a Curve25519 asymmetric pair as used by pkg/transport.
type KeyPair struct {
	Public  [32]byte
	Secret  [32]byte
}

// Vault derives and caches per-process keypairs from a master secret.
type Vault struct {
	secret []byte // never serialized, never logged

	mu    sync.Mutex
	cache map[identity.ID]KeyPair
}

// New builds a Vault bound to master secret m. Fails fast (no fallback) if
// m is shorter than MinSecretLen, per §4.1's KeyMaterialUnavailable.
func New(m []byte) (*Vault, error) {
	if len(m) < MinSecretLen {
		return nil, ferr.New(ferr.KeyMaterialUnavailable, "keyvault.New")
	}
	secretCopy := make([]byte, len(m))
	copy(secretCopy, m)
	return &Vault{secret: secretCopy, cache: make(map[identity.ID]KeyPair)}, nil
}

// Derive returns the Curve25519 keypair for component id. It is a pure
// function of (masterSecret, id): Argon2id(M, salt, label=id) -> seed ->
// curve25519 keypair. Results are cached in-memory for the process
// lifetime only, never across processes.
func (v *Vault) Derive(id identity.ID) (KeyPair, error) {
	v.mu.Lock()
	if kp, ok := v.cache[id]; ok {
		v.mu.Unlock()
		return kp, nil
	}
	v.mu.Unlock()

	seed := argon2.IDKey(v.labeledSecret(id), fixedComponentSalt, 1, 64*1024, 4, 32)

	var kp KeyPair
	copy(kp.Secret[:], seed)
	// Curve25519 clamping happens inside curve25519.X25519; multiplying
	// the clamped scalar by Basepoint derives the public key.
	pub, err := curve25519.X25519(kp.Secret[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, ferr.Wrap(ferr.KeyMaterialUnavailable, "keyvault.Derive", err)
	}
	copy(kp.Public[:], pub)

	v.mu.Lock()
	v.cache[id] = kp
	v.mu.Unlock()
	return kp, nil
}

// labeledSecret binds the master secret to a component label before
// hashing, so Argon2id's "password" input differs per component even
// though the salt is fixed.
func (v *Vault) labeledSecret(id identity.ID) []byte {
	h := sha256.New()
	h.Write(v.secret)
	h.Write([]byte("\x00"))
	h.Write([]byte(id))
	return h.Sum(nil)
}

// DeriveSymmetricKey derives a 32-byte secretbox key for a non-network
// purpose (e.g. the Event Store's at-rest encryption, §4.7) using the same
// Argon2id construction as Derive, labeled with purpose instead of a
// component identity so the two key spaces never collide.
func (v *Vault) DeriveSymmetricKey(purpose string) [32]byte {
	h := sha256.New()
	h.Write(v.secret)
	h.Write([]byte("\x00sym\x00"))
	h.Write([]byte(purpose))
	labeled := h.Sum(nil)

	seed := argon2.IDKey(labeled, fixedComponentSalt, 1, 64*1024, 4, 32)
	var key [32]byte
	copy(key[:], seed)
	return key
}

// BrokerIdentity returns the broker's public key, derived from the
// reserved identity message_bus_broker.
func (v *Vault) BrokerIdentity() ([32]byte, error) {
	kp, err := v.Derive(identity.Broker)
	if err != nil {
		return [32]byte{}, err
	}
	return kp.Public, nil
}

// AuthorizedClientKeys derives the public key for every authorized
// component identity in §6, for the broker's allow-list.
func (v *Vault) AuthorizedClientKeys() (map[identity.ID][32]byte, error) {
	out := make(map[identity.ID][32]byte)
	for _, id := range identity.All() {
		kp, err := v.Derive(id)
		if err != nil {
			return nil, err
		}
		out[id] = kp.Public
	}
	return out, nil
}
