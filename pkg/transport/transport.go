// Package transport implements C4: authenticated, encrypted framing over
// a socket, using Curve25519 key exchange bound to long-term identity keys
// (a CurveZMQ-equivalent built from golang.org/x/crypto/nacl/box and
// nacl/secretbox, which is what CurveZMQ itself is built from). Both sides
// authenticate; there is no plaintext fallback of any kind (§4.4).
package transport

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/cuemby/aico-slmf/pkg/ferr"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// MaxFrameBytes bounds a single encrypted frame, matching the envelope
// size ceiling plus handshake overhead.
const MaxFrameBytes = 10*1024*1024 + 4096

// Identity is a component's long-term Curve25519 keypair, as derived by
// pkg/keyvault.
type Identity struct {
	Public [32]byte
	Secret [32]byte
}

// Conn is an authenticated, encrypted connection. All bytes written after
// the handshake completes are sealed with a per-connection, per-direction
// session key derived from ephemeral Curve25519 keys (forward secrecy);
// nothing unencrypted ever crosses the wire past the handshake greeting.
type Conn struct {
	raw net.Conn

	// peerLongTermPub is the authenticated identity of the remote side.
	peerLongTermPub [32]byte

	sendKey [32]byte
	recvKey [32]byte
	sendSeq uint64
	recvSeq uint64
}

// PeerPublicKey returns the authenticated long-term public key of the peer.
func (c *Conn) PeerPublicKey() [32]byte { return c.peerLongTermPub }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// nonceFor builds a 24-byte XSalsa20 nonce from a monotonic sequence
// number. sendKey and recvKey are always distinct, direction-specific keys
// (see deriveDirectionalKeys), so a plain per-key counter never reuses a
// (key, nonce) pair.
func nonceFor(seq uint64) [24]byte {
	var n [24]byte
	binary.BigEndian.PutUint64(n[16:], seq)
	return n
}

// WriteEnvelope seals and writes one length-prefixed frame.
func (c *Conn) WriteEnvelope(plaintext []byte) error {
	if len(plaintext) > MaxFrameBytes {
		return ferr.New(ferr.SchemaError, "transport.WriteEnvelope").WithReason("too_large")
	}
	seq := atomic.AddUint64(&c.sendSeq, 1)
	nonce := nonceFor(seq)
	sealed := secretbox.Seal(nil, plaintext, &nonce, &c.sendKey)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := c.raw.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write length: %w", err)
	}
	if _, err := c.raw.Write(sealed); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// ReadEnvelope reads and opens the next length-prefixed frame.
func (c *Conn) ReadEnvelope() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.raw, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return nil, ferr.New(ferr.SchemaError, "transport.ReadEnvelope").WithReason("too_large")
	}
	sealed := make([]byte, n)
	if _, err := io.ReadFull(c.raw, sealed); err != nil {
		return nil, err
	}

	seq := atomic.AddUint64(&c.recvSeq, 1)
	nonce := nonceFor(seq)
	plaintext, ok := secretbox.Open(nil, sealed, &nonce, &c.recvKey)
	if !ok {
		return nil, ferr.New(ferr.SecurityInitFailed, "transport.ReadEnvelope").WithReason("decrypt_failed")
	}
	return plaintext, nil
}

// precompute derives the shared key from our ephemeral secret and the
// peer's ephemeral public key, exactly as CurveZMQ derives its session key
// from short-term Curve25519 keys.
func precompute(peerEphPub, ourEphSec *[32]byte) [32]byte {
	var shared [32]byte
	box.Precompute(&shared, peerEphPub, ourEphSec)
	return shared
}

// deriveDirectionalKeys expands one DH shared secret into two independent,
// direction-tagged keys so client->server and server->client traffic never
// share a (key, nonce) space even though both sides compute the same
// shared secret.
func deriveDirectionalKeys(shared [32]byte) (clientToServer, serverToClient [32]byte) {
	clientToServer = sha256.Sum256(append(append([]byte{}, shared[:]...), []byte("c2s")...))
	serverToClient = sha256.Sum256(append(append([]byte{}, shared[:]...), []byte("s2c")...))
	return
}
