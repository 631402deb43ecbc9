package transport

import (
	"crypto/rand"
	"io"
	"net"

	"github.com/cuemby/aico-slmf/pkg/ferr"
	"golang.org/x/crypto/nacl/box"
)

// handshakeGreetingVersion is the first byte of the hello frame.
const handshakeGreetingVersion byte = 1

// AuthorizeFunc reports whether a presented long-term public key is in the
// broker's allow-list (§4.4 step 2). Returning false causes the broker to
// close the connection with no further data exchanged.
type AuthorizeFunc func(clientPub [32]byte) bool

// serverHandshake performs the broker side of §4.4's handshake:
//  1. read the client's greeting (long-term pubkey + sealed ephemeral key)
//  2. reject immediately if the key is unauthorized (UnauthorizedPeer,
//     surfaced to the caller as a bool so it can be logged at SECURITY)
//  3. open the sealed ephemeral key, authenticating the client
//  4. reply with our own sealed ephemeral key
//  5. derive directional session keys
func serverHandshake(conn net.Conn, self Identity, authorize AuthorizeFunc) (*Conn, bool, [32]byte, error) {
	var clientLongTermPub [32]byte

	var greeting [1 + 32 + 24 + (32 + box.Overhead)]byte
	if _, err := io.ReadFull(conn, greeting[:]); err != nil {
		return nil, false, clientLongTermPub, ferr.Wrap(ferr.SecurityInitFailed, "transport.serverHandshake", err)
	}
	if greeting[0] != handshakeGreetingVersion {
		return nil, false, clientLongTermPub, ferr.New(ferr.SecurityInitFailed, "transport.serverHandshake").WithReason("bad_version")
	}

	copy(clientLongTermPub[:], greeting[1:33])

	if !authorize(clientLongTermPub) {
		return nil, false, clientLongTermPub, nil // caller closes conn and logs UnauthorizedPeer; no bytes sent back
	}

	var nonce [24]byte
	copy(nonce[:], greeting[33:57])
	sealedEph := greeting[57:]

	clientEphPubSlice, ok := box.Open(nil, sealedEph, &nonce, &clientLongTermPub, &self.Secret)
	if !ok || len(clientEphPubSlice) != 32 {
		return nil, true, clientLongTermPub, ferr.New(ferr.SecurityInitFailed, "transport.serverHandshake").WithReason("open_hello_failed")
	}
	var clientEphPub [32]byte
	copy(clientEphPub[:], clientEphPubSlice)

	serverEphPub, serverEphSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, true, clientLongTermPub, ferr.Wrap(ferr.SecurityInitFailed, "transport.serverHandshake", err)
	}

	var replyNonce [24]byte
	if _, err := io.ReadFull(rand.Reader, replyNonce[:]); err != nil {
		return nil, true, clientLongTermPub, ferr.Wrap(ferr.SecurityInitFailed, "transport.serverHandshake", err)
	}
	sealedReply := box.Seal(nil, serverEphPub[:], &replyNonce, &clientLongTermPub, &self.Secret)

	reply := make([]byte, 0, 24+len(sealedReply))
	reply = append(reply, replyNonce[:]...)
	reply = append(reply, sealedReply...)
	if _, err := conn.Write(reply); err != nil {
		return nil, true, clientLongTermPub, ferr.Wrap(ferr.SecurityInitFailed, "transport.serverHandshake", err)
	}

	shared := precompute(&clientEphPub, serverEphSec)
	c2s, s2c := deriveDirectionalKeys(shared)

	return &Conn{
		raw:             conn,
		peerLongTermPub: clientLongTermPub,
		sendKey:         s2c,
		recvKey:         c2s,
	}, true, clientLongTermPub, nil
}

// clientHandshake performs the client side: send our greeting authenticated
// to the broker's known long-term public key, then read and open the
// broker's reply.
func clientHandshake(conn net.Conn, self Identity, brokerPub [32]byte) (*Conn, error) {
	clientEphPub, clientEphSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, ferr.Wrap(ferr.SecurityInitFailed, "transport.clientHandshake", err)
	}

	var helloNonce [24]byte
	if _, err := io.ReadFull(rand.Reader, helloNonce[:]); err != nil {
		return nil, ferr.Wrap(ferr.SecurityInitFailed, "transport.clientHandshake", err)
	}
	sealedEph := box.Seal(nil, clientEphPub[:], &helloNonce, &brokerPub, &self.Secret)

	greeting := make([]byte, 0, 1+32+24+len(sealedEph))
	greeting = append(greeting, handshakeGreetingVersion)
	greeting = append(greeting, self.Public[:]...)
	greeting = append(greeting, helloNonce[:]...)
	greeting = append(greeting, sealedEph...)
	if _, err := conn.Write(greeting); err != nil {
		return nil, ferr.Wrap(ferr.SecurityInitFailed, "transport.clientHandshake", err)
	}

	var reply [24 + 32 + box.Overhead]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return nil, ferr.Wrap(ferr.SecurityInitFailed, "transport.clientHandshake", err)
	}
	var replyNonce [24]byte
	copy(replyNonce[:], reply[:24])

	serverEphPubSlice, ok := box.Open(nil, reply[24:], &replyNonce, &brokerPub, &self.Secret)
	if !ok || len(serverEphPubSlice) != 32 {
		return nil, ferr.New(ferr.SecurityInitFailed, "transport.clientHandshake").WithReason("open_reply_failed")
	}
	var serverEphPub [32]byte
	copy(serverEphPub[:], serverEphPubSlice)

	shared := precompute(&serverEphPub, clientEphSec)
	c2s, s2c := deriveDirectionalKeys(shared)

	return &Conn{
		raw:             conn,
		peerLongTermPub: brokerPub,
		sendKey:         c2s,
		recvKey:         s2c,
	}, nil
}

// helloFrameSize returns the byte length of a sealed hello frame.
func helloFrameSize() int {
	return 1 + 32 + 24 + 32 + box.Overhead
}
