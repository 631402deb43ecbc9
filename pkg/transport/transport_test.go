package transport

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/cuemby/aico-slmf/pkg/ferr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func randIdentity(t *testing.T) Identity {
	t.Helper()
	var id Identity
	_, err := rand.Read(id.Secret[:])
	require.NoError(t, err)
	pub, err := curve25519.X25519(id.Secret[:], curve25519.Basepoint)
	require.NoError(t, err)
	copy(id.Public[:], pub)
	return id
}

func TestHandshakeAndRoundTrip(t *testing.T) {
	server := randIdentity(t)
	client := randIdentity(t)

	authorized := map[[32]byte]bool{client.Public: true}
	ln, err := Listen("tcp", "127.0.0.1:0", server, func(pub [32]byte) bool {
		return authorized[pub]
	}, zerolog.Nop())
	require.NoError(t, err)
	defer ln.Close()

	serverConnCh := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		serverConnCh <- c
	}()

	clientConn, err := Dial("tcp", ln.Addr().String(), client, server.Public, 2*time.Second)
	require.NoError(t, err)
	defer clientConn.Close()

	serverConn := <-serverConnCh
	defer serverConn.Close()

	require.Equal(t, client.Public, serverConn.PeerPublicKey())
	require.Equal(t, server.Public, clientConn.PeerPublicKey())

	require.NoError(t, clientConn.WriteEnvelope([]byte("hello broker")))
	got, err := serverConn.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, []byte("hello broker"), got)

	require.NoError(t, serverConn.WriteEnvelope([]byte("hello client")))
	got, err = clientConn.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, []byte("hello client"), got)
}

func TestUnauthorizedPeerRejected(t *testing.T) {
	server := randIdentity(t)
	stranger := randIdentity(t)

	ln, err := Listen("tcp", "127.0.0.1:0", server, func(pub [32]byte) bool {
		return false
	}, zerolog.Nop())
	require.NoError(t, err)
	defer ln.Close()

	rejected := make(chan [32]byte, 1)
	ln.OnUnauthorized = func(pub [32]byte, addr string) { rejected <- pub }

	go func() {
		ln.Accept() //nolint:errcheck // the test only cares that the handshake is rejected, not Accept's loop error
	}()

	_, err = Dial("tcp", ln.Addr().String(), stranger, server.Public, 2*time.Second)
	require.Error(t, err)
	require.True(t, ferr.Is(err, ferr.SecurityInitFailed))

	select {
	case pub := <-rejected:
		require.Equal(t, stranger.Public, pub)
	case <-time.After(2 * time.Second):
		t.Fatal("OnUnauthorized was never called")
	}
}
