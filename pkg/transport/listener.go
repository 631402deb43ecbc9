package transport

import (
	"net"

	"github.com/cuemby/aico-slmf/pkg/ferr"
	"github.com/rs/zerolog"
)

// Listener wraps a net.Listener and performs the fail-secure handshake of
// §4.4 on every accepted connection before handing it back to the caller.
// Connections from unauthorized keys are closed with no data exchanged and
// never reach Accept's caller; OnUnauthorized is invoked so the broker
// can emit the §4.4/§7 SECURITY-level log.
type Listener struct {
	ln        net.Listener
	self      Identity
	authorize AuthorizeFunc
	logger    zerolog.Logger

	// OnUnauthorized, if set, is called with the rejected key before the
	// connection is closed.
	OnUnauthorized func(peerPub [32]byte, remoteAddr string)
}

// Listen opens addr on network and wraps it for authenticated, encrypted
// connections. No plaintext fallback exists: callers that need a raw
// listener must use net.Listen directly and are not part of this fabric.
func Listen(network, addr string, self Identity, authorize AuthorizeFunc, logger zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, ferr.Wrap(ferr.SecurityInitFailed, "transport.Listen", err)
	}
	return &Listener{ln: ln, self: self, authorize: authorize, logger: logger}, nil
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close closes the underlying listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept blocks until an authenticated, encrypted connection is
// established, skipping over connections that fail the handshake or
// belong to an unauthorized peer (those are logged and closed internally,
// not returned as errors — a single bad actor must never stop the broker
// from accepting legitimate peers).
func (l *Listener) Accept() (*Conn, error) {
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}

		conn, authorized, peerPub, err := serverHandshake(raw, l.self, l.authorize)
		if !authorized && err == nil {
			if l.OnUnauthorized != nil {
				l.OnUnauthorized(peerPub, raw.RemoteAddr().String())
			}
			raw.Close()
			continue
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("remote_addr", raw.RemoteAddr().String()).Msg("handshake failed")
			raw.Close()
			continue
		}
		return conn, nil
	}
}
