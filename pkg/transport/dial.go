package transport

import (
	"net"
	"time"

	"github.com/cuemby/aico-slmf/pkg/ferr"
)

// Dial opens network/addr and performs the client side of the §4.4
// handshake against the broker identified by brokerPub. On any failure —
// including a network-level timeout or a rejected/garbled handshake — the
// connection is closed and SecurityInitializationFailed is returned; there
// is no plaintext fallback path.
func Dial(network, addr string, self Identity, brokerPub [32]byte, timeout time.Duration) (*Conn, error) {
	raw, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, ferr.Wrap(ferr.SecurityInitFailed, "transport.Dial", err)
	}

	if timeout > 0 {
		raw.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := clientHandshake(raw, self, brokerPub)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if timeout > 0 {
		raw.SetDeadline(time.Time{})
	}
	return conn, nil
}
