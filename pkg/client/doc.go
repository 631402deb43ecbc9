// Package client implements C6: the publish/subscribe/request API every
// other SLMF component uses to talk to the broker. It owns reconnection
// with exponential backoff, the local send queue and its backpressure
// contract, and application-level pattern matching on top of C4's
// transport-level prefix filter.
package client
