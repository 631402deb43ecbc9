package client

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/cuemby/aico-slmf/pkg/broker"
	"github.com/cuemby/aico-slmf/pkg/config"
	"github.com/cuemby/aico-slmf/pkg/envelope"
	"github.com/cuemby/aico-slmf/pkg/identity"
	"github.com/cuemby/aico-slmf/pkg/store"
	"github.com/cuemby/aico-slmf/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func randIdentity(t *testing.T) transport.Identity {
	t.Helper()
	var id transport.Identity
	_, err := rand.Read(id.Secret[:])
	require.NoError(t, err)
	pub, err := curve25519.X25519(id.Secret[:], curve25519.Basepoint)
	require.NoError(t, err)
	copy(id.Public[:], pub)
	return id
}

// testBus starts a real broker on loopback TCP and returns a Client
// constructor scoped to it, so each test wires its own participants into
// the broker's allow-list.
type testBus struct {
	brokerID transport.Identity
	allow    map[[32]byte]bool
	frontend *transport.Listener
	backend  *transport.Listener
	b        *broker.Broker
	cfg      config.ClientConfig
}

func newTestBus(t *testing.T) *testBus {
	t.Helper()
	brokerID := randIdentity(t)
	allow := map[[32]byte]bool{}
	authorize := func(pub [32]byte) bool { return allow[pub] }

	frontend, err := transport.Listen("tcp", "127.0.0.1:0", brokerID, authorize, zerolog.Nop())
	require.NoError(t, err)
	backend, err := transport.Listen("tcp", "127.0.0.1:0", brokerID, authorize, zerolog.Nop())
	require.NoError(t, err)

	bcfg := config.BrokerConfig{SlowSubscriberQueueDepth: 16, SlowSubscriberBytes: 1 << 20, MaxEnvelopeBytes: 1 << 20}
	b := broker.New(bcfg, envelope.NewCodec(1), store.Policy{}, nil, zerolog.Nop())
	b.Serve(frontend, backend)
	t.Cleanup(func() { b.Stop(frontend, backend) })

	return &testBus{
		brokerID: brokerID,
		allow:    allow,
		frontend: frontend,
		backend:  backend,
		b:        b,
		cfg: config.ClientConfig{
			ReconnectBaseDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:  50 * time.Millisecond,
			ReconnectJitter:    0,
			SendQueueDepth:     16,
			BackpressureWait:   500 * time.Millisecond,
			RequestTimeout:     2 * time.Second,
		},
	}
}

func (bus *testBus) newClient(t *testing.T, self identity.ID) *Client {
	t.Helper()
	id := randIdentity(t)
	bus.allow[id.Public] = true
	c := New(self, id, bus.brokerID.Public, "tcp", bus.frontend.Addr().String(), bus.backend.Addr().String(), 2*time.Second, bus.cfg, envelope.NewCodec(1), zerolog.Nop())
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPublishSubscribeDeliversMatchingTopic(t *testing.T) {
	bus := newTestBus(t)
	pub := bus.newClient(t, identity.APIGateway)
	sub := bus.newClient(t, identity.LogConsumer)

	got := make(chan *envelope.Envelope, 1)
	_, err := sub.Subscribe("conversation/user/input/v1", func(env *envelope.Envelope) {
		got <- env
	})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	_, err = pub.Publish("conversation/user/input/v1", []byte("hello"), "text/plain")
	require.NoError(t, err)

	select {
	case env := <-got:
		require.Equal(t, "conversation/user/input/v1", env.Topic)
		require.Equal(t, []byte("hello"), env.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSubscribeCoalescesSamePatternAndHandler(t *testing.T) {
	bus := newTestBus(t)
	pub := bus.newClient(t, identity.APIGateway)
	sub := bus.newClient(t, identity.LogConsumer)

	got := make(chan *envelope.Envelope, 4)
	handler := func(env *envelope.Envelope) { got <- env }

	tokenA, err := sub.Subscribe("conversation/user/input/v1", handler)
	require.NoError(t, err)
	tokenB, err := sub.Subscribe("conversation/user/input/v1", handler)
	require.NoError(t, err)
	require.Equal(t, tokenA, tokenB, "repeated subscribe with the same pattern+handler must coalesce")
	time.Sleep(50 * time.Millisecond)

	_, err = pub.Publish("conversation/user/input/v1", []byte("hello"), "text/plain")
	require.NoError(t, err)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	select {
	case env := <-got:
		t.Fatalf("handler delivered twice for a coalesced subscription: %v", env)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribePrefixPatternMatchesDescendantTopics(t *testing.T) {
	bus := newTestBus(t)
	pub := bus.newClient(t, identity.APIGateway)
	sub := bus.newClient(t, identity.LogConsumer)

	got := make(chan string, 4)
	_, err := sub.Subscribe("ui/", func(env *envelope.Envelope) { got <- env.Topic })
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	_, err = pub.Publish("ui/state/update", nil, "")
	require.NoError(t, err)
	_, err = pub.Publish("conversation/ai/response/v1", nil, "")
	require.NoError(t, err)

	select {
	case topic := <-got:
		require.Equal(t, "ui/state/update", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case topic := <-got:
		t.Fatalf("unexpected second delivery for %q", topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus(t)
	pub := bus.newClient(t, identity.APIGateway)
	sub := bus.newClient(t, identity.LogConsumer)

	got := make(chan struct{}, 4)
	token, err := sub.Subscribe("system/health", func(env *envelope.Envelope) { got <- struct{}{} })
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, sub.Unsubscribe(token))
	time.Sleep(50 * time.Millisecond)

	_, err = pub.Publish("system/health", nil, "")
	require.NoError(t, err)

	select {
	case <-got:
		t.Fatal("handler fired after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRequestReturnsFirstCorrelatedReply(t *testing.T) {
	bus := newTestBus(t)
	requester := bus.newClient(t, identity.APIGateway)
	responder := bus.newClient(t, identity.ModelService)

	_, err := responder.Subscribe("modelservice/llm/request/v1", func(env *envelope.Envelope) {
		_, _ = responder.publish("modelservice/llm/response/v1", []byte("reply-payload"), "text/plain", env.CorrelationID)
	})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := requester.Request(ctx, "modelservice/llm/request/v1", "modelservice/llm/response/v1", []byte("request-payload"), "text/plain")
	require.NoError(t, err)
	require.Equal(t, []byte("reply-payload"), env.Payload)
}

func TestRequestTimesOutWithoutReply(t *testing.T) {
	bus := newTestBus(t)
	requester := bus.newClient(t, identity.APIGateway)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := requester.Request(ctx, "modelservice/llm/request/v1", "modelservice/llm/response/v1", nil, "")
	require.Error(t, err)
}
