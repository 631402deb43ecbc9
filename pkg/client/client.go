package client

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/cuemby/aico-slmf/pkg/config"
	"github.com/cuemby/aico-slmf/pkg/envelope"
	"github.com/cuemby/aico-slmf/pkg/ferr"
	"github.com/cuemby/aico-slmf/pkg/identity"
	"github.com/cuemby/aico-slmf/pkg/topic"
	"github.com/cuemby/aico-slmf/pkg/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// connState mirrors the broker's connection lifecycle, viewed from the
// client side: a client only ever needs disconnected/connecting/connected.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// subscription is one (pattern, handler) pair installed by Subscribe.
// Envelopes the backend reader dispatches to it are delivered to handler
// one at a time, in arrival order, by dispatchLoop — never concurrently
// and never out of order (§4.6).
type subscription struct {
	token   string
	pattern topic.Pattern
	filter  string
	handler func(*envelope.Envelope)
	queue   chan *envelope.Envelope
	done    chan struct{}

	// coalesceKey is non-empty iff this subscription was installed through
	// the coalescing path and has a subsByKey entry to clean up.
	coalesceKey string
}

// subscriptionKey identifies a (pattern, handler) pair for coalescing
// duplicate Subscribe calls (spec.md:104). Go func values aren't
// comparable, so the handler's code pointer stands in for its identity —
// handler values sharing one underlying function coalesce, and so do
// closures created from the same function literal even when their
// captured state differs; handlers from distinct literals or functions do
// not.
func subscriptionKey(rawPattern string, handler func(*envelope.Envelope)) string {
	return fmt.Sprintf("%s\x00%x", rawPattern, reflect.ValueOf(handler).Pointer())
}

// pendingPublish is one item queued for the frontend writer goroutine.
type pendingPublish struct {
	encoded []byte
	result  chan error
}

// Client is the C6 publisher/subscriber/request API. One Client owns one
// component identity and two transport connections: frontend (publish)
// and backend (subscribe + control frames).
type Client struct {
	self       identity.ID
	txIdentity transport.Identity
	brokerPub  [32]byte
	network    string
	frontAddr  string
	backAddr   string
	handshake  time.Duration
	cfg        config.ClientConfig
	codec      *envelope.Codec
	logger     zerolog.Logger

	mu         sync.RWMutex
	state      connState
	frontConn  *transport.Conn
	backConn   *transport.Conn
	subs       map[string]*subscription
	subsByKey  map[string]string // (pattern, handler identity) -> token, for subscribe coalescing
	prefixRefs map[string]int

	sendQueue chan pendingPublish
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a Client for self, dialing frontAddr/backAddr once Connect is
// called. txIdentity is the caller's derived Curve25519 keypair (from
// pkg/keyvault); brokerPub is the broker's derived public key.
func New(self identity.ID, txIdentity transport.Identity, brokerPub [32]byte, network, frontAddr, backAddr string, handshake time.Duration, cfg config.ClientConfig, codec *envelope.Codec, logger zerolog.Logger) *Client {
	return &Client{
		self:       self,
		txIdentity: txIdentity,
		brokerPub:  brokerPub,
		network:    network,
		frontAddr:  frontAddr,
		backAddr:   backAddr,
		handshake:  handshake,
		cfg:        cfg,
		codec:      codec,
		logger:     logger.With().Str("identity", string(self)).Logger(),
		subs:       make(map[string]*subscription),
		subsByKey:  make(map[string]string),
		prefixRefs: make(map[string]int),
		sendQueue:  make(chan pendingPublish, cfg.SendQueueDepth),
		stopCh:     make(chan struct{}),
	}
}

// Connect performs the handshake on both endpoints and starts the
// writer/reader loops. Idempotent: calling it again while already
// connected is a no-op. Retries with exponential backoff (base/max/jitter
// from cfg) until the first successful handshake or Close is called.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state == stateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = stateConnecting
	c.mu.Unlock()

	if err := c.dialWithBackoff(); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.writerLoop()
	return nil
}

// dialWithBackoff blocks until both connections succeed or stopCh closes.
func (c *Client) dialWithBackoff() error {
	delay := c.cfg.ReconnectBaseDelay
	for attempt := 0; ; attempt++ {
		front, back, err := c.dialOnce()
		if err == nil {
			c.mu.Lock()
			c.frontConn = front
			c.backConn = back
			c.state = stateConnected
			c.mu.Unlock()
			c.resubscribeAll()
			return nil
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("connect failed, backing off")

		jittered := applyJitter(delay, c.cfg.ReconnectJitter)
		select {
		case <-c.stopCh:
			return ferr.New(ferr.SecurityInitFailed, "client.Connect").WithReason("stopped")
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
}

func (c *Client) dialOnce() (front, back *transport.Conn, err error) {
	front, err = transport.Dial(c.network, c.frontAddr, c.txIdentity, c.brokerPub, c.handshake)
	if err != nil {
		return nil, nil, err
	}
	back, err = transport.Dial(c.network, c.backAddr, c.txIdentity, c.brokerPub, c.handshake)
	if err != nil {
		front.Close()
		return nil, nil, err
	}
	c.wg.Add(1)
	go c.readerLoop(back)
	return front, back, nil
}

// applyJitter scales delay by a uniform random factor in [1-jitter, 1+jitter].
func applyJitter(delay time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return delay
	}
	factor := 1 - jitter + rand.Float64()*2*jitter
	return time.Duration(float64(delay) * factor)
}

// resubscribeAll replays every currently-held prefix filter onto a fresh
// backend connection, so reconnection is invisible to subscribers.
func (c *Client) resubscribeAll() {
	c.mu.RLock()
	conn := c.backConn
	prefixes := make([]string, 0, len(c.prefixRefs))
	for p := range c.prefixRefs {
		prefixes = append(prefixes, p)
	}
	c.mu.RUnlock()

	for _, p := range prefixes {
		if err := conn.WriteEnvelope(topic.EncodeSubscribeFrame(p)); err != nil {
			c.logger.Error().Err(err).Str("prefix", p).Msg("resubscribe failed")
		}
	}
}

// readerLoop owns one backend connection's lifetime; on read error it
// tears the connection down and kicks off a fresh dialWithBackoff unless
// the client is stopping.
func (c *Client) readerLoop(conn *transport.Conn) {
	defer c.wg.Done()
	for {
		raw, err := conn.ReadEnvelope()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.logger.Warn().Err(err).Msg("backend read failed, reconnecting")
			c.mu.Lock()
			if c.backConn == conn {
				c.state = stateConnecting
			}
			c.mu.Unlock()
			conn.Close()
			if err := c.dialWithBackoff(); err != nil {
				return
			}
			return
		}

		env, err := c.codec.Decode(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable envelope")
			continue
		}
		c.dispatch(env)
	}
}

// dispatch fans env out to every subscription whose pattern matches.
// Matches are collected from the subs map, so the order in which different
// matching subscriptions receive env is not defined; each subscription's
// own handler still sees envelopes in arrival order, serialized by
// dispatchLoop.
func (c *Client) dispatch(env *envelope.Envelope) {
	c.mu.RLock()
	matches := make([]*subscription, 0, 1)
	for _, sub := range c.subs {
		if sub.pattern.Match(env.Topic) {
			matches = append(matches, sub)
		}
	}
	c.mu.RUnlock()

	for _, sub := range matches {
		select {
		case sub.queue <- env:
		case <-sub.done:
		}
	}
}

// dispatchLoop invokes handler for every envelope queued for sub, one at a
// time, until the subscription is torn down by Unsubscribe.
func (c *Client) dispatchLoop(sub *subscription) {
	for {
		select {
		case env := <-sub.queue:
			sub.handler(env)
		case <-sub.done:
			return
		}
	}
}

// writerLoop drains the send queue onto the frontend connection.
func (c *Client) writerLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case item := <-c.sendQueue:
			c.mu.RLock()
			conn := c.frontConn
			c.mu.RUnlock()
			if conn == nil {
				item.result <- ferr.New(ferr.Backpressure, "client.Publish").WithReason("not_connected")
				continue
			}
			item.result <- conn.WriteEnvelope(item.encoded)
		}
	}
}

// Publish canonicalizes topic, builds and encodes an envelope, and queues
// it for the writer goroutine. If the send queue is full it blocks up to
// cfg.BackpressureWait before failing with Backpressure (§4.6, §5).
func (c *Client) Publish(topicStr string, payload []byte, payloadTypeURL string) (uuid.UUID, error) {
	return c.publish(topicStr, payload, payloadTypeURL, uuid.Nil)
}

// PublishCorrelated is Publish with an explicit correlation_id, for
// replying to a request (e.g. the control plane's request/reply topics)
// without minting a fresh, uncorrelated message ID.
func (c *Client) PublishCorrelated(topicStr string, payload []byte, payloadTypeURL string, correlationID uuid.UUID) (uuid.UUID, error) {
	return c.publish(topicStr, payload, payloadTypeURL, correlationID)
}

func (c *Client) publish(topicStr string, payload []byte, payloadTypeURL string, correlationID uuid.UUID) (uuid.UUID, error) {
	env := &envelope.Envelope{
		MessageID:       uuid.New(),
		TimestampMillis: uint64(time.Now().UnixMilli()),
		Source:          string(c.self),
		Topic:           topic.Canonicalize(topicStr),
		PayloadTypeURL:  payloadTypeURL,
		Payload:         payload,
		CorrelationID:   correlationID,
	}
	encoded, err := c.codec.Encode(env)
	if err != nil {
		return uuid.Nil, err
	}

	item := pendingPublish{encoded: encoded, result: make(chan error, 1)}
	select {
	case c.sendQueue <- item:
	case <-time.After(c.cfg.BackpressureWait):
		return uuid.Nil, ferr.New(ferr.Backpressure, "client.Publish").WithReason("send_queue_full")
	}

	select {
	case err := <-item.result:
		if err != nil {
			return uuid.Nil, err
		}
		return env.MessageID, nil
	case <-time.After(c.cfg.BackpressureWait):
		return uuid.Nil, ferr.New(ferr.Backpressure, "client.Publish").WithReason("write_timed_out")
	}
}

// Subscribe installs pattern's application matcher and, if no existing
// subscription already covers its transport prefix, a new transport
// filter on the backend connection. Handler is invoked sequentially for
// every subsequent matching envelope. A repeated call with the same
// pattern and handler coalesces onto the existing subscription instead of
// installing a second dispatch path (spec.md:104, Testable Property 6).
func (c *Client) Subscribe(pattern string, handler func(*envelope.Envelope)) (string, error) {
	return c.subscribe(pattern, handler, true)
}

// subscribeUnique is Subscribe without coalescing, for callers that mint a
// fresh closure per call with its own captured state (e.g. Request's
// correlation-scoped reply handler) — every closure created from the same
// literal shares one code pointer, so keying on that pointer would wrongly
// merge distinct in-flight requests that share a reply pattern.
func (c *Client) subscribeUnique(pattern string, handler func(*envelope.Envelope)) (string, error) {
	return c.subscribe(pattern, handler, false)
}

func (c *Client) subscribe(pattern string, handler func(*envelope.Envelope), coalesce bool) (string, error) {
	pat := topic.ParsePattern(pattern)
	var key string
	if coalesce {
		key = subscriptionKey(pat.Raw, handler)
		c.mu.RLock()
		existing, ok := c.subsByKey[key]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}
	}

	filter := pat.TransportFilter()
	token := uuid.NewString()
	sub := &subscription{
		token:   token,
		pattern: pat,
		filter:  filter,
		handler: handler,
		queue:   make(chan *envelope.Envelope, c.cfg.SendQueueDepth),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if coalesce {
		if existing, ok := c.subsByKey[key]; ok {
			// lost the race between the RLock check and this Lock.
			c.mu.Unlock()
			return existing, nil
		}
		sub.coalesceKey = key
		c.subsByKey[key] = token
	}
	c.subs[token] = sub
	first := c.prefixRefs[filter] == 0
	c.prefixRefs[filter]++
	conn := c.backConn
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchLoop(sub)
	}()

	if first && conn != nil {
		if err := conn.WriteEnvelope(topic.EncodeSubscribeFrame(filter)); err != nil {
			return token, err
		}
	}
	return token, nil
}

// Unsubscribe tears down the matcher for token and, if it held the last
// reference to its transport prefix, withdraws that prefix filter too.
func (c *Client) Unsubscribe(token string) error {
	c.mu.Lock()
	sub, ok := c.subs[token]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, token)
	if sub.coalesceKey != "" {
		delete(c.subsByKey, sub.coalesceKey)
	}
	c.prefixRefs[sub.filter]--
	last := c.prefixRefs[sub.filter] <= 0
	if last {
		delete(c.prefixRefs, sub.filter)
	}
	conn := c.backConn
	c.mu.Unlock()

	close(sub.done)

	if last && conn != nil {
		return conn.WriteEnvelope(topic.EncodeUnsubscribeFrame(sub.filter))
	}
	return nil
}

// Request publishes payload on topicStr with a fresh correlation_id,
// subscribes transiently to replyPattern, and returns the first envelope
// whose CorrelationID matches, or Timeout if ctx is done first.
func (c *Client) Request(ctx context.Context, topicStr, replyPattern string, payload []byte, payloadTypeURL string) (*envelope.Envelope, error) {
	correlationID := uuid.New()
	replyCh := make(chan *envelope.Envelope, 1)

	token, err := c.subscribeUnique(replyPattern, func(env *envelope.Envelope) {
		if env.CorrelationID == correlationID {
			select {
			case replyCh <- env:
			default:
			}
		}
	})
	if err != nil {
		return nil, err
	}
	defer c.Unsubscribe(token)

	if _, err := c.publish(topicStr, payload, payloadTypeURL, correlationID); err != nil {
		return nil, err
	}

	select {
	case env := <-replyCh:
		return env, nil
	case <-ctx.Done():
		return nil, ferr.New(ferr.Timeout, "client.Request").WithReason("no_reply")
	}
}

// Close stops the writer/reader loops and closes both connections. Safe
// to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		for _, sub := range c.subs {
			close(sub.done)
		}
		if c.frontConn != nil {
			c.frontConn.Close()
		}
		if c.backConn != nil {
			c.backConn.Close()
		}
		c.state = stateDisconnected
		c.mu.Unlock()
	})
	c.wg.Wait()
	return nil
}
