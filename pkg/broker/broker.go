// Package broker implements C5: the pub/sub forwarder. It accepts
// authorized encrypted connections on two endpoints — frontend for
// inbound publishers, backend for outbound subscribers — and forwards
// every accepted envelope to subscribers whose transport prefix matches
// the envelope's topic (§4.5). It never decodes payload bytes and never
// blocks a publisher on a slow subscriber.
package broker

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cuemby/aico-slmf/pkg/config"
	"github.com/cuemby/aico-slmf/pkg/envelope"
	aicolog "github.com/cuemby/aico-slmf/pkg/log"
	"github.com/cuemby/aico-slmf/pkg/metrics"
	"github.com/cuemby/aico-slmf/pkg/store"
	"github.com/cuemby/aico-slmf/pkg/topic"
	"github.com/cuemby/aico-slmf/pkg/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// connState mirrors the per-connection state machine of §4.5:
// UNAUTHENTICATED -> AUTHENTICATED -> ACTIVE -> {CLOSING, FAULTED} -> CLOSED.
// The handshake already resolves UNAUTHENTICATED/AUTHENTICATED before
// transport.Listener.Accept returns, so the broker only tracks the
// remainder.
type connState int32

const (
	stateActive connState = iota
	stateClosing
	stateFaulted
	stateClosed
)

// subscriberConn is one backend connection: a subscriber with zero or more
// transport prefix filters and a bounded outbound queue. The watermark
// (message count and byte size) enforces §4.5's slow-subscriber contract.
type subscriberConn struct {
	id      string
	conn    *transport.Conn
	logger  zerolog.Logger
	queue   chan []byte
	queuedBytes int64
	state   int32 // connState, accessed atomically

	mu       sync.RWMutex
	prefixes map[string]int // prefix -> reference count across subscriptions
}

func (s *subscriberConn) matchesTopic(t string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.prefixes {
		if topic.TransportPrefixMatch(p, t) {
			return true
		}
	}
	return false
}

func (s *subscriberConn) addPrefix(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes[p]++
}

func (s *subscriberConn) removePrefix(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefixes[p] <= 1 {
		delete(s.prefixes, p)
		return
	}
	s.prefixes[p]--
}

// topicCounters holds the per-topic counters exposed via the Control
// Plane (§4.5).
type topicCounters struct {
	publishCount uint64
	bytes        uint64
}

// Stats is a snapshot of one topic's counters plus its current
// subscriber count, returned by Broker.Stats.
type Stats struct {
	PublishCount      uint64
	Bytes             uint64
	SubscribersActive int
}

// Broker is C5. Construct with New, then Serve on a frontend and backend
// transport.Listener.
type Broker struct {
	cfg    config.BrokerConfig
	logger zerolog.Logger
	codec  *envelope.Codec
	policy store.Policy
	events store.Store // optional; nil disables persistence teeing

	mu          sync.RWMutex
	subscribers map[string]*subscriberConn

	countersMu    sync.Mutex
	topicCounters map[string]*topicCounters

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Broker. events may be nil to disable the persistence
// tee (e.g. during tests that only exercise routing).
func New(cfg config.BrokerConfig, codec *envelope.Codec, policy store.Policy, events store.Store, logger zerolog.Logger) *Broker {
	return &Broker{
		cfg:           cfg,
		logger:        logger,
		codec:         codec,
		policy:        policy,
		events:        events,
		subscribers:   make(map[string]*subscriberConn),
		topicCounters: make(map[string]*topicCounters),
		stopCh:        make(chan struct{}),
	}
}

// Serve starts accept loops on both endpoints. It returns immediately;
// call Stop to shut down.
func (b *Broker) Serve(frontend, backend *transport.Listener) {
	b.wg.Add(2)
	go b.acceptFrontend(frontend)
	go b.acceptBackend(backend)
}

// Stop closes both listeners and waits for accept loops to exit. It does
// not forcibly close already-accepted connections; callers that need an
// immediate full shutdown should close those separately.
func (b *Broker) Stop(frontend, backend *transport.Listener) {
	close(b.stopCh)
	frontend.Close()
	backend.Close()
	b.wg.Wait()
}

func (b *Broker) acceptFrontend(ln *transport.Listener) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-b.stopCh:
				return
			default:
				b.logger.Warn().Err(err).Msg("frontend accept failed")
				return
			}
		}
		go b.servePublisher(conn)
	}
}

func (b *Broker) acceptBackend(ln *transport.Listener) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-b.stopCh:
				return
			default:
				b.logger.Warn().Err(err).Msg("backend accept failed")
				return
			}
		}
		go b.serveSubscriber(conn)
	}
}

// servePublisher is the frontend read loop for one publisher connection:
// decode, route, tee, repeat until the connection errors.
func (b *Broker) servePublisher(conn *transport.Conn) {
	defer conn.Close()
	peer := uuid.NewSHA1(uuid.Nil, conn.PeerPublicKey()[:]).String()
	logger := aicolog.WithConnection(peer)

	for {
		data, err := conn.ReadEnvelope()
		if err != nil {
			logger.Debug().Err(err).Msg("publisher connection closed")
			return
		}
		env, err := b.codec.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed envelope")
			continue
		}
		b.route(env, data)
	}
}

// serveSubscriber registers a backend connection, starts its writer
// goroutine, then reads control frames (subscribe/unsubscribe) until the
// connection closes.
func (b *Broker) serveSubscriber(conn *transport.Conn) {
	peer := uuid.NewSHA1(uuid.Nil, conn.PeerPublicKey()[:]).String()
	sub := &subscriberConn{
		id:       peer,
		conn:     conn,
		logger:   aicolog.WithConnection(peer),
		queue:    make(chan []byte, b.cfg.SlowSubscriberQueueDepth),
		prefixes: make(map[string]int),
	}
	atomic.StoreInt32(&sub.state, int32(stateActive))

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues("subscriber").Inc()
	defer func() {
		b.removeSubscriber(sub)
		metrics.ConnectionsActive.WithLabelValues("subscriber").Dec()
	}()

	go b.writeLoop(sub)

	for {
		data, err := conn.ReadEnvelope()
		if err != nil {
			return
		}
		b.handleControlFrame(sub, data)
	}
}

func (b *Broker) removeSubscriber(sub *subscriberConn) {
	atomic.StoreInt32(&sub.state, int32(stateClosed))
	b.mu.Lock()
	delete(b.subscribers, sub.id)
	b.mu.Unlock()
	close(sub.queue)
	sub.conn.Close()
}

func (b *Broker) writeLoop(sub *subscriberConn) {
	for data := range sub.queue {
		atomic.AddInt64(&sub.queuedBytes, -int64(len(data)))
		if err := sub.conn.WriteEnvelope(data); err != nil {
			sub.logger.Debug().Err(err).Msg("subscriber write failed")
			return
		}
	}
}

// route forwards a decoded envelope (rawEncoded is the already-encoded
// wire bytes, forwarded verbatim with no re-encoding) to every matching
// subscriber and tees it to the Event Store per policy.
func (b *Broker) route(env *envelope.Envelope, rawEncoded []byte) {
	counters := b.topicCounterFor(env.Topic)
	atomic.AddUint64(&counters.publishCount, 1)
	atomic.AddUint64(&counters.bytes, uint64(len(rawEncoded)))

	metrics.TopicPublishTotal.WithLabelValues(env.Topic).Inc()
	metrics.TopicPublishBytes.WithLabelValues(env.Topic).Add(float64(len(rawEncoded)))

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if !sub.matchesTopic(env.Topic) {
			continue
		}
		if !b.trySend(sub, rawEncoded) {
			b.evictSlowSubscriber(sub, env.Topic)
		}
	}
	b.mu.RUnlock()

	b.tee(env)
}

// topicCounterFor returns the counters for topic, creating them under a
// dedicated mutex kept separate from the subscribers lock so routing
// never needs to upgrade a read lock to a write lock.
func (b *Broker) topicCounterFor(t string) *topicCounters {
	b.countersMu.Lock()
	defer b.countersMu.Unlock()
	c, ok := b.topicCounters[t]
	if !ok {
		c = &topicCounters{}
		b.topicCounters[t] = c
	}
	return c
}

func (b *Broker) trySend(sub *subscriberConn, data []byte) bool {
	if atomic.LoadInt32(&sub.state) != int32(stateActive) {
		return false
	}
	if len(sub.queue) >= cap(sub.queue) {
		return false
	}
	if atomic.LoadInt64(&sub.queuedBytes)+int64(len(data)) > b.cfg.SlowSubscriberBytes {
		return false
	}
	select {
	case sub.queue <- data:
		atomic.AddInt64(&sub.queuedBytes, int64(len(data)))
		return true
	default:
		return false
	}
}

func (b *Broker) evictSlowSubscriber(sub *subscriberConn, topic string) {
	if !atomic.CompareAndSwapInt32(&sub.state, int32(stateActive), int32(stateFaulted)) {
		return
	}
	aicolog.Security(sub.logger, "SlowSubscriber", "subscriber exceeded watermark, dropping")
	metrics.SlowSubscribersDropped.WithLabelValues(topic).Inc()
	sub.conn.Close()
}

// logLevelOf extracts the level field from a logs/... envelope's payload
// so Classify can rank it against LogWarning (§4.7). Non-log topics and
// payloads the broker can't parse (it never otherwise decodes payload
// bytes) classify as "", which ranks with DEBUG, below WARNING.
func logLevelOf(env *envelope.Envelope) store.LogLevel {
	if !strings.HasPrefix(env.Topic, "logs/") {
		return ""
	}
	var rec struct {
		Level store.LogLevel `json:"level"`
	}
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return ""
	}
	return rec.Level
}

// tee persists env to the Event Store iff its topic clears the
// persistence policy. Store failures never block routing (§4.7).
func (b *Broker) tee(env *envelope.Envelope) {
	if b.events == nil {
		return
	}
	decision := b.policy.Classify(env.Topic, logLevelOf(env))
	if !decision.ShouldPersist() {
		return
	}

	timer := metrics.NewTimer()
	rec := store.EventRecord{
		ID:                 env.MessageID.String(),
		TimestampUTCMillis: env.TimestampMillis,
		Topic:              env.Topic,
		Source:             env.Source,
		PayloadBytes:       env.Payload,
	}
	if err := b.events.AppendEvent(rec); err != nil {
		metrics.StoreWriteFailuresTotal.Inc()
		b.logger.Error().Err(err).Str("topic", env.Topic).Msg("event store write failed")
		return
	}
	timer.ObserveDuration(metrics.StoreWriteDuration)
}

// Stats returns a snapshot of per-topic publish counters and current
// subscriber counts, for the Control Plane's control/bus/stats (§4.10).
func (b *Broker) Stats() map[string]Stats {
	b.countersMu.Lock()
	snapshot := make(map[string]*topicCounters, len(b.topicCounters))
	for t, c := range b.topicCounters {
		snapshot[t] = c
	}
	b.countersMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Stats, len(snapshot))
	for t, c := range snapshot {
		active := 0
		for _, sub := range b.subscribers {
			if sub.matchesTopic(t) {
				active++
			}
		}
		out[t] = Stats{
			PublishCount:      atomic.LoadUint64(&c.publishCount),
			Bytes:             atomic.LoadUint64(&c.bytes),
			SubscribersActive: active,
		}
	}
	return out
}

// handleControlFrame decodes one subscribe/unsubscribe frame from a
// backend connection (see pkg/topic's control frame helpers).
func (b *Broker) handleControlFrame(sub *subscriberConn, data []byte) {
	op, prefix, ok := topic.DecodeControlFrame(data)
	if !ok {
		return
	}
	switch op {
	case topic.ControlFrameSubscribe:
		sub.addPrefix(prefix)
		metrics.TopicSubscribersActive.WithLabelValues(prefix).Inc()
	case topic.ControlFrameUnsubscribe:
		sub.removePrefix(prefix)
		metrics.TopicSubscribersActive.WithLabelValues(prefix).Dec()
	default:
		sub.logger.Warn().Int("opcode", int(op)).Msg("unknown control frame")
	}
}
