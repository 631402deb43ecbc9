// Package logpipeline implements C8: structured log records flow as
// ordinary messages on topics logs/<origin>/<module>. The one constraint
// that makes this different from a normal publisher is recursion safety
// (§4.8): a failure while publishing a log record must never itself
// produce a log record through the same path, or a single broker hiccup
// turns into an unbounded loop.
package logpipeline

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/aico-slmf/pkg/store"
	"github.com/cuemby/aico-slmf/pkg/topic"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Level mirrors pkg/log's level vocabulary as a wire value, kept distinct
// from zerolog.Level since it travels as a typed payload field rather
// than a log-library concept.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelSecurity Level = "SECURITY"
)

// Record is the typed payload carried by every logs/<origin>/<module>
// envelope. No free-form serialization is permitted (§4.8): Extra is a
// flat string map, not an arbitrary blob.
type Record struct {
	Level    Level             `json:"level"`
	Module   string            `json:"module"`
	Function string            `json:"function"`
	File     string            `json:"file,omitempty"`
	Line     int               `json:"line,omitempty"`
	Message  string            `json:"message"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Publisher is the subset of Client the pipeline needs. Defined here, not
// imported from pkg/client, so logpipeline never depends on the client's
// connection-management internals — only on its ability to publish.
type Publisher interface {
	Publish(topicStr string, payload []byte, payloadTypeURL string) (uuid.UUID, error)
}

// Pipeline routes log records either onto the fabric (once a Publisher is
// attached) or directly into the Event Store as a bootstrap fallback for
// the window before C6 can connect (§4.8).
type Pipeline struct {
	origin string

	mu        sync.RWMutex
	publisher Publisher
	fallback  store.Store

	// inFlight guards against re-entrant publish attempts: a failure
	// encountered while already inside publishRecord must fall back to
	// the store/stderr path instead of calling Log again.
	inFlight int32

	stderr zerolog.Logger
}

// New builds a Pipeline for origin (a component identity), initially in
// bootstrap mode: every record goes straight to fallback until
// AttachPublisher is called.
func New(origin string, fallback store.Store, stderr zerolog.Logger) *Pipeline {
	return &Pipeline{origin: origin, fallback: fallback, stderr: stderr}
}

// AttachPublisher switches the pipeline from bootstrap mode to publishing
// log records onto the fabric via pub. Safe to call once C6 finishes its
// first handshake.
func (p *Pipeline) AttachPublisher(pub Publisher) {
	p.mu.Lock()
	p.publisher = pub
	p.mu.Unlock()
}

// DetachPublisher reverts to bootstrap mode, e.g. when the client's
// connection is torn down during shutdown.
func (p *Pipeline) DetachPublisher() {
	p.mu.Lock()
	p.publisher = nil
	p.mu.Unlock()
}

// Log emits one record for module/function. It never returns an error:
// a record that cannot be delivered is a lost log line, never a crash.
func (p *Pipeline) Log(level Level, module, function, message string, extra map[string]string) {
	rec := Record{Level: level, Module: module, Function: function, Message: message, Extra: extra}
	p.emit(rec)
}

func (p *Pipeline) emit(rec Record) {
	if !atomic.CompareAndSwapInt32(&p.inFlight, 0, 1) {
		// Already inside a publish attempt on this pipeline: a log call
		// made from error-handling code below would recurse forever, so
		// go straight to the bootstrap path instead.
		p.writeBootstrap(rec)
		return
	}
	defer atomic.StoreInt32(&p.inFlight, 0)

	p.mu.RLock()
	pub := p.publisher
	p.mu.RUnlock()

	if pub == nil {
		p.writeBootstrap(rec)
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		p.writeBootstrap(rec)
		return
	}

	topicStr := fmt.Sprintf("logs/%s/%s", p.origin, rec.Module)
	if _, err := pub.Publish(topic.Canonicalize(topicStr), payload, "application/vnd.slmf.logrecord+json"); err != nil {
		p.writeBootstrap(rec)
	}
}

// writeBootstrap persists rec directly into the Event Store, bypassing
// the broker entirely, or falls back to stderr if even that fails.
func (p *Pipeline) writeBootstrap(rec Record) {
	if p.fallback == nil {
		p.stderr.Error().Str("module", rec.Module).Str("level", string(rec.Level)).Msg(rec.Message)
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		p.stderr.Error().Err(err).Msg("logpipeline: failed to marshal bootstrap record")
		return
	}

	topicStr := topic.Canonicalize(fmt.Sprintf("logs/%s/%s", p.origin, rec.Module))
	ev := store.EventRecord{
		ID:                 uuid.New().String(),
		TimestampUTCMillis: uint64(time.Now().UnixMilli()),
		Topic:              topicStr,
		Source:             p.origin,
		PayloadBytes:       payload,
	}
	if err := p.fallback.AppendEvent(ev); err != nil {
		p.stderr.Error().Err(err).Msg("logpipeline: bootstrap store write failed")
	}
}
