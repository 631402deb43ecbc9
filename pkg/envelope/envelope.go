// Package envelope implements C2: the versioned binary message envelope.
// Encoding is tag-length-value so unknown optional fields added at a
// higher schema version survive a round trip through a lower-version
// decoder untouched (§8 property 5), while required fields below the
// locally supported minimum are rejected outright.
package envelope

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/aico-slmf/pkg/ferr"
	"github.com/cuemby/aico-slmf/pkg/topic"
	"github.com/google/uuid"
)

// wireFormatVersion is the envelope *container* format, distinct from the
// per-topic SchemaVersion field carried inside it.
const wireFormatVersion byte = 1

// Tag identifies one TLV field on the wire.
type tag byte

const (
	tagMessageID       tag = 0x01
	tagTimestampMillis tag = 0x02
	tagSource          tag = 0x03
	tagTopic           tag = 0x04
	tagSchemaVersion   tag = 0x05
	tagPayloadTypeURL  tag = 0x06
	tagPayload         tag = 0x07
	tagCorrelationID   tag = 0x08
	tagTraceID         tag = 0x09
)

// MaxEnvelopeBytes is the hard §8 boundary: envelopes larger than this are
// rejected before encryption with SchemaError{reason=too_large}.
const MaxEnvelopeBytes = 10 * 1024 * 1024

// Envelope is the logical record of §3. Payload is opaque; resolving
// PayloadTypeURL into a concrete type is the subscriber's concern.
type Envelope struct {
	MessageID       uuid.UUID
	TimestampMillis uint64
	Source          string
	Topic           string
	SchemaVersion   uint32
	PayloadTypeURL  string
	Payload         []byte
	CorrelationID   uuid.UUID // zero value means absent
	TraceID         uuid.UUID // zero value means absent
}

// HasCorrelationID reports whether CorrelationID was set.
func (e *Envelope) HasCorrelationID() bool { return e.CorrelationID != uuid.Nil }

// HasTraceID reports whether TraceID was set.
func (e *Envelope) HasTraceID() bool { return e.TraceID != uuid.Nil }

// Codec encodes/decodes envelopes and enforces schema versioning.
type Codec struct {
	// MinSchemaVersion is the lowest schema_version this decoder accepts
	// for required fields (§4.2).
	MinSchemaVersion uint32
}

// NewCodec builds a Codec accepting every schema_version >= min.
func NewCodec(min uint32) *Codec {
	return &Codec{MinSchemaVersion: min}
}

// Encode serializes e into the binary wire format.
func (c *Codec) Encode(e *Envelope) ([]byte, error) {
	if e.MessageID == uuid.Nil {
		return nil, ferr.New(ferr.SchemaError, "envelope.Encode").WithReason("missing_message_id")
	}
	if err := topic.ValidateCanonical(e.Topic); err != nil {
		return nil, ferr.Wrap(ferr.SchemaError, "envelope.Encode", err).(*ferr.Error).WithReason("invalid_topic")
	}

	buf := make([]byte, 0, 256+len(e.Payload))
	buf = append(buf, wireFormatVersion)

	buf = putBytesField(buf, tagMessageID, e.MessageID[:])
	buf = putUint64Field(buf, tagTimestampMillis, e.TimestampMillis)
	buf = putStringField(buf, tagSource, e.Source)
	buf = putStringField(buf, tagTopic, e.Topic)
	buf = putUint32Field(buf, tagSchemaVersion, e.SchemaVersion)
	buf = putStringField(buf, tagPayloadTypeURL, e.PayloadTypeURL)
	buf = putBytesField(buf, tagPayload, e.Payload)
	if e.HasCorrelationID() {
		buf = putBytesField(buf, tagCorrelationID, e.CorrelationID[:])
	}
	if e.HasTraceID() {
		buf = putBytesField(buf, tagTraceID, e.TraceID[:])
	}

	if len(buf) > MaxEnvelopeBytes {
		return nil, ferr.New(ferr.SchemaError, "envelope.Encode").WithReason("too_large")
	}
	return buf, nil
}

// Decode parses the binary wire format back into an Envelope.
func (c *Codec) Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeBytes {
		return nil, ferr.New(ferr.SchemaError, "envelope.Decode").WithReason("too_large")
	}
	if len(data) < 1 {
		return nil, ferr.New(ferr.SchemaError, "envelope.Decode").WithReason("empty")
	}

	pos := 1 // skip wire format version byte; this codec only speaks v1 TLV layout
	e := &Envelope{}
	var sawMessageID, sawTopic, sawSchemaVersion bool

	for pos < len(data) {
		if pos+5 > len(data) {
			return nil, ferr.New(ferr.SchemaError, "envelope.Decode").WithReason("truncated_header")
		}
		t := tag(data[pos])
		length := binary.BigEndian.Uint32(data[pos+1 : pos+5])
		pos += 5
		if uint64(pos)+uint64(length) > uint64(len(data)) {
			return nil, ferr.New(ferr.SchemaError, "envelope.Decode").WithReason("truncated_value")
		}
		value := data[pos : pos+int(length)]
		pos += int(length)

		switch t {
		case tagMessageID:
			if len(value) != 16 {
				return nil, ferr.New(ferr.SchemaError, "envelope.Decode").WithReason("bad_message_id")
			}
			copy(e.MessageID[:], value)
			sawMessageID = true
		case tagTimestampMillis:
			e.TimestampMillis = decodeUint64(value)
		case tagSource:
			e.Source = string(value)
		case tagTopic:
			e.Topic = string(value)
			sawTopic = true
		case tagSchemaVersion:
			e.SchemaVersion = decodeUint32(value)
			sawSchemaVersion = true
		case tagPayloadTypeURL:
			e.PayloadTypeURL = string(value)
		case tagPayload:
			e.Payload = append([]byte(nil), value...)
		case tagCorrelationID:
			if len(value) == 16 {
				copy(e.CorrelationID[:], value)
			}
		case tagTraceID:
			if len(value) == 16 {
				copy(e.TraceID[:], value)
			}
		default:
			// Unknown tag: forward-compat field from a higher schema
			// version. Already consumed via length; skip silently.
		}
	}

	if !sawMessageID || e.MessageID == uuid.Nil {
		return nil, ferr.New(ferr.SchemaError, "envelope.Decode").WithReason("missing_message_id")
	}
	if !sawTopic {
		return nil, ferr.New(ferr.SchemaError, "envelope.Decode").WithReason("missing_topic")
	}
	if err := topic.ValidateCanonical(e.Topic); err != nil {
		return nil, ferr.New(ferr.SchemaError, "envelope.Decode").WithReason("invalid_topic")
	}
	if sawSchemaVersion && e.SchemaVersion < c.MinSchemaVersion {
		return nil, fmt.Errorf("%w", ferr.New(ferr.SchemaError, "envelope.Decode").WithReason("schema_version_too_low"))
	}

	return e, nil
}

func putBytesField(buf []byte, t tag, v []byte) []byte {
	buf = append(buf, byte(t))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, v...)
}

func putStringField(buf []byte, t tag, s string) []byte {
	return putBytesField(buf, t, []byte(s))
}

func putUint64Field(buf []byte, t tag, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return putBytesField(buf, t, b[:])
}

func putUint32Field(buf []byte, t tag, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return putBytesField(buf, t, b[:])
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func decodeUint32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
