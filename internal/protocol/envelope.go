package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed envelope.schema.json
var envelopeSchema string

// ErrMalformed wraps every message that cannot be turned into a delta or snapshot.
var ErrMalformed = errors.New("protocol: malformed message")

// Envelope is the outer shape of every push-channel message.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Message   string          `json:"message,omitempty"`
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func envelopeValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add envelope schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("envelope.schema.json")
	})
	return schema, schemaErr
}

// ParseEnvelope validates raw against the envelope schema and decodes it.
func ParseEnvelope(raw []byte) (Envelope, error) {
	sch, err := envelopeValidator()
	if err != nil {
		return Envelope{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := sch.Validate(inst); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// Encode builds an outbound envelope.
func Encode(typ string, data any, now time.Time) ([]byte, error) {
	out := struct {
		Type      string `json:"type"`
		Data      any    `json:"data,omitempty"`
		Timestamp string `json:"timestamp"`
	}{Type: typ, Data: data, Timestamp: now.UTC().Format(time.RFC3339Nano)}
	return json.Marshal(out)
}

// Unwrap returns the innermost payload of a message body. Observed shapes are
// data.event.payload, data.payload and data itself.
func Unwrap(data json.RawMessage) json.RawMessage {
	var probe struct {
		Event *struct {
			Payload json.RawMessage `json:"payload"`
		} `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return data
	}
	if probe.Event != nil && isObject(probe.Event.Payload) {
		return probe.Event.Payload
	}
	if isObject(probe.Payload) {
		return probe.Payload
	}
	return data
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
