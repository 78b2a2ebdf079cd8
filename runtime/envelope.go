package runtime

import (
	"encoding/json"
	"fmt"
)

// ContentType tags the shape of an Envelope's body.
type ContentType string

const (
	ContentText         ContentType = "raw_text"
	ContentObject       ContentType = "object"
	ContentBinary       ContentType = "binary"
	ContentConversation ContentType = "conversation_state"
	ContentError        ContentType = "error"
)

// WrongContentKind is returned when a typed accessor is called on an
// Envelope whose content cannot satisfy the requested view.
type WrongContentKind struct {
	Wanted ContentType
	Got    ContentType
}

func (e *WrongContentKind) Error() string {
	return fmt.Sprintf("envelope: wanted %s view, got %s", e.Wanted, e.Got)
}

// Message is one turn of a conversation-shaped envelope body.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Envelope is the immutable unit of data passed between nodes. It is a
// tagged variant: callers switch on ContentType() or use the typed
// accessors, which fail explicitly on a kind mismatch rather than silently
// coercing. Construction is via the package-level factory functions; every
// mutator (WithMeta, WithRepresentations) returns a new value, leaving the
// receiver untouched.
type Envelope interface {
	ProducedBy() NodeID
	TraceID() ExecutionID
	ContentType() ContentType
	Meta() map[string]any
	Representations() map[string]string
	HasError() bool

	AsText() (string, error)
	AsJSON() (any, error)
	AsBytes() ([]byte, error)
	AsConversation() ([]Message, error)

	WithMeta(kv map[string]any) Envelope
	WithRepresentations(reps map[string]string) Envelope
}

// envelopeCore holds the fields common to every variant. It is embedded,
// never used directly, and is never mutated after construction.
type envelopeCore struct {
	producedBy NodeID
	traceID    ExecutionID
	meta       map[string]any
	reps       map[string]string
}

func (c envelopeCore) ProducedBy() NodeID                { return c.producedBy }
func (c envelopeCore) TraceID() ExecutionID               { return c.traceID }
func (c envelopeCore) Meta() map[string]any                { return copyAnyMap(c.meta) }
func (c envelopeCore) Representations() map[string]string { return copyStringMap(c.reps) }
func (c envelopeCore) HasError() bool                      { return false }

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergedAnyMap(base map[string]any, kv map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(kv))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range kv {
		out[k] = v
	}
	return out
}

func mergedStringMap(base map[string]string, kv map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(kv))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range kv {
		out[k] = v
	}
	return out
}

// ---- TextEnvelope ----

// TextEnvelope carries a plain string body. A text body that looks like
// JSON is NOT auto-parsed: callers must call AsJSON, which attempts a
// decode and fails if the body does not parse.
type TextEnvelope struct {
	envelopeCore
	body string
}

func Text(body string, producedBy NodeID, traceID ExecutionID) TextEnvelope {
	return TextEnvelope{envelopeCore: envelopeCore{producedBy: producedBy, traceID: traceID}, body: body}
}

func (e TextEnvelope) ContentType() ContentType { return ContentText }
func (e TextEnvelope) AsText() (string, error)  { return e.body, nil }
func (e TextEnvelope) AsJSON() (any, error) {
	var v any
	if err := json.Unmarshal([]byte(e.body), &v); err != nil {
		return nil, &WrongContentKind{Wanted: ContentObject, Got: ContentText}
	}
	return v, nil
}
func (e TextEnvelope) AsBytes() ([]byte, error) { return []byte(e.body), nil }
func (e TextEnvelope) AsConversation() ([]Message, error) {
	return nil, &WrongContentKind{Wanted: ContentConversation, Got: ContentText}
}
func (e TextEnvelope) WithMeta(kv map[string]any) Envelope {
	e.meta = mergedAnyMap(e.meta, kv)
	return e
}
func (e TextEnvelope) WithRepresentations(reps map[string]string) Envelope {
	e.reps = mergedStringMap(e.reps, reps)
	return e
}

// ---- JSONEnvelope ----

// JSONEnvelope carries a decoded JSON value (map, slice, or scalar).
type JSONEnvelope struct {
	envelopeCore
	body any
}

func JSON(body any, producedBy NodeID, traceID ExecutionID) JSONEnvelope {
	return JSONEnvelope{envelopeCore: envelopeCore{producedBy: producedBy, traceID: traceID}, body: body}
}

func (e JSONEnvelope) ContentType() ContentType { return ContentObject }
func (e JSONEnvelope) AsText() (string, error) {
	b, err := json.Marshal(e.body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
func (e JSONEnvelope) AsJSON() (any, error)     { return e.body, nil }
func (e JSONEnvelope) AsBytes() ([]byte, error) { return json.Marshal(e.body) }
func (e JSONEnvelope) AsConversation() ([]Message, error) {
	return nil, &WrongContentKind{Wanted: ContentConversation, Got: ContentObject}
}
func (e JSONEnvelope) WithMeta(kv map[string]any) Envelope {
	e.meta = mergedAnyMap(e.meta, kv)
	return e
}
func (e JSONEnvelope) WithRepresentations(reps map[string]string) Envelope {
	e.reps = mergedStringMap(e.reps, reps)
	return e
}

// ---- BinaryEnvelope ----

// BinaryEnvelope carries an opaque byte payload (e.g. stdout/stderr capture,
// file contents).
type BinaryEnvelope struct {
	envelopeCore
	body []byte
}

func Binary(body []byte, producedBy NodeID, traceID ExecutionID) BinaryEnvelope {
	cp := make([]byte, len(body))
	copy(cp, body)
	return BinaryEnvelope{envelopeCore: envelopeCore{producedBy: producedBy, traceID: traceID}, body: cp}
}

func (e BinaryEnvelope) ContentType() ContentType { return ContentBinary }
func (e BinaryEnvelope) AsText() (string, error)  { return string(e.body), nil }
func (e BinaryEnvelope) AsJSON() (any, error) {
	return nil, &WrongContentKind{Wanted: ContentObject, Got: ContentBinary}
}
func (e BinaryEnvelope) AsBytes() ([]byte, error) {
	cp := make([]byte, len(e.body))
	copy(cp, e.body)
	return cp, nil
}
func (e BinaryEnvelope) AsConversation() ([]Message, error) {
	return nil, &WrongContentKind{Wanted: ContentConversation, Got: ContentBinary}
}
func (e BinaryEnvelope) WithMeta(kv map[string]any) Envelope {
	e.meta = mergedAnyMap(e.meta, kv)
	return e
}
func (e BinaryEnvelope) WithRepresentations(reps map[string]string) Envelope {
	e.reps = mergedStringMap(e.reps, reps)
	return e
}

// ---- ConversationEnvelope ----

// ConversationEnvelope carries an ordered list of conversation messages,
// the shape PersonJob handlers pass between loop iterations.
type ConversationEnvelope struct {
	envelopeCore
	messages []Message
}

func Conversation(messages []Message, producedBy NodeID, traceID ExecutionID) ConversationEnvelope {
	cp := make([]Message, len(messages))
	copy(cp, messages)
	return ConversationEnvelope{envelopeCore: envelopeCore{producedBy: producedBy, traceID: traceID}, messages: cp}
}

func (e ConversationEnvelope) ContentType() ContentType { return ContentConversation }
func (e ConversationEnvelope) AsText() (string, error) {
	b, err := json.Marshal(e.messages)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
func (e ConversationEnvelope) AsJSON() (any, error) {
	return nil, &WrongContentKind{Wanted: ContentObject, Got: ContentConversation}
}
func (e ConversationEnvelope) AsBytes() ([]byte, error) { return json.Marshal(e.messages) }
func (e ConversationEnvelope) AsConversation() ([]Message, error) {
	cp := make([]Message, len(e.messages))
	copy(cp, e.messages)
	return cp, nil
}
func (e ConversationEnvelope) WithMeta(kv map[string]any) Envelope {
	e.meta = mergedAnyMap(e.meta, kv)
	return e
}
func (e ConversationEnvelope) WithRepresentations(reps map[string]string) Envelope {
	e.reps = mergedStringMap(e.reps, reps)
	return e
}

// ---- ErrorEnvelope ----

// ErrorEnvelope marks a node's output as a failure. It still carries a
// human-readable message and a classification tag so downstream code and
// the ExecutionState's aggregate error field can inspect it without a type
// switch on the concrete error.
type ErrorEnvelope struct {
	envelopeCore
	message   string
	errorType string
}

func Error(message, errorType string, producedBy NodeID, traceID ExecutionID) ErrorEnvelope {
	return ErrorEnvelope{envelopeCore: envelopeCore{producedBy: producedBy, traceID: traceID}, message: message, errorType: errorType}
}

func (e ErrorEnvelope) ContentType() ContentType { return ContentError }
func (e ErrorEnvelope) HasError() bool           { return true }
func (e ErrorEnvelope) ErrorType() string        { return e.errorType }
func (e ErrorEnvelope) AsText() (string, error)  { return e.message, nil }
func (e ErrorEnvelope) AsJSON() (any, error) {
	return map[string]any{"message": e.message, "error_type": e.errorType}, nil
}
func (e ErrorEnvelope) AsBytes() ([]byte, error) { return []byte(e.message), nil }
func (e ErrorEnvelope) AsConversation() ([]Message, error) {
	return nil, &WrongContentKind{Wanted: ContentConversation, Got: ContentError}
}
func (e ErrorEnvelope) WithMeta(kv map[string]any) Envelope {
	e.meta = mergedAnyMap(e.meta, kv)
	return e
}
func (e ErrorEnvelope) WithRepresentations(reps map[string]string) Envelope {
	e.reps = mergedStringMap(e.reps, reps)
	return e
}

// SerializedEnvelope is the wire/persistence form described in the external
// interfaces section: a _kind discriminator plus the common fields.
type SerializedEnvelope struct {
	Kind            string            `json:"_kind"`
	ProducedBy      NodeID            `json:"produced_by"`
	TraceID         ExecutionID       `json:"trace_id"`
	ContentType     ContentType       `json:"content_type"`
	Body            json.RawMessage   `json:"body"`
	Meta            map[string]any    `json:"meta,omitempty"`
	Representations map[string]string `json:"representations,omitempty"`
}

// MarshalEnvelope serializes any Envelope variant to its wire form.
func MarshalEnvelope(e Envelope) (SerializedEnvelope, error) {
	var kind string
	var raw []byte
	var err error

	switch v := e.(type) {
	case TextEnvelope:
		kind = "TextEnvelope"
		raw, err = json.Marshal(v.body)
	case JSONEnvelope:
		kind = "JsonEnvelope"
		raw, err = json.Marshal(v.body)
	case BinaryEnvelope:
		kind = "BinaryEnvelope"
		raw, err = json.Marshal(v.body)
	case ConversationEnvelope:
		kind = "ConversationEnvelope"
		raw, err = json.Marshal(v.messages)
	case ErrorEnvelope:
		kind = "ErrorEnvelope"
		raw, err = json.Marshal(map[string]string{"message": v.message, "error_type": v.errorType})
	default:
		return SerializedEnvelope{}, fmt.Errorf("envelope: unknown variant %T", e)
	}
	if err != nil {
		return SerializedEnvelope{}, err
	}

	return SerializedEnvelope{
		Kind:            kind,
		ProducedBy:      e.ProducedBy(),
		TraceID:         e.TraceID(),
		ContentType:     e.ContentType(),
		Body:            raw,
		Meta:            e.Meta(),
		Representations: e.Representations(),
	}, nil
}

// UnmarshalEnvelope reconstructs an Envelope from its wire form. An unknown
// _kind degrades to a TextEnvelope preserving body (as text) and meta,
// rather than failing, per the external-interfaces degrade rule.
func UnmarshalEnvelope(s SerializedEnvelope) (Envelope, error) {
	core := envelopeCore{producedBy: s.ProducedBy, traceID: s.TraceID, meta: s.Meta, reps: s.Representations}

	switch s.Kind {
	case "TextEnvelope":
		var body string
		if err := json.Unmarshal(s.Body, &body); err != nil {
			return nil, err
		}
		return TextEnvelope{envelopeCore: core, body: body}, nil
	case "JsonEnvelope":
		var body any
		if err := json.Unmarshal(s.Body, &body); err != nil {
			return nil, err
		}
		return JSONEnvelope{envelopeCore: core, body: body}, nil
	case "BinaryEnvelope":
		var body []byte
		if err := json.Unmarshal(s.Body, &body); err != nil {
			return nil, err
		}
		return BinaryEnvelope{envelopeCore: core, body: body}, nil
	case "ConversationEnvelope":
		var msgs []Message
		if err := json.Unmarshal(s.Body, &msgs); err != nil {
			return nil, err
		}
		return ConversationEnvelope{envelopeCore: core, messages: msgs}, nil
	case "ErrorEnvelope":
		var payload struct {
			Message   string `json:"message"`
			ErrorType string `json:"error_type"`
		}
		if err := json.Unmarshal(s.Body, &payload); err != nil {
			return nil, err
		}
		return ErrorEnvelope{envelopeCore: core, message: payload.Message, errorType: payload.ErrorType}, nil
	default:
		return TextEnvelope{envelopeCore: core, body: string(s.Body)}, nil
	}
}
