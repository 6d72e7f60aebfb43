// ABOUTME: Text message encode/decode for the SendSpin wire protocol
// ABOUTME: Malformed messages are surfaced as typed errors, never panics; KnownType flags unknown types
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by MalformedError; test with errors.Is.
var ErrMalformed = errors.New("wire: malformed message")

// ErrUnknownType indicates a text frame whose type is not recognized. Callers
// forward-compatibly ignore these rather than failing the session.
var ErrUnknownType = errors.New("wire: unknown message type")

// MalformedError names the offending field and the expected kind.
type MalformedError struct {
	Field string
	Kind  string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("wire: malformed field %q: expected %s", e.Field, e.Kind)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

// UnknownTypeError carries the type string the decoder didn't recognize.
type UnknownTypeError struct {
	TypeName string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("wire: unknown message type %q", e.TypeName)
}

func (e *UnknownTypeError) Unwrap() error { return ErrUnknownType }

// EncodeText marshals a typed message into its wire Envelope. Encoding is
// infallible for every type this package produces; the error return exists
// only because json.Marshal's signature requires it.
func EncodeText(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload for %s: %w", msgType, err)
	}
	env := Envelope{Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope for %s: %w", msgType, err)
	}
	return data, nil
}

// DecodeEnvelope parses the outer {type, payload} wrapper only.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, &MalformedError{Field: "type", Kind: "non-empty string"}
	}
	return env, nil
}

// DecodeServerHello decodes the payload of a server/hello envelope.
func DecodeServerHello(env Envelope) (ServerHello, error) {
	var m ServerHello
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return ServerHello{}, &MalformedError{Field: "payload", Kind: "server/hello object"}
	}
	if m.ServerID == "" {
		return ServerHello{}, &MalformedError{Field: "server_id", Kind: "non-empty string"}
	}
	if m.ProtocolVersion < 1 {
		return ServerHello{}, &MalformedError{Field: "protocol_version", Kind: ">= 1"}
	}
	return m, nil
}

// DecodeClientHello decodes the payload of a client/hello envelope.
func DecodeClientHello(env Envelope) (ClientHello, error) {
	var m ClientHello
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return ClientHello{}, &MalformedError{Field: "payload", Kind: "client/hello object"}
	}
	if m.ClientID == "" {
		return ClientHello{}, &MalformedError{Field: "client_id", Kind: "non-empty string"}
	}
	switch m.CodecPreference {
	case "opus", "flac", "pcm":
	default:
		return ClientHello{}, &MalformedError{Field: "codec_preference", Kind: `"opus"|"flac"|"pcm"`}
	}
	return m, nil
}

// DecodeAuth decodes an auth envelope.
func DecodeAuth(env Envelope) (Auth, error) {
	var m Auth
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return Auth{}, &MalformedError{Field: "payload", Kind: "auth object"}
	}
	if m.Token == "" {
		return Auth{}, &MalformedError{Field: "token", Kind: "non-empty string"}
	}
	return m, nil
}

// DecodeTimeReq decodes a time/req envelope.
func DecodeTimeReq(env Envelope) (TimeReq, error) {
	var m TimeReq
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return TimeReq{}, &MalformedError{Field: "payload", Kind: "time/req object"}
	}
	return m, nil
}

// DecodeTimeResp decodes a time/resp envelope.
func DecodeTimeResp(env Envelope) (TimeResp, error) {
	var m TimeResp
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return TimeResp{}, &MalformedError{Field: "payload", Kind: "time/resp object"}
	}
	return m, nil
}

// DecodePlayerState decodes a player/state envelope.
func DecodePlayerState(env Envelope) (PlayerState, error) {
	var m PlayerState
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return PlayerState{}, &MalformedError{Field: "payload", Kind: "player/state object"}
	}
	return m, nil
}

// DecodeClose decodes a close envelope.
func DecodeClose(env Envelope) (Close, error) {
	var m Close
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return Close{}, &MalformedError{Field: "payload", Kind: "close object"}
	}
	return m, nil
}

// KnownType reports whether typeName is one of the recognized text types.
func KnownType(typeName string) bool {
	switch typeName {
	case TypeServerHello, TypeClientHello, TypeAuth, TypeAuthOk, TypeAuthFailed,
		TypeTimeReq, TypeTimeResp, TypePlayerState, TypeClose:
		return true
	default:
		return false
	}
}
