// ABOUTME: SendSpin wire protocol message type definitions
// ABOUTME: One struct per text message type plus the envelope wrapper
package wire

import "encoding/json"

// Envelope is the top-level wrapper for all text-frame messages.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerHello is sent first by the server to open the handshake.
type ServerHello struct {
	ServerName      string   `json:"server_name"`
	ServerID        string   `json:"server_id"`
	ProtocolVersion int      `json:"protocol_version"`
	ActiveRoles     []string `json:"active_roles"`
}

// ClientHello answers server/hello with the player's identity and codec preference.
type ClientHello struct {
	ClientID        string   `json:"client_id"`
	DeviceName      string   `json:"device_name"`
	CodecPreference string   `json:"codec_preference"` // "opus" | "flac" | "pcm"
	Roles           []string `json:"roles"`
}

// Auth carries a bearer token for proxy transports.
type Auth struct {
	Token string `json:"token"`
}

// AuthOk/AuthFailed acknowledge or reject the auth frame.
type AuthOk struct {
	Message string `json:"message,omitempty"`
}

type AuthFailed struct {
	Message string `json:"message,omitempty"`
}

// TimeReq is one time-sync probe request.
type TimeReq struct {
	ProbeID    uint32 `json:"probe_id"`
	ClientTxUs int64  `json:"client_tx_us"`
}

// TimeResp answers a TimeReq.
type TimeResp struct {
	ProbeID    uint32 `json:"probe_id"`
	ClientTxUs int64  `json:"client_tx_us"`
	ServerRxUs int64  `json:"server_rx_us"`
	ServerTxUs int64  `json:"server_tx_us"`
}

// PlayerState is periodic player telemetry sent to the server.
type PlayerState struct {
	State          string  `json:"state"` // "playing" | "paused" | "idle" | "buffering"
	PositionUs     int64   `json:"position_us"`
	Volume         float64 `json:"volume"` // 0..1
	UnderrunFrames int64   `json:"underrun_frames"`
}

// Close carries a close code and optional human-readable reason.
type Close struct {
	Code   uint16 `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Recognized text message types.
const (
	TypeServerHello = "server/hello"
	TypeClientHello = "client/hello"
	TypeAuth        = "auth"
	TypeAuthOk      = "auth_ok"
	TypeAuthFailed  = "auth_failed"
	TypeTimeReq     = "time/req"
	TypeTimeResp    = "time/resp"
	TypePlayerState = "player/state"
	TypeClose       = "close"
)

// Close codes carried by the close message.
const (
	CloseNormal         uint16 = 1000
	CloseGoingAway      uint16 = 1001
	CloseAuthRequired   uint16 = 4001
	CloseAuthFailed     uint16 = 4003
	CloseProtocolError  uint16 = 4010
	CloseServerShutdown uint16 = 4020
)
