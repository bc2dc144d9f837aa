// Package wire defines the JSON message envelope exchanged between the Host
// and its Clients, and tolerant decoding for it.
package wire

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Message types, per spec §6.
const (
	TypeHello             = "hello"
	TypeWelcome           = "welcome"
	TypePing              = "ping"
	TypePong              = "pong"
	TypePeerJoin          = "peer_join"
	TypePeerLeave         = "peer_leave"
	TypeTrackAnnounce     = "track_announce"
	TypeClientReady       = "client_ready"
	TypeClientReadyError  = "client_ready_error"
	TypeStartAt           = "start_at"
	TypeClientStartReport = "client_start_report"
	TypeHostState         = "host_state"
)

// Client-ready error codes, per spec §6.
const (
	ErrDownloadFailed = "download_failed"
	ErrHashMismatch   = "hash_mismatch"
	ErrHTTP4xx        = "http_4xx"
	ErrTimeout        = "timeout"
	ErrUnknown        = "unknown"
)

// Role identifies which side of the protocol a peer plays.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// DeviceInfo describes the sending device, echoed back for diagnostics.
type DeviceInfo struct {
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
	AppVer   string `json:"appVer,omitempty"`
}

// Message is the flat JSON envelope for every wire type, keyed by Type.
// All millisecond fields are 64-bit signed, per spec §6.
type Message struct {
	Type string `json:"type"`

	// hello
	ProtoVer   int         `json:"protoVer,omitempty"`
	RoomID     string      `json:"roomId,omitempty"`
	PeerID     string      `json:"peerId,omitempty"`
	Role       Role        `json:"role,omitempty"`
	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`

	// welcome
	SessionID   string `json:"sessionId,omitempty"`
	ServerNowMs int64  `json:"serverNowMs,omitempty"`

	// ping / pong
	Seq        uint64 `json:"seq,omitempty"`
	T0ClientMs int64  `json:"t0ClientMs,omitempty"`
	T1ServerMs int64  `json:"t1ServerMs,omitempty"`

	// peer_join / peer_leave
	Reason string `json:"reason,omitempty"`

	// track_announce
	HostPeerID  string `json:"hostPeerId,omitempty"`
	TrackID     string `json:"trackId,omitempty"`
	URL         string `json:"url,omitempty"`
	FileHash    string `json:"fileHash,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
	DurationMs  int64  `json:"durationMs,omitempty"`
	FileName    string `json:"fileName,omitempty"`

	// client_ready / client_ready_error
	Cached       bool   `json:"cached,omitempty"`
	LocalPath    string `json:"localPath,omitempty"`
	PrepareMs    int64  `json:"prepareMs,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	// start_at
	Epoch          uint64 `json:"epoch,omitempty"`
	StartAtRoomMs  int64  `json:"startAtRoomTimeMs,omitempty"`
	StartPosMs     int64  `json:"startPosMs,omitempty"`

	// client_start_report
	ActualStartRoomMs int64 `json:"actualStartRoomTimeMs,omitempty"`
	StartErrorMs      int64 `json:"startErrorMs,omitempty"`

	// host_state
	IsPlaying         bool  `json:"isPlaying,omitempty"`
	HostPosMs         int64 `json:"hostPosMs,omitempty"`
	SampledAtRoomMs   int64 `json:"sampledAtRoomTimeMs,omitempty"`
}

// envelope tolerates messages that wrap the real payload under a "data" or
// "payload" field, per spec §6.
type envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Payload json.RawMessage `json:"payload"`
}

// unknownTypeLimiter rate-limits the "unknown message type" warning to
// roughly once per 2 s, per spec §6 ("logged at ≤1/2s rate").
var unknownTypeLimiter = rate.NewLimiter(rate.Every(2*time.Second), 1)

// Decode parses raw bytes into a Message, unwrapping a data/payload envelope
// if present. Unknown types are tolerated: Decode still returns the message
// (with whatever Type it carries) so the caller can ignore it, but logs a
// rate-limited warning.
func Decode(raw []byte, log *slog.Logger) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal wire message: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		inner := env.Data
		if len(inner) == 0 {
			inner = env.Payload
		}
		if len(inner) > 0 {
			if err := json.Unmarshal(inner, &msg); err != nil {
				return Message{}, fmt.Errorf("unmarshal enveloped message: %w", err)
			}
			if msg.Type == "" {
				msg.Type = env.Type
			}
		}
	}

	if !isKnownType(msg.Type) {
		if log == nil {
			log = slog.Default()
		}
		if unknownTypeLimiter.Allow() {
			log.Warn("unknown wire message type", "type", msg.Type)
		}
	}

	return msg, nil
}

// Encode serialises a Message to JSON.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func isKnownType(t string) bool {
	switch t {
	case TypeHello, TypeWelcome, TypePing, TypePong, TypePeerJoin, TypePeerLeave,
		TypeTrackAnnounce, TypeClientReady, TypeClientReadyError, TypeStartAt,
		TypeClientStartReport, TypeHostState:
		return true
	default:
		return false
	}
}
