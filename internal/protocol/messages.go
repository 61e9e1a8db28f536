// Package protocol defines the WebSocket message types and structures used
// for communication between the client and the match server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinQueue       = "join_queue"
	TypeLeaveQueue      = "leave_queue"
	TypeCallStarted     = "call_started"
	TypeCallEnded       = "call_ended"
	TypeWebRTCOffer     = "webrtc_offer"
	TypeWebRTCAnswer    = "webrtc_answer"
	TypeWebRTCCandidate = "webrtc_candidate"
	TypeChatMessage     = "chat_message"
	TypeShareLocation   = "share_location"
	TypePing            = "ping"
)

// Server -> Client message types. Relayed signaling frames and chat messages
// are delivered under their inbound type names (webrtc_offer, chat_message,
// call_started, call_ended) with a "from" field added.
const (
	TypeQueueJoined    = "queue_joined"
	TypeQueuePosition  = "queue_position"
	TypeMatchFound     = "match_found"
	TypeLocationShared = "location_shared"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeAuthMissing       = "auth_missing"
	CodeForbidden         = "forbidden"
	CodePolicyBlocked     = "policy_blocked"
	CodeNotFound          = "not_found"
	CodeValidationFailed  = "validation_failed"
	CodeDependencyFailure = "dependency_failure"
	CodeRateLimited       = "rate_limited"
)

// Call modes accepted in JoinQueueMsg.Mode.
const (
	ModeVideo = "video"
	ModeText  = "text"
)

// End reasons accepted in CallEndedMsg.Reason.
const (
	ReasonEnded   = "ended"
	ReasonSkipped = "skipped"
	ReasonTimeout = "timeout"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinQueueMsg is sent by the client to enter the matching queue for the
// given conversation session and call mode.
type JoinQueueMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

// LeaveQueueMsg is sent by the client to leave the matching queue.
type LeaveQueueMsg struct {
	Type string `json:"type"`
}

// CallStartedMsg is sent by a participant once its side of the call is up.
type CallStartedMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// CallEndedMsg is sent by a participant to terminate a match. Reason
// "skipped" records a skip; anything else counts as a normal end.
type CallEndedMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	Reason  string `json:"reason,omitempty"`
}

// SignalMsg carries a WebRTC offer, answer, or ICE candidate to be relayed
// verbatim to the other participant.
type SignalMsg struct {
	Type    string          `json:"type"`
	MatchID string          `json:"match_id"`
	Payload json.RawMessage `json:"payload"`
}

// ChatMessageMsg is a text message sent within a match.
type ChatMessageMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	Message string `json:"message"`
}

// Location is a shared geographic position.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address,omitempty"`
}

// ShareLocationMsg shares the sender's location with the other participant.
type ShareLocationMsg struct {
	Type     string   `json:"type"`
	MatchID  string   `json:"match_id"`
	Location Location `json:"location"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// QueueJoinedMsg confirms entry into the matching queue.
type QueueJoinedMsg struct {
	Type          string `json:"type"`
	QueuePosition int    `json:"queue_position"`
}

// QueuePositionMsg reports the client's current 0-based rank in the queue.
type QueuePositionMsg struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
}

// MatchFoundMsg is sent to both participants when a match is created. Each
// side sees the other party's identity, never its own.
type MatchFoundMsg struct {
	Type               string   `json:"type"`
	MatchID            string   `json:"match_id"`
	RoomToken          string   `json:"room_token"`
	OtherParticipantID string   `json:"other_participant_id"`
	Mode               string   `json:"mode"`
	MatchedTopics      []string `json:"matched_topics"`
}

// ServerCallStartedMsg notifies a participant that the call went active.
type ServerCallStartedMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// ServerCallEndedMsg notifies a participant that the match was terminated.
type ServerCallEndedMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	Reason  string `json:"reason,omitempty"`
}

// ServerSignalMsg is a relayed WebRTC offer/answer/candidate.
type ServerSignalMsg struct {
	Type    string          `json:"type"`
	MatchID string          `json:"match_id"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// ServerChatMessageMsg is a relayed chat message. Chat is delivered to all
// participants including the sender, so From lets the sender's UI recognize
// its own echo.
type ServerChatMessageMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	From    string `json:"from"`
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

// ServerLocationSharedMsg is a relayed location share.
type ServerLocationSharedMsg struct {
	Type     string   `json:"type"`
	MatchID  string   `json:"match_id"`
	From     string   `json:"from"`
	Location Location `json:"location"`
}

// ErrorMsg is sent by the server to communicate an error condition to the
// originating caller only.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallStarted:
		var m CallStartedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallEnded:
		var m CallEndedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeWebRTCCandidate:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatMessage:
		var m ChatMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeShareLocation:
		var m ShareLocationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
