package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Message is the envelope exchanged with the relay. Src is stamped by the
// relay; Dst names the participant the message is routed to.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
}

// Peer-to-peer message types.
const (
	MessageTypeOffer     = "offer"
	MessageTypeAnswer    = "answer"
	MessageTypeCandidate = "candidate"
)

// Relay control message types.
const (
	MessageTypeOpen      = "open"
	MessageTypeIDTaken   = "id-taken"
	MessageTypeError     = "error"
	MessageTypeExpire    = "expire"
	MessageTypeLeave     = "leave"
	MessageTypeHeartbeat = "heartbeat"
)

// DescriptionPayload carries an offer or an answer.
type DescriptionPayload struct {
	SDP          webrtc.SessionDescription `json:"sdp"`
	Type         string                    `json:"type"`
	ConnectionID string                    `json:"connectionId"`
	Metadata     json.RawMessage           `json:"metadata,omitempty"`
	Label        string                    `json:"label,omitempty"`
	Reliable     bool                      `json:"reliable,omitempty"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
	Type         string                  `json:"type"`
	ConnectionID string                  `json:"connectionId"`
}

// ErrorPayload represents error messages from the relay.
type ErrorPayload struct {
	Msg string `json:"msg"`
}

// NewMessage builds a message for dst with payload encoded as JSON.
func NewMessage(msgType, dst string, payload any) (*Message, error) {
	msg := &Message{Type: msgType, Dst: dst}
	if payload == nil {
		return msg, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	msg.Payload = raw
	return msg, nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ConnectionID extracts the connectionId of an offer, answer or candidate
// without decoding the rest of the payload.
func (m *Message) ConnectionID() string {
	var probe struct {
		ConnectionID string `json:"connectionId"`
	}
	if len(m.Payload) == 0 || json.Unmarshal(m.Payload, &probe) != nil {
		return ""
	}
	return probe.ConnectionID
}
