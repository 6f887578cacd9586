// Package protocol defines the realtime messages exchanged between the hub and
// session sync clients. Signals never carry session state; receivers re-fetch.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type names one realtime message.
type Type string

const (
	// Client to hub.
	TypeJoin      Type = "join"
	TypeLeave     Type = "leave"
	TypeHeartbeat Type = "heartbeat"

	// Hub to client.
	TypeHeartbeatAck      Type = "heartbeatAck"
	TypeJoinConfirmed     Type = "joinConfirmed"
	TypeParticipantJoined Type = "participantJoined"
	TypeParticipantLeft   Type = "participantLeft"
	TypeError             Type = "error"

	// Both directions: a client announces a change, the hub relays it to the others.
	TypeStateChanged Type = "stateChanged"
)

// Message is the envelope every frame is wrapped in.
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParticipantInfo identifies the participant behind a connection.
type ParticipantInfo struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Username      string `json:"username"`
	IsAdmin       bool   `json:"isAdmin"`
}

// Join and Heartbeat share the participant descriptor.
type (
	Join      = ParticipantInfo
	Heartbeat = ParticipantInfo
)

type Leave struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

type HeartbeatAck struct {
	Timestamp     int64  `json:"timestamp"`
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

type JoinConfirmed struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	ActiveCount   int    `json:"activeCount"`
}

type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

type ParticipantJoined struct {
	Participant Participant `json:"participant"`
	ActiveCount int         `json:"activeCount"`
}

type ParticipantLeft struct {
	ParticipantID string `json:"participantId"`
	ActiveCount   int    `json:"activeCount"`
}

type StateChanged struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

type Error struct {
	Message string `json:"message"`
}

// Encode wraps payload in an envelope and marshals it.
func Encode(t Type, payload interface{}) ([]byte, error) {
	msg := Message{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}

// Decode parses a frame into its envelope.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("message has no type")
	}
	return msg, nil
}

// Into unmarshals the payload into v.
func (m Message) Into(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", m.Type, err)
	}
	return nil
}
