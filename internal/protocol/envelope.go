// ABOUTME: Wire format for real-time chat frames exchanged over the channel.
// ABOUTME: Defines the canonical envelope shape, encoding, and validation rules.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies the kind of frame carried by an envelope.
type Type string

const (
	TypeChat               Type = "chat"
	TypeTyping             Type = "typing"
	TypeRead               Type = "read"
	TypePing               Type = "ping"
	TypeConversationUpdate Type = "conversation_update"

	// TypeSystem is emitted by the channel service itself (connection
	// greetings and the like). Clients never send it.
	TypeSystem Type = "system"
)

// SenderType identifies which party authored a frame.
type SenderType string

const (
	SenderVisitor SenderType = "visitor"
	SenderAgent   SenderType = "agent"
	SenderSystem  SenderType = "system"
	SenderAI      SenderType = "ai"
)

// Envelope errors
var (
	ErrMissingType         = errors.New("envelope type required")
	ErrMissingConversation = errors.New("conversation_id required")
	ErrMissingContent      = errors.New("content required")
)

// Envelope is a single real-time frame. Content is a string for chat frames
// and a boolean for typing frames; read and ping frames carry no content.
// The optional ID and Status/AgentID fields are populated by the backend on
// chat echoes and conversation_update frames respectively.
type Envelope struct {
	Type           Type       `json:"type"`
	ID             string     `json:"id,omitempty"`
	WebsiteID      string     `json:"website_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	SenderType     SenderType `json:"sender_type,omitempty"`
	SenderID       string     `json:"sender_id,omitempty"`
	Content        any        `json:"content,omitempty"`
	Timestamp      int64      `json:"timestamp,omitempty"`

	// conversation_update payload
	Status  string `json:"status,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// Decode parses a raw frame into an Envelope. Unknown type values decode
// without error so newer backends remain compatible with older clients.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if e.Type == "" {
		return nil, ErrMissingType
	}
	return &e, nil
}

// Encode serializes the envelope as a UTF-8 JSON text frame.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Validate checks the outbound invariants for the envelope's type.
// Inbound frames are not validated this strictly; receivers ignore what
// they cannot use.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return ErrMissingType
	}
	switch e.Type {
	case TypeChat:
		if e.ConversationID == "" {
			return ErrMissingConversation
		}
		if e.Text() == "" {
			return ErrMissingContent
		}
	case TypeTyping, TypeRead, TypeConversationUpdate:
		if e.ConversationID == "" {
			return ErrMissingConversation
		}
	}
	return nil
}

// Known reports whether the envelope type is one this client understands.
// Unknown types are skipped by receivers, never treated as errors.
func (e *Envelope) Known() bool {
	switch e.Type {
	case TypeChat, TypeTyping, TypeRead, TypePing, TypeConversationUpdate, TypeSystem:
		return true
	}
	return false
}

// Text returns the content as a string, or "" when the content is absent
// or not textual (typing frames carry a boolean).
func (e *Envelope) Text() string {
	s, _ := e.Content.(string)
	return s
}

// Flag returns the content as a boolean. Typing frames carry true; there is
// no "stopped typing" frame — absence of refresh implies stopped.
func (e *Envelope) Flag() bool {
	b, _ := e.Content.(bool)
	return b
}
