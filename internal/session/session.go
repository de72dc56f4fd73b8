// ABOUTME: Session identity for one side of a live-chat connection.
// ABOUTME: Builds the channel endpoint URL that embeds role, scope, and auth token.

package session

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/talkrix/chatkit/internal/protocol"
)

// Role identifies which side of the conversation this session represents.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleVisitor Role = "visitor"
)

// Session errors
var (
	ErrMissingIdentity     = errors.New("session identity required")
	ErrMissingWebsite      = errors.New("website id required")
	ErrMissingConversation = errors.New("conversation id required for visitor sessions")
	ErrUnknownRole         = errors.New("unknown session role")
)

// Session is one active real-time connection context: an agent working a
// website's inbox, or a visitor inside a single conversation. It is created
// when a conversation view opens and owns nothing shared across sessions.
type Session struct {
	Role      Role
	Identity  string // agent id or visitor id
	WebsiteID string

	// ConversationID scopes visitor sessions to their single conversation.
	// Agent sessions see every conversation on the website and leave it empty.
	ConversationID string

	// Token authenticates the channel and REST calls. Passed as a query
	// parameter on connect because the transport cannot set headers
	// before the upgrade.
	Token string
}

// Validate checks that the session carries everything its role requires.
func (s *Session) Validate() error {
	if s.Identity == "" {
		return ErrMissingIdentity
	}
	if s.WebsiteID == "" {
		return ErrMissingWebsite
	}
	switch s.Role {
	case RoleAgent:
	case RoleVisitor:
		if s.ConversationID == "" {
			return ErrMissingConversation
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRole, s.Role)
	}
	return nil
}

// SenderType returns the sender_type this session stamps on outbound frames.
func (s *Session) SenderType() protocol.SenderType {
	if s.Role == RoleVisitor {
		return protocol.SenderVisitor
	}
	return protocol.SenderAgent
}

// IsLocalSender reports whether an envelope was authored by this session.
// Locally authored chat echoes are never re-applied to the store; only the
// REST reconciliation path finalizes local sends.
func (s *Session) IsLocalSender(e *protocol.Envelope) bool {
	return e.SenderType == s.SenderType() && e.SenderID == s.Identity
}

// ChannelURL builds the websocket endpoint for this session from the channel
// base URL (e.g. "wss://ws.talkrix.com").
func (s *Session) ChannelURL(base string) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing channel base url: %w", err)
	}

	q := url.Values{}
	q.Set("website_id", s.WebsiteID)
	q.Set("token", s.Token)

	switch s.Role {
	case RoleAgent:
		u.Path = "/ws/agent"
		q.Set("agent_id", s.Identity)
	case RoleVisitor:
		u.Path = "/ws/visitor"
		q.Set("visitor_id", s.Identity)
		q.Set("conversation_id", s.ConversationID)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}
