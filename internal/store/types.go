// ABOUTME: Client-side projections of conversations and messages.
// ABOUTME: Message delivery states track the optimistic-send lifecycle.

package store

import (
	"time"

	"github.com/talkrix/chatkit/internal/protocol"
)

// DeliveryState tracks where a locally sent message is in its lifecycle.
type DeliveryState string

const (
	// DeliveryPending: inserted optimistically, persistence outstanding.
	DeliveryPending DeliveryState = "pending"
	// DeliverySent: confirmed — either persisted via REST or received over
	// the channel from the remote party.
	DeliverySent DeliveryState = "sent"
	// DeliveryFailed: the REST persistence call failed; the message stays
	// visible with a retry affordance.
	DeliveryFailed DeliveryState = "failed"
)

// Conversation status values.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Message is a single chat line owned by the store for the session lifetime.
// ID holds a locally generated temporary id until the backend assigns one.
type Message struct {
	ID             string
	ConversationID string
	SenderType     protocol.SenderType
	SenderID       string
	Content        string
	CreatedAt      time.Time
	IsRead         bool
	Delivery       DeliveryState
}

// Conversation is the client-side projection of a conversation summary.
type Conversation struct {
	ID              string
	Status          string
	AgentID         string
	VisitorID       string
	LastMessage     string
	LastMessageTime time.Time
	UnreadCount     int
}
