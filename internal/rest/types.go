// ABOUTME: Wire types for the Talkrix REST API.
// ABOUTME: ID tolerates both string and numeric JSON identifiers.

package rest

import (
	"encoding/json"
	"fmt"
	"time"
)

// ID is an entity identifier as the backend serializes it. Older backend
// endpoints emit numeric ids while newer ones emit strings; both decode into
// the same Go representation.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// Conversation is a conversation summary as returned by the backend.
type Conversation struct {
	ID            ID        `json:"id"`
	WebsiteID     ID        `json:"website_id"`
	Status        string    `json:"status"`
	AgentID       ID        `json:"agent_id"`
	VisitorID     ID        `json:"visitor_id"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
}

// Message is a persisted chat message.
type Message struct {
	ID             ID        `json:"id"`
	ConversationID ID        `json:"conversation_id"`
	SenderType     string    `json:"sender_type"`
	SenderID       ID        `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
}

// Visitor is the backend's visitor record.
type Visitor struct {
	ID        ID     `json:"id"`
	WebsiteID ID     `json:"website_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	IsBanned  bool   `json:"is_banned"`
}

// BrowserInfo describes the visitor's environment, sent at bootstrap so
// agents see where a conversation comes from.
type BrowserInfo struct {
	Browser          string `json:"browser,omitempty"`
	Language         string `json:"language,omitempty"`
	Referrer         string `json:"referrer,omitempty"`
	ScreenResolution string `json:"screenResolution,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	CurrentURL       string `json:"currentUrl,omitempty"`
}

// VisitorBootstrap is the /visitor/init response: the visitor identity and
// the conversation to attach the channel to.
type VisitorBootstrap struct {
	Visitor      Visitor      `json:"visitor"`
	Conversation Conversation `json:"conversation"`
	OfficeHours  bool         `json:"office_hours"`
}

// ListQuery narrows a conversation listing.
type ListQuery struct {
	Filter string // "", "open", "closed", "unassigned", "mine"
	Search string
}
