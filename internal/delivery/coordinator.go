// ABOUTME: Coordinates the dual-path message send: optimistic local insert,
// ABOUTME: fire-and-forget channel frame, authoritative REST persistence.

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/talkrix/chatkit/internal/protocol"
	"github.com/talkrix/chatkit/internal/rest"
	"github.com/talkrix/chatkit/internal/store"
)

// Delivery errors
var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrUnknownMessage = errors.New("no pending message with that id")
)

// ChannelSender pushes a frame over the real-time channel.
type ChannelSender interface {
	Send(*protocol.Envelope) error
}

// MessageCreator persists a message through the REST backend.
type MessageCreator interface {
	CreateMessage(ctx context.Context, conversationID, content string) (*rest.Message, error)
}

// Coordinator owns the send lifecycle for locally authored messages. The
// channel frame is best-effort (remote parties see it fast); the REST write
// is the single authority that finalizes or fails the optimistic insert,
// regardless of what the channel echoed back in the meantime.
type Coordinator struct {
	store   *store.Store
	channel ChannelSender
	api     MessageCreator
	logger  *slog.Logger
}

// New creates a Coordinator. Pass nil logger for default.
func New(st *store.Store, ch ChannelSender, api MessageCreator, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   st,
		channel: ch,
		api:     api,
		logger:  logger.With("component", "delivery"),
	}
}

// SendUserMessage performs one user send action: exactly one optimistic
// insert, then delivery. Blank (or whitespace-only) content is rejected
// before anything is inserted. The returned message carries the temporary
// id; on error it remains in the store flagged failed, ready for Retry.
func (c *Coordinator) SendUserMessage(ctx context.Context, conversationID, content string) (*store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	msg := c.store.ApplyOptimisticSend(conversationID, content)
	return msg, c.deliver(ctx, msg)
}

// Retry re-runs delivery for a failed message, reusing its temporary id so
// the eventual reconciliation lands on the same entry.
func (c *Coordinator) Retry(ctx context.Context, tempID string) error {
	msg, ok := c.store.Message(tempID)
	if !ok || msg.Delivery == store.DeliverySent {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, tempID)
	}

	c.store.MarkPending(tempID)
	return c.deliver(ctx, &msg)
}

func (c *Coordinator) deliver(ctx context.Context, msg *store.Message) error {
	// Best effort: a dropped channel frame only costs latency, the REST
	// write below still lands the message.
	if err := c.channel.Send(&protocol.Envelope{
		Type:           protocol.TypeChat,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
	}); err != nil {
		c.logger.Debug("channel send skipped", "error", err, "temp_id", msg.ID)
	}

	persisted, err := c.api.CreateMessage(ctx, msg.ConversationID, msg.Content)
	if err != nil {
		c.store.MarkFailed(msg.ID)
		c.logger.Warn("message persistence failed", "temp_id", msg.ID, "error", err)
		return fmt.Errorf("persisting message: %w", err)
	}

	c.store.ReconcileSent(msg.ID, persistedMessage(persisted, msg))
	return nil
}

// persistedMessage maps the REST record onto the store shape, keeping the
// optimistic fields the backend does not echo.
func persistedMessage(p *rest.Message, optimistic *store.Message) *store.Message {
	out := &store.Message{
		ID:             p.ID.String(),
		ConversationID: p.ConversationID.String(),
		SenderType:     protocol.SenderType(p.SenderType),
		SenderID:       p.SenderID.String(),
		Content:        p.Content,
		CreatedAt:      p.CreatedAt,
		IsRead:         p.IsRead,
	}
	if out.ConversationID == "" {
		out.ConversationID = optimistic.ConversationID
	}
	if out.SenderType == "" {
		out.SenderType = optimistic.SenderType
	}
	if out.SenderID == "" {
		out.SenderID = optimistic.SenderID
	}
	if out.Content == "" {
		out.Content = optimistic.Content
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	return out
}
