// ABOUTME: Outbound typing and read-receipt signals for the local party.
// ABOUTME: Typing frames are throttled; read state is pushed on both paths.

package signals

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/talkrix/chatkit/internal/protocol"
	"github.com/talkrix/chatkit/internal/store"
)

// defaultTypingWindow is the minimum gap between outbound typing frames per
// conversation. The receiving side holds its indicator for the same window,
// so one frame per window keeps it lit continuously while the user types.
const defaultTypingWindow = 3 * time.Second

// ChannelSender pushes a frame over the real-time channel.
type ChannelSender interface {
	Send(*protocol.Envelope) error
}

// ReadMarker persists the read state through the REST backend.
type ReadMarker interface {
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// Manager emits the local party's typing and read signals. Both are
// advisory: network failures are logged and swallowed, never surfaced to
// the caller, and the local store is updated regardless.
type Manager struct {
	store   *store.Store
	channel ChannelSender
	api     ReadMarker
	logger  *slog.Logger
	window  time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Manager.
type Option func(*Manager)

// WithTypingWindow overrides the throttle window (tests use a short one).
func WithTypingWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

// New creates a Manager. Pass nil logger for default.
func New(st *store.Store, ch ChannelSender, api ReadMarker, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:    st,
		channel:  ch,
		api:      api,
		logger:   logger.With("component", "signals"),
		window:   defaultTypingWindow,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NotifyTyping is called on every local keystroke; at most one typing frame
// per window actually goes out per conversation. Returns whether a frame
// was sent.
func (m *Manager) NotifyTyping(conversationID string) bool {
	if !m.limiter(conversationID).Allow() {
		return false
	}

	err := m.channel.Send(&protocol.Envelope{
		Type:           protocol.TypeTyping,
		ConversationID: conversationID,
		Content:        true,
	})
	if err != nil {
		m.logger.Debug("typing frame dropped", "conversation_id", conversationID, "error", err)
		return false
	}
	return true
}

// MarkConversationRead marks the conversation read locally (the only path
// that resets an unread count), then tells the remote party over the channel
// and persists through REST. Either network call may fail without undoing
// the local state; the next summary refresh converges.
func (m *Manager) MarkConversationRead(ctx context.Context, conversationID string) {
	m.store.MarkRead(conversationID)

	if err := m.channel.Send(&protocol.Envelope{
		Type:           protocol.TypeRead,
		ConversationID: conversationID,
	}); err != nil {
		m.logger.Debug("read frame dropped", "conversation_id", conversationID, "error", err)
	}

	if err := m.api.MarkConversationRead(ctx, conversationID); err != nil {
		m.logger.Warn("read persistence failed", "conversation_id", conversationID, "error", err)
	}
}

// limiter returns the per-conversation throttle, creating it on first use.
// Burst 1 with a refill of one event per window: the first keystroke sends
// immediately, the rest of the window is silent.
func (m *Manager) limiter(conversationID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limiters[conversationID]
	if !ok {
		l = rate.NewLimiter(rate.Every(m.window), 1)
		m.limiters[conversationID] = l
	}
	return l
}
