// ABOUTME: In-memory conversation state for one session: messages, unread
// ABOUTME: counts, typing flags, and optimistic-send reconciliation.

package store

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talkrix/chatkit/internal/dedupe"
	"github.com/talkrix/chatkit/internal/protocol"
	"github.com/talkrix/chatkit/internal/session"
)

const (
	// defaultTypingTTL is how long an inbound typing indicator stays lit
	// without a refreshing frame.
	defaultTypingTTL = 3 * time.Second

	// Echo-suppression cache bounds. A key only needs to outlive the gap
	// between the channel echo and the REST confirmation of one message.
	echoTTL     = 5 * time.Minute
	echoMaxSize = 1024
)

// RefreshFunc is invoked (outside the store lock) whenever an incoming frame
// changed conversation metadata, so the owner can re-fetch the authoritative
// conversation list from the REST backend.
type RefreshFunc func(conversationID string)

// TypingFunc is invoked (outside the store lock) on typing indicator
// transitions for a conversation.
type TypingFunc func(conversationID string, typing bool)

// Store holds the per-session view of conversations and messages. All
// mutations are serialized through its mutex; incoming frames are applied in
// receipt order by the single channel read loop. Nothing is shared across
// sessions.
type Store struct {
	mu            sync.Mutex
	sess          *session.Session
	active        string
	conversations map[string]*Conversation
	messages      map[string][]*Message
	tempIndex     map[string]string // temp id -> conversation id
	typingTimers  map[string]*time.Timer
	echoes        *dedupe.Cache
	typingTTL     time.Duration
	onRefresh     RefreshFunc
	onTyping      TypingFunc
	logger        *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTypingTTL overrides the typing indicator expiry (tests use a short one).
func WithTypingTTL(d time.Duration) Option {
	return func(s *Store) { s.typingTTL = d }
}

// WithRefreshFunc sets the conversation-list refresh hook.
func WithRefreshFunc(f RefreshFunc) Option {
	return func(s *Store) { s.onRefresh = f }
}

// WithTypingFunc sets the typing transition hook.
func WithTypingFunc(f TypingFunc) Option {
	return func(s *Store) { s.onTyping = f }
}

// New creates a Store for the given session. Pass nil logger for default.
func New(sess *session.Session, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		sess:          sess,
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		tempIndex:     make(map[string]string),
		typingTimers:  make(map[string]*time.Timer),
		echoes:        dedupe.New(echoTTL, echoMaxSize),
		typingTTL:     defaultTypingTTL,
		logger:        logger.With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyIncoming applies a received envelope to the store. Unknown frame
// types are ignored without error.
func (s *Store) ApplyIncoming(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChat:
		s.applyChat(env)
	case protocol.TypeTyping:
		s.applyTyping(env)
	case protocol.TypeRead:
		s.applyRead(env)
	case protocol.TypeConversationUpdate:
		s.applyConversationUpdate(env)
	case protocol.TypePing, protocol.TypeSystem:
		// Liveness probes and connection greetings carry no state.
	default:
		s.logger.Debug("ignoring unknown frame type", "type", env.Type)
	}
}

// applyChat appends a message to the active conversation or bumps the unread
// count of an inactive one, then asks the owner to refresh summaries.
func (s *Store) applyChat(env *protocol.Envelope) {
	// Locally authored echoes are never re-applied; only the REST
	// reconciliation path finalizes local sends.
	if s.sess.IsLocalSender(env) {
		return
	}
	if env.ID != "" && s.echoes.CheckAndMark("msg:"+env.ID) {
		s.logger.Debug("dropping duplicate chat frame", "message_id", env.ID)
		return
	}

	s.mu.Lock()
	conv := s.ensureConversationLocked(env.ConversationID)

	var typingCleared bool
	if s.active == env.ConversationID {
		id := env.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := time.Now()
		if env.Timestamp > 0 {
			createdAt = time.Unix(env.Timestamp, 0)
		}
		s.messages[env.ConversationID] = append(s.messages[env.ConversationID], &Message{
			ID:             id,
			ConversationID: env.ConversationID,
			SenderType:     env.SenderType,
			SenderID:       env.SenderID,
			Content:        env.Text(),
			CreatedAt:      createdAt,
			IsRead:         true,
			Delivery:       DeliverySent,
		})
		typingCleared = s.clearTypingLocked(env.ConversationID)
	} else {
		conv.UnreadCount++
	}

	conv.LastMessage = env.Text()
	conv.LastMessageTime = time.Now()
	s.mu.Unlock()

	if typingCleared {
		s.notifyTyping(env.ConversationID, false)
	}
	s.notifyRefresh(env.ConversationID)
}

// applyTyping lights the typing indicator for the active conversation when
// the remote party is typing, and (re)arms its expiry timer.
func (s *Store) applyTyping(env *protocol.Envelope) {
	if s.sess.IsLocalSender(env) || env.SenderType == protocol.SenderSystem {
		return
	}

	s.mu.Lock()
	if s.active != env.ConversationID {
		s.mu.Unlock()
		return
	}

	convID := env.ConversationID
	timer, alreadyTyping := s.typingTimers[convID]
	if alreadyTyping {
		timer.Reset(s.typingTTL)
	} else {
		s.typingTimers[convID] = time.AfterFunc(s.typingTTL, func() {
			s.expireTyping(convID)
		})
	}
	s.mu.Unlock()

	if !alreadyTyping {
		s.notifyTyping(convID, true)
	}
}

// expireTyping clears a typing indicator whose timer fired.
func (s *Store) expireTyping(conversationID string) {
	s.mu.Lock()
	_, ok := s.typingTimers[conversationID]
	if ok {
		delete(s.typingTimers, conversationID)
	}
	s.mu.Unlock()

	if ok {
		s.notifyTyping(conversationID, false)
	}
}

// applyRead marks all of the local party's messages in the conversation as
// read — the opposite party has seen them.
func (s *Store) applyRead(env *protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages[env.ConversationID] {
		if m.SenderType == s.sess.SenderType() {
			m.IsRead = true
		}
	}
}

// applyConversationUpdate folds a status/assignment change into the
// projection and asks for a summary refresh.
func (s *Store) applyConversationUpdate(env *protocol.Envelope) {
	s.mu.Lock()
	conv := s.ensureConversationLocked(env.ConversationID)
	if env.Status != "" {
		conv.Status = env.Status
	}
	if env.AgentID != "" {
		conv.AgentID = env.AgentID
	}
	s.mu.Unlock()

	s.notifyRefresh(env.ConversationID)
}

// ApplyOptimisticSend inserts a pending message with a locally generated
// temporary id, before any network confirmation. Exactly one message is
// created per user send action.
func (s *Store) ApplyOptimisticSend(conversationID, content string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &Message{
		ID:             "temp-" + uuid.New().String(),
		ConversationID: conversationID,
		SenderType:     s.sess.SenderType(),
		SenderID:       s.sess.Identity,
		Content:        content,
		CreatedAt:      time.Now(),
		Delivery:       DeliveryPending,
	}

	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.tempIndex[msg.ID] = conversationID

	conv := s.ensureConversationLocked(conversationID)
	conv.LastMessage = content
	conv.LastMessageTime = msg.CreatedAt

	out := *msg
	return &out
}

// ReconcileSent replaces the temporary-id message with the persisted one at
// the same position. If the temp id is gone the persisted message is
// appended instead — reconciliation never duplicates or drops a message,
// and calling it twice with the same arguments is a no-op the second time.
func (s *Store) ReconcileSent(tempID string, persisted *Message) {
	// A late channel echo carrying the server id must not re-apply.
	s.echoes.Mark("msg:" + persisted.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	convID := persisted.ConversationID
	if convID == "" {
		convID = s.tempIndex[tempID]
	}
	delete(s.tempIndex, tempID)

	final := *persisted
	final.ConversationID = convID
	final.Delivery = DeliverySent

	list := s.messages[convID]
	for i, m := range list {
		if m.ID == tempID {
			list[i] = &final
			return
		}
	}
	for _, m := range list {
		if m.ID == persisted.ID {
			return // already reconciled
		}
	}
	s.messages[convID] = append(list, &final)
}

// MarkFailed flags the temp-id message as failed. The message stays in
// place so the presentation layer can offer a retry.
func (s *Store) MarkFailed(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, ok := s.tempIndex[tempID]
	if !ok {
		return
	}
	for _, m := range s.messages[convID] {
		if m.ID == tempID {
			m.Delivery = DeliveryFailed
			return
		}
	}
}

// MarkPending returns a failed message to the pending state for a retry.
func (s *Store) MarkPending(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, ok := s.tempIndex[tempID]
	if !ok {
		return
	}
	for _, m := range s.messages[convID] {
		if m.ID == tempID {
			m.Delivery = DeliveryPending
			return
		}
	}
}

// MarkRead resets the conversation's unread count and flags every message in
// it as read. This is the only path that zeroes an unread count.
func (s *Store) MarkRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.conversations[conversationID]; ok {
		conv.UnreadCount = 0
	}
	for _, m := range s.messages[conversationID] {
		m.IsRead = true
	}
}

// UpsertConversation folds a REST conversation summary into the projection.
// The unread count from the backend is authoritative except for the active
// conversation, which the local mark-as-read already zeroed.
func (s *Store) UpsertConversation(conv *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertConversationLocked(conv)
}

// SetConversations replaces the summary list with a REST refresh result.
// Message history and temp-id state are untouched.
func (s *Store) SetConversations(convs []*Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(convs))
	for _, conv := range convs {
		s.upsertConversationLocked(conv)
		seen[conv.ID] = true
	}
	for id := range s.conversations {
		if !seen[id] {
			delete(s.conversations, id)
		}
	}
}

func (s *Store) upsertConversationLocked(conv *Conversation) {
	c := *conv
	if c.ID == s.active {
		c.UnreadCount = 0
	}
	s.conversations[c.ID] = &c
}

// SetMessages replaces a conversation's message history with a REST fetch
// result, keeping any still-pending or failed local sends at the tail.
func (s *Store) SetMessages(conversationID string, msgs []*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		c := *m
		c.ConversationID = conversationID
		if c.Delivery == "" {
			c.Delivery = DeliverySent
		}
		list = append(list, &c)
	}
	for _, m := range s.messages[conversationID] {
		if m.Delivery == DeliveryPending || m.Delivery == DeliveryFailed {
			list = append(list, m)
		}
	}
	s.messages[conversationID] = list
}

// SetActiveConversation switches the active conversation: its unread count
// resets to 0 and the previously active conversation's typing indicator is
// cleared. Pass "" to deselect.
func (s *Store) SetActiveConversation(conversationID string) {
	s.mu.Lock()
	prev := s.active
	s.active = conversationID

	var typingCleared bool
	if prev != "" && prev != conversationID {
		typingCleared = s.clearTypingLocked(prev)
	}
	if conv, ok := s.conversations[conversationID]; ok {
		conv.UnreadCount = 0
	}
	s.mu.Unlock()

	if typingCleared {
		s.notifyTyping(prev, false)
	}
}

// ActiveConversation returns the currently active conversation id.
func (s *Store) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Messages returns a copy of the message list for a conversation, in
// insertion order (arrival order breaks ties between equal timestamps).
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		out = append(out, *m)
	}
	return out
}

// Message returns a copy of a single message by id (temporary or final).
func (s *Store) Message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if convID, ok := s.tempIndex[id]; ok {
		for _, m := range s.messages[convID] {
			if m.ID == id {
				return *m, true
			}
		}
	}
	for _, list := range s.messages {
		for _, m := range list {
			if m.ID == id {
				return *m, true
			}
		}
	}
	return Message{}, false
}

// Conversation returns a copy of one conversation projection.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *conv, true
}

// Conversations returns the summaries ordered by most recent activity.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, *conv)
	}
	slices.SortFunc(out, func(a, b Conversation) int {
		if c := b.LastMessageTime.Compare(a.LastMessageTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// UnreadCount returns the unread count for a conversation.
func (s *Store) UnreadCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.conversations[conversationID]; ok {
		return conv.UnreadCount
	}
	return 0
}

// TypingActive reports whether the remote party's typing indicator is lit.
func (s *Store) TypingActive(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.typingTimers[conversationID]
	return ok
}

// Close cancels all typing timers. Results of in-flight REST calls applied
// after Close are simply dropped by their owners; the store itself holds no
// network resources.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.typingTimers {
		timer.Stop()
		delete(s.typingTimers, id)
	}
}

// ensureConversationLocked returns the projection for an id, creating a
// placeholder if the summary has not been fetched yet. Must hold mu.
func (s *Store) ensureConversationLocked(id string) *Conversation {
	if conv, ok := s.conversations[id]; ok {
		return conv
	}
	conv := &Conversation{ID: id, Status: StatusActive}
	s.conversations[id] = conv
	return conv
}

// clearTypingLocked stops and removes a typing timer. Must hold mu.
// Returns true if an indicator was actually lit.
func (s *Store) clearTypingLocked(conversationID string) bool {
	timer, ok := s.typingTimers[conversationID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(s.typingTimers, conversationID)
	return true
}

func (s *Store) notifyRefresh(conversationID string) {
	if s.onRefresh != nil {
		s.onRefresh(conversationID)
	}
}

func (s *Store) notifyTyping(conversationID string, typing bool) {
	if s.onTyping != nil {
		s.onTyping(conversationID, typing)
	}
}
