// ABOUTME: Tests for the send coordinator's optimistic delivery lifecycle.
// ABOUTME: Uses fakes for the channel and the REST backend.

package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkrix/chatkit/internal/protocol"
	"github.com/talkrix/chatkit/internal/rest"
	"github.com/talkrix/chatkit/internal/session"
	"github.com/talkrix/chatkit/internal/store"
)

type fakeChannel struct {
	sent []*protocol.Envelope
	err  error
}

func (f *fakeChannel) Send(env *protocol.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

type fakeAPI struct {
	calls   int
	err     error
	message *rest.Message
}

func (f *fakeAPI) CreateMessage(ctx context.Context, conversationID, content string) (*rest.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.message != nil {
		return f.message, nil
	}
	return &rest.Message{
		ID:             "42",
		ConversationID: rest.ID(conversationID),
		SenderType:     "agent",
		SenderID:       "agent-1",
		Content:        content,
	}, nil
}

func newFixture(ch *fakeChannel, api *fakeAPI) (*Coordinator, *store.Store) {
	sess := &session.Session{Role: session.RoleAgent, Identity: "agent-1", WebsiteID: "site-1"}
	st := store.New(sess, nil)
	return New(st, ch, api, nil), st
}

func TestSendUserMessage_HappyPath(t *testing.T) {
	ch := &fakeChannel{}
	api := &fakeAPI{}
	c, st := newFixture(ch, api)

	msg, err := c.SendUserMessage(context.Background(), "conv-a", "  Hello  ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg.ID, "temp-"))
	assert.Equal(t, "Hello", msg.Content, "content is trimmed before delivery")

	require.Len(t, ch.sent, 1)
	assert.Equal(t, protocol.TypeChat, ch.sent[0].Type)
	assert.Equal(t, "Hello", ch.sent[0].Content)
	assert.Equal(t, 1, api.calls)

	msgs := st.Messages("conv-a")
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].ID, "temp id replaced by the persisted id")
	assert.Equal(t, store.DeliverySent, msgs[0].Delivery)
}

func TestSendUserMessage_BlankContentRejectedBeforeInsert(t *testing.T) {
	ch := &fakeChannel{}
	api := &fakeAPI{}
	c, st := newFixture(ch, api)

	_, err := c.SendUserMessage(context.Background(), "conv-a", "   \n\t ")
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Empty(t, st.Messages("conv-a"))
	assert.Empty(t, ch.sent)
	assert.Zero(t, api.calls)
}

func TestSendUserMessage_ChannelFailureIsSilent(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel not connected")}
	api := &fakeAPI{}
	c, st := newFixture(ch, api)

	_, err := c.SendUserMessage(context.Background(), "conv-a", "Hello")
	require.NoError(t, err, "the REST path alone is enough")

	msgs := st.Messages("conv-a")
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DeliverySent, msgs[0].Delivery)
}

func TestSendUserMessage_RESTFailureMarksFailed(t *testing.T) {
	ch := &fakeChannel{}
	api := &fakeAPI{err: errors.New("backend down")}
	c, st := newFixture(ch, api)

	msg, err := c.SendUserMessage(context.Background(), "conv-a", "Hello")
	require.Error(t, err)

	msgs := st.Messages("conv-a")
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID, "failed message keeps its temp id")
	assert.Equal(t, store.DeliveryFailed, msgs[0].Delivery)
}

func TestRetry_ReplaysFailedMessage(t *testing.T) {
	ch := &fakeChannel{}
	api := &fakeAPI{err: errors.New("backend down")}
	c, st := newFixture(ch, api)

	msg, err := c.SendUserMessage(context.Background(), "conv-a", "Hello")
	require.Error(t, err)

	api.err = nil
	require.NoError(t, c.Retry(context.Background(), msg.ID))

	msgs := st.Messages("conv-a")
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].ID)
	assert.Equal(t, store.DeliverySent, msgs[0].Delivery)
	assert.Equal(t, 2, api.calls)
}

func TestRetry_UnknownTempID(t *testing.T) {
	c, _ := newFixture(&fakeChannel{}, &fakeAPI{})

	err := c.Retry(context.Background(), "temp-nope")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestSendUserMessage_RapidSendsAllDelivered(t *testing.T) {
	ch := &fakeChannel{}
	c, st := newFixture(ch, &fakeAPI{message: nil})

	// Each send gets its own backend id via the default fake; override per
	// call to keep ids distinct.
	api := &countingAPI{}
	c.api = api

	const n = 5
	for i := 0; i < n; i++ {
		_, err := c.SendUserMessage(context.Background(), "conv-a", "hello")
		require.NoError(t, err)
	}

	msgs := st.Messages("conv-a")
	require.Len(t, msgs, n)
	seen := make(map[string]bool)
	for _, m := range msgs {
		assert.Equal(t, store.DeliverySent, m.Delivery)
		assert.False(t, seen[m.ID])
		seen[m.ID] = true
	}
}

type countingAPI struct {
	n int
}

func (f *countingAPI) CreateMessage(ctx context.Context, conversationID, content string) (*rest.Message, error) {
	f.n++
	return &rest.Message{
		ID:             rest.ID(strings.Repeat("1", f.n)), // 1, 11, 111...
		ConversationID: rest.ID(conversationID),
		SenderType:     "agent",
		SenderID:       "agent-1",
		Content:        content,
	}, nil
}
