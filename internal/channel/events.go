// ABOUTME: In-memory fan-out of channel lifecycle and frame events.
// ABOUTME: Subscribers get an unsubscribe handle keyed by a random id.

package channel

import (
	"sync"

	"github.com/google/uuid"

	"github.com/talkrix/chatkit/internal/protocol"
)

// OpenFunc is called when the channel transitions to Open.
type OpenFunc func()

// CloseFunc is called when the channel closes. permanent is true once the
// reconnect budget is exhausted; no further transitions will happen without
// an explicit Connect.
type CloseFunc func(permanent bool)

// FrameFunc is called for every decoded inbound envelope.
type FrameFunc func(*protocol.Envelope)

// Subscription is a handle for removing a listener.
type Subscription struct {
	cancel func()
}

// Cancel removes the listener. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// events fans lifecycle and frame callbacks out to registered listeners.
// Callbacks run on the client's internal goroutines and must not block.
type events struct {
	mu     sync.RWMutex
	opened map[string]OpenFunc
	closed map[string]CloseFunc
	frames map[string]FrameFunc
}

func newEvents() *events {
	return &events{
		opened: make(map[string]OpenFunc),
		closed: make(map[string]CloseFunc),
		frames: make(map[string]FrameFunc),
	}
}

func (e *events) addOpened(f OpenFunc) *Subscription {
	id := uuid.New().String()
	e.mu.Lock()
	e.opened[id] = f
	e.mu.Unlock()
	return &Subscription{cancel: func() {
		e.mu.Lock()
		delete(e.opened, id)
		e.mu.Unlock()
	}}
}

func (e *events) addClosed(f CloseFunc) *Subscription {
	id := uuid.New().String()
	e.mu.Lock()
	e.closed[id] = f
	e.mu.Unlock()
	return &Subscription{cancel: func() {
		e.mu.Lock()
		delete(e.closed, id)
		e.mu.Unlock()
	}}
}

func (e *events) addFrame(f FrameFunc) *Subscription {
	id := uuid.New().String()
	e.mu.Lock()
	e.frames[id] = f
	e.mu.Unlock()
	return &Subscription{cancel: func() {
		e.mu.Lock()
		delete(e.frames, id)
		e.mu.Unlock()
	}}
}

// emitOpened calls every opened listener. Listener maps are copied under a
// read lock so callbacks can subscribe or cancel without deadlocking.
func (e *events) emitOpened() {
	e.mu.RLock()
	fns := make([]OpenFunc, 0, len(e.opened))
	for _, f := range e.opened {
		fns = append(fns, f)
	}
	e.mu.RUnlock()
	for _, f := range fns {
		f()
	}
}

func (e *events) emitClosed(permanent bool) {
	e.mu.RLock()
	fns := make([]CloseFunc, 0, len(e.closed))
	for _, f := range e.closed {
		fns = append(fns, f)
	}
	e.mu.RUnlock()
	for _, f := range fns {
		f(permanent)
	}
}

func (e *events) emitFrame(env *protocol.Envelope) {
	e.mu.RLock()
	fns := make([]FrameFunc, 0, len(e.frames))
	for _, f := range e.frames {
		fns = append(fns, f)
	}
	e.mu.RUnlock()
	for _, f := range fns {
		f(env)
	}
}
