// Package typing keeps the per-conversation set of users currently typing.
// Entries expire after a TTL so a dropped "stopped typing" event cannot leave
// a user flagged forever.
package typing

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// ChangeEvent is the payload of bus.KindTypingChanged.
type ChangeEvent struct {
	ConversationID int64    `json:"conversationId"`
	Usernames      []string `json:"usernames"`
}

// Tracker is a TTL-bounded set of typing usernames per conversation.
type Tracker struct {
	mu    sync.Mutex
	ttl   time.Duration
	users map[int64]map[string]time.Time // username -> expiry
	bus   *bus.Bus
	now   func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates a tracker. A non-positive ttl disables expiry.
func NewTracker(ttl time.Duration, b *bus.Bus) *Tracker {
	return &Tracker{
		ttl:   ttl,
		users: make(map[int64]map[string]time.Time),
		bus:   b,
		now:   time.Now,
	}
}

// SetTyping adds or removes username. Repeated positive events only refresh
// the expiry; removing an absent user does nothing.
func (t *Tracker) SetTyping(conversationID int64, username string, isTyping bool) {
	if username == "" {
		return
	}
	t.mu.Lock()
	now := t.now()
	set := t.users[conversationID]
	_, present := set[username]
	if present && !t.liveLocked(set[username], now) {
		present = false
	}

	changed := false
	switch {
	case isTyping:
		if set == nil {
			set = make(map[string]time.Time)
			t.users[conversationID] = set
		}
		set[username] = t.expiry(now)
		changed = !present
	case set != nil:
		delete(set, username)
		if len(set) == 0 {
			delete(t.users, conversationID)
		}
		changed = present
	}
	var evt ChangeEvent
	if changed {
		evt = ChangeEvent{ConversationID: conversationID, Usernames: t.listLocked(conversationID, now)}
	}
	t.mu.Unlock()

	if changed {
		t.bus.Emit(bus.KindTypingChanged, evt)
	}
}

// GetTyping returns the sorted usernames typing in the conversation.
func (t *Tracker) GetTyping(conversationID int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listLocked(conversationID, t.now())
}

// Clear removes every typing entry. Used when the connection drops.
func (t *Tracker) Clear() {
	t.mu.Lock()
	ids := make([]int64, 0, len(t.users))
	for id := range t.users {
		ids = append(ids, id)
	}
	clear(t.users)
	t.mu.Unlock()

	for _, id := range ids {
		t.bus.Emit(bus.KindTypingChanged, ChangeEvent{ConversationID: id, Usernames: []string{}})
	}
}

// Sweep removes expired entries and publishes the conversations whose
// membership changed.
func (t *Tracker) Sweep() {
	var events []ChangeEvent

	t.mu.Lock()
	now := t.now()
	for id, set := range t.users {
		removed := false
		for name, exp := range set {
			if !t.liveLocked(exp, now) {
				delete(set, name)
				removed = true
			}
		}
		if len(set) == 0 {
			delete(t.users, id)
		}
		if removed {
			events = append(events, ChangeEvent{ConversationID: id, Usernames: t.listLocked(id, now)})
		}
	}
	t.mu.Unlock()

	for _, evt := range events {
		t.bus.Emit(bus.KindTypingChanged, evt)
	}
}

// Start runs Sweep at half the TTL until Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	if t.ttl <= 0 {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep goroutine and waits for it.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

func (t *Tracker) expiry(now time.Time) time.Time {
	if t.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(t.ttl)
}

func (t *Tracker) liveLocked(exp, now time.Time) bool {
	return exp.IsZero() || now.Before(exp)
}

func (t *Tracker) listLocked(conversationID int64, now time.Time) []string {
	out := []string{}
	for name, exp := range t.users[conversationID] {
		if t.liveLocked(exp, now) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
