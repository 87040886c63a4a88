// Package conversation holds the in-memory view of conversations and their
// ordered message lists. Every mutation goes through one writer lock.
package conversation

import (
	"cmp"
	"slices"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/matheus3301/chatsync/internal/bus"
)

const previewLen = 100

// Store maps conversation id to conversation metadata and a message list
// ordered by creation time.
type Store struct {
	mu    sync.RWMutex
	self  string
	convs map[int64]*Conversation
	msgs  map[int64][]*Message
	bus   *bus.Bus
}

// NewStore creates an empty store. self is the identity of the current
// session; messages it authors never bump unread counters.
func NewStore(self string, b *bus.Bus) *Store {
	return &Store{
		self:  self,
		convs: make(map[int64]*Conversation),
		msgs:  make(map[int64][]*Message),
		bus:   b,
	}
}

// SetSelf replaces the current session identity.
func (s *Store) SetSelf(id string) {
	s.mu.Lock()
	s.self = id
	s.mu.Unlock()
}

// Self returns the current session identity.
func (s *Store) Self() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// UpsertConversation inserts c or refreshes its participants and activity.
// The unread counter is client-maintained: the server value is only taken
// when the conversation is first seen.
func (s *Store) UpsertConversation(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.convs[c.ID]
	if !ok {
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		s.convs[c.ID] = &c
		return
	}
	if c.VendorID != "" {
		cur.VendorID = c.VendorID
	}
	if c.CustomerID != "" {
		cur.CustomerID = c.CustomerID
	}
	if c.LastActivity.After(cur.LastActivity) {
		cur.LastActivity = c.LastActivity
		if c.LastMessagePreview != "" {
			cur.LastMessagePreview = c.LastMessagePreview
		}
	}
}

// GetConversation returns a copy of the conversation with the given id.
func (s *Store) GetConversation(id int64) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// ListConversations returns all conversations, most recent activity first.
func (s *Store) ListConversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Conversation) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// GetMessages returns a copy of the conversation's messages in creation order.
func (s *Store) GetMessages(conversationID int64) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.msgs[conversationID]
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = m.clone()
	}
	return out
}

// FindMessage looks up a message by Key.
func (s *Store) FindMessage(conversationID int64, key string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexByKeyLocked(conversationID, key); i >= 0 {
		return s.msgs[conversationID][i].clone(), true
	}
	return Message{}, false
}

// UpsertMessage inserts msg or merges it into the entry with the same durable
// id (or, failing that, the same temp id). A newly inserted message authored by
// someone else bumps the unread counter. It reports whether an entry was added.
func (s *Store) UpsertMessage(conversationID int64, msg Message) bool {
	return s.upsert(conversationID, msg, true)
}

// MergeMessages folds a page fetched from the server into the list without
// touching unread counters. Local entries that have no durable id yet are kept.
func (s *Store) MergeMessages(conversationID int64, page []Message) {
	for _, m := range page {
		s.upsert(conversationID, m, false)
	}
}

func (s *Store) upsert(conversationID int64, msg Message, countUnread bool) bool {
	msg = msg.clone()
	msg.ConversationID = conversationID

	s.mu.Lock()
	conv := s.ensureConvLocked(conversationID)
	list := s.msgs[conversationID]

	idx := -1
	if msg.ID != 0 {
		idx = indexWhere(list, func(m *Message) bool { return m.ID == msg.ID })
	}
	if idx < 0 && msg.TempID != "" {
		idx = indexWhere(list, func(m *Message) bool { return m.TempID == msg.TempID && (m.ID == 0 || m.ID == msg.ID) })
	}

	inserted := idx < 0
	var stored *Message
	if inserted {
		stored = &msg
		s.msgs[conversationID] = insertSorted(list, stored)
	} else {
		stored = list[idx]
		reorder := mergeInto(stored, msg)
		if reorder {
			sortByCreation(list)
		}
	}

	touchActivity(conv, stored)
	unreadChanged := false
	if inserted && countUnread && s.countsAsUnreadLocked(stored) {
		conv.UnreadCount++
		unreadChanged = true
	}
	evt := MessageEvent{ConversationID: conversationID, Key: stored.Key(), TempID: stored.TempID, Status: stored.Status}
	unread := UnreadEvent{ConversationID: conversationID, Count: conv.UnreadCount}
	s.mu.Unlock()

	s.bus.Emit(bus.KindMessageUpserted, evt)
	if unreadChanged {
		s.bus.Emit(bus.KindUnreadChanged, unread)
	}
	return inserted
}

// ReplaceTemp swaps the entry with the given temp id for its server-confirmed
// form, in place. The result is at least Sent and keeps the local retry count.
// If the durable id is already present (the echo raced a page fetch) the temp
// entry is dropped and merged into it. Reports false if no temp entry exists.
func (s *Store) ReplaceTemp(conversationID int64, tempID string, durable Message) bool {
	durable = durable.clone()

	s.mu.Lock()
	list := s.msgs[conversationID]
	idx := indexWhere(list, func(m *Message) bool { return m.TempID == tempID && m.ID == 0 })
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	temp := list[idx]

	durable.ConversationID = conversationID
	durable.TempID = tempID
	durable.Status = Advance(StatusSent, durable.Status)
	durable.RetryCount = max(durable.RetryCount, temp.RetryCount)
	if durable.CreatedAt.IsZero() {
		durable.CreatedAt = temp.CreatedAt
	}
	if durable.SenderID == "" {
		durable.SenderID = temp.SenderID
	}

	var stored *Message
	if dup := indexWhere(list, func(m *Message) bool { return durable.ID != 0 && m.ID == durable.ID }); dup >= 0 {
		stored = list[dup]
		mergeInto(stored, durable)
		list = slices.Delete(list, idx, idx+1)
	} else {
		*temp = durable
		stored = temp
	}
	sortByCreation(list)
	s.msgs[conversationID] = list
	touchActivity(s.ensureConvLocked(conversationID), stored)
	evt := MessageEvent{ConversationID: conversationID, Key: stored.Key(), TempID: tempID, Status: stored.Status}
	s.mu.Unlock()

	s.bus.Emit(bus.KindMessageUpserted, evt)
	return true
}

// UpdateMessage applies fn to the message with the given key. Identity fields
// changed by fn are ignored.
func (s *Store) UpdateMessage(conversationID int64, key string, fn func(*Message)) (Message, bool) {
	s.mu.Lock()
	i := s.indexByKeyLocked(conversationID, key)
	if i < 0 {
		s.mu.Unlock()
		return Message{}, false
	}
	m := s.msgs[conversationID][i]
	id, tempID := m.ID, m.TempID
	fn(m)
	m.ID, m.TempID, m.ConversationID = id, tempID, conversationID
	out := m.clone()
	s.mu.Unlock()

	s.bus.Emit(bus.KindMessageUpserted, MessageEvent{ConversationID: conversationID, Key: out.Key(), TempID: out.TempID, Status: out.Status})
	return out, true
}

// RemoveMessage deletes the message with the given key.
func (s *Store) RemoveMessage(conversationID int64, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexByKeyLocked(conversationID, key)
	if i < 0 {
		return false
	}
	s.msgs[conversationID] = slices.Delete(s.msgs[conversationID], i, i+1)
	return true
}

// IncrementUnread bumps the unread counter and returns the new value.
func (s *Store) IncrementUnread(conversationID int64) int {
	s.mu.Lock()
	conv := s.ensureConvLocked(conversationID)
	conv.UnreadCount++
	n := conv.UnreadCount
	s.mu.Unlock()

	s.bus.Emit(bus.KindUnreadChanged, UnreadEvent{ConversationID: conversationID, Count: n})
	return n
}

// MarkRead zeroes the unread counter. Unknown conversations are ignored.
func (s *Store) MarkRead(conversationID int64) {
	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	changed := ok && conv.UnreadCount != 0
	if changed {
		conv.UnreadCount = 0
	}
	s.mu.Unlock()

	if changed {
		s.bus.Emit(bus.KindUnreadChanged, UnreadEvent{ConversationID: conversationID})
	}
}

// UnreadTotal sums unread counters across conversations.
func (s *Store) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.convs {
		total += c.UnreadCount
	}
	return total
}

func (s *Store) ensureConvLocked(id int64) *Conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &Conversation{ID: id}
		s.convs[id] = c
	}
	return c
}

func (s *Store) indexByKeyLocked(conversationID int64, key string) int {
	return indexWhere(s.msgs[conversationID], func(m *Message) bool { return m.Key() == key })
}

func (s *Store) countsAsUnreadLocked(m *Message) bool {
	if !m.Durable() || m.Status == StatusSending || m.Status == StatusFailed {
		return false
	}
	return m.SenderID != "" && m.SenderID != s.self
}

// mergeInto folds incoming into cur and reports whether the creation time
// changed (so the list must be re-sorted).
func mergeInto(cur *Message, in Message) bool {
	if in.ID != 0 {
		cur.ID = in.ID
	}
	if in.TempID != "" && cur.TempID == "" {
		cur.TempID = in.TempID
	}
	if in.SenderID != "" {
		cur.SenderID = in.SenderID
	}
	if in.Content != "" {
		cur.Content = in.Content
	}
	if in.Type != "" {
		cur.Type = in.Type
	}
	if in.Attachments != nil {
		cur.Attachments = in.Attachments
	}
	if in.Metadata != nil {
		cur.Metadata = in.Metadata
	}
	if in.DeliveredAt != nil {
		cur.DeliveredAt = in.DeliveredAt
	}
	if in.ReadAt != nil {
		cur.ReadAt = in.ReadAt
	}
	cur.Status = Advance(cur.Status, in.Status)
	cur.RetryCount = max(cur.RetryCount, in.RetryCount)
	if !in.CreatedAt.IsZero() && !in.CreatedAt.Equal(cur.CreatedAt) {
		cur.CreatedAt = in.CreatedAt
		return true
	}
	return false
}

func touchActivity(c *Conversation, m *Message) {
	if m.CreatedAt.After(c.LastActivity) {
		c.LastActivity = m.CreatedAt
		c.LastMessagePreview = truncate(m.Content, previewLen)
	}
}

func indexWhere(list []*Message, pred func(*Message) bool) int {
	return slices.IndexFunc(list, pred)
}

// insertSorted places m after every message created at or before it, so
// equal timestamps keep submission order.
func insertSorted(list []*Message, m *Message) []*Message {
	i := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(m.CreatedAt) })
	return slices.Insert(list, i, m)
}

func sortByCreation(list []*Message) {
	slices.SortStableFunc(list, func(a, b *Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

