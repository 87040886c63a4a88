// Package outbox tracks locally sent messages from their optimistic insert
// until the server echo replaces them, and fails them when no echo arrives.
package outbox

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connection"
	"github.com/matheus3301/chatsync/internal/conversation"
)

var (
	ErrUnknownMessage = errors.New("no pending message with that temp id")
	ErrNotFailed      = errors.New("message has not failed")
	ErrRetryLimit     = errors.New("retry limit reached")
	ErrEmptyMessage   = errors.New("message has no content")
)

// Transport is the outbound half of the realtime connection.
type Transport interface {
	SendMessage(msg connection.OutboundMessage) error
}

// Policy controls timeouts, matching and retries.
type Policy struct {
	// SendTimeout fails an emitted message with no echo. Zero disables it.
	SendTimeout time.Duration
	// MatchWindow bounds the creation-time distance for content matching.
	MatchWindow time.Duration
	// MaxRetries caps manual retries. Zero means unlimited.
	MaxRetries int
	// AutoRetries is the number of automatic re-emits on timeout.
	AutoRetries       int
	ResendOnReconnect bool
	// ResendRate is the reconnect flush rate in messages per second.
	ResendRate int
}

// SendOptions carries the optional parts of an outgoing message.
type SendOptions struct {
	Type        conversation.MessageType
	Attachments []conversation.Attachment
	Metadata    map[string]any
}

// FailureEvent is the payload of bus.KindMessageFailed.
type FailureEvent struct {
	ConversationID int64
	TempID         string
	Reason         string
}

// PendingMessage is a snapshot of an unconfirmed message.
type PendingMessage struct {
	TempID         string
	ConversationID int64
	Content        string
	Status         conversation.Status
	RetryCount     int
	CreatedAt      time.Time
	EmittedAt      time.Time
}

type pending struct {
	seq            uint64
	tempID         string
	conversationID int64
	content        string
	opts           SendOptions
	createdAt      time.Time
	emittedAt      time.Time // zero until the transport accepted it
	autoUsed       int
	retryCount     int
	failed         bool
}

// Tracker is the per-message state machine for outgoing messages.
type Tracker struct {
	store     *conversation.Store
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger
	policy    Policy
	limiter   ratelimit.Limiter
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	seq     uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates a tracker writing into s and sending through tr.
func NewTracker(s *conversation.Store, tr Transport, b *bus.Bus, logger *zap.Logger, p Policy) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := ratelimit.NewUnlimited()
	if p.ResendRate > 0 {
		limiter = ratelimit.New(p.ResendRate)
	}
	return &Tracker{
		store:     s,
		transport: tr,
		bus:       b,
		logger:    logger,
		policy:    p,
		limiter:   limiter,
		now:       time.Now,
		pending:   make(map[string]*pending),
	}
}

// Send inserts a Sending message with a fresh temp id and emits it. A send
// attempted while offline stays Sending until ResendPending runs; any other
// transport error fails it. The returned message reflects the outcome.
func (t *Tracker) Send(conversationID int64, content string, opts SendOptions) (conversation.Message, error) {
	if content == "" && len(opts.Attachments) == 0 {
		return conversation.Message{}, ErrEmptyMessage
	}
	if opts.Type == "" {
		opts.Type = conversation.TypeText
		if len(opts.Attachments) > 0 {
			opts.Type = conversation.TypeAttachment
		}
	}

	now := t.now()
	p := &pending{
		tempID:         "tmp-" + uuid.NewString(),
		conversationID: conversationID,
		content:        content,
		opts:           opts,
		createdAt:      now,
	}
	msg := conversation.Message{
		TempID:         p.tempID,
		ConversationID: conversationID,
		SenderID:       t.store.Self(),
		Content:        content,
		Type:           opts.Type,
		Status:         conversation.StatusSending,
		CreatedAt:      now,
		Attachments:    opts.Attachments,
		Metadata:       opts.Metadata,
	}

	t.mu.Lock()
	t.seq++
	p.seq = t.seq
	t.pending[p.tempID] = p
	t.mu.Unlock()
	t.store.UpsertMessage(conversationID, msg)

	t.emit(p)

	out, ok := t.store.FindMessage(conversationID, conversation.TempKey(p.tempID))
	if !ok {
		// Echo already arrived and replaced the temp entry.
		out = msg
	}
	return out, nil
}

// emit hands p to the transport and records the outcome.
func (t *Tracker) emit(p *pending) {
	err := t.transport.SendMessage(connection.OutboundMessage{
		ConversationID: p.conversationID,
		Content:        p.content,
		Type:           p.opts.Type,
		ClientID:       p.tempID,
		Attachments:    p.opts.Attachments,
		Metadata:       p.opts.Metadata,
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[p.tempID] != p {
		return
	}
	switch {
	case err == nil:
		p.emittedAt = t.now()
	case errors.Is(err, connection.ErrTransportUnavailable):
		p.emittedAt = time.Time{}
		t.logger.Debug("transport unavailable, message held", zap.String("temp_id", p.tempID))
	default:
		t.logger.Warn("send failed", zap.String("temp_id", p.tempID), zap.Error(err))
		t.failLocked(p, err.Error())
	}
}

func (t *Tracker) failLocked(p *pending, reason string) {
	p.failed = true
	p.emittedAt = time.Time{}
	t.store.UpdateMessage(p.conversationID, conversation.TempKey(p.tempID), func(m *conversation.Message) {
		m.Status = conversation.Advance(m.Status, conversation.StatusFailed)
	})
	t.bus.Emit(bus.KindMessageFailed, FailureEvent{ConversationID: p.conversationID, TempID: p.tempID, Reason: reason})
}

// Reconcile matches an inbound message against pending sends. On a match the
// temp entry is replaced in place by msg and Reconcile returns true; the
// caller must not insert msg again.
//
// A message carrying a client id matches only the pending send with that
// temp id. Otherwise it matches the oldest pending send in the same
// conversation, authored by this session, with identical content, whose
// creation or last emit time is within MatchWindow of msg's creation time.
func (t *Tracker) Reconcile(msg conversation.Message) bool {
	self := t.store.Self()

	t.mu.Lock()
	p := t.matchLocked(msg, self)
	if p == nil {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, p.tempID)
	t.mu.Unlock()

	msg.RetryCount = max(msg.RetryCount, p.retryCount)
	if !t.store.ReplaceTemp(p.conversationID, p.tempID, msg) {
		return false
	}
	t.logger.Debug("send confirmed", zap.String("temp_id", p.tempID), zap.Int64("id", msg.ID))
	t.bus.Emit(bus.KindMessageSent, conversation.MessageEvent{
		ConversationID: p.conversationID,
		Key:            conversation.DurableKey(msg.ID),
		TempID:         p.tempID,
		Status:         conversation.StatusSent,
	})
	return true
}

func (t *Tracker) matchLocked(msg conversation.Message, self string) *pending {
	if msg.ID == 0 {
		return nil
	}
	if msg.TempID != "" {
		p := t.pending[msg.TempID]
		if p == nil || p.conversationID != msg.ConversationID {
			return nil
		}
		return p
	}
	if self == "" || msg.SenderID != self {
		return nil
	}

	at := msg.CreatedAt
	if at.IsZero() {
		at = t.now()
	}
	var best *pending
	for _, p := range t.pending {
		if p.conversationID != msg.ConversationID || p.content != msg.Content {
			continue
		}
		if !t.within(at, p.createdAt) && (p.emittedAt.IsZero() || !t.within(at, p.emittedAt)) {
			continue
		}
		if best == nil || p.createdAt.Before(best.createdAt) ||
			(p.createdAt.Equal(best.createdAt) && p.seq < best.seq) {
			best = p
		}
	}
	return best
}

func (t *Tracker) within(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= t.policy.MatchWindow
}

// MarkDelivered applies an explicit delivery receipt.
func (t *Tracker) MarkDelivered(conversationID, messageID int64, at time.Time) bool {
	_, ok := t.store.UpdateMessage(conversationID, conversation.DurableKey(messageID), func(m *conversation.Message) {
		m.Status = conversation.Advance(m.Status, conversation.StatusDelivered)
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
	})
	return ok
}

// MarkRead applies an explicit read receipt.
func (t *Tracker) MarkRead(conversationID, messageID int64, at time.Time) bool {
	_, ok := t.store.UpdateMessage(conversationID, conversation.DurableKey(messageID), func(m *conversation.Message) {
		m.Status = conversation.Advance(m.Status, conversation.StatusRead)
		if m.ReadAt == nil {
			m.ReadAt = &at
		}
	})
	return ok
}

// CheckTimeouts fails or automatically re-emits every emitted message that
// has waited longer than SendTimeout for its echo.
func (t *Tracker) CheckTimeouts(now time.Time) {
	if t.policy.SendTimeout <= 0 {
		return
	}
	var resend []*pending

	t.mu.Lock()
	for _, p := range t.pending {
		if p.failed || p.emittedAt.IsZero() || now.Sub(p.emittedAt) < t.policy.SendTimeout {
			continue
		}
		if p.autoUsed < t.policy.AutoRetries {
			p.autoUsed++
			p.retryCount++
			p.emittedAt = time.Time{}
			resend = append(resend, p)
			continue
		}
		t.logger.Info("send timed out", zap.String("temp_id", p.tempID))
		t.failLocked(p, "timed out waiting for server echo")
	}
	t.mu.Unlock()

	t.reemit(resend)
}

// Retry re-emits a failed message. It is bounded by MaxRetries when set.
func (t *Tracker) Retry(tempID string) error {
	t.mu.Lock()
	p, ok := t.pending[tempID]
	switch {
	case !ok:
		t.mu.Unlock()
		return ErrUnknownMessage
	case !p.failed:
		t.mu.Unlock()
		return ErrNotFailed
	case t.policy.MaxRetries > 0 && p.retryCount >= t.policy.MaxRetries:
		t.mu.Unlock()
		return fmt.Errorf("%w (%d)", ErrRetryLimit, p.retryCount)
	}
	p.failed = false
	p.retryCount++
	t.mu.Unlock()

	t.reemit([]*pending{p})
	return nil
}

// Discard drops an unconfirmed message from the tracker and the store.
func (t *Tracker) Discard(tempID string) error {
	t.mu.Lock()
	p, ok := t.pending[tempID]
	if ok {
		delete(t.pending, tempID)
	}
	t.mu.Unlock()
	if !ok {
		return ErrUnknownMessage
	}
	t.store.RemoveMessage(p.conversationID, conversation.TempKey(tempID))
	return nil
}

// ResendPending flushes messages that were never accepted by the transport,
// paced by ResendRate. With ResendOnReconnect off they are failed instead so
// the user can retry them explicitly.
func (t *Tracker) ResendPending() int {
	var held []*pending

	t.mu.Lock()
	for _, p := range t.pending {
		if !p.failed && p.emittedAt.IsZero() {
			held = append(held, p)
		}
	}
	slices.SortFunc(held, func(a, b *pending) int { return cmp.Compare(a.seq, b.seq) })
	if !t.policy.ResendOnReconnect {
		for _, p := range held {
			t.failLocked(p, "not sent while offline")
		}
		t.mu.Unlock()
		return 0
	}
	t.mu.Unlock()

	for _, p := range held {
		t.limiter.Take()
		t.emit(p)
	}
	if len(held) > 0 {
		t.logger.Info("resent held messages", zap.Int("count", len(held)))
	}
	return len(held)
}

func (t *Tracker) reemit(list []*pending) {
	for _, p := range list {
		t.mu.Lock()
		retries := p.retryCount
		t.mu.Unlock()
		t.store.UpdateMessage(p.conversationID, conversation.TempKey(p.tempID), func(m *conversation.Message) {
			m.Status = conversation.StatusSending
			m.RetryCount = retries
		})
		t.emit(p)
	}
}

// Pending returns a snapshot of unconfirmed messages, oldest first.
func (t *Tracker) Pending() []PendingMessage {
	t.mu.Lock()
	list := make([]*pending, 0, len(t.pending))
	for _, p := range t.pending {
		list = append(list, p)
	}
	slices.SortFunc(list, func(a, b *pending) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]PendingMessage, len(list))
	for i, p := range list {
		st := conversation.StatusSending
		if p.failed {
			st = conversation.StatusFailed
		}
		out[i] = PendingMessage{
			TempID:         p.tempID,
			ConversationID: p.conversationID,
			Content:        p.content,
			Status:         st,
			RetryCount:     p.retryCount,
			CreatedAt:      p.createdAt,
			EmittedAt:      p.emittedAt,
		}
	}
	t.mu.Unlock()
	return out
}

// Start runs the timeout sweep until ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	interval := time.Second
	if t.policy.SendTimeout > 0 && t.policy.SendTimeout/2 < interval {
		interval = t.policy.SendTimeout / 2
	}

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.CheckTimeouts(t.now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep and waits for it to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}
