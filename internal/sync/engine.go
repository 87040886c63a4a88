package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connection"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/typing"
)

// API is the conversation half of the HTTP API.
type API interface {
	Me(ctx context.Context, cred credential.Credential) (restapi.Identity, error)
	ListConversations(ctx context.Context, cred credential.Credential) ([]conversation.Conversation, error)
	ListMessages(ctx context.Context, cred credential.Credential, conversationID int64) ([]conversation.Message, error)
	CreateConversation(ctx context.Context, cred credential.Credential, vendorID, customerID string) (conversation.Conversation, error)
}

// Joiner sends join intents over the realtime connection.
type Joiner interface {
	Join(conversationID int64) error
}

// CredentialSource resolves the active credential.
type CredentialSource interface {
	Resolve() (credential.Credential, error)
}

// Engine routes realtime events into the conversation store. It subscribes to
// "conn." and "chat." events on the bus and handles them one at a time.
type Engine struct {
	store    *conversation.Store
	tracker  *outbox.Tracker
	typing   *typing.Tracker
	joiner   Joiner
	api      API
	creds    CredentialSource
	bus      *bus.Bus
	logger   *zap.Logger
	identity string

	mu     gosync.Mutex
	joined map[int64]struct{}

	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Store   *conversation.Store
	Tracker *outbox.Tracker
	Typing  *typing.Tracker
	Joiner  Joiner
	API     API
	Creds   CredentialSource
	Bus     *bus.Bus
	Logger  *zap.Logger
	// Identity overrides the identity discovered through the API.
	Identity string
}

// NewEngine creates a new sync engine.
func NewEngine(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    d.Store,
		tracker:  d.Tracker,
		typing:   d.Typing,
		joiner:   d.Joiner,
		api:      d.API,
		creds:    d.Creds,
		bus:      d.Bus,
		logger:   logger,
		identity: d.Identity,
		joined:   make(map[int64]struct{}),
	}
}

// Start subscribes to connection and chat events on the bus. The chat
// subscription is ordered: a burst larger than the buffer holds back the
// connection's read loop instead of losing messages.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	connCh, unsubConn := e.bus.Subscribe("conn.", 64)
	chatCh, unsubChat := e.bus.SubscribeOrdered("chat.", 1024)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubConn()
		defer unsubChat()
		for {
			select {
			case evt := <-connCh:
				e.HandleEvent(evt)
			case evt := <-chatCh:
				e.HandleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for in-flight work.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// HandleEvent applies one bus event.
func (e *Engine) HandleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageReceived:
		msg, ok := evt.Payload.(conversation.Message)
		if !ok {
			return
		}
		e.IngestMessage(msg)
	case bus.KindTypingReceived:
		te, ok := evt.Payload.(connection.TypingEvent)
		if !ok || te.Username == e.store.Self() {
			return
		}
		e.typing.SetTyping(te.ConversationID, te.Username, te.IsTyping)
	case bus.KindDeliveryReceived, bus.KindReadReceived:
		re, ok := evt.Payload.(connection.ReceiptEvent)
		if !ok {
			return
		}
		at := re.At
		if at.IsZero() {
			at = evt.Timestamp
		}
		if evt.Kind == bus.KindDeliveryReceived {
			e.tracker.MarkDelivered(re.ConversationID, re.MessageID, at)
		} else {
			e.tracker.MarkRead(re.ConversationID, re.MessageID, at)
		}
	case bus.KindConnected:
		e.onConnected()
	case bus.KindDisconnected:
		e.typing.Clear()
	}
}

// IngestMessage routes an inbound message: an echo of a local send replaces
// its temp entry, anything else is upserted. Either way the sender stops
// typing.
func (e *Engine) IngestMessage(msg conversation.Message) {
	if msg.Status == "" {
		msg.Status = conversation.StatusSent
	}
	if !e.confirm(msg) {
		e.store.UpsertMessage(msg.ConversationID, msg)
	}
	if msg.SenderID != "" {
		e.typing.SetTyping(msg.ConversationID, msg.SenderID, false)
	}
}

// confirm hands msg to the tracker as a possible echo of a pending send. A
// durable id the store already holds was matched or ingested before and must
// not claim a second pending entry.
func (e *Engine) confirm(msg conversation.Message) bool {
	if msg.ID != 0 {
		if _, ok := e.store.FindMessage(msg.ConversationID, conversation.DurableKey(msg.ID)); ok {
			return false
		}
	}
	return e.tracker.Reconcile(msg)
}

func (e *Engine) onConnected() {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.joined))
	for id := range e.joined {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.joiner.Join(id); err != nil {
			e.logger.Warn("rejoin failed", zap.Int64("conversation_id", id), zap.Error(err))
		}
	}

	// The flush is rate limited; keep it off the event loop.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tracker.ResendPending()
	}()
}

// Join records the conversation as joined and sends the join intent. While
// offline the join is deferred to the next connect.
func (e *Engine) Join(conversationID int64) error {
	e.mu.Lock()
	e.joined[conversationID] = struct{}{}
	e.mu.Unlock()

	err := e.joiner.Join(conversationID)
	if errors.Is(err, connection.ErrTransportUnavailable) {
		return nil
	}
	return err
}

// Joined reports whether the conversation is in the joined set.
func (e *Engine) Joined(conversationID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.joined[conversationID]
	return ok
}

// credential returns the active credential, or false when none resolves.
func (e *Engine) credential() (credential.Credential, bool) {
	cred, err := e.creds.Resolve()
	if err != nil {
		return "", false
	}
	return cred, true
}

func (e *Engine) apiErr(op string, err error) error {
	if restapi.IsAuthError(err) {
		e.logger.Debug("credential rejected", zap.String("op", op))
		return nil
	}
	e.logger.Warn("api request failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}

// LoadIdentity sets the store's own identity: the configured one if set,
// otherwise the account behind the credential.
func (e *Engine) LoadIdentity(ctx context.Context) (string, error) {
	if e.identity != "" {
		e.store.SetSelf(e.identity)
		return e.identity, nil
	}
	cred, ok := e.credential()
	if !ok {
		return "", nil
	}
	me, err := e.api.Me(ctx, cred)
	if err != nil {
		return "", e.apiErr("load identity", err)
	}
	e.store.SetSelf(me.ID)
	e.logger.Info("identity loaded", zap.String("id", me.ID), zap.String("role", me.Role))
	return me.ID, nil
}

// LoadConversations fetches the conversation list into the store.
func (e *Engine) LoadConversations(ctx context.Context) ([]conversation.Conversation, error) {
	cred, ok := e.credential()
	if !ok {
		return []conversation.Conversation{}, nil
	}
	start := time.Now()
	list, err := e.api.ListConversations(ctx, cred)
	if err != nil {
		return []conversation.Conversation{}, e.apiErr("load conversations", err)
	}
	for _, c := range list {
		e.store.UpsertConversation(c)
	}
	e.logger.Info("conversations loaded", zap.Int("count", len(list)), zap.Duration("took", time.Since(start)))
	return e.store.ListConversations(), nil
}

// LoadMessages fetches a conversation's history and merges it into the store.
// A page entry that is the server copy of a pending send confirms it in place;
// other unconfirmed local messages are kept.
func (e *Engine) LoadMessages(ctx context.Context, conversationID int64) ([]conversation.Message, error) {
	cred, ok := e.credential()
	if !ok {
		return e.store.GetMessages(conversationID), nil
	}
	page, err := e.api.ListMessages(ctx, cred, conversationID)
	if err != nil {
		return e.store.GetMessages(conversationID), e.apiErr("load messages", err)
	}
	rest := page[:0]
	for _, m := range page {
		m.ConversationID = conversationID
		if m.Status == "" {
			m.Status = conversation.StatusSent
		}
		if e.confirm(m) {
			continue
		}
		rest = append(rest, m)
	}
	e.store.MergeMessages(conversationID, rest)
	return e.store.GetMessages(conversationID), nil
}

// CreateConversation opens a conversation and adds it to the store.
func (e *Engine) CreateConversation(ctx context.Context, vendorID, customerID string) (conversation.Conversation, error) {
	cred, ok := e.credential()
	if !ok {
		return conversation.Conversation{}, credential.ErrUnauthenticated
	}
	c, err := e.api.CreateConversation(ctx, cred, vendorID, customerID)
	if err != nil {
		if restapi.IsAuthError(err) {
			return conversation.Conversation{}, credential.ErrUnauthenticated
		}
		return conversation.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	e.store.UpsertConversation(c)
	return c, nil
}
