package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connection"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/typing"
)

const self = "vendor-1"

// fakeConn stands in for the connection manager.
type fakeConn struct {
	mu        gosync.Mutex
	connected bool
	joins     []int64
	sent      []connection.OutboundMessage
}

func (c *fakeConn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeConn) Join(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return connection.ErrTransportUnavailable
	}
	c.joins = append(c.joins, id)
	return nil
}

func (c *fakeConn) SendMessage(m connection.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return connection.ErrTransportUnavailable
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeConn) Joins() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.joins...)
}

func (c *fakeConn) Sent() []connection.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]connection.OutboundMessage(nil), c.sent...)
}

type fakeAPI struct {
	convs []conversation.Conversation
	msgs  []conversation.Message
	err   error
}

func (f *fakeAPI) Me(context.Context, credential.Credential) (restapi.Identity, error) {
	return restapi.Identity{ID: "vendor-from-api", Role: "vendor"}, f.err
}

func (f *fakeAPI) ListConversations(context.Context, credential.Credential) ([]conversation.Conversation, error) {
	return f.convs, f.err
}

func (f *fakeAPI) ListMessages(context.Context, credential.Credential, int64) ([]conversation.Message, error) {
	return f.msgs, f.err
}

func (f *fakeAPI) CreateConversation(_ context.Context, _ credential.Credential, v, c string) (conversation.Conversation, error) {
	return conversation.Conversation{ID: 77, VendorID: v, CustomerID: c}, f.err
}

type creds credential.Credential

func (c creds) Resolve() (credential.Credential, error) {
	if c == "" {
		return "", credential.ErrUnauthenticated
	}
	return credential.Credential(c), nil
}

type fixture struct {
	engine  *Engine
	store   *conversation.Store
	tracker *outbox.Tracker
	typing  *typing.Tracker
	conn    *fakeConn
	api     *fakeAPI
	bus     *bus.Bus
}

func newFixture(t *testing.T, identity string) *fixture {
	t.Helper()
	b := bus.New()
	s := conversation.NewStore(self, b)
	conn := &fakeConn{connected: true}
	tr := outbox.NewTracker(s, conn, b, nil, outbox.Policy{
		SendTimeout:       30 * time.Second,
		MatchWindow:       2 * time.Minute,
		ResendOnReconnect: true,
	})
	ty := typing.NewTracker(5*time.Second, b)
	api := &fakeAPI{}
	e := NewEngine(Deps{
		Store: s, Tracker: tr, Typing: ty, Joiner: conn, API: api,
		Creds: creds("tok"), Bus: b, Identity: identity,
	})
	t.Cleanup(e.Stop)
	return &fixture{engine: e, store: s, tracker: tr, typing: ty, conn: conn, api: api, bus: b}
}

func received(msg conversation.Message) bus.Event {
	return bus.Event{Kind: bus.KindMessageReceived, Timestamp: time.Now(), Payload: msg}
}

func TestInboundMessageFromOtherUser(t *testing.T) {
	f := newFixture(t, "")
	f.typing.SetTyping(42, "cust-1", true)

	f.engine.HandleEvent(received(conversation.Message{ID: 1, ConversationID: 42, SenderID: "cust-1", Content: "hello", CreatedAt: time.Now()}))

	msgs := f.store.GetMessages(42)
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.StatusSent, msgs[0].Status)
	c, _ := f.store.GetConversation(42)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Empty(t, f.typing.GetTyping(42))
}

func TestOfflineSendEchoAfterReconnect(t *testing.T) {
	f := newFixture(t, "")
	f.conn.setConnected(false)

	msg, err := f.tracker.Send(42, "Hi", outbox.SendOptions{})
	require.NoError(t, err)
	require.Equal(t, conversation.StatusSending, msg.Status)

	f.conn.setConnected(true)
	f.engine.HandleEvent(bus.Event{Kind: bus.KindConnected})
	f.engine.wg.Wait()
	sent := f.conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, msg.TempID, sent[0].ClientID)

	f.engine.HandleEvent(received(conversation.Message{ID: 900, ConversationID: 42, SenderID: self, Content: "Hi", CreatedAt: time.Now()}))

	msgs := f.store.GetMessages(42)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(900), msgs[0].ID)
	assert.Equal(t, conversation.StatusSent, msgs[0].Status)
	_, found := f.store.FindMessage(42, conversation.TempKey(msg.TempID))
	assert.False(t, found)
	c, _ := f.store.GetConversation(42)
	assert.Zero(t, c.UnreadCount)
}

func TestJoinDeferredUntilConnected(t *testing.T) {
	f := newFixture(t, "")
	f.conn.setConnected(false)

	require.NoError(t, f.engine.Join(42))
	assert.True(t, f.engine.Joined(42))
	assert.Empty(t, f.conn.Joins())

	f.conn.setConnected(true)
	f.engine.HandleEvent(bus.Event{Kind: bus.KindConnected})
	assert.Equal(t, []int64{42}, f.conn.Joins())
}

func TestTypingEvents(t *testing.T) {
	f := newFixture(t, "")
	f.engine.HandleEvent(bus.Event{Kind: bus.KindTypingReceived, Payload: connection.TypingEvent{ConversationID: 1, Username: "cust-1", IsTyping: true}})
	f.engine.HandleEvent(bus.Event{Kind: bus.KindTypingReceived, Payload: connection.TypingEvent{ConversationID: 1, Username: self, IsTyping: true}})
	assert.Equal(t, []string{"cust-1"}, f.typing.GetTyping(1))

	f.engine.HandleEvent(bus.Event{Kind: bus.KindDisconnected})
	assert.Empty(t, f.typing.GetTyping(1))
}

func TestReceiptEvents(t *testing.T) {
	f := newFixture(t, "")
	f.store.UpsertMessage(1, conversation.Message{ID: 5, SenderID: self, Content: "x", Status: conversation.StatusSent})

	ts := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	f.engine.HandleEvent(bus.Event{Kind: bus.KindDeliveryReceived, Timestamp: ts, Payload: connection.ReceiptEvent{ConversationID: 1, MessageID: 5}})
	got, _ := f.store.FindMessage(1, conversation.DurableKey(5))
	assert.Equal(t, conversation.StatusDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, ts, *got.DeliveredAt)

	f.engine.HandleEvent(bus.Event{Kind: bus.KindReadReceived, Timestamp: ts, Payload: connection.ReceiptEvent{ConversationID: 1, MessageID: 5}})
	got, _ = f.store.FindMessage(1, conversation.DurableKey(5))
	assert.Equal(t, conversation.StatusRead, got.Status)
}

func TestLoadMessagesKeepsPendingSends(t *testing.T) {
	f := newFixture(t, "")
	f.conn.setConnected(false)
	_, err := f.tracker.Send(42, "draft", outbox.SendOptions{})
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	f.api.msgs = []conversation.Message{
		{ID: 1, ConversationID: 42, SenderID: "cust-1", Content: "a", CreatedAt: base},
		{ID: 2, ConversationID: 42, SenderID: self, Content: "b", CreatedAt: base.Add(time.Minute), Status: conversation.StatusRead},
	}
	msgs, err := f.engine.LoadMessages(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, conversation.StatusSent, msgs[0].Status)
	assert.Equal(t, conversation.StatusRead, msgs[1].Status)
	assert.Equal(t, "draft", msgs[2].Content)
}

func TestLoadMessagesConfirmsPendingSend(t *testing.T) {
	f := newFixture(t, "")
	msg, err := f.tracker.Send(42, "Hi", outbox.SendOptions{})
	require.NoError(t, err)
	require.Len(t, f.conn.Sent(), 1)

	f.api.msgs = []conversation.Message{
		{ID: 900, SenderID: self, Content: "Hi", CreatedAt: msg.CreatedAt},
	}
	msgs, err := f.engine.LoadMessages(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(900), msgs[0].ID)
	assert.Equal(t, msg.TempID, msgs[0].TempID)
	assert.Equal(t, conversation.StatusSent, msgs[0].Status)
	assert.Empty(t, f.tracker.Pending())

	// The socket echo arriving afterwards merges into the same entry.
	f.engine.HandleEvent(received(conversation.Message{ID: 900, ConversationID: 42, SenderID: self, Content: "Hi", CreatedAt: msg.CreatedAt}))
	assert.Len(t, f.store.GetMessages(42), 1)
}

func TestKnownIDDoesNotConfirmAnotherPendingSend(t *testing.T) {
	f := newFixture(t, "")
	first, err := f.tracker.Send(42, "Hi", outbox.SendOptions{})
	require.NoError(t, err)
	f.engine.HandleEvent(received(conversation.Message{ID: 900, ConversationID: 42, SenderID: self, Content: "Hi", CreatedAt: first.CreatedAt}))

	second, err := f.tracker.Send(42, "Hi", outbox.SendOptions{})
	require.NoError(t, err)

	f.api.msgs = []conversation.Message{
		{ID: 900, SenderID: self, Content: "Hi", CreatedAt: first.CreatedAt},
	}
	msgs, err := f.engine.LoadMessages(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	pending := f.tracker.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, second.TempID, pending[0].TempID)
	got, ok := f.store.FindMessage(42, conversation.TempKey(second.TempID))
	require.True(t, ok)
	assert.Equal(t, conversation.StatusSending, got.Status)
}

func TestLoadConversationsAuthFailureIsSilent(t *testing.T) {
	f := newFixture(t, "")
	f.api.err = &restapi.RequestError{StatusCode: 401}
	list, err := f.engine.LoadConversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	f.api.err = errors.New("boom")
	_, err = f.engine.LoadConversations(context.Background())
	assert.Error(t, err)
}

func TestLoadIdentity(t *testing.T) {
	f := newFixture(t, "")
	id, err := f.engine.LoadIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vendor-from-api", id)
	assert.Equal(t, "vendor-from-api", f.store.Self())

	g := newFixture(t, "configured")
	id, err = g.engine.LoadIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "configured", id)
}

func TestCreateConversation(t *testing.T) {
	f := newFixture(t, "")
	c, err := f.engine.CreateConversation(context.Background(), "v1", "c1")
	require.NoError(t, err)
	got, ok := f.store.GetConversation(c.ID)
	require.True(t, ok)
	assert.Equal(t, "c1", got.CustomerID)
}

func TestEngineViaBus(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, "")
	f.engine.Start(context.Background())

	ch, unsub := f.bus.Subscribe(bus.KindUnreadChanged, 4)
	defer unsub()
	f.bus.Emit(bus.KindMessageReceived, conversation.Message{ID: 3, ConversationID: 9, SenderID: "cust-1", Content: "yo"})

	select {
	case evt := <-ch:
		assert.Equal(t, conversation.UnreadEvent{ConversationID: 9, Count: 1}, evt.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the store")
	}
	f.engine.Stop()
}

func TestEngineIngestsBurstWithoutLoss(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, "")
	f.engine.Start(context.Background())

	const n = 1500
	base := time.Now()
	for i := 1; i <= n; i++ {
		f.bus.Emit(bus.KindMessageReceived, conversation.Message{
			ID: int64(i), ConversationID: 9, SenderID: "cust-1", Content: "burst",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
	}

	require.Eventually(t, func() bool {
		return len(f.store.GetMessages(9)) == n
	}, 5*time.Second, 10*time.Millisecond)
	c, _ := f.store.GetConversation(9)
	assert.Equal(t, n, c.UnreadCount)
	f.engine.Stop()
}
