package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	in        chan transport.Frame
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	sent []transport.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan transport.Frame, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Emit(f transport.Frame) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Receive() (transport.Frame, error) {
	select {
	case f := <-c.in:
		if f.Event == "" {
			return transport.Frame{}, transport.ErrMalformedFrame
		}
		return f, nil
	case err := <-c.errs:
		return transport.Frame{}, err
	case <-c.closed:
		return transport.Frame{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Sent() []transport.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Frame(nil), c.sent...)
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	err    error
	tokens []string
}

func (d *fakeDialer) Dial(_ context.Context, token string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) Last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func setup(t *testing.T) (*Manager, *fakeDialer, *bus.Bus) {
	t.Helper()
	b := bus.New()
	d := &fakeDialer{}
	m := NewManager(d, status.NewMachine(b), b, nil)
	t.Cleanup(m.Close)
	return m, d, b
}

func next(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func frame(t *testing.T, event string, data any) transport.Frame {
	t.Helper()
	f, err := transport.NewFrame(event, data)
	require.NoError(t, err)
	return f
}

func TestConnectWithoutCredential(t *testing.T) {
	m, d, _ := setup(t)
	err := m.Connect(context.Background(), "")
	assert.ErrorIs(t, err, credential.ErrUnauthenticated)
	assert.Zero(t, d.Dials())
	assert.Equal(t, status.Disconnected, m.State())
}

func TestConnectIsNoOpWhenConnected(t *testing.T) {
	m, d, b := setup(t)
	ch, unsub := b.Subscribe(bus.KindConnected, 4)
	defer unsub()

	require.NoError(t, m.Connect(context.Background(), "tok"))
	next(t, ch)
	require.NoError(t, m.Connect(context.Background(), "tok"))

	assert.True(t, m.IsConnected())
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, []string{"tok"}, d.tokens)
}

func TestConnectDialFailure(t *testing.T) {
	m, d, b := setup(t)
	d.err = errors.New("refused")
	ch, unsub := b.Subscribe(bus.KindDisconnected, 4)
	defer unsub()

	err := m.Connect(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, status.Disconnected, m.State())
	evt := next(t, ch)
	assert.Equal(t, DisconnectEvent{Reason: "refused"}, evt.Payload)
}

func TestActionsWhileDisconnected(t *testing.T) {
	m, _, _ := setup(t)
	assert.ErrorIs(t, m.Join(1), ErrTransportUnavailable)
	assert.ErrorIs(t, m.Send(1, "hi"), ErrTransportUnavailable)
	assert.ErrorIs(t, m.SetTyping(1, true), ErrTransportUnavailable)
}

func TestOutboundFrames(t *testing.T) {
	m, d, _ := setup(t)
	require.NoError(t, m.Connect(context.Background(), "tok"))

	require.NoError(t, m.Join(42))
	require.NoError(t, m.SendMessage(OutboundMessage{ConversationID: 42, Content: "Hi", ClientID: "tmp-1"}))
	require.NoError(t, m.SetTyping(42, true))

	sent := d.Last().Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, transport.EventJoinConversation, sent[0].Event)
	assert.JSONEq(t, `{"conversationId":42}`, string(sent[0].Data))
	assert.Equal(t, transport.EventSendMessage, sent[1].Event)
	assert.JSONEq(t, `{"conversationId":42,"content":"Hi","clientId":"tmp-1"}`, string(sent[1].Data))
	assert.Equal(t, transport.EventTyping, sent[2].Event)
	assert.JSONEq(t, `{"conversationId":42,"isTyping":true}`, string(sent[2].Data))
}

func TestInboundEventsInOrder(t *testing.T) {
	m, d, b := setup(t)
	ch, unsub := b.Subscribe("chat.", 16)
	defer unsub()
	require.NoError(t, m.Connect(context.Background(), "tok"))

	conn := d.Last()
	conn.in <- frame(t, transport.EventNewMessage, map[string]any{"id": 1, "conversationId": 42, "senderId": "c", "content": "one"})
	conn.in <- transport.Frame{}
	conn.in <- frame(t, transport.EventNewMessage, map[string]any{"id": 2, "conversationId": 42, "senderId": "c", "content": "two"})
	conn.in <- frame(t, transport.EventNewMessage, map[string]any{"id": 3, "content": "no conversation"})
	conn.in <- frame(t, transport.EventTyping, TypingEvent{ConversationID: 42, Username: "c", IsTyping: true})
	conn.in <- frame(t, transport.EventMessageRead, ReceiptEvent{ConversationID: 42, MessageID: 2})

	first := next(t, ch)
	assert.Equal(t, bus.KindMessageReceived, first.Kind)
	assert.Equal(t, "one", first.Payload.(conversation.Message).Content)

	second := next(t, ch)
	assert.Equal(t, "two", second.Payload.(conversation.Message).Content)

	typing := next(t, ch)
	assert.Equal(t, bus.KindTypingReceived, typing.Kind)
	assert.Equal(t, TypingEvent{ConversationID: 42, Username: "c", IsTyping: true}, typing.Payload)

	read := next(t, ch)
	assert.Equal(t, bus.KindReadReceived, read.Kind)
	assert.Equal(t, int64(2), read.Payload.(ReceiptEvent).MessageID)
}

func TestRemoteDropThenReconnect(t *testing.T) {
	m, d, b := setup(t)
	ch, unsub := b.Subscribe("conn.", 16)
	defer unsub()
	require.NoError(t, m.Connect(context.Background(), "tok"))

	d.Last().errs <- io.ErrUnexpectedEOF

	var kinds []string
	for len(kinds) == 0 || kinds[len(kinds)-1] != bus.KindDisconnected {
		kinds = append(kinds, next(t, ch).Kind)
	}
	assert.Contains(t, kinds, bus.KindConnected)
	assert.False(t, m.IsConnected())
	assert.ErrorIs(t, m.Join(1), ErrTransportUnavailable)

	require.NoError(t, m.Connect(context.Background(), "tok2"))
	assert.True(t, m.IsConnected())
	assert.Equal(t, 2, d.Dials())
}

func TestDisconnectEmitsOnce(t *testing.T) {
	m, _, b := setup(t)
	require.NoError(t, m.Connect(context.Background(), "tok"))
	ch, unsub := b.Subscribe(bus.KindDisconnected, 4)
	defer unsub()

	m.Disconnect()
	m.Disconnect()

	evt := next(t, ch)
	assert.Equal(t, DisconnectEvent{}, evt.Payload)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, status.Disconnected, m.State())
}

// gatedDialer holds the first dial until release is closed.
type gatedDialer struct {
	fakeDialer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *gatedDialer) Dial(ctx context.Context, token string) (transport.Conn, error) {
	first := false
	d.once.Do(func() { first = true })
	if first {
		close(d.entered)
		<-d.release
	}
	return d.fakeDialer.Dial(ctx, token)
}

func isClosed(c *fakeConn) bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func TestDisconnectDuringDialAbortsConnect(t *testing.T) {
	b := bus.New()
	d := &gatedDialer{entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(d, status.NewMachine(b), b, nil)
	defer m.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect(context.Background(), "tok") }()
	<-d.entered

	m.Disconnect()
	assert.Equal(t, status.Disconnected, m.State())
	close(d.release)

	assert.ErrorIs(t, <-errCh, errAborted)
	assert.Equal(t, status.Disconnected, m.State())
	require.Equal(t, 1, d.Dials())
	assert.True(t, isClosed(d.Last()), "aborted dial must not leave a live connection")

	require.NoError(t, m.Connect(context.Background(), "tok"))
	assert.True(t, m.IsConnected())
	assert.Equal(t, 2, d.Dials())
}

func TestConcurrentConnectDisconnectKeepsOneConn(t *testing.T) {
	for i := 0; i < 200; i++ {
		b := bus.New()
		d := &fakeDialer{}
		m := NewManager(d, status.NewMachine(b), b, nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Connect(context.Background(), "tok")
		}()
		go func() {
			defer wg.Done()
			m.Disconnect()
		}()
		wg.Wait()

		m.mu.Lock()
		live := m.conn
		m.mu.Unlock()
		require.Equal(t, m.IsConnected(), live != nil, "iteration %d: state and connection disagree", i)

		d.mu.Lock()
		for _, c := range d.conns {
			if transport.Conn(c) != live {
				require.True(t, isClosed(c), "iteration %d: stale connection left open", i)
			}
		}
		d.mu.Unlock()

		m.Close()
	}
}

func TestOutboundMessageJSON(t *testing.T) {
	out, err := json.Marshal(OutboundMessage{ConversationID: 1, Content: "x", Type: conversation.TypeAttachment,
		Attachments: []conversation.Attachment{{URL: "https://cdn/x.pdf"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"conversationId":1,"content":"x","type":"attachment","attachments":[{"url":"https://cdn/x.pdf"}]}`, string(out))
}
