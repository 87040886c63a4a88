package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/status"
)

func TestObserve(t *testing.T) {
	c := New(nil)
	c.Observe(bus.Event{Kind: bus.KindStateChanged, Payload: status.StatusChange{From: status.Connecting, To: status.Connected}})
	c.Observe(bus.Event{Kind: bus.KindMessageFailed})
	c.Observe(bus.Event{Kind: bus.KindMessageFailed})
	c.Observe(bus.Event{Kind: bus.KindNotifyUnreadChanged, Payload: notify.UnreadEvent{Count: 3}})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.connected))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues(bus.KindMessageFailed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.notifUnread))

	c.Observe(bus.Event{Kind: bus.KindStateChanged, Payload: status.StatusChange{From: status.Connected, To: status.Disconnected}})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.connected))
}

func TestCollectorFollowsBus(t *testing.T) {
	b := bus.New()
	c := New(b)
	c.Start(context.Background())
	defer c.Stop()

	m := status.NewMachine(b)
	require.NoError(t, m.Transition(status.Connecting))
	require.NoError(t, m.Transition(status.Connected))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(c.connected) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHandler(t *testing.T) {
	c := New(nil)
	c.Observe(bus.Event{Kind: bus.KindMessageSent})

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.True(t, strings.Contains(string(body), `chatsync_events_total{kind="message.sent"} 1`))
}

func TestDroppedEventsExported(t *testing.T) {
	b := bus.New()
	c := New(b)
	_, unsub := b.Subscribe("test.", 1)
	defer unsub()
	b.Emit("test.a", nil)
	b.Emit("test.b", nil)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(body), "chatsync_bus_dropped_events_total 1")
}
