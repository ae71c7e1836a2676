package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peeprelay/pkg/broker"
	"github.com/tomaslejdung/peeprelay/pkg/protocol"
)

func startBroker(t *testing.T) (*broker.Server, string) {
	t.Helper()
	srv := broker.New(broker.DefaultOptions(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func connect(t *testing.T, url, id string) *Client {
	t.Helper()
	ctx := testContext(t)
	c, err := Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Register(id, "", map[string]string{"role": "test"}))
	msg, err := c.WaitFor(ctx, protocol.TypeRegistered)
	require.NoError(t, err)
	require.Equal(t, id, msg.ID)
	return c
}

func TestSessionHandshake(t *testing.T) {
	_, url := startBroker(t)
	ctx := testContext(t)
	host := connect(t, url, "host")
	viewer := connect(t, url, "viewer")

	require.NoError(t, viewer.Connect("host", "tiger-42"))
	incoming, err := host.WaitFor(ctx, protocol.TypeIncoming)
	require.NoError(t, err)
	assert.Equal(t, "viewer", incoming.From)
	assert.Equal(t, "tiger-42", incoming.Password)

	require.NoError(t, host.Accept(incoming.From))
	hostSession, err := host.WaitFor(ctx, protocol.TypeSession)
	require.NoError(t, err)
	viewerSession, err := viewer.WaitFor(ctx, protocol.TypeSession)
	require.NoError(t, err)

	assert.Equal(t, hostSession.Key, viewerSession.Key)
	assert.Equal(t, "viewer", hostSession.Peer)
	assert.Equal(t, "host", viewerSession.Peer)
}

func TestForwardAndBinary(t *testing.T) {
	_, url := startBroker(t)
	ctx := testContext(t)
	a := connect(t, url, "a")
	b := connect(t, url, "b")

	require.NoError(t, a.Forward("b", map[string]any{"sdp": "v=0", "n": 1}))
	ev, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventText, ev.Kind)
	assert.JSONEq(t, `{"sdp":"v=0","n":1}`, string(ev.Text))

	require.NoError(t, a.SendBinary("b", []byte{0, 1, 2, '\n', 3}))
	ev, err = b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventBinary, ev.Kind)
	assert.Equal(t, "b", ev.Target)
	assert.Equal(t, []byte{0, 1, 2, '\n', 3}, ev.Body)
}

func TestListIDs(t *testing.T) {
	_, url := startBroker(t)
	connect(t, url, "one")
	c := connect(t, url, "two")

	require.NoError(t, c.List())
	msg, err := c.WaitFor(testContext(t), protocol.TypeList)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, msg.IDs)
}

func TestConnectUnknownTarget(t *testing.T) {
	_, url := startBroker(t)
	c := connect(t, url, "viewer")

	require.NoError(t, c.Connect("ghost", ""))
	_, err := c.WaitFor(testContext(t), protocol.TypeIncoming)

	var reply *ReplyError
	require.True(t, errors.As(err, &reply), "got %v", err)
	assert.Equal(t, protocol.ReasonTargetNotOnline, reply.Reason)
	assert.Equal(t, "ghost", reply.Target)
	assert.Equal(t, "broker: target_not_online (ghost)", reply.Error())
}

func TestNextAfterBrokerShutdown(t *testing.T) {
	srv, url := startBroker(t)
	c := connect(t, url, "a")

	ctx := testContext(t)
	done := make(chan error, 1)
	go func() {
		_, err := c.Next(ctx)
		done <- err
	}()

	require.NoError(t, srv.Shutdown(ctx))
	assert.ErrorIs(t, <-done, ErrClosed)
}

func TestNextHonoursContext(t *testing.T) {
	_, url := startBroker(t)
	c := connect(t, url, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassify(t *testing.T) {
	ev, ok := classify(websocket.TextMessage, []byte(`{"type":"session","key":"k","peer":"p"}`))
	require.True(t, ok)
	assert.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, "k", ev.Message.Key)

	ev, ok = classify(websocket.TextMessage, []byte(`{"type":"offer","sdp":"x"}`))
	require.True(t, ok)
	assert.Equal(t, EventText, ev.Kind)

	ev, ok = classify(websocket.TextMessage, []byte(`[1,2]`))
	require.True(t, ok)
	assert.Equal(t, EventText, ev.Kind)

	_, ok = classify(websocket.BinaryMessage, []byte("no header"))
	assert.False(t, ok)
}

func TestGenerateID(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Z]+-[A-Z]+-\d{2}$`)
	for i := 0; i < 50; i++ {
		assert.Regexp(t, pattern, GenerateID())
	}
}

func TestGeneratePassword(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+-\d{2}$`)
	for i := 0; i < 50; i++ {
		assert.Regexp(t, pattern, GeneratePassword())
	}
}
