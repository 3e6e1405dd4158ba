package status

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsServer upgrades every request and hands the n-th connection (1-based) to fn.
// fn returning false answers the request with 503 instead of upgrading.
func wsServer(t *testing.T, fn func(n int, conn *websocket.Conn), accept func(n int) bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		if accept != nil && !accept(n) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fn(n, conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

// send runs on the server goroutine, so failures are ignored rather than reported.
func send(conn *websocket.Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func closeWith(conn *websocket.Conn, code int) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "bye"), time.Now().Add(time.Second))
}

// drain reads until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type stateLog struct {
	mu  sync.Mutex
	all []StateChange
}

func (l *stateLog) add(s StateChange) {
	l.mu.Lock()
	l.all = append(l.all, s)
	l.mu.Unlock()
}

func (l *stateLog) of(st State) []StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []StateChange
	for _, s := range l.all {
		if s.State == st {
			out = append(out, s)
		}
	}
	return out
}

func TestReconnectDelay(t *testing.T) {
	base, capd := time.Second, 30*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{60, 30 * time.Second},
		{-1, time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ReconnectDelay(tc.attempt, base, capd), "attempt %d", tc.attempt)
	}
}

func TestOpenValidates(t *testing.T) {
	_, err := Open(context.Background(), Config{URL: "ws://127.0.0.1:1/ws"}, " ")
	require.Error(t, err)
	_, err = Open(context.Background(), Config{URL: "http://example.com"}, "exec")
	require.Error(t, err)
}

func TestSnapshotThenNodeUpdate(t *testing.T) {
	subscribed := make(chan outboundFrame, 1)
	srv, _ := wsServer(t, func(_ int, conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f outboundFrame
		_ = json.Unmarshal(msg, &f)
		subscribed <- f

		send(conn, map[string]any{"type": "CONNECTED", "clientId": "c-1"})
		send(conn, map[string]any{"type": "EXECUTION_SNAPSHOT", "data": map[string]any{
			"executionId": "exec-1",
			"status":      "running",
			"totalNodes":  2,
			"nodes": []map[string]any{
				{"nodeId": "A", "status": "success", "visual": map[string]any{"borderColor": "green", "icon": "check"}},
				{"nodeId": "B", "status": "running", "visual": map[string]any{"borderColor": "blue", "icon": "spin"}},
			},
		}})
		send(conn, map[string]any{"type": "SOMETHING_NEW", "data": 1})
		send(conn, map[string]any{"type": "NODE_UPDATE", "data": map[string]any{
			"nodeId": "B", "status": "success", "visual": map[string]any{"borderColor": "green", "icon": "check"},
		}})
		drain(conn)
	}, nil)

	var mu sync.Mutex
	var seen []NodeUpdate
	ch, err := Open(context.Background(), Config{URL: wsURL(srv)}, "exec-1", OnNode(func(n NodeUpdate) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	}))
	require.NoError(t, err)
	defer ch.Close()

	select {
	case f := <-subscribed:
		assert.Equal(t, FrameSubscribe, f.Type)
		assert.Equal(t, "exec-1", f.ExecutionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no SUBSCRIBE received")
	}

	require.Eventually(t, func() bool {
		n, ok := ch.Node("B")
		return ok && n.Status == NodeSuccess
	}, 2*time.Second, 5*time.Millisecond)

	nodes := ch.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, NodeSuccess, nodes["A"].Status)
	assert.Equal(t, "green", nodes["A"].Visual.BorderColor)
	assert.Equal(t, NodeSuccess, nodes["B"].Status)
	assert.Equal(t, StateOpen, ch.State())
	assert.Equal(t, "c-1", ch.ClientID())

	exec, ok := ch.Execution()
	require.True(t, ok)
	assert.Equal(t, "running", exec.Status)
	assert.Equal(t, 2, exec.TotalNodes)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionNotFoundIsTerminal(t *testing.T) {
	srv, hits := wsServer(t, func(_ int, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		closeWith(conn, CloseSessionNotFound)
	}, nil)

	var log stateLog
	ch, err := Open(context.Background(), Config{URL: wsURL(srv), BaseDelay: 5 * time.Millisecond}, "exec", OnState(log.add))
	require.NoError(t, err)
	defer ch.Close()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not stop")
	}
	assert.True(t, errors.Is(ch.Err(), ErrSessionNotFound))
	assert.Equal(t, StateNotFound, ch.State())
	assert.Empty(t, log.of(StateReconnecting))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestUnexpectedCloseReconnectsWithBackoff(t *testing.T) {
	srv, hits := wsServer(t, func(_ int, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		closeWith(conn, websocket.CloseInternalServerErr)
	}, func(n int) bool { return n == 1 })

	var log stateLog
	cfg := Config{URL: wsURL(srv), BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond, MaxAttempts: 3}
	ch, err := Open(context.Background(), cfg, "exec", OnState(log.add))
	require.NoError(t, err)
	defer ch.Close()

	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not give up")
	}

	re := log.of(StateReconnecting)
	require.Len(t, re, 3)
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	for i, s := range re {
		assert.Equal(t, i+1, s.Attempt)
		assert.Equal(t, want[i], s.Delay)
	}
	assert.True(t, errors.Is(ch.Err(), ErrUnreachable))
	assert.Equal(t, StateUnreachable, ch.State())
	assert.Equal(t, int32(4), hits.Load())
}

func TestAttemptResetsOnOpen(t *testing.T) {
	srv, hits := wsServer(t, func(_ int, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		closeWith(conn, websocket.CloseGoingAway)
	}, nil)

	var log stateLog
	cfg := Config{URL: wsURL(srv), BaseDelay: 5 * time.Millisecond, MaxAttempts: 1}
	ch, err := Open(context.Background(), cfg, "exec", OnState(log.add))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hits.Load() >= 4 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, ch.Close())

	for _, s := range log.of(StateReconnecting) {
		assert.Equal(t, 1, s.Attempt)
		assert.Equal(t, 5*time.Millisecond, s.Delay)
	}
	assert.NoError(t, ch.Err())
	assert.Equal(t, StateClosed, ch.State())
}

func TestHeartbeatPings(t *testing.T) {
	var pings atomic.Int32
	srv, _ := wsServer(t, func(_ int, conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f outboundFrame
			_ = json.Unmarshal(msg, &f)
			if f.Type == FramePing {
				pings.Add(1)
				send(conn, map[string]any{"type": "PONG"})
			}
		}
	}, nil)

	ch, err := Open(context.Background(), Config{URL: wsURL(srv), Heartbeat: 20 * time.Millisecond}, "exec")
	require.NoError(t, err)
	defer ch.Close()

	require.Eventually(t, func() bool { return pings.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !ch.LastPong().IsZero() }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseIsIdempotentAndDiscardsState(t *testing.T) {
	srv, hits := wsServer(t, func(_ int, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		send(conn, map[string]any{"type": "NODE_UPDATE", "data": map[string]any{"nodeId": "A", "status": "running"}})
		drain(conn)
	}, nil)

	ch, err := Open(context.Background(), Config{URL: wsURL(srv), BaseDelay: 5 * time.Millisecond}, "exec")
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := ch.Node("A"); return ok }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.Equal(t, StateClosed, ch.State())
	assert.Empty(t, ch.Nodes())
	assert.NoError(t, ch.Err())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}
