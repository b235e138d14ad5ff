package miniserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/loxrelay/internal/infrastructure/config"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateHandshaking, "handshaking"},
		{StateAuthenticated, "authenticated"},
		{StateConnected, "connected"},
		{StateRefreshing, "refreshing"},
		{StateReconnecting, "reconnecting"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNextBackoffCapped(t *testing.T) {
	backoff := initialBackoff
	for range 20 {
		backoff = nextBackoff(backoff)
		if backoff > maxBackoff {
			t.Fatalf("backoff %v exceeds cap %v", backoff, maxBackoff)
		}
	}
	if backoff != maxBackoff {
		t.Errorf("backoff settled at %v, want cap %v", backoff, maxBackoff)
	}
}

func TestJitterStaysNearBase(t *testing.T) {
	base := 10 * time.Second
	for range 100 {
		d := jitter(base)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("jitter(%v) = %v, want within ±20%%", base, d)
		}
	}
}

func TestForwardUsesHTTPWhenWebSocketDisabled(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	connector := New(config.MiniserverConfig{
		Host:                   u.Hostname(),
		Port:                   port,
		UseWebsocket:           false,
		MaxParallelConnections: 2,
	}, config.DebugConfig{}, nil)

	res := connector.Forward(context.Background(), "home_light", "1")
	if !res.OK || res.Code != 200 {
		t.Errorf("result = %+v, want OK 200", res)
	}
	if gotPath != "/dev/sps/io/home_light/1" {
		t.Errorf("path = %q, want /dev/sps/io/home_light/1", gotPath)
	}
}

func TestRunReturnsOnCancelWithoutWebSocket(t *testing.T) {
	connector := New(config.MiniserverConfig{Host: "127.0.0.1"}, config.DebugConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- connector.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got := connector.State(); got != StateDisconnected {
		t.Errorf("state after Run = %v, want disconnected", got)
	}
}

// newServeSession dials a real WebSocket against an in-process server and
// builds a session the serve loop can own. The server reads everything the
// client writes and, when answerKeepalives is set, replies to each
// keepalive with a keepalive header frame.
func newServeSession(t *testing.T, answerKeepalives bool) (*Connector, *session) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if answerKeepalives && msgType == websocket.TextMessage && string(data) == "keepalive" {
				pong := encodeHeader(Header{Type: FrameKeepalive})
				if err := ws.WriteMessage(websocket.BinaryMessage, pong); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	connector := New(config.MiniserverConfig{Host: "127.0.0.1", UseWebsocket: true}, config.DebugConfig{}, nil)
	connector.keepaliveEvery = 10 * time.Millisecond

	sess := &session{
		ws:     ws,
		token:  Token{Expiry: time.Now().Add(time.Hour)},
		frames: make(chan textFrame, 8),
		pongs:  make(chan struct{}, 1),
		errc:   make(chan error, 1),
	}
	return connector, sess
}

func TestServeKeepaliveTimeout(t *testing.T) {
	connector, sess := newServeSession(t, false)

	done := make(chan error, 1)
	go func() { done <- connector.serve(context.Background(), sess) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrKeepaliveTimeout) {
			t.Errorf("serve returned %v, want ErrKeepaliveTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not end after unanswered keepalives")
	}
}

func TestServeKeepalivePongResetsCount(t *testing.T) {
	connector, sess := newServeSession(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- connector.serve(ctx, sess) }()

	// Outlast the missed-pong budget several times over; answered pings
	// must keep the session alive.
	select {
	case err := <-done:
		t.Fatalf("serve ended early: %v", err)
	case <-time.After(20 * connector.keepaliveEvery):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
