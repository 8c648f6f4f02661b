package eventsub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func wsURL(srv *httptest.Server, path string) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://") + path
}

func sendJSON(t *testing.T, c *websocket.Conn, v string) {
	t.Helper()
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, []byte(v)))
}

func welcomeMsg(sessionID string) string {
	return `{"metadata":{"message_id":"m1","message_type":"session_welcome"},` +
		`"payload":{"session":{"id":"` + sessionID + `","status":"connected","keepalive_timeout_seconds":10}}}`
}

func TestSessionWelcomeAndNotification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		sendJSON(t, c, welcomeMsg("sess-1"))
		sendJSON(t, c, `{"metadata":{"message_id":"m2","message_type":"session_keepalive"},"payload":{}}`)
		sendJSON(t, c, `{"metadata":{"message_id":"m3","message_type":"notification","subscription_type":"channel.chat.message"},`+
			`"payload":{"subscription":{"id":"sub-1","type":"channel.chat.message"},`+
			`"event":{"chatter_user_login":"bob","message":{"text":"ccc"}}}}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	welcomes := make(chan string, 2)
	events := make(chan string, 2)
	s := New("alice", wsURL(srv, "/"), Handlers{
		OnWelcome: func(id string) { welcomes <- id },
		OnNotification: func(subType string, event json.RawMessage) {
			events <- subType + " " + string(event)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case id := <-welcomes:
		require.Equal(t, "sess-1", id)
	case <-time.After(3 * time.Second):
		t.Fatal("no welcome")
	}
	require.Equal(t, "sess-1", s.SessionID())

	select {
	case got := <-events:
		require.Contains(t, got, "channel.chat.message")
		require.Contains(t, got, `"chatter_user_login":"bob"`)
	case <-time.After(3 * time.Second):
		t.Fatal("no notification")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSessionMigratesOnReconnectMessage(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		sendJSON(t, c, welcomeMsg("sess-old"))
		sendJSON(t, c, `{"metadata":{"message_id":"m2","message_type":"session_reconnect"},`+
			`"payload":{"session":{"id":"sess-old","status":"reconnecting",`+
			`"reconnect_url":"`+wsURL(srv, "/next")+`"}}}`)
		<-r.Context().Done()
	})
	mux.HandleFunc("/next", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		sendJSON(t, c, welcomeMsg("sess-new"))
		sendJSON(t, c, `{"metadata":{"message_id":"m3","message_type":"notification","subscription_type":"channel.chat.message"},`+
			`"payload":{"subscription":{"id":"sub-1","type":"channel.chat.message"},"event":{"chatter_user_login":"carol"}}}`)
		<-r.Context().Done()
	})

	welcomes := make(chan string, 4)
	events := make(chan string, 2)
	s := New("alice", wsURL(srv, "/"), Handlers{
		OnWelcome:      func(id string) { welcomes <- id },
		OnNotification: func(_ string, event json.RawMessage) { events <- string(event) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Equal(t, "sess-old", <-welcomes)

	select {
	case id := <-welcomes:
		require.Equal(t, "sess-new", id)
	case <-time.After(3 * time.Second):
		t.Fatal("no post-migration welcome")
	}

	// Notifications keep flowing on the new connection.
	select {
	case got := <-events:
		require.Contains(t, got, "carol")
	case <-time.After(3 * time.Second):
		t.Fatal("no notification after migration")
	}
	require.Equal(t, "sess-new", s.SessionID())
}

func TestSessionSkipsMalformedFrame(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		accepts.Add(1)
		sendJSON(t, c, welcomeMsg("sess-1"))
		sendJSON(t, c, `not json at all`)
		sendJSON(t, c, `{"metadata":{"message_id":"m3","message_type":"notification","subscription_type":"channel.chat.message"},`+
			`"payload":{"subscription":{"id":"sub-1","type":"channel.chat.message"},"event":{"chatter_user_login":"dave"}}}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	events := make(chan string, 2)
	s := New("alice", wsURL(srv, "/"), Handlers{
		OnNotification: func(_ string, event json.RawMessage) { events <- string(event) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// The garbled frame is dropped; the notification queued behind it on
	// the same connection still arrives.
	select {
	case got := <-events:
		require.Contains(t, got, "dave")
	case <-time.After(3 * time.Second):
		t.Fatal("notification lost behind malformed frame")
	}
	require.Equal(t, int32(1), accepts.Load())
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		n := accepts.Add(1)
		sendJSON(t, c, welcomeMsg("sess-"+string(rune('0'+n))))
		if n == 1 {
			// Abruptly drop the first connection.
			c.Close(websocket.StatusInternalError, "going away")
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	welcomes := make(chan string, 4)
	s := New("alice", wsURL(srv, "/"), Handlers{
		OnWelcome: func(id string) { welcomes <- id },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Equal(t, "sess-1", <-welcomes)

	select {
	case id := <-welcomes:
		require.Equal(t, "sess-2", id)
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect after drop")
	}
}

func TestJitterBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base)
		require.GreaterOrEqual(t, got, 8*time.Second)
		require.Less(t, got, 12*time.Second)
	}
}
