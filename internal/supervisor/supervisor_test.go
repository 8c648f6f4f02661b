package supervisor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/you/huecycle/internal/config"
	"github.com/you/huecycle/internal/helix"
	"github.com/you/huecycle/internal/idcache"
	"github.com/you/huecycle/internal/tokens"
)

type rtFunc func(*http.Request) (*http.Response, error)

func (f rtFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// fakeHelix serves the full REST surface one healthy identity touches.
type fakeHelix struct {
	mu        sync.Mutex
	putColors []string
	subs      int
}

func (f *fakeHelix) roundTrip(r *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/oauth2/validate":
		return respond(200, `{"login":"alice","user_id":"1",`+
			`"scopes":["user:read:chat","user:manage:chat_color"],"expires_in":14400}`), nil

	case r.URL.Path == "/helix/users":
		return respond(200, `{"data":[{"id":"42","login":"somechannel"},{"id":"1","login":"alice"}]}`), nil

	case r.URL.Path == "/helix/chat/color" && r.Method == http.MethodGet:
		return respond(200, `{"data":[{"color":"blue"}]}`), nil

	case r.URL.Path == "/helix/chat/color" && r.Method == http.MethodPut:
		f.putColors = append(f.putColors, r.URL.Query().Get("color"))
		return respond(204, ""), nil

	case r.URL.Path == "/helix/eventsub/subscriptions" && r.Method == http.MethodGet:
		return respond(200, `{"data":[],"pagination":{}}`), nil

	case r.URL.Path == "/helix/eventsub/subscriptions" && r.Method == http.MethodPost:
		f.subs++
		return respond(202, `{"data":[{"id":"sub-1","type":"channel.chat.message","status":"enabled",`+
			`"condition":{"broadcaster_user_id":"42","user_id":"1"}}]}`), nil
	}
	return respond(404, `{"message":"no route"}`), nil
}

func (f *fakeHelix) colors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.putColors...)
}

func newTestSupervisor(t *testing.T, rt rtFunc, wsURL string) (*Supervisor, *config.Store) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "huecycle.json")
	conf := `{"users":[{"username":"alice","client_id":"0123456789ab","client_secret":"0123456789ab",` +
		`"channels":["somechannel"],"is_prime_or_turbo":false,"enabled":true,` +
		`"access_token":"acc","refresh_token":"ref"}]}`
	require.NoError(t, os.WriteFile(path, []byte(conf), 0o600))

	store := config.NewStore(path)
	_, err := store.Load()
	require.NoError(t, err)

	id, ok := store.User("alice")
	require.True(t, ok)

	client := helix.NewClient("0123456789ab", &http.Client{Transport: rt})
	cache := idcache.Open(filepath.Join(dir, "broadcasters.json"))
	return New(id, store, client, cache, wsURL, nil), store
}

func TestRunOnceChatMessageChangesColor(t *testing.T) {
	api := &fakeHelix{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		ctx := r.Context()
		c.Write(ctx, websocket.MessageText, []byte(`{"metadata":{"message_id":"m1","message_type":"session_welcome"},`+
			`"payload":{"session":{"id":"sess-1","status":"connected","keepalive_timeout_seconds":10}}}`))
		// Give the reconciler a beat to subscribe before chatting.
		time.Sleep(200 * time.Millisecond)
		c.Write(ctx, websocket.MessageText, []byte(`{"metadata":{"message_id":"m2","message_type":"notification",`+
			`"subscription_type":"channel.chat.message"},`+
			`"payload":{"subscription":{"id":"sub-1","type":"channel.chat.message"},`+
			`"event":{"broadcaster_user_login":"somechannel","chatter_user_login":"alice",`+
			`"message":{"text":"hello chat"}}}}`))
		<-ctx.Done()
	}))
	defer srv.Close()
	wsURL := "ws://" + strings.TrimPrefix(srv.URL, "http://")

	s, _ := newTestSupervisor(t, api.roundTrip, wsURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.runOnce(ctx) }()

	require.Eventually(t, func() bool { return len(api.colors()) == 1 },
		5*time.Second, 20*time.Millisecond)
	require.NotEqual(t, "blue", api.colors()[0], "first change must differ from the live color")

	state, _ := s.Status()
	require.Equal(t, "running", state)

	api.mu.Lock()
	subs := api.subs
	api.mu.Unlock()
	require.Equal(t, 1, subs)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunTerminalProvisioningStops(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises real refresh backoff")
	}

	rt := rtFunc(func(r *http.Request) (*http.Response, error) {
		switch r.URL.Path {
		case "/oauth2/validate":
			return respond(401, `{"status":401,"message":"invalid access token"}`), nil
		case "/oauth2/token":
			return respond(400, `{"status":400,"message":"Invalid refresh token"}`), nil
		case "/oauth2/device":
			return respond(400, `{"status":400,"message":"invalid client"}`), nil
		}
		return respond(404, `{}`), nil
	})

	s, _ := newTestSupervisor(t, rt, "")

	err := s.Run(context.Background())
	require.ErrorIs(t, err, tokens.ErrTerminal)

	state, lastErr := s.Status()
	require.Equal(t, "disabled", state)
	require.Error(t, lastErr)
}

func TestSetEnabledPersists(t *testing.T) {
	s, store := newTestSupervisor(t, func(r *http.Request) (*http.Response, error) {
		return respond(404, `{}`), nil
	}, "")

	s.setEnabled(false)
	require.False(t, s.enabled.Load())

	id, ok := store.User("alice")
	require.True(t, ok)
	require.False(t, id.Enabled)
}

func TestJitterWithinBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := jitter(10 * time.Second)
		require.GreaterOrEqual(t, got, 8*time.Second)
		require.Less(t, got, 12*time.Second)
	}
}
