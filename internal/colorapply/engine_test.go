package colorapply

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/you/huecycle/internal/config"
	"github.com/you/huecycle/internal/helix"
	"github.com/you/huecycle/internal/palette"
)

type fakePut struct {
	mu     sync.Mutex
	colors []string
	errs   []error // consumed per call; nil means success
}

func (f *fakePut) PutColor(_ context.Context, _, _, color string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.colors = append(f.colors, color)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakePut) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.colors...)
}

func newTestEngine(t *testing.T, api API, prime bool) (*Engine, *config.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "huecycle.json")
	primeJSON := "false"
	if prime {
		primeJSON = "true"
	}
	conf := `{"users":[{"username":"alice","client_id":"0123456789ab","client_secret":"0123456789ab",` +
		`"channels":["foo"],"is_prime_or_turbo":` + primeJSON + `,"enabled":true,` +
		`"access_token":"acc","refresh_token":"ref"}]}`
	require.NoError(t, os.WriteFile(path, []byte(conf), 0o600))
	store := config.NewStore(path)
	_, err := store.Load()
	require.NoError(t, err)

	id, ok := store.User("alice")
	require.True(t, ok)

	e := New(api, store, id,
		func() string { return "acc" },
		func() string { return "1" },
		nil)
	return e, store
}

func TestAutoPickAvoidsLastColor(t *testing.T) {
	api := &fakePut{}
	e, _ := newTestEngine(t, api, false)
	e.SetLastColor("red")

	e.apply(context.Background(), request{})

	calls := api.calls()
	require.Len(t, calls, 1)
	require.NotEqual(t, "red", calls[0])
	_, isPreset := palette.IsPreset(calls[0])
	require.True(t, isPreset, "non-prime pick must be a preset, got %q", calls[0])
	require.Equal(t, calls[0], e.LastColor())
}

func TestPrimePicksHex(t *testing.T) {
	api := &fakePut{}
	e, _ := newTestEngine(t, api, true)

	e.apply(context.Background(), request{})

	calls := api.calls()
	require.Len(t, calls, 1)
	require.True(t, strings.HasPrefix(calls[0], "#"), "prime pick must be hex, got %q", calls[0])
}

func TestExplicitSameColorIsNoop(t *testing.T) {
	api := &fakePut{}
	e, _ := newTestEngine(t, api, false)
	e.SetLastColor("red")

	e.apply(context.Background(), request{explicit: true, color: "red"})
	require.Empty(t, api.calls())

	e.apply(context.Background(), request{explicit: true, color: "blue"})
	require.Equal(t, []string{"blue"}, api.calls())
}

func TestHexDemotionAfterTwoStrikes(t *testing.T) {
	hexErr := &helix.APIError{Kind: helix.KindHexUnavailable, Op: "put_color", Status: 400}
	api := &fakePut{errs: []error{hexErr, hexErr}}
	e, store := newTestEngine(t, api, true)

	// First strike: rejected, no fallback yet.
	e.apply(context.Background(), request{})
	require.Len(t, api.calls(), 1)

	// Second strike: demotion plus an immediate preset fallback.
	e.apply(context.Background(), request{})
	calls := api.calls()
	require.Len(t, calls, 3)
	require.True(t, strings.HasPrefix(calls[1], "#"))
	_, isPreset := palette.IsPreset(calls[2])
	require.True(t, isPreset, "fallback must be a preset, got %q", calls[2])

	id, ok := store.User("alice")
	require.True(t, ok)
	require.False(t, id.IsPrimeOrTurbo)
	require.Equal(t, 2, id.HexRejectionStrikes)

	// Future picks stay preset.
	e.apply(context.Background(), request{})
	calls = api.calls()
	_, isPreset = palette.IsPreset(calls[3])
	require.True(t, isPreset)
}

func TestRateLimitedRetriesOnce(t *testing.T) {
	api := &fakePut{errs: []error{
		&helix.APIError{Kind: helix.KindRateLimited, Op: "put_color", Status: 429, RetryAfter: 50 * time.Millisecond},
	}}
	e, _ := newTestEngine(t, api, false)

	e.apply(context.Background(), request{explicit: true, color: "blue"})
	require.Equal(t, []string{"blue", "blue"}, api.calls())
	require.Equal(t, "blue", e.LastColor())
}

func TestTokenInvalidEscalatesWithoutRetry(t *testing.T) {
	api := &fakePut{errs: []error{
		&helix.APIError{Kind: helix.KindTokenInvalid, Op: "put_color", Status: 401},
	}}
	e, _ := newTestEngine(t, api, false)

	signalled := false
	e.onTokenInvalid = func() { signalled = true }

	e.apply(context.Background(), request{explicit: true, color: "blue"})
	require.Len(t, api.calls(), 1)
	require.True(t, signalled)
	require.NotEqual(t, "blue", e.LastColor())
}

func TestTransientBackoffGivesUp(t *testing.T) {
	transient := &helix.APIError{Kind: helix.KindTransient, Op: "put_color", Status: 500}
	api := &fakePut{errs: []error{transient, transient, transient}}
	e, _ := newTestEngine(t, api, false)

	e.apply(context.Background(), request{explicit: true, color: "blue"})
	require.Len(t, api.calls(), 3)
	require.NotEqual(t, "blue", e.LastColor())
}

func TestSendCoalescesToNewest(t *testing.T) {
	e, _ := newTestEngine(t, &fakePut{}, false)

	e.send(request{explicit: true, color: "red"})
	e.send(request{explicit: true, color: "blue"})

	got := <-e.requests
	require.Equal(t, "blue", got.color)
	select {
	case extra := <-e.requests:
		t.Fatalf("unexpected queued request %+v", extra)
	default:
	}
}

func TestRunAppliesTrigger(t *testing.T) {
	api := &fakePut{}
	e, _ := newTestEngine(t, api, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Trigger()
	require.Eventually(t, func() bool { return len(api.calls()) == 1 },
		3*time.Second, 10*time.Millisecond)
}

func TestLastColorPersistedThroughQueue(t *testing.T) {
	api := &fakePut{}
	e, store := newTestEngine(t, api, false)

	e.apply(context.Background(), request{explicit: true, color: "blue"})
	require.NoError(t, store.Flush())

	again, err := config.NewStore(store.FilePath()).Load()
	require.NoError(t, err)
	require.Equal(t, "blue", again[0].LastColor)
}
