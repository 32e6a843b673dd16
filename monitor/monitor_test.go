package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NFG-Linux/twitch-notifier/apperr"
	"github.com/NFG-Linux/twitch-notifier/oauth"
	"github.com/NFG-Linux/twitch-notifier/state"
	"github.com/NFG-Linux/twitch-notifier/telemetry"
	"github.com/NFG-Linux/twitch-notifier/testutil"
	"github.com/NFG-Linux/twitch-notifier/twitchapi"
	"github.com/NFG-Linux/twitch-notifier/webhook"
)

type fakeTokens struct {
	err         error
	calls       int
	invalidated int
}

func (f *fakeTokens) Token(_ context.Context, st *state.State) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "tok", nil
}

func (f *fakeTokens) Invalidate(ctx context.Context, st *state.State) error {
	f.invalidated++
	st.LastToken = ""
	st.TokenExpiry = 0
	return nil
}

type fakePlatform struct {
	live      bool
	lookupErr error
	statusErr error
}

func (f *fakePlatform) ResolveUserID(_ context.Context, token, login string) (string, error) {
	if f.lookupErr != nil {
		return "", f.lookupErr
	}
	return "42", nil
}

func (f *fakePlatform) IsLive(_ context.Context, token, userID string) (bool, error) {
	if f.statusErr != nil {
		return false, f.statusErr
	}
	return f.live, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	fail  map[int]bool
}

func (f *fakeNotifier) Notify(_ context.Context, urls []string, broadcaster string) []webhook.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]webhook.Delivery, len(urls))
	for i, u := range urls {
		out[i] = webhook.Delivery{URL: u, StatusCode: http.StatusNoContent}
		if f.fail[i] {
			out[i].StatusCode = http.StatusInternalServerError
			out[i].Err = apperr.Newf(apperr.KindNotify, "post", "webhook returned 500")
		}
	}
	return out
}

func newMonitor(store state.Store, p *fakePlatform, n *fakeNotifier) *Monitor {
	return &Monitor{
		Store:       store,
		Tokens:      &fakeTokens{},
		Platform:    p,
		Notifier:    n,
		Broadcaster: "somebody",
		Webhooks:    []string{"https://a.example/hook", "https://b.example/hook", "https://c.example/hook"},
	}
}

func TestShouldNotify(t *testing.T) {
	tests := []struct {
		wasLive, live, want bool
	}{
		{false, false, false},
		{false, true, true},
		{true, true, false},
		{true, false, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v->%v", tt.wasLive, tt.live), func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldNotify(tt.wasLive, tt.live))
		})
	}
}

func TestRun_EdgeSequence(t *testing.T) {
	store := state.NewMemoryStore(state.Default())
	p := &fakePlatform{}
	n := &fakeNotifier{}
	m := newMonitor(store, p, n)

	seq := []bool{false, true, true, false, true}
	var notifiedAt []int
	for i, live := range seq {
		p.live = live
		res, err := m.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, live, res.Live)
		assert.Equal(t, live, store.Snapshot().WasLive)
		if res.Notified {
			notifiedAt = append(notifiedAt, i)
		}
	}
	assert.Equal(t, []int{1, 4}, notifiedAt)
	assert.Equal(t, 2, n.calls)
}

func TestRun_Idempotent(t *testing.T) {
	store := state.NewMemoryStore(state.State{WasLive: true})
	p := &fakePlatform{live: true}
	n := &fakeNotifier{}
	m := newMonitor(store, p, n)

	for i := 0; i < 3; i++ {
		res, err := m.Run(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Notified)
	}
	assert.Equal(t, 0, n.calls)
	assert.True(t, store.Snapshot().WasLive)
}

func TestRun_FreshStateLiveNotifiesOnce(t *testing.T) {
	store := state.NewMemoryStore(state.Default())
	n := &fakeNotifier{}
	m := newMonitor(store, &fakePlatform{live: true}, n)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.WasLive)
	assert.True(t, res.Notified)

	res, err = m.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Notified)
	assert.Equal(t, 1, n.calls)
}

func TestRun_WebhookFailureStillPersists(t *testing.T) {
	store := state.NewMemoryStore(state.Default())
	n := &fakeNotifier{fail: map[int]bool{1: true}}
	m := newMonitor(store, &fakePlatform{live: true}, n)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Deliveries, 3)
	assert.Equal(t, 1, res.Failed())
	assert.True(t, res.Deliveries[0].OK())
	assert.True(t, res.Deliveries[2].OK())
	assert.True(t, store.Snapshot().WasLive)
}

func TestRun_FatalErrorsLeaveWasLive(t *testing.T) {
	tests := []struct {
		name     string
		tokens   *fakeTokens
		platform *fakePlatform
		wantKind apperr.Kind
	}{
		{
			name:     "auth",
			tokens:   &fakeTokens{err: apperr.Newf(apperr.KindAuth, "client credentials", "400")},
			platform: &fakePlatform{live: true},
			wantKind: apperr.KindAuth,
		},
		{
			name:     "lookup",
			tokens:   &fakeTokens{},
			platform: &fakePlatform{live: true, lookupErr: apperr.New(apperr.KindLookup, "resolve user", apperr.ErrBroadcasterNotFound)},
			wantKind: apperr.KindLookup,
		},
		{
			name:     "status",
			tokens:   &fakeTokens{},
			platform: &fakePlatform{statusErr: apperr.Newf(apperr.KindStatusQuery, "stream status", "503")},
			wantKind: apperr.KindStatusQuery,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := state.NewMemoryStore(state.State{WasLive: true})
			n := &fakeNotifier{}
			m := newMonitor(store, tt.platform, n)
			m.Tokens = tt.tokens

			_, err := m.Run(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			assert.True(t, apperr.IsFatal(err))
			assert.Equal(t, 0, store.Saves())
			assert.True(t, store.Snapshot().WasLive)
			assert.Equal(t, 0, n.calls)
		})
	}
}

func TestRun_UnauthorizedInvalidatesToken(t *testing.T) {
	store := state.NewMemoryStore(state.State{WasLive: false, LastToken: "stale", TokenExpiry: 1 << 40})
	tokens := &fakeTokens{}
	m := newMonitor(store, &fakePlatform{
		statusErr: apperr.New(apperr.KindStatusQuery, "stream status", fmt.Errorf("401: %w", apperr.ErrUnauthorized)),
	}, &fakeNotifier{})
	m.Tokens = tokens

	_, err := m.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestRun_SaveFailure(t *testing.T) {
	store := state.NewMemoryStore(state.Default())
	store.SaveErr = errors.New("read-only")
	m := newMonitor(store, &fakePlatform{}, &fakeNotifier{})

	_, err := m.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))
}

func TestRun_DryRunSendsNothing(t *testing.T) {
	store := state.NewMemoryStore(state.Default())
	n := &fakeNotifier{}
	m := newMonitor(store, &fakePlatform{live: true}, n)
	m.DryRun = true

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Notified)
	assert.Empty(t, res.Deliveries)
	assert.Equal(t, 0, n.calls)
}

func TestRun_NotificationCounter(t *testing.T) {
	telemetry.Init()

	before := promtestutil.ToFloat64(telemetry.NotificationsTotal)
	dry := newMonitor(state.NewMemoryStore(state.Default()), &fakePlatform{live: true}, &fakeNotifier{})
	dry.DryRun = true
	_, err := dry.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, promtestutil.ToFloat64(telemetry.NotificationsTotal), "dry run is not counted")

	sent := newMonitor(state.NewMemoryStore(state.Default()), &fakePlatform{live: true}, &fakeNotifier{})
	_, err = sent.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, promtestutil.ToFloat64(telemetry.NotificationsTotal))
}

// End to end against the mock Twitch server and real webhook endpoints.
func TestRun_EndToEnd(t *testing.T) {
	tw := testutil.NewMockTwitchServer(t)
	tw.MockOAuthTokenResponse("app-token", 3600)
	tw.MockUserResponse("4242", "somebody")
	tw.MockLive("4242", true)

	var mu sync.Mutex
	hits := map[string]int{}
	hooks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		if r.URL.Path == "/two" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hooks.Close()

	store := state.NewMemoryStore(state.Default())
	mgr := oauth.NewManager("cid", "secret", tw.TokenURL(), store, tw.Client())
	mgr.Clock = clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))

	m := &Monitor{
		Store:       store,
		Tokens:      mgr,
		Platform:    twitchapi.NewClient("cid", tw.HelixURL(), tw.Client()),
		Notifier:    webhook.New(hooks.Client(), 2),
		Broadcaster: "somebody",
		Webhooks:    []string{hooks.URL + "/one", hooks.URL + "/two", hooks.URL + "/three"},
	}

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Notified)
	assert.Equal(t, 1, res.Failed())
	assert.Equal(t, 1, hits["/one"])
	assert.Equal(t, 1, hits["/two"])
	assert.Equal(t, 1, hits["/three"])

	saved := store.Snapshot()
	assert.True(t, saved.WasLive)
	assert.Equal(t, "app-token", saved.LastToken)
	assert.Equal(t, int64(1_700_000_000+3600-60), saved.TokenExpiry)

	// second run reuses the cached token and does not notify again
	res, err = m.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Notified)
	assert.Equal(t, 1, tw.Calls("/oauth2/token"))
	assert.Equal(t, 1, hits["/one"])

	// a 401 from Helix clears the cached token
	tw.MockError("/helix/streams", http.StatusUnauthorized, "Invalid OAuth token")
	_, err = m.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Empty(t, store.Snapshot().LastToken)
	assert.True(t, store.Snapshot().WasLive)
}
