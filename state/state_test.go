package state

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NFG-Linux/twitch-notifier/apperr"
	"github.com/NFG-Linux/twitch-notifier/crypto"
	"github.com/NFG-Linux/twitch-notifier/testutil"
)

func newSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	s, err := crypto.NewSealer(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return s
}

func TestFileStore_MissingFileYieldsDefaults(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "state.json"))

	st, err := fs.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, State{WasLive: false, LastToken: "", TokenExpiry: 0}, st)
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "state.json")
	fs := NewFileStore(path)
	ctx := context.Background()

	want := State{WasLive: true, LastToken: "abc", TokenExpiry: 1_700_000_000}
	require.NoError(t, fs.Save(ctx, want))

	got, err := fs.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"was_live":true,"last_token":"abc","token_expiry":1700000000}`, string(raw))
}

func TestFileStore_OverwritesWholesale(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	require.NoError(t, fs.Save(ctx, State{WasLive: true, LastToken: "old", TokenExpiry: 99}))
	require.NoError(t, fs.Save(ctx, State{WasLive: false}))

	got, err := fs.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{}, got)
}

func TestFileStore_ReadsLegacyFloatExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"was_live": false, "last_token": "legacy", "token_expiry": 1712345678.9123}`), 0o600))

	got, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, State{LastToken: "legacy", TokenExpiry: 1712345678}, got)
}

func TestFileStore_EmptyFileYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))

	got, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Default(), got)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"was_live": tru`), 0o600))

	_, err := NewFileStore(path).Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))
}

func TestSealed_EncryptsAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	inner := NewFileStore(path)
	store := Sealed(inner, newSealer(t))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, State{WasLive: true, LastToken: "bearer-xyz", TokenExpiry: 10}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "bearer-xyz")
	assert.Contains(t, string(raw), crypto.SealedPrefix)

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{WasLive: true, LastToken: "bearer-xyz", TokenExpiry: 10}, got)
}

func TestSealed_AcceptsPlaintext(t *testing.T) {
	inner := NewMemoryStore(State{LastToken: "plain", TokenExpiry: 5})
	store := Sealed(inner, newSealer(t))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "plain", got.LastToken)
}

func TestSealed_DropsUnopenableToken(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore(Default())
	require.NoError(t, Sealed(inner, newSealer(t)).Save(ctx, State{WasLive: true, LastToken: "t", TokenExpiry: 77}))

	t.Run("rotated key", func(t *testing.T) {
		got, err := Sealed(inner, newSealer(t)).Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, State{WasLive: true}, got)
	})
	t.Run("no key", func(t *testing.T) {
		got, err := Sealed(inner, nil).Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, State{WasLive: true}, got)
	})
}

func TestSealed_NilSealerWritesPlaintext(t *testing.T) {
	inner := NewMemoryStore(Default())
	require.NoError(t, Sealed(inner, nil).Save(context.Background(), State{LastToken: "visible"}))
	assert.Equal(t, "visible", inner.Snapshot().LastToken)
}

func TestMemoryStore_SaveErr(t *testing.T) {
	m := NewMemoryStore(Default())
	m.SaveErr = errors.New("disk full")

	err := m.Save(context.Background(), State{WasLive: true})
	require.Error(t, err)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))
	assert.Equal(t, 0, m.Saves())
	assert.False(t, m.Snapshot().WasLive)
}

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("file", func(t *testing.T) {
		s, err := Open(ctx, filepath.Join(t.TempDir(), "state.json"), "somebody", nil)
		require.NoError(t, err)
		defer s.Close()
		_, ok := s.(*sealedStore).Store.(*FileStore)
		assert.True(t, ok)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "state.db"), "somebody", nil)
		require.NoError(t, err)
		defer s.Close()
		_, ok := s.(*sealedStore).Store.(*SQLStore)
		assert.True(t, ok)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Open(ctx, "", "somebody", nil)
		require.Error(t, err)
		assert.Equal(t, apperr.KindState, apperr.KindOf(err))
	})
}

func TestBackend(t *testing.T) {
	assert.Equal(t, "file", Backend("state.json"))
	assert.Equal(t, "postgres", Backend("postgres://localhost/x"))
	assert.Equal(t, "sqlite", Backend("sqlite://x.db"))
	assert.Equal(t, "redis", Backend("redis://localhost:6379"))
}

func TestSQLStore_SQLite(t *testing.T) {
	ctx := context.Background()
	spec := "sqlite://" + filepath.Join(t.TempDir(), "state.db")

	s, err := OpenSQL(ctx, spec, "somebody")
	require.NoError(t, err)
	defer s.Close()

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Default(), st)

	require.NoError(t, s.Save(ctx, State{WasLive: true, LastToken: "tok", TokenExpiry: 123}))
	st, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{WasLive: true, LastToken: "tok", TokenExpiry: 123}, st)

	other := &SQLStore{DB: s.DB, Broadcaster: "someone-else"}
	st, err = other.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Default(), st, "records are scoped per broadcaster")
}

func TestSQLStore_Postgres(t *testing.T) {
	ctx := context.Background()
	s := &SQLStore{DB: testutil.SetupTestDB(t), Broadcaster: "pg-state-test"}

	require.NoError(t, s.Save(ctx, State{WasLive: true, LastToken: "tok", TokenExpiry: 9}))
	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{WasLive: true, LastToken: "tok", TokenExpiry: 9}, st)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	broadcaster := "redis-test-" + strings.ToLower(t.Name())
	s, err := OpenRedis(ctx, url, broadcaster)
	require.NoError(t, err)
	defer s.Close()
	t.Cleanup(func() { _ = s.rdb.Del(context.Background(), s.key).Err() })

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Default(), st)

	require.NoError(t, s.Save(ctx, State{WasLive: true, LastToken: "tok", TokenExpiry: 321}))
	st, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{WasLive: true, LastToken: "tok", TokenExpiry: 321}, st)

	require.NoError(t, s.Save(ctx, State{}))
	st, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{}, st)
}
