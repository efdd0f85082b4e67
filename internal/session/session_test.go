package session

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"

	"github.com/penpalsync/penpalsync/internal/analytics"
	"github.com/penpalsync/penpalsync/internal/codec"
	"github.com/penpalsync/penpalsync/internal/localstore"
)

type staticVerifier map[string]string

func (v staticVerifier) Verify(_ context.Context, token string) (string, error) {
	uid, ok := v[token]
	if !ok {
		return "", errors.New("bad token")
	}
	return uid, nil
}

type eventLog []string

func (e *eventLog) Log(_ context.Context, event string, _ ...otellog.KeyValue) {
	*e = append(*e, event)
}

func openStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(filepath.Join(t.TempDir(), "cache.db"), codec.Tables()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLogin(t *testing.T) {
	s := New(staticVerifier{"tok": "u1"}, openStore(t), &eventLog{}, slog.Default())

	_, ok := s.CurrentUserID()
	assert.False(t, ok)

	_, err := s.Login(context.Background(), "forged")
	require.Error(t, err)
	_, ok = s.CurrentUserID()
	assert.False(t, ok)

	uid, err := s.Login(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	got, ok := s.CurrentUserID()
	assert.True(t, ok)
	assert.Equal(t, "u1", got)
}

func TestLogin_WithoutVerifier(t *testing.T) {
	s := New(nil, openStore(t), &eventLog{}, slog.Default())
	_, err := s.Login(context.Background(), "tok")
	assert.Error(t, err)
}

func TestSetUser_RejectsEmpty(t *testing.T) {
	s := New(nil, openStore(t), &eventLog{}, slog.Default())
	assert.ErrorIs(t, s.SetUser(""), ErrEmptyUser)
}

func TestLogout_ClearsEveryCollection(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	events := &eventLog{}
	s := New(nil, store, events, slog.Default())
	require.NoError(t, s.SetUser("u1"))

	for _, c := range store.Collections() {
		require.NoError(t, store.Put(ctx, c, localstore.Row{localstore.IDColumn: c + "-1"}))
	}

	var hookSawUser bool
	s.OnLogout(func(context.Context) error {
		_, hookSawUser = s.CurrentUserID()
		return nil
	})

	require.NoError(t, s.Logout(ctx))

	assert.False(t, hookSawUser, "user must be signed out before hooks run")
	_, ok := s.CurrentUserID()
	assert.False(t, ok)
	for _, c := range store.Collections() {
		rows, err := store.Query(ctx, c, localstore.Query{})
		require.NoError(t, err)
		assert.Empty(t, rows, "collection %s", c)
	}
	assert.Equal(t, []string{analytics.SessionLogout}, []string(*events))
}

func TestLogout_HookFailureStillClears(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	s := New(nil, store, &eventLog{}, slog.Default())
	require.NoError(t, s.SetUser("u1"))
	require.NoError(t, store.Put(ctx, codec.MessagesCollection, localstore.Row{localstore.IDColumn: "m1"}))

	boom := errors.New("boom")
	s.OnLogout(func(context.Context) error { return boom })

	err := s.Logout(ctx)
	assert.ErrorIs(t, err, boom)

	n, err := store.Count(ctx, codec.MessagesCollection)
	require.NoError(t, err)
	assert.Zero(t, n)
}
