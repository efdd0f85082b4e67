package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/penpalsync/penpalsync/internal/codec"
	"github.com/penpalsync/penpalsync/internal/localstore"
	"github.com/penpalsync/penpalsync/internal/model"
	"github.com/penpalsync/penpalsync/internal/remote/memstore"
)

var (
	testLogger = slog.Default()
	base       = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
)

// --- Session -----------------------------------------------------------------

type fakeSession struct {
	mu  sync.Mutex
	uid string
}

func (s *fakeSession) CurrentUserID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid, s.uid != ""
}

func (s *fakeSession) set(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = uid
}

// --- Remote ------------------------------------------------------------------

// gatedRemote is a memstore whose Set calls can be held back, so tests can
// observe a write while it is in flight.
type gatedRemote struct {
	*memstore.Store

	mu   sync.Mutex
	gate chan struct{}
	sets int
}

func (g *gatedRemote) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
}

func (g *gatedRemote) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
}

func (g *gatedRemote) setCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sets
}

func (g *gatedRemote) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	g.mu.Lock()
	gate := g.gate
	g.sets++
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return g.Store.Set(ctx, collection, id, data, merge)
}

// --- Clock -------------------------------------------------------------------

// stepClock returns strictly increasing times, one millisecond apart.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// --- Fixture -----------------------------------------------------------------

type fixture struct {
	local  *localstore.Store
	remote *gatedRemote
	sess   *fakeSession
	clock  *stepClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local, err := localstore.Open(filepath.Join(t.TempDir(), "cache.db"), codec.Tables()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	return &fixture{
		local:  local,
		remote: &gatedRemote{Store: memstore.New()},
		sess:   &fakeSession{uid: "u1"},
		clock:  &stepClock{t: base},
	}
}

func (f *fixture) conversations() *Coordinator[model.Conversation] {
	c := NewCoordinator[model.Conversation](codec.NewConversations(), f.local, f.remote, f.sess, testLogger)
	c.now = f.clock.Now
	return c
}

func (f *fixture) messages() *Coordinator[model.Message] {
	c := NewCoordinator[model.Message](codec.NewMessages(), f.local, f.remote, f.sess, testLogger)
	c.now = f.clock.Now
	return c
}

func (f *fixture) notifications() *Coordinator[model.Notification] {
	c := NewCoordinator[model.Notification](codec.NewNotifications(), f.local, f.remote, f.sess, testLogger)
	c.now = f.clock.Now
	return c
}

func (f *fixture) penpals() *Coordinator[model.Penpal] {
	c := NewCoordinator[model.Penpal](codec.NewPenpals(), f.local, f.remote, f.sess, testLogger)
	c.now = f.clock.Now
	return c
}

// cache writes v straight into the local store.
func cache[T any](t *testing.T, f *fixture, cd codec.Codec[T], v T) {
	t.Helper()
	row := cd.ToRow(v)
	row[codec.ColCachedAt] = base.UnixMilli()
	require.NoError(t, f.local.Put(context.Background(), cd.Collection(), row))
}

// seed writes v straight into the remote store.
func seed[T any](f *fixture, cd codec.Codec[T], id string, v T) {
	f.remote.Put(cd.Collection(), id, cd.ToRemote(v), base)
}

func conv(id, last string, updated time.Time) model.Conversation {
	return model.Conversation{
		ID:           id,
		UserID:       "u1",
		Participants: []string{"u1", "u2"},
		LastMessage:  last,
		LastUpdated:  updated,
		UnreadCounts: map[string]int{},
	}
}

func msg(id, convID, text string, sent time.Time) model.Message {
	return model.Message{ID: id, ConversationID: convID, SenderID: "u2", Text: text, SentAt: sent}
}

func wait[V any](t *testing.T, f *Future[V]) (V, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future never resolved")
	return v, err
}

func rowOf(t *testing.T, f *fixture, collection, id string) localstore.Row {
	t.Helper()
	row, err := f.local.Get(context.Background(), collection, id)
	require.NoError(t, err)
	return row
}
