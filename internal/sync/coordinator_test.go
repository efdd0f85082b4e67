package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penpalsync/penpalsync/internal/codec"
	"github.com/penpalsync/penpalsync/internal/localstore"
	"github.com/penpalsync/penpalsync/internal/model"
	"github.com/penpalsync/penpalsync/internal/remote"
)

// ---------------------------------------------------------------------------
// Fetch
// ---------------------------------------------------------------------------

func TestFetch_RemoteUnavailable_ServesCache(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewMessages()
	for i, text := range []string{"hola", "qué tal", "bien"} {
		cache(t, f, cd, cd.WithSynced(msg(text, "c1", text, base.Add(time.Duration(i)*time.Minute)), true))
	}
	f.remote.SetOffline(true)

	immediate, eventual := f.messages().Fetch(context.Background(), "c1")
	require.Len(t, immediate, 3, "immediate result comes from the cache")
	assert.Equal(t, "hola", immediate[0].Text, "messages are oldest first")

	got, err := wait(t, eventual)
	require.NoError(t, err, "transient failure is not surfaced")
	assert.Equal(t, immediate, got)
}

func TestFetch_ImmediateIsEmptyWithoutCache(t *testing.T) {
	f := newFixture(t)
	f.remote.SetOffline(true)

	immediate, eventual := f.messages().Fetch(context.Background(), "c1")
	assert.Empty(t, immediate)

	got, err := wait(t, eventual)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetch_RemoteWinsOnConflict(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	cache(t, f, cd, cd.WithSynced(conv("c1", "hi", base), true))
	seed(f, cd, "c1", conv("c1", "hi there", base.Add(time.Hour)))

	immediate, eventual := f.conversations().Fetch(context.Background(), "u1")
	require.Len(t, immediate, 1)
	assert.Equal(t, "hi", immediate[0].LastMessage)

	got, err := wait(t, eventual)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hi there", got[0].LastMessage)
	assert.True(t, got[0].Synced)

	row := rowOf(t, f, "conversations", "c1")
	assert.Equal(t, "hi there", row["lastMessage"])
	assert.Equal(t, int64(1), row[codec.ColSynced])
	assert.Equal(t, "u1", row["userId"], "remote conversation bound to the fetching user")
}

func TestFetch_RemoteWinsOverStoredUnsyncedRow(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	// Left unsynced by an earlier process; no write of this process is pending.
	cache(t, f, cd, conv("c1", "draft", base.Add(2*time.Hour)))
	seed(f, cd, "c1", conv("c1", "server", base))

	_, eventual := f.conversations().Fetch(context.Background(), "u1")
	got, err := wait(t, eventual)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "server", got[0].LastMessage)
}

func TestFetch_TwiceKeepsRowCount(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	seed(f, cd, "c1", conv("c1", "a", base))
	seed(f, cd, "c2", conv("c2", "b", base.Add(time.Minute)))
	c := f.conversations()
	ctx := context.Background()

	require.NoError(t, c.Warm(ctx, "u1"))
	n1, err := f.local.Count(ctx, "conversations", localstore.Eq("userId", "u1"))
	require.NoError(t, err)

	require.NoError(t, c.Warm(ctx, "u1"))
	n2, err := f.local.Count(ctx, "conversations", localstore.Eq("userId", "u1"))
	require.NoError(t, err)

	assert.Equal(t, 2, n1)
	assert.Equal(t, n1, n2)
}

func TestFetch_ResortsMergedResult(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	seed(f, cd, "old", conv("old", "1", base))
	seed(f, cd, "new", conv("new", "3", base.Add(2*time.Hour)))
	// Local-only unsynced conversation sorts between the remote ones.
	cache(t, f, cd, conv("mid", "2", base.Add(time.Hour)))

	_, eventual := f.conversations().Fetch(context.Background(), "u1")
	got, err := wait(t, eventual)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)
	assert.False(t, got[1].Synced)
}

func TestFetch_SkipsMalformedDocuments(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewMessages()
	seed(f, cd, "m1", msg("m1", "c1", "ok", base))
	f.remote.Put("messages", "bad", map[string]any{"conversationId": "c1", "text": "no sender"}, base)
	seed(f, cd, "m2", msg("m2", "c1", "also ok", base.Add(time.Minute)))

	_, eventual := f.messages().Fetch(context.Background(), "c1")
	got, err := wait(t, eventual)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.Nil(t, rowOf(t, f, "messages", "bad"))
}

func TestFetch_PrunesSyncedRowsMissingRemotely(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewMessages()
	cache(t, f, cd, cd.WithSynced(msg("gone", "c1", "deleted remotely", base), true))
	cache(t, f, cd, msg("draft", "c1", "not sent yet", base))
	seed(f, cd, "m1", msg("m1", "c1", "kept", base))

	_, eventual := f.messages().Fetch(context.Background(), "c1")
	got, err := wait(t, eventual)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	assert.Nil(t, rowOf(t, f, "messages", "gone"))
	assert.NotNil(t, rowOf(t, f, "messages", "draft"))
}

func TestFetch_PermanentErrorSurfaced(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewMessages()
	cache(t, f, cd, cd.WithSynced(msg("m1", "c1", "hola", base), true))
	f.remote.FailWith(remote.Fail("query messages", remote.ErrPermissionDenied, errors.New("rules")))

	immediate, eventual := f.messages().Fetch(context.Background(), "c1")
	assert.Len(t, immediate, 1)

	_, err := wait(t, eventual)
	assert.ErrorIs(t, err, remote.ErrPermissionDenied)
}

// ---------------------------------------------------------------------------
// Mutate
// ---------------------------------------------------------------------------

func TestMutate_OptimisticWriteVisibleBeforeConfirmation(t *testing.T) {
	f := newFixture(t)
	c := f.conversations()
	ctx := context.Background()

	f.remote.hold()
	fut, err := c.Mutate(ctx, conv("c1", "sending", base), true)
	require.NoError(t, err)

	row := rowOf(t, f, "conversations", "c1")
	require.NotNil(t, row, "optimistic row written before Mutate returns")
	assert.Equal(t, int64(0), row[codec.ColSynced])
	assert.Equal(t, 0, f.remote.Len("conversations"))

	f.remote.release()
	got, err := wait(t, fut)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, int64(1), rowOf(t, f, "conversations", "c1")[codec.ColSynced])
	assert.Equal(t, 1, f.remote.Len("conversations"))
}

func TestMutate_NonOptimisticCachesOnlyAfterSuccess(t *testing.T) {
	f := newFixture(t)
	c := f.conversations()
	f.remote.SetOffline(true)

	fut, err := c.Mutate(context.Background(), conv("c1", "x", base), false)
	require.NoError(t, err)
	_, err = wait(t, fut)
	require.ErrorIs(t, err, remote.ErrUnavailable)
	assert.Nil(t, rowOf(t, f, "conversations", "c1"))

	f.remote.SetOffline(false)
	fut, err = c.Mutate(context.Background(), conv("c1", "x", base), false)
	require.NoError(t, err)
	_, err = wait(t, fut)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rowOf(t, f, "conversations", "c1")[codec.ColSynced])
}

func TestMutate_FailureLeavesUnsyncedForRetry(t *testing.T) {
	f := newFixture(t)
	c := f.penpals()
	ctx := context.Background()
	p := model.Penpal{ID: "p1", UserID: "u1", PenpalID: "u9", Status: model.PenpalPending, LastUpdated: base}

	f.remote.SetOffline(true)
	fut, err := c.Mutate(ctx, p.WithStatus(model.PenpalAccepted, base.Add(time.Minute)), true)
	require.NoError(t, err)
	got, err := wait(t, fut)
	require.ErrorIs(t, err, remote.ErrUnavailable)
	assert.False(t, got.Synced)

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.PenpalAccepted, pending[0].Status)

	f.remote.SetOffline(false)
	stats, err := c.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryStats{Attempted: 1, Synced: 1}, stats)

	pending, err = c.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	doc, err := f.remote.Get(ctx, "penpals", "p1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "accepted", doc.Data["status"])
}

func TestMutate_PanicsWithoutUser(t *testing.T) {
	f := newFixture(t)
	f.sess.set("")
	c := f.conversations()

	assert.Panics(t, func() {
		_, _ = c.Mutate(context.Background(), conv("c1", "x", base), true)
	})
	assert.Panics(t, func() {
		_, _ = c.Remove(context.Background(), "c1", true)
	})
}

func TestMutate_RejectsEntityWithoutID(t *testing.T) {
	f := newFixture(t)
	_, err := f.conversations().Mutate(context.Background(), conv("", "x", base), true)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Newer local intent
// ---------------------------------------------------------------------------

func TestFetch_NewerInFlightLocalWriteIsKeptAndRequeued(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	c := f.conversations()
	ctx := context.Background()

	seed(f, cd, "c1", conv("c1", "remote", base))
	require.NoError(t, c.Warm(ctx, "u1"))

	// Local write newer than the remote copy, still in flight.
	f.remote.hold()
	fut, err := c.Mutate(ctx, conv("c1", "local", base.Add(time.Hour)), true)
	require.NoError(t, err)

	_, eventual := c.Fetch(ctx, "u1")
	got, err := wait(t, eventual)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "local", got[0].LastMessage, "older remote copy does not clobber newer local intent")
	assert.False(t, got[0].Synced)
	assert.Equal(t, "local", rowOf(t, f, "conversations", "c1")["lastMessage"])

	c.mu.Lock()
	_, requeued := c.requeued["c1"]
	c.mu.Unlock()
	assert.True(t, requeued)

	f.remote.release()
	confirmed, err := wait(t, fut)
	require.NoError(t, err)
	assert.True(t, confirmed.Synced)

	c.mu.Lock()
	assert.Empty(t, c.requeued, "confirmation clears the requeue entry")
	assert.Empty(t, c.pending)
	c.mu.Unlock()
	assert.Equal(t, int64(1), rowOf(t, f, "conversations", "c1")[codec.ColSynced])
}

func TestFetch_NewerRemoteBeatsInFlightLocalWrite(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	c := f.conversations()
	ctx := context.Background()

	seed(f, cd, "c1", conv("c1", "remote", base.Add(2*time.Hour)))

	f.remote.hold()
	fut, err := c.Mutate(ctx, conv("c1", "local", base.Add(time.Hour)), true)
	require.NoError(t, err)

	_, eventual := c.Fetch(ctx, "u1")
	got, err := wait(t, eventual)
	require.NoError(t, err)
	assert.Equal(t, "remote", got[0].LastMessage)

	f.remote.release()
	_, err = wait(t, fut)
	require.NoError(t, err)
}

func TestFetch_InFlightWriteOlderThanLastReadLoses(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	c := f.conversations()
	ctx := context.Background()

	seed(f, cd, "c1", conv("c1", "remote", base))

	f.remote.hold()
	fut, err := c.Mutate(ctx, conv("c1", "local", base.Add(time.Hour)), true)
	require.NoError(t, err)

	// The first read after the write keeps it.
	require.NoError(t, c.Warm(ctx, "u1"))
	assert.Equal(t, "local", rowOf(t, f, "conversations", "c1")["lastMessage"])

	// The write now predates the last successful read, so remote wins.
	_, eventual := c.Fetch(ctx, "u1")
	got, err := wait(t, eventual)
	require.NoError(t, err)
	assert.Equal(t, "remote", got[0].LastMessage)

	f.remote.release()
	_, err = wait(t, fut)
	require.NoError(t, err)
}

func TestMutate_SupersededWriteDoesNotOverwriteCache(t *testing.T) {
	f := newFixture(t)
	c := f.conversations()
	ctx := context.Background()

	f.remote.hold()
	first, err := c.Mutate(ctx, conv("c1", "first", base), true)
	require.NoError(t, err)
	second, err := c.Mutate(ctx, conv("c1", "second", base.Add(time.Minute)), true)
	require.NoError(t, err)
	f.remote.release()

	_, err = wait(t, first)
	require.NoError(t, err)
	_, err = wait(t, second)
	require.NoError(t, err)

	assert.Equal(t, "second", rowOf(t, f, "conversations", "c1")["lastMessage"])
}

func TestFetch_InFlightReadMarkSurvivesFailedPush(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewNotifications()
	c := f.notifications()
	ctx := context.Background()

	n := model.Notification{ID: "n1", UserID: "u1", Kind: "match", CreatedAt: base.Add(-time.Hour)}
	seed(f, cd, "n1", n)
	require.NoError(t, c.Warm(ctx, "u1"))

	f.remote.hold()
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fut, err := c.Mutate(wctx, n.MarkRead(base), true)
	require.NoError(t, err)

	_, eventual := c.Fetch(ctx, "u1")
	got, err := wait(t, eventual)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsRead, "the unread remote copy predates the write")

	cancel()
	_, err = wait(t, fut)
	require.ErrorIs(t, err, context.Canceled)

	row := rowOf(t, f, "notifications", "n1")
	assert.Equal(t, int64(1), row["isRead"])
	assert.Equal(t, int64(0), row[codec.ColSynced])

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].IsRead)

	f.remote.release()
	stats, err := c.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryStats{Attempted: 1, Synced: 1}, stats)

	doc, err := f.remote.Get(ctx, "notifications", "n1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, true, doc.Data["isRead"])
	assert.Equal(t, int64(1), rowOf(t, f, "notifications", "n1")[codec.ColSynced])
}

func TestMutate_FailedWriteReplacedByNewerRemoteIsDropped(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	c := f.conversations()
	ctx := context.Background()

	seed(f, cd, "c1", conv("c1", "remote", base.Add(2*time.Hour)))

	f.remote.hold()
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fut, err := c.Mutate(wctx, conv("c1", "local", base.Add(time.Hour)), true)
	require.NoError(t, err)

	require.NoError(t, c.Warm(ctx, "u1"))
	cancel()
	_, err = wait(t, fut)
	require.Error(t, err)
	f.remote.release()

	c.mu.Lock()
	assert.Empty(t, c.pending)
	assert.Empty(t, c.requeued)
	c.mu.Unlock()

	row := rowOf(t, f, "conversations", "c1")
	assert.Equal(t, "remote", row["lastMessage"])
	assert.Equal(t, int64(1), row[codec.ColSynced])

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFetch_NewerRemoteSettlesFailedWrite(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	c := f.conversations()
	ctx := context.Background()

	seed(f, cd, "c1", conv("c1", "remote", base))

	f.remote.SetOffline(true)
	fut, err := c.Mutate(ctx, conv("c1", "local", base.Add(time.Hour)), true)
	require.NoError(t, err)
	_, err = wait(t, fut)
	require.ErrorIs(t, err, remote.ErrUnavailable)
	f.remote.SetOffline(false)

	// Another device wrote after the failed local write.
	seed(f, cd, "c1", conv("c1", "other device", base.Add(2*time.Hour)))
	require.NoError(t, c.Warm(ctx, "u1"))

	c.mu.Lock()
	assert.Empty(t, c.pending, "a settled write replaced by the remote is forgotten")
	c.mu.Unlock()
	assert.Equal(t, "other device", rowOf(t, f, "conversations", "c1")["lastMessage"])
}

// ---------------------------------------------------------------------------
// Get / Remove / Evict
// ---------------------------------------------------------------------------

func TestGet_RefreshesFromRemote(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	cache(t, f, cd, cd.WithSynced(conv("c1", "old", base), true))
	seed(f, cd, "c1", conv("c1", "new", base.Add(time.Minute)))

	cached, found, fut := f.conversations().Get(context.Background(), "c1")
	require.True(t, found)
	assert.Equal(t, "old", cached.LastMessage)

	got, err := wait(t, fut)
	require.NoError(t, err)
	assert.Equal(t, "new", got.LastMessage)
	assert.Equal(t, "new", rowOf(t, f, "conversations", "c1")["lastMessage"])
}

func TestGet_NotFoundRemotelyDropsCache(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	cache(t, f, cd, cd.WithSynced(conv("c1", "old", base), true))

	_, found, fut := f.conversations().Get(context.Background(), "c1")
	require.True(t, found)

	_, err := wait(t, fut)
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.Nil(t, rowOf(t, f, "conversations", "c1"))
}

func TestGet_OfflineServesCache(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	cache(t, f, cd, cd.WithSynced(conv("c1", "old", base), true))
	f.remote.SetOffline(true)

	_, _, fut := f.conversations().Get(context.Background(), "c1")
	got, err := wait(t, fut)
	require.NoError(t, err)
	assert.Equal(t, "old", got.LastMessage)
}

func TestRemove_OptimisticRestoredOnFailure(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewConversations()
	c := f.conversations()
	ctx := context.Background()
	cache(t, f, cd, cd.WithSynced(conv("c1", "x", base), true))
	seed(f, cd, "c1", conv("c1", "x", base))

	f.remote.SetOffline(true)
	fut, err := c.Remove(ctx, "c1", true)
	require.NoError(t, err)
	_, err = wait(t, fut)
	require.ErrorIs(t, err, remote.ErrUnavailable)
	assert.NotNil(t, rowOf(t, f, "conversations", "c1"), "row restored after failed delete")

	f.remote.SetOffline(false)
	fut, err = c.Remove(ctx, "c1", true)
	require.NoError(t, err)
	_, err = wait(t, fut)
	require.NoError(t, err)
	assert.Nil(t, rowOf(t, f, "conversations", "c1"))
	assert.Equal(t, 0, f.remote.Len("conversations"))
}

func TestEvict_PurgesOnlyExpiredSyncedRows(t *testing.T) {
	f := newFixture(t)
	cd := codec.NewPenpals()
	ctx := context.Background()
	for _, p := range []model.Penpal{
		{ID: "old", UserID: "u1", PenpalID: "a", LastUpdated: base, Synced: true},
		{ID: "pending", UserID: "u1", PenpalID: "b", LastUpdated: base},
	} {
		cache(t, f, cd, p)
	}
	fresh := cd.ToRow(model.Penpal{ID: "fresh", UserID: "u1", PenpalID: "c", LastUpdated: base, Synced: true})
	fresh[codec.ColCachedAt] = base.Add(7 * 24 * time.Hour).UnixMilli()
	require.NoError(t, f.local.Put(ctx, "penpals", fresh))

	n, err := f.penpals().Evict(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Nil(t, rowOf(t, f, "penpals", "old"))
	assert.NotNil(t, rowOf(t, f, "penpals", "pending"))
	assert.NotNil(t, rowOf(t, f, "penpals", "fresh"))
}

func TestFuture_DiscardedCallerLeaksNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, eventual := f.messages().Fetch(ctx, "c1")
	cancel()

	select {
	case <-eventual.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("future never resolved")
	}
}
