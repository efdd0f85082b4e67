package localstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var convTable = Table{
	Name: "conversations",
	Columns: []Column{
		{Name: "userId", Type: Text},
		{Name: "lastMessage", Type: Text},
		{Name: "lastUpdated", Type: Integer},
		{Name: "isSynced", Type: Integer},
		{Name: "score", Type: Real},
	},
	Indexes: []string{"userId", "lastUpdated"},
}

var msgTable = Table{
	Name: "messages",
	Columns: []Column{
		{Name: "conversationId", Type: Text},
		{Name: "sentAt", Type: Integer},
	},
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-cache.db")
	s, err := Open(path, convTable, msgTable)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func conv(id, user, last string, updated int64) Row {
	return Row{
		"id":          id,
		"userId":      user,
		"lastMessage": last,
		"lastUpdated": updated,
		"isSynced":    true,
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s1, err := Open(path, convTable)
	require.NoError(t, err)
	require.NoError(t, s1.Put(context.Background(), "conversations", conv("c1", "u1", "hi", 1)))
	require.NoError(t, s1.Close())

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path, convTable)
	require.NoError(t, err)
	defer s2.Close()

	row, err := s2.Get(context.Background(), "conversations", "c1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "hi", row["lastMessage"])
}

func TestRegister_RejectsBadIdentifiers(t *testing.T) {
	s := openTestStore(t)
	err := s.Register(context.Background(), Table{Name: "bad; DROP TABLE x"})
	assert.Error(t, err)

	err = s.Register(context.Background(), Table{Name: "ok", Columns: []Column{{Name: "a b"}}})
	assert.Error(t, err)

	err = s.Register(context.Background(), Table{Name: "ok", Indexes: []string{"missing"}})
	assert.Error(t, err)
}

func TestGet_MissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	row, err := s.Get(context.Background(), "conversations", "nope")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestGet_UnknownCollection(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "vocab", "x")
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestPut_UpsertReplacesWholeRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := conv("c1", "u1", "hi", 10)
	row["score"] = 0.5
	require.NoError(t, s.Put(ctx, "conversations", row))

	// Second put without score: full replace, score becomes NULL.
	require.NoError(t, s.Put(ctx, "conversations", conv("c1", "u1", "hi there", 20)))

	got, err := s.Get(ctx, "conversations", "c1")
	require.NoError(t, err)
	assert.Equal(t, "hi there", got["lastMessage"])
	assert.Equal(t, int64(20), got["lastUpdated"])
	assert.Equal(t, int64(1), got["isSynced"])
	_, hasScore := got["score"]
	assert.False(t, hasScore)

	n, err := s.Count(ctx, "conversations")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPut_RejectsUnknownColumnAndMissingID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.Put(ctx, "conversations", Row{"id": "c1", "bogus": 1}))
	assert.Error(t, s.Put(ctx, "conversations", Row{"userId": "u1"}))
}

func TestQuery_FilterOrderLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "conversations", conv("a", "u1", "1", 30)))
	require.NoError(t, s.Put(ctx, "conversations", conv("b", "u1", "2", 10)))
	require.NoError(t, s.Put(ctx, "conversations", conv("c", "u1", "3", 20)))
	require.NoError(t, s.Put(ctx, "conversations", conv("d", "u2", "4", 40)))

	rows, err := s.Query(ctx, "conversations", Query{
		Where:   []Cond{Eq("userId", "u1")},
		OrderBy: "lastUpdated",
		Desc:    true,
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"a", "c", "b"}, []string{rows[0].ID(), rows[1].ID(), rows[2].ID()})

	rows, err = s.Query(ctx, "conversations", Query{
		Where:   []Cond{Eq("userId", "u1"), Where("lastUpdated", OpGe, 20)},
		OrderBy: "lastUpdated",
		Limit:   1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c", rows[0].ID())
}

func TestQuery_RejectsUnknownFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Query(ctx, "conversations", Query{Where: []Cond{Eq("nope", 1)}})
	assert.Error(t, err)

	_, err = s.Query(ctx, "conversations", Query{OrderBy: "nope"})
	assert.Error(t, err)

	_, err = s.Query(ctx, "conversations", Query{Where: []Cond{{Field: "userId", Op: "LIKE", Value: "%"}}})
	assert.Error(t, err)
}

func TestDeleteAndDeleteWhere(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "conversations", conv("a", "u1", "1", 10)))
	require.NoError(t, s.Put(ctx, "conversations", conv("b", "u1", "2", 20)))
	require.NoError(t, s.Put(ctx, "conversations", conv("c", "u2", "3", 30)))

	require.NoError(t, s.Delete(ctx, "conversations", "a"))
	require.NoError(t, s.Delete(ctx, "conversations", "a"), "deleting a missing id is not an error")

	n, err := s.DeleteWhere(ctx, "conversations", Where("lastUpdated", OpLt, 25))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.Query(ctx, "conversations", Query{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "c", left[0].ID())
}

func TestUpdate_ReadModifyWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	incr := func(r Row) (Row, error) {
		next := Row{"userId": "u1", "lastUpdated": int64(1)}
		if r != nil {
			next["lastUpdated"] = r["lastUpdated"].(int64) + 1
		}
		return next, nil
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "conversations", "counter", incr)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	row, err := s.Get(ctx, "conversations", "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(20), row["lastUpdated"])
}

func TestUpdate_NilResultLeavesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.Update(ctx, "conversations", "x", func(Row) (Row, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, got)

	row, err := s.Get(ctx, "conversations", "x")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestClearAll_EmptiesEveryCollection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "conversations", conv("a", "u1", "1", 10)))
	require.NoError(t, s.Put(ctx, "messages", Row{"id": "m1", "conversationId": "a", "sentAt": int64(1)}))

	require.NoError(t, s.ClearAll(ctx))

	for _, c := range s.Collections() {
		rows, err := s.Query(ctx, c, Query{})
		require.NoError(t, err)
		assert.Empty(t, rows, "collection %s", c)
	}
	assert.Equal(t, []string{"conversations", "messages"}, s.Collections())
}
