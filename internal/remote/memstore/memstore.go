// Package memstore is an in-process [remote.Store]. It keeps Firestore's
// observable behaviour that the sync layer relies on: optimistic-concurrency
// transactions that retry on contention, snapshot listeners with an initial
// snapshot followed by incremental changes, and Firestore's value shapes
// (int64 numbers, []any arrays, map[string]any maps).
//
// It backs the "memory" remote backend and the package tests, and supports
// fault injection through [Store.SetOffline] and [Store.FailWith].
package memstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/penpalsync/penpalsync/internal/remote"
)

// maxTxAttempts matches the Firestore client's default.
const maxTxAttempts = 5

var errReadAfterWrite = errors.New("memstore: read after write in transaction")

type record struct {
	data    map[string]any
	version int64
	updated time.Time
}

// Store is an in-memory remote store. The zero value is not usable; call
// [New].
type Store struct {
	mu       sync.Mutex
	colls    map[string]map[string]*record
	version  int64
	now      func() time.Time
	failErr  error
	offline  bool
	watchers map[*watch]struct{}
	txHook   func(attempt int)
}

var _ remote.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		colls:    make(map[string]map[string]*record),
		now:      time.Now,
		watchers: make(map[*watch]struct{}),
	}
}

// SetClock overrides the source of document update times.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetOffline makes every call fail with [remote.ErrUnavailable] until
// cleared.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailWith makes every call fail with err until called with nil.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// OnTransactionAttempt registers fn to run at the start of every
// transaction attempt, outside the store lock. Tests use it to force
// contention.
func (s *Store) OnTransactionAttempt(fn func(attempt int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txHook = fn
}

// Put seeds a document directly, bypassing fault injection. UpdateTime is
// set to at.
func (s *Store) Put(collection, id string, data map[string]any, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(collection, id, normalizeMap(data), false, at)
}

// Len returns the number of documents in collection.
func (s *Store) Len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.colls[collection])
}

func (s *Store) checkLocked(op string) error {
	if s.offline {
		return remote.Fail(op, remote.ErrUnavailable, errors.New("memstore offline"))
	}
	if s.failErr != nil {
		return remote.Classify(op, s.failErr)
	}
	return nil
}

// Get implements [remote.Store].
func (s *Store) Get(ctx context.Context, collection, id string) (*remote.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, remote.Classify("get", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked("get " + collection + "/" + id); err != nil {
		return nil, err
	}
	rec, ok := s.colls[collection][id]
	if !ok {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	doc := toDocument(id, rec)
	return &doc, nil
}

// Query implements [remote.Store].
func (s *Store) Query(ctx context.Context, collection string, q remote.Query) ([]remote.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, remote.Classify("query", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked("query " + collection); err != nil {
		return nil, err
	}
	return s.queryLocked(collection, q), nil
}

func (s *Store) queryLocked(collection string, q remote.Query) []remote.Document {
	var docs []remote.Document
	for id, rec := range s.colls[collection] {
		if matches(rec.data, q.Filters) {
			docs = append(docs, toDocument(id, rec))
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compare(docs[i].Data[q.OrderBy], docs[j].Data[q.OrderBy])
			if c != 0 {
				if q.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		return docs[i].ID < docs[j].ID
	})
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}

// Set implements [remote.Store].
func (s *Store) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return remote.Classify("set", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked("set " + collection + "/" + id); err != nil {
		return err
	}
	s.write(collection, id, normalizeMap(data), merge, s.now())
	return nil
}

// Delete implements [remote.Store].
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return remote.Classify("delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked("delete " + collection + "/" + id); err != nil {
		return err
	}
	s.remove(collection, id)
	return nil
}

// RunTransaction implements [remote.Store] with optimistic concurrency: reads
// record the version they saw and the commit is rejected, and fn re-run, if
// any of them changed in the meantime.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx remote.Tx) error) error {
	var lastErr error
	for attempt := range maxTxAttempts {
		if err := ctx.Err(); err != nil {
			return remote.Classify("transaction", err)
		}
		s.mu.Lock()
		hook := s.txHook
		err := s.checkLocked("transaction")
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if hook != nil {
			hook(attempt)
		}

		tx := &memTx{s: s, reads: make(map[docKey]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if tx.commit() {
			return nil
		}
		lastErr = errors.New("memstore: transaction contention")
	}
	return remote.Fail("transaction", remote.ErrAborted,
		fmt.Errorf("gave up after %d attempts: %w", maxTxAttempts, lastErr))
}

// Listen implements [remote.Store].
func (s *Store) Listen(ctx context.Context, collection string, q remote.Query) (remote.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked("listen " + collection); err != nil {
		return nil, err
	}

	w := &watch{
		s:          s,
		collection: collection,
		query:      q,
		notify:     make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
	initial := make([]remote.Change, 0)
	for _, doc := range s.queryLocked(collection, q) {
		initial = append(initial, remote.Change{Kind: remote.Added, Doc: doc})
	}
	w.pending = append(w.pending, initial)
	w.signal()
	s.watchers[w] = struct{}{}
	return w, nil
}

// write stores data under id and fans the change out to watchers. s.mu must
// be held.
func (s *Store) write(collection, id string, data map[string]any, merge bool, at time.Time) {
	coll := s.colls[collection]
	if coll == nil {
		coll = make(map[string]*record)
		s.colls[collection] = coll
	}
	old := coll[id]
	next := data
	if merge && old != nil {
		next = cloneMap(old.data)
		for k, v := range data {
			next[k] = v
		}
	}
	s.version++
	rec := &record{data: next, version: s.version, updated: at}
	coll[id] = rec

	var oldData map[string]any
	if old != nil {
		oldData = old.data
	}
	s.publish(collection, id, oldData, rec)
}

func (s *Store) remove(collection, id string) {
	old, ok := s.colls[collection][id]
	if !ok {
		return
	}
	delete(s.colls[collection], id)
	s.version++
	s.publish(collection, id, old.data, nil)
}

func (s *Store) publish(collection, id string, oldData map[string]any, rec *record) {
	for w := range s.watchers {
		if w.collection != collection {
			continue
		}
		wasIn := oldData != nil && matches(oldData, w.query.Filters)
		isIn := rec != nil && matches(rec.data, w.query.Filters)

		var ch remote.Change
		switch {
		case !wasIn && isIn:
			ch = remote.Change{Kind: remote.Added, Doc: toDocument(id, rec)}
		case wasIn && isIn:
			ch = remote.Change{Kind: remote.Modified, Doc: toDocument(id, rec)}
		case wasIn && !isIn:
			ch = remote.Change{Kind: remote.Removed, Doc: remote.Document{ID: id, Data: cloneMap(oldData)}}
		default:
			continue
		}
		w.pending = append(w.pending, []remote.Change{ch})
		w.signal()
	}
}

type docKey struct{ collection, id string }

type memTx struct {
	s      *Store
	reads  map[docKey]int64 // version seen, 0 for absent
	writes []txWrite
}

type txWrite struct {
	collection, id string
	data           map[string]any
	merge, delete  bool
}

func (t *memTx) Get(collection, id string) (*remote.Document, error) {
	if len(t.writes) > 0 {
		return nil, errReadAfterWrite
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rec, ok := t.s.colls[collection][id]
	if !ok {
		t.reads[docKey{collection, id}] = 0
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	t.reads[docKey{collection, id}] = rec.version
	doc := toDocument(id, rec)
	return &doc, nil
}

func (t *memTx) Set(collection, id string, data map[string]any, merge bool) error {
	t.writes = append(t.writes, txWrite{collection: collection, id: id, data: normalizeMap(data), merge: merge})
	return nil
}

func (t *memTx) Delete(collection, id string) error {
	t.writes = append(t.writes, txWrite{collection: collection, id: id, delete: true})
	return nil
}

// commit applies the buffered writes if nothing read has changed.
func (t *memTx) commit() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for key, seen := range t.reads {
		var current int64
		if rec, ok := t.s.colls[key.collection][key.id]; ok {
			current = rec.version
		}
		if current != seen {
			return false
		}
	}
	now := t.s.now()
	for _, w := range t.writes {
		if w.delete {
			t.s.remove(w.collection, w.id)
			continue
		}
		t.s.write(w.collection, w.id, w.data, w.merge, now)
	}
	return true
}

type watch struct {
	s          *Store
	collection string
	query      remote.Query

	pending [][]remote.Change // guarded by s.mu
	notify  chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (w *watch) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *watch) Next(ctx context.Context) ([]remote.Change, error) {
	for {
		w.s.mu.Lock()
		if len(w.pending) > 0 {
			batch := w.pending[0]
			w.pending = w.pending[1:]
			w.s.mu.Unlock()
			return batch, nil
		}
		w.s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.stopped:
			return nil, remote.Fail("listen "+w.collection, remote.ErrUnknown, errors.New("watch stopped"))
		case <-w.notify:
		}
	}
}

func (w *watch) Stop() {
	w.once.Do(func() {
		w.s.mu.Lock()
		delete(w.s.watchers, w)
		w.s.mu.Unlock()
		close(w.stopped)
	})
}

// Watchers returns the number of live listeners. Tests use it to detect
// leaked subscriptions.
func (s *Store) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func toDocument(id string, rec *record) remote.Document {
	return remote.Document{ID: id, Data: cloneMap(rec.data), UpdateTime: rec.updated}
}

// --- values ------------------------------------------------------------------

func matches(data map[string]any, filters []remote.Filter) bool {
	for _, f := range filters {
		v, ok := data[f.Field]
		if !ok {
			return false
		}
		want := normalize(f.Value)
		switch f.Op {
		case remote.OpEq:
			if compare(v, want) != 0 {
				return false
			}
		case remote.OpNe:
			if compare(v, want) == 0 {
				return false
			}
		case remote.OpLt:
			if compare(v, want) >= 0 {
				return false
			}
		case remote.OpLe:
			if compare(v, want) > 0 {
				return false
			}
		case remote.OpGt:
			if compare(v, want) <= 0 {
				return false
			}
		case remote.OpGe:
			if compare(v, want) < 0 {
				return false
			}
		case remote.OpArrayContains:
			arr, ok := v.([]any)
			if !ok {
				return false
			}
			found := false
			for _, el := range arr {
				if compare(el, want) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compare orders two normalised values. Values of different kinds compare
// by kind name so ordering stays total.
func compare(a, b any) int {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp3(x < y, x > y)
		case float64:
			return cmp3(float64(x) < y, float64(x) > y)
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp3(x < y, x > y)
		case int64:
			return cmp3(x < float64(y), x > float64(y))
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp3(x < y, x > y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			return cmp3(!x && y, x && !y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return cmp3(x.Before(y), x.After(y))
		}
	case nil:
		if b == nil {
			return 0
		}
		return -1
	}
	if b == nil {
		return 1
	}
	if reflect.DeepEqual(a, b) {
		return 0
	}
	ka, kb := fmt.Sprintf("%T", a), fmt.Sprintf("%T", b)
	if ka == kb {
		return cmp3(fmt.Sprint(a) < fmt.Sprint(b), fmt.Sprint(a) > fmt.Sprint(b))
	}
	return cmp3(ka < kb, ka > kb)
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	default:
		return 0
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

// normalize converts v to the shapes Firestore hands back on read.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int64, float64, time.Time:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case map[string]any:
		return normalizeMap(x)
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = normalize(el)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface())
		}
		return out
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.String:
		return rv.String()
	}
	return v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = cloneValue(el)
		}
		return out
	default:
		return v
	}
}
