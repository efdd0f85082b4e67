package remote

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore implements [Store] on Cloud Firestore.
type Firestore struct {
	client *firestore.Client
}

var _ Store = (*Firestore)(nil)

// NewFirestore initialises a Firebase app for projectID and returns a
// Firestore-backed store. credentialsFile may be empty to use application
// default credentials.
func NewFirestore(ctx context.Context, projectID, credentialsFile string) (*Firestore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising Firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating Firestore client: %w", err)
	}
	return &Firestore{client: client}, nil
}

// NewFirestoreFromClient wraps an existing client.
func NewFirestoreFromClient(client *firestore.Client) *Firestore {
	return &Firestore{client: client}
}

// Close releases the Firestore client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

// Get implements [Store].
func (f *Firestore) Get(ctx context.Context, collection, id string) (*Document, error) {
	snap, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, Classify("get "+collection+"/"+id, err)
	}
	doc := toDocument(snap)
	return &doc, nil
}

// Query implements [Store].
func (f *Firestore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	it := f.buildQuery(collection, q).Documents(ctx)
	defer it.Stop()

	var docs []Document
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, Classify("query "+collection, err)
		}
		docs = append(docs, toDocument(snap))
	}
	return docs, nil
}

// Set implements [Store].
func (f *Firestore) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	ref := f.client.Collection(collection).Doc(id)
	var err error
	if merge {
		_, err = ref.Set(ctx, data, firestore.MergeAll)
	} else {
		_, err = ref.Set(ctx, data)
	}
	return Classify("set "+collection+"/"+id, err)
}

// Delete implements [Store].
func (f *Firestore) Delete(ctx context.Context, collection, id string) error {
	_, err := f.client.Collection(collection).Doc(id).Delete(ctx)
	return Classify("delete "+collection+"/"+id, err)
}

// RunTransaction implements [Store]. Contention retries are handled by the
// Firestore client.
func (f *Firestore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := f.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
		return fn(ctx, &firestoreTx{client: f.client, tx: t})
	})
	return Classify("transaction", err)
}

// Listen implements [Store].
func (f *Firestore) Listen(ctx context.Context, collection string, q Query) (Watch, error) {
	it := f.buildQuery(collection, q).Snapshots(ctx)
	return &firestoreWatch{it: it, collection: collection}, nil
}

func (f *Firestore) buildQuery(collection string, q Query) firestore.Query {
	fq := f.client.Collection(collection).Query
	for _, flt := range q.Filters {
		fq = fq.Where(flt.Field, string(flt.Op), flt.Value)
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.OrderBy, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq
}

type firestoreTx struct {
	client *firestore.Client
	tx     *firestore.Transaction
}

func (t *firestoreTx) Get(collection, id string) (*Document, error) {
	snap, err := t.tx.Get(t.client.Collection(collection).Doc(id))
	if status.Code(err) == codes.NotFound {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		// Returned unclassified so the client can see aborts and retry.
		return nil, err
	}
	doc := toDocument(snap)
	return &doc, nil
}

func (t *firestoreTx) Set(collection, id string, data map[string]any, merge bool) error {
	ref := t.client.Collection(collection).Doc(id)
	if merge {
		return t.tx.Set(ref, data, firestore.MergeAll)
	}
	return t.tx.Set(ref, data)
}

func (t *firestoreTx) Delete(collection, id string) error {
	return t.tx.Delete(t.client.Collection(collection).Doc(id))
}

type firestoreWatch struct {
	it         *firestore.QuerySnapshotIterator
	collection string
}

func (w *firestoreWatch) Next(ctx context.Context) ([]Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := w.it.Next()
	if err != nil {
		return nil, Classify("listen "+w.collection, err)
	}
	changes := make([]Change, 0, len(snap.Changes))
	for _, c := range snap.Changes {
		var kind ChangeKind
		switch c.Kind {
		case firestore.DocumentAdded:
			kind = Added
		case firestore.DocumentModified:
			kind = Modified
		case firestore.DocumentRemoved:
			kind = Removed
		}
		changes = append(changes, Change{Kind: kind, Doc: toDocument(c.Doc)})
	}
	return changes, nil
}

func (w *firestoreWatch) Stop() {
	w.it.Stop()
}

func toDocument(snap *firestore.DocumentSnapshot) Document {
	doc := Document{ID: snap.Ref.ID, UpdateTime: snap.UpdateTime}
	if snap.Exists() {
		doc.Data = snap.Data()
	}
	return doc
}
