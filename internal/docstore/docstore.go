// Package docstore abstracts the transactional document store the pipeline
// persists to. Documents are JSON values addressed by (collection, key).
// Two implementations exist: DynamoDB for production and an in-memory store
// for tests, so every pipeline component takes the Store interface rather
// than a concrete client.
package docstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when no document exists at the key.
	ErrNotFound = errors.New("docstore: not found")

	// ErrConflict is returned by RunTransaction when the read set was
	// modified concurrently and the retry budget is exhausted.
	ErrConflict = errors.New("docstore: transaction conflict")

	// ErrBatchTooLarge is returned by RunBatch when the op count exceeds
	// the store's atomic-write limit.
	ErrBatchTooLarge = errors.New("docstore: batch exceeds atomic write limit")
)

// OpKind discriminates batch operations.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one write inside an all-or-nothing batch.
type Op struct {
	Kind       OpKind
	Collection string
	Key        string
	Doc        interface{} // ignored for OpDelete
}

// Put builds a put op.
func Put(collection, key string, doc interface{}) Op {
	return Op{Kind: OpPut, Collection: collection, Key: key, Doc: doc}
}

// Delete builds a delete op.
func Delete(collection, key string) Op {
	return Op{Kind: OpDelete, Collection: collection, Key: key}
}

// Tx is the view of the store inside RunTransaction. Reads are tracked so
// the commit fails if any document read here was modified concurrently;
// writes are staged and land atomically on commit.
type Tx interface {
	Get(collection, key string, out interface{}) error
	Set(collection, key string, doc interface{})
	Delete(collection, key string)
}

// Store is the document-store contract the pipeline depends on.
type Store interface {
	// Get loads the document at (collection, key) into out.
	Get(ctx context.Context, collection, key string, out interface{}) error

	// Set writes the document at (collection, key), creating or replacing it.
	Set(ctx context.Context, collection, key string, doc interface{}) error

	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, key string) error

	// List iterates every document in a collection in key order. The
	// callback returns false to stop early.
	List(ctx context.Context, collection string, fn func(key string, data []byte) bool) error

	// ListRange iterates documents with startKey <= key <= endKey in key
	// order. Useful together with time-sortable keys.
	ListRange(ctx context.Context, collection, startKey, endKey string, fn func(key string, data []byte) bool) error

	// RunBatch applies up to MaxBatchOps writes as one atomic unit:
	// either all land or none do.
	RunBatch(ctx context.Context, ops []Op) error

	// RunTransaction executes fn with read-check-write atomicity. fn may be
	// invoked more than once if the commit conflicts; it must be
	// side-effect free outside the Tx.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// MaxBatchOps is the store's atomic-write limit per batch.
	MaxBatchOps() int
}
