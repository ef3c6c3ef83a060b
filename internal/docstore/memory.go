package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used as the test double and for local
// development without AWS credentials. Transactions are serialized under a
// single mutex, which trivially satisfies the read-check-write contract.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string][]byte
	maxBatch    int
}

// NewMemoryStore creates an empty MemoryStore. The atomic-write limit
// matches the 500-operation batch bound the reconciler is designed around.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string][]byte),
		maxBatch:    500,
	}
}

// MaxBatchOps returns the batch op limit.
func (m *MemoryStore) MaxBatchOps() int { return m.maxBatch }

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, collection, key string, out interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(collection, key, out)
}

func (m *MemoryStore) getLocked(collection, key string, out interface{}) error {
	col, ok := m.collections[collection]
	if !ok {
		return ErrNotFound
	}
	data, ok := col[key]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, collection, key string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document %s/%s: %w", collection, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(collection, key, data)
	return nil
}

func (m *MemoryStore) setLocked(collection, key string, data []byte) {
	col, ok := m.collections[collection]
	if !ok {
		col = make(map[string][]byte)
		m.collections[collection] = col
	}
	col[key] = data
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if col, ok := m.collections[collection]; ok {
		delete(col, key)
	}
	return nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, collection string, fn func(key string, data []byte) bool) error {
	return m.ListRange(ctx, collection, "", "\xff\xff\xff\xff", fn)
}

// ListRange implements Store.
func (m *MemoryStore) ListRange(ctx context.Context, collection, startKey, endKey string, fn func(key string, data []byte) bool) error {
	m.mu.Lock()
	col := m.collections[collection]
	keys := make([]string, 0, len(col))
	for k := range col {
		if k >= startKey && k <= endKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = col[k]
	}
	m.mu.Unlock()

	for _, k := range keys {
		if !fn(k, snapshot[k]) {
			return nil
		}
	}
	return nil
}

// RunBatch implements Store. All ops land under one lock acquisition, so the
// batch is atomic with respect to every other store operation.
func (m *MemoryStore) RunBatch(ctx context.Context, ops []Op) error {
	if len(ops) > m.maxBatch {
		return ErrBatchTooLarge
	}
	// Marshal everything before touching state so a marshal failure leaves
	// the store unchanged.
	payloads := make([][]byte, len(ops))
	for i, op := range ops {
		if op.Kind != OpPut {
			continue
		}
		data, err := json.Marshal(op.Doc)
		if err != nil {
			return fmt.Errorf("marshaling batch op %s/%s: %w", op.Collection, op.Key, err)
		}
		payloads[i] = data
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, op := range ops {
		switch op.Kind {
		case OpPut:
			m.setLocked(op.Collection, op.Key, payloads[i])
		case OpDelete:
			if col, ok := m.collections[op.Collection]; ok {
				delete(col, op.Key)
			}
		}
	}
	return nil
}

type memoryTx struct {
	store  *MemoryStore
	staged []Op
}

func (t *memoryTx) Get(collection, key string, out interface{}) error {
	// Reads observe writes staged earlier in the same transaction.
	for i := len(t.staged) - 1; i >= 0; i-- {
		op := t.staged[i]
		if op.Collection != collection || op.Key != key {
			continue
		}
		if op.Kind == OpDelete {
			return ErrNotFound
		}
		data, err := json.Marshal(op.Doc)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, out)
	}
	return t.store.getLocked(collection, key, out)
}

func (t *memoryTx) Set(collection, key string, doc interface{}) {
	t.staged = append(t.staged, Put(collection, key, doc))
}

func (t *memoryTx) Delete(collection, key string) {
	t.staged = append(t.staged, Delete(collection, key))
}

// RunTransaction implements Store. The whole transaction runs under the
// store mutex, so reads and the commit are one atomic step.
func (m *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}
	// Marshal first so a failure cannot half-commit.
	payloads := make([][]byte, len(tx.staged))
	for i, op := range tx.staged {
		if op.Kind != OpPut {
			continue
		}
		data, err := json.Marshal(op.Doc)
		if err != nil {
			return fmt.Errorf("marshaling tx write %s/%s: %w", op.Collection, op.Key, err)
		}
		payloads[i] = data
	}
	for i, op := range tx.staged {
		switch op.Kind {
		case OpPut:
			m.setLocked(op.Collection, op.Key, payloads[i])
		case OpDelete:
			if col, ok := m.collections[op.Collection]; ok {
				delete(col, op.Key)
			}
		}
	}
	return nil
}
