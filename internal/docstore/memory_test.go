package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemoryStore_GetSet(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	var missing doc
	err := st.Get(ctx, "things", "a", &missing)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Set(ctx, "things", "a", &doc{Name: "alpha", Count: 1}))

	var got doc
	require.NoError(t, st.Get(ctx, "things", "a", &got))
	assert.Equal(t, doc{Name: "alpha", Count: 1}, got)

	require.NoError(t, st.Delete(ctx, "things", "a"))
	assert.ErrorIs(t, st.Get(ctx, "things", "a", &got), ErrNotFound)
}

func TestMemoryStore_RunBatchAtomic(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	err := st.RunBatch(ctx, []Op{
		Put("things", "a", &doc{Name: "alpha"}),
		Put("things", "b", &doc{Name: "beta"}),
	})
	require.NoError(t, err)

	var got doc
	require.NoError(t, st.Get(ctx, "things", "b", &got))
	assert.Equal(t, "beta", got.Name)

	// An unmarshalable value fails the whole batch; nothing lands.
	err = st.RunBatch(ctx, []Op{
		Put("things", "c", &doc{Name: "gamma"}),
		Put("things", "d", make(chan int)),
	})
	require.Error(t, err)
	assert.ErrorIs(t, st.Get(ctx, "things", "c", &got), ErrNotFound,
		"a failed batch must not partially apply")
}

func TestMemoryStore_BatchTooLarge(t *testing.T) {
	st := NewMemoryStore()
	ops := make([]Op, st.MaxBatchOps()+1)
	for i := range ops {
		ops[i] = Put("things", "k", &doc{})
	}
	assert.ErrorIs(t, st.RunBatch(context.Background(), ops), ErrBatchTooLarge)
}

func TestMemoryStore_TransactionReadsOwnWrites(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, "counters", "c", &doc{Count: 1}))

	err := st.RunTransaction(ctx, func(tx Tx) error {
		var d doc
		if err := tx.Get("counters", "c", &d); err != nil {
			return err
		}
		d.Count++
		tx.Set("counters", "c", &d)

		// Staged writes are visible inside the transaction.
		var again doc
		if err := tx.Get("counters", "c", &again); err != nil {
			return err
		}
		assert.Equal(t, 2, again.Count)
		return nil
	})
	require.NoError(t, err)

	var final doc
	require.NoError(t, st.Get(ctx, "counters", "c", &final))
	assert.Equal(t, 2, final.Count)
}

func TestMemoryStore_TransactionRollbackOnError(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, "counters", "c", &doc{Count: 1}))

	boom := errors.New("boom")
	err := st.RunTransaction(ctx, func(tx Tx) error {
		var d doc
		if err := tx.Get("counters", "c", &d); err != nil {
			return err
		}
		d.Count = 99
		tx.Set("counters", "c", &d)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var final doc
	require.NoError(t, st.Get(ctx, "counters", "c", &final))
	assert.Equal(t, 1, final.Count, "a failed transaction must not leak writes")
}

func TestMemoryStore_ListRange(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	for _, k := range []string{"digest_20260824_a", "digest_20260825_b", "digest_20260826_c"} {
		require.NoError(t, st.Set(ctx, "manifests", k, &doc{Name: k}))
	}

	var keys []string
	err := st.ListRange(ctx, "manifests", "digest_20260825", "digest_20260826_zzzzzz",
		func(key string, data []byte) bool {
			keys = append(keys, key)
			return true
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"digest_20260825_b", "digest_20260826_c"}, keys,
		"range scan is key-ordered and bounded")
}

func TestMemoryStore_ListIsolatedFromMutation(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, "things", "a", &doc{Name: "alpha"}))

	err := st.List(ctx, "things", func(key string, data []byte) bool {
		// Writing during iteration must not deadlock or corrupt the scan.
		require.NoError(t, st.Set(ctx, "things", "z", &doc{Name: "zeta"}))
		return true
	})
	require.NoError(t, err)
}
