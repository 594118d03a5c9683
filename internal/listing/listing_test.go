package listing

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "0xAaAa000000000000000000000000000000000001"

func newTestRegistry() *Registry {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return NewRegistry(NewMemoryStore()).WithClock(func() time.Time { return fixed })
}

func TestRegistry_CreateAssignsSequentialIDs(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	first, err := r.Create(ctx, owner, CreateRequest{UnitPrice: "1000000000000000000", MaxDurationSeconds: 5 * 86400})
	require.NoError(t, err)
	second, err := r.Create(ctx, owner, CreateRequest{UnitPrice: "5", MaxDurationSeconds: 60})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint64(2), second.ID)
	assert.Equal(t, "0xaaaa000000000000000000000000000000000001", first.Owner)
	assert.Equal(t, CurrencyWei, first.Currency)
	assert.Equal(t, 0, first.UnitPrice.Cmp(big.NewInt(1e18)))
}

func TestRegistry_CreateRejectsInvalidInput(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	tests := []struct {
		name  string
		owner string
		req   CreateRequest
	}{
		{"zero price", owner, CreateRequest{UnitPrice: "0", MaxDurationSeconds: 60}},
		{"fractional price", owner, CreateRequest{UnitPrice: "1.5", MaxDurationSeconds: 60}},
		{"zero duration", owner, CreateRequest{UnitPrice: "1", MaxDurationSeconds: 0}},
		{"negative duration", owner, CreateRequest{UnitPrice: "1", MaxDurationSeconds: -1}},
		{"bad currency", owner, CreateRequest{UnitPrice: "1", MaxDurationSeconds: 60, Currency: "eur"}},
		{"no owner", " ", CreateRequest{UnitPrice: "1", MaxDurationSeconds: 60}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Create(ctx, tc.owner, tc.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	// Rejected creates must not consume ids.
	l, err := r.Create(ctx, owner, CreateRequest{UnitPrice: "1", MaxDurationSeconds: 60})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l.ID)
}

func TestRegistry_GetReturnsCopies(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	created, err := r.Create(ctx, owner, CreateRequest{UnitPrice: "100", MaxDurationSeconds: 60, Currency: CurrencyUSD})
	require.NoError(t, err)

	got, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	got.UnitPrice.SetInt64(1)

	again, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", again.UnitPrice.String())
	assert.Equal(t, CurrencyUSD, again.Currency)

	_, err = r.Get(ctx, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ListByOwner(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Create(ctx, owner, CreateRequest{UnitPrice: "1", MaxDurationSeconds: 60})
		require.NoError(t, err)
	}
	_, err := r.Create(ctx, "0xbbbb000000000000000000000000000000000002", CreateRequest{UnitPrice: "1", MaxDurationSeconds: 60})
	require.NoError(t, err)

	mine, err := r.ListByOwner(ctx, owner, 0)
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{mine[0].ID, mine[1].ID, mine[2].ID})

	limited, err := r.ListByOwner(ctx, owner, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRegistry_ConcurrentCreatesStayDense(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	ids := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := r.Create(ctx, owner, CreateRequest{UnitPrice: "1", MaxDurationSeconds: 60})
			if err == nil {
				ids <- l.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		seen[id] = true
	}
	require.Len(t, seen, n)
	for i := uint64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing id %d", i)
	}
}

func TestListing_MarshalJSON(t *testing.T) {
	l := &Listing{ID: 7, Owner: "0xabc", UnitPrice: big.NewInt(42), MaxDurationSeconds: 60, Currency: CurrencyWei}

	raw, err := json.Marshal(l)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "42", decoded["unitPrice"])
	assert.Equal(t, float64(7), decoded["id"])
	assert.Equal(t, "wei", decoded["currency"])
}
