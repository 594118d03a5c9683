package arbitration

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	arbiter = "0xCcCc000000000000000000000000000000000003"
	renter  = "0xaaaa000000000000000000000000000000000001"
	owner   = "0xbbbb000000000000000000000000000000000002"
)

func newTestArbitrator() *Arbitrator {
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return New(NewMemoryStore(), arbiter).WithClock(func() time.Time { return fixed })
}

func TestOpen_IsIdempotentPerReservation(t *testing.T) {
	a := newTestArbitrator()
	ctx := context.Background()

	d1, err := a.Open(ctx, 7, renter, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d1.ID)
	assert.Equal(t, StatusPending, d1.Status)

	d2, err := a.Open(ctx, 7, renter, owner)
	require.NoError(t, err)
	assert.Equal(t, d1.ID, d2.ID)

	d3, err := a.Open(ctx, 8, renter, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), d3.ID)

	got, err := a.GetByReservation(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, d3.ID, got.ID)
}

func TestResolve(t *testing.T) {
	a := newTestArbitrator()
	ctx := context.Background()

	d, err := a.Open(ctx, 1, renter, owner)
	require.NoError(t, err)

	_, err = a.Resolve(ctx, d.ID, MaxRatioBps+1)
	assert.ErrorIs(t, err, ErrInvalidRatio)

	decision, err := a.Resolve(ctx, d.ID, 2500)
	require.NoError(t, err)
	assert.Equal(t, uint32(2500), decision.RatioToA)

	_, err = a.Resolve(ctx, d.ID, 5000)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	stored, err := a.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, stored.Status)
	assert.Equal(t, uint32(2500), stored.RatioToA, "first decision stands")
	assert.NotNil(t, stored.ResolvedAt)

	_, err = a.Resolve(ctx, 99, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_ConcurrentOnlyOneWins(t *testing.T) {
	a := newTestArbitrator()
	ctx := context.Background()
	d, err := a.Open(ctx, 1, renter, owner)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(ratio uint32) {
			defer wg.Done()
			if _, err := a.Resolve(ctx, d.ID, ratio); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(uint32(i * 100))
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDecision_Shares(t *testing.T) {
	tests := []struct {
		ratio  uint32
		amount int64
		toA    int64
		toB    int64
	}{
		{0, 1000, 0, 1000},
		{10000, 1000, 1000, 0},
		{5000, 1001, 500, 501}, // floor to A, remainder to B
		{3333, 10, 3, 7},
	}
	for _, tc := range tests {
		a, b := Decision{RatioToA: tc.ratio}.Shares(big.NewInt(tc.amount))
		assert.Equal(t, tc.toA, a.Int64(), "ratio %d", tc.ratio)
		assert.Equal(t, tc.toB, b.Int64(), "ratio %d", tc.ratio)
	}
}

func TestAddressIsLowercased(t *testing.T) {
	assert.Equal(t, "0xcccc000000000000000000000000000000000003", newTestArbitrator().Address())
}

func TestHandler_GetDispute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestArbitrator()
	_, err := a.Open(context.Background(), 3, renter, owner)
	require.NoError(t, err)

	r := gin.New()
	NewHandler(a).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/disputes/1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reservationId":3`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/disputes/2", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/disputes/x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/arbitrator", nil))
	assert.Contains(t, w.Body.String(), "0xcccc000000000000000000000000000000000003")
}
