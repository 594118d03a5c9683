package reservation

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/reservo/internal/arbitration"
	"github.com/mbd888/reservo/internal/auth"
)

// testCallerHeader lets each request pick its authenticated party.
const testCallerHeader = "X-Test-Caller"

func setupRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t, DefaultConfig())
	handler := NewHandler(h.svc)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if caller := c.GetHeader(testCallerHeader); caller != "" {
			c.Set(auth.ContextKeyParty, caller)
		}
		c.Next()
	})
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1)
	return r, h
}

func do(r *gin.Engine, method, path, caller, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if caller != "" {
		req.Header.Set(testCallerHeader, caller)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func reserveBody(start int64, duration, value string) string {
	return fmt.Sprintf(`{"listingId":1,"startTime":%d,"durationSeconds":%s,"value":"%s"}`, start, duration, value)
}

func TestHandler_ReserveAndGet(t *testing.T) {
	r, h := setupRouter(t)
	start := h.startIn(24 * time.Hour)

	w := do(r, "POST", "/v1/reservations", renter, reserveBody(start, "129600.9", "10000000000000000000"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Reservation struct {
			ID             uint64 `json:"id"`
			Days           int64  `json:"days"`
			Status         string `json:"status"`
			AmountEscrowed string `json:"amountEscrowed"`
		} `json:"reservation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(1), resp.Reservation.ID)
	assert.Equal(t, int64(1), resp.Reservation.Days)
	assert.Equal(t, "active", resp.Reservation.Status)
	assert.Equal(t, "2000000000000000000", resp.Reservation.AmountEscrowed)

	w = do(r, "GET", "/v1/reservations/1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"renter":"`+renter+`"`)

	w = do(r, "GET", "/v1/reservations/count", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":1}`, w.Body.String())

	w = do(r, "GET", "/v1/parties/"+renter+"/reservations", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_ReserveErrors(t *testing.T) {
	r, h := setupRouter(t)
	start := h.startIn(time.Hour)

	w := do(r, "POST", "/v1/reservations", renter, reserveBody(start, "86400", "999"))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "Not enough ETH to make reservation")

	w = do(r, "POST", "/v1/reservations", renter, `{"listingId":7,"startTime":1,"durationSeconds":60,"value":"1"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, "POST", "/v1/reservations", renter, `{"listingId":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "GET", "/v1/reservations/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "GET", "/v1/reservations/5", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CancelLifecycle(t *testing.T) {
	r, h := setupRouter(t)
	res := h.reserve(t, float64(day), ether(1))
	path := fmt.Sprintf("/v1/reservations/%d/cancel", res.ID)

	w := do(r, "POST", path, owner, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	h.clock.Set(time.Unix(res.StartTime, 0))
	w = do(r, "POST", path, renter, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "Too late to cancel reservation.")

	h.clock.Set(time.Unix(res.StartTime-1, 0))
	w = do(r, "POST", path, renter, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"cancelled"`)
}

func TestHandler_DisputeResolveComplete(t *testing.T) {
	r, h := setupRouter(t)
	a := h.reserve(t, float64(day), ether(2))
	b := h.reserve(t, float64(day), ether(1))

	w := do(r, "POST", fmt.Sprintf("/v1/reservations/%d/dispute", a.ID), renter, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"disputed"`)

	resolvePath := fmt.Sprintf("/v1/reservations/%d/resolve", a.ID)
	w = do(r, "POST", resolvePath, renter, `{"ratioToRenter":0.5}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "POST", resolvePath, arbitrator, `{"ratioToRenter":1.5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", resolvePath, arbitrator, `{"ratioToRenter":0.25}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"paidToRenter":"250000000000000000"`)
	assert.Contains(t, w.Body.String(), `"paidToOwner":"750000000000000000"`)

	w = do(r, "POST", resolvePath, arbitrator, `{"ratioBps":10000}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already_resolved")

	completePath := fmt.Sprintf("/v1/reservations/%d/complete", b.ID)
	w = do(r, "POST", completePath, owner, "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	h.clock.Set(time.Unix(b.EndTime(), 0))
	w = do(r, "POST", completePath, stranger, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
}

func TestResolveRequest_Bps(t *testing.T) {
	f := func(v string) *json.Number { n := json.Number(v); return &n }
	u := func(v uint32) *uint32 { return &v }

	tests := []struct {
		name string
		req  ResolveRequest
		want uint32
		ok   bool
	}{
		{"half", ResolveRequest{RatioToRenter: f("0.5")}, 5000, true},
		{"all to owner", ResolveRequest{RatioToRenter: f("0")}, 0, true},
		{"all to renter", ResolveRequest{RatioToRenter: f("1")}, 10000, true},
		{"rounds down", ResolveRequest{RatioToRenter: f("0.33339")}, 3333, true},
		{"three bps", ResolveRequest{RatioToRenter: f("0.0003")}, 3, true},
		{"twenty nine bps", ResolveRequest{RatioToRenter: f("0.0029")}, 29, true},
		{"exponent form", ResolveRequest{RatioToRenter: f("2.5e-1")}, 2500, true},
		{"one bps less than all", ResolveRequest{RatioToRenter: f("0.99999999")}, 9999, true},
		{"above one", ResolveRequest{RatioToRenter: f("1.01")}, 0, false},
		{"negative", ResolveRequest{RatioToRenter: f("-0.1")}, 0, false},
		{"not a number", ResolveRequest{RatioToRenter: f("half")}, 0, false},
		{"huge exponent", ResolveRequest{RatioToRenter: f("1e-999999999")}, 0, false},
		{"too many digits", ResolveRequest{RatioToRenter: f("0." + strings.Repeat("1", 80))}, 0, false},
		{"bps wins", ResolveRequest{RatioToRenter: f("0.1"), RatioBps: u(9000)}, 9000, true},
		{"bps too large", ResolveRequest{RatioBps: u(10001)}, 10001, false},
		{"missing", ResolveRequest{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.req.bps()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestResolveRequest_EveryBasisPointDecodesExactly(t *testing.T) {
	for k := 0; k <= arbitration.MaxRatioBps; k++ {
		body := fmt.Sprintf(`{"ratioToRenter": %s}`, strconv.FormatFloat(float64(k)/10000, 'f', -1, 64))
		var req ResolveRequest
		require.NoError(t, json.Unmarshal([]byte(body), &req))
		got, ok := req.bps()
		require.True(t, ok, body)
		require.Equal(t, uint32(k), got, body)
	}
}

func TestHandler_UnrecordedSettlementIsAnError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newHarness(t, DefaultConfig())
	res := h.reserve(t, float64(day), ether(1))

	svc := NewService(updateFailingStore{h.store}, h.listings, h.vault, h.arb, DefaultConfig()).WithClock(h.clock.Now)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyParty, c.GetHeader(testCallerHeader))
		c.Next()
	})
	NewHandler(svc).RegisterProtectedRoutes(r.Group("/v1"))

	w := do(r, "POST", fmt.Sprintf("/v1/reservations/%d/cancel", res.ID), renter, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "settlement_not_recorded")
}
