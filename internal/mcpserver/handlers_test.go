package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewClient(Config{
		APIURL:       ts.URL,
		APIKey:       "sk_test_key",
		PartyAddress: "0xrenter",
	}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const reservationJSON = `{"reservation":{
	"id":4,"listingId":1,"renter":"0xrenter","owner":"0xowner","status":"active",
	"startTime":1767225600,"durationSeconds":129600,"days":1,
	"amountEscrowed":"2000000000000000000"}}`

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "sk_secret123", PartyAddress: "0xabc"})
	_, err := client.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_APIErrorMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "insufficient_funds",
			"message": "Not enough ETH to make reservation",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "k", PartyAddress: "0x1"})
	_, err := client.Reserve(context.Background(), 1, 0, 86400, "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
	assert.Contains(t, err.Error(), "Not enough ETH to make reservation")
}

func TestClient_APIErrorRawBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetPrice(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_Paths(t *testing.T) {
	var got []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.Method + " " + r.URL.Path
		if r.URL.RawQuery != "" {
			p += "?" + r.URL.RawQuery
		}
		got = append(got, p)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL, PartyAddress: "0xme"})
	ctx := context.Background()
	_, _ = c.GetListing(ctx, 3)
	_, _ = c.GetReservation(ctx, 9)
	_, _ = c.CancelReservation(ctx, 9)
	_, _ = c.RaiseDispute(ctx, 9)
	_, _ = c.CompleteReservation(ctx, 9)
	_, _ = c.ListReservations(ctx, 5)
	_, _ = c.GetBalance(ctx)

	assert.Equal(t, []string{
		"GET /v1/listings/3",
		"GET /v1/reservations/9",
		"POST /v1/reservations/9/cancel",
		"POST /v1/reservations/9/dispute",
		"POST /v1/reservations/9/complete",
		"GET /v1/parties/0xme/reservations?limit=5",
		"GET /v1/parties/0xme/balance",
	}, got)
}

// ============================================================
// Tool handler tests
// ============================================================

func TestHandleCreateListing_ConvertsEtherToWei(t *testing.T) {
	var body map[string]any
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listings", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"listing":{"id":1,"owner":"0xrenter","unitPrice":"500000000000000000","maxDurationSeconds":604800,"currency":"wei"}}`))
	}))

	result, err := h.HandleCreateListing(context.Background(), makeRequest(map[string]any{
		"unit_price":           "0.5",
		"max_duration_seconds": float64(604800),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "500000000000000000", body["unitPrice"])
	assert.Equal(t, float64(604800), body["maxDurationSeconds"])
	text := resultText(t, result)
	assert.Contains(t, text, "Listing #1")
	assert.Contains(t, text, "0.5 ETH")
	assert.Contains(t, text, "168h0m0s")
}

func TestHandleCreateListing_Validation(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called")
	}))

	result, _ := h.HandleCreateListing(context.Background(), makeRequest(map[string]any{"unit_price": "abc", "max_duration_seconds": float64(10)}))
	assert.True(t, result.IsError)

	result, _ = h.HandleCreateListing(context.Background(), makeRequest(map[string]any{"unit_price": "1"}))
	assert.True(t, result.IsError)
}

func TestHandleReserve(t *testing.T) {
	var body map[string]any
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/reservations", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(reservationJSON))
	}))

	result, err := h.HandleReserve(context.Background(), makeRequest(map[string]any{
		"listing_id":       float64(1),
		"start_time":       float64(1767225600),
		"duration_seconds": float64(129600),
		"value_eth":        "2",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	assert.Equal(t, "2000000000000000000", body["value"])
	assert.Equal(t, float64(129600), body["durationSeconds"])
	text := resultText(t, result)
	assert.Contains(t, text, "Reservation #4")
	assert.Contains(t, text, "Escrowed: 2 ETH")
	assert.Contains(t, text, "(1 whole days)")
}

func TestHandleReserve_InsufficientFundsSurfaced(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"insufficient_funds","message":"Not enough ETH to make reservation"}`))
	}))

	result, err := h.HandleReserve(context.Background(), makeRequest(map[string]any{
		"listing_id": float64(1), "start_time": float64(0), "duration_seconds": float64(86400), "value_eth": "0.1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Not enough ETH to make reservation")
}

func TestHandleReserve_MissingListing(t *testing.T) {
	h := newTestSetup(t, http.NotFoundHandler())
	result, _ := h.HandleReserve(context.Background(), makeRequest(map[string]any{"duration_seconds": float64(1), "value_eth": "1"}))
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "listing_id")
}

func TestHandleCancelReservation(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/reservations/4/cancel", r.URL.Path)
		_, _ = w.Write([]byte(`{"reservation":{"id":4,"listingId":1,"status":"cancelled",
			"amountEscrowed":"2000000000000000000","paidToRenter":"2000000000000000000","paidToOwner":"0"}}`))
	}))

	result, err := h.HandleCancelReservation(context.Background(), makeRequest(map[string]any{"reservation_id": float64(4)}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Cancelled")
	assert.Contains(t, text, "Status: cancelled")
	assert.Contains(t, text, "Paid to renter: 2 ETH")
}

func TestHandleCancelReservation_TooLate(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"too_late_to_cancel","message":"Too late to cancel reservation."}`))
	}))
	result, _ := h.HandleCancelReservation(context.Background(), makeRequest(map[string]any{"reservation_id": float64(4)}))
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Too late to cancel reservation.")
}

func TestHandleListReservations(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/parties/0xrenter/reservations", r.URL.Path)
		_, _ = w.Write([]byte(`{"reservations":[
			{"id":2,"listingId":1,"status":"active","startTime":0,"amountEscrowed":"1000000000000000000"},
			{"id":1,"listingId":1,"status":"cancelled","startTime":0,"amountEscrowed":"1500000000000000000"}],"count":2}`))
	}))

	result, err := h.HandleListReservations(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 reservation(s)")
	assert.Contains(t, text, "#2 listing 1, active, 1 ETH")
	assert.Contains(t, text, "#1 listing 1, cancelled, 1.5 ETH")
}

func TestHandleListReservations_Empty(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reservations":[],"count":0}`))
	}))
	result, _ := h.HandleListReservations(context.Background(), makeRequest(nil))
	assert.Equal(t, "You have no reservations.", resultText(t, result))
}

func TestHandleCheckBalance(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"address":"0xrenter","balance":"250000000000000000","balanceEther":"0.250000000000000000"}`))
	}))
	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Withdrawable: 0.25 ETH (250000000000000000 wei)")
}

func TestHandleWithdraw(t *testing.T) {
	var amounts []string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		amounts = append(amounts, body["amount"])
		_, _ = w.Write([]byte(`{"party":"0xrenter","amount":"1000000000000000000"}`))
	}))

	result, err := h.HandleWithdraw(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Withdrew 1 ETH.", resultText(t, result))

	_, err = h.HandleWithdraw(context.Background(), makeRequest(map[string]any{"amount_eth": "0.001"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"all", "1000000000000000"}, amounts)
}

func TestHandleGetPrice(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"price":{"answer":"312345000000","decimals":8,"updatedAt":"2026-01-01T00:00:00Z","source":"chainlink"}}`))
	}))
	result, err := h.HandleGetPrice(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "ETH/USD: $3123.45 (source chainlink, updated 2026-01-01T00:00:00Z)", resultText(t, result))
}

func TestEtherString(t *testing.T) {
	assert.Equal(t, "0", etherString(""))
	assert.Equal(t, "0", etherString("0"))
	assert.Equal(t, "10", etherString("10000000000000000000"))
	assert.Equal(t, "0.000000000000000001", etherString("1"))
	assert.Equal(t, "garbage", etherString("garbage"))
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", APIKey: "k", PartyAddress: "0x1"})
	require.NotNil(t, s)
}
