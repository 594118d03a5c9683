package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a reservo API server.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // API key, e.g. "sk_..."
	PartyAddress string // the key's address, e.g. "0x..."
}

// Client is a thin HTTP client for the reservo API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func idPath(prefix string, id uint64, suffix string) string {
	return prefix + strconv.FormatUint(id, 10) + suffix
}

// CreateListing offers a listing owned by the configured party. unitPrice is
// wei, or USD with 18 decimals when currency is "usd".
func (c *Client) CreateListing(ctx context.Context, unitPrice string, maxDurationSeconds int64, currency string) (json.RawMessage, error) {
	body := map[string]any{
		"unitPrice":          unitPrice,
		"maxDurationSeconds": maxDurationSeconds,
	}
	if currency != "" {
		body["currency"] = currency
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/listings", nil, body)
}

// GetListing fetches one listing.
func (c *Client) GetListing(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, idPath("/v1/listings/", id, ""), nil, nil)
}

// Reserve books a listing, attaching value wei.
func (c *Client) Reserve(ctx context.Context, listingID uint64, startTime int64, durationSeconds float64, value string) (json.RawMessage, error) {
	body := map[string]any{
		"listingId":       listingID,
		"startTime":       startTime,
		"durationSeconds": durationSeconds,
		"value":           value,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/reservations", nil, body)
}

// GetReservation fetches one reservation.
func (c *Client) GetReservation(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, idPath("/v1/reservations/", id, ""), nil, nil)
}

// ListReservations lists the configured party's reservations, newest first.
func (c *Client) ListReservations(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+c.cfg.PartyAddress+"/reservations", q, nil)
}

// CancelReservation cancels before the start time for a full refund.
func (c *Client) CancelReservation(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, idPath("/v1/reservations/", id, "/cancel"), nil, nil)
}

// RaiseDispute hands the reservation to the arbitrator.
func (c *Client) RaiseDispute(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, idPath("/v1/reservations/", id, "/dispute"), nil, nil)
}

// CompleteReservation pays the owner once the period has ended.
func (c *Client) CompleteReservation(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, idPath("/v1/reservations/", id, "/complete"), nil, nil)
}

// GetBalance returns the configured party's withdrawable balance.
func (c *Client) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+c.cfg.PartyAddress+"/balance", nil, nil)
}

// Withdraw pays out amount wei, or everything when amount is "all".
func (c *Client) Withdraw(ctx context.Context, amount string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/withdrawals", nil, map[string]string{"amount": amount})
}

// GetPrice returns the current ETH/USD feed answer.
func (c *Client) GetPrice(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/oracle/price", nil, nil)
}
