package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/reservo/internal/wei"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCreateListing offers a new listing.
func (h *Handlers) HandleCreateListing(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	currency := req.GetString("currency", "wei")
	price, ok := wei.ParseEther(req.GetString("unit_price", ""))
	if !ok || price.Sign() <= 0 {
		return mcp.NewToolResultError("unit_price must be a positive decimal amount"), nil
	}
	maxDuration := int64(req.GetInt("max_duration_seconds", 0))
	if maxDuration <= 0 {
		return mcp.NewToolResultError("max_duration_seconds must be positive"), nil
	}

	raw, err := h.client.CreateListing(ctx, price.String(), maxDuration, currency)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create listing: %v", err)), nil
	}
	text, err := formatListing(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse listing: %v", err)), nil
	}
	return mcp.NewToolResultText("Listing created.\n" + text), nil
}

// HandleGetListing looks up one listing.
func (h *Handlers) HandleGetListing(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireID(req, "listing_id")
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.GetListing(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get listing: %v", err)), nil
	}
	text, err := formatListing(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse listing: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReserve books a listing.
func (h *Handlers) HandleReserve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	listingID, errResult := requireID(req, "listing_id")
	if errResult != nil {
		return errResult, nil
	}
	duration := req.GetFloat("duration_seconds", 0)
	if duration <= 0 {
		return mcp.NewToolResultError("duration_seconds must be positive"), nil
	}
	value, ok := wei.ParseEther(req.GetString("value_eth", ""))
	if !ok || value.Sign() <= 0 {
		return mcp.NewToolResultError("value_eth must be a positive ETH amount"), nil
	}
	start := int64(req.GetFloat("start_time", 0))

	raw, err := h.client.Reserve(ctx, listingID, start, duration, value.String())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reservation failed: %v", err)), nil
	}
	text, err := formatReservation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reservation: %v", err)), nil
	}
	return mcp.NewToolResultText("Reserved. Any ETH above the required amount was credited to your balance.\n" + text), nil
}

// HandleGetReservation fetches one reservation.
func (h *Handlers) HandleGetReservation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.reservationCall(ctx, req, "Failed to get reservation", "", h.client.GetReservation)
}

// HandleCancelReservation cancels before the start time.
func (h *Handlers) HandleCancelReservation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.reservationCall(ctx, req, "Cancel failed", "Cancelled. The escrow was refunded to your balance.\n", h.client.CancelReservation)
}

// HandleRaiseDispute hands the reservation to the arbitrator.
func (h *Handlers) HandleRaiseDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.reservationCall(ctx, req, "Dispute failed", "Disputed. The escrow stays locked until the arbitrator decides.\n", h.client.RaiseDispute)
}

// HandleCompleteReservation settles an ended reservation.
func (h *Handlers) HandleCompleteReservation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.reservationCall(ctx, req, "Completion failed", "Completed. The owner was paid.\n", h.client.CompleteReservation)
}

func (h *Handlers) reservationCall(
	ctx context.Context,
	req mcp.CallToolRequest,
	failure, prefix string,
	call func(context.Context, uint64) (json.RawMessage, error),
) (*mcp.CallToolResult, error) {
	id, errResult := requireID(req, "reservation_id")
	if errResult != nil {
		return errResult, nil
	}
	raw, err := call(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", failure, err)), nil
	}
	text, err := formatReservation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reservation: %v", err)), nil
	}
	return mcp.NewToolResultText(prefix + text), nil
}

// HandleListReservations lists the caller's reservations.
func (h *Handlers) HandleListReservations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListReservations(ctx, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list reservations: %v", err)), nil
	}

	var resp struct {
		Reservations []reservationView `json:"reservations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reservations: %v", err)), nil
	}
	if len(resp.Reservations) == 0 {
		return mcp.NewToolResultText("You have no reservations."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d reservation(s):\n", len(resp.Reservations))
	for _, r := range resp.Reservations {
		fmt.Fprintf(&sb, "- #%d listing %d, %s, %s ETH, starts %s\n",
			r.ID, r.ListingID, r.Status, etherString(r.AmountEscrowed), unixString(r.StartTime))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckBalance returns the caller's withdrawable balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var resp struct {
		Address string `json:"address"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Address: %s\nWithdrawable: %s ETH (%s wei)",
		resp.Address, etherString(resp.Balance), resp.Balance)), nil
}

// HandleWithdraw pays out part or all of the caller's balance.
func (h *Handlers) HandleWithdraw(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := "all"
	if s := req.GetString("amount_eth", ""); s != "" {
		v, ok := wei.ParseEther(s)
		if !ok || v.Sign() <= 0 {
			return mcp.NewToolResultError("amount_eth must be a positive ETH amount"), nil
		}
		amount = v.String()
	}

	raw, err := h.client.Withdraw(ctx, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Withdrawal failed: %v", err)), nil
	}
	var resp struct {
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse withdrawal: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Withdrew %s ETH.", etherString(resp.Amount))), nil
}

// HandleGetPrice returns the current feed answer.
func (h *Handlers) HandleGetPrice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPrice(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Price unavailable: %v", err)), nil
	}
	var resp struct {
		Price struct {
			Answer    string    `json:"answer"`
			Decimals  uint8     `json:"decimals"`
			UpdatedAt time.Time `json:"updatedAt"`
			Source    string    `json:"source"`
		} `json:"price"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse price: %v", err)), nil
	}
	p := resp.Price
	answer, ok := wei.Parse(p.Answer)
	if !ok {
		return mcp.NewToolResultError("Price feed returned a malformed answer"), nil
	}
	usd := new(big.Rat).SetFrac(answer, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.Decimals)), nil))
	return mcp.NewToolResultText(fmt.Sprintf("ETH/USD: $%s (source %s, updated %s)",
		usd.FloatString(2), p.Source, p.UpdatedAt.UTC().Format(time.RFC3339))), nil
}

// --- formatting ---

type listingView struct {
	ID                 uint64 `json:"id"`
	Owner              string `json:"owner"`
	UnitPrice          string `json:"unitPrice"`
	MaxDurationSeconds int64  `json:"maxDurationSeconds"`
	Currency           string `json:"currency"`
}

type reservationView struct {
	ID              uint64 `json:"id"`
	ListingID       uint64 `json:"listingId"`
	Renter          string `json:"renter"`
	Owner           string `json:"owner"`
	Status          string `json:"status"`
	StartTime       int64  `json:"startTime"`
	DurationSeconds int64  `json:"durationSeconds"`
	Days            int64  `json:"days"`
	AmountEscrowed  string `json:"amountEscrowed"`
	PaidToRenter    string `json:"paidToRenter"`
	PaidToOwner     string `json:"paidToOwner"`
}

func formatListing(raw json.RawMessage) (string, error) {
	var resp struct {
		Listing listingView `json:"listing"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	l := resp.Listing
	price := etherString(l.UnitPrice) + " ETH"
	if l.Currency == "usd" {
		price = "$" + etherString(l.UnitPrice)
	}
	return fmt.Sprintf("Listing #%d\nOwner: %s\nUnit price: %s\nMax duration: %s",
		l.ID, l.Owner, price, time.Duration(l.MaxDurationSeconds)*time.Second), nil
}

func formatReservation(raw json.RawMessage) (string, error) {
	var resp struct {
		Reservation reservationView `json:"reservation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	r := resp.Reservation

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reservation #%d (listing %d)\n", r.ID, r.ListingID)
	fmt.Fprintf(&sb, "Status: %s\n", r.Status)
	fmt.Fprintf(&sb, "Renter: %s\nOwner: %s\n", r.Renter, r.Owner)
	fmt.Fprintf(&sb, "Window: %s for %s (%d whole days)\n",
		unixString(r.StartTime), time.Duration(r.DurationSeconds)*time.Second, r.Days)
	fmt.Fprintf(&sb, "Escrowed: %s ETH", etherString(r.AmountEscrowed))
	if r.PaidToRenter != "" || r.PaidToOwner != "" {
		fmt.Fprintf(&sb, "\nPaid to renter: %s ETH\nPaid to owner: %s ETH",
			etherString(r.PaidToRenter), etherString(r.PaidToOwner))
	}
	return sb.String(), nil
}

// etherString renders a wei string in ether without trailing zeros;
// unparseable input is returned as-is.
func etherString(s string) string {
	if s == "" {
		return "0"
	}
	v, ok := wei.Parse(s)
	if !ok {
		return s
	}
	out := strings.TrimRight(wei.FormatEther(v), "0")
	return strings.TrimSuffix(out, ".")
}

func unixString(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func requireID(req mcp.CallToolRequest, name string) (uint64, *mcp.CallToolResult) {
	id := req.GetInt(name, 0)
	if id <= 0 {
		return 0, mcp.NewToolResultError(name + " must be a positive integer")
	}
	return uint64(id), nil
}
