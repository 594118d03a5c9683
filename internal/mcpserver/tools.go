package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the reservo MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreateListing = mcp.NewTool("create_listing",
	mcp.WithDescription(
		"Offer something for rent. You become the owner and receive the escrowed payment "+
			"when each reservation completes. Price is per billing unit (one day by default)."),
	mcp.WithString("unit_price",
		mcp.Required(),
		mcp.Description("Price per billing unit. In ETH (e.g. '0.5') for wei listings, or USD (e.g. '120.00') when currency is 'usd'.")),
	mcp.WithNumber("max_duration_seconds",
		mcp.Required(),
		mcp.Description("Longest rentable period in seconds (e.g. 604800 for one week)")),
	mcp.WithString("currency",
		mcp.Description("'wei' (priced in ETH, default) or 'usd' (converted to ETH at reservation time via the price feed)"),
		mcp.Enum("wei", "usd")),
)

var ToolGetListing = mcp.NewTool("get_listing",
	mcp.WithDescription("Look up a listing's owner, unit price and maximum duration."),
	mcp.WithNumber("listing_id", mcp.Required(), mcp.Description("Listing id")),
)

var ToolReserve = mcp.NewTool("reserve",
	mcp.WithDescription(
		"Reserve a listing for a time window. The required amount is locked in escrow; "+
			"anything you attach above it is credited back to your balance. "+
			"You can cancel for a full refund until the start time."),
	mcp.WithNumber("listing_id", mcp.Required(), mcp.Description("Listing to reserve")),
	mcp.WithNumber("start_time", mcp.Required(), mcp.Description("Start of the rental as a unix timestamp in seconds")),
	mcp.WithNumber("duration_seconds", mcp.Required(), mcp.Description("Length of the rental in seconds (e.g. 86400 for one day)")),
	mcp.WithString("value_eth", mcp.Required(), mcp.Description("ETH to attach (e.g. '1.5'). Must cover price × billing units.")),
)

var ToolGetReservation = mcp.NewTool("get_reservation",
	mcp.WithDescription("Get a reservation's status, window, escrowed amount and payouts."),
	mcp.WithNumber("reservation_id", mcp.Required(), mcp.Description("Reservation id")),
)

var ToolListReservations = mcp.NewTool("list_my_reservations",
	mcp.WithDescription("List reservations you made as renter, newest first."),
	mcp.WithNumber("limit", mcp.Description("Maximum number to return (default 20)")),
)

var ToolCancelReservation = mcp.NewTool("cancel_reservation",
	mcp.WithDescription(
		"Cancel one of your reservations before it starts. The full escrowed amount is refunded "+
			"to your balance. Fails once the start time has passed."),
	mcp.WithNumber("reservation_id", mcp.Required(), mcp.Description("Reservation id")),
)

var ToolRaiseDispute = mcp.NewTool("raise_dispute",
	mcp.WithDescription(
		"Dispute an active reservation (renter or owner). The escrow stays locked until the "+
			"arbitrator splits it."),
	mcp.WithNumber("reservation_id", mcp.Required(), mcp.Description("Reservation id")),
)

var ToolCompleteReservation = mcp.NewTool("complete_reservation",
	mcp.WithDescription(
		"Settle a reservation whose rental period has ended, paying the escrow to the owner."),
	mcp.WithNumber("reservation_id", mcp.Required(), mcp.Description("Reservation id")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription("Check your withdrawable balance: refunds, change and owner payouts."),
)

var ToolWithdraw = mcp.NewTool("withdraw",
	mcp.WithDescription("Withdraw from your balance. Omit amount_eth to withdraw everything."),
	mcp.WithString("amount_eth", mcp.Description("ETH to withdraw (e.g. '0.25'); default all")),
)

var ToolGetPrice = mcp.NewTool("get_eth_price",
	mcp.WithDescription("Current ETH/USD answer from the price feed used to quote USD listings."),
)
