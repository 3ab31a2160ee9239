package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the fraudguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

func transactionParams() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Card holder identifier (e.g. 'user_123')")),
		mcp.WithString("amount",
			mcp.Required(),
			mcp.Description("Transaction amount as a decimal string (e.g. '149.90')")),
		mcp.WithString("merchant_name",
			mcp.Description("Merchant name as printed on the statement")),
		mcp.WithString("merchant_category",
			mcp.Description("Merchant category (e.g. 'food', 'electronics', 'travel')")),
		mcp.WithNumber("latitude",
			mcp.Required(),
			mcp.Description("Latitude where the card was used, -90 to 90")),
		mcp.WithNumber("longitude",
			mcp.Required(),
			mcp.Description("Longitude where the card was used, -180 to 180")),
		mcp.WithString("timestamp",
			mcp.Description("ISO 8601 time of the transaction. Defaults to now.")),
	}
}

var ToolScoreTransaction = mcp.NewTool("score_transaction",
	append([]mcp.ToolOption{
		mcp.WithDescription(
			"Score a card transaction for fraud risk. " +
				"Returns the risk level (BAIXO, MÉDIO, ALTO, CRÍTICO), the recommended action, " +
				"the anomaly score and the behavioural features behind it. " +
				"The transaction is recorded in the user's history."),
	}, transactionParams()...)...,
)

var ToolExplainFeatures = mcp.NewTool("explain_features",
	append([]mcp.ToolOption{
		mcp.WithDescription(
			"Compute all behavioural features of a hypothetical transaction without scoring or recording it. " +
				"Use this to understand why a transaction would look suspicious."),
	}, transactionParams()...)...,
)

var ToolGetDecision = mcp.NewTool("get_decision",
	mcp.WithDescription("Fetch a recorded risk decision by its id."),
	mcp.WithString("decision_id",
		mcp.Required(),
		mcp.Description("The decision_id returned by score_transaction")),
)

var ToolListUserDecisions = mcp.NewTool("list_user_decisions",
	mcp.WithDescription(
		"List a card holder's recent risk decisions, newest first. "+
			"Use next_cursor from a previous call to page further back."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("Card holder identifier")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of decisions to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Pagination cursor from a previous call")),
)

var ToolServiceHealth = mcp.NewTool("service_health",
	mcp.WithDescription(
		"Check whether the scoring service and its dependencies (database, history cache, anomaly model, event stream) are healthy."),
)
