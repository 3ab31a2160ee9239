package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/fraudguard/internal/detection"
	"github.com/mbd888/fraudguard/internal/features"
	"github.com/mbd888/fraudguard/internal/health"
	"github.com/mbd888/fraudguard/internal/risk"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{client: client, logger: logger}
}

// HandleScoreTransaction scores and records a transaction.
func (h *Handlers) HandleScoreTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in, errResult := transactionInput(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.Predict(ctx, in)
	if err != nil {
		h.logger.Warn("score_transaction failed", "user_id", in.UserID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score transaction: %v", err)), nil
	}

	text, err := formatPrediction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse prediction: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleExplainFeatures computes features without recording the transaction.
func (h *Handlers) HandleExplainFeatures(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in, errResult := transactionInput(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.Explain(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to compute features: %v", err)), nil
	}

	text, err := formatExplanation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse features: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetDecision fetches one recorded decision.
func (h *Handlers) HandleGetDecision(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("decision_id", "")
	if id == "" {
		return mcp.NewToolResultError("decision_id is required"), nil
	}

	raw, err := h.client.GetDecision(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get decision: %v", err)), nil
	}

	var resp struct {
		Decision *risk.Record `json:"decision"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Decision == nil {
		return mcp.NewToolResultError("Failed to parse decision"), nil
	}

	var sb strings.Builder
	writeRecord(&sb, resp.Decision)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListUserDecisions lists a user's decisions, newest first.
func (h *Handlers) HandleListUserDecisions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	limit := req.GetInt("limit", 20)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListDecisions(ctx, userID, cursor, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list decisions: %v", err)), nil
	}

	text, err := formatDecisionList(userID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decisions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleServiceHealth reports dependency health.
func (h *Handlers) HandleServiceHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check health: %v", err)), nil
	}

	text, err := formatHealth(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse health: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Helpers ---

func transactionInput(req mcp.CallToolRequest) (TransactionInput, *mcp.CallToolResult) {
	args := req.GetArguments()
	in := TransactionInput{
		UserID:           req.GetString("user_id", ""),
		Amount:           getString(args, "amount"),
		MerchantName:     req.GetString("merchant_name", ""),
		MerchantCategory: req.GetString("merchant_category", ""),
		Timestamp:        req.GetString("timestamp", ""),
	}
	if in.UserID == "" {
		return in, mcp.NewToolResultError("user_id is required")
	}
	if in.Amount == "" {
		return in, mcp.NewToolResultError("amount is required")
	}
	lat, ok := getFloat(args, "latitude")
	if !ok {
		return in, mcp.NewToolResultError("latitude is required")
	}
	lon, ok := getFloat(args, "longitude")
	if !ok {
		return in, mcp.NewToolResultError("longitude is required")
	}
	in.Latitude, in.Longitude = lat, lon
	return in, nil
}

func formatPrediction(raw json.RawMessage) (string, error) {
	var res detection.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk: %s (recommendation: %s)\n", res.RiskLevel, res.Recommendation)
	fmt.Fprintf(&sb, "Anomaly score: %.4f", res.AnomalyScore)
	if res.IsAnomaly {
		sb.WriteString(" (anomalous)")
	}
	sb.WriteString("\n")
	if len(res.Metadata.Signals) > 0 {
		fmt.Fprintf(&sb, "Critical signals: %s\n", strings.Join(res.Metadata.Signals, ", "))
	}
	if res.Metadata.ScorerUnavailable {
		sb.WriteString("Note: anomaly model unavailable, decided by feature rules\n")
	}
	if res.Metadata.HistoryUnavailable {
		sb.WriteString("Note: history unavailable, features computed without prior transactions\n")
	}

	f := res.Features
	sb.WriteString("\nFeatures:\n")
	fmt.Fprintf(&sb, "  Velocity: %.1f km/h\n", f.VelocityKmh)
	fmt.Fprintf(&sb, "  Distance from home: %.1f km\n", f.DistanceFromHomeKm)
	fmt.Fprintf(&sb, "  Spending z-score: %.2f\n", f.SpendingZScore)
	fmt.Fprintf(&sb, "  Transactions in last hour: %d (%d merchants)\n", f.TxCount1h, f.DistinctMerchants1h)
	fmt.Fprintf(&sb, "  Combined anomaly score: %d\n", res.Metadata.CombinedAnomalyScore)
	fmt.Fprintf(&sb, "\nDecision ID: %s\n", res.DecisionID)
	return sb.String(), nil
}

func formatExplanation(raw json.RawMessage) (string, error) {
	var exp detection.Explanation
	if err := json.Unmarshal(raw, &exp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Features for %s (%d prior transactions", exp.UserID, exp.HistorySize)
	if exp.HistoryUnavailable {
		sb.WriteString(", history unavailable")
	}
	sb.WriteString("):\n")
	for _, name := range features.Names {
		v, ok := exp.Values[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "  %-24s %g\n", name, v)
	}
	if len(exp.Signals) > 0 {
		fmt.Fprintf(&sb, "\nCritical signals: %s\n", strings.Join(exp.Signals, ", "))
	} else {
		sb.WriteString("\nNo critical signals.\n")
	}
	return sb.String(), nil
}

func writeRecord(sb *strings.Builder, rec *risk.Record) {
	fmt.Fprintf(sb, "%s  %-8s %-7s score=%.4f tx=%s\n",
		rec.DecidedAt.Format("2006-01-02 15:04:05"),
		rec.Decision.Level, rec.Decision.Recommendation, rec.Decision.AnomalyScore, rec.TransactionID)
	if len(rec.Decision.Signals) > 0 {
		fmt.Fprintf(sb, "    signals: %s\n", strings.Join(rec.Decision.Signals, ", "))
	}
}

func formatDecisionList(userID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Decisions  []*risk.Record `json:"decisions"`
		NextCursor string         `json:"next_cursor"`
		HasMore    bool           `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Decisions) == 0 {
		return fmt.Sprintf("No decisions found for %s.", userID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d decision(s) for %s:\n\n", len(resp.Decisions), userID)
	for _, rec := range resp.Decisions {
		writeRecord(&sb, rec)
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore available, cursor: %s\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatHealth(raw json.RawMessage) (string, error) {
	var resp struct {
		Status  string          `json:"status"`
		Version string          `json:"version"`
		Checks  []health.Status `json:"checks"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Service: %s (version %s)\n", resp.Status, resp.Version)
	for _, c := range resp.Checks {
		state := "ok"
		if !c.Healthy {
			state = "FAILING"
		}
		fmt.Fprintf(&sb, "  %-10s %s", c.Name, state)
		if c.Optional {
			sb.WriteString(" (optional)")
		}
		if c.Detail != "" {
			fmt.Fprintf(&sb, ": %s", c.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
