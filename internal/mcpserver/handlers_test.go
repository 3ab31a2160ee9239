package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
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
	client := NewClient(Config{APIURL: ts.URL, ClientID: "mcp-test"})
	return NewHandlers(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
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

func txArgs() map[string]any {
	return map[string]any{
		"user_id":           "user_1",
		"amount":            "4999.90",
		"merchant_name":     "Eletro Shop",
		"merchant_category": "electronics",
		"latitude":          -22.9068,
		"longitude":         -43.1729,
	}
}

const predictionJSON = `{
	"decision_id": "dec_1",
	"transaction_id": "tx_1",
	"anomaly_score": -0.05,
	"is_anomaly": true,
	"risk_level": "CRÍTICO",
	"recommendation": "BLOCK",
	"features": {"velocity_kmh": 1200.5, "distance_from_home_km": 357.3, "spending_zscore": 4.2, "tx_count_1h": 6, "distinct_merchants_1h": 4},
	"metadata": {"history_unavailable": false, "scorer_unavailable": true, "signals": ["impossible_travel", "card_testing"], "combined_anomaly_score": 9, "history_size": 12},
	"decided_at": "2025-10-28T14:00:00Z"
}`

// ============================================================
// Client tests
// ============================================================

func TestClient_SendsClientID(t *testing.T) {
	var gotClient, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClient = r.Header.Get("X-Client-ID")
		gotPath = r.URL.RequestURI()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, ClientID: "analyst-bot"})
	_, err := client.ListDecisions(context.Background(), "user 1", "abc", 5)
	require.NoError(t, err)
	assert.Equal(t, "analyst-bot", gotClient)
	assert.Equal(t, "/v1/users/user%201/decisions?cursor=abc&limit=5", gotPath)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "scorer_unavailable",
			"message": "Anomaly scorer unavailable",
		})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Predict(context.Background(), TransactionInput{UserID: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "Anomaly scorer unavailable")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetDecision(context.Background(), "d1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_HealthReportSurvives503(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
	}))
	defer ts.Close()

	raw, err := NewClient(Config{APIURL: ts.URL}).Health(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"unhealthy"}`, string(raw))
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1"}).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleScoreTransaction(t *testing.T) {
	var got TransactionInput
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/predict", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(predictionJSON))
	}))

	result, err := h.HandleScoreTransaction(context.Background(), makeRequest(txArgs()))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Risk: CRÍTICO (recommendation: BLOCK)")
	assert.Contains(t, text, "impossible_travel, card_testing")
	assert.Contains(t, text, "anomaly model unavailable")
	assert.Contains(t, text, "Velocity: 1200.5 km/h")
	assert.Contains(t, text, "Decision ID: dec_1")

	assert.Equal(t, "4999.90", got.Amount)
	assert.Equal(t, -22.9068, got.Latitude)
}

func TestHandleScoreTransaction_NumericAmount(t *testing.T) {
	var got TransactionInput
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(predictionJSON))
	}))

	args := txArgs()
	args["amount"] = 150.0
	result, err := h.HandleScoreTransaction(context.Background(), makeRequest(args))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "150", got.Amount)
}

func TestHandleScoreTransaction_MissingArguments(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called")
	}))

	for _, key := range []string{"user_id", "amount", "latitude", "longitude"} {
		t.Run(key, func(t *testing.T) {
			args := txArgs()
			delete(args, key)
			result, err := h.HandleScoreTransaction(context.Background(), makeRequest(args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), key+" is required")
		})
	}
}

func TestHandleScoreTransaction_APIError(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"validation_error","message":"amount must be positive"}`))
	}))

	result, err := h.HandleScoreTransaction(context.Background(), makeRequest(txArgs()))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount must be positive")
}

func TestHandleExplainFeatures(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/features", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"user_id": "user_1",
			"history_size": 3,
			"signals": [],
			"values": {"amount": 4999.9, "is_weekend": 0, "velocity_kmh": 42}
		}`))
	}))

	result, err := h.HandleExplainFeatures(context.Background(), makeRequest(txArgs()))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Features for user_1 (3 prior transactions)")
	assert.Contains(t, text, "velocity_kmh")
	assert.Contains(t, text, "No critical signals.")
	assert.Less(t, strings.Index(text, "velocity_kmh"), strings.Index(text, "amount"), "canonical feature order")
}

func TestHandleGetDecision(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/decisions/dec_1", r.URL.Path)
		_, _ = w.Write([]byte(`{"decision": {
			"id": "dec_1", "transaction_id": "tx_1", "user_id": "user_1",
			"decision": {"anomaly_score": 0.12, "is_anomaly": false, "risk_level": "BAIXO", "recommendation": "APPROVE"},
			"decided_at": "2025-10-28T14:00:00Z"
		}}`))
	}))

	result, err := h.HandleGetDecision(context.Background(), makeRequest(map[string]any{"decision_id": "dec_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "BAIXO")

	result, err = h.HandleGetDecision(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListUserDecisions(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{
			"decisions": [
				{"id": "d2", "transaction_id": "tx_2", "user_id": "user_1", "decision": {"risk_level": "ALTO", "recommendation": "REVIEW", "signals": ["far_from_home"]}, "decided_at": "2025-10-28T14:05:00Z"},
				{"id": "d1", "transaction_id": "tx_1", "user_id": "user_1", "decision": {"risk_level": "BAIXO", "recommendation": "APPROVE"}, "decided_at": "2025-10-28T14:00:00Z"}
			],
			"count": 2, "next_cursor": "next123", "has_more": true
		}`))
	}))

	result, err := h.HandleListUserDecisions(context.Background(), makeRequest(map[string]any{"user_id": "user_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "2 decision(s) for user_1")
	assert.Contains(t, text, "signals: far_from_home")
	assert.Contains(t, text, "cursor: next123")
}

func TestHandleListUserDecisions_Empty(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"decisions": [], "count": 0, "has_more": false}`))
	}))

	result, err := h.HandleListUserDecisions(context.Background(), makeRequest(map[string]any{"user_id": "user_9"}))
	require.NoError(t, err)
	assert.Equal(t, "No decisions found for user_9.", resultText(t, result))
}

func TestHandleServiceHealth(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "degraded", "version": "0.3.0", "checks": [
			{"name": "database", "healthy": true},
			{"name": "scorer", "healthy": false, "optional": true, "detail": "circuit open"}
		]}`))
	}))

	result, err := h.HandleServiceHealth(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Service: degraded (version 0.3.0)")
	assert.Contains(t, text, "FAILING (optional): circuit open")
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"}, nil)
	require.NotNil(t, s)
}

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// Failures are encoded in result.IsError, not in the Go error.
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}), nil)
	ctx := context.Background()

	calls := map[string]func() (*mcp.CallToolResult, error){
		"score":   func() (*mcp.CallToolResult, error) { return h.HandleScoreTransaction(ctx, makeRequest(txArgs())) },
		"explain": func() (*mcp.CallToolResult, error) { return h.HandleExplainFeatures(ctx, makeRequest(txArgs())) },
		"get": func() (*mcp.CallToolResult, error) {
			return h.HandleGetDecision(ctx, makeRequest(map[string]any{"decision_id": "d"}))
		},
		"list": func() (*mcp.CallToolResult, error) {
			return h.HandleListUserDecisions(ctx, makeRequest(map[string]any{"user_id": "u"}))
		},
		"health": func() (*mcp.CallToolResult, error) { return h.HandleServiceHealth(ctx, makeRequest(nil)) },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			result, err := call()
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

// ============================================================
// Helper tests
// ============================================================

func TestGetString_NumberFallback(t *testing.T) {
	m := map[string]any{"a": 1.5, "b": "x"}
	assert.Equal(t, "1.5", getString(m, "a"))
	assert.Equal(t, "x", getString(m, "missing", "b"))
	assert.Equal(t, "", getString(m, "missing"))
}

func TestGetFloat_NonNumeric(t *testing.T) {
	_, ok := getFloat(map[string]any{"lat": "north"}, "lat")
	assert.False(t, ok)
}
