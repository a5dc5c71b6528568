// ABOUTME: Tests for the MCP HTTP server including session handling and tool execution.
// ABOUTME: Exercises the full JSON-RPC flow against a real SQLite store.

package mcp

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethanmcrae/agent-network/internal/config"
	"github.com/ethanmcrae/agent-network/internal/store"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "network.db"), slog.Default())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	server := NewServer(Config{
		Store:  st,
		Cfg:    config.Default(),
		Logger: slog.Default(),
	})
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return mux
}

// rpc posts one JSON-RPC request and decodes the response.
func rpc(t *testing.T, mux *http.ServeMux, sessionID, method string, params any) (*httptest.ResponseRecorder, *JSONRPCResponse) {
	t.Helper()

	body := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	var resp JSONRPCResponse
	if rr.Code == http.StatusOK {
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return rr, &resp
}

func initialize(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	rr, resp := rpc(t, mux, "", "initialize", map[string]any{
		"protocolVersion": "2025-11-25",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("initialize returned status %d", rr.Code)
	}
	if resp.Error != nil {
		t.Fatalf("initialize returned error: %v", resp.Error)
	}
	sessionID := rr.Header().Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatal("initialize did not return a session id")
	}
	return sessionID
}

// callTool invokes tools/call and decodes the MCP result.
func callTool(t *testing.T, mux *http.ServeMux, sessionID, name string, args any) MCPCallToolResult {
	t.Helper()
	rr, resp := rpc(t, mux, sessionID, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("tools/call returned status %d", rr.Code)
	}
	if resp.Error != nil {
		t.Fatalf("tools/call returned JSON-RPC error: %v", resp.Error)
	}

	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("failed to re-marshal result: %v", err)
	}
	var result MCPCallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to decode tool result: %v", err)
	}
	return result
}

func resultJSON(t *testing.T, result MCPCallToolResult) map[string]any {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(result.Content))
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].Text), &decoded); err != nil {
		t.Fatalf("failed to decode tool output %q: %v", result.Content[0].Text, err)
	}
	return decoded
}

func TestInitialize(t *testing.T) {
	t.Run("creates a session and advertises tools", func(t *testing.T) {
		mux := newTestMux(t)

		rr, resp := rpc(t, mux, "", "initialize", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if rr.Header().Get("Mcp-Session-Id") == "" {
			t.Error("expected a Mcp-Session-Id header")
		}

		result, ok := resp.Result.(map[string]any)
		if !ok {
			t.Fatalf("unexpected result type %T", resp.Result)
		}
		if result["protocolVersion"] != latestProtocolVersion {
			t.Errorf("expected protocol version %s, got %v", latestProtocolVersion, result["protocolVersion"])
		}
	})

	t.Run("honors a caller-supplied identity", func(t *testing.T) {
		mux := newTestMux(t)

		raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
		req := httptest.NewRequest(http.MethodPost, "/mcp?session_id=hook-sess-42", bytes.NewReader(raw))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if got := rr.Header().Get("Mcp-Session-Id"); got != "hook-sess-42" {
			t.Errorf("expected session id hook-sess-42, got %q", got)
		}
	})
}

func TestSessionValidation(t *testing.T) {
	t.Run("missing session id is rejected", func(t *testing.T) {
		mux := newTestMux(t)
		rr, _ := rpc(t, mux, "", "tools/list", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("unknown session id is rejected", func(t *testing.T) {
		mux := newTestMux(t)
		rr, _ := rpc(t, mux, "no-such-session", "tools/list", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("notifications are accepted with 202", func(t *testing.T) {
		mux := newTestMux(t)
		sessionID := initialize(t, mux)

		raw := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
		req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(raw))
		req.Header.Set("Mcp-Session-Id", sessionID)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusAccepted {
			t.Errorf("expected status 202, got %d", rr.Code)
		}
	})
}

func TestToolsList(t *testing.T) {
	mux := newTestMux(t)
	sessionID := initialize(t, mux)

	rr, resp := rpc(t, mux, sessionID, "tools/list", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	raw, _ := json.Marshal(resp.Result)
	var result MCPListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}

	if len(result.Tools) != len(toolDefs) {
		t.Errorf("expected %d tools, got %d", len(toolDefs), len(result.Tools))
	}
	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
		if len(tool.InputSchema) == 0 {
			t.Errorf("tool %s has no input schema", tool.Name)
		}
	}
	for _, want := range []string{"join_network", "send_message", "check_inbox", "wait_for_message", "list_agents"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestToolsCall(t *testing.T) {
	t.Run("join send and receive across two sessions", func(t *testing.T) {
		mux := newTestMux(t)
		aliceSession := initialize(t, mux)
		bobSession := initialize(t, mux)

		result := callTool(t, mux, aliceSession, "join_network", map[string]any{
			"network_id": "dev", "agent_id": "alice",
		})
		if result.IsError {
			t.Fatalf("join failed: %s", result.Content[0].Text)
		}

		result = callTool(t, mux, bobSession, "join_network", map[string]any{
			"network_id": "dev", "agent_id": "bob",
		})
		joined := resultJSON(t, result)
		others, _ := joined["other_agents"].([]any)
		if len(others) != 1 {
			t.Errorf("expected bob to see 1 other agent, got %d", len(others))
		}

		result = callTool(t, mux, aliceSession, "send_message", map[string]any{
			"to": "bob", "content": "ping",
		})
		if result.IsError {
			t.Fatalf("send failed: %s", result.Content[0].Text)
		}

		result = callTool(t, mux, bobSession, "check_inbox", nil)
		inbox := resultJSON(t, result)
		msgs, _ := inbox["messages"].([]any)
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		first, _ := msgs[0].(map[string]any)
		if first["from"] != "alice" || first["content"] != "ping" {
			t.Errorf("unexpected message: %v", first)
		}
	})

	t.Run("domain errors become isError results", func(t *testing.T) {
		mux := newTestMux(t)
		sessionID := initialize(t, mux)

		result := callTool(t, mux, sessionID, "send_message", map[string]any{
			"to": "bob", "content": "ping",
		})
		if !result.IsError {
			t.Fatal("expected an error result for send without join")
		}
		if !strings.Contains(result.Content[0].Text, "join") {
			t.Errorf("expected a hint to join first, got %q", result.Content[0].Text)
		}
	})

	t.Run("unknown tool is a JSON-RPC error", func(t *testing.T) {
		mux := newTestMux(t)
		sessionID := initialize(t, mux)

		_, resp := rpc(t, mux, sessionID, "tools/call", map[string]any{"name": "no_such_tool"})
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
			t.Errorf("expected invalid params error, got %v", resp.Error)
		}
	})

	t.Run("invalid agent id is an error result", func(t *testing.T) {
		mux := newTestMux(t)
		sessionID := initialize(t, mux)

		result := callTool(t, mux, sessionID, "join_network", map[string]any{
			"network_id": "dev", "agent_id": "bad name!",
		})
		if !result.IsError {
			t.Fatal("expected an error result for an invalid agent id")
		}
	})
}

func TestRequestValidation(t *testing.T) {
	t.Run("invalid JSON is a parse error", func(t *testing.T) {
		mux := newTestMux(t)
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{not json"))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		var resp JSONRPCResponse
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != JSONRPCParseError {
			t.Errorf("expected parse error, got %v", resp.Error)
		}
	})

	t.Run("oversized body is rejected", func(t *testing.T) {
		mux := newTestMux(t)
		big := strings.Repeat("x", MaxRequestBodySize+2)
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(big))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		var resp JSONRPCResponse
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidRequest {
			t.Errorf("expected invalid request error, got %v", resp.Error)
		}
	})

	t.Run("wrong JSON-RPC version is rejected", func(t *testing.T) {
		mux := newTestMux(t)
		raw := []byte(`{"jsonrpc":"1.0","id":1,"method":"tools/list"}`)
		req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(raw))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		var resp JSONRPCResponse
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidRequest {
			t.Errorf("expected invalid request error, got %v", resp.Error)
		}
	})

	t.Run("unsupported protocol version header is rejected", func(t *testing.T) {
		mux := newTestMux(t)
		sessionID := initialize(t, mux)

		raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(raw))
		req.Header.Set("Mcp-Session-Id", sessionID)
		req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestSessionTermination(t *testing.T) {
	mux := newTestMux(t)
	sessionID := initialize(t, mux)

	callTool(t, mux, sessionID, "join_network", map[string]any{
		"network_id": "dev", "agent_id": "alice",
	})

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}

	// The session is gone for subsequent requests.
	rr2, _ := rpc(t, mux, sessionID, "tools/list", nil)
	if rr2.Code != http.StatusNotFound {
		t.Errorf("expected status 404 after termination, got %d", rr2.Code)
	}

	// Deleting twice returns not found.
	req = httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	rr3 := httptest.NewRecorder()
	mux.ServeHTTP(rr3, req)
	if rr3.Code != http.StatusNotFound {
		t.Errorf("expected status 404 on double delete, got %d", rr3.Code)
	}
}
