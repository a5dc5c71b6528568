// ABOUTME: Tool definitions and handlers for the broker MCP surface
// ABOUTME: Broker domain errors become isError results; only protocol faults become JSON-RPC errors

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethanmcrae/agent-network/internal/notify"
)

// waitCeiling bounds a single wait_for_message call so an HTTP request
// cannot block forever. Longer waits belong to the listener binary.
const waitCeiling = 10 * time.Minute

const defaultWaitSeconds = 120

type toolDef struct {
	name        string
	description string
	inputSchema json.RawMessage
}

type toolHandler func(ctx context.Context, s *Server, sess *mcpSession, args json.RawMessage) MCPCallToolResult

var toolDefs = []toolDef{
	{
		name:        "join_network",
		description: "Join an agent network under a chosen name. Re-joining with the same name refreshes your presence.",
		inputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"network_id": {"type": "string", "description": "Network to join, e.g. 'dev'"},
				"agent_id": {"type": "string", "description": "Your name on the network (letters, numbers, hyphens, underscores)"},
				"role": {"type": "string", "description": "Optional free-form role, e.g. 'reviewer'"}
			},
			"required": ["network_id", "agent_id"]
		}`),
	},
	{
		name:        "leave_network",
		description: "Leave the current network. Queued messages for you are kept.",
		inputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		name:        "send_message",
		description: "Send a direct message to another agent. The recipient does not have to be online; messages wait in their inbox.",
		inputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"to": {"type": "string", "description": "Recipient agent name"},
				"content": {"type": "string", "description": "Message body, up to 8000 characters"}
			},
			"required": ["to", "content"]
		}`),
	},
	{
		name:        "broadcast",
		description: "Send a message to every currently active member of your network.",
		inputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string", "description": "Message body, up to 8000 characters"}
			},
			"required": ["content"]
		}`),
	},
	{
		name:        "check_inbox",
		description: "Read your oldest unread messages. Messages are delivered exactly once.",
		inputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		name:        "wait_for_message",
		description: "Block until a message arrives or the timeout elapses. Returns any delivered messages.",
		inputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timeout_seconds": {"type": "integer", "description": "How long to wait (default 120, max 600)"}
			}
		}`),
	},
	{
		name:        "list_agents",
		description: "List the active members of your network, including agents on paired machines.",
		inputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		name:        "pair_with",
		description: "Pair with a remote machine to enable cross-machine messaging.",
		inputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "Remote machine's server URL, e.g. 'http://192.168.1.50:7777'"},
				"name": {"type": "string", "description": "A friendly name for this peer"},
				"secret": {"type": "string", "description": "Shared secret for authentication"}
			},
			"required": ["url", "name"]
		}`),
	},
	{
		name:        "approve_peer",
		description: "Approve a pending peer pairing request.",
		inputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "description": "Name of the peer to approve"}
			},
			"required": ["name"]
		}`),
	},
	{
		name:        "list_peers",
		description: "List configured peers and their pairing status.",
		inputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		name:        "remove_peer",
		description: "Remove a paired machine.",
		inputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "description": "Name of the peer to remove"}
			},
			"required": ["name"]
		}`),
	},
}

var toolHandlers = map[string]toolHandler{
	"join_network":     handleJoinNetwork,
	"leave_network":    handleLeaveNetwork,
	"send_message":     handleSendMessage,
	"broadcast":        handleBroadcast,
	"check_inbox":      handleCheckInbox,
	"wait_for_message": handleWaitForMessage,
	"list_agents":      handleListAgents,
	"pair_with":        handlePairWith,
	"approve_peer":     handleApprovePeer,
	"list_peers":       handleListPeers,
	"remove_peer":      handleRemovePeer,
}

func textResult(v any) MCPCallToolResult {
	raw, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Errorf("encoding result: %w", err))
	}
	return MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: string(raw)}},
	}
}

func errorResult(err error) MCPCallToolResult {
	return MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: err.Error()}},
		IsError: true,
	}
}

func badArgs(err error) MCPCallToolResult {
	return errorResult(fmt.Errorf("invalid arguments: %w", err))
}

func handleJoinNetwork(ctx context.Context, _ *Server, sess *mcpSession, args json.RawMessage) MCPCallToolResult {
	var in struct {
		NetworkID string `json:"network_id"`
		AgentID   string `json:"agent_id"`
		Role      string `json:"role"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArgs(err)
	}
	res, err := sess.broker.Join(ctx, in.NetworkID, in.AgentID, in.Role)
	if err != nil {
		return errorResult(err)
	}
	return textResult(res)
}

func handleLeaveNetwork(ctx context.Context, _ *Server, sess *mcpSession, _ json.RawMessage) MCPCallToolResult {
	res, err := sess.broker.Leave(ctx)
	if err != nil {
		return errorResult(err)
	}
	return textResult(res)
}

func handleSendMessage(ctx context.Context, _ *Server, sess *mcpSession, args json.RawMessage) MCPCallToolResult {
	var in struct {
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArgs(err)
	}
	res, err := sess.broker.Send(ctx, in.To, in.Content)
	if err != nil {
		return errorResult(err)
	}
	return textResult(res)
}

func handleBroadcast(ctx context.Context, _ *Server, sess *mcpSession, args json.RawMessage) MCPCallToolResult {
	var in struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArgs(err)
	}
	res, err := sess.broker.Broadcast(ctx, in.Content)
	if err != nil {
		return errorResult(err)
	}
	return textResult(res)
}

func handleCheckInbox(ctx context.Context, _ *Server, sess *mcpSession, _ json.RawMessage) MCPCallToolResult {
	res, err := sess.broker.CheckInbox(ctx)
	if err != nil {
		return errorResult(err)
	}
	return textResult(res)
}

func handleWaitForMessage(ctx context.Context, _ *Server, sess *mcpSession, args json.RawMessage) MCPCallToolResult {
	var in struct {
		TimeoutSeconds int `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArgs(err)
	}
	if in.TimeoutSeconds <= 0 {
		in.TimeoutSeconds = defaultWaitSeconds
	}
	timeout := time.Duration(in.TimeoutSeconds) * time.Second
	if timeout > waitCeiling {
		timeout = waitCeiling
	}

	res, err := sess.broker.WaitForMessage(ctx, timeout, nil)
	if err != nil {
		return errorResult(err)
	}

	out := map[string]any{"outcome": res.Outcome.String()}
	switch res.Outcome {
	case notify.OutcomeMessage:
		out["inbox"] = res.Inbox
	case notify.OutcomeTimeout:
		out["message"] = fmt.Sprintf("No messages arrived within %d seconds.", in.TimeoutSeconds)
	}
	return textResult(out)
}

func handleListAgents(ctx context.Context, _ *Server, sess *mcpSession, _ json.RawMessage) MCPCallToolResult {
	agents, err := sess.broker.ListAgents(ctx)
	if err != nil {
		return errorResult(err)
	}
	return textResult(map[string]any{"agents": agents, "count": len(agents)})
}

func handlePairWith(ctx context.Context, s *Server, _ *mcpSession, args json.RawMessage) MCPCallToolResult {
	if s.peers == nil {
		return errorResult(fmt.Errorf("cross-machine pairing is not enabled on this server"))
	}
	var in struct {
		URL    string `json:"url"`
		Name   string `json:"name"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArgs(err)
	}
	res, err := s.peers.PairWith(ctx, in.Name, in.URL, in.Secret)
	if err != nil {
		return errorResult(err)
	}
	return textResult(res)
}

func handleApprovePeer(ctx context.Context, s *Server, _ *mcpSession, args json.RawMessage) MCPCallToolResult {
	if s.peers == nil {
		return errorResult(fmt.Errorf("cross-machine pairing is not enabled on this server"))
	}
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArgs(err)
	}
	res, err := s.peers.Approve(ctx, in.Name)
	if err != nil {
		return errorResult(err)
	}
	return textResult(res)
}

func handleListPeers(ctx context.Context, s *Server, _ *mcpSession, _ json.RawMessage) MCPCallToolResult {
	if s.peers == nil {
		return errorResult(fmt.Errorf("cross-machine pairing is not enabled on this server"))
	}
	peers, err := s.peers.List(ctx)
	if err != nil {
		return errorResult(err)
	}
	return textResult(map[string]any{"peers": peers, "count": len(peers)})
}

func handleRemovePeer(ctx context.Context, s *Server, _ *mcpSession, args json.RawMessage) MCPCallToolResult {
	if s.peers == nil {
		return errorResult(fmt.Errorf("cross-machine pairing is not enabled on this server"))
	}
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArgs(err)
	}
	if err := s.peers.Remove(ctx, in.Name); err != nil {
		return errorResult(err)
	}
	return textResult(map[string]string{"status": "removed", "peer": in.Name})
}
