// Package mcp implements the Model Context Protocol surface of the broker.
//
// # Overview
//
// MCP (Model Context Protocol) is a standard for AI tool integration. This
// package exposes the agent network's operations as MCP tools over the
// Streamable HTTP transport so coding agents can join networks, exchange
// messages, and manage peer machines.
//
// # Protocol
//
// The server speaks JSON-RPC 2.0 over a single HTTP endpoint:
//
//   - POST /mcp - initialize, tools/list, tools/call
//   - DELETE /mcp - terminate a session (the agent leaves its network)
//
// Server-initiated SSE streams are not supported; every tool call returns
// its result inline.
//
// # Sessions and identity
//
// Each MCP session is one agent. The Mcp-Session-Id issued on initialize
// doubles as the broker session identity, so every connected client has its
// own inbox and presence row. A client that already holds an identity (for
// example one launched by the session-start hook, which exports
// AGENT_NETWORK_SESSION_ID) passes it as the session_id query parameter on
// initialize to act as the same agent.
//
// # Tool Execution
//
// Clients call tools/call to execute a tool:
//
//	{
//	  "jsonrpc": "2.0",
//	  "method": "tools/call",
//	  "params": {
//	    "name": "send_message",
//	    "arguments": {"to": "alice", "content": "review is up"}
//	  },
//	  "id": 2
//	}
//
// Domain failures (unknown recipient network, rate limits, oversized
// content) come back as tool results with isError set; JSON-RPC errors are
// reserved for protocol faults.
package mcp
