// Package mcp provides an MCP client for the external memory service.
//
// The client uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// over the streamable HTTP transport and satisfies orchestrator.ToolCaller,
// so rounds can recall and record learnings through memory_search and
// memory_record tool calls.
package mcp
