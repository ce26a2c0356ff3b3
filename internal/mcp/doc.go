// Package mcp implements the host side of MCP (Model Context Protocol):
// starting servers, performing the handshake, issuing typed requests,
// and answering the requests servers send back (sampling, elicitation,
// ping).
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (subprocess) and
// streamable HTTP. Both carry traffic in both directions, so a single
// reader per transport routes responses to their callers and server
// requests to the client's handler.
//
// Connected sessions are published to the UI through Expose, which
// derives one named entry point per supported capability action from
// the static Actions table.
package mcp
