// Package mcp hosts the kernel over JSON-RPC 2.0 on stdio for MCP
// clients. The surface is the standard tool triad: initialize,
// tools/list, tools/call; every kernel verb is exposed as one tool.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sync"

	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/kernel"
)

const protocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

var toolNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Server reads requests line-by-line from in and writes responses to
// out. One server handles one client for the life of the process.
type Server struct {
	kernel  *kernel.Kernel
	name    string
	version string

	in  io.Reader
	mu  sync.Mutex // serializes writes to out
	out io.Writer
}

// New builds a stdio MCP server around the kernel.
func New(k *kernel.Kernel, name, version string, in io.Reader, out io.Writer) *Server {
	return &Server{kernel: k, name: name, version: version, in: in, out: out}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Run processes requests until in closes or ctx is canceled. Requests
// are handled in arrival order: MCP clients pipeline rarely, and the
// kernel already serializes on storage.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.reply(response{JSONRPC: "2.0", ID: nullID(), Error: &rpcError{codeParseError, "parse error"}})
			continue
		}
		s.dispatch(ctx, &req)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *request) {
	// Notifications carry no id and get no reply.
	notification := len(req.ID) == 0 || string(req.ID) == "null"

	var (
		result any
		errRes *rpcError
	)
	switch req.Method {
	case "initialize":
		result = s.initializeResult()
	case "notifications/initialized", "initialized":
		return
	case "ping":
		result = map[string]any{}
	case "tools/list":
		result = map[string]any{"tools": s.toolList()}
	case "tools/call":
		result, errRes = s.callTool(ctx, req.Params)
	default:
		errRes = &rpcError{codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method)}
	}

	if notification {
		if errRes != nil {
			debug.Logf("mcp: notification %s failed: %s\n", req.Method, errRes.Message)
		}
		return
	}
	s.reply(response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: errRes})
}

func (s *Server) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo": map[string]any{
			"name":    s.name,
			"version": s.version,
		},
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
	}
}

// toolList describes every kernel verb as an MCP tool. Verbs all accept
// a free-form parameter object; the kernel's validators do the real
// checking, so the schema stays permissive.
func (s *Server) toolList() []map[string]any {
	verbs := s.kernel.Verbs()
	tools := make([]map[string]any, 0, len(verbs))
	for _, verb := range verbs {
		if !toolNameRe.MatchString(verb) {
			continue
		}
		tools = append(tools, map[string]any{
			"name":        verb,
			"description": toolDescription(verb),
			"inputSchema": map[string]any{
				"type":                 "object",
				"additionalProperties": true,
			},
		})
	}
	return tools
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{codeInvalidParams, "invalid tool call params"}
	}
	if !toolNameRe.MatchString(params.Name) {
		return nil, &rpcError{codeInvalidParams, fmt.Sprintf("invalid tool name: %q", params.Name)}
	}

	resp := s.kernel.Handle(ctx, params.Name, kernel.Params(params.Arguments))

	text, err := json.Marshal(resp)
	if err != nil {
		return nil, &rpcError{codeInvalidRequest, "failed to encode response"}
	}
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(text)},
		},
		"isError": !resp.Success,
	}, nil
}

func (s *Server) reply(r response) {
	data, err := json.Marshal(r)
	if err != nil {
		debug.Logf("mcp: marshal reply failed: %v\n", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(data)
	s.out.Write([]byte{'\n'})
}

func nullID() json.RawMessage {
	return json.RawMessage("null")
}

// toolDescription gives each verb a one-line summary for tools/list.
var toolDescriptions = map[string]string{
	"write_note":    "Write a durable note to the teambook",
	"read_notes":    "Read notes filtered by tags, owner, type, or text",
	"recall":        "Semantic recall: search notes with graph-aware ranking",
	"get_full_note": "Fetch one note with its edges and entities",
	"pin":           "Pin a note",
	"unpin":         "Unpin a note",
	"claim":         "Claim ownership of a note",
	"release":       "Release ownership of a note",
	"assign":        "Assign a note to another AI",

	"send_message":      "Broadcast to a channel or send a direct message",
	"get_messages":      "Read channel messages or DMs",
	"message_stats":     "Message totals, unread counts, and quota",
	"subscribe":         "Subscribe to a channel",
	"unsubscribe":       "Unsubscribe from a channel",
	"get_subscriptions": "List channel subscriptions",

	"acquire_lock":  "Acquire a distributed lock on a resource",
	"release_lock":  "Release a held lock",
	"extend_lock":   "Extend a held lock's expiry",
	"list_locks":    "List active locks",
	"queue_task":    "Queue a task with priority 0-9",
	"claim_task":    "Claim the best pending task",
	"complete_task": "Complete a claimed task",
	"queue_stats":   "Task queue statistics",

	"evolve":          "Start a collaborative evolution",
	"contribute":      "Contribute an idea to an evolution",
	"contributions":   "List an evolution's contributions",
	"rank":            "Score a contribution 0-10",
	"vote":            "Vote ranked preferences on an evolution",
	"synthesize":      "Synthesize top contributions into an output",
	"conflicts":       "Detect conflicting contributions",
	"list_evolutions": "List evolutions",

	"watch":        "Watch an item for events",
	"unwatch":      "Remove a watch",
	"get_events":   "Pull pending events since a time",
	"list_watches": "List registered watches",
	"watch_stats":  "Watch and event delivery statistics",

	"who_is_here":         "List recently active AIs",
	"set_status":          "Set a presence status message",
	"clear_status":        "Clear the presence status message",
	"what_are_they_doing": "Recent operations by teambook peers",

	"vault_set":    "Store an encrypted secret",
	"vault_get":    "Retrieve a decrypted secret",
	"vault_list":   "List secret keys and timestamps",
	"vault_delete": "Delete a secret",

	"create_teambook": "Create a named teambook",
	"join_teambook":   "Join a teambook and make it active",
	"use_teambook":    "Switch the active teambook",
	"list_teambooks":  "List known teambooks",

	"get_status":     "Teambook status snapshot",
	"batch":          "Run up to 50 operations in one call",
	"standby":        "Block until an event arrives or timeout",
	"wait_for_event": "Wait for a specific item's event",
}

func toolDescription(verb string) string {
	if d, ok := toolDescriptions[verb]; ok {
		return d
	}
	return "Teambook verb " + verb
}
