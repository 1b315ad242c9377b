package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/teambook/internal/config"
	"github.com/steveyegge/teambook/internal/identity"
	"github.com/steveyegge/teambook/internal/kernel"
	"github.com/steveyegge/teambook/internal/storage/sqlite"
)

// session drives one MCP server over in-memory pipes.
type session struct {
	in  io.WriteCloser
	out *bufio.Scanner
}

func newSession(t *testing.T) *session {
	t.Helper()
	config.Set("root", t.TempDir())

	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "mcp.db"), "mcp-test")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mgr := identity.NewManager(identity.Options{
		Dir:         t.TempDir(),
		AIID:        "mcp-agent",
		DisplayName: "MCP Agent",
	})
	k, err := kernel.New(kernel.Options{Store: st, Identity: mgr})
	if err != nil {
		t.Fatalf("failed to build kernel: %v", err)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	srv := New(k, "teambook", "test", inR, outW)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)
	t.Cleanup(func() { inW.Close() })

	sc := bufio.NewScanner(outR)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &session{in: inW, out: sc}
}

// call sends one request and decodes the next response line.
func (s *session) call(t *testing.T, req string) map[string]any {
	t.Helper()
	if _, err := io.WriteString(s.in, req+"\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	done := make(chan map[string]any, 1)
	go func() {
		if s.out.Scan() {
			var resp map[string]any
			if json.Unmarshal(s.out.Bytes(), &resp) == nil {
				done <- resp
			}
		}
		close(done)
	}()
	select {
	case resp, ok := <-done:
		if !ok {
			t.Fatal("no response")
		}
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

func TestInitialize(t *testing.T) {
	s := newSession(t)
	resp := s.call(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("initialize failed: %v", resp)
	}
	if result["protocolVersion"] != protocolVersion {
		t.Fatalf("protocol version = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != "teambook" {
		t.Fatalf("server name = %v", info["name"])
	}
}

func TestToolsList(t *testing.T) {
	s := newSession(t)
	resp := s.call(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	result := resp["result"].(map[string]any)
	tools := result["tools"].([]any)
	if len(tools) < 30 {
		t.Fatalf("expected the full verb surface, got %d tools", len(tools))
	}
	seen := map[string]bool{}
	for _, raw := range tools {
		tool := raw.(map[string]any)
		name := tool["name"].(string)
		if !toolNameRe.MatchString(name) {
			t.Fatalf("tool name %q violates the name pattern", name)
		}
		if tool["description"] == "" {
			t.Fatalf("tool %s has no description", name)
		}
		seen[name] = true
	}
	for _, want := range []string{"write_note", "send_message", "acquire_lock", "watch", "get_status"} {
		if !seen[want] {
			t.Fatalf("tool %s missing from list", want)
		}
	}
}

func TestToolsCall(t *testing.T) {
	s := newSession(t)
	resp := s.call(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"write_note","arguments":{"content":"from mcp"}}}`)
	result := resp["result"].(map[string]any)
	if result["isError"] == true {
		t.Fatalf("tool call errored: %v", result)
	}
	content := result["content"].([]any)
	text := content[0].(map[string]any)["text"].(string)
	if !strings.Contains(text, `"success":true`) {
		t.Fatalf("unexpected tool text: %s", text)
	}
}

func TestToolsCallInvalidName(t *testing.T) {
	s := newSession(t)
	resp := s.call(t, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"no such tool!","arguments":{}}}`)
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error response: %v", resp)
	}
	if int(errObj["code"].(float64)) != codeInvalidParams {
		t.Fatalf("error code = %v, want %d", errObj["code"], codeInvalidParams)
	}
}

func TestUnknownMethod(t *testing.T) {
	s := newSession(t)
	resp := s.call(t, `{"jsonrpc":"2.0","id":5,"method":"frobnicate"}`)
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error response: %v", resp)
	}
	if int(errObj["code"].(float64)) != codeMethodNotFound {
		t.Fatalf("error code = %v, want %d", errObj["code"], codeMethodNotFound)
	}
}

func TestNotificationGetsNoReply(t *testing.T) {
	s := newSession(t)
	if _, err := io.WriteString(s.in, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	// The next request must be answered first in line: no stray reply
	// for the notification sits in the pipe ahead of it.
	resp := s.call(t, `{"jsonrpc":"2.0","id":6,"method":"ping"}`)
	if id, _ := resp["id"].(float64); int(id) != 6 {
		t.Fatalf("expected reply to request 6, got %v", resp)
	}
}
