package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/steveyegge/teambook/internal/types"
)

// EnvEventHooks names the environment variable carrying hook configs as
// a JSON array of HookConfig objects.
const EnvEventHooks = "TEAMBOOK_EVENT_HOOKS"

// defaultHookTimeout bounds one hook run. Hooks execute synchronously on
// the emit path.
const defaultHookTimeout = 10 * time.Second

// HookConfig describes a shell command to run on matching events.
type HookConfig struct {
	ID       string   `json:"id"`
	Command  string   `json:"command"`
	Events   []string `json:"events,omitempty"`   // empty = every type
	Priority int      `json:"priority,omitempty"` // default 50
	Shell    string   `json:"shell,omitempty"`    // default "sh"
	Timeout  int      `json:"timeout,omitempty"`  // seconds, default 10
}

// HookHandler runs a shell command for each matching event, with the
// event JSON on stdin. Non-zero exit becomes a handler error (logged by
// the bus, chain continues); stdout is ignored so hooks can print freely.
type HookHandler struct {
	config HookConfig
	events []types.EventType
}

// NewHookHandler creates a handler from a hook config, applying defaults.
func NewHookHandler(cfg HookConfig) *HookHandler {
	if cfg.Priority == 0 {
		cfg.Priority = 50
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = int(defaultHookTimeout / time.Second)
	}
	events := make([]types.EventType, len(cfg.Events))
	for i, e := range cfg.Events {
		events[i] = types.EventType(e)
	}
	return &HookHandler{config: cfg, events: events}
}

// HooksFromEnv parses TEAMBOOK_EVENT_HOOKS into handlers. Unset or blank
// yields none.
func HooksFromEnv() ([]*HookHandler, error) {
	raw := strings.TrimSpace(os.Getenv(EnvEventHooks))
	if raw == "" {
		return nil, nil
	}
	var configs []HookConfig
	if err := json.Unmarshal([]byte(raw), &configs); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvEventHooks, err)
	}
	hooks := make([]*HookHandler, 0, len(configs))
	for _, cfg := range configs {
		if cfg.ID == "" || cfg.Command == "" {
			return nil, fmt.Errorf("invalid %s: every hook needs an id and a command", EnvEventHooks)
		}
		hooks = append(hooks, NewHookHandler(cfg))
	}
	return hooks, nil
}

func (h *HookHandler) ID() string                 { return h.config.ID }
func (h *HookHandler) Handles() []types.EventType { return h.events }
func (h *HookHandler) Priority() int              { return h.config.Priority }

// Config returns the configuration the handler was built from.
func (h *HookHandler) Config() HookConfig { return h.config }

func (h *HookHandler) Handle(ctx context.Context, e *types.Event) error {
	input, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("hook %s: marshal event: %w", h.config.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(h.config.Timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.config.Shell, "-c", h.config.Command)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = strings.TrimSpace(stdout.String())
			}
			return fmt.Errorf("hook %s: exit %d: %s", h.config.ID, exitErr.ExitCode(), detail)
		}
		return fmt.Errorf("hook %s: exec: %w", h.config.ID, err)
	}
	return nil
}
