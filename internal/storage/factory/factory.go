// Package factory selects and opens storage backends. Backends register
// themselves in init() and are chosen either explicitly or by probing
// reachability: postgres when a URL is configured and answers, then
// redis when enabled and answers, falling back to embedded sqlite.
package factory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/teambook/internal/config"
	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/storage"
)

// Backend names accepted by Options.Backend and TEAMBOOK_BACKEND.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// DefaultProbeTimeout bounds each reachability check during selection.
const DefaultProbeTimeout = 2 * time.Second

// Backend bundles the constructors a storage backend contributes.
// Probe reports whether the backend is reachable with the given options;
// a nil Probe means always available.
type Backend struct {
	Open         func(ctx context.Context, teambook string, opts Options) (storage.Store, error)
	OpenRegistry func(ctx context.Context, opts Options) (storage.Registry, error)
	Probe        func(ctx context.Context, opts Options) error
}

// backendRegistry holds registered backends by name.
var backendRegistry = make(map[string]Backend)

// Register adds a backend to the registry. Called from init() in the
// per-backend files of this package.
func Register(name string, b Backend) {
	backendRegistry[name] = b
}

// Options configures backend selection and opening.
type Options struct {
	Backend      string        // explicit backend name; empty means probe
	Root         string        // sqlite storage root directory
	PostgresURL  string        // postgres connection URL; empty disables
	RedisURL     string        // redis connection URL
	UseRedis     bool          // consider redis during selection
	ProbeTimeout time.Duration // per-probe bound (0 = DefaultProbeTimeout)
}

// OptionsFromConfig builds Options from the process configuration.
func OptionsFromConfig() (Options, error) {
	root, err := config.Root()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Backend:     config.GetString("backend"),
		Root:        root,
		PostgresURL: config.GetString("postgres-url"),
		RedisURL:    config.GetString("redis-url"),
		UseRedis:    config.GetBool("use-redis"),
	}, nil
}

// Selection is probed once per process; every teambook opened afterwards
// lands on the same backend.
var (
	selectMu     sync.Mutex
	selectCached string
)

// ResetSelection clears the cached backend choice. Tests only.
func ResetSelection() {
	selectMu.Lock()
	selectCached = ""
	selectMu.Unlock()
}

// Select resolves which backend to use. An explicit Options.Backend must
// name a registered backend; otherwise the probe result is cached for
// the life of the process.
func Select(ctx context.Context, opts Options) (string, error) {
	if opts.Backend != "" {
		if _, ok := backendRegistry[opts.Backend]; !ok {
			return "", fmt.Errorf("unknown storage backend: %s (supported: %s)", opts.Backend, supportedBackends())
		}
		return opts.Backend, nil
	}
	selectMu.Lock()
	defer selectMu.Unlock()
	if selectCached == "" {
		selectCached = probeBackends(ctx, opts)
	}
	return selectCached, nil
}

// probeBackends tries the shared backends in precedence order and
// returns the first that answers, else sqlite.
func probeBackends(ctx context.Context, opts Options) string {
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	try := func(name string) bool {
		b, ok := backendRegistry[name]
		if !ok {
			return false
		}
		if b.Probe == nil {
			return true
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := b.Probe(pctx, opts); err != nil {
			debug.Logf("storage: %s unreachable, falling back: %v\n", name, err)
			return false
		}
		return true
	}
	if opts.PostgresURL != "" && try(BackendPostgres) {
		return BackendPostgres
	}
	if opts.UseRedis && try(BackendRedis) {
		return BackendRedis
	}
	return BackendSQLite
}

// Open opens the store for one teambook on the selected backend.
func Open(ctx context.Context, teambook string, opts Options) (storage.Store, error) {
	name, err := Select(ctx, opts)
	if err != nil {
		return nil, err
	}
	b, ok := backendRegistry[name]
	if !ok || b.Open == nil {
		return nil, fmt.Errorf("storage backend %s is not available in this build", name)
	}
	store, err := b.Open(ctx, teambook, opts)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage for %s: %w", name, teambook, err)
	}
	return store, nil
}

// OpenRegistry opens the teambook registry on the selected backend.
func OpenRegistry(ctx context.Context, opts Options) (storage.Registry, error) {
	name, err := Select(ctx, opts)
	if err != nil {
		return nil, err
	}
	b, ok := backendRegistry[name]
	if !ok || b.OpenRegistry == nil {
		return nil, fmt.Errorf("storage backend %s is not available in this build", name)
	}
	reg, err := b.OpenRegistry(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("opening %s registry: %w", name, err)
	}
	return reg, nil
}

func supportedBackends() string {
	names := make([]string, 0, len(backendRegistry))
	for name := range backendRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
