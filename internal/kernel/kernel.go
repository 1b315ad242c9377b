// Package kernel implements the teambook verb surface shared by every
// host. The CLI, the MCP server, and the HTTP API all funnel requests
// through Handle, so rate limiting, presence tracking, the operation
// log, and error classification behave identically no matter how a verb
// arrived.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/teambook/internal/config"
	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/eventbus"
	"github.com/steveyegge/teambook/internal/graph"
	"github.com/steveyegge/teambook/internal/identity"
	"github.com/steveyegge/teambook/internal/ratelimit"
	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/telemetry"
	"github.com/steveyegge/teambook/internal/types"
	"github.com/steveyegge/teambook/internal/utils"
	"github.com/steveyegge/teambook/internal/vault"
)

// lastOpFile persists the most recent write in the teambook directory so
// "last" resolves across processes, not just within one.
const lastOpFile = ".last_operation"

// Opener opens a store for a named teambook. Hosts that support live
// switching (join_teambook, use_teambook) provide one; hosts that pin a
// single teambook leave it nil.
type Opener func(ctx context.Context, teambook string) (storage.Store, error)

type verbFunc func(ctx context.Context, p Params) *Response

// Options configures a Kernel. Store and Identity are required; the
// rest default to private instances or disable their feature when nil.
type Options struct {
	Store    storage.Store
	Identity *identity.Manager
	Bus      *eventbus.Bus      // shared event bus; nil creates a private one
	Limiter  *ratelimit.Limiter // shared quota state; nil creates a private one
	Vault    *vault.Vault       // pre-opened vault; nil opens lazily on first use
	Registry storage.Registry   // enables the teambook management verbs
	Open     Opener             // enables live teambook switching
	Now      func() time.Time   // test clock
}

// Kernel dispatches verbs against one active teambook. It is safe for
// concurrent use; join_teambook and use_teambook swap the active store
// under the lock while in-flight verbs finish against the old one.
type Kernel struct {
	id       *identity.Manager
	limits   *ratelimit.Limiter
	ranker   *graph.Ranker
	bus      *eventbus.Bus
	registry storage.Registry
	open     Opener
	now      func() time.Time

	verbs map[string]verbFunc

	mu        sync.RWMutex // guards store, emitter, vault, lastWrite
	store     storage.Store
	emitter   *eventbus.Emitter
	vault     *vault.Vault
	lastWrite int64
}

// New builds a kernel and ensures the caller has a usable identity.
func New(opts Options) (*Kernel, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("kernel requires a store")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("kernel requires an identity manager")
	}
	if _, err := opts.Identity.LoadOrCreate(); err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	limits := opts.Limiter
	if limits == nil {
		limits = ratelimit.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	k := &Kernel{
		id:       opts.Identity,
		limits:   limits,
		ranker:   &graph.Ranker{},
		bus:      bus,
		registry: opts.Registry,
		open:     opts.Open,
		now:      now,
		verbs:    make(map[string]verbFunc),
		store:    opts.Store,
		emitter:  eventbus.NewEmitter(opts.Store, bus),
		vault:    opts.Vault,
	}
	k.registerVerbs()
	return k, nil
}

func (k *Kernel) registerVerbs() {
	for verb, fn := range map[string]verbFunc{
		"write_note":    k.writeNote,
		"read_notes":    k.readNotes,
		"recall":        k.recallNotes,
		"get_full_note": k.getFullNote,
		"pin":           k.pinNote,
		"unpin":         k.unpinNote,
		"claim":         k.claimNote,
		"release":       k.releaseNote,
		"assign":        k.assignNote,

		"send_message":      k.sendMessage,
		"get_messages":      k.getMessages,
		"message_stats":     k.messageStats,
		"subscribe":         k.subscribeChannel,
		"unsubscribe":       k.unsubscribeChannel,
		"get_subscriptions": k.getSubscriptions,

		"acquire_lock":  k.acquireLock,
		"release_lock":  k.releaseLock,
		"extend_lock":   k.extendLock,
		"list_locks":    k.listLocks,
		"queue_task":    k.queueTask,
		"claim_task":    k.claimTask,
		"complete_task": k.completeTask,
		"queue_stats":   k.queueStats,

		"evolve":          k.evolve,
		"contribute":      k.contribute,
		"contributions":   k.listContributions,
		"rank":            k.rankContribution,
		"vote":            k.voteEvolution,
		"synthesize":      k.synthesize,
		"conflicts":       k.detectConflicts,
		"list_evolutions": k.listEvolutions,

		"watch":        k.createWatch,
		"unwatch":      k.deleteWatch,
		"get_events":   k.getEvents,
		"list_watches": k.listWatches,
		"watch_stats":  k.watchStats,

		"who_is_here":         k.whoIsHere,
		"set_status":          k.setStatus,
		"clear_status":        k.clearStatus,
		"what_are_they_doing": k.whatAreTheyDoing,

		"vault_set":    k.vaultSet,
		"vault_get":    k.vaultGet,
		"vault_list":   k.vaultList,
		"vault_delete": k.vaultDelete,

		"create_teambook": k.createTeambook,
		"join_teambook":   k.joinTeambook,
		"use_teambook":    k.useTeambook,
		"list_teambooks":  k.listTeambooks,

		"get_status":     k.getStatus,
		"batch":          k.runBatch,
		"standby":        k.standby,
		"wait_for_event": k.waitForEvent,
	} {
		k.verbs[verb] = fn
	}
}

// aliases map shorthand and legacy verb names onto canonical verbs.
var aliases = map[string]string{
	"write":    "write_note",
	"remember": "write_note",
	"read":     "read_notes",
	"get":      "get_full_note",

	"dm":        "send_message",
	"msg":       "send_message",
	"broadcast": "send_message",
	"inbox":     "get_messages",
	"sub":       "subscribe",
	"unsub":     "unsubscribe",

	"lock":   "acquire_lock",
	"unlock": "release_lock",
	"extend": "extend_lock",
	"queue":  "queue_task",

	"attempt":  "contribute",
	"attempts": "contributions",
	"combine":  "synthesize",

	"who":          "who_is_here",
	"status":       "get_status",
	"standby_mode": "standby",
}

// Canonical resolves a verb name through the alias table.
func Canonical(verb string) string {
	verb = strings.ToLower(strings.TrimSpace(verb))
	if c, ok := aliases[verb]; ok {
		return c
	}
	return verb
}

// Verbs lists every canonical verb name, sorted. Hosts use it to build
// tool listings and help output.
func (k *Kernel) Verbs() []string {
	out := make([]string, 0, len(k.verbs))
	for verb := range k.verbs {
		out = append(out, verb)
	}
	sort.Strings(out)
	return out
}

// errBackend marks a response as an infrastructure failure so the
// circuit breaker counts it. It never escapes Handle.
var errBackend = errors.New("backend failure")

// Handle dispatches one verb invocation. Every call, regardless of host,
// passes the same gates: alias resolution, per-AI rate windows, the
// failure-cascade breaker, then the verb itself, with presence and the
// operation log updated on the way out.
func (k *Kernel) Handle(ctx context.Context, verb string, p Params) (resp *Response) {
	start := k.now()
	verb = Canonical(verb)
	if p == nil {
		p = Params{}
	}

	defer func() {
		if r := recover(); r != nil {
			resp = fail(CodeUnknown, "internal error: %v", r)
		}
	}()

	fn, ok := k.verbs[verb]
	if !ok {
		return fail(CodeUnknown, "unknown verb: %s", verb).
			Detail(map[string]interface{}{"verb": verb})
	}

	ai := k.aiID()
	if gateResp := k.gate(ai); gateResp != nil {
		return gateResp
	}

	resp = k.runGuarded(ctx, ai, fn, p)
	telemetry.CountVerb(ctx, verb, resp.Success)

	// Presence and the operation log ride along on every verb. Failures
	// there never fail the verb itself.
	if verb != "set_status" && verb != "clear_status" {
		if err := k.db().RecordPresence(ctx, ai, verb, nil); err != nil {
			debug.Logf("presence update failed: %v\n", err)
		}
	}
	rec := &types.OperationRecord{
		Operation:  verb,
		Author:     ai,
		Timestamp:  start,
		DurationMS: k.now().Sub(start).Milliseconds(),
	}
	if err := k.db().LogOperation(ctx, rec); err != nil {
		debug.Logf("operation log failed: %v\n", err)
	}
	return resp
}

// gate applies the per-AI call windows.
func (k *Kernel) gate(ai string) *Response {
	if allowed, _ := k.limits.Allow(ratelimit.CallsPerSecond, ai); !allowed {
		return fail(CodeRateLimit, "rate limit exceeded: %d calls per second",
			ratelimit.CallsPerSecond.Limit).
			Suggest("wait 1 second and retry")
	}
	if allowed, _ := k.limits.Allow(ratelimit.CallsPerMinute, ai); !allowed {
		return fail(CodeRateLimit, "rate limit exceeded: %d calls per minute",
			ratelimit.CallsPerMinute.Limit).
			Suggest("wait 60 seconds and retry")
	}
	return nil
}

// runGuarded executes the verb under the per-AI failure breaker. Only
// infrastructure failures count against the breaker; caller mistakes
// like validation errors do not.
func (k *Kernel) runGuarded(ctx context.Context, ai string, fn verbFunc, p Params) *Response {
	out, err := k.limits.Cascade(ai).Execute(func() (interface{}, error) {
		resp := fn(ctx, p)
		if resp == nil {
			resp = fail(CodeUnknown, "verb produced no response")
		}
		if resp.infrastructure() {
			return resp, errBackend
		}
		return resp, nil
	})
	if ratelimit.Shorted(err) {
		return fail(CodeRateLimit, "too many consecutive failures; calls are temporarily blocked").
			Suggest("wait 60 seconds and retry")
	}
	resp, _ := out.(*Response)
	if resp == nil {
		resp = fail(CodeUnknown, "verb produced no response")
	}
	return resp
}

// Store returns the active store. Hosts that run surfaces beside the
// kernel (streaming, HTTP) read through this so a teambook switch is
// visible to them too.
func (k *Kernel) Store() storage.Store {
	return k.db()
}

// Bus returns the shared event bus.
func (k *Kernel) Bus() *eventbus.Bus {
	return k.bus
}

// Identity returns the identity manager the kernel was built with.
func (k *Kernel) Identity() *identity.Manager {
	return k.id
}

// db returns the active store. Verbs call this once per use rather than
// caching it across blocking waits, so a teambook switch takes effect
// promptly.
func (k *Kernel) db() storage.Store {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store
}

// events returns the emitter bound to the active store.
func (k *Kernel) events() *eventbus.Emitter {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.emitter
}

// teambook returns the active teambook name.
func (k *Kernel) teambook() string {
	return k.db().Teambook()
}

// aiID returns the caller's identity, "anonymous" when identity loading
// failed entirely.
func (k *Kernel) aiID() string {
	if id := k.id.Current(); id != nil {
		return id.AIID
	}
	return "anonymous"
}

// secrets returns the vault for the active teambook, opening it on
// first use.
func (k *Kernel) secrets() (*vault.Vault, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.vault != nil {
		return k.vault, nil
	}
	keyPath, err := config.VaultKeyPath(k.store.Teambook())
	if err != nil {
		return nil, err
	}
	v, err := vault.Open(k.store, keyPath)
	if err != nil {
		return nil, err
	}
	k.vault = v
	return v, nil
}

// rememberWrite records a note write as the session's "last" target,
// both in-process and in the teambook's last-operation file.
func (k *Kernel) rememberWrite(verb string, id int64) {
	k.mu.Lock()
	k.lastWrite = id
	k.mu.Unlock()

	dir, err := config.TeambookDir(k.teambook())
	if err != nil {
		debug.Logf("last-operation dir: %v\n", err)
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"operation": verb,
		"id":        id,
		"time":      stamp(k.now()),
	})
	if err != nil {
		return
	}
	if err := utils.AtomicWriteFile(filepath.Join(dir, lastOpFile), payload, 0600); err != nil {
		debug.Logf("last-operation write: %v\n", err)
	}
}

// lastWriteID resolves "last": this process's most recent write, then
// the teambook's last-operation file, then the newest note in the store.
func (k *Kernel) lastWriteID(ctx context.Context) int64 {
	k.mu.RLock()
	id := k.lastWrite
	k.mu.RUnlock()
	if id > 0 {
		return id
	}

	if dir, err := config.TeambookDir(k.teambook()); err == nil {
		if data, err := os.ReadFile(filepath.Join(dir, lastOpFile)); err == nil {
			var rec struct {
				ID int64 `json:"id"`
			}
			if json.Unmarshal(data, &rec) == nil && rec.ID > 0 {
				return rec.ID
			}
		}
	}

	if id, err := k.db().LastNoteID(ctx); err == nil {
		return id
	}
	return 0
}

// noteID resolves a note id parameter, accepting "last" (and "latest",
// "^") for the most recent write.
func (k *Kernel) noteID(ctx context.Context, p Params, key string) (int64, *Response) {
	v, ok := p.value(key)
	if !ok {
		return 0, fail(CodeInvalidItem, "%s is required", key)
	}
	if s, isStr := v.(string); isStr {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "last", "latest", "^":
			id := k.lastWriteID(ctx)
			if id <= 0 {
				return 0, fail(CodeInvalidItem, "no recent write to resolve").
					Suggest("pass an explicit note id")
			}
			return id, nil
		}
	}
	id := looseID(v)
	if id <= 0 {
		return 0, fail(CodeInvalidItem, "invalid %s: %v", key, v).
			Suggest("use a numeric id, a form like note:12, or last")
	}
	return id, nil
}
