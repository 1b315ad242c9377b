package kernel

import (
	"context"
	"errors"

	"github.com/steveyegge/teambook/internal/config"
	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/eventbus"
	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func (k *Kernel) teambookName(p Params) (string, *Response) {
	name := p.Str("name")
	if name == "" {
		return "", fail(CodeInvalidItem, "name is required").
			Suggest("pass name=<teambook>")
	}
	if !types.ValidTeambookName(name) {
		return "", fail(CodeInvalidItem, "invalid teambook name: %s", name).
			Detail(map[string]interface{}{
				"allowed": "letters, digits, dash, underscore",
				"max":     types.MaxTeambookName,
			})
	}
	return name, nil
}

func (k *Kernel) createTeambook(ctx context.Context, p Params) *Response {
	name, resp := k.teambookName(p)
	if resp != nil {
		return resp
	}
	if k.registry == nil {
		return fail(CodeUnknown, "teambook management is not available on this host")
	}

	now := k.now()
	tb := &types.Teambook{
		Name:       name,
		Creator:    k.aiID(),
		CreatedAt:  now,
		LastActive: now,
	}
	if err := k.registry.CreateTeambook(ctx, tb); err != nil {
		if errors.Is(err, storage.ErrTeambookExists) {
			return fail(CodeTeambookExists, "teambook %s already exists", name).
				Suggest("use join_teambook to switch to it")
		}
		return failErr(err)
	}
	if _, err := config.TeambookDir(name); err != nil {
		debug.Logf("create teambook dir: %v\n", err)
	}
	return success("created teambook %s", name).With(map[string]interface{}{
		"name":    name,
		"creator": tb.Creator,
	})
}

// joinTeambook switches to the named teambook, creating it on first
// join so agents can rendezvous without coordinating creation.
func (k *Kernel) joinTeambook(ctx context.Context, p Params) *Response {
	name, resp := k.teambookName(p)
	if resp != nil {
		return resp
	}
	if k.registry == nil {
		return fail(CodeUnknown, "teambook management is not available on this host")
	}

	now := k.now()
	created := false
	if _, err := k.registry.GetTeambook(ctx, name); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return failErr(err)
		}
		tb := &types.Teambook{Name: name, Creator: k.aiID(), CreatedAt: now, LastActive: now}
		if err := k.registry.CreateTeambook(ctx, tb); err != nil && !errors.Is(err, storage.ErrTeambookExists) {
			return failErr(err)
		}
		created = true
	}
	if err := k.registry.TouchTeambook(ctx, name, now); err != nil {
		debug.Logf("touch teambook: %v\n", err)
	}

	if resp := k.switchTo(ctx, name); resp != nil {
		return resp
	}
	return success("joined teambook %s", name).With(map[string]interface{}{
		"name":    name,
		"created": created,
	})
}

// useTeambook switches to an existing teambook without creating it.
func (k *Kernel) useTeambook(ctx context.Context, p Params) *Response {
	name, resp := k.teambookName(p)
	if resp != nil {
		return resp
	}
	if k.registry != nil {
		if _, err := k.registry.GetTeambook(ctx, name); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fail(CodeInvalidItem, "teambook %s does not exist", name).
					Suggest("use create_teambook or join_teambook first")
			}
			return failErr(err)
		}
	}
	if resp := k.switchTo(ctx, name); resp != nil {
		return resp
	}
	return success("using teambook %s", name).With(map[string]interface{}{
		"name": name,
	})
}

// switchTo repoints the kernel at another teambook's store. The vault and
// last-write marker are scoped per teambook, so both reset on switch.
func (k *Kernel) switchTo(ctx context.Context, name string) *Response {
	if err := config.SetCurrentTeambook(name); err != nil {
		return fail(CodeUnknown, "failed to record current teambook: %v", err)
	}
	if k.open == nil {
		return nil
	}
	st, err := k.open(ctx, name)
	if err != nil {
		return failErr(err)
	}

	k.mu.Lock()
	old := k.store
	k.store = st
	k.emitter = eventbus.NewEmitter(st, k.bus)
	k.vault = nil
	k.lastWrite = 0
	k.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			debug.Logf("close previous store: %v\n", err)
		}
	}
	return nil
}

func (k *Kernel) listTeambooks(ctx context.Context, p Params) *Response {
	if k.registry == nil {
		return fail(CodeUnknown, "teambook management is not available on this host")
	}
	books, err := k.registry.ListTeambooks(ctx)
	if err != nil {
		return failErr(err)
	}
	current := k.teambook()
	views := make([]map[string]interface{}, 0, len(books))
	for _, tb := range books {
		v := map[string]interface{}{
			"name":        tb.Name,
			"created":     stamp(tb.CreatedAt),
			"last_active": stamp(tb.LastActive),
		}
		if tb.Creator != "" {
			v["creator"] = tb.Creator
		}
		if tb.Name == current {
			v["current"] = true
		}
		views = append(views, v)
	}
	return success("%d teambooks", len(books)).With(map[string]interface{}{
		"teambooks": views,
		"count":     len(books),
		"current":   current,
	})
}
