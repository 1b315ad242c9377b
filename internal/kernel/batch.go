package kernel

import (
	"context"

	"github.com/steveyegge/teambook/internal/types"
)

// runBatch executes a list of operations in order and reports per-item
// results. The outer call already passed the gate and logged presence,
// so items dispatch straight to their handlers; per-verb quotas still
// apply inside each one. Batches do not nest.
func (k *Kernel) runBatch(ctx context.Context, p Params) *Response {
	raw, ok := p["operations"].([]interface{})
	if !ok || len(raw) == 0 {
		return fail(CodeInvalidItem, "operations is required").
			Suggest("pass operations=[{op: <verb>, args: {...}}, ...]")
	}
	if len(raw) > types.BatchMax {
		return fail(CodeInvalidItem, "at most %d operations per batch (got %d)", types.BatchMax, len(raw)).
			Detail(map[string]interface{}{"max": types.BatchMax})
	}

	results := make([]map[string]interface{}, 0, len(raw))
	succeeded, failed := 0, 0
	for i, item := range raw {
		resp := k.runBatchItem(ctx, item)
		view := map[string]interface{}{
			"index":   i,
			"success": resp.Success,
		}
		if resp.Message != "" {
			view["message"] = resp.Message
		}
		if resp.Error != "" {
			view["error"] = resp.Error
		}
		if resp.Data != nil {
			view["data"] = resp.Data
		}
		results = append(results, view)
		if resp.Success {
			succeeded++
		} else {
			failed++
		}
	}

	return success("batch: %d succeeded, %d failed", succeeded, failed).With(map[string]interface{}{
		"results":   results,
		"succeeded": succeeded,
		"failed":    failed,
	})
}

func (k *Kernel) runBatchItem(ctx context.Context, item interface{}) *Response {
	spec, ok := item.(map[string]interface{})
	if !ok {
		return fail(CodeInvalidItem, "each operation must be an object with op and args")
	}
	op := Params(spec)
	verb := Canonical(op.StrOr("op", op.Str("verb")))
	if verb == "" {
		return fail(CodeInvalidItem, "operation is missing op")
	}
	if verb == "batch" {
		return fail(CodeInvalidItem, "batch cannot contain batch")
	}
	fn, ok := k.verbs[verb]
	if !ok {
		return fail(CodeUnknown, "unknown verb: %s", verb)
	}

	var args Params
	if m, ok := spec["args"].(map[string]interface{}); ok {
		args = Params(m)
	} else if m, ok := spec["params"].(map[string]interface{}); ok {
		args = Params(m)
	} else {
		args = Params{}
	}
	return fn(ctx, args)
}
