package kernel

import (
	"context"
	"errors"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func (k *Kernel) vaultKey(p Params) (string, *Response) {
	key := p.Str("key")
	if key == "" {
		return "", fail(CodeInvalidItem, "key is required").
			Suggest("pass key=<name>")
	}
	if !types.ValidVaultKey(key) {
		return "", fail(CodeInvalidItem, "invalid vault key: %s", key).
			Detail(map[string]interface{}{
				"allowed": "letters, digits, dot, underscore, dash",
				"max":     types.MaxVaultKeyLength,
			})
	}
	return key, nil
}

func (k *Kernel) vaultSet(ctx context.Context, p Params) *Response {
	key, resp := k.vaultKey(p)
	if resp != nil {
		return resp
	}
	value := p.Str("value")
	if value == "" {
		return fail(CodeEmptyMessage, "value is required")
	}
	if err := types.ValidateVaultValue([]byte(value)); err != nil {
		return fail(CodeInvalidItem, "%v", err).
			Detail(map[string]interface{}{"max_bytes": types.MaxVaultValueLength})
	}

	v, err := k.secrets()
	if err != nil {
		return fail(CodeEncryption, "failed to open vault: %v", err)
	}
	if err := v.Set(ctx, key, value, k.aiID()); err != nil {
		return failErr(err)
	}
	return success("stored %s", key).With(map[string]interface{}{
		"key": key,
	})
}

func (k *Kernel) vaultGet(ctx context.Context, p Params) *Response {
	key, resp := k.vaultKey(p)
	if resp != nil {
		return resp
	}
	v, err := k.secrets()
	if err != nil {
		return fail(CodeEncryption, "failed to open vault: %v", err)
	}
	value, err := v.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeInvalidItem, "vault key %q not found", key)
	}
	if err != nil {
		// Any other failure here is a bad key file or tampered
		// ciphertext, not a backend fault.
		return fail(CodeEncryption, "%v", err)
	}
	return success("%s", key).With(map[string]interface{}{
		"key":   key,
		"value": value,
	})
}

func (k *Kernel) vaultList(ctx context.Context, p Params) *Response {
	v, err := k.secrets()
	if err != nil {
		return fail(CodeEncryption, "failed to open vault: %v", err)
	}
	items, err := v.List(ctx)
	if err != nil {
		return failErr(err)
	}
	views := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		views = append(views, map[string]interface{}{
			"key":     item.Key,
			"author":  item.Author,
			"updated": stamp(item.UpdatedAt),
		})
	}
	return success("%d keys", len(items)).With(map[string]interface{}{
		"keys":  views,
		"count": len(items),
	})
}

func (k *Kernel) vaultDelete(ctx context.Context, p Params) *Response {
	key, resp := k.vaultKey(p)
	if resp != nil {
		return resp
	}
	v, err := k.secrets()
	if err != nil {
		return fail(CodeEncryption, "failed to open vault: %v", err)
	}
	if err := v.Delete(ctx, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(CodeInvalidItem, "vault key %q not found", key)
		}
		return failErr(err)
	}
	return success("deleted %s", key).With(map[string]interface{}{
		"key": key,
	})
}
