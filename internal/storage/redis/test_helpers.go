package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// newTestStore opens a store against a throwaway in-process Redis. Each
// test gets its own server, so teambooks and registry keys never collide.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	return openStore(t, miniredis.RunT(t), "test-team")
}

func openStore(t *testing.T, mr *miniredis.Miniredis, teambook string) *Store {
	t.Helper()

	store, err := Open(context.Background(), "redis://"+mr.Addr(), teambook)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Errorf("failed to close test store: %v", cerr)
		}
	})
	return store
}
