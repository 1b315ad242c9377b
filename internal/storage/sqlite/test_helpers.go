package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

// newTestStore opens an isolated file-backed store for one test. File
// databases behave like production under the connection pool; :memory:
// gets its own dedicated test.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"), "test-team")
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
