package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchCurrentTeambook invokes fn with the new active teambook name
// whenever the context file changes, until ctx is canceled. The watch is
// placed on the root directory so file replacement (atomic rename) and
// deletion are both observed.
func WatchCurrentTeambook(ctx context.Context, fn func(name string)) error {
	root, err := Root()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}

	go func() {
		defer watcher.Close()
		last := CurrentTeambook()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != contextFileName {
					continue
				}
				if now := CurrentTeambook(); now != last {
					last = now
					fn(now)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
