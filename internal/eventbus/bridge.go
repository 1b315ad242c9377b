package eventbus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// RunBridge subscribes to the store's live event feed and dispatches
// every received event on the bus, so events committed by other processes
// reach local consumers (stream connections, standby waiters). It blocks
// until ctx is cancelled, reconnecting with exponential backoff after
// feed loss. On stores without a live feed it returns immediately;
// consumers there fall back to polling PendingEvents.
func RunBridge(ctx context.Context, store storage.Store, bus *Bus) error {
	es, ok := storage.AsStreamer(store)
	if !ok {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // reconnect for as long as the daemon runs
	for {
		if ctx.Err() != nil {
			return nil
		}
		events, cancel, err := es.SubscribeEvents(ctx)
		if err != nil {
			debug.Logf("eventbus: feed subscribe: %v\n", err)
			if !wait(ctx, bo.NextBackOff()) {
				return nil
			}
			continue
		}
		bo.Reset()
		pump(ctx, bus, events)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		debug.Logf("eventbus: feed closed, reconnecting\n")
		if !wait(ctx, bo.NextBackOff()) {
			return nil
		}
	}
}

// pump forwards feed events until the channel closes or ctx is cancelled.
func pump(ctx context.Context, bus *Bus, events <-chan *types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			bus.Dispatch(ctx, e)
		}
	}
}

// wait sleeps for d or until ctx is cancelled, reporting whether to go on.
func wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
