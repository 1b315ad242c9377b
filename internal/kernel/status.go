package kernel

import (
	"context"
	"time"

	"github.com/steveyegge/teambook/internal/ratelimit"
	"github.com/steveyegge/teambook/internal/types"
)

// getStatus reports a snapshot of the current teambook: counts, active
// peers, and with verbose=true the rate budget and identity details.
func (k *Kernel) getStatus(ctx context.Context, p Params) *Response {
	st := k.db()
	stats, err := st.GetStatistics(ctx)
	if err != nil {
		return failErr(err)
	}

	now := k.now()
	active := 0
	if peers, err := st.ListPresence(ctx); err == nil {
		cutoff := now.Add(-types.PresenceAwayWithin)
		for _, pr := range peers {
			if !pr.LastSeen.Before(cutoff) {
				active++
			}
		}
	}

	ai := k.aiID()
	data := map[string]interface{}{
		"teambook":      k.teambook(),
		"backend":       st.Backend(),
		"ai_id":         ai,
		"notes":         stats.TotalNotes,
		"pinned":        stats.PinnedNotes,
		"messages":      stats.TotalMessages,
		"unread_dms":    stats.UnreadMessages,
		"locks":         stats.ActiveLocks,
		"pending_tasks": stats.PendingTasks,
		"watches":       stats.ActiveWatches,
		"active_ais":    active,
	}
	if !stats.LastWrite.IsZero() {
		data["last_write"] = stamp(stats.LastWrite)
	}

	if p.Bool("verbose") {
		data["edges"] = stats.TotalEdges
		data["entities"] = stats.TotalEntities
		data["handlers"] = len(k.events().Bus().Handlers())
		data["uptime_seconds"] = int64(time.Since(uptimeSince).Seconds())
		data["rate"] = map[string]interface{}{
			"per_second": k.limits.Peek(ratelimit.CallsPerSecond, ai),
			"per_minute": k.limits.Peek(ratelimit.CallsPerMinute, ai),
			"messages":   k.limits.Peek(ratelimit.Messages, ai),
		}
		if id := k.id.Current(); id != nil {
			data["identity"] = map[string]interface{}{
				"display_name": id.DisplayName,
				"fingerprint":  id.Fingerprint,
			}
		}
	}

	return success("%s: %d notes, %d active AIs", k.teambook(), stats.TotalNotes, active).With(data)
}

// uptimeSince is set once at process start for the status snapshot.
var uptimeSince = time.Now()
