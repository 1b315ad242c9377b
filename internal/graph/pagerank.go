package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// Ranker recomputes PageRank on demand. Concurrent refreshes for the
// same teambook collapse into one run via singleflight.
type Ranker struct {
	group singleflight.Group
}

// RankStatus reports what a refresh did.
type RankStatus struct {
	Computed bool   `json:"computed"`
	Notes    int    `json:"notes"`
	Reason   string `json:"reason,omitempty"`
}

// Refresh recomputes and persists PageRank scores unless the graph is
// too small or the cached scores are still fresh. The dirty flag set by
// Connect forces recomputation regardless of the cache window.
func (r *Ranker) Refresh(ctx context.Context, store storage.Store) (RankStatus, error) {
	v, err, _ := r.group.Do(store.Teambook(), func() (interface{}, error) {
		return refreshRanks(ctx, store)
	})
	if err != nil {
		return RankStatus{}, err
	}
	return v.(RankStatus), nil
}

func refreshRanks(ctx context.Context, store storage.Store) (RankStatus, error) {
	ids, err := store.NoteIDs(ctx)
	if err != nil {
		return RankStatus{}, fmt.Errorf("failed to list notes: %w", err)
	}
	status := RankStatus{Notes: len(ids)}
	if len(ids) < types.PageRankMinNotes {
		status.Reason = "below threshold"
		return status, nil
	}

	dirty, err := metaFlag(ctx, store, storage.MetaPageRankDirty)
	if err != nil {
		return RankStatus{}, err
	}
	if !dirty {
		stamp, err := metaTime(ctx, store, storage.MetaPageRankComputed)
		if err != nil {
			return RankStatus{}, err
		}
		if !stamp.IsZero() && time.Since(stamp) < types.PageRankCacheSecs*time.Second {
			status.Reason = "fresh"
			return status, nil
		}
	}

	edges, err := store.AllEdges(ctx)
	if err != nil {
		return RankStatus{}, fmt.Errorf("failed to load edges: %w", err)
	}

	ranks := Compute(ids, edges)
	if !finite(ranks) {
		ranks = DegreeRanks(ids, edges)
		status.Reason = "degree fallback"
	}
	if err := store.SetPageRanks(ctx, ranks); err != nil {
		return RankStatus{}, fmt.Errorf("failed to store ranks: %w", err)
	}
	if err := store.SetMetadata(ctx, storage.MetaPageRankComputed, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return RankStatus{}, err
	}
	if err := store.SetMetadata(ctx, storage.MetaPageRankDirty, "0"); err != nil {
		return RankStatus{}, err
	}
	status.Computed = true
	return status, nil
}

// MarkDirty flags the graph as changed so the next Refresh recomputes
// even inside the cache window.
func MarkDirty(ctx context.Context, store storage.Store) error {
	if err := store.SetMetadata(ctx, storage.MetaPageRankDirty, "1"); err != nil {
		return fmt.Errorf("failed to mark pagerank dirty: %w", err)
	}
	return nil
}

func metaFlag(ctx context.Context, store storage.Store, key string) (bool, error) {
	v, err := store.GetMetadata(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func metaTime(ctx context.Context, store storage.Store, key string) (time.Time, error) {
	v, err := store.GetMetadata(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	stamp, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, nil
	}
	return stamp, nil
}

type inLink struct {
	from   int64
	weight float64
}

// Compute runs weighted PageRank over the active edges. Expired edges,
// self-loops, and edges touching unknown notes are ignored. Every note
// receives a score even with no inbound links.
func Compute(noteIDs []int64, edges []*types.Edge) map[int64]float64 {
	n := len(noteIDs)
	ranks := make(map[int64]float64, n)
	if n == 0 {
		return ranks
	}

	known := make(map[int64]bool, n)
	for _, id := range noteIDs {
		known[id] = true
	}

	outWeight := make(map[int64]float64)
	inbound := make(map[int64][]inLink)
	for _, e := range edges {
		if e.ValidTo != nil || e.FromID == e.ToID || !known[e.FromID] || !known[e.ToID] {
			continue
		}
		outWeight[e.FromID] += e.Weight
		inbound[e.ToID] = append(inbound[e.ToID], inLink{from: e.FromID, weight: e.Weight})
	}

	init := 1.0 / float64(n)
	for _, id := range noteIDs {
		ranks[id] = init
	}

	base := (1 - types.PageRankDamping) / float64(n)
	for i := 0; i < types.PageRankIterations; i++ {
		next := make(map[int64]float64, n)
		for _, id := range noteIDs {
			sum := 0.0
			for _, link := range inbound[id] {
				out := outWeight[link.from]
				if out <= 0 {
					continue
				}
				sum += ranks[link.from] * link.weight / out
			}
			next[id] = base + types.PageRankDamping*sum
		}
		ranks = next
	}
	return ranks
}

// DegreeRanks scores notes by inbound degree. Used when the iterative
// computation produces non-finite values.
func DegreeRanks(noteIDs []int64, edges []*types.Edge) map[int64]float64 {
	known := make(map[int64]bool, len(noteIDs))
	for _, id := range noteIDs {
		known[id] = true
	}

	ranks := make(map[int64]float64, len(noteIDs))
	for _, id := range noteIDs {
		ranks[id] = 0
	}
	for _, e := range edges {
		if e.ValidTo != nil || e.FromID == e.ToID || !known[e.FromID] || !known[e.ToID] {
			continue
		}
		ranks[e.ToID] += 0.01
	}
	return ranks
}

func finite(ranks map[int64]float64) bool {
	for _, v := range ranks {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
