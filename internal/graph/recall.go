package graph

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/steveyegge/teambook/internal/storage"
)

// Candidate is a note surfaced by graph reasoning, scored by proximity
// to the seed notes and by matching facts.
type Candidate struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

type outLink struct {
	to     int64
	weight float64
}

type hop struct {
	id    int64
	depth int
}

// Candidates walks the graph outward from the seed notes, scoring each
// reachable note by edge weight decayed with hop distance, and merges in
// notes whose stored facts match the query. Seeds themselves are
// excluded. limit defaults to 20 and maxHops to 2; returns nil when
// there is nothing to reason from.
func Candidates(ctx context.Context, store storage.Store, query string, seeds []int64, limit, maxHops int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 20
	}
	if maxHops <= 0 {
		maxHops = 2
	}
	if len(seeds) == 0 && strings.TrimSpace(query) == "" {
		return nil, nil
	}

	seedSet := make(map[int64]bool, len(seeds))
	var queue []hop
	visited := make(map[int64]int, len(seeds))
	for _, s := range seeds {
		if seedSet[s] {
			continue
		}
		seedSet[s] = true
		queue = append(queue, hop{id: s})
		visited[s] = 0
	}

	scores := make(map[int64]float64)

	if len(seedSet) > 0 {
		edges, err := store.AllEdges(ctx)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		outbound := make(map[int64][]outLink)
		for _, e := range edges {
			if e.FromID == e.ToID {
				continue
			}
			if e.ValidTo != nil && !e.ValidTo.After(now) {
				continue
			}
			outbound[e.FromID] = append(outbound[e.FromID], outLink{to: e.ToID, weight: e.Weight})
		}

		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if cur.depth >= maxHops {
				continue
			}
			for _, link := range outbound[cur.id] {
				depth := cur.depth + 1
				w := link.weight
				if w == 0 {
					w = 1.0
				}
				score := w / (float64(depth) + 0.5)
				if score > scores[link.to] {
					scores[link.to] = score
				}
				// Revisit only when a shorter path shows up.
				if depth < maxHops {
					if prev, ok := visited[link.to]; !ok || prev > depth {
						visited[link.to] = depth
						queue = append(queue, hop{id: link.to, depth: depth})
					}
				}
			}
		}
	}

	if token := firstToken(query); token != "" {
		facts, err := store.SearchFacts(ctx, token, limit)
		if err != nil {
			return nil, err
		}
		for _, f := range facts {
			if f.SourceNoteID == 0 {
				continue
			}
			score := 0.6 + 0.4*f.Confidence
			if score > scores[f.SourceNoteID] {
				scores[f.SourceNoteID] = score
			}
		}
	}

	candidates := make([]Candidate, 0, len(scores))
	for id, score := range scores {
		if seedSet[id] {
			continue
		}
		candidates = append(candidates, Candidate{ID: id, Score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func firstToken(query string) string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
