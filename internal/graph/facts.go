package graph

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// ExtractedFact is a subject-relation-object triple pulled from note
// content, with the subject already resolved to a linked entity.
type ExtractedFact struct {
	Subject    string
	Relation   string
	Object     string
	Confidence float64
	Invalidate bool
}

type factPattern struct {
	relation   string
	re         *regexp.Regexp
	confidence float64
	invalidate bool
}

// Invalidating relations model exclusive state: a person resides in one
// place, works at one employer. located_in is additive so an org can
// operate in several places at once.
var factPatterns = []factPattern{
	{
		relation:   "resides_in",
		re:         regexp.MustCompile(`(?i)(?P<subject>[A-Z][\w\s]+?)\s+(?:lives in|lives at|is based in)\s+(?P<object>[A-Z][\w\s]+)`),
		confidence: 0.85,
		invalidate: true,
	},
	{
		relation:   "resides_in",
		re:         regexp.MustCompile(`(?i)(?P<subject>[A-Z][\w\s]+?)\s+moved to\s+(?P<object>[A-Z][\w\s]+)`),
		confidence: 0.85,
		invalidate: true,
	},
	{
		relation:   "works_at",
		re:         regexp.MustCompile(`(?i)(?P<subject>[A-Z][\w\s]+?)\s+(?:works at|works for|joined)\s+(?P<object>[A-Z][\w\s&]+)`),
		confidence: 0.8,
		invalidate: true,
	},
	{
		relation:   "located_in",
		re:         regexp.MustCompile(`(?i)(?P<subject>[A-Z][\w\s]+?)\s+(?:is located in|is in|operates in)\s+(?P<object>[A-Z][\w\s]+)`),
		confidence: 0.75,
		invalidate: false,
	},
}

var spaceRun = regexp.MustCompile(`\s+`)

func normalizeEntity(s string) string {
	return strings.TrimSpace(strings.ToLower(spaceRun.ReplaceAllString(s, " ")))
}

// resolveSubject matches a regex capture against the note's linked
// entities. Exact normalized match wins; containment in either direction
// rescues greedy captures like "alice smith recently". Returns the
// canonical entity name, or "" when nothing matches.
func resolveSubject(captured string, entities []string) string {
	norm := normalizeEntity(captured)
	if norm == "" {
		return ""
	}
	for _, name := range entities {
		if normalizeEntity(name) == norm {
			return name
		}
	}
	for _, name := range entities {
		n := normalizeEntity(name)
		if strings.Contains(norm, n) || strings.Contains(n, norm) {
			return name
		}
	}
	return ""
}

// ExtractFacts runs the fact patterns over content and resolves each
// subject against the note's entities. Captures whose subject resolves to
// no entity are dropped, as are empty objects. Duplicate triples keep the
// first (highest-priority pattern) occurrence.
func ExtractFacts(content string, entities []string) []ExtractedFact {
	if len(entities) == 0 {
		return nil
	}

	var facts []ExtractedFact
	seen := make(map[string]bool)

	for _, p := range factPatterns {
		subjIdx := p.re.SubexpIndex("subject")
		objIdx := p.re.SubexpIndex("object")
		for _, m := range p.re.FindAllStringSubmatch(content, -1) {
			subject := resolveSubject(m[subjIdx], entities)
			if subject == "" {
				continue
			}
			object := strings.TrimSpace(m[objIdx])
			if object == "" {
				continue
			}
			key := subject + "|" + p.relation + "|" + strings.ToLower(object)
			if seen[key] {
				continue
			}
			seen[key] = true
			facts = append(facts, ExtractedFact{
				Subject:    subject,
				Relation:   p.relation,
				Object:     object,
				Confidence: p.confidence,
				Invalidate: p.invalidate,
			})
		}
	}
	return facts
}

// RecordFacts extracts and persists the note's facts. Re-asserting an
// already-active identical triple blends confidence upward instead of
// duplicating: the new confidence is the average of old and new plus a
// small corroboration bonus, capped at 1.0, and the original valid_from
// is kept. Returns the number of facts written.
func RecordFacts(ctx context.Context, store storage.Store, note *types.Note, entities []string) (int, error) {
	extracted := ExtractFacts(note.Content, entities)
	if len(extracted) == 0 {
		return 0, nil
	}

	written := 0
	for _, ef := range extracted {
		fact := &types.EntityFact{
			Subject:      ef.Subject,
			Relation:     ef.Relation,
			Object:       ef.Object,
			Confidence:   ef.Confidence,
			ValidFrom:    note.Created,
			SourceNoteID: note.ID,
		}

		active, err := store.GetFacts(ctx, ef.Subject, true)
		if err != nil {
			return written, err
		}
		for _, prior := range active {
			if prior.Relation != ef.Relation || !strings.EqualFold(prior.Object, ef.Object) {
				continue
			}
			fact.Confidence = math.Min(1.0, (prior.Confidence+ef.Confidence)/2+0.05)
			fact.ValidFrom = prior.ValidFrom
			break
		}

		if err := store.UpsertFact(ctx, fact, ef.Invalidate); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
