package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/steveyegge/teambook/internal/config"
	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/ratelimit"
	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/textutil"
	"github.com/steveyegge/teambook/internal/types"
	"github.com/steveyegge/teambook/internal/utils"
)

// outputNameRe strips everything but word characters when deriving an
// output filename from a goal.
var outputNameRe = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// evolutionOutputKey is the metadata slot recording an evolution's
// output filename between evolve and synthesize.
func evolutionOutputKey(id int64) string {
	return fmt.Sprintf("evolution_output_%d", id)
}

// deriveOutputName builds a default output filename from the goal.
func deriveOutputName(goal string, id int64) string {
	safe := outputNameRe.ReplaceAllString(goal, "_")
	safe = strings.Trim(safe, "_")
	if len(safe) > 30 {
		safe = safe[:30]
	}
	if safe == "" {
		return fmt.Sprintf("evolution_%d.txt", id)
	}
	return fmt.Sprintf("%s_%d.txt", strings.ToLower(safe), id)
}

func evolutionView(e *types.Evolution) map[string]interface{} {
	v := map[string]interface{}{
		"id":         e.ID,
		"goal":       textutil.Summarize(e.Goal, types.MaxSummaryLength),
		"status":     string(e.Status),
		"author":     e.Author,
		"created":    stamp(e.CreatedAt),
		"generation": e.Generation,
	}
	if e.SynthesizedAt != nil {
		v["synthesized"] = stamp(*e.SynthesizedAt)
	}
	if e.OutputNoteID != nil {
		v["output_note_id"] = *e.OutputNoteID
	}
	return v
}

func contributionView(c *types.Contribution, full bool) map[string]interface{} {
	v := map[string]interface{}{
		"id":      c.ID,
		"author":  c.Author,
		"score":   c.Score,
		"votes":   c.VoteCount,
		"created": stamp(c.CreatedAt),
	}
	if full {
		v["content"] = c.Content
	} else {
		v["preview"] = textutil.Summarize(c.Content, types.MaxSummaryLength)
	}
	return v
}

// evolve opens a collaborative improvement round on a goal.
func (k *Kernel) evolve(ctx context.Context, p Params) *Response {
	goal := textutil.Clean(p.Str("goal"))
	if goal == "" {
		return fail(CodeEmptyMessage, "goal is required")
	}
	if len(goal) > types.MaxContentLength {
		return fail(CodeContentTooLong, "goal must be %d characters or less (got %d)",
			types.MaxContentLength, len(goal))
	}

	evo := &types.Evolution{
		Goal:      goal,
		Author:    k.aiID(),
		Teambook:  k.teambook(),
		CreatedAt: k.now(),
	}
	st := k.db()
	id, err := st.CreateEvolution(ctx, evo)
	if errors.Is(err, storage.ErrLimitExceeded) {
		return fail(CodeEvolutionLimit, "too many active evolutions").
			Detail(map[string]interface{}{"max": types.MaxActiveEvolutions}).
			Suggest("synthesize or abandon an active evolution first")
	}
	if err != nil {
		return failErr(err)
	}

	output := p.Str("output")
	if output == "" {
		output = deriveOutputName(goal, id)
	}
	output = filepath.Base(output)
	if err := st.SetMetadata(ctx, evolutionOutputKey(id), output); err != nil {
		debug.Logf("evolution output name: %v\n", err)
	}

	k.events().Notify(ctx, types.ItemEvolution, strconv.FormatInt(id, 10),
		types.EventCreated, evo.Author, textutil.Summarize(goal, types.MaxSummaryLength))

	return success("started evolution %d", id).With(map[string]interface{}{
		"evo_id": id,
		"goal":   textutil.Summarize(goal, types.MaxSummaryLength),
		"output": output,
	})
}

// contribute adds an idea to an active evolution. An approach label,
// when given, is folded into the content so conflict detection and
// synthesis both see it.
func (k *Kernel) contribute(ctx context.Context, p Params) *Response {
	evoID, resp := requireID(p, "evo_id")
	if resp != nil {
		return resp
	}
	content := textutil.Clean(p.Str("content"))
	if content == "" {
		return fail(CodeEmptyMessage, "contribution content is required")
	}
	if approach := p.Str("approach"); approach != "" {
		content = "Approach: " + approach + "\n\n" + content
	}
	if len(content) > types.MaxContributionLength {
		return fail(CodeContentTooLong, "contribution must be %d bytes or less (got %d)",
			types.MaxContributionLength, len(content))
	}

	c := &types.Contribution{
		EvolutionID: evoID,
		Author:      k.aiID(),
		Content:     content,
		CreatedAt:   k.now(),
	}
	id, err := k.db().AddContribution(ctx, c)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeEvolutionNotFound, "evolution %d not found", evoID)
	}
	if errors.Is(err, storage.ErrEvolutionClosed) {
		return fail(CodeAlreadyCompleted, "evolution %d is closed", evoID)
	}
	if errors.Is(err, storage.ErrLimitExceeded) {
		return fail(CodeContributionLimit, "at most %d contributions per evolution", types.MaxContributionsPerAI).
			Detail(map[string]interface{}{"max": types.MaxContributionsPerAI})
	}
	if err != nil {
		return failErr(err)
	}

	k.events().Notify(ctx, types.ItemContribution, strconv.FormatInt(id, 10),
		types.EventContributed, c.Author, textutil.Summarize(content, types.MaxSummaryLength))

	return success("added contribution %d to evolution %d", id, evoID).With(map[string]interface{}{
		"contrib_id": id,
		"evo_id":     evoID,
	})
}

// listContributions shows an evolution's ideas: ranked (score), recent,
// or grouped by author.
func (k *Kernel) listContributions(ctx context.Context, p Params) *Response {
	evoID, resp := requireID(p, "evo_id")
	if resp != nil {
		return resp
	}
	sortBy := p.StrOr("sort", "ranked")

	st := k.db()
	evo, err := st.GetEvolution(ctx, evoID)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeEvolutionNotFound, "evolution %d not found", evoID)
	}
	if err != nil {
		return failErr(err)
	}

	contribs, err := st.ListContributions(ctx, evoID)
	if err != nil {
		return failErr(err)
	}
	switch sortBy {
	case "ranked":
		// Backend order is already score-descending.
	case "recent":
		sort.Slice(contribs, func(i, j int) bool {
			return contribs[i].CreatedAt.After(contribs[j].CreatedAt)
		})
	case "author":
		sort.Slice(contribs, func(i, j int) bool {
			if contribs[i].Author != contribs[j].Author {
				return contribs[i].Author < contribs[j].Author
			}
			return contribs[i].CreatedAt.Before(contribs[j].CreatedAt)
		})
	default:
		return fail(CodeInvalidItem, "invalid sort: %s", sortBy).
			Suggest("use ranked, recent, or author")
	}

	full := p.Bool("verbose")
	views := make([]map[string]interface{}, 0, len(contribs))
	for _, c := range contribs {
		views = append(views, contributionView(c, full))
	}
	return success("%d contributions", len(contribs)).With(map[string]interface{}{
		"evo_id":        evoID,
		"goal":          textutil.Summarize(evo.Goal, types.MaxSummaryLength),
		"status":        string(evo.Status),
		"contributions": views,
		"count":         len(contribs),
	})
}

// rankContribution scores one contribution 0-10. Re-scoring is allowed
// a bounded number of times.
func (k *Kernel) rankContribution(ctx context.Context, p Params) *Response {
	contribID, resp := requireID(p, "contrib_id")
	if resp != nil {
		return resp
	}
	score, ok := p.Float("score")
	if !ok {
		return fail(CodeInvalidScore, "score is required")
	}
	if score < types.MinScore || score > types.MaxScore {
		return fail(CodeInvalidScore, "score must be between %.0f and %.0f (got %g)",
			types.MinScore, types.MaxScore, score)
	}
	ai := k.aiID()

	vote, err := k.db().CastVote(ctx, &types.Vote{
		ContributionID: contribID,
		Voter:          ai,
		Score:          score,
	})
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeInvalidItem, "contribution %d not found", contribID)
	}
	if errors.Is(err, storage.ErrVoteLimit) {
		return fail(CodeVoteLimit, "at most %d score changes per contribution", types.MaxVoteChanges).
			Detail(map[string]interface{}{"max_changes": types.MaxVoteChanges})
	}
	if err != nil {
		return failErr(err)
	}

	summary := fmt.Sprintf("scored %.1f", score)
	if reason := p.Str("reason"); reason != "" {
		summary = fmt.Sprintf("scored %.1f: %s", score, textutil.Summarize(reason, types.MaxSummaryLength))
	}
	k.events().Notify(ctx, types.ItemContribution, strconv.FormatInt(contribID, 10),
		types.EventRanked, ai, summary)

	return success("ranked contribution %d: %.1f", contribID, score).With(map[string]interface{}{
		"contrib_id": contribID,
		"score":      score,
		"changes":    vote.Changes,
	})
}

// voteEvolution casts ranked preferences across an evolution's
// contributions. Positions translate onto the 0-10 scale: first choice
// scores 10, the rest step down evenly.
func (k *Kernel) voteEvolution(ctx context.Context, p Params) *Response {
	evoID, resp := requireID(p, "evo_id")
	if resp != nil {
		return resp
	}
	preferred := p.IDs("preferred")
	if len(preferred) == 0 {
		return fail(CodeInvalidItem, "preferred is required").
			Suggest("pass preferred=[<contrib_id>, ...] in ranked order")
	}

	st := k.db()
	if _, err := st.GetEvolution(ctx, evoID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(CodeEvolutionNotFound, "evolution %d not found", evoID)
		}
		return failErr(err)
	}
	contribs, err := st.ListContributions(ctx, evoID)
	if err != nil {
		return failErr(err)
	}
	members := make(map[int64]bool, len(contribs))
	for _, c := range contribs {
		members[c.ID] = true
	}
	for _, id := range preferred {
		if !members[id] {
			return fail(CodeInvalidItem, "contribution %d is not part of evolution %d", id, evoID)
		}
	}

	ai := k.aiID()
	step := types.MaxScore / float64(len(preferred))
	for i, id := range preferred {
		score := types.MaxScore - float64(i)*step
		_, err := st.CastVote(ctx, &types.Vote{
			ContributionID: id,
			Voter:          ai,
			Score:          score,
		})
		if errors.Is(err, storage.ErrVoteLimit) {
			return fail(CodeVoteLimit, "at most %d score changes per contribution", types.MaxVoteChanges).
				Detail(map[string]interface{}{"max_changes": types.MaxVoteChanges, "applied": i})
		}
		if err != nil {
			return failErr(err)
		}
	}

	k.events().Notify(ctx, types.ItemEvolution, strconv.FormatInt(evoID, 10),
		types.EventVoted, ai, fmt.Sprintf("%d choices", len(preferred)))

	return success("voted on evolution %d", evoID).With(map[string]interface{}{
		"evo_id":  evoID,
		"choices": len(preferred),
	})
}

// selectContributions applies a synthesis strategy to the score-ordered
// contribution list.
func selectContributions(contribs []*types.Contribution, strategy types.SynthesisStrategy, minScore float64) []*types.Contribution {
	switch strategy.OrDefault() {
	case types.StrategyTop:
		var out []*types.Contribution
		for _, c := range contribs {
			if c.Score >= minScore {
				out = append(out, c)
			}
			if len(out) == types.TopStrategyLimit {
				break
			}
		}
		return out
	case types.StrategyConsensus:
		var out []*types.Contribution
		for _, c := range contribs {
			if c.Score >= types.ConsensusStrategyScore {
				out = append(out, c)
			}
		}
		return out
	default: // StrategyAll, in creation order
		out := make([]*types.Contribution, len(contribs))
		copy(out, contribs)
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
		return out
	}
}

// synthesisDocument renders the combined output document.
func synthesisDocument(evoID int64, strategy types.SynthesisStrategy, minScore float64, selected []*types.Contribution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Synthesis of Evolution %d\n", evoID)
	fmt.Fprintf(&b, "# Strategy: %s, Min Score: %g\n", strategy.OrDefault(), minScore)
	fmt.Fprintf(&b, "# Combined %d contributions\n\n", len(selected))
	for _, c := range selected {
		fmt.Fprintf(&b, "## Contribution %d by %s (Score: %.1f)\n\n", c.ID, c.Author, c.Score)
		b.WriteString(c.Content)
		b.WriteString("\n\n---\n\n")
	}
	return b.String()
}

// synthesize combines an evolution's best contributions into an output
// file and a summary note, then closes the round. The per-teambook
// synthesis window throttles how often the shared output churns.
func (k *Kernel) synthesize(ctx context.Context, p Params) *Response {
	evoID, resp := requireID(p, "evo_id")
	if resp != nil {
		return resp
	}
	strategy := types.SynthesisStrategy(strings.ToLower(p.StrOr("strategy", string(types.StrategyTop))))
	if !strategy.IsValid() {
		return fail(CodeInvalidItem, "invalid strategy: %s", strategy).
			Suggest("use top, consensus, or all")
	}
	minScore := p.FloatOr("min_score", types.TopStrategyMinScore)

	teambook := k.teambook()
	allowed, remaining := k.limits.Allow(ratelimit.Synthesis, teambook)
	if !allowed {
		return fail(CodeSynthesisLimit, "synthesis limit exceeded: %d per hour", types.SynthesisPerHour).
			Suggest("wait up to an hour and retry")
	}

	st := k.db()
	evo, err := st.GetEvolution(ctx, evoID)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeEvolutionNotFound, "evolution %d not found", evoID)
	}
	if err != nil {
		return failErr(err)
	}
	if evo.Status != types.EvolutionActive {
		return fail(CodeAlreadyCompleted, "evolution %d is already %s", evoID, evo.Status)
	}

	contribs, err := st.ListContributions(ctx, evoID)
	if err != nil {
		return failErr(err)
	}
	selected := selectContributions(contribs, strategy, minScore)
	if len(selected) == 0 {
		return fail(CodeNoContributions, "no contributions qualify for synthesis").
			Detail(map[string]interface{}{"total": len(contribs), "min_score": minScore}).
			Suggest("lower min_score or use strategy all")
	}

	filename, err := st.GetMetadata(ctx, evolutionOutputKey(evoID))
	if err != nil || filename == "" {
		filename = fmt.Sprintf("evolution_%d.txt", evoID)
	}
	filename = filepath.Base(filename)

	dir, err := config.TeambookDir(teambook)
	if err != nil {
		return fail(CodeUnknown, "failed to resolve output directory: %v", err)
	}
	outPath := filepath.Join(dir, "outputs", filename)
	doc := synthesisDocument(evoID, strategy, minScore, selected)
	if err := utils.AtomicWriteFile(outPath, []byte(doc), 0644); err != nil {
		return fail(CodeUnknown, "failed to write synthesis output: %v", err)
	}

	note := &types.Note{
		Content:  synthesisNote(evo, selected, filename),
		Summary:  fmt.Sprintf("Synthesis of evolution %d: %s", evoID, textutil.Summarize(evo.Goal, 120)),
		Tags:     []string{"synthesis", "evolution"},
		Author:   k.aiID(),
		Teambook: teambook,
		Type:     types.NoteEvolution,
		Created:  k.now(),
	}
	note.SetDefaults()
	note.TamperHash = note.ComputeTamperHash()
	noteID, err := st.WriteNote(ctx, note)
	if err != nil {
		return failErr(err)
	}

	if err := st.FinishEvolution(ctx, evoID, noteID); err != nil {
		if errors.Is(err, storage.ErrEvolutionClosed) {
			return fail(CodeAlreadyCompleted, "evolution %d is already closed", evoID)
		}
		return failErr(err)
	}

	k.events().Notify(ctx, types.ItemEvolution, strconv.FormatInt(evoID, 10),
		types.EventSynthesized, k.aiID(),
		fmt.Sprintf("combined %d ideas into %s", len(selected), filename))

	data := map[string]interface{}{
		"evo_id":   evoID,
		"output":   filename,
		"path":     outPath,
		"used":     len(selected),
		"note_id":  noteID,
		"strategy": string(strategy.OrDefault()),
	}
	if remaining < 5 {
		data["quota_remaining"] = remaining
	}
	return success("synthesized %d contributions into %s", len(selected), filename).With(data)
}

// synthesisNote renders the durable summary note for a synthesis; the
// full document lives in the output file.
func synthesisNote(evo *types.Evolution, selected []*types.Contribution, filename string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Synthesized evolution %d: %s\n\n", evo.ID, textutil.Summarize(evo.Goal, 200))
	for _, c := range selected {
		fmt.Fprintf(&b, "- contribution %d by %s (%.1f)\n", c.ID, c.Author, c.Score)
	}
	fmt.Fprintf(&b, "\nOutput: %s\n", filename)
	out := b.String()
	if len(out) > types.MaxContentLength {
		out = textutil.Truncate(out, types.MaxContentLength)
	}
	return out
}

// detectConflicts flags contribution pairs that advocate opposed
// approaches, using the known keyword oppositions.
func (k *Kernel) detectConflicts(ctx context.Context, p Params) *Response {
	evoID, resp := requireID(p, "evo_id")
	if resp != nil {
		return resp
	}

	st := k.db()
	if _, err := st.GetEvolution(ctx, evoID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(CodeEvolutionNotFound, "evolution %d not found", evoID)
		}
		return failErr(err)
	}
	contribs, err := st.ListContributions(ctx, evoID)
	if err != nil {
		return failErr(err)
	}

	conflicts := conflictPairs(contribs)
	if len(conflicts) > 0 {
		detail, _ := json.Marshal(conflicts)
		if err := st.LogCoordination(ctx, &types.CoordinationEvent{
			Kind:      "conflicts_detected",
			AIID:      k.aiID(),
			Teambook:  k.teambook(),
			Detail:    string(detail),
			CreatedAt: k.now(),
		}); err != nil {
			debug.Logf("conflict audit: %v\n", err)
		}
	}

	return success("%d conflicts", len(conflicts)).With(map[string]interface{}{
		"evo_id":    evoID,
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// conflictPairs compares every contribution pair against the opposition
// keyword table.
func conflictPairs(contribs []*types.Contribution) []map[string]interface{} {
	conflicts := make([]map[string]interface{}, 0)
	if len(contribs) < 2 {
		return conflicts
	}
	lowered := make([]string, len(contribs))
	for i, c := range contribs {
		lowered[i] = strings.ToLower(c.Content)
	}
	for i := 0; i < len(contribs); i++ {
		for j := i + 1; j < len(contribs); j++ {
			for _, pair := range types.ConflictPairs {
				a, b := pair[0], pair[1]
				hit := (strings.Contains(lowered[i], a) && strings.Contains(lowered[j], b)) ||
					(strings.Contains(lowered[i], b) && strings.Contains(lowered[j], a))
				if hit {
					conflicts = append(conflicts, map[string]interface{}{
						"contrib_ids": []int64{contribs[i].ID, contribs[j].ID},
						"type":        a + "_vs_" + b,
						"severity":    "medium",
					})
					break
				}
			}
		}
	}
	return conflicts
}

func (k *Kernel) listEvolutions(ctx context.Context, p Params) *Response {
	status := types.EvolutionStatus(p.StrOr("status", string(types.EvolutionActive)))
	if string(status) == "all" {
		status = ""
	}
	if status != "" && !status.IsValid() {
		return fail(CodeInvalidItem, "invalid status: %s", status).
			Suggest("use active, synthesized, abandoned, or all")
	}

	st := k.db()
	evos, err := st.ListEvolutions(ctx, status)
	if err != nil {
		return failErr(err)
	}
	views := make([]map[string]interface{}, 0, len(evos))
	for _, e := range evos {
		v := evolutionView(e)
		if contribs, cerr := st.ListContributions(ctx, e.ID); cerr == nil {
			v["contributions"] = len(contribs)
		}
		views = append(views, v)
	}
	return success("%d evolutions", len(evos)).With(map[string]interface{}{
		"evolutions": views,
		"count":      len(views),
	})
}
