package kernel

import (
	"context"
	"errors"
	"strconv"

	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/graph"
	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/textutil"
	"github.com/steveyegge/teambook/internal/timeparsing"
	"github.com/steveyegge/teambook/internal/types"
)

// noteView renders a note for data payloads. Compact carries the summary
// only; full adds the content and structural fields.
func noteView(n *types.Note, full bool) map[string]interface{} {
	v := map[string]interface{}{
		"id":      n.ID,
		"summary": n.Summary,
		"author":  n.Author,
		"created": stamp(n.Created),
	}
	if n.Pinned {
		v["pinned"] = true
	}
	if n.Owner != "" {
		v["owner"] = n.Owner
	}
	if len(n.Tags) > 0 {
		v["tags"] = n.Tags
	}
	if n.Type != "" && n.Type != types.NoteGeneral {
		v["type"] = string(n.Type)
	}
	if n.PageRank > 0 {
		v["pagerank"] = n.PageRank
	}
	if full {
		v["content"] = n.Content
		if n.ParentID != nil {
			v["parent_id"] = *n.ParentID
		}
		if n.SessionID != nil {
			v["session_id"] = *n.SessionID
		}
		if len(n.LinkedItems) > 0 {
			v["linked_items"] = n.LinkedItems
		}
	}
	return v
}

func noteViews(notes []*types.Note, full bool) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(notes))
	for _, n := range notes {
		out = append(out, noteView(n, full))
	}
	return out
}

// writeNote saves a note, wires it into the knowledge graph, and
// announces it. Over-long content is truncated to the cap and the
// response flags the loss, so a fire-and-forget writer still lands
// something durable.
func (k *Kernel) writeNote(ctx context.Context, p Params) *Response {
	content := textutil.Clean(p.Str("content"))
	if content == "" {
		return fail(CodeEmptyMessage, "note content is required")
	}
	originalLen := len(content)
	truncated := false
	if originalLen > types.MaxContentLength {
		content = textutil.TruncateBytes(content, types.MaxContentLength)
		truncated = true
	}

	note := &types.Note{
		Content:              content,
		Summary:              p.Str("summary"),
		Tags:                 textutil.NormalizeTags(p.Strings("tags")),
		Pinned:               p.Bool("pinned"),
		Author:               k.aiID(),
		Owner:                p.Str("owner"),
		Teambook:             k.teambook(),
		Type:                 types.NoteType(p.Str("type")),
		Created:              k.now(),
		RepresentationPolicy: types.Policy(p.Str("policy")),
	}
	if note.Summary == "" {
		note.Summary = textutil.Summarize(content, types.MaxSummaryLength)
	} else {
		note.Summary = textutil.Truncate(note.Summary, types.MaxSummaryLength)
	}
	if p.Has("parent_id") {
		parentID, resp := k.noteID(ctx, p, "parent_id")
		if resp != nil {
			return resp
		}
		note.ParentID = &parentID
	}
	if items := p.Strings("linked_items"); len(items) > 0 {
		note.LinkedItems = items
	}
	if p.Has("metadata") {
		meta, err := storage.NormalizeMetadataValue(p["metadata"])
		if err != nil {
			return fail(CodeInvalidItem, "invalid metadata: %v", err)
		}
		note.Metadata = meta
	}
	note.SetDefaults()
	if err := note.Validate(); err != nil {
		return fail(CodeInvalidItem, "%v", err)
	}
	note.TamperHash = note.ComputeTamperHash()

	st := k.db()
	if sessionID, err := graph.SessionFor(ctx, st, note.Created); err == nil {
		note.SessionID = &sessionID
	} else {
		debug.Logf("session assignment failed: %v\n", err)
	}

	id, err := st.WriteNote(ctx, note)
	if err != nil {
		return failErr(err)
	}

	// Graph wiring happens after the note is durable; a failure here
	// costs edges, not the note.
	stats, err := graph.Connect(ctx, st, note)
	if err != nil {
		debug.Logf("graph connect for note %d: %v\n", id, err)
	}

	k.rememberWrite("write_note", id)
	k.events().Notify(ctx, types.ItemNote, strconv.FormatInt(id, 10),
		types.EventCreated, note.Author, note.Summary)

	data := map[string]interface{}{
		"id":      id,
		"summary": note.Summary,
	}
	if truncated {
		data["truncated"] = true
		data["original_length"] = originalLen
	}
	if note.SessionID != nil {
		data["session_id"] = *note.SessionID
	}
	if stats.Edges > 0 {
		data["edges"] = stats.Edges
	}
	if stats.Entities > 0 {
		data["entities"] = stats.Entities
	}
	return success("saved note %d", id).With(data)
}

// readNotes lists notes by filter. Mode picks the ordering: recent,
// important (PageRank), or hybrid.
func (k *Kernel) readNotes(ctx context.Context, p Params) *Response {
	mode := types.ReadMode(p.StrOr("mode", string(types.ModeRecent)))
	if !mode.IsValid() {
		return fail(CodeInvalidItem, "invalid mode: %s", mode).
			Suggest("use recent, important, or hybrid")
	}

	filter := types.NoteFilter{
		Teambook:   k.teambook(),
		Query:      p.Str("query"),
		Tag:        p.Str("tag"),
		Type:       types.NoteType(p.Str("type")),
		PinnedOnly: p.Bool("pinned_only"),
		Limit:      clampLimit(p.IntOr("limit", types.DefaultRecent)),
		Mode:       mode,
	}
	if p.Has("owner") {
		owner := p.Str("owner")
		filter.Owner = &owner
	}
	if ids := p.IDs("ids"); len(ids) > 0 {
		filter.IDs = ids
	}
	if since := p.Str("since"); since != "" {
		after, err := timeparsing.ParseRelativeTime(since, k.now())
		if err != nil {
			return fail(CodeInvalidItem, "invalid since: %v", err)
		}
		filter.After = &after
	}

	if mode == types.ModeImportant || mode == types.ModeHybrid {
		if _, err := k.ranker.Refresh(ctx, k.db()); err != nil {
			debug.Logf("pagerank refresh: %v\n", err)
		}
	}

	notes, err := k.db().ReadNotes(ctx, filter)
	if err != nil {
		return failErr(err)
	}
	return success("%d notes", len(notes)).With(map[string]interface{}{
		"notes": noteViews(notes, p.Bool("verbose")),
		"count": len(notes),
	})
}

// recallNotes searches by text, then widens through the knowledge graph:
// text matches seed a bounded spread over edges and facts, surfacing
// related notes the query string alone would miss.
func (k *Kernel) recallNotes(ctx context.Context, p Params) *Response {
	query := p.Str("query")
	if query == "" {
		return fail(CodeInvalidItem, "query is required")
	}
	limit := clampLimit(p.IntOr("limit", types.DefaultRecent))

	st := k.db()
	if _, err := k.ranker.Refresh(ctx, st); err != nil {
		debug.Logf("pagerank refresh: %v\n", err)
	}

	seeds, err := st.ReadNotes(ctx, types.NoteFilter{
		Teambook: k.teambook(),
		Query:    query,
		Limit:    limit,
		Mode:     types.ModeImportant,
	})
	if err != nil {
		return failErr(err)
	}

	seedIDs := make([]int64, 0, len(seeds))
	for _, n := range seeds {
		seedIDs = append(seedIDs, n.ID)
	}
	cands, err := graph.Candidates(ctx, st, query, seedIDs, limit, 0)
	if err != nil {
		debug.Logf("graph spread: %v\n", err)
	}

	results := seeds
	if room := limit - len(results); room > 0 && len(cands) > 0 {
		ids := make([]int64, 0, len(cands))
		for _, c := range cands {
			ids = append(ids, c.ID)
		}
		related, err := st.GetNotes(ctx, ids)
		if err != nil {
			return failErr(err)
		}
		byID := make(map[int64]*types.Note, len(related))
		for _, n := range related {
			byID[n.ID] = n
		}
		// Candidates come back ordered by graph score.
		for _, c := range cands {
			if room == 0 {
				break
			}
			if n, ok := byID[c.ID]; ok {
				results = append(results, n)
				room--
			}
		}
	}

	return success("%d notes", len(results)).With(map[string]interface{}{
		"notes":    noteViews(results, p.Bool("verbose")),
		"count":    len(results),
		"matched":  len(seeds),
		"expanded": len(results) - len(seeds),
	})
}

// getFullNote returns one note with its graph neighborhood.
func (k *Kernel) getFullNote(ctx context.Context, p Params) *Response {
	id, resp := k.noteID(ctx, p, "id")
	if resp != nil {
		return resp
	}

	st := k.db()
	note, err := st.GetNote(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeInvalidItem, "note %d not found", id)
	}
	if err != nil {
		return failErr(err)
	}

	out, err := st.GetEdges(ctx, id, false)
	if err != nil {
		return failErr(err)
	}
	in, err := st.GetEdges(ctx, id, true)
	if err != nil {
		return failErr(err)
	}

	data := map[string]interface{}{
		"note":      noteView(note, true),
		"edges_out": edgeViews(out),
		"edges_in":  edgeViews(in),
	}
	return success("note %d", id).With(data)
}

func edgeViews(edges []*types.Edge) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(edges))
	for _, e := range edges {
		out = append(out, map[string]interface{}{
			"from":   e.FromID,
			"to":     e.ToID,
			"type":   string(e.Type),
			"weight": e.Weight,
		})
	}
	return out
}

func (k *Kernel) pinNote(ctx context.Context, p Params) *Response {
	return k.setPinned(ctx, p, true)
}

func (k *Kernel) unpinNote(ctx context.Context, p Params) *Response {
	return k.setPinned(ctx, p, false)
}

func (k *Kernel) setPinned(ctx context.Context, p Params, pinned bool) *Response {
	id, resp := k.noteID(ctx, p, "id")
	if resp != nil {
		return resp
	}

	note, err := k.db().UpdateNote(ctx, id, map[string]interface{}{"pinned": pinned})
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeInvalidItem, "note %d not found", id)
	}
	if err != nil {
		return failErr(err)
	}

	eventType := types.EventPinned
	verb := "pinned"
	if !pinned {
		eventType = types.EventUnpinned
		verb = "unpinned"
	}
	k.events().Notify(ctx, types.ItemNote, strconv.FormatInt(id, 10),
		eventType, k.aiID(), note.Summary)

	return success("%s note %d", verb, id).With(map[string]interface{}{
		"id":      id,
		"pinned":  pinned,
		"summary": note.Summary,
	})
}

// claimNote takes ownership of a note. Claiming a note you already own
// is a no-op success; claiming someone else's reports the owner.
func (k *Kernel) claimNote(ctx context.Context, p Params) *Response {
	id, resp := k.noteID(ctx, p, "id")
	if resp != nil {
		return resp
	}
	ai := k.aiID()

	st := k.db()
	note, err := st.GetNote(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeInvalidItem, "note %d not found", id)
	}
	if err != nil {
		return failErr(err)
	}
	if note.Owner != "" && note.Owner != ai {
		return fail(CodeOwnedBy, "note %d is owned by %s", id, note.Owner).
			Detail(map[string]interface{}{"owner": note.Owner})
	}

	if note.Owner != ai {
		if _, err := st.UpdateNote(ctx, id, map[string]interface{}{"owner": ai}); err != nil {
			return failErr(err)
		}
		k.events().Notify(ctx, types.ItemNote, strconv.FormatInt(id, 10),
			types.EventClaimed, ai, note.Summary)
	}
	return success("claimed note %d", id).With(map[string]interface{}{
		"id":      id,
		"owner":   ai,
		"summary": note.Summary,
	})
}

// releaseNote gives up ownership of a note you own.
func (k *Kernel) releaseNote(ctx context.Context, p Params) *Response {
	id, resp := k.noteID(ctx, p, "id")
	if resp != nil {
		return resp
	}
	ai := k.aiID()

	st := k.db()
	note, err := st.GetNote(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeInvalidItem, "note %d not found", id)
	}
	if err != nil {
		return failErr(err)
	}
	if note.Owner != ai {
		r := fail(CodeNotYours, "note %d is not yours to release", id)
		if note.Owner != "" {
			r.Detail(map[string]interface{}{"owner": note.Owner})
		}
		return r
	}

	if _, err := st.UpdateNote(ctx, id, map[string]interface{}{"owner": ""}); err != nil {
		return failErr(err)
	}
	k.events().Notify(ctx, types.ItemNote, strconv.FormatInt(id, 10),
		types.EventReleased, ai, note.Summary)

	return success("released note %d", id).With(map[string]interface{}{
		"id":      id,
		"summary": note.Summary,
	})
}

// assignNote hands a note to another AI. Only the current owner can
// reassign an owned note; unowned notes can be assigned by anyone.
func (k *Kernel) assignNote(ctx context.Context, p Params) *Response {
	id, resp := k.noteID(ctx, p, "id")
	if resp != nil {
		return resp
	}
	to := p.Str("to")
	if to == "" {
		return fail(CodeInvalidRecipient, "assignee is required").
			Suggest("pass to=<ai_id>")
	}
	ai := k.aiID()

	st := k.db()
	note, err := st.GetNote(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeInvalidItem, "note %d not found", id)
	}
	if err != nil {
		return failErr(err)
	}
	if note.Owner != "" && note.Owner != ai && note.Owner != to {
		return fail(CodeNotYours, "note %d is owned by %s", id, note.Owner).
			Detail(map[string]interface{}{"owner": note.Owner})
	}

	if note.Owner != to {
		if _, err := st.UpdateNote(ctx, id, map[string]interface{}{"owner": to}); err != nil {
			return failErr(err)
		}
		// The @recipient summary prefix lets the assignee's standby
		// loop recognize the handoff as addressed to them.
		k.events().Notify(ctx, types.ItemNote, strconv.FormatInt(id, 10),
			types.EventAssigned, ai, "@"+to+" "+note.Summary)
	}
	return success("assigned note %d to %s", id, to).With(map[string]interface{}{
		"id":      id,
		"owner":   to,
		"summary": note.Summary,
	})
}

// clampLimit bounds a requested result count to [1, types.MaxResults].
func clampLimit(limit int) int {
	if limit <= 0 {
		return types.DefaultRecent
	}
	if limit > types.MaxResults {
		return types.MaxResults
	}
	return limit
}
