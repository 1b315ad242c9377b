package postgres

const schema = `
-- Notes table
CREATE TABLE IF NOT EXISTS notes (
    id BIGSERIAL PRIMARY KEY,
    teambook TEXT NOT NULL,
    content TEXT NOT NULL CHECK (length(content) <= 5000),
    summary TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    pinned BOOLEAN NOT NULL DEFAULT FALSE,
    author TEXT NOT NULL DEFAULT '',
    owner TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'general',
    parent_id BIGINT,
    session_id BIGINT,
    linked_items TEXT NOT NULL DEFAULT '[]',
    pagerank DOUBLE PRECISION NOT NULL DEFAULT 0,
    representation_policy TEXT NOT NULL DEFAULT 'default',
    metadata TEXT NOT NULL DEFAULT '{}',
    has_vector BOOLEAN NOT NULL DEFAULT FALSE,
    tamper_hash TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_teambook_created ON notes (teambook, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_notes_teambook_pinned ON notes (teambook) WHERE pinned;
CREATE INDEX IF NOT EXISTS idx_notes_teambook_pagerank ON notes (teambook, pagerank DESC);

-- Graph edges between notes: note ids are global, teambook scopes scans
CREATE TABLE IF NOT EXISTS edges (
    teambook TEXT NOT NULL,
    from_id BIGINT NOT NULL,
    to_id BIGINT NOT NULL,
    type TEXT NOT NULL,
    weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    created_at TIMESTAMPTZ NOT NULL,
    valid_from TIMESTAMPTZ NOT NULL,
    valid_to TIMESTAMPTZ,
    source_note_id BIGINT,
    metadata TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (from_id, to_id, type)
);

CREATE INDEX IF NOT EXISTS idx_edges_teambook ON edges (teambook);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges (to_id);

-- Extracted entities and their note links
CREATE TABLE IF NOT EXISTS entities (
    id BIGSERIAL PRIMARY KEY,
    teambook TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'mention',
    first_seen TIMESTAMPTZ NOT NULL,
    last_seen TIMESTAMPTZ NOT NULL,
    mention_count INTEGER NOT NULL DEFAULT 1,
    UNIQUE (teambook, name)
);

CREATE TABLE IF NOT EXISTS entity_notes (
    entity_id BIGINT NOT NULL,
    note_id BIGINT NOT NULL,
    PRIMARY KEY (entity_id, note_id)
);

-- Temporal facts: open facts have valid_to NULL
CREATE TABLE IF NOT EXISTS entity_facts (
    id BIGSERIAL PRIMARY KEY,
    teambook TEXT NOT NULL,
    subject TEXT NOT NULL,
    relation TEXT NOT NULL,
    object TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    valid_from TIMESTAMPTZ NOT NULL,
    valid_to TIMESTAMPTZ,
    source_note_id BIGINT
);

CREATE INDEX IF NOT EXISTS idx_facts_subject ON entity_facts (teambook, subject, relation);

-- Authoring sessions
CREATE TABLE IF NOT EXISTS sessions (
    id BIGSERIAL PRIMARY KEY,
    teambook TEXT NOT NULL,
    started TIMESTAMPTZ NOT NULL,
    ended TIMESTAMPTZ NOT NULL,
    note_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_teambook ON sessions (teambook, id DESC);

-- Channel and direct messages ('_dm' channel marks directs)
CREATE TABLE IF NOT EXISTS messages (
    id BIGSERIAL PRIMARY KEY,
    teambook TEXT NOT NULL,
    sender TEXT NOT NULL,
    channel TEXT NOT NULL,
    recipient TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    reply_to BIGINT,
    signature TEXT NOT NULL DEFAULT '',
    envelope TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    read_at TIMESTAMPTZ,
    CHECK (
        (channel = '_dm' AND recipient != '') OR
        (channel != '_dm' AND channel != '' AND recipient = '')
    )
);

CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages (teambook, channel, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages (teambook, recipient, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages (expires_at);

CREATE TABLE IF NOT EXISTS subscriptions (
    teambook TEXT NOT NULL,
    ai_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (teambook, ai_id, channel)
);

-- Distributed locks: expired rows are reclaimed in place on acquire
CREATE TABLE IF NOT EXISTS locks (
    teambook TEXT NOT NULL,
    resource TEXT NOT NULL,
    holder TEXT NOT NULL,
    acquired_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (teambook, resource)
);

CREATE INDEX IF NOT EXISTS idx_locks_holder ON locks (teambook, holder);

-- Priority task queue
CREATE TABLE IF NOT EXISTS tasks (
    id BIGSERIAL PRIMARY KEY,
    teambook TEXT NOT NULL,
    content TEXT NOT NULL CHECK (length(content) <= 2000),
    priority INTEGER NOT NULL DEFAULT 5 CHECK (priority >= 0 AND priority <= 9),
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'claimed', 'completed')),
    author TEXT NOT NULL DEFAULT '',
    claimed_by TEXT NOT NULL DEFAULT '',
    result TEXT NOT NULL DEFAULT '',
    representation_policy TEXT NOT NULL DEFAULT 'default',
    tamper_hash TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    claimed_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    CHECK (
        (status = 'pending' AND claimed_by = '') OR
        (status = 'claimed' AND claimed_by != '') OR
        (status = 'completed')
    )
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (teambook, status, priority DESC, created_at);

-- Watches and the durable event log
CREATE TABLE IF NOT EXISTS watches (
    id BIGSERIAL PRIMARY KEY,
    teambook TEXT NOT NULL,
    ai_id TEXT NOT NULL,
    item_type TEXT NOT NULL DEFAULT '',
    item_id TEXT NOT NULL DEFAULT '',
    event_types TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL,
    last_activity TIMESTAMPTZ NOT NULL,
    UNIQUE (teambook, ai_id, item_type, item_id)
);

CREATE TABLE IF NOT EXISTS events (
    id BIGSERIAL PRIMARY KEY,
    teambook TEXT NOT NULL,
    item_type TEXT NOT NULL,
    item_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_teambook_created ON events (teambook, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_expires ON events (expires_at);

-- Deliveries carry teambook so the unseen scan needs no join
CREATE TABLE IF NOT EXISTS event_deliveries (
    teambook TEXT NOT NULL,
    event_id BIGINT NOT NULL,
    ai_id TEXT NOT NULL,
    seen BOOLEAN NOT NULL DEFAULT FALSE,
    delivered_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (event_id, ai_id)
);

CREATE INDEX IF NOT EXISTS idx_deliveries_pending ON event_deliveries (teambook, ai_id) WHERE NOT seen;

-- Presence
CREATE TABLE IF NOT EXISTS presence (
    teambook TEXT NOT NULL,
    ai_id TEXT NOT NULL,
    last_seen TIMESTAMPTZ NOT NULL,
    last_operation TEXT NOT NULL DEFAULT '',
    status_message TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (teambook, ai_id)
);

-- Encrypted vault (values are ciphertext)
CREATE TABLE IF NOT EXISTS vault (
    teambook TEXT NOT NULL,
    key TEXT NOT NULL,
    value BYTEA NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (teambook, key)
);

-- Evolution workflow
CREATE TABLE IF NOT EXISTS evolutions (
    id BIGSERIAL PRIMARY KEY,
    teambook TEXT NOT NULL,
    goal TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'synthesized', 'abandoned')),
    author TEXT NOT NULL DEFAULT '',
    generation INTEGER NOT NULL DEFAULT 1,
    output_note_id BIGINT,
    created_at TIMESTAMPTZ NOT NULL,
    synthesized_at TIMESTAMPTZ,
    CHECK (
        (status = 'synthesized' AND synthesized_at IS NOT NULL) OR
        (status != 'synthesized' AND synthesized_at IS NULL)
    )
);

CREATE INDEX IF NOT EXISTS idx_evolutions_teambook ON evolutions (teambook, status);

CREATE TABLE IF NOT EXISTS contributions (
    id BIGSERIAL PRIMARY KEY,
    evolution_id BIGINT NOT NULL,
    author TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contributions_evolution ON contributions (evolution_id);

CREATE TABLE IF NOT EXISTS votes (
    contribution_id BIGINT NOT NULL,
    voter TEXT NOT NULL,
    score DOUBLE PRECISION NOT NULL CHECK (score >= 0 AND score <= 10),
    changes INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (contribution_id, voter)
);

-- Coordination audit log
CREATE TABLE IF NOT EXISTS coordination_log (
    id BIGSERIAL PRIMARY KEY,
    teambook TEXT NOT NULL,
    kind TEXT NOT NULL,
    ai_id TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    task_id BIGINT,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_coordination_teambook ON coordination_log (teambook, created_at DESC);

-- Per-teambook operation log
CREATE TABLE IF NOT EXISTS operations (
    id BIGSERIAL PRIMARY KEY,
    teambook TEXT NOT NULL,
    operation TEXT NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    ts TIMESTAMPTZ NOT NULL,
    dur_ms BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_operations_teambook ON operations (teambook, id DESC);

-- Internal state (pagerank timestamps, schema hints)
CREATE TABLE IF NOT EXISTS metadata (
    teambook TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (teambook, key)
);

-- Deployment-wide teambook registry
CREATE TABLE IF NOT EXISTS teambooks (
    name TEXT PRIMARY KEY,
    creator TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    last_active TIMESTAMPTZ NOT NULL
);
`
