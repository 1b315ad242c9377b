package sqlite

const schema = `
-- Notes table
CREATE TABLE IF NOT EXISTS notes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    content TEXT NOT NULL CHECK(length(content) <= 5000),
    summary TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    pinned INTEGER NOT NULL DEFAULT 0 CHECK(pinned IN (0, 1)),
    author TEXT NOT NULL DEFAULT '',
    owner TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'general',
    parent_id INTEGER,
    session_id INTEGER,
    linked_items TEXT NOT NULL DEFAULT '[]',
    pagerank REAL NOT NULL DEFAULT 0,
    representation_policy TEXT NOT NULL DEFAULT 'default',
    metadata TEXT NOT NULL DEFAULT '{}',
    has_vector INTEGER NOT NULL DEFAULT 0,
    tamper_hash TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_notes_pinned ON notes(pinned) WHERE pinned = 1;
CREATE INDEX IF NOT EXISTS idx_notes_type ON notes(type);
CREATE INDEX IF NOT EXISTS idx_notes_owner ON notes(owner);
CREATE INDEX IF NOT EXISTS idx_notes_pagerank ON notes(pagerank DESC);

-- Graph edges between notes: open edges have valid_to NULL
CREATE TABLE IF NOT EXISTS edges (
    from_id INTEGER NOT NULL,
    to_id INTEGER NOT NULL,
    type TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    created_at DATETIME NOT NULL,
    valid_from DATETIME NOT NULL,
    valid_to DATETIME,
    source_note_id INTEGER,
    metadata TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (from_id, to_id, type)
);

CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id);

-- Extracted entities and their note links
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL DEFAULT 'mention',
    first_seen DATETIME NOT NULL,
    last_seen DATETIME NOT NULL,
    mention_count INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS entity_notes (
    entity_id INTEGER NOT NULL,
    note_id INTEGER NOT NULL,
    PRIMARY KEY (entity_id, note_id)
);

-- Temporal facts: open facts have valid_to NULL
CREATE TABLE IF NOT EXISTS entity_facts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    subject TEXT NOT NULL,
    relation TEXT NOT NULL,
    object TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 1.0,
    valid_from DATETIME NOT NULL,
    valid_to DATETIME,
    source_note_id INTEGER
);

CREATE INDEX IF NOT EXISTS idx_facts_subject ON entity_facts(subject, relation);

-- Authoring sessions
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started DATETIME NOT NULL,
    ended DATETIME NOT NULL,
    note_count INTEGER NOT NULL DEFAULT 0
);

-- Channel and direct messages ('_dm' channel marks directs)
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sender TEXT NOT NULL,
    channel TEXT NOT NULL,
    recipient TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    reply_to INTEGER,
    signature TEXT NOT NULL DEFAULT '',
    envelope TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL,
    read_at DATETIME,
    CHECK (
        (channel = '_dm' AND recipient != '') OR
        (channel != '_dm' AND channel != '' AND recipient = '')
    )
);

CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages(expires_at);

CREATE TABLE IF NOT EXISTS subscriptions (
    ai_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (ai_id, channel)
);

-- Distributed locks: expired rows are reclaimed in place on acquire
CREATE TABLE IF NOT EXISTS locks (
    resource TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    acquired_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_locks_holder ON locks(holder);

-- Priority task queue
CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    content TEXT NOT NULL CHECK(length(content) <= 2000),
    priority INTEGER NOT NULL DEFAULT 5 CHECK(priority >= 0 AND priority <= 9),
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'claimed', 'completed')),
    author TEXT NOT NULL DEFAULT '',
    claimed_by TEXT NOT NULL DEFAULT '',
    result TEXT NOT NULL DEFAULT '',
    representation_policy TEXT NOT NULL DEFAULT 'default',
    tamper_hash TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    claimed_at DATETIME,
    completed_at DATETIME,
    CHECK (
        (status = 'pending' AND claimed_by = '') OR
        (status = 'claimed' AND claimed_by != '') OR
        (status = 'completed')
    )
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority DESC, created_at);

-- Watches and the durable event log
CREATE TABLE IF NOT EXISTS watches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ai_id TEXT NOT NULL,
    item_type TEXT NOT NULL DEFAULT '',
    item_id TEXT NOT NULL DEFAULT '',
    event_types TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL,
    last_activity DATETIME NOT NULL,
    UNIQUE (ai_id, item_type, item_id)
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_type TEXT NOT NULL,
    item_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at);

CREATE TABLE IF NOT EXISTS event_deliveries (
    event_id INTEGER NOT NULL,
    ai_id TEXT NOT NULL,
    seen INTEGER NOT NULL DEFAULT 0,
    delivered_at DATETIME NOT NULL,
    PRIMARY KEY (event_id, ai_id)
);

CREATE INDEX IF NOT EXISTS idx_deliveries_pending ON event_deliveries(ai_id) WHERE seen = 0;

-- Presence
CREATE TABLE IF NOT EXISTS presence (
    ai_id TEXT PRIMARY KEY,
    last_seen DATETIME NOT NULL,
    last_operation TEXT NOT NULL DEFAULT '',
    status_message TEXT NOT NULL DEFAULT ''
);

-- Encrypted vault (values are ciphertext)
CREATE TABLE IF NOT EXISTS vault (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

-- Evolution workflow
CREATE TABLE IF NOT EXISTS evolutions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    goal TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'synthesized', 'abandoned')),
    author TEXT NOT NULL DEFAULT '',
    generation INTEGER NOT NULL DEFAULT 1,
    output_note_id INTEGER,
    created_at DATETIME NOT NULL,
    synthesized_at DATETIME,
    CHECK (
        (status = 'synthesized' AND synthesized_at IS NOT NULL) OR
        (status != 'synthesized' AND synthesized_at IS NULL)
    )
);

CREATE TABLE IF NOT EXISTS contributions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    evolution_id INTEGER NOT NULL,
    author TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contributions_evolution ON contributions(evolution_id);

CREATE TABLE IF NOT EXISTS votes (
    contribution_id INTEGER NOT NULL,
    voter TEXT NOT NULL,
    score REAL NOT NULL CHECK(score >= 0 AND score <= 10),
    changes INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (contribution_id, voter)
);

-- Coordination audit log
CREATE TABLE IF NOT EXISTS coordination_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    ai_id TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    task_id INTEGER,
    created_at DATETIME NOT NULL
);

-- Per-teambook operation log
CREATE TABLE IF NOT EXISTS operations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    operation TEXT NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    ts DATETIME NOT NULL,
    dur_ms INTEGER NOT NULL DEFAULT 0
);

-- Internal state (pagerank timestamps, schema hints)
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
