package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
    seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
    file_path            TEXT NOT NULL,
    msg_id               TEXT NOT NULL,
    session_id           TEXT NOT NULL DEFAULT '',
    ts                   INTEGER NOT NULL,
    role                 TEXT NOT NULL,
    input                INTEGER NOT NULL DEFAULT 0,
    output               INTEGER NOT NULL DEFAULT 0,
    reasoning            INTEGER NOT NULL DEFAULT 0,
    cache_read           INTEGER NOT NULL DEFAULT 0,
    cache_write          INTEGER NOT NULL DEFAULT 0,
    provider_id          TEXT NOT NULL DEFAULT '',
    model_id             TEXT NOT NULL DEFAULT '',
    inserted_at          INTEGER NOT NULL,
    UNIQUE (file_path, msg_id)
);

CREATE TABLE IF NOT EXISTS file_tracker (
    file_path            TEXT PRIMARY KEY,
    mtime_ns             INTEGER NOT NULL,
    size_bytes           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key                  TEXT PRIMARY KEY,
    value                INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_dedup ON messages(
    ts, role, input, output, reasoning, cache_read, cache_write, provider_id, model_id, msg_id
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, ts);
`

// dedupPartition lists the columns that identify one logical event.
// msg_id and session_id are excluded on purpose.
const dedupPartition = `ts, role, input, output, reasoning, cache_read, cache_write, provider_id, model_id`

const representativeSQL = `
SELECT seq, file_path, msg_id, session_id, ts, role,
       input, output, reasoning, cache_read, cache_write, provider_id, model_id
FROM (
    SELECT m.*, ROW_NUMBER() OVER (
        PARTITION BY ` + dedupPartition + `
        ORDER BY %s
    ) AS rn
    FROM messages m
    WHERE ts >= ? AND ts < ?%s
)
WHERE rn = 1
ORDER BY ts, seq`

const metaLastMutation = "last_mutation_ms"
