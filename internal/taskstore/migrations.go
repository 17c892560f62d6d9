package taskstore

// Every table is append-only except runs, whose row is completed when the
// run ends.
const schema = `
CREATE TABLE IF NOT EXISTS attempts (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    revision INTEGER NOT NULL,
    session_id TEXT,
    kind TEXT NOT NULL,
    checks TEXT,
    files_touched TEXT,
    error TEXT,
    summary TEXT,
    digest TEXT,
    tokens_input INTEGER DEFAULT 0,
    tokens_output INTEGER DEFAULT 0,
    cost_usd REAL DEFAULT 0,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_task_id ON attempts(task_id, attempt);

CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    body TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_task_id ON notes(task_id);

CREATE TABLE IF NOT EXISTS drift_alerts (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    size INTEGER NOT NULL,
    task_ids TEXT,
    markers TEXT,
    reasons TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drift_alerts_task_id ON drift_alerts(task_id);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    track TEXT,
    concurrency INTEGER NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    counts TEXT,
    error TEXT
);
`
