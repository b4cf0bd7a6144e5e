package catalog

const schema = `
-- Users resolved from external identity providers
CREATE TABLE IF NOT EXISTS users (
    id          TEXT PRIMARY KEY,
    external_id TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);

-- Extractions: one row per named scrape-and-structure unit of work
CREATE TABLE IF NOT EXISTS extractions (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    reference_table TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'PENDING',
    user_id         TEXT NOT NULL REFERENCES users(id),
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    UNIQUE (user_id, name)
);
CREATE INDEX IF NOT EXISTS idx_extractions_user ON extractions(user_id);

-- Projects: user-owned logical databases with declared collections
CREATE TABLE IF NOT EXISTS projects (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    user_id          TEXT NOT NULL REFERENCES users(id),
    storage_ref      TEXT NOT NULL,
    collections_json TEXT NOT NULL DEFAULT '[]',
    status           TEXT NOT NULL DEFAULT 'PROVISIONING',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    UNIQUE (user_id, name)
);
CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id, status);

-- Aggregate result of one structuring run
CREATE TABLE IF NOT EXISTS run_reports (
    id            TEXT PRIMARY KEY,
    extraction_id TEXT NOT NULL REFERENCES extractions(id),
    total         INTEGER NOT NULL DEFAULT 0,
    succeeded     INTEGER NOT NULL DEFAULT 0,
    failed        INTEGER NOT NULL DEFAULT 0,
    report_json   TEXT NOT NULL DEFAULT '[]',
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_reports_extraction ON run_reports(extraction_id, created_at DESC);

-- Durable attempt counters for dead-letter replay
CREATE TABLE IF NOT EXISTS replay_counts (
    job_key    TEXT PRIMARY KEY,
    attempts   INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
`
