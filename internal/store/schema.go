package store

const schema = `
CREATE TABLE IF NOT EXISTS deploys (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    release_id TEXT,
    previous_release_id TEXT,
    status TEXT NOT NULL,
    stage TEXT NOT NULL,
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS host_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    action TEXT NOT NULL,
    options TEXT,
    changes INTEGER NOT NULL DEFAULT 0,
    dry_run BOOLEAN NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    error TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deploys_started ON deploys(started_at);
CREATE INDEX IF NOT EXISTS idx_deploys_release ON deploys(release_id);
CREATE INDEX IF NOT EXISTS idx_host_runs_created ON host_runs(created_at);
`
