package projects

const schemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
    id                TEXT PRIMARY KEY,
    owner_id          TEXT NOT NULL,
    filename          TEXT NOT NULL,
    sample_locator    TEXT NOT NULL,
    ref_image_locator TEXT NOT NULL DEFAULT '',
    ref_audio_locator TEXT NOT NULL DEFAULT '',
    user_context      TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    progress          INTEGER NOT NULL DEFAULT 0,
    error_detail      TEXT NOT NULL DEFAULT '',
    plan_revision     TEXT NOT NULL DEFAULT '',
    analysis_json     TEXT NOT NULL DEFAULT '',
    deliverable       TEXT NOT NULL DEFAULT '',
    selected_provider TEXT NOT NULL DEFAULT '',
    selected_model    TEXT NOT NULL DEFAULT '',
    cancel_requested  INTEGER NOT NULL DEFAULT 0,
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    completed_at      TEXT,
    expires_at        TEXT,
    last_heartbeat    TEXT
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);
CREATE INDEX IF NOT EXISTS idx_projects_expires ON projects(expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS plans (
    revision   TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    payload    TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_plans_project ON plans(project_id);

CREATE TABLE IF NOT EXISTS turns (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    session_id TEXT NOT NULL,
    role       TEXT NOT NULL,
    text       TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(project_id, session_id, seq);

CREATE TABLE IF NOT EXISTS generation_tasks (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id      TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    clip_index      INTEGER NOT NULL,
    provider        TEXT NOT NULL,
    model           TEXT NOT NULL,
    job_handle      TEXT NOT NULL DEFAULT '',
    state           TEXT NOT NULL DEFAULT 'pending',
    output_locator  TEXT NOT NULL DEFAULT '',
    attempts        INTEGER NOT NULL DEFAULT 0,
    failed_over     INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    planned_seconds REAL NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    UNIQUE(project_id, clip_index)
);

CREATE INDEX IF NOT EXISTS idx_tasks_project ON generation_tasks(project_id);
`
