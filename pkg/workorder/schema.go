package workorder

// SchemaDDL defines the SQLite schema for the foreman runtime database.
// Tables: events, tasks, task_deps, batches, transitions.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Effect queue: deferred side effects produced by task-state transitions
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    type TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT 'system',
    depth INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL DEFAULT '{}',
    prev_status TEXT,
    next_status TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0,
    error_detail TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    processed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_status ON events(status, id);

-- Work orders
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    slug TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    priority INTEGER NOT NULL DEFAULT 0,
    execution_rank INTEGER NOT NULL DEFAULT 0,
    batch_id TEXT,
    approved_by TEXT,
    approved_at TEXT,
    error_detail TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks(batch_id, status);

-- Dependency edges: task_id may start only after depends_on is done
CREATE TABLE IF NOT EXISTS task_deps (
    task_id TEXT NOT NULL,
    depends_on TEXT NOT NULL,
    PRIMARY KEY (task_id, depends_on)
);

-- Named task groups executed under one strategy
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    mode TEXT NOT NULL DEFAULT 'step',
    parallel_slots INTEGER NOT NULL DEFAULT 1,
    approval_required INTEGER NOT NULL DEFAULT 1,
    approved_by TEXT,
    approved_at TEXT,
    status TEXT NOT NULL DEFAULT 'not_started',
    summary TEXT,
    started_at TEXT,
    completed_at TEXT
);

-- Audit log of every task state transition
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY,
    task_id TEXT NOT NULL,
    event TEXT NOT NULL,
    actor TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    detail TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_transitions_task ON transitions(task_id, id);
`
