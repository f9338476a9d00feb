package store

// SchemaVersion is the current supported schema version. Open refuses
// to run against a database whose version exceeds it.
const SchemaVersion = 2

// schemaV1 creates the core schema: executed-command history and
// pairwise command relations.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS command_history (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  command     TEXT NOT NULL UNIQUE,
  context     TEXT NOT NULL DEFAULT '',
  frequency   INTEGER NOT NULL DEFAULT 1,
  last_used   INTEGER NOT NULL,
  success     INTEGER NOT NULL DEFAULT 1,
  outputs     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_history_last_used ON command_history(last_used);
CREATE INDEX IF NOT EXISTS idx_history_frequency ON command_history(frequency DESC);

CREATE TABLE IF NOT EXISTS command_relations (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  command1_id   INTEGER NOT NULL REFERENCES command_history(id),
  command2_id   INTEGER NOT NULL REFERENCES command_history(id),
  relation_type TEXT NOT NULL,
  frequency     INTEGER NOT NULL DEFAULT 1,
  last_used     INTEGER NOT NULL,
  success_rate  REAL NOT NULL DEFAULT 1.0,
  avg_time_gap  REAL NOT NULL DEFAULT 0,
  UNIQUE(command1_id, command2_id)
);

CREATE INDEX IF NOT EXISTS idx_relations_from ON command_relations(command1_id, frequency DESC);
`

// schemaV2 adds the learning-support tables: raw usage and acceptance
// events, mined rules with versions, per-rule performance counters, and
// the scheduler's mining checkpoints.
const schemaV2 = `
CREATE TABLE IF NOT EXISTS command_usage (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  command   TEXT NOT NULL,
  cwd       TEXT NOT NULL DEFAULT '',
  hour      INTEGER NOT NULL,
  success   INTEGER NOT NULL,
  ts        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_ts ON command_usage(ts);

CREATE TABLE IF NOT EXISTS acceptance_event (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  suggestion   TEXT NOT NULL,
  source       TEXT NOT NULL,
  input_prefix TEXT NOT NULL DEFAULT '',
  latency_ms   INTEGER NOT NULL DEFAULT 0,
  ts           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS completion_rules (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  type       TEXT NOT NULL,
  pattern    TEXT NOT NULL,
  weight     REAL NOT NULL,
  confidence REAL NOT NULL,
  version    INTEGER NOT NULL,
  metadata   TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE(type, pattern)
);

CREATE TABLE IF NOT EXISTS rule_versions (
  version    INTEGER PRIMARY KEY,
  changes    TEXT NOT NULL DEFAULT '',
  status     TEXT NOT NULL DEFAULT 'active',
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rule_performance (
  rule_id       INTEGER PRIMARY KEY REFERENCES completion_rules(id),
  usage_count   INTEGER NOT NULL DEFAULT 0,
  success_count INTEGER NOT NULL DEFAULT 0,
  adoption_count INTEGER NOT NULL DEFAULT 0,
  total_latency INTEGER NOT NULL DEFAULT 0,
  last_used_at  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS mining_checkpoint (
  source  TEXT PRIMARY KEY,
  last_id INTEGER NOT NULL DEFAULT 0
);
`

// AllTables lists every table the full schema creates, for validation.
var AllTables = []string{
	"command_history",
	"command_relations",
	"command_usage",
	"acceptance_event",
	"completion_rules",
	"rule_versions",
	"rule_performance",
	"mining_checkpoint",
	"schema_migrations",
}

// AllIndexes lists every named index, for validation.
var AllIndexes = []string{
	"idx_history_last_used",
	"idx_history_frequency",
	"idx_relations_from",
	"idx_usage_ts",
}
