package store

// SchemaVersion is the current local database schema version
const SchemaVersion = 2

const schema = `
CREATE TABLE IF NOT EXISTS transacoes (
    id TEXT PRIMARY KEY,
    date TEXT NOT NULL DEFAULT '',
    contexto TEXT NOT NULL DEFAULT '',
    deleted INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transacoes_date ON transacoes(date);
CREATE INDEX IF NOT EXISTS idx_transacoes_contexto ON transacoes(contexto);
CREATE INDEX IF NOT EXISTS idx_transacoes_deleted ON transacoes(deleted);
CREATE INDEX IF NOT EXISTS idx_transacoes_updated_at ON transacoes(updated_at);

CREATE TABLE IF NOT EXISTS recorrentes (
    id TEXT PRIMARY KEY,
    titulo TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recorrentes_updated_at ON recorrentes(updated_at);
CREATE INDEX IF NOT EXISTS idx_recorrentes_titulo ON recorrentes(titulo);

CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Migration is a schema step applied to databases older than Version.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations lists every step after the initial schema, in order.
var Migrations = []Migration{
	{
		Version:     2,
		Description: "durable sync slots",
		SQL: `CREATE TABLE IF NOT EXISTS sync_slots (
    name TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at TEXT NOT NULL
);`,
	},
}
