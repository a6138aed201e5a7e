package store

import (
	"context"

	"github.com/btouchard/dispatchboard/internal/dispatch"
)

// Provisioner creates the records the engine never writes itself.
// Used by the provision subcommand and by tests.
type Provisioner interface {
	CreateAccount(ctx context.Context, a *dispatch.Account) (int64, error)
	CreateTeam(ctx context.Context, t *dispatch.Team) (int64, error)
	CreateTechnician(ctx context.Context, t *dispatch.Technician) (int64, error)
}

// Compile-time interface checks.
var (
	_ dispatch.Store = (*SQLiteStore)(nil)
	_ Provisioner    = (*SQLiteStore)(nil)
)

// migrations are applied in order; entry i brings the schema to version i+1.
// Coordinates are stored as integer micro-degrees.
var migrations = []string{
	`CREATE TABLE accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE teams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE technicians (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL UNIQUE REFERENCES accounts(id),
		name TEXT NOT NULL,
		team_id INTEGER REFERENCES teams(id) ON DELETE SET NULL,
		status TEXT NOT NULL DEFAULT 'off_duty'
			CHECK (status IN ('off_duty', 'available', 'on_mission')),
		latitude_e6 INTEGER,
		longitude_e6 INTEGER,
		last_updated TEXT NOT NULL
	);

	CREATE TABLE tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		recipient_name TEXT NOT NULL DEFAULT '',
		team_id INTEGER REFERENCES teams(id) ON DELETE SET NULL,
		technician_id INTEGER REFERENCES technicians(id) ON DELETE SET NULL,
		status TEXT NOT NULL DEFAULT 'unassigned'
			CHECK (status IN ('unassigned', 'assigned', 'in_transit', 'succeeded', 'failed')),
		priority TEXT NOT NULL DEFAULT 'blue',
		task_type TEXT NOT NULL DEFAULT 'delivery',
		sequence_number INTEGER,
		description TEXT NOT NULL DEFAULT '',
		assigned_account_id INTEGER REFERENCES accounts(id) ON DELETE SET NULL,
		latitude_e6 INTEGER,
		longitude_e6 INTEGER,
		scheduled_time TEXT NOT NULL,
		estimated_completion_time TEXT NOT NULL DEFAULT '',
		actual_completion_time TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX idx_tasks_status ON tasks(status);
	CREATE INDEX idx_tasks_technician ON tasks(technician_id);
	CREATE INDEX idx_technicians_team ON technicians(team_id);`,
}
