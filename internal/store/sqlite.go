package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/btouchard/dispatchboard/internal/dispatch"
)

const timeFormat = time.RFC3339Nano

// SQLiteStore implements dispatch.Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}

		// Pre-create the file with restrictive permissions if it doesn't exist
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("creating database file: %w", err)
			}
			_ = f.Close()
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Accounts & teams ---

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *dispatch.Account) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO accounts (username, email, created_at) VALUES (?, ?, ?)`,
		a.Username, a.Email, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("inserting account: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id int64) (*dispatch.Account, error) {
	var a dispatch.Account
	err := s.db.QueryRowContext(ctx, `SELECT id, username, email FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Username, &a.Email)
	if err != nil {
		return nil, notFound(err, "account", id)
	}
	return &a, nil
}

// GetAccountByUsername resolves an account from its login name.
func (s *SQLiteStore) GetAccountByUsername(ctx context.Context, username string) (*dispatch.Account, error) {
	var a dispatch.Account
	err := s.db.QueryRowContext(ctx, `SELECT id, username, email FROM accounts WHERE username = ?`, username).
		Scan(&a.ID, &a.Username, &a.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &dispatch.Error{Kind: dispatch.KindNotFound, Msg: fmt.Sprintf("account %q not found", username)}
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) CreateTeam(ctx context.Context, t *dispatch.Team) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO teams (name, description) VALUES (?, ?)`, t.Name, t.Description)
	if err != nil {
		return 0, fmt.Errorf("inserting team: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetTeam(ctx context.Context, id int64) (*dispatch.Team, error) {
	var t dispatch.Team
	err := s.db.QueryRowContext(ctx, `SELECT id, name, description FROM teams WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Description)
	if err != nil {
		return nil, notFound(err, "team", id)
	}
	return &t, nil
}

func (s *SQLiteStore) ListTeams(ctx context.Context) ([]dispatch.Team, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description FROM teams ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var teams []dispatch.Team
	for rows.Next() {
		var t dispatch.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.Description); err != nil {
			return nil, fmt.Errorf("scanning team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// --- Technicians ---

const technicianColumns = `id, account_id, name, team_id, status, latitude_e6, longitude_e6, last_updated`

func (s *SQLiteStore) CreateTechnician(ctx context.Context, t *dispatch.Technician) (int64, error) {
	lat, lon := positionArgs(t.Position)
	status := t.Status
	if status == "" {
		status = dispatch.TechnicianOffDuty
	}
	updated := t.LastUpdated
	if updated.IsZero() {
		updated = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO technicians (account_id, name, team_id, status, latitude_e6, longitude_e6, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.AccountID, t.Name, nullInt(t.TeamID), string(status), lat, lon, formatTime(updated))
	if err != nil {
		return 0, fmt.Errorf("inserting technician: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetTechnician(ctx context.Context, id int64) (*dispatch.Technician, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+technicianColumns+` FROM technicians WHERE id = ?`, id)
	t, err := scanTechnician(row)
	if err != nil {
		return nil, notFound(err, "technician", id)
	}
	return t, nil
}

func (s *SQLiteStore) ListTechnicians(ctx context.Context, f dispatch.TechnicianFilter) ([]dispatch.Technician, error) {
	query := `SELECT ` + technicianColumns + ` FROM technicians WHERE 1=1`
	var args []any

	if f.TeamID != nil {
		query += " AND team_id = ?"
		args = append(args, *f.TeamID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY name, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing technicians: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var techs []dispatch.Technician
	for rows.Next() {
		t, err := scanTechnician(rows)
		if err != nil {
			return nil, err
		}
		techs = append(techs, *t)
	}
	return techs, rows.Err()
}

// UpdateTechnician writes the non-nil fields of u in a single statement.
func (s *SQLiteStore) UpdateTechnician(ctx context.Context, u dispatch.TechnicianUpdate) (int64, error) {
	sets := []string{"last_updated = ?"}
	args := []any{formatTime(u.UpdatedAt)}

	if u.Position != nil {
		lat, lon := u.Position.Fixed()
		sets = append(sets, "latitude_e6 = ?", "longitude_e6 = ?")
		args = append(args, lat, lon)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	args = append(args, u.ID)

	res, err := s.db.ExecContext(ctx, `UPDATE technicians SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("updating technician: %w", err)
	}
	return res.RowsAffected()
}

// --- Tasks ---

const taskColumns = `id, title, address, recipient_name, team_id, technician_id, status, priority,
	task_type, sequence_number, description, assigned_account_id, latitude_e6, longitude_e6,
	scheduled_time, estimated_completion_time, actual_completion_time, created_at, updated_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, t *dispatch.Task) (int64, error) {
	lat, lon := positionArgs(t.Position)
	res, err := s.db.ExecContext(ctx, `INSERT INTO tasks (title, address, recipient_name, team_id, technician_id,
		status, priority, task_type, sequence_number, description, assigned_account_id,
		latitude_e6, longitude_e6, scheduled_time, estimated_completion_time, actual_completion_time,
		created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Title, t.Address, t.RecipientName, nullInt(t.TeamID), nullInt(t.TechnicianID),
		string(t.Status), string(t.Priority), string(t.Type), nullInt(t.SequenceNumber), t.Description,
		nullInt(t.AssignedAccountID), lat, lon,
		formatTime(t.ScheduledTime), formatTimePtr(t.EstimatedCompletionTime), formatTimePtr(t.ActualCompletionTime),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("inserting task: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*dispatch.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, f dispatch.TaskFilter) ([]dispatch.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.TechnicianID != nil {
		query += " AND technician_id = ?"
		args = append(args, *f.TechnicianID)
	}
	if f.TeamID != nil {
		query += " AND team_id = ?"
		args = append(args, *f.TeamID)
	}
	query += " ORDER BY scheduled_time, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []dispatch.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateTask applies u only while the stored status equals u.From, so a
// racing writer that moved the task first makes this a zero-row update.
func (s *SQLiteStore) UpdateTask(ctx context.Context, u dispatch.TaskUpdate) (int64, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(u.To), formatTime(u.UpdatedAt)}

	if u.TechnicianID != nil {
		sets = append(sets, "technician_id = ?")
		args = append(args, *u.TechnicianID)
	}
	if u.AssignedAccountID != nil {
		sets = append(sets, "assigned_account_id = ?")
		args = append(args, *u.AssignedAccountID)
	}
	if u.ActualCompletionTime != nil {
		sets = append(sets, "actual_completion_time = ?")
		args = append(args, formatTime(*u.ActualCompletionTime))
	}
	args = append(args, u.ID, string(u.From))

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("updating task: %w", err)
	}
	return res.RowsAffected()
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanTechnician(row scanner) (*dispatch.Technician, error) {
	var t dispatch.Technician
	var teamID, lat, lon sql.NullInt64
	var status, lastUpdated string

	err := row.Scan(&t.ID, &t.AccountID, &t.Name, &teamID, &status, &lat, &lon, &lastUpdated)
	if err != nil {
		return nil, fmt.Errorf("scanning technician: %w", err)
	}

	t.TeamID = int64Ptr(teamID)
	t.Status = dispatch.TechnicianStatus(status)
	t.Position = position(lat, lon)
	t.LastUpdated = parseTime(lastUpdated)
	return &t, nil
}

func scanTask(row scanner) (*dispatch.Task, error) {
	var t dispatch.Task
	var teamID, techID, seq, acctID, lat, lon sql.NullInt64
	var status, priority, taskType string
	var scheduled, estimated, actual, createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Title, &t.Address, &t.RecipientName, &teamID, &techID,
		&status, &priority, &taskType, &seq, &t.Description, &acctID, &lat, &lon,
		&scheduled, &estimated, &actual, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	t.TeamID = int64Ptr(teamID)
	t.TechnicianID = int64Ptr(techID)
	t.SequenceNumber = int64Ptr(seq)
	t.AssignedAccountID = int64Ptr(acctID)
	t.Status = dispatch.TaskStatus(status)
	t.Priority = dispatch.Priority(priority)
	t.Type = dispatch.TaskType(taskType)
	t.Position = position(lat, lon)
	t.ScheduledTime = parseTime(scheduled)
	t.EstimatedCompletionTime = parseTimePtr(estimated)
	t.ActualCompletionTime = parseTimePtr(actual)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// notFound turns a missing row into a typed not-found error and leaves
// every other failure wrapped for the caller to classify.
func notFound(err error, entity string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.NotFound(entity, id)
	}
	return err
}

func positionArgs(p *dispatch.Position) (lat, lon any) {
	if p == nil {
		return nil, nil
	}
	return p.Fixed()
}

func position(lat, lon sql.NullInt64) *dispatch.Position {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	p := dispatch.PositionFromFixed(lat.Int64, lon.Int64)
	return &p
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
}
