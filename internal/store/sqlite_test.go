package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/dispatchboard/internal/dispatch"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedTechnician creates an account and its technician, returning both ids.
func seedTechnician(t *testing.T, s *SQLiteStore, username string, teamID *int64) (accountID, techID int64) {
	t.Helper()
	ctx := context.Background()
	accountID, err := s.CreateAccount(ctx, &dispatch.Account{Username: username, Email: username + "@example.com"})
	require.NoError(t, err)
	techID, err = s.CreateTechnician(ctx, &dispatch.Technician{AccountID: accountID, Name: username, TeamID: teamID})
	require.NoError(t, err)
	return accountID, techID
}

func newTask(now time.Time) *dispatch.Task {
	return &dispatch.Task{
		Title:         "Deliver parcel",
		Address:       "1 Main St",
		RecipientName: "Carol",
		Status:        dispatch.TaskUnassigned,
		Priority:      dispatch.PriorityBlue,
		Type:          dispatch.TaskDelivery,
		Position:      &dispatch.Position{Latitude: 48.856612, Longitude: 2.352222},
		ScheduledTime: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestSQLiteStore_Migration_CreatesTablesAndVersion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	var version int
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestSQLiteStore_Reopen_SkipsAppliedMigrations(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sub", "board.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.CreateTeam(context.Background(), &dispatch.Team{Name: "North"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	teams, err := s.ListTeams(context.Background())
	require.NoError(t, err)
	assert.Len(t, teams, 1)
}

func TestSQLiteStore_GetMissing_ReturnsNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetTask(ctx, 42)
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
	_, err = s.GetTechnician(ctx, 42)
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
	_, err = s.GetAccount(ctx, 42)
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
	_, err = s.GetTeam(ctx, 42)
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
	_, err = s.GetAccountByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
}

func TestSQLiteStore_TechnicianAccountIsUnique(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	acct, _ := seedTechnician(t, s, "alice", nil)
	_, err := s.CreateTechnician(ctx, &dispatch.Technician{AccountID: acct, Name: "alice again"})
	assert.Error(t, err)
}

func TestSQLiteStore_CreateAndGetTask(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	id, err := s.CreateTask(ctx, newTask(now))
	require.NoError(t, err)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "Deliver parcel", got.Title)
	assert.Equal(t, dispatch.TaskUnassigned, got.Status)
	assert.Equal(t, dispatch.PriorityBlue, got.Priority)
	assert.Equal(t, dispatch.TaskDelivery, got.Type)
	assert.True(t, now.Equal(got.ScheduledTime))
	require.NotNil(t, got.Position)
	assert.Equal(t, 48.856612, got.Position.Latitude)
	assert.Equal(t, 2.352222, got.Position.Longitude)
	assert.Nil(t, got.TechnicianID)
	assert.Nil(t, got.ActualCompletionTime)
}

func TestSQLiteStore_UpdateTask_IsConditionalOnStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	acct, tech := seedTechnician(t, s, "alice", nil)
	now := time.Now().UTC().Truncate(time.Second)
	id, err := s.CreateTask(ctx, newTask(now))
	require.NoError(t, err)

	n, err := s.UpdateTask(ctx, dispatch.TaskUpdate{
		ID: id, From: dispatch.TaskUnassigned, To: dispatch.TaskAssigned,
		TechnicianID: &tech, AssignedAccountID: &acct, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Same transition again: the row no longer matches.
	n, err = s.UpdateTask(ctx, dispatch.TaskUpdate{ID: id, From: dispatch.TaskUnassigned, To: dispatch.TaskAssigned, UpdatedAt: now})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.UpdateTask(ctx, dispatch.TaskUpdate{ID: 999, From: dispatch.TaskAssigned, To: dispatch.TaskInTransit, UpdatedAt: now})
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.TaskAssigned, got.Status)
	require.NotNil(t, got.TechnicianID)
	assert.Equal(t, tech, *got.TechnicianID)
	require.NotNil(t, got.AssignedAccountID)
	assert.Equal(t, acct, *got.AssignedAccountID)

	done := now.Add(time.Hour)
	_, err = s.UpdateTask(ctx, dispatch.TaskUpdate{ID: id, From: dispatch.TaskAssigned, To: dispatch.TaskInTransit, UpdatedAt: now})
	require.NoError(t, err)
	_, err = s.UpdateTask(ctx, dispatch.TaskUpdate{ID: id, From: dispatch.TaskInTransit, To: dispatch.TaskSucceeded, ActualCompletionTime: &done, UpdatedAt: done})
	require.NoError(t, err)

	got, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.TaskSucceeded, got.Status)
	require.NotNil(t, got.ActualCompletionTime)
	assert.True(t, done.Equal(*got.ActualCompletionTime))
}

func TestSQLiteStore_UpdateTask_ConcurrentWritersOneWins(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, newTask(time.Now()))
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.UpdateTask(ctx, dispatch.TaskUpdate{ID: id, From: dispatch.TaskUnassigned, To: dispatch.TaskAssigned, UpdatedAt: time.Now()})
			if err == nil {
				mu.Lock()
				total += n
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), total)
}

func TestSQLiteStore_UpdateTechnician(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, id := seedTechnician(t, s, "alice", nil)

	pos := dispatch.Position{Latitude: -33.868820, Longitude: 151.209296}
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	n, err := s.UpdateTechnician(ctx, dispatch.TechnicianUpdate{ID: id, Position: &pos, UpdatedAt: at})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	status := dispatch.TechnicianOnMission
	n, err = s.UpdateTechnician(ctx, dispatch.TechnicianUpdate{ID: id, Status: &status, UpdatedAt: at.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetTechnician(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.TechnicianOnMission, got.Status)
	require.NotNil(t, got.Position)
	assert.Equal(t, pos, *got.Position, "status-only update keeps the position")
	assert.True(t, at.Add(time.Minute).Equal(got.LastUpdated))

	n, err = s.UpdateTechnician(ctx, dispatch.TechnicianUpdate{ID: 999, Status: &status, UpdatedAt: at})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteStore_ListFilters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	north, err := s.CreateTeam(ctx, &dispatch.Team{Name: "North", Description: "north side"})
	require.NoError(t, err)
	_, aliceTech := seedTechnician(t, s, "alice", &north)
	_, _ = seedTechnician(t, s, "bob", nil)

	available := dispatch.TechnicianAvailable
	_, err = s.UpdateTechnician(ctx, dispatch.TechnicianUpdate{ID: aliceTech, Status: &available, UpdatedAt: time.Now()})
	require.NoError(t, err)

	techs, err := s.ListTechnicians(ctx, dispatch.TechnicianFilter{})
	require.NoError(t, err)
	assert.Len(t, techs, 2)

	techs, err = s.ListTechnicians(ctx, dispatch.TechnicianFilter{TeamID: &north})
	require.NoError(t, err)
	require.Len(t, techs, 1)
	assert.Equal(t, "alice", techs[0].Name)

	techs, err = s.ListTechnicians(ctx, dispatch.TechnicianFilter{Status: dispatch.TechnicianAvailable})
	require.NoError(t, err)
	require.Len(t, techs, 1)
	assert.Equal(t, aliceTech, techs[0].ID)

	task := newTask(time.Now())
	task.TeamID = &north
	_, err = s.CreateTask(ctx, task)
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, newTask(time.Now()))
	require.NoError(t, err)

	tasks, err := s.ListTasks(ctx, dispatch.TaskFilter{TeamID: &north})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	tasks, err = s.ListTasks(ctx, dispatch.TaskFilter{Status: dispatch.TaskUnassigned})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = s.ListTasks(ctx, dispatch.TaskFilter{TechnicianID: &aliceTech})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSQLiteStore_DrivesEngine(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	acct, tech := seedTechnician(t, s, "alice", nil)
	engine := dispatch.NewEngine(s, nil)

	task, err := engine.AddTask(ctx, dispatch.AddTaskInput{ScheduledDate: "2024-06-01", ScheduledTime: "09:30"})
	require.NoError(t, err)

	_, err = engine.AssignTask(ctx, task.ID, tech)
	require.NoError(t, err)
	_, err = engine.StartTask(ctx, task.ID, acct+1)
	assert.ErrorIs(t, err, dispatch.ErrForbidden)
	_, err = engine.StartTask(ctx, task.ID, acct)
	require.NoError(t, err)
	got, err := engine.CompleteTask(ctx, task.ID, acct, "succeeded")
	require.NoError(t, err)
	assert.Equal(t, dispatch.TaskSucceeded, got.Status)

	_, err = engine.CompleteTask(ctx, task.ID, acct, "succeeded")
	assert.ErrorIs(t, err, dispatch.ErrInvalidTransition)
}

func TestSQLiteStore_ForeignKeysAreEnforced(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var enabled int
	require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&enabled))
	assert.Equal(t, 1, enabled)

	_, err := s.CreateTechnician(ctx, &dispatch.Technician{AccountID: 9999, Name: "ghost"})
	assert.Error(t, err, "technician must link an existing account")

	task := newTask(time.Now())
	missingTeam := int64(777)
	task.TeamID = &missingTeam
	_, err = s.CreateTask(ctx, task)
	assert.Error(t, err, "task must reference an existing team")
}

func TestSQLiteStore_RemovedTechnicianIsClearedFromTasks(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	acct, tech := seedTechnician(t, s, "alice", nil)
	now := time.Now().UTC().Truncate(time.Second)
	id, err := s.CreateTask(ctx, newTask(now))
	require.NoError(t, err)
	_, err = s.UpdateTask(ctx, dispatch.TaskUpdate{
		ID: id, From: dispatch.TaskUnassigned, To: dispatch.TaskAssigned,
		TechnicianID: &tech, AssignedAccountID: &acct, UpdatedAt: now,
	})
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, "DELETE FROM technicians WHERE id = ?", tech)
	require.NoError(t, err)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got.TechnicianID)
	assert.Equal(t, dispatch.TaskAssigned, got.Status)
}
