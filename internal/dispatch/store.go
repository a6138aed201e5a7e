package dispatch

import (
	"context"
	"time"
)

// Store is the durable state the engine reads and writes.
// Defined at the consumer side per Go convention.
//
// Get methods return an error matching ErrNotFound when the id does not
// resolve. Update methods return the number of affected rows; zero means
// the row did not match (missing, or not in the expected state).
type Store interface {
	GetAccount(ctx context.Context, id int64) (*Account, error)
	GetTeam(ctx context.Context, id int64) (*Team, error)
	ListTeams(ctx context.Context) ([]Team, error)

	GetTechnician(ctx context.Context, id int64) (*Technician, error)
	ListTechnicians(ctx context.Context, f TechnicianFilter) ([]Technician, error)
	UpdateTechnician(ctx context.Context, u TechnicianUpdate) (int64, error)

	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	CreateTask(ctx context.Context, t *Task) (int64, error)
	UpdateTask(ctx context.Context, u TaskUpdate) (int64, error)
}

// TechnicianFilter selects technicians by field. Zero fields match all.
type TechnicianFilter struct {
	TeamID *int64
	Status TechnicianStatus
}

// TaskFilter selects tasks by field. Zero fields match all.
type TaskFilter struct {
	Status       TaskStatus
	TechnicianID *int64
	TeamID       *int64
}

// TechnicianUpdate writes position and/or status unconditionally.
// Nil fields are left untouched; UpdatedAt is always written.
type TechnicianUpdate struct {
	ID        int64
	Position  *Position
	Status    *TechnicianStatus
	UpdatedAt time.Time
}

// TaskUpdate moves a task from one status to another. The write only
// applies when the stored status still equals From.
type TaskUpdate struct {
	ID                   int64
	From                 TaskStatus
	To                   TaskStatus
	TechnicianID         *int64
	AssignedAccountID    *int64
	ActualCompletionTime *time.Time
	UpdatedAt            time.Time
}
