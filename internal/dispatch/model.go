package dispatch

import (
	"fmt"
	"math"
	"time"
)

// TechnicianStatus is the duty state of a technician.
type TechnicianStatus string

const (
	TechnicianOffDuty   TechnicianStatus = "off_duty"
	TechnicianAvailable TechnicianStatus = "available"
	TechnicianOnMission TechnicianStatus = "on_mission"
)

// Valid reports whether s is one of the known technician statuses.
func (s TechnicianStatus) Valid() bool {
	switch s {
	case TechnicianOffDuty, TechnicianAvailable, TechnicianOnMission:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskUnassigned TaskStatus = "unassigned"
	TaskAssigned   TaskStatus = "assigned"
	TaskInTransit  TaskStatus = "in_transit"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
)

// TaskStatuses lists every task status in lifecycle order.
var TaskStatuses = []TaskStatus{TaskUnassigned, TaskAssigned, TaskInTransit, TaskSucceeded, TaskFailed}

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskUnassigned, TaskAssigned, TaskInTransit, TaskSucceeded, TaskFailed:
		return true
	}
	return false
}

// IsTerminal returns true if no transition leaves s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Priority is a display and ordering hint. It has no effect on transitions.
type Priority string

const (
	PriorityBlue   Priority = "blue"
	PriorityPurple Priority = "purple"
	PriorityGreen  Priority = "green"
	PriorityYellow Priority = "yellow"
	PriorityRed    Priority = "red"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityBlue, PriorityPurple, PriorityGreen, PriorityYellow, PriorityRed:
		return true
	}
	return false
}

// TaskType distinguishes the kind of work a task represents.
type TaskType string

const (
	TaskDelivery    TaskType = "delivery"
	TaskMaintenance TaskType = "maintenance"
	TaskInspection  TaskType = "inspection"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskDelivery, TaskMaintenance, TaskInspection:
		return true
	}
	return false
}

// coordScale is the fixed-point precision of stored coordinates (6 decimals).
const coordScale = 1e6

// Position is a geographic point stored with six decimal places.
type Position struct {
	Latitude  float64
	Longitude float64
}

// NewPosition validates the coordinate ranges and rounds both values to
// the stored precision.
func NewPosition(lat, lon float64) (Position, error) {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return Position{}, fmt.Errorf("latitude %v out of range [-90, 90]", lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return Position{}, fmt.Errorf("longitude %v out of range [-180, 180]", lon)
	}
	return Position{Latitude: round6(lat), Longitude: round6(lon)}, nil
}

// Fixed returns the coordinates as integer micro-degrees.
func (p Position) Fixed() (lat, lon int64) {
	return int64(math.Round(p.Latitude * coordScale)), int64(math.Round(p.Longitude * coordScale))
}

// PositionFromFixed rebuilds a Position from integer micro-degrees.
func PositionFromFixed(lat, lon int64) Position {
	return Position{Latitude: float64(lat) / coordScale, Longitude: float64(lon) / coordScale}
}

func round6(v float64) float64 {
	return math.Round(v*coordScale) / coordScale
}

// Account is a login identity. Actors are resolved to accounts.
type Account struct {
	ID       int64
	Username string
	Email    string
}

// Team groups technicians and tasks.
type Team struct {
	ID          int64
	Name        string
	Description string
}

// Technician is a field worker linked one-to-one to an account.
type Technician struct {
	ID          int64
	AccountID   int64
	Name        string
	TeamID      *int64
	Status      TechnicianStatus
	Position    *Position
	LastUpdated time.Time
}

// Task is a unit of field work that moves through the assignment lifecycle.
type Task struct {
	ID                      int64
	Title                   string
	Address                 string
	RecipientName           string
	TeamID                  *int64
	TechnicianID            *int64
	Status                  TaskStatus
	Priority                Priority
	Type                    TaskType
	SequenceNumber          *int64
	Description             string
	AssignedAccountID       *int64
	Position                *Position
	ScheduledTime           time.Time
	EstimatedCompletionTime *time.Time
	ActualCompletionTime    *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}
