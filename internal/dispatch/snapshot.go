package dispatch

import (
	"context"
	"time"
)

// TeamSummary is a team row of the dispatch snapshot.
type TeamSummary struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	TotalDrivers    int    `json:"total_drivers"`
	ActiveDrivers   int    `json:"active_drivers"`
	UnassignedTasks int    `json:"unassigned_tasks"`
}

// TaskSummary is a task row of the dispatch snapshot.
type TaskSummary struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	Address       string     `json:"address"`
	RecipientName string     `json:"recipient_name"`
	Status        TaskStatus `json:"status"`
	Priority      Priority   `json:"priority"`
	Latitude      *float64   `json:"latitude"`
	Longitude     *float64   `json:"longitude"`
	ScheduledTime *string    `json:"scheduled_time"`
}

// TechnicianSummary is a technician row of the dispatch snapshot.
type TechnicianSummary struct {
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	Team      *string          `json:"team"`
	Status    TechnicianStatus `json:"status"`
	Latitude  *float64         `json:"latitude"`
	Longitude *float64         `json:"longitude"`
	Tasks     []TaskSummary    `json:"tasks"`
}

// DispatchSnapshot is the read-only aggregate used to populate a board.
type DispatchSnapshot struct {
	Teams         []TeamSummary                `json:"teams"`
	Technicians   []TechnicianSummary          `json:"technicians"`
	TasksByStatus map[TaskStatus][]TaskSummary `json:"tasks_by_status"`
}

func summarizeTask(t *Task) TaskSummary {
	s := TaskSummary{
		ID:            t.ID,
		Title:         t.Title,
		Address:       t.Address,
		RecipientName: t.RecipientName,
		Status:        t.Status,
		Priority:      t.Priority,
	}
	if t.Position != nil {
		lat, lon := t.Position.Latitude, t.Position.Longitude
		s.Latitude, s.Longitude = &lat, &lon
	}
	if !t.ScheduledTime.IsZero() {
		st := t.ScheduledTime.UTC().Format(time.RFC3339)
		s.ScheduledTime = &st
	}
	return s
}

// Snapshot builds the dispatch aggregate from a consistent-enough read of
// teams, technicians and tasks.
func (e *Engine) Snapshot(ctx context.Context) (*DispatchSnapshot, error) {
	const op = "dispatch snapshot"
	teams, err := e.store.ListTeams(ctx)
	if err != nil {
		return nil, storeErr(op, err)
	}
	techs, err := e.store.ListTechnicians(ctx, TechnicianFilter{})
	if err != nil {
		return nil, storeErr(op, err)
	}
	tasks, err := e.store.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return nil, storeErr(op, err)
	}

	snap := &DispatchSnapshot{
		Teams:         make([]TeamSummary, 0, len(teams)),
		Technicians:   make([]TechnicianSummary, 0, len(techs)),
		TasksByStatus: make(map[TaskStatus][]TaskSummary, len(TaskStatuses)),
	}
	for _, s := range TaskStatuses {
		snap.TasksByStatus[s] = []TaskSummary{}
	}

	teamIndex := make(map[int64]int, len(teams))
	for i, tm := range teams {
		teamIndex[tm.ID] = i
		snap.Teams = append(snap.Teams, TeamSummary{ID: tm.ID, Name: tm.Name, Description: tm.Description})
	}

	byTech := make(map[int64][]TaskSummary)
	for i := range tasks {
		t := &tasks[i]
		sum := summarizeTask(t)
		snap.TasksByStatus[t.Status] = append(snap.TasksByStatus[t.Status], sum)
		if t.TechnicianID != nil {
			byTech[*t.TechnicianID] = append(byTech[*t.TechnicianID], sum)
		}
		if t.TeamID != nil && t.Status == TaskUnassigned {
			if i, ok := teamIndex[*t.TeamID]; ok {
				snap.Teams[i].UnassignedTasks++
			}
		}
	}

	for i := range techs {
		tech := &techs[i]
		row := TechnicianSummary{
			ID:     tech.ID,
			Name:   tech.Name,
			Status: tech.Status,
			Tasks:  byTech[tech.ID],
		}
		if row.Tasks == nil {
			row.Tasks = []TaskSummary{}
		}
		if tech.Position != nil {
			lat, lon := tech.Position.Latitude, tech.Position.Longitude
			row.Latitude, row.Longitude = &lat, &lon
		}
		if tech.TeamID != nil {
			if i, ok := teamIndex[*tech.TeamID]; ok {
				name := snap.Teams[i].Name
				row.Team = &name
				snap.Teams[i].TotalDrivers++
				if tech.Status == TechnicianAvailable {
					snap.Teams[i].ActiveDrivers++
				}
			}
		}
		snap.Technicians = append(snap.Technicians, row)
	}

	return snap, nil
}

// TechnicianMessages returns one snapshot message per technician, used to
// prime new subscribers of the technicians topic.
func (e *Engine) TechnicianMessages(ctx context.Context) ([]any, error) {
	techs, err := e.store.ListTechnicians(ctx, TechnicianFilter{})
	if err != nil {
		return nil, storeErr("technician snapshot", err)
	}
	msgs := make([]any, 0, len(techs))
	for i := range techs {
		msgs = append(msgs, NewTechnicianMessage(&techs[i], time.Time{}))
	}
	return msgs, nil
}

// TaskMessages returns one snapshot message per task, used to prime new
// subscribers of the task_updates topic.
func (e *Engine) TaskMessages(ctx context.Context) ([]any, error) {
	tasks, err := e.store.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return nil, storeErr("task snapshot", err)
	}
	names := make(map[int64]string)
	msgs := make([]any, 0, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		var user string
		if t.AssignedAccountID != nil {
			id := *t.AssignedAccountID
			name, ok := names[id]
			if !ok {
				name = e.username(ctx, &id)
				names[id] = name
			}
			user = name
		}
		msgs = append(msgs, NewTaskUpdateMessage(t, user, ActionSnapshot))
	}
	return msgs, nil
}
