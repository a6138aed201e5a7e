package dispatch

import "time"

// Broadcast topics.
const (
	TopicTechnicians = "technicians"
	TopicTaskUpdates = "task_updates"
)

// Message type discriminators carried in the "type" field.
const (
	MessageLocationUpdate = "location_update"
	MessageTaskUpdate     = "task_update"
)

// Task update actions.
const (
	ActionSnapshot = "snapshot"
	ActionCreate   = "create"
	ActionUpdate   = "update"
)

// Publisher fans a message out to every subscriber of a topic.
// Implementations must not call back into the Engine.
type Publisher interface {
	Publish(topic string, msg any) error
}

// TechnicianMessage is the wire form of a technician on the technicians
// topic. Timestamp is empty for snapshot messages.
type TechnicianMessage struct {
	Type      string           `json:"type"`
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	Status    TechnicianStatus `json:"status"`
	Latitude  *float64         `json:"latitude"`
	Longitude *float64         `json:"longitude"`
	Timestamp string           `json:"timestamp,omitempty"`
}

// NewTechnicianMessage renders t. A zero at leaves the timestamp out.
func NewTechnicianMessage(t *Technician, at time.Time) TechnicianMessage {
	msg := TechnicianMessage{
		Type:   MessageLocationUpdate,
		ID:     t.ID,
		Name:   t.Name,
		Status: t.Status,
	}
	if t.Position != nil {
		lat, lon := t.Position.Latitude, t.Position.Longitude
		msg.Latitude = &lat
		msg.Longitude = &lon
	}
	if !at.IsZero() {
		msg.Timestamp = at.UTC().Format(time.RFC3339Nano)
	}
	return msg
}

// TaskUpdateMessage is the wire form of a task on the task_updates topic.
type TaskUpdateMessage struct {
	Type          string     `json:"type"`
	TaskID        int64      `json:"task_id"`
	Status        TaskStatus `json:"status"`
	AssignedTo    *string    `json:"assigned_to"`
	Action        string     `json:"action"`
	Latitude      *float64   `json:"latitude"`
	Longitude     *float64   `json:"longitude"`
	RecipientName string     `json:"recipient_name"`
	Address       string     `json:"address"`
	Priority      Priority   `json:"priority"`
	ScheduledTime *string    `json:"scheduled_time"`
}

// NewTaskUpdateMessage renders t. assignedTo is the username of the
// assigned account, empty when unassigned.
func NewTaskUpdateMessage(t *Task, assignedTo, action string) TaskUpdateMessage {
	msg := TaskUpdateMessage{
		Type:          MessageTaskUpdate,
		TaskID:        t.ID,
		Status:        t.Status,
		Action:        action,
		RecipientName: t.RecipientName,
		Address:       t.Address,
		Priority:      t.Priority,
	}
	if assignedTo != "" {
		msg.AssignedTo = &assignedTo
	}
	if t.Position != nil {
		lat, lon := t.Position.Latitude, t.Position.Longitude
		msg.Latitude = &lat
		msg.Longitude = &lon
	}
	if !t.ScheduledTime.IsZero() {
		s := t.ScheduledTime.UTC().Format(time.RFC3339)
		msg.ScheduledTime = &s
	}
	return msg
}
