package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/btouchard/dispatchboard/internal/dispatch"
)

// EventTaskAssigned is sent when a task is assigned to a technician.
const EventTaskAssigned = "task.assigned"

// Event represents a dispatch notification.
type Event struct {
	Type           string
	TaskID         int64
	TaskTitle      string
	Address        string
	TechnicianName string
	Username       string
	Email          string
	ScheduledTime  time.Time
}

// Notifier delivers one event to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Hub dispatches events to multiple notifiers through a bounded pool.
// It implements dispatch.Notifier.
type Hub struct {
	pool      *Pool
	notifiers []Notifier
}

var _ dispatch.Notifier = (*Hub)(nil)

// NewHub creates a Hub running deliveries on pool.
func NewHub(pool *Pool, notifiers ...Notifier) *Hub {
	return &Hub{pool: pool, notifiers: notifiers}
}

// Register adds a notifier. It must be called before the hub receives
// its first event.
func (h *Hub) Register(n Notifier) {
	h.notifiers = append(h.notifiers, n)
}

// Notify hands event to every notifier. Failures are logged, never
// returned.
func (h *Hub) Notify(event Event) {
	for _, n := range h.notifiers {
		ok := h.pool.Submit(func(ctx context.Context) {
			if err := n.Notify(ctx, event); err != nil {
				slog.Warn("notification failed",
					"notifier", n.Name(),
					"type", event.Type,
					"task_id", event.TaskID,
					"error", err)
				return
			}
			slog.Debug("notification sent",
				"notifier", n.Name(),
				"type", event.Type,
				"task_id", event.TaskID)
		})
		if !ok {
			slog.Warn("notification dropped, queue full",
				"notifier", n.Name(),
				"type", event.Type,
				"task_id", event.TaskID)
		}
	}
}

// TaskAssigned turns an engine assignment notice into an event.
func (h *Hub) TaskAssigned(a dispatch.AssignmentNotice) {
	h.Notify(Event{
		Type:           EventTaskAssigned,
		TaskID:         a.TaskID,
		TaskTitle:      a.TaskTitle,
		Address:        a.Address,
		TechnicianName: a.TechnicianName,
		Username:       a.Username,
		Email:          a.Email,
		ScheduledTime:  a.ScheduledTime,
	})
}
