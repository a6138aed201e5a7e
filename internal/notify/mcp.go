package notify

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MCPSender abstracts the mcp-go server notification methods.
// Defined consumer-side per Go convention.
type MCPSender interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

// MCPNotifier pushes dispatch events to connected MCP clients as log
// messages. Repeated events for the same task inside the debounce window
// are collapsed.
type MCPNotifier struct {
	sender   MCPSender
	debounce time.Duration

	now func() time.Time

	mu       sync.Mutex
	lastSent map[int64]time.Time
	sweep    time.Time
}

// NewMCPNotifier creates an MCPNotifier with the given debounce interval.
func NewMCPNotifier(sender MCPSender, debounce time.Duration) *MCPNotifier {
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	return &MCPNotifier{
		sender:   sender,
		debounce: debounce,
		now:      time.Now,
		lastSent: make(map[int64]time.Time),
	}
}

func (n *MCPNotifier) Name() string { return "mcp" }

// Notify sends a notifications/message for event.
func (n *MCPNotifier) Notify(_ context.Context, event Event) error {
	now := n.now()

	n.mu.Lock()
	if now.Sub(n.sweep) > n.debounce {
		for id, last := range n.lastSent {
			if now.Sub(last) >= n.debounce {
				delete(n.lastSent, id)
			}
		}
		n.sweep = now
	}
	key := event.TaskID
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.debounce {
		n.mu.Unlock()
		return nil
	}
	n.lastSent[key] = now
	n.mu.Unlock()

	n.sender.SendNotificationToAllClients("notifications/message", map[string]any{
		"level":  "info",
		"logger": "dispatchboard",
		"data": map[string]any{
			"type":       event.Type,
			"task_id":    event.TaskID,
			"technician": event.TechnicianName,
			"message":    fmt.Sprintf("task %d assigned to %s", event.TaskID, event.Username),
		},
	})
	return nil
}
