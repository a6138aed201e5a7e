package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/dispatchboard/internal/auth"
	"github.com/btouchard/dispatchboard/internal/dispatch"
)

// Engine is the command surface of the transition engine.
// Defined at the consumer side per Go convention.
type Engine interface {
	AssignTask(ctx context.Context, taskID, technicianID int64) (*dispatch.Task, error)
	StartTask(ctx context.Context, taskID, actor int64) (*dispatch.Task, error)
	CompleteTask(ctx context.Context, taskID, actor int64, result string) (*dispatch.Task, error)
	AddTask(ctx context.Context, in dispatch.AddTaskInput) (*dispatch.Task, error)
	UpdateTechnician(ctx context.Context, technicianID int64, patch dispatch.TechnicianPatch) (*dispatch.Technician, error)
	Snapshot(ctx context.Context) (*dispatch.DispatchSnapshot, error)
}

// AddTask returns a handler that creates a task.
func AddTask(e Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		in := dispatch.AddTaskInput{}
		in.Title, _ = args["title"].(string)
		in.Address, _ = args["address"].(string)
		in.RecipientName, _ = args["recipient_name"].(string)
		in.Priority, _ = args["priority"].(string)
		in.Status, _ = args["status"].(string)
		in.TaskType, _ = args["task_type"].(string)
		in.Description, _ = args["description"].(string)
		in.ScheduledDate, _ = args["scheduled_date"].(string)
		in.ScheduledTime, _ = args["scheduled_time"].(string)
		if v, ok := args["latitude"].(float64); ok {
			in.Latitude = &v
		}
		if v, ok := args["longitude"].(float64); ok {
			in.Longitude = &v
		}
		if v, ok := args["team_id"].(float64); ok && v > 0 {
			id := int64(v)
			in.TeamID = &id
		}

		t, err := e.AddTask(ctx, in)
		if err != nil {
			return toolError(err), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Task created\n\n")
		fmt.Fprintf(&b, "- ID: %d\n", t.ID)
		fmt.Fprintf(&b, "- Title: %s\n", t.Title)
		fmt.Fprintf(&b, "- Status: %s\n", t.Status)
		fmt.Fprintf(&b, "- Priority: %s\n", t.Priority)
		fmt.Fprintf(&b, "- Scheduled: %s\n", t.ScheduledTime.UTC().Format("2006-01-02 15:04"))
		fmt.Fprintf(&b, "\nUse assign_task with task_id %d to hand it to a technician.", t.ID)
		return mcp.NewToolResultText(b.String()), nil
	}
}

// AssignTask returns a handler that assigns an unassigned task.
func AssignTask(e Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		taskID, ok := idArg(args, "task_id")
		if !ok {
			return mcp.NewToolResultError("task_id is required"), nil
		}
		techID, ok := idArg(args, "technician_id")
		if !ok {
			return mcp.NewToolResultError("technician_id is required"), nil
		}

		t, err := e.AssignTask(ctx, taskID, techID)
		if err != nil {
			return toolError(err), nil
		}
		return transitioned(t), nil
	}
}

// StartTask returns a handler that moves an assigned task in transit on
// behalf of the calling actor.
func StartTask(e Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, ok := idArg(req.GetArguments(), "task_id")
		if !ok {
			return mcp.NewToolResultError("task_id is required"), nil
		}
		actor, ok := auth.ActorFrom(ctx)
		if !ok {
			return mcp.NewToolResultError("start_task requires an authenticated technician"), nil
		}

		t, err := e.StartTask(ctx, taskID, actor)
		if err != nil {
			return toolError(err), nil
		}
		return transitioned(t), nil
	}
}

// CompleteTask returns a handler that finishes an in-transit task.
func CompleteTask(e Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		taskID, ok := idArg(args, "task_id")
		if !ok {
			return mcp.NewToolResultError("task_id is required"), nil
		}
		result, _ := args["result"].(string)
		actor, ok := auth.ActorFrom(ctx)
		if !ok {
			return mcp.NewToolResultError("complete_task requires an authenticated technician"), nil
		}

		t, err := e.CompleteTask(ctx, taskID, actor, result)
		if err != nil {
			return toolError(err), nil
		}
		return transitioned(t), nil
	}
}

func transitioned(t *dispatch.Task) *mcp.CallToolResult {
	return mcp.NewToolResultText(fmt.Sprintf("Task %d is now %s", t.ID, t.Status))
}

// toolError renders an engine failure with its kind so the client can
// tell a refused transition from an outage. Outage details stay in the log.
func toolError(err error) *mcp.CallToolResult {
	kind := dispatch.KindOf(err)
	if kind == dispatch.KindUnavailable {
		slog.Error("tool call failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("%s: service unavailable", kind))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", kind, err))
}

// idArg reads a positive integer argument. JSON numbers arrive as float64.
func idArg(args map[string]any, key string) (int64, bool) {
	v, ok := args[key].(float64)
	if !ok || v <= 0 || v != float64(int64(v)) {
		return 0, false
	}
	return int64(v), true
}
