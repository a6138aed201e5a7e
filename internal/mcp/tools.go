package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/dispatchboard/internal/mcp/handlers"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	// dispatch_snapshot: Read-only view of the board
	s.AddTool(
		mcp.NewTool("dispatch_snapshot",
			mcp.WithDescription("Show teams, technicians with their position and status, and tasks grouped by status."),
		),
		handlers.DispatchSnapshot(deps.Engine),
	)

	// add_task: Create a task
	s.AddTool(
		mcp.NewTool("add_task",
			mcp.WithDescription("Create a new task. Scheduled date and time default to now when either is omitted."),
			mcp.WithString("title",
				mcp.Description("Short title (default: New Task)"),
			),
			mcp.WithString("address",
				mcp.Description("Street address of the job"),
			),
			mcp.WithString("recipient_name",
				mcp.Description("Who the task is for"),
			),
			mcp.WithString("priority",
				mcp.Description("Display priority"),
				mcp.Enum("blue", "purple", "green", "yellow", "red"),
			),
			mcp.WithString("task_type",
				mcp.Description("Kind of work"),
				mcp.Enum("delivery", "maintenance", "inspection"),
			),
			mcp.WithString("status",
				mcp.Description("Initial status; new tasks always start unassigned"),
				mcp.Enum("unassigned"),
			),
			mcp.WithString("description",
				mcp.Description("Free-text details"),
			),
			mcp.WithNumber("team_id",
				mcp.Description("Owning team"),
			),
			mcp.WithNumber("latitude",
				mcp.Description("Latitude in degrees, -90 to 90"),
			),
			mcp.WithNumber("longitude",
				mcp.Description("Longitude in degrees, -180 to 180"),
			),
			mcp.WithString("scheduled_date",
				mcp.Description("Date as YYYY-MM-DD"),
			),
			mcp.WithString("scheduled_time",
				mcp.Description("Time as HH:MM (UTC)"),
			),
		),
		handlers.AddTask(deps.Engine),
	)

	// assign_task: Hand an unassigned task to a technician
	s.AddTool(
		mcp.NewTool("assign_task",
			mcp.WithDescription("Assign an unassigned task to a technician. The technician is notified by email."),
			mcp.WithNumber("task_id",
				mcp.Required(),
				mcp.Description("Task to assign"),
			),
			mcp.WithNumber("technician_id",
				mcp.Required(),
				mcp.Description("Technician receiving the task"),
			),
		),
		handlers.AssignTask(deps.Engine),
	)

	// start_task: Assigned technician sets off
	s.AddTool(
		mcp.NewTool("start_task",
			mcp.WithDescription("Move an assigned task in transit. Only the assigned technician may start it."),
			mcp.WithNumber("task_id",
				mcp.Required(),
				mcp.Description("Task to start"),
			),
		),
		handlers.StartTask(deps.Engine),
	)

	// complete_task: Close an in-transit task
	s.AddTool(
		mcp.NewTool("complete_task",
			mcp.WithDescription("Finish an in-transit task. Only the assigned technician may complete it."),
			mcp.WithNumber("task_id",
				mcp.Required(),
				mcp.Description("Task to complete"),
			),
			mcp.WithString("result",
				mcp.Required(),
				mcp.Description("Outcome of the task"),
				mcp.Enum("succeeded", "failed"),
			),
		),
		handlers.CompleteTask(deps.Engine),
	)

	// update_technician_location: Move a technician or change their status
	s.AddTool(
		mcp.NewTool("update_technician_location",
			mcp.WithDescription("Update a technician's position and/or duty status. Connected boards see the change immediately."),
			mcp.WithNumber("technician_id",
				mcp.Required(),
				mcp.Description("Technician to update"),
			),
			mcp.WithNumber("latitude",
				mcp.Description("Latitude in degrees; send together with longitude"),
			),
			mcp.WithNumber("longitude",
				mcp.Description("Longitude in degrees; send together with latitude"),
			),
			mcp.WithString("status",
				mcp.Description("Duty status"),
				mcp.Enum("off_duty", "available", "on_mission"),
			),
		),
		handlers.UpdateTechnicianLocation(deps.Engine),
	)
}
