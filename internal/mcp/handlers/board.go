package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/dispatchboard/internal/dispatch"
)

// DispatchSnapshot returns a handler that summarizes the whole board.
func DispatchSnapshot(e Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap, err := e.Snapshot(ctx)
		if err != nil {
			return toolError(err), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Teams (%d)\n", len(snap.Teams))
		for _, tm := range snap.Teams {
			fmt.Fprintf(&sb, "- %s: %d/%d drivers available, %d unassigned tasks\n",
				tm.Name, tm.ActiveDrivers, tm.TotalDrivers, tm.UnassignedTasks)
		}

		fmt.Fprintf(&sb, "\nTechnicians (%d)\n", len(snap.Technicians))
		for _, t := range snap.Technicians {
			fmt.Fprintf(&sb, "- #%d %s [%s]", t.ID, t.Name, t.Status)
			if t.Latitude != nil && t.Longitude != nil {
				fmt.Fprintf(&sb, " at %.6f,%.6f", *t.Latitude, *t.Longitude)
			}
			if len(t.Tasks) > 0 {
				fmt.Fprintf(&sb, ", %d tasks", len(t.Tasks))
			}
			sb.WriteString("\n")
		}

		sb.WriteString("\nTasks\n")
		for _, s := range dispatch.TaskStatuses {
			tasks := snap.TasksByStatus[s]
			fmt.Fprintf(&sb, "%s (%d)\n", s, len(tasks))
			for _, t := range tasks {
				fmt.Fprintf(&sb, "  - #%d %s [%s] %s", t.ID, t.Title, t.Priority, t.Address)
				if t.ScheduledTime != nil {
					fmt.Fprintf(&sb, " @ %s", *t.ScheduledTime)
				}
				sb.WriteString("\n")
			}
		}

		return mcp.NewToolResultText(sb.String()), nil
	}
}

// UpdateTechnicianLocation returns a handler that moves a technician
// and/or changes their status.
func UpdateTechnicianLocation(e Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		techID, ok := idArg(args, "technician_id")
		if !ok {
			return mcp.NewToolResultError("technician_id is required"), nil
		}

		var patch dispatch.TechnicianPatch
		lat, hasLat := args["latitude"].(float64)
		lon, hasLon := args["longitude"].(float64)
		switch {
		case hasLat && hasLon:
			pos, err := dispatch.NewPosition(lat, lon)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			patch.Position = &pos
		case hasLat || hasLon:
			return mcp.NewToolResultError("latitude and longitude must be sent together"), nil
		}
		if s, ok := args["status"].(string); ok && s != "" {
			st := dispatch.TechnicianStatus(s)
			patch.Status = &st
		}

		tech, err := e.UpdateTechnician(ctx, techID, patch)
		if err != nil {
			return toolError(err), nil
		}

		msg := fmt.Sprintf("Technician %s is %s", tech.Name, tech.Status)
		if tech.Position != nil {
			msg += fmt.Sprintf(" at %.6f,%.6f", tech.Position.Latitude, tech.Position.Longitude)
		}
		return mcp.NewToolResultText(msg), nil
	}
}
