package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/amberlight-labs/haven/internal/ledger"
	"github.com/amberlight-labs/haven/internal/recommend"
	"github.com/amberlight-labs/haven/internal/schedule"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Prefs  PrefService
	Ledger LedgerService
	Sched  SchedulerService
	UserID string
}

// NewMCPServer creates an MCP server with all haven tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"haven",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("haven tracks daily wellness check-ins, suggests activities, and manages the check-in schedule."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("save_check_in",
			mcp.WithDescription("Record today's wellness check-in with its emotional tone, intensity, and summary."),
			mcp.WithString("tone", mcp.Description("Emotional tone: positive, neutral, or negative"), mcp.Required()),
			mcp.WithString("summary", mcp.Description("Short summary of how the user is feeling"), mcp.Required()),
			mcp.WithNumber("intensity", mcp.Description("Emotional intensity from 1 to 10 (default 5)")),
			mcp.WithArray("recommendations", mcp.Description("Recommendations given; derived from tone and intensity when omitted")),
		),
		mcpSaveCheckIn(deps),
	)

	s.AddTool(
		mcp.NewTool("get_check_in_history",
			mcp.WithDescription("Return recent check-ins, most recent day first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of check-ins (default 7, max 30)")),
		),
		mcpCheckInHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("get_recommendations",
			mcp.WithDescription("Return the wellness recommendations for a given tone and intensity."),
			mcp.WithString("tone", mcp.Description("Emotional tone: positive, neutral, or negative"), mcp.Required()),
			mcp.WithNumber("intensity", mcp.Description("Emotional intensity from 1 to 10 (default 5)")),
		),
		mcpRecommendations(deps),
	)

	s.AddTool(
		mcp.NewTool("update_agent_name",
			mcp.WithDescription("Change the name the assistant uses for itself."),
			mcp.WithString("name", mcp.Description("New agent name"), mcp.Required()),
		),
		mcpUpdateAgentName(deps),
	)

	s.AddTool(
		mcp.NewTool("update_model_provider",
			mcp.WithDescription("Switch the model provider used for tone analysis."),
			mcp.WithString("provider", mcp.Description("One of: workers-ai, openai, anthropic, google"), mcp.Required()),
		),
		mcpUpdateModelProvider(deps),
	)

	s.AddTool(
		mcp.NewTool("schedule_task",
			mcp.WithDescription("Schedule a task. Provide exactly one of at, after_seconds, or cron."),
			mcp.WithString("at", mcp.Description("Absolute trigger time, RFC 3339")),
			mcp.WithNumber("after_seconds", mcp.Description("Relative delay in seconds")),
			mcp.WithString("cron", mcp.Description("Standard 5-field cron expression")),
			mcp.WithString("description", mcp.Description("What the task is for")),
		),
		mcpScheduleTask(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a scheduled task by ID."),
			mcp.WithString("id", mcp.Description("Task ID returned by schedule_task"), mcp.Required()),
		),
		mcpCancelTask(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List the scheduled tasks."),
		),
		mcpListTasks(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"user://preferences",
			"User Preferences",
			mcp.WithResourceDescription("Current preferences as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePreferences(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"user://recent-check-ins",
			"Recent Check-Ins",
			mcp.WithResourceDescription("Last 7 check-ins as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentCheckIns(deps),
	)

	return s
}

func mcpSaveCheckIn(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tone, err := req.RequireString("tone")
		if err != nil {
			return mcpError("tone is required"), nil
		}
		summary, err := req.RequireString("summary")
		if err != nil {
			return mcpError("summary is required"), nil
		}
		intensity := req.GetInt("intensity", 5)

		recs := req.GetStringSlice("recommendations", nil)
		if recs == nil {
			recs = recommend.Select(ledger.NormalizeTone(tone), intensity)
		}

		rec, err := deps.Ledger.UpsertCheckIn(deps.UserID, tone, summary, intensity, recs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save check-in: %v", err)), nil
		}

		b, err := json.Marshal(toCheckInResponse(rec))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal check-in: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCheckInHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 7)

		records, err := deps.Ledger.History(deps.UserID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load history: %v", err)), nil
		}

		if len(records) == 0 {
			return mcpText("[]"), nil
		}

		out := make([]checkInResponse, len(records))
		for i, rec := range records {
			out[i] = toCheckInResponse(rec)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecommendations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tone, err := req.RequireString("tone")
		if err != nil {
			return mcpError("tone is required"), nil
		}
		intensity := req.GetInt("intensity", 5)

		recs := recommend.Select(ledger.NormalizeTone(tone), intensity)
		b, err := json.Marshal(recs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal recommendations: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpUpdateAgentName(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		if err := deps.Prefs.UpdateAgentName(deps.UserID, name); err != nil {
			return mcpError(fmt.Sprintf("failed to update agent name: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Agent name set to %s", name)), nil
	}
}

func mcpUpdateModelProvider(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		provider, err := req.RequireString("provider")
		if err != nil {
			return mcpError("provider is required"), nil
		}
		if err := deps.Prefs.UpdateModelProvider(deps.UserID, provider); err != nil {
			return mcpError(fmt.Sprintf("failed to update model provider: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Model provider set to %s", provider)), nil
	}
}

func mcpScheduleTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var t schedule.Trigger
		if at := req.GetString("at", ""); at != "" {
			parsed, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return mcpError(fmt.Sprintf("at must be RFC 3339: %v", err)), nil
			}
			t.At = parsed
		}
		if secs := req.GetInt("after_seconds", 0); secs > 0 {
			t.After = time.Duration(secs) * time.Second
		}
		t.Cron = req.GetString("cron", "")
		description := req.GetString("description", "")

		id, err := deps.Sched.ScheduleOneOff(deps.UserID, t, schedule.DailyCheckInCallback, description)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to schedule task: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Scheduled task %s", id)), nil
	}
}

func mcpCancelTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Sched.Cancel(id); err != nil {
			return mcpError(fmt.Sprintf("failed to cancel task: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Canceled task %s", id)), nil
	}
}

func mcpListTasks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobs, err := deps.Sched.List(deps.UserID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list tasks: %v", err)), nil
		}

		if len(jobs) == 0 {
			return mcpText("[]"), nil
		}

		type taskResult struct {
			ID          string `json:"id"`
			Callback    string `json:"callback"`
			TriggerKind string `json:"trigger_kind"`
			TriggerSpec string `json:"trigger_spec"`
			Description string `json:"description,omitempty"`
		}
		results := make([]taskResult, len(jobs))
		for i, j := range jobs {
			results[i] = taskResult{
				ID:          j.ID,
				Callback:    j.Callback,
				TriggerKind: j.TriggerKind,
				TriggerSpec: j.TriggerSpec,
				Description: j.Description,
			}
		}
		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal tasks: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourcePreferences(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p := deps.Prefs.Snapshot(deps.UserID)
		b, err := json.Marshal(map[string]string{
			"agent_name":     p.AgentName,
			"model_provider": p.ModelProvider,
			"check_in_time":  p.CheckInTime,
			"timezone":       p.Timezone,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal preferences: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecentCheckIns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records, err := deps.Ledger.History(deps.UserID, 7)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}

		out := make([]checkInResponse, len(records))
		for i, rec := range records {
			out[i] = toCheckInResponse(rec)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal check-ins: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
