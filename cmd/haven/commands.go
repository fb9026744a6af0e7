package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// --- check-in ---

var checkInCmd = &cobra.Command{
	Use:   "check-in",
	Short: "Start a check-in cycle right now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/test-check-in", map[string]any{})
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Check-in started, reply with: haven send <message>")
		return nil
	},
}

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message to the assistant",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/internal/send-message", map[string]any{"message": message})
		if err != nil {
			return err
		}

		var result struct {
			CompletedCheckIn bool `json:"completed_check_in"`
			CheckIn          struct {
				Date            string   `json:"date"`
				Tone            string   `json:"tone"`
				Intensity       int      `json:"intensity"`
				Recommendations []string `json:"recommendations"`
			} `json:"check_in"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.CompletedCheckIn {
			printSuccess("Message recorded")
			return nil
		}

		printSuccess("Check-in recorded for %s (%s, intensity %d)",
			result.CheckIn.Date, result.CheckIn.Tone, result.CheckIn.Intensity)
		for i, r := range result.CheckIn.Recommendations {
			fmt.Printf("  %d. %s\n", i+1, r)
		}
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent check-ins",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/internal/history?limit=%d", limit))
		if err != nil {
			return err
		}

		var result struct {
			CheckIns []struct {
				Date      string `json:"date"`
				Tone      string `json:"tone"`
				Intensity int    `json:"intensity"`
				Summary   string `json:"summary"`
			} `json:"check_ins"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.CheckIns) == 0 {
			fmt.Println("No check-ins yet.")
			return nil
		}

		for _, c := range result.CheckIns {
			summary := c.Summary
			if len(summary) > 60 {
				summary = summary[:60] + "..."
			}
			fmt.Printf("%s  %s/%d  %s\n", colorize(colorCyan, c.Date), c.Tone, c.Intensity, summary)
		}
		return nil
	},
}

// --- prefs ---

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or update preferences",
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current preferences",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/internal/preferences")
		if err != nil {
			return err
		}

		var p map[string]string
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}

		printStatus("Agent name", "%s", p["agent_name"])
		printStatus("Model provider", "%s", p["model_provider"])
		printStatus("Check-in time", "%s", p["check_in_time"])
		printStatus("Timezone", "%s", p["timezone"])
		return nil
	},
}

// prefKeys maps the CLI key to its update endpoint and request field.
var prefKeys = map[string]struct {
	path  string
	field string
}{
	"name":     {"/internal/update-name", "name"},
	"provider": {"/internal/update-model-provider", "provider"},
	"time":     {"/internal/update-check-in-time", "time"},
	"timezone": {"/internal/update-timezone", "timezone"},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a preference (name, provider, time, timezone)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		target, ok := prefKeys[key]
		if !ok {
			return fmt.Errorf("unknown preference %q (expected name, provider, time, or timezone)", key)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), target.path, map[string]any{target.field: value})
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 7, "maximum number of check-ins to show")
	prefsCmd.AddCommand(prefsShowCmd)
	prefsCmd.AddCommand(prefsSetCmd)
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage scheduled tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/internal/tasks")
		if err != nil {
			return err
		}

		var result struct {
			Tasks []struct {
				ID          string `json:"id"`
				Callback    string `json:"callback"`
				TriggerKind string `json:"trigger_kind"`
				TriggerSpec string `json:"trigger_spec"`
				Description string `json:"description"`
			} `json:"tasks"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Tasks) == 0 {
			fmt.Println("No scheduled tasks.")
			return nil
		}

		for _, task := range result.Tasks {
			desc := task.Description
			if desc == "" {
				desc = task.Callback
			}
			fmt.Printf("%s  %s %s  %s\n",
				colorize(colorCyan, task.ID[:8]),
				task.TriggerKind, task.TriggerSpec, desc)
		}
		return nil
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/internal/tasks/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Canceled task %s", args[0])
		return nil
	},
}

func init() {
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
}
