package cmd

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdindex/internal/output"
	"github.com/Aman-CERP/pdindex/internal/server"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long: `Show whether the server is reachable, the number of indexed
participants, and the sizes of the work queues.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())

			if !client.IsRunning(cmd.Context()) {
				if jsonOutput {
					return out.JSON(map[string]bool{"running": false})
				}
				out.Status("", "Server is not running")
				out.Status("", "Run 'pdindex serve' to start it")
				return nil
			}

			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return out.JSON(struct {
					Running bool `json:"running"`
					*server.Status
				}{true, status})
			}

			out.Success("Server is running")
			out.KeyValues(
				output.KV{Key: "Participants", Value: status.Participants},
				output.KV{Key: "Queued", Value: status.Queued},
				output.KV{Key: "Retrying", Value: status.ReIndex},
				output.KV{Key: "Dead", Value: status.Dead},
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newReIndexCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "List work items waiting for a retry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			items, err := client.ReIndexItems(cmd.Context())
			if err != nil {
				return err
			}
			printItems(output.New(cmd.OutOrStdout()), items, jsonOutput, false)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newDeadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Inspect and resubmit expired work items",
		Long: `Work items that kept failing until their retry window expired
are kept as dead items. They can be listed and queued again.`,
	}

	cmd.AddCommand(newDeadListCmd())
	cmd.AddCommand(newDeadResubmitCmd())

	return cmd
}

func newDeadListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead work items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			items, err := client.DeadItems(cmd.Context())
			if err != nil {
				return err
			}
			printItems(output.New(cmd.OutOrStdout()), items, jsonOutput, true)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newDeadResubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <participant-id>",
		Short: "Queue the dead items of a participant again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ids, err := client.Resubmit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			if len(ids) == 0 {
				out.Status("", "No dead items for "+args[0])
				return nil
			}
			out.Successf("Resubmitted %d item(s) for %s", len(ids), args[0])
			return nil
		},
	}
}

// printItems renders work items as a table, or as JSON.
func printItems(out *output.Writer, items []server.ItemView, jsonOutput, dead bool) {
	if jsonOutput {
		if items == nil {
			items = []server.ItemView{}
		}
		_ = out.JSON(items)
		return
	}

	headers := []string{"participant", "operation", "retries", "next retry", "expires"}
	if dead {
		headers = []string{"participant", "operation", "retries", "created", "dead since"}
	}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		row := []string{it.ParticipantID, it.Operation, strconv.Itoa(it.Retries)}
		if dead {
			deadAt := "-"
			if it.DeadAt != nil {
				deadAt = formatTime(*it.DeadAt)
			}
			row = append(row, formatTime(it.CreatedAt), deadAt)
		} else {
			row = append(row, formatTime(it.NextRetry), formatTime(it.ExpireAt))
		}
		rows = append(rows, row)
	}
	out.Table(headers, rows, "No items")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
