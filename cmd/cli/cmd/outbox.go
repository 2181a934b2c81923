package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Manage undeliverable outbox entries",
	Long:  `Inspect and retry outbox entries that stopped being retried after exhausting their delivery attempts.`,
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List visibly failed outbox entries",
	Run: func(cmd *cobra.Command, args []string) {
		if !requireToken(cmd) {
			return
		}

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := apiClient().ListFailedOutbox(cmd.Context(), limit)
		if err != nil {
			printAPIError(cmd, err)
			return
		}

		if len(entries) == 0 {
			cmd.Println("No failed outbox entries.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tCREATED AT\tLAST ERROR")
		for _, e := range entries {
			errMsg := ""
			if e.LastError != nil {
				// Truncate long error messages for the table view
				errMsg = *e.LastError
				if len(errMsg) > 50 {
					errMsg = errMsg[:47] + "..."
				}
			}

			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
				e.ID,
				e.Kind,
				e.Attempts,
				e.CreatedAt.Format(time.RFC3339),
				errMsg,
			)
		}
		w.Flush()
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry [entry_id]",
	Short: "Re-admit a failed outbox entry for delivery",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !requireToken(cmd) {
			return
		}

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			cmd.Printf("Error: invalid entry id %q\n", args[0])
			return
		}

		if err := apiClient().RetryOutbox(cmd.Context(), id); err != nil {
			printAPIError(cmd, err)
			return
		}

		cmd.Printf("✓ Outbox entry %d queued for delivery\n", id)
	},
}

func init() {
	rootCmd.AddCommand(outboxCmd)
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxRetryCmd)

	outboxListCmd.Flags().IntP("limit", "l", 50, "Number of entries to list")
}
