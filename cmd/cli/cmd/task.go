package cmd

import (
	"flowplane/pkg/api"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and control tasks",
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [task_id]",
	Short: "Get status of a task",
	Long:  `Retrieve detailed status for a task, including its current state (queued, running, completed, failed, canceled), attempt count and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !requireToken(cmd) {
			return
		}

		task, err := apiClient().GetTask(cmd.Context(), args[0])
		if err != nil {
			printAPIError(cmd, err)
			return
		}

		printTask(cmd, task)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task_id]",
	Short: "Cancel a task",
	Long: `Cancel a queued or running task. A running attempt learns of the
cancellation on its next heartbeat; its outputs will not be committed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !requireToken(cmd) {
			return
		}

		if err := apiClient().CancelTask(cmd.Context(), args[0]); err != nil {
			printAPIError(cmd, err)
			return
		}

		cmd.Printf("✓ Task %s canceled\n", args[0])
	},
}

func printTask(cmd *cobra.Command, task *api.TaskResponse) {
	icon := statusIcon(task.Status)
	cmd.Printf("%s %sTask Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, task.ID)
	cmd.Printf("%sJob:%s         %s\n", colorDim, colorReset, task.JobID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(task.Status))
	cmd.Printf("%sAttempt:%s     %d\n", colorDim, colorReset, task.Attempt)

	if task.WorkerID != nil {
		cmd.Printf("%sWorker:%s      %s\n", colorDim, colorReset, *task.WorkerID)
	}
	if task.LeaseExpiresAt != nil {
		cmd.Printf("%sLease until:%s %s\n", colorDim, colorReset, formatTimeWithRelative(task.LeaseExpiresAt))
	}
	if task.NextRetryAt != nil {
		cmd.Printf("%sNext retry:%s  %s\n", colorDim, colorReset, task.NextRetryAt.Format("Mon, 02 Jan 2006 15:04:05 MST"))
	}
	if task.Error != nil {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, *task.Error, colorReset)
	}

	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&task.CreatedAt))
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(task.StartedAt))

	if task.StartedAt != nil && task.CompletedAt != nil {
		duration := task.CompletedAt.Sub(*task.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(task.CompletedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(task.CompletedAt))
	}
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskCancelCmd)
}
