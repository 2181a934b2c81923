package cmd

import (
	"encoding/json"

	"flowplane/pkg/api"

	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs",
}

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Declare a new job",
	Long: `Declare a job: its operator, trust class, update strategy, retry and
lease parameters, and the dataset edges that wire it into the
dependency graph.

Trust classes:
  trusted-operator   runs directly on the worker host
  untrusted-bundle   runs inside a sandbox (container or pod)

Update strategies:
  replace   each commit becomes the dataset's new current version
  append    commits add deduplicated records to the dataset`,
	Run: func(cmd *cobra.Command, args []string) {
		if !requireToken(cmd) {
			return
		}

		name, _ := cmd.Flags().GetString("name")
		operator, _ := cmd.Flags().GetString("operator")
		if name == "" || operator == "" {
			cmd.Println("Error: --name and --operator are required")
			return
		}

		command, _ := cmd.Flags().GetStringSlice("command")
		trustClass, _ := cmd.Flags().GetString("trust-class")
		strategy, _ := cmd.Flags().GetString("update-strategy")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		leaseSecs, _ := cmd.Flags().GetInt("lease-duration")
		timeoutSecs, _ := cmd.Flags().GetInt("timeout")
		maxQueued, _ := cmd.Flags().GetInt("max-queued")
		inputs, _ := cmd.Flags().GetStringSlice("input")
		outputs, _ := cmd.Flags().GetStringSlice("output")

		result, err := apiClient().CreateJob(cmd.Context(), api.CreateJobRequest{
			Name:              name,
			Operator:          operator,
			Command:           command,
			TrustClass:        trustClass,
			UpdateStrategy:    strategy,
			MaxAttempts:       maxAttempts,
			LeaseDurationSecs: leaseSecs,
			TimeoutSecs:       timeoutSecs,
			MaxQueued:         maxQueued,
			InputDatasets:     inputs,
			OutputDatasets:    outputs,
		})
		if err != nil {
			printAPIError(cmd, err)
			return
		}

		cmd.Printf("✓ Job declared!\nID: %s\n", result.JobID)
	},
}

var jobTriggerCmd = &cobra.Command{
	Use:   "trigger [job_id]",
	Short: "Trigger a task for a job",
	Long: `Create a task for a job. With --dedupe-key, repeated triggers for the
same key return the existing task instead of creating a duplicate.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !requireToken(cmd) {
			return
		}

		req := api.TriggerJobRequest{}
		if key, _ := cmd.Flags().GetString("dedupe-key"); key != "" {
			req.DedupeKey = &key
		}
		payload, _ := cmd.Flags().GetString("payload")
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				cmd.Println("Error: --payload must be valid JSON")
				return
			}
			req.Payload = json.RawMessage(payload)
		}

		result, err := apiClient().TriggerJob(cmd.Context(), args[0], req)
		if err != nil {
			printAPIError(cmd, err)
			return
		}

		if result.Created {
			cmd.Printf("✓ Task created!\nID: %s\n", result.TaskID)
		} else {
			cmd.Printf("Task already exists for this dedupe key.\nID: %s\n", result.TaskID)
		}
		cmd.Printf("\nCheck status with:\n  flowctl task status %s\n", result.TaskID)
	},
}

func init() {
	jobCreateCmd.Flags().StringP("name", "n", "", "Name of the job (required)")
	jobCreateCmd.Flags().StringP("operator", "p", "", "Operator binary or image reference (required)")
	jobCreateCmd.Flags().StringSlice("command", nil, "Command arguments passed to the operator")
	jobCreateCmd.Flags().String("trust-class", "untrusted-bundle", "Trust class (trusted-operator or untrusted-bundle)")
	jobCreateCmd.Flags().String("update-strategy", "replace", "Dataset update strategy (replace or append)")
	jobCreateCmd.Flags().Int("max-attempts", 0, "Max attempts before a task fails permanently (default 3)")
	jobCreateCmd.Flags().Int("lease-duration", 0, "Lease duration in seconds")
	jobCreateCmd.Flags().Int("timeout", 0, "Execution timeout in seconds")
	jobCreateCmd.Flags().Int("max-queued", 0, "Max queued tasks before triggers are rejected")
	jobCreateCmd.Flags().StringSliceP("input", "i", nil, "Input dataset ID (repeatable)")
	jobCreateCmd.Flags().StringSliceP("output", "o", nil, "Output dataset ID (repeatable)")

	jobTriggerCmd.Flags().StringP("dedupe-key", "k", "", "Idempotency key for the trigger")
	jobTriggerCmd.Flags().String("payload", "", "JSON payload passed to the task")

	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobCreateCmd)
	jobCmd.AddCommand(jobTriggerCmd)
}
