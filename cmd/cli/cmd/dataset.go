package cmd

import (
	"fmt"
	"text/tabwriter"

	"flowplane/pkg/api"

	"github.com/spf13/cobra"
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Manage datasets",
}

var datasetCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new dataset",
	Long:  `Register a named dataset. Jobs reference datasets by ID when declaring their input and output edges.`,
	Run: func(cmd *cobra.Command, args []string) {
		if !requireToken(cmd) {
			return
		}

		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			cmd.Println("Error: --name is required")
			return
		}

		result, err := apiClient().CreateDataset(cmd.Context(), api.CreateDatasetRequest{Name: name})
		if err != nil {
			printAPIError(cmd, err)
			return
		}

		cmd.Printf("✓ Dataset registered!\nID: %s\n", result.DatasetID)
	},
}

var datasetGetCmd = &cobra.Command{
	Use:   "get [dataset_id]",
	Short: "Show a dataset and its current version",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !requireToken(cmd) {
			return
		}

		dataset, err := apiClient().GetDataset(cmd.Context(), args[0])
		if err != nil {
			printAPIError(cmd, err)
			return
		}

		cmd.Printf("%sID:%s              %s\n", colorDim, colorReset, dataset.ID)
		cmd.Printf("%sName:%s            %s\n", colorDim, colorReset, dataset.Name)
		if dataset.CurrentVersionID != nil {
			cmd.Printf("%sCurrent version:%s %s\n", colorDim, colorReset, *dataset.CurrentVersionID)
		} else {
			cmd.Printf("%sCurrent version:%s -\n", colorDim, colorReset)
		}
	},
}

var datasetVersionsCmd = &cobra.Command{
	Use:   "versions [dataset_id]",
	Short: "List committed versions of a dataset",
	Long:  `List the committed versions of a dataset, newest first. Each version records the producing task attempt and the storage location of the data.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !requireToken(cmd) {
			return
		}

		versions, err := apiClient().ListVersions(cmd.Context(), args[0])
		if err != nil {
			printAPIError(cmd, err)
			return
		}

		if len(versions) == 0 {
			cmd.Println("No committed versions yet")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "VERSION ID\tTASK\tATTEMPT\tLOCATION\tCOMMITTED")
		for _, v := range versions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s ago\n",
				v.ID,
				v.TaskID,
				v.Attempt,
				v.StorageLocation,
				relativeTime(v.CreatedAt),
			)
		}
		w.Flush()
	},
}

var datasetPurgeVersionCmd = &cobra.Command{
	Use:   "purge-version [dataset_id] [version_id]",
	Short: "Remove a superseded dataset version",
	Long: `Delete a superseded version and its audit trail. The current version
of a dataset cannot be purged.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if !requireToken(cmd) {
			return
		}

		if err := apiClient().PurgeVersion(cmd.Context(), args[0], args[1]); err != nil {
			printAPIError(cmd, err)
			return
		}

		cmd.Printf("✓ Version %s purged\n", args[1])
	},
}

func init() {
	datasetCreateCmd.Flags().StringP("name", "n", "", "Name of the dataset (required)")

	rootCmd.AddCommand(datasetCmd)
	datasetCmd.AddCommand(datasetCreateCmd)
	datasetCmd.AddCommand(datasetGetCmd)
	datasetCmd.AddCommand(datasetVersionsCmd)
	datasetCmd.AddCommand(datasetPurgeVersionCmd)
}
