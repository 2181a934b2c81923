package cmd

import (
	"flowplane/pkg/api"

	"github.com/spf13/cobra"
)

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Manage organizations",
}

var orgCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new organization",
	Long: `Create a new organization and receive its API key.

The raw API key is printed exactly once. Store it somewhere safe; only
its hash is kept server-side.`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			cmd.Println("Error: --name is required")
			return
		}

		result, err := apiClient().CreateOrg(cmd.Context(), api.CreateOrgRequest{Name: name})
		if err != nil {
			printAPIError(cmd, err)
			return
		}

		cmd.Printf("✓ Org created!\nID: %s\nName: %s\n\nAPI key (shown once):\n%s\n", result.ID, result.Name, result.APIKey)
	},
}

func init() {
	orgCreateCmd.Flags().StringP("name", "n", "", "Name of the organization (required)")

	rootCmd.AddCommand(orgCmd)
	orgCmd.AddCommand(orgCreateCmd)
}
