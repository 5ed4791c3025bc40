package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/macrea/crmbatch/internal/api/v1/routes"
	"github.com/macrea/crmbatch/pkg/api/v1/client"
)

// flag names
const (
	flagServerAddress = "server-address"
	flagTenantID      = "tenant-id"
	flagUserID        = "user-id"
)

// environment variable names
const (
	envServerAddress = "CRMBATCH_SERVER_ADDRESS"
	envTenantID      = "CRMBATCH_TENANT_ID"
)

var (
	// apiClient is the shared API client instance
	apiClient client.Client
	// serverAddress holds the target API server address. Flag parsing sets this.
	serverAddress string
	// tenantID scopes every request; all batch job routes are tenant-scoped.
	tenantID string
	// userID identifies the acting user for approval audit trails
	userID string
)

// initClient initializes the API client
func initClient() error {
	var err error
	opts := client.DefaultOptions()
	opts.BaseURL = serverAddress
	opts.TenantID = tenantID
	opts.UserID = userID

	apiClient, err = client.NewClient(opts)
	return err
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&serverAddress, flagServerAddress, "s", routes.DefaultBaseURL, "Address of the batch jobs API server (env: CRMBATCH_SERVER_ADDRESS)")
	RootCmd.PersistentFlags().StringVarP(&tenantID, flagTenantID, "t", "", "Tenant ID scoping all requests (env: CRMBATCH_TENANT_ID)")
	RootCmd.PersistentFlags().StringVarP(&userID, flagUserID, "u", "", "Acting user ID, recorded on approvals")

	RootCmd.AddCommand(GetJobsCmd())
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "crmbatch",
	Short: "crmbatch CLI - A command line interface for the batch jobs API",
	Long: `crmbatch CLI is a command line tool for submitting and tracking bulk CRM
operations (CSV imports, bulk updates, bulk deletes) through the batch jobs API.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// Flag > env var > default for the server address.
		if !cmd.Flags().Changed(flagServerAddress) {
			if envAddr := os.Getenv(envServerAddress); envAddr != "" {
				serverAddress = envAddr
			}
		}
		if !cmd.Flags().Changed(flagTenantID) {
			if envTenant := os.Getenv(envTenantID); envTenant != "" {
				tenantID = envTenant
			}
		}

		if serverAddress == "" {
			return fmt.Errorf("server address cannot be empty")
		}
		if tenantID == "" {
			return fmt.Errorf("tenant id is required (--%s or %s)", flagTenantID, envTenantID)
		}
		return initClient()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return RootCmd.Execute()
}
