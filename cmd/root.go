/* cmd/root.go */

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/cli"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/logger"
)

// RootCmd is the base command for hermes.
var RootCmd = &cobra.Command{
	Use:   "hermes",
	Short: "Directory synchronization engine",
	Long: `Hermes keeps downstream tools (Grafana, Mattermost, ...) in step with an
LDAP directory: it discovers users and groups, previews the changes each
tool needs, and applies them under an audit trail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// RegisterCommands adds all subcommands to the root command.
func RegisterCommands() {
	for _, sub := range []*cobra.Command{
		serveCmd,
		discoverCmd,
		testConnectionCmd,
		syncCmd,
		importCmd,
	} {
		RootCmd.AddCommand(sub)
	}
}

// Execute runs the root command and exits with a code describing the
// failure class: 0 success, 1 engine failure, 2 operator error.
func Execute() {
	defer logger.Sync()

	RegisterCommands()

	if err := RootCmd.Execute(); err != nil {
		if cli.IsUserError(err) {
			logger.L().Warn("Command completed with user error", zap.Error(err))
		} else {
			logger.L().Error("Command failed", zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
