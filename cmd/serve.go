/* cmd/serve.go */

package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/adapter"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/cli"
)

var serveEphemeral bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine until interrupted",
	Long: `Serve opens the store, registers the tool adapters, starts the cron
scheduler for every enabled tool config that has a schedule, and keeps the
job pool available until SIGINT or SIGTERM. Scheduled jobs run as full syncs
of both users and groups.`,
	RunE: cli.Wrap(func(rc *cli.RuntimeContext, cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(rc, serveEphemeral)
		if err != nil {
			return err
		}
		defer rt.Close()

		configs, err := rt.Orchestrator.ListToolConfigs(rc.Ctx)
		if err != nil {
			return err
		}
		if err := rt.Scheduler.Start(rc.Ctx, configs); err != nil {
			rc.Log.Warn("Some schedules failed to register", zap.Error(err))
		}

		rc.Log.Info("Sync engine ready",
			zap.Int("tool_configs", len(configs)),
			zap.Int("scheduled", len(rt.Scheduler.Scheduled())),
			zap.Strings("adapters", adapter.Registered()),
			zap.Bool("scheduler_enabled", rc.Settings.SchedulerEnabled))

		<-rc.Ctx.Done()

		rc.Log.Info("Shutting down sync engine")
		return nil
	}),
}

func init() {
	serveCmd.Flags().BoolVar(&serveEphemeral, "ephemeral", false,
		"run against an in-memory store instead of Postgres")
}
