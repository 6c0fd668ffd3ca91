/* cmd/sync.go */

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/adapter"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/cli"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/orchestrator"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/output"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Start, inspect, and preview tool sync jobs",
}

var (
	syncStartConfig  string
	syncStartScope   string
	syncStartType    string
	syncStartPreview bool
)

var syncStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a sync job and wait for it to finish",
	Long: `Start runs a sync job for the named tool config in this process: the job
id is printed as soon as it is accepted, then the command waits for the
terminal state and prints the outcome. Exit code 1 means the job failed.`,
	RunE: cli.Wrap(func(rc *cli.RuntimeContext, cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(rc, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		cfg, err := rt.Repo.GetToolConfigByName(rc.Ctx, syncStartConfig)
		if err != nil {
			return cerr.Wrapf(err, "tool config %q", syncStartConfig)
		}

		job, err := rt.Orchestrator.StartSyncJob(rc.Ctx, orchestrator.SyncRequest{
			ConfigID:    cfg.ID,
			Scope:       syncStartScope,
			Type:        syncStartType,
			Preview:     syncStartPreview,
			TriggeredBy: orchestrator.TriggerManual,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Job %s accepted: %s %s sync of %q\n", job.ID, job.Type, job.Scope, cfg.Name)

		done, err := rt.Orchestrator.WaitForJob(rc.Ctx, job.ID)
		if err != nil {
			return cerr.Wrapf(err, "wait for job %s", job.ID)
		}
		if perr := printJob(rc.Ctx, rt, done); perr != nil {
			return perr
		}
		if done.Status == store.JobStatusFailed {
			return cerr.Newf("sync job %s failed: %s", done.ID, done.Error)
		}
		return nil
	}),
}

var syncStatusJob string

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show one job or the overall engine status",
	RunE: cli.Wrap(func(rc *cli.RuntimeContext, cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(rc, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		if syncStatusJob != "" {
			job, err := rt.Orchestrator.GetSyncJob(rc.Ctx, syncStatusJob)
			if err != nil {
				return cerr.Wrapf(err, "sync job %q", syncStatusJob)
			}
			return printJob(rc.Ctx, rt, job)
		}

		status, err := rt.Orchestrator.SyncStatus(rc.Ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Jobs: %d running, %d pending (pool size %d)\n\n",
			status.Running, status.Pending, status.MaxConcurrent)

		t := output.NewTable().Header("CONFIG", "TOOL", "ENABLED", "SCHEDULE", "LAST JOB", "STATUS", "FINISHED")
		for _, cs := range status.Configs {
			lastID, lastStatus, finished := "-", "-", "-"
			if cs.LastJob != nil {
				lastID = shortID(cs.LastJob.ID)
				lastStatus = cs.LastJob.Status
				if cs.LastJob.CompletedAt != nil {
					finished = cs.LastJob.CompletedAt.Format(time.RFC3339)
				}
			}
			t.Row(cs.Config.Name, cs.Config.Tool, strconv.FormatBool(cs.Config.Enabled),
				orDash(cs.Config.Schedule), lastID, lastStatus, finished)
		}
		return t.Render()
	}),
}

var (
	syncPreviewConfig string
	syncPreviewScope  string
	syncPreviewJSON   bool
)

var syncPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Stage a sync without applying anything",
	Long: `Preview computes the full set of changes a sync would perform against the
tool and prints them. Nothing is mutated and no job record is created.`,
	RunE: cli.Wrap(func(rc *cli.RuntimeContext, cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(rc, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		cfg, err := rt.Repo.GetToolConfigByName(rc.Ctx, syncPreviewConfig)
		if err != nil {
			return cerr.Wrapf(err, "tool config %q", syncPreviewConfig)
		}

		cs, err := rt.Orchestrator.PreviewSync(rc.Ctx, cfg.ID, syncPreviewScope)
		if err != nil {
			return err
		}
		if syncPreviewJSON {
			return output.JSONToStdout(cs)
		}

		if cs.Empty() {
			fmt.Printf("%q is in sync with the directory; no changes staged.\n", cfg.Name)
		} else {
			t := output.NewTable().Header("ACTION", "KIND", "IDENTIFIER", "CHANGES")
			for _, c := range cs.Changes {
				t.Row(string(c.Action), string(c.Kind), c.Identifier, fieldSummary(c.Fields))
			}
			if err := t.Render(); err != nil {
				return err
			}
		}
		if len(cs.Conflicts) > 0 {
			fmt.Printf("\n%d conflict(s):\n", len(cs.Conflicts))
			t := output.NewTable().Header("KIND", "IDENTIFIER", "FIELD", "DIRECTORY", "REMOTE", "RESOLUTION")
			for _, c := range cs.Conflicts {
				t.Row(string(c.Kind), c.Identifier, c.Field, c.DirectoryValue, c.RemoteValue, c.Resolution)
			}
			return t.Render()
		}
		return nil
	}),
}

// printJob renders one job as a key/value block.
func printJob(ctx context.Context, rt *runtime, job *store.SyncJob) error {
	configName := strconv.FormatUint(uint64(job.ConfigID), 10)
	if cfg, err := rt.Repo.GetToolConfig(ctx, job.ConfigID); err == nil {
		configName = cfg.Name
	}

	pairs := [][2]string{
		{"Job", job.ID},
		{"Config", configName},
		{"Status", job.Status},
		{"Scope", job.Scope},
		{"Type", job.Type},
		{"Preview", strconv.FormatBool(job.IsPreview)},
		{"Triggered by", job.TriggeredBy},
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		pairs = append(pairs, [2]string{"Duration", job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond).String()})
	}
	pairs = append(pairs,
		[2]string{"Users", counterSummary(job.UsersProcessed, job.UsersCreated, job.UsersUpdated, job.UsersDeleted, job.UsersDisabled, job.UsersFailed)},
		[2]string{"Groups", counterSummary(job.GroupsProcessed, job.GroupsCreated, job.GroupsUpdated, job.GroupsDeleted, 0, job.GroupsFailed)},
		[2]string{"Conflicts", strconv.Itoa(job.ConflictCount)},
	)
	if job.Error != "" {
		pairs = append(pairs, [2]string{"Error", job.Error})
	}
	for _, e := range job.Errors {
		pairs = append(pairs, [2]string{"", e})
	}
	return output.KeyValue(nil, pairs)
}

func counterSummary(processed, created, updated, deleted, disabled, failed int) string {
	parts := []string{fmt.Sprintf("%d processed", processed)}
	for _, p := range []struct {
		n    int
		verb string
	}{
		{created, "created"},
		{updated, "updated"},
		{deleted, "deleted"},
		{disabled, "disabled"},
		{failed, "failed"},
	} {
		if p.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", p.n, p.verb))
		}
	}
	return strings.Join(parts, ", ")
}

func fieldSummary(fields []adapter.FieldChange) string {
	if len(fields) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %q -> %q", f.Field, f.Old, f.New))
	}
	return strings.Join(parts, "; ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	syncStartCmd.Flags().StringVar(&syncStartConfig, "config", "", "tool config name")
	syncStartCmd.Flags().StringVar(&syncStartScope, "scope", orchestrator.ScopeBoth, "sync scope: users, groups, or both")
	syncStartCmd.Flags().StringVar(&syncStartType, "type", orchestrator.TypeIncremental, "sync type: full re-discovers the directory first")
	syncStartCmd.Flags().BoolVar(&syncStartPreview, "preview", false, "stage and record changes without applying them")
	_ = syncStartCmd.MarkFlagRequired("config")

	syncStatusCmd.Flags().StringVar(&syncStatusJob, "job", "", "job id to inspect")

	syncPreviewCmd.Flags().StringVar(&syncPreviewConfig, "config", "", "tool config name")
	syncPreviewCmd.Flags().StringVar(&syncPreviewScope, "scope", orchestrator.ScopeBoth, "sync scope: users, groups, or both")
	syncPreviewCmd.Flags().BoolVar(&syncPreviewJSON, "json", false, "print the staged changes as JSON")
	_ = syncPreviewCmd.MarkFlagRequired("config")

	syncCmd.AddCommand(syncStartCmd, syncStatusCmd, syncPreviewCmd)
}
