/* cmd/runtime.go */

package cmd

import (
	"context"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/audit"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/cli"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/discovery"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/httpclient"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/orchestrator"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/schedule"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/secrets"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/store"

	// Tool adapters register themselves with the adapter registry.
	_ "github.com/CodeMonkeyCybersecurity/hermes/pkg/adapter/grafana"
	_ "github.com/CodeMonkeyCybersecurity/hermes/pkg/adapter/mattermost"
)

// runtime bundles the wired engine components a command works with. Build
// one per invocation and Close it on the way out.
type runtime struct {
	Repo         store.Repository
	Secrets      secrets.Provider
	Recorder     *audit.Recorder
	Discovery    *discovery.Service
	Orchestrator *orchestrator.Service
	Scheduler    *schedule.Scheduler

	log     *zap.Logger
	closers []func() error
}

func buildRuntime(rc *cli.RuntimeContext, ephemeral bool) (*runtime, error) {
	rt := &runtime{log: rc.Log}

	if ephemeral {
		rc.Log.Info("Using ephemeral in-memory store; nothing will survive this process")
		rt.Repo = store.NewMemory()
	} else {
		db, err := store.Open(rc.Ctx, rc.Settings.DatabaseURL)
		if err != nil {
			return nil, cerr.Wrap(err, "open store")
		}
		if err := store.AutoMigrate(db); err != nil {
			return nil, cerr.Wrap(err, "migrate store")
		}
		rt.Repo = store.NewPostgres(db)
		rt.closers = append(rt.closers, func() error { return closeDB(db) })
	}

	rt.buildSecrets(rc)
	rt.buildRecorder(rc)

	rt.Discovery = discovery.NewService(rt.Repo, rt.Secrets, rt.Recorder)
	rt.Orchestrator = orchestrator.NewService(rt.Repo, rt.Discovery, rt.Secrets, rt.Recorder, orchestrator.Options{
		MaxConcurrentJobs: rc.Settings.MaxConcurrentJobs,
		JobTimeout:        rc.Settings.JobTimeout,
	})
	rt.Scheduler = schedule.New(rt.Orchestrator, rc.Settings.SchedulerEnabled)
	return rt, nil
}

// buildSecrets chains the credential providers: Vault first when an address
// is configured, environment variables always.
func (rt *runtime) buildSecrets(rc *cli.RuntimeContext) {
	providers := []secrets.Provider{secrets.NewEnvProvider()}

	if rc.Settings.VaultAddr != "" {
		client, err := secrets.NewVaultClient(rc.Ctx, rc.Settings.VaultAddr)
		if err != nil {
			rc.Log.Warn("Vault unavailable, vault: references will not resolve", zap.Error(err))
		} else {
			providers = append([]secrets.Provider{secrets.NewVaultProvider(client, "")}, providers...)
		}
	}
	rt.Secrets = secrets.NewChain(providers...)
}

// buildRecorder wires the audit sinks: the store always, HTTP forwarding and
// the Redis stream when configured.
func (rt *runtime) buildRecorder(rc *cli.RuntimeContext) {
	sinks := []audit.Sink{audit.NewStoreSink(rt.Repo)}

	if rc.Settings.AuditForwardURL != "" {
		sinks = append(sinks, audit.NewHTTPSink(httpclient.DefaultClient(), rc.Settings.AuditForwardURL))
	}
	if rc.Settings.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: rc.Settings.RedisAddr})
		sinks = append(sinks, audit.NewRedisSink(rdb, rc.Settings.AuditStream))
		rt.closers = append(rt.closers, rdb.Close)
	}
	rt.Recorder = audit.NewRecorder(sinks...)
}

// Close stops the scheduler, drains the job pool, and releases connections.
func (rt *runtime) Close() {
	if rt.Scheduler != nil {
		rt.Scheduler.Stop()
	}
	if rt.Orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rt.Orchestrator.Stop(ctx); err != nil {
			rt.log.Warn("Job pool did not drain before deadline", zap.Error(err))
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn("Close failed", zap.Error(err))
		}
	}
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
