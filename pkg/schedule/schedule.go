// pkg/schedule/schedule.go

// Package schedule fires recurring sync jobs from stored cron expressions.
// One task runs per tool config; re-registering a config replaces its task
// instead of stacking a second one.
package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/go-multierror"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/orchestrator"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/store"
)

// startTimeout bounds the StartSyncJob call on each fire. The job itself
// runs asynchronously under the orchestrator's own deadline.
const startTimeout = 30 * time.Second

// JobStarter is the slice of the orchestrator the scheduler drives.
type JobStarter interface {
	StartSyncJob(ctx context.Context, req orchestrator.SyncRequest) (*store.SyncJob, error)
}

type task struct {
	configID uint
	name     string
	expr     *cronexpr.Expression

	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the recurring tasks. Construct with New, feed it configs
// via Start or Register, and shut it down with Stop.
type Scheduler struct {
	starter JobStarter
	enabled bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu    sync.Mutex
	tasks map[uint]*task
}

// New builds a scheduler. A disabled scheduler accepts every call and does
// nothing.
func New(starter JobStarter, enabled bool) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		starter:    starter,
		enabled:    enabled,
		rootCtx:    ctx,
		rootCancel: cancel,
		tasks:      make(map[uint]*task),
	}
}

// Start registers every enabled config that carries a schedule. Configs with
// an invalid cron expression are skipped and reported in the aggregated
// error; the valid ones still run.
func (s *Scheduler) Start(ctx context.Context, configs []store.ToolSyncConfig) error {
	log := otelzap.Ctx(ctx)
	if !s.enabled {
		log.Info("Scheduler disabled, not registering any tasks")
		return nil
	}

	var result error
	registered := 0
	for _, cfg := range configs {
		if !cfg.Enabled || cfg.Schedule == "" {
			continue
		}
		if err := s.Register(cfg); err != nil {
			log.Warn("Skipping config with invalid schedule",
				zap.String("config", cfg.Name),
				zap.String("schedule", cfg.Schedule),
				zap.Error(err))
			result = multierror.Append(result, err)
			continue
		}
		registered++
	}

	log.Info("Scheduler started",
		zap.Int("tasks", registered),
		zap.Int("configs", len(configs)))
	return result
}

// Register schedules recurring syncs for one config, replacing any existing
// task for the same config id. The prior task is fully stopped before the
// new one starts, so two tasks never fire for one config.
func (s *Scheduler) Register(cfg store.ToolSyncConfig) error {
	if !s.enabled {
		return nil
	}

	expr, err := cronexpr.Parse(cfg.Schedule)
	if err != nil {
		return cerr.Wrapf(err, "parse schedule %q for config %q", cfg.Schedule, cfg.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.tasks[cfg.ID]; ok {
		prior.cancel()
		<-prior.done
	}

	taskCtx, cancel := context.WithCancel(s.rootCtx)
	t := &task{
		configID: cfg.ID,
		name:     cfg.Name,
		expr:     expr,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.tasks[cfg.ID] = t

	s.wg.Add(1)
	go s.run(taskCtx, t)

	otelzap.L().Info("Sync schedule registered",
		zap.String("config", cfg.Name),
		zap.String("schedule", cfg.Schedule),
		zap.Time("next_fire", expr.Next(time.Now())))
	return nil
}

// Unregister stops the task for a config, if one exists.
func (s *Scheduler) Unregister(configID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[configID]; ok {
		t.cancel()
		<-t.done
		delete(s.tasks, configID)
	}
}

// Scheduled returns the config ids with an active task, sorted.
func (s *Scheduler) Scheduled() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stop cancels all tasks and waits for their goroutines to exit.
func (s *Scheduler) Stop() {
	s.rootCancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[uint]*task)
}

// run sleeps until each next fire time and starts one sync job per fire.
func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer close(t.done)

	for {
		now := time.Now()
		next := t.expr.Next(now)
		if next.IsZero() {
			// Expressions like "0 0 30 2 *" never match again.
			otelzap.L().Warn("Schedule has no future fire time, stopping task",
				zap.String("config", t.name))
			return
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.fire(ctx, t)
	}
}

// fire starts one scheduled sync job. Scheduled runs are always full syncs:
// the point of the schedule is a fresh directory snapshot.
func (s *Scheduler) fire(ctx context.Context, t *task) {
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	job, err := s.starter.StartSyncJob(startCtx, orchestrator.SyncRequest{
		ConfigID:    t.configID,
		Scope:       orchestrator.ScopeBoth,
		Type:        orchestrator.TypeFull,
		TriggeredBy: orchestrator.TriggerSchedule,
	})
	if err != nil {
		otelzap.Ctx(startCtx).Error("Scheduled sync failed to start",
			zap.String("config", t.name),
			zap.Error(err))
		return
	}

	otelzap.Ctx(startCtx).Info("Scheduled sync started",
		zap.String("config", t.name),
		zap.String("job_id", job.ID))
}
