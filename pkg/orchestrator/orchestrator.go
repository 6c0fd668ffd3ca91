// pkg/orchestrator/orchestrator.go

// Package orchestrator drives sync jobs through their lifecycle:
// Pending -> Running -> {Completed, Failed}. A bounded pool caps how many
// jobs run at once; excess jobs wait in Pending until a slot frees. Only the
// goroutine that owns a job id mutates its record, so polling reads are
// always consistent.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/adapter"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/audit"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/directory"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/discovery"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/secrets"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/store"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/telemetry"
)

// Sync scopes.
const (
	ScopeUsers  = "users"
	ScopeGroups = "groups"
	ScopeBoth   = "both"
)

// Sync types. Full re-discovers the directory before syncing; incremental
// syncs from the cached snapshot.
const (
	TypeFull        = "full"
	TypeIncremental = "incremental"
)

// Triggering actors.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
)

const (
	defaultMaxConcurrent = 5
	defaultJobTimeout    = 10 * time.Minute
	pollInterval         = 50 * time.Millisecond
)

// SyncRequest asks for one sync job. Zero-valued optional fields default to
// scope "both", type "incremental", trigger "manual".
type SyncRequest struct {
	ConfigID    uint   `json:"config_id" validate:"required"`
	Scope       string `json:"scope" validate:"omitempty,oneof=users groups both"`
	Type        string `json:"type" validate:"omitempty,oneof=full incremental"`
	TriggeredBy string `json:"triggered_by" validate:"omitempty,oneof=manual schedule api"`
	Preview     bool   `json:"preview"`
}

func (r *SyncRequest) setDefaults() {
	if r.Scope == "" {
		r.Scope = ScopeBoth
	}
	if r.Type == "" {
		r.Type = TypeIncremental
	}
	if r.TriggeredBy == "" {
		r.TriggeredBy = TriggerManual
	}
}

// Options tunes the job pool.
type Options struct {
	MaxConcurrentJobs int           // concurrently Running jobs, default 5
	JobTimeout        time.Duration // per-job deadline, default 10m
}

// Service owns the job pool. Create one per process with NewService and shut
// it down with Stop.
type Service struct {
	repo     store.Repository
	disco    *discovery.Service
	secrets  secrets.Provider
	recorder *audit.Recorder

	maxConcurrent int
	jobTimeout    time.Duration

	sem chan struct{}
	wg  sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// NewService wires the orchestrator. The recorder may be nil when no audit
// trail is configured.
func NewService(repo store.Repository, disco *discovery.Service, provider secrets.Provider, recorder *audit.Recorder, opts Options) *Service {
	if opts.MaxConcurrentJobs < 1 {
		opts.MaxConcurrentJobs = defaultMaxConcurrent
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:          repo,
		disco:         disco,
		secrets:       provider,
		recorder:      recorder,
		maxConcurrent: opts.MaxConcurrentJobs,
		jobTimeout:    opts.JobTimeout,
		sem:           make(chan struct{}, opts.MaxConcurrentJobs),
		rootCtx:       ctx,
		rootCancel:    cancel,
	}
}

// StartSyncJob validates the request, persists the job in Pending, and
// returns it immediately. A goroutine drives the job through the pool; poll
// GetSyncJob or call WaitForJob to observe the outcome.
func (s *Service) StartSyncJob(ctx context.Context, req SyncRequest) (*store.SyncJob, error) {
	if err := validator.New().Struct(req); err != nil {
		return nil, &ValidationError{Err: err}
	}
	req.setDefaults()

	cfg, err := s.repo.GetToolConfig(ctx, req.ConfigID)
	if err != nil {
		return nil, cerr.Wrapf(err, "load tool config %d", req.ConfigID)
	}
	if !cfg.Enabled {
		return nil, &ValidationError{Err: fmt.Errorf("tool config %q is disabled", cfg.Name)}
	}

	job := &store.SyncJob{
		ID:          uuid.NewString(),
		ConfigID:    cfg.ID,
		Scope:       req.Scope,
		Type:        req.Type,
		IsPreview:   req.Preview,
		Status:      store.JobStatusPending,
		TriggeredBy: req.TriggeredBy,
	}
	if err := s.repo.CreateSyncJob(ctx, job); err != nil {
		return nil, cerr.Wrap(err, "persist sync job")
	}

	otelzap.Ctx(ctx).Info("Sync job accepted",
		zap.String("job_id", job.ID),
		zap.String("config", cfg.Name),
		zap.String("tool", cfg.Tool),
		zap.String("scope", job.Scope),
		zap.String("type", job.Type),
		zap.Bool("preview", job.IsPreview),
		zap.String("triggered_by", job.TriggeredBy))

	s.wg.Add(1)
	go s.runJob(job.ID)

	return job, nil
}

// runJob waits for a pool slot, then drives one job to a terminal state. The
// job runs under the service's root context so Stop cancels it, plus the
// per-job timeout.
func (s *Service) runJob(jobID string) {
	defer s.wg.Done()

	select {
	case s.sem <- struct{}{}:
	case <-s.rootCtx.Done():
		s.abandonPending(jobID)
		return
	}
	defer func() { <-s.sem }()

	ctx, cancel := context.WithTimeout(s.rootCtx, s.jobTimeout)
	defer cancel()

	ctx, span := telemetry.Start(ctx, "sync_job", attribute.String("job_id", jobID))
	defer span.End()

	log := otelzap.Ctx(ctx)

	job, err := s.repo.GetSyncJob(ctx, jobID)
	if err != nil {
		log.Error("Sync job vanished before dispatch", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	now := time.Now()
	job.Status = store.JobStatusRunning
	job.StartedAt = &now
	if err := s.repo.UpdateSyncJob(ctx, job); err != nil {
		log.Warn("Failed to mark sync job running", zap.String("job_id", jobID), zap.Error(err))
	}

	result, runErr := s.execute(ctx, job)
	s.finish(ctx, job, result, runErr)
}

// abandonPending marks a job that never reached the pool as failed. Happens
// only during shutdown.
func (s *Service) abandonPending(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := s.repo.GetSyncJob(ctx, jobID)
	if err != nil {
		return
	}
	now := time.Now()
	job.Status = store.JobStatusFailed
	job.Error = "sync engine stopped before the job could start"
	job.CompletedAt = &now
	if err := s.repo.UpdateSyncJob(ctx, job); err != nil {
		otelzap.L().Warn("Failed to mark abandoned sync job",
			zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Service) execute(ctx context.Context, job *store.SyncJob) (*adapter.SyncResult, error) {
	cfg, err := s.repo.GetToolConfig(ctx, job.ConfigID)
	if err != nil {
		return nil, cerr.Wrapf(err, "load tool config %d", job.ConfigID)
	}

	users, groups, err := s.snapshot(ctx, cfg.ServerID, job.Type == TypeFull)
	if err != nil {
		return nil, err
	}

	a, err := s.buildAdapter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	engine := adapter.NewEngine(a, engineOptions(cfg, job.Scope))

	if job.IsPreview {
		cs, err := engine.PreviewSync(ctx, users, groups)
		if err != nil {
			return nil, err
		}
		return adapter.Summarize(cs, len(users), len(groups)), nil
	}
	return engine.ExecuteSync(ctx, users, groups)
}

// snapshot resolves the directory snapshot for a job. Full jobs re-discover
// first. An entirely empty cache on an incremental job also forces
// discovery, because syncing from it would stage a disable or delete for
// every remote account.
func (s *Service) snapshot(ctx context.Context, serverID uint, refresh bool) ([]directory.User, []directory.Group, error) {
	users, groups, err := s.disco.Snapshot(ctx, serverID, refresh)
	if err != nil {
		return nil, nil, err
	}
	if !refresh && len(users) == 0 && len(groups) == 0 {
		return s.disco.Snapshot(ctx, serverID, true)
	}
	return users, groups, nil
}

// buildAdapter resolves credentials and role mappings, then constructs the
// tool adapter from the registry.
func (s *Service) buildAdapter(ctx context.Context, cfg *store.ToolSyncConfig) (adapter.Adapter, error) {
	token := ""
	if cfg.CredentialRef != "" {
		var err error
		token, err = s.secrets.Secret(ctx, cfg.CredentialRef)
		if err != nil {
			return nil, cerr.Wrapf(err, "resolve credentials for %q", cfg.Name)
		}
	}

	mappings, err := s.repo.ListRoleMappings(ctx, cfg.ID)
	if err != nil {
		return nil, cerr.Wrapf(err, "load role mappings for %q", cfg.Name)
	}
	roles := make(map[string]string, len(mappings))
	for _, m := range mappings {
		roles[m.GroupName] = m.Role
	}

	return adapter.New(adapter.Config{
		Tool:              cfg.Tool,
		BaseURL:           cfg.BaseURL,
		Token:             token,
		RequestsPerMinute: cfg.RequestsPerMinute,
		RoleMappings:      roles,
	})
}

// engineOptions intersects the job's requested scope with the config's
// enabled flags.
func engineOptions(cfg *store.ToolSyncConfig, scope string) adapter.Options {
	return adapter.Options{
		SyncUsers:      cfg.SyncUsers && (scope == ScopeBoth || scope == ScopeUsers),
		SyncGroups:     cfg.SyncGroups && (scope == ScopeBoth || scope == ScopeGroups),
		CreateUsers:    cfg.CreateUsers,
		UpdateUsers:    cfg.UpdateUsers,
		DeleteUsers:    cfg.DeleteUsers,
		DisableUsers:   cfg.DisableUsers,
		CreateGroups:   cfg.CreateGroups,
		UpdateGroups:   cfg.UpdateGroups,
		DeleteGroups:   cfg.DeleteGroups,
		ConflictPolicy: cfg.ConflictPolicy,
	}
}

// finish persists counters and the terminal state, then records audit
// events. Persistence uses a fresh context so a job that died on timeout
// still gets its terminal row written.
func (s *Service) finish(ctx context.Context, job *store.SyncJob, result *adapter.SyncResult, runErr error) {
	now := time.Now()
	job.CompletedAt = &now

	if result != nil {
		job.UsersProcessed = result.Users.Processed
		job.UsersCreated = result.Users.Created
		job.UsersUpdated = result.Users.Updated
		job.UsersDeleted = result.Users.Deleted
		job.UsersDisabled = result.Users.Disabled
		job.UsersFailed = result.Users.Failed
		job.GroupsProcessed = result.Groups.Processed
		job.GroupsCreated = result.Groups.Created
		job.GroupsUpdated = result.Groups.Updated
		job.GroupsDeleted = result.Groups.Deleted
		job.GroupsFailed = result.Groups.Failed
		job.ConflictCount = len(result.Conflicts)
		job.Errors = store.StringList(result.ErrorStrings())
	}

	if runErr != nil {
		job.Status = store.JobStatusFailed
		job.Error = runErr.Error()
	} else {
		job.Status = store.JobStatusCompleted
	}

	pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := otelzap.Ctx(ctx)
	if err := s.repo.UpdateSyncJob(pctx, job); err != nil {
		log.Error("Failed to persist sync job outcome",
			zap.String("job_id", job.ID), zap.Error(err))
	}

	s.audit(pctx, job, result, runErr)

	if runErr != nil {
		log.Error("Sync job failed",
			zap.String("job_id", job.ID),
			zap.String("scope", job.Scope),
			zap.Error(runErr))
		return
	}
	log.Info("Sync job finished",
		zap.String("job_id", job.ID),
		zap.Bool("preview", job.IsPreview),
		zap.Int("users_created", job.UsersCreated),
		zap.Int("users_updated", job.UsersUpdated),
		zap.Int("users_deleted", job.UsersDeleted),
		zap.Int("users_disabled", job.UsersDisabled),
		zap.Int("users_failed", job.UsersFailed),
		zap.Int("groups_created", job.GroupsCreated),
		zap.Int("groups_updated", job.GroupsUpdated),
		zap.Int("groups_deleted", job.GroupsDeleted),
		zap.Int("groups_failed", job.GroupsFailed),
		zap.Int("conflicts", job.ConflictCount))
}

// audit records one sync event for the job plus one conflict event per
// recorded conflict, all sharing the job id as correlation id.
func (s *Service) audit(ctx context.Context, job *store.SyncJob, result *adapter.SyncResult, runErr error) {
	if s.recorder == nil {
		return
	}

	event := audit.Event{
		Type:          audit.TypeSync,
		Category:      scopeCategory(job.Scope),
		Actor:         job.TriggeredBy,
		CorrelationID: job.ID,
		ConfigID:      &job.ConfigID,
		JobID:         job.ID,
		Success:       runErr == nil,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		event.Duration = job.CompletedAt.Sub(*job.StartedAt)
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}
	if result != nil {
		event.Detail = resultDetail(job)
	}
	s.recorder.Record(ctx, event)

	if result == nil {
		return
	}
	for _, c := range result.Conflicts {
		s.recorder.Record(ctx, audit.Event{
			Type:          audit.TypeConflict,
			Category:      kindCategory(c.Kind),
			Actor:         job.TriggeredBy,
			CorrelationID: job.ID,
			ConfigID:      &job.ConfigID,
			JobID:         job.ID,
			Success:       c.Resolution != adapter.ResolutionBlocked,
			Detail: fmt.Sprintf("%s %q field %s: directory=%q, remote=%q, resolution=%s",
				c.Kind, c.Identifier, c.Field, c.DirectoryValue, c.RemoteValue, c.Resolution),
		})
	}
}

func scopeCategory(scope string) string {
	switch scope {
	case ScopeUsers:
		return audit.CategoryUsers
	case ScopeGroups:
		return audit.CategoryGroups
	default:
		return audit.CategorySystem
	}
}

func kindCategory(kind adapter.EntityKind) string {
	if kind == adapter.KindUser {
		return audit.CategoryUsers
	}
	return audit.CategoryGroups
}

func resultDetail(job *store.SyncJob) string {
	return fmt.Sprintf("users: %d processed, %d created, %d updated, %d deleted, %d disabled, %d failed; groups: %d processed, %d created, %d updated, %d deleted, %d failed",
		job.UsersProcessed, job.UsersCreated, job.UsersUpdated, job.UsersDeleted, job.UsersDisabled, job.UsersFailed,
		job.GroupsProcessed, job.GroupsCreated, job.GroupsUpdated, job.GroupsDeleted, job.GroupsFailed)
}

// GetSyncJob returns the job's current state. Safe to poll: transitions are
// monotonic and only the owning goroutine writes.
func (s *Service) GetSyncJob(ctx context.Context, id string) (*store.SyncJob, error) {
	return s.repo.GetSyncJob(ctx, id)
}

// WaitForJob polls until the job reaches a terminal state or the context
// expires. On context expiry it returns the last observed state alongside
// the context error.
func (s *Service) WaitForJob(ctx context.Context, id string) (*store.SyncJob, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		job, err := s.repo.GetSyncJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PreviewSync stages changes synchronously and returns them without a job
// record. Nothing is mutated on the remote tool.
func (s *Service) PreviewSync(ctx context.Context, configID uint, scope string) (*adapter.ChangeSet, error) {
	if scope == "" {
		scope = ScopeBoth
	}
	cfg, err := s.repo.GetToolConfig(ctx, configID)
	if err != nil {
		return nil, cerr.Wrapf(err, "load tool config %d", configID)
	}

	users, groups, err := s.snapshot(ctx, cfg.ServerID, false)
	if err != nil {
		return nil, err
	}
	a, err := s.buildAdapter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return adapter.NewEngine(a, engineOptions(cfg, scope)).PreviewSync(ctx, users, groups)
}

// ConfigStatus pairs a tool config with its most recent job, if any.
type ConfigStatus struct {
	Config  store.ToolSyncConfig `json:"config"`
	LastJob *store.SyncJob       `json:"last_job,omitempty"`
}

// Status is a point-in-time picture of the pool and each configured tool.
type Status struct {
	Running       int            `json:"running"`
	Pending       int            `json:"pending"`
	MaxConcurrent int            `json:"max_concurrent"`
	Configs       []ConfigStatus `json:"configs"`
}

// SyncStatus reports running/pending totals and the last job per config.
func (s *Service) SyncStatus(ctx context.Context) (*Status, error) {
	running, err := s.repo.ListSyncJobsByStatus(ctx, store.JobStatusRunning)
	if err != nil {
		return nil, cerr.Wrap(err, "list running jobs")
	}
	pending, err := s.repo.ListSyncJobsByStatus(ctx, store.JobStatusPending)
	if err != nil {
		return nil, cerr.Wrap(err, "list pending jobs")
	}
	configs, err := s.repo.ListToolConfigs(ctx)
	if err != nil {
		return nil, cerr.Wrap(err, "list tool configs")
	}

	status := &Status{
		Running:       len(running),
		Pending:       len(pending),
		MaxConcurrent: s.maxConcurrent,
		Configs:       make([]ConfigStatus, 0, len(configs)),
	}
	for _, cfg := range configs {
		cs := ConfigStatus{Config: cfg}
		jobs, err := s.repo.ListSyncJobs(ctx, cfg.ID, 1)
		if err != nil {
			return nil, cerr.Wrapf(err, "list jobs for %q", cfg.Name)
		}
		if len(jobs) > 0 {
			cs.LastJob = &jobs[0]
		}
		status.Configs = append(status.Configs, cs)
	}
	return status, nil
}

// ListToolConfigs lists configured tool bindings.
func (s *Service) ListToolConfigs(ctx context.Context) ([]store.ToolSyncConfig, error) {
	return s.repo.ListToolConfigs(ctx)
}

// Jobs lists recent jobs for one config, newest first. configID 0 lists
// across all configs.
func (s *Service) Jobs(ctx context.Context, configID uint, limit int) ([]store.SyncJob, error) {
	return s.repo.ListSyncJobs(ctx, configID, limit)
}

// Stop cancels all running jobs and waits for their goroutines, up to the
// context deadline. Remote mutations already issued are not rolled back.
func (s *Service) Stop(ctx context.Context) error {
	s.rootCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
