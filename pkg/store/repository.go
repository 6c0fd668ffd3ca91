// pkg/store/repository.go

// Package store persists the engine's durable state: directory servers, the
// canonical user/group cache, tool sync configs, sync jobs, role mappings,
// and audit events. The canonical cache for a server is only ever replaced
// wholesale, inside one transaction.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is the sentinel for lookups that matched no row.
var ErrNotFound = errors.New("record not found")

// Repository is the storage surface consumed by the engine. Implementations:
// Postgres (production) and Memory (tests, dev mode).
type Repository interface {
	// Directory servers.
	CreateServer(ctx context.Context, server *DirectoryServer) error
	GetServer(ctx context.Context, id uint) (*DirectoryServer, error)
	GetServerByName(ctx context.Context, name string) (*DirectoryServer, error)
	ListServers(ctx context.Context) ([]DirectoryServer, error)
	UpdateServer(ctx context.Context, server *DirectoryServer) error

	// Canonical cache. Replace* deletes the server's rows and inserts the
	// new snapshot in a single transaction.
	ReplaceUsers(ctx context.Context, serverID uint, users []DirectoryUser) error
	ReplaceGroups(ctx context.Context, serverID uint, groups []DirectoryGroup) error
	ListUsers(ctx context.Context, serverID uint) ([]DirectoryUser, error)
	ListGroups(ctx context.Context, serverID uint) ([]DirectoryGroup, error)

	// Tool sync configs.
	CreateToolConfig(ctx context.Context, cfg *ToolSyncConfig) error
	GetToolConfig(ctx context.Context, id uint) (*ToolSyncConfig, error)
	GetToolConfigByName(ctx context.Context, name string) (*ToolSyncConfig, error)
	ListToolConfigs(ctx context.Context) ([]ToolSyncConfig, error)
	UpdateToolConfig(ctx context.Context, cfg *ToolSyncConfig) error

	// Sync jobs.
	CreateSyncJob(ctx context.Context, job *SyncJob) error
	GetSyncJob(ctx context.Context, id string) (*SyncJob, error)
	UpdateSyncJob(ctx context.Context, job *SyncJob) error
	ListSyncJobs(ctx context.Context, configID uint, limit int) ([]SyncJob, error)
	ListSyncJobsByStatus(ctx context.Context, status string) ([]SyncJob, error)

	// Role mappings.
	CreateRoleMapping(ctx context.Context, mapping *RoleMapping) error
	ListRoleMappings(ctx context.Context, configID uint) ([]RoleMapping, error)

	// Audit trail. Append-only.
	AppendAudit(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error)
}
