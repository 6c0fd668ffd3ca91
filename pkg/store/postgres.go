// pkg/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open opens a gorm handle over Postgres and verifies connectivity.
func Open(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// AutoMigrate creates or updates the engine's tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&DirectoryServer{},
		&DirectoryUser{},
		&DirectoryGroup{},
		&ToolSyncConfig{},
		&SyncJob{},
		&RoleMapping{},
		&AuditEvent{},
	)
}

// Postgres implements Repository over gorm.
type Postgres struct {
	db *gorm.DB
}

var _ Repository = (*Postgres)(nil)

func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (p *Postgres) CreateServer(ctx context.Context, server *DirectoryServer) error {
	return p.db.WithContext(ctx).Create(server).Error
}

func (p *Postgres) GetServer(ctx context.Context, id uint) (*DirectoryServer, error) {
	var server DirectoryServer
	if err := p.db.WithContext(ctx).First(&server, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &server, nil
}

func (p *Postgres) GetServerByName(ctx context.Context, name string) (*DirectoryServer, error) {
	var server DirectoryServer
	if err := p.db.WithContext(ctx).Where("name = ?", name).First(&server).Error; err != nil {
		return nil, notFound(err)
	}
	return &server, nil
}

func (p *Postgres) ListServers(ctx context.Context) ([]DirectoryServer, error) {
	var servers []DirectoryServer
	if err := p.db.WithContext(ctx).Order("name").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

func (p *Postgres) UpdateServer(ctx context.Context, server *DirectoryServer) error {
	return p.db.WithContext(ctx).Save(server).Error
}

// ReplaceUsers swaps the server's cached users inside one transaction, so
// readers observe either the complete old or the complete new snapshot.
func (p *Postgres) ReplaceUsers(ctx context.Context, serverID uint, users []DirectoryUser) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("server_id = ?", serverID).Delete(&DirectoryUser{}).Error; err != nil {
			return err
		}
		if len(users) == 0 {
			return nil
		}
		for i := range users {
			users[i].ServerID = serverID
		}
		return tx.CreateInBatches(users, 500).Error
	})
}

func (p *Postgres) ReplaceGroups(ctx context.Context, serverID uint, groups []DirectoryGroup) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("server_id = ?", serverID).Delete(&DirectoryGroup{}).Error; err != nil {
			return err
		}
		if len(groups) == 0 {
			return nil
		}
		for i := range groups {
			groups[i].ServerID = serverID
		}
		return tx.CreateInBatches(groups, 500).Error
	})
}

func (p *Postgres) ListUsers(ctx context.Context, serverID uint) ([]DirectoryUser, error) {
	var users []DirectoryUser
	if err := p.db.WithContext(ctx).Where("server_id = ?", serverID).Order("uid").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (p *Postgres) ListGroups(ctx context.Context, serverID uint) ([]DirectoryGroup, error) {
	var groups []DirectoryGroup
	if err := p.db.WithContext(ctx).Where("server_id = ?", serverID).Order("name").Find(&groups).Error; err != nil {
		return nil, err
	}
	return groups, nil
}

func (p *Postgres) CreateToolConfig(ctx context.Context, cfg *ToolSyncConfig) error {
	return p.db.WithContext(ctx).Create(cfg).Error
}

func (p *Postgres) GetToolConfig(ctx context.Context, id uint) (*ToolSyncConfig, error) {
	var cfg ToolSyncConfig
	if err := p.db.WithContext(ctx).First(&cfg, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

func (p *Postgres) GetToolConfigByName(ctx context.Context, name string) (*ToolSyncConfig, error) {
	var cfg ToolSyncConfig
	if err := p.db.WithContext(ctx).Where("name = ?", name).First(&cfg).Error; err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

func (p *Postgres) ListToolConfigs(ctx context.Context) ([]ToolSyncConfig, error) {
	var configs []ToolSyncConfig
	if err := p.db.WithContext(ctx).Order("name").Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}

func (p *Postgres) UpdateToolConfig(ctx context.Context, cfg *ToolSyncConfig) error {
	return p.db.WithContext(ctx).Save(cfg).Error
}

func (p *Postgres) CreateSyncJob(ctx context.Context, job *SyncJob) error {
	return p.db.WithContext(ctx).Create(job).Error
}

func (p *Postgres) GetSyncJob(ctx context.Context, id string) (*SyncJob, error) {
	var job SyncJob
	if err := p.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (p *Postgres) UpdateSyncJob(ctx context.Context, job *SyncJob) error {
	return p.db.WithContext(ctx).Save(job).Error
}

func (p *Postgres) ListSyncJobs(ctx context.Context, configID uint, limit int) ([]SyncJob, error) {
	q := p.db.WithContext(ctx).Order("created_at desc")
	if configID != 0 {
		q = q.Where("config_id = ?", configID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []SyncJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (p *Postgres) ListSyncJobsByStatus(ctx context.Context, status string) ([]SyncJob, error) {
	var jobs []SyncJob
	if err := p.db.WithContext(ctx).Where("status = ?", status).Order("created_at").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (p *Postgres) CreateRoleMapping(ctx context.Context, mapping *RoleMapping) error {
	return p.db.WithContext(ctx).Create(mapping).Error
}

func (p *Postgres) ListRoleMappings(ctx context.Context, configID uint) ([]RoleMapping, error) {
	var mappings []RoleMapping
	if err := p.db.WithContext(ctx).Where("config_id = ?", configID).Find(&mappings).Error; err != nil {
		return nil, err
	}
	return mappings, nil
}

func (p *Postgres) AppendAudit(ctx context.Context, event *AuditEvent) error {
	return p.db.WithContext(ctx).Create(event).Error
}

func (p *Postgres) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	q := p.db.WithContext(ctx).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []AuditEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
