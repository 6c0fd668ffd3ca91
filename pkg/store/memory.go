// pkg/store/memory.go
package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Repository used by tests and `hermes serve
// --ephemeral`. It mirrors the Postgres semantics, including wholesale
// snapshot replacement.
type Memory struct {
	mu sync.RWMutex

	serverSeq uint
	servers   map[uint]DirectoryServer

	users  map[uint][]DirectoryUser
	groups map[uint][]DirectoryGroup

	configSeq uint
	configs   map[uint]ToolSyncConfig

	jobs     map[string]SyncJob
	jobOrder []string

	mappingSeq uint
	mappings   map[uint][]RoleMapping

	auditSeq uint
	audits   []AuditEvent
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		servers:  make(map[uint]DirectoryServer),
		users:    make(map[uint][]DirectoryUser),
		groups:   make(map[uint][]DirectoryGroup),
		configs:  make(map[uint]ToolSyncConfig),
		jobs:     make(map[string]SyncJob),
		mappings: make(map[uint][]RoleMapping),
	}
}

func cloneList(l StringList) StringList {
	if l == nil {
		return nil
	}
	out := make(StringList, len(l))
	copy(out, l)
	return out
}

func cloneRaw(a RawAttrs) RawAttrs {
	if a == nil {
		return nil
	}
	out := make(RawAttrs, len(a))
	for k, v := range a {
		vals := make([]string, len(v))
		copy(vals, v)
		out[k] = vals
	}
	return out
}

func cloneUser(u DirectoryUser) DirectoryUser {
	u.Groups = cloneList(u.Groups)
	u.Raw = cloneRaw(u.Raw)
	return u
}

func cloneGroup(g DirectoryGroup) DirectoryGroup {
	g.Members = cloneList(g.Members)
	g.Raw = cloneRaw(g.Raw)
	return g
}

func cloneJob(j SyncJob) SyncJob {
	j.Errors = cloneList(j.Errors)
	return j
}

func (m *Memory) CreateServer(_ context.Context, server *DirectoryServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverSeq++
	server.ID = m.serverSeq
	server.CreatedAt = time.Now()
	server.UpdatedAt = server.CreatedAt
	m.servers[server.ID] = *server
	return nil
}

func (m *Memory) GetServer(_ context.Context, id uint) (*DirectoryServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	server, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &server, nil
}

func (m *Memory) GetServerByName(_ context.Context, name string) (*DirectoryServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, server := range m.servers {
		if server.Name == name {
			s := server
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListServers(_ context.Context) ([]DirectoryServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DirectoryServer, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateServer(_ context.Context, server *DirectoryServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[server.ID]; !ok {
		return ErrNotFound
	}
	server.UpdatedAt = time.Now()
	m.servers[server.ID] = *server
	return nil
}

func (m *Memory) ReplaceUsers(_ context.Context, serverID uint, users []DirectoryUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]DirectoryUser, 0, len(users))
	for i, u := range users {
		u.ID = uint(i + 1)
		u.ServerID = serverID
		u.CreatedAt = time.Now()
		snapshot = append(snapshot, cloneUser(u))
	}
	m.users[serverID] = snapshot
	return nil
}

func (m *Memory) ReplaceGroups(_ context.Context, serverID uint, groups []DirectoryGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]DirectoryGroup, 0, len(groups))
	for i, g := range groups {
		g.ID = uint(i + 1)
		g.ServerID = serverID
		g.CreatedAt = time.Now()
		snapshot = append(snapshot, cloneGroup(g))
	}
	m.groups[serverID] = snapshot
	return nil
}

func (m *Memory) ListUsers(_ context.Context, serverID uint) ([]DirectoryUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.users[serverID]
	out := make([]DirectoryUser, 0, len(rows))
	for _, u := range rows {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (m *Memory) ListGroups(_ context.Context, serverID uint) ([]DirectoryGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.groups[serverID]
	out := make([]DirectoryGroup, 0, len(rows))
	for _, g := range rows {
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) CreateToolConfig(_ context.Context, cfg *ToolSyncConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configSeq++
	cfg.ID = m.configSeq
	cfg.CreatedAt = time.Now()
	cfg.UpdatedAt = cfg.CreatedAt
	m.configs[cfg.ID] = *cfg
	return nil
}

func (m *Memory) GetToolConfig(_ context.Context, id uint) (*ToolSyncConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &cfg, nil
}

func (m *Memory) GetToolConfigByName(_ context.Context, name string) (*ToolSyncConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cfg := range m.configs {
		if cfg.Name == name {
			c := cfg
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListToolConfigs(_ context.Context) ([]ToolSyncConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ToolSyncConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateToolConfig(_ context.Context, cfg *ToolSyncConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.ID]; !ok {
		return ErrNotFound
	}
	cfg.UpdatedAt = time.Now()
	m.configs[cfg.ID] = *cfg
	return nil
}

func (m *Memory) CreateSyncJob(_ context.Context, job *SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.CreatedAt = time.Now()
	m.jobs[job.ID] = cloneJob(*job)
	m.jobOrder = append(m.jobOrder, job.ID)
	return nil
}

func (m *Memory) GetSyncJob(_ context.Context, id string) (*SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	j := cloneJob(job)
	return &j, nil
}

func (m *Memory) UpdateSyncJob(_ context.Context, job *SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[job.ID] = cloneJob(*job)
	return nil
}

func (m *Memory) ListSyncJobs(_ context.Context, configID uint, limit int) ([]SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SyncJob, 0, len(m.jobOrder))
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		job := m.jobs[m.jobOrder[i]]
		if configID != 0 && job.ConfigID != configID {
			continue
		}
		out = append(out, cloneJob(job))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListSyncJobsByStatus(_ context.Context, status string) ([]SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SyncJob, 0)
	for _, id := range m.jobOrder {
		job := m.jobs[id]
		if job.Status == status {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func (m *Memory) CreateRoleMapping(_ context.Context, mapping *RoleMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappingSeq++
	mapping.ID = m.mappingSeq
	mapping.CreatedAt = time.Now()
	m.mappings[mapping.ConfigID] = append(m.mappings[mapping.ConfigID], *mapping)
	return nil
}

func (m *Memory) ListRoleMappings(_ context.Context, configID uint) ([]RoleMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.mappings[configID]
	out := make([]RoleMapping, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq++
	event.ID = m.auditSeq
	event.CreatedAt = time.Now()
	m.audits = append(m.audits, *event)
	return nil
}

func (m *Memory) ListAuditEvents(_ context.Context, limit int) ([]AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEvent, 0, len(m.audits))
	for i := len(m.audits) - 1; i >= 0; i-- {
		out = append(out, m.audits[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
