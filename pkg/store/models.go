// pkg/store/models.go
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/directory"
)

// StringList stores a []string as a JSON column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
}

// RawAttrs stores the raw source attributes of a directory entry as JSON.
type RawAttrs map[string][]string

func (a RawAttrs) Value() (driver.Value, error) {
	if a == nil {
		return "{}", nil
	}
	b, err := json.Marshal(a)
	return string(b), err
}

func (a *RawAttrs) Scan(value any) error {
	if value == nil {
		*a = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("cannot scan %T into RawAttrs", value)
	}
}

// DirectoryServer holds the connection parameters for one directory server.
// BindPasswordRef is a credential-provider reference; plaintext secrets are
// never stored. The last-test columns are updated on every connection test.
type DirectoryServer struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"not null;uniqueIndex"`
	Host string `gorm:"not null"`
	Port int

	UseTLS             bool
	InsecureSkipVerify bool

	BindDN          string
	BindPasswordRef string

	BaseDN      string `gorm:"not null"`
	UserBaseDN  string
	GroupBaseDN string
	UserFilter  string
	GroupFilter string

	UserAttrID       string
	UserAttrEmail    string
	UserAttrName     string
	UserAttrMemberOf string
	GroupAttrName    string
	GroupAttrDesc    string
	GroupAttrMember  string

	ConnectTimeoutSecs    int
	SearchTimeoutSecs     int
	SizeLimit             int
	Reconnect             bool
	ReconnectIntervalSecs int
	MaxReconnects         int

	LastTestAt      *time.Time
	LastTestSuccess bool
	LastTestMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DirectoryServer) TableName() string { return "directory_servers" }

// ClientConfig converts the row into a directory client configuration. The
// bind password is left empty; callers resolve BindPasswordRef through the
// credential provider and fill it in.
func (s *DirectoryServer) ClientConfig() directory.ServerConfig {
	return directory.ServerConfig{
		Name:               s.Name,
		Host:               s.Host,
		Port:               s.Port,
		UseTLS:             s.UseTLS,
		InsecureSkipVerify: s.InsecureSkipVerify,
		BindDN:             s.BindDN,
		BaseDN:             s.BaseDN,
		UserBaseDN:         s.UserBaseDN,
		GroupBaseDN:        s.GroupBaseDN,
		UserFilter:         s.UserFilter,
		GroupFilter:        s.GroupFilter,
		UserAttrs: directory.UserAttributes{
			ID:          s.UserAttrID,
			Email:       s.UserAttrEmail,
			DisplayName: s.UserAttrName,
			MemberOf:    s.UserAttrMemberOf,
		},
		GroupAttrs: directory.GroupAttributes{
			Name:        s.GroupAttrName,
			Description: s.GroupAttrDesc,
			Member:      s.GroupAttrMember,
		},
		ConnectTimeout:    time.Duration(s.ConnectTimeoutSecs) * time.Second,
		SearchTimeout:     time.Duration(s.SearchTimeoutSecs) * time.Second,
		SizeLimit:         s.SizeLimit,
		Reconnect:         s.Reconnect,
		ReconnectInterval: time.Duration(s.ReconnectIntervalSecs) * time.Second,
		MaxReconnects:     s.MaxReconnects,
	}
}

// DirectoryUser is one row of the canonical user cache. Rows for a server
// are wholesale replaced on every successful discovery.
type DirectoryUser struct {
	ID          uint   `gorm:"primaryKey"`
	ServerID    uint   `gorm:"not null;index"`
	UID         string `gorm:"not null;index"`
	DisplayName string
	Email       string
	DN          string
	Groups      StringList `gorm:"type:jsonb"`
	Raw         RawAttrs   `gorm:"type:jsonb"`
	CreatedAt   time.Time
}

func (DirectoryUser) TableName() string { return "directory_users" }

// Canonical converts the cached row back into the canonical record.
func (u DirectoryUser) Canonical() directory.User {
	return directory.User{
		ID:          u.UID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Groups:      u.Groups,
		DN:          u.DN,
		Raw:         u.Raw,
	}
}

// NewDirectoryUser builds a cache row from a canonical record.
func NewDirectoryUser(serverID uint, u directory.User) DirectoryUser {
	return DirectoryUser{
		ServerID:    serverID,
		UID:         u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		DN:          u.DN,
		Groups:      StringList(u.Groups),
		Raw:         RawAttrs(u.Raw),
	}
}

// DirectoryGroup is one row of the canonical group cache.
type DirectoryGroup struct {
	ID          uint   `gorm:"primaryKey"`
	ServerID    uint   `gorm:"not null;index"`
	Name        string `gorm:"not null;index"`
	Description string
	DN          string
	Members     StringList `gorm:"type:jsonb"`
	Raw         RawAttrs   `gorm:"type:jsonb"`
	CreatedAt   time.Time
}

func (DirectoryGroup) TableName() string { return "directory_groups" }

func (g DirectoryGroup) Canonical() directory.Group {
	return directory.Group{
		Name:        g.Name,
		Description: g.Description,
		Members:     g.Members,
		DN:          g.DN,
		Raw:         g.Raw,
	}
}

func NewDirectoryGroup(serverID uint, g directory.Group) DirectoryGroup {
	return DirectoryGroup{
		ServerID:    serverID,
		Name:        g.Name,
		Description: g.Description,
		DN:          g.DN,
		Members:     StringList(g.Members),
		Raw:         RawAttrs(g.Raw),
	}
}

// ToolSyncConfig binds a directory server to a target tool.
type ToolSyncConfig struct {
	ID       uint   `gorm:"primaryKey"`
	Name     string `gorm:"not null;uniqueIndex"`
	ServerID uint   `gorm:"not null;index"`

	Tool          string `gorm:"not null"`
	BaseURL       string
	CredentialRef string
	Enabled       bool `gorm:"default:true"`

	SyncUsers  bool
	SyncGroups bool

	CreateUsers  bool
	UpdateUsers  bool
	DeleteUsers  bool
	DisableUsers bool
	CreateGroups bool
	UpdateGroups bool
	DeleteGroups bool

	Schedule          string
	ConflictPolicy    string `gorm:"default:ldap_wins"`
	RequestsPerMinute int

	Server DirectoryServer `gorm:"foreignKey:ServerID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ToolSyncConfig) TableName() string { return "tool_sync_configs" }

// Sync job lifecycle states. Transitions are monotonic; terminal rows are
// never mutated again.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// SyncJob is the durable record of one sync request. Only the orchestrator
// goroutine that owns a job mutates its row.
type SyncJob struct {
	ID       string `gorm:"primaryKey"`
	ConfigID uint   `gorm:"not null;index"`

	Scope     string `gorm:"not null"`
	Type      string `gorm:"not null"`
	IsPreview bool

	Status      string `gorm:"not null;index"`
	TriggeredBy string

	UsersProcessed int
	UsersCreated   int
	UsersUpdated   int
	UsersDeleted   int
	UsersDisabled  int
	UsersFailed    int

	GroupsProcessed int
	GroupsCreated   int
	GroupsUpdated   int
	GroupsDeleted   int
	GroupsFailed    int

	ConflictCount int

	Errors StringList `gorm:"type:jsonb"`
	Error  string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (SyncJob) TableName() string { return "sync_jobs" }

// Terminal reports whether the job reached a final state.
func (j *SyncJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// RoleMapping assigns a tool role to members of a directory group. Read-only
// input to adapters.
type RoleMapping struct {
	ID        uint   `gorm:"primaryKey"`
	ConfigID  uint   `gorm:"not null;index"`
	GroupName string `gorm:"not null"`
	Role      string `gorm:"not null"`

	CreatedAt time.Time
}

func (RoleMapping) TableName() string { return "role_mappings" }

// AuditEvent is one append-only audit row.
type AuditEvent struct {
	ID            uint   `gorm:"primaryKey"`
	CorrelationID string `gorm:"index"`
	EventType     string `gorm:"not null;index"`
	Category      string
	Actor         string

	ServerID *uint
	ConfigID *uint
	JobID    string

	Success    bool
	Detail     string
	Error      string
	DurationMS int64

	CreatedAt time.Time
}

func (AuditEvent) TableName() string { return "audit_events" }
