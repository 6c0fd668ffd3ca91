/* pkg/directory/types.go */

package directory

import "time"

// State tracks the lifecycle of a directory connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateBound
	StateSearching
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateBound:
		return "bound"
	case StateSearching:
		return "searching"
	default:
		return "unknown"
	}
}

// UserAttributes names the server schema attributes mapped into canonical
// user records.
type UserAttributes struct {
	ID          string `yaml:"id" json:"id"`
	Email       string `yaml:"email" json:"email"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	MemberOf    string `yaml:"member_of" json:"member_of"`
}

// GroupAttributes names the server schema attributes mapped into canonical
// group records.
type GroupAttributes struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Member      string `yaml:"member" json:"member"`
}

func defaultUserAttributes() UserAttributes {
	return UserAttributes{ID: "uid", Email: "mail", DisplayName: "cn", MemberOf: "memberOf"}
}

func defaultGroupAttributes() GroupAttributes {
	return GroupAttributes{Name: "cn", Description: "description", Member: "member"}
}

// ServerConfig holds connection and mapping parameters for one directory
// server. BindPassword is resolved by the caller from the credential
// provider; it is never persisted by this package.
type ServerConfig struct {
	Name string `yaml:"name" json:"name"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	UseTLS             bool `yaml:"use_tls" json:"use_tls"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`

	BindDN       string `yaml:"bind_dn" json:"bind_dn"`
	BindPassword string `yaml:"-" json:"-"`

	BaseDN      string `yaml:"base_dn" json:"base_dn"`
	UserBaseDN  string `yaml:"user_base_dn" json:"user_base_dn"`
	GroupBaseDN string `yaml:"group_base_dn" json:"group_base_dn"`

	UserFilter  string `yaml:"user_filter" json:"user_filter"`
	GroupFilter string `yaml:"group_filter" json:"group_filter"`

	UserAttrs  UserAttributes  `yaml:"user_attrs" json:"user_attrs"`
	GroupAttrs GroupAttributes `yaml:"group_attrs" json:"group_attrs"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	SearchTimeout  time.Duration `yaml:"search_timeout" json:"search_timeout"`
	SizeLimit      int           `yaml:"size_limit" json:"size_limit"`

	Reconnect         bool          `yaml:"reconnect" json:"reconnect"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" json:"reconnect_interval"`
	MaxReconnects     int           `yaml:"max_reconnects" json:"max_reconnects"`
}

// withDefaults fills unset fields so callers can supply sparse configs.
func (c ServerConfig) withDefaults() ServerConfig {
	if c.Port == 0 {
		if c.UseTLS {
			c.Port = 636
		} else {
			c.Port = 389
		}
	}
	if c.UserBaseDN == "" {
		c.UserBaseDN = c.BaseDN
	}
	if c.GroupBaseDN == "" {
		c.GroupBaseDN = c.BaseDN
	}
	if c.UserAttrs.ID == "" {
		c.UserAttrs.ID = "uid"
	}
	if c.UserAttrs.Email == "" {
		c.UserAttrs.Email = "mail"
	}
	if c.UserAttrs.DisplayName == "" {
		c.UserAttrs.DisplayName = "cn"
	}
	if c.UserAttrs.MemberOf == "" {
		c.UserAttrs.MemberOf = "memberOf"
	}
	if c.GroupAttrs.Name == "" {
		c.GroupAttrs.Name = "cn"
	}
	if c.GroupAttrs.Description == "" {
		c.GroupAttrs.Description = "description"
	}
	if c.GroupAttrs.Member == "" {
		c.GroupAttrs.Member = "member"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 30 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 3
	}
	return c
}

// User is the canonical user record produced by attribute mapping,
// independent of the source directory schema.
type User struct {
	ID          string              `json:"id"`
	DisplayName string              `json:"display_name"`
	Email       string              `json:"email"`
	Groups      []string            `json:"groups"`
	DN          string              `json:"dn"`
	Raw         map[string][]string `json:"raw,omitempty"`
}

// Group is the canonical group record. Members holds the raw member values
// (typically DNs) as returned by the server.
type Group struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Members     []string            `json:"members"`
	DN          string              `json:"dn"`
	Raw         map[string][]string `json:"raw,omitempty"`
}

// DiscoverOptions narrows a discovery run. Zero values fall back to the
// server configuration.
type DiscoverOptions struct {
	Filter     string
	Attributes []string
	SizeLimit  int
	TimeLimit  time.Duration
}

// TestResult reports the outcome of a connection test.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}
