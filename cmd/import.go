/* cmd/import.go */

package cmd

import (
	"context"
	"fmt"
	"os"

	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/cronexpr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/adapter"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/cli"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/store"
)

var importFile string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load directory servers and tool configs from a seed file",
	Long: `Import reads a YAML seed file and upserts its directory servers, tool
configs, and role mappings by name. Existing records are updated in place;
sync jobs and the audit trail are never touched.`,
	RunE: cli.Wrap(func(rc *cli.RuntimeContext, cmd *cobra.Command, args []string) error {
		seed, err := loadSeed(importFile)
		if err != nil {
			return err
		}

		rt, err := buildRuntime(rc, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := applySeed(rc.Ctx, rt.Repo, seed, rc.Log)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %s: %d server(s) (%d new), %d config(s) (%d new), %d role mapping(s) added\n",
			importFile, res.Servers, res.NewServers, res.Configs, res.NewConfigs, res.Mappings)
		return nil
	}),
}

// seedFile is the on-disk shape of a seed document.
type seedFile struct {
	Servers []seedServer `yaml:"servers"`
	Configs []seedConfig `yaml:"configs"`
}

type seedServer struct {
	Name               string `yaml:"name"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	UseTLS             bool   `yaml:"use_tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	BindDN          string `yaml:"bind_dn"`
	BindPasswordRef string `yaml:"bind_password_ref"`

	BaseDN      string `yaml:"base_dn"`
	UserBaseDN  string `yaml:"user_base_dn"`
	GroupBaseDN string `yaml:"group_base_dn"`
	UserFilter  string `yaml:"user_filter"`
	GroupFilter string `yaml:"group_filter"`

	UserAttrID       string `yaml:"user_attr_id"`
	UserAttrEmail    string `yaml:"user_attr_email"`
	UserAttrName     string `yaml:"user_attr_name"`
	UserAttrMemberOf string `yaml:"user_attr_member_of"`
	GroupAttrName    string `yaml:"group_attr_name"`
	GroupAttrDesc    string `yaml:"group_attr_desc"`
	GroupAttrMember  string `yaml:"group_attr_member"`

	ConnectTimeoutSecs    int  `yaml:"connect_timeout_secs"`
	SearchTimeoutSecs     int  `yaml:"search_timeout_secs"`
	SizeLimit             int  `yaml:"size_limit"`
	Reconnect             bool `yaml:"reconnect"`
	ReconnectIntervalSecs int  `yaml:"reconnect_interval_secs"`
	MaxReconnects         int  `yaml:"max_reconnects"`
}

type seedConfig struct {
	Name          string `yaml:"name"`
	Server        string `yaml:"server"`
	Tool          string `yaml:"tool"`
	BaseURL       string `yaml:"base_url"`
	CredentialRef string `yaml:"credential_ref"`

	// Enabled, SyncUsers, and SyncGroups default to true when omitted.
	Enabled    *bool `yaml:"enabled"`
	SyncUsers  *bool `yaml:"sync_users"`
	SyncGroups *bool `yaml:"sync_groups"`

	CreateUsers  bool `yaml:"create_users"`
	UpdateUsers  bool `yaml:"update_users"`
	DeleteUsers  bool `yaml:"delete_users"`
	DisableUsers bool `yaml:"disable_users"`
	CreateGroups bool `yaml:"create_groups"`
	UpdateGroups bool `yaml:"update_groups"`
	DeleteGroups bool `yaml:"delete_groups"`

	Schedule          string `yaml:"schedule"`
	ConflictPolicy    string `yaml:"conflict_policy"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`

	RoleMappings map[string]string `yaml:"role_mappings"`
}

// loadSeed parses and validates a seed file without touching the store.
func loadSeed(path string) (*seedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, cerr.Wrapf(err, "read seed file %q", path)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, cerr.Wrapf(err, "parse seed file %q", path)
	}

	names := make(map[string]bool, len(seed.Servers))
	for i, s := range seed.Servers {
		if s.Name == "" || s.Host == "" || s.BaseDN == "" {
			return nil, cerr.Newf("seed server %d: name, host, and base_dn are required", i+1)
		}
		if names[s.Name] {
			return nil, cerr.Newf("seed server %q listed twice", s.Name)
		}
		names[s.Name] = true
	}

	cfgNames := make(map[string]bool, len(seed.Configs))
	for i, c := range seed.Configs {
		if c.Name == "" || c.Server == "" || c.Tool == "" {
			return nil, cerr.Newf("seed config %d: name, server, and tool are required", i+1)
		}
		if cfgNames[c.Name] {
			return nil, cerr.Newf("seed config %q listed twice", c.Name)
		}
		cfgNames[c.Name] = true
		if c.Schedule != "" {
			if _, err := cronexpr.Parse(c.Schedule); err != nil {
				return nil, cerr.Wrapf(err, "seed config %q: invalid schedule %q", c.Name, c.Schedule)
			}
		}
		switch c.ConflictPolicy {
		case "", adapter.ConflictPolicyLDAPWins, adapter.ConflictPolicyBlock:
		default:
			return nil, cerr.Newf("seed config %q: unknown conflict policy %q", c.Name, c.ConflictPolicy)
		}
	}
	return &seed, nil
}

// importResult counts what applySeed touched.
type importResult struct {
	Servers    int
	NewServers int
	Configs    int
	NewConfigs int
	Mappings   int
}

// applySeed upserts the seed into the repository. Servers are matched by
// name, configs by name, and role mappings are added when the (group, role)
// pair is not already present.
func applySeed(ctx context.Context, repo store.Repository, seed *seedFile, log *zap.Logger) (*importResult, error) {
	res := &importResult{}
	known := make(map[string]bool)
	for _, slug := range adapter.Registered() {
		known[slug] = true
	}

	serverIDs := make(map[string]uint, len(seed.Servers))
	for _, s := range seed.Servers {
		existing, err := repo.GetServerByName(ctx, s.Name)
		switch {
		case err == nil:
			s.applyTo(existing)
			if err := repo.UpdateServer(ctx, existing); err != nil {
				return nil, cerr.Wrapf(err, "update server %q", s.Name)
			}
			serverIDs[s.Name] = existing.ID
		case cerr.Is(err, store.ErrNotFound):
			row := &store.DirectoryServer{}
			s.applyTo(row)
			if err := repo.CreateServer(ctx, row); err != nil {
				return nil, cerr.Wrapf(err, "create server %q", s.Name)
			}
			serverIDs[s.Name] = row.ID
			res.NewServers++
		default:
			return nil, cerr.Wrapf(err, "look up server %q", s.Name)
		}
		res.Servers++
	}

	for _, c := range seed.Configs {
		serverID, ok := serverIDs[c.Server]
		if !ok {
			server, err := repo.GetServerByName(ctx, c.Server)
			if err != nil {
				return nil, cerr.Wrapf(err, "config %q references unknown server %q", c.Name, c.Server)
			}
			serverID = server.ID
		}
		if !known[c.Tool] {
			log.Warn("Seed config references an unregistered tool; jobs for it will fail",
				zap.String("config", c.Name),
				zap.String("tool", c.Tool))
		}

		var cfgID uint
		existing, err := repo.GetToolConfigByName(ctx, c.Name)
		switch {
		case err == nil:
			c.applyTo(existing, serverID)
			if err := repo.UpdateToolConfig(ctx, existing); err != nil {
				return nil, cerr.Wrapf(err, "update config %q", c.Name)
			}
			cfgID = existing.ID
		case cerr.Is(err, store.ErrNotFound):
			row := &store.ToolSyncConfig{}
			c.applyTo(row, serverID)
			if err := repo.CreateToolConfig(ctx, row); err != nil {
				return nil, cerr.Wrapf(err, "create config %q", c.Name)
			}
			cfgID = row.ID
			res.NewConfigs++
		default:
			return nil, cerr.Wrapf(err, "look up config %q", c.Name)
		}
		res.Configs++

		added, err := addRoleMappings(ctx, repo, cfgID, c.RoleMappings)
		if err != nil {
			return nil, cerr.Wrapf(err, "role mappings for %q", c.Name)
		}
		res.Mappings += added
	}
	return res, nil
}

func addRoleMappings(ctx context.Context, repo store.Repository, configID uint, want map[string]string) (int, error) {
	if len(want) == 0 {
		return 0, nil
	}
	existing, err := repo.ListRoleMappings(ctx, configID)
	if err != nil {
		return 0, err
	}
	have := make(map[string]string, len(existing))
	for _, m := range existing {
		have[m.GroupName] = m.Role
	}

	added := 0
	for group, role := range want {
		if have[group] == role {
			continue
		}
		if err := repo.CreateRoleMapping(ctx, &store.RoleMapping{
			ConfigID:  configID,
			GroupName: group,
			Role:      role,
		}); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (s seedServer) applyTo(row *store.DirectoryServer) {
	row.Name = s.Name
	row.Host = s.Host
	row.Port = s.Port
	row.UseTLS = s.UseTLS
	row.InsecureSkipVerify = s.InsecureSkipVerify
	row.BindDN = s.BindDN
	row.BindPasswordRef = s.BindPasswordRef
	row.BaseDN = s.BaseDN
	row.UserBaseDN = s.UserBaseDN
	row.GroupBaseDN = s.GroupBaseDN
	row.UserFilter = s.UserFilter
	row.GroupFilter = s.GroupFilter
	row.UserAttrID = s.UserAttrID
	row.UserAttrEmail = s.UserAttrEmail
	row.UserAttrName = s.UserAttrName
	row.UserAttrMemberOf = s.UserAttrMemberOf
	row.GroupAttrName = s.GroupAttrName
	row.GroupAttrDesc = s.GroupAttrDesc
	row.GroupAttrMember = s.GroupAttrMember
	row.ConnectTimeoutSecs = s.ConnectTimeoutSecs
	row.SearchTimeoutSecs = s.SearchTimeoutSecs
	row.SizeLimit = s.SizeLimit
	row.Reconnect = s.Reconnect
	row.ReconnectIntervalSecs = s.ReconnectIntervalSecs
	row.MaxReconnects = s.MaxReconnects
}

func (c seedConfig) applyTo(row *store.ToolSyncConfig, serverID uint) {
	row.Name = c.Name
	row.ServerID = serverID
	row.Tool = c.Tool
	row.BaseURL = c.BaseURL
	row.CredentialRef = c.CredentialRef
	row.Enabled = boolOr(c.Enabled, true)
	row.SyncUsers = boolOr(c.SyncUsers, true)
	row.SyncGroups = boolOr(c.SyncGroups, true)
	row.CreateUsers = c.CreateUsers
	row.UpdateUsers = c.UpdateUsers
	row.DeleteUsers = c.DeleteUsers
	row.DisableUsers = c.DisableUsers
	row.CreateGroups = c.CreateGroups
	row.UpdateGroups = c.UpdateGroups
	row.DeleteGroups = c.DeleteGroups
	row.Schedule = c.Schedule
	row.ConflictPolicy = c.ConflictPolicy
	row.RequestsPerMinute = c.RequestsPerMinute
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "seed file path")
	_ = importCmd.MarkFlagRequired("file")
}
