// pkg/adapter/grafana/grafana.go
// Grafana adapter: directory users become org users, directory groups become
// teams. Talks to the Grafana HTTP API with a service account token.

package grafana

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/adapter"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/directory"
)

const (
	Slug = "grafana"

	attrRole = "role"

	roleViewer = "Viewer"
	roleEditor = "Editor"
	roleAdmin  = "Admin"

	teamsPerPage = 1000
)

// roleRank orders Grafana org roles so a user in several mapped groups gets
// the most privileged one.
var roleRank = map[string]int{roleViewer: 1, roleEditor: 2, roleAdmin: 3}

func init() {
	adapter.Register(Slug, New)
}

// Adapter implements the tool contract against the Grafana HTTP API.
type Adapter struct {
	*adapter.Base
	roleMappings map[string]string
}

var (
	_ adapter.Adapter          = (*Adapter)(nil)
	_ adapter.ConflictDetector = (*Adapter)(nil)
)

// New builds a Grafana adapter from its tool configuration.
func New(cfg adapter.Config) (adapter.Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, &adapter.AdapterError{
			Tool: Slug, Op: "construct", Fatal: true,
			Err: errors.New("base URL is required"),
		}
	}
	return &Adapter{Base: adapter.NewBase(cfg), roleMappings: cfg.RoleMappings}, nil
}

// orgUser is Grafana's representation of a user inside the current org.
type orgUser struct {
	ID       int64  `json:"userId"`
	Login    string `json:"login"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Disabled bool   `json:"isDisabled"`
}

type team struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type teamSearch struct {
	TotalCount int    `json:"totalCount"`
	Teams      []team `json:"teams"`
}

type teamMember struct {
	UserID int64  `json:"userId"`
	Login  string `json:"login"`
}

type createUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Login    string `json:"login"`
	Password string `json:"password"`
}

type updateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Login string `json:"login"`
}

type createUserResponse struct {
	ID int64 `json:"id"`
}

type createTeamResponse struct {
	TeamID int64 `json:"teamId"`
}

type userLookup struct {
	ID int64 `json:"id"`
}

func (a *Adapter) FetchRemoteUsers(ctx context.Context) ([]adapter.RemoteUser, error) {
	var rows []orgUser
	if err := a.Do(ctx, "list_org_users", http.MethodGet, "/api/org/users", nil, &rows); err != nil {
		return nil, err
	}

	users := make([]adapter.RemoteUser, 0, len(rows))
	for _, r := range rows {
		users = append(users, adapter.RemoteUser{
			ID:         strconv.FormatInt(r.ID, 10),
			Username:   r.Login,
			Email:      r.Email,
			Name:       r.Name,
			Disabled:   r.Disabled,
			Attributes: map[string]string{attrRole: r.Role},
		})
	}
	return users, nil
}

func (a *Adapter) FetchRemoteGroups(ctx context.Context) ([]adapter.RemoteGroup, error) {
	var groups []adapter.RemoteGroup
	for page := 1; ; page++ {
		var res teamSearch
		path := fmt.Sprintf("/api/teams/search?perpage=%d&page=%d", teamsPerPage, page)
		if err := a.Do(ctx, "search_teams", http.MethodGet, path, nil, &res); err != nil {
			return nil, err
		}
		for _, t := range res.Teams {
			members, err := a.teamMembers(ctx, t.ID)
			if err != nil {
				return nil, err
			}
			logins := make([]string, 0, len(members))
			for _, m := range members {
				logins = append(logins, m.Login)
			}
			groups = append(groups, adapter.RemoteGroup{
				ID:      strconv.FormatInt(t.ID, 10),
				Name:    t.Name,
				Members: logins,
			})
		}
		if len(res.Teams) == 0 || len(groups) >= res.TotalCount {
			return groups, nil
		}
	}
}

func (a *Adapter) teamMembers(ctx context.Context, teamID int64) ([]teamMember, error) {
	var members []teamMember
	path := fmt.Sprintf("/api/teams/%d/members", teamID)
	if err := a.Do(ctx, "list_team_members", http.MethodGet, path, nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (a *Adapter) IdentifyUser(u directory.User, remote []adapter.RemoteUser) (*adapter.RemoteUser, bool) {
	id := adapter.ToolIdentifier(u)
	for i := range remote {
		if strings.EqualFold(remote[i].Username, id) {
			return &remote[i], true
		}
	}
	// Accounts created by hand sometimes carry the full address as login;
	// fall back to the email itself.
	if u.Email != "" {
		for i := range remote {
			if strings.EqualFold(remote[i].Email, u.Email) {
				return &remote[i], true
			}
		}
	}
	return nil, false
}

func (a *Adapter) IdentifyGroup(g directory.Group, remote []adapter.RemoteGroup) (*adapter.RemoteGroup, bool) {
	for i := range remote {
		if strings.EqualFold(remote[i].Name, g.Name) {
			return &remote[i], true
		}
	}
	return nil, false
}

func (a *Adapter) MapUser(u directory.User) adapter.RemoteUser {
	ru := adapter.RemoteUser{
		Username: adapter.ToolIdentifier(u),
		Email:    strings.ToLower(u.Email),
		Name:     u.DisplayName,
	}
	if role := a.roleFor(u); role != "" {
		ru.Attributes = map[string]string{attrRole: role}
	}
	return ru
}

// roleFor resolves the org role for a user from the configured group-to-role
// mappings, keeping the most privileged one when several groups map.
func (a *Adapter) roleFor(u directory.User) string {
	best := ""
	for _, g := range u.Groups {
		role, ok := a.roleMappings[g]
		if !ok {
			role, ok = a.roleMappings[strings.ToLower(g)]
		}
		if ok && roleRank[role] > roleRank[best] {
			best = role
		}
	}
	return best
}

func (a *Adapter) MapGroup(g directory.Group) adapter.RemoteGroup {
	members := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		if v := directory.LeadingRDNValue(m); v != "" {
			members = append(members, strings.ToLower(v))
		}
	}
	sort.Strings(members)
	return adapter.RemoteGroup{Name: g.Name, Members: members}
}

func (a *Adapter) DetectUserDiff(u directory.User, remote adapter.RemoteUser) []adapter.FieldChange {
	desired := a.MapUser(u)
	var fields []adapter.FieldChange
	if desired.Email != "" && !strings.EqualFold(desired.Email, remote.Email) {
		fields = append(fields, adapter.FieldChange{Field: "email", Old: remote.Email, New: desired.Email})
	}
	if desired.Name != "" && desired.Name != remote.Name {
		fields = append(fields, adapter.FieldChange{Field: "name", Old: remote.Name, New: desired.Name})
	}
	if want := desired.Attributes[attrRole]; want != "" && want != remote.Attributes[attrRole] {
		fields = append(fields, adapter.FieldChange{Field: attrRole, Old: remote.Attributes[attrRole], New: want})
	}
	if remote.Disabled {
		// The account still exists in the directory, so it comes back.
		fields = append(fields, adapter.FieldChange{Field: "active", Old: "false", New: "true"})
	}
	return fields
}

func (a *Adapter) DetectGroupDiff(g directory.Group, remote adapter.RemoteGroup) []adapter.FieldChange {
	want := memberKey(a.MapGroup(g).Members)
	have := memberKey(remote.Members)
	if want == have {
		return nil
	}
	return []adapter.FieldChange{{Field: "members", Old: have, New: want}}
}

// DetectConflicts protects manually promoted admins: demoting a Grafana
// Admin because of a directory mapping is surfaced for the conflict policy
// to arbitrate instead of being treated as ordinary drift.
func (a *Adapter) DetectConflicts(u directory.User, remote adapter.RemoteUser) []adapter.Conflict {
	want := a.MapUser(u).Attributes[attrRole]
	have := remote.Attributes[attrRole]
	if have == roleAdmin && want != "" && want != roleAdmin {
		return []adapter.Conflict{{
			Kind:           adapter.KindUser,
			Identifier:     remote.Username,
			Field:          attrRole,
			DirectoryValue: want,
			RemoteValue:    have,
		}}
	}
	return nil
}

func (a *Adapter) ApplyUserChange(ctx context.Context, change adapter.Change) error {
	switch change.Action {
	case adapter.ActionCreate:
		return a.createUser(ctx, change)
	case adapter.ActionUpdate:
		return a.updateUser(ctx, change)
	case adapter.ActionDisable:
		path := fmt.Sprintf("/api/admin/users/%s/disable", change.RemoteID)
		return a.Do(ctx, "disable_user", http.MethodPost, path, nil, nil)
	case adapter.ActionDelete:
		path := fmt.Sprintf("/api/admin/users/%s", change.RemoteID)
		return a.Do(ctx, "delete_user", http.MethodDelete, path, nil, nil)
	}
	return fmt.Errorf("unsupported user action %q", change.Action)
}

func (a *Adapter) createUser(ctx context.Context, change adapter.Change) error {
	desired := change.User
	if desired == nil {
		return fmt.Errorf("create change for %q carries no desired state", change.Identifier)
	}
	// Directory users authenticate upstream; the local password is a random
	// placeholder nobody ever types.
	req := createUserRequest{
		Name:     desired.Name,
		Email:    desired.Email,
		Login:    desired.Username,
		Password: uuid.NewString(),
	}
	var res createUserResponse
	if err := a.Do(ctx, "create_user", http.MethodPost, "/api/admin/users", req, &res); err != nil {
		return err
	}
	if role := desired.Attributes[attrRole]; role != "" && role != roleViewer {
		return a.setOrgRole(ctx, res.ID, role)
	}
	return nil
}

func (a *Adapter) updateUser(ctx context.Context, change adapter.Change) error {
	desired := change.User
	if desired == nil {
		return fmt.Errorf("update change for %q carries no desired state", change.Identifier)
	}
	id, err := strconv.ParseInt(change.RemoteID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid grafana user id %q: %w", change.RemoteID, err)
	}

	req := updateUserRequest{Name: desired.Name, Email: desired.Email, Login: desired.Username}
	path := fmt.Sprintf("/api/users/%d", id)
	if err := a.Do(ctx, "update_user", http.MethodPut, path, req, nil); err != nil {
		return err
	}
	for _, f := range change.Fields {
		switch f.Field {
		case attrRole:
			if err := a.setOrgRole(ctx, id, f.New); err != nil {
				return err
			}
		case "active":
			enable := fmt.Sprintf("/api/admin/users/%d/enable", id)
			if err := a.Do(ctx, "enable_user", http.MethodPost, enable, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Adapter) setOrgRole(ctx context.Context, userID int64, role string) error {
	path := fmt.Sprintf("/api/org/users/%d", userID)
	return a.Do(ctx, "set_org_role", http.MethodPatch, path, map[string]string{"role": role}, nil)
}

func (a *Adapter) ApplyGroupChange(ctx context.Context, change adapter.Change) error {
	switch change.Action {
	case adapter.ActionCreate:
		return a.createTeam(ctx, change)
	case adapter.ActionUpdate:
		return a.updateTeam(ctx, change)
	case adapter.ActionDelete:
		path := fmt.Sprintf("/api/teams/%s", change.RemoteID)
		return a.Do(ctx, "delete_team", http.MethodDelete, path, nil, nil)
	}
	return fmt.Errorf("unsupported group action %q", change.Action)
}

func (a *Adapter) createTeam(ctx context.Context, change adapter.Change) error {
	desired := change.Group
	if desired == nil {
		return fmt.Errorf("create change for %q carries no desired state", change.Identifier)
	}
	var res createTeamResponse
	body := map[string]string{"name": desired.Name}
	if err := a.Do(ctx, "create_team", http.MethodPost, "/api/teams", body, &res); err != nil {
		return err
	}
	return a.reconcileMembers(ctx, res.TeamID, desired.Members)
}

func (a *Adapter) updateTeam(ctx context.Context, change adapter.Change) error {
	desired := change.Group
	if desired == nil {
		return fmt.Errorf("update change for %q carries no desired state", change.Identifier)
	}
	id, err := strconv.ParseInt(change.RemoteID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid grafana team id %q: %w", change.RemoteID, err)
	}
	return a.reconcileMembers(ctx, id, desired.Members)
}

// reconcileMembers converges a team's membership on the desired login set,
// adding and removing one member per call. Logins without a Grafana account
// are skipped: they belong to users outside the sync scope or whose creation
// failed earlier in the run.
func (a *Adapter) reconcileMembers(ctx context.Context, teamID int64, desired []string) error {
	current, err := a.teamMembers(ctx, teamID)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(desired))
	for _, login := range desired {
		want[strings.ToLower(login)] = true
	}
	have := make(map[string]int64, len(current))
	for _, m := range current {
		have[strings.ToLower(m.Login)] = m.UserID
	}

	for login := range want {
		if _, ok := have[login]; ok {
			continue
		}
		userID, err := a.lookupUserID(ctx, login)
		if adapter.IsNotFound(err) {
			otelzap.Ctx(ctx).Warn("Skipping team member without a Grafana account",
				zap.String("login", login),
				zap.Int64("team_id", teamID))
			continue
		}
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/api/teams/%d/members", teamID)
		if err := a.Do(ctx, "add_team_member", http.MethodPost, path, map[string]int64{"userId": userID}, nil); err != nil {
			return err
		}
	}

	for login, userID := range have {
		if want[login] {
			continue
		}
		path := fmt.Sprintf("/api/teams/%d/members/%d", teamID, userID)
		if err := a.Do(ctx, "remove_team_member", http.MethodDelete, path, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) lookupUserID(ctx context.Context, login string) (int64, error) {
	var res userLookup
	path := "/api/users/lookup?loginOrEmail=" + url.QueryEscape(login)
	if err := a.Do(ctx, "lookup_user", http.MethodGet, path, nil, &res); err != nil {
		return 0, err
	}
	return res.ID, nil
}

func memberKey(members []string) string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, strings.ToLower(m))
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
