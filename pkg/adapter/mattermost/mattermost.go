// pkg/adapter/mattermost/mattermost.go
// Mattermost adapter: directory users become Mattermost users, directory
// groups become invite-only teams. Talks to the API v4 with a personal
// access token.

package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/adapter"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/directory"
)

const (
	Slug = "mattermost"

	attrDisplayName = "display_name"

	// Mattermost caps per_page at 200.
	perPage = 200

	inviteOnlyTeam = "I"
)

func init() {
	adapter.Register(Slug, New)
}

// Adapter implements the tool contract against the Mattermost API v4. It
// memoizes the user list within a run because team membership is reported
// as user ids, not usernames.
type Adapter struct {
	*adapter.Base

	mu            sync.Mutex
	usernamesByID map[string]string
	idsByUsername map[string]string
}

var _ adapter.Adapter = (*Adapter)(nil)

// New builds a Mattermost adapter from its tool configuration.
func New(cfg adapter.Config) (adapter.Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, &adapter.AdapterError{
			Tool: Slug, Op: "construct", Fatal: true,
			Err: errors.New("base URL is required"),
		}
	}
	return &Adapter{Base: adapter.NewBase(cfg)}, nil
}

type mmUser struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	DeleteAt  int64  `json:"delete_at"`
}

func (u mmUser) fullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

type mmTeam struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	DeleteAt    int64  `json:"delete_at"`
}

type mmTeamMember struct {
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
}

type createUserRequest struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Password  string `json:"password"`
}

type patchUserRequest struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type createTeamRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type patchTeamRequest struct {
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

func (a *Adapter) FetchRemoteUsers(ctx context.Context) ([]adapter.RemoteUser, error) {
	rows, err := a.listUsers(ctx)
	if err != nil {
		return nil, err
	}

	users := make([]adapter.RemoteUser, 0, len(rows))
	for _, u := range rows {
		users = append(users, adapter.RemoteUser{
			ID:       u.ID,
			Username: u.Username,
			Email:    u.Email,
			Name:     u.fullName(),
			Disabled: u.DeleteAt > 0,
		})
	}
	return users, nil
}

func (a *Adapter) listUsers(ctx context.Context) ([]mmUser, error) {
	var all []mmUser
	for page := 0; ; page++ {
		var batch []mmUser
		path := fmt.Sprintf("/api/v4/users?page=%d&per_page=%d", page, perPage)
		if err := a.Do(ctx, "list_users", http.MethodGet, path, nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < perPage {
			break
		}
	}

	a.mu.Lock()
	a.usernamesByID = make(map[string]string, len(all))
	a.idsByUsername = make(map[string]string, len(all))
	for _, u := range all {
		a.usernamesByID[u.ID] = u.Username
		a.idsByUsername[strings.ToLower(u.Username)] = u.ID
	}
	a.mu.Unlock()

	return all, nil
}

func (a *Adapter) FetchRemoteGroups(ctx context.Context) ([]adapter.RemoteGroup, error) {
	if err := a.ensureUserCache(ctx); err != nil {
		return nil, err
	}

	var groups []adapter.RemoteGroup
	for page := 0; ; page++ {
		var batch []mmTeam
		path := fmt.Sprintf("/api/v4/teams?page=%d&per_page=%d", page, perPage)
		if err := a.Do(ctx, "list_teams", http.MethodGet, path, nil, &batch); err != nil {
			return nil, err
		}
		for _, t := range batch {
			if t.DeleteAt > 0 {
				continue
			}
			members, err := a.teamMemberNames(ctx, t.ID)
			if err != nil {
				return nil, err
			}
			groups = append(groups, adapter.RemoteGroup{
				ID:          t.ID,
				Name:        t.Name,
				Description: t.Description,
				Members:     members,
				Attributes:  map[string]string{attrDisplayName: t.DisplayName},
			})
		}
		if len(batch) < perPage {
			return groups, nil
		}
	}
}

func (a *Adapter) ensureUserCache(ctx context.Context) error {
	a.mu.Lock()
	cached := a.usernamesByID != nil
	a.mu.Unlock()
	if cached {
		return nil
	}
	_, err := a.listUsers(ctx)
	return err
}

func (a *Adapter) teamMemberNames(ctx context.Context, teamID string) ([]string, error) {
	var names []string
	for page := 0; ; page++ {
		var batch []mmTeamMember
		path := fmt.Sprintf("/api/v4/teams/%s/members?page=%d&per_page=%d", teamID, page, perPage)
		if err := a.Do(ctx, "list_team_members", http.MethodGet, path, nil, &batch); err != nil {
			return nil, err
		}
		a.mu.Lock()
		for _, m := range batch {
			if name, ok := a.usernamesByID[m.UserID]; ok {
				names = append(names, name)
			}
		}
		a.mu.Unlock()
		if len(batch) < perPage {
			return names, nil
		}
	}
}

func (a *Adapter) IdentifyUser(u directory.User, remote []adapter.RemoteUser) (*adapter.RemoteUser, bool) {
	id := adapter.ToolIdentifier(u)
	for i := range remote {
		if strings.EqualFold(remote[i].Username, id) {
			return &remote[i], true
		}
	}
	return nil, false
}

func (a *Adapter) IdentifyGroup(g directory.Group, remote []adapter.RemoteGroup) (*adapter.RemoteGroup, bool) {
	slug := slugify(g.Name)
	for i := range remote {
		if remote[i].Name == slug || strings.EqualFold(remote[i].Attributes[attrDisplayName], g.Name) {
			return &remote[i], true
		}
	}
	return nil, false
}

func (a *Adapter) MapUser(u directory.User) adapter.RemoteUser {
	return adapter.RemoteUser{
		Username: adapter.ToolIdentifier(u),
		Email:    strings.ToLower(u.Email),
		Name:     strings.TrimSpace(u.DisplayName),
	}
}

func (a *Adapter) MapGroup(g directory.Group) adapter.RemoteGroup {
	members := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		if v := directory.LeadingRDNValue(m); v != "" {
			members = append(members, strings.ToLower(v))
		}
	}
	sort.Strings(members)
	return adapter.RemoteGroup{
		Name:        slugify(g.Name),
		Description: g.Description,
		Members:     members,
		Attributes:  map[string]string{attrDisplayName: g.Name},
	}
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
	if remote.Disabled {
		// Deactivated account whose directory entry still exists.
		fields = append(fields, adapter.FieldChange{Field: "active", Old: "false", New: "true"})
	}
	return fields
}

func (a *Adapter) DetectGroupDiff(g directory.Group, remote adapter.RemoteGroup) []adapter.FieldChange {
	desired := a.MapGroup(g)
	var fields []adapter.FieldChange
	if desired.Description != remote.Description {
		fields = append(fields, adapter.FieldChange{Field: "description", Old: remote.Description, New: desired.Description})
	}
	if want := desired.Attributes[attrDisplayName]; want != remote.Attributes[attrDisplayName] {
		fields = append(fields, adapter.FieldChange{Field: attrDisplayName, Old: remote.Attributes[attrDisplayName], New: want})
	}
	want := memberKey(desired.Members)
	have := memberKey(remote.Members)
	if want != have {
		fields = append(fields, adapter.FieldChange{Field: "members", Old: have, New: want})
	}
	return fields
}

func (a *Adapter) ApplyUserChange(ctx context.Context, change adapter.Change) error {
	switch change.Action {
	case adapter.ActionCreate:
		return a.createUser(ctx, change)
	case adapter.ActionUpdate:
		return a.updateUser(ctx, change)
	case adapter.ActionDisable:
		return a.setUserActive(ctx, change.RemoteID, false)
	case adapter.ActionDelete:
		// DELETE deactivates; permanent deletion needs a server-side flag
		// and is deliberately not used here.
		path := "/api/v4/users/" + change.RemoteID
		return a.Do(ctx, "delete_user", http.MethodDelete, path, nil, nil)
	}
	return fmt.Errorf("unsupported user action %q", change.Action)
}

func (a *Adapter) createUser(ctx context.Context, change adapter.Change) error {
	desired := change.User
	if desired == nil {
		return fmt.Errorf("create change for %q carries no desired state", change.Identifier)
	}
	first, last := splitName(desired.Name)
	// Directory users authenticate upstream; the local password is a random
	// placeholder nobody ever types.
	req := createUserRequest{
		Email:     desired.Email,
		Username:  desired.Username,
		FirstName: first,
		LastName:  last,
		Password:  uuid.NewString(),
	}
	var created mmUser
	if err := a.Do(ctx, "create_user", http.MethodPost, "/api/v4/users", req, &created); err != nil {
		return err
	}

	a.mu.Lock()
	if a.idsByUsername != nil && created.ID != "" {
		a.idsByUsername[strings.ToLower(created.Username)] = created.ID
		a.usernamesByID[created.ID] = created.Username
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) updateUser(ctx context.Context, change adapter.Change) error {
	desired := change.User
	if desired == nil {
		return fmt.Errorf("update change for %q carries no desired state", change.Identifier)
	}
	first, last := splitName(desired.Name)
	req := patchUserRequest{
		Email:     desired.Email,
		Username:  desired.Username,
		FirstName: first,
		LastName:  last,
	}
	path := fmt.Sprintf("/api/v4/users/%s/patch", change.RemoteID)
	if err := a.Do(ctx, "patch_user", http.MethodPut, path, req, nil); err != nil {
		return err
	}
	for _, f := range change.Fields {
		if f.Field == "active" {
			return a.setUserActive(ctx, change.RemoteID, true)
		}
	}
	return nil
}

func (a *Adapter) setUserActive(ctx context.Context, userID string, active bool) error {
	path := fmt.Sprintf("/api/v4/users/%s/active", userID)
	return a.Do(ctx, "set_user_active", http.MethodPut, path, map[string]bool{"active": active}, nil)
}

func (a *Adapter) ApplyGroupChange(ctx context.Context, change adapter.Change) error {
	switch change.Action {
	case adapter.ActionCreate:
		return a.createTeam(ctx, change)
	case adapter.ActionUpdate:
		return a.updateTeam(ctx, change)
	case adapter.ActionDelete:
		path := "/api/v4/teams/" + change.RemoteID
		return a.Do(ctx, "delete_team", http.MethodDelete, path, nil, nil)
	}
	return fmt.Errorf("unsupported group action %q", change.Action)
}

func (a *Adapter) createTeam(ctx context.Context, change adapter.Change) error {
	desired := change.Group
	if desired == nil {
		return fmt.Errorf("create change for %q carries no desired state", change.Identifier)
	}
	req := createTeamRequest{
		Name:        desired.Name,
		DisplayName: desired.Attributes[attrDisplayName],
		Description: desired.Description,
		Type:        inviteOnlyTeam,
	}
	if req.DisplayName == "" {
		req.DisplayName = desired.Name
	}
	var created mmTeam
	if err := a.Do(ctx, "create_team", http.MethodPost, "/api/v4/teams", req, &created); err != nil {
		return err
	}
	return a.reconcileMembers(ctx, created.ID, desired.Members)
}

func (a *Adapter) updateTeam(ctx context.Context, change adapter.Change) error {
	desired := change.Group
	if desired == nil {
		return fmt.Errorf("update change for %q carries no desired state", change.Identifier)
	}
	req := patchTeamRequest{
		DisplayName: desired.Attributes[attrDisplayName],
		Description: desired.Description,
	}
	path := fmt.Sprintf("/api/v4/teams/%s/patch", change.RemoteID)
	if err := a.Do(ctx, "patch_team", http.MethodPut, path, req, nil); err != nil {
		return err
	}
	return a.reconcileMembers(ctx, change.RemoteID, desired.Members)
}

// reconcileMembers converges team membership on the desired username set.
// Usernames without a Mattermost account are skipped: they belong to users
// outside the sync scope or whose creation failed earlier in the run.
func (a *Adapter) reconcileMembers(ctx context.Context, teamID string, desired []string) error {
	if err := a.ensureUserCache(ctx); err != nil {
		return err
	}
	current, err := a.teamMemberNames(ctx, teamID)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(desired))
	for _, name := range desired {
		want[strings.ToLower(name)] = true
	}
	have := make(map[string]bool, len(current))
	for _, name := range current {
		have[strings.ToLower(name)] = true
	}

	for name := range want {
		if have[name] {
			continue
		}
		userID, err := a.lookupUserID(ctx, name)
		if adapter.IsNotFound(err) || (err == nil && userID == "") {
			otelzap.Ctx(ctx).Warn("Skipping team member without a Mattermost account",
				zap.String("username", name),
				zap.String("team_id", teamID))
			continue
		}
		if err != nil {
			return err
		}
		body := mmTeamMember{TeamID: teamID, UserID: userID}
		path := fmt.Sprintf("/api/v4/teams/%s/members", teamID)
		if err := a.Do(ctx, "add_team_member", http.MethodPost, path, body, nil); err != nil {
			return err
		}
	}

	for name := range have {
		if want[name] {
			continue
		}
		userID, err := a.lookupUserID(ctx, name)
		if err != nil || userID == "" {
			continue
		}
		path := fmt.Sprintf("/api/v4/teams/%s/members/%s", teamID, userID)
		if err := a.Do(ctx, "remove_team_member", http.MethodDelete, path, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) lookupUserID(ctx context.Context, username string) (string, error) {
	username = strings.ToLower(username)

	a.mu.Lock()
	id, ok := a.idsByUsername[username]
	a.mu.Unlock()
	if ok {
		return id, nil
	}

	var u mmUser
	path := "/api/v4/users/username/" + username
	if err := a.Do(ctx, "get_user_by_username", http.MethodGet, path, nil, &u); err != nil {
		return "", err
	}

	a.mu.Lock()
	if a.idsByUsername != nil {
		a.idsByUsername[username] = u.ID
		a.usernamesByID[u.ID] = u.Username
	}
	a.mu.Unlock()
	return u.ID, nil
}

// slugify renders a directory group name as a Mattermost team name, which
// must be lowercase URL-safe.
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '_' || r == '-':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// splitName breaks a display name into Mattermost's first/last fields on the
// first space.
func splitName(full string) (first, last string) {
	full = strings.TrimSpace(full)
	if full == "" {
		return "", ""
	}
	parts := strings.SplitN(full, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func memberKey(members []string) string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, strings.ToLower(m))
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
