// pkg/adapter/types.go

package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/directory"
)

// RemoteUser is the tool-neutral view of a user account inside a downstream
// tool. Adapters translate their native API payloads into this shape so the
// sync engine can diff directory state against tool state without knowing
// which tool it is talking to.
type RemoteUser struct {
	// ID is the tool-native primary key, rendered as a string (Grafana uses
	// numeric ids, Mattermost uses 26-char ids).
	ID       string
	Username string
	Email    string
	Name     string
	Disabled bool

	// Attributes carries tool-specific extras (org role, team membership)
	// that the adapter's own diff logic understands.
	Attributes map[string]string
}

// RemoteGroup is the tool-neutral view of a group-like container (Grafana
// team, Mattermost team) inside a downstream tool.
type RemoteGroup struct {
	ID          string
	Name        string
	Description string

	// Members holds tool-native usernames.
	Members []string

	// Attributes carries tool-specific extras (display name) that the
	// adapter's own diff logic understands.
	Attributes map[string]string
}

// EntityKind distinguishes user-shaped from group-shaped work throughout the
// sync pipeline.
type EntityKind string

const (
	KindUser  EntityKind = "user"
	KindGroup EntityKind = "group"
)

// Action is the kind of mutation a staged change would perform.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionDisable Action = "disable"
)

// FieldChange records a single attribute drift between the directory value
// and the tool value.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// Change is one staged mutation against a downstream tool. A Change is pure
// data: staging produces them, preview renders them, execution applies them.
type Change struct {
	Kind       EntityKind    `json:"kind"`
	Action     Action        `json:"action"`
	Identifier string        `json:"identifier"`
	RemoteID   string        `json:"remote_id,omitempty"`
	Fields     []FieldChange `json:"fields,omitempty"`

	// Desired state for creates and updates. Exactly one of User/Group is
	// set, matching Kind.
	User  *RemoteUser  `json:"-"`
	Group *RemoteGroup `json:"-"`
}

// Conflict records a divergence between directory and tool state that is
// worth surfacing on its own, independent of whether a change was staged.
type Conflict struct {
	Kind           EntityKind `json:"kind"`
	Identifier     string     `json:"identifier"`
	Field          string     `json:"field"`
	DirectoryValue string     `json:"directory_value"`
	RemoteValue    string     `json:"remote_value"`

	// Resolution is how the conflict policy handled it: "ldap_wins" when the
	// directory value was allowed to proceed, "blocked" when the change was
	// withheld for manual review.
	Resolution string `json:"resolution"`
}

// ChangeSet is the staged outcome of a preview: every mutation the engine
// would perform, plus the conflicts it noticed along the way. Nothing in a
// ChangeSet has touched the downstream tool.
type ChangeSet struct {
	Tool      string     `json:"tool"`
	Changes   []Change   `json:"changes"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// Count returns how many staged changes match the given kind and action.
func (cs *ChangeSet) Count(kind EntityKind, action Action) int {
	n := 0
	for _, c := range cs.Changes {
		if c.Kind == kind && c.Action == action {
			n++
		}
	}
	return n
}

// Empty reports whether the set stages no changes at all.
func (cs *ChangeSet) Empty() bool { return len(cs.Changes) == 0 }

// EntityCounters aggregates per-category outcomes for one entity kind.
// Processed counts every directory entity examined; the remaining fields
// count mutations that actually happened (or, for previews, would happen).
type EntityCounters struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Disabled  int `json:"disabled"`
	Failed    int `json:"failed"`
}

// EntityError records one per-entity failure during execution. Entity
// failures never abort the run; they are counted and reported.
type EntityError struct {
	Kind       EntityKind `json:"kind"`
	Action     Action     `json:"action"`
	Identifier string     `json:"identifier"`
	Message    string     `json:"message"`
}

func (e EntityError) String() string {
	return fmt.Sprintf("%s %s %q: %s", e.Action, e.Kind, e.Identifier, e.Message)
}

// SyncResult is the outcome of one engine run against one tool.
type SyncResult struct {
	Tool    string `json:"tool"`
	Preview bool   `json:"preview"`

	Users  EntityCounters `json:"users"`
	Groups EntityCounters `json:"groups"`

	Conflicts []Conflict    `json:"conflicts,omitempty"`
	Errors    []EntityError `json:"errors,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ErrorStrings flattens the per-entity errors for persistence.
func (r *SyncResult) ErrorStrings() []string {
	if len(r.Errors) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.String())
	}
	return out
}

// Options controls which mutations an engine run is allowed to stage. The
// zero value stages nothing; callers populate it from the stored tool
// configuration.
type Options struct {
	SyncUsers  bool
	SyncGroups bool

	CreateUsers  bool
	UpdateUsers  bool
	DeleteUsers  bool
	DisableUsers bool

	CreateGroups bool
	UpdateGroups bool
	DeleteGroups bool

	// ConflictPolicy is "ldap_wins" (directory value proceeds, conflict is
	// recorded) or "block" (conflicting change is withheld).
	ConflictPolicy string
}

const (
	ConflictPolicyLDAPWins = "ldap_wins"
	ConflictPolicyBlock    = "block"
)

// ToolIdentifier derives the tool-native identifier for a directory user:
// the lowercased local part of the email address when one is present,
// otherwise the lowercased directory identifier.
func ToolIdentifier(u directory.User) string {
	if at := strings.Index(u.Email, "@"); at > 0 {
		return strings.ToLower(u.Email[:at])
	}
	return strings.ToLower(u.ID)
}
