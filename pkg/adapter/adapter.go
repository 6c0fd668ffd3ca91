// pkg/adapter/adapter.go
// Tool adapter contract: every downstream tool (Grafana, Mattermost, ...)
// implements this interface, and the sync engine is written once against it.

package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/directory"
)

// Adapter is the contract a downstream tool integration must satisfy. The
// read half (Fetch/Identify/Map/Detect) is side-effect free; only the Apply
// methods may mutate the tool.
type Adapter interface {
	// Slug returns the stable registry key for this tool ("grafana").
	Slug() string

	// FetchRemoteUsers returns every user account visible in the tool.
	FetchRemoteUsers(ctx context.Context) ([]RemoteUser, error)

	// FetchRemoteGroups returns every group-like container in the tool.
	FetchRemoteGroups(ctx context.Context) ([]RemoteGroup, error)

	// IdentifyUser locates the remote counterpart of a directory user in a
	// previously fetched snapshot. It must treat identifiers
	// case-insensitively and must not call the tool.
	IdentifyUser(u directory.User, remote []RemoteUser) (*RemoteUser, bool)

	// IdentifyGroup locates the remote counterpart of a directory group.
	IdentifyGroup(g directory.Group, remote []RemoteGroup) (*RemoteGroup, bool)

	// MapUser translates a directory user into the desired remote state.
	MapUser(u directory.User) RemoteUser

	// MapGroup translates a directory group into the desired remote state.
	MapGroup(g directory.Group) RemoteGroup

	// DetectUserDiff compares a directory user with its remote counterpart
	// and returns the fields that need to change, empty when in sync.
	DetectUserDiff(u directory.User, remote RemoteUser) []FieldChange

	// DetectGroupDiff compares a directory group with its remote
	// counterpart.
	DetectGroupDiff(g directory.Group, remote RemoteGroup) []FieldChange

	// ApplyUserChange performs one staged user mutation against the tool.
	ApplyUserChange(ctx context.Context, change Change) error

	// ApplyGroupChange performs one staged group mutation against the tool.
	ApplyGroupChange(ctx context.Context, change Change) error
}

// ConflictDetector is an optional capability: adapters that can tell a
// deliberate remote-side edit from ordinary drift implement it, and the
// engine routes the result through the conflict policy.
type ConflictDetector interface {
	DetectConflicts(u directory.User, remote RemoteUser) []Conflict
}

// Config carries everything an adapter needs at construction time. The
// credential arrives already resolved; adapters never see secret references.
type Config struct {
	Tool    string
	BaseURL string
	Token   string

	// RequestsPerMinute caps outbound API calls. Zero disables limiting.
	RequestsPerMinute int

	// RoleMappings maps directory group names to tool-specific roles
	// ("admins" -> "Admin"). Interpretation is up to the adapter.
	RoleMappings map[string]string

	// HTTPClient overrides the shared hardened client, mainly for tests.
	HTTPClient *http.Client
}

// Factory builds an adapter from its tool configuration.
type Factory func(cfg Config) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a tool adapter available under slug. It is called from the
// adapter packages' init functions and panics on duplicates, which only
// happen through programmer error.
func Register(slug string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[slug]; dup {
		panic(fmt.Sprintf("adapter: Register called twice for %q", slug))
	}
	registry[slug] = f
}

// New constructs the adapter registered under cfg.Tool.
func New(cfg Config) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Tool]
	registryMu.RUnlock()
	if !ok {
		return nil, &AdapterError{
			Tool:  cfg.Tool,
			Op:    "construct",
			Fatal: true,
			Err:   fmt.Errorf("%w: %q", ErrUnknownTool, cfg.Tool),
		}
	}
	return f(cfg)
}

// Registered returns the known tool slugs in sorted order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	slugs := make([]string, 0, len(registry))
	for s := range registry {
		slugs = append(slugs, s)
	}
	sort.Strings(slugs)
	return slugs
}
