// pkg/discovery/discovery.go
// Discovery pulls the canonical user and group snapshot out of a directory
// server and replaces the cached copy. A client is built, used, and released
// per cycle; the cache is only touched after the directory has answered.

package discovery

import (
	"context"
	"fmt"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/audit"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/directory"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/secrets"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/store"
)

// Client is the slice of the directory client the service drives. The real
// implementation is directory.Client.
type Client interface {
	Connect(ctx context.Context) error
	DiscoverUsers(ctx context.Context, opts directory.DiscoverOptions) ([]directory.User, error)
	DiscoverGroups(ctx context.Context, opts directory.DiscoverOptions) ([]directory.Group, error)
	TestConnection(ctx context.Context) (*directory.TestResult, error)
	Disconnect() error
}

// NewClientFunc builds a client for one discovery cycle.
type NewClientFunc func(cfg directory.ServerConfig) Client

// DiscoveryError wraps a failed cycle with the server and the stage that
// broke, so operators can tell a credential problem from a search timeout.
type DiscoveryError struct {
	Server string
	Stage  string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery on %q failed during %s: %v", e.Server, e.Stage, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Result summarizes one successful discovery cycle.
type Result struct {
	ServerID uint          `json:"server_id"`
	Server   string        `json:"server"`
	Users    int           `json:"users"`
	Groups   int           `json:"groups"`
	Duration time.Duration `json:"duration"`
}

// Service runs discovery cycles and connection tests against configured
// directory servers.
type Service struct {
	repo      store.Repository
	secrets   secrets.Provider
	recorder  *audit.Recorder
	newClient NewClientFunc
}

// NewService wires a discovery service. The recorder may be nil when no
// audit trail is configured.
func NewService(repo store.Repository, provider secrets.Provider, recorder *audit.Recorder) *Service {
	return &Service{
		repo:     repo,
		secrets:  provider,
		recorder: recorder,
		newClient: func(cfg directory.ServerConfig) Client {
			return directory.NewClient(cfg)
		},
	}
}

// RunDiscovery performs one full cycle against the server: resolve
// credentials, connect, search users and groups, then atomically replace the
// cached snapshot. Any failure before the persist stage leaves the previous
// snapshot untouched.
func (s *Service) RunDiscovery(ctx context.Context, serverID uint) (*Result, error) {
	start := time.Now()

	server, err := s.repo.GetServer(ctx, serverID)
	if err != nil {
		return nil, cerr.Wrap(err, "load directory server")
	}

	users, groups, err := s.discover(ctx, server)
	if err != nil {
		s.discoveryFailed(ctx, server, start, err)
		return nil, err
	}

	userRows := make([]store.DirectoryUser, 0, len(users))
	for _, u := range users {
		userRows = append(userRows, store.NewDirectoryUser(server.ID, u))
	}
	if err := s.repo.ReplaceUsers(ctx, server.ID, userRows); err != nil {
		return nil, s.persistFailure(ctx, server, "persist_users", start, err)
	}

	groupRows := make([]store.DirectoryGroup, 0, len(groups))
	for _, g := range groups {
		groupRows = append(groupRows, store.NewDirectoryGroup(server.ID, g))
	}
	if err := s.repo.ReplaceGroups(ctx, server.ID, groupRows); err != nil {
		return nil, s.persistFailure(ctx, server, "persist_groups", start, err)
	}

	result := &Result{
		ServerID: server.ID,
		Server:   server.Name,
		Users:    len(users),
		Groups:   len(groups),
		Duration: time.Since(start),
	}

	otelzap.Ctx(ctx).Info("Directory discovery completed",
		zap.String("server", server.Name),
		zap.Int("users", result.Users),
		zap.Int("groups", result.Groups),
		zap.Duration("duration", result.Duration))

	s.record(ctx, audit.Event{
		Type:     audit.TypeDiscovery,
		Category: audit.CategorySystem,
		ServerID: &server.ID,
		Success:  true,
		Detail:   fmt.Sprintf("%d users, %d groups", result.Users, result.Groups),
		Duration: result.Duration,
	})
	return result, nil
}

// DiscoverUsers runs a users-only cycle: search with the caller's options,
// then atomically replace the cached users for the server. Cached groups are
// left alone; a failed search leaves the prior users untouched.
func (s *Service) DiscoverUsers(ctx context.Context, serverID uint, opts directory.DiscoverOptions) ([]directory.User, error) {
	start := time.Now()

	server, err := s.repo.GetServer(ctx, serverID)
	if err != nil {
		return nil, cerr.Wrap(err, "load directory server")
	}

	client, err := s.connect(ctx, server)
	if err != nil {
		s.discoveryFailed(ctx, server, start, err)
		return nil, err
	}
	defer func() { _ = client.Disconnect() }()

	users, err := client.DiscoverUsers(ctx, opts)
	if err != nil {
		derr := &DiscoveryError{Server: server.Name, Stage: "search_users", Err: err}
		s.discoveryFailed(ctx, server, start, derr)
		return nil, derr
	}

	rows := make([]store.DirectoryUser, 0, len(users))
	for _, u := range users {
		rows = append(rows, store.NewDirectoryUser(server.ID, u))
	}
	if err := s.repo.ReplaceUsers(ctx, server.ID, rows); err != nil {
		return nil, s.persistFailure(ctx, server, "persist_users", start, err)
	}

	otelzap.Ctx(ctx).Info("Directory user discovery completed",
		zap.String("server", server.Name),
		zap.Int("users", len(users)))

	s.record(ctx, audit.Event{
		Type:     audit.TypeDiscovery,
		Category: audit.CategorySystem,
		ServerID: &server.ID,
		Success:  true,
		Detail:   fmt.Sprintf("%d users", len(users)),
		Duration: time.Since(start),
	})
	return users, nil
}

// DiscoverGroups is the groups-only counterpart of DiscoverUsers.
func (s *Service) DiscoverGroups(ctx context.Context, serverID uint, opts directory.DiscoverOptions) ([]directory.Group, error) {
	start := time.Now()

	server, err := s.repo.GetServer(ctx, serverID)
	if err != nil {
		return nil, cerr.Wrap(err, "load directory server")
	}

	client, err := s.connect(ctx, server)
	if err != nil {
		s.discoveryFailed(ctx, server, start, err)
		return nil, err
	}
	defer func() { _ = client.Disconnect() }()

	groups, err := client.DiscoverGroups(ctx, opts)
	if err != nil {
		derr := &DiscoveryError{Server: server.Name, Stage: "search_groups", Err: err}
		s.discoveryFailed(ctx, server, start, derr)
		return nil, derr
	}

	rows := make([]store.DirectoryGroup, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, store.NewDirectoryGroup(server.ID, g))
	}
	if err := s.repo.ReplaceGroups(ctx, server.ID, rows); err != nil {
		return nil, s.persistFailure(ctx, server, "persist_groups", start, err)
	}

	otelzap.Ctx(ctx).Info("Directory group discovery completed",
		zap.String("server", server.Name),
		zap.Int("groups", len(groups)))

	s.record(ctx, audit.Event{
		Type:     audit.TypeDiscovery,
		Category: audit.CategorySystem,
		ServerID: &server.ID,
		Success:  true,
		Detail:   fmt.Sprintf("%d groups", len(groups)),
		Duration: time.Since(start),
	})
	return groups, nil
}

// connect resolves bind credentials and returns a connected client. The
// caller owns Disconnect.
func (s *Service) connect(ctx context.Context, server *store.DirectoryServer) (Client, error) {
	cfg := server.ClientConfig()
	if server.BindPasswordRef != "" {
		password, err := s.secrets.Secret(ctx, server.BindPasswordRef)
		if err != nil {
			return nil, &DiscoveryError{Server: server.Name, Stage: "resolve_credentials", Err: err}
		}
		cfg.BindPassword = password
	}

	client := s.newClient(cfg)
	if err := client.Connect(ctx); err != nil {
		return nil, &DiscoveryError{Server: server.Name, Stage: "connect", Err: err}
	}
	return client, nil
}

func (s *Service) discover(ctx context.Context, server *store.DirectoryServer) ([]directory.User, []directory.Group, error) {
	client, err := s.connect(ctx, server)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = client.Disconnect() }()

	users, err := client.DiscoverUsers(ctx, directory.DiscoverOptions{})
	if err != nil {
		return nil, nil, &DiscoveryError{Server: server.Name, Stage: "search_users", Err: err}
	}
	groups, err := client.DiscoverGroups(ctx, directory.DiscoverOptions{})
	if err != nil {
		return nil, nil, &DiscoveryError{Server: server.Name, Stage: "search_groups", Err: err}
	}
	return users, groups, nil
}

func (s *Service) discoveryFailed(ctx context.Context, server *store.DirectoryServer, start time.Time, err error) {
	s.record(ctx, audit.Event{
		Type:     audit.TypeDiscovery,
		Category: audit.CategorySystem,
		ServerID: &server.ID,
		Success:  false,
		Error:    err.Error(),
		Duration: time.Since(start),
	})
}

func (s *Service) persistFailure(ctx context.Context, server *store.DirectoryServer, stage string, start time.Time, err error) error {
	derr := &DiscoveryError{Server: server.Name, Stage: stage, Err: err}
	s.record(ctx, audit.Event{
		Type:     audit.TypeDiscovery,
		Category: audit.CategorySystem,
		ServerID: &server.ID,
		Success:  false,
		Error:    derr.Error(),
		Duration: time.Since(start),
	})
	return derr
}

// TestServer runs a connection test against the server and persists the
// outcome on its last-test columns. The returned result reports failure
// detail; the error is reserved for problems talking to the store.
func (s *Service) TestServer(ctx context.Context, serverID uint) (*directory.TestResult, error) {
	start := time.Now()

	server, err := s.repo.GetServer(ctx, serverID)
	if err != nil {
		return nil, cerr.Wrap(err, "load directory server")
	}

	res := s.testConnection(ctx, server)

	now := time.Now()
	server.LastTestAt = &now
	server.LastTestSuccess = res.Success
	server.LastTestMessage = res.Message
	if uerr := s.repo.UpdateServer(ctx, server); uerr != nil {
		otelzap.Ctx(ctx).Warn("Failed to persist connection test outcome",
			zap.String("server", server.Name),
			zap.Error(uerr))
	}

	s.record(ctx, audit.Event{
		Type:     audit.TypeConnectionTest,
		Category: audit.CategorySystem,
		ServerID: &server.ID,
		Success:  res.Success,
		Detail:   res.Message,
		Duration: time.Since(start),
	})
	return res, nil
}

func (s *Service) testConnection(ctx context.Context, server *store.DirectoryServer) *directory.TestResult {
	cfg := server.ClientConfig()
	if server.BindPasswordRef != "" {
		password, err := s.secrets.Secret(ctx, server.BindPasswordRef)
		if err != nil {
			return &directory.TestResult{Success: false, Message: fmt.Sprintf("resolve credentials: %v", err)}
		}
		cfg.BindPassword = password
	}

	client := s.newClient(cfg)
	defer func() { _ = client.Disconnect() }()

	res, err := client.TestConnection(ctx)
	if res == nil {
		res = &directory.TestResult{Success: false}
		if err != nil {
			res.Message = err.Error()
		}
	}
	return res
}

// Snapshot returns the canonical entities for a server. With refresh set it
// runs a discovery cycle first; otherwise it serves the cached snapshot.
func (s *Service) Snapshot(ctx context.Context, serverID uint, refresh bool) ([]directory.User, []directory.Group, error) {
	if refresh {
		if _, err := s.RunDiscovery(ctx, serverID); err != nil {
			return nil, nil, err
		}
	}

	userRows, err := s.repo.ListUsers(ctx, serverID)
	if err != nil {
		return nil, nil, cerr.Wrap(err, "load cached users")
	}
	groupRows, err := s.repo.ListGroups(ctx, serverID)
	if err != nil {
		return nil, nil, cerr.Wrap(err, "load cached groups")
	}

	users := make([]directory.User, 0, len(userRows))
	for _, row := range userRows {
		users = append(users, row.Canonical())
	}
	groups := make([]directory.Group, 0, len(groupRows))
	for _, row := range groupRows {
		groups = append(groups, row.Canonical())
	}
	return users, groups, nil
}

// WithClientFactory overrides how directory clients are built. Tests use it
// to substitute fakes.
func (s *Service) WithClientFactory(f NewClientFunc) *Service {
	s.newClient = f
	return s
}

func (s *Service) record(ctx context.Context, event audit.Event) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, event)
}
