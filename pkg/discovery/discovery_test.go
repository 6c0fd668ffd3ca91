// pkg/discovery/discovery_test.go

package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/audit"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/directory"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/secrets"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/store"
)

type fakeClient struct {
	cfg directory.ServerConfig

	connectErr error
	usersErr   error
	groupsErr  error

	users  []directory.User
	groups []directory.Group

	testRes *directory.TestResult
	testErr error

	connected    bool
	disconnected bool

	lastUserOpts  directory.DiscoverOptions
	lastGroupOpts directory.DiscoverOptions
}

var _ Client = (*fakeClient)(nil)

func (f *fakeClient) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) DiscoverUsers(ctx context.Context, opts directory.DiscoverOptions) ([]directory.User, error) {
	f.lastUserOpts = opts
	if f.usersErr != nil {
		return nil, f.usersErr
	}
	return f.users, nil
}

func (f *fakeClient) DiscoverGroups(ctx context.Context, opts directory.DiscoverOptions) ([]directory.Group, error) {
	f.lastGroupOpts = opts
	if f.groupsErr != nil {
		return nil, f.groupsErr
	}
	return f.groups, nil
}

func (f *fakeClient) TestConnection(ctx context.Context) (*directory.TestResult, error) {
	return f.testRes, f.testErr
}

func (f *fakeClient) Disconnect() error {
	f.disconnected = true
	return nil
}

type staticSecrets map[string]string

func (s staticSecrets) Secret(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", secrets.ErrSecretNotFound
	}
	return v, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Write(_ context.Context, event audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) last(t *testing.T) audit.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

func seedServer(t *testing.T, repo store.Repository) *store.DirectoryServer {
	t.Helper()
	server := &store.DirectoryServer{
		Name:            "corp",
		Host:            "ldap.example.com",
		BaseDN:          "dc=example,dc=com",
		BindDN:          "cn=admin,dc=example,dc=com",
		BindPasswordRef: "vault:hermes/ldap#password",
	}
	require.NoError(t, repo.CreateServer(context.Background(), server))
	return server
}

func newTestService(repo store.Repository, client *fakeClient, sink *recordingSink) *Service {
	provider := staticSecrets{"vault:hermes/ldap#password": "s3cret"}
	svc := NewService(repo, provider, audit.NewRecorder(sink))
	return svc.WithClientFactory(func(cfg directory.ServerConfig) Client {
		client.cfg = cfg
		return client
	})
}

func TestRunDiscoveryReplacesSnapshot(t *testing.T) {
	repo := store.NewMemory()
	server := seedServer(t, repo)
	ctx := context.Background()

	// A stale generation that the new snapshot must fully replace.
	require.NoError(t, repo.ReplaceUsers(ctx, server.ID, []store.DirectoryUser{
		{ServerID: server.ID, UID: "stale", Email: "stale@example.com"},
	}))

	client := &fakeClient{
		users: []directory.User{
			{ID: "alice", Email: "alice@example.com", DisplayName: "Alice Anders"},
			{ID: "bob", Email: "bob@example.com", DisplayName: "Bob Builder"},
		},
		groups: []directory.Group{
			{Name: "developers", Description: "Dev team"},
		},
	}
	sink := &recordingSink{}
	svc := newTestService(repo, client, sink)

	res, err := svc.RunDiscovery(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Users)
	assert.Equal(t, 1, res.Groups)

	// Credentials were resolved through the provider, never stored.
	assert.Equal(t, "s3cret", client.cfg.BindPassword)
	assert.True(t, client.disconnected)

	users, err := repo.ListUsers(ctx, server.ID)
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, u := range users {
		assert.NotEqual(t, "stale", u.UID)
	}

	event := sink.last(t)
	assert.Equal(t, audit.TypeDiscovery, event.Type)
	assert.True(t, event.Success)
	assert.Contains(t, event.Detail, "2 users")
}

func TestRunDiscoveryFailureLeavesCacheUntouched(t *testing.T) {
	repo := store.NewMemory()
	server := seedServer(t, repo)
	ctx := context.Background()

	require.NoError(t, repo.ReplaceUsers(ctx, server.ID, []store.DirectoryUser{
		{ServerID: server.ID, UID: "alice", Email: "alice@example.com"},
	}))

	client := &fakeClient{usersErr: errors.New("size limit exceeded")}
	sink := &recordingSink{}
	svc := newTestService(repo, client, sink)

	_, err := svc.RunDiscovery(ctx, server.ID)
	require.Error(t, err)

	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "search_users", derr.Stage)
	assert.Equal(t, "corp", derr.Server)

	users, err := repo.ListUsers(ctx, server.ID)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UID)

	event := sink.last(t)
	assert.False(t, event.Success)
	assert.Equal(t, audit.TypeDiscovery, event.Type)
}

func TestRunDiscoveryConnectFailure(t *testing.T) {
	repo := store.NewMemory()
	server := seedServer(t, repo)

	client := &fakeClient{connectErr: errors.New("dial tcp: connection refused")}
	svc := newTestService(repo, client, &recordingSink{})

	_, err := svc.RunDiscovery(context.Background(), server.ID)
	require.Error(t, err)

	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "connect", derr.Stage)
}

func TestRunDiscoveryCredentialFailure(t *testing.T) {
	repo := store.NewMemory()
	server := seedServer(t, repo)
	server.BindPasswordRef = "vault:missing#password"
	require.NoError(t, repo.UpdateServer(context.Background(), server))

	client := &fakeClient{}
	svc := newTestService(repo, client, &recordingSink{})

	_, err := svc.RunDiscovery(context.Background(), server.ID)
	require.Error(t, err)

	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "resolve_credentials", derr.Stage)
	assert.False(t, client.connected)
}

func TestRunDiscoveryUnknownServer(t *testing.T) {
	svc := newTestService(store.NewMemory(), &fakeClient{}, &recordingSink{})
	_, err := svc.RunDiscovery(context.Background(), 404)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDiscoverUsersReplacesOnlyUsers(t *testing.T) {
	repo := store.NewMemory()
	server := seedServer(t, repo)
	ctx := context.Background()

	require.NoError(t, repo.ReplaceUsers(ctx, server.ID, []store.DirectoryUser{
		{ServerID: server.ID, UID: "stale", Email: "stale@example.com"},
	}))
	require.NoError(t, repo.ReplaceGroups(ctx, server.ID, []store.DirectoryGroup{
		{ServerID: server.ID, Name: "keepers"},
	}))

	client := &fakeClient{
		users: []directory.User{{ID: "alice", Email: "alice@example.com"}},
	}
	sink := &recordingSink{}
	svc := newTestService(repo, client, sink)

	users, err := svc.DiscoverUsers(ctx, server.ID, directory.DiscoverOptions{Filter: "(objectClass=person)"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].ID)
	assert.Equal(t, "(objectClass=person)", client.lastUserOpts.Filter)
	assert.True(t, client.disconnected)

	stored, err := repo.ListUsers(ctx, server.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "alice", stored[0].UID)

	// A users-only cycle must not touch the cached groups.
	groups, err := repo.ListGroups(ctx, server.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "keepers", groups[0].Name)

	event := sink.last(t)
	assert.True(t, event.Success)
	assert.Contains(t, event.Detail, "1 users")
}

func TestDiscoverGroupsFailureLeavesCacheUntouched(t *testing.T) {
	repo := store.NewMemory()
	server := seedServer(t, repo)
	ctx := context.Background()

	require.NoError(t, repo.ReplaceGroups(ctx, server.ID, []store.DirectoryGroup{
		{ServerID: server.ID, Name: "developers"},
	}))

	client := &fakeClient{groupsErr: errors.New("time limit exceeded")}
	sink := &recordingSink{}
	svc := newTestService(repo, client, sink)

	_, err := svc.DiscoverGroups(ctx, server.ID, directory.DiscoverOptions{})
	require.Error(t, err)

	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "search_groups", derr.Stage)

	groups, err := repo.ListGroups(ctx, server.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "developers", groups[0].Name)

	event := sink.last(t)
	assert.False(t, event.Success)
}

func TestTestServerPersistsOutcome(t *testing.T) {
	repo := store.NewMemory()
	server := seedServer(t, repo)
	ctx := context.Background()

	client := &fakeClient{
		testRes: &directory.TestResult{Success: true, Message: "base dc=example,dc=com reachable", Count: 1},
	}
	sink := &recordingSink{}
	svc := newTestService(repo, client, sink)

	res, err := svc.TestServer(ctx, server.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	stored, err := repo.GetServer(ctx, server.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastTestAt)
	assert.True(t, stored.LastTestSuccess)
	assert.Contains(t, stored.LastTestMessage, "reachable")

	event := sink.last(t)
	assert.Equal(t, audit.TypeConnectionTest, event.Type)
	assert.True(t, event.Success)
}

func TestTestServerFailureIsAResultNotAnError(t *testing.T) {
	repo := store.NewMemory()
	server := seedServer(t, repo)
	ctx := context.Background()

	client := &fakeClient{
		testRes: &directory.TestResult{Success: false, Message: "bind failed: invalid credentials"},
		testErr: errors.New("bind failed: invalid credentials"),
	}
	svc := newTestService(repo, client, &recordingSink{})

	res, err := svc.TestServer(ctx, server.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)

	stored, err := repo.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.False(t, stored.LastTestSuccess)
	assert.Contains(t, stored.LastTestMessage, "invalid credentials")
}

func TestSnapshotServesCacheAndRefreshes(t *testing.T) {
	repo := store.NewMemory()
	server := seedServer(t, repo)
	ctx := context.Background()

	require.NoError(t, repo.ReplaceUsers(ctx, server.ID, []store.DirectoryUser{
		{ServerID: server.ID, UID: "cached", Email: "cached@example.com"},
	}))

	client := &fakeClient{
		users: []directory.User{{ID: "fresh", Email: "fresh@example.com"}},
	}
	svc := newTestService(repo, client, &recordingSink{})

	users, _, err := svc.Snapshot(ctx, server.ID, false)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "cached", users[0].ID)
	assert.False(t, client.connected)

	users, _, err = svc.Snapshot(ctx, server.ID, true)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "fresh", users[0].ID)
	assert.True(t, client.connected)
}
