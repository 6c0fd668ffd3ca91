// pkg/adapter/engine_test.go

package adapter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/directory"
)

// fakeAdapter is an in-memory Adapter that records every mutating call it
// receives, so tests can prove what the engine did and did not touch.
type fakeAdapter struct {
	remoteUsers  []RemoteUser
	remoteGroups []RemoteGroup

	fetchUsersErr  error
	fetchGroupsErr error

	fetchUserCalls  int
	fetchGroupCalls int

	applyErr  map[string]error
	applied   []Change
	conflicts map[string][]Conflict
}

var (
	_ Adapter          = (*fakeAdapter)(nil)
	_ ConflictDetector = (*fakeAdapter)(nil)
)

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		applyErr:  map[string]error{},
		conflicts: map[string][]Conflict{},
	}
}

func (f *fakeAdapter) Slug() string { return "fake" }

func (f *fakeAdapter) FetchRemoteUsers(ctx context.Context) ([]RemoteUser, error) {
	f.fetchUserCalls++
	if f.fetchUsersErr != nil {
		return nil, f.fetchUsersErr
	}
	return append([]RemoteUser(nil), f.remoteUsers...), nil
}

func (f *fakeAdapter) FetchRemoteGroups(ctx context.Context) ([]RemoteGroup, error) {
	f.fetchGroupCalls++
	if f.fetchGroupsErr != nil {
		return nil, f.fetchGroupsErr
	}
	return append([]RemoteGroup(nil), f.remoteGroups...), nil
}

func (f *fakeAdapter) IdentifyUser(u directory.User, remote []RemoteUser) (*RemoteUser, bool) {
	id := ToolIdentifier(u)
	for i := range remote {
		if strings.EqualFold(remote[i].Username, id) {
			return &remote[i], true
		}
	}
	return nil, false
}

func (f *fakeAdapter) IdentifyGroup(g directory.Group, remote []RemoteGroup) (*RemoteGroup, bool) {
	for i := range remote {
		if strings.EqualFold(remote[i].Name, g.Name) {
			return &remote[i], true
		}
	}
	return nil, false
}

func (f *fakeAdapter) MapUser(u directory.User) RemoteUser {
	return RemoteUser{
		Username: ToolIdentifier(u),
		Email:    strings.ToLower(u.Email),
		Name:     u.DisplayName,
	}
}

func (f *fakeAdapter) MapGroup(g directory.Group) RemoteGroup {
	return RemoteGroup{Name: g.Name, Description: g.Description}
}

func (f *fakeAdapter) DetectUserDiff(u directory.User, remote RemoteUser) []FieldChange {
	desired := f.MapUser(u)
	var fields []FieldChange
	if desired.Email != remote.Email {
		fields = append(fields, FieldChange{Field: "email", Old: remote.Email, New: desired.Email})
	}
	if desired.Name != remote.Name {
		fields = append(fields, FieldChange{Field: "name", Old: remote.Name, New: desired.Name})
	}
	return fields
}

func (f *fakeAdapter) DetectGroupDiff(g directory.Group, remote RemoteGroup) []FieldChange {
	if g.Description != remote.Description {
		return []FieldChange{{Field: "description", Old: remote.Description, New: g.Description}}
	}
	return nil
}

func (f *fakeAdapter) DetectConflicts(u directory.User, remote RemoteUser) []Conflict {
	return f.conflicts[ToolIdentifier(u)]
}

func (f *fakeAdapter) ApplyUserChange(ctx context.Context, change Change) error {
	return f.apply(change)
}

func (f *fakeAdapter) ApplyGroupChange(ctx context.Context, change Change) error {
	return f.apply(change)
}

func (f *fakeAdapter) apply(change Change) error {
	if err, ok := f.applyErr[change.Identifier]; ok {
		return err
	}
	f.applied = append(f.applied, change)
	return nil
}

func dirUser(id, email, name string) directory.User {
	return directory.User{ID: id, Email: email, DisplayName: name}
}

func allOpts() Options {
	return Options{
		SyncUsers:    true,
		SyncGroups:   true,
		CreateUsers:  true,
		UpdateUsers:  true,
		CreateGroups: true,
		UpdateGroups: true,
	}
}

func TestPreviewSyncNeverMutates(t *testing.T) {
	fake := newFakeAdapter()
	fake.remoteUsers = []RemoteUser{
		{ID: "9", Username: "carol", Email: "carol@example.com", Name: "Old Name"},
	}
	eng := NewEngine(fake, allOpts())

	users := []directory.User{
		dirUser("alice", "alice@example.com", "Alice Anders"),
		dirUser("carol", "carol@example.com", "Carol Chen"),
	}
	groups := []directory.Group{{Name: "developers", Description: "Dev team"}}

	cs, err := eng.PreviewSync(context.Background(), users, groups)
	require.NoError(t, err)

	// One create, one update, one group create staged; zero mutating calls.
	assert.Equal(t, 1, cs.Count(KindUser, ActionCreate))
	assert.Equal(t, 1, cs.Count(KindUser, ActionUpdate))
	assert.Equal(t, 1, cs.Count(KindGroup, ActionCreate))
	assert.Empty(t, fake.applied)
	assert.Equal(t, 1, fake.fetchUserCalls)
	assert.Equal(t, 1, fake.fetchGroupCalls)
}

func TestPreviewSyncStagesNothingWhenInSync(t *testing.T) {
	fake := newFakeAdapter()
	fake.remoteUsers = []RemoteUser{
		{ID: "1", Username: "alice", Email: "alice@example.com", Name: "Alice Anders"},
	}
	fake.remoteGroups = []RemoteGroup{{ID: "g1", Name: "developers", Description: "Dev team"}}
	eng := NewEngine(fake, allOpts())

	cs, err := eng.PreviewSync(context.Background(),
		[]directory.User{dirUser("alice", "Alice@Example.com", "Alice Anders")},
		[]directory.Group{{Name: "developers", Description: "Dev team"}})
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}

func TestExecuteSyncIdempotent(t *testing.T) {
	fake := newFakeAdapter()
	fake.remoteUsers = []RemoteUser{
		{ID: "1", Username: "alice", Email: "alice@example.com", Name: "Alice Anders"},
	}
	eng := NewEngine(fake, Options{SyncUsers: true, CreateUsers: true, UpdateUsers: true})

	res, err := eng.ExecuteSync(context.Background(),
		[]directory.User{dirUser("alice", "alice@example.com", "Alice Anders")}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Users.Processed)
	assert.Zero(t, res.Users.Created)
	assert.Zero(t, res.Users.Updated)
	assert.Zero(t, res.Users.Failed)
	assert.Empty(t, fake.applied)
}

func TestSingleFieldDriftStagesOneUpdate(t *testing.T) {
	fake := newFakeAdapter()
	fake.remoteUsers = []RemoteUser{
		{ID: "1", Username: "alice", Email: "old@example.com", Name: "Alice Anders"},
	}
	eng := NewEngine(fake, Options{SyncUsers: true, CreateUsers: true, UpdateUsers: true, DeleteUsers: true})

	cs, err := eng.PreviewSync(context.Background(),
		[]directory.User{dirUser("alice", "alice@example.com", "Alice Anders")}, nil)
	require.NoError(t, err)

	require.Len(t, cs.Changes, 1)
	change := cs.Changes[0]
	assert.Equal(t, ActionUpdate, change.Action)
	assert.Equal(t, "1", change.RemoteID)
	require.Len(t, change.Fields, 1)
	assert.Equal(t, "email", change.Fields[0].Field)
	assert.Equal(t, "old@example.com", change.Fields[0].Old)
	assert.Equal(t, "alice@example.com", change.Fields[0].New)
}

func TestGroupDescriptionDriftIsUpdateNotRecreate(t *testing.T) {
	fake := newFakeAdapter()
	fake.remoteGroups = []RemoteGroup{{ID: "g1", Name: "developers", Description: "old"}}
	eng := NewEngine(fake, Options{SyncGroups: true, CreateGroups: true, UpdateGroups: true, DeleteGroups: true})

	cs, err := eng.PreviewSync(context.Background(), nil,
		[]directory.Group{{Name: "developers", Description: "Dev team"}})
	require.NoError(t, err)

	require.Len(t, cs.Changes, 1)
	assert.Equal(t, ActionUpdate, cs.Changes[0].Action)
	assert.Equal(t, KindGroup, cs.Changes[0].Kind)
	require.Len(t, cs.Changes[0].Fields, 1)
	assert.Equal(t, "description", cs.Changes[0].Fields[0].Field)
}

func TestGroupRenameBecomesCreatePlusDelete(t *testing.T) {
	fake := newFakeAdapter()
	fake.remoteGroups = []RemoteGroup{{ID: "g1", Name: "platform-old", Description: "Platform"}}
	eng := NewEngine(fake, Options{SyncGroups: true, CreateGroups: true, UpdateGroups: true, DeleteGroups: true})

	cs, err := eng.PreviewSync(context.Background(), nil,
		[]directory.Group{{Name: "platform", Description: "Platform"}})
	require.NoError(t, err)

	assert.Equal(t, 1, cs.Count(KindGroup, ActionCreate))
	assert.Equal(t, 1, cs.Count(KindGroup, ActionDelete))
	assert.Len(t, cs.Changes, 2)
}

func TestExecuteSyncPartialFailure(t *testing.T) {
	fake := newFakeAdapter()
	fake.applyErr["bob"] = errors.New("boom")
	eng := NewEngine(fake, Options{SyncUsers: true, CreateUsers: true})

	res, err := eng.ExecuteSync(context.Background(), []directory.User{
		dirUser("alice", "alice@example.com", "Alice"),
		dirUser("bob", "bob@example.com", "Bob"),
		dirUser("carol", "carol@example.com", "Carol"),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Users.Processed)
	assert.Equal(t, 2, res.Users.Created)
	assert.Equal(t, 1, res.Users.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "bob", res.Errors[0].Identifier)
	assert.Equal(t, ActionCreate, res.Errors[0].Action)
	assert.Len(t, fake.applied, 2)
}

func TestExecuteSyncFatalErrorAborts(t *testing.T) {
	fake := newFakeAdapter()
	fake.applyErr["alice"] = &AdapterError{Tool: "fake", Op: "create_user", Fatal: true, Err: errors.New("401")}
	eng := NewEngine(fake, Options{SyncUsers: true, CreateUsers: true})

	res, err := eng.ExecuteSync(context.Background(), []directory.User{
		dirUser("alice", "alice@example.com", "Alice"),
		dirUser("bob", "bob@example.com", "Bob"),
	}, nil)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	// Nothing after the fatal failure was attempted.
	assert.Empty(t, fake.applied)
	assert.NotZero(t, res.CompletedAt)
}

func TestExecuteSyncFetchFailure(t *testing.T) {
	fake := newFakeAdapter()
	fake.fetchUsersErr = errors.New("connection refused")
	eng := NewEngine(fake, Options{SyncUsers: true, CreateUsers: true})

	_, err := eng.ExecuteSync(context.Background(),
		[]directory.User{dirUser("alice", "alice@example.com", "Alice")}, nil)
	require.Error(t, err)
	assert.Empty(t, fake.applied)
}

func TestConflictPolicyLDAPWins(t *testing.T) {
	fake := newFakeAdapter()
	fake.remoteUsers = []RemoteUser{
		{ID: "1", Username: "alice", Email: "edited@example.com", Name: "Alice Anders"},
	}
	fake.conflicts["alice"] = []Conflict{{
		Kind:           KindUser,
		Identifier:     "alice",
		Field:          "email",
		DirectoryValue: "alice@example.com",
		RemoteValue:    "edited@example.com",
	}}
	eng := NewEngine(fake, Options{SyncUsers: true, UpdateUsers: true, ConflictPolicy: ConflictPolicyLDAPWins})

	cs, err := eng.PreviewSync(context.Background(),
		[]directory.User{dirUser("alice", "alice@example.com", "Alice Anders")}, nil)
	require.NoError(t, err)

	// Directory wins: the update proceeds and the conflict is recorded.
	assert.Equal(t, 1, cs.Count(KindUser, ActionUpdate))
	require.Len(t, cs.Conflicts, 1)
	assert.Equal(t, ConflictPolicyLDAPWins, cs.Conflicts[0].Resolution)
}

func TestConflictPolicyBlock(t *testing.T) {
	fake := newFakeAdapter()
	fake.remoteUsers = []RemoteUser{
		{ID: "1", Username: "alice", Email: "edited@example.com", Name: "Alice Anders"},
	}
	fake.conflicts["alice"] = []Conflict{{
		Kind:           KindUser,
		Identifier:     "alice",
		Field:          "email",
		DirectoryValue: "alice@example.com",
		RemoteValue:    "edited@example.com",
	}}
	eng := NewEngine(fake, Options{SyncUsers: true, UpdateUsers: true, ConflictPolicy: ConflictPolicyBlock})

	cs, err := eng.PreviewSync(context.Background(),
		[]directory.User{dirUser("alice", "alice@example.com", "Alice Anders")}, nil)
	require.NoError(t, err)

	assert.True(t, cs.Empty())
	require.Len(t, cs.Conflicts, 1)
	assert.Equal(t, ResolutionBlocked, cs.Conflicts[0].Resolution)
}

func TestApplyTimeConflictIsRecordedNotFailed(t *testing.T) {
	fake := newFakeAdapter()
	fake.applyErr["alice"] = &ConflictDetected{Conflict: Conflict{
		Kind:           KindUser,
		Identifier:     "alice",
		Field:          "email",
		DirectoryValue: "alice@example.com",
		RemoteValue:    "changed@example.com",
	}}
	eng := NewEngine(fake, Options{SyncUsers: true, CreateUsers: true})

	res, err := eng.ExecuteSync(context.Background(),
		[]directory.User{dirUser("alice", "alice@example.com", "Alice")}, nil)
	require.NoError(t, err)

	assert.Zero(t, res.Users.Created)
	assert.Zero(t, res.Users.Failed)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ResolutionBlocked, res.Conflicts[0].Resolution)
}

func TestRemoteOnlyAccountHandling(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		remote     RemoteUser
		wantAction Action
		wantNone   bool
	}{
		{
			name:       "disable enabled account",
			opts:       Options{SyncUsers: true, DisableUsers: true},
			remote:     RemoteUser{ID: "7", Username: "ghost"},
			wantAction: ActionDisable,
		},
		{
			name:       "disable wins over delete",
			opts:       Options{SyncUsers: true, DisableUsers: true, DeleteUsers: true},
			remote:     RemoteUser{ID: "7", Username: "ghost"},
			wantAction: ActionDisable,
		},
		{
			name:       "delete when only delete is enabled",
			opts:       Options{SyncUsers: true, DeleteUsers: true},
			remote:     RemoteUser{ID: "7", Username: "ghost"},
			wantAction: ActionDelete,
		},
		{
			name:     "already disabled account is left alone",
			opts:     Options{SyncUsers: true, DisableUsers: true},
			remote:   RemoteUser{ID: "7", Username: "ghost", Disabled: true},
			wantNone: true,
		},
		{
			name:     "no flags stages nothing",
			opts:     Options{SyncUsers: true},
			remote:   RemoteUser{ID: "7", Username: "ghost"},
			wantNone: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeAdapter()
			fake.remoteUsers = []RemoteUser{tt.remote}
			eng := NewEngine(fake, tt.opts)

			cs, err := eng.PreviewSync(context.Background(), nil, nil)
			require.NoError(t, err)
			if tt.wantNone {
				assert.True(t, cs.Empty())
				return
			}
			require.Len(t, cs.Changes, 1)
			assert.Equal(t, tt.wantAction, cs.Changes[0].Action)
			assert.Equal(t, "ghost", cs.Changes[0].Identifier)
		})
	}
}

func TestScopeGating(t *testing.T) {
	fake := newFakeAdapter()
	eng := NewEngine(fake, Options{SyncUsers: true, CreateUsers: true})

	_, err := eng.PreviewSync(context.Background(),
		[]directory.User{dirUser("alice", "alice@example.com", "Alice")},
		[]directory.Group{{Name: "developers"}})
	require.NoError(t, err)

	assert.Equal(t, 1, fake.fetchUserCalls)
	assert.Zero(t, fake.fetchGroupCalls)
}

func TestExecuteSyncCanceledContext(t *testing.T) {
	fake := newFakeAdapter()
	eng := NewEngine(fake, Options{SyncUsers: true, CreateUsers: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.ExecuteSync(ctx,
		[]directory.User{dirUser("alice", "alice@example.com", "Alice")}, nil)
	require.Error(t, err)
	assert.Empty(t, fake.applied)
}

func TestSummarize(t *testing.T) {
	cs := &ChangeSet{
		Tool: "fake",
		Changes: []Change{
			{Kind: KindUser, Action: ActionCreate, Identifier: "a"},
			{Kind: KindUser, Action: ActionCreate, Identifier: "b"},
			{Kind: KindUser, Action: ActionDisable, Identifier: "c"},
			{Kind: KindGroup, Action: ActionUpdate, Identifier: "g"},
		},
		Conflicts: []Conflict{{Kind: KindUser, Identifier: "a", Field: "email"}},
	}

	res := Summarize(cs, 5, 2)
	assert.True(t, res.Preview)
	assert.Equal(t, 5, res.Users.Processed)
	assert.Equal(t, 2, res.Users.Created)
	assert.Equal(t, 1, res.Users.Disabled)
	assert.Equal(t, 2, res.Groups.Processed)
	assert.Equal(t, 1, res.Groups.Updated)
	assert.Len(t, res.Conflicts, 1)
}
