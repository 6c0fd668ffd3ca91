// pkg/adapter/mattermost/mattermost_test.go

package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/adapter"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/directory"
)

type fakeMattermost struct {
	mux *http.ServeMux

	mu     sync.Mutex
	calls  []string
	bodies map[string][]string
}

func newFakeMattermost() *fakeMattermost {
	return &fakeMattermost{mux: http.NewServeMux(), bodies: map[string][]string{}}
}

func (f *fakeMattermost) handle(pattern string, fn http.HandlerFunc) {
	f.mux.HandleFunc(pattern, fn)
}

func (f *fakeMattermost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.bodies[key] = append(f.bodies[key], string(body))
	f.mu.Unlock()

	r.Body = io.NopCloser(bytes.NewReader(body))
	f.mux.ServeHTTP(w, r)
}

func (f *fakeMattermost) called(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

func (f *fakeMattermost) lastBody(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	bodies := f.bodies[key]
	if len(bodies) == 0 {
		return ""
	}
	return bodies[len(bodies)-1]
}

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	a, err := New(adapter.Config{Tool: Slug, BaseURL: baseURL, Token: "token"})
	require.NoError(t, err)
	return a.(*Adapter)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Developers", "developers"},
		{"Platform Team", "platform-team"},
		{"ops_oncall", "ops-oncall"},
		{"R&D (Core)", "rd-core"},
		{"--edge--", "edge"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slugify(tt.in), "slugify(%q)", tt.in)
	}
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		in    string
		first string
		last  string
	}{
		{"Alice Anders", "Alice", "Anders"},
		{"Alice", "Alice", ""},
		{"Alice van der Berg", "Alice", "van der Berg"},
		{"  ", "", ""},
	}
	for _, tt := range tests {
		first, last := splitName(tt.in)
		assert.Equal(t, tt.first, first, "first of %q", tt.in)
		assert.Equal(t, tt.last, last, "last of %q", tt.in)
	}
}

func TestFetchRemoteUsersPaginates(t *testing.T) {
	fake := newFakeMattermost()
	fake.handle("GET /api/v4/users", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "0":
			full := make([]mmUser, perPage)
			for i := range full {
				full[i] = mmUser{ID: fmt.Sprintf("u%d", i), Username: fmt.Sprintf("user%d", i)}
			}
			writeJSON(t, w, full)
		default:
			writeJSON(t, w, []mmUser{{
				ID: "last", Username: "zoe", Email: "zoe@example.com",
				FirstName: "Zoe", LastName: "Zhang", DeleteAt: 42,
			}})
		}
	})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	users, err := a.FetchRemoteUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, perPage+1)

	assert.Equal(t, 2, fake.called("GET /api/v4/users"))
	zoe := users[perPage]
	assert.Equal(t, "Zoe Zhang", zoe.Name)
	assert.True(t, zoe.Disabled)
}

func TestFetchRemoteGroupsResolvesMemberNames(t *testing.T) {
	fake := newFakeMattermost()
	fake.handle("GET /api/v4/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []mmUser{
			{ID: "u1", Username: "alice"},
			{ID: "u2", Username: "bob"},
		})
	})
	fake.handle("GET /api/v4/teams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []mmTeam{
			{ID: "t1", Name: "developers", DisplayName: "Developers", Description: "Dev team"},
			{ID: "t2", Name: "retired", DeleteAt: 99},
		})
	})
	fake.handle("GET /api/v4/teams/t1/members", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []mmTeamMember{
			{TeamID: "t1", UserID: "u1"},
			{TeamID: "t1", UserID: "u2"},
			{TeamID: "t1", UserID: "unknown"},
		})
	})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	groups, err := a.FetchRemoteGroups(context.Background())
	require.NoError(t, err)

	// The archived team is skipped; member ids resolve to usernames.
	require.Len(t, groups, 1)
	assert.Equal(t, "developers", groups[0].Name)
	assert.Equal(t, "Developers", groups[0].Attributes[attrDisplayName])
	assert.ElementsMatch(t, []string{"alice", "bob"}, groups[0].Members)
}

func TestMapGroup(t *testing.T) {
	a := newTestAdapter(t, "http://mattermost.local")
	g := directory.Group{
		Name:        "Platform Team",
		Description: "Infra owners",
		Members: []string{
			"uid=bob,ou=People,dc=example,dc=com",
			"uid=alice,ou=People,dc=example,dc=com",
		},
	}

	rg := a.MapGroup(g)
	assert.Equal(t, "platform-team", rg.Name)
	assert.Equal(t, "Platform Team", rg.Attributes[attrDisplayName])
	assert.Equal(t, []string{"alice", "bob"}, rg.Members)
}

func TestDetectGroupDiff(t *testing.T) {
	a := newTestAdapter(t, "http://mattermost.local")
	g := directory.Group{
		Name:        "Platform Team",
		Description: "Infra owners",
		Members:     []string{"uid=alice,ou=People,dc=example,dc=com"},
	}

	inSync := adapter.RemoteGroup{
		ID: "t1", Name: "platform-team", Description: "Infra owners",
		Members:    []string{"ALICE"},
		Attributes: map[string]string{attrDisplayName: "Platform Team"},
	}
	assert.Empty(t, a.DetectGroupDiff(g, inSync))

	drifted := adapter.RemoteGroup{
		ID: "t1", Name: "platform-team", Description: "old",
		Members:    []string{"alice", "mallory"},
		Attributes: map[string]string{attrDisplayName: "Platform Team"},
	}
	fields := a.DetectGroupDiff(g, drifted)
	require.Len(t, fields, 2)
	assert.Equal(t, "description", fields[0].Field)
	assert.Equal(t, "members", fields[1].Field)
}

func TestIdentifyGroupBySlugOrDisplayName(t *testing.T) {
	a := newTestAdapter(t, "http://mattermost.local")
	remote := []adapter.RemoteGroup{
		{ID: "t1", Name: "platform-team", Attributes: map[string]string{attrDisplayName: "Platform Team"}},
	}

	bySlug, ok := a.IdentifyGroup(directory.Group{Name: "Platform Team"}, remote)
	require.True(t, ok)
	assert.Equal(t, "t1", bySlug.ID)

	// A team renamed by hand keeps its display name match.
	renamed := []adapter.RemoteGroup{
		{ID: "t2", Name: "plat", Attributes: map[string]string{attrDisplayName: "platform team"}},
	}
	byDisplay, ok := a.IdentifyGroup(directory.Group{Name: "Platform Team"}, renamed)
	require.True(t, ok)
	assert.Equal(t, "t2", byDisplay.ID)
}

func TestCreateUserSplitsName(t *testing.T) {
	fake := newFakeMattermost()
	fake.handle("POST /api/v4/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, mmUser{ID: "new", Username: "alice"})
	})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	err := a.ApplyUserChange(context.Background(), adapter.Change{
		Action:     adapter.ActionCreate,
		Identifier: "alice",
		User: &adapter.RemoteUser{
			Username: "alice",
			Email:    "alice@example.com",
			Name:     "Alice van der Berg",
		},
	})
	require.NoError(t, err)

	var req createUserRequest
	require.NoError(t, json.Unmarshal([]byte(fake.lastBody("POST /api/v4/users")), &req))
	assert.Equal(t, "Alice", req.FirstName)
	assert.Equal(t, "van der Berg", req.LastName)
	assert.NotEmpty(t, req.Password)
}

func TestDisableUser(t *testing.T) {
	fake := newFakeMattermost()
	fake.handle("PUT /api/v4/users/u9/active", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{"status": "ok"})
	})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	err := a.ApplyUserChange(context.Background(), adapter.Change{
		Action: adapter.ActionDisable, RemoteID: "u9", Identifier: "ghost",
	})
	require.NoError(t, err)
	assert.Contains(t, fake.lastBody("PUT /api/v4/users/u9/active"), `"active":false`)
}

func TestUpdateUserReactivates(t *testing.T) {
	fake := newFakeMattermost()
	fake.handle("PUT /api/v4/users/u3/patch", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, mmUser{ID: "u3"})
	})
	fake.handle("PUT /api/v4/users/u3/active", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{"status": "ok"})
	})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	err := a.ApplyUserChange(context.Background(), adapter.Change{
		Action:   adapter.ActionUpdate,
		RemoteID: "u3",
		Fields:   []adapter.FieldChange{{Field: "active", Old: "false", New: "true"}},
		User:     &adapter.RemoteUser{Username: "carol", Email: "carol@example.com", Name: "Carol Chen"},
	})
	require.NoError(t, err)
	assert.Contains(t, fake.lastBody("PUT /api/v4/users/u3/active"), `"active":true`)
}

func TestReconcileTeamMembers(t *testing.T) {
	fake := newFakeMattermost()
	fake.handle("GET /api/v4/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []mmUser{
			{ID: "u1", Username: "alice"},
			{ID: "u2", Username: "bob"},
		})
	})
	fake.handle("GET /api/v4/teams/t1/members", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []mmTeamMember{{TeamID: "t1", UserID: "u2"}})
	})
	fake.handle("GET /api/v4/users/username/carol", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "user not found", http.StatusNotFound)
	})
	fake.handle("PUT /api/v4/teams/t1/patch", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, mmTeam{ID: "t1"})
	})
	fake.handle("POST /api/v4/teams/t1/members", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, mmTeamMember{TeamID: "t1", UserID: "u1"})
	})
	fake.handle("DELETE /api/v4/teams/t1/members/u2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{"status": "ok"})
	})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	err := a.ApplyGroupChange(context.Background(), adapter.Change{
		Kind:       adapter.KindGroup,
		Action:     adapter.ActionUpdate,
		Identifier: "platform-team",
		RemoteID:   "t1",
		// carol has no account and is skipped; bob is no longer a member.
		Group: &adapter.RemoteGroup{
			Name:       "platform-team",
			Members:    []string{"alice", "carol"},
			Attributes: map[string]string{attrDisplayName: "Platform Team"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fake.called("POST /api/v4/teams/t1/members"))
	assert.Contains(t, fake.lastBody("POST /api/v4/teams/t1/members"), `"user_id":"u1"`)
	assert.Equal(t, 1, fake.called("DELETE /api/v4/teams/t1/members/u2"))
}

func TestCreateTeam(t *testing.T) {
	fake := newFakeMattermost()
	fake.handle("GET /api/v4/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []mmUser{{ID: "u1", Username: "alice"}})
	})
	fake.handle("POST /api/v4/teams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, mmTeam{ID: "t9", Name: "platform-team"})
	})
	fake.handle("GET /api/v4/teams/t9/members", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []mmTeamMember{})
	})
	fake.handle("POST /api/v4/teams/t9/members", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, mmTeamMember{TeamID: "t9", UserID: "u1"})
	})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	err := a.ApplyGroupChange(context.Background(), adapter.Change{
		Kind:       adapter.KindGroup,
		Action:     adapter.ActionCreate,
		Identifier: "platform-team",
		Group: &adapter.RemoteGroup{
			Name:       "platform-team",
			Members:    []string{"alice"},
			Attributes: map[string]string{attrDisplayName: "Platform Team"},
		},
	})
	require.NoError(t, err)

	var req createTeamRequest
	require.NoError(t, json.Unmarshal([]byte(fake.lastBody("POST /api/v4/teams")), &req))
	assert.Equal(t, inviteOnlyTeam, req.Type)
	assert.Equal(t, "Platform Team", req.DisplayName)
	assert.Equal(t, 1, fake.called("POST /api/v4/teams/t9/members"))
}
