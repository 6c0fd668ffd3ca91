// pkg/adapter/base_test.go

package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinInterval(t *testing.T) {
	tests := []struct {
		rpm  int
		want time.Duration
	}{
		{rpm: 0, want: 0},
		{rpm: -5, want: 0},
		{rpm: 60, want: time.Second},
		{rpm: 120, want: 500 * time.Millisecond},
		{rpm: 6000, want: 10 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, minInterval(tt.rpm), "rpm=%d", tt.rpm)
	}
}

func TestBaseDoDecodesResponse(t *testing.T) {
	var gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"login":"alice","email":"alice@example.com"}`))
	}))
	defer srv.Close()

	b := NewBase(Config{Tool: "fake", BaseURL: srv.URL, Token: "tok"})
	var out struct {
		Login string `json:"login"`
		Email string `json:"email"`
	}
	err := b.Do(context.Background(), "get_user", http.MethodGet, "/api/user", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "alice", out.Login)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "application/json", gotAccept)

	st := b.Stats()
	assert.EqualValues(t, 1, st.Calls)
	assert.Zero(t, st.Failures)
	assert.False(t, st.LastCall.IsZero())
}

func TestBaseDoUnauthorizedIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := NewBase(Config{Tool: "fake", BaseURL: srv.URL, Token: "bad"})
	err := b.Do(context.Background(), "list_users", http.MethodGet, "/api/users", nil, nil)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.EqualValues(t, 1, b.Stats().Failures)
}

func TestBaseDoServerErrorIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewBase(Config{Tool: "fake", BaseURL: srv.URL})
	err := b.Do(context.Background(), "list_users", http.MethodGet, "/api/users", nil, nil)
	require.Error(t, err)
	assert.False(t, IsFatal(err))
}

func TestBaseDoEnforcesMinimumSpacing(t *testing.T) {
	var calls []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, time.Now())
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	// 1200 rpm gives a 50ms floor between calls.
	b := NewBase(Config{Tool: "fake", BaseURL: srv.URL, RequestsPerMinute: 1200})
	ctx := context.Background()
	require.NoError(t, b.Do(ctx, "ping", http.MethodGet, "/", nil, nil))
	require.NoError(t, b.Do(ctx, "ping", http.MethodGet, "/", nil, nil))

	require.Len(t, calls, 2)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 45*time.Millisecond)
}

func TestBaseDoCanceledContext(t *testing.T) {
	b := NewBase(Config{Tool: "fake", BaseURL: "http://127.0.0.1:1", RequestsPerMinute: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// First token is available immediately, so exhaust it, then the second
	// call must give up waiting.
	_ = b.Do(context.Background(), "ping", http.MethodGet, "/", nil, nil)
	err := b.Do(ctx, "ping", http.MethodGet, "/", nil, nil)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abcde...", truncate("abcdefgh", 5))
}
