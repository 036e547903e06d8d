// internal/target/onedev_test.go
package target

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "github-star-mirror/internal/errors"
)

func newTestClient(t *testing.T, handler http.Handler, mutate func(*Options)) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts := Options{
		APIURL:           server.URL + "/",
		Token:            "od-token",
		RepoPrefix:       "github-",
		ConflictStrategy: StrategyUseExisting,
	}
	if mutate != nil {
		mutate(&opts)
	}
	client, err := NewClient(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return client, server
}

func TestClient_RepositoryName(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler(), nil)

	tests := []struct {
		owner, repo, want string
	}{
		{"octocat", "Hello-World", "github-octocat-hello-world"},
		{"my.org", "some_repo.js", "github-my-org-some-repo-js"},
		{"UPPER", "Case", "github-upper-case"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, client.RepositoryName(tc.owner, tc.repo))
	}
}

func TestClient_EnsureRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a project", func(t *testing.T) {
		client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/projects", r.URL.Path)
			assert.Equal(t, "Bearer od-token", r.Header.Get("Authorization"))

			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "github-octocat-hello-world", payload["name"])
			assert.Equal(t, "Synced from GitHub", payload["description"])
			assert.Equal(t, true, payload["codeManagement"])
			assert.Equal(t, false, payload["issueManagement"])

			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": 12, "name": "github-octocat-hello-world"}`)
		}), nil)

		repo, err := client.EnsureRepository(ctx, "github-octocat-hello-world", "")
		require.NoError(t, err)
		assert.Equal(t, int64(12), repo.ID)
		assert.Equal(t, server.URL+"/github-octocat-hello-world", repo.URL)
		assert.Equal(t, server.URL+"/github-octocat-hello-world.git", repo.CloneURL)
		assert.Contains(t, repo.PushURL, "oauth2:od-token@")
		assert.True(t, strings.HasSuffix(repo.PushURL, "/github-octocat-hello-world.git"))
	})

	t.Run("conflict with use_existing returns the existing project", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodPost:
				w.WriteHeader(http.StatusConflict)
			case r.URL.Path == "/api/projects/github-octocat-hello-world":
				fmt.Fprint(w, `{"id": 5, "name": "github-octocat-hello-world"}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}), nil)

		repo, err := client.EnsureRepository(ctx, "github-octocat-hello-world", "desc")
		require.NoError(t, err)
		assert.Equal(t, int64(5), repo.ID)
	})

	t.Run("conflict with fail raises TargetConflict", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}), func(o *Options) { o.ConflictStrategy = StrategyFail })

		_, err := client.EnsureRepository(ctx, "github-octocat-hello-world", "")
		var conflict *custom_errors.ErrTargetConflict
		require.ErrorAs(t, err, &conflict)
		assert.False(t, custom_errors.IsRetryable(err))
	})

	t.Run("server error is a retryable target error", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, "upstream down")
		}), nil)

		_, err := client.EnsureRepository(ctx, "x", "")
		var apiErr *custom_errors.ErrTargetAPI
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		assert.Contains(t, apiErr.Error(), "upstream down")
		assert.True(t, custom_errors.IsRetryable(err))
	})

	t.Run("timeout is a retryable target error", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusCreated)
		}), func(o *Options) { o.Timeout = 20 * time.Millisecond })

		_, err := client.EnsureRepository(ctx, "slow", "")
		var apiErr *custom_errors.ErrTargetAPI
		require.ErrorAs(t, err, &apiErr)
		assert.Zero(t, apiErr.StatusCode)
	})
}

func TestClient_CircuitBreaker(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}), func(o *Options) {
		o.FailureThreshold = 2
		o.BreakerTimeout = time.Hour
	})

	for i := 0; i < 2; i++ {
		_, err := client.EnsureRepository(context.Background(), "x", "")
		require.Error(t, err)
	}

	_, err := client.EnsureRepository(context.Background(), "x", "")
	var apiErr *custom_errors.ErrTargetAPI
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, custom_errors.IsRetryable(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "open breaker must not reach the server")
}

func TestClient_ConflictsDoNotTripBreaker(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}), func(o *Options) {
		o.ConflictStrategy = StrategyFail
		o.FailureThreshold = 1
	})

	for i := 0; i < 3; i++ {
		_, err := client.EnsureRepository(context.Background(), "x", "")
		var conflict *custom_errors.ErrTargetConflict
		require.ErrorAs(t, err, &conflict)
	}
}

func TestClient_RepositoryExists(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/projects/present" {
			fmt.Fprint(w, `{"id": 1, "name": "present"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}), nil)

	assert.True(t, client.RepositoryExists(context.Background(), "present"))
	assert.False(t, client.RepositoryExists(context.Background(), "absent"))
}

func TestNewClient_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewClient(Options{APIURL: "not-a-url"}, logger)
	assert.Error(t, err)

	_, err = NewClient(Options{APIURL: "https://onedev.example", ConflictStrategy: "merge"}, logger)
	assert.Error(t, err)
}
