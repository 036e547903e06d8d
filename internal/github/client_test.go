// internal/github/client_test.go
package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "github-star-mirror/internal/errors"
)

const repoJSON = `{"id": 1296269, "name": "Hello-World", "full_name": "octocat/Hello-World",
  "owner": {"login": "octocat", "type": "User"}, "html_url": "https://github.com/octocat/Hello-World",
  "clone_url": "https://github.com/octocat/Hello-World.git", "default_branch": "main",
  "private": false, "size": 108, "stargazers_count": 80, "forks_count": 9, "language": "Go"}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestClient creates a httptest server and a token-authenticated client pointing to it.
func setupTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Options{Token: "test-token", BaseURL: server.URL}, testLogger())
	require.NoError(t, err)
	return client
}

func TestClient_GetRepository(t *testing.T) {
	t.Run("maps repository metadata", func(t *testing.T) {
		client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/repos/octocat/Hello-World", r.URL.Path)
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			fmt.Fprintln(w, repoJSON)
		}))

		repo, err := client.GetRepository(context.Background(), "octocat", "Hello-World")

		require.NoError(t, err)
		assert.Equal(t, int64(1296269), repo.ID)
		assert.Equal(t, "octocat", repo.Owner)
		assert.Equal(t, "User", repo.OwnerType)
		assert.Equal(t, "https://github.com/octocat/Hello-World.git", repo.CloneURL)
		assert.Equal(t, "main", repo.DefaultBranch)
		assert.Equal(t, 108, repo.SizeKB)
		require.NotNil(t, repo.Language)
		assert.Equal(t, "Go", *repo.Language)
	})

	t.Run("wraps API failures as retryable source errors", func(t *testing.T) {
		client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))

		_, err := client.GetRepository(context.Background(), "octocat", "Hello-World")

		require.Error(t, err)
		var srcErr *custom_errors.ErrSourceAPI
		require.ErrorAs(t, err, &srcErr)
		assert.True(t, custom_errors.IsRetryable(err))
	})
}

func TestClient_VerifyAccess(t *testing.T) {
	client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/octocat/Hello-World" {
			fmt.Fprintln(w, repoJSON)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"message": "Not Found"}`)
	}))

	assert.True(t, client.VerifyAccess(context.Background(), "octocat", "Hello-World"))
	assert.False(t, client.VerifyAccess(context.Background(), "octocat", "secret"))
}

func generateKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, pemBytes
}

func TestClient_AppAuth(t *testing.T) {
	key, pemBytes := generateKey(t)
	var tokenRequests, repoRequests int32

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octocat/Hello-World/installation", func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		iss, _ := token.Claims.GetIssuer()
		assert.Equal(t, "4242", iss)
		fmt.Fprintln(w, `{"id": 77}`)
	})
	mux.HandleFunc("/app/installations/77/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		atomic.AddInt32(&tokenRequests, 1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token": "ghs_installation", "expires_at": %q}`, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	})
	mux.HandleFunc("/repos/octocat/Hello-World", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&repoRequests, 1)
		assert.Equal(t, "Bearer ghs_installation", r.Header.Get("Authorization"))
		fmt.Fprintln(w, repoJSON)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := NewClient(Options{AppID: 4242, PrivateKeyPEM: pemBytes, BaseURL: server.URL}, testLogger())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		repo, err := client.GetRepository(context.Background(), "octocat", "Hello-World")
		require.NoError(t, err)
		assert.Equal(t, "Hello-World", repo.Name)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenRequests), "installation token should be reused")
	assert.Equal(t, int32(2), atomic.LoadInt32(&repoRequests))
}

func TestNewClient_InvalidPrivateKey(t *testing.T) {
	_, err := NewClient(Options{AppID: 1, PrivateKeyPEM: []byte("not a key")}, testLogger())
	require.Error(t, err)
}
