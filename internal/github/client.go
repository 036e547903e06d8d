// internal/github/client.go
package github

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	custom_errors "github-star-mirror/internal/errors"
	"github-star-mirror/internal/model"
)

const tokenRequestTimeout = 30 * time.Second

// Options selects how the client authenticates. A non-zero AppID with a private
// key enables GitHub App auth; otherwise Token is used as a static bearer token.
type Options struct {
	Token         string
	AppID         int64
	PrivateKeyPEM []byte
	// BaseURL overrides the REST root, e.g. "https://ghe.example.com/api/v3/".
	BaseURL string
}

// Client is a read-only wrapper around the go-github client.
type Client struct {
	gh      *github.Client
	baseURL *url.URL
	logger  *slog.Logger

	// App auth only.
	appID int64
	mu    sync.Mutex
	byID  map[int64]*github.Client
}

// NewClient creates and configures a new Client instance.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	c := &Client{logger: logger, byID: make(map[int64]*github.Client)}

	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing GitHub API url: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		c.baseURL = u
	}

	if opts.AppID != 0 {
		key, err := jwt.ParseRSAPrivateKeyFromPEM(opts.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing GitHub App private key: %w", err)
		}
		c.appID = opts.AppID
		c.gh = c.newGitHub(oauth2.ReuseTokenSource(nil, &appTokenSource{appID: opts.AppID, key: key}))
		return c, nil
	}

	c.gh = c.newGitHub(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	return c, nil
}

func (c *Client) newGitHub(ts oauth2.TokenSource) *github.Client {
	gh := github.NewClient(oauth2.NewClient(context.Background(), ts))
	if c.baseURL != nil {
		u := *c.baseURL
		gh.BaseURL = &u
	}
	return gh
}

// GetRepository fetches repository details and translates them to our internal model.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*model.SourceRepository, error) {
	gh, err := c.clientFor(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	repo, _, err := gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, &custom_errors.ErrSourceAPI{Op: "get repository " + owner + "/" + name, Err: err}
	}
	return toSourceRepository(repo), nil
}

// VerifyAccess reports whether the configured credentials can read owner/name.
func (c *Client) VerifyAccess(ctx context.Context, owner, name string) bool {
	if _, err := c.GetRepository(ctx, owner, name); err != nil {
		c.logger.Warn("Repository access check failed", "owner", owner, "repo", name, "error", err)
		return false
	}
	return true
}

// clientFor returns the client authorised for owner/name. With App auth this is
// an installation-scoped client, created once per installation.
func (c *Client) clientFor(ctx context.Context, owner, name string) (*github.Client, error) {
	if c.appID == 0 {
		return c.gh, nil
	}

	inst, _, err := c.gh.Apps.FindRepositoryInstallation(ctx, owner, name)
	if err != nil {
		return nil, &custom_errors.ErrSourceAPI{Op: "find installation for " + owner + "/" + name, Err: err}
	}
	id := inst.GetID()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gh, ok := c.byID[id]; ok {
		return gh, nil
	}
	c.logger.Debug("Creating installation client", "installation_id", id, "owner", owner)
	gh := c.newGitHub(oauth2.ReuseTokenSource(nil, &installationTokenSource{app: c.gh, installationID: id}))
	c.byID[id] = gh
	return gh, nil
}

// appTokenSource mints the short-lived RS256 JWT GitHub expects from an App.
type appTokenSource struct {
	appID int64
	key   *rsa.PrivateKey
}

func (s *appTokenSource) Token() (*oauth2.Token, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer: strconv.FormatInt(s.appID, 10),
		// Backdated to tolerate clock drift against GitHub.
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("signing app token: %w", err)
	}
	return &oauth2.Token{AccessToken: signed, TokenType: "Bearer", Expiry: now.Add(8 * time.Minute)}, nil
}

// installationTokenSource exchanges the App JWT for an installation access token.
type installationTokenSource struct {
	app            *github.Client
	installationID int64
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tokenRequestTimeout)
	defer cancel()

	tok, _, err := s.app.Apps.CreateInstallationToken(ctx, s.installationID, nil)
	if err != nil {
		return nil, fmt.Errorf("creating installation token for %d: %w", s.installationID, err)
	}
	return &oauth2.Token{AccessToken: tok.GetToken(), TokenType: "Bearer", Expiry: tok.GetExpiresAt().Time}, nil
}

// toSourceRepository translates a github.Repository object to our internal model.
func toSourceRepository(r *github.Repository) *model.SourceRepository {
	return &model.SourceRepository{
		ID:            r.GetID(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		Owner:         r.GetOwner().GetLogin(),
		OwnerType:     r.GetOwner().GetType(),
		HTMLURL:       r.GetHTMLURL(),
		CloneURL:      r.GetCloneURL(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
		SizeKB:        r.GetSize(),
		Description:   r.Description,
		Language:      r.Language,
		StarsCount:    r.GetStargazersCount(),
		ForksCount:    r.GetForksCount(),
	}
}
