// internal/target/onedev.go
package target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"

	custom_errors "github-star-mirror/internal/errors"
	"github-star-mirror/internal/model"
)

const (
	StrategyUseExisting = "use_existing"
	StrategyFail        = "fail"

	DefaultTimeout = 30 * time.Second

	maxErrorBody = 512
)

var nameReplacer = strings.NewReplacer(".", "-", "_", "-")

// Options configures the OneDev client.
type Options struct {
	APIURL           string
	Token            string
	RepoPrefix       string
	ConflictStrategy string
	// Timeout bounds each request; DefaultTimeout when zero.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive API failures that open the breaker.
	FailureThreshold uint32
	// BreakerTimeout is how long the breaker stays open before probing again.
	BreakerTimeout time.Duration
}

// Client provisions repositories on a OneDev server.
type Client struct {
	baseURL  *url.URL
	token    string
	prefix   string
	strategy string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[*model.TargetRepository]
	logger   *slog.Logger
}

type createProjectRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	CodeManagement  bool   `json:"codeManagement"`
	IssueManagement bool   `json:"issueManagement"`
}

type projectResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.APIURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing OneDev API url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("OneDev API url %q must be absolute", opts.APIURL)
	}
	strategy := opts.ConflictStrategy
	if strategy == "" {
		strategy = StrategyUseExisting
	}
	if strategy != StrategyUseExisting && strategy != StrategyFail {
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	threshold := opts.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	breakerTimeout := opts.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 60 * time.Second
	}

	hc := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	hc.Timeout = timeout

	c := &Client{
		baseURL:  base,
		token:    opts.Token,
		prefix:   opts.RepoPrefix,
		strategy: strategy,
		http:     hc,
		logger:   logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*model.TargetRepository](gobreaker.Settings{
		Name:        "onedev",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A name conflict is a healthy answer from the server.
		IsSuccessful: func(err error) bool {
			var conflict *custom_errors.ErrTargetConflict
			return err == nil || errors.As(err, &conflict)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// RepositoryName derives the deterministic target name for a source repository.
func (c *Client) RepositoryName(owner, repo string) string {
	return c.prefix + strings.ToLower(nameReplacer.Replace(owner+"-"+repo))
}

// EnsureRepository creates the named project, or resolves an existing one
// according to the conflict strategy.
func (c *Client) EnsureRepository(ctx context.Context, name, description string) (*model.TargetRepository, error) {
	return c.guard("create project", func() (*model.TargetRepository, error) {
		return c.createProject(ctx, name, description)
	})
}

// GetRepository looks up an existing project by name.
func (c *Client) GetRepository(ctx context.Context, name string) (*model.TargetRepository, error) {
	return c.guard("get project", func() (*model.TargetRepository, error) {
		return c.getProject(ctx, name)
	})
}

// RepositoryExists reports whether the named project can be fetched.
func (c *Client) RepositoryExists(ctx context.Context, name string) bool {
	_, err := c.GetRepository(ctx, name)
	return err == nil
}

func (c *Client) guard(op string, fn func() (*model.TargetRepository, error)) (*model.TargetRepository, error) {
	repo, err := c.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &custom_errors.ErrTargetAPI{Op: op, Err: err}
	}
	return repo, err
}

func (c *Client) createProject(ctx context.Context, name, description string) (*model.TargetRepository, error) {
	const op = "create project"
	if description == "" {
		description = "Synced from GitHub"
	}
	body, err := json.Marshal(createProjectRequest{
		Name:           name,
		Description:    description,
		CodeManagement: true,
	})
	if err != nil {
		return nil, &custom_errors.ErrTargetAPI{Op: op, Err: err}
	}

	resp, err := c.do(ctx, http.MethodPost, c.apiURL("api", "projects"), body)
	if err != nil {
		return nil, &custom_errors.ErrTargetAPI{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		repo, err := c.decodeProject(resp.Body, name)
		if err != nil {
			return nil, &custom_errors.ErrTargetAPI{Op: op, StatusCode: resp.StatusCode, Err: err}
		}
		c.logger.Info("Created OneDev repository", "name", name, "project_id", repo.ID)
		return repo, nil
	case http.StatusConflict:
		if c.strategy == StrategyFail {
			return nil, &custom_errors.ErrTargetConflict{Name: name}
		}
		c.logger.Info("Repository already exists, using existing", "name", name)
		return c.getProject(ctx, name)
	default:
		return nil, &custom_errors.ErrTargetAPI{Op: op, StatusCode: resp.StatusCode, Err: errorBody(resp.Body)}
	}
}

func (c *Client) getProject(ctx context.Context, name string) (*model.TargetRepository, error) {
	const op = "get project"
	resp, err := c.do(ctx, http.MethodGet, c.apiURL("api", "projects", name), nil)
	if err != nil {
		return nil, &custom_errors.ErrTargetAPI{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &custom_errors.ErrTargetAPI{Op: op, StatusCode: resp.StatusCode, Err: errorBody(resp.Body)}
	}
	repo, err := c.decodeProject(resp.Body, name)
	if err != nil {
		return nil, &custom_errors.ErrTargetAPI{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return repo, nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *Client) decodeProject(r io.Reader, requested string) (*model.TargetRepository, error) {
	var p projectResponse
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding project: %w", err)
	}
	name := p.Name
	if name == "" {
		name = requested
	}
	return &model.TargetRepository{
		ID:       p.ID,
		Name:     name,
		URL:      c.webURL(name, false),
		CloneURL: c.webURL(name, true),
		PushURL:  c.pushURL(name),
	}, nil
}

func (c *Client) apiURL(elem ...string) string {
	u := *c.baseURL
	u.Path = path.Join(append([]string{"/", u.Path}, elem...)...)
	return u.String()
}

func (c *Client) webURL(name string, git bool) string {
	u := *c.baseURL
	if git {
		name += ".git"
	}
	u.Path = path.Join("/", u.Path, name)
	return u.String()
}

// pushURL embeds the API token; it must never be stored or logged.
func (c *Client) pushURL(name string) string {
	u := *c.baseURL
	u.User = url.UserPassword("oauth2", c.token)
	u.Path = path.Join("/", u.Path, name+".git")
	return u.String()
}

func errorBody(r io.Reader) error {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = "empty response body"
	}
	return errors.New(msg)
}
