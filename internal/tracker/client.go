package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v58/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	labelGenerated    = "codessa-generated"
	labelDiscussion   = "discussion"
	labelArchitecture = "architecture"
	artifactDir       = "codessa_artifacts"
)

var (
	// ErrInvalidTarget means an action's target is not "owner/repo" or "repo".
	ErrInvalidTarget = errors.New("tracker: invalid target")
	// ErrGone means the external resource no longer exists.
	ErrGone = errors.New("tracker: resource gone")
)

// State is the lifecycle state of an external resource.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
	StateMerged State = "merged"
)

// Config configures the GitHub client.
type Config struct {
	Token   string
	Owner   string  // default owner for bare repo targets
	BaseURL string  // GitHub Enterprise API root; empty for github.com
	RPS     float64 // request budget; <= 0 disables throttling
}

// Client creates and inspects GitHub issues and pull requests. Every create
// is keyed: the key is embedded in the body and looked up first, so a retried
// create returns the resource an earlier attempt already made.
type Client struct {
	gh      *github.Client
	owner   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: cfg.Token},
	)
	tc := oauth2.NewClient(ctx, ts)
	gh := github.NewClient(tc)
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	return NewWithClient(gh, cfg.Owner, newLimiter(cfg.RPS), logger), nil
}

// NewWithClient wraps an existing go-github client. A nil limiter disables
// throttling.
func NewWithClient(gh *github.Client, owner string, limiter *rate.Limiter, logger *slog.Logger) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Client{gh: gh, owner: owner, limiter: limiter, logger: logger}
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// splitTarget resolves "owner/repo" or "repo" against the default owner.
func (c *Client) splitTarget(target string) (string, string, error) {
	target = strings.TrimSpace(target)
	owner, repo, found := strings.Cut(target, "/")
	if !found {
		owner, repo = c.owner, target
	}
	if owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("%q: %w", target, ErrInvalidTarget)
	}
	return owner, repo, nil
}

// Marker is the hidden comment that carries an idempotency key in a body.
func Marker(key string) string {
	return "<!-- " + key + " -->"
}

func withMarker(body, key string) string {
	return strings.TrimRight(body, "\n") + "\n\n" + Marker(key) + "\n"
}

// keyScanPages bounds how far back findByKey looks for an earlier attempt.
const keyScanPages = 3

// findByKey returns the URL of a generated issue or PR in owner/repo whose
// body carries key. It lists recent issues newest first instead of using
// search, which lags behind writes and would miss a create whose response was
// lost.
func (c *Client) findByKey(ctx context.Context, owner, repo, key string) (string, error) {
	marker := Marker(key)
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Labels:      []string{labelGenerated},
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for page := 0; page < keyScanPages; page++ {
		if err := c.wait(ctx); err != nil {
			return "", err
		}
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return "", fmt.Errorf("list issues %s/%s: %w", owner, repo, err)
		}
		for _, is := range issues {
			if strings.Contains(is.GetBody(), marker) {
				return is.GetHTMLURL(), nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return "", nil
}

// CreateIssue opens an issue labelled as generated.
func (c *Client) CreateIssue(ctx context.Context, target, title, body, key string) (string, error) {
	return c.createIssue(ctx, target, title, body, key, []string{labelGenerated})
}

// CreateDiscussion opens a labelled "[Discussion]" issue. The REST API has no
// discussion endpoint.
func (c *Client) CreateDiscussion(ctx context.Context, target, title, body, key string) (string, error) {
	return c.createIssue(ctx, target, "[Discussion] "+title, body, key,
		[]string{labelGenerated, labelDiscussion, labelArchitecture})
}

func (c *Client) createIssue(ctx context.Context, target, title, body, key string, labels []string) (string, error) {
	owner, repo, err := c.splitTarget(target)
	if err != nil {
		return "", err
	}

	if existing, err := c.findByKey(ctx, owner, repo, key); err != nil {
		return "", err
	} else if existing != "" {
		c.logger.Info("issue already exists for key", "key", key, "url", existing)
		return existing, nil
	}

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	issue, _, err := c.gh.Issues.Create(ctx, owner, repo, &github.IssueRequest{
		Title:  github.String(title),
		Body:   github.String(withMarker(body, key)),
		Labels: &labels,
	})
	if err != nil {
		return "", fmt.Errorf("create issue in %s/%s: %w", owner, repo, err)
	}
	return issue.GetHTMLURL(), nil
}

// CreatePullRequest commits body as a Markdown file on a branch derived from
// key and opens a pull request for it. An existing PR for that branch is
// returned as is.
func (c *Client) CreatePullRequest(ctx context.Context, target, title, body, key string) (string, error) {
	owner, repo, err := c.splitTarget(target)
	if err != nil {
		return "", err
	}
	branch := "codessa/" + key

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		Head:  owner + ":" + branch,
		State: "all",
	})
	if err != nil {
		return "", fmt.Errorf("list pull requests: %w", err)
	}
	if len(prs) > 0 {
		c.logger.Info("pull request already exists for key", "key", key, "url", prs[0].GetHTMLURL())
		return prs[0].GetHTMLURL(), nil
	}

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("get repo %s/%s: %w", owner, repo, err)
	}
	base := r.GetDefaultBranch()

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	baseRef, _, err := c.gh.Git.GetRef(ctx, owner, repo, "heads/"+base)
	if err != nil {
		return "", fmt.Errorf("get ref %s: %w", base, err)
	}

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	_, _, err = c.gh.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: baseRef.GetObject().SHA},
	})
	if err != nil && !isUnprocessable(err) {
		return "", fmt.Errorf("create branch %s: %w", branch, err)
	}

	path := artifactDir + "/" + slug(title) + ".md"
	if err := c.writeFile(ctx, owner, repo, branch, path, title, body); err != nil {
		return "", err
	}

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	prBody := fmt.Sprintf("Automated PR from Codessa\n\n## Changes\n- %s\n\n%s", path, body)
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String("[Codessa] " + title),
		Head:  github.String(branch),
		Base:  github.String(base),
		Body:  github.String(withMarker(prBody, key)),
	})
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	return pr.GetHTMLURL(), nil
}

// writeFile commits content to path on branch. A file that already exists,
// from the default branch or an earlier attempt, is updated in place with its
// SHA; identical content is left alone.
func (c *Client) writeFile(ctx context.Context, owner, repo, branch, path, title, content string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	existing, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path,
		&github.RepositoryContentGetOptions{Ref: branch})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("get file %s: %w", path, err)
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String("Add " + title + " via Codessa"),
		Content: []byte(content),
		Branch:  github.String(branch),
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	if existing == nil {
		if _, _, err := c.gh.Repositories.CreateFile(ctx, owner, repo, path, opts); err != nil {
			return fmt.Errorf("create file %s: %w", path, err)
		}
		return nil
	}

	if current, err := existing.GetContent(); err == nil && current == content {
		return nil
	}
	opts.Message = github.String("Update " + title + " via Codessa")
	opts.SHA = github.String(existing.GetSHA())
	if _, _, err := c.gh.Repositories.UpdateFile(ctx, owner, repo, path, opts); err != nil {
		return fmt.Errorf("update file %s: %w", path, err)
	}
	return nil
}

var resourceURLRe = regexp.MustCompile(`/([^/]+)/([^/]+)/(issues|pull)/(\d+)/?$`)

// Status reports the state of the issue or pull request at htmlURL.
func (c *Client) Status(ctx context.Context, htmlURL string) (State, error) {
	u, err := url.Parse(htmlURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	m := resourceURLRe.FindStringSubmatch(u.Path)
	if m == nil {
		return "", fmt.Errorf("%q is not an issue or pull request url: %w", htmlURL, ErrInvalidTarget)
	}
	owner, repo, kind := m[1], m[2], m[3]
	number, _ := strconv.Atoi(m[4])

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	if kind == "pull" {
		pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			return "", statusErr(err)
		}
		switch {
		case pr.GetMerged():
			return StateMerged, nil
		case pr.GetState() == "closed":
			return StateClosed, nil
		}
		return StateOpen, nil
	}

	issue, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return "", statusErr(err)
	}
	if issue.GetState() == "closed" {
		return StateClosed, nil
	}
	return StateOpen, nil
}

func statusErr(err error) error {
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		if code := respErr.Response.StatusCode; code == http.StatusNotFound || code == http.StatusGone {
			return fmt.Errorf("%w: %v", ErrGone, err)
		}
	}
	return fmt.Errorf("get resource: %w", err)
}

func isNotFound(err error) bool {
	var respErr *github.ErrorResponse
	return errors.As(err, &respErr) && respErr.Response != nil &&
		respErr.Response.StatusCode == http.StatusNotFound
}

// isUnprocessable matches GitHub's 422 for "already exists".
func isUnprocessable(err error) bool {
	var respErr *github.ErrorResponse
	return errors.As(err, &respErr) && respErr.Response != nil &&
		respErr.Response.StatusCode == http.StatusUnprocessableEntity
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(title string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 60 {
		s = strings.TrimRight(s[:60], "-")
	}
	if s == "" {
		s = "artifact"
	}
	return s
}
