// Package github implements the Tracker port over GitHub pull requests using
// the go-github library.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/ericfisherdev/reviewready/internal/domain/model"
	"github.com/ericfisherdev/reviewready/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Tracker = (*Client)(nil)

const perPage = 100

// Options configures a Client.
type Options struct {
	// BaseURL is the REST API root. Empty means api.github.com.
	BaseURL         string
	Token           string
	Repo            string // "owner/repo"
	ReadyLabel      string
	ClosedPageLimit int
	RequestTimeout  time.Duration

	// HTTPClient replaces the cached, rate limited transport. Used by tests.
	HTTPClient *http.Client
}

// Client implements driven.Tracker for a single GitHub repository.
type Client struct {
	gh              *gh.Client
	owner           string
	repo            string
	readyLabel      string
	closedPageLimit int
}

// NewClient creates a new GitHub API client with the following transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (GitHub REST API client with PAT auth)
func NewClient(opts Options) (*Client, error) {
	owner, repo, err := splitRepo(opts.Repo)
	if err != nil {
		return nil, err
	}
	if opts.ReadyLabel == "" {
		return nil, errors.New("github ready label is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		cacheTransport := httpcache.NewMemoryCacheTransport()
		httpClient = github_ratelimit.NewClient(cacheTransport)
		httpClient.Timeout = opts.RequestTimeout
	}

	client := gh.NewClient(httpClient)
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}

	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
		client.BaseURL = u
	}

	limit := opts.ClosedPageLimit
	if limit <= 0 {
		limit = 1
	}

	return &Client{
		gh:              client,
		owner:           owner,
		repo:            repo,
		readyLabel:      opts.ReadyLabel,
		closedPageLimit: limit,
	}, nil
}

// FetchOpenReady returns open pull requests carrying the ready label, oldest
// first. GitHub cannot filter pull requests by label server side, so the open
// list is split here; the cached transport keeps the repeat listing in
// FetchOpenUnready cheap.
func (c *Client) FetchOpenReady(ctx context.Context) ([]model.MergeRequestSnapshot, error) {
	var snaps []model.MergeRequestSnapshot
	err := c.listPulls(ctx, "open", 0, func(pr *gh.PullRequest) error {
		snap, err := c.mapPullRequest(pr)
		if err != nil {
			return err
		}
		if snap.HasReadyLabel {
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// FetchClosed returns recently updated closed pull requests, merged ones
// included. Only the first ClosedPageLimit pages are read.
func (c *Client) FetchClosed(ctx context.Context) (model.IDSet, error) {
	ids := model.NewIDSet()
	err := c.listPulls(ctx, "closed", c.closedPageLimit, func(pr *gh.PullRequest) error {
		if pr.GetNumber() <= 0 {
			return malformed("pull request without number")
		}
		ids.Add(model.MergeRequestID(pr.GetNumber()))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// FetchStates fetches each pull request individually. Pull requests that no
// longer exist are absent from the result.
func (c *Client) FetchStates(ctx context.Context, ids model.IDSet) (map[model.MergeRequestID]model.MergeRequestState, error) {
	states := make(map[model.MergeRequestID]model.MergeRequestState, ids.Len())

	for _, id := range ids.Sorted() {
		pr, resp, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, int(id))
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				slog.Debug("pull request not found", "repo", c.fullName(), "number", int(id))
				continue
			}
			return nil, fmt.Errorf("fetching pull request %s#%d: %w", c.fullName(), id, err)
		}

		logRateLimit(resp, c.fullName()+"/pull", 0, 1)

		states[id] = mapState(pr)
	}

	return states, nil
}

// FetchOpenUnready returns open pull requests without the ready label.
func (c *Client) FetchOpenUnready(ctx context.Context) (model.IDSet, error) {
	ids := model.NewIDSet()
	err := c.listPulls(ctx, "open", 0, func(pr *gh.PullRequest) error {
		snap, err := c.mapPullRequest(pr)
		if err != nil {
			return err
		}
		if !snap.HasReadyLabel {
			ids.Add(snap.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// listPulls pages through the pull request listing for the given state. A
// pageLimit of zero reads every page.
func (c *Client) listPulls(ctx context.Context, state string, pageLimit int, fn func(*gh.PullRequest) error) error {
	opts := &gh.PullRequestListOptions{
		State:       state,
		Sort:        "created",
		Direction:   "asc",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	if state == "closed" {
		opts.Sort = "updated"
		opts.Direction = "desc"
	}

	for pages := 1; ; pages++ {
		prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
		if err != nil {
			return fmt.Errorf("listing %s pull requests for %s (page %d): %w", state, c.fullName(), opts.Page, err)
		}

		logRateLimit(resp, c.fullName(), opts.Page, len(prs))

		for _, pr := range prs {
			if pr == nil {
				return fmt.Errorf("listing %s pull requests for %s: %w", state, c.fullName(), malformed("null pull request"))
			}
			if err := fn(pr); err != nil {
				return fmt.Errorf("listing %s pull requests for %s: %w", state, c.fullName(), err)
			}
		}

		if resp == nil || resp.NextPage == 0 {
			return nil
		}
		if pageLimit > 0 && pages >= pageLimit {
			return nil
		}
		opts.Page = resp.NextPage
	}
}

// mapPullRequest converts a go-github PullRequest to a snapshot.
// It uses GetXxx() helper methods exclusively to avoid nil pointer panics.
func (c *Client) mapPullRequest(pr *gh.PullRequest) (model.MergeRequestSnapshot, error) {
	if pr.GetNumber() <= 0 {
		return model.MergeRequestSnapshot{}, malformed("pull request without number")
	}

	hasLabel := false
	for _, l := range pr.Labels {
		if l.GetName() == c.readyLabel {
			hasLabel = true
			break
		}
	}

	return model.MergeRequestSnapshot{
		ID:            model.MergeRequestID(pr.GetNumber()),
		Title:         pr.GetTitle(),
		URL:           pr.GetHTMLURL(),
		State:         mapState(pr),
		HasReadyLabel: hasLabel,
	}, nil
}

func mapState(pr *gh.PullRequest) model.MergeRequestState {
	switch {
	case pr.GetMerged() || !pr.GetMergedAt().IsZero():
		return model.MergeRequestMerged
	case pr.GetState() == "closed":
		return model.MergeRequestClosed
	default:
		return model.MergeRequestOpen
	}
}

// logRateLimit logs the GitHub API rate limit status after each call.
func logRateLimit(resp *gh.Response, endpoint string, page, count int) {
	if resp == nil {
		return
	}

	slog.Debug("github api call",
		"endpoint", endpoint,
		"page", page,
		"count", count,
		"rate_remaining", resp.Rate.Remaining,
		"rate_limit", resp.Rate.Limit,
	)

	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		slog.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second),
		)
	}
}

func (c *Client) fullName() string {
	return c.owner + "/" + c.repo
}

func malformed(detail string) error {
	return fmt.Errorf("%w: %s", model.ErrMalformedResponse, detail)
}

// splitRepo splits a "owner/repo" string into its two components.
func splitRepo(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo name %q: expected owner/repo", fullName)
	}
	return parts[0], parts[1], nil
}
