// Package gitlab implements the Tracker port against the GitLab merge request API.
package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gregjones/httpcache"
	gl "github.com/xanzy/go-gitlab"
	"golang.org/x/time/rate"

	"github.com/ericfisherdev/reviewready/internal/domain/model"
	"github.com/ericfisherdev/reviewready/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Tracker = (*Client)(nil)

const (
	perPage        = 100
	stateOpened    = "opened"
	stateClosed    = "closed"
	defaultBaseURL = "https://gitlab.com"
)

// Options configures a Client.
type Options struct {
	BaseURL         string
	Token           string
	Project         string // numeric id or "group/project" path
	ReadyLabel      string
	ClosedPageLimit int
	RequestTimeout  time.Duration

	// HTTPClient overrides the cached transport. Used by tests.
	HTTPClient *http.Client
}

// Client implements driven.Tracker using go-gitlab.
type Client struct {
	gl              *gl.Client
	project         string
	readyLabel      string
	closedPageLimit int
}

// NewClient creates a GitLab tracker client with the following transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-gitlab (REST API client with private token auth, no internal retries)
func NewClient(opts Options) (*Client, error) {
	if opts.Project == "" {
		return nil, errors.New("gitlab project is required")
	}
	if opts.ReadyLabel == "" {
		return nil, errors.New("gitlab ready label is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: httpcache.NewMemoryCacheTransport(),
			Timeout:   opts.RequestTimeout,
		}
	}

	client, err := gl.NewClient(opts.Token,
		gl.WithBaseURL(opts.BaseURL),
		gl.WithHTTPClient(httpClient),
		gl.WithoutRetries(),
		gl.WithCustomLimiter(rate.NewLimiter(rate.Limit(10), 10)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}

	limit := opts.ClosedPageLimit
	if limit <= 0 {
		limit = 1
	}

	return &Client{
		gl:              client,
		project:         opts.Project,
		readyLabel:      opts.ReadyLabel,
		closedPageLimit: limit,
	}, nil
}

// FetchOpenReady lists open merge requests carrying the ready label, in the
// order GitLab returns them.
func (c *Client) FetchOpenReady(ctx context.Context) ([]model.MergeRequestSnapshot, error) {
	opts := &gl.ListProjectMergeRequestsOptions{
		State:  gl.Ptr(stateOpened),
		Labels: &gl.LabelOptions{c.readyLabel},
	}

	var snaps []model.MergeRequestSnapshot
	err := c.list(ctx, "open ready", opts, 0, func(m mergeRequest) error {
		snap, err := c.snapshot(m)
		if err != nil {
			return err
		}
		snaps = append(snaps, snap)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snaps, nil
}

// FetchClosed lists recently updated closed merge requests. Only the first
// ClosedPageLimit pages are read; older ids are resolved by FetchStates.
func (c *Client) FetchClosed(ctx context.Context) (model.IDSet, error) {
	opts := &gl.ListProjectMergeRequestsOptions{
		State:   gl.Ptr(stateClosed),
		OrderBy: gl.Ptr("updated_at"),
		Sort:    gl.Ptr("desc"),
	}
	return c.collectIDs(ctx, "closed", opts, c.closedPageLimit)
}

// FetchStates looks up the current state of the given merge requests in
// batches of 100. Ids GitLab does not return are absent from the result.
func (c *Client) FetchStates(ctx context.Context, ids model.IDSet) (map[model.MergeRequestID]model.MergeRequestState, error) {
	states := make(map[model.MergeRequestID]model.MergeRequestState, ids.Len())
	sorted := ids.Ints()

	for start := 0; start < len(sorted); start += perPage {
		end := min(start+perPage, len(sorted))
		batch := sorted[start:end]

		opts := &gl.ListProjectMergeRequestsOptions{IIDs: &batch}
		err := c.list(ctx, "states", opts, 0, func(m mergeRequest) error {
			if m.iid <= 0 {
				return malformed("merge request without iid")
			}
			state, err := mapState(m.state)
			if err != nil {
				return err
			}
			states[model.MergeRequestID(m.iid)] = state
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return states, nil
}

// FetchOpenUnready lists open merge requests without the ready label.
func (c *Client) FetchOpenUnready(ctx context.Context) (model.IDSet, error) {
	opts := &gl.ListProjectMergeRequestsOptions{
		State:     gl.Ptr(stateOpened),
		NotLabels: &gl.LabelOptions{c.readyLabel},
	}
	return c.collectIDs(ctx, "open unready", opts, 0)
}

// mergeRequest holds the fields read from a listed merge request.
type mergeRequest struct {
	iid    int
	title  string
	webURL string
	state  string
	labels []string
}

func (c *Client) collectIDs(ctx context.Context, query string, opts *gl.ListProjectMergeRequestsOptions, pageLimit int) (model.IDSet, error) {
	ids := model.NewIDSet()
	err := c.list(ctx, query, opts, pageLimit, func(m mergeRequest) error {
		if m.iid <= 0 {
			return malformed("merge request without iid")
		}
		ids.Add(model.MergeRequestID(m.iid))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// list pages through a merge request listing, calling fn for each item. A
// pageLimit of zero follows X-Next-Page until it is empty.
func (c *Client) list(ctx context.Context, query string, opts *gl.ListProjectMergeRequestsOptions, pageLimit int, fn func(mergeRequest) error) error {
	opts.PerPage = perPage
	opts.Page = 1

	for pages := 1; ; pages++ {
		mrs, resp, err := c.gl.MergeRequests.ListProjectMergeRequests(c.project, opts, gl.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("listing %s merge requests for %s (page %d): %w", query, c.project, opts.Page, classify(err))
		}

		slog.Debug("gitlab api call",
			"query", query,
			"project", c.project,
			"page", opts.Page,
			"count", len(mrs),
		)

		for _, mr := range mrs {
			if mr == nil {
				return malformed("null merge request in listing")
			}
			item := mergeRequest{
				iid:    mr.IID,
				title:  mr.Title,
				webURL: mr.WebURL,
				state:  mr.State,
				labels: mr.Labels,
			}
			if err := fn(item); err != nil {
				return fmt.Errorf("listing %s merge requests for %s: %w", query, c.project, err)
			}
		}

		if resp == nil || resp.NextPage == 0 {
			return nil
		}
		if pageLimit > 0 && pages >= pageLimit {
			slog.Debug("gitlab page limit reached", "query", query, "pages", pages)
			return nil
		}
		opts.Page = resp.NextPage
	}
}

// snapshot maps one listed merge request. The ready label is checked on the
// returned labels rather than trusted from the query filter.
func (c *Client) snapshot(m mergeRequest) (model.MergeRequestSnapshot, error) {
	if m.iid <= 0 {
		return model.MergeRequestSnapshot{}, malformed("merge request without iid")
	}

	state, err := mapState(m.state)
	if err != nil {
		return model.MergeRequestSnapshot{}, err
	}

	hasLabel := false
	for _, l := range m.labels {
		if l == c.readyLabel {
			hasLabel = true
			break
		}
	}

	return model.MergeRequestSnapshot{
		ID:            model.MergeRequestID(m.iid),
		Title:         m.title,
		URL:           m.webURL,
		State:         state,
		HasReadyLabel: hasLabel,
	}, nil
}

// mapState converts a GitLab state string. Locked merge requests are open
// ones undergoing a transition.
func mapState(s string) (model.MergeRequestState, error) {
	switch s {
	case stateOpened, "locked":
		return model.MergeRequestOpen, nil
	case stateClosed:
		return model.MergeRequestClosed, nil
	case "merged":
		return model.MergeRequestMerged, nil
	default:
		return "", malformed(fmt.Sprintf("unknown merge request state %q", s))
	}
}

func malformed(detail string) error {
	return fmt.Errorf("%w: %s", model.ErrMalformedResponse, detail)
}

// classify marks body decoding failures as malformed responses.
func classify(err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: %w", model.ErrMalformedResponse, err)
	}
	return err
}
