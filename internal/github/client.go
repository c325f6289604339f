// internal/github/client.go
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"repo-timeline/internal/apperr"
	"repo-timeline/internal/model"
	"repo-timeline/internal/token"
)

const defaultPageSize = 100

// RepoInfo is the subset of repository metadata the sync engine needs.
type RepoInfo struct {
	DefaultBranch string
	FullName      string
}

// Client is a wrapper around the go-github client. Pagination uses the Link
// headers go-github surfaces as Response.NextPage/LastPage; a missing Link
// header is treated as a single-page result even if more data exists upstream
// (that ambiguity is not resolvable from the response alone).
type Client struct {
	gh       *github.Client
	logger   *slog.Logger
	pageSize int
}

// NewClient creates a Client whose requests rotate through the given token
// pool, one credential per request.
func NewClient(rotator *token.Rotator, logger *slog.Logger) *Client {
	tc := oauth2.NewClient(context.Background(), rotator)
	return &Client{
		gh:       github.NewClient(tc),
		logger:   logger,
		pageSize: defaultPageSize,
	}
}

// GetRepoInfo resolves repository metadata, most importantly the default
// branch. An upstream 404 maps to apperr.ErrNotFoundOrPrivate since GitHub
// does not distinguish the two cases.
func (c *Client) GetRepoInfo(ctx context.Context, owner, repo string) (*RepoInfo, error) {
	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, mapUpstreamError(err)
	}
	return &RepoInfo{
		DefaultBranch: r.GetDefaultBranch(),
		FullName:      r.GetFullName(),
	}, nil
}

// ListMergedPulls pages through closed pull requests ascending by creation
// order, keeping only merged ones. Paging stops on a short page or once
// maxPages pages have been fetched, bounding per-cycle request volume. When
// sinceNumber > 0, items with a number at or below it are discarded
// client-side (the upstream list endpoint has no since parameter).
func (c *Client) ListMergedPulls(ctx context.Context, owner, repo string, sinceNumber, maxPages int) ([]model.ChangeRecord, error) {
	var records []model.ChangeRecord

	opts := &github.PullRequestListOptions{
		State:     "closed",
		Sort:      "created",
		Direction: "asc",
		ListOptions: github.ListOptions{
			PerPage: c.pageSize,
		},
	}

	for page := 0; page < maxPages; page++ {
		c.logger.Debug("Fetching pull request page", "owner", owner, "repo", repo, "page", opts.Page)

		pulls, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, mapUpstreamError(err)
		}

		for _, pr := range pulls {
			if pr.MergedAt == nil {
				continue
			}
			if sinceNumber > 0 && pr.GetNumber() <= sinceNumber {
				continue
			}
			records = append(records, toChangeRecord(owner, repo, pr))
		}

		if len(pulls) < c.pageSize || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return records, nil
}

// ListPullFiles fetches the file diffs for one pull request. Callers absorb a
// failure here into an empty diff list so a single bad item does not abort a
// whole sync cycle.
func (c *Client) ListPullFiles(ctx context.Context, owner, repo string, number int) ([]model.FileDiff, error) {
	var diffs []model.FileDiff

	opts := &github.ListOptions{PerPage: c.pageSize}
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, mapUpstreamError(err)
		}
		for _, f := range files {
			diffs = append(diffs, toFileDiff(f))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return diffs, nil
}

// ListOldestCommits returns the chronologically oldest commits of a branch,
// at most maxCount, ascending by commit date. It jumps straight to the Link
// header's last page instead of walking the whole history.
//
// Some upstream responses report a last-page number that turns out to be
// empty. When that happens the true total is recomputed with a one-item probe
// (per_page=1 makes the reported last page equal the total item count), the
// real last page is derived from it and fetched once more. A second empty
// page means the repository has no history, which is not an error. The
// workaround lives entirely inside this function.
func (c *Client) ListOldestCommits(ctx context.Context, owner, repo, branch string, maxCount int) ([]model.ChangeRecord, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	opts := &github.CommitsListOptions{
		SHA:         branch,
		ListOptions: github.ListOptions{PerPage: maxCount, Page: 1},
	}
	commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, repo, opts)
	if err != nil {
		return nil, mapUpstreamError(err)
	}

	// No Link header: the whole history fits on one page.
	if resp.LastPage == 0 {
		return oldestAscending(owner, repo, commits, maxCount), nil
	}

	lastPage := resp.LastPage
	opts.Page = lastPage
	commits, _, err = c.gh.Repositories.ListCommits(ctx, owner, repo, opts)
	if err != nil {
		return nil, mapUpstreamError(err)
	}

	if len(commits) == 0 {
		c.logger.Warn("Reported last page was empty, recomputing from probe",
			"owner", owner, "repo", repo, "reported_page", lastPage)

		total, err := c.countCommits(ctx, owner, repo, branch)
		if err != nil {
			return nil, err
		}
		if total == 0 {
			return nil, nil
		}
		truePage := (total + maxCount - 1) / maxCount
		opts.Page = truePage
		commits, _, err = c.gh.Repositories.ListCommits(ctx, owner, repo, opts)
		if err != nil {
			return nil, mapUpstreamError(err)
		}
		if len(commits) == 0 {
			// Recomputed page is empty too: treat as zero history.
			return nil, nil
		}
	}

	return oldestAscending(owner, repo, commits, maxCount), nil
}

// ListCommitsSince returns commits on a branch newer than since, ascending,
// at most maxCount. The upstream filter can include the boundary commit
// itself when timestamps collide; callers discard already-stored positions.
func (c *Client) ListCommitsSince(ctx context.Context, owner, repo, branch string, since time.Time, maxCount int) ([]model.ChangeRecord, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	opts := &github.CommitsListOptions{
		SHA:         branch,
		Since:       since,
		ListOptions: github.ListOptions{PerPage: maxCount, Page: 1},
	}
	commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, repo, opts)
	if err != nil {
		return nil, mapUpstreamError(err)
	}

	// The filtered listing is newest-first; the oldest matches sit on the
	// last page.
	if resp.LastPage != 0 {
		opts.Page = resp.LastPage
		commits, _, err = c.gh.Repositories.ListCommits(ctx, owner, repo, opts)
		if err != nil {
			return nil, mapUpstreamError(err)
		}
	}

	return oldestAscending(owner, repo, commits, maxCount), nil
}

// countCommits derives the branch's total commit count from a one-item probe:
// with per_page=1 the Link header's last page number is the item count.
func (c *Client) countCommits(ctx context.Context, owner, repo, branch string) (int, error) {
	opts := &github.CommitsListOptions{
		SHA:         branch,
		ListOptions: github.ListOptions{PerPage: 1, Page: 1},
	}
	commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, repo, opts)
	if err != nil {
		return 0, mapUpstreamError(err)
	}
	if resp.LastPage == 0 {
		return len(commits), nil
	}
	return resp.LastPage, nil
}

// CountMergedEstimate probes the closed pull request list for a coarse total.
// The count includes closed-but-unmerged items, hence estimate.
func (c *Client) CountMergedEstimate(ctx context.Context, owner, repo string) (int, error) {
	opts := &github.PullRequestListOptions{
		State:       "closed",
		ListOptions: github.ListOptions{PerPage: 1, Page: 1},
	}
	pulls, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
	if err != nil {
		return 0, mapUpstreamError(err)
	}
	if resp.LastPage == 0 {
		return len(pulls), nil
	}
	return resp.LastPage, nil
}

// oldestAscending flips a newest-first commit page into chronological order
// and keeps at most maxCount of the oldest entries.
func oldestAscending(owner, repo string, commits []*github.RepositoryCommit, maxCount int) []model.ChangeRecord {
	if len(commits) > maxCount {
		commits = commits[len(commits)-maxCount:]
	}
	records := make([]model.ChangeRecord, 0, len(commits))
	for i := len(commits) - 1; i >= 0; i-- {
		records = append(records, toCommitRecord(owner, repo, commits[i]))
	}
	return records
}

// toChangeRecord translates a github.PullRequest to our internal model.
func toChangeRecord(owner, repo string, pr *github.PullRequest) model.ChangeRecord {
	return model.ChangeRecord{
		RepoKey:    fmt.Sprintf("%s/%s", owner, repo),
		ExternalID: fmt.Sprintf("%d", pr.GetNumber()),
		Title:      pr.GetTitle(),
		Author:     pr.GetUser().GetLogin(),
		MergedAt:   pr.GetMergedAt().Time,
	}
}

// toCommitRecord translates a github.RepositoryCommit to our internal model.
func toCommitRecord(owner, repo string, c *github.RepositoryCommit) model.ChangeRecord {
	return model.ChangeRecord{
		RepoKey:    fmt.Sprintf("%s/%s", owner, repo),
		ExternalID: c.GetSHA(),
		Title:      c.GetCommit().GetMessage(),
		Author:     c.GetCommit().GetAuthor().GetName(),
		MergedAt:   c.GetCommit().GetAuthor().GetDate().Time,
	}
}

// toFileDiff translates a github.CommitFile to our internal model.
func toFileDiff(f *github.CommitFile) model.FileDiff {
	return model.FileDiff{
		Filename:         f.GetFilename(),
		Status:           model.FileStatus(f.GetStatus()),
		Additions:        f.GetAdditions(),
		Deletions:        f.GetDeletions(),
		PreviousFilename: f.GetPreviousFilename(),
	}
}

// mapUpstreamError translates transport and go-github errors into the
// application taxonomy.
func mapUpstreamError(err error) error {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return &apperr.RateLimitedError{
			Limit:     rle.Rate.Limit,
			Remaining: rle.Rate.Remaining,
			Reset:     rle.Rate.Reset.Time,
		}
	}

	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		mapped := &apperr.RateLimitedError{}
		if abuse.RetryAfter != nil {
			mapped.Reset = time.Now().Add(*abuse.RetryAfter)
		}
		return mapped
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound:
			return apperr.ErrNotFoundOrPrivate
		case http.StatusForbidden, http.StatusTooManyRequests:
			return &apperr.RateLimitedError{}
		default:
			return &apperr.UpstreamError{Status: ghErr.Response.StatusCode}
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return apperr.ErrMalformedResponse
	}

	return err
}
