// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/mergerr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

var ErrPullRequestIsClosed = errors.New("pull request is closed")

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client.
// All methods return a mergerr.RetryableError when an operation can be
// retried. This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// splitRepoName splits an "owner/name" repository name.
func splitRepoName(repoName string) (owner, name string, err error) {
	owner, name, found := strings.Cut(repoName, "/")
	if !found || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository name: %q, expecting owner/name", repoName)
	}

	return owner, name, nil
}

// PullRequest is the hosting side view of a pull request.
type PullRequest struct {
	Number  int
	Title   string
	Body    string
	State   string
	Merged  bool
	HeadSHA string
	// HeadLabel is the source ref as "owner:branch".
	HeadLabel string
	BaseRef   string
	Labels    []string
}

// GetPullRequest retrieves a pull request.
func (clt *Client) GetPullRequest(ctx context.Context, repoName string, number int) (*PullRequest, error) {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return nil, err
	}

	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	if pr.GetHead() == nil || pr.GetHead().GetSHA() == "" {
		return nil, errors.New("got pull request object with empty head")
	}

	result := PullRequest{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		Body:      pr.GetBody(),
		State:     pr.GetState(),
		Merged:    pr.GetMerged(),
		HeadSHA:   pr.GetHead().GetSHA(),
		HeadLabel: pr.GetHead().GetLabel(),
		BaseRef:   pr.GetBase().GetRef(),
	}
	for _, l := range pr.Labels {
		result.Labels = append(result.Labels, l.GetName())
	}

	return &result, nil
}

// CreatePullRequestParams describe the pull request to open.
type CreatePullRequestParams struct {
	Title string
	Body  string
	// Head is the source as "owner:branch" or a bare branch name.
	Head string
	Base string
}

// CreatePullRequest opens a pull request and returns its number.
func (clt *Client) CreatePullRequest(ctx context.Context, repoName string, p *CreatePullRequestParams) (int, error) {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return 0, err
	}

	pr, _, err := clt.restClt.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &p.Title,
		Body:  &p.Body,
		Head:  &p.Head,
		Base:  &p.Base,
	})
	if err != nil {
		return 0, clt.wrapRetryableErrors(err)
	}

	clt.logger.Debug("pull request created",
		logfields.Event("github_pull_request_created"),
		logfields.Repository(repoName),
		logfields.PullRequest(pr.GetNumber()),
		logfields.Branch(p.Base),
	)

	return pr.GetNumber(), nil
}

// CreateIssueComment creates a comment in an issue or pull request.
func (clt *Client) CreateIssueComment(ctx context.Context, repoName string, issueOrPRNr int, comment string) error {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return err
	}

	_, _, err = clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// AddLabel adds a label to a pull request or issue.
func (clt *Client) AddLabel(ctx context.Context, repoName string, pullRequestOrIssueNumber int, label string) error {
	if label == "" {
		// by default github removes all labels when none is provided,
		// we do not need this functionality, as safe guard fail if
		// because of a bug an empty label value is passed:
		return errors.New("provided label is empty")
	}

	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return err
	}

	_, _, err = clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, pullRequestOrIssueNumber, []string{label})
	return clt.wrapRetryableErrors(err)
}

// RemoveLabel removes a label from a pull request or issue.
// If the issue or PR does not have the label, the operation succeeds.
func (clt *Client) RemoveLabel(ctx context.Context, repoName string, pullRequestOrIssueNumber int, label string) error {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return err
	}

	_, err = clt.restClt.Issues.RemoveLabelForIssue(
		ctx,
		owner,
		repo,
		pullRequestOrIssueNumber,
		label,
	)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			if respErr.Response.StatusCode == http.StatusNotFound {
				clt.logger.Debug("removing label returned a not found response, interpreting it as success",
					logfields.Repository(repoName),
					logfields.PullRequest(pullRequestOrIssueNumber),
					logfields.Event("github_remove_label_returned_not_found"),
					zap.Error(err),
				)

				return nil
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// BranchHead returns the current head commit of a branch.
func (clt *Client) BranchHead(ctx context.Context, repoName, branch string) (string, error) {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return "", err
	}

	b, _, err := clt.restClt.Repositories.GetBranch(ctx, owner, repo, branch, 0)
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	return b.GetCommit().GetSHA(), nil
}

// DeleteBranch deletes a branch ref.
func (clt *Client) DeleteBranch(ctx context.Context, repoName, branch string) error {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return err
	}

	_, err = clt.restClt.Git.DeleteRef(ctx, owner, repo, "heads/"+branch)
	return clt.wrapRetryableErrors(err)
}

// CommitStatus is one CI status context of a commit.
type CommitStatus struct {
	Context   string
	State     string
	TargetURL string
}

// CombinedStatus returns all CI statuses reported for a commit.
func (clt *Client) CombinedStatus(ctx context.Context, repoName, sha string) ([]*CommitStatus, error) {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return nil, err
	}

	var result []*CommitStatus

	opts := github.ListOptions{PerPage: 100}
	for {
		combined, resp, err := clt.restClt.Repositories.GetCombinedStatus(ctx, owner, repo, sha, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, s := range combined.Statuses {
			result = append(result, &CommitStatus{
				Context:   s.GetContext(),
				State:     s.GetState(),
				TargetURL: s.GetTargetURL(),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return mergerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return mergerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return mergerr.NewRetryableAnytimeError(err)
	}

	return err
}
