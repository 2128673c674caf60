package githubclt

import (
	"context"
	"errors"

	"github.com/shurcooL/githubv4"
)

// CIStatus abstracts the multiple result values of GitHub check runs and
// commit statuses into a single value.
type CIStatus string

const (
	CIStatusSuccess CIStatus = "SUCCESS"
	CIStatusPending CIStatus = "PENDING"
	CIStatusFailure CIStatus = "FAILURE"
)

// PRStatus is the review and CI state deciding whether a pull request is
// ready to be staged.
type PRStatus struct {
	// Approved is true when the review decision is APPROVED.
	Approved       bool
	ReviewDecision string
	CIStatus       CIStatus
	HeadSHA        string
}

// PRStatus returns the [review decision] and the [status check rollup]
// state of the head commit of a pull request.
//
// [status check rollup]: https://docs.github.com/en/graphql/reference/objects#statuscheckrollup
// [review decision]: https://docs.github.com/en/graphql/reference/enums#pullrequestreviewdecision
func (clt *Client) PRStatus(ctx context.Context, repoName string, prNumber int) (*PRStatus, error) {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return nil, err
	}

	var q struct {
		Repository struct {
			PullRequest struct {
				ReviewDecision githubv4.PullRequestReviewDecision

				Commits struct {
					Nodes []struct {
						Commit struct {
							Oid               string
							StatusCheckRollup struct {
								State githubv4.StatusState
							}
						}
					}
				} `graphql:"commits(last: 1)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(prNumber),
	}

	if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
		return nil, clt.wrapGraphQLRetryableErrors(err)
	}

	if len(q.Repository.PullRequest.Commits.Nodes) == 0 {
		return nil, errors.New("pull request has no commits")
	}

	head := q.Repository.PullRequest.Commits.Nodes[0].Commit
	result := PRStatus{
		ReviewDecision: string(q.Repository.PullRequest.ReviewDecision),
		Approved:       q.Repository.PullRequest.ReviewDecision == githubv4.PullRequestReviewDecisionApproved,
		CIStatus:       rollupStateToCIStatus(head.StatusCheckRollup.State),
		HeadSHA:        head.Oid,
	}

	return &result, nil
}

func rollupStateToCIStatus(state githubv4.StatusState) CIStatus {
	switch state {
	case githubv4.StatusStateSuccess:
		return CIStatusSuccess

	case githubv4.StatusStateError, githubv4.StatusStateFailure:
		return CIStatusFailure

	default:
		// EXPECTED, PENDING and an absent rollup all count as pending
		return CIStatusPending
	}
}
