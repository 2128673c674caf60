package githubclt

import (
	"context"

	"github.com/shurcooL/githubv4"
)

// ClosingIssues returns the numbers of the issues linked to a pull request
// as closed-by references, via the [closingIssuesReferences] connection.
//
// [closingIssuesReferences]: https://docs.github.com/en/graphql/reference/objects#pullrequest
func (clt *Client) ClosingIssues(ctx context.Context, repoName string, prNumber int) ([]int, error) {
	owner, repo, err := splitRepoName(repoName)
	if err != nil {
		return nil, err
	}

	var result []int

	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(prNumber),
		"first":  githubv4.Int(100),
		"after":  (*githubv4.String)(nil),
	}

	for {
		var q struct {
			Repository struct {
				PullRequest struct {
					ClosingIssuesReferences struct {
						PageInfo struct {
							EndCursor   githubv4.String
							HasNextPage bool
						}
						Nodes []struct {
							Number int
						}
					} `graphql:"closingIssuesReferences(first: $first, after: $after)"`
				} `graphql:"pullRequest(number: $number)"`
			} `graphql:"repository(owner: $owner, name: $name)"`
		}

		if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
			return nil, clt.wrapGraphQLRetryableErrors(err)
		}

		refs := q.Repository.PullRequest.ClosingIssuesReferences
		for _, n := range refs.Nodes {
			result = append(result, n.Number)
		}

		if !refs.PageInfo.HasNextPage {
			return result, nil
		}

		vars["after"] = githubv4.NewString(refs.PageInfo.EndCursor)
	}
}
