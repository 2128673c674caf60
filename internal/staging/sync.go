package staging

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/githubclt"
	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/store"
)

// SyncReadiness refreshes the readiness flag of every open pull request of
// the project from the hosting side: approved, CI green on the recorded
// head. Selection only considers ready PRs, a stale flag delays staging by
// one cycle at worst.
func (o *Orchestrator) SyncReadiness(ctx context.Context, project *store.Project) error {
	prs, err := o.store.OpenPullRequests(ctx, project.ID)
	if err != nil {
		return err
	}

	repoNames := map[int64]string{}

	for i := range prs {
		pr := &prs[i]

		name, exist := repoNames[pr.RepoID]
		if !exist {
			repo, err := o.store.RepoByID(ctx, pr.RepoID)
			if err != nil {
				return err
			}
			name = repo.Name
			repoNames[pr.RepoID] = name
		}

		status, err := o.host.PRStatus(ctx, name, pr.Number)
		if err != nil {
			o.logger.Warn("reading pull request status failed",
				logfields.Event("pr_status_read_failed"),
				logfields.Repository(name),
				logfields.PullRequest(pr.Number),
				zap.Error(err),
			)
			continue
		}

		// a head divergence is handled by the mismatch check during
		// staging, here it only blocks readiness
		ready := status.Approved &&
			status.CIStatus == githubclt.CIStatusSuccess &&
			status.HeadSHA == pr.Head

		if pr.Ready == ready {
			continue
		}

		if err := o.store.SetPullRequestReady(ctx, pr.ID, ready); err != nil {
			return err
		}

		o.logger.Debug("pull request readiness changed",
			logfields.Event("pr_readiness_changed"),
			logfields.Repository(name),
			logfields.PullRequest(pr.Number),
			zap.Bool("github.pr_ready", ready),
		)
	}

	return nil
}
