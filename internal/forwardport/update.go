package forwardport

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/store"
	"github.com/simplesurance/stager/internal/taskqueue"
)

// handleUpdate propagates a new head of a chain member through its
// descendants, oldest target first. Every descendant branch is rebuilt from
// its predecessor's new head and force-with-lease pushed, a concurrent
// update of a descendant branch aborts instead of being clobbered.
func (e *Engine) handleUpdate(ctx context.Context, task *taskqueue.Task) error {
	var p taskqueue.UpdatePayload
	if err := taskqueue.DecodePayload(task, &p); err != nil {
		return err
	}

	previous, err := e.store.PullRequestByID(ctx, p.PullRequestID)
	if err != nil {
		return err
	}

	if previous.Head != p.NewHead {
		previous.Head = p.NewHead
		if err := e.store.SavePullRequest(ctx, previous); err != nil {
			return err
		}
	}

	for {
		child, err := e.nextInChain(ctx, previous)
		if err != nil {
			return err
		}
		if child == nil {
			return nil
		}

		if child.State == store.PRStateClosed || child.State == store.PRStateMerged {
			return e.notifyUpdateStopped(ctx, previous, child)
		}

		if err := e.reportChild(ctx, previous, child); err != nil {
			return err
		}

		previous = child
	}
}

// nextInChain returns the direct descendant of pr, nil at the end of the
// chain. A detached descendant (conflicted port) has no parent link, it is
// resolved through the source and target instead.
func (e *Engine) nextInChain(ctx context.Context, pr *store.PullRequest) (*store.PullRequest, error) {
	children, err := e.store.ForwardPortChildren(ctx, pr.ID)
	if err != nil {
		return nil, err
	}
	if len(children) > 0 {
		return &children[0], nil
	}

	target, err := e.store.BranchByID(ctx, pr.TargetID)
	if err != nil {
		return nil, err
	}
	project, err := e.store.ProjectByID(ctx, target.ProjectID)
	if err != nil {
		return nil, err
	}

	next, err := e.nextTarget(ctx, project.ID, target, pr.LimitID)
	if err != nil || next == nil {
		return nil, err
	}

	descendants, err := e.store.ForwardPortDescendants(ctx, rootID(pr))
	if err != nil {
		return nil, err
	}
	for i := range descendants {
		if descendants[i].TargetID == next.ID && descendants[i].ID != pr.ID {
			return &descendants[i], nil
		}
	}

	return nil, nil
}

// reportChild rebuilds the branch of child from the new head of previous.
func (e *Engine) reportChild(ctx context.Context, previous, child *store.PullRequest) error {
	repoRec, err := e.store.RepoByID(ctx, child.RepoID)
	if err != nil {
		return err
	}
	target, err := e.store.BranchByID(ctx, child.TargetID)
	if err != nil {
		return err
	}
	prevTarget, err := e.store.BranchByID(ctx, previous.TargetID)
	if err != nil {
		return err
	}

	url := e.remoteURL(repoRec.Name)
	repo, err := e.mirrors.Get(ctx, repoRec.Name, url)
	if err != nil {
		return err
	}

	refspec := fmt.Sprintf("+refs/heads/%s:refs/heads/%s", target.Name, target.Name)
	if err := repo.Fetch(ctx, url, refspec); err != nil {
		return err
	}
	tip, err := repo.RevParse(ctx, "refs/heads/"+target.Name)
	if err != nil {
		return err
	}

	commits, err := e.sourceCommits(ctx, repo, url, previous, prevTarget)
	if err != nil {
		return err
	}

	newHead, cfl, err := e.portCommits(ctx, repo, tip, previous, commits)
	if err != nil {
		return err
	}

	if cfl != nil {
		comment := fmt.Sprintf(
			"the update of #%d conflicted when re-applied here, the branch carries the conflict markers:\n\n```\n%s\n```",
			previous.Number, cfl.reason,
		)
		if err := e.host.CreateIssueComment(ctx, repoRec.Name, child.Number, comment); err != nil {
			e.logger.Warn("posting update conflict notification failed",
				logfields.Event("port_update_conflict_notification_failed"),
				logfields.Repository(repoRec.Name),
				logfields.PullRequest(child.Number),
				zap.Error(err),
			)
		}
	}

	refname := labelBranch(child)
	oldHead := child.Head

	child.Head = newHead
	if err := e.store.SavePullRequest(ctx, child); err != nil {
		return err
	}

	if err := repo.PushForceWithLease(ctx, url, refname, oldHead, newHead); err != nil {
		return err
	}

	e.logger.Info("forward port branch updated",
		logfields.Event("port_branch_updated"),
		logfields.Repository(repoRec.Name),
		logfields.Branch(refname),
		logfields.PullRequest(child.Number),
		logfields.Commit(newHead),
	)

	return nil
}

func (e *Engine) notifyUpdateStopped(ctx context.Context, previous, child *store.PullRequest) error {
	repoRec, err := e.store.RepoByID(ctx, child.RepoID)
	if err != nil {
		return err
	}

	comment := fmt.Sprintf(
		"#%d was updated, but this pull request is %s, the update was not propagated further",
		previous.Number, child.State,
	)
	if err := e.host.CreateIssueComment(ctx, repoRec.Name, child.Number, comment); err != nil {
		e.logger.Warn("posting update stop notification failed",
			logfields.Event("port_update_stop_notification_failed"),
			logfields.Repository(repoRec.Name),
			logfields.PullRequest(child.Number),
			zap.Error(err),
		)
	}

	e.logger.Info("update propagation stopped",
		logfields.Event("port_update_stopped"),
		logfields.Repository(repoRec.Name),
		logfields.PullRequest(child.Number),
		zap.String("github.pr_state", child.State),
	)

	return nil
}

// labelBranch is the branch name part of a PR's "owner:branch" label.
func labelBranch(pr *store.PullRequest) string {
	if _, branch, found := strings.Cut(pr.Label, ":"); found && branch != "" {
		return branch
	}

	return fmt.Sprintf("pr-%d", pr.Number)
}
