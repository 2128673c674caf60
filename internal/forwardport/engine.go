// Package forwardport replays merged batches onto the following branches of
// a project's release sequence, creating the next generation of pull
// requests and keeping chains consistent when branches or sources change.
package forwardport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/githubclt"
	"github.com/simplesurance/stager/internal/gitrepo"
	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/store"
	"github.com/simplesurance/stager/internal/taskqueue"
)

// DefMergeAge is how long the branch of a merged pull request is kept
// before the housekeeping task deletes it.
const DefMergeAge = 14 * 24 * time.Hour

// HostClient is the hosting API surface the engine consumes.
type HostClient interface {
	CreatePullRequest(ctx context.Context, repoName string, p *githubclt.CreatePullRequestParams) (int, error)
	CreateIssueComment(ctx context.Context, repoName string, issueOrPRNr int, comment string) error
	AddLabel(ctx context.Context, repoName string, nr int, label string) error
	BranchHead(ctx context.Context, repoName, branch string) (string, error)
	DeleteBranch(ctx context.Context, repoName, branch string) error
}

// TaskEnqueuer appends follow-up work to the durable task queue.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, kind taskqueue.Kind, payload any) error
	EnqueueAfter(ctx context.Context, kind taskqueue.Kind, payload any, after time.Time) error
}

// Config assembles an Engine.
type Config struct {
	Store   *store.Store
	Mirrors *gitrepo.Mirrors
	Host    HostClient
	Tasks   TaskEnqueuer
	// RemoteURL maps an "owner/name" repository to its push/fetch URL.
	RemoteURL func(repoName string) string

	// BotName/BotEmail is the committer identity of conflict commits.
	BotName  string
	BotEmail string

	// MergeAge is the retention window of merged pull request branches,
	// DefMergeAge when zero.
	MergeAge time.Duration
}

// Engine consumes port tasks: it computes the next target branch, replicates
// the merged commits onto it and records the follow-up pull request.
type Engine struct {
	store     *store.Store
	mirrors   *gitrepo.Mirrors
	host      HostClient
	tasks     TaskEnqueuer
	remoteURL func(repoName string) string
	logger    *zap.Logger

	botName  string
	botEmail string
	mergeAge time.Duration
}

func New(cfg *Config) *Engine {
	mergeAge := cfg.MergeAge
	if mergeAge <= 0 {
		mergeAge = DefMergeAge
	}

	return &Engine{
		store:     cfg.Store,
		mirrors:   cfg.Mirrors,
		host:      cfg.Host,
		tasks:     cfg.Tasks,
		remoteURL: cfg.RemoteURL,
		logger:    zap.L().Named("forwardport"),
		botName:   cfg.BotName,
		botEmail:  cfg.BotEmail,
		mergeAge:  mergeAge,
	}
}

// Register installs the engine's handlers on the queue.
func (e *Engine) Register(q *taskqueue.Queue) {
	q.Register(taskqueue.KindPortMerge, e.handlePort)
	q.Register(taskqueue.KindPortForward, e.handlePort)
	q.Register(taskqueue.KindPortInsert, e.handlePort)
	q.Register(taskqueue.KindPortComplete, e.handleComplete)
	q.Register(taskqueue.KindUpdate, e.handleUpdate)
	q.Register(taskqueue.KindBranchRemoval, e.handleBranchRemoval)
}

// nextTarget returns the active branch following current in the project's
// sequence, or nil at the end of the chain. limitID is the last branch to
// port to, a pull request already targeting it has no next target.
func (e *Engine) nextTarget(ctx context.Context, projectID int64, current *store.Branch, limitID *int64) (*store.Branch, error) {
	if limitID != nil && *limitID == current.ID {
		return nil, nil
	}

	branches, err := e.store.ActiveBranches(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// position by sequence, not identity: current may have been
	// deactivated while the chain was in flight
	for i := range branches {
		if branches[i].Sequence > current.Sequence {
			return &branches[i], nil
		}
	}

	return nil, nil
}

// handlePort ports one merged or forward-ported batch one branch further.
// The next hop is enqueued as a followup task, porting a whole chain is a
// series of queue rounds, not one long transaction.
func (e *Engine) handlePort(ctx context.Context, task *taskqueue.Task) error {
	var p taskqueue.PortPayload
	if err := taskqueue.DecodePayload(task, &p); err != nil {
		return err
	}

	batch, err := e.store.BatchByID(ctx, p.BatchID)
	if err != nil {
		return err
	}
	if len(batch.PullRequests) == 0 {
		return nil
	}

	target, err := e.store.BranchByID(ctx, batch.TargetID)
	if err != nil {
		return err
	}
	project, err := e.store.ProjectByID(ctx, batch.ProjectID)
	if err != nil {
		return err
	}

	if task.Kind == string(taskqueue.KindPortMerge) {
		if err := e.afterMerge(ctx, batch); err != nil {
			return err
		}
	}

	var created []*store.PullRequest
	var next *store.Branch
	for i := range batch.PullRequests {
		pr := &batch.PullRequests[i]

		n, err := e.nextTarget(ctx, project.ID, target, pr.LimitID)
		if err != nil {
			return err
		}
		if n == nil {
			e.logger.Info("end of the branch sequence reached",
				logfields.Event("port_chain_ended"),
				logfields.Branch(target.Name),
				logfields.PullRequest(pr.Number),
			)
			continue
		}

		// a retried task must not duplicate already created ports
		if existing, err := e.store.ForwardPortAt(ctx, rootID(pr), n.ID); err == nil {
			e.logger.Info("forward port already exists",
				logfields.Event("port_already_exists"),
				logfields.Branch(n.Name),
				logfields.PullRequest(existing.Number),
			)
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		newPR, err := e.portPullRequest(ctx, pr, target, n)
		if err != nil {
			return err
		}

		created = append(created, newPR)
		next = n
	}

	if len(created) == 0 {
		return nil
	}

	ids := make([]int64, len(created))
	for i, pr := range created {
		ids[i] = pr.ID
	}

	newBatch := &store.Batch{ProjectID: project.ID, TargetID: next.ID}
	if err := e.store.CreateBatch(ctx, newBatch, ids); err != nil {
		return err
	}

	if task.Kind == string(taskqueue.KindPortInsert) {
		if err := e.reparent(ctx, project.ID, created); err != nil {
			return err
		}
	}

	return e.tasks.Enqueue(ctx, taskqueue.KindPortForward,
		taskqueue.PortPayload{BatchID: newBatch.ID})
}

// afterMerge does the once-per-merge bookkeeping: limit notifications and
// scheduling the deletion of the merged branches.
func (e *Engine) afterMerge(ctx context.Context, batch *store.Batch) error {
	for i := range batch.PullRequests {
		pr := &batch.PullRequests[i]

		repo, err := e.store.RepoByID(ctx, pr.RepoID)
		if err != nil {
			return err
		}

		if pr.LimitID != nil {
			limit, err := e.store.BranchByID(ctx, *pr.LimitID)
			if err != nil {
				return err
			}

			// the limit lives on the chain root, both the merged pull
			// request and the root carrying the limit are notified
			numbers := []int{pr.Number}
			if rootID(pr) != pr.ID {
				root, err := e.store.PullRequestByID(ctx, rootID(pr))
				if err != nil {
					return err
				}
				numbers = append(numbers, root.Number)
			}

			comment := fmt.Sprintf("Forward-porting to %q.", limit.Name)
			for _, number := range numbers {
				if err := e.host.CreateIssueComment(ctx, repo.Name, number, comment); err != nil {
					e.logger.Warn("posting limit notification failed",
						logfields.Event("port_limit_notification_failed"),
						logfields.Repository(repo.Name),
						logfields.PullRequest(number),
						zap.Error(err),
					)
				}
			}
		}

		if pr.MergedAt == nil {
			continue
		}
		err = e.tasks.EnqueueAfter(ctx, taskqueue.KindBranchRemoval,
			taskqueue.BranchRemovalPayload{
				PullRequestID: pr.ID,
				Cutoff:        pr.MergedAt.Add(e.mergeAge),
			},
			pr.MergedAt.Add(e.mergeAge),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// reparent restores the chain invariant after a branch insertion: the
// descendant previously following the insertion point is re-attached to the
// freshly inserted pull request, unless it is detached.
func (e *Engine) reparent(ctx context.Context, projectID int64, inserted []*store.PullRequest) error {
	for _, pr := range inserted {
		target, err := e.store.BranchByID(ctx, pr.TargetID)
		if err != nil {
			return err
		}

		next, err := e.nextTarget(ctx, projectID, target, pr.LimitID)
		if err != nil {
			return err
		}
		if next == nil {
			continue
		}

		descendant, err := e.store.ForwardPortAt(ctx, rootID(pr), next.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if descendant.ParentID == nil {
			// a conflict detached it, approvals must not cascade into it
			continue
		}

		descendant.ParentID = &pr.ID
		if err := e.store.SavePullRequest(ctx, descendant); err != nil {
			return err
		}

		e.logger.Info("re-parented forward port after branch insertion",
			logfields.Event("port_reparented"),
			logfields.Branch(next.Name),
			logfields.PullRequest(descendant.Number),
		)
	}

	return nil
}

// handleComplete fills missing hops of the chains of a batch, used after a
// port limit was raised. Existing ports are walked through, missing ones
// are created hop by hop until the limit or the end of the sequence.
func (e *Engine) handleComplete(ctx context.Context, task *taskqueue.Task) error {
	var p taskqueue.PortPayload
	if err := taskqueue.DecodePayload(task, &p); err != nil {
		return err
	}

	batch, err := e.store.BatchByID(ctx, p.BatchID)
	if err != nil {
		return err
	}
	project, err := e.store.ProjectByID(ctx, batch.ProjectID)
	if err != nil {
		return err
	}

	for i := range batch.PullRequests {
		if err := e.completeChain(ctx, project, &batch.PullRequests[i]); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) completeChain(ctx context.Context, project *store.Project, pr *store.PullRequest) error {
	// a raised limit is recorded on the source, the copies on the
	// descendants are stale
	root, err := e.store.PullRequestByID(ctx, rootID(pr))
	if err != nil {
		return err
	}

	current := pr

	for {
		target, err := e.store.BranchByID(ctx, current.TargetID)
		if err != nil {
			return err
		}

		next, err := e.nextTarget(ctx, project.ID, target, root.LimitID)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		existing, err := e.store.ForwardPortAt(ctx, rootID(current), next.ID)
		if err == nil {
			current = existing
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		newPR, err := e.portPullRequest(ctx, current, target, next)
		if err != nil {
			return err
		}

		newBatch := &store.Batch{ProjectID: project.ID, TargetID: next.ID}
		if err := e.store.CreateBatch(ctx, newBatch, []int64{newPR.ID}); err != nil {
			return err
		}

		current = newPR
	}
}

// rootID is the id of the original pull request a chain descends from.
func rootID(pr *store.PullRequest) int64 {
	if pr.SourceID != nil {
		return *pr.SourceID
	}

	return pr.ID
}
