// Package strategy implements the four ways a batch of pull request
// commits is integrated onto a staging tip: merge, rebase-merge, rebase-ff
// and squash.
package strategy

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/gitrepo"
	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/mergerr"
)

// Method selects how a pull request is integrated.
type Method string

const (
	MethodMerge       Method = "merge"
	MethodRebaseMerge Method = "rebase-merge"
	MethodRebaseFF    Method = "rebase-ff"
	MethodSquash      Method = "squash"
)

// Config carries the integration identity and limits.
// The commit count ceilings are empirical hosting API limits, not intrinsic
// to the algorithms.
type Config struct {
	// BotName/BotEmail is the identity used for generated commits
	// (merge commits, squashes of mixed authorship).
	BotName  string
	BotEmail string

	// RebaseCommitLimit is the maximum number of commits the rebase
	// strategies accept.
	RebaseCommitLimit int
	// MergeCommitLimit is the maximum number of commits any strategy
	// accepts.
	MergeCommitLimit int
}

const (
	DefRebaseCommitLimit = 50
	DefMergeCommitLimit  = 250
)

func (c *Config) rebaseLimit() int {
	if c.RebaseCommitLimit == 0 {
		return DefRebaseCommitLimit
	}
	return c.RebaseCommitLimit
}

func (c *Config) mergeLimit() int {
	if c.MergeCommitLimit == 0 {
		return DefMergeCommitLimit
	}
	return c.MergeCommitLimit
}

func (c *Config) botIdent() gitrepo.Ident {
	return gitrepo.Ident{Name: c.BotName, Email: c.BotEmail}
}

// PullRequest is the view of a pull request the strategies need.
type PullRequest struct {
	// Repository is "<owner>/<name>"
	Repository string
	Number     int
	Head       string
	// Message is the PR title and description
	Message string
	Method   Method
	// SignedOffBy is the approver as "Name <email>", empty when the PR
	// carries no approval to record.
	SignedOffBy string
}

// Result of staging one pull request.
type Result struct {
	// Head is the new staging tip.
	Head string
	// CommitsMap maps every original commit hash to the hash it became,
	// the empty key maps to the overall result.
	CommitsMap map[string]string
	Method     Method
}

// Stage integrates the pull request commits (oldest to newest) onto tip and
// returns the new tip.
//
// Preconditions checked here for every method: a merge method must be
// chosen (a single-commit PR defaults to rebase-ff), every commit must
// carry author and committer emails, and the commit count must be below the
// configured ceilings.
func Stage(ctx context.Context, repo *gitrepo.Repo, cfg *Config, pr *PullRequest, tip string, commits []gitrepo.Commit) (*Result, error) {
	if len(commits) == 0 {
		return nil, mergerr.NewUnmergeableError("pull request has no commits")
	}

	method := pr.Method
	if method == "" {
		if len(commits) == 1 {
			method = MethodRebaseFF
		} else {
			// no merge method chosen yet, not actionable
			return nil, mergerr.ErrSkip
		}
	}

	if len(commits) > cfg.mergeLimit() {
		return nil, mergerr.NewUnmergeableError(
			"merging pull requests of %d or more commits is not supported",
			cfg.mergeLimit()+1,
		)
	}
	if (method == MethodRebaseFF || method == MethodRebaseMerge) && len(commits) > cfg.rebaseLimit() {
		return nil, mergerr.NewUnmergeableError(
			"rebasing %d commits is too much, merge or squash instead",
			len(commits),
		)
	}

	for _, c := range commits {
		if c.Author.Email == "" || c.Committer.Email == "" {
			return nil, mergerr.NewUnmergeableError(
				"all commits must have author and committer email, "+
					"missing email on %s indicates the authorship is most likely incorrect",
				c.SHA,
			)
		}
	}

	if len(commits[0].Parents) == 0 {
		return nil, mergerr.NewUnmergeableError(
			"commit %s has no parent, a branch with history unrelated to the target can not be integrated",
			commits[0].SHA,
		)
	}

	baseTree, err := repo.GetTree(ctx, commits[0].Parents[0])
	if err != nil {
		return nil, err
	}
	headTree := commits[len(commits)-1].Tree

	tipTree, err := repo.GetTree(ctx, tip)
	if err != nil {
		return nil, err
	}

	var result *Result
	switch method {
	case MethodSquash:
		result, err = stageSquash(ctx, repo, cfg, pr, tip, commits)
	case MethodRebaseFF:
		result, err = stageRebaseFF(ctx, repo, pr, tip, commits)
	case MethodRebaseMerge:
		result, err = stageRebaseMerge(ctx, repo, cfg, pr, tip, commits)
	case MethodMerge:
		result, err = stageMerge(ctx, repo, cfg, pr, tip, commits)
	default:
		return nil, fmt.Errorf("unsupported merge method: %q", method)
	}
	if err != nil {
		return nil, err
	}

	newTree, err := repo.GetTree(ctx, result.Head)
	if err != nil {
		return nil, err
	}
	if headTree != baseTree && newTree == tipTree {
		return nil, mergerr.NewUnmergeableError(
			"%s#%d results in an empty tree when merged, might be the duplicate of a merged PR",
			pr.Repository, pr.Number,
		)
	}

	result.Method = method

	zap.L().Named("strategy").Debug(
		"staged pull request",
		logfields.Event("pull_request_staged"),
		logfields.Repository(pr.Repository),
		logfields.PullRequest(pr.Number),
		logfields.MergeMethod(string(method)),
		zap.String("git.old_tip", tip),
		zap.String("git.new_tip", result.Head),
	)

	return result, nil
}

// prMessage builds the integration commit message for the pull request:
// its description with the closes/sign-off footers.
func prMessage(pr *PullRequest) *Message {
	msg := ParsePRMessage(pr.Message)
	msg.EnsureCloses(pr.Repository, pr.Number)
	if pr.SignedOffBy != "" {
		msg.AddUniqueHeader("Signed-off-by", pr.SignedOffBy)
	}

	return msg
}

// addSelfReferences rewrites the commit messages so every commit refers
// back to its pull request: the closing commit gets the closes/sign-off
// footers, the others a Part-of reference.
func addSelfReferences(pr *PullRequest, commits []gitrepo.Commit, closing string) {
	for i := range commits {
		msg := ParseCommitMessage(commits[i].Message)
		if commits[i].SHA == closing {
			msg.EnsureCloses(pr.Repository, pr.Number)
			if pr.SignedOffBy != "" {
				msg.AddUniqueHeader("Signed-off-by", pr.SignedOffBy)
			}
		} else {
			msg.EnsurePartOf(pr.Repository, pr.Number)
		}

		commits[i].Message = msg.String()
	}
}

func stageSquash(ctx context.Context, repo *gitrepo.Repo, cfg *Config, pr *PullRequest, tip string, commits []gitrepo.Commit) (*Result, error) {
	msg := prMessage(pr)

	authors := map[gitrepo.Ident]struct{}{}
	for _, c := range commits {
		authors[gitrepo.Ident{Name: c.Author.Name, Email: c.Author.Email}] = struct{}{}
	}

	var author gitrepo.Ident
	if len(authors) == 1 {
		for a := range authors {
			author = a
		}
	} else {
		// a git commit has exactly one author, uncollapsible authorship
		// moves into Co-authored-by trailers under the bot identity
		var coAuthors []string
		for a := range authors {
			coAuthors = append(coAuthors, fmt.Sprintf("%s <%s>", a.Name, a.Email))
		}
		sort.Strings(coAuthors)
		for _, ca := range coAuthors {
			msg.AddUniqueHeader(coAuthoredBy, ca)
		}

		author = cfg.botIdent()
	}

	committers := map[gitrepo.Ident]struct{}{}
	for _, c := range commits {
		committers[gitrepo.Ident{Name: c.Committer.Name, Email: c.Committer.Email}] = struct{}{}
	}
	committer := author
	if len(committers) == 1 {
		for c := range committers {
			committer = c
		}
	}

	tree, err := repo.MergeTree(ctx, tip, pr.Head)
	if err != nil {
		return nil, err
	}

	head, err := repo.CommitTree(ctx, &gitrepo.CommitTreeRequest{
		Tree:      tree,
		Parents:   []string{tip},
		Message:   msg.String(),
		Author:    author,
		Committer: committer,
	})
	if err != nil {
		return nil, err
	}

	commitsMap := map[string]string{"": head}
	for _, c := range commits {
		commitsMap[c.SHA] = head
	}

	return &Result{Head: head, CommitsMap: commitsMap}, nil
}

func stageRebaseFF(ctx context.Context, repo *gitrepo.Repo, pr *PullRequest, tip string, commits []gitrepo.Commit) (*Result, error) {
	addSelfReferences(pr, commits, commits[len(commits)-1].SHA)

	head, mapping, err := repo.Rebase(ctx, tip, commits)
	if err != nil {
		return nil, err
	}

	mapping[""] = head
	return &Result{Head: head, CommitsMap: mapping}, nil
}

func stageRebaseMerge(ctx context.Context, repo *gitrepo.Repo, cfg *Config, pr *PullRequest, tip string, commits []gitrepo.Commit) (*Result, error) {
	addSelfReferences(pr, commits, "")

	rebased, mapping, err := repo.Rebase(ctx, tip, commits)
	if err != nil {
		return nil, err
	}

	mergeHead, err := repo.Merge(ctx, tip, rebased, prMessage(pr).String(), cfg.botIdent())
	if err != nil {
		return nil, err
	}

	mapping[""] = mergeHead
	return &Result{Head: mergeHead, CommitsMap: mapping}, nil
}

func stageMerge(ctx context.Context, repo *gitrepo.Repo, cfg *Config, pr *PullRequest, tip string, commits []gitrepo.Commit) (*Result, error) {
	prHead := commits[len(commits)-1]

	// when the PR head is itself a merge with an ancestor of the target
	// (target was merged into the PR), replicate that merge shape onto
	// the new tip instead of adding a second merge commit on top
	var baseCommit string
	if len(prHead.Parents) > 1 {
		inPR := map[string]bool{}
		for _, c := range commits {
			inPR[c.SHA] = true
		}

		var external []string
		for _, p := range prHead.Parents {
			if !inPR[p] {
				external = append(external, p)
			}
		}

		if len(external) > 1 {
			return nil, mergerr.NewUnmergeableError(
				"the PR head can only have one parent from the base branch "+
					"(not part of the PR itself), found %d", len(external),
			)
		}
		if len(external) == 1 {
			baseCommit = external[0]
		}
	}

	commitsMap := make(map[string]string, len(commits)+1)
	for _, c := range commits {
		commitsMap[c.SHA] = c.SHA
	}

	if baseCommit != "" {
		// replicate prHead with baseCommit replaced by the current tip
		tree, err := repo.MergeTree(ctx, tip, prHead.SHA)
		if err != nil {
			return nil, err
		}

		parents := []string{tip}
		for _, p := range prHead.Parents {
			if p != baseCommit {
				parents = append(parents, p)
			}
		}

		msg := ParseCommitMessage(prHead.Message)
		msg.EnsureCloses(pr.Repository, pr.Number)
		if pr.SignedOffBy != "" {
			msg.AddUniqueHeader("Signed-off-by", pr.SignedOffBy)
		}

		replica, err := repo.CommitTree(ctx, &gitrepo.CommitTreeRequest{
			Tree:      tree,
			Parents:   parents,
			Message:   msg.String(),
			Author:    prHead.Author,
			Committer: prHead.Committer,
		})
		if err != nil {
			return nil, err
		}

		// the merge commit *and* the old PR head map to the replica
		commitsMap[""] = replica
		commitsMap[prHead.SHA] = replica

		return &Result{Head: replica, CommitsMap: commitsMap}, nil
	}

	mergeHead, err := repo.Merge(ctx, tip, pr.Head, prMessage(pr).String(), cfg.botIdent())
	if err != nil {
		return nil, err
	}

	commitsMap[""] = mergeHead
	return &Result{Head: mergeHead, CommitsMap: commitsMap}, nil
}
