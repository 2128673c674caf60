package gitrepo

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/stager/internal/logfields"
	"github.com/simplesurance/stager/internal/mergerr"
)

// Rebase replays commits (oldest to newest) on top of dest and returns the
// new head plus the mapping from original to rebased commit hashes.
//
// It is implemented by hand on top of plumbing so it works without a
// working copy and so every individual commit can be tracked. merge-tree
// with --merge-base is not sufficient to keep track of history correctly,
// so it runs in two passes: the first pass walks the commits building
// successive merge trees against a moving parent, the second pass recreates
// the commit objects with the computed trees, the fixed parent chain and
// the original author identity and date. The committer date is freshly
// generated.
func (r *Repo) Rebase(ctx context.Context, dest string, commits []Commit) (string, map[string]string, error) {
	if len(commits) == 0 {
		return "", nil, mergerr.NewMergeError("rebase", "", "", fmt.Errorf("no commits to rebase"))
	}

	prevTree, err := r.GetTree(ctx, dest)
	if err != nil {
		return "", nil, err
	}

	if len(commits[0].Parents) == 0 {
		return "", nil, mergerr.NewMergeError("rebase", "", "", fmt.Errorf(
			"commit %s has no parent, history unrelated to the destination can not be rebased",
			commits[0].SHA,
		))
	}

	prevOriginalTree, err := r.GetTree(ctx, commits[0].Parents[0])
	if err != nil {
		return "", nil, err
	}

	newTrees := make([]string, 0, len(commits))
	parent := dest
	for _, original := range commits {
		if len(original.Parents) != 1 {
			return "", nil, mergerr.NewMergeError("rebase", "", "", fmt.Errorf(
				"commits with multiple parents (%s) can not be rebased, "+
					"either fix the branch to remove merges or merge without rebasing",
				original.SHA,
			))
		}

		tree, err := r.MergeTree(ctx, parent, original.SHA)
		if err != nil {
			return "", nil, err
		}
		newTrees = append(newTrees, tree)

		// merging empty commits is allowed, empty*ing* commits while
		// merging is not
		if prevOriginalTree != original.Tree && tree == prevTree {
			return "", nil, mergerr.NewMergeError("rebase", "", "", fmt.Errorf(
				"commit %s results in an empty tree when merged, it is "+
					"likely a duplicate of a merged commit, rebase and remove",
				original.SHA,
			))
		}

		parent, err = r.CommitTree(ctx, &CommitTreeRequest{
			Tree:    tree,
			Parents: []string{parent, original.SHA},
			Message: "temp rebase " + original.SHA,
		})
		if err != nil {
			return "", nil, err
		}

		prevTree = tree
		prevOriginalTree = original.Tree
	}

	mapping := make(map[string]string, len(commits))
	for i, original := range commits {
		c, err := r.CommitTree(ctx, &CommitTreeRequest{
			Tree:    newTrees[i],
			Parents: []string{dest},
			Message: original.Message,
			Author:  original.Author,
			Committer: Ident{
				Name:  original.Committer.Name,
				Email: original.Committer.Email,
			},
		})
		if err != nil {
			return "", nil, err
		}

		r.logger.Debug(
			"copied commit",
			logfields.Event("rebase_commit_copied"),
			logfields.Commit(original.SHA),
			zap.String("git.new_commit", c),
			zap.String("git.parent", dest),
		)

		mapping[original.SHA] = c
		dest = c
	}

	return dest, mapping, nil
}
