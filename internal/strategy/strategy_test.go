package strategy_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/stager/internal/gitrepo"
	"github.com/simplesurance/stager/internal/gitrepo/gittest"
	"github.com/simplesurance/stager/internal/mergerr"
	"github.com/simplesurance/stager/internal/strategy"
)

var testCfg = &strategy.Config{
	BotName:  "staging-bot",
	BotEmail: "bot@example.com",
}

func setupRepo(t *testing.T) (*gitrepo.Repo, string) {
	t.Helper()

	repo := gittest.NewRepo(t)
	base := gittest.Commit(t, repo, nil, map[string]string{"a.txt": "1\n"}, "base")

	return repo, base
}

func prCommits(t *testing.T, repo *gitrepo.Repo, base, head string) []gitrepo.Commit {
	t.Helper()

	commits, err := repo.ReadCommits(context.Background(), base, head)
	require.NoError(t, err)

	return commits
}

func TestSquashUniformAuthorshipCollapses(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	repo, base := setupRepo(t)

	author := gitrepo.Ident{Name: "Alice", Email: "alice@example.com", Date: "2023-01-02T03:04:05+00:00"}
	c1 := gittest.CommitAs(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "b.txt": "b\n"}, "add b", author, author)
	c2 := gittest.CommitAs(t, repo, []string{c1},
		map[string]string{"a.txt": "1\n", "b.txt": "b2\n"}, "fix b", author, author)

	pr := &strategy.PullRequest{
		Repository: "acme/widgets",
		Number:     7,
		Head:       c2,
		Message:    "add b\n\nadds the b file\n",
		Method:     strategy.MethodSquash,
	}

	res, err := strategy.Stage(ctx, repo, testCfg, pr, base, prCommits(t, repo, base, c2))
	require.NoError(t, err)

	head, err := repo.ReadCommit(ctx, res.Head)
	require.NoError(t, err)

	assert.Equal(t, "Alice", head.Author.Name)
	assert.Equal(t, "alice@example.com", head.Author.Email)
	assert.NotContains(t, head.Message, "Co-authored-by")
	assert.Contains(t, head.Message, "closes acme/widgets#7")
	assert.Equal(t, []string{base}, head.Parents)

	// all source commits and the overall result map to the squash commit
	assert.Equal(t, res.Head, res.CommitsMap[""])
	assert.Equal(t, res.Head, res.CommitsMap[c1])
	assert.Equal(t, res.Head, res.CommitsMap[c2])
}

func TestSquashMixedAuthorsBecomeCoAuthors(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	repo, base := setupRepo(t)

	alice := gitrepo.Ident{Name: "Alice", Email: "alice@example.com", Date: "2023-01-02T03:04:05+00:00"}
	bob := gitrepo.Ident{Name: "Bob", Email: "bob@example.com", Date: "2023-01-03T03:04:05+00:00"}

	c1 := gittest.CommitAs(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "b.txt": "b\n"}, "add b", alice, alice)
	c2 := gittest.CommitAs(t, repo, []string{c1},
		map[string]string{"a.txt": "1\n", "b.txt": "b2\n"}, "fix b", bob, bob)

	pr := &strategy.PullRequest{
		Repository: "acme/widgets",
		Number:     8,
		Head:       c2,
		Message:    "add b\n",
		Method:     strategy.MethodSquash,
	}

	res, err := strategy.Stage(ctx, repo, testCfg, pr, base, prCommits(t, repo, base, c2))
	require.NoError(t, err)

	head, err := repo.ReadCommit(ctx, res.Head)
	require.NoError(t, err)

	assert.Equal(t, "staging-bot", head.Author.Name)
	assert.Equal(t, "bot@example.com", head.Author.Email)
	assert.Equal(t, 1, strings.Count(head.Message, "Co-authored-by: Alice <alice@example.com>"))
	assert.Equal(t, 1, strings.Count(head.Message, "Co-authored-by: Bob <bob@example.com>"))

	// co-authorship trailers must be the very last lines
	lines := strings.Split(strings.TrimRight(head.Message, "\n"), "\n")
	assert.Contains(t, lines[len(lines)-1], "Co-authored-by:")
	assert.Contains(t, lines[len(lines)-2], "Co-authored-by:")
}

func TestRebaseFFResultIsTheNewTip(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	repo, base := setupRepo(t)

	c1 := gittest.Commit(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "b.txt": "b\n"}, "add b")
	c2 := gittest.Commit(t, repo, []string{c1},
		map[string]string{"a.txt": "1\n", "b.txt": "b\n", "c.txt": "c\n"}, "add c")

	tip := gittest.Commit(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "t.txt": "t\n"}, "tip moved")

	pr := &strategy.PullRequest{
		Repository: "acme/widgets",
		Number:     9,
		Head:       c2,
		Message:    "add b and c\n",
		Method:     strategy.MethodRebaseFF,
	}

	res, err := strategy.Stage(ctx, repo, testCfg, pr, tip, prCommits(t, repo, base, c2))
	require.NoError(t, err)

	// no merge commit: the rebased last PR commit is the new tip
	head, err := repo.ReadCommit(ctx, res.Head)
	require.NoError(t, err)
	require.Len(t, head.Parents, 1)
	assert.Equal(t, res.CommitsMap[c2], res.Head)
	assert.Equal(t, res.CommitsMap[c1], head.Parents[0])

	// the closing commit carries the closes footer, earlier ones Part-of
	assert.Contains(t, head.Message, "closes acme/widgets#9")
	parent, err := repo.ReadCommit(ctx, head.Parents[0])
	require.NoError(t, err)
	assert.Contains(t, parent.Message, "Part-of: acme/widgets#9")
}

func TestRebaseMergeAddsMergeCommit(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	repo, base := setupRepo(t)

	c1 := gittest.Commit(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "b.txt": "b\n"}, "add b")

	tip := gittest.Commit(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "t.txt": "t\n"}, "tip moved")

	pr := &strategy.PullRequest{
		Repository:  "acme/widgets",
		Number:      10,
		Head:        c1,
		Message:     "add b\n\ndescription of the change\n",
		Method:      strategy.MethodRebaseMerge,
		SignedOffBy: "Reviewer <rev@example.com>",
	}

	res, err := strategy.Stage(ctx, repo, testCfg, pr, tip, prCommits(t, repo, base, c1))
	require.NoError(t, err)

	head, err := repo.ReadCommit(ctx, res.Head)
	require.NoError(t, err)

	require.Len(t, head.Parents, 2)
	assert.Equal(t, tip, head.Parents[0])
	assert.Equal(t, res.CommitsMap[c1], head.Parents[1])
	assert.Contains(t, head.Message, "description of the change")
	assert.Contains(t, head.Message, "Signed-off-by: Reviewer <rev@example.com>")
	assert.Equal(t, res.Head, res.CommitsMap[""])
}

func TestMergeConventional(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	repo, base := setupRepo(t)

	c1 := gittest.Commit(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "b.txt": "b\n"}, "add b")

	tip := gittest.Commit(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "t.txt": "t\n"}, "tip moved")

	pr := &strategy.PullRequest{
		Repository: "acme/widgets",
		Number:     11,
		Head:       c1,
		Message:    "add b\n",
		Method:     strategy.MethodMerge,
	}

	res, err := strategy.Stage(ctx, repo, testCfg, pr, tip, prCommits(t, repo, base, c1))
	require.NoError(t, err)

	head, err := repo.ReadCommit(ctx, res.Head)
	require.NoError(t, err)

	assert.Equal(t, []string{tip, c1}, head.Parents)
	// original commits are kept as-is
	assert.Equal(t, c1, res.CommitsMap[c1])
	assert.Equal(t, res.Head, res.CommitsMap[""])
}

func TestMergeReplicatesExistingMergeShape(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	repo, base := setupRepo(t)

	// PR adds b, then merges an advanced target into itself
	c1 := gittest.Commit(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "b.txt": "b\n"}, "add b")
	targetAdvance := gittest.Commit(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "t.txt": "t\n"}, "target advanced")
	prHead := gittest.Commit(t, repo, []string{c1, targetAdvance},
		map[string]string{"a.txt": "1\n", "b.txt": "b\n", "t.txt": "t\n"}, "Merge branch into PR")

	tip := gittest.Commit(t, repo, []string{targetAdvance},
		map[string]string{"a.txt": "1\n", "t.txt": "t\n", "u.txt": "u\n"}, "tip moved")

	pr := &strategy.PullRequest{
		Repository: "acme/widgets",
		Number:     12,
		Head:       prHead,
		Message:    "add b\n",
		Method:     strategy.MethodMerge,
	}

	commits := prCommits(t, repo, targetAdvance, prHead)
	res, err := strategy.Stage(ctx, repo, testCfg, pr, tip, commits)
	require.NoError(t, err)

	head, err := repo.ReadCommit(ctx, res.Head)
	require.NoError(t, err)

	// the existing merge shape is replicated: tip replaces the merged-in
	// target ancestor, no second merge commit is stacked on top
	assert.Equal(t, []string{tip, c1}, head.Parents)
	assert.Equal(t, res.Head, res.CommitsMap[prHead])
	assert.Equal(t, res.Head, res.CommitsMap[""])
}

func TestStageRejectsMissingEmail(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	repo, base := setupRepo(t)

	c1 := gittest.Commit(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "b.txt": "b\n"}, "add b")

	commits := prCommits(t, repo, base, c1)
	commits[0].Author.Email = ""

	pr := &strategy.PullRequest{
		Repository: "acme/widgets",
		Number:     13,
		Head:       c1,
		Message:    "add b\n",
		Method:     strategy.MethodMerge,
	}

	_, err := strategy.Stage(ctx, repo, testCfg, pr, base, commits)
	require.Error(t, err)
	assert.True(t, mergerr.IsUnmergeable(err), "err: %v", err)
}

func TestStageRejectsRootCommit(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	repo, base := setupRepo(t)

	// a PR branch with its own root commit, history unrelated to the target
	orphan := gittest.Commit(t, repo, nil, map[string]string{"z.txt": "z\n"}, "unrelated root")

	pr := &strategy.PullRequest{
		Repository: "acme/widgets",
		Number:     16,
		Head:       orphan,
		Message:    "unrelated root\n",
		Method:     strategy.MethodMerge,
	}

	commits := prCommits(t, repo, base, orphan)
	require.NotEmpty(t, commits)
	require.Empty(t, commits[0].Parents)

	_, err := strategy.Stage(ctx, repo, testCfg, pr, base, commits)
	require.Error(t, err)
	assert.True(t, mergerr.IsUnmergeable(err), "err: %v", err)
	assert.Contains(t, err.Error(), "no parent")
}

func TestStageCommitCeilings(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	repo, base := setupRepo(t)
	c1 := gittest.Commit(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "b.txt": "b\n"}, "add b")

	cfg := &strategy.Config{
		BotName:           "staging-bot",
		BotEmail:          "bot@example.com",
		RebaseCommitLimit: 1,
		MergeCommitLimit:  2,
	}

	commits := prCommits(t, repo, base, c1)
	// fake a longer history by repeating the commit entry
	three := []gitrepo.Commit{commits[0], commits[0], commits[0]}
	two := []gitrepo.Commit{commits[0], commits[0]}

	pr := &strategy.PullRequest{
		Repository: "acme/widgets", Number: 14, Head: c1,
		Message: "add b\n", Method: strategy.MethodRebaseFF,
	}

	_, err := strategy.Stage(ctx, repo, cfg, pr, base, three)
	assert.True(t, mergerr.IsUnmergeable(err), "above merge ceiling: %v", err)

	_, err = strategy.Stage(ctx, repo, cfg, pr, base, two)
	assert.True(t, mergerr.IsUnmergeable(err), "above rebase ceiling: %v", err)
}

func TestStageWithoutMethodSkipsMultiCommitPR(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	ctx := context.Background()

	repo, base := setupRepo(t)

	c1 := gittest.Commit(t, repo, []string{base},
		map[string]string{"a.txt": "1\n", "b.txt": "b\n"}, "add b")
	c2 := gittest.Commit(t, repo, []string{c1},
		map[string]string{"a.txt": "1\n", "b.txt": "b2\n"}, "fix b")

	pr := &strategy.PullRequest{
		Repository: "acme/widgets", Number: 15, Head: c2, Message: "add b\n",
	}

	_, err := strategy.Stage(ctx, repo, testCfg, pr, base, prCommits(t, repo, base, c2))
	assert.ErrorIs(t, err, mergerr.ErrSkip)
}
