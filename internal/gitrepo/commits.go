package gitrepo

import (
	"context"
	"fmt"
	"strings"
)

const (
	fieldSep  = "\x1f"
	commitSep = "\x1e"
)

var logFormat = strings.Join([]string{
	"%H", "%T", "%P", "%an", "%ae", "%aI", "%cn", "%ce", "%cI", "%B",
}, fieldSep) + commitSep

// ReadCommits returns the commits in base..head, oldest to newest.
func (r *Repo) ReadCommits(ctx context.Context, base, head string) ([]Commit, error) {
	out, err := r.git(ctx, "", nil,
		"log", "--reverse", "--format="+logFormat, base+".."+head)
	if err != nil {
		return nil, err
	}

	return parseCommits(out)
}

// ReadCommit returns the single commit rev points at.
func (r *Repo) ReadCommit(ctx context.Context, rev string) (*Commit, error) {
	out, err := r.git(ctx, "", nil,
		"log", "--no-walk", "--format="+logFormat, rev)
	if err != nil {
		return nil, err
	}

	commits, err := parseCommits(out)
	if err != nil {
		return nil, err
	}
	if len(commits) != 1 {
		return nil, fmt.Errorf("expected 1 commit for %q, got %d", rev, len(commits))
	}

	return &commits[0], nil
}

func parseCommits(out string) ([]Commit, error) {
	var result []Commit

	for _, record := range strings.Split(out, commitSep) {
		record = strings.TrimLeft(record, "\n")
		if record == "" {
			continue
		}

		fields := strings.SplitN(record, fieldSep, 10)
		if len(fields) != 10 {
			return nil, fmt.Errorf("malformed git log record, got %d fields, expected 10", len(fields))
		}

		var parents []string
		if fields[2] != "" {
			parents = strings.Fields(fields[2])
		}

		result = append(result, Commit{
			SHA:     fields[0],
			Tree:    fields[1],
			Parents: parents,
			Author: Ident{
				Name:  fields[3],
				Email: fields[4],
				Date:  fields[5],
			},
			Committer: Ident{
				Name:  fields[6],
				Email: fields[7],
				Date:  fields[8],
			},
			Message: strings.TrimRight(fields[9], "\n"),
		})
	}

	return result, nil
}
