package gitrepo

import (
	"context"
	"fmt"
	"strings"
)

// HashObject writes content as a blob and returns its object id.
// path is used for attribute lookups (e.g. line ending conversion).
func (r *Repo) HashObject(ctx context.Context, path, content string) (string, error) {
	out, err := r.git(ctx, content, nil, "hash-object", "-w", "--stdin", "--path", path)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// UpdateTree returns a new tree in which the files have been replaced by
// the given blob contents. Trees along each path are rewritten bottom-up
// via ls-tree and mktree.
func (r *Repo) UpdateTree(ctx context.Context, tree string, files map[string]string) (string, error) {
	for path, content := range files {
		oid, err := r.HashObject(ctx, path, content)
		if err != nil {
			return "", err
		}

		// rewrite every tree from the parent of path up to the root
		f := path
		for f != "" {
			var local string
			if idx := strings.LastIndex(f, "/"); idx >= 0 {
				f, local = f[:idx], f[idx+1:]
			} else {
				f, local = "", f
			}

			// "{tree}:{dir}" works as an alias for the subtree
			lsOut, err := r.git(ctx, "", nil, "ls-tree", fmt.Sprintf("%s:%s", tree, f))
			if err != nil {
				return "", err
			}

			var sb strings.Builder
			for _, line := range strings.Split(strings.TrimRight(lsOut, "\n"), "\n") {
				if line == "" {
					continue
				}

				meta, name, found := strings.Cut(line, "\t")
				if !found {
					return "", fmt.Errorf("malformed ls-tree line: %q", line)
				}

				fields := strings.Fields(meta)
				if len(fields) != 3 {
					return "", fmt.Errorf("malformed ls-tree line: %q", line)
				}

				sha := fields[2]
				if name == local {
					sha = oid
				}

				// the tab before the name is critical to the format
				fmt.Fprintf(&sb, "%s %s %s\t%s\n", fields[0], fields[1], sha, name)
			}

			mkOut, err := r.git(ctx, sb.String(), nil, "mktree")
			if err != nil {
				return "", err
			}
			oid = strings.TrimSpace(mkOut)
		}

		tree = oid
	}

	return tree, nil
}

// InjectConflictMarkers rewrites the given files of tree so their content
// is wrapped in literal conflict markers. It is used for files that a
// forward-port merge removed on one side (modify/delete): keeping just the
// original content in a valid file is easy to miss and leads to deleted
// files getting resurrected on commit instead of re-removed.
func (r *Repo) InjectConflictMarkers(ctx context.Context, tree string, paths []string) (string, error) {
	files := make(map[string]string, len(paths))
	for _, p := range paths {
		contents, err := r.CatFile(ctx, fmt.Sprintf("%s:%s", tree, p))
		if err != nil {
			return "", err
		}

		files[p] = "<<<" + "<<<< HEAD\n" +
			"||||||| MERGE BASE\n" +
			"=======\n" +
			contents +
			">>>" + ">>>> FORWARD PORTED\n"
	}

	return r.UpdateTree(ctx, tree, files)
}
