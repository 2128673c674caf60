// Package mergerr defines the error kinds produced while assembling and
// promoting stagings.
package mergerr

import (
	"errors"
	"fmt"
	"strings"
)

// MergeError is returned when a git operation failed. It carries the raw
// stdout/stderr of the git invocation so callers can surface it to users
// and operators.
type MergeError struct {
	Op     string
	Stdout string
	Stderr string
	Err    error
}

func NewMergeError(op string, stdout, stderr string, err error) *MergeError {
	return &MergeError{Op: op, Stdout: stdout, Stderr: stderr, Err: err}
}

func (e *MergeError) Error() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "git %s failed", e.Op)
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %s", e.Err)
	}
	if out := strings.TrimSpace(e.Stderr); out != "" {
		fmt.Fprintf(&sb, ": %s", out)
	} else if out := strings.TrimSpace(e.Stdout); out != "" {
		fmt.Fprintf(&sb, ": %s", out)
	}

	return sb.String()
}

func (e *MergeError) Unwrap() error { return e.Err }

// Output returns a human-readable excerpt of the git output, stderr
// preferred over stdout.
func (e *MergeError) Output() string {
	if out := strings.TrimSpace(e.Stderr); out != "" {
		return out
	}

	return strings.TrimSpace(e.Stdout)
}

// FastForwardError is returned when the authoritative branch moved
// non-fast-forward while a staging was being promoted. It is always
// recoverable by restaging on the new tip.
type FastForwardError struct {
	Repository string
	Branch     string
	Err        error
}

func (e *FastForwardError) Error() string {
	return fmt.Sprintf("update of %s:%s is not a fast-forward", e.Repository, e.Branch)
}

func (e *FastForwardError) Unwrap() error { return e.Err }

// FieldDiff describes a single property of a pull request whose live value
// diverged from the recorded one.
type FieldDiff struct {
	Name     string
	Recorded string
	Live     string
}

// MismatchError is returned when the live properties of a pull request
// (head, target, message) do not match the stored record anymore, which
// means updates were missed. The record must be re-synced, staging the
// stale data would be wrong.
type MismatchError struct {
	Diffs []FieldDiff
}

func (e *MismatchError) Error() string {
	names := make([]string, len(e.Diffs))
	for i, d := range e.Diffs {
		names[i] = d.Name
	}

	return fmt.Sprintf("pull request out of sync, mismatching fields: %s", strings.Join(names, ", "))
}

// UnmergeableError is returned when a pull request can not be merged with
// the chosen strategy at all. The failure is permanent for the current
// attempt and must be reported to the pull request.
type UnmergeableError struct {
	Reason string
	Err    error
}

func NewUnmergeableError(format string, args ...any) *UnmergeableError {
	return &UnmergeableError{Reason: fmt.Sprintf(format, args...)}
}

func (e *UnmergeableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unmergeable: %s: %s", e.Reason, e.Err)
	}

	return "unmergeable: " + e.Reason
}

func (e *UnmergeableError) Unwrap() error { return e.Err }

// ErrSkip marks a pull request that is not actionable yet, e.g. because no
// merge method was chosen. It is retried silently on every staging cycle,
// reporting it would spam the pull request.
var ErrSkip = errors.New("pull request is not stageable yet")

func IsUnmergeable(err error) bool {
	var u *UnmergeableError
	return errors.As(err, &u)
}

func IsMismatch(err error) bool {
	var m *MismatchError
	return errors.As(err, &m)
}
