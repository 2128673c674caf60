package store

import (
	"time"
)

// Pull request state machine.
const (
	PRStateOpen   = "open"
	PRStateClosed = "closed"
	PRStateMerged = "merged"
	PRStateError  = "error"
)

// Staging priorities, ordered. An "alone" PR is staged in a batch of its
// own, "priority" jumps the queue, "default" waits its turn.
const (
	PriorityDefault = "default"
	PriorityHigh    = "priority"
	PriorityAlone   = "alone"
)

// PriorityRank orders priorities for queue sorting, higher stages first.
func PriorityRank(p string) int {
	switch p {
	case PriorityAlone:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// Staging states.
const (
	StagingPending   = "pending"
	StagingSuccess   = "success"
	StagingFailure   = "failure"
	StagingCancelled = "cancelled"
)

// Batch selection policies.
const (
	PolicyDefault = "default"
	PolicyReady   = "ready"
	PolicyLargest = "largest"
)

// Project groups the repositories that are staged together onto a shared
// set of branches.
type Project struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;not null"`

	// BatchLimit caps how many batches go into one staging.
	BatchLimit int `gorm:"not null;default:8"`
	// CITimeoutMin is the wall-clock CI timeout in minutes.
	CITimeoutMin int `gorm:"not null;default:60"`
	// StagingPolicy is one of the Policy* constants.
	StagingPolicy string `gorm:"not null;default:default"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repo is one hosted repository ("owner/name") of a project.
type Repo struct {
	ID        int64  `gorm:"primaryKey"`
	ProjectID int64  `gorm:"index;not null"`
	Name      string `gorm:"uniqueIndex;not null"`

	// RequiredContexts is the comma separated list of CI status contexts
	// that must succeed on a staged head.
	RequiredContexts string
}

// Branch is a staging target. Branches of a project are ordered by
// Sequence, oldest release first, the development tip last. Forward ports
// walk toward higher sequences.
type Branch struct {
	ID        int64  `gorm:"primaryKey"`
	ProjectID int64  `gorm:"index:idx_branches_project_seq;not null"`
	Name      string `gorm:"not null"`
	Sequence  int    `gorm:"index:idx_branches_project_seq;not null"`
	Active    bool   `gorm:"not null;default:true"`
}

// PullRequest mirrors the hosting side pull request plus the queue state
// attached to it.
type PullRequest struct {
	ID     int64 `gorm:"primaryKey"`
	RepoID int64 `gorm:"uniqueIndex:idx_prs_repo_number;not null"`
	Number int   `gorm:"uniqueIndex:idx_prs_repo_number;not null"`

	TargetID int64  `gorm:"index;not null"`
	Head     string `gorm:"not null"`
	Title    string
	Body     string

	State    string `gorm:"not null;default:open"`
	Method   string
	Priority string `gorm:"not null;default:default"`
	// SignedOffBy is the approver as "Name <email>".
	SignedOffBy string
	// Label is the source ref as "owner:branch".
	Label string

	// Ready is true when the PR is approved, its CI passed and a merge
	// method is known. Synced from the hosting API before selection.
	Ready bool `gorm:"not null;default:false"`

	BatchID *int64 `gorm:"index"`

	// Forward-port chain: SourceID points at the root PR the chain grew
	// from, ParentID at the direct predecessor. A conflicted port is
	// detached (nil ParentID) with the cause in DetachReason.
	SourceID     *int64 `gorm:"index"`
	ParentID     *int64
	DetachReason string
	// LimitID stops forward porting at the referenced branch (inclusive).
	LimitID *int64

	MergedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Batch is the set of pull requests (at most one per repo) that are staged
// and merged as a unit.
type Batch struct {
	ID        int64 `gorm:"primaryKey"`
	ProjectID int64 `gorm:"index;not null"`
	TargetID  int64 `gorm:"index;not null"`

	// Priority is the maximum priority of the member PRs.
	Priority string `gorm:"not null;default:default"`

	// SplitID is set when the batch was moved into a split after a failed
	// staging.
	SplitID *int64 `gorm:"index"`

	MergedAt *time.Time

	PullRequests []PullRequest `gorm:"foreignKey:BatchID"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Split holds batches carved out of a failed staging, to be restaged in
// isolation. Splits are consumed in creation order, before new batches.
type Split struct {
	ID              int64 `gorm:"primaryKey"`
	TargetID        int64 `gorm:"index;not null"`
	SourceStagingID int64

	Batches []Batch `gorm:"foreignKey:SplitID"`

	CreatedAt time.Time
}

// Staging is one attempt to integrate a set of batches on a target branch.
// At most one staging per target is active, enforced by a partial unique
// index.
type Staging struct {
	ID       int64 `gorm:"primaryKey"`
	TargetID int64 `gorm:"index;not null"`

	State  string `gorm:"not null;default:pending"`
	Reason string
	Active bool `gorm:"not null;default:true"`

	StagedAt  time.Time
	TimeoutAt time.Time

	Heads   []StagingHead   `gorm:"foreignKey:StagingID"`
	Batches []StagingBatch  `gorm:"foreignKey:StagingID"`
	Issues  []StagingIssue  `gorm:"foreignKey:StagingID"`
	PRs     []StagedPR      `gorm:"foreignKey:StagingID"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StagingHead records, per repository, the tip that was pushed to the
// staging ref and the authoritative head it was built on.
type StagingHead struct {
	ID        int64  `gorm:"primaryKey"`
	StagingID int64  `gorm:"index;not null"`
	RepoID    int64  `gorm:"not null"`
	StagedSHA string `gorm:"not null"`
	BeforeSHA string `gorm:"not null"`
}

// StagingBatch links a batch into a staging.
type StagingBatch struct {
	ID        int64 `gorm:"primaryKey"`
	StagingID int64 `gorm:"index;not null"`
	BatchID   int64 `gorm:"index;not null"`
}

// StagedPR records the per-PR staging result: the commit mapping from
// original to staged hashes (empty key maps to the overall head).
type StagedPR struct {
	ID            int64             `gorm:"primaryKey"`
	StagingID     int64             `gorm:"index;not null"`
	PullRequestID int64             `gorm:"not null"`
	MergedHead    string            `gorm:"not null"`
	CommitsMap    map[string]string `gorm:"serializer:json"`
}

// StagingIssue is an issue number a staging will close when it lands.
type StagingIssue struct {
	ID        int64  `gorm:"primaryKey"`
	StagingID int64  `gorm:"index;not null"`
	RepoName  string `gorm:"not null"`
	Number    int    `gorm:"not null"`
}

// CommitStatus caches the last seen CI status per commit and context.
type CommitStatus struct {
	ID        int64  `gorm:"primaryKey"`
	SHA       string `gorm:"uniqueIndex:idx_statuses_sha_context;not null"`
	Context   string `gorm:"uniqueIndex:idx_statuses_sha_context;not null"`
	State     string `gorm:"not null"`
	TargetURL string

	UpdatedAt time.Time
}
