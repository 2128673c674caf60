package store

import (
	"context"
	"time"
)

// CreatePullRequest inserts a pull request.
func (s *Store) CreatePullRequest(ctx context.Context, pr *PullRequest) error {
	return s.db.WithContext(ctx).Create(pr).Error
}

// SavePullRequest persists all fields of an existing pull request.
func (s *Store) SavePullRequest(ctx context.Context, pr *PullRequest) error {
	return s.db.WithContext(ctx).Save(pr).Error
}

// PullRequestByID looks a pull request up.
func (s *Store) PullRequestByID(ctx context.Context, id int64) (*PullRequest, error) {
	var pr PullRequest
	err := s.db.WithContext(ctx).First(&pr, id).Error
	if err != nil {
		return nil, err
	}

	return &pr, nil
}

// PullRequestByNumber looks a pull request up by repository and number.
func (s *Store) PullRequestByNumber(ctx context.Context, repoID int64, number int) (*PullRequest, error) {
	var pr PullRequest
	err := s.db.WithContext(ctx).
		Where("repo_id = ? AND number = ?", repoID, number).
		First(&pr).Error
	if err != nil {
		return nil, err
	}

	return &pr, nil
}

// SetPullRequestState updates the state of a pull request. A transition to
// merged records the merge timestamp.
func (s *Store) SetPullRequestState(ctx context.Context, id int64, state string) error {
	updates := map[string]any{"state": state}
	if state == PRStateMerged {
		updates["merged_at"] = time.Now()
	}

	return s.db.WithContext(ctx).
		Model(&PullRequest{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// OpenPullRequests returns the open pull requests of all repositories of
// a project.
func (s *Store) OpenPullRequests(ctx context.Context, projectID int64) ([]PullRequest, error) {
	var prs []PullRequest
	err := s.db.WithContext(ctx).
		Joins("JOIN repos ON repos.id = pull_requests.repo_id").
		Where("repos.project_id = ? AND pull_requests.state = ?", projectID, PRStateOpen).
		Order("pull_requests.id ASC").
		Find(&prs).Error

	return prs, err
}

// SetPullRequestReady updates the readiness flag.
func (s *Store) SetPullRequestReady(ctx context.Context, id int64, ready bool) error {
	return s.db.WithContext(ctx).
		Model(&PullRequest{}).
		Where("id = ?", id).
		Update("ready", ready).Error
}

// PullRequestsByBatch returns the member PRs of a batch, id ordered.
func (s *Store) PullRequestsByBatch(ctx context.Context, batchID int64) ([]PullRequest, error) {
	var prs []PullRequest
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id ASC").
		Find(&prs).Error

	return prs, err
}

// ForwardPortDescendants returns the open descendants of a source pull
// request, ordered oldest target first. The source itself is not included.
func (s *Store) ForwardPortDescendants(ctx context.Context, sourceID int64) ([]PullRequest, error) {
	var prs []PullRequest
	err := s.db.WithContext(ctx).
		Joins("JOIN branches ON branches.id = pull_requests.target_id").
		Where("pull_requests.source_id = ?", sourceID).
		Order("branches.sequence ASC, pull_requests.id ASC").
		Find(&prs).Error

	return prs, err
}

// ForwardPortAt returns the non-closed forward port of a source pull
// request on the given target branch, or ErrNotFound.
func (s *Store) ForwardPortAt(ctx context.Context, sourceID, targetID int64) (*PullRequest, error) {
	var pr PullRequest
	err := s.db.WithContext(ctx).
		Where("source_id = ? AND target_id = ? AND state <> ?", sourceID, targetID, PRStateClosed).
		First(&pr).Error
	if err != nil {
		return nil, err
	}

	return &pr, nil
}

// ForwardPortChildren returns the pull requests directly parented on the
// given one.
func (s *Store) ForwardPortChildren(ctx context.Context, parentID int64) ([]PullRequest, error) {
	var prs []PullRequest
	err := s.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("id ASC").
		Find(&prs).Error

	return prs, err
}
