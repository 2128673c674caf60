package store

import (
	"context"
	"sort"
	"strings"
)

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// ProjectByName looks a project up by its unique name.
func (s *Store) ProjectByName(ctx context.Context, name string) (*Project, error) {
	var p Project
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if err != nil {
		return nil, err
	}

	return &p, nil
}

// ProjectByID looks a project up.
func (s *Store) ProjectByID(ctx context.Context, id int64) (*Project, error) {
	var p Project
	err := s.db.WithContext(ctx).First(&p, id).Error
	if err != nil {
		return nil, err
	}

	return &p, nil
}

// Projects returns all projects.
func (s *Store) Projects(ctx context.Context) ([]Project, error) {
	var ps []Project
	err := s.db.WithContext(ctx).Order("id ASC").Find(&ps).Error

	return ps, err
}

// CreateRepo inserts a repository.
func (s *Store) CreateRepo(ctx context.Context, r *Repo) error {
	return s.db.WithContext(ctx).Create(r).Error
}

// ReposByProject returns the repositories of a project, name ordered.
func (s *Store) ReposByProject(ctx context.Context, projectID int64) ([]Repo, error) {
	var rs []Repo
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("name ASC").
		Find(&rs).Error

	return rs, err
}

// RepoByName looks a repository up by its "owner/name".
func (s *Store) RepoByName(ctx context.Context, name string) (*Repo, error) {
	var r Repo
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&r).Error
	if err != nil {
		return nil, err
	}

	return &r, nil
}

// RepoByID looks a repository up.
func (s *Store) RepoByID(ctx context.Context, id int64) (*Repo, error) {
	var r Repo
	err := s.db.WithContext(ctx).First(&r, id).Error
	if err != nil {
		return nil, err
	}

	return &r, nil
}

// RequiredContextList splits the comma separated required status contexts.
func (r *Repo) RequiredContextList() []string {
	var result []string
	for _, c := range strings.Split(r.RequiredContexts, ",") {
		if c = strings.TrimSpace(c); c != "" {
			result = append(result, c)
		}
	}
	sort.Strings(result)

	return result
}

// CreateBranch inserts a branch.
func (s *Store) CreateBranch(ctx context.Context, b *Branch) error {
	return s.db.WithContext(ctx).Create(b).Error
}

// ActiveBranches returns the active branches of a project in sequence
// order, oldest release first.
func (s *Store) ActiveBranches(ctx context.Context, projectID int64) ([]Branch, error) {
	var bs []Branch
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND active", projectID).
		Order("sequence ASC, name ASC").
		Find(&bs).Error

	return bs, err
}

// BranchByID looks a branch up.
func (s *Store) BranchByID(ctx context.Context, id int64) (*Branch, error) {
	var b Branch
	err := s.db.WithContext(ctx).First(&b, id).Error
	if err != nil {
		return nil, err
	}

	return &b, nil
}

// BranchByName looks a branch of a project up by name.
func (s *Store) BranchByName(ctx context.Context, projectID int64, name string) (*Branch, error) {
	var b Branch
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND name = ?", projectID, name).
		First(&b).Error
	if err != nil {
		return nil, err
	}

	return &b, nil
}
