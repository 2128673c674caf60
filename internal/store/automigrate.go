package store

// Models lists every persisted model, for schema creation in tests. The
// production schema is managed through SQL migrations instead, the partial
// unique index on active stagings cannot be expressed in struct tags.
func Models() []any {
	return []any{
		&Project{},
		&Repo{},
		&Branch{},
		&PullRequest{},
		&Batch{},
		&Split{},
		&Staging{},
		&StagingHead{},
		&StagingBatch{},
		&StagedPR{},
		&StagingIssue{},
		&CommitStatus{},
	}
}
