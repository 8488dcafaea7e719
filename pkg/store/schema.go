package store

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	driver TEXT NOT NULL,
	path TEXT NOT NULL,
	status TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	upstream_name TEXT NOT NULL DEFAULT '',
	upstream_url TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS repository_refs (
	repo_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	position INTEGER NOT NULL,
	name TEXT NOT NULL,
	object_id TEXT NOT NULL,
	PRIMARY KEY (repo_id, name)
);

CREATE TABLE IF NOT EXISTS commits (
	kind TEXT NOT NULL,
	object_id TEXT NOT NULL,
	tree_id TEXT NOT NULL,
	message TEXT NOT NULL,
	author_name TEXT NOT NULL,
	author_email TEXT NOT NULL,
	authored_at INTEGER NOT NULL,
	authored_tz INTEGER NOT NULL,
	committer_name TEXT NOT NULL,
	committer_email TEXT NOT NULL,
	committed_at INTEGER NOT NULL,
	committed_tz INTEGER NOT NULL,
	indexed INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (kind, object_id)
);

CREATE TABLE IF NOT EXISTS commit_parents (
	kind TEXT NOT NULL,
	commit_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	parent_id TEXT NOT NULL,
	PRIMARY KEY (kind, commit_id, position)
);

CREATE INDEX IF NOT EXISTS commit_parents_by_parent ON commit_parents(kind, parent_id);

CREATE TABLE IF NOT EXISTS commit_repositories (
	kind TEXT NOT NULL,
	commit_id TEXT NOT NULL,
	repo_id TEXT NOT NULL,
	PRIMARY KEY (kind, commit_id, repo_id)
);

CREATE INDEX IF NOT EXISTS commit_repositories_by_repo ON commit_repositories(repo_id);

CREATE TABLE IF NOT EXISTS commit_links (
	kind TEXT NOT NULL,
	prev_id TEXT NOT NULL,
	next_id TEXT NOT NULL,
	PRIMARY KEY (kind, prev_id, next_id)
);

CREATE INDEX IF NOT EXISTS commit_links_by_next ON commit_links(kind, next_id);

CREATE TABLE IF NOT EXISTS trees (
	kind TEXT NOT NULL,
	object_id TEXT NOT NULL,
	context_id TEXT NOT NULL,
	context_name TEXT NOT NULL,
	last_commit_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (kind, object_id)
);

CREATE TABLE IF NOT EXISTS tree_entries (
	kind TEXT NOT NULL,
	tree_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	name TEXT NOT NULL,
	child_id TEXT NOT NULL,
	child_type TEXT NOT NULL,
	PRIMARY KEY (kind, tree_id, position)
);

CREATE TABLE IF NOT EXISTS blobs (
	kind TEXT NOT NULL,
	object_id TEXT NOT NULL,
	context_id TEXT NOT NULL,
	context_name TEXT NOT NULL,
	last_commit_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (kind, object_id)
);
`
