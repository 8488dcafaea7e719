package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
)

// Commit is a persisted commit.
type Commit struct {
	Kind         string            `json:"kind" yaml:"kind"`
	OID          string            `json:"oid" yaml:"oid"`
	TreeID       string            `json:"tree_id" yaml:"tree_id"`
	Parents      []string          `json:"parents" yaml:"parents"`
	Author       backend.Signature `json:"author" yaml:"author"`
	Committer    backend.Signature `json:"committer" yaml:"committer"`
	Message      string            `json:"message" yaml:"message"`
	Indexed      bool              `json:"indexed" yaml:"indexed"`
	Repositories []string          `json:"repositories" yaml:"repositories"`
}

// Summary returns the first line of the message.
func (c *Commit) Summary() string {
	summary, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")

	return summary
}

// InsertCommit stores commit metadata and parent links unless a record for
// (kind, oid) exists already. The first writer's metadata wins.
func (q *Queries) InsertCommit(ctx context.Context, kind string, info *backend.CommitInfo) (bool, error) {
	_, authorTZ := info.Author.When.Zone()
	_, committerTZ := info.Committer.When.Zone()

	res, err := q.conn.ExecContext(ctx, `INSERT OR IGNORE INTO commits (
		kind, object_id, tree_id, message,
		author_name, author_email, authored_at, authored_tz,
		committer_name, committer_email, committed_at, committed_tz
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		kind, info.OID, info.TreeID, info.Message,
		info.Author.Name, info.Author.Email, info.Author.When.Unix(), authorTZ,
		info.Committer.Name, info.Committer.Email, info.Committer.When.Unix(), committerTZ)
	if err != nil {
		return false, fmt.Errorf("insert commit %s: %w", info.OID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert commit %s: %w", info.OID, err)
	}

	if n == 0 {
		return false, nil
	}

	for i, parent := range info.Parents {
		_, err := q.conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO commit_parents (kind, commit_id, position, parent_id) VALUES (?, ?, ?, ?)`,
			kind, info.OID, i, parent)
		if err != nil {
			return false, fmt.Errorf("insert parent %s of %s: %w", parent, info.OID, err)
		}
	}

	return true, nil
}

// AddCommitRepository records that repoID reaches the commit.
func (q *Queries) AddCommitRepository(ctx context.Context, kind, oid, repoID string) error {
	_, err := q.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO commit_repositories (kind, commit_id, repo_id) VALUES (?, ?, ?)`,
		kind, oid, repoID)
	if err != nil {
		return fmt.Errorf("add %s to reachable-from of %s: %w", repoID, oid, err)
	}

	return nil
}

// MarkCommitIndexed flags a commit as completely persisted.
func (q *Queries) MarkCommitIndexed(ctx context.Context, kind, oid string) error {
	res, err := q.conn.ExecContext(ctx,
		`UPDATE commits SET indexed = 1 WHERE kind = ? AND object_id = ?`, kind, oid)
	if err != nil {
		return fmt.Errorf("mark %s indexed: %w", oid, err)
	}

	return expectOne(res, "commit "+oid)
}

// CommitIndexed reports whether a completely persisted commit exists.
func (q *Queries) CommitIndexed(ctx context.Context, kind, oid string) (bool, error) {
	var indexed int

	err := q.conn.QueryRowContext(ctx,
		`SELECT indexed FROM commits WHERE kind = ? AND object_id = ?`, kind, oid).Scan(&indexed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("lookup commit %s: %w", oid, err)
	}

	return indexed == 1, nil
}

// Commit loads a commit with its parents and reachable-from set.
func (q *Queries) Commit(ctx context.Context, kind, oid string) (*Commit, error) {
	var (
		c                     = Commit{Kind: kind, OID: oid}
		authoredAt, authorTZ  int64
		committedAt, commitTZ int64
		indexed               int
	)

	err := q.conn.QueryRowContext(ctx, `SELECT tree_id, message,
		author_name, author_email, authored_at, authored_tz,
		committer_name, committer_email, committed_at, committed_tz, indexed
		FROM commits WHERE kind = ? AND object_id = ?`, kind, oid).Scan(
		&c.TreeID, &c.Message,
		&c.Author.Name, &c.Author.Email, &authoredAt, &authorTZ,
		&c.Committer.Name, &c.Committer.Email, &committedAt, &commitTZ, &indexed)
	if err != nil {
		return nil, notFound(err, "commit "+oid)
	}

	c.Author.When = unixInZone(authoredAt, authorTZ)
	c.Committer.When = unixInZone(committedAt, commitTZ)
	c.Indexed = indexed == 1

	if c.Parents, err = q.parents(ctx, kind, oid); err != nil {
		return nil, err
	}

	if c.Repositories, err = q.strings(ctx,
		`SELECT repo_id FROM commit_repositories WHERE kind = ? AND commit_id = ? ORDER BY repo_id`, kind, oid); err != nil {
		return nil, fmt.Errorf("reachable-from of %s: %w", oid, err)
	}

	return &c, nil
}

// CommitParents returns the parents of an indexed commit in merge order.
// Commits that are missing or not yet indexed yield ErrNotFound.
func (q *Queries) CommitParents(ctx context.Context, kind, oid string) ([]string, error) {
	indexed, err := q.CommitIndexed(ctx, kind, oid)
	if err != nil {
		return nil, err
	}

	if !indexed {
		return nil, fmt.Errorf("commit %s: %w", oid, ErrNotFound)
	}

	return q.parents(ctx, kind, oid)
}

// CommitReachable reports whether repoID reaches the commit.
func (q *Queries) CommitReachable(ctx context.Context, kind, oid, repoID string) (bool, error) {
	var n int

	err := q.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commit_repositories WHERE kind = ? AND commit_id = ? AND repo_id = ?`,
		kind, oid, repoID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("reachable %s from %s: %w", oid, repoID, err)
	}

	return n > 0, nil
}

// CommitSynced reports whether the commit is indexed and already reachable
// from repoID. Such a commit needs no further work for that repository.
func (q *Queries) CommitSynced(ctx context.Context, kind, oid, repoID string) (bool, error) {
	var n int

	err := q.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commits c JOIN commit_repositories r
		 ON r.kind = c.kind AND r.commit_id = c.object_id AND r.repo_id = ?
		 WHERE c.kind = ? AND c.object_id = ? AND c.indexed = 1`,
		repoID, kind, oid).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("synced %s for %s: %w", oid, repoID, err)
	}

	return n > 0, nil
}

// LinkCommit records prev/next associations between an indexed commit and
// every indexed parent and child. It returns the number of new links.
func (q *Queries) LinkCommit(ctx context.Context, kind, oid string) (int64, error) {
	var total int64

	for _, stmt := range []string{
		// Indexed parents become prev of oid.
		`INSERT OR IGNORE INTO commit_links (kind, prev_id, next_id)
		 SELECT cp.kind, cp.parent_id, cp.commit_id FROM commit_parents cp
		 JOIN commits c ON c.kind = cp.kind AND c.object_id = cp.parent_id AND c.indexed = 1
		 WHERE cp.kind = ? AND cp.commit_id = ?`,
		// Indexed children become next of oid.
		`INSERT OR IGNORE INTO commit_links (kind, prev_id, next_id)
		 SELECT cp.kind, cp.parent_id, cp.commit_id FROM commit_parents cp
		 JOIN commits c ON c.kind = cp.kind AND c.object_id = cp.commit_id AND c.indexed = 1
		 WHERE cp.kind = ? AND cp.parent_id = ?`,
	} {
		res, err := q.conn.ExecContext(ctx, stmt, kind, oid)
		if err != nil {
			return total, fmt.Errorf("link commit %s: %w", oid, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("link commit %s: %w", oid, err)
		}

		total += n
	}

	return total, nil
}

// PrevCommits returns the linked predecessors of oid.
func (q *Queries) PrevCommits(ctx context.Context, kind, oid string) ([]string, error) {
	ids, err := q.strings(ctx, `SELECT l.prev_id FROM commit_links l
		LEFT JOIN commit_parents cp ON cp.kind = l.kind AND cp.commit_id = l.next_id AND cp.parent_id = l.prev_id
		WHERE l.kind = ? AND l.next_id = ? ORDER BY cp.position, l.prev_id`, kind, oid)
	if err != nil {
		return nil, fmt.Errorf("prev of %s: %w", oid, err)
	}

	return ids, nil
}

// NextCommits returns the linked successors of oid. When repoID is set, only
// successors reachable from that repository are returned.
func (q *Queries) NextCommits(ctx context.Context, kind, oid, repoID string) ([]string, error) {
	query := `SELECT l.next_id FROM commit_links l WHERE l.kind = ? AND l.prev_id = ?`
	args := []any{kind, oid}

	if repoID != "" {
		query += ` AND EXISTS (SELECT 1 FROM commit_repositories r
			WHERE r.kind = l.kind AND r.commit_id = l.next_id AND r.repo_id = ?)`
		args = append(args, repoID)
	}

	ids, err := q.strings(ctx, query+` ORDER BY l.next_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("next of %s: %w", oid, err)
	}

	return ids, nil
}

// CountCommits returns the number of indexed commits of a kind, optionally
// restricted to those reachable from repoID.
func (q *Queries) CountCommits(ctx context.Context, kind, repoID string) (int, error) {
	query := `SELECT COUNT(*) FROM commits c WHERE c.kind = ? AND c.indexed = 1`
	args := []any{kind}

	if repoID != "" {
		query += ` AND EXISTS (SELECT 1 FROM commit_repositories r
			WHERE r.kind = c.kind AND r.commit_id = c.object_id AND r.repo_id = ?)`
		args = append(args, repoID)
	}

	var n int
	if err := q.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}

	return n, nil
}

func (q *Queries) parents(ctx context.Context, kind, oid string) ([]string, error) {
	ids, err := q.strings(ctx,
		`SELECT parent_id FROM commit_parents WHERE kind = ? AND commit_id = ? ORDER BY position`, kind, oid)
	if err != nil {
		return nil, fmt.Errorf("parents of %s: %w", oid, err)
	}

	return ids, nil
}

func (q *Queries) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}

	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}

		out = append(out, s)
	}

	return out, rows.Err()
}

func unixInZone(sec, offset int64) time.Time {
	return time.Unix(sec, 0).In(time.FixedZone("", int(offset)))
}
