package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
)

// Status is the lifecycle state of a repository.
type Status string

// Repository statuses.
const (
	StatusInit         Status = "init"
	StatusInitializing Status = "initializing"
	StatusAnalyzing    Status = "analyzing"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
)

// Repository is a mirrored repository and its last captured references.
type Repository struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Kind         string        `json:"kind" yaml:"kind"`
	Driver       string        `json:"driver" yaml:"driver"`
	Path         string        `json:"path" yaml:"path"`
	Status       Status        `json:"status" yaml:"status"`
	LastError    string        `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	UpstreamName string        `json:"upstream_name,omitempty" yaml:"upstream_name,omitempty"`
	UpstreamURL  string        `json:"upstream_url,omitempty" yaml:"upstream_url,omitempty"`
	Heads        []backend.Ref `json:"heads" yaml:"heads"`
	Branches     []backend.Ref `json:"branches" yaml:"branches"`
	Tags         []backend.Ref `json:"tags" yaml:"tags"`
	CreatedAt    time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" yaml:"updated_at"`
}

// Refs returns heads, branches and tags as one slice.
func (r *Repository) Refs() []backend.Ref {
	out := make([]backend.Ref, 0, len(r.Heads)+len(r.Branches)+len(r.Tags))
	out = append(out, r.Heads...)
	out = append(out, r.Branches...)

	return append(out, r.Tags...)
}

const repositoryColumns = `id, name, kind, driver, path, status, last_error, upstream_name, upstream_url, created_at, updated_at`

// CreateRepository inserts a new repository. CreatedAt and UpdatedAt are set by the store.
func (q *Queries) CreateRepository(ctx context.Context, repo *Repository) error {
	now := q.now()

	_, err := q.conn.ExecContext(ctx,
		`INSERT INTO repositories (`+repositoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		repo.ID, repo.Name, repo.Kind, repo.Driver, repo.Path, string(repo.Status), repo.LastError,
		repo.UpstreamName, repo.UpstreamURL, now.UnixNano(), now.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("repository %q: %w", repo.Name, ErrDuplicate)
	}

	if err != nil {
		return fmt.Errorf("create repository %q: %w", repo.Name, err)
	}

	repo.CreatedAt = time.Unix(0, now.UnixNano())
	repo.UpdatedAt = repo.CreatedAt

	return nil
}

// Repository loads a repository by id, including its references.
func (q *Queries) Repository(ctx context.Context, id string) (*Repository, error) {
	row := q.conn.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id)

	return q.loadRepository(ctx, row, "repository "+id)
}

// RepositoryByName loads a repository by its unique name.
func (q *Queries) RepositoryByName(ctx context.Context, name string) (*Repository, error) {
	row := q.conn.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE name = ?`, name)

	return q.loadRepository(ctx, row, "repository "+name)
}

// Repositories lists every repository ordered by name. References are not loaded.
func (q *Queries) Repositories(ctx context.Context) ([]*Repository, error) {
	rows, err := q.conn.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []*Repository

	for rows.Next() {
		repo, scanErr := scanRepository(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		out = append(out, repo)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}

	return out, nil
}

// SetStatus records a lifecycle transition and the error message that caused
// it. An empty message clears the previous one.
func (q *Queries) SetStatus(ctx context.Context, id string, status Status, lastError string) error {
	res, err := q.conn.ExecContext(ctx,
		`UPDATE repositories SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, q.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("set status of %s: %w", id, err)
	}

	return expectOne(res, "repository "+id)
}

// SetUpstream records where a cloned repository came from.
func (q *Queries) SetUpstream(ctx context.Context, id, name, url string) error {
	res, err := q.conn.ExecContext(ctx,
		`UPDATE repositories SET upstream_name = ?, upstream_url = ?, updated_at = ? WHERE id = ?`,
		name, url, q.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("set upstream of %s: %w", id, err)
	}

	return expectOne(res, "repository "+id)
}

// ReplaceRefs swaps the captured reference lists of a repository wholesale.
// Run it inside WithTx so readers never observe a partial list.
func (q *Queries) ReplaceRefs(ctx context.Context, id string, refs []backend.Ref) error {
	if _, err := q.conn.ExecContext(ctx, `DELETE FROM repository_refs WHERE repo_id = ?`, id); err != nil {
		return fmt.Errorf("clear refs of %s: %w", id, err)
	}

	for i, ref := range refs {
		_, err := q.conn.ExecContext(ctx,
			`INSERT OR REPLACE INTO repository_refs (repo_id, type, position, name, object_id) VALUES (?, ?, ?, ?, ?)`,
			id, string(ref.Type), i, ref.Name, ref.OID)
		if err != nil {
			return fmt.Errorf("store ref %s of %s: %w", ref.Name, id, err)
		}
	}

	_, err := q.conn.ExecContext(ctx, `UPDATE repositories SET updated_at = ? WHERE id = ?`, q.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("touch repository %s: %w", id, err)
	}

	return nil
}

// DeleteRepository removes a repository, its references and its
// reachable-from memberships. Shared commits, trees and blobs stay.
func (q *Queries) DeleteRepository(ctx context.Context, id string) error {
	if _, err := q.conn.ExecContext(ctx, `DELETE FROM commit_repositories WHERE repo_id = ?`, id); err != nil {
		return fmt.Errorf("delete memberships of %s: %w", id, err)
	}

	if _, err := q.conn.ExecContext(ctx, `DELETE FROM repository_refs WHERE repo_id = ?`, id); err != nil {
		return fmt.Errorf("delete refs of %s: %w", id, err)
	}

	res, err := q.conn.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete repository %s: %w", id, err)
	}

	return expectOne(res, "repository "+id)
}

func (q *Queries) loadRepository(ctx context.Context, row *sql.Row, what string) (*Repository, error) {
	repo, err := scanRepository(row)
	if err != nil {
		return nil, notFound(err, what)
	}

	if err := q.loadRefs(ctx, repo); err != nil {
		return nil, err
	}

	return repo, nil
}

func (q *Queries) loadRefs(ctx context.Context, repo *Repository) error {
	rows, err := q.conn.QueryContext(ctx,
		`SELECT type, name, object_id FROM repository_refs WHERE repo_id = ? ORDER BY position`, repo.ID)
	if err != nil {
		return fmt.Errorf("load refs of %s: %w", repo.ID, err)
	}
	defer rows.Close()

	repo.Heads, repo.Branches, repo.Tags = []backend.Ref{}, []backend.Ref{}, []backend.Ref{}

	for rows.Next() {
		var (
			ref backend.Ref
			typ string
		)

		if err := rows.Scan(&typ, &ref.Name, &ref.OID); err != nil {
			return fmt.Errorf("scan ref: %w", err)
		}

		ref.Type = backend.RefType(typ)

		switch ref.Type {
		case backend.RefHead:
			repo.Heads = append(repo.Heads, ref)
		case backend.RefBranch:
			repo.Branches = append(repo.Branches, ref)
		case backend.RefTag:
			repo.Tags = append(repo.Tags, ref)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("load refs of %s: %w", repo.ID, err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRepository(row scanner) (*Repository, error) {
	var (
		repo             Repository
		status           string
		created, updated int64
	)

	err := row.Scan(&repo.ID, &repo.Name, &repo.Kind, &repo.Driver, &repo.Path, &status, &repo.LastError,
		&repo.UpstreamName, &repo.UpstreamURL, &created, &updated)
	if err != nil {
		return nil, err
	}

	repo.Status = Status(status)
	repo.CreatedAt = time.Unix(0, created)
	repo.UpdatedAt = time.Unix(0, updated)

	return &repo, nil
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	return nil
}
