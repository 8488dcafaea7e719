package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
)

// ObjectType distinguishes trees from blobs.
type ObjectType string

// Object types.
const (
	ObjectTree ObjectType = "tree"
	ObjectBlob ObjectType = "blob"
)

func (t ObjectType) table() string {
	if t == ObjectTree {
		return "trees"
	}

	return "blobs"
}

// Object is a persisted tree or blob. Context and LastCommit are written when
// the record is created and never change afterwards.
type Object struct {
	Kind string     `json:"kind" yaml:"kind"`
	OID  string     `json:"oid" yaml:"oid"`
	Type ObjectType `json:"type" yaml:"type"`
	// ContextID is the commit owning a root tree, or the tree holding the entry.
	ContextID string `json:"context_id" yaml:"context_id"`
	// ContextName is the entry name inside ContextID; empty for root trees.
	ContextName string    `json:"context_name,omitempty" yaml:"context_name,omitempty"`
	LastCommit  string    `json:"last_commit" yaml:"last_commit"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// UpsertTree creates the tree record if absent. It returns the stored record
// and whether this call created it.
func (q *Queries) UpsertTree(ctx context.Context, obj Object) (*Object, bool, error) {
	obj.Type = ObjectTree

	return q.upsert(ctx, obj)
}

// UpsertBlob creates the blob record if absent. It returns the stored record
// and whether this call created it.
func (q *Queries) UpsertBlob(ctx context.Context, obj Object) (*Object, bool, error) {
	obj.Type = ObjectBlob

	return q.upsert(ctx, obj)
}

func (q *Queries) upsert(ctx context.Context, obj Object) (*Object, bool, error) {
	res, err := q.conn.ExecContext(ctx, `INSERT OR IGNORE INTO `+obj.Type.table()+`
		(kind, object_id, context_id, context_name, last_commit_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		obj.Kind, obj.OID, obj.ContextID, obj.ContextName, obj.LastCommit, q.now().UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("upsert %s %s: %w", obj.Type, obj.OID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("upsert %s %s: %w", obj.Type, obj.OID, err)
	}

	stored, err := q.Object(ctx, obj.Type, obj.Kind, obj.OID)
	if err != nil {
		return nil, false, err
	}

	return stored, n == 1, nil
}

// Object loads a tree or blob record.
func (q *Queries) Object(ctx context.Context, typ ObjectType, kind, oid string) (*Object, error) {
	obj := Object{Kind: kind, OID: oid, Type: typ}

	var created int64

	err := q.conn.QueryRowContext(ctx, `SELECT context_id, context_name, last_commit_id, created_at FROM `+
		typ.table()+` WHERE kind = ? AND object_id = ?`, kind, oid).Scan(
		&obj.ContextID, &obj.ContextName, &obj.LastCommit, &created)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("%s %s", typ, oid))
	}

	obj.CreatedAt = time.Unix(0, created)

	return &obj, nil
}

// ObjectExists reports whether a tree or blob record exists.
func (q *Queries) ObjectExists(ctx context.Context, typ ObjectType, kind, oid string) (bool, error) {
	var n int

	err := q.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+typ.table()+` WHERE kind = ? AND object_id = ?`, kind, oid).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup %s %s: %w", typ, oid, err)
	}

	return n > 0, nil
}

// InsertTreeEntries stores the ordered entries of a tree.
func (q *Queries) InsertTreeEntries(ctx context.Context, kind, treeID string, entries []backend.TreeEntry) error {
	for i, entry := range entries {
		_, err := q.conn.ExecContext(ctx, `INSERT OR IGNORE INTO tree_entries
			(kind, tree_id, position, name, child_id, child_type) VALUES (?, ?, ?, ?, ?, ?)`,
			kind, treeID, i, entry.Name, entry.OID, string(entry.Type))
		if err != nil {
			return fmt.Errorf("insert entry %s of tree %s: %w", entry.Name, treeID, err)
		}
	}

	return nil
}

// TreeEntries returns the entries of a stored tree in order.
func (q *Queries) TreeEntries(ctx context.Context, kind, treeID string) ([]backend.TreeEntry, error) {
	exists, err := q.ObjectExists(ctx, ObjectTree, kind, treeID)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, fmt.Errorf("tree %s: %w", treeID, ErrNotFound)
	}

	rows, err := q.conn.QueryContext(ctx, `SELECT name, child_id, child_type FROM tree_entries
		WHERE kind = ? AND tree_id = ? ORDER BY position`, kind, treeID)
	if err != nil {
		return nil, fmt.Errorf("entries of tree %s: %w", treeID, err)
	}
	defer rows.Close()

	entries := []backend.TreeEntry{}

	for rows.Next() {
		var (
			entry backend.TreeEntry
			typ   string
		)

		if err := rows.Scan(&entry.Name, &entry.OID, &typ); err != nil {
			return nil, fmt.Errorf("scan entry of tree %s: %w", treeID, err)
		}

		entry.Type = backend.EntryType(typ)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entries of tree %s: %w", treeID, err)
	}

	return entries, nil
}

// CountObjects returns the number of stored records of a type.
func (q *Queries) CountObjects(ctx context.Context, typ ObjectType, kind string) (int, error) {
	var n int

	err := q.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+typ.table()+` WHERE kind = ?`, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", typ.table(), err)
	}

	return n, nil
}
