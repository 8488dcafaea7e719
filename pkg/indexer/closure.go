package indexer

import (
	"context"
	"fmt"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

type closureStats struct {
	trees int
	blobs int
	links int64
}

// fetchClosure reads from the backend every tree reachable from root that
// the store does not hold yet. Subtrees already stored are not opened: their
// own closure was persisted with them.
func fetchClosure(
	ctx context.Context, st *store.Store, port backend.Port, kind, root string,
) (map[string][]backend.TreeEntry, error) {
	fetched := make(map[string][]backend.TreeEntry)
	stack := []string{root}

	for len(stack) > 0 {
		oid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, done := fetched[oid]; done {
			continue
		}

		exists, err := st.ObjectExists(ctx, store.ObjectTree, kind, oid)
		if err != nil {
			return nil, err
		}

		if exists {
			continue
		}

		entries, err := port.GetTree(ctx, oid)
		if err != nil {
			return nil, fmt.Errorf("tree %s: %w", oid, err)
		}

		fetched[oid] = entries

		for _, entry := range entries {
			if entry.Type == backend.EntryTree {
				stack = append(stack, entry.OID)
			}
		}
	}

	return fetched, nil
}

// treeFrame is a tree waiting to be persisted, with the context it gets if
// this upsert creates it.
type treeFrame struct {
	oid         string
	contextID   string
	contextName string
}

// persistClosure upserts the tree closure of commit inside tx. Only trees
// created by this call are descended into, so shared subtrees are touched
// once per distinct content.
func persistClosure(
	ctx context.Context, tx *store.Tx, kind, commit, root string, fetched map[string][]backend.TreeEntry,
) (closureStats, error) {
	var stats closureStats

	stack := []treeFrame{{oid: root, contextID: commit}}

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		_, created, err := tx.UpsertTree(ctx, store.Object{
			Kind: kind, OID: frame.oid, ContextID: frame.contextID, ContextName: frame.contextName, LastCommit: commit,
		})
		if err != nil {
			return stats, err
		}

		if !created {
			continue
		}

		stats.trees++

		entries, ok := fetched[frame.oid]
		if !ok {
			return stats, fmt.Errorf("tree %s was created concurrently without entries: %w", frame.oid, store.ErrNotFound)
		}

		if err := tx.InsertTreeEntries(ctx, kind, frame.oid, entries); err != nil {
			return stats, err
		}

		// Push subtrees in reverse so they are persisted in entry order.
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Type == backend.EntryTree {
				stack = append(stack, treeFrame{oid: entries[i].OID, contextID: frame.oid, contextName: entries[i].Name})
			}
		}

		for _, entry := range entries {
			if entry.Type != backend.EntryBlob {
				continue
			}

			_, created, err := tx.UpsertBlob(ctx, store.Object{
				Kind: kind, OID: entry.OID, ContextID: frame.oid, ContextName: entry.Name, LastCommit: commit,
			})
			if err != nil {
				return stats, err
			}

			if created {
				stats.blobs++
			}
		}
	}

	return stats, nil
}
