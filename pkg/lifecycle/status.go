// Package lifecycle drives repositories through creation, sync and failure
// states, and guarantees that at most one sync runs per repository.
package lifecycle

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

// Sentinel errors.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotInitialized is returned when the backing repository may not exist yet.
	ErrNotInitialized = errors.New("repository not initialized")
	// ErrRepositoryFailed is returned for repositories in the error status;
	// they need a reset before the next sync.
	ErrRepositoryFailed = errors.New("repository failed")
	ErrExists           = errors.New("repository already exists")
	ErrNotFound         = errors.New("repository not found")
	// ErrIncomplete is returned when some commits could not be indexed.
	ErrIncomplete = errors.New("sync incomplete")
	ErrClosed     = errors.New("lifecycle manager closed")
)

var transitions = map[store.Status][]store.Status{
	store.StatusInit:         {store.StatusInitializing},
	store.StatusInitializing: {store.StatusAnalyzing, store.StatusInit, store.StatusError},
	// analyzing -> analyzing resumes a run interrupted by a crash; analyzing
	// -> init/ready falls back to the status the run started from.
	store.StatusAnalyzing: {store.StatusReady, store.StatusError, store.StatusInit, store.StatusAnalyzing},
	store.StatusReady:     {store.StatusAnalyzing},
	store.StatusError:     {store.StatusInit},
}

// CanTransition reports whether a repository may move from one status to
// another.
func CanTransition(from, to store.Status) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to store.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

// fallbackStatus is where a recoverable failure leaves a run that started
// in status start. A run found in analyzing was interrupted; it belonged to a
// ready repository when an earlier run had already published references.
func fallbackStatus(start store.Status, published bool) store.Status {
	if start == store.StatusReady || (start == store.StatusAnalyzing && published) {
		return store.StatusReady
	}

	return store.StatusInit
}
