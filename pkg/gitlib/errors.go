package gitlib

import (
	"errors"

	git2go "github.com/libgit2/git2go/v34"
)

var (
	// ErrNotFound wraps libgit2 "not found" failures for objects and references.
	ErrNotFound = errors.New("object not found")
	// ErrCorrupt wraps libgit2 failures that indicate a damaged object database.
	ErrCorrupt = errors.New("corrupt object")
	// ErrUnexpectedType is returned when an object has a different type than requested.
	ErrUnexpectedType = errors.New("unexpected object type")
)

// classify maps libgit2 error codes onto the package sentinels so callers can
// use errors.Is without importing git2go.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var gitErr *git2go.GitError
	if !errors.As(err, &gitErr) {
		return err
	}

	switch {
	case gitErr.Code == git2go.ErrorCodeNotFound,
		gitErr.Code == git2go.ErrorCodeAmbiguous,
		gitErr.Code == git2go.ErrorCodeInvalidSpec:
		return errors.Join(ErrNotFound, err)
	case gitErr.Class == git2go.ErrorClassObject,
		gitErr.Class == git2go.ErrorClassZlib,
		gitErr.Class == git2go.ErrorClassOdb:
		return errors.Join(ErrCorrupt, err)
	default:
		return err
	}
}
