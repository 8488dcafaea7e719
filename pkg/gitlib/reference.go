package gitlib

import (
	"errors"
	"fmt"
	"strings"

	git2go "github.com/libgit2/git2go/v34"
)

// Reference is a named pointer resolved to the commit it designates.
type Reference struct {
	// Name is the full reference name, e.g. refs/heads/main.
	Name string
	// Target is the peeled commit id.
	Target Hash
}

// IsBranch reports whether the reference lives under refs/heads/.
func (ref Reference) IsBranch() bool { return strings.HasPrefix(ref.Name, "refs/heads/") }

// IsRemote reports whether the reference lives under refs/remotes/.
func (ref Reference) IsRemote() bool { return strings.HasPrefix(ref.Name, "refs/remotes/") }

// IsTag reports whether the reference lives under refs/tags/.
func (ref Reference) IsTag() bool { return strings.HasPrefix(ref.Name, "refs/tags/") }

// References lists every direct reference in the repository whose target
// peels to a commit. Symbolic references and tags of non-commit objects are skipped.
func (r *Repository) References() ([]Reference, error) {
	iter, err := r.repo.NewReferenceIterator()
	if err != nil {
		return nil, fmt.Errorf("reference iterator: %w", classify(err))
	}
	defer iter.Free()

	var refs []Reference

	for {
		ref, nextErr := iter.Next()
		if nextErr != nil {
			if git2go.IsErrorCode(nextErr, git2go.ErrorCodeIterOver) {
				break
			}

			return nil, fmt.Errorf("iterate references: %w", classify(nextErr))
		}

		if ref.Type() != git2go.ReferenceOid {
			ref.Free()

			continue
		}

		name := ref.Name()

		target, peelErr := peelToCommit(ref)
		ref.Free()

		if errors.Is(peelErr, ErrUnexpectedType) {
			continue
		}

		if peelErr != nil {
			return nil, fmt.Errorf("peel %s: %w", name, peelErr)
		}

		refs = append(refs, Reference{Name: name, Target: target})
	}

	return refs, nil
}

func peelToCommit(ref *git2go.Reference) (Hash, error) {
	obj, err := ref.Peel(git2go.ObjectCommit)
	if err != nil {
		if git2go.IsErrorCode(err, git2go.ErrorCodeInvalidSpec) || git2go.IsErrorCode(err, git2go.ErrorCodePeel) {
			return Hash{}, ErrUnexpectedType
		}

		return Hash{}, classify(err)
	}
	defer obj.Free()

	return HashFromOid(obj.Id()), nil
}
