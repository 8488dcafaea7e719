package gitlib

import (
	"bytes"
	"io"

	git2go "github.com/libgit2/git2go/v34"
)

// Blob wraps a libgit2 blob.
type Blob struct {
	blob *git2go.Blob
}

// Hash returns the blob hash.
func (b *Blob) Hash() Hash {
	return HashFromOid(b.blob.Id())
}

// Size returns the blob size.
func (b *Blob) Size() int64 {
	return b.blob.Size()
}

// Contents returns a copy of the blob contents that outlives Free.
func (b *Blob) Contents() []byte {
	return bytes.Clone(b.blob.Contents())
}

// Reader returns a reader over a copy of the blob contents.
func (b *Blob) Reader() io.Reader {
	return bytes.NewReader(b.Contents())
}

// Free releases the blob resources.
func (b *Blob) Free() {
	if b.blob != nil {
		b.blob.Free()
		b.blob = nil
	}
}
