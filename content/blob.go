package content

import "io"

// BlobTable is the slice of a blob store that a blob-backed reference
// needs. The storage package provides the implementation; keeping the
// interface here lets content stay free of database concerns.
type BlobTable interface {
	OpenBlob(id int64) (io.ReadCloser, error)
	BlobSize(id int64) (int64, error)
	// ReleaseBlob decrements the blob's ownership count, deleting the row
	// when the count reaches zero.
	ReleaseBlob(id int64) error
}

// BlobReference points at payload bytes stored in a database blob row.
// Deleting the reference releases one ownership count on the row.
type BlobReference struct {
	table BlobTable
	id    int64
}

// NewBlob creates a reference over blob row id.
func NewBlob(table BlobTable, id int64) *BlobReference {
	return &BlobReference{table: table, id: id}
}

// ID returns the blob row id.
func (b *BlobReference) ID() int64 { return b.id }

// Open returns a reader over the blob bytes.
func (b *BlobReference) Open() (io.ReadCloser, error) {
	return b.table.OpenBlob(b.id)
}

// Size returns the blob length.
func (b *BlobReference) Size() (int64, error) {
	return b.table.BlobSize(b.id)
}

// Delete releases this reference's ownership count on the row.
func (b *BlobReference) Delete() error {
	return b.table.ReleaseBlob(b.id)
}

// DuplicateFiltered streams the blob through filter into a new temp-file
// reference.
func (b *BlobReference) DuplicateFiltered(filter StreamFilter) (Reference, error) {
	return duplicateFiltered(b, filter)
}
