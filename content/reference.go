package content

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// ErrDeleted indicates an operation on a reference whose backing bytes
// have already been deleted.
var ErrDeleted = errors.New("content reference deleted")

// StreamFilter transforms a payload stream while it is being copied,
// e.g. encrypting or decrypting it. Implementations must consume src
// fully and must not buffer the whole stream.
type StreamFilter func(dst io.Writer, src io.Reader) error

// CopyFilter is the identity filter.
func CopyFilter(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

// Reference is an opaque handle over payload bytes.
type Reference interface {
	// Open returns a fresh reader over the payload.
	Open() (io.ReadCloser, error)
	// Size returns the payload length in bytes.
	Size() (int64, error)
	// Delete releases the backing bytes. The owner of a reference calls
	// this exactly once.
	Delete() error
	// DuplicateFiltered streams the payload through filter into a new
	// independently owned reference.
	DuplicateFiltered(filter StreamFilter) (Reference, error)
}

// MemoryReference holds a small payload in memory.
type MemoryReference struct {
	data    []byte
	deleted bool
}

// NewMemory creates an in-memory reference over data. The reference takes
// ownership of the slice.
func NewMemory(data []byte) *MemoryReference {
	return &MemoryReference{data: data}
}

// Open returns a reader over the payload.
func (m *MemoryReference) Open() (io.ReadCloser, error) {
	if m.deleted {
		return nil, ErrDeleted
	}
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

// Size returns the payload length.
func (m *MemoryReference) Size() (int64, error) {
	if m.deleted {
		return 0, ErrDeleted
	}
	return int64(len(m.data)), nil
}

// Delete drops the payload.
func (m *MemoryReference) Delete() error {
	m.data = nil
	m.deleted = true
	return nil
}

// DuplicateFiltered streams the payload through filter into a new
// temp-file reference.
func (m *MemoryReference) DuplicateFiltered(filter StreamFilter) (Reference, error) {
	return duplicateFiltered(m, filter)
}

// FileReference points at payload bytes in a file, typically a temp file
// created by a streaming duplicate or an HTTP download.
type FileReference struct {
	path string
}

// NewFile creates a reference over an existing file.
func NewFile(path string) *FileReference {
	return &FileReference{path: path}
}

// NewTempFromReader streams r into a fresh temp file and returns a
// reference owning it.
func NewTempFromReader(r io.Reader) (*FileReference, error) {
	f, err := os.CreateTemp("", "courier-payload-*")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	return &FileReference{path: f.Name()}, nil
}

// Path returns the backing file path.
func (f *FileReference) Path() string { return f.path }

// Open returns a reader over the file.
func (f *FileReference) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// Size returns the file length.
func (f *FileReference) Size() (int64, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Delete removes the backing file.
func (f *FileReference) Delete() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		logrus.WithFields(logrus.Fields{
			"function": "Delete",
			"path":     f.path,
			"error":    err.Error(),
		}).Warn("Failed to delete payload file")
		return err
	}
	return nil
}

// DuplicateFiltered streams the file through filter into a new temp-file
// reference.
func (f *FileReference) DuplicateFiltered(filter StreamFilter) (Reference, error) {
	return duplicateFiltered(f, filter)
}

// duplicateFiltered streams src through filter into a temp file owned by
// the returned reference.
func duplicateFiltered(src Reference, filter StreamFilter) (Reference, error) {
	in, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer in.Close()

	out, err := os.CreateTemp("", "courier-payload-*")
	if err != nil {
		return nil, err
	}
	if err := filter(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return nil, err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return nil, err
	}
	return &FileReference{path: out.Name()}, nil
}
