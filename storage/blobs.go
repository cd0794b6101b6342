package storage

import (
	"bytes"
	"database/sql"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/content"
)

// ErrBlobNotFound indicates a blob row that does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore keeps payload bytes in the blobs table with a per-row
// ownership count. Every deletion funnels through ReleaseBlob so a blob
// shared between a pending send and the chat view is removed exactly
// once, when its last owner lets go.
type BlobStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewBlobStore creates a blob store over an opened database.
func NewBlobStore(db *sql.DB) *BlobStore {
	return &BlobStore{db: db}
}

// Put stores the bytes from r as a new blob row with one owner and
// returns a reference to it.
func (s *BlobStore) Put(r io.Reader) (*content.BlobReference, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`INSERT INTO blobs (refs, data) VALUES (1, ?)`, data)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "Put",
		"blob_id":  id,
		"size":     len(data),
	}).Debug("Stored payload blob")
	return content.NewBlob(s, id), nil
}

// Acquire adds an owner to an existing blob row and returns a reference
// that releases it on Delete.
func (s *BlobStore) Acquire(id int64) (*content.BlobReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE blobs SET refs = refs + 1 WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrBlobNotFound
	}
	return content.NewBlob(s, id), nil
}

// OpenBlob returns a reader over the blob bytes. The bytes are copied
// out under the lock; readers never hold database state.
func (s *BlobStore) OpenBlob(id int64) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM blobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// BlobSize returns the stored length of a blob.
func (s *BlobStore) BlobSize(id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var size int64
	err := s.db.QueryRow(`SELECT length(data) FROM blobs WHERE id = ?`, id).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrBlobNotFound
	}
	return size, err
}

// ReleaseBlob drops one owner from the blob, deleting the row when the
// count reaches zero. Releasing an unknown id is a no-op so retries of a
// teardown path stay safe.
func (s *BlobStore) ReleaseBlob(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`UPDATE blobs SET refs = refs - 1 WHERE id = ?`, id); err != nil {
		return err
	}
	res, err := s.db.Exec(`DELETE FROM blobs WHERE id = ? AND refs <= 0`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "ReleaseBlob",
			"blob_id":  id,
		}).Debug("Deleted payload blob at zero owners")
	}
	return nil
}

// Refs reports the current ownership count, zero when the row is gone.
func (s *BlobStore) Refs(id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs int
	err := s.db.QueryRow(`SELECT refs FROM blobs WHERE id = ?`, id).Scan(&refs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return refs, err
}
