package content

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTable struct {
	data     map[int64][]byte
	released []int64
}

func (f *fakeTable) OpenBlob(id int64) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data[id])), nil
}

func (f *fakeTable) BlobSize(id int64) (int64, error) {
	return int64(len(f.data[id])), nil
}

func (f *fakeTable) ReleaseBlob(id int64) error {
	f.released = append(f.released, id)
	return nil
}

func TestBlobReferenceReadsThroughTable(t *testing.T) {
	table := &fakeTable{data: map[int64][]byte{7: []byte("blob bytes")}}
	ref := NewBlob(table, 7)

	assert.Equal(t, int64(7), ref.ID())

	size, err := ref.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	r, err := ref.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, "blob bytes", string(data))
}

func TestBlobReferenceDeleteReleasesOwnership(t *testing.T) {
	table := &fakeTable{data: map[int64][]byte{3: nil}}
	ref := NewBlob(table, 3)

	require.NoError(t, ref.Delete())
	assert.Equal(t, []int64{3}, table.released)
}
