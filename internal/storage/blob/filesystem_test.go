package blob

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

func newTestBlobStore(t *testing.T) *FilesystemStore {
	t.Helper()
	store, err := NewFilesystemStore(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	return store
}

func TestUploadRoundTrip(t *testing.T) {
	store := newTestBlobStore(t)
	ctx := context.Background()

	payload := []byte("# Scraped Page\n\nbody text\n")
	upload, err := store.StartUpload(ctx, interfaces.BlobHint{
		TenantID:    "tenant-a",
		Kind:        "scrape",
		ArtifactID:  "art-1",
		ContentType: "text/markdown",
	})
	require.NoError(t, err)
	require.NoError(t, upload.WriteChunk(payload[:10]))
	require.NoError(t, upload.WriteChunk(payload[10:]))

	info, err := upload.Finish()
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.SizeBytes)
	assert.Equal(t, common.SHA256Hex(payload), info.SHA256)
	assert.Contains(t, info.URI, "blob://tenant-a/scrape/")

	reader, err := store.OpenRead(ctx, info.URI)
	require.NoError(t, err)
	defer reader.Close()
	readBack, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, payload, readBack)
}

func TestFinishTwiceConflicts(t *testing.T) {
	store := newTestBlobStore(t)

	upload, err := store.StartUpload(context.Background(), interfaces.BlobHint{
		TenantID: "t", Kind: "scrape", ArtifactID: "art-1",
	})
	require.NoError(t, err)
	require.NoError(t, upload.WriteChunk([]byte("x")))

	_, err = upload.Finish()
	require.NoError(t, err)

	_, err = upload.Finish()
	assert.True(t, models.IsKind(err, models.ErrConflict))
	assert.Error(t, upload.WriteChunk([]byte("y")))
}

func TestAbortLeavesNothing(t *testing.T) {
	store := newTestBlobStore(t)
	ctx := context.Background()

	upload, err := store.StartUpload(ctx, interfaces.BlobHint{
		TenantID: "t", Kind: "ocr", ArtifactID: "art-2",
	})
	require.NoError(t, err)
	require.NoError(t, upload.WriteChunk([]byte("partial")))
	require.NoError(t, upload.Abort())
	require.NoError(t, upload.Abort())
}

func TestOpenReadMissing(t *testing.T) {
	store := newTestBlobStore(t)
	_, err := store.OpenRead(context.Background(), "blob://t/scrape/2026/01/01/missing")
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}

func TestResolveRejectsEscapes(t *testing.T) {
	store := newTestBlobStore(t)
	ctx := context.Background()

	_, err := store.OpenRead(ctx, "file:///etc/passwd")
	assert.True(t, models.IsKind(err, models.ErrInvalidRequest))

	_, err = store.OpenRead(ctx, "blob://../../etc/passwd")
	assert.True(t, models.IsKind(err, models.ErrInvalidRequest))
}

func TestDeleteIdempotent(t *testing.T) {
	store := newTestBlobStore(t)
	ctx := context.Background()

	upload, err := store.StartUpload(ctx, interfaces.BlobHint{
		TenantID: "t", Kind: "scrape", ArtifactID: "art-3",
	})
	require.NoError(t, err)
	require.NoError(t, upload.WriteChunk([]byte("data")))
	info, err := upload.Finish()
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, info.URI))
	require.NoError(t, store.Delete(ctx, info.URI))

	_, err = store.OpenRead(ctx, info.URI)
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}
