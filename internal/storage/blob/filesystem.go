// -----------------------------------------------------------------------
// Filesystem Blob Store - streamed artifact bodies with atomic finish
// -----------------------------------------------------------------------

package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

const uriScheme = "blob://"

// FilesystemStore implements interfaces.BlobStore on a local directory.
// Uploads stream into a temp file and move into place on Finish, so a blob
// is never readable half-written. Keys follow
// {tenant}/{kind}/{yyyy}/{mm}/{dd}/{artifact_id}.
type FilesystemStore struct {
	root   string
	logger arbor.ILogger
}

var _ interfaces.BlobStore = (*FilesystemStore)(nil)

// NewFilesystemStore creates the store rooted at path.
func NewFilesystemStore(path string, logger arbor.ILogger) (*FilesystemStore, error) {
	if path == "" {
		return nil, fmt.Errorf("blob store path is required")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob root: %w", err)
	}
	return &FilesystemStore{root: abs, logger: logger}, nil
}

func (s *FilesystemStore) StartUpload(ctx context.Context, hint interfaces.BlobHint) (interfaces.BlobUpload, error) {
	if hint.TenantID == "" || hint.ArtifactID == "" {
		return nil, models.NewError(models.ErrInvalidRequest, "blob upload requires tenant and artifact id")
	}

	now := time.Now().UTC()
	key := filepath.Join(
		sanitizeSegment(hint.TenantID),
		sanitizeSegment(hint.Kind),
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		fmt.Sprintf("%02d", now.Day()),
		sanitizeSegment(hint.ArtifactID),
	)

	finalPath := filepath.Join(s.root, key)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return nil, models.WrapError(models.ErrRetryableBackend, err, "failed to create blob directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".upload-*")
	if err != nil {
		return nil, models.WrapError(models.ErrRetryableBackend, err, "failed to create upload temp file")
	}

	s.logger.Trace().Str("key", key).Msg("Blob upload started")

	return &fileUpload{
		store:     s,
		tmp:       tmp,
		finalPath: finalPath,
		key:       key,
		hasher:    sha256.New(),
	}, nil
}

func (s *FilesystemStore) OpenRead(ctx context.Context, uri string) (io.ReadCloser, error) {
	path, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewError(models.ErrNotFound, "blob not found: %s", uri)
		}
		return nil, models.WrapError(models.ErrRetryableBackend, err, "failed to open blob %s", uri)
	}
	return f, nil
}

func (s *FilesystemStore) Delete(ctx context.Context, uri string) error {
	path, err := s.resolve(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return models.WrapError(models.ErrRetryableBackend, err, "failed to delete blob %s", uri)
	}
	return nil
}

// resolve maps a blob:// URI back to a path under the root, rejecting any
// key that escapes it.
func (s *FilesystemStore) resolve(uri string) (string, error) {
	if !strings.HasPrefix(uri, uriScheme) {
		return "", models.NewError(models.ErrInvalidRequest, "invalid blob uri: %s", uri)
	}
	key := strings.TrimPrefix(uri, uriScheme)
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(path, s.root+string(os.PathSeparator)) {
		return "", models.NewError(models.ErrInvalidRequest, "invalid blob uri: %s", uri)
	}
	return path, nil
}

func sanitizeSegment(segment string) string {
	segment = strings.ReplaceAll(segment, "/", "_")
	segment = strings.ReplaceAll(segment, "\\", "_")
	segment = strings.ReplaceAll(segment, "..", "_")
	if segment == "" {
		return "unknown"
	}
	return segment
}

type fileUpload struct {
	store     *FilesystemStore
	tmp       *os.File
	finalPath string
	key       string
	hasher    hash.Hash
	size      int64
	done      bool
}

func (u *fileUpload) WriteChunk(p []byte) error {
	if u.done {
		return models.NewError(models.ErrConflict, "upload already finished")
	}
	n, err := u.tmp.Write(p)
	if err != nil {
		return models.WrapError(models.ErrRetryableBackend, err, "failed to write blob chunk")
	}
	u.hasher.Write(p[:n])
	u.size += int64(n)
	return nil
}

func (u *fileUpload) Finish() (interfaces.BlobInfo, error) {
	if u.done {
		return interfaces.BlobInfo{}, models.NewError(models.ErrConflict, "upload already finished")
	}
	u.done = true

	if err := u.tmp.Sync(); err != nil {
		u.discard()
		return interfaces.BlobInfo{}, models.WrapError(models.ErrRetryableBackend, err, "failed to sync blob")
	}
	tmpName := u.tmp.Name()
	if err := u.tmp.Close(); err != nil {
		os.Remove(tmpName)
		return interfaces.BlobInfo{}, models.WrapError(models.ErrRetryableBackend, err, "failed to close blob")
	}
	if err := os.Rename(tmpName, u.finalPath); err != nil {
		os.Remove(tmpName)
		return interfaces.BlobInfo{}, models.WrapError(models.ErrRetryableBackend, err, "failed to finalize blob")
	}

	info := interfaces.BlobInfo{
		URI:       uriScheme + filepath.ToSlash(u.key),
		SHA256:    hex.EncodeToString(u.hasher.Sum(nil)),
		SizeBytes: u.size,
	}
	u.store.logger.Trace().
		Str("uri", info.URI).
		Int64("size", info.SizeBytes).
		Msg("Blob upload finished")
	return info, nil
}

func (u *fileUpload) Abort() error {
	if u.done {
		return nil
	}
	u.done = true
	u.discard()
	return nil
}

func (u *fileUpload) discard() {
	name := u.tmp.Name()
	u.tmp.Close()
	os.Remove(name)
}
