package interfaces

import (
	"context"
	"io"
)

// BlobHint provides the addressing fields for a new upload. The store
// derives the final URI from them (tenant/kind/date/artifact layout).
type BlobHint struct {
	TenantID    string
	Kind        string
	ArtifactID  string
	ContentType string
}

// BlobInfo describes a finished upload.
type BlobInfo struct {
	URI       string
	SHA256    string
	SizeBytes int64
}

// BlobUpload is a streaming upload in progress. Writers push chunks, then
// either Finish (seal, get the URI and digest) or Abort (discard).
type BlobUpload interface {
	WriteChunk(p []byte) error
	Finish() (BlobInfo, error)
	Abort() error
}

// BlobStore stores artifact bodies. Uploads are streamed and atomic: a
// blob is either fully visible at its URI after Finish or absent.
type BlobStore interface {
	StartUpload(ctx context.Context, hint BlobHint) (BlobUpload, error)
	OpenRead(ctx context.Context, uri string) (io.ReadCloser, error)
	Delete(ctx context.Context, uri string) error
}
