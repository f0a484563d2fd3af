package models

import (
	"time"
)

// Artifact metadata keys used by the built-in handlers. Metadata is
// kind-specific and open-ended; these are the keys the scrape and OCR
// handlers populate.
const (
	MetaSourceURL     = "source_url"
	MetaTitle         = "title"
	MetaPageCount     = "page_count"
	MetaLanguage      = "language"
	MetaOCRConfidence = "ocr_confidence"
)

// Artifact describes one blob emitted by an execution. The bytes live in
// the blob store at StorageURI; two artifacts with the same SHA256 may
// share storage but keep distinct ids. Artifacts are sealed (immutable)
// once the owning execution terminates.
type Artifact struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id"`
	JobID       string                 `json:"job_id"`
	TenantID    string                 `json:"tenant_id"`
	StorageURI  string                 `json:"storage_uri"`
	ContentType string                 `json:"content_type"`
	SizeBytes   int64                  `json:"size_bytes"`
	SHA256      string                 `json:"sha256"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	Sealed      bool                   `json:"sealed"`
}

// ArtifactDraft is what a collaborator hands back before the worker has
// uploaded the bytes: content plus descriptive metadata. The worker owns
// the upload and the Artifact record.
type ArtifactDraft struct {
	Name        string
	ContentType string
	Data        []byte
	Metadata    map[string]interface{}
}
