package interfaces

import (
	"context"
	"time"
)

// Collection names in the metadata store.
const (
	CollectionJobs       = "jobs"
	CollectionJobStatus  = "job_status"
	CollectionExecutions = "executions"
	CollectionArtifacts  = "artifacts"
	CollectionRateBucket = "rate_buckets"
	CollectionLease      = "scheduler_lease"
	CollectionDLQIndex   = "dlq_index"
	CollectionCounters   = "queue_counters"
)

// MaxTransactionDocs caps how many documents a single transaction may
// touch.
const MaxTransactionDocs = 25

// Document is the stored envelope: a JSON body plus the indexed fields
// queries filter on. Version is the per-document CAS counter -- zero means
// the document has never been stored.
type Document struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Version    uint64    `json:"version"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	State      string    `json:"state,omitempty"`
	Parent     string    `json:"parent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Body       []byte    `json:"body"`
}

// DocumentQuery selects documents from one collection. Zero-valued filter
// fields are ignored. Results order by (CreatedAt, ID), ascending unless
// Descending is set; Cursor resumes a previous page.
type DocumentQuery struct {
	Collection    string
	TenantID      string
	Kind          string
	States        []string
	Parent        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Cursor        string
	Limit         int
	Descending    bool
}

// Tx exposes the document operations available inside a transaction.
type Tx interface {
	Get(collection, id string) (*Document, error)
	Put(doc *Document, expectedVersion uint64) (*Document, error)
	Delete(collection, id string) error
}

// MetadataStore is the document-oriented store behind jobs, executions,
// artifacts, rate buckets, and the scheduler lease. Put enforces
// compare-and-swap on Version: expectedVersion 0 requires the document not
// to exist, any other value must match the stored version or the write is
// rejected with a conflict error. Transaction commits atomically across at
// most MaxTransactionDocs documents.
type MetadataStore interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Put(ctx context.Context, doc *Document, expectedVersion uint64) (*Document, error)
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, q DocumentQuery) ([]*Document, string, error)
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
