// -----------------------------------------------------------------------
// Document Store - versioned document envelope over Badger
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

// storedDocument is the on-disk shape of a document envelope. The envelope
// fields are duplicated here with badgerhold tags so the interfaces package
// stays free of storage concerns.
type storedDocument struct {
	Key        string `badgerhold:"key"`
	Collection string `badgerhold:"index"`
	ID         string
	Version    uint64
	TenantID   string
	Kind       string
	State      string `badgerhold:"index"`
	Parent     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Body       []byte
}

func docKey(collection, id string) string {
	return collection + "/" + id
}

func toStored(doc *interfaces.Document) *storedDocument {
	return &storedDocument{
		Key:        docKey(doc.Collection, doc.ID),
		Collection: doc.Collection,
		ID:         doc.ID,
		Version:    doc.Version,
		TenantID:   doc.TenantID,
		Kind:       doc.Kind,
		State:      doc.State,
		Parent:     doc.Parent,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
		Body:       doc.Body,
	}
}

func fromStored(s *storedDocument) *interfaces.Document {
	return &interfaces.Document{
		Collection: s.Collection,
		ID:         s.ID,
		Version:    s.Version,
		TenantID:   s.TenantID,
		Kind:       s.Kind,
		State:      s.State,
		Parent:     s.Parent,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		Body:       s.Body,
	}
}

// DocumentStore implements interfaces.MetadataStore over badgerhold.
// Writes go through Badger transactions so compare-and-swap on the version
// counter is atomic; concurrent conflicting commits surface as retryable
// errors for the caller's retry loop.
type DocumentStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

var _ interfaces.MetadataStore = (*DocumentStore)(nil)

// NewDocumentStore creates a new DocumentStore instance
func NewDocumentStore(db *BadgerDB, logger arbor.ILogger) *DocumentStore {
	return &DocumentStore{
		db:     db,
		logger: logger,
	}
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (*interfaces.Document, error) {
	var stored storedDocument
	if err := s.db.Store().Get(docKey(collection, id), &stored); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewError(models.ErrNotFound, "%s/%s not found", collection, id)
		}
		return nil, mapBadgerErr(err, "get %s/%s", collection, id)
	}
	return fromStored(&stored), nil
}

func (s *DocumentStore) Put(ctx context.Context, doc *interfaces.Document, expectedVersion uint64) (*interfaces.Document, error) {
	var result *interfaces.Document
	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		var err error
		result, err = s.txPut(txn, doc, expectedVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// txPut performs the version check and write inside an open transaction.
func (s *DocumentStore) txPut(txn *badgerdb.Txn, doc *interfaces.Document, expectedVersion uint64) (*interfaces.Document, error) {
	if doc.Collection == "" || doc.ID == "" {
		return nil, models.NewError(models.ErrInvalidRequest, "document requires collection and id")
	}

	key := docKey(doc.Collection, doc.ID)

	var current storedDocument
	err := s.db.Store().TxGet(txn, key, &current)
	switch {
	case err == badgerhold.ErrNotFound:
		if expectedVersion != 0 {
			return nil, models.NewError(models.ErrConflict,
				"version conflict on %s: expected %d, document does not exist", key, expectedVersion)
		}
	case err != nil:
		return nil, mapBadgerErr(err, "read %s for put", key)
	default:
		if current.Version != expectedVersion {
			s.logger.Trace().
				Str("key", key).
				Int64("expected", int64(expectedVersion)).
				Int64("actual", int64(current.Version)).
				Msg("Version conflict on put")
			return nil, models.NewError(models.ErrConflict,
				"version conflict on %s: expected %d, have %d", key, expectedVersion, current.Version)
		}
	}

	now := time.Now().UTC()
	stored := toStored(doc)
	stored.Version = expectedVersion + 1
	stored.UpdatedAt = now
	if stored.CreatedAt.IsZero() {
		if expectedVersion == 0 {
			stored.CreatedAt = now
		} else {
			stored.CreatedAt = current.CreatedAt
		}
	}

	if err := s.db.Store().TxUpsert(txn, key, stored); err != nil {
		return nil, mapBadgerErr(err, "put %s", key)
	}
	return fromStored(stored), nil
}

func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	err := s.db.Store().Delete(docKey(collection, id), &storedDocument{})
	if err != nil && err != badgerhold.ErrNotFound {
		return mapBadgerErr(err, "delete %s/%s", collection, id)
	}
	return nil
}

func (s *DocumentStore) Query(ctx context.Context, q interfaces.DocumentQuery) ([]*interfaces.Document, string, error) {
	if q.Collection == "" {
		return nil, "", models.NewError(models.ErrInvalidRequest, "query requires a collection")
	}

	var afterCreated time.Time
	var afterID string
	if q.Cursor != "" {
		var err error
		afterCreated, afterID, err = decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
	}

	// Badger is embedded, so fetch the collection via the index and filter
	// in memory. Collections stay small enough that this beats maintaining
	// composite indexes by hand.
	var stored []storedDocument
	if err := s.db.Store().Find(&stored, badgerhold.Where("Collection").Eq(q.Collection)); err != nil {
		return nil, "", mapBadgerErr(err, "query %s", q.Collection)
	}

	matched := make([]*storedDocument, 0, len(stored))
	for i := range stored {
		doc := &stored[i]
		if q.TenantID != "" && doc.TenantID != q.TenantID {
			continue
		}
		if q.Kind != "" && doc.Kind != q.Kind {
			continue
		}
		if len(q.States) > 0 && !containsState(q.States, doc.State) {
			continue
		}
		if q.Parent != "" && doc.Parent != q.Parent {
			continue
		}
		if !q.CreatedAfter.IsZero() && !doc.CreatedAt.After(q.CreatedAfter) {
			continue
		}
		if !q.CreatedBefore.IsZero() && !doc.CreatedAt.Before(q.CreatedBefore) {
			continue
		}
		matched = append(matched, doc)
	}

	sort.Slice(matched, func(i, j int) bool {
		less := orderedBefore(matched[i], matched[j])
		if q.Descending {
			return !less
		}
		return less
	})

	// Resume strictly after the cursor tuple so pages never overlap, even
	// when the cursor document has since been deleted.
	if q.Cursor != "" {
		start := len(matched)
		for i, doc := range matched {
			if afterCursor(doc, afterCreated, afterID, q.Descending) {
				start = i
				break
			}
		}
		matched = matched[start:]
	}

	nextCursor := ""
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
		last := matched[len(matched)-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	result := make([]*interfaces.Document, len(matched))
	for i, doc := range matched {
		result[i] = fromStored(doc)
	}
	return result, nextCursor, nil
}

func orderedBefore(a, b *storedDocument) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// afterCursor reports whether doc sorts strictly after the (createdAt, id)
// cursor tuple in the current iteration order.
func afterCursor(doc *storedDocument, createdAt time.Time, id string, descending bool) bool {
	if doc.CreatedAt.Equal(createdAt) {
		if descending {
			return doc.ID < id
		}
		return doc.ID > id
	}
	if descending {
		return doc.CreatedAt.Before(createdAt)
	}
	return doc.CreatedAt.After(createdAt)
}

func containsState(states []string, state string) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// documentTx adapts an open Badger transaction to interfaces.Tx and counts
// touched documents to enforce the transaction size cap.
type documentTx struct {
	store   *DocumentStore
	txn     *badgerdb.Txn
	touched map[string]struct{}
}

var _ interfaces.Tx = (*documentTx)(nil)

func (t *documentTx) track(collection, id string) error {
	key := docKey(collection, id)
	if _, ok := t.touched[key]; ok {
		return nil
	}
	if len(t.touched) >= interfaces.MaxTransactionDocs {
		return models.NewError(models.ErrInvalidRequest,
			"transaction exceeds %d document limit", interfaces.MaxTransactionDocs)
	}
	t.touched[key] = struct{}{}
	return nil
}

func (t *documentTx) Get(collection, id string) (*interfaces.Document, error) {
	if err := t.track(collection, id); err != nil {
		return nil, err
	}
	var stored storedDocument
	if err := t.store.db.Store().TxGet(t.txn, docKey(collection, id), &stored); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewError(models.ErrNotFound, "%s/%s not found", collection, id)
		}
		return nil, mapBadgerErr(err, "tx get %s/%s", collection, id)
	}
	return fromStored(&stored), nil
}

func (t *documentTx) Put(doc *interfaces.Document, expectedVersion uint64) (*interfaces.Document, error) {
	if err := t.track(doc.Collection, doc.ID); err != nil {
		return nil, err
	}
	return t.store.txPut(t.txn, doc, expectedVersion)
}

func (t *documentTx) Delete(collection, id string) error {
	if err := t.track(collection, id); err != nil {
		return err
	}
	err := t.store.db.Store().TxDelete(t.txn, docKey(collection, id), &storedDocument{})
	if err != nil && err != badgerhold.ErrNotFound {
		return mapBadgerErr(err, "tx delete %s/%s", collection, id)
	}
	return nil
}

func (s *DocumentStore) Transaction(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	return s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		return fn(&documentTx{
			store:   s,
			txn:     txn,
			touched: make(map[string]struct{}),
		})
	})
}

func (s *DocumentStore) Close() error {
	return s.db.Close()
}

// mapBadgerErr classifies storage failures. Transaction conflicts are
// retryable; everything else is a backend fault the caller may also retry.
func mapBadgerErr(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if err == badgerdb.ErrConflict {
		return models.WrapError(models.ErrRetryableBackend, err, "%s: transaction conflict", msg)
	}
	return models.WrapError(models.ErrRetryableBackend, err, "%s", msg)
}

// encodeCursor packs a page boundary as base64("unixnano|id").
func encodeCursor(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", models.NewError(models.ErrInvalidRequest, "invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", models.NewError(models.ErrInvalidRequest, "invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", models.NewError(models.ErrInvalidRequest, "invalid cursor")
	}
	return time.Unix(0, nanos).UTC(), parts[1], nil
}
