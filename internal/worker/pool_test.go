package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/bus"
	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/recorder"
	badgerstore "github.com/ternarybob/conveyor/internal/storage/badger"
	"github.com/ternarybob/conveyor/internal/storage/blob"
	"github.com/ternarybob/conveyor/internal/storage/records"
)

// stubHandler is a canned interfaces.Handler. Execute delegates to run
// when set, otherwise returns result as-is.
type stubHandler struct {
	kind   models.JobKind
	result *interfaces.Result
	run    func(ctx context.Context, spec *models.JobSpec) (*interfaces.Result, error)
}

func (h *stubHandler) Kind() models.JobKind { return h.kind }

func (h *stubHandler) Execute(ctx context.Context, spec *models.JobSpec) (*interfaces.Result, error) {
	if h.run != nil {
		return h.run(ctx, spec)
	}
	return h.result, nil
}

type poolHarness struct {
	pool  *Pool
	store interfaces.MetadataStore
	bus   interfaces.MessageBus
	rec   *recorder.Service
}

func newPoolHarness(t *testing.T) *poolHarness {
	t.Helper()
	logger := arbor.NewLogger()
	clock := common.NewSystemClock()

	db, err := badgerstore.NewBadgerDB(logger, &common.DatabaseConfig{Path: t.TempDir()})
	require.NoError(t, err)
	store := badgerstore.NewDocumentStore(db, logger)
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFilesystemStore(t.TempDir(), logger)
	require.NoError(t, err)

	msgBus := bus.New(db.Badger(), bus.Options{}, clock, logger)
	rec := recorder.NewService(store, nil, clock, logger)

	cfg := &common.Config{
		Worker: common.WorkerConfig{
			ID:            "worker-test",
			Slots:         1,
			ShutdownGrace: "2s",
			CancelGrace:   "200ms",
			ScrapeTimeout: "5s",
			OCRTimeout:    "5s",
		},
		Queue: common.QueueConfig{
			AckDeadline:  "2s",
			PollInterval: "10ms",
		},
	}

	return &poolHarness{
		pool:  NewPool(cfg, msgBus, store, rec, blobs, clock, logger),
		store: store,
		bus:   msgBus,
		rec:   rec,
	}
}

// seedJob writes a spec and its initial status row, the state a submit
// leaves behind before dispatch.
func seedJob(t *testing.T, store interfaces.MetadataStore, jobID string) *models.JobSpec {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	spec := &models.JobSpec{
		ID:       jobID,
		TenantID: "tenant-a",
		Kind:     models.JobKindScrape,
		Priority: models.PriorityNormal,
		Parameters: models.Parameters{
			Scrape: &models.ScrapeParameters{URL: "https://example.com"},
		},
		Schedule:    models.Schedule{Once: "now"},
		RetryPolicy: models.RetryPolicy{}.Normalize(),
		CreatedAt:   now,
	}
	specDoc, err := records.JobDoc(spec)
	require.NoError(t, err)
	_, err = store.Put(ctx, specDoc, 0)
	require.NoError(t, err)

	statusDoc, err := records.StatusDoc(models.NewJobStatusRecord(jobID, now))
	require.NoError(t, err)
	_, err = store.Put(ctx, statusDoc, 0)
	require.NoError(t, err)
	return spec
}

// dispatch mirrors the scheduler's hand-off: allocate the attempt, then
// publish the execution request.
func dispatch(t *testing.T, h *poolHarness, spec *models.JobSpec) {
	t.Helper()
	ctx := context.Background()

	_, err := h.rec.RecordDispatched(ctx, spec, time.Now().UTC(), models.DispatchReasonIntake)
	require.NoError(t, err)

	req := models.NewExecutionRequest(spec, time.Now().UTC(), models.DispatchReasonIntake)
	body, err := req.ToJSON()
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(ctx, &interfaces.Message{
		ID:          "msg_" + spec.ID,
		Queue:       interfaces.QueueForKind(models.JobKindScrape),
		JobID:       spec.ID,
		Body:        body,
		Priority:    spec.Priority,
		RetryPolicy: spec.RetryPolicy,
	}))
	require.NoError(t, h.rec.MarkQueued(ctx, spec.ID))
}

// pull leases the single outstanding delivery for direct process calls.
func pull(t *testing.T, h *poolHarness) *interfaces.Delivery {
	t.Helper()
	deliveries, err := h.bus.Pull(context.Background(), interfaces.QueueForKind(models.JobKindScrape), "test-sub", 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	return deliveries[0]
}

func jobStatus(t *testing.T, h *poolHarness, jobID string) *models.JobStatusRecord {
	t.Helper()
	doc, err := h.store.Get(context.Background(), interfaces.CollectionJobStatus, jobID)
	require.NoError(t, err)
	status, err := records.DecodeStatus(doc)
	require.NoError(t, err)
	return status
}

func TestProcessSuccessStoresArtifacts(t *testing.T) {
	h := newPoolHarness(t)
	ctx := context.Background()
	spec := seedJob(t, h.store, "job_1")
	dispatch(t, h, spec)

	h.pool.RegisterHandler(&stubHandler{
		kind: models.JobKindScrape,
		result: &interfaces.Result{
			Hint: interfaces.OKHint(),
			Artifacts: []models.ArtifactDraft{{
				Name:        "content.md",
				ContentType: "text/markdown",
				Data:        []byte("# Extracted\n"),
				Metadata:    map[string]interface{}{"source_url": "https://example.com"},
			}},
		},
	})

	h.pool.process(pull(t, h))

	status := jobStatus(t, h, "job_1")
	assert.Equal(t, models.JobSucceeded, status.Status)

	docs, _, err := h.store.Query(ctx, interfaces.DocumentQuery{
		Collection: interfaces.CollectionArtifacts,
		Parent:     status.CurrentExecutionID,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	artifact, err := records.DecodeArtifact(docs[0])
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", artifact.ContentType)
	assert.NotEmpty(t, artifact.StorageURI)
	assert.NotEmpty(t, artifact.SHA256)
	assert.Equal(t, "content.md", artifact.Metadata["name"])
	assert.True(t, artifact.Sealed)

	depth, err := h.bus.Depth(ctx, interfaces.QueueForKind(models.JobKindScrape))
	require.NoError(t, err)
	assert.Zero(t, depth.Ready+depth.Inflight+depth.Delayed)
}

func TestProcessTerminalFailureAcks(t *testing.T) {
	h := newPoolHarness(t)
	spec := seedJob(t, h.store, "job_1")
	dispatch(t, h, spec)

	h.pool.RegisterHandler(&stubHandler{
		kind: models.JobKindScrape,
		result: &interfaces.Result{
			Hint: interfaces.TerminalHint(errors.New("selector matched nothing")),
		},
	})

	h.pool.process(pull(t, h))

	status := jobStatus(t, h, "job_1")
	assert.Equal(t, models.JobFailed, status.Status)
	assert.Contains(t, status.LastError, "selector matched nothing")

	depth, err := h.bus.Depth(context.Background(), interfaces.QueueForKind(models.JobKindScrape))
	require.NoError(t, err)
	assert.Zero(t, depth.Ready+depth.Inflight+depth.Delayed)
}

func TestProcessRetryableFailureNacks(t *testing.T) {
	h := newPoolHarness(t)
	spec := seedJob(t, h.store, "job_1")
	dispatch(t, h, spec)

	h.pool.RegisterHandler(&stubHandler{
		kind: models.JobKindScrape,
		result: &interfaces.Result{
			Hint: interfaces.RetryableHint(errors.New("connection reset")),
		},
	})

	h.pool.process(pull(t, h))

	// The job goes back to queued and the delivery redelivers after backoff.
	status := jobStatus(t, h, "job_1")
	assert.Equal(t, models.JobQueued, status.Status)

	depth, err := h.bus.Depth(context.Background(), interfaces.QueueForKind(models.JobKindScrape))
	require.NoError(t, err)
	assert.Zero(t, depth.Inflight)
	assert.Equal(t, 1, depth.Ready+depth.Delayed)
}

func TestProcessWithoutHandlerIsTerminal(t *testing.T) {
	h := newPoolHarness(t)
	spec := seedJob(t, h.store, "job_1")
	dispatch(t, h, spec)

	h.pool.process(pull(t, h))

	status := jobStatus(t, h, "job_1")
	assert.Equal(t, models.JobFailed, status.Status)
	assert.Contains(t, status.LastError, "no handler registered")
}

func TestProcessMalformedPayloadNacks(t *testing.T) {
	h := newPoolHarness(t)
	ctx := context.Background()

	require.NoError(t, h.bus.Publish(ctx, &interfaces.Message{
		ID:    "msg_poison",
		Queue: interfaces.QueueForKind(models.JobKindScrape),
		JobID: "job_x",
		Body:  []byte("{not json"),
	}))

	h.pool.process(pull(t, h))

	depth, err := h.bus.Depth(ctx, interfaces.QueueForKind(models.JobKindScrape))
	require.NoError(t, err)
	assert.Zero(t, depth.Inflight)
	assert.Equal(t, 1, depth.Ready+depth.Delayed)
}

func TestProcessCancelledJobDropsDelivery(t *testing.T) {
	h := newPoolHarness(t)
	ctx := context.Background()
	spec := seedJob(t, h.store, "job_1")
	dispatch(t, h, spec)

	_, err := h.rec.RequestCancel(ctx, "job_1")
	require.NoError(t, err)

	h.pool.process(pull(t, h))

	status := jobStatus(t, h, "job_1")
	assert.Equal(t, models.JobCancelled, status.Status)

	depth, err := h.bus.Depth(ctx, interfaces.QueueForKind(models.JobKindScrape))
	require.NoError(t, err)
	assert.Zero(t, depth.Ready+depth.Inflight+depth.Delayed)
}

func TestProcessHandlerTimeoutIsRetryable(t *testing.T) {
	h := newPoolHarness(t)
	spec := seedJob(t, h.store, "job_1")
	spec.Timeout = models.Duration(50 * time.Millisecond)
	dispatch(t, h, spec)

	h.pool.RegisterHandler(&stubHandler{
		kind: models.JobKindScrape,
		run: func(ctx context.Context, _ *models.JobSpec) (*interfaces.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	h.pool.process(pull(t, h))

	status := jobStatus(t, h, "job_1")
	assert.Equal(t, models.JobQueued, status.Status)
	assert.Contains(t, status.LastError, "deadline")
}

func TestPoolRunsDeliveryEndToEnd(t *testing.T) {
	h := newPoolHarness(t)
	spec := seedJob(t, h.store, "job_1")

	h.pool.RegisterHandler(&stubHandler{
		kind: models.JobKindScrape,
		result: &interfaces.Result{
			Hint: interfaces.OKHint(),
			Artifacts: []models.ArtifactDraft{{
				Name:        "content.md",
				ContentType: "text/markdown",
				Data:        []byte("# hello\n"),
			}},
		},
	})

	require.NoError(t, h.pool.Start())
	t.Cleanup(func() { h.pool.Stop() })

	dispatch(t, h, spec)

	require.Eventually(t, func() bool {
		return jobStatus(t, h, "job_1").Status == models.JobSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, h.pool.Stop())
}
