package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/bus"
	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/events"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/recorder"
	badgerstore "github.com/ternarybob/conveyor/internal/storage/badger"
	"github.com/ternarybob/conveyor/internal/storage/blob"
	"github.com/ternarybob/conveyor/internal/storage/records"
)

type schedHarness struct {
	sched *Service
	store interfaces.MetadataStore
	bus   interfaces.MessageBus
	rec   *recorder.Service
	blobs interfaces.BlobStore
	cfg   *common.Config
}

func newSchedHarness(t *testing.T, mutate func(*common.Config)) *schedHarness {
	t.Helper()
	logger := arbor.NewLogger()
	clock := common.NewSystemClock()

	db, err := badgerstore.NewBadgerDB(logger, &common.DatabaseConfig{Path: t.TempDir()})
	require.NoError(t, err)
	store := badgerstore.NewDocumentStore(db, logger)
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFilesystemStore(t.TempDir(), logger)
	require.NoError(t, err)

	eventSvc := events.NewService(logger)
	msgBus := bus.New(db.Badger(), bus.Options{}, clock, logger)
	rec := recorder.NewService(store, eventSvc, clock, logger)

	cfg := &common.Config{
		Scheduler: common.SchedulerConfig{
			TickInterval:     "1s",
			LeaseTTL:         "15s",
			PendingThreshold: "30s",
		},
		Retention: common.RetentionConfig{
			Artifacts:  "1h",
			Executions: "1h",
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	return &schedHarness{
		sched: NewService(cfg, store, msgBus, rec, blobs, eventSvc, clock, logger),
		store: store,
		bus:   msgBus,
		rec:   rec,
		blobs: blobs,
		cfg:   cfg,
	}
}

// seedJob persists a spec and its pending_dispatch status row, the state
// intake leaves behind.
func seedJob(t *testing.T, store interfaces.MetadataStore, jobID string, schedule models.Schedule, mutate func(*models.JobSpec)) *models.JobSpec {
	t.Helper()
	return seedJobAt(t, store, jobID, schedule, time.Now().UTC(), mutate)
}

func seedJobAt(t *testing.T, store interfaces.MetadataStore, jobID string, schedule models.Schedule, at time.Time, mutate func(*models.JobSpec)) *models.JobSpec {
	t.Helper()
	ctx := context.Background()

	spec := &models.JobSpec{
		ID:       jobID,
		TenantID: "tenant-a",
		Kind:     models.JobKindScrape,
		Priority: models.PriorityNormal,
		Parameters: models.Parameters{
			Scrape: &models.ScrapeParameters{URL: "https://example.com"},
		},
		Schedule:    schedule,
		RetryPolicy: models.RetryPolicy{}.Normalize(),
		CreatedAt:   at,
	}
	if mutate != nil {
		mutate(spec)
	}
	specDoc, err := records.JobDoc(spec)
	require.NoError(t, err)
	_, err = store.Put(ctx, specDoc, 0)
	require.NoError(t, err)

	statusDoc, err := records.StatusDoc(models.NewJobStatusRecord(jobID, at))
	require.NoError(t, err)
	_, err = store.Put(ctx, statusDoc, 0)
	require.NoError(t, err)
	return spec
}

func loadStatus(t *testing.T, store interfaces.MetadataStore, jobID string) *models.JobStatusRecord {
	t.Helper()
	doc, err := store.Get(context.Background(), interfaces.CollectionJobStatus, jobID)
	require.NoError(t, err)
	status, err := records.DecodeStatus(doc)
	require.NoError(t, err)
	return status
}

func queueDepth(t *testing.T, h *schedHarness) interfaces.QueueDepth {
	t.Helper()
	depth, err := h.bus.Depth(context.Background(), interfaces.QueueForKind(models.JobKindScrape))
	require.NoError(t, err)
	return depth
}

func TestOnEnqueueDispatchesImmediateJob(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()
	seedJob(t, h.store, "job_1", models.Schedule{Once: "now"}, nil)

	require.NoError(t, h.sched.onEnqueue(ctx, interfaces.Event{JobID: "job_1"}))

	status := loadStatus(t, h.store, "job_1")
	assert.Equal(t, models.JobQueued, status.Status)
	assert.Equal(t, 1, queueDepth(t, h).Ready)

	deliveries, err := h.bus.Pull(ctx, interfaces.QueueForKind(models.JobKindScrape), "test-sub", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	req, err := models.ExecutionRequestFromJSON(deliveries[0].Message.Body)
	require.NoError(t, err)
	assert.Equal(t, "job_1", req.JobID)
	assert.Equal(t, models.DispatchReasonIntake, req.Reason)
}

func TestOnEnqueueRoutesJobToItsKindQueue(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()
	seedJob(t, h.store, "job_ocr", models.Schedule{Once: "now"}, func(spec *models.JobSpec) {
		spec.Kind = models.JobKindOCR
		spec.Parameters = models.Parameters{
			OCR: &models.OCRParameters{SourceURI: "blob://tenant-a/doc.pdf"},
		}
	})

	require.NoError(t, h.sched.onEnqueue(ctx, interfaces.Event{JobID: "job_ocr"}))

	// The request lands on the ocr queue, leaving scrape untouched.
	assert.Equal(t, 0, queueDepth(t, h).Ready)

	deliveries, err := h.bus.Pull(ctx, interfaces.QueueForKind(models.JobKindOCR), "test-sub", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	req, err := models.ExecutionRequestFromJSON(deliveries[0].Message.Body)
	require.NoError(t, err)
	assert.Equal(t, "job_ocr", req.JobID)
}

func TestOnEnqueueParksDelayedJob(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()
	fireAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	seedJob(t, h.store, "job_1", models.Schedule{NotBefore: fireAt.Format(time.RFC3339)}, nil)

	require.NoError(t, h.sched.onEnqueue(ctx, interfaces.Event{JobID: "job_1"}))

	status := loadStatus(t, h.store, "job_1")
	assert.Equal(t, models.JobScheduled, status.Status)
	require.NotNil(t, status.NextFireAt)
	assert.WithinDuration(t, fireAt, *status.NextFireAt, time.Second)
	assert.Zero(t, queueDepth(t, h).Ready)
}

func TestOnEnqueueDispatchesElapsedDelayedJob(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()
	fireAt := time.Now().UTC().Add(-time.Minute)
	seedJob(t, h.store, "job_1", models.Schedule{NotBefore: fireAt.Format(time.RFC3339)}, nil)

	require.NoError(t, h.sched.onEnqueue(ctx, interfaces.Event{JobID: "job_1"}))

	assert.Equal(t, models.JobQueued, loadStatus(t, h.store, "job_1").Status)
	assert.Equal(t, 1, queueDepth(t, h).Ready)
}

func TestOnEnqueueParksCronJob(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()
	seedJob(t, h.store, "job_1", models.Schedule{Cron: "0 * * * *"}, nil)

	require.NoError(t, h.sched.onEnqueue(ctx, interfaces.Event{JobID: "job_1"}))

	status := loadStatus(t, h.store, "job_1")
	assert.Equal(t, models.JobScheduled, status.Status)
	require.NotNil(t, status.NextFireAt)
	assert.True(t, status.NextFireAt.After(time.Now().UTC()))
	assert.Zero(t, queueDepth(t, h).Ready)
}

func TestTickDispatchesDueJobs(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)

	fireAt := past.Format(time.RFC3339)
	seedJob(t, h.store, "job_a", models.Schedule{NotBefore: fireAt}, nil)
	seedJob(t, h.store, "job_b", models.Schedule{NotBefore: fireAt}, func(spec *models.JobSpec) {
		spec.Priority = models.PriorityHigh
	})
	require.NoError(t, h.rec.MarkScheduled(ctx, "job_a", past))
	require.NoError(t, h.rec.MarkScheduled(ctx, "job_b", past))

	// A parked job whose fire time has not arrived stays put.
	future := time.Now().UTC().Add(time.Hour)
	seedJob(t, h.store, "job_c", models.Schedule{NotBefore: future.Format(time.RFC3339)}, nil)
	require.NoError(t, h.rec.MarkScheduled(ctx, "job_c", future))

	h.sched.tick(ctx)

	assert.Equal(t, models.JobQueued, loadStatus(t, h.store, "job_a").Status)
	assert.Equal(t, models.JobQueued, loadStatus(t, h.store, "job_b").Status)
	assert.Equal(t, models.JobScheduled, loadStatus(t, h.store, "job_c").Status)
	assert.Equal(t, 2, queueDepth(t, h).Ready)

	// The high priority job comes off the queue first.
	deliveries, err := h.bus.Pull(ctx, interfaces.QueueForKind(models.JobKindScrape), "test-sub", 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "job_b", deliveries[0].Message.JobID)
}

func TestTickAdvancesCronSchedule(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)

	seedJob(t, h.store, "job_1", models.Schedule{Cron: "*/5 * * * *"}, nil)
	require.NoError(t, h.rec.MarkScheduled(ctx, "job_1", past))

	h.sched.tick(ctx)

	status := loadStatus(t, h.store, "job_1")
	assert.Equal(t, models.JobQueued, status.Status)
	require.NotNil(t, status.NextFireAt)
	assert.True(t, status.NextFireAt.After(time.Now().UTC().Add(-time.Second)),
		"next fire should have advanced past the fired slot")
	assert.Equal(t, 1, queueDepth(t, h).Ready)
}

func TestTickSkipsCancelledJob(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)

	seedJob(t, h.store, "job_1", models.Schedule{NotBefore: past.Format(time.RFC3339)}, nil)
	require.NoError(t, h.rec.MarkScheduled(ctx, "job_1", past))
	_, err := h.rec.RequestCancel(ctx, "job_1")
	require.NoError(t, err)

	h.sched.tick(ctx)

	assert.Equal(t, models.JobCancelled, loadStatus(t, h.store, "job_1").Status)
	assert.Zero(t, queueDepth(t, h).Ready)
}

func TestLeaseElection(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()

	h.sched.tryAcquire(ctx)
	assert.True(t, h.sched.IsLeader())

	rival := NewService(h.cfg, h.store, h.bus, h.rec, h.blobs, events.NewService(arbor.NewLogger()), common.NewSystemClock(), arbor.NewLogger())
	rival.instanceID = "rival-1"
	rival.tryAcquire(ctx)
	assert.False(t, rival.IsLeader())

	// The holder stepping down frees the lease for the rival.
	h.sched.releaseLease()
	rival.tryAcquire(ctx)
	assert.True(t, rival.IsLeader())
}

func TestLeaseTakeoverAfterExpiry(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()

	h.sched.tryAcquire(ctx)
	require.True(t, h.sched.IsLeader())

	rival := NewService(h.cfg, h.store, h.bus, h.rec, h.blobs, events.NewService(arbor.NewLogger()), common.NewSystemClock(), arbor.NewLogger())
	rival.instanceID = "rival-1"
	rival.leaseTTL = time.Nanosecond

	rival.tryAcquire(ctx)
	assert.True(t, rival.IsLeader())

	// The deposed holder notices on its next renewal.
	h.sched.tryAcquire(ctx)
	assert.False(t, h.sched.IsLeader())
}

func TestRecoverySweepRedispatchesStuckJob(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()

	// Stuck long past the pending threshold: the enqueue event was lost.
	seedJobAt(t, h.store, "job_1", models.Schedule{Once: "now"}, time.Now().UTC().Add(-2*time.Minute), nil)

	h.sched.recoverySweep(ctx)

	assert.Equal(t, models.JobQueued, loadStatus(t, h.store, "job_1").Status)
	assert.Equal(t, 1, queueDepth(t, h).Ready)
}

func TestRecoverySweepLeavesFreshJobs(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()
	seedJob(t, h.store, "job_1", models.Schedule{Once: "now"}, nil)

	h.sched.recoverySweep(ctx)

	assert.Equal(t, models.JobPendingDispatch, loadStatus(t, h.store, "job_1").Status)
	assert.Zero(t, queueDepth(t, h).Ready)
}

func TestRecoverySweepParksLostCronJob(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()
	seedJobAt(t, h.store, "job_1", models.Schedule{Cron: "0 * * * *"}, time.Now().UTC().Add(-2*time.Minute), nil)

	h.sched.recoverySweep(ctx)

	status := loadStatus(t, h.store, "job_1")
	assert.Equal(t, models.JobScheduled, status.Status)
	require.NotNil(t, status.NextFireAt)
	assert.Zero(t, queueDepth(t, h).Ready)
}

func TestRetentionSweepPurgesExpired(t *testing.T) {
	h := newSchedHarness(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	upload, err := h.blobs.StartUpload(ctx, interfaces.BlobHint{
		TenantID:    "tenant-a",
		Kind:        "scrape",
		ArtifactID:  "art_old",
		ContentType: "text/markdown",
	})
	require.NoError(t, err)
	require.NoError(t, upload.WriteChunk([]byte("# stale\n")))
	info, err := upload.Finish()
	require.NoError(t, err)

	putArtifact := func(id string, createdAt time.Time, uri string) {
		doc, err := records.ArtifactDoc(&models.Artifact{
			ID:          id,
			ExecutionID: "exec_1",
			JobID:       "job_1",
			TenantID:    "tenant-a",
			StorageURI:  uri,
			ContentType: "text/markdown",
			CreatedAt:   createdAt,
			Sealed:      true,
		})
		require.NoError(t, err)
		_, err = h.store.Put(ctx, doc, 0)
		require.NoError(t, err)
	}
	putArtifact("art_old", now.Add(-2*time.Hour), info.URI)
	putArtifact("art_fresh", now, "")

	putExecution := func(id string, state models.ExecutionState, createdAt time.Time) {
		doc, err := records.ExecutionDoc(&models.Execution{
			ID:        id,
			JobID:     "job_1",
			TenantID:  "tenant-a",
			Kind:      models.JobKindScrape,
			State:     state,
			CreatedAt: createdAt,
		})
		require.NoError(t, err)
		_, err = h.store.Put(ctx, doc, 0)
		require.NoError(t, err)
	}
	putExecution("exec_old_done", models.ExecutionSucceeded, now.Add(-2*time.Hour))
	putExecution("exec_old_running", models.ExecutionRunning, now.Add(-2*time.Hour))
	putExecution("exec_fresh", models.ExecutionSucceeded, now)

	h.sched.retentionSweep(ctx)

	_, err = h.store.Get(ctx, interfaces.CollectionArtifacts, "art_old")
	assert.True(t, models.IsKind(err, models.ErrNotFound))
	_, err = h.store.Get(ctx, interfaces.CollectionArtifacts, "art_fresh")
	assert.NoError(t, err)

	_, err = h.store.Get(ctx, interfaces.CollectionExecutions, "exec_old_done")
	assert.True(t, models.IsKind(err, models.ErrNotFound))
	_, err = h.store.Get(ctx, interfaces.CollectionExecutions, "exec_old_running")
	assert.NoError(t, err)
	_, err = h.store.Get(ctx, interfaces.CollectionExecutions, "exec_fresh")
	assert.NoError(t, err)
}
