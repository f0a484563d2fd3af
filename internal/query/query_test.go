package query

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/bus"
	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	badgerstore "github.com/ternarybob/conveyor/internal/storage/badger"
	"github.com/ternarybob/conveyor/internal/storage/blob"
	"github.com/ternarybob/conveyor/internal/storage/records"
)

type testEnv struct {
	query *Service
	store interfaces.MetadataStore
	blobs interfaces.BlobStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := badgerstore.NewBadgerDB(logger, &common.DatabaseConfig{Path: t.TempDir()})
	require.NoError(t, err)
	store := badgerstore.NewDocumentStore(db, logger)
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFilesystemStore(t.TempDir(), logger)
	require.NoError(t, err)

	msgBus := bus.New(db.Badger(), bus.Options{}, common.NewSystemClock(), logger)
	return &testEnv{
		query: NewService(store, msgBus, blobs, logger),
		store: store,
		blobs: blobs,
	}
}

func tenantPrincipal(tenant string) *models.Principal {
	return &models.Principal{ID: "key-" + tenant, TenantID: tenant, Role: models.RoleDeveloper}
}

// seedJob writes a spec and status row directly, bypassing intake.
func (e *testEnv) seedJob(t *testing.T, id, tenant string, kind models.JobKind, status models.JobStatus, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()

	spec := &models.JobSpec{
		ID:       id,
		TenantID: tenant,
		Kind:     kind,
		Parameters: models.Parameters{
			Scrape: &models.ScrapeParameters{URL: "https://example.com/" + id},
		},
		Schedule:  models.Schedule{Once: "now"},
		CreatedAt: createdAt,
	}
	specDoc, err := records.JobDoc(spec)
	require.NoError(t, err)
	_, err = e.store.Put(ctx, specDoc, 0)
	require.NoError(t, err)

	rec := models.NewJobStatusRecord(id, createdAt)
	rec.Status = status
	statusDoc, err := records.StatusDoc(rec)
	require.NoError(t, err)
	_, err = e.store.Put(ctx, statusDoc, 0)
	require.NoError(t, err)
}

func (e *testEnv) seedExecution(t *testing.T, id, jobID, tenant string, attempt int, createdAt time.Time) {
	t.Helper()
	exec := &models.Execution{
		ID:            id,
		JobID:         jobID,
		TenantID:      tenant,
		Kind:          models.JobKindScrape,
		AttemptNumber: attempt,
		State:         models.ExecutionSucceeded,
		CreatedAt:     createdAt,
	}
	doc, err := records.ExecutionDoc(exec)
	require.NoError(t, err)
	_, err = e.store.Put(context.Background(), doc, 0)
	require.NoError(t, err)
}

func TestGetJob(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	e.seedJob(t, "job_1", "tenant-a", models.JobKindScrape, models.JobQueued, now)

	job, err := e.query.GetJob(context.Background(), tenantPrincipal("tenant-a"), "job_1")
	require.NoError(t, err)
	assert.Equal(t, "job_1", job.ID)
	assert.Equal(t, models.JobQueued, job.Status)
}

func TestGetJobCrossTenantLooksAbsent(t *testing.T) {
	e := newTestEnv(t)
	e.seedJob(t, "job_1", "tenant-a", models.JobKindScrape, models.JobQueued, time.Now().UTC())

	_, err := e.query.GetJob(context.Background(), tenantPrincipal("tenant-b"), "job_1")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}

func TestGetJobAdminSeesAllTenants(t *testing.T) {
	e := newTestEnv(t)
	e.seedJob(t, "job_1", "tenant-a", models.JobKindScrape, models.JobQueued, time.Now().UTC())

	admin := &models.Principal{ID: "root", TenantID: "tenant-ops", Role: models.RoleAdmin}
	job, err := e.query.GetJob(context.Background(), admin, "job_1")
	require.NoError(t, err)
	assert.Equal(t, "job_1", job.ID)
}

func TestListJobsNewestFirst(t *testing.T) {
	e := newTestEnv(t)
	base := time.Now().UTC().Add(-time.Hour)
	e.seedJob(t, "job_1", "tenant-a", models.JobKindScrape, models.JobQueued, base)
	e.seedJob(t, "job_2", "tenant-a", models.JobKindScrape, models.JobQueued, base.Add(time.Minute))
	e.seedJob(t, "job_3", "tenant-a", models.JobKindScrape, models.JobQueued, base.Add(2*time.Minute))

	jobs, _, err := e.query.ListJobs(context.Background(), tenantPrincipal("tenant-a"), interfaces.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "job_3", jobs[0].ID)
	assert.Equal(t, "job_1", jobs[2].ID)
}

func TestListJobsTenantIsolation(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	e.seedJob(t, "job_1", "tenant-a", models.JobKindScrape, models.JobQueued, now)
	e.seedJob(t, "job_2", "tenant-b", models.JobKindScrape, models.JobQueued, now)

	jobs, _, err := e.query.ListJobs(context.Background(), tenantPrincipal("tenant-a"), interfaces.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job_1", jobs[0].ID)
}

func TestListJobsKindFilter(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	e.seedJob(t, "job_1", "tenant-a", models.JobKindScrape, models.JobQueued, now)
	e.seedJob(t, "job_2", "tenant-a", models.JobKindOCR, models.JobQueued, now.Add(time.Second))

	jobs, _, err := e.query.ListJobs(context.Background(), tenantPrincipal("tenant-a"), interfaces.JobFilter{
		Kind: string(models.JobKindOCR),
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job_2", jobs[0].ID)
}

func TestListJobsSkipsDedupeAliases(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	e.seedJob(t, "job_1", "tenant-a", models.JobKindScrape, models.JobQueued, now)

	alias := &interfaces.Document{
		Collection: interfaces.CollectionJobs,
		ID:         records.DedupeID("tenant-a", "deadbeef"),
		TenantID:   "tenant-a",
		Kind:       "dedupe_alias",
		CreatedAt:  now,
		Body:       []byte(`{"job_id":"job_1"}`),
	}
	_, err := e.store.Put(context.Background(), alias, 0)
	require.NoError(t, err)

	jobs, _, err := e.query.ListJobs(context.Background(), tenantPrincipal("tenant-a"), interfaces.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job_1", jobs[0].ID)
}

func TestListJobsStateFilter(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	e.seedJob(t, "job_1", "tenant-a", models.JobKindScrape, models.JobQueued, now)
	e.seedJob(t, "job_2", "tenant-a", models.JobKindScrape, models.JobSucceeded, now.Add(time.Second))
	e.seedJob(t, "job_3", "tenant-b", models.JobKindScrape, models.JobSucceeded, now.Add(2*time.Second))

	jobs, _, err := e.query.ListJobs(context.Background(), tenantPrincipal("tenant-a"), interfaces.JobFilter{
		State: string(models.JobSucceeded),
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job_2", jobs[0].ID)
}

func TestListJobsPagination(t *testing.T) {
	e := newTestEnv(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"job_1", "job_2", "job_3", "job_4", "job_5"} {
		e.seedJob(t, id, "tenant-a", models.JobKindScrape, models.JobQueued, base.Add(time.Duration(i)*time.Minute))
	}

	principal := tenantPrincipal("tenant-a")
	var collected []string
	cursor := ""
	for {
		jobs, next, err := e.query.ListJobs(context.Background(), principal, interfaces.JobFilter{
			Limit:  2,
			Cursor: cursor,
		})
		require.NoError(t, err)
		for _, job := range jobs {
			collected = append(collected, job.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"job_5", "job_4", "job_3", "job_2", "job_1"}, collected)
}

func TestGetExecutionTenantIsolation(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	e.seedJob(t, "job_1", "tenant-a", models.JobKindScrape, models.JobSucceeded, now)
	e.seedExecution(t, "exec_1", "job_1", "tenant-a", 1, now)

	exec, err := e.query.GetExecution(context.Background(), tenantPrincipal("tenant-a"), "exec_1")
	require.NoError(t, err)
	assert.Equal(t, "exec_1", exec.ID)

	_, err = e.query.GetExecution(context.Background(), tenantPrincipal("tenant-b"), "exec_1")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}

func TestListExecutionsInAttemptOrder(t *testing.T) {
	e := newTestEnv(t)
	base := time.Now().UTC().Add(-time.Hour)
	e.seedJob(t, "job_1", "tenant-a", models.JobKindScrape, models.JobSucceeded, base)
	e.seedExecution(t, "exec_1", "job_1", "tenant-a", 1, base.Add(time.Minute))
	e.seedExecution(t, "exec_2", "job_1", "tenant-a", 2, base.Add(2*time.Minute))

	executions, _, err := e.query.ListExecutions(context.Background(), tenantPrincipal("tenant-a"), "job_1", "", 0)
	require.NoError(t, err)
	require.Len(t, executions, 2)
	assert.Equal(t, 1, executions[0].AttemptNumber)
	assert.Equal(t, 2, executions[1].AttemptNumber)
}

func TestListExecutionsCrossTenantJob(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	e.seedJob(t, "job_1", "tenant-a", models.JobKindScrape, models.JobSucceeded, now)
	e.seedExecution(t, "exec_1", "job_1", "tenant-a", 1, now)

	_, _, err := e.query.ListExecutions(context.Background(), tenantPrincipal("tenant-b"), "job_1", "", 0)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}

func TestGetArtifactAndStreamBody(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	upload, err := e.blobs.StartUpload(ctx, interfaces.BlobHint{
		TenantID:   "tenant-a",
		Kind:       "scrape",
		ArtifactID: "art_1",
	})
	require.NoError(t, err)
	require.NoError(t, upload.WriteChunk([]byte("# Extracted\n")))
	info, err := upload.Finish()
	require.NoError(t, err)

	artifact := &models.Artifact{
		ID:          "art_1",
		ExecutionID: "exec_1",
		JobID:       "job_1",
		TenantID:    "tenant-a",
		StorageURI:  info.URI,
		ContentType: "text/markdown",
		SizeBytes:   info.SizeBytes,
		SHA256:      info.SHA256,
		CreatedAt:   now,
	}
	doc, err := records.ArtifactDoc(artifact)
	require.NoError(t, err)
	_, err = e.store.Put(ctx, doc, 0)
	require.NoError(t, err)

	got, err := e.query.GetArtifact(ctx, tenantPrincipal("tenant-a"), "art_1")
	require.NoError(t, err)
	assert.Equal(t, info.URI, got.StorageURI)

	meta, reader, err := e.query.StreamArtifactBody(ctx, tenantPrincipal("tenant-a"), "art_1")
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, "art_1", meta.ID)
	body, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "# Extracted\n", string(body))

	_, err = e.query.GetArtifact(ctx, tenantPrincipal("tenant-b"), "art_1")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}

func TestQueueDepthAndDeadLetters(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	depth, err := e.query.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.QueueDepth{}, depth)

	parked, err := e.query.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, parked)
}
