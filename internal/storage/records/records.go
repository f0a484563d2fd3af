// -----------------------------------------------------------------------
// Records - typed codecs between domain models and document envelopes
// -----------------------------------------------------------------------

package records

import (
	"encoding/json"

	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

// DedupeID derives the jobs-collection alias used for idempotent
// submission: one extra document keyed by tenant+hash pointing at the
// canonical job id.
func DedupeID(tenantID, configHash string) string {
	return "dedupe/" + tenantID + "/" + configHash
}

// JobDoc wraps an immutable JobSpec for the jobs collection.
func JobDoc(spec *models.JobSpec) (*interfaces.Document, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "failed to encode job %s", spec.ID)
	}
	return &interfaces.Document{
		Collection: interfaces.CollectionJobs,
		ID:         spec.ID,
		TenantID:   spec.TenantID,
		Kind:       string(spec.Kind),
		CreatedAt:  spec.CreatedAt,
		Body:       body,
	}, nil
}

// DecodeJob unwraps a jobs-collection document.
func DecodeJob(doc *interfaces.Document) (*models.JobSpec, error) {
	var spec models.JobSpec
	if err := json.Unmarshal(doc.Body, &spec); err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "corrupt job document %s", doc.ID)
	}
	return &spec, nil
}

// StatusDoc wraps a JobStatusRecord. The envelope state mirrors the
// record status so queries can filter without decoding bodies; the
// version rides on the envelope for the optimistic lock.
func StatusDoc(rec *models.JobStatusRecord) (*interfaces.Document, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "failed to encode status for %s", rec.JobID)
	}
	return &interfaces.Document{
		Collection: interfaces.CollectionJobStatus,
		ID:         rec.JobID,
		State:      string(rec.Status),
		Parent:     rec.JobID,
		UpdatedAt:  rec.UpdatedAt,
		Body:       body,
	}, nil
}

// DecodeStatus unwraps a job_status document, carrying the envelope
// version into the record for CAS writes.
func DecodeStatus(doc *interfaces.Document) (*models.JobStatusRecord, error) {
	var rec models.JobStatusRecord
	if err := json.Unmarshal(doc.Body, &rec); err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "corrupt status document %s", doc.ID)
	}
	rec.Version = doc.Version
	return &rec, nil
}

// ExecutionDoc wraps an Execution. Parent is the owning job so
// ListExecutions is a parent query.
func ExecutionDoc(exec *models.Execution) (*interfaces.Document, error) {
	body, err := json.Marshal(exec)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "failed to encode execution %s", exec.ID)
	}
	return &interfaces.Document{
		Collection: interfaces.CollectionExecutions,
		ID:         exec.ID,
		TenantID:   exec.TenantID,
		Kind:       string(exec.Kind),
		State:      string(exec.State),
		Parent:     exec.JobID,
		CreatedAt:  exec.CreatedAt,
		Body:       body,
	}, nil
}

// DecodeExecution unwraps an executions document.
func DecodeExecution(doc *interfaces.Document) (*models.Execution, error) {
	var exec models.Execution
	if err := json.Unmarshal(doc.Body, &exec); err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "corrupt execution document %s", doc.ID)
	}
	exec.Version = doc.Version
	return &exec, nil
}

// ArtifactDoc wraps an Artifact. Parent is the owning execution.
func ArtifactDoc(artifact *models.Artifact) (*interfaces.Document, error) {
	body, err := json.Marshal(artifact)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "failed to encode artifact %s", artifact.ID)
	}
	return &interfaces.Document{
		Collection: interfaces.CollectionArtifacts,
		ID:         artifact.ID,
		TenantID:   artifact.TenantID,
		Parent:     artifact.ExecutionID,
		CreatedAt:  artifact.CreatedAt,
		Body:       body,
	}, nil
}

// DecodeArtifact unwraps an artifacts document.
func DecodeArtifact(doc *interfaces.Document) (*models.Artifact, error) {
	var artifact models.Artifact
	if err := json.Unmarshal(doc.Body, &artifact); err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "corrupt artifact document %s", doc.ID)
	}
	return &artifact, nil
}
