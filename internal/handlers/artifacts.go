package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/interfaces"
)

// ArtifactHandler serves artifact metadata and body streams.
type ArtifactHandler struct {
	query  interfaces.QueryService
	logger arbor.ILogger
}

// NewArtifactHandler creates the artifact handler.
func NewArtifactHandler(query interfaces.QueryService, logger arbor.ILogger) *ArtifactHandler {
	return &ArtifactHandler{
		query:  query,
		logger: logger,
	}
}

// GetHandler handles GET /v1/artifacts/{id}.
func (h *ArtifactHandler) GetHandler(w http.ResponseWriter, r *http.Request, artifactID string) {
	artifact, err := h.query.GetArtifact(r.Context(), PrincipalFrom(r.Context()), artifactID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, artifact)
}

// BodyHandler handles GET /v1/artifacts/{id}/body, streaming the blob.
func (h *ArtifactHandler) BodyHandler(w http.ResponseWriter, r *http.Request, artifactID string) {
	artifact, reader, err := h.query.StreamArtifactBody(r.Context(), PrincipalFrom(r.Context()), artifactID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
	w.Header().Set("ETag", `"`+artifact.SHA256+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Warn().Str("artifact_id", artifactID).Err(err).Msg("Artifact stream interrupted")
	}
}
