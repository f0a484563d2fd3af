package ocr

import (
	"context"
	"fmt"

	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

// Handler adapts the OCREngine collaborator to the worker pool.
type Handler struct {
	engine interfaces.OCREngine
}

var _ interfaces.Handler = (*Handler)(nil)

// NewHandler wraps the engine for registration.
func NewHandler(engine interfaces.OCREngine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) Kind() models.JobKind {
	return models.JobKindOCR
}

func (h *Handler) Execute(ctx context.Context, spec *models.JobSpec) (*interfaces.Result, error) {
	if spec.Parameters.OCR == nil {
		return nil, fmt.Errorf("job %s has no ocr parameters", spec.ID)
	}
	return h.engine.Process(ctx, spec.Parameters.OCR)
}
