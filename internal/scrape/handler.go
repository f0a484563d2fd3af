package scrape

import (
	"context"
	"fmt"

	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

// Handler adapts the Scraper collaborator to the worker pool.
type Handler struct {
	scraper interfaces.Scraper
}

var _ interfaces.Handler = (*Handler)(nil)

// NewHandler wraps the scraper for registration.
func NewHandler(scraper interfaces.Scraper) *Handler {
	return &Handler{scraper: scraper}
}

func (h *Handler) Kind() models.JobKind {
	return models.JobKindScrape
}

func (h *Handler) Execute(ctx context.Context, spec *models.JobSpec) (*interfaces.Result, error) {
	if spec.Parameters.Scrape == nil {
		return nil, fmt.Errorf("job %s has no scrape parameters", spec.ID)
	}
	return h.scraper.Run(ctx, spec.Parameters.Scrape)
}
