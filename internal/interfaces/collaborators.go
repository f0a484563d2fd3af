package interfaces

import (
	"context"

	"github.com/ternarybob/conveyor/internal/models"
)

// HintKind classifies how a collaborator run ended, from the
// collaborator's own point of view.
type HintKind string

const (
	HintOK        HintKind = "ok"
	HintRetryable HintKind = "retryable"
	HintTerminal  HintKind = "terminal"
)

// Hint is the collaborator's outcome classification. Err is set for
// retryable and terminal hints.
type Hint struct {
	Kind HintKind
	Err  error
}

// OKHint marks a clean run.
func OKHint() Hint { return Hint{Kind: HintOK} }

// RetryableHint marks a failure worth another attempt (network errors,
// 5xx from the target, transient backends).
func RetryableHint(err error) Hint { return Hint{Kind: HintRetryable, Err: err} }

// TerminalHint marks a failure no retry can fix (validation, permanent
// rejection by the source).
func TerminalHint(err error) Hint { return Hint{Kind: HintTerminal, Err: err} }

// Result is what a collaborator returns: drafted artifacts plus the
// outcome hint. Collaborators are pure with respect to system state --
// the worker uploads blobs and writes records, never the collaborator.
type Result struct {
	Artifacts []models.ArtifactDraft
	Hint      Hint
}

// Scraper fetches and extracts content for scrape jobs.
type Scraper interface {
	Run(ctx context.Context, params *models.ScrapeParameters) (*Result, error)
}

// OCREngine extracts text from PDF documents for ocr jobs.
type OCREngine interface {
	Process(ctx context.Context, params *models.OCRParameters) (*Result, error)
}

// Handler executes one kind of job. The worker resolves the handler from
// the request kind; the two implementations wrap Scraper and OCREngine.
type Handler interface {
	Kind() models.JobKind
	Execute(ctx context.Context, spec *models.JobSpec) (*Result, error)
}
