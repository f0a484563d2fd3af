// -----------------------------------------------------------------------
// OCR - text extraction from PDF documents with confidence scoring
// -----------------------------------------------------------------------

package ocr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/render"
)

// Engine implements interfaces.OCREngine over pdfcpu. The document is
// validated, paged, and its text content extracted; a printable-ratio
// confidence score below the job's quality threshold fails the attempt
// as retryable so a transiently garbled source gets another shot.
type Engine struct {
	blobs    interfaces.BlobStore
	renderer *render.Service
	client   *http.Client
	maxPages int
	minChars int
	tempDir  string
	logger   arbor.ILogger
}

var _ interfaces.OCREngine = (*Engine)(nil)

// NewEngine creates the OCR engine.
func NewEngine(cfg common.OCRConfig, blobs interfaces.BlobStore, renderer *render.Service, logger arbor.ILogger) *Engine {
	tempDir := filepath.Join(os.TempDir(), "conveyor-ocr")
	os.MkdirAll(tempDir, 0755)

	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 500
	}
	minChars := cfg.MinTextChars
	if minChars <= 0 {
		minChars = 16
	}
	return &Engine{
		blobs:    blobs,
		renderer: renderer,
		client:   &http.Client{},
		maxPages: maxPages,
		minChars: minChars,
		tempDir:  tempDir,
		logger:   logger,
	}
}

// Process fetches the source document, extracts text, and drafts the
// text artifact plus the optional searchable PDF rendition.
func (e *Engine) Process(ctx context.Context, params *models.OCRParameters) (*interfaces.Result, error) {
	content, hint := e.fetchSource(ctx, params.SourceURI)
	if hint.Kind != interfaces.HintOK {
		return &interfaces.Result{Hint: hint}, nil
	}

	tempFile := filepath.Join(e.tempDir, fmt.Sprintf("ocr_%d_%s.pdf", os.Getpid(), common.NewTraceID()[:8]))
	if err := os.WriteFile(tempFile, content, 0644); err != nil {
		return &interfaces.Result{Hint: interfaces.RetryableHint(fmt.Errorf("write temp file: %w", err))}, nil
	}
	defer os.Remove(tempFile)

	conf := model.NewDefaultConfiguration()
	if err := api.ValidateFile(tempFile, conf); err != nil {
		return &interfaces.Result{
			Hint: interfaces.TerminalHint(fmt.Errorf("document is not a valid PDF: %w", err)),
		}, nil
	}

	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return &interfaces.Result{
			Hint: interfaces.TerminalHint(fmt.Errorf("read document: %w", err)),
		}, nil
	}
	if pdfCtx.Encrypt != nil {
		return &interfaces.Result{
			Hint: interfaces.TerminalHint(fmt.Errorf("document is encrypted")),
		}, nil
	}
	pageCount := pdfCtx.PageCount
	if pageCount == 0 {
		return &interfaces.Result{
			Hint: interfaces.TerminalHint(fmt.Errorf("document has no pages")),
		}, nil
	}
	if pageCount > e.maxPages {
		return &interfaces.Result{
			Hint: interfaces.TerminalHint(fmt.Errorf("document has %d pages, limit is %d", pageCount, e.maxPages)),
		}, nil
	}

	first, last, err := parsePageRange(params.PageRange, pageCount)
	if err != nil {
		return &interfaces.Result{Hint: interfaces.TerminalHint(err)}, nil
	}

	pages, err := e.extractPages(tempFile, conf, first, last, pageCount)
	if err != nil {
		return &interfaces.Result{
			Hint: interfaces.RetryableHint(fmt.Errorf("extract content: %w", err)),
		}, nil
	}

	confidence := e.scoreConfidence(pages)
	threshold := params.QualityThreshold
	if threshold == 0 {
		threshold = models.DefaultOCRQualityThreshold
	}
	if confidence < threshold {
		return &interfaces.Result{
			Hint: interfaces.RetryableHint(
				fmt.Errorf("extraction confidence %.2f below threshold %.2f", confidence, threshold)),
		}, nil
	}

	language := params.Language
	if language == "" {
		language = models.DefaultOCRLanguage
	}

	var full strings.Builder
	for i, page := range pages {
		if i > 0 {
			full.WriteString("\n\n")
		}
		full.WriteString(page)
	}

	meta := map[string]interface{}{
		"source_uri":     params.SourceURI,
		"page_count":     pageCount,
		"pages_scanned":  len(pages),
		"language":       language,
		"ocr_confidence": confidence,
	}
	result := &interfaces.Result{
		Artifacts: []models.ArtifactDraft{{
			Name:        "text.txt",
			ContentType: "text/plain; charset=utf-8",
			Data:        []byte(full.String()),
			Metadata:    meta,
		}},
		Hint: interfaces.OKHint(),
	}

	if params.SearchablePDF {
		pdf, err := e.renderer.TextToPDF(filepath.Base(params.SourceURI), pages)
		if err != nil {
			e.logger.Warn().Str("source_uri", params.SourceURI).Err(err).Msg("Searchable PDF rendition failed")
		} else {
			result.Artifacts = append(result.Artifacts, models.ArtifactDraft{
				Name:        "searchable.pdf",
				ContentType: "application/pdf",
				Data:        pdf,
				Metadata:    meta,
			})
		}
	}
	return result, nil
}

// fetchSource resolves the document bytes from blob storage or HTTP.
func (e *Engine) fetchSource(ctx context.Context, uri string) ([]byte, interfaces.Hint) {
	switch {
	case strings.HasPrefix(uri, "blob://"):
		reader, err := e.blobs.OpenRead(ctx, uri)
		if err != nil {
			if models.IsKind(err, models.ErrNotFound) {
				return nil, interfaces.TerminalHint(err)
			}
			return nil, interfaces.RetryableHint(err)
		}
		defer reader.Close()
		content, err := io.ReadAll(reader)
		if err != nil {
			return nil, interfaces.RetryableHint(err)
		}
		return content, interfaces.OKHint()

	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, interfaces.TerminalHint(err)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, interfaces.RetryableHint(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, interfaces.RetryableHint(fmt.Errorf("source returned status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, interfaces.TerminalHint(fmt.Errorf("source returned status %d", resp.StatusCode))
		}
		content, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, interfaces.RetryableHint(err)
		}
		return content, interfaces.OKHint()

	default:
		return nil, interfaces.TerminalHint(fmt.Errorf("unsupported source uri %q", uri))
	}
}

// extractPages extracts the text content of the selected page window.
// pdfcpu writes one content file per page; missing files score as empty
// pages rather than failing the run.
func (e *Engine) extractPages(tempFile string, conf *model.Configuration, first, last, pageCount int) ([]string, error) {
	outDir := filepath.Join(e.tempDir, fmt.Sprintf("pages_%d_%s", os.Getpid(), common.NewTraceID()[:8]))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	defer os.RemoveAll(outDir)

	if err := api.ExtractContentFile(tempFile, outDir, nil, conf); err != nil {
		return nil, err
	}

	pageTexts := make(map[int]string, pageCount)
	files, _ := os.ReadDir(outDir)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, file.Name()))
		if err != nil {
			continue
		}
		pageNum, ok := pageNumber(file.Name())
		if !ok {
			continue
		}
		pageTexts[pageNum] = printableText(content)
	}

	pages := make([]string, 0, last-first+1)
	for pageNum := first; pageNum <= last; pageNum++ {
		pages = append(pages, pageTexts[pageNum])
	}
	return pages, nil
}

// scoreConfidence is the printable-ratio heuristic: the share of pages
// whose extracted text clears the minimum character floor, scaled by
// the overall printable density.
func (e *Engine) scoreConfidence(pages []string) float64 {
	if len(pages) == 0 {
		return 0
	}
	populated := 0
	printable, total := 0, 0
	for _, page := range pages {
		if len(strings.TrimSpace(page)) >= e.minChars {
			populated++
		}
		for _, r := range page {
			total++
			if unicode.IsPrint(r) || unicode.IsSpace(r) {
				printable++
			}
		}
	}
	coverage := float64(populated) / float64(len(pages))
	if total == 0 {
		return 0
	}
	density := float64(printable) / float64(total)
	return coverage * density
}

// pageNumber pulls the page index out of an extracted content file name.
// pdfcpu names them <input>_Content_page_<n>.txt, with the input base
// varying by caller.
func pageNumber(name string) (int, bool) {
	idx := strings.LastIndex(name, "page_")
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimPrefix(name[idx:], "page_")
	rest = strings.TrimSuffix(rest, filepath.Ext(rest))
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// printableText strips raw content-stream bytes that survive
// extraction down to displayable text.
func printableText(content []byte) string {
	var sb strings.Builder
	sb.Grow(len(content))
	for _, r := range string(content) {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// parsePageRange parses "N" or "N-M" (1-indexed, inclusive), clamped to
// the document.
func parsePageRange(spec string, pageCount int) (int, int, error) {
	if strings.TrimSpace(spec) == "" {
		return 1, pageCount, nil
	}
	parts := strings.SplitN(spec, "-", 2)
	first, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid page range %q", spec)
	}
	last := first
	if len(parts) == 2 {
		last, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid page range %q", spec)
		}
	}
	if first < 1 {
		first = 1
	}
	if last > pageCount {
		last = pageCount
	}
	if first > last {
		return 0, 0, fmt.Errorf("page range %q is empty for a %d page document", spec, pageCount)
	}
	return first, last, nil
}
