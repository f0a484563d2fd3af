// -----------------------------------------------------------------------
// Scrape - fetch, extract, and convert web content to markdown
// -----------------------------------------------------------------------

package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/render"
)

// Scraper implements interfaces.Scraper. The static path fetches over
// net/http and extracts with goquery; render_js switches to a headless
// browser before the same extraction pipeline. The scraper never
// touches system state: it returns artifact drafts and an outcome hint.
type Scraper struct {
	client       *http.Client
	renderer     *render.Service
	browser      PageRenderer
	userAgent    string
	maxBodyBytes int64
	renderWait   time.Duration
	logger       arbor.ILogger
}

var _ interfaces.Scraper = (*Scraper)(nil)

// PageRenderer fetches a URL through a JS-capable browser, returning
// the settled DOM. Factored out so tests run without Chrome.
type PageRenderer interface {
	RenderPage(ctx context.Context, url, userAgent string, wait time.Duration) (string, error)
}

// NewScraper creates the scraper from config.
func NewScraper(cfg common.ScraperConfig, renderer *render.Service, browser PageRenderer, logger arbor.ILogger) *Scraper {
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 5
	}
	client := &http.Client{
		Timeout: common.ParseDurationOr(cfg.RequestTimeout, 30*time.Second),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 * 1024 * 1024
	}
	return &Scraper{
		client:       client,
		renderer:     renderer,
		browser:      browser,
		userAgent:    cfg.UserAgent,
		maxBodyBytes: maxBody,
		renderWait:   common.ParseDurationOr(cfg.RenderWait, 2*time.Second),
		logger:       logger,
	}
}

// Run fetches the page, extracts the selected content, and drafts a
// markdown artifact (plus an optional PDF rendition).
func (s *Scraper) Run(ctx context.Context, params *models.ScrapeParameters) (*interfaces.Result, error) {
	target, err := url.Parse(params.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return &interfaces.Result{
			Hint: interfaces.TerminalHint(fmt.Errorf("unsupported url %q", params.URL)),
		}, nil
	}

	html, hint := s.fetch(ctx, params)
	if hint.Kind != interfaces.HintOK {
		return &interfaces.Result{Hint: hint}, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return &interfaces.Result{
			Hint: interfaces.TerminalHint(fmt.Errorf("parse html: %w", err)),
		}, nil
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	fragment, err := s.extract(doc, params.Selectors)
	if err != nil {
		return &interfaces.Result{Hint: interfaces.TerminalHint(err)}, nil
	}

	converter := md.NewConverter(target.Host, true, nil)
	markdown, err := converter.ConvertString(fragment)
	if err != nil {
		return &interfaces.Result{
			Hint: interfaces.TerminalHint(fmt.Errorf("convert to markdown: %w", err)),
		}, nil
	}
	if strings.TrimSpace(markdown) == "" {
		return &interfaces.Result{
			Hint: interfaces.TerminalHint(fmt.Errorf("no content extracted from %s", params.URL)),
		}, nil
	}

	meta := map[string]interface{}{
		"source_url": params.URL,
		"title":      title,
		"render_js":  params.RenderJS,
	}
	result := &interfaces.Result{
		Artifacts: []models.ArtifactDraft{{
			Name:        "content.md",
			ContentType: "text/markdown; charset=utf-8",
			Data:        []byte(markdown),
			Metadata:    meta,
		}},
		Hint: interfaces.OKHint(),
	}

	if params.EmitPDF {
		pdf, err := s.renderer.MarkdownToPDF(title, []byte(markdown))
		if err != nil {
			s.logger.Warn().Str("url", params.URL).Err(err).Msg("PDF rendition failed")
		} else {
			result.Artifacts = append(result.Artifacts, models.ArtifactDraft{
				Name:        "content.pdf",
				ContentType: "application/pdf",
				Data:        pdf,
				Metadata:    meta,
			})
		}
	}
	return result, nil
}

// fetch returns the page HTML, through the browser when render_js is
// set or plain HTTP otherwise.
func (s *Scraper) fetch(ctx context.Context, params *models.ScrapeParameters) (string, interfaces.Hint) {
	userAgent := params.UserAgent
	if userAgent == "" {
		userAgent = s.userAgent
	}

	if params.RenderJS {
		if s.browser == nil {
			return "", interfaces.TerminalHint(fmt.Errorf("render_js requested but no browser is configured"))
		}
		html, err := s.browser.RenderPage(ctx, params.URL, userAgent, s.renderWait)
		if err != nil {
			if ctx.Err() != nil {
				return "", interfaces.RetryableHint(ctx.Err())
			}
			// Browser failures are environmental far more often than
			// they are page problems.
			return "", interfaces.RetryableHint(fmt.Errorf("render page: %w", err))
		}
		return html, interfaces.OKHint()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return "", interfaces.TerminalHint(err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", interfaces.RetryableHint(err)
	}
	defer resp.Body.Close()

	if hint := classifyStatus(resp.StatusCode); hint.Kind != interfaces.HintOK {
		return "", hint
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBodyBytes))
	if err != nil {
		return "", interfaces.RetryableHint(fmt.Errorf("read body: %w", err))
	}
	return string(body), interfaces.OKHint()
}

// extract returns the HTML to convert: the matched selector fragments
// when selectors are given, the whole body otherwise.
func (s *Scraper) extract(doc *goquery.Document, selectors []string) (string, error) {
	if len(selectors) == 0 {
		body, err := doc.Find("body").First().Html()
		if err != nil {
			return "", fmt.Errorf("extract body: %w", err)
		}
		return body, nil
	}

	var sb strings.Builder
	for _, selector := range selectors {
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			if fragment, err := goquery.OuterHtml(sel); err == nil {
				sb.WriteString(fragment)
				sb.WriteString("\n")
			}
		})
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no elements matched selectors %v", selectors)
	}
	return sb.String(), nil
}

// classifyStatus maps HTTP status to an outcome hint. 5xx, 408, and 429
// are worth retrying; other 4xx are permanent for a fixed request.
func classifyStatus(status int) interfaces.Hint {
	switch {
	case status >= 200 && status < 300:
		return interfaces.OKHint()
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return interfaces.RetryableHint(fmt.Errorf("target returned status %d", status))
	case status >= 500:
		return interfaces.RetryableHint(fmt.Errorf("target returned status %d", status))
	default:
		return interfaces.TerminalHint(fmt.Errorf("target returned status %d", status))
	}
}
