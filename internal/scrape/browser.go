package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// ChromeRenderer is the chromedp-backed PageRenderer. Each render runs
// in a fresh headless browser context so one stuck page cannot poison
// the next.
type ChromeRenderer struct {
	logger arbor.ILogger
}

var _ PageRenderer = (*ChromeRenderer)(nil)

// NewChromeRenderer creates the headless browser renderer.
func NewChromeRenderer(logger arbor.ILogger) *ChromeRenderer {
	return &ChromeRenderer{logger: logger}
}

// RenderPage navigates to the URL, waits for scripts to settle, and
// returns the resulting DOM.
func (r *ChromeRenderer) RenderPage(ctx context.Context, url, userAgent string, wait time.Duration) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(userAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	start := time.Now()
	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.Sleep(wait),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fmt.Errorf("headless render of %s: %w", url, err)
	}

	r.logger.Debug().
		Str("url", url).
		Str("elapsed", time.Since(start).String()).
		Msg("Page rendered")
	return html, nil
}
