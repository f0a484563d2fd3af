package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParametersValidate(t *testing.T) {
	scrape := &ScrapeParameters{URL: "https://example.com"}
	ocr := &OCRParameters{SourceURI: "blob://tenant/doc.pdf"}

	tests := []struct {
		name    string
		params  Parameters
		kind    JobKind
		wantErr bool
	}{
		{name: "scrape ok", params: Parameters{Scrape: scrape}, kind: JobKindScrape},
		{name: "ocr ok", params: Parameters{OCR: ocr}, kind: JobKindOCR},
		{name: "empty union", params: Parameters{}, kind: JobKindScrape, wantErr: true},
		{name: "both branches", params: Parameters{Scrape: scrape, OCR: ocr}, kind: JobKindScrape, wantErr: true},
		{name: "kind mismatch", params: Parameters{OCR: ocr}, kind: JobKindScrape, wantErr: true},
		{name: "unknown kind", params: Parameters{Scrape: scrape}, kind: JobKind("email"), wantErr: true},
		{name: "future schema version", params: Parameters{SchemaVersion: 99, Scrape: scrape}, kind: JobKindScrape, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate(tt.kind)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParametersNormalized(t *testing.T) {
	p := Parameters{OCR: &OCRParameters{SourceURI: "blob://t/doc.pdf"}}
	n := p.Normalized()

	assert.Equal(t, CurrentSchemaVersion, n.SchemaVersion)
	assert.Equal(t, DefaultOCRLanguage, n.OCR.Language)
	assert.Equal(t, DefaultOCRDPI, n.OCR.DPI)
	assert.Equal(t, DefaultOCRQualityThreshold, n.OCR.QualityThreshold)

	// The original is untouched.
	assert.Empty(t, p.OCR.Language)

	// Explicit values survive.
	explicit := Parameters{OCR: &OCRParameters{SourceURI: "blob://t/doc.pdf", Language: "de", DPI: 150, QualityThreshold: 0.9}}
	n = explicit.Normalized()
	assert.Equal(t, "de", n.OCR.Language)
	assert.Equal(t, 150, n.OCR.DPI)
	assert.Equal(t, 0.9, n.OCR.QualityThreshold)
}

func TestParametersCanonicalStable(t *testing.T) {
	a := Parameters{Scrape: &ScrapeParameters{URL: "https://example.com", Selectors: []string{"article"}}}
	b := Parameters{Scrape: &ScrapeParameters{URL: "https://example.com", Selectors: []string{"article"}}}

	ca, err := a.Canonical()
	require.NoError(t, err)
	cb, err := b.Canonical()
	require.NoError(t, err)
	assert.Equal(t, ca, cb)

	c := Parameters{Scrape: &ScrapeParameters{URL: "https://example.com/other"}}
	cc, err := c.Canonical()
	require.NoError(t, err)
	assert.NotEqual(t, ca, cc)
}
