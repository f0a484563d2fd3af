// -----------------------------------------------------------------------
// Parameters - Tagged union of per-kind job payloads
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
)

// CurrentSchemaVersion is stamped on accepted parameters. Older versions
// are upgraded at intake; unknown versions are rejected.
const CurrentSchemaVersion = 1

// Parameters is a tagged union: exactly one branch is populated and it
// must match the job kind. Intake validates the union shape once so every
// downstream consumer works with a strongly typed branch.
type Parameters struct {
	SchemaVersion int               `json:"schema_version,omitempty"`
	Scrape        *ScrapeParameters `json:"scrape,omitempty"`
	OCR           *OCRParameters    `json:"ocr,omitempty"`
}

// ScrapeParameters configures a web-scrape job.
type ScrapeParameters struct {
	URL         string   `json:"url" validate:"required,url"`
	Selectors   []string `json:"selectors,omitempty" validate:"max=32,dive,min=1"`
	MaxDepth    int      `json:"max_depth,omitempty" validate:"gte=0,lte=3"`
	UserAgent   string   `json:"user_agent,omitempty" validate:"max=256"`
	RenderJS    bool     `json:"render_js,omitempty"`
	EmitPDF     bool     `json:"emit_pdf,omitempty"`
	FollowLinks bool     `json:"follow_links,omitempty"`
}

// OCRParameters configures an OCR job over a PDF document.
type OCRParameters struct {
	SourceURI        string  `json:"source_uri" validate:"required,min=1,max=2048"`
	Language         string  `json:"language,omitempty" validate:"omitempty,min=2,max=8"`
	DPI              int     `json:"dpi,omitempty" validate:"omitempty,gte=72,lte=600"`
	QualityThreshold float64 `json:"quality_threshold,omitempty" validate:"gte=0,lte=1"`
	SearchablePDF    bool    `json:"searchable_pdf,omitempty"`
	PageRange        string  `json:"page_range,omitempty" validate:"omitempty,max=64"`
}

// Defaults applied at intake so workers never branch on zero values.
const (
	DefaultOCRLanguage         = "en"
	DefaultOCRDPI              = 300
	DefaultOCRQualityThreshold = 0.7
)

// Validate checks the union shape against the declared kind. Field-level
// constraints are enforced separately by the struct validator.
func (p Parameters) Validate(kind JobKind) error {
	if p.SchemaVersion != 0 && p.SchemaVersion != CurrentSchemaVersion {
		return fmt.Errorf("unsupported parameter schema version %d", p.SchemaVersion)
	}
	set := 0
	if p.Scrape != nil {
		set++
	}
	if p.OCR != nil {
		set++
	}
	if set == 0 {
		return fmt.Errorf("parameters for kind %q are required", kind)
	}
	if set > 1 {
		return fmt.Errorf("parameters must carry exactly one payload")
	}
	switch kind {
	case JobKindScrape:
		if p.Scrape == nil {
			return fmt.Errorf("kind %q requires scrape parameters", kind)
		}
	case JobKindOCR:
		if p.OCR == nil {
			return fmt.Errorf("kind %q requires ocr parameters", kind)
		}
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
	return nil
}

// Normalized returns a copy with defaults filled in and the schema version
// stamped.
func (p Parameters) Normalized() Parameters {
	p.SchemaVersion = CurrentSchemaVersion
	if p.OCR != nil {
		ocr := *p.OCR
		if ocr.Language == "" {
			ocr.Language = DefaultOCRLanguage
		}
		if ocr.DPI == 0 {
			ocr.DPI = DefaultOCRDPI
		}
		if ocr.QualityThreshold == 0 {
			ocr.QualityThreshold = DefaultOCRQualityThreshold
		}
		p.OCR = &ocr
	}
	if p.Scrape != nil {
		scrape := *p.Scrape
		p.Scrape = &scrape
	}
	return p
}

// Canonical produces the stable byte form used for config hashing. Struct
// marshalling emits fields in declaration order, so identical parameter
// values always produce identical bytes.
func (p Parameters) Canonical() ([]byte, error) {
	return json.Marshal(p.Normalized())
}
