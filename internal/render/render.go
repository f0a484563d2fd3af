// -----------------------------------------------------------------------
// Render - markdown to PDF conversion shared by scrape and OCR artifacts
// -----------------------------------------------------------------------

package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Service converts markdown documents into simple single-column PDFs.
// The layout is deliberately plain: headings, paragraphs, code blocks,
// and list items, enough for archived scrape output to be readable.
type Service struct {
	parser goldmark.Markdown
}

// NewService creates the renderer.
func NewService() *Service {
	return &Service{parser: goldmark.New()}
}

// MarkdownToPDF renders the markdown source into PDF bytes. Title is
// printed as the document heading when non-empty.
func (s *Service) MarkdownToPDF(title string, markdown []byte) ([]byte, error) {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetMargins(18, 18, 18)
	doc.AddPage()

	if title != "" {
		doc.SetFont("Helvetica", "B", 16)
		doc.MultiCell(0, 8, sanitize(title), "", "L", false)
		doc.Ln(4)
	}

	root := s.parser.Parser().Parse(text.NewReader(markdown))
	if err := s.renderNode(doc, root, markdown); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdf output: %w", err)
	}
	return buf.Bytes(), nil
}

// TextToPDF renders plain text, one page flow. Used for searchable OCR
// output.
func (s *Service) TextToPDF(title string, pages []string) ([]byte, error) {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetMargins(18, 18, 18)

	for i, page := range pages {
		doc.AddPage()
		if title != "" && i == 0 {
			doc.SetFont("Helvetica", "B", 14)
			doc.MultiCell(0, 7, sanitize(title), "", "L", false)
			doc.Ln(3)
		}
		doc.SetFont("Helvetica", "", 10)
		doc.MultiCell(0, 5, sanitize(page), "", "L", false)
	}
	if len(pages) == 0 {
		doc.AddPage()
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdf output: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) renderNode(doc *fpdf.Fpdf, node ast.Node, source []byte) error {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *ast.Heading:
			size := 15.0 - float64(n.Level)
			if size < 10 {
				size = 10
			}
			doc.SetFont("Helvetica", "B", size)
			doc.MultiCell(0, 7, sanitize(nodeText(n, source)), "", "L", false)
			doc.Ln(2)
		case *ast.Paragraph, *ast.TextBlock:
			doc.SetFont("Helvetica", "", 10)
			doc.MultiCell(0, 5, sanitize(nodeText(child, source)), "", "L", false)
			doc.Ln(2)
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			doc.SetFont("Courier", "", 9)
			doc.MultiCell(0, 4.5, sanitize(blockLines(child, source)), "", "L", false)
			doc.Ln(2)
		case *ast.List:
			doc.SetFont("Helvetica", "", 10)
			for item := n.FirstChild(); item != nil; item = item.NextSibling() {
				doc.MultiCell(0, 5, sanitize("- "+nodeText(item, source)), "", "L", false)
			}
			doc.Ln(2)
		case *ast.Blockquote:
			doc.SetFont("Helvetica", "I", 10)
			doc.MultiCell(0, 5, sanitize(nodeText(child, source)), "", "L", false)
			doc.Ln(2)
		case *ast.ThematicBreak:
			doc.Ln(4)
		default:
			if err := s.renderNode(doc, child, source); err != nil {
				return err
			}
		}
	}
	return nil
}

// nodeText flattens the inline content of a block node.
func nodeText(node ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.AutoLink:
			sb.Write(t.URL(source))
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}

func blockLines(node ast.Node, source []byte) string {
	var sb strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	return sb.String()
}

// sanitize strips characters the core fonts cannot encode so fpdf does
// not emit replacement glyph errors.
func sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			sb.WriteRune(r)
		case r < 32:
			// drop control characters
		case r > 0xFF:
			sb.WriteByte('?')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
