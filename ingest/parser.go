package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/SaintWyss/ragcore/common"
	"github.com/SaintWyss/ragcore/model"
)

const (
	// maxPages caps how many PDF pages a single document contributes.
	maxPages = 500
	// maxTextChars caps extracted text; longer documents are truncated.
	maxTextChars = 2_000_000
)

// Parser extracts plain text from one document format.
type Parser interface {
	Parse(data []byte) (string, error)
}

// Registry dispatches parsers by normalized MIME type.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds the default registry: PDF, DOCX and plain text.
func NewRegistry() *Registry {
	r := &Registry{parsers: map[string]Parser{}}
	r.Register("application/pdf", pdfParser{})
	r.Register("application/vnd.openxmlformats-officedocument.wordprocessingml.document", docxParser{})
	r.Register("text/plain", textParser{})
	r.Register("text/markdown", textParser{})
	return r
}

// Register adds or replaces the parser for a MIME type.
func (r *Registry) Register(mimeType string, p Parser) {
	r.parsers[normalizeMime(mimeType)] = p
}

// Supported reports whether a parser exists for the MIME type.
func (r *Registry) Supported(mimeType string) bool {
	_, ok := r.parsers[normalizeMime(mimeType)]
	return ok
}

// Extract parses the blob and normalizes the result. Empty extraction is an
// error unless allowEmpty is set.
func (r *Registry) Extract(mimeType string, data []byte, allowEmpty bool) (string, error) {
	p, ok := r.parsers[normalizeMime(mimeType)]
	if !ok {
		return "", model.Ef(model.CodeUnsupportedMedia, "no parser for media type %q", mimeType)
	}
	text, err := p.Parse(data)
	if err != nil {
		return "", err
	}
	text = normalizeText(text)
	if len(text) > maxTextChars {
		text = text[:maxTextChars]
	}
	if text == "" && !allowEmpty {
		return "", model.E(model.CodeValidation, "document produced no extractable text")
	}
	return text, nil
}

// normalizeMime strips parameters and lowercases, so "text/plain; charset=x"
// and "Text/Plain" dispatch identically.
func normalizeMime(mimeType string) string {
	parsed, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return parsed
}

var whitespaceRe = regexp.MustCompile(`[ \t]{2,}`)
var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// normalizeText removes NUL bytes and collapses excessive whitespace.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

type textParser struct{}

func (textParser) Parse(data []byte) (string, error) {
	return string(data), nil
}

type pdfParser struct{}

// Parse extracts text page by page. A failing page records a warning and is
// skipped; only a document with zero readable pages is an error.
func (pdfParser) Parse(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", model.Ef(model.CodeValidation, "unreadable pdf: %v", err)
	}
	pages := reader.NumPage()
	if pages > maxPages {
		pages = maxPages
	}
	var sb strings.Builder
	failed := 0
	for i := 1; i <= pages; i++ {
		text, err := extractPage(reader, i)
		if err != nil {
			failed++
			common.Logger.WithField("page", i).WithError(err).Warn("pdf page extraction failed")
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
		if sb.Len() > maxTextChars {
			break
		}
	}
	if failed == pages && pages > 0 {
		return "", model.E(model.CodeValidation, "no readable pages in pdf")
	}
	return sb.String(), nil
}

func extractPage(reader *pdf.Reader, n int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page panic: %v", r)
		}
	}()
	page := reader.Page(n)
	if page.V.IsNull() {
		return "", fmt.Errorf("null page")
	}
	return page.GetPlainText(nil)
}

type docxParser struct{}

// docx stores its body as wordprocessingml; text lives in <w:t> elements and
// paragraphs end at </w:p>.
func (docxParser) Parse(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", model.Ef(model.CodeValidation, "unreadable docx: %v", err)
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", model.Ef(model.CodeValidation, "unreadable docx body: %v", err)
		}
		defer rc.Close()
		return docxText(rc)
	}
	return "", model.E(model.CodeValidation, "docx has no document body")
}

func docxText(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var sb strings.Builder
	var inText bool
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", model.Ef(model.CodeValidation, "malformed docx xml: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
		if sb.Len() > maxTextChars {
			break
		}
	}
	return sb.String(), nil
}
