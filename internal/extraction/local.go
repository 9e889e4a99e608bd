package extraction

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	pdf "github.com/ledongthuc/pdf"

	"github.com/govpress/docaudio-backend/internal/platform/logger"
)

// LocalExtractor sniffs the true file type from magic bytes and extracts
// text in-process. Supported: PDF, DOCX, PPTX, TXT/MD, HTML.
type LocalExtractor struct {
	log *logger.Logger
}

func NewLocalExtractor(log *logger.Logger) *LocalExtractor {
	return &LocalExtractor{log: log.With("service", "LocalExtractor")}
}

var _ BytesExtractor = (*LocalExtractor)(nil)
var _ StreamExtractor = (*LocalExtractor)(nil)

func (e *LocalExtractor) ExtractStream(ctx context.Context, r io.Reader, originalName, mimeType string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", &Error{Op: "read_stream", Err: err}
	}
	return e.ExtractBytes(ctx, data, originalName, mimeType)
}

func (e *LocalExtractor) ExtractBytes(ctx context.Context, data []byte, originalName, mimeType string) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	mt := strings.ToLower(strings.TrimSpace(mimeType))

	if len(data) == 0 {
		return "", &Error{Op: "sniff", Err: fmt.Errorf("empty file: name=%s mime=%s", originalName, mimeType)}
	}

	// Sniff by magic bytes first; declared mime types lie often enough.
	if looksLikePDF(data) {
		return e.extractPDF(data)
	}
	if looksLikeZip(data) {
		kind, err := detectOpenXMLKind(data)
		if err != nil {
			return "", &Error{Op: "openxml_detect", Err: err}
		}
		switch kind {
		case "docx":
			return extractDOCX(data)
		case "pptx":
			return extractPPTX(data)
		default:
			return "", &Error{Op: "openxml_detect", Err: fmt.Errorf("unsupported zip/openxml kind=%s name=%s", kind, originalName)}
		}
	}

	if looksLikeHTML(data) || mt == "text/html" || ext == ".html" || ext == ".htm" {
		return stripHTML(string(data)), nil
	}

	if isProbablyText(data) || mt == "text/plain" || ext == ".txt" || ext == ".md" || ext == ".markdown" {
		return collapseWhitespace(string(data)), nil
	}

	if mt == "application/pdf" || ext == ".pdf" {
		return "", &Error{Op: "sniff", Err: fmt.Errorf("file claims pdf but is missing the %%PDF header: name=%s", originalName)}
	}
	if mt == "application/vnd.openxmlformats-officedocument.wordprocessingml.document" || ext == ".docx" {
		return "", &Error{Op: "sniff", Err: fmt.Errorf("file claims docx but is not a valid zip container: name=%s", originalName)}
	}

	return "", &Error{Op: "sniff", Err: fmt.Errorf("unsupported file type: name=%s ext=%s mime=%s", originalName, ext, mt)}
}

func (e *LocalExtractor) extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", classifyPDFError("pdf_reader", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", classifyPDFError("pdf_plaintext", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", &Error{Op: "pdf_read", Err: err}
	}
	return collapseWhitespace(string(b)), nil
}

// classifyPDFError confines the encrypted-source substring matching to the
// collaborator boundary; everything above sees a typed Protected error.
func classifyPDFError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"secured", "password", "protected", "encrypted"} {
		if strings.Contains(msg, marker) {
			return &Error{Op: op, Protected: true, Err: err}
		}
	}
	return &Error{Op: op, Err: err}
}

// ------------------------
// Sniff helpers
// ------------------------

func looksLikePDF(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

func looksLikeZip(b []byte) bool {
	return len(b) >= 4 && b[0] == 'P' && b[1] == 'K' && b[2] == 3 && b[3] == 4
}

func looksLikeHTML(b []byte) bool {
	s := strings.ToLower(string(b[:min(len(b), 2048)]))
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "<!doctype") || strings.HasPrefix(trimmed, "<html") {
		return true
	}
	return strings.Contains(s, "<html") && strings.Contains(s, "</html>")
}

func isProbablyText(b []byte) bool {
	sample := b[:min(len(b), 4096)]
	nul := 0
	good := 0
	for _, c := range sample {
		if c == 0x00 {
			nul++
			continue
		}
		if c == '\n' || c == '\r' || c == '\t' || (c >= 0x20 && c <= 0x7E) || c >= 0x80 {
			good++
		}
	}
	if nul > 0 {
		return false
	}
	return float64(good)/float64(len(sample)) > 0.9
}

// ------------------------
// OpenXML extractors
// ------------------------

func detectOpenXMLKind(zipBytes []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return "", err
	}
	hasWord := false
	hasPpt := false
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "word/") {
			hasWord = true
		}
		if strings.HasPrefix(f.Name, "ppt/") {
			hasPpt = true
		}
	}
	switch {
	case hasWord && !hasPpt:
		return "docx", nil
	case hasPpt && !hasWord:
		return "pptx", nil
	default:
		return "unknown", fmt.Errorf("zip does not look like docx or pptx")
	}
}

func extractDOCX(zipBytes []byte) (string, error) {
	return extractOpenXMLText(zipBytes, func(name string) bool { return name == "word/document.xml" })
}

func extractPPTX(zipBytes []byte) (string, error) {
	return extractOpenXMLText(zipBytes, func(name string) bool {
		return strings.HasPrefix(name, "ppt/slides/") && strings.HasSuffix(name, ".xml")
	})
}

func extractOpenXMLText(zipBytes []byte, match func(name string) bool) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return "", &Error{Op: "openxml_open", Err: err}
	}
	var out strings.Builder
	for _, f := range zr.File {
		if !match(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", &Error{Op: "openxml_part", Err: err}
		}
		b, _ := io.ReadAll(rc)
		_ = rc.Close()
		out.WriteString(textElements(b))
		out.WriteString("\n")
	}
	s := collapseWhitespace(out.String())
	if s == "" {
		return "", &Error{Op: "openxml_text", Err: fmt.Errorf("no text extracted from openxml parts")}
	}
	return s, nil
}

// textElements gathers every <w:t>/<a:t> run in the part.
func textElements(xmlBytes []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(xmlBytes))
	var out strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "t" {
			continue
		}
		var v string
		_ = dec.DecodeElement(&v, &se)
		if v != "" {
			out.WriteString(v)
			out.WriteString(" ")
		}
	}
	return out.String()
}

var htmlTagRe = regexp.MustCompile(`(?s)<[^>]*>`)

func stripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return collapseWhitespace(s)
}

func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, " ", " ")
	return strings.Join(strings.Fields(s), " ")
}
