// Package ingestion loads books from disk into the catalog: parsing, chunking,
// embedding, and transactional persistence.
package ingestion

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// BookFormat enumerates supported source file formats.
type BookFormat string

const (
	FormatUnknown  BookFormat = ""
	FormatText     BookFormat = "text"
	FormatMarkdown BookFormat = "markdown"
	FormatPDF      BookFormat = "pdf"
)

// DetectFormat infers a book format from the path's extension.
func DetectFormat(path string) BookFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return FormatText
	case ".md", ".markdown":
		return FormatMarkdown
	case ".pdf":
		return FormatPDF
	default:
		return FormatUnknown
	}
}

// parseBook extracts plain text and a title from raw file data. The returned
// title may be empty when the content offers none; the caller falls back to
// the filename.
func parseBook(format BookFormat, data []byte) (title, content string, err error) {
	switch format {
	case FormatText:
		content = normalizePlainText(string(data))
		return firstNonEmptyLine(content), content, nil
	case FormatMarkdown:
		content = normalizePlainText(string(data))
		return extractHeading(content), content, nil
	case FormatPDF:
		return parsePDF(data)
	default:
		return "", "", fmt.Errorf("unsupported format %q", format)
	}
}

func parsePDF(data []byte) (string, string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", "", fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return "", "", fmt.Errorf("read pdf text: %w", err)
	}

	content := normalizePlainText(buf.String())
	return firstNonEmptyLine(content), content, nil
}

// extractHeading returns the first markdown heading, or the first non-empty
// line when there is none.
func extractHeading(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return firstNonEmptyLine(content)
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func firstNonEmptyLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// ChunkText splits content into paragraph-aligned chunks of roughly target
// characters, carrying the last paragraph of each chunk into the next as
// overlap so sentence-spanning facts survive the cut.
func ChunkText(content string, target, overlap int) []string {
	paragraphs := strings.Split(content, "\n\n")
	chunks := make([]string, 0)
	current := make([]string, 0)
	currentLen := 0

	for _, paragraph := range paragraphs {
		p := strings.TrimSpace(paragraph)
		if p == "" {
			continue
		}

		if currentLen+len(p) > target && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n\n"))
			if overlap > 0 {
				last := current[len(current)-1]
				current = []string{last}
				currentLen = len(last)
			} else {
				current = current[:0]
				currentLen = 0
			}
		}

		current = append(current, p)
		currentLen += len(p)
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n\n"))
	}

	return chunks
}
