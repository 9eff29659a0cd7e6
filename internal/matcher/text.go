package matcher

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// LineSeparator joins lines of the scan text.
const LineSeparator = " "

// Document is a text ready for matching.
type Document struct {
	Key string
	// Text has line breaks replaced by LineSeparator.
	Text string
	// Raw keeps the original line breaks and is the redaction target.
	Raw         string
	DecodeError bool
}

// LoadText decodes r into a Document. Input that is not valid UTF-8 is
// decoded as Windows-1252 and flagged. maxLines <= 0 reads everything.
func LoadText(key string, r io.Reader, maxLines int) (Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", key, err)
	}
	doc := Document{Key: key}
	var text string
	if utf8.Valid(data) {
		text = string(data)
	} else {
		doc.DecodeError = true
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			text = strings.ToValidUTF8(string(data), "")
		} else {
			text = string(decoded)
		}
	}
	text = norm.NFC.String(text)

	lines := strings.SplitAfter(text, "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	var joined, raw strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		raw.WriteString(line)
		joined.WriteString(strings.ReplaceAll(line, "\n", ""))
		joined.WriteString(LineSeparator)
	}
	doc.Text = joined.String()
	doc.Raw = raw.String()
	return doc, nil
}

// LoadTextFile opens path and loads it with LoadText.
func LoadTextFile(key, path string, maxLines int) (Document, error) {
	f, err := os.Open(path) // #nosec G304 -- paths come from the dataset working directory
	if err != nil {
		return Document{}, err
	}
	defer func() { _ = f.Close() }()
	return LoadText(key, f, maxLines)
}

// NewDocument builds a Document from in-memory text.
func NewDocument(key, text string) Document {
	doc, _ := LoadText(key, strings.NewReader(text), 0)
	return doc
}
