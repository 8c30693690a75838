package pdfextract

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/crypto/blake2b"
)

// ErrUnreadableDocument is returned when the bytes are not a readable document
// or no text can be extracted from them.
var ErrUnreadableDocument = errors.New("unreadable document")

const pdfMagic = "%PDF-"

// Page is the text of one page, numbered from 1.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Result holds the extracted pages and document level metadata.
type Result struct {
	Pages       []Page `json:"pages"`
	Title       string `json:"title,omitempty"`
	PageCount   int    `json:"page_count"`
	WordCount   int    `json:"word_count"`
	Fingerprint string `json:"fingerprint"`
}

// Extract turns raw document bytes into ordered page text. PDF streams are
// parsed page by page; anything else must be UTF-8 text, where a form feed
// separates pages.
func Extract(data []byte) (*Result, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUnreadableDocument)
	}

	var (
		res *Result
		err error
	)
	if bytes.HasPrefix(data, []byte(pdfMagic)) {
		res, err = extractPDF(data)
	} else {
		res, err = extractPlainText(data)
	}
	if err != nil {
		return nil, err
	}

	for _, p := range res.Pages {
		res.WordCount += len(strings.Fields(p.Text))
	}
	if res.WordCount == 0 {
		return nil, fmt.Errorf("%w: no extractable text", ErrUnreadableDocument)
	}
	res.Fingerprint = Fingerprint(data)
	return res, nil
}

// Fingerprint returns the hex blake2b-256 digest of data.
func Fingerprint(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func extractPDF(data []byte) (res *Result, err error) {
	// the parser panics on some malformed streams
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("%w: pdf parser: %v", ErrUnreadableDocument, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open pdf failed: %v", ErrUnreadableDocument, err)
	}

	total := reader.NumPage()
	res = &Result{PageCount: total, Title: pdfTitle(reader)}
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// one bad page does not make the document unreadable
			continue
		}
		if text = CleanText(text); text != "" {
			res.Pages = append(res.Pages, Page{Number: i, Text: text})
		}
	}
	return res, nil
}

func pdfTitle(reader *pdf.Reader) string {
	info := reader.Trailer().Key("Info")
	if info.IsNull() {
		return ""
	}
	return strings.TrimSpace(info.Key("Title").Text())
}

func extractPlainText(data []byte) (*Result, error) {
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return nil, fmt.Errorf("%w: not a pdf or utf-8 text stream", ErrUnreadableDocument)
	}

	raw := strings.Split(string(data), "\f")
	res := &Result{PageCount: len(raw)}
	for i, part := range raw {
		if text := CleanText(part); text != "" {
			res.Pages = append(res.Pages, Page{Number: i + 1, Text: text})
		}
	}
	if res.Title == "" && len(res.Pages) > 0 {
		res.Title = firstLine(raw)
	}
	return res, nil
}

func firstLine(parts []string) string {
	for _, part := range parts {
		for _, line := range strings.Split(part, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				if utf8.RuneCountInString(line) > 120 {
					return ""
				}
				return line
			}
		}
	}
	return ""
}

// CleanText collapses runs of whitespace into single spaces.
func CleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
