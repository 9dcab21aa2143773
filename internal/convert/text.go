package convert

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

const (
	previewRunes     = 2000
	minPrintableRate = 0.6
)

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// PlainTextHTML renders text as an escaped preview with line breaks.
func PlainTextHTML(text string) string {
	if strings.TrimSpace(text) == "" {
		return "<div class='doc-preview'><em>empty document</em></div>"
	}
	return "<div class='doc-preview'>" +
		strings.ReplaceAll(htmlEscaper.Replace(text), "\n", "<br>") +
		"</div>"
}

// fallbackDecoders are tried in order after strict UTF-8. GBK is a
// superset of GB2312, so one decoder covers both.
var fallbackDecoders = []encoding.Encoding{
	simplifiedchinese.GBK,
	charmap.ISO8859_1,
}

// DecodePossibleText tries to read binary bytes as text. Leading and
// trailing NULs are dropped, line endings normalized, and a decoding is
// accepted only if at least 60% of its first 2000 characters are
// printable (newline and tab count as printable).
func DecodePossibleText(data []byte) (string, bool) {
	sample := bytes.Trim(data, "\x00")
	if len(sample) == 0 {
		return "", false
	}

	candidates := make([]string, 0, 1+len(fallbackDecoders))
	if utf8.Valid(sample) {
		candidates = append(candidates, string(sample))
	}
	for _, enc := range fallbackDecoders {
		if s, ok := decodeStrict(enc, sample); ok {
			candidates = append(candidates, s)
		}
	}

	for _, text := range candidates {
		normalized := strings.ReplaceAll(text, "\r\n", "\n")
		normalized = strings.ReplaceAll(normalized, "\r", "\n")
		if !mostlyPrintable(normalized) {
			continue
		}
		if cleaned := strings.TrimSpace(normalized); cleaned != "" {
			return cleaned, true
		}
	}
	return "", false
}

// decodeStrict rejects decodings that needed replacement characters.
func decodeStrict(enc encoding.Encoding, b []byte) (string, bool) {
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil || bytes.ContainsRune(out, utf8.RuneError) {
		return "", false
	}
	return string(out), true
}

func mostlyPrintable(s string) bool {
	total, printable := 0, 0
	for _, r := range s {
		if total == previewRunes {
			break
		}
		total++
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			printable++
		}
	}
	return total > 0 && float64(printable)/float64(total) >= minPrintableRate
}
