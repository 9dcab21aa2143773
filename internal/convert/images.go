package convert

import (
	"regexp"
	"strings"
)

var imageExts = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".bmp"}

var imageDirPrefixes = []string{"images/", "./images/", "../images/"}

var (
	mdImageRe        = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	imgDoubleQuoteRe = regexp.MustCompile(`(?i)<img[^>]+src="([^"]+)"`)
	imgSingleQuoteRe = regexp.MustCompile(`(?i)<img[^>]+src='([^']+)'`)
	absoluteURLRe    = regexp.MustCompile(`^https?://`)
)

// RewriteImageLinks points relative image references at base.
//
// Markdown images are rewritten only when the URL ends in an image
// extension or sits under an images/ directory. HTML <img> sources are
// rewritten whenever they are relative. Absolute http(s) URLs are never
// touched.
func RewriteImageLinks(md, base string) string {
	md = mdImageRe.ReplaceAllStringFunc(md, func(m string) string {
		sub := mdImageRe.FindStringSubmatch(m)
		alt, url := sub[1], strings.TrimSpace(sub[2])
		if absoluteURLRe.MatchString(url) || !looksLikeImage(url) {
			return m
		}
		return "![" + alt + "](" + PublicImageURL(base, url) + ")"
	})

	rewriteTag := func(re *regexp.Regexp) func(string) string {
		return func(m string) string {
			raw := re.FindStringSubmatch(m)[1]
			url := strings.TrimSpace(raw)
			if absoluteURLRe.MatchString(url) {
				return m
			}
			return strings.ReplaceAll(m, raw, PublicImageURL(base, url))
		}
	}
	md = imgDoubleQuoteRe.ReplaceAllStringFunc(md, rewriteTag(imgDoubleQuoteRe))
	md = imgSingleQuoteRe.ReplaceAllStringFunc(md, rewriteTag(imgSingleQuoteRe))
	return md
}

func looksLikeImage(url string) bool {
	lower := strings.ToLower(url)
	for _, ext := range imageExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	for _, p := range imageDirPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// PublicImageURL joins base and a relative path. Leading "." and "/"
// characters are dropped and each segment is percent-encoded.
func PublicImageURL(base, p string) string {
	p = strings.TrimLeft(strings.TrimSpace(p), "./")
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = quoteSegment(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segs, "/")
}

// quoteSegment percent-encodes everything except unreserved characters.
// Unlike url.PathEscape, sub-delimiters such as '&' and '=' are encoded.
func quoteSegment(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}
