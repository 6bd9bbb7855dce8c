package imapsync

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
)

var (
	metaCharsetRe   = regexp.MustCompile(`(?i)<meta[^>]+charset=["']?([^"'\s>]+)`)
	metaHTTPEquivRe = regexp.MustCompile(`(?i)<meta[^>]+content=["'][^"']*charset=([^"'\s;]+)`)
)

// extractCharsetFromHTML looks for a declared charset in an HTML document's
// meta tags when the MIME part itself carried none.
func extractCharsetFromHTML(html []byte) string {
	search := html
	if len(search) > 1024 {
		search = search[:1024]
	}
	if m := metaCharsetRe.FindSubmatch(search); len(m) > 1 {
		return string(m[1])
	}
	if m := metaHTTPEquivRe.FindSubmatch(search); len(m) > 1 {
		return string(m[1])
	}
	return ""
}

// decodeCharset converts content to UTF-8, trusting declaredCharset when
// present and otherwise auto-detecting. Mislabeled UTF-8 (a declared
// charset of "utf-8" whose bytes aren't actually valid UTF-8) is corrected
// by falling through to auto-detection instead of trusting the label.
func decodeCharset(content []byte, declaredCharset string) string {
	if declaredCharset == "" || strings.EqualFold(declaredCharset, "utf-8") || strings.EqualFold(declaredCharset, "us-ascii") {
		if utf8.Valid(content) {
			return string(content)
		}
		enc, _, _ := charset.DetermineEncoding(content, "text/html")
		if decoded, err := enc.NewDecoder().Bytes(content); err == nil {
			return string(decoded)
		}
		return string(content)
	}

	enc, err := htmlindex.Get(declaredCharset)
	if err != nil {
		return string(content)
	}
	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		return string(content)
	}
	return string(decoded)
}
