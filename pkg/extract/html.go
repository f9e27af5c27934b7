// Package extract turns assignment descriptions and attachments into plain text.
package extract

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	xhtml "golang.org/x/net/html"
)

var (
	blockBreaks     = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|li|tr|h[1-6])>`)
	trailingSpaces  = regexp.MustCompile(`[ \t]+\n`)
	repeatedSpaces  = regexp.MustCompile(`[ \t]{2,}`)
	repeatedBreaks  = regexp.MustCompile(`\n{3,}`)
	pdfHrefPattern  = regexp.MustCompile(`(?i)\.pdf(\?|#|$)`)
	pdfTitlePattern = regexp.MustCompile(`(?i)\.pdf$`)
)

var textPolicy = bluemonday.StrictPolicy()

// Text converts rich description HTML to readable plain text.
func Text(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	prepped := blockBreaks.ReplaceAllString(raw, "$0\n")
	stripped := html.UnescapeString(textPolicy.Sanitize(prepped))

	stripped = strings.ReplaceAll(stripped, "\u00a0", " ")
	stripped = strings.ReplaceAll(stripped, "\r\n", "\n")
	stripped = repeatedSpaces.ReplaceAllString(stripped, " ")
	stripped = trailingSpaces.ReplaceAllString(stripped, "\n")
	stripped = repeatedBreaks.ReplaceAllString(stripped, "\n\n")

	return strings.TrimSpace(stripped)
}

// PDFLinks returns the distinct PDF references found in anchors of the description.
// Anchors whose href ends in .pdf are returned by href; anchors titled *.pdf are
// returned by their data-api-endpoint when present.
func PDFLinks(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	seen := make(map[string]struct{})
	links := make([]string, 0)
	add := func(link string) {
		if link == "" {
			return
		}
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}

	tokenizer := xhtml.NewTokenizer(strings.NewReader(raw))
	for {
		switch tokenizer.Next() {
		case xhtml.ErrorToken:
			return links
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			token := tokenizer.Token()
			if token.Data != "a" {
				continue
			}

			var href, title, endpoint string
			for _, attr := range token.Attr {
				switch attr.Key {
				case "href":
					href = strings.TrimSpace(attr.Val)
				case "title":
					title = strings.TrimSpace(attr.Val)
				case "data-api-endpoint":
					endpoint = strings.TrimSpace(attr.Val)
				}
			}

			if pdfHrefPattern.MatchString(href) {
				add(href)
			}
			if pdfTitlePattern.MatchString(title) {
				add(endpoint)
			}
		}
	}
}
