package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PageMetadata describes a webpage for link previews.
type PageMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Favicon     string `json:"favicon"`
}

// HTMLText extracts the visible text of an HTML page: script and style
// content is removed and the body text is returned with collapsed whitespace.
func HTMLText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, noscript").Remove()

	body := doc.Find("body")
	text := body.Text()
	if body.Length() == 0 {
		text = doc.Text()
	}
	return strings.Join(strings.Fields(text), " "), nil
}

// HTMLMetadata pulls the title, meta description and favicon out of a page.
// A relative favicon href is resolved against the page URL.
func HTMLMetadata(html, pageURL string) (*PageMetadata, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	meta := &PageMetadata{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		meta.Description = strings.TrimSpace(desc)
	}

	favicon, ok := doc.Find(`link[rel="icon"]`).First().Attr("href")
	if !ok {
		favicon, _ = doc.Find(`link[rel="shortcut icon"]`).First().Attr("href")
	}
	if favicon != "" && !strings.HasPrefix(favicon, "http") {
		if base, err := url.Parse(pageURL); err == nil {
			if ref, err := url.Parse(favicon); err == nil {
				favicon = base.ResolveReference(ref).String()
			}
		}
	}
	meta.Favicon = favicon

	return meta, nil
}
