package scheduler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

// ExtractLinks returns the normalized, de-duplicated outgoing links of an HTML page in document order.
func ExtractLinks(pageURL string, content []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href], area[href], frame[src], iframe[src]").Each(func(_ int, sel *goquery.Selection) {
		ref, ok := sel.Attr("href")
		if !ok {
			ref, _ = sel.Attr("src")
		}
		abs, ok := crawler.ResolveLink(base, ref)
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links, nil
}
