// Package detector decides whether a domain needs a scripted browser by comparing what a plain fetch and a
// scripted render expose as readable text.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

// VisibleText returns the whitespace-collapsed text a reader would see in an HTML document. Script, style
// and template contents are dropped. Unparsable input yields its raw text.
func VisibleText(content []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return strings.Join(strings.Fields(string(content)), " ")
	}
	doc.Find("script, style, noscript, template").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// Decide picks the browse mode for a domain: scripted when rendering changes the visible text, plain
// otherwise.
func Decide(plain, scripted crawler.Page) crawler.BrowseMode {
	if VisibleText(plain.Content) != VisibleText(scripted.Content) {
		return crawler.BrowseScripted
	}
	return crawler.BrowsePlain
}
