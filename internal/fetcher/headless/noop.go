package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

// Noop stands in for the browser transport when headless browsing is disabled.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with crawler.ErrScriptedUnavailable.
func (Noop) Fetch(_ context.Context, request crawler.FetchRequest) (crawler.Page, error) {
	return crawler.Page{}, fmt.Errorf("fetch %s: %w", request.URL, crawler.ErrScriptedUnavailable)
}
