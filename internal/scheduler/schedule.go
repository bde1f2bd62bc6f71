package scheduler

import (
	"time"

	"github.com/JakeFAU/recrawler/internal/crawler"
	"github.com/JakeFAU/recrawler/internal/policy"
)

// ScheduleNext sets crawl_next (and crawl_dt in adaptive mode) after a cycle ending at doc.CrawlLast.
// changed reports whether the content differs from the previous cycle.
func ScheduleNext(changed bool, p crawler.Policy, doc *crawler.Document, now time.Time) {
	base := now
	if doc.CrawlLast != nil {
		base = *doc.CrawlLast
	}
	if policy.StopsRecursion(p, *doc) {
		doc.CrawlNext = nil
		return
	}

	switch p.RecrawlMode {
	case crawler.RecrawlConstant:
		next := base.Add(p.RecrawlDTMin)
		doc.CrawlNext = &next
		doc.CrawlDT = nil
	case crawler.RecrawlAdaptive:
		dt := p.RecrawlDTMin
		if doc.CrawlDT != nil {
			dt = *doc.CrawlDT
			if changed {
				dt = max(p.RecrawlDTMin, dt/2)
			} else {
				dt = min(p.RecrawlDTMax, dt*2)
			}
		}
		next := base.Add(dt)
		doc.CrawlDT = &dt
		doc.CrawlNext = &next
	default:
		doc.CrawlNext = nil
		doc.CrawlDT = nil
	}
}
