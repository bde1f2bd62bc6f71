package policy

import "github.com/JakeFAU/recrawler/internal/crawler"

// Action is the outcome of a recursion decision.
type Action int

const (
	// Skip means the child is not queued; an existing row is returned as-is.
	Skip Action = iota
	// Lookup means the child is never queued by discovery; an existing row is returned as-is.
	Lookup
	// Queue means the child is created unconditionally without touching its budget.
	Queue
	// QueueWithBudget means the child is created and its budget raised to Budget(existing).
	QueueWithBudget
)

// Decision describes how a discovered URL must be handled.
type Decision struct {
	Action   Action
	Computed int
}

// Budget returns the recursion budget to persist given the child's current one.
func (d Decision) Budget(existing int) int {
	return max(existing, d.Computed)
}

// DecideRecursion applies the parent policy's recursion rules to a child URL governed by child. A nil
// parent marks a seed URL.
func DecideRecursion(parentPolicy crawler.Policy, parent *crawler.Document, child crawler.Policy) Decision {
	if child.Condition == crawler.ConditionAlways || parent == nil {
		return Decision{Action: Queue}
	}
	if child.Condition == crawler.ConditionNever {
		return Decision{Action: Lookup}
	}

	computed := 0
	switch parentPolicy.Condition {
	case crawler.ConditionAlways:
		computed = parentPolicy.RecursionDepth
	case crawler.ConditionDepth:
		if parent.CrawlRecurse > 1 {
			computed = parent.CrawlRecurse - 1
		}
	}
	if computed <= 0 {
		return Decision{Action: Skip}
	}
	return Decision{Action: QueueWithBudget, Computed: computed}
}

// StopsRecursion reports whether documents under p must not be recrawled given their budget.
func StopsRecursion(p crawler.Policy, doc crawler.Document) bool {
	return p.Condition == crawler.ConditionNever ||
		(p.Condition == crawler.ConditionDepth && doc.CrawlRecurse == 0)
}
