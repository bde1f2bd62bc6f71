// Package policy maps URLs to their governing crawl policy and derives recursion rules.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

type compiled struct {
	policy   crawler.Policy
	combined *regexp.Regexp
	excluded *regexp.Regexp
}

// Resolver selects the policy governing a URL. It is immutable after construction and safe for
// concurrent use by every worker.
type Resolver struct {
	policies []compiled
	fallback crawler.Policy
}

// NewResolver compiles the policy patterns. fallback is returned when nothing matches.
func NewResolver(policies []crawler.Policy, fallback crawler.Policy) (*Resolver, error) {
	r := &Resolver{fallback: fallback}
	for _, p := range policies {
		c := compiled{policy: p}
		combined, err := combinedPattern(p)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.Name, err)
		}
		c.combined = combined
		excluded, err := compileLines(p.ExcludedRegex)
		if err != nil {
			return nil, fmt.Errorf("policy %q excluded_regex: %w", p.Name, err)
		}
		c.excluded = excluded
		r.policies = append(r.policies, c)
	}
	return r, nil
}

// Default returns the mandatory fallback policy.
func (r *Resolver) Default() crawler.Policy {
	return r.fallback
}

// Resolve returns the enabled policy whose combined regex matches the longest substring of url. A
// policy whose exclusion pattern matches url is skipped in favor of the next candidate.
func (r *Resolver) Resolve(url string) crawler.Policy {
	type candidate struct {
		idx    int
		length int
	}
	var candidates []candidate
	for i, c := range r.policies {
		if c.combined == nil {
			continue
		}
		loc := c.combined.FindStringIndex(url)
		if loc == nil || loc[1]-loc[0] == 0 {
			continue
		}
		candidates = append(candidates, candidate{idx: i, length: loc[1] - loc[0]})
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].length > candidates[b].length
	})
	for _, cand := range candidates {
		c := r.policies[cand.idx]
		if c.excluded != nil && c.excluded.MatchString(url) {
			continue
		}
		return c.policy
	}
	return r.fallback
}

// Policies returns the configured policies in declaration order.
func (r *Resolver) Policies() []crawler.Policy {
	out := make([]crawler.Policy, 0, len(r.policies))
	for _, c := range r.policies {
		out = append(out, c.policy)
	}
	return out
}

func combinedPattern(p crawler.Policy) (*regexp.Regexp, error) {
	var parts []string
	for _, src := range []string{p.UnlimitedRegex, p.LimitedRegex} {
		if alt := buildMultiline(src); alt != "" {
			parts = append(parts, alt)
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	re, err := regexp.Compile(strings.Join(parts, "|"))
	if err != nil {
		return nil, fmt.Errorf("compile combined regex: %w", err)
	}
	re.Longest()
	return re, nil
}

func compileLines(src string) (*regexp.Regexp, error) {
	alt := buildMultiline(src)
	if alt == "" {
		return nil, nil
	}
	re, err := regexp.Compile(alt)
	if err != nil {
		return nil, fmt.Errorf("compile regex: %w", err)
	}
	return re, nil
}

// buildMultiline joins one pattern per line into an alternation, ignoring blank lines and # comments.
func buildMultiline(src string) string {
	var lines []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, "(?:"+line+")")
	}
	return strings.Join(lines, "|")
}
