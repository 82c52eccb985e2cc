// Package reconcile cross-checks the URL registry against the detail table
// and reports drift between what was marked completed and what was actually
// stored.
package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Report is the outcome of one reconciliation pass for one site.
type Report struct {
	SiteName    string    `json:"site_name"`
	GeneratedAt time.Time `json:"generated_at"`

	CompletedCount int `json:"completed_count"`
	DetailCount    int `json:"detail_count"`

	// MissingInDetail: marked completed but no detail row exists.
	MissingInDetail []string `json:"missing_in_detail"`
	// OrphanedInDetail: a detail row exists but the URL was never completed.
	OrphanedInDetail []string `json:"orphaned_in_detail"`
	// Duplicates: URLs with more than one detail row.
	Duplicates []string `json:"duplicates"`

	// MatchingRate is |A n B| / |A u B| over the two URL sets.
	MatchingRate float64 `json:"matching_rate"`
	// SuccessRate is completed / (completed + failed + exhausted + pending)
	// over the registry, filled in by the service from live counts.
	SuccessRate float64 `json:"success_rate"`

	Recommendations []string `json:"recommendations"`
}

// Diff computes the report from the completed URL set (registry side) and
// the stored detail URLs (detail table side, duplicates included).
func Diff(site string, completed, details []string) Report {
	r := Report{
		SiteName:    site,
		GeneratedAt: time.Now().UTC(),
	}

	a := make(map[string]struct{}, len(completed))
	for _, u := range completed {
		a[u] = struct{}{}
	}
	b := make(map[string]int, len(details))
	for _, u := range details {
		b[u]++
	}
	r.CompletedCount = len(a)
	// Row count, not unique URLs, so duplicates show up in the totals too.
	r.DetailCount = len(details)

	var inter int
	for u := range a {
		if _, ok := b[u]; ok {
			inter++
		} else {
			r.MissingInDetail = append(r.MissingInDetail, u)
		}
	}
	for u, n := range b {
		if _, ok := a[u]; !ok {
			r.OrphanedInDetail = append(r.OrphanedInDetail, u)
		}
		if n > 1 {
			r.Duplicates = append(r.Duplicates, u)
		}
	}
	sort.Strings(r.MissingInDetail)
	sort.Strings(r.OrphanedInDetail)
	sort.Strings(r.Duplicates)

	union := len(a) + len(b) - inter
	if union == 0 {
		r.MatchingRate = 1
	} else {
		r.MatchingRate = float64(inter) / float64(union)
	}

	r.Recommendations = recommend(r)
	return r
}

// Healthy reports whether the matching rate meets the drift tolerance and no
// duplicates exist.
func (r Report) Healthy(tolerance float64) bool {
	return r.MatchingRate >= tolerance && len(r.Duplicates) == 0
}

func recommend(r Report) []string {
	var recs []string
	if len(r.MissingInDetail) > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d completed URLs have no detail row; run requeue-missing to re-fetch them",
			len(r.MissingInDetail)))
	}
	if len(r.OrphanedInDetail) > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d detail rows have no completed registry entry; check for writes outside the pipeline or lost completions",
			len(r.OrphanedInDetail)))
	}
	if len(r.Duplicates) > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d URLs have duplicate detail rows; the unique vehicle link should make this impossible, inspect manually",
			len(r.Duplicates)))
	}
	if len(recs) == 0 {
		recs = append(recs, "registry and detail data are in sync; no action needed")
	}
	return recs
}

// Render formats the report for the console.
func (r Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reconciliation report for %s (%s)\n", r.SiteName, r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "  completed URLs:     %d\n", r.CompletedCount)
	fmt.Fprintf(&b, "  detail rows:        %d\n", r.DetailCount)
	fmt.Fprintf(&b, "  matching rate:      %.2f%%\n", r.MatchingRate*100)
	fmt.Fprintf(&b, "  success rate:       %.2f%%\n", r.SuccessRate*100)
	fmt.Fprintf(&b, "  missing in detail:  %d\n", len(r.MissingInDetail))
	fmt.Fprintf(&b, "  orphaned in detail: %d\n", len(r.OrphanedInDetail))
	fmt.Fprintf(&b, "  duplicates:         %d\n", len(r.Duplicates))

	preview := func(label string, urls []string) {
		if len(urls) == 0 {
			return
		}
		fmt.Fprintf(&b, "  %s:\n", label)
		for i, u := range urls {
			if i == 10 {
				fmt.Fprintf(&b, "    ... and %d more\n", len(urls)-10)
				break
			}
			fmt.Fprintf(&b, "    %s\n", u)
		}
	}
	preview("missing", r.MissingInDetail)
	preview("orphaned", r.OrphanedInDetail)
	preview("duplicate", r.Duplicates)

	b.WriteString("  recommendations:\n")
	for _, rec := range r.Recommendations {
		fmt.Fprintf(&b, "    - %s\n", rec)
	}
	return b.String()
}
