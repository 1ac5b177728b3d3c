package publication

import (
	"fmt"
	"time"
)

// ExcludeDuplicates drops records whose DOI already appeared earlier in the
// same batch. The first occurrence wins and input order is preserved.
func ExcludeDuplicates(records []Publication) []Publication {
	seen := make(map[string]struct{}, len(records))
	out := make([]Publication, 0, len(records))
	for _, rec := range records {
		if _, dup := seen[rec.DOI]; dup {
			continue
		}
		seen[rec.DOI] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// SplitDays returns every day in [from, to], both ends included, in ascending
// order. An inverted range yields nil.
func SplitDays(from, to time.Time) []time.Time {
	start := truncateDay(from)
	end := truncateDay(to)
	if end.Before(start) {
		return nil
	}
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// ParseDay parses a YYYY-MM-DD string as a UTC day.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return t, nil
}

// FormatDay renders a day in the catalog's format.
func FormatDay(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// FromSlice adapts an in-memory batch to a Stream.
func FromSlice(pubs []Publication) Stream {
	return func(yield func(Publication, error) bool) {
		for _, p := range pubs {
			if !yield(p, nil) {
				return
			}
		}
	}
}
