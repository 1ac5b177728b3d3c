// Package publication defines the records and collaborator interfaces shared by
// the catalog client, the store, the sync engine, the asset fetcher and the
// enrichment pipeline.
package publication

import (
	"errors"
	"strings"
	"time"
)

// DateLayout is the catalog's day format.
const DateLayout = "2006-01-02"

var (
	// ErrNotFound is returned when a lookup by id matches no row.
	ErrNotFound = errors.New("publication not found")
	// ErrInvalidRecord marks a catalog record that failed validation.
	ErrInvalidRecord = errors.New("invalid catalog record")
)

// Publication is one version of one scholarly record.
type Publication struct {
	ID                     int64     `json:"id"`
	DOI                    string    `json:"doi"`
	Version                int       `json:"version"`
	Title                  string    `json:"title"`
	Authors                []string  `json:"authors"`
	AuthorCorresponding    string    `json:"author_corresponding,omitempty"`
	AuthorCorrespondingOrg string    `json:"author_corresponding_institution,omitempty"`
	Date                   string    `json:"date"`
	Type                   string    `json:"type,omitempty"`
	License                string    `json:"license,omitempty"`
	Category               string    `json:"category,omitempty"`
	JATSXML                string    `json:"jatsxml,omitempty"`
	Abstract               string    `json:"abstract"`
	Published              string    `json:"published,omitempty"`
	Server                 string    `json:"server"`
	UpdatedAt              time.Time `json:"updated_at,omitzero"`
}

// PublishedElsewhere reports whether the catalog links a journal version.
func (p Publication) PublishedElsewhere() bool {
	v := strings.TrimSpace(p.Published)
	return v != "" && !strings.EqualFold(v, "NA")
}

// PDFFilename derives the cache filename from the DOI.
func (p Publication) PDFFilename() string {
	return strings.ReplaceAll(p.DOI, "/", "-") + ".pdf"
}

// UpsertResult reports the row id and whether the row was newly created.
type UpsertResult struct {
	ID       int64
	Inserted bool
}

// EnrichmentKind names one enrichment stage.
type EnrichmentKind string

// Enrichment kinds produced by the pipeline.
const (
	KindSummary  EnrichmentKind = "summary"
	KindKeywords EnrichmentKind = "keywords"
	KindCritique EnrichmentKind = "critique"
)

// Kinds lists every enrichment kind in backfill order.
var Kinds = []EnrichmentKind{KindSummary, KindKeywords, KindCritique}

// ParseKind validates a kind name.
func ParseKind(s string) (EnrichmentKind, error) {
	switch k := EnrichmentKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindSummary, KindKeywords, KindCritique:
		return k, nil
	default:
		return "", errors.New("unknown enrichment kind: " + s)
	}
}

// Enrichment is a derived artifact for one publication.
// Text holds summaries and critiques, Keywords holds keyword sets.
type Enrichment struct {
	Kind     EnrichmentKind `json:"kind"`
	MethodID int            `json:"method_id,omitempty"`
	Text     string         `json:"text,omitempty"`
	Keywords []string       `json:"keywords,omitempty"`
}

// MatchMode selects how multiple search keywords combine.
type MatchMode string

// Match modes accepted by SearchFor.
const (
	MatchAny MatchMode = "any"
	MatchAll MatchMode = "all"
)

// SearchQuery describes a keyword search over title, abstract and summary.
type SearchQuery struct {
	Keywords []string
	From     string
	To       string
	Mode     MatchMode
	Limit    int
}

// DayStatus is the per-day outcome of a sync run.
type DayStatus string

// Day statuses recorded by the sync engine.
const (
	DayCached      DayStatus = "cached"
	DayFetchedNew  DayStatus = "fetched-new"
	DayFetchFailed DayStatus = "fetch-failed"
)
