package publication

import (
	"context"
	"iter"
	"time"
)

// Stream is a lazy sequence of publications. Each call to the sequence starts
// a fresh scan; a non-nil error ends it.
type Stream = iter.Seq2[Publication, error]

// SyncStore is the part of the store used by the sync engine.
type SyncStore interface {
	Upsert(ctx context.Context, rec Publication) (UpsertResult, error)
	LatestStoredDate(ctx context.Context, server string) (string, bool, error)
	CountOnDate(ctx context.Context, server, day string) (int, error)
	RecordSyncDay(ctx context.Context, server, day string, status DayStatus, records int) error
	EarliestFailedDay(ctx context.Context, server string) (string, bool, error)
	SyncDayStatus(ctx context.Context, server, day string) (DayStatus, bool, error)
}

// AssetStore links publications to their downloaded PDFs.
type AssetStore interface {
	PDFPath(ctx context.Context, id int64) (string, bool, error)
	RecordPDF(ctx context.Context, id int64, filename string) error
	RecordPDFFailure(ctx context.Context, id int64, reason string, base, maxBackoff time.Duration) error
	MissingPDFs(ctx context.Context) Stream
}

// EnrichmentStore reads and writes enrichment artifacts.
type EnrichmentStore interface {
	Enrichment(ctx context.Context, id int64, kind EnrichmentKind) (Enrichment, bool, error)
	SaveEnrichments(ctx context.Context, id int64, items []Enrichment) error
	MissingEnrichment(ctx context.Context, kind EnrichmentKind) Stream
	Current(ctx context.Context) Stream
}

// Store is the full publication store surface.
type Store interface {
	SyncStore
	AssetStore
	EnrichmentStore
	Fetch(ctx context.Context, id int64) (Publication, error)
	BulkUpsert(ctx context.Context, records []Publication) ([]UpsertResult, error)
	SearchFor(ctx context.Context, q SearchQuery) Stream
	FetchDateRange(ctx context.Context, from, to string) Stream
	ListNewest(ctx context.Context, limit int) ([]Publication, error)
	Count(ctx context.Context, server string) (int, error)
	SaveSummaryMethod(ctx context.Context, id int, name string) error
	Ping(ctx context.Context) error
	Close()
}

// CatalogClient fetches one day of catalog records.
type CatalogClient interface {
	Fetch(ctx context.Context, day time.Time) ([]Publication, error)
}

// AssetFetcher downloads the PDF for one publication. It returns the asset
// location and false when nothing could be obtained.
type AssetFetcher interface {
	Fetch(ctx context.Context, pub Publication) (string, bool)
}

// TextProcessor is the external summarization, keyword and critique service.
type TextProcessor interface {
	Summarize(ctx context.Context, text string, maxSentences int) (string, error)
	ExtractKeywords(ctx context.Context, text string) ([]string, error)
	Critique(ctx context.Context, text string) (string, error)
}

// Notifier receives human-readable messages from long-running operations.
type Notifier interface {
	Notify(msg string)
}

// Publisher pushes events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
