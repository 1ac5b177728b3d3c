package memory

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

var _ publication.Store = (*PublicationStore)(nil)

type identity struct {
	doi     string
	version int
}

type pdfAttempt struct {
	attempts   int
	reason     string
	retryAfter time.Time
}

type syncDay struct {
	status  publication.DayStatus
	records int
}

// PublicationStore is an in-memory publication.Store for development and
// tests. It mirrors the Postgres store's semantics.
type PublicationStore struct {
	mu              sync.RWMutex
	now             func() time.Time
	summaryMethodID int
	nextID          int64
	rows            map[int64]publication.Publication
	ids             map[identity]int64
	fulltext        map[int64]string
	attempts        map[int64]pdfAttempt
	methods         map[int]string
	summaries       map[int64]map[int]string
	keywords        map[int64][]string
	critiques       map[int64]string
	syncDays        map[string]map[string]syncDay
}

// NewPublicationStore constructs an empty store using summary method 1.
func NewPublicationStore() *PublicationStore {
	return &PublicationStore{
		now:             func() time.Time { return time.Now().UTC() },
		summaryMethodID: 1,
		rows:            make(map[int64]publication.Publication),
		ids:             make(map[identity]int64),
		fulltext:        make(map[int64]string),
		attempts:        make(map[int64]pdfAttempt),
		methods:         make(map[int]string),
		summaries:       make(map[int64]map[int]string),
		keywords:        make(map[int64][]string),
		critiques:       make(map[int64]string),
		syncDays:        make(map[string]map[string]syncDay),
	}
}

// SetClock overrides the time source used for bookkeeping and PDF backoff.
func (s *PublicationStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Upsert inserts or overwrites the record keyed by (doi, version).
func (s *PublicationStore) Upsert(_ context.Context, rec publication.Publication) (publication.UpsertResult, error) {
	if rec.DOI == "" || rec.Version <= 0 {
		return publication.UpsertResult{}, fmt.Errorf("%w: doi and version are required", publication.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(rec), nil
}

func (s *PublicationStore) upsertLocked(rec publication.Publication) publication.UpsertResult {
	key := identity{doi: rec.DOI, version: rec.Version}
	rec.Server = strings.ToLower(rec.Server)
	rec.Authors = slices.Clone(rec.Authors)
	rec.UpdatedAt = s.now()
	if id, ok := s.ids[key]; ok {
		rec.ID = id
		s.rows[id] = rec
		return publication.UpsertResult{ID: id}
	}
	s.nextID++
	rec.ID = s.nextID
	s.ids[key] = rec.ID
	s.rows[rec.ID] = rec
	return publication.UpsertResult{ID: rec.ID, Inserted: true}
}

// BulkUpsert upserts all records atomically.
func (s *PublicationStore) BulkUpsert(_ context.Context, records []publication.Publication) ([]publication.UpsertResult, error) {
	for _, rec := range records {
		if rec.DOI == "" || rec.Version <= 0 {
			return nil, fmt.Errorf("%w: doi and version are required", publication.ErrInvalidRecord)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]publication.UpsertResult, 0, len(records))
	for _, rec := range records {
		out = append(out, s.upsertLocked(rec))
	}
	return out, nil
}

// Fetch returns a stored revision by id.
func (s *PublicationStore) Fetch(_ context.Context, id int64) (publication.Publication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[id]
	if !ok {
		return publication.Publication{}, publication.ErrNotFound
	}
	p.Authors = slices.Clone(p.Authors)
	return p, nil
}

// LatestStoredDate returns the newest date stored for server.
func (s *PublicationStore) LatestStoredDate(_ context.Context, server string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	server = strings.ToLower(server)
	latest := ""
	for _, p := range s.rows {
		if p.Server == server && p.Date > latest {
			latest = p.Date
		}
	}
	return latest, latest != "", nil
}

// Count returns the number of current revisions for server.
func (s *PublicationStore) Count(_ context.Context, server string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	server = strings.ToLower(server)
	n := 0
	for _, p := range s.currentLocked() {
		if p.Server == server {
			n++
		}
	}
	return n, nil
}

// CountOnDate counts stored revisions for one server and day.
func (s *PublicationStore) CountOnDate(_ context.Context, server, day string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	server = strings.ToLower(server)
	n := 0
	for _, p := range s.rows {
		if p.Server == server && p.Date == day {
			n++
		}
	}
	return n, nil
}

// ListNewest returns the newest current revisions.
func (s *PublicationStore) ListNewest(_ context.Context, limit int) ([]publication.Publication, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.currentLocked()
	sortNewestFirst(cur)
	if len(cur) > limit {
		cur = cur[:limit]
	}
	return cur, nil
}

// FetchDateRange streams current revisions within [from, to], oldest first.
func (s *PublicationStore) FetchDateRange(_ context.Context, from, to string) publication.Stream {
	return s.snapshot(func() []publication.Publication {
		var out []publication.Publication
		for _, p := range s.currentLocked() {
			if p.Date >= from && p.Date <= to {
				out = append(out, p)
			}
		}
		slices.SortFunc(out, func(a, b publication.Publication) int {
			return cmp.Or(cmp.Compare(a.Date, b.Date), cmp.Compare(a.ID, b.ID))
		})
		return out
	})
}

// SearchFor matches keywords against title, abstract and summary.
func (s *PublicationStore) SearchFor(_ context.Context, q publication.SearchQuery) publication.Stream {
	var terms []string
	for _, kw := range q.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			terms = append(terms, strings.ToLower(kw))
		}
	}
	return s.snapshot(func() []publication.Publication {
		var out []publication.Publication
		for _, p := range s.currentLocked() {
			if q.From != "" && p.Date < q.From || q.To != "" && p.Date > q.To {
				continue
			}
			fields := []string{
				strings.ToLower(p.Title),
				strings.ToLower(p.Abstract),
				strings.ToLower(s.summaries[p.ID][s.summaryMethodID]),
			}
			if matches(terms, fields, q.Mode) {
				out = append(out, p)
			}
		}
		sortNewestFirst(out)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[:q.Limit]
		}
		return out
	})
}

func matches(terms, fields []string, mode publication.MatchMode) bool {
	if len(terms) == 0 {
		return true
	}
	hit := func(term string) bool {
		return slices.ContainsFunc(fields, func(f string) bool { return strings.Contains(f, term) })
	}
	if mode == publication.MatchAll {
		for _, term := range terms {
			if !hit(term) {
				return false
			}
		}
		return true
	}
	return slices.ContainsFunc(terms, hit)
}

// snapshot copies rows under the read lock and yields them after releasing it.
func (s *PublicationStore) snapshot(build func() []publication.Publication) publication.Stream {
	return func(yield func(publication.Publication, error) bool) {
		s.mu.RLock()
		rows := build()
		s.mu.RUnlock()
		for _, p := range rows {
			if !yield(p, nil) {
				return
			}
		}
	}
}

// currentLocked returns the highest version per DOI ordered by id.
func (s *PublicationStore) currentLocked() []publication.Publication {
	best := make(map[string]publication.Publication)
	for _, p := range s.rows {
		if cur, ok := best[p.DOI]; !ok || p.Version > cur.Version {
			best[p.DOI] = p
		}
	}
	out := make([]publication.Publication, 0, len(best))
	for _, p := range best {
		p.Authors = slices.Clone(p.Authors)
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b publication.Publication) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func sortNewestFirst(pubs []publication.Publication) {
	slices.SortFunc(pubs, func(a, b publication.Publication) int {
		return cmp.Or(cmp.Compare(b.Date, a.Date), cmp.Compare(b.ID, a.ID))
	})
}

// SaveSummaryMethod registers a summary method.
func (s *PublicationStore) SaveSummaryMethod(_ context.Context, id int, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[id] = name
	return nil
}

// Enrichment returns the stored artifact of kind.
func (s *PublicationStore) Enrichment(_ context.Context, id int64, kind publication.EnrichmentKind) (publication.Enrichment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case publication.KindSummary:
		text, ok := s.summaries[id][s.summaryMethodID]
		return publication.Enrichment{Kind: kind, MethodID: s.summaryMethodID, Text: text}, ok, nil
	case publication.KindKeywords:
		kws, ok := s.keywords[id]
		return publication.Enrichment{Kind: kind, Keywords: slices.Clone(kws)}, ok, nil
	case publication.KindCritique:
		text, ok := s.critiques[id]
		return publication.Enrichment{Kind: kind, Text: text}, ok, nil
	default:
		return publication.Enrichment{}, false, fmt.Errorf("unknown enrichment kind %q", kind)
	}
}

// SaveEnrichments writes all items or none.
func (s *PublicationStore) SaveEnrichments(_ context.Context, id int64, items []publication.Enrichment) error {
	for _, item := range items {
		if _, err := publication.ParseKind(string(item.Kind)); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return fmt.Errorf("save enrichments: %w", publication.ErrNotFound)
	}
	for _, item := range items {
		switch item.Kind {
		case publication.KindSummary:
			method := item.MethodID
			if method <= 0 {
				method = s.summaryMethodID
			}
			if s.summaries[id] == nil {
				s.summaries[id] = make(map[int]string)
			}
			s.summaries[id][method] = item.Text
		case publication.KindKeywords:
			s.keywords[id] = slices.Clone(item.Keywords)
		case publication.KindCritique:
			s.critiques[id] = item.Text
		}
	}
	return nil
}

// MissingEnrichment streams current revisions without an artifact of kind.
func (s *PublicationStore) MissingEnrichment(_ context.Context, kind publication.EnrichmentKind) publication.Stream {
	if _, err := publication.ParseKind(string(kind)); err != nil {
		return func(yield func(publication.Publication, error) bool) {
			yield(publication.Publication{}, err)
		}
	}
	return s.snapshot(func() []publication.Publication {
		var out []publication.Publication
		for _, p := range s.currentLocked() {
			var present bool
			switch kind {
			case publication.KindSummary:
				_, present = s.summaries[p.ID][s.summaryMethodID]
			case publication.KindKeywords:
				_, present = s.keywords[p.ID]
			case publication.KindCritique:
				_, present = s.critiques[p.ID]
			}
			if !present {
				out = append(out, p)
			}
		}
		return out
	})
}

// Current streams every current revision.
func (s *PublicationStore) Current(_ context.Context) publication.Stream {
	return s.snapshot(s.currentLocked)
}

// PDFPath returns the linked filename.
func (s *PublicationStore) PDFPath(_ context.Context, id int64) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.fulltext[id]
	return name, ok, nil
}

// RecordPDF links a filename and clears failure backoff.
func (s *PublicationStore) RecordPDF(_ context.Context, id int64, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return fmt.Errorf("record pdf: %w", publication.ErrNotFound)
	}
	s.fulltext[id] = filename
	delete(s.attempts, id)
	return nil
}

// RecordPDFFailure bumps the attempt counter with capped exponential backoff.
func (s *PublicationStore) RecordPDFFailure(_ context.Context, id int64, reason string, base, maxBackoff time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.attempts[id]
	wait := base
	if prev.attempts > 0 {
		wait = time.Duration(math.Min(float64(base)*math.Pow(2, float64(prev.attempts)), float64(maxBackoff)))
	}
	s.attempts[id] = pdfAttempt{
		attempts:   prev.attempts + 1,
		reason:     reason,
		retryAfter: s.now().Add(wait),
	}
	return nil
}

// PDFAttempts reports the failure count recorded for id.
func (s *PublicationStore) PDFAttempts(id int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts[id].attempts
}

// MissingPDFs streams current revisions lacking a PDF and not in backoff.
func (s *PublicationStore) MissingPDFs(_ context.Context) publication.Stream {
	return s.snapshot(func() []publication.Publication {
		now := s.now()
		var out []publication.Publication
		for _, p := range s.currentLocked() {
			if _, ok := s.fulltext[p.ID]; ok {
				continue
			}
			if a, ok := s.attempts[p.ID]; ok && a.retryAfter.After(now) {
				continue
			}
			out = append(out, p)
		}
		return out
	})
}

// RecordSyncDay stores a per-day sync outcome.
func (s *PublicationStore) RecordSyncDay(_ context.Context, server, day string, status publication.DayStatus, records int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	server = strings.ToLower(server)
	if s.syncDays[server] == nil {
		s.syncDays[server] = make(map[string]syncDay)
	}
	s.syncDays[server][day] = syncDay{status: status, records: records}
	return nil
}

// EarliestFailedDay returns the oldest failed day for server.
func (s *PublicationStore) EarliestFailedDay(_ context.Context, server string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	earliest := ""
	for day, rec := range s.syncDays[strings.ToLower(server)] {
		if rec.status == publication.DayFetchFailed && (earliest == "" || day < earliest) {
			earliest = day
		}
	}
	return earliest, earliest != "", nil
}

// SyncDayStatus returns the last recorded outcome for day.
func (s *PublicationStore) SyncDayStatus(_ context.Context, server, day string) (publication.DayStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.syncDays[strings.ToLower(server)][day]
	return rec.status, ok, nil
}

// Ping always succeeds.
func (s *PublicationStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *PublicationStore) Close() {}
