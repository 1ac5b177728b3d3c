package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

const upsertPublicationSQL = `
INSERT INTO publications (
	doi,
	version,
	title,
	authors,
	author_corresponding,
	author_corresponding_institution,
	date,
	type,
	license,
	category,
	jatsxml,
	abstract,
	published,
	server
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
ON CONFLICT (doi, version) DO UPDATE SET
	title = EXCLUDED.title,
	authors = EXCLUDED.authors,
	author_corresponding = EXCLUDED.author_corresponding,
	author_corresponding_institution = EXCLUDED.author_corresponding_institution,
	date = EXCLUDED.date,
	type = EXCLUDED.type,
	license = EXCLUDED.license,
	category = EXCLUDED.category,
	jatsxml = EXCLUDED.jatsxml,
	abstract = EXCLUDED.abstract,
	published = EXCLUDED.published,
	server = EXCLUDED.server,
	updated_at = now()
RETURNING id, (xmax = 0) AS inserted`

func upsertArgs(rec publication.Publication) []any {
	authors := rec.Authors
	if authors == nil {
		authors = []string{}
	}
	return []any{
		rec.DOI,
		rec.Version,
		rec.Title,
		authors,
		rec.AuthorCorresponding,
		rec.AuthorCorrespondingOrg,
		rec.Date,
		rec.Type,
		rec.License,
		rec.Category,
		rec.JATSXML,
		rec.Abstract,
		rec.Published,
		strings.ToLower(rec.Server),
	}
}

func validateIdentity(rec publication.Publication) error {
	if rec.DOI == "" {
		return fmt.Errorf("%w: doi is required", publication.ErrInvalidRecord)
	}
	if rec.Version <= 0 {
		return fmt.Errorf("%w: doi %s: version must be > 0", publication.ErrInvalidRecord, rec.DOI)
	}
	return nil
}

// Upsert inserts the record or, on a (doi, version) conflict, overwrites its
// mutable fields. Concurrent writers converge through the conflict clause.
func (s *Store) Upsert(ctx context.Context, rec publication.Publication) (publication.UpsertResult, error) {
	if err := validateIdentity(rec); err != nil {
		return publication.UpsertResult{}, err
	}
	var res publication.UpsertResult
	if err := s.pool.QueryRow(ctx, upsertPublicationSQL, upsertArgs(rec)...).Scan(&res.ID, &res.Inserted); err != nil {
		return publication.UpsertResult{}, fmt.Errorf("upsert publication %s v%d: %w", rec.DOI, rec.Version, err)
	}
	return res, nil
}

// BulkUpsert upserts a batch in one transaction. Results follow input order.
func (s *Store) BulkUpsert(ctx context.Context, records []publication.Publication) ([]publication.UpsertResult, error) {
	for _, rec := range records {
		if err := validateIdentity(rec); err != nil {
			return nil, err
		}
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin bulk upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := make([]publication.UpsertResult, 0, len(records))
	for _, rec := range records {
		var res publication.UpsertResult
		if err := tx.QueryRow(ctx, upsertPublicationSQL, upsertArgs(rec)...).Scan(&res.ID, &res.Inserted); err != nil {
			return nil, fmt.Errorf("bulk upsert %s v%d: %w", rec.DOI, rec.Version, err)
		}
		out = append(out, res)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit bulk upsert: %w", err)
	}
	return out, nil
}

// Fetch returns one stored revision by row id.
func (s *Store) Fetch(ctx context.Context, id int64) (publication.Publication, error) {
	query := `SELECT ` + publicationColumns + ` FROM publications p WHERE p.id = $1`
	p, err := scanPublication(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return publication.Publication{}, publication.ErrNotFound
	}
	if err != nil {
		return publication.Publication{}, fmt.Errorf("fetch publication %d: %w", id, err)
	}
	return p, nil
}

// LatestStoredDate returns the newest stored date for server; false when the
// server has no rows.
func (s *Store) LatestStoredDate(ctx context.Context, server string) (string, bool, error) {
	var latest string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(date), '') FROM publications WHERE server = lower($1)`,
		server,
	).Scan(&latest)
	if err != nil {
		return "", false, fmt.Errorf("latest stored date: %w", err)
	}
	return latest, latest != "", nil
}

// Count returns the number of current revisions for server.
func (s *Store) Count(ctx context.Context, server string) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM publications_current WHERE server = lower($1)`,
		server,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count publications: %w", err)
	}
	return int(n), nil
}

// CountOnDate returns how many revisions are stored for one server and day.
func (s *Store) CountOnDate(ctx context.Context, server, day string) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM publications WHERE server = lower($1) AND date = $2`,
		server, day,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count publications on %s: %w", day, err)
	}
	return int(n), nil
}

// ListNewest returns the most recent current revisions.
func (s *Store) ListNewest(ctx context.Context, limit int) ([]publication.Publication, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + publicationColumns + ` FROM publications_current p
ORDER BY p.date DESC, p.id DESC
LIMIT $1`
	return s.queryPublications(ctx, query, limit)
}

// FetchDateRange streams current revisions with from <= date <= to in
// ascending date order.
func (s *Store) FetchDateRange(ctx context.Context, from, to string) publication.Stream {
	query := `SELECT ` + publicationColumns + ` FROM publications_current p
WHERE p.date >= $1 AND p.date <= $2
	AND (p.date, p.id) > ($3::text, $4::bigint)
ORDER BY p.date, p.id
LIMIT $5`
	return s.stream(ctx, keysetStart, 0, func(ctx context.Context, after keyset, size int) ([]publication.Publication, error) {
		return s.queryPublications(ctx, query, from, to, after.date, after.id, size)
	})
}

// SearchFor streams current revisions whose title, abstract or summary
// contains the keywords, case-insensitively, newest first. With no keywords
// only the date bounds apply.
func (s *Store) SearchFor(ctx context.Context, q publication.SearchQuery) publication.Stream {
	patterns := likePatterns(q.Keywords)
	mode := q.Mode
	if len(patterns) == 0 {
		mode = publication.MatchAll
	}
	query := `SELECT ` + publicationColumns + ` FROM publications_current p
LEFT JOIN summaries s ON s.id_publication = p.id AND s.id_summary_method = $1
WHERE ` + keywordPredicate(mode) + `
	AND ($3::text = '' OR p.date >= $3::text)
	AND ($4::text = '' OR p.date <= $4::text)
	AND (p.date, p.id) < ($5::text, $6::bigint)
ORDER BY p.date DESC, p.id DESC
LIMIT $7`
	return s.stream(ctx, keysetDescEnd, q.Limit, func(ctx context.Context, after keyset, size int) ([]publication.Publication, error) {
		return s.queryPublications(ctx, query, s.summaryMethodID, patterns, q.From, q.To, after.date, after.id, size)
	})
}

// keywordPredicate matches $2, an array of ILIKE patterns. ALL requires every
// pattern to hit at least one field; ANY requires one pattern to hit one.
func keywordPredicate(mode publication.MatchMode) string {
	const hit = `(p.title ILIKE k.pattern OR p.abstract ILIKE k.pattern OR COALESCE(s.text, '') ILIKE k.pattern)`
	if mode == publication.MatchAll {
		return `NOT EXISTS (SELECT 1 FROM unnest($2::text[]) AS k(pattern) WHERE NOT ` + hit + `)`
	}
	return `EXISTS (SELECT 1 FROM unnest($2::text[]) AS k(pattern) WHERE ` + hit + `)`
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePatterns(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, "%"+likeEscaper.Replace(kw)+"%")
		}
	}
	return out
}
