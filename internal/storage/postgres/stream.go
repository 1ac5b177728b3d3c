package postgres

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

const publicationColumns = `p.id, p.doi, p.version, p.title, p.authors, p.author_corresponding,
	p.author_corresponding_institution, p.date, p.type, p.license, p.category, p.jatsxml,
	p.abstract, p.published, p.server, p.updated_at`

// keyset is the position after the last row of a page.
type keyset struct {
	date string
	id   int64
}

var (
	keysetStart   = keyset{}
	keysetDescEnd = keyset{date: "9999-12-31", id: math.MaxInt64}
)

type pageFunc func(ctx context.Context, after keyset, size int) ([]publication.Publication, error)

// stream turns a page query into a lazy sequence. A page is read fully and
// its rows released before any element is yielded, so consumers never hold a
// pooled connection while they work. limit <= 0 means unbounded.
func (s *Store) stream(ctx context.Context, start keyset, limit int, page pageFunc) publication.Stream {
	return func(yield func(publication.Publication, error) bool) {
		after := start
		emitted := 0
		for {
			size := s.batchSize
			if limit > 0 {
				size = min(size, limit-emitted)
			}
			batch, err := page(ctx, after, size)
			if err != nil {
				yield(publication.Publication{}, err)
				return
			}
			for _, p := range batch {
				if !yield(p, nil) {
					return
				}
				emitted++
			}
			if len(batch) < size || (limit > 0 && emitted >= limit) {
				return
			}
			last := batch[len(batch)-1]
			after = keyset{date: last.Date, id: last.ID}
		}
	}
}

func (s *Store) queryPublications(ctx context.Context, query string, args ...any) ([]publication.Publication, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query publications: %w", err)
	}
	defer rows.Close()

	var out []publication.Publication
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publications: %w", err)
	}
	return out, nil
}

func scanPublication(row pgx.Row) (publication.Publication, error) {
	var p publication.Publication
	err := row.Scan(
		&p.ID,
		&p.DOI,
		&p.Version,
		&p.Title,
		&p.Authors,
		&p.AuthorCorresponding,
		&p.AuthorCorrespondingOrg,
		&p.Date,
		&p.Type,
		&p.License,
		&p.Category,
		&p.JATSXML,
		&p.Abstract,
		&p.Published,
		&p.Server,
		&p.UpdatedAt,
	)
	if err != nil {
		return publication.Publication{}, fmt.Errorf("scan publication: %w", err)
	}
	return p, nil
}
