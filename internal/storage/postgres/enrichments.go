package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

// SaveSummaryMethod registers a summarization strategy.
func (s *Store) SaveSummaryMethod(ctx context.Context, id int, name string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO summary_methods (id, name) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, id, name)
	if err != nil {
		return fmt.Errorf("save summary method %d: %w", id, err)
	}
	return nil
}

// Enrichment loads the stored artifact of one kind; false when absent.
func (s *Store) Enrichment(ctx context.Context, id int64, kind publication.EnrichmentKind) (publication.Enrichment, bool, error) {
	out := publication.Enrichment{Kind: kind}
	var err error
	switch kind {
	case publication.KindSummary:
		out.MethodID = s.summaryMethodID
		err = s.pool.QueryRow(ctx,
			`SELECT text FROM summaries WHERE id_publication = $1 AND id_summary_method = $2`,
			id, s.summaryMethodID,
		).Scan(&out.Text)
	case publication.KindKeywords:
		err = s.pool.QueryRow(ctx,
			`SELECT keywords FROM keywords WHERE id_publication = $1`, id,
		).Scan(&out.Keywords)
	case publication.KindCritique:
		err = s.pool.QueryRow(ctx,
			`SELECT text FROM critiques WHERE id_publication = $1`, id,
		).Scan(&out.Text)
	default:
		return publication.Enrichment{}, false, fmt.Errorf("unknown enrichment kind %q", kind)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return publication.Enrichment{}, false, nil
	}
	if err != nil {
		return publication.Enrichment{}, false, fmt.Errorf("load %s for %d: %w", kind, id, err)
	}
	return out, true, nil
}

// SaveEnrichments writes all items for one publication in a single
// transaction.
func (s *Store) SaveEnrichments(ctx context.Context, id int64, items []publication.Enrichment) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save enrichments: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, item := range items {
		query, args, err := s.enrichmentUpsert(id, item)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("save %s for %d: %w", item.Kind, id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit enrichments for %d: %w", id, err)
	}
	return nil
}

func (s *Store) enrichmentUpsert(id int64, item publication.Enrichment) (string, []any, error) {
	switch item.Kind {
	case publication.KindSummary:
		method := item.MethodID
		if method <= 0 {
			method = s.summaryMethodID
		}
		return `
INSERT INTO summaries (id_publication, id_summary_method, text) VALUES ($1, $2, $3)
ON CONFLICT (id_publication, id_summary_method) DO UPDATE SET text = EXCLUDED.text, updated_at = now()`,
			[]any{id, method, item.Text}, nil
	case publication.KindKeywords:
		keywords := item.Keywords
		if keywords == nil {
			keywords = []string{}
		}
		return `
INSERT INTO keywords (id_publication, keywords) VALUES ($1, $2)
ON CONFLICT (id_publication) DO UPDATE SET keywords = EXCLUDED.keywords, updated_at = now()`,
			[]any{id, keywords}, nil
	case publication.KindCritique:
		return `
INSERT INTO critiques (id_publication, text) VALUES ($1, $2)
ON CONFLICT (id_publication) DO UPDATE SET text = EXCLUDED.text, updated_at = now()`,
			[]any{id, item.Text}, nil
	default:
		return "", nil, fmt.Errorf("unknown enrichment kind %q", item.Kind)
	}
}

// MissingEnrichment streams current revisions that lack an artifact of kind.
func (s *Store) MissingEnrichment(ctx context.Context, kind publication.EnrichmentKind) publication.Stream {
	var (
		absent string
		extra  []any
	)
	switch kind {
	case publication.KindSummary:
		absent = `SELECT 1 FROM summaries x WHERE x.id_publication = p.id AND x.id_summary_method = $3`
		extra = []any{s.summaryMethodID}
	case publication.KindKeywords:
		absent = `SELECT 1 FROM keywords x WHERE x.id_publication = p.id`
	case publication.KindCritique:
		absent = `SELECT 1 FROM critiques x WHERE x.id_publication = p.id`
	default:
		return func(yield func(publication.Publication, error) bool) {
			yield(publication.Publication{}, fmt.Errorf("unknown enrichment kind %q", kind))
		}
	}
	query := `SELECT ` + publicationColumns + ` FROM publications_current p
WHERE p.id > $1 AND NOT EXISTS (` + absent + `)
ORDER BY p.id
LIMIT $2`
	return s.stream(ctx, keysetStart, 0, func(ctx context.Context, after keyset, size int) ([]publication.Publication, error) {
		return s.queryPublications(ctx, query, append([]any{after.id, size}, extra...)...)
	})
}

// Current streams every current revision in id order.
func (s *Store) Current(ctx context.Context) publication.Stream {
	query := `SELECT ` + publicationColumns + ` FROM publications_current p
WHERE p.id > $1
ORDER BY p.id
LIMIT $2`
	return s.stream(ctx, keysetStart, 0, func(ctx context.Context, after keyset, size int) ([]publication.Publication, error) {
		return s.queryPublications(ctx, query, after.id, size)
	})
}
