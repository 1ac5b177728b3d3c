package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

// PDFPath returns the asset location linked to a publication; false when none
// is linked yet.
func (s *Store) PDFPath(ctx context.Context, id int64) (string, bool, error) {
	var filename string
	err := s.pool.QueryRow(ctx,
		`SELECT pdf_filename FROM fulltext WHERE id_publication = $1`, id,
	).Scan(&filename)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pdf path for %d: %w", id, err)
	}
	if s.assetRoot == "" {
		return filename, true, nil
	}
	return s.assetRoot + "/" + filename, true, nil
}

// RecordPDF links a downloaded file to a publication and clears any failure
// backoff.
func (s *Store) RecordPDF(ctx context.Context, id int64, filename string) error {
	_, err := s.pool.Exec(ctx, `
WITH cleared AS (DELETE FROM pdf_attempts WHERE id_publication = $1)
INSERT INTO fulltext (id_publication, pdf_filename) VALUES ($1, $2)
ON CONFLICT (id_publication) DO UPDATE SET pdf_filename = EXCLUDED.pdf_filename`,
		id, filename)
	if err != nil {
		return fmt.Errorf("record pdf for %d: %w", id, err)
	}
	return nil
}

// RecordPDFFailure bumps the attempt counter and pushes the next eligible
// attempt out by base * 2^(attempts-1), capped at maxBackoff.
func (s *Store) RecordPDFFailure(ctx context.Context, id int64, reason string, base, maxBackoff time.Duration) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO pdf_attempts (id_publication, attempts, last_error, retry_after)
VALUES ($1, 1, $2, now() + make_interval(secs => $3))
ON CONFLICT (id_publication) DO UPDATE SET
	attempts = pdf_attempts.attempts + 1,
	last_error = EXCLUDED.last_error,
	retry_after = now() + make_interval(secs => LEAST($3 * power(2, pdf_attempts.attempts), $4))`,
		id, reason, base.Seconds(), maxBackoff.Seconds())
	if err != nil {
		return fmt.Errorf("record pdf failure for %d: %w", id, err)
	}
	return nil
}

// MissingPDFs streams current revisions with no linked PDF whose failure
// backoff, if any, has elapsed.
func (s *Store) MissingPDFs(ctx context.Context) publication.Stream {
	query := `SELECT ` + publicationColumns + ` FROM publications_current p
WHERE p.id > $1
	AND NOT EXISTS (SELECT 1 FROM fulltext f WHERE f.id_publication = p.id)
	AND NOT EXISTS (SELECT 1 FROM pdf_attempts a WHERE a.id_publication = p.id AND a.retry_after > now())
ORDER BY p.id
LIMIT $2`
	return s.stream(ctx, keysetStart, 0, func(ctx context.Context, after keyset, size int) ([]publication.Publication, error) {
		return s.queryPublications(ctx, query, after.id, size)
	})
}
