package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/preprint-harvester/internal/publication"
)

// RecordSyncDay stores the outcome of syncing one day.
func (s *Store) RecordSyncDay(ctx context.Context, server, day string, status publication.DayStatus, records int) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO sync_days (server, day, status, records, updated_at)
VALUES (lower($1), $2, $3, $4, now())
ON CONFLICT (server, day) DO UPDATE SET
	status = EXCLUDED.status,
	records = EXCLUDED.records,
	updated_at = now()`,
		server, day, string(status), records)
	if err != nil {
		return fmt.Errorf("record sync day %s: %w", day, err)
	}
	return nil
}

// EarliestFailedDay returns the oldest day whose last sync failed.
func (s *Store) EarliestFailedDay(ctx context.Context, server string) (string, bool, error) {
	var day string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MIN(day), '') FROM sync_days WHERE server = lower($1) AND status = $2`,
		server, string(publication.DayFetchFailed),
	).Scan(&day)
	if err != nil {
		return "", false, fmt.Errorf("earliest failed day: %w", err)
	}
	return day, day != "", nil
}

// SyncDayStatus returns the last recorded outcome for day.
func (s *Store) SyncDayStatus(ctx context.Context, server, day string) (publication.DayStatus, bool, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM sync_days WHERE server = lower($1) AND day = $2`,
		server, day,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sync day status %s: %w", day, err)
	}
	return publication.DayStatus(status), true, nil
}
