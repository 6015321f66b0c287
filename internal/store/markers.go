package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetMarker returns the revision marker for (repo, branch, kind), or
// ErrNotFound when the repository has never completed a review there.
func (s *Store) GetMarker(ctx context.Context, repoID, branch string, kind MarkerKind) (*Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m Marker
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT repo_id, branch, kind, last_seen_id, last_seen_at
		FROM revision_markers WHERE repo_id = ? AND branch = ? AND kind = ?`,
		repoID, branch, kind,
	).Scan(&m.RepoID, &m.Branch, &m.Kind, &m.LastSeenID, &at)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get marker: %w", err)
	}
	m.LastSeenAt = time.Unix(at, 0).UTC()
	return &m, nil
}

// AdvanceMarker performs a compare-and-advance: the marker moves to newID only
// if its current value equals expectedPrev (empty string matches a missing
// marker). A lost race returns ErrMarkerConflict.
func (s *Store) AdvanceMarker(ctx context.Context, repoID, branch string, kind MarkerKind, expectedPrev, newID string, newAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT last_seen_id FROM revision_markers WHERE repo_id = ? AND branch = ? AND kind = ?`,
		repoID, branch, kind,
	).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = ""
	case err != nil:
		return fmt.Errorf("read marker: %w", err)
	}

	if current != expectedPrev {
		return ErrMarkerConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO revision_markers (repo_id, branch, kind, last_seen_id, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repo_id, branch, kind)
		DO UPDATE SET last_seen_id = excluded.last_seen_id, last_seen_at = excluded.last_seen_at`,
		repoID, branch, kind, newID, newAt.Unix(),
	); err != nil {
		return fmt.Errorf("advance marker: %w", err)
	}
	return tx.Commit()
}

// ResetMarker is the operator escape hatch: it unconditionally rewrites the
// marker, allowing already-reviewed revisions to be picked up again.
func (s *Store) ResetMarker(ctx context.Context, repoID, branch string, kind MarkerKind, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revision_markers (repo_id, branch, kind, last_seen_id, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repo_id, branch, kind)
		DO UPDATE SET last_seen_id = excluded.last_seen_id, last_seen_at = excluded.last_seen_at`,
		repoID, branch, kind, id, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("reset marker: %w", err)
	}
	return nil
}
