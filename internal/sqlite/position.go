package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/blackmichael/toronto-feed/internal/domain"
)

const (
	keySeq         = "seq"
	keyLastUpdated = "last_updated"
)

// LoadPosition retrieves the saved firehose position.
func (s *Store) LoadPosition(ctx context.Context) (domain.Position, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM metadata WHERE key IN (?, ?)`, keySeq, keyLastUpdated,
	)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("query position: %w", err)
	}
	defer rows.Close()

	var (
		pos      domain.Position
		foundSeq bool
	)
	for rows.Next() {
		var (
			key   string
			value int64
		)
		if err := rows.Scan(&key, &value); err != nil {
			return domain.Position{}, false, fmt.Errorf("scan position: %w", err)
		}
		switch key {
		case keySeq:
			pos.Seq = value
			foundSeq = true
		case keyLastUpdated:
			pos.UpdatedAt = time.Unix(value, 0).UTC()
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Position{}, false, fmt.Errorf("iterate position: %w", err)
	}
	return pos, foundSeq, nil
}

// SavePosition overwrites the saved firehose position.
func (s *Store) SavePosition(ctx context.Context, pos domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?), (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		keySeq, pos.Seq, keyLastUpdated, pos.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save position %d: %w", pos.Seq, err)
	}
	return nil
}

// ClearPosition forgets the saved firehose position.
func (s *Store) ClearPosition(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM metadata WHERE key IN (?, ?)`, keySeq, keyLastUpdated,
	); err != nil {
		return fmt.Errorf("clear position: %w", err)
	}
	return nil
}
