package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/germanamz/portbridge/pkg/hoststore"
)

func (s *Store) lastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT MAX(seq) FROM kv_changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read change log head: %w", err)
	}

	return seq.Int64, nil
}

// poll republishes changes written by other instances until ctx is done.
func (s *Store) poll(ctx context.Context, last int64) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := s.pollOnce(ctx, last)
		if err != nil {
			if ctx.Err() == nil {
				s.log.WarnContext(ctx, "poll change log failed", "error", err)
			}
			continue
		}
		last = next

		if err := s.prune(ctx, time.Now().Add(-s.retention)); err != nil && ctx.Err() == nil {
			s.log.WarnContext(ctx, "prune change log failed", "error", err)
		}
	}
}

// pollOnce publishes foreign changes with seq greater than last and returns
// the highest seq seen.
func (s *Store) pollOnce(ctx context.Context, last int64) (int64, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, key, old_value, new_value, origin, changed_at
		   FROM kv_changes
		  WHERE seq > ? AND writer <> ?
		  ORDER BY seq
		  LIMIT ?`,
		last, s.writer, pollBatch,
	)
	if err != nil {
		return last, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	next := last
	var changes []hoststore.Change
	for rows.Next() {
		var (
			seq       int64
			c         hoststore.Change
			oldValue  sql.NullString
			newValue  sql.NullString
			changedAt int64
		)
		if err := rows.Scan(&seq, &c.Key, &oldValue, &newValue, &c.Origin, &changedAt); err != nil {
			return last, fmt.Errorf("scan change: %w", err)
		}
		c.OldValue = fromNullString(oldValue)
		c.NewValue = fromNullString(newValue)
		c.At = fromMillis(changedAt)

		changes = append(changes, c)
		next = seq
	}
	if err := rows.Err(); err != nil {
		return last, fmt.Errorf("query change log: %w", err)
	}

	for _, c := range changes {
		s.publish(ctx, c)
	}

	return next, nil
}

func (s *Store) prune(ctx context.Context, before time.Time) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM kv_changes WHERE changed_at < ?`, toMillis(before)); err != nil {
		return fmt.Errorf("prune change log: %w", err)
	}

	return nil
}
