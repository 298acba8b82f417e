package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/candleworks/candle/internal/storage"
	"github.com/candleworks/candle/internal/types"
)

const sendColumns = `id, recipient_id, message_type, scheduled_date, scheduled_for,
	idempotency_key, status, attempt_count, last_attempt_at, sent_at,
	error_message, created_at, updated_at`

// CreateIfAbsent inserts rec keyed by its idempotency key. On conflict the
// existing row is returned unchanged; the duplicate is expected, not an error.
func (s *Store) CreateIfAbsent(ctx context.Context, rec *types.ScheduledSend) (*types.ScheduledSend, bool, error) {
	if rec.IdempotencyKey == "" {
		return nil, false, errors.New("scheduled send has empty idempotency key")
	}
	status := rec.Status
	if status == "" {
		status = types.StatusUnprocessed
	}
	if !status.Valid() {
		return nil, false, fmt.Errorf("invalid status %q", status)
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_sends
			(recipient_id, message_type, scheduled_date, scheduled_for,
			 idempotency_key, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		rec.RecipientID, string(rec.MessageType), rec.ScheduledDate,
		rec.ScheduledFor.UTC(), rec.IdempotencyKey, string(status),
		nullString(rec.ErrorMessage), now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert scheduled send: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	out, err := s.FindByKey(ctx, rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return out, n > 0, nil
}

// FindByKey returns the record for the idempotency key.
func (s *Store) FindByKey(ctx context.Context, key string) (*types.ScheduledSend, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sendColumns+` FROM scheduled_sends WHERE idempotency_key = ?`, key)
	return scanSend(row)
}

func (s *Store) findByID(ctx context.Context, id int64) (*types.ScheduledSend, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sendColumns+` FROM scheduled_sends WHERE id = ?`, id)
	return scanSend(row)
}

// FindPendingForLocalDate returns PENDING records for the local calendar date.
func (s *Store) FindPendingForLocalDate(ctx context.Context, localDate string) ([]*types.ScheduledSend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sendColumns+` FROM scheduled_sends
		 WHERE status = ? AND scheduled_date = ?
		 ORDER BY scheduled_for`,
		string(types.StatusPending), localDate)
	if err != nil {
		return nil, fmt.Errorf("query pending sends: %w", err)
	}
	defer rows.Close()
	return scanSends(rows)
}

// FindDue returns recovery candidates: non-terminal records past their send
// time, plus FAILED records with attempts remaining (restart safety net).
func (s *Store) FindDue(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*types.ScheduledSend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sendColumns+` FROM scheduled_sends
		 WHERE scheduled_for <= ?
		   AND (status IN (?, ?) OR (status = ? AND attempt_count < ?))
		 ORDER BY scheduled_for`,
		cutoff.UTC(),
		string(types.StatusPending), string(types.StatusRetrying),
		string(types.StatusFailed), maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("query due sends: %w", err)
	}
	defer rows.Close()
	return scanSends(rows)
}

// Transition applies the state machine to the record. The UPDATE asserts the
// status the caller observed, so concurrent movers lose cleanly with
// ErrInvalidTransition instead of clobbering each other.
func (s *Store) Transition(ctx context.Context, id int64, to types.Status, errMsg string) (*types.ScheduledSend, error) {
	cur, err := s.findByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !types.CanTransition(cur.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s (send %d)", storage.ErrInvalidTransition, cur.Status, to, id)
	}

	now := s.now().UTC()
	set := "status = ?, updated_at = ?"
	args := []any{string(to), now}

	switch to {
	case types.StatusProcessing:
		// Each attempt enters through PROCESSING; this is the only place
		// attempt_count moves, keeping it monotonically non-decreasing.
		set += ", attempt_count = attempt_count + 1, last_attempt_at = ?"
		args = append(args, now)
	case types.StatusSent:
		set += ", sent_at = ?, last_attempt_at = ?, error_message = NULL"
		args = append(args, now, now)
	case types.StatusRetrying:
		set += ", error_message = ?, last_attempt_at = ?"
		args = append(args, errMsg, now)
	case types.StatusFailed:
		set += ", error_message = ?"
		args = append(args, errMsg)
		// Cancellations (from UNPROCESSED/PENDING) are not attempts and do
		// not stamp last_attempt_at.
		if cur.Status == types.StatusProcessing {
			set += ", last_attempt_at = ?"
			args = append(args, now)
		}
	}

	args = append(args, id, string(cur.Status))
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_sends SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("transition send %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Someone else moved the record between our read and write.
		return nil, fmt.Errorf("%w: send %d left %s concurrently", storage.ErrInvalidTransition, id, cur.Status)
	}

	return s.findByID(ctx, id)
}

// UpdateSchedule rewrites the occurrence date and UTC instant. Only records
// that have not begun processing may be rescheduled.
func (s *Store) UpdateSchedule(ctx context.Context, id int64, localDate string, scheduledFor time.Time) (*types.ScheduledSend, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_sends
		 SET scheduled_date = ?, scheduled_for = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		localDate, scheduledFor.UTC(), s.now().UTC(), id,
		string(types.StatusUnprocessed), string(types.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("update schedule for send %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.findByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: send %d", storage.ErrScheduleLocked, id)
	}
	return s.findByID(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSend(row rowScanner) (*types.ScheduledSend, error) {
	var (
		rec           types.ScheduledSend
		mt            string
		status        string
		lastAttemptAt sql.NullTime
		sentAt        sql.NullTime
		errMsg        sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.RecipientID, &mt, &rec.ScheduledDate,
		&rec.ScheduledFor, &rec.IdempotencyKey, &status, &rec.AttemptCount,
		&lastAttemptAt, &sentAt, &errMsg, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan scheduled send: %w", err)
	}

	rec.MessageType = types.MessageType(mt)
	rec.Status = types.Status(status)
	rec.ScheduledFor = rec.ScheduledFor.UTC()
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time.UTC()
		rec.LastAttemptAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		rec.SentAt = &t
	}
	rec.ErrorMessage = errMsg.String
	return &rec, nil
}

func scanSends(rows *sql.Rows) ([]*types.ScheduledSend, error) {
	var out []*types.ScheduledSend
	for rows.Next() {
		rec, err := scanSend(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
