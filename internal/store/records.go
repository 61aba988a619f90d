package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/gustycube/osintd/internal/types"
)

// RecordPending creates the pending record carrying item. It is a no-op
// when a record for the id already exists; created reports which happened.
func (s *Store) RecordPending(ctx context.Context, item types.CollectedItem) (created bool, err error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return false, err
	}
	now := ms(s.now())
	res, err := s.exec(ctx, s.sb.Insert("processing_records").
		Columns("item_id", "source", "status", "collected_at", "updated_at", "payload").
		Values(item.ID, item.Source, string(types.StatusPending), ms(item.CollectedAt), now, string(payload)).
		Suffix("ON CONFLICT(item_id) DO NOTHING"))
	if err != nil {
		return false, fmt.Errorf("record pending %s: %w", item.ID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecordedFingerprint returns the fingerprint of the item recorded under id.
func (s *Store) RecordedFingerprint(ctx context.Context, id string) (string, error) {
	_, payload, err := s.record(ctx, id)
	if err != nil {
		return "", err
	}
	var item types.CollectedItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return "", fmt.Errorf("decode payload %s: %w", id, err)
	}
	return item.Fingerprint, nil
}

// Claim moves a pending record, or one whose lease has expired, to
// processing under owner. Exactly one concurrent caller wins; the others
// get ErrAlreadyClaimed. Terminal records yield ErrInvalidTransition.
func (s *Store) Claim(ctx context.Context, id, owner string, lease time.Duration) (types.ProcessingRecord, types.CollectedItem, error) {
	now := s.now()
	res, err := s.exec(ctx, s.sb.Update("processing_records").
		Set("status", string(types.StatusProcessing)).
		Set("lease_owner", owner).
		Set("lease_expires_at", ms(now.Add(lease))).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("updated_at", ms(now)).
		Where(sq.Eq{"item_id": id}).
		Where(sq.Or{
			sq.Eq{"status": string(types.StatusPending)},
			sq.And{sq.Eq{"status": string(types.StatusProcessing)}, sq.Lt{"lease_expires_at": ms(now)}},
		}))
	if err != nil {
		return types.ProcessingRecord{}, types.CollectedItem{}, fmt.Errorf("claim %s: %w", id, err)
	}
	n, _ := res.RowsAffected()

	rec, payload, err := s.record(ctx, id)
	if err != nil {
		return types.ProcessingRecord{}, types.CollectedItem{}, err
	}
	if n == 0 {
		if rec.Status.Terminal() {
			return rec, types.CollectedItem{}, fmt.Errorf("claim %s (%s): %w", id, rec.Status, ErrInvalidTransition)
		}
		return rec, types.CollectedItem{}, fmt.Errorf("claim %s: %w", id, ErrAlreadyClaimed)
	}
	if rec.LeaseOwner != owner {
		return rec, types.CollectedItem{}, fmt.Errorf("claim %s: %w", id, ErrAlreadyClaimed)
	}
	var item types.CollectedItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return rec, item, fmt.Errorf("decode payload %s: %w", id, err)
	}
	return rec, item, nil
}

// Release returns a processing record to pending so it can be retried.
func (s *Store) Release(ctx context.Context, id, owner, reason string) error {
	now := ms(s.now())
	return s.transition(ctx, id, owner, s.sb.Update("processing_records").
		Set("status", string(types.StatusPending)).
		Set("error", reason).
		Set("lease_owner", nil).
		Set("lease_expires_at", nil).
		Set("updated_at", now))
}

// MarkProcessed completes a record claimed by owner.
func (s *Store) MarkProcessed(ctx context.Context, id, owner string) error {
	return s.finish(ctx, id, owner, types.StatusProcessed, "")
}

// MarkDuplicate retires a claimed record as a duplicate, keeping reason.
func (s *Store) MarkDuplicate(ctx context.Context, id, owner, reason string) error {
	return s.finish(ctx, id, owner, types.StatusDuplicate, reason)
}

// MarkError retires a claimed record that has used up its attempts.
func (s *Store) MarkError(ctx context.Context, id, owner, reason string) error {
	return s.finish(ctx, id, owner, types.StatusError, reason)
}

func (s *Store) finish(ctx context.Context, id, owner string, to types.Status, reason string) error {
	if !types.CanTransition(types.StatusProcessing, to) {
		return fmt.Errorf("%s -> %s: %w", types.StatusProcessing, to, ErrInvalidTransition)
	}
	now := ms(s.now())
	return s.transition(ctx, id, owner, s.sb.Update("processing_records").
		Set("status", string(to)).
		Set("error", reason).
		Set("processed_at", now).
		Set("lease_owner", nil).
		Set("lease_expires_at", nil).
		Set("updated_at", now))
}

// transition applies upd only while owner still holds the processing lease.
func (s *Store) transition(ctx context.Context, id, owner string, upd sq.UpdateBuilder) error {
	res, err := s.exec(ctx, upd.Where(sq.Eq{
		"item_id":     id,
		"status":      string(types.StatusProcessing),
		"lease_owner": owner,
	}))
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, _, err := s.record(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("update %s: lease not held by %s: %w", id, owner, ErrInvalidTransition)
	}
	return nil
}

// Recover lists records that can be claimed now: pending ones and those
// whose processing lease has expired.
func (s *Store) Recover(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, s.sb.Select("item_id").From("processing_records").
		Where(sq.Or{
			sq.Eq{"status": string(types.StatusPending)},
			sq.And{sq.Eq{"status": string(types.StatusProcessing)}, sq.Lt{"lease_expires_at": ms(s.now())}},
		}).
		OrderBy("collected_at", "item_id"))
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var recordCols = []string{
	"item_id", "source", "status", "error", "attempts", "lease_owner",
	"lease_expires_at", "collected_at", "processed_at", "updated_at",
}

type scanner interface{ Scan(dest ...any) error }

func scanRecord(sc scanner, extra ...any) (types.ProcessingRecord, error) {
	var (
		r                      types.ProcessingRecord
		status                 string
		owner                  sql.NullString
		leaseExp, processedAt  sql.NullInt64
		collectedAt, updatedAt int64
	)
	dest := append([]any{&r.ItemID, &r.Source, &status, &r.Error, &r.Attempts, &owner,
		&leaseExp, &collectedAt, &processedAt, &updatedAt}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return r, err
	}
	r.Status = types.Status(status)
	r.LeaseOwner = owner.String
	r.LeaseExpiresAt = ptrMS(leaseExp)
	r.CollectedAt = fromMS(collectedAt)
	r.ProcessedAt = ptrMS(processedAt)
	r.UpdatedAt = fromMS(updatedAt)
	return r, nil
}

func (s *Store) record(ctx context.Context, id string) (types.ProcessingRecord, string, error) {
	q, args, err := s.sb.Select(append(recordCols, "payload")...).From("processing_records").
		Where(sq.Eq{"item_id": id}).ToSql()
	if err != nil {
		return types.ProcessingRecord{}, "", err
	}
	var payload string
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, args...), &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, "", fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return rec, "", fmt.Errorf("record %s: %w", id, err)
	}
	return rec, payload, nil
}

// GetRecord returns the processing record for id.
func (s *Store) GetRecord(ctx context.Context, id string) (types.ProcessingRecord, error) {
	rec, _, err := s.record(ctx, id)
	return rec, err
}

// RecordsByStatus lists records in status, oldest update first. An empty
// status lists every record.
func (s *Store) RecordsByStatus(ctx context.Context, status types.Status, limit int) ([]types.ProcessingRecord, error) {
	b := s.sb.Select(recordCols...).From("processing_records").OrderBy("updated_at", "item_id")
	if status != "" {
		b = b.Where(sq.Eq{"status": string(status)})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("records by status: %w", err)
	}
	defer rows.Close()
	var out []types.ProcessingRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StatusCounts returns the number of records per status.
func (s *Store) StatusCounts(ctx context.Context) (map[types.Status]int, error) {
	rows, err := s.query(ctx, s.sb.Select("status", "COUNT(*)").From("processing_records").GroupBy("status"))
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()
	out := map[types.Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[types.Status(st)] = n
	}
	return out, rows.Err()
}
