package store

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/gustycube/osintd/internal/types"
)

// InsertNotification records n unless the same alert already fired for the
// same item. Only a newly inserted notification should be dispatched.
func (s *Store) InsertNotification(ctx context.Context, n types.Notification) (bool, error) {
	res, err := s.exec(ctx, s.sb.Insert("notifications").
		Columns("id", "alert_name", "subject", "severity", "item_id", "matched_condition", "evidence", "created_at").
		Values(n.ID, n.AlertName, n.Subject, string(n.Severity), n.MatchedItemID, n.MatchedCondition, n.Evidence, ms(n.Timestamp)).
		Suffix("ON CONFLICT(alert_name, item_id) DO NOTHING"))
	if err != nil {
		return false, fmt.Errorf("insert notification %s/%s: %w", n.AlertName, n.MatchedItemID, err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// MarkDelivered stamps a notification as delivered to every sink.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.sb.Update("notifications").
		Set("delivered_at", ms(s.now())).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("last_error", "").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkDeliveryFailed leaves the notification pending for redelivery.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id, reason string) error {
	res, err := s.exec(ctx, s.sb.Update("notifications").
		Set("attempts", sq.Expr("attempts + 1")).
		Set("last_error", reason).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("mark delivery failed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// Undelivered lists notifications still awaiting delivery, oldest first.
func (s *Store) Undelivered(ctx context.Context, limit int) ([]types.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.notifications(ctx, s.sb.Select(notificationCols...).From("notifications").
		Where(sq.Eq{"delivered_at": nil}).
		OrderBy("created_at", "id").
		Limit(uint64(limit)))
}

// Notifications lists notifications for an item, or all when itemID is empty.
func (s *Store) Notifications(ctx context.Context, itemID string, limit int) ([]types.Notification, error) {
	b := s.sb.Select(notificationCols...).From("notifications").OrderBy("created_at DESC", "id")
	if itemID != "" {
		b = b.Where(sq.Eq{"item_id": itemID})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return s.notifications(ctx, b)
}

var notificationCols = []string{"id", "alert_name", "subject", "severity", "item_id", "matched_condition", "evidence", "created_at"}

func (s *Store) notifications(ctx context.Context, b sq.SelectBuilder) ([]types.Notification, error) {
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []types.Notification
	for rows.Next() {
		var n types.Notification
		var sev string
		var ts int64
		if err := rows.Scan(&n.ID, &n.AlertName, &n.Subject, &sev, &n.MatchedItemID, &n.MatchedCondition, &n.Evidence, &ts); err != nil {
			return nil, err
		}
		n.Severity = types.Severity(sev)
		n.Timestamp = fromMS(ts)
		out = append(out, n)
	}
	return out, rows.Err()
}

// SaveRun persists a cycle summary.
func (s *Store) SaveRun(ctx context.Context, sum types.CycleSummary) error {
	raw, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.sb.Insert("runs").
		Columns("id", "started_at", "finished_at", "summary").
		Values(sum.RunID, ms(sum.StartedAt), ms(sum.FinishedAt), string(raw)).
		Suffix("ON CONFLICT(id) DO UPDATE SET finished_at = excluded.finished_at, summary = excluded.summary"))
	if err != nil {
		return fmt.Errorf("save run %s: %w", sum.RunID, err)
	}
	return nil
}

// Runs returns the most recent cycle summaries, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]types.CycleSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(ctx, s.sb.Select("summary").From("runs").OrderBy("started_at DESC", "id DESC").Limit(uint64(limit)))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []types.CycleSummary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sum types.CycleSummary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// RecordDelivery notes that a sink accepted a notification.
func (s *Store) RecordDelivery(ctx context.Context, id, sink string) error {
	_, err := s.exec(ctx, s.sb.Insert("deliveries").
		Columns("notification_id", "sink", "delivered_at").
		Values(id, sink, ms(s.now())).
		Suffix("ON CONFLICT(notification_id, sink) DO NOTHING"))
	if err != nil {
		return fmt.Errorf("record delivery %s/%s: %w", id, sink, err)
	}
	return nil
}

// DeliveredSinks returns the sinks that already accepted a notification.
func (s *Store) DeliveredSinks(ctx context.Context, id string) (map[string]bool, error) {
	rows, err := s.query(ctx, s.sb.Select("sink").From("deliveries").Where(sq.Eq{"notification_id": id}))
	if err != nil {
		return nil, fmt.Errorf("list deliveries %s: %w", id, err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var sink string
		if err := rows.Scan(&sink); err != nil {
			return nil, err
		}
		out[sink] = true
	}
	return out, rows.Err()
}
