package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/gustycube/osintd/internal/types"
)

// UpsertItem stores the item and its entities in one transaction. Items are
// immutable, so a second call for the same id only merges entities; stored
// enrichment is kept for providers missing from the new payload.
func (s *Store) UpsertItem(ctx context.Context, item types.CollectedItem, entities []types.Entity) error {
	meta, err := marshalNullable(item.Metadata)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q, args, err := s.sb.Insert("items").
		Columns("id", "source", "source_url", "collected_at", "title", "content", "content_type", "metadata", "fingerprint", "stored_at").
		Values(item.ID, item.Source, item.SourceURL, ms(item.CollectedAt), item.Title, item.Content, string(item.ContentType), meta, item.Fingerprint, ms(s.now())).
		Suffix("ON CONFLICT(id) DO NOTHING").ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert item %s: %w", item.ID, err)
	}

	for _, e := range entities {
		enr, err := marshalNullable(e.Enrichment)
		if err != nil {
			return err
		}
		deg, err := marshalNullable(e.Degraded)
		if err != nil {
			return err
		}
		q, args, err := s.sb.Insert("entities").
			Columns("item_id", "type", "value", "context", "enrichment", "degraded", "enriched_at", "expires_at").
			Values(item.ID, string(e.Type), e.Value, e.Context, enr, deg, nullMS(e.EnrichedAt), nullMS(e.ExpiresAt)).
			Suffix(`ON CONFLICT(item_id, type, value) DO UPDATE SET
				context = excluded.context,
				enrichment = CASE
					WHEN excluded.enrichment IS NULL THEN entities.enrichment
					WHEN entities.enrichment IS NULL THEN excluded.enrichment
					ELSE json_patch(entities.enrichment, excluded.enrichment) END,
				degraded = excluded.degraded,
				enriched_at = COALESCE(excluded.enriched_at, entities.enriched_at),
				expires_at = COALESCE(excluded.expires_at, entities.expires_at)`).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("upsert entity %s for %s: %w", e.Key(), item.ID, err)
		}
	}
	return tx.Commit()
}

func marshalNullable[T any](v T) (sql.NullString, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	switch string(raw) {
	case "null", "{}", "[]":
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

var itemCols = []string{
	"i.id", "i.source", "i.source_url", "i.collected_at", "i.title",
	"i.content", "i.content_type", "i.metadata", "i.fingerprint",
}

func scanItem(sc scanner) (types.CollectedItem, error) {
	var (
		it          types.CollectedItem
		collectedAt int64
		ct          string
		meta        sql.NullString
	)
	if err := sc.Scan(&it.ID, &it.Source, &it.SourceURL, &collectedAt, &it.Title,
		&it.Content, &ct, &meta, &it.Fingerprint); err != nil {
		return it, err
	}
	it.CollectedAt = fromMS(collectedAt)
	it.ContentType = types.ContentType(ct)
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &it.Metadata); err != nil {
			return it, fmt.Errorf("decode metadata %s: %w", it.ID, err)
		}
	}
	return it, nil
}

// GetItem returns the item and its entities.
func (s *Store) GetItem(ctx context.Context, id string) (types.CollectedItem, []types.Entity, error) {
	q, args, err := s.sb.Select(itemCols...).From("items i").Where(sq.Eq{"i.id": id}).ToSql()
	if err != nil {
		return types.CollectedItem{}, nil, err
	}
	it, err := scanItem(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return it, nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return it, nil, err
	}
	ents, err := s.Entities(ctx, id)
	return it, ents, err
}

// Entities lists the entities extracted from an item in type/value order.
func (s *Store) Entities(ctx context.Context, itemID string) ([]types.Entity, error) {
	rows, err := s.query(ctx, s.sb.Select("item_id", "type", "value", "context", "enrichment", "degraded", "enriched_at", "expires_at").
		From("entities").Where(sq.Eq{"item_id": itemID}).OrderBy("type", "value"))
	if err != nil {
		return nil, fmt.Errorf("entities %s: %w", itemID, err)
	}
	defer rows.Close()
	var out []types.Entity
	for rows.Next() {
		var (
			e               types.Entity
			typ             string
			enr, deg        sql.NullString
			enrAt, expireAt sql.NullInt64
		)
		if err := rows.Scan(&e.ItemID, &typ, &e.Value, &e.Context, &enr, &deg, &enrAt, &expireAt); err != nil {
			return nil, err
		}
		e.Type = types.EntityType(typ)
		if enr.Valid {
			if err := json.Unmarshal([]byte(enr.String), &e.Enrichment); err != nil {
				return nil, err
			}
		}
		if deg.Valid {
			if err := json.Unmarshal([]byte(deg.String), &e.Degraded); err != nil {
				return nil, err
			}
		}
		e.EnrichedAt = ptrMS(enrAt)
		e.ExpiresAt = ptrMS(expireAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ItemFilter narrows item listings. Zero values are ignored.
type ItemFilter struct {
	EntityType types.EntityType
	Value      string
	Source     string
	From, To   time.Time
	Limit      int
}

// Items lists stored items newest first.
func (s *Store) Items(ctx context.Context, f ItemFilter) ([]types.CollectedItem, error) {
	b := s.sb.Select(itemCols...).From("items i")
	if f.EntityType != "" {
		b = b.Distinct().Join("entities e ON e.item_id = i.id").
			Where(sq.Eq{"e.type": string(f.EntityType), "e.value": f.Value})
	}
	if f.Source != "" {
		b = b.Where(sq.Eq{"i.source": f.Source})
	}
	b = timeRange(b, "i.collected_at", f.From, f.To)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	b = b.OrderBy("i.collected_at DESC", "i.id").Limit(uint64(limit))
	return s.items(ctx, b)
}

// ItemsByEntity lists items mentioning the entity within [from, to].
func (s *Store) ItemsByEntity(ctx context.Context, t types.EntityType, value string, from, to time.Time) ([]types.CollectedItem, error) {
	return s.Items(ctx, ItemFilter{EntityType: t, Value: value, From: from, To: to})
}

// ItemsBySource lists items from source within [from, to].
func (s *Store) ItemsBySource(ctx context.Context, source string, from, to time.Time) ([]types.CollectedItem, error) {
	return s.Items(ctx, ItemFilter{Source: source, From: from, To: to})
}

// Search runs a full text query over titles and content, best match first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]types.CollectedItem, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	b := s.sb.Select(itemCols...).From("items_fts").
		Join("items i ON i.rowid = items_fts.rowid").
		Where("items_fts MATCH ?", match).
		OrderBy("bm25(items_fts)", "i.collected_at DESC").
		Limit(uint64(limit))
	return s.items(ctx, b)
}

// ftsQuery quotes every term so user input cannot inject FTS5 syntax.
func ftsQuery(q string) string {
	var terms []string
	for _, f := range strings.Fields(q) {
		f = strings.ReplaceAll(f, `"`, "")
		if f != "" {
			terms = append(terms, `"`+f+`"`)
		}
	}
	return strings.Join(terms, " ")
}

func (s *Store) items(ctx context.Context, b sq.SelectBuilder) ([]types.CollectedItem, error) {
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var out []types.CollectedItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func timeRange(b sq.SelectBuilder, col string, from, to time.Time) sq.SelectBuilder {
	if !from.IsZero() {
		b = b.Where(sq.GtOrEq{col: ms(from)})
	}
	if !to.IsZero() {
		b = b.Where(sq.LtOrEq{col: ms(to)})
	}
	return b
}

// CountsBySource counts stored items per source within [from, to].
func (s *Store) CountsBySource(ctx context.Context, from, to time.Time) (map[string]int, error) {
	b := timeRange(s.sb.Select("i.source", "COUNT(*)").From("items i"), "i.collected_at", from, to).GroupBy("i.source")
	return s.counts(ctx, b)
}

// CountsByEntityType counts entity mentions per type for items collected
// within [from, to].
func (s *Store) CountsByEntityType(ctx context.Context, from, to time.Time) (map[types.EntityType]int, error) {
	b := s.sb.Select("e.type", "COUNT(*)").From("entities e").Join("items i ON i.id = e.item_id")
	b = timeRange(b, "i.collected_at", from, to).GroupBy("e.type")
	m, err := s.counts(ctx, b)
	if err != nil {
		return nil, err
	}
	out := make(map[types.EntityType]int, len(m))
	for k, v := range m {
		out[types.EntityType(k)] = v
	}
	return out, nil
}

func (s *Store) counts(ctx context.Context, b sq.SelectBuilder) (map[string]int, error) {
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

// Related is an entity that co-occurs with the queried one.
type Related struct {
	Type  types.EntityType `json:"type"`
	Value string           `json:"value"`
	Items int              `json:"items"`
}

// RelatedEntities returns entities sharing at least one item with
// (t, value), most shared items first.
func (s *Store) RelatedEntities(ctx context.Context, t types.EntityType, value string, limit int) ([]Related, error) {
	if limit <= 0 {
		limit = 50
	}
	b := s.sb.Select("e2.type", "e2.value", "COUNT(DISTINCT e2.item_id) AS n").
		From("entities e1").
		Join("entities e2 ON e2.item_id = e1.item_id").
		Where(sq.Eq{"e1.type": string(t), "e1.value": value}).
		Where(sq.Or{sq.NotEq{"e2.type": string(t)}, sq.NotEq{"e2.value": value}}).
		GroupBy("e2.type", "e2.value").
		OrderBy("n DESC", "e2.type", "e2.value").
		Limit(uint64(limit))
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("related entities: %w", err)
	}
	defer rows.Close()
	var out []Related
	for rows.Next() {
		var r Related
		var typ string
		if err := rows.Scan(&typ, &r.Value, &r.Items); err != nil {
			return nil, err
		}
		r.Type = types.EntityType(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}
