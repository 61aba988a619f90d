// Package api serves read-only queries over stored intelligence.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gustycube/osintd/internal/health"
	"github.com/gustycube/osintd/internal/logging"
	"github.com/gustycube/osintd/internal/metrics"
	"github.com/gustycube/osintd/internal/store"
	"github.com/gustycube/osintd/internal/types"
)

// Store is the query surface the API reads from.
type Store interface {
	GetItem(ctx context.Context, id string) (types.CollectedItem, []types.Entity, error)
	Items(ctx context.Context, f store.ItemFilter) ([]types.CollectedItem, error)
	Search(ctx context.Context, q string, limit int) ([]types.CollectedItem, error)
	CountsBySource(ctx context.Context, from, to time.Time) (map[string]int, error)
	CountsByEntityType(ctx context.Context, from, to time.Time) (map[types.EntityType]int, error)
	RelatedEntities(ctx context.Context, t types.EntityType, value string, limit int) ([]store.Related, error)
	RecordsByStatus(ctx context.Context, status types.Status, limit int) ([]types.ProcessingRecord, error)
	StatusCounts(ctx context.Context) (map[types.Status]int, error)
	Notifications(ctx context.Context, itemID string, limit int) ([]types.Notification, error)
	Runs(ctx context.Context, limit int) ([]types.CycleSummary, error)
}

// Config for the HTTP handler.
type Config struct {
	Store  Store
	Health *health.Handler
	Log    *logging.Logger
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type server struct {
	st  Store
	log *logging.Logger
	now func() time.Time
}

// New returns the router with the query API under /api plus /metrics and
// the health endpoints.
func New(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = logging.Nop()
	}
	s := &server{st: cfg.Store, log: log.With("component", "api"), now: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	metrics.Mount(r, cfg.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/items", s.listItems)
		r.Get("/items/{id}", s.getItem)
		r.Get("/search", s.search)
		r.Get("/stats/sources", s.sourceStats)
		r.Get("/stats/entities", s.entityStats)
		r.Get("/stats/records", s.recordStats)
		r.Get("/entities/related", s.related)
		r.Get("/records", s.records)
		r.Get("/notifications", s.notifications)
		r.Get("/runs", s.runs)
	})
	return r
}

func (s *server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var bad badRequest
	switch {
	case errors.As(err, &bad):
		s.writeJSON(w, http.StatusBadRequest, map[string]errorBody{"error": {Code: "bad_request", Message: bad.msg}})
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]errorBody{"error": {Code: "not_found", Message: err.Error()}})
	default:
		s.log.Errorw("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]errorBody{"error": {Code: "internal_error", Message: "internal error"}})
	}
}

type badRequest struct{ msg string }

func (b badRequest) Error() string { return b.msg }

func badf(format string, args ...any) error { return badRequest{msg: fmt.Sprintf(format, args...)} }

// ParseTime accepts RFC3339, a date, or a duration meaning that long before
// now. Empty input is the zero time.
func ParseTime(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("want RFC3339, YYYY-MM-DD or a duration, got %q", v)
}

func (s *server) parseTime(r *http.Request, key string) (time.Time, error) {
	t, err := ParseTime(r.URL.Query().Get(key), s.now())
	if err != nil {
		return time.Time{}, badf("%s: %v", key, err)
	}
	return t, nil
}

func (s *server) timeRange(r *http.Request) (from, to time.Time, err error) {
	if from, err = s.parseTime(r, "from"); err != nil {
		return
	}
	if to, err = s.parseTime(r, "to"); err != nil {
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		err = badf("to is before from")
	}
	return
}

func parseLimit(r *http.Request, def, max int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, badf("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

func parseEntityType(v string) (types.EntityType, error) {
	t := types.EntityType(strings.ToLower(strings.TrimSpace(v)))
	if !t.Valid() {
		return "", badf("unknown entity type %q", v)
	}
	return t, nil
}

type itemDetail struct {
	Item          types.CollectedItem  `json:"item"`
	Entities      []types.Entity       `json:"entities"`
	Notifications []types.Notification `json:"notifications"`
}

func (s *server) getItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, entities, err := s.st.GetItem(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	notes, err := s.st.Notifications(r.Context(), id, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, itemDetail{Item: item, Entities: nonNil(entities), Notifications: nonNil(notes)})
}

func (s *server) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.ItemFilter
	var err error
	if v := q.Get("entity_type"); v != "" {
		if f.EntityType, err = parseEntityType(v); err != nil {
			s.writeError(w, r, err)
			return
		}
		if f.Value = strings.TrimSpace(q.Get("value")); f.Value == "" {
			s.writeError(w, r, badf("value is required with entity_type"))
			return
		}
		f.Value = f.EntityType.Canonical(f.Value)
	}
	f.Source = q.Get("source")
	if f.From, f.To, err = s.timeRange(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Limit, err = parseLimit(r, 100, 1000); err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.st.Items(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items), "count": len(items)})
}

func (s *server) search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.writeError(w, r, badf("q is required"))
		return
	}
	limit, err := parseLimit(r, 50, 500)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.st.Search(r.Context(), q, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"query": q, "items": nonNil(items), "count": len(items)})
}

func (s *server) sourceStats(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.timeRange(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	counts, err := s.st.CountsBySource(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": counts})
}

func (s *server) entityStats(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.timeRange(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	counts, err := s.st.CountsByEntityType(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entities": counts})
}

func (s *server) recordStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.st.StatusCounts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": counts})
}

func (s *server) related(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, err := parseEntityType(q.Get("type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	value := strings.TrimSpace(q.Get("value"))
	if value == "" {
		s.writeError(w, r, badf("value is required"))
		return
	}
	limit, err := parseLimit(r, 50, 500)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	value = t.Canonical(value)
	rel, err := s.st.RelatedEntities(r.Context(), t, value, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"type": t, "value": value, "related": nonNil(rel)})
}

func (s *server) records(w http.ResponseWriter, r *http.Request) {
	status := types.Status(r.URL.Query().Get("status"))
	switch status {
	case "", types.StatusPending, types.StatusProcessing, types.StatusProcessed, types.StatusError, types.StatusDuplicate:
	default:
		s.writeError(w, r, badf("unknown status %q", status))
		return
	}
	limit, err := parseLimit(r, 100, 1000)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, err := s.st.RecordsByStatus(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": nonNil(recs), "count": len(recs)})
}

func (s *server) notifications(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 100, 1000)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	notes, err := s.st.Notifications(r.Context(), r.URL.Query().Get("item_id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"notifications": nonNil(notes), "count": len(notes)})
}

func (s *server) runs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 20, 200)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.st.Runs(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
