package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/osintd/internal/health"
	"github.com/gustycube/osintd/internal/store"
	"github.com/gustycube/osintd/internal/types"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	add := func(id, source, title, content string, at time.Time, ents ...types.Entity) {
		it := types.CollectedItem{
			ID: id, Source: source, SourceURL: "https://" + source + ".example/" + id, CollectedAt: at,
			Title: title, Content: content, ContentType: types.ContentText, Fingerprint: "fp-" + id,
		}
		_, err := st.RecordPending(ctx, it)
		require.NoError(t, err)
		require.NoError(t, st.UpsertItem(ctx, it, ents))
	}
	add("i1", "cisa", "Ivanti exploitation", "CVE-2024-21887 exploited from 203.0.113.7", t0,
		types.Entity{Type: types.EntityCVE, Value: "CVE-2024-21887", Context: "CVE-2024-21887 exploited"},
		types.Entity{Type: types.EntityIP, Value: "203.0.113.7"})
	add("i2", "blog", "Ransomware staging", "Staging on evil.example at 203.0.113.7", t0.Add(time.Hour),
		types.Entity{Type: types.EntityIP, Value: "203.0.113.7"},
		types.Entity{Type: types.EntityDomain, Value: "evil.example"})

	_, err = st.InsertNotification(ctx, types.Notification{
		ID: "n1", AlertName: "ivanti", Severity: types.SeverityCritical, MatchedItemID: "i1",
		MatchedCondition: "cve=CVE-2024-218*", Timestamp: t0,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(New(Config{Store: st, Health: health.NewHandler(nil)}))
	t.Cleanup(srv.Close)
	return srv, st
}

func get(t *testing.T, srv *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type itemsResp struct {
	Items []types.CollectedItem `json:"items"`
	Count int                   `json:"count"`
}

func itemIDs(items []types.CollectedItem) []string {
	out := []string{}
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestGetItem(t *testing.T) {
	srv, _ := newTestServer(t)

	var detail itemDetail
	require.Equal(t, http.StatusOK, get(t, srv, "/api/items/i1", &detail))
	assert.Equal(t, "Ivanti exploitation", detail.Item.Title)
	assert.Len(t, detail.Entities, 2)
	require.Len(t, detail.Notifications, 1)
	assert.Equal(t, "ivanti", detail.Notifications[0].AlertName)

	var e map[string]errorBody
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/items/missing", &e))
	assert.Equal(t, "not_found", e["error"].Code)
}

func TestListItems(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		path string
		want []string
	}{
		{"all newest first", "/api/items", []string{"i2", "i1"}},
		{"by entity", "/api/items?entity_type=ip&value=203.0.113.7", []string{"i2", "i1"}},
		{"entity value normalised", "/api/items?entity_type=cve&value=cve-2024-21887", []string{"i1"}},
		{"by source", "/api/items?source=cisa", []string{"i1"}},
		{"time window", "/api/items?from=2024-05-01T12:30:00Z", []string{"i2"}},
		{"limit", "/api/items?limit=1", []string{"i2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp itemsResp
			require.Equal(t, http.StatusOK, get(t, srv, tt.path, &resp))
			assert.Equal(t, tt.want, itemIDs(resp.Items))
			assert.Equal(t, len(tt.want), resp.Count)
		})
	}
}

func TestBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{
		"/api/items?entity_type=planet&value=x",
		"/api/items?entity_type=ip",
		"/api/items?from=yesterday",
		"/api/items?from=2024-05-02&to=2024-05-01",
		"/api/items?limit=0",
		"/api/search",
		"/api/entities/related?type=ip",
		"/api/records?status=lost",
	} {
		var e map[string]errorBody
		assert.Equal(t, http.StatusBadRequest, get(t, srv, path, &e), path)
		assert.Equal(t, "bad_request", e["error"].Code, path)
	}
}

func TestSearch(t *testing.T) {
	srv, _ := newTestServer(t)
	var resp itemsResp
	require.Equal(t, http.StatusOK, get(t, srv, "/api/search?q=ransomware", &resp))
	assert.Equal(t, []string{"i2"}, itemIDs(resp.Items))

	require.Equal(t, http.StatusOK, get(t, srv, "/api/search?q=nothing-matches-this", &resp))
	assert.Empty(t, resp.Items)
}

func TestStats(t *testing.T) {
	srv, _ := newTestServer(t)

	var sources struct {
		Sources map[string]int `json:"sources"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/api/stats/sources", &sources))
	assert.Equal(t, map[string]int{"cisa": 1, "blog": 1}, sources.Sources)

	var entities struct {
		Entities map[types.EntityType]int `json:"entities"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/api/stats/entities?to=2024-05-01T12:00:00Z", &entities))
	assert.Equal(t, map[types.EntityType]int{types.EntityCVE: 1, types.EntityIP: 1}, entities.Entities)

	var records struct {
		Records map[types.Status]int `json:"records"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/api/stats/records", &records))
	assert.Equal(t, map[types.Status]int{types.StatusPending: 2}, records.Records)
}

func TestRelated(t *testing.T) {
	srv, _ := newTestServer(t)
	var resp struct {
		Related []store.Related `json:"related"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/api/entities/related?type=ip&value=203.0.113.7", &resp))
	assert.Equal(t, []store.Related{
		{Type: types.EntityCVE, Value: "CVE-2024-21887", Items: 1},
		{Type: types.EntityDomain, Value: "evil.example", Items: 1},
	}, resp.Related)
}

func TestRecordsAndNotifications(t *testing.T) {
	srv, _ := newTestServer(t)

	var recs struct {
		Records []types.ProcessingRecord `json:"records"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/api/records?status=pending", &recs))
	assert.Len(t, recs.Records, 2)
	require.Equal(t, http.StatusOK, get(t, srv, "/api/records?status=processed", &recs))
	assert.Empty(t, recs.Records)

	var notes struct {
		Notifications []types.Notification `json:"notifications"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/api/notifications?item_id=i1", &notes))
	assert.Len(t, notes.Notifications, 1)

	var runs struct {
		Runs []types.CycleSummary `json:"runs"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/api/runs", &runs))
	assert.Empty(t, runs.Runs)
}

func TestHealthAndMetricsMounted(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, get(t, srv, "/live", nil))
	assert.Equal(t, http.StatusOK, get(t, srv, "/metrics", nil))
}
