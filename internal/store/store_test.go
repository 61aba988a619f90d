package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/osintd/internal/types"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "osintd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	c := &testClock{t: t0}
	s.now = c.now
	return s, c
}

func testItem(id, source, title, content string, at time.Time) types.CollectedItem {
	return types.CollectedItem{
		ID:          id,
		Source:      source,
		SourceURL:   "https://" + source + ".example/" + id,
		CollectedAt: at,
		Title:       title,
		Content:     content,
		ContentType: types.ContentText,
		Metadata:    map[string]string{"feed": source},
		Fingerprint: "fp-" + id,
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "osintd.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), path)
	require.NoError(t, err, "migrations must be re-runnable")
	s.Close()
}

func TestRecordPending_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	item := testItem("a", "feed", "t", "c", t0)

	created, err := s.RecordPending(ctx, item)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.RecordPending(ctx, item)
	require.NoError(t, err)
	assert.False(t, created)

	recs, err := s.RecordsByStatus(ctx, types.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "feed", recs[0].Source)
	assert.Equal(t, 0, recs[0].Attempts)
	assert.True(t, recs[0].CollectedAt.Equal(t0))
}

func TestRecordedFingerprint(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.RecordPending(ctx, testItem("a", "feed", "t", "c", t0))
	require.NoError(t, err)

	fp, err := s.RecordedFingerprint(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "fp-a", fp)

	_, err = s.RecordedFingerprint(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaim_SingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.RecordPending(ctx, testItem("a", "feed", "t", "c", t0))
	require.NoError(t, err)

	var wins, lost atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.Claim(ctx, "a", "worker-"+string(rune('a'+i)), time.Minute)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyClaimed):
				lost.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), lost.Load())
}

func TestClaim_Lifecycle(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	item := testItem("a", "feed", "Title", "Body", t0)
	_, err := s.RecordPending(ctx, item)
	require.NoError(t, err)

	rec, got, err := s.Claim(ctx, "a", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "w1", rec.LeaseOwner)
	require.NotNil(t, rec.LeaseExpiresAt)
	assert.True(t, rec.LeaseExpiresAt.Equal(t0.Add(time.Minute)))
	assert.Equal(t, item.Title, got.Title)
	assert.Equal(t, item.Metadata, got.Metadata)

	ids, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "a live lease is not recoverable")

	clock.advance(2 * time.Minute)
	ids, err = s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	rec, _, err = s.Claim(ctx, "a", "w2", time.Minute)
	require.NoError(t, err, "an expired lease can be reclaimed")
	assert.Equal(t, 2, rec.Attempts)

	err = s.MarkProcessed(ctx, "a", "w1")
	assert.ErrorIs(t, err, ErrInvalidTransition, "the previous owner lost the lease")

	require.NoError(t, s.MarkProcessed(ctx, "a", "w2"))
	rec, err = s.GetRecord(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessed, rec.Status)
	assert.NotNil(t, rec.ProcessedAt)
	assert.Nil(t, rec.LeaseExpiresAt)

	_, _, err = s.Claim(ctx, "a", "w3", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, s.MarkError(ctx, "a", "w2", "late"), ErrInvalidTransition)
}

func TestClaim_ReleaseAndErrors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Claim(ctx, "missing", "w", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.RecordPending(ctx, testItem("b", "feed", "t", "c", t0))
	require.NoError(t, err)
	_, _, err = s.Claim(ctx, "b", "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "b", "w", "store unavailable"))

	rec, err := s.GetRecord(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, rec.Status)
	assert.Equal(t, "store unavailable", rec.Error)

	ids, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	_, _, err = s.Claim(ctx, "b", "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.MarkDuplicate(ctx, "b", "w", "near duplicate of x"))

	counts, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[types.Status]int{types.StatusDuplicate: 1}, counts)
}

func TestUpsertItem_MergesEnrichment(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	item := testItem("a", "feed", "t", "c", t0)
	exp := t0.Add(time.Hour)

	require.NoError(t, s.UpsertItem(ctx, item, []types.Entity{{
		Type: types.EntityDomain, Value: "evil.example", Context: "first",
		Enrichment: map[string]map[string]string{"dns": {"a": "192.0.2.1"}},
		EnrichedAt: &t0, ExpiresAt: &exp,
	}}))

	require.NoError(t, s.UpsertItem(ctx, item, []types.Entity{{
		Type: types.EntityDomain, Value: "evil.example", Context: "second",
		Degraded: []string{"dns"},
	}}))

	got, ents, err := s.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, item.Title, got.Title)
	assert.Equal(t, item.Metadata, got.Metadata)
	assert.True(t, got.CollectedAt.Equal(t0))
	require.Len(t, ents, 1)
	assert.Equal(t, "second", ents[0].Context)
	assert.Equal(t, "192.0.2.1", ents[0].Enrichment["dns"]["a"], "a degraded rewrite keeps prior enrichment")
	assert.Equal(t, []string{"dns"}, ents[0].Degraded)
	require.NotNil(t, ents[0].ExpiresAt)
	assert.True(t, ents[0].ExpiresAt.Equal(exp))

	require.NoError(t, s.UpsertItem(ctx, item, []types.Entity{{
		Type: types.EntityDomain, Value: "evil.example",
		Enrichment: map[string]map[string]string{"rdap": {"found": "true"}},
	}}))
	_, ents, err = s.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]string{
		"dns":  {"a": "192.0.2.1"},
		"rdap": {"found": "true"},
	}, ents[0].Enrichment)
	assert.Empty(t, ents[0].Degraded)

	_, _, err = s.GetItem(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func seedCorpus(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	add := func(id, source, title, content string, at time.Time, ents ...types.Entity) {
		require.NoError(t, s.UpsertItem(ctx, testItem(id, source, title, content, at), ents))
	}
	ip := func(v string) types.Entity { return types.Entity{Type: types.EntityIP, Value: v} }
	dom := func(v string) types.Entity { return types.Entity{Type: types.EntityDomain, Value: v} }
	cve := func(v string) types.Entity { return types.Entity{Type: types.EntityCVE, Value: v} }

	add("i1", "cisa", "Ivanti exploitation", "CVE-2024-21887 exploited from 203.0.113.7", t0,
		cve("CVE-2024-21887"), ip("203.0.113.7"))
	add("i2", "blog", "Ransomware staging", "Staging on evil.example at 203.0.113.7", t0.Add(time.Hour),
		ip("203.0.113.7"), dom("evil.example"))
	add("i3", "cisa", "Phishing wave", "Lure domains including evil.example", t0.Add(48*time.Hour),
		dom("evil.example"))
}

func TestQueries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedCorpus(t, s)

	items, err := s.ItemsByEntity(ctx, types.EntityIP, "203.0.113.7", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"i2", "i1"}, ids(items))

	items, err = s.ItemsByEntity(ctx, types.EntityDomain, "evil.example", t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"i2"}, ids(items))

	items, err = s.ItemsBySource(ctx, "cisa", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"i3", "i1"}, ids(items))

	bySource, err := s.CountsBySource(ctx, time.Time{}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cisa": 1, "blog": 1}, bySource)

	byType, err := s.CountsByEntityType(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, map[types.EntityType]int{types.EntityIP: 2, types.EntityDomain: 2, types.EntityCVE: 1}, byType)

	related, err := s.RelatedEntities(ctx, types.EntityIP, "203.0.113.7", 0)
	require.NoError(t, err)
	assert.Equal(t, []Related{
		{Type: types.EntityCVE, Value: "CVE-2024-21887", Items: 1},
		{Type: types.EntityDomain, Value: "evil.example", Items: 1},
	}, related)
}

func TestSearch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedCorpus(t, s)

	items, err := s.Search(ctx, "ransomware", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"i2"}, ids(items))

	items, err = s.Search(ctx, `evil "OR`, 0)
	require.NoError(t, err, "user input is quoted")
	assert.Empty(t, items)

	items, err = s.Search(ctx, "   ", 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestNotifications_FireOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	n := types.Notification{
		ID: "n1", AlertName: "ivanti", Severity: types.SeverityHigh,
		MatchedItemID: "i1", MatchedCondition: "cve=CVE-2024-*", Evidence: "CVE-2024-21887", Timestamp: t0,
	}

	fresh, err := s.InsertNotification(ctx, n)
	require.NoError(t, err)
	assert.True(t, fresh)

	n.ID = "n2"
	fresh, err = s.InsertNotification(ctx, n)
	require.NoError(t, err)
	assert.False(t, fresh, "same alert and item must not fire twice")

	pending, err := s.Undelivered(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "n1", pending[0].ID)
	assert.Equal(t, types.SeverityHigh, pending[0].Severity)

	require.NoError(t, s.MarkDeliveryFailed(ctx, "n1", "webhook 502"))
	pending, err = s.Undelivered(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, s.MarkDelivered(ctx, "n1"))
	pending, err = s.Undelivered(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, s.MarkDelivered(ctx, "nope"), ErrNotFound)

	all, err := s.Notifications(ctx, "i1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeliveries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.InsertNotification(ctx, types.Notification{
		ID: "n1", AlertName: "a", Severity: types.SeverityLow, MatchedItemID: "i1", MatchedCondition: "keyword=x", Timestamp: t0,
	})
	require.NoError(t, err)

	got, err := s.DeliveredSinks(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.RecordDelivery(ctx, "n1", "webhook"))
	require.NoError(t, s.RecordDelivery(ctx, "n1", "webhook"))
	require.NoError(t, s.RecordDelivery(ctx, "n1", "log"))

	got, err = s.DeliveredSinks(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"webhook": true, "log": true}, got)
}

func TestRuns(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"r1", "r2"} {
		sum := types.CycleSummary{RunID: id, StartedAt: t0.Add(time.Duration(i) * time.Hour), FinishedAt: t0.Add(time.Duration(i)*time.Hour + time.Minute), Collected: i + 1}
		sum.Source("feed").Collected = i + 1
		require.NoError(t, s.SaveRun(ctx, sum))
	}
	runs, err := s.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].RunID)
	assert.Equal(t, 2, runs[0].Sources["feed"].Collected)
}

func ids(items []types.CollectedItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}
