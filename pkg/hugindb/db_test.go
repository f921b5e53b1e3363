package hugindb

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/hugindb/pkg/config"
	"github.com/orneryd/hugindb/pkg/coordinator"
	"github.com/orneryd/hugindb/pkg/predicate"
	"github.com/orneryd/hugindb/pkg/record"
	"github.com/orneryd/hugindb/pkg/search"
	"github.com/orneryd/hugindb/pkg/snapshot"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Logging.Level = "disabled"
	cfg.Storage.InMemory = true
	return cfg
}

func openMem(t *testing.T) *DB {
	t.Helper()
	db, err := Open("", testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// frameLog captures update callbacks for assertions.
type frameLog struct {
	mu     sync.Mutex
	search []coordinator.SearchUpdatePayload
	query  []coordinator.QueryUpdatePayload
}

func (f *frameLog) addSearch(p coordinator.SearchUpdatePayload) {
	f.mu.Lock()
	f.search = append(f.search, p)
	f.mu.Unlock()
}

func (f *frameLog) addQuery(p coordinator.QueryUpdatePayload) {
	f.mu.Lock()
	f.query = append(f.query, p)
	f.mu.Unlock()
}

func (f *frameLog) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.search)
}

func (f *frameLog) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.query)
}

func (f *frameLog) searchAt(i int) coordinator.SearchUpdatePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.search[i]
}

func (f *frameLog) queryAt(i int) coordinator.QueryUpdatePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.query[i]
}

func TestOpen_NilConfigUsesDefaults(t *testing.T) {
	db, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, db.NodeID())
	require.Len(t, db.Members(), 1)

	require.NoError(t, db.Close())
	assert.NoError(t, db.Close())
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HTTPPort = 0
	_, err := Open("", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
}

func TestDB_PutGetDelete(t *testing.T) {
	db := openMem(t)

	rec := record.Record{"name": record.String("alpha"), "age": record.Int(3)}
	require.NoError(t, db.Put("users", "u1", rec))

	got, err := db.Get("users", "u1")
	require.NoError(t, err)
	name, ok := got.Get("name").AsString()
	require.True(t, ok)
	assert.Equal(t, "alpha", name)

	_, err = db.Get("users", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Delete("users", "u1"))
	assert.ErrorIs(t, db.Delete("users", "u1"), ErrNotFound)
	_, err = db.Get("users", "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDB_RejectsInvalidInput(t *testing.T) {
	db := openMem(t)
	rec := record.Record{"a": record.Int(1)}

	assert.ErrorIs(t, db.Put("", "k", rec), ErrInvalidInput)
	assert.ErrorIs(t, db.Put("m", "", rec), ErrInvalidInput)
	assert.ErrorIs(t, db.Put("m", "k", nil), ErrInvalidInput)

	_, err := db.Get("m", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = db.EnableSearch("m")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = db.Search(context.Background(), "m", "   ", search.Options{}, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = db.SubscribeQuery(context.Background(), "c", "m", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDB_ClosedGuards(t *testing.T) {
	db, err := Open("", testConfig())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Put("m", "k", record.Record{"a": record.Int(1)}), ErrClosed)
	_, err = db.Get("m", "k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Search(context.Background(), "m", "q", search.Options{}, "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, db.Unsubscribe("sub"))
	assert.Zero(t, db.UnsubscribeClient("client"))
	assert.ErrorIs(t, db.SaveIndex("m"), ErrClosed)
}

func TestDB_EnableSearchSeedsExistingData(t *testing.T) {
	db := openMem(t)

	require.NoError(t, db.Put("articles", "go", record.Record{
		"title": record.String("Go concurrency patterns"),
		"body":  record.String("Channels and goroutines make concurrent code simple."),
	}))
	require.NoError(t, db.Put("articles", "rust", record.Record{
		"title": record.String("Rust ownership"),
		"body":  record.String("The borrow checker enforces memory safety."),
	}))

	n, err := db.EnableSearch("articles", "title", "body")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := db.Search(context.Background(), "articles", "goroutines", search.Options{IncludeMatchedTerms: true}, "")
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "go", page.Results[0].Key)
	assert.NotEmpty(t, page.Results[0].MatchedTerms)
	title, ok := page.Results[0].Value.Get("title").AsString()
	require.True(t, ok)
	assert.Equal(t, "Go concurrency patterns", title)
	assert.Equal(t, []string{db.NodeID()}, page.RespondedNodes)
}

func TestDB_SearchPagination(t *testing.T) {
	db := openMem(t)
	_, err := db.EnableSearch("articles", "body")
	require.NoError(t, err)

	bodies := []string{
		"fox",
		"fox fox",
		"fox fox fox",
		"fox den",
		"fox hole den burrow",
	}
	for i, body := range bodies {
		key := fmt.Sprintf("doc-%d", i+1)
		require.NoError(t, db.Put("articles", key, record.Record{"body": record.String(body)}))
	}

	seen := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		page, err := db.Search(context.Background(), "articles", "fox", search.Options{Limit: 2}, cursor)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page.Results), 2)
		assert.Equal(t, 5, page.TotalHits)
		for _, h := range page.Results {
			assert.False(t, seen[h.Key], "key %s repeated across pages", h.Key)
			seen[h.Key] = true
		}
		pages++
		require.Less(t, pages, 10, "pagination did not terminate")
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)
}

func TestDB_SubscribeSearchLiveDeltas(t *testing.T) {
	db := openMem(t)
	_, err := db.EnableSearch("articles", "title", "body")
	require.NoError(t, err)

	var fl frameLog
	res, err := db.SubscribeSearch(context.Background(), "client-1", "articles", "concurrency",
		search.Options{Limit: 10}, fl.addSearch)
	require.NoError(t, err)
	require.NotEmpty(t, res.SubscriptionID)
	assert.Empty(t, res.Results)
	assert.Equal(t, []string{db.NodeID()}, res.RegisteredNodes)

	require.NoError(t, db.Put("articles", "go", record.Record{
		"title": record.String("Go concurrency patterns"),
		"body":  record.String("goroutines and channels"),
	}))
	require.Eventually(t, func() bool { return fl.searchCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	enter := fl.searchAt(0)
	assert.Equal(t, string(search.DeltaEnter), enter.ChangeType)
	assert.Equal(t, "go", enter.Key)
	assert.Equal(t, res.SubscriptionID, enter.SubscriptionID)

	require.NoError(t, db.Delete("articles", "go"))
	require.Eventually(t, func() bool { return fl.searchCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	leave := fl.searchAt(1)
	assert.Equal(t, string(search.DeltaLeave), leave.ChangeType)
	assert.Equal(t, "go", leave.Key)
}

func TestDB_SubscribeQueryLiveDeltas(t *testing.T) {
	db := openMem(t)

	require.NoError(t, db.Put("users", "u1", record.Record{
		"status": record.String("active"),
		"name":   record.String("alpha"),
	}))

	q := &predicate.Query{Where: map[string]record.Value{"status": record.String("active")}}
	var fl frameLog
	res, err := db.SubscribeQuery(context.Background(), "client-2", "users", q, fl.addQuery)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "u1", res.Results[0].Key)

	require.NoError(t, db.Put("users", "u2", record.Record{
		"status": record.String("active"),
		"name":   record.String("beta"),
	}))
	require.Eventually(t, func() bool { return fl.queryCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	added := fl.queryAt(0)
	assert.Equal(t, "u2", added.Key)
	assert.Equal(t, "UPDATE", added.Type)
	assert.Equal(t, res.SubscriptionID, added.QueryID)

	require.NoError(t, db.Put("users", "u2", record.Record{
		"status": record.String("disabled"),
		"name":   record.String("beta"),
	}))
	require.Eventually(t, func() bool { return fl.queryCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	removed := fl.queryAt(1)
	assert.Equal(t, "u2", removed.Key)
	assert.Equal(t, "REMOVE", removed.Type)
}

func TestDB_UnsubscribeStopsDelivery(t *testing.T) {
	db := openMem(t)
	_, err := db.EnableSearch("articles", "body")
	require.NoError(t, err)

	var fl frameLog
	res, err := db.SubscribeSearch(context.Background(), "client-3", "articles", "fox",
		search.Options{}, fl.addSearch)
	require.NoError(t, err)

	assert.True(t, db.Unsubscribe(res.SubscriptionID))
	assert.False(t, db.Unsubscribe(res.SubscriptionID))
	assert.False(t, db.Unsubscribe("never-registered"))

	require.NoError(t, db.Put("articles", "doc", record.Record{"body": record.String("quick fox")}))
	require.Never(t, func() bool { return fl.searchCount() > 0 }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestDB_IndexSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.Storage.InMemory = false
	db, err := Open(dir, cfg)
	require.NoError(t, err)

	_, err = db.EnableSearch("articles", "title")
	require.NoError(t, err)
	require.NoError(t, db.Put("articles", "alpha", record.Record{"title": record.String("storage engines")}))
	require.NoError(t, db.Put("articles", "beta", record.Record{"title": record.String("engines of growth")}))

	require.NoError(t, db.SaveIndex("articles"))
	assert.ErrorIs(t, db.SaveIndex("ghost"), search.ErrNotEnabled)
	require.NoError(t, db.Close())

	re, err := Open(dir, func() *config.Config {
		c := testConfig()
		c.Storage.InMemory = false
		return c
	}())
	require.NoError(t, err)
	defer re.Close()

	// The index is searchable immediately; records are not persisted,
	// so hits come back without values.
	page, err := re.Search(context.Background(), "articles", "engines", search.Options{}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalHits)
	keys := make([]string, 0, len(page.Results))
	for _, h := range page.Results {
		keys = append(keys, h.Key)
		assert.Empty(t, h.Value)
	}
	assert.ElementsMatch(t, []string{"alpha", "beta"}, keys)

	assert.ErrorIs(t, re.LoadIndex("ghost"), snapshot.ErrNotFound)
}

func TestDB_SnapshotOnCloseRestoresAtOpen(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.Storage.InMemory = false
	cfg.Flags.SnapshotOnClose = true
	db, err := Open(dir, cfg)
	require.NoError(t, err)

	_, err = db.EnableSearch("articles", "title")
	require.NoError(t, err)
	require.NoError(t, db.Put("articles", "alpha", record.Record{"title": record.String("snapshot restore")}))
	require.NoError(t, db.Close())

	cfg2 := testConfig()
	cfg2.Storage.InMemory = false
	re, err := Open(dir, cfg2)
	require.NoError(t, err)
	defer re.Close()

	page, err := re.Search(context.Background(), "articles", "snapshot", search.Options{}, "")
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "alpha", page.Results[0].Key)

	// The restored map is wired for live updates.
	require.NoError(t, re.Put("articles", "gamma", record.Record{"title": record.String("fresh snapshot data")}))
	page, err = re.Search(context.Background(), "articles", "snapshot", search.Options{}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalHits)
}
