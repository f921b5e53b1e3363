// Package hugindb is the embeddable engine handle. It wires the layers
// that make up one node: the in-memory map store, per-map BM25
// full-text indexes, standing predicate queries, live subscription
// delivery, the cluster coordinator, and badger-backed index
// snapshots.
//
// A handle is opened against a data directory and an optional
// configuration:
//
//	db, err := hugindb.Open("./data", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	db.EnableSearch("articles", "title", "body")
//	db.Put("articles", "a1", record.Record{
//		"title": record.String("BM25 ranking explained"),
//		"body":  record.String("Term frequency saturates; length normalizes."),
//	})
//
//	page, err := db.Search(ctx, "articles", "ranking", search.Options{}, "")
//
// Live subscriptions deliver ENTER, UPDATE, and LEAVE frames as the
// data changes:
//
//	res, err := db.SubscribeSearch(ctx, "client-1", "articles", "ranking",
//		search.Options{Limit: 10},
//		func(u coordinator.SearchUpdatePayload) {
//			fmt.Println(u.ChangeType, u.Key)
//		})
//
// Several nodes in one process form a cluster over a shared bus; see
// Cluster.
package hugindb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/orneryd/hugindb/pkg/analysis"
	"github.com/orneryd/hugindb/pkg/cluster"
	"github.com/orneryd/hugindb/pkg/config"
	"github.com/orneryd/hugindb/pkg/coordinator"
	"github.com/orneryd/hugindb/pkg/fts"
	"github.com/orneryd/hugindb/pkg/metrics"
	"github.com/orneryd/hugindb/pkg/predicate"
	"github.com/orneryd/hugindb/pkg/record"
	"github.com/orneryd/hugindb/pkg/search"
	"github.com/orneryd/hugindb/pkg/snapshot"
	"github.com/orneryd/hugindb/pkg/standing"
	"github.com/orneryd/hugindb/pkg/store"
)

var (
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("hugindb: closed")

	// ErrNotFound is returned when a key is absent from a map.
	ErrNotFound = errors.New("hugindb: not found")

	// ErrInvalidInput flags empty map names, keys, queries, or nil
	// records.
	ErrInvalidInput = errors.New("hugindb: invalid input")
)

// DB is one engine node. All methods are safe for concurrent use.
type DB struct {
	cfg       *config.Config
	log       zerolog.Logger
	nodeID    string
	tokenizer *analysis.Tokenizer

	mu     sync.RWMutex
	closed bool

	store      *store.Store
	snapshots  *snapshot.Store
	fulltext   *search.Coordinator
	queries    *standing.Registry
	membership *cluster.Membership
	bus        *cluster.LocalBus
	node       *cluster.BusNode
	ownsBus    bool
	coord      *coordinator.Coordinator
	metrics    *metrics.Prometheus
	router     *updateRouter

	// wireMu guards the change fan-in and index bookkeeping below.
	wireMu  sync.Mutex
	wired   map[string]bool
	indexed map[string][]string

	// onClose is set when the node belongs to a Cluster; it detaches
	// the node from the shared bus and notifies the remaining members.
	onClose func()
}

// Open opens a single-node engine rooted at dataDir. A nil cfg means
// config.Default(). A non-empty dataDir overrides cfg.Storage.DataDir;
// when both are empty the node runs fully in memory.
func Open(dataDir string, cfg *config.Config) (*DB, error) {
	return open(dataDir, cfg, nil)
}

func open(dataDir string, cfg *config.Config, sharedBus *cluster.LocalBus) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.InMemory = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	log = log.With().Str("node", cfg.Node.ID).Logger()

	anaCfg, err := cfg.Tokenizer.Build()
	if err != nil {
		return nil, err
	}

	snapDir := ""
	if !cfg.Storage.InMemory {
		snapDir = filepath.Join(cfg.Storage.DataDir, "index")
	}
	snaps, err := snapshot.Open(snapshot.Options{Dir: snapDir, InMemory: cfg.Storage.InMemory})
	if err != nil {
		return nil, fmt.Errorf("open index snapshots: %w", err)
	}

	db := &DB{
		cfg:       cfg,
		log:       log,
		nodeID:    cfg.Node.ID,
		tokenizer: analysis.NewTokenizer(anaCfg),
		store:     store.New(cfg.Node.ID),
		snapshots: snaps,
		router:    newUpdateRouter(),
		wired:     make(map[string]bool),
		indexed:   make(map[string][]string),
	}

	resolver := storeResolver{db.store}
	db.fulltext = search.NewCoordinator(resolver, log, search.Config{
		SuppressNoopUpdates: cfg.Flags.SuppressNoopUpdates,
		FlushInterval:       cfg.Search.BatchFlush.Std(),
	})
	db.queries = standing.NewRegistry(resolver, log)

	if sharedBus != nil {
		db.bus = sharedBus
	} else {
		db.bus = cluster.NewLocalBus()
		db.ownsBus = true
	}
	db.node = db.bus.Join(cfg.Node.ID)
	db.membership = cluster.NewMembership(cluster.Member{ID: cfg.Node.ID, Addr: cfg.Node.BindAddr})

	db.metrics = metrics.NewPrometheus(prometheus.NewRegistry(), "hugindb", log)
	db.coord = coordinator.New(coordinator.Deps{
		Membership: db.membership,
		Messenger:  db.node,
		Search:     db.fulltext,
		Registry:   db.queries,
		Notifier:   db.router,
		Metrics:    db.metrics,
		Log:        log,
	}, coordinator.Config{
		AckTimeout:    cfg.Cluster.AckTimeout.Std(),
		SearchTimeout: cfg.Cluster.SearchTimeout.Std(),
		RRFK:          cfg.Cluster.RRFK,
		MinResponses:  cfg.Cluster.MinResponses,
	})

	if err := db.restoreIndexes(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("restore indexes: %w", err)
	}

	log.Info().
		Bool("in_memory", cfg.Storage.InMemory).
		Str("data_dir", cfg.Storage.DataDir).
		Msg("HuginDB node open")
	return db, nil
}

func newLogger(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var w io.Writer = os.Stderr
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func (db *DB) guard() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}

// NodeID returns the id local writes are stamped with and cluster
// messages carry.
func (db *DB) NodeID() string { return db.nodeID }

// Logger returns the node's root logger.
func (db *DB) Logger() zerolog.Logger { return db.log }

// Members returns the current cluster view, self included.
func (db *DB) Members() []cluster.Member { return db.membership.Members() }

// Metrics returns the node's metrics sink.
func (db *DB) Metrics() metrics.Sink { return db.metrics }

// MetricsRegistry returns the Prometheus registry the node's metrics
// live on, for mounting an exposition endpoint.
func (db *DB) MetricsRegistry() *prometheus.Registry { return db.metrics.Registry() }

// AttachNotifier routes update frames for clients that have no bound
// callback, typically the HTTP server's connection hub. Frames for
// unknown clients are dropped while no notifier is attached.
func (db *DB) AttachNotifier(n coordinator.ClientNotifier) { db.router.attach(n) }

// EnableSearch builds a full-text index over the given record fields
// of mapName and seeds it from the map's current entries. It returns
// the number of documents indexed. Enabling an already indexed map
// rebuilds its index.
func (db *DB) EnableSearch(mapName string, fields ...string) (int, error) {
	if err := db.guard(); err != nil {
		return 0, err
	}
	if mapName == "" || len(fields) == 0 {
		return 0, ErrInvalidInput
	}
	m := db.mapOf(mapName)
	db.fulltext.EnableSearch(mapName, db.indexConfig(fields))
	db.rememberIndex(mapName, fields)
	n, err := db.fulltext.BuildIndexFromEntries(mapName, m)
	if err != nil {
		return 0, fmt.Errorf("seed index for %q: %w", mapName, err)
	}
	return n, nil
}

// Put writes rec under key in mapName, creating the map on first use.
// Indexes and live subscriptions observe the change before Put
// returns.
func (db *DB) Put(mapName, key string, rec record.Record) error {
	if err := db.guard(); err != nil {
		return err
	}
	if mapName == "" || key == "" || rec == nil {
		return ErrInvalidInput
	}
	return db.mapOf(mapName).Set(key, rec)
}

// Get returns the record stored under key in mapName, or ErrNotFound.
func (db *DB) Get(mapName, key string) (record.Record, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	if mapName == "" || key == "" {
		return nil, ErrInvalidInput
	}
	rec, ok := db.mapOf(mapName).Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Delete removes key from mapName. Deleting an absent key returns
// ErrNotFound.
func (db *DB) Delete(mapName, key string) error {
	if err := db.guard(); err != nil {
		return err
	}
	if mapName == "" || key == "" {
		return ErrInvalidInput
	}
	removed, err := db.mapOf(mapName).Delete(key)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// Search runs a one-shot ranked search across the cluster. A zero
// opts.Limit falls back to the configured default page size. cursor
// continues a previous page; pass "" for the first.
func (db *DB) Search(ctx context.Context, mapName, query string, opts search.Options, cursor string) (*coordinator.SearchResult, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	if mapName == "" || strings.TrimSpace(query) == "" {
		return nil, ErrInvalidInput
	}
	if opts.Limit <= 0 {
		opts.Limit = db.cfg.Search.DefaultLimit
	}
	if opts.MinScore <= 0 {
		opts.MinScore = db.cfg.Search.MinScore
	}
	return db.coord.ClusterSearch(ctx, mapName, query, opts, cursor)
}

// SubscribeSearch registers a live full-text subscription across the
// cluster and returns its merged initial results. onUpdate, when not
// nil, receives every subsequent ENTER/UPDATE/LEAVE frame for
// clientID; it replaces any callback previously bound to that client.
// A zero opts.Limit keeps the live window unbounded.
func (db *DB) SubscribeSearch(ctx context.Context, clientID, mapName, query string, opts search.Options, onUpdate func(coordinator.SearchUpdatePayload)) (*coordinator.SubscribeResult, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	if clientID == "" || mapName == "" || strings.TrimSpace(query) == "" {
		return nil, ErrInvalidInput
	}
	if onUpdate != nil {
		db.router.bindSearch(clientID, onUpdate)
	}
	return db.coord.Subscribe(ctx, clientID, mapName, query, opts)
}

// SubscribeQuery registers a standing predicate query across the
// cluster and returns its merged initial result set. onUpdate, when
// not nil, receives ADDED/UPDATED/REMOVED frames for clientID; it
// replaces any callback previously bound to that client.
func (db *DB) SubscribeQuery(ctx context.Context, clientID, mapName string, q *predicate.Query, onUpdate func(coordinator.QueryUpdatePayload)) (*coordinator.SubscribeResult, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	if clientID == "" || mapName == "" || q == nil {
		return nil, ErrInvalidInput
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	if onUpdate != nil {
		db.router.bindQuery(clientID, onUpdate)
	}
	return db.coord.SubscribeQuery(ctx, clientID, mapName, q)
}

// Unsubscribe tears one subscription down across the cluster. It
// reports whether the id was known.
func (db *DB) Unsubscribe(subID string) bool {
	if db.guard() != nil {
		return false
	}
	return db.coord.Unsubscribe(subID)
}

// UnsubscribeClient tears down every subscription held by clientID and
// unbinds its callbacks. It returns the number removed.
func (db *DB) UnsubscribeClient(clientID string) int {
	if db.guard() != nil {
		return 0
	}
	db.router.drop(clientID)
	return db.coord.UnsubscribeClient(clientID)
}

// Close shuts the node down: optionally snapshots enabled indexes,
// leaves the cluster, destroys the coordinator, and releases storage.
// Close is idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	var errs []error
	if db.cfg.Flags.SnapshotOnClose {
		if err := db.saveAllIndexes(); err != nil {
			errs = append(errs, err)
		}
	}

	if db.onClose != nil {
		db.onClose()
	}
	db.coord.Destroy()
	db.fulltext.Close()
	if err := db.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if db.ownsBus {
		db.bus.Close()
	}
	if err := db.snapshots.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	db.log.Info().Msg("HuginDB node closed")
	return nil
}

// mapOf returns the named map, wiring its committed changes into the
// search coordinator and the standing-query registry on first use.
func (db *DB) mapOf(name string) *store.MapData {
	m := db.store.Map(name)
	db.wireMu.Lock()
	if !db.wired[name] {
		m.OnChange(func(key string, newRec, oldRec record.Record, ct record.ChangeType) {
			db.fulltext.OnDataChange(name, key, newRec, ct)
			db.queries.ProcessChange(name, key, newRec, oldRec)
		})
		db.wired[name] = true
	}
	db.wireMu.Unlock()
	return m
}

func (db *DB) rememberIndex(mapName string, fields []string) {
	db.wireMu.Lock()
	db.indexed[mapName] = fields
	db.wireMu.Unlock()
}

// indexConfig derives one map's index configuration from the node
// configuration. The tokenizer is shared across maps so index and
// query analysis always agree.
func (db *DB) indexConfig(fields []string) fts.Config {
	return fts.Config{
		Fields:         fields,
		Tokenizer:      db.tokenizer,
		K1:             db.cfg.BM25.K1,
		B:              db.cfg.BM25.B,
		QueryCacheSize: db.cfg.Search.TokenCacheSize,
		QueryCacheTTL:  db.cfg.Search.TokenCacheTTL.Std(),
	}
}

// storeResolver adapts the map store to the read view the query layers
// hydrate results from.
type storeResolver struct {
	store *store.Store
}

func (r storeResolver) Source(mapName string) (record.Source, bool) {
	return r.store.Map(mapName), true
}

// updateRouter fans coordinator update frames out to the callback
// bound per client, falling back to an attached notifier (the HTTP
// server's hub) for clients without one.
type updateRouter struct {
	mu       sync.RWMutex
	search   map[string]func(coordinator.SearchUpdatePayload)
	query    map[string]func(coordinator.QueryUpdatePayload)
	fallback coordinator.ClientNotifier
}

var _ coordinator.ClientNotifier = (*updateRouter)(nil)

func newUpdateRouter() *updateRouter {
	return &updateRouter{
		search: make(map[string]func(coordinator.SearchUpdatePayload)),
		query:  make(map[string]func(coordinator.QueryUpdatePayload)),
	}
}

func (r *updateRouter) bindSearch(clientID string, fn func(coordinator.SearchUpdatePayload)) {
	r.mu.Lock()
	r.search[clientID] = fn
	r.mu.Unlock()
}

func (r *updateRouter) bindQuery(clientID string, fn func(coordinator.QueryUpdatePayload)) {
	r.mu.Lock()
	r.query[clientID] = fn
	r.mu.Unlock()
}

func (r *updateRouter) drop(clientID string) {
	r.mu.Lock()
	delete(r.search, clientID)
	delete(r.query, clientID)
	r.mu.Unlock()
}

func (r *updateRouter) attach(n coordinator.ClientNotifier) {
	r.mu.Lock()
	r.fallback = n
	r.mu.Unlock()
}

func (r *updateRouter) NotifySearchUpdate(clientID string, p coordinator.SearchUpdatePayload) error {
	r.mu.RLock()
	fn := r.search[clientID]
	fb := r.fallback
	r.mu.RUnlock()
	if fn != nil {
		fn(p)
		return nil
	}
	if fb != nil {
		return fb.NotifySearchUpdate(clientID, p)
	}
	return nil
}

func (r *updateRouter) NotifyQueryUpdate(clientID string, p coordinator.QueryUpdatePayload) error {
	r.mu.RLock()
	fn := r.query[clientID]
	fb := r.fallback
	r.mu.RUnlock()
	if fn != nil {
		fn(p)
		return nil
	}
	if fb != nil {
		return fb.NotifyQueryUpdate(clientID, p)
	}
	return nil
}
