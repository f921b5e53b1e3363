package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/hugindb/pkg/config"
	"github.com/orneryd/hugindb/pkg/coordinator"
	"github.com/orneryd/hugindb/pkg/hugindb"
	"github.com/orneryd/hugindb/pkg/predicate"
	"github.com/orneryd/hugindb/pkg/record"
	"github.com/orneryd/hugindb/pkg/search"
	"github.com/orneryd/hugindb/pkg/transport"
)

func testDB(t *testing.T) *hugindb.DB {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "disabled"
	cfg.Storage.InMemory = true
	db, err := hugindb.Open("", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func startServer(t *testing.T, db *hugindb.DB) *Server {
	t.Helper()
	srv, err := New(db, &Config{
		Addr:         "127.0.0.1:0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  10 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func dialWS(t *testing.T, srv *Server, clientID string) *websocket.Conn {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: srv.Addr(), Path: "/ws"}
	if clientID != "" {
		u.RawQuery = "clientId=" + clientID
	}
	ws, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, frameType string, payload any) {
	t.Helper()
	f, err := transport.NewFrame(frameType, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(f))
}

func readFrame(t *testing.T, ws *websocket.Conn) transport.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f transport.Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func httpGet(t *testing.T, srv *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s%s", srv.Addr(), path))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNew_RequiresDatabase(t *testing.T) {
	_, err := New(nil, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database required")
}

func TestServer_HealthEndpoint(t *testing.T) {
	db := testDB(t)
	srv := startServer(t, db)

	status, body := httpGet(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, status)

	var health struct {
		Status  string   `json:"status"`
		Node    string   `json:"node"`
		Members []string `json:"members"`
		Clients int      `json:"clients"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, db.NodeID(), health.Node)
	assert.Equal(t, []string{db.NodeID()}, health.Members)
	assert.Zero(t, health.Clients)

	resp, err := http.Post(fmt.Sprintf("http://%s/healthz", srv.Addr()), "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_SubscribeSearchFlow(t *testing.T) {
	db := testDB(t)
	srv := startServer(t, db)

	_, err := db.EnableSearch("articles", "title", "body")
	require.NoError(t, err)
	require.NoError(t, db.Put("articles", "doc1", record.Record{
		"title": record.String("The quick brown fox"),
	}))

	ws := dialWS(t, srv, "client-1")
	sendFrame(t, ws, transport.FrameSubscribeSearch, subscribeSearchRequest{
		MapName: "articles",
		Query:   "fox",
		Options: search.Options{IncludeMatchedTerms: true},
	})

	f := readFrame(t, ws)
	require.Equal(t, transport.FrameSubscribed, f.Type)
	var sub coordinator.SubscribeResult
	require.NoError(t, f.Decode(&sub))
	require.NotEmpty(t, sub.SubscriptionID)
	require.Len(t, sub.Results, 1)
	assert.Equal(t, "doc1", sub.Results[0].Key)
	assert.Equal(t, []string{db.NodeID()}, sub.RegisteredNodes)

	require.NoError(t, db.Put("articles", "doc2", record.Record{
		"title": record.String("Another fox sighting"),
	}))

	f = readFrame(t, ws)
	require.Equal(t, transport.FrameSearchUpdate, f.Type)
	var update coordinator.SearchUpdatePayload
	require.NoError(t, f.Decode(&update))
	assert.Equal(t, sub.SubscriptionID, update.SubscriptionID)
	assert.Equal(t, "doc2", update.Key)
	assert.Equal(t, "ENTER", update.ChangeType)
	assert.NotEmpty(t, update.MatchedTerms)

	require.NoError(t, db.Delete("articles", "doc2"))

	f = readFrame(t, ws)
	require.Equal(t, transport.FrameSearchUpdate, f.Type)
	require.NoError(t, f.Decode(&update))
	assert.Equal(t, "doc2", update.Key)
	assert.Equal(t, "LEAVE", update.ChangeType)
}

func TestServer_SubscribeQueryFlow(t *testing.T) {
	db := testDB(t)
	srv := startServer(t, db)

	require.NoError(t, db.Put("users", "u1", record.Record{
		"status": record.String("active"),
	}))

	ws := dialWS(t, srv, "client-1")
	sendFrame(t, ws, transport.FrameSubscribeQuery, subscribeQueryRequest{
		MapName: "users",
		Query: &predicate.Query{
			Where: map[string]record.Value{"status": record.String("active")},
		},
	})

	f := readFrame(t, ws)
	require.Equal(t, transport.FrameSubscribed, f.Type)
	var sub coordinator.SubscribeResult
	require.NoError(t, f.Decode(&sub))
	require.NotEmpty(t, sub.SubscriptionID)
	require.Len(t, sub.Results, 1)
	assert.Equal(t, "u1", sub.Results[0].Key)

	require.NoError(t, db.Put("users", "u2", record.Record{
		"status": record.String("active"),
	}))

	f = readFrame(t, ws)
	require.Equal(t, transport.FrameQueryUpdate, f.Type)
	var update coordinator.QueryUpdatePayload
	require.NoError(t, f.Decode(&update))
	assert.Equal(t, sub.SubscriptionID, update.QueryID)
	assert.Equal(t, "u2", update.Key)
	assert.Equal(t, "UPDATE", update.Type)

	require.NoError(t, db.Put("users", "u2", record.Record{
		"status": record.String("disabled"),
	}))

	f = readFrame(t, ws)
	require.Equal(t, transport.FrameQueryUpdate, f.Type)
	require.NoError(t, f.Decode(&update))
	assert.Equal(t, "u2", update.Key)
	assert.Equal(t, "REMOVE", update.Type)
}

func TestServer_OneShotSearch(t *testing.T) {
	db := testDB(t)
	srv := startServer(t, db)

	_, err := db.EnableSearch("articles", "body")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		key := fmt.Sprintf("doc%d", i)
		require.NoError(t, db.Put("articles", key, record.Record{
			"body": record.String("distributed search engine"),
		}))
	}

	ws := dialWS(t, srv, "client-1")
	sendFrame(t, ws, transport.FrameSearch, searchRequest{
		MapName: "articles",
		Query:   "distributed",
		Options: search.Options{Limit: 2},
	})

	f := readFrame(t, ws)
	require.Equal(t, transport.FrameSearchResult, f.Type)
	var result coordinator.SearchResult
	require.NoError(t, f.Decode(&result))
	assert.Equal(t, 3, result.TotalHits)
	assert.Len(t, result.Results, 2)
	assert.Equal(t, []string{db.NodeID()}, result.RespondedNodes)
	assert.NotEmpty(t, result.Cursor)
}

func TestServer_ErrorFrames(t *testing.T) {
	db := testDB(t)
	srv := startServer(t, db)
	ws := dialWS(t, srv, "client-1")

	sendFrame(t, ws, "BOGUS", map[string]string{"x": "y"})
	f := readFrame(t, ws)
	require.Equal(t, transport.FrameError, f.Type)
	var perr transport.ErrorPayload
	require.NoError(t, f.Decode(&perr))
	assert.Equal(t, "BOGUS", perr.RequestType)
	assert.Contains(t, perr.Message, "unknown frame type")

	sendFrame(t, ws, transport.FrameSubscribeSearch, subscribeSearchRequest{
		MapName: "ghost",
		Query:   "anything",
	})
	f = readFrame(t, ws)
	require.Equal(t, transport.FrameError, f.Type)
	require.NoError(t, f.Decode(&perr))
	assert.Equal(t, transport.FrameSubscribeSearch, perr.RequestType)
	assert.Contains(t, perr.Message, "not enabled")

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":    transport.FrameSearch,
		"payload": map[string]any{"mapName": 123},
	}))
	f = readFrame(t, ws)
	require.Equal(t, transport.FrameError, f.Type)
	require.NoError(t, f.Decode(&perr))
	assert.Equal(t, transport.FrameSearch, perr.RequestType)
	assert.Contains(t, perr.Message, "decode")
}

func TestServer_UnsubscribeStopsUpdates(t *testing.T) {
	db := testDB(t)
	srv := startServer(t, db)

	_, err := db.EnableSearch("articles", "body")
	require.NoError(t, err)

	ws := dialWS(t, srv, "client-1")
	sendFrame(t, ws, transport.FrameSubscribeSearch, subscribeSearchRequest{
		MapName: "articles",
		Query:   "fox",
	})
	f := readFrame(t, ws)
	require.Equal(t, transport.FrameSubscribed, f.Type)
	var sub coordinator.SubscribeResult
	require.NoError(t, f.Decode(&sub))

	sendFrame(t, ws, transport.FrameUnsubscribe, unsubscribeRequest{
		SubscriptionID: sub.SubscriptionID,
	})

	// Frames on one socket are handled in order, so a search reply
	// proves the unsubscribe above was processed.
	sendFrame(t, ws, transport.FrameSearch, searchRequest{MapName: "articles", Query: "fox"})
	f = readFrame(t, ws)
	require.Equal(t, transport.FrameSearchResult, f.Type)

	require.NoError(t, db.Put("articles", "doc1", record.Record{
		"body": record.String("a fox appears"),
	}))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var stray transport.Frame
	require.Error(t, ws.ReadJSON(&stray), "no updates expected after unsubscribe")
}

func TestServer_DisconnectCleansSubscriptions(t *testing.T) {
	db := testDB(t)
	srv := startServer(t, db)

	_, err := db.EnableSearch("articles", "body")
	require.NoError(t, err)

	ws := dialWS(t, srv, "client-1")
	sendFrame(t, ws, transport.FrameSubscribeSearch, subscribeSearchRequest{
		MapName: "articles",
		Query:   "fox",
	})
	f := readFrame(t, ws)
	require.Equal(t, transport.FrameSubscribed, f.Type)
	var sub coordinator.SubscribeResult
	require.NoError(t, f.Decode(&sub))

	require.NoError(t, ws.Close())

	// The ws_clients gauge is updated after subscription cleanup, so
	// its return to zero means the disconnect handler finished.
	require.Eventually(t, func() bool {
		status, body := httpGet(t, srv, "/metrics")
		return status == http.StatusOK && strings.Contains(body, "hugindb_ws_clients 0")
	}, 2*time.Second, 20*time.Millisecond)

	assert.False(t, db.Unsubscribe(sub.SubscriptionID), "subscription should be gone after disconnect")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	db := testDB(t)
	srv := startServer(t, db)

	dialWS(t, srv, "client-1")

	require.Eventually(t, func() bool {
		status, body := httpGet(t, srv, "/metrics")
		return status == http.StatusOK &&
			strings.Contains(body, "hugindb_ws_connections_total") &&
			strings.Contains(body, "hugindb_ws_clients 1")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_StopClosesWebSockets(t *testing.T) {
	db := testDB(t)
	srv := startServer(t, db)

	ws := dialWS(t, srv, "client-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f transport.Frame
	require.Error(t, ws.ReadJSON(&f), "socket should be closed after Stop")

	require.ErrorIs(t, srv.Start(), ErrServerClosed)
}
