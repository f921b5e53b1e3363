package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/hugindb/pkg/coordinator"
	"github.com/orneryd/hugindb/pkg/record"
)

func TestFrame_RoundTrip(t *testing.T) {
	f, err := NewFrame(FrameSearchUpdate, map[string]string{"key": "doc-1"})
	require.NoError(t, err)

	raw, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"SEARCH_UPDATE","payload":{"key":"doc-1"}}`, string(raw))

	var back Frame
	require.NoError(t, json.Unmarshal(raw, &back))
	var body map[string]string
	require.NoError(t, back.Decode(&body))
	assert.Equal(t, "doc-1", body["key"])
}

func TestFrame_DecodeEmptyPayload(t *testing.T) {
	f, err := NewFrame(FrameUnsubscribe, nil)
	require.NoError(t, err)

	var body map[string]string
	err = f.Decode(&body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no payload")
}

// fakeConn captures frames for hub tests.
type fakeConn struct {
	id   string
	open bool

	mu     sync.Mutex
	frames []Frame
}

func (f *fakeConn) ID() string { return f.id }
func (f *fakeConn) Open() bool { return f.open }
func (f *fakeConn) Send(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) take() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func TestHub_RegisterReplaceUnregister(t *testing.T) {
	h := NewHub(zerolog.Nop())

	first := &fakeConn{id: "c1", open: true}
	h.Register(first)
	assert.Equal(t, 1, h.Len())

	// A reconnect replaces the old conn under the same id.
	second := &fakeConn{id: "c1", open: true}
	h.Register(second)
	assert.Equal(t, 1, h.Len())
	got, ok := h.Get("c1")
	require.True(t, ok)
	assert.Same(t, ClientConn(second), got)

	// Tearing down the stale conn must not evict the new one.
	h.Unregister(first)
	_, ok = h.Get("c1")
	assert.True(t, ok)

	h.Unregister(second)
	_, ok = h.Get("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, h.Len())
}

func TestHub_NotifySearchUpdate(t *testing.T) {
	h := NewHub(zerolog.Nop())
	conn := &fakeConn{id: "c1", open: true}
	h.Register(conn)

	err := h.NotifySearchUpdate("c1", coordinator.SearchUpdatePayload{
		SubscriptionID: "sub-1",
		Key:            "doc-1",
		Value:          record.Record{"title": record.String("alpha")},
		Score:          1.5,
		MatchedTerms:   []string{"alpha"},
		ChangeType:     "ENTER",
	})
	require.NoError(t, err)

	frames := conn.take()
	require.Len(t, frames, 1)
	assert.Equal(t, FrameSearchUpdate, frames[0].Type)

	var p coordinator.SearchUpdatePayload
	require.NoError(t, frames[0].Decode(&p))
	assert.Equal(t, "sub-1", p.SubscriptionID)
	assert.Equal(t, "ENTER", p.ChangeType)
	assert.Equal(t, record.String("alpha"), p.Value.Get("title"))
}

func TestHub_NotifyQueryUpdate(t *testing.T) {
	h := NewHub(zerolog.Nop())
	conn := &fakeConn{id: "c1", open: true}
	h.Register(conn)

	err := h.NotifyQueryUpdate("c1", coordinator.QueryUpdatePayload{
		QueryID: "q-1",
		Key:     "order-1",
		Type:    "LEAVE",
	})
	require.NoError(t, err)

	frames := conn.take()
	require.Len(t, frames, 1)
	assert.Equal(t, FrameQueryUpdate, frames[0].Type)
}

func TestHub_DeliveryErrors(t *testing.T) {
	h := NewHub(zerolog.Nop())

	err := h.NotifySearchUpdate("ghost", coordinator.SearchUpdatePayload{SubscriptionID: "s"})
	assert.ErrorIs(t, err, ErrClientUnknown)

	closed := &fakeConn{id: "c1", open: false}
	h.Register(closed)
	err = h.NotifyQueryUpdate("c1", coordinator.QueryUpdatePayload{QueryID: "q"})
	assert.ErrorIs(t, err, ErrConnClosed)
	assert.Empty(t, closed.take(), "closed connections receive nothing")
}

// newSocketPair upgrades a real websocket and returns the server-side
// WSConn plus the raw client peer.
func newSocketPair(t *testing.T) (*WSConn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	ready := make(chan *WSConn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ready <- NewWSConn("client-1", sock, zerolog.Nop())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = peer.Close() })

	conn := <-ready
	t.Cleanup(func() { _ = conn.Close() })
	return conn, peer
}

func TestWSConn_SendDeliversInOrder(t *testing.T) {
	conn, peer := newSocketPair(t)

	for _, key := range []string{"a", "b", "c"} {
		f, err := NewFrame(FrameSearchUpdate, map[string]string{"key": key})
		require.NoError(t, err)
		require.NoError(t, conn.Send(f))
	}

	for _, want := range []string{"a", "b", "c"} {
		var f Frame
		require.NoError(t, peer.ReadJSON(&f))
		assert.Equal(t, FrameSearchUpdate, f.Type)
		var body map[string]string
		require.NoError(t, f.Decode(&body))
		assert.Equal(t, want, body["key"])
	}
}

func TestWSConn_NextReadsInbound(t *testing.T) {
	conn, peer := newSocketPair(t)

	out, err := NewFrame(FrameUnsubscribe, map[string]string{"subscriptionId": "sub-1"})
	require.NoError(t, err)
	require.NoError(t, peer.WriteJSON(out))

	got, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameUnsubscribe, got.Type)

	var body map[string]string
	require.NoError(t, got.Decode(&body))
	assert.Equal(t, "sub-1", body["subscriptionId"])
}

func TestWSConn_CloseSemantics(t *testing.T) {
	conn, _ := newSocketPair(t)

	assert.True(t, conn.Open())
	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "close is idempotent")
	assert.False(t, conn.Open())

	err := conn.Send(Frame{Type: FrameSearchUpdate})
	assert.ErrorIs(t, err, ErrConnClosed)

	_, err = conn.Next()
	assert.Error(t, err, "reads fail once the socket is closed")
}

func TestWSConn_PeerDisconnectClosesConn(t *testing.T) {
	conn, peer := newSocketPair(t)

	require.NoError(t, peer.Close())

	// The pump notices on its next write and tears the conn down.
	require.Eventually(t, func() bool {
		f, err := NewFrame(FrameSearchUpdate, map[string]string{"key": "x"})
		if err != nil {
			return false
		}
		if err := conn.Send(f); err != nil {
			return true
		}
		return !conn.Open()
	}, 2*time.Second, 20*time.Millisecond)
}
