package cluster

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/hugindb/pkg/search"
)

func TestMembership_JoinAndLeave(t *testing.T) {
	m := NewMembership(Member{ID: "n1"})
	assert.Equal(t, "n1", m.SelfID())
	assert.Equal(t, 1, m.Size())

	var joined, left []string
	m.OnJoin(func(mem Member) { joined = append(joined, mem.ID) })
	m.OnLeave(func(mem Member) { left = append(left, mem.ID) })

	m.MemberJoined(Member{ID: "n3"})
	m.MemberJoined(Member{ID: "n2"})
	// Re-join updates the address but fires no callback.
	m.MemberJoined(Member{ID: "n2", Addr: "10.0.0.2"})

	assert.Equal(t, []string{"n3", "n2"}, joined)
	assert.Equal(t, 3, m.Size())

	members := m.Members()
	require.Len(t, members, 3)
	assert.Equal(t, "n1", members[0].ID)
	assert.Equal(t, "n2", members[1].ID)
	assert.Equal(t, "n3", members[2].ID)
	assert.Equal(t, "10.0.0.2", members[1].Addr)

	others := m.Others()
	require.Len(t, others, 2)
	assert.Equal(t, "n2", others[0].ID)
	assert.Equal(t, "n3", others[1].ID)

	m.MemberLeft("n3")
	m.MemberLeft("n3")
	m.MemberLeft("n1")
	assert.Equal(t, []string{"n3"}, left)
	assert.Equal(t, 2, m.Size())
	assert.True(t, m.Contains("n1"))
	assert.False(t, m.Contains("n3"))
}

func TestPayloads_Validate(t *testing.T) {
	score := 0.5
	valid := []interface{ Validate() error }{
		&SubRegister{SubscriptionID: "s1", CoordinatorNodeID: "n1", MapName: "m", Type: SubSearch, SearchQuery: "hello"},
		&SubRegister{SubscriptionID: "s1", CoordinatorNodeID: "n1", MapName: "m", Type: SubQuery},
		&SubAck{SubscriptionID: "s1", NodeID: "n2", Success: true},
		&SubUpdate{SubscriptionID: "s1", SourceNodeID: "n2", Key: "k", ChangeType: "ENTER", Score: &score},
		&SubUpdate{SubscriptionID: "s1", SourceNodeID: "n2", Key: "k", ChangeType: "LEAVE"},
		&SubUnregister{SubscriptionID: "s1"},
		&SearchRequest{RequestID: "r1", MapName: "m", Query: "hello"},
		&SearchResponse{RequestID: "r1", NodeID: "n2"},
	}
	for _, p := range valid {
		assert.NoError(t, p.Validate(), "%T", p)
	}

	invalid := []interface{ Validate() error }{
		&SubRegister{CoordinatorNodeID: "n1", MapName: "m", Type: SubSearch, SearchQuery: "x"},
		&SubRegister{SubscriptionID: "s1", MapName: "m", Type: SubSearch, SearchQuery: "x"},
		&SubRegister{SubscriptionID: "s1", CoordinatorNodeID: "n1", Type: SubSearch, SearchQuery: "x"},
		&SubRegister{SubscriptionID: "s1", CoordinatorNodeID: "n1", MapName: "m", Type: SubSearch},
		&SubRegister{SubscriptionID: "s1", CoordinatorNodeID: "n1", MapName: "m", Type: "MYSTERY"},
		&SubAck{NodeID: "n2"},
		&SubAck{SubscriptionID: "s1"},
		&SubUpdate{SubscriptionID: "s1", SourceNodeID: "n2", Key: "k", ChangeType: "EXPLODE"},
		&SubUpdate{SubscriptionID: "s1", SourceNodeID: "n2", ChangeType: "ENTER"},
		&SubUpdate{SubscriptionID: "s1", Key: "k", ChangeType: "ENTER"},
		&SubUnregister{},
		&SearchRequest{MapName: "m"},
		&SearchRequest{RequestID: "r1"},
		&SearchResponse{NodeID: "n2"},
		&SearchResponse{RequestID: "r1"},
	}
	for _, p := range invalid {
		assert.ErrorIs(t, p.Validate(), ErrInvalidPayload, "%T %+v", p, p)
	}
}

func TestPayloads_RegisterRoundTrip(t *testing.T) {
	in := SubRegister{
		SubscriptionID:    "sub-9",
		CoordinatorNodeID: "n1",
		MapName:           "articles",
		Type:              SubSearch,
		SearchQuery:       "distributed systems",
		SearchOptions:     &search.Options{Limit: 5, MinScore: 0.1, Boost: map[string]float64{"title": 2}},
	}
	data, err := json.Marshal(&in)
	require.NoError(t, err)

	var out SubRegister
	require.NoError(t, json.Unmarshal(data, &out))
	require.NoError(t, out.Validate())
	assert.Equal(t, in.SubscriptionID, out.SubscriptionID)
	require.NotNil(t, out.SearchOptions)
	assert.Equal(t, 5, out.SearchOptions.Limit)
	assert.Equal(t, 2.0, out.SearchOptions.Boost["title"])
}

func TestLocalBus_SendAndBroadcast(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	n1 := bus.Join("n1")
	n2 := bus.Join("n2")
	n3 := bus.Join("n3")

	type received struct {
		node   string
		sender string
		sub    string
	}
	var mu sync.Mutex
	var got []received

	record := func(node string) Handler {
		return func(sender string, payload []byte) {
			var p SubUnregister
			if err := json.Unmarshal(payload, &p); err != nil {
				return
			}
			mu.Lock()
			got = append(got, received{node: node, sender: sender, sub: p.SubscriptionID})
			mu.Unlock()
		}
	}
	n1.Handle(MsgSubUnregister, record("n1"))
	n2.Handle(MsgSubUnregister, record("n2"))
	n3.Handle(MsgSubUnregister, record("n3"))

	require.NoError(t, n1.Send("n2", MsgSubUnregister, &SubUnregister{SubscriptionID: "direct"}))
	require.NoError(t, n1.Broadcast(MsgSubUnregister, &SubUnregister{SubscriptionID: "fanout"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	byNode := map[string][]string{}
	for _, r := range got {
		assert.Equal(t, "n1", r.sender)
		byNode[r.node] = append(byNode[r.node], r.sub)
	}
	// The sender never receives its own broadcast.
	assert.Empty(t, byNode["n1"])
	assert.Equal(t, []string{"direct", "fanout"}, byNode["n2"])
	assert.Equal(t, []string{"fanout"}, byNode["n3"])
}

func TestLocalBus_PerNodeOrdering(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	sender := bus.Join("sender")
	sink := bus.Join("sink")

	var mu sync.Mutex
	var seen []string
	sink.Handle(MsgSubUnregister, func(_ string, payload []byte) {
		var p SubUnregister
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		mu.Lock()
		seen = append(seen, p.SubscriptionID)
		mu.Unlock()
	})

	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		id := "sub-" + string(rune('a'+i%26)) + "-" + string(rune('0'+i%10))
		want = append(want, id)
		require.NoError(t, sender.Send("sink", MsgSubUnregister, &SubUnregister{SubscriptionID: id}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestLocalBus_RemovedNodeUnreachable(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	n1 := bus.Join("n1")
	bus.Join("n2")

	require.NoError(t, n1.Send("n2", MsgSubUnregister, &SubUnregister{SubscriptionID: "x"}))

	bus.Remove("n2")
	err := n1.Send("n2", MsgSubUnregister, &SubUnregister{SubscriptionID: "y"})
	assert.ErrorIs(t, err, ErrNodeUnreachable)

	// Broadcast reports the unreachable peer but does not fail others.
	n3 := bus.Join("n3")
	var mu sync.Mutex
	delivered := 0
	n3.Handle(MsgSubUnregister, func(string, []byte) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	assert.NoError(t, n1.Broadcast(MsgSubUnregister, &SubUnregister{SubscriptionID: "z"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, time.Second, time.Millisecond)

	err = n1.Send("ghost", MsgSubUnregister, &SubUnregister{SubscriptionID: "w"})
	assert.ErrorIs(t, err, ErrNodeUnreachable)
}
