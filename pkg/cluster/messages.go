package cluster

import (
	"errors"
	"fmt"

	"github.com/orneryd/hugindb/pkg/predicate"
	"github.com/orneryd/hugindb/pkg/record"
	"github.com/orneryd/hugindb/pkg/search"
)

// MessageType discriminates cluster messages. Payloads are JSON.
type MessageType string

const (
	MsgSubRegister   MessageType = "CLUSTER_SUB_REGISTER"
	MsgSubAck        MessageType = "CLUSTER_SUB_ACK"
	MsgSubUpdate     MessageType = "CLUSTER_SUB_UPDATE"
	MsgSubUnregister MessageType = "CLUSTER_SUB_UNREGISTER"
	MsgSearchReq     MessageType = "CLUSTER_SEARCH_REQ"
	MsgSearchResp    MessageType = "CLUSTER_SEARCH_RESP"
)

// SubscriptionType selects which live layer a distributed subscription
// targets: full-text search or a standing predicate query.
type SubscriptionType string

const (
	SubSearch SubscriptionType = "SEARCH"
	SubQuery  SubscriptionType = "QUERY"
)

// ErrInvalidPayload flags an inbound message that failed validation.
// Such messages are logged and dropped, never processed.
var ErrInvalidPayload = errors.New("invalid cluster payload")

// SubRegister asks a data node to create a local subscription on
// behalf of a coordinator node.
type SubRegister struct {
	SubscriptionID    string           `json:"subscriptionId"`
	CoordinatorNodeID string           `json:"coordinatorNodeId"`
	MapName           string           `json:"mapName"`
	Type              SubscriptionType `json:"type"`
	SearchQuery       string           `json:"searchQuery,omitempty"`
	SearchOptions     *search.Options  `json:"searchOptions,omitempty"`
	QueryPredicate    *predicate.Query `json:"queryPredicate,omitempty"`
}

func (p *SubRegister) Validate() error {
	if p.SubscriptionID == "" {
		return fmt.Errorf("%w: register without subscriptionId", ErrInvalidPayload)
	}
	if p.CoordinatorNodeID == "" {
		return fmt.Errorf("%w: register without coordinatorNodeId", ErrInvalidPayload)
	}
	if p.MapName == "" {
		return fmt.Errorf("%w: register without mapName", ErrInvalidPayload)
	}
	switch p.Type {
	case SubSearch:
		if p.SearchQuery == "" {
			return fmt.Errorf("%w: SEARCH register without searchQuery", ErrInvalidPayload)
		}
	case SubQuery:
		if p.QueryPredicate != nil {
			if err := p.QueryPredicate.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown subscription type %q", ErrInvalidPayload, p.Type)
	}
	return nil
}

// SubAck is a data node's reply to SubRegister, carrying that node's
// initial local results.
type SubAck struct {
	SubscriptionID string       `json:"subscriptionId"`
	NodeID         string       `json:"nodeId"`
	Success        bool         `json:"success"`
	InitialResults []search.Hit `json:"initialResults,omitempty"`
	TotalHits      int          `json:"totalHits,omitempty"`
	Error          string       `json:"error,omitempty"`
}

func (p *SubAck) Validate() error {
	if p.SubscriptionID == "" {
		return fmt.Errorf("%w: ack without subscriptionId", ErrInvalidPayload)
	}
	if p.NodeID == "" {
		return fmt.Errorf("%w: ack without nodeId", ErrInvalidPayload)
	}
	return nil
}

// SubUpdate is one live delta produced by a data node for a
// subscription owned by a remote coordinator. Score is set for SEARCH
// subscriptions only.
type SubUpdate struct {
	SubscriptionID string        `json:"subscriptionId"`
	SourceNodeID   string        `json:"sourceNodeId"`
	Key            string        `json:"key"`
	Value          record.Record `json:"value,omitempty"`
	Score          *float64      `json:"score,omitempty"`
	MatchedTerms   []string      `json:"matchedTerms,omitempty"`
	ChangeType     string        `json:"changeType"`
	Timestamp      int64         `json:"timestamp"`
}

func (p *SubUpdate) Validate() error {
	if p.SubscriptionID == "" {
		return fmt.Errorf("%w: update without subscriptionId", ErrInvalidPayload)
	}
	if p.SourceNodeID == "" {
		return fmt.Errorf("%w: update without sourceNodeId", ErrInvalidPayload)
	}
	if p.Key == "" {
		return fmt.Errorf("%w: update without key", ErrInvalidPayload)
	}
	switch p.ChangeType {
	case "ENTER", "UPDATE", "LEAVE":
	default:
		return fmt.Errorf("%w: unknown changeType %q", ErrInvalidPayload, p.ChangeType)
	}
	return nil
}

// SubUnregister tells a data node to drop a subscription. Fire and
// forget, no reply.
type SubUnregister struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (p *SubUnregister) Validate() error {
	if p.SubscriptionID == "" {
		return fmt.Errorf("%w: unregister without subscriptionId", ErrInvalidPayload)
	}
	return nil
}

// SearchRequest is one leg of a scatter-gather one-shot search.
type SearchRequest struct {
	RequestID string         `json:"requestId"`
	MapName   string         `json:"mapName"`
	Query     string         `json:"query"`
	Options   search.Options `json:"options"`
	TimeoutMs int64          `json:"timeoutMs"`
}

func (p *SearchRequest) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("%w: search request without requestId", ErrInvalidPayload)
	}
	if p.MapName == "" {
		return fmt.Errorf("%w: search request without mapName", ErrInvalidPayload)
	}
	return nil
}

// SearchResponse carries one node's local results back to the
// scattering coordinator.
type SearchResponse struct {
	RequestID       string       `json:"requestId"`
	NodeID          string       `json:"nodeId"`
	Results         []search.Hit `json:"results"`
	TotalHits       int          `json:"totalHits"`
	ExecutionTimeMs float64      `json:"executionTimeMs"`
	Error           string       `json:"error,omitempty"`
}

func (p *SearchResponse) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("%w: search response without requestId", ErrInvalidPayload)
	}
	if p.NodeID == "" {
		return fmt.Errorf("%w: search response without nodeId", ErrInvalidPayload)
	}
	return nil
}
