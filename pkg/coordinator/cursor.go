package coordinator

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/orneryd/hugindb/pkg/search"
)

// ErrInvalidCursor flags a pagination token that failed decoding or
// was issued for a different query.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the decoded form of the opaque pagination token handed to
// clients. It records, per node, the deepest result consumed from that
// node's ranking, so the next page asks each node only for what comes
// after.
type Cursor struct {
	NodeScores map[string]float64 `json:"nodeScores"`
	NodeKeys   map[string]string  `json:"nodeKeys"`
	QueryHash  string             `json:"queryHash"`
	IssuedAt   int64              `json:"issuedAt"`
}

// Encode serializes the cursor to its opaque base64 wire form.
func (c *Cursor) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeCursor parses an opaque token and verifies it was issued for
// the query identified by wantHash.
func DecodeCursor(token, wantHash string) (*Cursor, error) {
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.QueryHash != wantHash {
		return nil, fmt.Errorf("%w: issued for a different query", ErrInvalidCursor)
	}
	if c.NodeScores == nil {
		c.NodeScores = map[string]float64{}
	}
	if c.NodeKeys == nil {
		c.NodeKeys = map[string]string{}
	}
	return &c, nil
}

// queryHash fingerprints everything that affects a query's ranking, so
// a cursor cannot be replayed against a different search.
func queryHash(mapName, query string, opts search.Options) string {
	h := xxhash.New()
	_, _ = h.WriteString(mapName)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(query)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(strconv.FormatFloat(opts.MinScore, 'g', -1, 64))

	if len(opts.Boost) > 0 {
		fields := make([]string, 0, len(opts.Boost))
		for f := range opts.Boost {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			_, _ = h.WriteString("\x00")
			_, _ = h.WriteString(f)
			_, _ = h.WriteString("=")
			_, _ = h.WriteString(strconv.FormatFloat(opts.Boost[f], 'g', -1, 64))
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
