package predicate

import (
	"sort"

	"github.com/orneryd/hugindb/pkg/record"
)

// SortKey orders query results by one field.
type SortKey struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query is a standing structured query: an implicit-AND equality map
// (Where), an arbitrary predicate tree, an optional sort, and an
// optional limit forming a sliding window over the sorted results.
type Query struct {
	Where     map[string]record.Value `json:"where,omitempty"`
	Predicate *Node                   `json:"predicate,omitempty"`
	Sort      []SortKey               `json:"sort,omitempty"`
	Limit     int                     `json:"limit,omitempty"`
}

// Validate checks the predicate tree and sort keys.
func (q *Query) Validate() error {
	if q == nil {
		return ErrNilNode
	}
	if q.Predicate != nil {
		if err := q.Predicate.Validate(); err != nil {
			return err
		}
	}
	for _, s := range q.Sort {
		if s.Field == "" {
			return ErrMalformed
		}
	}
	return nil
}

// Match reports whether rec satisfies Where and the predicate tree.
// Sort and Limit play no part; this is the membership test used for
// the cheap approximate check before a full re-execution.
func (q *Query) Match(rec record.Record) bool {
	if q == nil {
		return true
	}
	for field, want := range q.Where {
		if !rec.Get(field).Equal(want) {
			return false
		}
	}
	return q.Predicate.Match(rec)
}

// Entry is one row of an executed query.
type Entry struct {
	Key    string
	Record record.Record
}

// Execute runs the query over every record of src: filter, sort, then
// limit. The result order is total and deterministic, falling back to
// the key for equal or incomparable sort values, so two nodes with the
// same data window identically.
func (q *Query) Execute(src record.Source) []Entry {
	keys := src.Keys()
	matched := make([]Entry, 0, len(keys))
	for _, key := range keys {
		rec, ok := src.GetRecord(key)
		if !ok {
			continue
		}
		if q.Match(rec) {
			matched = append(matched, Entry{Key: key, Record: rec})
		}
	}
	q.sortEntries(matched)
	if q != nil && q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

// ResultKeys runs Execute and returns just the ordered keys.
func (q *Query) ResultKeys(src record.Source) []string {
	entries := q.Execute(src)
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

func (q *Query) sortEntries(entries []Entry) {
	var sortKeys []SortKey
	if q != nil {
		sortKeys = q.Sort
	}
	sort.Slice(entries, func(i, j int) bool {
		for _, sk := range sortKeys {
			c := compareForSort(entries[i].Record.Get(sk.Field), entries[j].Record.Get(sk.Field))
			if c == 0 {
				continue
			}
			if sk.Desc {
				return c > 0
			}
			return c < 0
		}
		return entries[i].Key < entries[j].Key
	})
}

// compareForSort is a total order over values: naturally comparable
// kinds compare by value, everything else ranks by kind so mixed-kind
// data still sorts deterministically.
func compareForSort(a, b record.Value) int {
	if c, err := a.Compare(b); err == nil {
		return c
	}
	ka, kb := a.Kind(), b.Kind()
	switch {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	default:
		return 0
	}
}

// FieldProfile summarizes which fields a query reacts to, feeding the
// registry's reverse index. Equality carries the constants compared
// with eq for fields used only that way; Interest lists fields touched
// by any other operator or by sort keys; Wildcard marks a query with no
// field constraints at all.
type FieldProfile struct {
	Equality map[string][]record.Value
	Interest map[string]struct{}
	Wildcard bool
}

// AnalyzeFields walks Where, the predicate tree, and Sort. A field that
// appears under a non-equality operator anywhere is promoted from
// Equality to Interest, since value-bucket candidate lookup would miss
// changes relevant to range or negation operators.
func (q *Query) AnalyzeFields() FieldProfile {
	p := FieldProfile{
		Equality: make(map[string][]record.Value),
		Interest: make(map[string]struct{}),
	}
	if q == nil {
		p.Wildcard = true
		return p
	}
	for field, v := range q.Where {
		p.Equality[field] = append(p.Equality[field], v)
	}
	collectFields(q.Predicate, &p)
	for _, sk := range q.Sort {
		p.Interest[sk.Field] = struct{}{}
	}
	for field := range p.Interest {
		delete(p.Equality, field)
	}
	p.Wildcard = len(p.Equality) == 0 && len(p.Interest) == 0
	return p
}

func collectFields(n *Node, p *FieldProfile) {
	if n == nil {
		return
	}
	switch n.Op {
	case OpAnd, OpOr, OpNot:
		for _, c := range n.Children {
			collectFields(c, p)
		}
	case OpEq:
		if n.Value != nil {
			p.Equality[n.Field] = append(p.Equality[n.Field], *n.Value)
		}
	default:
		if n.Field != "" {
			p.Interest[n.Field] = struct{}{}
		}
	}
}
