// Package predicate implements the structured query side of the engine:
// a JSON-encodable predicate tree evaluated against records, plus query
// execution with sort and limit over a whole map.
//
// A tree is composed of and/or/not nodes over field-scoped leaf
// comparisons. Comparisons across value kinds never match; they are not
// errors. Example, decoded from its wire form:
//
//	{"op":"and","children":[
//	  {"op":"eq","field":"status","value":{"t":"string","v":"open"}},
//	  {"op":"gte","field":"priority","value":{"t":"int","v":3}}
//	]}
package predicate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/orneryd/hugindb/pkg/record"
)

// Errors returned by Validate.
var (
	ErrUnknownOp   = errors.New("unknown predicate operator")
	ErrMalformed   = errors.New("malformed predicate")
	ErrNilNode     = errors.New("nil predicate node")
	ErrDepthExceed = errors.New("predicate tree too deep")
)

// MaxDepth bounds predicate nesting so hostile payloads cannot blow the
// stack during validation or evaluation.
const MaxDepth = 32

// Op names a predicate operator.
type Op string

const (
	OpAnd Op = "and"
	OpOr  Op = "or"
	OpNot Op = "not"

	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpIn         Op = "in"
	OpBetween    Op = "between"
	OpExists     Op = "exists"
	OpContains   Op = "contains"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
)

// Node is one vertex of a predicate tree. Composite ops (and, or, not)
// use Children; leaf ops name a Field and carry Value or Values.
type Node struct {
	Op       Op             `json:"op"`
	Field    string         `json:"field,omitempty"`
	Value    *record.Value  `json:"value,omitempty"`
	Values   []record.Value `json:"values,omitempty"`
	Children []*Node        `json:"children,omitempty"`
}

// And builds a conjunction node.
func And(children ...*Node) *Node { return &Node{Op: OpAnd, Children: children} }

// Or builds a disjunction node.
func Or(children ...*Node) *Node { return &Node{Op: OpOr, Children: children} }

// Not negates a single child.
func Not(child *Node) *Node { return &Node{Op: OpNot, Children: []*Node{child}} }

// Leaf builds a single-constant comparison node.
func Leaf(op Op, field string, v record.Value) *Node {
	return &Node{Op: op, Field: field, Value: &v}
}

// Eq matches records whose field equals v exactly (same kind, same value).
func Eq(field string, v record.Value) *Node { return Leaf(OpEq, field, v) }

// In matches records whose field equals any of vs.
func In(field string, vs ...record.Value) *Node {
	return &Node{Op: OpIn, Field: field, Values: vs}
}

// Between matches records whose field lies in [lo, hi], inclusive.
func Between(field string, lo, hi record.Value) *Node {
	return &Node{Op: OpBetween, Field: field, Values: []record.Value{lo, hi}}
}

// Exists matches records that carry the field at all.
func Exists(field string) *Node { return &Node{Op: OpExists, Field: field} }

// Validate checks structural well-formedness: known operators, arity,
// and nesting depth. Inbound cluster payloads are validated before any
// evaluation.
func (n *Node) Validate() error {
	return n.validate(0)
}

func (n *Node) validate(depth int) error {
	if n == nil {
		return ErrNilNode
	}
	if depth > MaxDepth {
		return ErrDepthExceed
	}
	switch n.Op {
	case OpAnd, OpOr:
		for _, c := range n.Children {
			if err := c.validate(depth + 1); err != nil {
				return err
			}
		}
		return nil
	case OpNot:
		if len(n.Children) != 1 {
			return fmt.Errorf("%w: not takes exactly one child, got %d", ErrMalformed, len(n.Children))
		}
		return n.Children[0].validate(depth + 1)
	case OpExists:
		if n.Field == "" {
			return fmt.Errorf("%w: %s requires a field", ErrMalformed, n.Op)
		}
		return nil
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains, OpStartsWith, OpEndsWith:
		if n.Field == "" {
			return fmt.Errorf("%w: %s requires a field", ErrMalformed, n.Op)
		}
		if n.Value == nil {
			return fmt.Errorf("%w: %s on %q requires a value", ErrMalformed, n.Op, n.Field)
		}
		return nil
	case OpIn:
		if n.Field == "" || len(n.Values) == 0 {
			return fmt.Errorf("%w: in requires a field and at least one value", ErrMalformed)
		}
		return nil
	case OpBetween:
		if n.Field == "" || len(n.Values) != 2 {
			return fmt.Errorf("%w: between requires a field and exactly two values", ErrMalformed)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, n.Op)
	}
}

// Match evaluates the tree against rec. A nil node matches everything.
// Kind mismatches and unordered kinds make the comparison false rather
// than erroring, so a record with a string where a number is expected
// simply falls out of the result set.
func (n *Node) Match(rec record.Record) bool {
	if n == nil {
		return true
	}
	switch n.Op {
	case OpAnd:
		for _, c := range n.Children {
			if !c.Match(rec) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range n.Children {
			if c.Match(rec) {
				return true
			}
		}
		return false
	case OpNot:
		if len(n.Children) != 1 {
			return false
		}
		return !n.Children[0].Match(rec)
	case OpExists:
		return rec.Has(n.Field)
	case OpEq:
		return n.Value != nil && rec.Get(n.Field).Equal(*n.Value)
	case OpNe:
		return n.Value != nil && !rec.Get(n.Field).Equal(*n.Value)
	case OpGt:
		return compares(rec.Get(n.Field), n.Value, func(c int) bool { return c > 0 })
	case OpGte:
		return compares(rec.Get(n.Field), n.Value, func(c int) bool { return c >= 0 })
	case OpLt:
		return compares(rec.Get(n.Field), n.Value, func(c int) bool { return c < 0 })
	case OpLte:
		return compares(rec.Get(n.Field), n.Value, func(c int) bool { return c <= 0 })
	case OpIn:
		got := rec.Get(n.Field)
		for _, v := range n.Values {
			if got.Equal(v) {
				return true
			}
		}
		return false
	case OpBetween:
		if len(n.Values) != 2 {
			return false
		}
		got := rec.Get(n.Field)
		return compares(got, &n.Values[0], func(c int) bool { return c >= 0 }) &&
			compares(got, &n.Values[1], func(c int) bool { return c <= 0 })
	case OpContains:
		return matchContains(rec.Get(n.Field), n.Value)
	case OpStartsWith:
		return matchString(rec.Get(n.Field), n.Value, strings.HasPrefix)
	case OpEndsWith:
		return matchString(rec.Get(n.Field), n.Value, strings.HasSuffix)
	default:
		return false
	}
}

func compares(got record.Value, want *record.Value, ok func(int) bool) bool {
	if want == nil {
		return false
	}
	c, err := got.Compare(*want)
	if err != nil {
		return false
	}
	return ok(c)
}

// matchContains handles both substring match on strings and element
// containment on lists.
func matchContains(got record.Value, want *record.Value) bool {
	if want == nil {
		return false
	}
	if s, ok := got.AsString(); ok {
		sub, sok := want.AsString()
		return sok && strings.Contains(s, sub)
	}
	if items, ok := got.AsList(); ok {
		for _, item := range items {
			if item.Equal(*want) {
				return true
			}
		}
	}
	return false
}

func matchString(got record.Value, want *record.Value, fn func(s, affix string) bool) bool {
	if want == nil {
		return false
	}
	s, ok := got.AsString()
	if !ok {
		return false
	}
	affix, ok := want.AsString()
	if !ok {
		return false
	}
	return fn(s, affix)
}
