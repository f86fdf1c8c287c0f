// Package filter compiles attribute filters into predicates over decoded
// point values.
//
// Filters are JSON objects in the familiar query-operator style:
//
//	{"Classification": 2}
//	{"Intensity": {"$gte": 100, "$lt": 500}}
//	{"$or": [{"Classification": 2}, {"Classification": {"$in": [6, 9]}}]}
//
// A filter is compiled once against a set of dimension names; unknown names
// and malformed operators are validation errors. The compiled Predicate
// evaluates against a value slice laid out in that same order.
package filter

import (
	"sort"
	"strings"

	"github.com/ajitpratap0/pointstream/pkg/errors"
	"github.com/ajitpratap0/pointstream/pkg/json"
)

// Operator is a comparison or logical operator.
type Operator string

const (
	OpEq  Operator = "$eq"
	OpNe  Operator = "$ne"
	OpGt  Operator = "$gt"
	OpGte Operator = "$gte"
	OpLt  Operator = "$lt"
	OpLte Operator = "$lte"
	OpIn  Operator = "$in"
	OpNin Operator = "$nin"
	OpAnd Operator = "$and"
	OpOr  Operator = "$or"
)

// Resolver maps a dimension name to its index in the value slice.
type Resolver func(name string) (int, bool)

// Predicate evaluates one point.
type Predicate interface {
	Match(values []float64) bool
}

// Always matches every point. It is what an empty filter compiles to.
var Always Predicate = always{}

type always struct{}

func (always) Match([]float64) bool { return true }

type fieldNode struct {
	index int
	op    Operator
	value float64
	set   []float64
}

func (n *fieldNode) Match(values []float64) bool {
	v := values[n.index]
	switch n.op {
	case OpEq:
		return v == n.value
	case OpNe:
		return v != n.value
	case OpGt:
		return v > n.value
	case OpGte:
		return v >= n.value
	case OpLt:
		return v < n.value
	case OpLte:
		return v <= n.value
	case OpIn:
		return contains(n.set, v)
	case OpNin:
		return !contains(n.set, v)
	}
	return false
}

func contains(set []float64, v float64) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

type logicalNode struct {
	op       Operator
	children []Predicate
}

func (n *logicalNode) Match(values []float64) bool {
	if n.op == OpOr {
		for _, c := range n.children {
			if c.Match(values) {
				return true
			}
		}
		return false
	}
	for _, c := range n.children {
		if !c.Match(values) {
			return false
		}
	}
	return true
}

// Compile parses raw and resolves every dimension it names. An empty or
// null document compiles to Always.
func Compile(raw []byte, resolve Resolver) (Predicate, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return Always, nil
	}

	var doc map[string]interface{}
	if err := json.UnmarshalNumbers(raw, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "filter must be a JSON object")
	}
	return compileObject(doc, resolve)
}

// Names lists every dimension referenced by raw, sorted. It is used to
// validate a filter before the dataset schema is known in full.
func Names(raw []byte) ([]string, error) {
	seen := map[string]struct{}{}
	if _, err := Compile(raw, func(name string) (int, bool) {
		seen[name] = struct{}{}
		return 0, true
	}); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func compileObject(doc map[string]interface{}, resolve Resolver) (Predicate, error) {
	// Sorted keys keep compilation deterministic.
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	nodes := make([]Predicate, 0, len(keys))
	for _, key := range keys {
		val := doc[key]
		switch Operator(key) {
		case OpAnd, OpOr:
			list, ok := val.([]interface{})
			if !ok || len(list) == 0 {
				return nil, errors.Newf(errors.ErrorTypeValidation, "value for %s must be a non-empty list", key)
			}
			children := make([]Predicate, 0, len(list))
			for _, item := range list {
				sub, ok := item.(map[string]interface{})
				if !ok {
					return nil, errors.Newf(errors.ErrorTypeValidation, "element of %s must be an object", key)
				}
				child, err := compileObject(sub, resolve)
				if err != nil {
					return nil, err
				}
				children = append(children, child)
			}
			nodes = append(nodes, &logicalNode{op: Operator(key), children: children})
			continue
		}

		if strings.HasPrefix(key, "$") {
			return nil, errors.Newf(errors.ErrorTypeValidation, "unknown operator: %s", key)
		}
		index, ok := resolve(key)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "unknown dimension in filter: %s", key).
				WithDetail("dimension", key)
		}

		ops, isMap := val.(map[string]interface{})
		if !isMap {
			v, err := number(key, val)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, &fieldNode{index: index, op: OpEq, value: v})
			continue
		}

		opKeys := make([]string, 0, len(ops))
		for op := range ops {
			opKeys = append(opKeys, op)
		}
		sort.Strings(opKeys)
		for _, op := range opKeys {
			node, err := compileField(key, index, Operator(op), ops[op])
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		}
	}

	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return &logicalNode{op: OpAnd, children: nodes}, nil
}

func compileField(field string, index int, op Operator, val interface{}) (Predicate, error) {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		v, err := number(field, val)
		if err != nil {
			return nil, err
		}
		return &fieldNode{index: index, op: op, value: v}, nil
	case OpIn, OpNin:
		list, ok := val.([]interface{})
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "value for %s on %s must be a list", op, field)
		}
		set := make([]float64, 0, len(list))
		for _, item := range list {
			v, err := number(field, item)
			if err != nil {
				return nil, err
			}
			set = append(set, v)
		}
		return &fieldNode{index: index, op: op, set: set}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown operator: %s", op)
	}
}

func number(field string, v interface{}) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeValidation, "invalid number in filter").WithDetail("dimension", field)
		}
		return f, nil
	case float64:
		return n, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, errors.Newf(errors.ErrorTypeValidation, "filter value for %s must be numeric", field)
	}
}
