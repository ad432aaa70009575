package workflow

import (
	"fmt"
	"strings"
)

// Expr is a small tagged condition expression evaluated against an
// execution's context map. It replaces string eval: conditions are
// structured data, serializable with the definition.
type Expr struct {
	Op    Op      `json:"op"`
	Path  string  `json:"path,omitempty"`
	Value any     `json:"value,omitempty"`
	Args  []*Expr `json:"args,omitempty"`
}

type Op string

const (
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpGt     Op = "gt"
	OpLt     Op = "lt"
	OpExists Op = "exists"
	OpNot    Op = "not"
	OpAnd    Op = "and"
	OpOr     Op = "or"
)

// Eval evaluates the expression against ctx. The second result is false
// when a referenced context key is missing; callers skip the step in
// that case rather than failing the run.
func (e *Expr) Eval(ctx map[string]any) (bool, bool) {
	if e == nil {
		return true, true
	}
	switch e.Op {
	case OpExists:
		_, ok := lookupPath(ctx, e.Path)
		return ok, true
	case OpEq, OpNe, OpGt, OpLt:
		val, ok := lookupPath(ctx, e.Path)
		if !ok {
			return false, false
		}
		return compare(e.Op, val, e.Value)
	case OpNot:
		if len(e.Args) != 1 {
			return false, false
		}
		res, resolved := e.Args[0].Eval(ctx)
		return !res, resolved
	case OpAnd:
		for _, arg := range e.Args {
			res, resolved := arg.Eval(ctx)
			if !resolved {
				return false, false
			}
			if !res {
				return false, true
			}
		}
		return true, true
	case OpOr:
		for _, arg := range e.Args {
			res, resolved := arg.Eval(ctx)
			if !resolved {
				return false, false
			}
			if res {
				return true, true
			}
		}
		return false, true
	default:
		return false, false
	}
}

// Validate rejects malformed expressions at definition save time.
func (e *Expr) Validate() error {
	if e == nil {
		return nil
	}
	switch e.Op {
	case OpEq, OpNe, OpGt, OpLt, OpExists:
		if e.Path == "" {
			return fmt.Errorf("condition %q requires a path", e.Op)
		}
	case OpNot:
		if len(e.Args) != 1 {
			return fmt.Errorf("condition not requires exactly one argument")
		}
	case OpAnd, OpOr:
		if len(e.Args) == 0 {
			return fmt.Errorf("condition %q requires arguments", e.Op)
		}
	default:
		return fmt.Errorf("unknown condition op %q", e.Op)
	}
	for _, arg := range e.Args {
		if err := arg.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func compare(op Op, left, right any) (bool, bool) {
	switch op {
	case OpEq:
		return equalValues(left, right), true
	case OpNe:
		return !equalValues(left, right), true
	case OpGt, OpLt:
		lf, lok := asFloat(left)
		rf, rok := asFloat(right)
		if !lok || !rok {
			return false, false
		}
		if op == OpGt {
			return lf > rf, true
		}
		return lf < rf, true
	}
	return false, false
}

// equalValues compares with numeric leniency: JSON round-trips turn
// ints into float64.
func equalValues(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// lookupPath resolves a dotted path into nested map[string]any values.
func lookupPath(ctx map[string]any, path string) (any, bool) {
	if ctx == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
