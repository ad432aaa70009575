package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEval(t *testing.T) {
	ctx := map[string]any{
		"approved": true,
		"score":    float64(7),
		"meta":     map[string]any{"tier": "gold"},
	}

	cases := []struct {
		name     string
		expr     *Expr
		want     bool
		resolved bool
	}{
		{"nil is true", nil, true, true},
		{"eq bool", &Expr{Op: OpEq, Path: "approved", Value: true}, true, true},
		{"eq mismatch", &Expr{Op: OpEq, Path: "approved", Value: false}, false, true},
		{"ne", &Expr{Op: OpNe, Path: "meta.tier", Value: "silver"}, true, true},
		{"gt numeric leniency", &Expr{Op: OpGt, Path: "score", Value: 5}, true, true},
		{"lt false", &Expr{Op: OpLt, Path: "score", Value: 5}, false, true},
		{"exists nested", &Expr{Op: OpExists, Path: "meta.tier"}, true, true},
		{"exists missing", &Expr{Op: OpExists, Path: "meta.rank"}, false, true},
		{"missing key unresolved", &Expr{Op: OpEq, Path: "ghost", Value: 1}, false, false},
		{"not", &Expr{Op: OpNot, Args: []*Expr{{Op: OpEq, Path: "approved", Value: false}}}, true, true},
		{
			"and short circuit",
			&Expr{Op: OpAnd, Args: []*Expr{
				{Op: OpEq, Path: "approved", Value: true},
				{Op: OpGt, Path: "score", Value: 3},
			}},
			true, true,
		},
		{
			"or",
			&Expr{Op: OpOr, Args: []*Expr{
				{Op: OpEq, Path: "approved", Value: false},
				{Op: OpEq, Path: "meta.tier", Value: "gold"},
			}},
			true, true,
		},
		{
			"unresolved propagates through and",
			&Expr{Op: OpAnd, Args: []*Expr{
				{Op: OpEq, Path: "ghost", Value: 1},
				{Op: OpEq, Path: "approved", Value: true},
			}},
			false, false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, resolved := tc.expr.Eval(ctx)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.resolved, resolved)
		})
	}
}

func TestExprJSONRoundTrip(t *testing.T) {
	expr := &Expr{Op: OpAnd, Args: []*Expr{
		{Op: OpEq, Path: "approved", Value: true},
		{Op: OpNot, Args: []*Expr{{Op: OpExists, Path: "blocked"}}},
	}}
	raw, err := json.Marshal(expr)
	require.NoError(t, err)

	var back Expr
	require.NoError(t, json.Unmarshal(raw, &back))
	require.NoError(t, back.Validate())

	got, resolved := back.Eval(map[string]any{"approved": true})
	assert.True(t, got)
	assert.True(t, resolved)
}

func TestExprValidate(t *testing.T) {
	assert.Error(t, (&Expr{Op: "matches"}).Validate())
	assert.Error(t, (&Expr{Op: OpEq}).Validate())
	assert.Error(t, (&Expr{Op: OpNot}).Validate())
	assert.Error(t, (&Expr{Op: OpAnd}).Validate())
	assert.NoError(t, (&Expr{Op: OpExists, Path: "x"}).Validate())
}
