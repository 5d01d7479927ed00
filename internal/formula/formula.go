// Package formula evaluates user supplied pixel expressions in a small
// arithmetic language. Only declared variable names and a fixed set of math
// functions are accepted.
package formula

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	goeval "github.com/edisonguo/govaluate"
)

var ErrEmpty = errors.New("empty formula")

type Expr struct {
	src  string
	expr *goeval.EvaluableExpression
	vars []string
}

// Compile parses src and rejects any variable not in allowed.
func Compile(src string, allowed ...string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, ErrEmpty
	}
	if len(src) > 4096 {
		return nil, fmt.Errorf("formula too long (%d chars)", len(src))
	}

	expr, err := goeval.NewEvaluableExpressionWithFunctions(src, functions)
	if err != nil {
		return nil, fmt.Errorf("parse formula %q: %w", src, err)
	}

	valid := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		valid[a] = struct{}{}
	}
	seen := map[string]struct{}{}
	var vars []string
	for _, token := range expr.Tokens() {
		if token.Kind != goeval.VARIABLE {
			continue
		}
		name, ok := token.Value.(string)
		if !ok {
			return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
		}
		if _, found := valid[name]; !found {
			return nil, fmt.Errorf("variable %q is not supported; valid variables are %v", name, sortedNames(valid))
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			vars = append(vars, name)
		}
	}
	sort.Strings(vars)
	return &Expr{src: src, expr: expr, vars: vars}, nil
}

func (e *Expr) String() string { return e.src }

// Vars lists the variables referenced by the expression.
func (e *Expr) Vars() []string { return e.vars }

// Eval evaluates the expression. NaN inputs are bound like any other value:
// arithmetic propagates them and isnan lets the expression pick a fallback.
func (e *Expr) Eval(params map[string]any) (float64, error) {
	for _, name := range e.vars {
		if _, ok := params[name].(float64); !ok {
			return 0, fmt.Errorf("variable %q not bound", name)
		}
	}
	out, err := e.expr.Evaluate(params)
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", e.src, err)
	}
	switch t := out.(type) {
	case float64:
		if math.IsInf(t, 0) {
			return math.NaN(), nil
		}
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case nil:
		return math.NaN(), nil
	default:
		return 0, fmt.Errorf("formula %q returned %T, want a number", e.src, out)
	}
}

func sortedNames(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
