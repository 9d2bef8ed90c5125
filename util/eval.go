// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Intevation/gval"
	"github.com/Intevation/jsonpath"
)

// PathEval is a helper to evaluate JSONPath expressions
// on generic JSON documents. Compiled expressions are cached.
type PathEval struct {
	builder gval.Language
	exprs   map[string]gval.Evaluable
}

// NewPathEval creates a new PathEval.
func NewPathEval() *PathEval {
	return &PathEval{
		builder: gval.Full(jsonpath.Language()),
		exprs:   map[string]gval.Evaluable{},
	}
}

// Eval evaluates expression expr on document doc.
// Returns the result of the expression.
func (pe *PathEval) Eval(expr string, doc any) (any, error) {
	if doc == nil {
		return nil, fmt.Errorf("no document to evaluate")
	}
	eval := pe.exprs[expr]
	if eval == nil {
		var err error
		if eval, err = pe.builder.NewEvaluable(expr); err != nil {
			return nil, err
		}
		pe.exprs[expr] = eval
	}
	return eval(context.Background(), doc)
}

// PathEvalMatcher is a pair of an expression and an action
// when doing extractions via [PathEval.Match].
type PathEvalMatcher struct {
	// Expr is the expression to evaluate
	Expr string
	// Action is executed with the result of the match.
	Action func(any) error
	// Optional expresses if the expression is optional.
	Optional bool
}

// ReMarshalMatcher is an action to re-marshal the result to another type.
func ReMarshalMatcher(dst any) func(any) error {
	return func(src any) error {
		return ReMarshalJSON(dst, src)
	}
}

// BoolMatcher stores the matched result in a bool.
func BoolMatcher(dst *bool) func(any) error {
	return func(x any) error {
		b, ok := x.(bool)
		if !ok {
			return fmt.Errorf("not a bool")
		}
		*dst = b
		return nil
	}
}

// StringMatcher stores the matched result in a string.
func StringMatcher(dst *string) func(any) error {
	return func(x any) error {
		s, ok := x.(string)
		if !ok {
			return fmt.Errorf("not a string")
		}
		*dst = s
		return nil
	}
}

// StringTreeMatcher returns a matcher which collects all strings
// of a tree of strings into a slice.
func StringTreeMatcher(dst *[]string) func(any) error {
	return func(x any) error {
		var recurse func(any)
		recurse = func(y any) {
			switch v := y.(type) {
			case string:
				*dst = append(*dst, v)
			case []any:
				for _, z := range v {
					recurse(z)
				}
			}
		}
		recurse(x)
		return nil
	}
}

// TimeMatcher stores a time with a given format.
func TimeMatcher(dst *time.Time, format string) func(any) error {
	return func(x any) error {
		s, ok := x.(string)
		if !ok {
			return fmt.Errorf("not a string")
		}
		t, err := time.Parse(format, s)
		if err != nil {
			return err
		}
		*dst = t
		return nil
	}
}

// Extract extracts a value from a document with a given expression/action.
func (pe *PathEval) Extract(
	expr string,
	action func(any) error,
	optional bool,
	doc any,
) error {
	optErr := func(err error) error {
		if err == nil || optional {
			return nil
		}
		return fmt.Errorf("extract failed '%s': %v", expr, err)
	}
	x, err := pe.Eval(expr, doc)
	if err != nil {
		return optErr(err)
	}
	return optErr(action(x))
}

// Match matches a list of PathEvalMatcher pairs against a document.
func (pe *PathEval) Match(matcher []PathEvalMatcher, doc any) error {
	for _, m := range matcher {
		if err := pe.Extract(m.Expr, m.Action, m.Optional, doc); err != nil {
			return err
		}
	}
	return nil
}

// ReMarshalJSON transforms data from src to dst via JSON marshalling.
func ReMarshalJSON(dst, src any) error {
	intermediate, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(intermediate, dst)
}

// AsStrings converts a list of strings hidden in an any slice
// to an actual list of strings.
func AsStrings(x any) ([]string, bool) {
	xs, ok := x.([]any)
	if !ok {
		return nil, false
	}
	strs := make([]string, 0, len(xs))
	for _, y := range xs {
		if s, ok := y.(string); ok {
			strs = append(strs, s)
		}
	}
	return strs, true
}
