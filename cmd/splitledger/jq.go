package main

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// jqFilter is a set of compiled jq expressions that must all be truthy for a value to pass.
type jqFilter []*gojq.Code

func compileJQ(filters []string) (jqFilter, error) {
	compiled := make(jqFilter, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return compiled, nil
}

// Match reports whether v passes every filter. v is converted to its JSON
// shape first, so filters see the same field names the API returns.
func (f jqFilter) Match(v interface{}) bool {
	if len(f) == 0 {
		return true
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}

	for _, code := range f {
		iter := code.Run(doc)
		out, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := out.(error); isErr {
			return false
		}
		if !isTruthy(out) {
			return false
		}
	}
	return true
}

// isTruthy follows jq semantics: only false and null are falsy.
func isTruthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		return true
	}
}

// filterJQ returns the items that pass f, preserving order.
func filterJQ[T any](f jqFilter, items []T) []T {
	if len(f) == 0 {
		return items
	}
	kept := make([]T, 0, len(items))
	for _, item := range items {
		if f.Match(item) {
			kept = append(kept, item)
		}
	}
	return kept
}
