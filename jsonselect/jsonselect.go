// Package jsonselect extracts values from JSON documents with JSONPath
// expressions. String matches are returned unquoted so they can be used
// directly as property values; everything else renders as compact JSON.
package jsonselect

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/Normation/rudder-plugin-datasources/errors"
)

var (
	// ErrBadPath is returned when the selector does not compile
	ErrBadPath = stderrors.New("json path does not compile")
	// ErrBadJSON is returned when the document does not parse
	ErrBadJSON = stderrors.New("document is not valid JSON")
	// ErrEval is returned when path evaluation fails
	ErrEval = stderrors.New("json path evaluation failed")
)

// NormalizePath rewrites shorthand selectors into full JSONPath form.
// An empty path selects the whole document; a bare identifier selects
// the top-level field of that name.
func NormalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "$"
	}
	if strings.HasPrefix(trimmed, "$") || strings.HasPrefix(trimmed, "@") {
		return trimmed
	}
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, ".") {
		return "$" + trimmed
	}
	return "$." + trimmed
}

// Select evaluates a JSONPath expression against a JSON document and
// returns the matched values as strings. A single match that is a JSON
// array expands to one result per element, in array order. No match
// yields an empty slice.
func Select(path string, document []byte) ([]string, error) {
	expr, err := jp.ParseString(NormalizePath(path))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q: %v", ErrBadPath, path, err), "JsonSelect", "Select", "compile path")
	}

	doc, err := oj.Parse(document)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", ErrBadJSON, err), "JsonSelect", "Select", "parse document")
	}

	matches, err := evaluate(expr, doc)
	if err != nil {
		return nil, err
	}

	if len(matches) == 1 {
		if array, ok := matches[0].([]any); ok {
			matches = array
		}
	}

	results := make([]string, 0, len(matches))
	for _, match := range matches {
		results = append(results, render(match))
	}
	return results, nil
}

// evaluate guards against panics inside the path engine so a hostile
// document cannot take the fan-out down.
func evaluate(expr jp.Expr, doc any) (matches []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			matches = nil
			err = errors.WrapInvalid(
				fmt.Errorf("%w: %v", ErrEval, r), "JsonSelect", "Select", "evaluate path")
		}
	}()
	return expr.Get(doc), nil
}

func render(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return oj.JSON(value)
}
