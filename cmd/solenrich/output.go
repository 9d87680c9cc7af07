package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// outputJSON writes v to stdout as indented JSON. When the global --jq flag
// is set, every result of the expression is written instead.
func outputJSON(c *cli.Context, v interface{}) error {
	var out io.Writer = os.Stdout
	if c.App != nil && c.App.Writer != nil {
		out = c.App.Writer
	}

	expr := c.String("jq")
	if expr == "" {
		return writeJSON(out, v)
	}

	code, err := compileJQ(expr)
	if err != nil {
		return err
	}

	generic, err := toGeneric(v)
	if err != nil {
		return err
	}

	iter := code.Run(generic)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := result.(error); isErr {
			return fmt.Errorf("jq: %w", err)
		}
		if err := writeJSON(out, result); err != nil {
			return err
		}
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// toGeneric round-trips v through JSON so gojq sees only maps, slices and
// scalars.
func toGeneric(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	return out, nil
}

// matchesAll reports whether every filter yields a truthy first result for v.
func matchesAll(filters []*gojq.Code, v interface{}) bool {
	if len(filters) == 0 {
		return true
	}
	generic, err := toGeneric(v)
	if err != nil {
		return false
	}
	for _, code := range filters {
		result, ok := code.Run(generic).Next()
		if !ok {
			return false
		}
		if _, isErr := result.(error); isErr {
			return false
		}
		if !isTruthy(result) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
