package clix

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

type PaginationParams struct {
	Limit  int
	Offset int
}

func ParsePagination(flags *pflag.FlagSet) (PaginationParams, error) {
	limit, _ := flags.GetInt("limit")
	offset, _ := flags.GetInt("offset")
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return PaginationParams{Limit: limit, Offset: offset}, nil
}

// ParseParams builds a job parameter object from --params (a JSON object,
// or @file to read one) and repeated --param key=value flags, which override
// keys from --params. A value that parses as JSON is kept as JSON, anything
// else becomes a string.
func ParseParams(flags *pflag.FlagSet) (json.RawMessage, error) {
	raw, _ := flags.GetString("params")
	pairs, _ := flags.GetStringArray("param")

	obj := map[string]json.RawMessage{}
	if raw != "" {
		if strings.HasPrefix(raw, "@") {
			data, err := os.ReadFile(raw[1:])
			if err != nil {
				return nil, fmt.Errorf("read params file: %w", err)
			}
			raw = string(data)
		}
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return nil, fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--param %q must look like key=value", pair)
		}
		if json.Valid([]byte(value)) {
			obj[key] = json.RawMessage(value)
			continue
		}
		quoted, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		obj[key] = quoted
	}
	return json.Marshal(obj)
}

// ParseOptionalBool returns nil when the flag was not set on the command line.
func ParseOptionalBool(flags *pflag.FlagSet, name string) *bool {
	if !flags.Changed(name) {
		return nil
	}
	v, _ := flags.GetBool(name)
	return &v
}
