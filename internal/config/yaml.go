package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toStrictJSON turns the raw config file into JSON bytes so one strict
// decoder (DisallowUnknownFields) validates both formats. tickhost ships
// config.yaml by convention; .json files pass through untouched.
func toStrictJSON(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return out, "yaml", nil
}

// stringKeys rewrites every map key to a string so the YAML document can be
// JSON-marshaled (YAML permits non-string keys; JSON does not).
func stringKeys(in any) any {
	switch node := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, v := range node {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, v := range node {
			out[k] = stringKeys(v)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, v := range node {
			out[i] = stringKeys(v)
		}
		return out
	default:
		return in
	}
}
