package dag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/tidalflow/tidalflow/pkg/models"
)

// Parse decodes a DAG document from JSON or YAML and validates it.
// format is "json" or "yaml"; anything else is an error.
func Parse(data []byte, format string) (*models.DAG, error) {
	var d models.DAG
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("failed to parse JSON dag: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("failed to parse YAML dag: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported dag format %q", format)
	}

	if err := Validate(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseFile reads and decodes a DAG document, inferring the format from the
// file extension (.json, .yaml, .yml).
func ParseFile(path string) (*models.DAG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dag file: %w", err)
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return nil, fmt.Errorf("cannot infer dag format from %q", path)
	}
	return Parse(data, ext)
}
