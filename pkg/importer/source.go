package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRecord classifies feed payloads that cannot be imported. It is
// never retried.
var ErrInvalidRecord = errors.New("invalid schedule record")

// Record is one racing schedule entry. Fields are stored as received.
type Record struct {
	Key    string
	Fields map[string]any
}

// Source fetches the full set of schedule records from the feed.
type Source interface {
	Fetch(ctx context.Context) ([]Record, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Record, error)

func (f SourceFunc) Fetch(ctx context.Context) ([]Record, error) { return f(ctx) }

// FileSource reads records from a YAML or JSON file: either a top-level list
// of mappings or a mapping with a "records" list. Every mapping must carry
// the key field.
type FileSource struct {
	path     string
	keyField string
}

// NewFileSource creates a source that reads path on every Fetch.
func NewFileSource(path, keyField string) (*FileSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("source file is required")
	}
	keyField = strings.TrimSpace(keyField)
	if keyField == "" {
		keyField = "id"
	}
	return &FileSource{path: path, keyField: keyField}, nil
}

func (s *FileSource) Fetch(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	return decodeRecords(raw, s.keyField)
}

func decodeRecords(raw []byte, keyField string) ([]Record, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	var entries []any
	switch v := doc.(type) {
	case nil:
		return nil, nil
	case []any:
		entries = v
	case map[string]any:
		list, ok := v["records"].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: expected a list or a \"records\" list", ErrInvalidRecord)
		}
		entries = list
	default:
		return nil, fmt.Errorf("%w: unexpected top-level %T", ErrInvalidRecord, doc)
	}

	records := make([]Record, 0, len(entries))
	seen := make(map[string]int, len(entries))
	for i, entry := range entries {
		fields, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d is %T, not a mapping", ErrInvalidRecord, i, entry)
		}
		key := keyString(fields[keyField])
		if key == "" {
			return nil, fmt.Errorf("%w: entry %d has no %q", ErrInvalidRecord, i, keyField)
		}
		if first, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: entries %d and %d share key %q", ErrInvalidRecord, first, i, key)
		}
		seen[key] = i
		records = append(records, Record{Key: key, Fields: fields})
	}
	return records, nil
}

func keyString(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(k)
	default:
		return strings.TrimSpace(fmt.Sprint(k))
	}
}
