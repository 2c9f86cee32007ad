// Package configschema derives a JSON Schema from the racesync configuration
// structs. The schema documents every key with its default and catches
// misspelled keys, which viper would otherwise ignore silently.
package configschema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/racesync/pkg/config"
)

// durationPattern accepts what time.ParseDuration accepts, plus a bare 0.
const durationPattern = `^(0|[-+]?([0-9]*(\.[0-9]*)?(ns|us|µs|ms|s|m|h))+)$`

var durationType = reflect.TypeOf(time.Duration(0))

// Build returns the schema of the configuration file with defaults from
// config.DefaultConfig. Every key is optional; unknown keys are rejected.
func Build() (*jsonschema.Schema, error) {
	opts := &jsonschema.ForOptions{
		IgnoreInvalidTypes: true,
		TypeSchemas: map[reflect.Type]*jsonschema.Schema{
			durationType: {Type: "string", Pattern: durationPattern},
		},
	}
	root := reflect.TypeOf(config.Config{})
	schema, err := jsonschema.ForType(root, opts)
	if err != nil {
		return nil, fmt.Errorf("build config schema: %w", err)
	}
	applyFieldNames(schema, root)
	defaults := config.DefaultConfig()
	injectDefaults(schema, reflect.ValueOf(defaults))
	relax(schema)

	schema.Title = defaults.Service.Name + " configuration"
	schema.Description = "Schema for the " + defaults.Service.Name + " configuration file."
	schema.Schema = "https://json-schema.org/draft/2020-12/schema"
	return schema, nil
}

// ValidateDocument checks a decoded configuration document. doc must hold
// JSON values (maps, slices, float64, string, bool).
func ValidateDocument(doc any) error {
	schema, err := Build()
	if err != nil {
		return err
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve config schema: %w", err)
	}
	if err := resolved.Validate(doc); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

// ValidateFile checks a YAML or JSON configuration file. Other formats are
// accepted unchecked.
func ValidateFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var decoded any
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if decoded == nil {
		return nil
	}
	// Round-trip through JSON so numbers become float64 and maps string-keyed.
	encoded, err := json.Marshal(decoded)
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := ValidateDocument(doc); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// applyFieldNames renames properties from Go field names to the mapstructure
// keys viper reads.
func applyFieldNames(schema *jsonschema.Schema, t reflect.Type) {
	if schema == nil || t == nil {
		return
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Struct:
		if len(schema.Properties) == 0 {
			return
		}
		nameMap := make(map[string]string)
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			jsonName, omit := jsonFieldName(field)
			if omit {
				continue
			}
			desired := fieldKeyName(field)
			nameMap[jsonName] = desired
			prop, ok := schema.Properties[jsonName]
			if !ok {
				continue
			}
			delete(schema.Properties, jsonName)
			if field.Type == durationType {
				// Each duration gets its own node so defaults do not leak between fields.
				prop = &jsonschema.Schema{Type: "string", Pattern: durationPattern}
			}
			schema.Properties[desired] = prop
			applyFieldNames(prop, field.Type)
		}
		if len(schema.PropertyOrder) > 0 {
			updated := make([]string, 0, len(schema.PropertyOrder))
			for _, name := range schema.PropertyOrder {
				if mapped, ok := nameMap[name]; ok {
					name = mapped
				}
				updated = append(updated, name)
			}
			schema.PropertyOrder = dedupeStrings(updated)
		}

	case reflect.Slice, reflect.Array:
		applyFieldNames(schema.Items, t.Elem())

	case reflect.Map:
		if schema.AdditionalProperties != nil {
			applyFieldNames(schema.AdditionalProperties, t.Elem())
		}
	}
}

// injectDefaults sets Default on leaf properties. Sections get none; their
// defaults are the union of their leaves.
func injectDefaults(schema *jsonschema.Schema, value reflect.Value) {
	if schema == nil || !value.IsValid() {
		return
	}
	for value.Kind() == reflect.Pointer {
		if value.IsNil() {
			return
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct || len(schema.Properties) == 0 {
		return
	}

	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		prop, ok := schema.Properties[fieldKeyName(field)]
		if !ok {
			continue
		}
		fieldVal := value.Field(i)
		if fieldVal.Kind() == reflect.Struct {
			injectDefaults(prop, fieldVal)
			continue
		}
		if prop.Default == nil {
			if raw, ok := marshalDefault(prop, fieldVal); ok {
				prop.Default = raw
			}
		}
	}
}

// relax drops required lists and closes every object to unknown keys.
func relax(schema *jsonschema.Schema) {
	if schema == nil {
		return
	}
	schema.Required = nil
	if len(schema.Properties) > 0 {
		schema.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}
	}
	for _, prop := range schema.Properties {
		relax(prop)
	}
	relax(schema.Items)
}

func marshalDefault(schema *jsonschema.Schema, value reflect.Value) (json.RawMessage, bool) {
	if !value.IsValid() {
		return nil, false
	}
	if value.Type() == durationType && schemaAllowsString(schema) {
		payload, err := json.Marshal(time.Duration(value.Int()).String())
		if err != nil {
			return nil, false
		}
		return payload, true
	}
	if value.Kind() == reflect.Slice && value.IsNil() {
		return json.RawMessage("[]"), true
	}
	payload, err := json.Marshal(value.Interface())
	if err != nil {
		return nil, false
	}
	return payload, true
}

func schemaAllowsString(schema *jsonschema.Schema) bool {
	if schema == nil {
		return false
	}
	if schema.Type == "string" {
		return true
	}
	for _, t := range schema.Types {
		if t == "string" {
			return true
		}
	}
	return false
}

func fieldKeyName(field reflect.StructField) string {
	if tag, ok := tagName(field.Tag.Get("mapstructure")); ok {
		return tag
	}
	if tag, ok := tagName(field.Tag.Get("yaml")); ok {
		return tag
	}
	return toSnakeCase(field.Name)
}

func tagName(tag string) (string, bool) {
	if tag == "" {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" || name == "-" {
		return "", false
	}
	return name, true
}

func toSnakeCase(value string) string {
	var b strings.Builder
	b.Grow(len(value) + 8)
	for i, r := range value {
		if i > 0 && isWordBoundary(value, i, r) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func isWordBoundary(value string, index int, r rune) bool {
	if !unicode.IsUpper(r) {
		return false
	}
	prev := rune(value[index-1])
	if unicode.IsUpper(prev) {
		if index+1 < len(value) {
			return unicode.IsLower(rune(value[index+1]))
		}
		return false
	}
	return true
}

func jsonFieldName(field reflect.StructField) (string, bool) {
	if !field.IsExported() {
		return "", true
	}
	name := field.Name
	if tag, ok := field.Tag.Lookup("json"); ok {
		tagName, _, found := strings.Cut(tag, ",")
		if tagName == "-" && !found {
			return "", true
		}
		if tagName != "" {
			name = tagName
		}
	}
	return name, false
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
