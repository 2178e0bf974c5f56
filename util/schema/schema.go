// Package schema generates JSON Schema documents from Go struct types and
// validates/converts loosely-typed argument maps into those types. Tool
// handlers declare their arguments as tagged structs; the generated schema
// is what clients see in tools/list and what the dispatcher uses to enforce
// required arguments before a handler runs.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Schema is a JSON Schema object document.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

// Property is one property entry within a Schema.
type Property struct {
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Format      string      `json:"format,omitempty"`
	Enum        []any       `json:"enum,omitempty"`
	Default     any         `json:"default,omitempty"`
	Minimum     *float64    `json:"minimum,omitempty"`
	Maximum     *float64    `json:"maximum,omitempty"`
	MinLength   *int        `json:"minLength,omitempty"`
	MaxLength   *int        `json:"maxLength,omitempty"`
	Items       *Property   `json:"items,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
}

// FromStruct builds a Schema from a struct value or pointer to struct.
// Field metadata comes from tags: `json` for the property name, `required`,
// `description`, `format`, `enum` (comma-separated), `default`, `min`,
// `max`, `minLength`, `maxLength`.
func FromStruct(v interface{}) *Schema {
	s := &Schema{
		Type:       "object",
		Properties: map[string]Property{},
		Required:   []string{},
	}

	t := reflect.TypeOf(v)
	if t == nil {
		return s
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return s
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name := jsonFieldName(field)
		if name == "" {
			continue
		}

		prop := propertyForType(field.Type)
		applyFieldTags(&prop, field)
		s.Properties[name] = prop

		if field.Tag.Get("required") == "true" {
			s.Required = append(s.Required, name)
		}
	}

	return s
}

// jsonFieldName returns the effective JSON property name for a struct
// field, or "" if the field is excluded.
func jsonFieldName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	name := strings.Split(tag, ",")[0]
	if name == "" {
		name = field.Name
	}
	return name
}

// propertyForType maps a Go type to its JSON Schema property skeleton.
func propertyForType(t reflect.Type) Property {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return Property{Type: "string"}
	case reflect.Bool:
		return Property{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Property{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return Property{Type: "number"}
	case reflect.Slice, reflect.Array:
		items := propertyForType(t.Elem())
		return Property{Type: "array", Items: &items}
	case reflect.Map:
		return Property{Type: "object"}
	case reflect.Struct:
		nested := FromStruct(reflect.New(t).Elem().Interface())
		return Property{Type: "object", Properties: nested.Properties}
	default:
		return Property{Type: "object"}
	}
}

// applyFieldTags fills property metadata from struct tags.
func applyFieldTags(prop *Property, field reflect.StructField) {
	if desc := field.Tag.Get("description"); desc != "" {
		prop.Description = desc
	}
	if format := field.Tag.Get("format"); format != "" {
		prop.Format = format
	}
	if enum := field.Tag.Get("enum"); enum != "" {
		for _, v := range strings.Split(enum, ",") {
			prop.Enum = append(prop.Enum, v)
		}
	}
	if def := field.Tag.Get("default"); def != "" {
		prop.Default = coerceTagValue(def, prop.Type)
	}
	if v, err := strconv.ParseFloat(field.Tag.Get("min"), 64); err == nil {
		prop.Minimum = &v
	}
	if v, err := strconv.ParseFloat(field.Tag.Get("max"), 64); err == nil {
		prop.Maximum = &v
	}
	if v, err := strconv.Atoi(field.Tag.Get("minLength")); err == nil {
		prop.MinLength = &v
	}
	if v, err := strconv.Atoi(field.Tag.Get("maxLength")); err == nil {
		prop.MaxLength = &v
	}
}

// coerceTagValue converts a tag literal into the property's declared type.
func coerceTagValue(raw, typ string) any {
	switch typ {
	case "integer":
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	case "number":
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	case "boolean":
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return raw
}

// Generator produces schema documents in the map form carried on the wire.
type Generator struct{}

// NewGenerator creates a schema generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// GenerateSchema builds the wire-form (map) JSON schema for a struct value.
func (g *Generator) GenerateSchema(v interface{}) (map[string]interface{}, error) {
	s := FromStruct(v)

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to convert schema: %w", err)
	}
	return out, nil
}

// RequiredFields extracts the required property names from a wire-form schema.
func RequiredFields(schema map[string]interface{}) []string {
	raw, ok := schema["required"]
	if !ok {
		return nil
	}

	var out []string
	switch vals := raw.(type) {
	case []string:
		out = vals
	case []interface{}:
		for _, v := range vals {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// ValidateAndConvertArgs checks that every required property is present in
// args, then converts the map into a new value of targetType (a struct or
// pointer to struct). Conversion is weakly typed: "42" satisfies an int
// field, 1 satisfies a bool, matching how loosely JSON-RPC clients encode
// arguments.
func ValidateAndConvertArgs(schema map[string]interface{}, args map[string]interface{}, targetType reflect.Type) (interface{}, error) {
	var missing []string
	for _, name := range RequiredFields(schema) {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required arguments: %s", strings.Join(missing, ", "))
	}

	isPointer := targetType.Kind() == reflect.Ptr
	structType := targetType
	if isPointer {
		structType = structType.Elem()
	}

	target := reflect.New(structType).Interface()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build argument decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return nil, fmt.Errorf("invalid argument shape: %w", err)
	}

	if isPointer {
		return target, nil
	}
	return reflect.ValueOf(target).Elem().Interface(), nil
}
