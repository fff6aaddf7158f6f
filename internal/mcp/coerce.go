package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache compiles and memoizes jsonschema.Schema values keyed by the
// raw schema bytes, so repeated invocations of the same tool do not pay
// compilation cost each time.
type schemaCache struct {
	mu    sync.Mutex
	byKey map[string]*jsonschema.Schema
}

var globalSchemaCache = &schemaCache{byKey: make(map[string]*jsonschema.Schema)}

func (c *schemaCache) compile(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := name + ":" + string(raw)
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.byKey[key]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	resourceName := name + ".json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	c.byKey[key] = schema
	return schema, nil
}

// CoerceAndValidate parses raw tool-call arguments, coerces leaf values
// against the schema's declared types (string->int/number/bool/string,
// walking nested objects and arrays), then validates the coerced value
// against the compiled JSON Schema. An empty argument string is treated as
// "{}", never as an error (per the boundary behavior in SPEC_FULL.md §8).
func CoerceAndValidate(toolName string, schema json.RawMessage, raw json.RawMessage) (map[string]any, error) {
	text := bytes.TrimSpace(raw)
	if len(text) == 0 {
		text = []byte("{}")
	}

	var args map[string]any
	if err := json.Unmarshal(text, &args); err != nil {
		return nil, &ParameterError{ToolName: toolName, Message: "arguments are not a JSON object", Cause: err}
	}

	var schemaDoc map[string]any
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &schemaDoc); err != nil {
			return nil, &ParameterError{ToolName: toolName, Message: "invalid parameter schema", Cause: err}
		}
	}

	coerced := coerceObject(args, schemaDoc)

	if len(schema) > 0 {
		compiled, err := globalSchemaCache.compile(toolName, schema)
		if err != nil {
			return nil, &ParameterError{ToolName: toolName, Message: "schema compilation failed", Cause: err}
		}
		if err := compiled.Validate(coerced); err != nil {
			return nil, &ParameterError{ToolName: toolName, Message: "argument validation failed", Cause: err}
		}
	}

	return coerced, nil
}

// coerceObject walks a decoded JSON object against a JSON-Schema-shaped
// "properties" map, coercing each leaf value to the type its schema entry
// declares. Unknown keys (absent from "properties") pass through untouched.
func coerceObject(obj map[string]any, schemaDoc map[string]any) map[string]any {
	props, _ := schemaDoc["properties"].(map[string]any)
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		propSchema, _ := props[k].(map[string]any)
		out[k] = coerceValue(v, propSchema)
	}
	return out
}

func coerceValue(v any, propSchema map[string]any) any {
	typ, _ := propSchema["type"].(string)

	switch typ {
	case "integer":
		if n, ok := coerceInt(v); ok {
			return n
		}
	case "number":
		if n, ok := coerceFloat(v); ok {
			return n
		}
	case "boolean":
		if b, ok := coerceBool(v); ok {
			return b
		}
	case "string":
		if s, ok := coerceString(v); ok {
			return s
		}
	case "object":
		if nested, ok := v.(map[string]any); ok {
			nestedProps, _ := propSchema["properties"].(map[string]any)
			return coerceObject(nested, map[string]any{"properties": nestedProps})
		}
	case "array":
		if arr, ok := v.([]any); ok {
			itemSchema, _ := propSchema["items"].(map[string]any)
			out := make([]any, len(arr))
			for i, item := range arr {
				out[i] = coerceValue(item, itemSchema)
			}
			return out
		}
	}
	return v
}

func coerceInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func coerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, false
		}
		return b, true
	}
	return false, false
}

func coerceString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}
