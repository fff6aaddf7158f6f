package mcp

import (
	"encoding/json"
	"testing"
)

const sampleSchema = `{
	"type": "object",
	"properties": {
		"count": {"type": "integer"},
		"ratio": {"type": "number"},
		"enabled": {"type": "boolean"},
		"name": {"type": "string"}
	},
	"required": ["name"]
}`

func TestCoerceAndValidate_StringLeafTypes(t *testing.T) {
	raw := json.RawMessage(`{"count":"42","ratio":"3.5","enabled":"true","name":"x"}`)
	got, err := CoerceAndValidate("t", json.RawMessage(sampleSchema), raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["count"] != int64(42) {
		t.Errorf("count = %v, want int64(42)", got["count"])
	}
	if got["ratio"] != 3.5 {
		t.Errorf("ratio = %v, want 3.5", got["ratio"])
	}
	if got["enabled"] != true {
		t.Errorf("enabled = %v, want true", got["enabled"])
	}
}

func TestCoerceAndValidate_EmptyStringIsEmptyObject(t *testing.T) {
	got, err := CoerceAndValidate("t", json.RawMessage(`{"type":"object","properties":{}}`), json.RawMessage(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty map", got)
	}
}

func TestCoerceAndValidate_MissingRequiredFails(t *testing.T) {
	_, err := CoerceAndValidate("t", json.RawMessage(sampleSchema), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected ParameterError for missing required field")
	}
	if _, ok := err.(*ParameterError); !ok {
		t.Fatalf("err type = %T, want *ParameterError", err)
	}
}

func TestCoerceAndValidate_UnknownKeysPassThrough(t *testing.T) {
	got, err := CoerceAndValidate("t", json.RawMessage(sampleSchema), json.RawMessage(`{"name":"x","extra":"kept"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["extra"] != "kept" {
		t.Fatalf("extra = %v, want kept", got["extra"])
	}
}
