package wire

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	in := map[string]any{
		"id":   uint64(7),
		"path": "root.buzzer.play",
		"args": []any{"o4l16ceg>c8", true},
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out["path"] != "root.buzzer.play" {
		t.Fatalf("path = %v", out["path"])
	}
	args, ok := out["args"].([]any)
	if !ok || len(args) != 2 || args[0] != "o4l16ceg>c8" || args[1] != true {
		t.Fatalf("args = %v", out["args"])
	}
}

func TestDeterministicEncoding(t *testing.T) {
	v := map[string]int{"b": 2, "a": 1, "c": 3}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 8; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x vs %x", first, again)
		}
	}
}

func TestAnyMapsDecodeStringKeyed(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	top, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded as %T, want map[string]any", out)
	}
	if _, ok := top["nested"].(map[string]any); !ok {
		t.Fatalf("nested decoded as %T, want map[string]any", top["nested"])
	}
}
