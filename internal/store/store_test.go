package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roverlink/roverlink/internal/testutil/testlog"
)

func open(t *testing.T) *KV {
	t.Helper()
	testlog.Start(t)
	kv, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestGetAbsentKey(t *testing.T) {
	kv := open(t)
	var out string
	ok, err := kv.Get(context.Background(), "missing", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("absent key reported present")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	kv := open(t)
	ctx := context.Background()

	if err := kv.Put(ctx, "DEVICE_TOKEN", "abc123"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var token string
	ok, err := kv.Get(ctx, "DEVICE_TOKEN", &token)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if token != "abc123" {
		t.Fatalf("token = %q", token)
	}

	// Overwrite replaces, not appends.
	if err := kv.Put(ctx, "DEVICE_TOKEN", "def456"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := kv.Get(ctx, "DEVICE_TOKEN", &token); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if token != "def456" {
		t.Fatalf("token after overwrite = %q", token)
	}
}

func TestTypedValues(t *testing.T) {
	kv := open(t)
	ctx := context.Background()

	if err := kv.Put(ctx, "calibration", map[string]int{"steering": -4, "throttle": 2}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var cal map[string]int
	ok, err := kv.Get(ctx, "calibration", &cal)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if cal["steering"] != -4 || cal["throttle"] != 2 {
		t.Fatalf("calibration = %v", cal)
	}
}

func TestDelete(t *testing.T) {
	kv := open(t)
	ctx := context.Background()

	if err := kv.Put(ctx, "k", 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := kv.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var out int
	ok, err := kv.Get(ctx, "k", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("deleted key still present")
	}
	// Deleting an absent key is not an error.
	if err := kv.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	kv, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := kv.Put(ctx, "persisted", true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	kv, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv.Close()
	var out bool
	ok, err := kv.Get(ctx, "persisted", &out)
	if err != nil || !ok || !out {
		t.Fatalf("Get after reopen = %v %v %v", out, ok, err)
	}
}
