package components

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roverlink/roverlink/internal/store"
	"github.com/roverlink/roverlink/internal/testutil/testlog"
)

func newCredentials(t *testing.T) *Credentials {
	t.Helper()
	testlog.Start(t)
	kv, err := store.Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return NewCredentials(kv)
}

func TestCredentialsSetOnce(t *testing.T) {
	c := newCredentials(t)
	ctx := context.Background()

	code, err := c.LabsAuthCode(ctx)
	if err != nil {
		t.Fatalf("LabsAuthCode: %v", err)
	}
	if code != "" {
		t.Fatalf("unset auth code = %q", code)
	}

	set, err := c.SetLabsAuthCode(ctx, "pair-1234")
	if err != nil || !set {
		t.Fatalf("SetLabsAuthCode = %v, %v", set, err)
	}
	set, err = c.SetLabsAuthCode(ctx, "pair-9999")
	if err != nil {
		t.Fatalf("second SetLabsAuthCode: %v", err)
	}
	if set {
		t.Fatal("second set of auth code was accepted")
	}
	code, err = c.LabsAuthCode(ctx)
	if err != nil || code != "pair-1234" {
		t.Fatalf("LabsAuthCode = %q, %v", code, err)
	}
}

func TestCredentialsIndependentKeys(t *testing.T) {
	c := newCredentials(t)
	ctx := context.Background()

	if set, err := c.SetJupyterPassword(ctx, "s3cret"); err != nil || !set {
		t.Fatalf("SetJupyterPassword = %v, %v", set, err)
	}
	// The auth code slot stays writable.
	if set, err := c.SetLabsAuthCode(ctx, "pair-1"); err != nil || !set {
		t.Fatalf("SetLabsAuthCode = %v, %v", set, err)
	}
	pw, err := c.JupyterPassword(ctx)
	if err != nil || pw != "s3cret" {
		t.Fatalf("JupyterPassword = %q, %v", pw, err)
	}
}
