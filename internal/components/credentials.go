package components

import (
	"context"

	"github.com/roverlink/roverlink/internal/store"
)

// Store keys for device identity material.
const (
	keyLabsAuthCode    = "DEVICE_LABS_AUTH_CODE"
	keyJupyterPassword = "DEVICE_JUPYTER_PASSWORD"
)

// Credentials is a virtual capability: device pairing material
// persisted in the key/value store, with no controller transaction
// behind it. Both values are set-once: a second set is refused so a
// paired device cannot be silently re-paired.
type Credentials struct {
	kv *store.KV
}

func NewCredentials(kv *store.KV) *Credentials {
	return &Credentials{kv: kv}
}

// LabsAuthCode returns the stored pairing code, or "" when unset.
func (c *Credentials) LabsAuthCode(ctx context.Context) (string, error) {
	var code string
	if _, err := c.kv.Get(ctx, keyLabsAuthCode, &code); err != nil {
		return "", err
	}
	return code, nil
}

// SetLabsAuthCode stores the pairing code if none is set yet and
// reports whether it was stored.
func (c *Credentials) SetLabsAuthCode(ctx context.Context, code string) (bool, error) {
	return c.setOnce(ctx, keyLabsAuthCode, code)
}

// JupyterPassword returns the stored notebook password, or "" when
// unset.
func (c *Credentials) JupyterPassword(ctx context.Context) (string, error) {
	var password string
	if _, err := c.kv.Get(ctx, keyJupyterPassword, &password); err != nil {
		return "", err
	}
	return password, nil
}

// SetJupyterPassword stores the notebook password if none is set yet
// and reports whether it was stored.
func (c *Credentials) SetJupyterPassword(ctx context.Context, password string) (bool, error) {
	return c.setOnce(ctx, keyJupyterPassword, password)
}

func (c *Credentials) setOnce(ctx context.Context, key, value string) (bool, error) {
	var existing string
	ok, err := c.kv.Get(ctx, key, &existing)
	if err != nil {
		return false, err
	}
	if ok && existing != "" {
		return false, nil
	}
	if err := c.kv.Put(ctx, key, value); err != nil {
		return false, err
	}
	return true, nil
}
