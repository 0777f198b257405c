package fs

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/yakongxing/cloudpaste/session"
)

// encryptedPrefix marks a credential stored as ciphertext in the config
// envelope.
const encryptedPrefix = "encrypted:"

// DriverConfig is the uniform configuration envelope. Payload is the
// backend-specific JSON decoded by each backend into its Options struct.
type DriverConfig struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"config"`
}

// DecodeOptions decodes the backend payload into opt.
func (c DriverConfig) DecodeOptions(opt interface{}) error {
	if len(c.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Payload, opt); err != nil {
		return Errf(CodeInvalidConfig, 400, "couldn't decode %s config: %v", c.Type, err)
	}
	return nil
}

// Decryptor resolves encrypted credentials. It is an external
// collaborator; the core never holds key material.
type Decryptor interface {
	Reveal(ctx context.Context, ciphertext string) (string, error)
}

// Env carries the external collaborators injected into drivers.
type Env struct {
	// Sessions is the upload-session ledger. May be nil for drivers
	// without CapMultipart.
	Sessions session.Store
	// Decryptor resolves "encrypted:" credentials. May be nil when all
	// credentials are clear.
	Decryptor Decryptor
	// ProxyBase is the base URL of the proxy transport, used to mint
	// proxy links ("https://host/api/proxy").
	ProxyBase string
}

// ResolveCredential resolves a possibly encrypted credential from the
// config envelope. A ciphertext with no decryptor available fails closed.
func (e *Env) ResolveCredential(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}
	if e == nil || e.Decryptor == nil {
		return "", Errf(CodeInvalidConfig, 500, "credential is encrypted but no decryptor is configured")
	}
	plain, err := e.Decryptor.Reveal(ctx, strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return "", Errf(CodeInvalidConfig, 500, "couldn't decrypt credential").WithCause(err)
	}
	return plain, nil
}

// ProxyLinkFor mints a proxy link for a driver path. Drivers use this for
// ProxyLink when CapProxy is set.
func (e *Env) ProxyLinkFor(driverName, path string) *Link {
	base := "/api/proxy"
	if e != nil && e.ProxyBase != "" {
		base = strings.TrimRight(e.ProxyBase, "/")
	}
	return &Link{
		URL:  base + "/" + driverName + EscapePath(path),
		Kind: LinkProxy,
	}
}
