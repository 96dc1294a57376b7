// Package encrypt declares the pluggable at-rest encryption SPI.
// Every provider writes and reads the shared MSEH envelope format but
// differs in where the data-encryption key comes from (a fixed
// passphrase, a local DEK store, an external KMS); a provider
// registers itself here at init() and is selected by name at startup.
package encrypt

import (
	"context"
	"fmt"
	"io"

	"github.com/fieldnote/memoryd/internal/config"
)

// Provider is the contract an encryption backend implements. Encrypt
// and Decrypt handle whole values in memory; EncryptStream and
// DecryptStream handle attachment-sized payloads without buffering
// them fully.
type Provider interface {
	// ID is the provider tag written into the MSEH header (e.g.
	// "plain", "dek") so a value encrypted under one provider can
	// still be identified if the configured provider changes later.
	ID() string

	// Encrypt returns an MSEH-wrapped ciphertext for plaintext (the
	// plain provider returns plaintext unchanged).
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt accepts MSEH-wrapped ciphertext, a legacy bare
	// nonce||ciphertext value, or plaintext, and returns the
	// plaintext.
	Decrypt(ciphertext []byte) ([]byte, error)

	// EncryptStream writes an MSEH header to dst and returns a
	// WriteCloser that encrypts bytes written to it, flushing the
	// authentication tag on Close.
	EncryptStream(dst io.Writer) (io.WriteCloser, error)

	// DecryptStream decrypts src given header, which the caller has
	// already parsed off the front of the stream.
	DecryptStream(src io.Reader, header *Header) (io.Reader, error)

	// AttachmentSigningKeys returns the HMAC keys used to sign
	// attachment download URLs, primary key first followed by any
	// retired keys still accepted during rotation. A provider that
	// doesn't support signed URLs returns nil.
	AttachmentSigningKeys(ctx context.Context) ([][]byte, error)
}

// Header is the parsed MSEH envelope header, passed to DecryptStream
// once the caller has read it off the stream. Declared here, rather
// than in the dataencryption package, to avoid an import cycle.
type Header struct {
	Version    uint32
	ProviderID string
	Nonce      []byte
}

// Plugin names one encryption provider.
type Plugin struct {
	Name   string
	Loader func(ctx context.Context, cfg *config.Config) (Provider, error)
}

type registry struct {
	order  []string
	byName map[string]Plugin
}

func (r *registry) add(p Plugin) {
	if r.byName == nil {
		r.byName = map[string]Plugin{}
	}
	if _, exists := r.byName[p.Name]; !exists {
		r.order = append(r.order, p.Name)
	}
	r.byName[p.Name] = p
}

var plugins registry

// Register adds an encryption provider plugin, typically from an
// init() in the plugin's own package.
func Register(p Plugin) {
	plugins.add(p)
}

// Names lists every registered provider name, in registration order.
func Names() []string {
	out := make([]string, len(plugins.order))
	copy(out, plugins.order)
	return out
}

// Select returns the full Plugin registered under name. Unlike the
// other plugin registries, this returns the Plugin itself rather than
// just its loader, since callers also want the provider's Name.
func Select(name string) (Plugin, error) {
	p, ok := plugins.byName[name]
	if !ok {
		return Plugin{}, fmt.Errorf("unknown encryption provider %q; registered: %v", name, Names())
	}
	return p, nil
}
