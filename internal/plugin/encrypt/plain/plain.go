// Package plain registers the "plain" encryption provider: a pure
// pass-through that writes no MSEH header and leaves data untouched.
// It's the default when no encryption is configured.
package plain

import (
	"context"
	"io"

	"github.com/fieldnote/memoryd/internal/config"
	"github.com/fieldnote/memoryd/internal/registry/encrypt"
)

func init() {
	encrypt.Register(encrypt.Plugin{
		Name: "plain",
		Loader: func(_ context.Context, cfg *config.Config) (encrypt.Provider, error) {
			return &passthroughProvider{cfg: cfg}, nil
		},
	})
}

type passthroughProvider struct {
	cfg *config.Config
}

func (p *passthroughProvider) ID() string { return "plain" }

func (p *passthroughProvider) Encrypt(plaintext []byte) ([]byte, error) { return plaintext, nil }

func (p *passthroughProvider) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

func (p *passthroughProvider) EncryptStream(dst io.Writer) (io.WriteCloser, error) {
	return closerlessWriter{dst}, nil
}

func (p *passthroughProvider) DecryptStream(src io.Reader, _ *encrypt.Header) (io.Reader, error) {
	return src, nil
}

// AttachmentSigningKeys derives signing keys from cfg.EncryptionKey via
// HKDF-SHA256 when one is configured; returns nil otherwise.
func (p *passthroughProvider) AttachmentSigningKeys(_ context.Context) ([][]byte, error) {
	return p.cfg.AttachmentSigningKeys()
}

type closerlessWriter struct{ io.Writer }

func (closerlessWriter) Close() error { return nil }
