package dataencryption

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fieldnote/memoryd/internal/config"
	"github.com/fieldnote/memoryd/internal/registry/encrypt"
)

const plainProviderName = "plain"

type contextKey struct{}

// WithContext returns a new context carrying the given Service.
func WithContext(ctx context.Context, svc *Service) context.Context {
	return context.WithValue(ctx, contextKey{}, svc)
}

// FromContext retrieves the Service from the context. Returns nil if none was set.
func FromContext(ctx context.Context) *Service {
	svc, _ := ctx.Value(contextKey{}).(*Service)
	return svc
}

// Service fans out to whichever encryption providers are configured.
// New data always goes through the primary provider; decryption routes
// each payload to the provider named in its MSEH header, so data
// written under a since-rotated-out provider still decrypts.
type Service struct {
	primary encrypt.Provider
	byID    map[string]encrypt.Provider
}

// New builds a Service from cfg.EncryptionProviders, a comma-separated
// provider name list. The first name becomes the primary provider used
// for all new encryption.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	names := strings.Split(cfg.EncryptionProviders, ",")
	svc := &Service{byID: make(map[string]encrypt.Provider)}

	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		plugin, err := encrypt.Select(name)
		if err != nil {
			return nil, err
		}
		provider, err := plugin.Loader(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("encryption provider %q: %w", name, err)
		}
		svc.byID[provider.ID()] = provider
		if i == 0 || svc.primary == nil {
			svc.primary = provider
		}
	}

	if svc.primary == nil {
		return nil, fmt.Errorf("no encryption providers configured in MEMORYD_ENCRYPTION_KIND")
	}
	return svc, nil
}

// IsPrimaryReal reports whether the primary provider does real
// encryption, as opposed to the "plain" no-op provider.
func (s *Service) IsPrimaryReal() bool {
	return s.primary.ID() != plainProviderName
}

// Encrypt delegates to the primary provider.
func (s *Service) Encrypt(plaintext []byte) ([]byte, error) {
	return s.primary.Encrypt(plaintext)
}

func (s *Service) plainProvider() encrypt.Provider {
	return s.byID[plainProviderName]
}

// Decrypt routes ciphertext to the provider named in its MSEH header.
// Two fallbacks apply when "plain" is among the configured providers
// (e.g. providers = "dek,plain", covering data written before
// encryption was turned on):
//
//   - no MSEH header at all: the bytes are old unencrypted rows and
//     are returned as-is via "plain" rather than handed to the primary
//     provider, which would fail expecting an envelope.
//   - MSEH magic present but the header fails to parse: treated as
//     plaintext that happens to start with the 4-byte sentinel, again
//     returned as-is via "plain".
//
// Without "plain" registered, both situations are hard errors.
func (s *Service) Decrypt(ciphertext []byte) ([]byte, error) {
	plain := s.plainProvider()

	if HasMagic(ciphertext) {
		header, _, err := ReadHeader(bytes.NewReader(ciphertext))
		if err != nil {
			if plain != nil {
				return plain.Decrypt(ciphertext)
			}
			return nil, err
		}
		if header != nil {
			provider, ok := s.byID[header.ProviderID]
			if !ok {
				return nil, fmt.Errorf("dataencryption: unknown provider %q in MSEH header", header.ProviderID)
			}
			return provider.Decrypt(ciphertext)
		}
	}

	if plain != nil {
		return plain.Decrypt(ciphertext)
	}
	return s.primary.Decrypt(ciphertext)
}

// EncryptStream delegates to the primary provider.
func (s *Service) EncryptStream(dst io.Writer) (io.WriteCloser, error) {
	return s.primary.EncryptStream(dst)
}

// DecryptStream peeks at the leading 4 bytes to detect MSEH magic,
// then mirrors Decrypt's routing and fallback logic for streams: if
// the peeked header turns out malformed, the bytes already consumed
// from src are replayed from a recordingReader so "plain" still sees
// the full original stream.
func (s *Service) DecryptStream(src io.Reader) (io.Reader, error) {
	plain := s.plainProvider()

	peekBuf := make([]byte, 4)
	n, _ := io.ReadFull(src, peekBuf)
	peeked := peekBuf[:n]
	combined := io.MultiReader(bytes.NewReader(peeked), src)

	if !HasMagic(peeked) {
		if plain != nil {
			return plain.DecryptStream(combined, nil)
		}
		return s.primary.DecryptStream(combined, nil)
	}

	rec := &recordingReader{src: combined}
	header, _, err := ReadHeader(rec)
	if err != nil {
		if plain != nil {
			restored := io.MultiReader(bytes.NewReader(rec.recorded), combined)
			return plain.DecryptStream(restored, nil)
		}
		return nil, err
	}
	provider, ok := s.byID[header.ProviderID]
	if !ok {
		return nil, fmt.Errorf("dataencryption: unknown provider %q in MSEH header", header.ProviderID)
	}
	encHeader := &encrypt.Header{
		Version:    header.Version,
		ProviderID: header.ProviderID,
		Nonce:      header.Nonce,
	}
	return provider.DecryptStream(combined, encHeader)
}

// recordingReader wraps a reader and accumulates every byte it reads,
// so a caller that bailed out partway through a parse can reconstruct
// the full stream by prepending recorded to whatever's left unread.
type recordingReader struct {
	src      io.Reader
	recorded []byte
}

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.recorded = append(r.recorded, p[:n]...)
	}
	return n, err
}

// AttachmentSigningKeys delegates to the primary provider. Returns nil
// when that provider doesn't support signed attachment URLs.
func (s *Service) AttachmentSigningKeys(ctx context.Context) ([][]byte, error) {
	return s.primary.AttachmentSigningKeys(ctx)
}
