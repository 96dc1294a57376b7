// Package encrypt wraps any AttachmentStore with AES-GCM-encrypted
// chunked storage, so attachment blobs written by the S3/Mongo/Postgres
// backends rest encrypted under a key independent of the database's
// own encryption-at-rest (if any).
package encrypt

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"net/url"
	"time"

	"github.com/fieldnote/memoryd/internal/config"
	registryattach "github.com/fieldnote/memoryd/internal/registry/attach"
)

const chunkSize = 64 * 1024

// Wrap returns inner unchanged when encryptionKey is empty; otherwise
// it returns an AttachmentStore that transparently encrypts on Store
// and decrypts on Retrieve.
func Wrap(inner registryattach.AttachmentStore, encryptionKey string) (registryattach.AttachmentStore, error) {
	if encryptionKey == "" {
		return inner, nil
	}

	key, err := config.DecodeEncryptionKey(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt attach: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encrypt attach: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encrypt attach: %w", err)
	}

	return &EncryptStore{inner: inner, gcm: gcm}, nil
}

// EncryptStore is an AttachmentStore that frames and encrypts every
// write as a sequence of [4-byte length][nonce][ciphertext] chunks.
type EncryptStore struct {
	inner registryattach.AttachmentStore
	gcm   cipher.AEAD
}

type encryptionOutcome struct {
	plaintextSize int64
	plaintextSHA  string
	err           error
}

func (s *EncryptStore) Store(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*registryattach.FileStoreResult, error) {
	hasher := sha256.New()
	bounded := io.LimitReader(data, maxSize+1)
	pr, pw := io.Pipe()

	outcome := make(chan encryptionOutcome, 1)
	go s.encryptChunks(bounded, pw, hasher, maxSize, outcome)

	result, storeErr := s.inner.Store(ctx, pr, encryptedUpperBound(maxSize, chunkSize, s.gcm.NonceSize(), s.gcm.Overhead()), contentType)
	done := <-outcome
	if done.err != nil {
		return nil, done.err
	}
	if storeErr != nil {
		return nil, storeErr
	}

	// Report logical (plaintext) size and checksum; callers never see
	// the on-disk encrypted framing.
	result.Size = done.plaintextSize
	result.SHA256 = done.plaintextSHA
	return result, nil
}

func (s *EncryptStore) encryptChunks(src io.Reader, pw *io.PipeWriter, hasher hash.Hash, maxSize int64, outcome chan<- encryptionOutcome) {
	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > maxSize {
				sizeErr := fmt.Errorf("file exceeds maximum size of %d bytes", maxSize)
				_ = pw.CloseWithError(sizeErr)
				outcome <- encryptionOutcome{err: sizeErr}
				return
			}
			plain := append([]byte(nil), buf[:n]...)
			if _, hErr := hasher.Write(plain); hErr != nil {
				_ = pw.CloseWithError(hErr)
				outcome <- encryptionOutcome{err: hErr}
				return
			}
			nonce := make([]byte, s.gcm.NonceSize())
			if _, nErr := rand.Read(nonce); nErr != nil {
				_ = pw.CloseWithError(nErr)
				outcome <- encryptionOutcome{err: nErr}
				return
			}
			ciphertext := s.gcm.Seal(nil, nonce, plain, nil)

			var frameLen [4]byte
			binary.BigEndian.PutUint32(frameLen[:], uint32(len(nonce)+len(ciphertext)))
			if _, wErr := pw.Write(frameLen[:]); wErr != nil {
				outcome <- encryptionOutcome{err: wErr}
				return
			}
			if _, wErr := pw.Write(nonce); wErr != nil {
				outcome <- encryptionOutcome{err: wErr}
				return
			}
			if _, wErr := pw.Write(ciphertext); wErr != nil {
				outcome <- encryptionOutcome{err: wErr}
				return
			}
		}
		if err == io.EOF {
			_ = pw.Close()
			outcome <- encryptionOutcome{plaintextSize: total, plaintextSHA: fmt.Sprintf("%x", hasher.Sum(nil))}
			return
		}
		if err != nil {
			_ = pw.CloseWithError(err)
			outcome <- encryptionOutcome{err: err}
			return
		}
	}
}

func (s *EncryptStore) Retrieve(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	rc, err := s.inner.Retrieve(ctx, storageKey)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		defer pw.Close()

		reader := bufio.NewReader(rc)
		nonceSize := s.gcm.NonceSize()

		for {
			var frameLen [4]byte
			if _, err := io.ReadFull(reader, frameLen[:]); err != nil {
				if err == io.EOF {
					return
				}
				if err == io.ErrUnexpectedEOF {
					_ = pw.CloseWithError(fmt.Errorf("decrypt failed: truncated frame header"))
					return
				}
				_ = pw.CloseWithError(fmt.Errorf("decrypt failed: %w", err))
				return
			}
			n := binary.BigEndian.Uint32(frameLen[:])
			if n < uint32(nonceSize+s.gcm.Overhead()) {
				_ = pw.CloseWithError(fmt.Errorf("decrypt failed: invalid frame length"))
				return
			}

			frame := make([]byte, n)
			if _, err := io.ReadFull(reader, frame); err != nil {
				_ = pw.CloseWithError(fmt.Errorf("decrypt failed: truncated frame payload"))
				return
			}
			plaintext, err := s.gcm.Open(nil, frame[:nonceSize], frame[nonceSize:], nil)
			if err != nil {
				_ = pw.CloseWithError(fmt.Errorf("decrypt failed: %w", err))
				return
			}
			if _, err := pw.Write(plaintext); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
		}
	}()

	return pr, nil
}

func (s *EncryptStore) Delete(ctx context.Context, storageKey string) error {
	return s.inner.Delete(ctx, storageKey)
}

func (s *EncryptStore) GetSignedURL(_ context.Context, _ string, _ time.Duration) (*url.URL, error) {
	return nil, fmt.Errorf("signed URLs not supported for encrypted attachment store")
}

// encryptedUpperBound computes the worst-case ciphertext size for a
// maxSize plaintext given the chunking above: one nonce, one AEAD tag,
// and a 4-byte frame length per chunk.
func encryptedUpperBound(maxSize, chunk int64, nonceSize, overhead int) int64 {
	if maxSize <= 0 {
		return maxSize
	}
	chunks := (maxSize + chunk - 1) / chunk
	return maxSize + chunks*int64(nonceSize+overhead+4)
}
