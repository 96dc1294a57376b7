// Package dataencryption implements the MSEH ("memoryd stream
// encryption header") envelope and the DataEncryptionService that
// reads/writes it.
//
// Wire format:
//
//	[4 bytes]   "MSEH" magic
//	[varint32]  length of the header proto that follows
//	[N bytes]   EncryptionHeader proto (see dataencryption/v1/encryption_header.proto)
//	[...]       ciphertext
package dataencryption

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"

	pbv1 "github.com/fieldnote/memoryd/internal/generated/pb/dataencryption/v1"
)

var mshMagic = [4]byte{'M', 'S', 'E', 'H'}

// Header is the decoded MSEH envelope header.
type Header struct {
	Version    uint32
	ProviderID string
	Nonce      []byte
}

// HasMagic reports whether b begins with the MSEH magic bytes.
func HasMagic(b []byte) bool {
	return len(b) >= len(mshMagic) &&
		b[0] == mshMagic[0] && b[1] == mshMagic[1] && b[2] == mshMagic[2] && b[3] == mshMagic[3]
}

// WriteHeader writes h to w as an MSEH envelope prefix.
func WriteHeader(w io.Writer, h Header) error {
	body, err := proto.Marshal(&pbv1.EncryptionHeader{
		Version:    h.Version,
		ProviderId: h.ProviderID,
		Nonce:      h.Nonce,
	})
	if err != nil {
		return fmt.Errorf("mseh: encoding header: %w", err)
	}

	frame := make([]byte, len(mshMagic)+varint32Len(uint32(len(body)))+len(body))
	copy(frame[:len(mshMagic)], mshMagic[:])
	n := putVarint32(frame[len(mshMagic):], uint32(len(body)))
	copy(frame[len(mshMagic)+n:], body)

	_, err = w.Write(frame)
	return err
}

// maxHeaderProtoLen bounds the header proto's advertised length so a
// crafted stream can't force an unbounded allocation before decoding.
// Every provider's header fits comfortably under this.
const maxHeaderProtoLen = 4096

// ReadHeader reads an MSEH prefix from r. It returns (header, true,
// nil) on success, (nil, false, nil) if r doesn't start with the MSEH
// magic, or (nil, true, err) for a read/decode failure once the magic
// has already been confirmed present.
func ReadHeader(r io.Reader) (*Header, bool, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, false, nil
	}
	if magic != mshMagic {
		return nil, false, nil
	}

	bodyLen, err := readVarint32(r)
	if err != nil {
		return nil, true, fmt.Errorf("mseh: reading proto length: %w", err)
	}
	if bodyLen > maxHeaderProtoLen {
		return nil, true, fmt.Errorf("mseh: proto length %d exceeds maximum %d", bodyLen, maxHeaderProtoLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, true, fmt.Errorf("mseh: reading proto bytes: %w", err)
	}

	var msg pbv1.EncryptionHeader
	if err := proto.Unmarshal(body, &msg); err != nil {
		return nil, true, fmt.Errorf("mseh: decoding header: %w", err)
	}
	return &Header{
		Version:    msg.Version,
		ProviderID: msg.ProviderId,
		Nonce:      msg.Nonce,
	}, true, nil
}

// Outer MSEH framing uses its own varint32; the header proto's field
// encoding is handled entirely by proto.Marshal/Unmarshal.

func putVarint32(b []byte, v uint32) int {
	n := 0
	for v >= 0x80 {
		b[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	b[n] = byte(v)
	return n + 1
}

func varint32Len(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func readVarint32(r io.Reader) (uint32, error) {
	var v uint32
	var b [1]byte
	for shift := range 5 {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		v |= uint32(b[0]&0x7F) << (7 * uint(shift))
		if b[0]&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("mseh: varint32 overflow")
}
