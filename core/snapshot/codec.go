package snapshot

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
)

// Transform is one reversible step of the snapshot encode pipeline.
// Encode runs in declaration order on write; Decode runs in reverse
// order on read.
type Transform interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// Pipeline applies an ordered list of transforms.
type Pipeline struct {
	transforms []Transform
}

func NewPipeline(transforms ...Transform) *Pipeline {
	return &Pipeline{transforms: transforms}
}

// Encoding returns the "+"-joined transform names, prefixed with the
// base serialization.
func (p *Pipeline) Encoding() string {
	names := []string{"json"}
	for _, t := range p.transforms {
		names = append(names, t.Name())
	}
	return strings.Join(names, "+")
}

func (p *Pipeline) Encode(data []byte) ([]byte, error) {
	out := data
	for _, t := range p.transforms {
		var err error
		out, err = t.Encode(out)
		if err != nil {
			return nil, fmt.Errorf("%s encode: %w", t.Name(), err)
		}
	}
	return out, nil
}

func (p *Pipeline) Decode(data []byte) ([]byte, error) {
	out := data
	for i := len(p.transforms) - 1; i >= 0; i-- {
		t := p.transforms[i]
		var err error
		out, err = t.Decode(out)
		if err != nil {
			return nil, fmt.Errorf("%w: %s decode: %w", ErrSnapshotCorrupt, t.Name(), err)
		}
	}
	return out, nil
}

// Checksum returns the blake2b-256 hex digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// === Gzip ===

// GzipTransform compresses the state with gzip.
type GzipTransform struct {
	// Level is a gzip compression level; 0 means gzip.DefaultCompression.
	Level int
}

func (GzipTransform) Name() string { return "gzip" }

func (g GzipTransform) Encode(data []byte) ([]byte, error) {
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GzipTransform) Decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// === AES-GCM ===

// AESGCMTransform encrypts the state with AES-256-GCM. The nonce is
// prepended to the ciphertext.
type AESGCMTransform struct {
	aead cipher.AEAD
}

// NewAESGCMTransform builds the transform from a 32-byte key.
func NewAESGCMTransform(key []byte) (*AESGCMTransform, error) {
	if len(key) != 32 {
		return nil, errors.New("aesgcm: key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCMTransform{aead: aead}, nil
}

func (*AESGCMTransform) Name() string { return "aesgcm" }

func (t *AESGCMTransform) Encode(data []byte) ([]byte, error) {
	nonce := make([]byte, t.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return t.aead.Seal(nonce, nonce, data, nil), nil
}

func (t *AESGCMTransform) Decode(data []byte) ([]byte, error) {
	ns := t.aead.NonceSize()
	if len(data) < ns {
		return nil, errors.New("aesgcm: ciphertext too short")
	}
	return t.aead.Open(nil, data[:ns], data[ns:], nil)
}
