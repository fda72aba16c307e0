package document

import (
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Blob is the metadata of a binary. The bytes live in a binary store
// addressed by Digest; documents only reference them.
type Blob struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Digest   string `json:"digest"`
	Length   int64  `json:"length"`
}

// NewBlob describes data, computing its digest
func NewBlob(name, mimeType string, data []byte) *Blob {
	sum := blake2b.Sum256(data)
	return &Blob{
		Name:     name,
		MimeType: mimeType,
		Digest:   hex.EncodeToString(sum[:]),
		Length:   int64(len(data)),
	}
}

// ReadBlob describes the content of r, computing its digest while reading
func ReadBlob(name, mimeType string, r io.Reader) (*Blob, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, fmt.Errorf("failed to digest blob %s: %w", name, err)
	}
	return &Blob{
		Name:     name,
		MimeType: mimeType,
		Digest:   hex.EncodeToString(h.Sum(nil)),
		Length:   n,
	}, nil
}

func (b Blob) toMap() map[string]any {
	m := map[string]any{
		"digest": b.Digest,
		"length": b.Length,
	}
	if b.Name != "" {
		m["name"] = b.Name
	}
	if b.MimeType != "" {
		m["mimetype"] = b.MimeType
	}
	if b.Encoding != "" {
		m["encoding"] = b.Encoding
	}
	return m
}

func blobFromMap(m map[string]any) *Blob {
	b := &Blob{}
	b.Name, _ = m["name"].(string)
	b.MimeType, _ = m["mimetype"].(string)
	b.Encoding, _ = m["encoding"].(string)
	b.Digest, _ = m["digest"].(string)
	b.Length, _ = m["length"].(int64)
	return b
}
