// Package blob is a disk-backed blob store. Uploads are content-addressed
// and served over the node's HTTP listener, so the returned URLs are stable
// across re-uploads of identical bytes.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

type Store struct {
	dir     string
	baseURL string
}

// New creates the blob directory if needed. baseURL is the public prefix
// (e.g. "http://127.0.0.1:8930/blobs").
func New(dir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Upload stores the bytes under a content hash and returns the public URL.
// The original extension is kept so HTTP content-type sniffing works.
func (s *Store) Upload(name string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	fn := hex.EncodeToString(sum[:8]) + strings.ToLower(filepath.Ext(name))
	path := filepath.Join(s.dir, fn)

	if _, err := os.Stat(path); err != nil {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("write blob: %w", err)
		}
	}
	return s.baseURL + "/" + fn, nil
}

// Handler serves the blob directory.
func (s *Store) Handler() http.Handler {
	return http.FileServer(http.Dir(s.dir))
}
