// Package uploads stages files delivered over the hub channel into the
// workspace. Staged files are ephemeral working material; nothing here is
// backed up or versioned.
package uploads

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// MaxUploadBytes bounds a decoded upload. The channel frame limit is sized
// above this so the bound here is the one that fires.
const MaxUploadBytes = 4 << 20

// Staging writes hub-delivered files into a dedicated directory.
type Staging struct {
	dir string
	log pslog.Logger
}

// NewStaging constructs the staging area, creating dir if needed.
func NewStaging(dir string, logger pslog.Logger) (*Staging, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("upload directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Staging{dir: dir, log: logger.With("upload_dir", dir)}, nil
}

// Stage decodes and writes one upload, returning the staged path. The name
// is reduced to its final path element and suffixed with a fresh id, so
// uploads can never escape the staging directory or clobber each other.
func (s *Staging) Stage(name, contentBase64 string) (string, error) {
	base := sanitizeFilename(name)
	if base == "" {
		return "", fmt.Errorf("unusable upload name %q", name)
	}
	data, err := base64.StdEncoding.DecodeString(contentBase64)
	if err != nil {
		return "", fmt.Errorf("decode upload %q: %w", base, err)
	}
	if len(data) > MaxUploadBytes {
		return "", fmt.Errorf("upload %q is %d bytes, limit is %d", base, len(data), MaxUploadBytes)
	}

	final := filepath.Join(s.dir, uniqueName(base))
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	s.log.Info("upload staged", "name", base, "path", final, "bytes", len(data))
	return final, nil
}

// sanitizeFilename strips any directory components and rejects names that
// are only traversal noise.
func sanitizeFilename(name string) string {
	base := filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	if base == "." || base == ".." || base == "/" || base == "" {
		return ""
	}
	return base
}

// uniqueName splices a short fresh id before the extension.
func uniqueName(base string) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s-%s%s", stem, uuid.NewString()[:8], ext)
}
