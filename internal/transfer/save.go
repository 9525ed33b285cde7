package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxNameAttempts = 1000

// SafeName reduces a sender supplied name to a plain file name.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "received"
	}
	return base
}

// BuildDownloadPath returns the n-th candidate path for name inside dir:
// "name.ext", then "name (1).ext" and so on.
func BuildDownloadPath(dir, name string, n int) string {
	if n == 0 {
		return filepath.Join(dir, name)
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
}

// Save writes f into dir without replacing existing files. It returns the
// path written and the SHA-256 of the contents.
func Save(dir string, f *File) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating download directory: %w", err)
	}

	name := SafeName(f.Name)
	for i := 0; i < maxNameAttempts; i++ {
		path := BuildDownloadPath(dir, name, i)
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("creating %s: %w", path, err)
		}

		if _, err := out.Write(f.Data); err != nil {
			_ = out.Close()
			_ = os.Remove(path)
			return "", "", fmt.Errorf("writing %s: %w", path, err)
		}
		if err := out.Close(); err != nil {
			return "", "", fmt.Errorf("closing %s: %w", path, err)
		}

		sum := sha256.Sum256(f.Data)
		return path, hex.EncodeToString(sum[:]), nil
	}
	return "", "", fmt.Errorf("no free name for %q in %s", name, dir)
}
