package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// ErrUnsafeEntry is returned for zip entries that would land outside the
// extraction directory.
var ErrUnsafeEntry = errors.New("unsafe zip entry")

// sanitizeEntryPath maps a zip entry name to a path below root. Empty and
// absolute names, ".." segments and NUL bytes are rejected.
func sanitizeEntryPath(root, entryName string) (string, error) {
	name := strings.ReplaceAll(strings.TrimSpace(entryName), "\\", "/")
	switch {
	case name == "":
		return "", fmt.Errorf("empty name: %w", ErrUnsafeEntry)
	case strings.HasPrefix(name, "/"), filepath.VolumeName(name) != "":
		return "", fmt.Errorf("%q is absolute: %w", entryName, ErrUnsafeEntry)
	case strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%q contains a NUL byte: %w", entryName, ErrUnsafeEntry)
	case slices.Contains(strings.Split(name, "/"), ".."):
		return "", fmt.Errorf("%q climbs out of the destination: %w", entryName, ErrUnsafeEntry)
	}

	target := filepath.Join(root, filepath.FromSlash(path.Clean(name)))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q resolves outside %s: %w", entryName, root, ErrUnsafeEntry)
	}
	return target, nil
}

func writeFileAtomic(target string, reader io.Reader, perm os.FileMode) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".batchgeocode-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if perm != 0 {
		if err := os.Chmod(tmp.Name(), perm); err != nil {
			return fmt.Errorf("chmod temp file: %w", err)
		}
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
