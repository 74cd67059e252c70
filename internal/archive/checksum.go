package archive

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ChecksumSuffix is appended to an archive path to name its checksum file.
const ChecksumSuffix = ".sha256"

var ErrChecksumMismatch = errors.New("sha256 mismatch")

// SHA256 returns the hex encoded SHA-256 digest of the file at path.
func SHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// WriteChecksumFile writes sum for path in sha256sum format next to the file
// and returns the checksum file path.
func WriteChecksumFile(path, sum string) (string, error) {
	target := path + ChecksumSuffix
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(path))
	if err := writeFileAtomic(target, strings.NewReader(line), 0o640); err != nil {
		return "", err
	}
	return target, nil
}

// VerifyChecksumFile recomputes the digest of path and compares it with the
// entry in its checksum file.
func VerifyChecksumFile(path string) error {
	file, err := os.Open(path + ChecksumSuffix)
	if err != nil {
		return fmt.Errorf("open checksums: %w", err)
	}
	defer file.Close()

	expected, err := parseChecksum(file, filepath.Base(path))
	if err != nil {
		return err
	}
	actual, err := SHA256(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%s: expected %s got %s: %w", path, expected, actual, ErrChecksumMismatch)
	}
	return nil
}

func parseChecksum(r io.Reader, name string) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// sha256sum marks binary mode with a leading '*'.
		if strings.TrimPrefix(fields[1], "*") != name {
			continue
		}
		if len(fields[0]) != sha256.Size*2 {
			return "", fmt.Errorf("invalid checksum for %s", name)
		}
		return strings.ToLower(fields[0]), nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan checksums: %w", err)
	}
	return "", fmt.Errorf("checksum for %s not found", name)
}
