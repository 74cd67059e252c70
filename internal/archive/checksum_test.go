package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o600))

	sum, err := SHA256(path)
	require.NoError(t, err)
	want := sha256.Sum256([]byte("payload"))
	assert.Equal(t, hex.EncodeToString(want[:]), sum)
}

func TestChecksumFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results_1700000000.zip")
	require.NoError(t, os.WriteFile(path, []byte("PK result"), 0o600))

	sum, err := SHA256(path)
	require.NoError(t, err)
	sidecar, err := WriteChecksumFile(path, sum)
	require.NoError(t, err)
	assert.Equal(t, path+".sha256", sidecar)

	data, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	assert.Equal(t, sum+"  results_1700000000.zip\n", string(data))
	require.NoError(t, VerifyChecksumFile(path))

	require.NoError(t, os.WriteFile(path, []byte("PK tampered"), 0o600))
	assert.ErrorIs(t, VerifyChecksumFile(path), ErrChecksumMismatch)
}

func TestParseChecksum(t *testing.T) {
	data := `
# comment
abcd1234 invalid-line
aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa  results_1.zip
BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB *results_2.zip
`
	sum, err := parseChecksum(strings.NewReader(data), "results_2.zip")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 64), sum)

	_, err = parseChecksum(strings.NewReader(data), "results_3.zip")
	assert.ErrorContains(t, err, "not found")

	_, err = parseChecksum(strings.NewReader("abc  results_1.zip\n"), "results_1.zip")
	assert.ErrorContains(t, err, "invalid checksum")
}
