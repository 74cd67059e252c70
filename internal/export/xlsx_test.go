package export

import (
	"archive/zip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestXLSXConvertsEveryCSV(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "results_1700000000.zip")

	file, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(file)
	for _, entry := range []struct{ name, body string }{
		{"GeocodeResults.csv", "ResultID,Score,X,Y\n1,100,-117.19,34.05\n2,97.3,-122.41,37.77\n"},
		{"ReadMe.txt", "not a table"},
		{"unmatched/GeocodeResults.csv", "ResultID\n3\n"},
	} {
		w, err := zw.Create(entry.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(entry.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, file.Close())

	outPath := filepath.Join(dir, "results_1700000000.xlsx")
	rows, err := XLSX(zipPath, outPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, 3, rows)

	book, err := excelize.OpenFile(outPath)
	require.NoError(t, err)
	defer book.Close()

	assert.Equal(t, []string{"GeocodeResults", "GeocodeResults_2"}, book.GetSheetList())

	first, err := book.GetRows("GeocodeResults")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"ResultID", "Score", "X", "Y"},
		{"1", "100", "-117.19", "34.05"},
		{"2", "97.3", "-122.41", "37.77"},
	}, first)

	second, err := book.GetRows("GeocodeResults_2")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"ResultID"}, {"3"}}, second)
}

func TestSheetName(t *testing.T) {
	used := map[string]bool{}
	assert.Equal(t, "a_b", sheetName("dir/a:b.csv", used))
	assert.Equal(t, "a_b_2", sheetName("other/a?b.csv", used))

	long := sheetName("ThisIsAVeryLongGeocodeResultFileName.csv", used)
	assert.Len(t, long, maxSheetName)
	again := sheetName("ThisIsAVeryLongGeocodeResultFileName.csv", used)
	assert.Len(t, again, maxSheetName)
	assert.NotEqual(t, long, again)
}
