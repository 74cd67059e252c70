// Package archive handles the zip archives exchanged with the geocoding
// service: packaging CSV input, reading its header, and unpacking results.
package archive

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNoCSV             = errors.New("archive contains no csv file")
	ErrUnsupportedFormat = errors.New("unsupported input format, expected .csv or .zip")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// PrepareUpload returns the path of a zip archive suitable for upload. Zip
// input is used as is; CSV input is packaged into workDir first.
func PrepareUpload(path, workDir string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		return path, nil
	case ".csv":
		return PackageCSV(path, workDir)
	default:
		return "", fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
}

// PackageCSV writes a zip archive holding the single CSV file at csvPath into
// dir and returns the archive path.
func PackageCSV(csvPath, dir string) (string, error) {
	src, err := os.Open(csvPath)
	if err != nil {
		return "", fmt.Errorf("open csv: %w", err)
	}
	defer src.Close()

	base := filepath.Base(csvPath)
	target := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".zip")

	pr, pw := io.Pipe()
	go func() {
		zw := zip.NewWriter(pw)
		entry, err := zw.Create(base)
		if err == nil {
			_, err = io.Copy(entry, src)
		}
		if closeErr := zw.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()

	if err := writeFileAtomic(target, pr, 0o640); err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("package csv: %w", err)
	}
	return target, nil
}

// CSVHeader returns the header row of a CSV file, or of the first CSV entry
// of a zip archive.
func CSVHeader(path string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open csv: %w", err)
		}
		defer file.Close()
		return readHeader(file)
	case ".zip":
		reader, err := zip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("open zip: %w", err)
		}
		defer reader.Close()

		for _, file := range reader.File {
			if !isCSV(file) {
				continue
			}
			src, err := file.Open()
			if err != nil {
				return nil, fmt.Errorf("open zip entry: %w", err)
			}
			header, err := readHeader(src)
			src.Close()
			return header, err
		}
		return nil, ErrNoCSV
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
}

// EachCSV calls fn with a reader for every CSV entry of the zip archive at
// path, in archive order.
func EachCSV(path string, fn func(name string, r *csv.Reader) error) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer reader.Close()

	found := false
	for _, file := range reader.File {
		if !isCSV(file) {
			continue
		}
		found = true
		src, err := file.Open()
		if err != nil {
			return fmt.Errorf("open zip entry: %w", err)
		}
		err = fn(file.Name, newCSVReader(src))
		src.Close()
		if err != nil {
			return err
		}
	}
	if !found {
		return ErrNoCSV
	}
	return nil
}

// Extract unpacks the zip archive at path into destination and returns the
// extracted file paths.
func Extract(path, destination string) ([]string, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(destination, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", destination, err)
	}

	var extracted []string
	for _, file := range reader.File {
		target, err := sanitizeEntryPath(destination, file.Name)
		if err != nil {
			return extracted, err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return extracted, fmt.Errorf("mkdir %s: %w", target, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return extracted, fmt.Errorf("mkdir %s: %w", target, err)
		}

		src, err := file.Open()
		if err != nil {
			return extracted, fmt.Errorf("open zip entry: %w", err)
		}
		if err := writeFileAtomic(target, src, 0o640); err != nil {
			src.Close()
			return extracted, err
		}
		src.Close()
		extracted = append(extracted, target)
	}

	return extracted, nil
}

func isCSV(file *zip.File) bool {
	return !file.FileInfo().IsDir() && strings.EqualFold(filepath.Ext(file.Name), ".csv")
}

func newCSVReader(r io.Reader) *csv.Reader {
	buffered := bufio.NewReader(r)
	if prefix, err := buffered.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, utf8BOM) {
		_, _ = buffered.Discard(len(utf8BOM))
	}
	reader := csv.NewReader(buffered)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return reader
}

func readHeader(r io.Reader) ([]string, error) {
	header, err := newCSVReader(r).Read()
	if err == io.EOF {
		return nil, errors.New("csv has no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	return header, nil
}
