package output

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func readFile(tst *testing.T, path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		tst.Fatal(err)
	}
	return string(b)
}

func TestWriteFile(tst *testing.T) {
	dir := tst.TempDir()
	path := filepath.Join(dir, "out.txt")

	if err := WriteString(path, false, "first\n"); err != nil {
		tst.Fatal(err)
	}
	if s := readFile(tst, path); s != "first\n" {
		tst.Errorf("Wrong content: %q", s)
	}

	err := WriteString(path, false, "second\n")
	if !errors.Is(err, ErrExists) {
		tst.Errorf("Expected ErrExists, got %v", err)
	}
	if s := readFile(tst, path); s != "first\n" {
		tst.Errorf("File modified without overwrite: %q", s)
	}

	if err := WriteString(path, true, "second\n"); err != nil {
		tst.Fatal(err)
	}
	if s := readFile(tst, path); s != "second\n" {
		tst.Errorf("Wrong content after overwrite: %q", s)
	}
}

func TestWriteFileFailure(tst *testing.T) {
	dir := tst.TempDir()
	path := filepath.Join(dir, "out.txt")
	if err := WriteString(path, false, "keep"); err != nil {
		tst.Fatal(err)
	}

	failure := errors.New("boom")
	err := WriteFile(path, true, func(w io.Writer) error {
		io.WriteString(w, "partial")
		return failure
	})
	if !errors.Is(err, failure) {
		tst.Errorf("Expected writer error, got %v", err)
	}
	if s := readFile(tst, path); s != "keep" {
		tst.Errorf("Existing file damaged: %q", s)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		tst.Fatal(err)
	}
	if len(entries) != 1 {
		tst.Errorf("Temporary files left behind: %v", entries)
	}
}

func TestCheck(tst *testing.T) {
	dir := tst.TempDir()
	path := filepath.Join(dir, "x")
	if err := Check(path, false); err != nil {
		tst.Error(err)
	}
	os.WriteFile(path, nil, 0644)
	if err := Check(path, false); !errors.Is(err, ErrExists) {
		tst.Error("Expected ErrExists, got", err)
	}
	if err := Check(path, true); err != nil {
		tst.Error(err)
	}
}
