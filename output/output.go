// Package output publishes result files all-or-nothing. Content is
// written to a temporary file in the destination directory, synced and
// then moved over the final name, so readers never observe a partial
// file and a failed write never truncates an existing one.
package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/op/go-logging"
)

// log is the global logging variable.
var log = logging.MustGetLogger("output")

// ErrExists is returned when the destination exists and overwriting
// was not requested.
var ErrExists = errors.New("output file exists")

// Check returns an error wrapping ErrExists if path exists and
// overwrite is false. It is meant to be called before expensive
// computations whose result would go to path.
func Check(path string, overwrite bool) error {
	if overwrite || path == "" {
		return nil
	}
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return fmt.Errorf("%s: %w", path, ErrExists)
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

// WriteFile calls write with a buffered writer and publishes the
// result under path. Without overwrite the final step fails with
// ErrExists if path appeared in the meantime.
func WriteFile(path string, overwrite bool, write func(io.Writer) error) (err error) {
	if err = Check(path, overwrite); err != nil {
		return err
	}
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if err = f.Chmod(0644); err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err = write(w); err != nil {
		return err
	}
	if err = w.Flush(); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}

	if overwrite {
		err = os.Rename(tmp, path)
		if err == nil {
			log.Debugf("Wrote %s", path)
		}
		return err
	}

	// a hard link fails if the name is taken, unlike rename
	if err = os.Link(tmp, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
		return err
	}
	os.Remove(tmp)
	log.Debugf("Wrote %s", path)
	return nil
}

// WriteString publishes a string under path.
func WriteString(path string, overwrite bool, s string) error {
	return WriteFile(path, overwrite, func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	})
}
