// Package logstore keeps the per-process stdout/stderr files of tracked commands.
//
// Files are named {pid}.stdout.log and {pid}.stderr.log inside the store
// directory. They are append-only, never rotated, and only Open and Delete
// mutate storage. Read failures are not returned as errors: they are embedded
// in the returned text as a sentinel so callers can display them like any
// other output while still being able to detect them with IsReadError.
package logstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// TruncationMarker prefixes ReadLastChars output when older content was cut.
const TruncationMarker = "...[truncated]\n"

const readErrorPrefix = "[log read error: "

// Store manages log files under a single directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// Handles are the writable log files of one process and where they live.
type Handles struct {
	Stdout     *os.File
	Stderr     *os.File
	StdoutPath string
	StderrPath string
}

// Close syncs and closes both files.
func (h *Handles) Close() error {
	var errs []error
	for _, f := range []*os.File{h.Stdout, h.Stderr} {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// Dir returns the base directory.
func (s *Store) Dir() string { return s.dir }

// Paths returns the stdout and stderr log paths for pid.
func (s *Store) Paths(pid int) (string, string) {
	p := strconv.Itoa(pid)
	return filepath.Join(s.dir, p+".stdout.log"), filepath.Join(s.dir, p+".stderr.log")
}

// OpenPending creates a fresh pair of log files under a temporary name so a
// child can be started with them before its pid is known. Bind gives them
// their final names.
func (s *Store) OpenPending() (*Handles, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	base := filepath.Join(s.dir, "pending-"+uuid.NewString())
	h := &Handles{StdoutPath: base + ".stdout.log", StderrPath: base + ".stderr.log"}
	var err error
	if h.Stdout, err = openAppend(h.StdoutPath); err != nil {
		return nil, err
	}
	if h.Stderr, err = openAppend(h.StderrPath); err != nil {
		_ = h.Stdout.Close()
		_ = os.Remove(h.StdoutPath)
		return nil, err
	}
	return h, nil
}

// Bind renames pending files to the log paths of pid. Open descriptors keep
// writing to the renamed files. When a rename fails (open files cannot be
// renamed on Windows) the pending name stays in use and is reported in h.
func (s *Store) Bind(h *Handles, pid int) error {
	outPath, errPath := s.Paths(pid)
	var errs []error
	if err := os.Rename(h.StdoutPath, outPath); err != nil {
		errs = append(errs, err)
	} else {
		h.StdoutPath = outPath
	}
	if err := os.Rename(h.StderrPath, errPath); err != nil {
		errs = append(errs, err)
	} else {
		h.StderrPath = errPath
	}
	return errors.Join(errs...)
}

func openAppend(path string) (*os.File, error) {
	// #nosec G304 -- path is built from the store dir and a numeric pid
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, nil
}

// ReadTail returns the last n non-empty lines of path, or the whole file when
// n <= 0. A missing file yields "".
func (s *Store) ReadTail(path string, n int) string {
	b, ok := s.readAll(path)
	if !ok {
		return string(b)
	}
	if n <= 0 {
		return string(b)
	}
	return TailLines(string(b), n)
}

// TailLines keeps the last n non-empty lines of text. A trailing newline is
// preserved when the input ends with one.
func TailLines(text string, n int) string {
	if n <= 0 || text == "" {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		kept = append(kept, lines[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	out := strings.Join(kept, "\n")
	if out != "" && strings.HasSuffix(text, "\n") {
		out += "\n"
	}
	return out
}

// ReadLastChars returns at most maxChars trailing characters of path,
// prefixed with TruncationMarker when content was cut. Only the end of the
// file is read.
func (s *Store) ReadLastChars(path string, maxChars int) string {
	if maxChars <= 0 {
		b, _ := s.readAll(path)
		return string(b)
	}
	// #nosec G304 -- paths come from tracked records
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ""
		}
		return s.readError(path, err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return s.readError(path, err)
	}

	from := st.Size() - int64(utf8.UTFMax*maxChars)
	if from <= 0 {
		b, err := io.ReadAll(f)
		if err != nil {
			return s.readError(path, err)
		}
		return LastChars(string(b), maxChars)
	}
	buf := make([]byte, st.Size()-from)
	n, err := f.ReadAt(buf, from)
	if err != nil && !errors.Is(err, io.EOF) {
		return s.readError(path, err)
	}
	buf = buf[:n]
	// skip a rune split by the seek
	for len(buf) > 0 && !utf8.RuneStart(buf[0]) {
		buf = buf[1:]
	}
	text := string(buf)
	if utf8.RuneCountInString(text) > maxChars {
		return LastChars(text, maxChars)
	}
	// older content exists before the window
	return TruncationMarker + text
}

// LastChars applies the ReadLastChars truncation rule to text.
func LastChars(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	return TruncationMarker + string(runes[len(runes)-maxChars:])
}

// ReadRange returns the bytes of path starting at from, up to maxBytes
// (unbounded when maxBytes <= 0), and the offset just past what was read.
// A missing file, or an offset at or past EOF, yields ("", from).
func (s *Store) ReadRange(path string, from int64, maxBytes int64) (string, int64) {
	if from < 0 {
		from = 0
	}
	// #nosec G304 -- paths come from tracked records
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", from
		}
		return s.readError(path, err), from
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return s.readError(path, err), from
	}
	size := st.Size()
	if from >= size {
		return "", from
	}
	n := size - from
	if maxBytes > 0 && n > maxBytes {
		n = maxBytes
	}
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, from)
	if err != nil && !errors.Is(err, io.EOF) {
		return s.readError(path, err), from
	}
	return string(buf[:read]), from + int64(read)
}

// Delete unlinks every path. Missing files count as deleted.
func (s *Store) Delete(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsReadError reports whether text carries the read-failure sentinel.
func IsReadError(text string) bool {
	return strings.HasPrefix(text, readErrorPrefix)
}

func (s *Store) readAll(path string) ([]byte, bool) {
	// #nosec G304 -- paths come from tracked records
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false
		}
		return []byte(s.readError(path, err)), false
	}
	return b, true
}

func (s *Store) readError(path string, err error) string {
	s.logger.Warn("log read failed", "path", path, "error", err)
	return readErrorPrefix + err.Error() + "]"
}
