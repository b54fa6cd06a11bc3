// Package logsink implements the single open build log that every
// subprocess invoked for a build writes into, plus the tail-extraction
// and credential-scrubbing rules applied to it.
package logsink

import (
	"bufio"
	"bytes"
	"io"
	"log"
	"os"

	"golang.org/x/xerrors"
)

const tailMaxBytes = 2048

// Sink owns the single append-only buildlog file for the build currently
// in progress. It is process-wide: there is one Sink per worker, reset
// by Reopen at the start of every build and destroyed by Remove at
// clean.
type Sink struct {
	path       string
	unsanPath  string
	f          *os.File
	procLogger *log.Logger
}

// New creates a Sink whose buildlog lives at path, and whose unsanitized
// backup (used transiently during sanitization) lives at unsanitizedPath.
func New(path, unsanitizedPath string, procLogger *log.Logger) *Sink {
	return &Sink{path: path, unsanPath: unsanitizedPath, procLogger: procLogger}
}

// Path returns the on-disk path of the buildlog file, for callers (e.g.
// a build-type manager scanning for a dep-wait reason) that need to read
// it directly rather than through Tail's 2 KiB window.
func (s *Sink) Path() string { return s.path }

// Reopen truncates (or creates) the buildlog file, ready for a new
// build. Any previously open file is closed first.
func (s *Sink) Reopen() error {
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return xerrors.Errorf("logsink: %w", err)
	}
	s.f = f
	return nil
}

// Write appends data to the buildlog and forwards a copy, with its
// trailing newline stripped, to the process logger. It implements
// io.Writer so it can be handed directly to a subprocess's stdout/stderr
// pipes.
func (s *Sink) Write(data []byte) (int, error) {
	if s.f != nil {
		if _, err := s.f.Write(data); err != nil {
			return 0, xerrors.Errorf("logsink: %w", err)
		}
	}
	if s.procLogger != nil {
		text := bytes.TrimSuffix(data, []byte("\n"))
		s.procLogger.Printf("Build log: %s", text)
	}
	return len(data), nil
}

// Close closes the underlying buildlog file, if open.
func (s *Sink) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Remove closes and deletes the buildlog file, used by the builder
// facade's clean() transition.
func (s *Sink) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("logsink: %w", err)
	}
	return nil
}

// Tail returns at most the last 2 KiB of the buildlog. If sanitize is
// true, the excerpt is scrubbed per the package-level scrub rules, and
// its first (possibly truncated) line is dropped first, since a
// password could be split across the chunk boundary.
//
// It is not an error for the buildlog to be absent (e.g. a race with
// clean() or sanitization): an empty slice is returned instead.
func (s *Sink) Tail(sanitize bool) ([]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("logsink: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, xerrors.Errorf("logsink: %w", err)
	}
	count := fi.Size()
	if count > tailMaxBytes {
		count = tailMaxBytes
	}
	if _, err := f.Seek(-count, io.SeekEnd); err != nil {
		return nil, xerrors.Errorf("logsink: %w", err)
	}
	buf := make([]byte, count)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, xerrors.Errorf("logsink: %w", err)
	}

	if !sanitize {
		return buf, nil
	}

	lines := bytes.Split(buf, []byte("\n"))
	if len(lines) > 1 {
		lines = lines[1:]
	} else {
		lines = nil
	}
	return bytes.Join(ScrubLines(lines), []byte("\n")), nil
}

// Sanitize rewrites the buildlog in place, scrubbing every line, for
// builds that require sanitized logs (private archives, and builds whose
// manager's SanitizesLog reports true). It renames the current buildlog to
// its ".unsanitized" sibling first so that a crash mid-rewrite never
// loses data.
func (s *Sink) Sanitize() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Rename(s.path, s.unsanPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Errorf("logsink: %w", err)
	}

	in, err := os.Open(s.unsanPath)
	if err != nil {
		return xerrors.Errorf("logsink: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return xerrors.Errorf("logsink: %w", err)
	}
	defer out.Close()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	w := bufio.NewWriter(out)
	for scanner.Scan() {
		if _, err := w.Write(ScrubLine(scanner.Bytes())); err != nil {
			return xerrors.Errorf("logsink: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return xerrors.Errorf("logsink: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Errorf("logsink: %w", err)
	}
	return w.Flush()
}
