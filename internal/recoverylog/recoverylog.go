// Package recoverylog appends per-OID outcomes to the success and failure logs.
//
// Both files are opened in append mode and every record is a single
// "<oid>\n" write, so several workers may share the same paths: their lines
// interleave but never overwrite each other.
package recoverylog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"httt-dev/lo-recover/internal/models"
)

// WriteError reports that a record could not be appended
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write recovery log %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Log is one worker's handle on the success and failure logs
type Log struct {
	success *os.File
	failure *os.File
}

// Open opens both logs for appending, creating them when needed
func Open(successPath, failurePath string) (*Log, error) {
	success, err := openAppend(successPath)
	if err != nil {
		return nil, err
	}
	failure, err := openAppend(failurePath)
	if err != nil {
		success.Close()
		return nil, err
	}
	return &Log{success: success, failure: failure}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &WriteError{Path: path, Err: err}
	}
	return f, nil
}

// RecordSuccess appends oid to the success log
func (l *Log) RecordSuccess(oid models.OID) error {
	return writeOID(l.success, oid)
}

// RecordFailure appends oid to the failure log
func (l *Log) RecordFailure(oid models.OID) error {
	return writeOID(l.failure, oid)
}

func writeOID(f *os.File, oid models.OID) error {
	line := strconv.AppendUint(nil, uint64(oid), 10)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return &WriteError{Path: f.Name(), Err: err}
	}
	return nil
}

// Close flushes both logs to disk and closes them
func (l *Log) Close() error {
	var errs []error
	for _, f := range []*os.File{l.success, l.failure} {
		if err := f.Sync(); err != nil {
			errs = append(errs, &WriteError{Path: f.Name(), Err: err})
		}
		if err := f.Close(); err != nil {
			errs = append(errs, &WriteError{Path: f.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// ReadOIDs loads every OID listed in a log. A missing file yields an empty set;
// blank or malformed lines are skipped.
func ReadOIDs(path string) (map[models.OID]struct{}, error) {
	oids := make(map[models.OID]struct{})

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return oids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open recovery log %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		v, err := strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 32)
		if err != nil {
			continue
		}
		oids[models.OID(v)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recovery log %s: %w", path, err)
	}
	return oids, nil
}
