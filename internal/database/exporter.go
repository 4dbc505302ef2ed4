package database

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"httt-dev/lo-recover/internal/models"
)

// ObjectExporter writes the full content of one source large object into w
type ObjectExporter interface {
	Export(ctx context.Context, oid models.OID, w io.Writer) error
}

// LargeObjectReader is the part of a source connection the native exporter needs
type LargeObjectReader interface {
	ExportObject(ctx context.Context, oid models.OID, w io.Writer) error
}

// NativeExporter reads objects through the client large-object API
type NativeExporter struct {
	Source LargeObjectReader
}

func (e NativeExporter) Export(ctx context.Context, oid models.OID, w io.Writer) error {
	return e.Source.ExportObject(ctx, oid, w)
}

// PsqlExporter shells out to psql's \lo_export and copies the exported file.
// ConnString must not carry the password; Password is handed to psql through
// PGPASSWORD so it never shows up in the process list.
type PsqlExporter struct {
	Psql       string
	ConnString string
	Password   string
	Dir        string
}

// NewPsqlExporter creates a psql based exporter; dir holds its temp files and
// may be empty to use the system temp directory.
func NewPsqlExporter(psql, connString, password, dir string) *PsqlExporter {
	return &PsqlExporter{Psql: psql, ConnString: connString, Password: password, Dir: dir}
}

// psqlQuote quotes s as a single-quoted psql meta-command argument
func psqlQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (e *PsqlExporter) Export(ctx context.Context, oid models.OID, w io.Writer) error {
	tmp, err := os.CreateTemp(e.Dir, fmt.Sprintf("lo_%d_*.export", oid))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	meta := fmt.Sprintf(`\lo_export %d %s`, oid, psqlQuote(tmpName))
	cmd := exec.CommandContext(ctx, e.Psql, e.ConnString, "-X", "-q", "-v", "ON_ERROR_STOP=1", "-c", meta)
	if e.Password != "" {
		cmd.Env = append(os.Environ(), "PGPASSWORD="+e.Password)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("psql lo_export %d: %w: %s", oid, err, strings.TrimSpace(string(out)))
	}

	f, err := os.Open(tmpName)
	if err != nil {
		return fmt.Errorf("failed to open exported file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to copy exported file: %w", err)
	}
	return nil
}
