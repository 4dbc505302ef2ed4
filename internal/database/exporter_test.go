package database

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"httt-dev/lo-recover/internal/models"
)

type readerFunc func(ctx context.Context, oid models.OID, w io.Writer) error

func (f readerFunc) ExportObject(ctx context.Context, oid models.OID, w io.Writer) error {
	return f(ctx, oid, w)
}

func TestNativeExporterDelegates(t *testing.T) {
	var got models.OID
	exp := NativeExporter{Source: readerFunc(func(_ context.Context, oid models.OID, w io.Writer) error {
		got = oid
		_, err := w.Write([]byte("content"))
		return err
	})}

	var buf bytes.Buffer
	require.NoError(t, exp.Export(context.Background(), 205, &buf))
	assert.Equal(t, models.OID(205), got)
	assert.Equal(t, "content", buf.String())
}

func TestNativeExporterPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	exp := NativeExporter{Source: readerFunc(func(context.Context, models.OID, io.Writer) error { return boom })}
	assert.ErrorIs(t, exp.Export(context.Background(), 1, io.Discard), boom)
}

// fakePsql writes a shell script standing in for psql
func fakePsql(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in for psql needs a unix shell")
	}
	path := filepath.Join(t.TempDir(), "psql")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestPsqlExporterCopiesExportedFile(t *testing.T) {
	// argv: conn -X -q -v ON_ERROR_STOP=1 -c "\lo_export <oid> '<file>'"
	psql := fakePsql(t, `
meta="$7"
file=$(printf '%s\n' "$meta" | sed "s/.*'\(.*\)'.*/\1/")
oid=$(printf '%s\n' "$meta" | awk '{print $2}')
printf "payload-%s" "$oid" > "$file"
`)
	dir := t.TempDir()
	exp := NewPsqlExporter(psql, "postgres://u@db:5432/app", "p", dir)

	var buf bytes.Buffer
	require.NoError(t, exp.Export(context.Background(), 999, &buf))
	assert.Equal(t, "payload-999", buf.String())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp export file must be removed")
}

func TestPsqlExporterQuotesPathAndHidesPassword(t *testing.T) {
	psql := fakePsql(t, `
printf '%s\n%s\n' "$1" "$PGPASSWORD" > "$PSQL_ARGS_OUT"
meta="$7"
file=$(printf '%s\n' "$meta" | sed "s/^[^']*'\(.*\)'\$/\1/" | sed "s/''/'/g")
printf "payload" > "$file"
`)
	argsOut := filepath.Join(t.TempDir(), "args")
	t.Setenv("PSQL_ARGS_OUT", argsOut)
	dir := filepath.Join(t.TempDir(), "o'brien")
	require.NoError(t, os.Mkdir(dir, 0o755))
	exp := NewPsqlExporter(psql, "postgres://u@db:5432/app", "s3cr3t#pw", dir)

	var buf bytes.Buffer
	require.NoError(t, exp.Export(context.Background(), 5, &buf))
	assert.Equal(t, "payload", buf.String())

	args, err := os.ReadFile(argsOut)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u@db:5432/app\ns3cr3t#pw\n", string(args))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPsqlQuote(t *testing.T) {
	assert.Equal(t, `'/tmp/lo_1'`, psqlQuote("/tmp/lo_1"))
	assert.Equal(t, `'/tmp/o''brien/lo_1'`, psqlQuote("/tmp/o'brien/lo_1"))
	assert.Equal(t, `'C:\\tmp\\lo_1'`, psqlQuote(`C:\tmp\lo_1`))
}

func TestPsqlExporterFailureCleansUp(t *testing.T) {
	psql := fakePsql(t, `
echo "ERROR:  large object 7 does not exist" >&2
exit 1
`)
	dir := t.TempDir()
	exp := NewPsqlExporter(psql, "postgres://u@db:5432/app", "p", dir)

	err := exp.Export(context.Background(), 7, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPsqlExporterMissingBinary(t *testing.T) {
	exp := NewPsqlExporter(filepath.Join(t.TempDir(), "no-such-psql"), "postgres://db/app", "", t.TempDir())
	assert.Error(t, exp.Export(context.Background(), 1, io.Discard))
}
