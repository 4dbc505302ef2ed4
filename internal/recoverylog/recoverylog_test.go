package recoverylog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"httt-dev/lo-recover/internal/models"
)

func paths(t *testing.T) (string, string) {
	dir := t.TempDir()
	return filepath.Join(dir, "log_success"), filepath.Join(dir, "log_failure")
}

func lines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	trimmed := strings.TrimSuffix(string(data), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func TestRecordWritesOneLinePerOID(t *testing.T) {
	successPath, failurePath := paths(t)
	l, err := Open(successPath, failurePath)
	require.NoError(t, err)

	require.NoError(t, l.RecordSuccess(205))
	require.NoError(t, l.RecordSuccess(999))
	require.NoError(t, l.RecordFailure(4294967295))
	require.NoError(t, l.Close())

	assert.Equal(t, []string{"205", "999"}, lines(t, successPath))
	assert.Equal(t, []string{"4294967295"}, lines(t, failurePath))
}

func TestOpenAppendsToExistingLogs(t *testing.T) {
	successPath, failurePath := paths(t)
	require.NoError(t, os.WriteFile(successPath, []byte("1\n"), 0o644))

	l, err := Open(successPath, failurePath)
	require.NoError(t, err)
	require.NoError(t, l.RecordSuccess(2))
	require.NoError(t, l.Close())

	l, err = Open(successPath, failurePath)
	require.NoError(t, err)
	require.NoError(t, l.RecordSuccess(3))
	require.NoError(t, l.Close())

	assert.Equal(t, []string{"1", "2", "3"}, lines(t, successPath))
	assert.Empty(t, lines(t, failurePath))
}

func TestConcurrentWorkersShareLogs(t *testing.T) {
	successPath, failurePath := paths(t)
	const workers, perWorker = 8, 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			l, err := Open(successPath, failurePath)
			if !assert.NoError(t, err) {
				return
			}
			defer l.Close()
			for i := 0; i < perWorker; i++ {
				assert.NoError(t, l.RecordSuccess(models.OID(w*perWorker+i)))
			}
		}(w)
	}
	wg.Wait()

	got := lines(t, successPath)
	require.Len(t, got, workers*perWorker)

	oids, err := ReadOIDs(successPath)
	require.NoError(t, err)
	assert.Len(t, oids, workers*perWorker)
	sort.Strings(got)
	assert.Equal(t, "0", got[0])
}

func TestRecordAfterCloseFails(t *testing.T) {
	successPath, failurePath := paths(t)
	l, err := Open(successPath, failurePath)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	err = l.RecordFailure(7)
	require.Error(t, err)
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, failurePath, we.Path)
}

func TestOpenUnwritableDirectory(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing", "log_success")
	_, err := Open(missing, missing+"_failure")
	var we *WriteError
	require.ErrorAs(t, err, &we)
}

func TestReadOIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log_failure")
	require.NoError(t, os.WriteFile(path, []byte("101\n\n  205 \nnot-an-oid\n101\n99999999999\n"), 0o644))

	oids, err := ReadOIDs(path)
	require.NoError(t, err)
	assert.Equal(t, map[models.OID]struct{}{101: {}, 205: {}}, oids)
}

func TestReadOIDsMissingFile(t *testing.T) {
	oids, err := ReadOIDs(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, oids)
}
