package diff

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"httt-dev/lo-recover/internal/models"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	InitialBackoff = time.Millisecond
	os.Exit(m.Run())
}

// store answers ListOIDs from a fixed set, failing the first failures calls
type store struct {
	oids     []models.OID
	failures int
	calls    int
	bounds   [][2]models.OID
}

func (s *store) ListOIDs(_ context.Context, low, high models.OID) ([]models.OID, error) {
	s.calls++
	s.bounds = append(s.bounds, [2]models.OID{low, high})
	if s.calls <= s.failures {
		return nil, errors.New("connection reset")
	}
	var out []models.OID
	for _, oid := range s.oids {
		if oid >= low && oid <= high {
			out = append(out, oid)
		}
	}
	return out, nil
}

func TestMissingExampleScenario(t *testing.T) {
	source := &store{oids: []models.OID{101, 205, 999}}
	target := &store{oids: []models.OID{101}}

	got, err := Missing(context.Background(), models.Range{Low: 0, High: 1000}, source, target, 2)
	require.NoError(t, err)
	assert.Equal(t, []models.OID{205, 999}, got)
}

func TestMissingUsesSameInclusiveBounds(t *testing.T) {
	source := &store{oids: []models.OID{999, 1000, 1999, 2000}}
	target := &store{}

	got, err := Missing(context.Background(), models.Range{Low: 1000, High: 2000}, source, target, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.OID{1000, 1999}, got)
	assert.Equal(t, [][2]models.OID{{1000, 1999}}, source.bounds)
	assert.Equal(t, source.bounds, target.bounds)
}

func TestMissingEmptyWhenReconciled(t *testing.T) {
	source := &store{oids: []models.OID{5, 6}}
	target := &store{oids: []models.OID{5, 6, 7}}

	got, err := Missing(context.Background(), models.Range{Low: 0, High: 10}, source, target, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMissingDeduplicatesSourceRows(t *testing.T) {
	source := &store{oids: []models.OID{8, 8, 9}}
	target := &store{}

	got, err := Missing(context.Background(), models.Range{Low: 0, High: 10}, source, target, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.OID{8, 9}, got)
}

func TestMissingRetriesOnce(t *testing.T) {
	source := &store{oids: []models.OID{1}, failures: 1}
	target := &store{}

	got, err := Missing(context.Background(), models.Range{Low: 0, High: 10}, source, target, 2)
	require.NoError(t, err)
	assert.Equal(t, []models.OID{1}, got)
	assert.Equal(t, 2, source.calls)
}

func TestMissingFailsRangeAfterRetry(t *testing.T) {
	source := &store{oids: []models.OID{1}}
	target := &store{failures: 2}
	r := models.Range{Low: 0, High: 10}

	_, err := Missing(context.Background(), r, source, target, 2)
	require.Error(t, err)

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, models.Target, qe.Side)
	assert.Equal(t, r, qe.Range)
	assert.Equal(t, 2, target.calls)
	assert.Equal(t, 0, source.calls, "source is not scanned once the target scan failed")
}

func TestMissingStopsOnCancel(t *testing.T) {
	prev := InitialBackoff
	InitialBackoff = time.Hour
	defer func() { InitialBackoff = prev }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	target := &store{failures: 5}
	_, err := Missing(ctx, models.Range{Low: 0, High: 10}, &store{}, target, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, target.calls)
}
