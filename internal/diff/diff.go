package diff

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"httt-dev/lo-recover/internal/models"
)

// Lister lists the large object OIDs a database holds between two bounds, both inclusive
type Lister interface {
	ListOIDs(ctx context.Context, low, high models.OID) ([]models.OID, error)
}

// QueryError reports that the existence scan of a range failed on one side
type QueryError struct {
	Range models.Range
	Side  models.Side
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("error listing oid from %s on %s db: %v", e.Range, e.Side, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Backoff bounds used between scan attempts
var (
	InitialBackoff = 100 * time.Millisecond
	MaxBackoff     = 5 * time.Second
)

// Missing returns the OIDs of r present in source but absent in target, in
// ascending order. Each scan is tried up to attempts times.
func Missing(ctx context.Context, r models.Range, source, target Lister, attempts int) ([]models.OID, error) {
	targetOIDs, err := scan(ctx, r, models.Target, target, attempts)
	if err != nil {
		return nil, err
	}
	present := make(map[models.OID]struct{}, len(targetOIDs))
	for _, oid := range targetOIDs {
		present[oid] = struct{}{}
	}

	sourceOIDs, err := scan(ctx, r, models.Source, source, attempts)
	if err != nil {
		return nil, err
	}

	missing := make(map[models.OID]struct{})
	for _, oid := range sourceOIDs {
		if _, ok := present[oid]; !ok {
			missing[oid] = struct{}{}
		}
	}

	result := make([]models.OID, 0, len(missing))
	for oid := range missing {
		result = append(result, oid)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func scan(ctx context.Context, r models.Range, side models.Side, db Lister, attempts int) ([]models.OID, error) {
	var oids []models.OID
	err := retryWithBackoff(ctx, attempts, func() error {
		var err error
		oids, err = db.ListOIDs(ctx, r.First(), r.Last())
		if err != nil {
			log.Printf("Listing oid from %s on %s db failed: %v", r, side, err)
		}
		return err
	})
	if err != nil {
		return nil, &QueryError{Range: r, Side: side, Err: err}
	}
	return oids, nil
}

// retryWithBackoff executes a function with exponential backoff retry
func retryWithBackoff(ctx context.Context, attempts int, operation func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	backoff := InitialBackoff

	for i := 0; i < attempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > MaxBackoff {
				backoff = MaxBackoff
			}
		}
	}
	return err
}
