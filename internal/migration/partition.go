package migration

import (
	"fmt"

	"httt-dev/lo-recover/internal/models"
)

// Partition splits [minOID, maxOID] into ranges of width step. The last range
// is truncated at maxOID.
func Partition(minOID, maxOID models.OID, step int) ([]models.Range, error) {
	if step < 1 {
		return nil, fmt.Errorf("step must be at least 1, got %d", step)
	}
	if minOID > maxOID {
		return nil, fmt.Errorf("min oid %d is greater than max oid %d", minOID, maxOID)
	}

	end := uint64(maxOID) + 1
	width := uint64(step)
	count := (end - uint64(minOID) + width - 1) / width

	ranges := make([]models.Range, 0, count)
	for low := uint64(minOID); low < end; low += width {
		high := low + width
		if high > end {
			high = end
		}
		ranges = append(ranges, models.Range{Low: low, High: high})
	}
	return ranges, nil
}

// NewQueue returns a closed channel holding every range. Workers drain it with
// range; once it is empty there is no more work.
func NewQueue(ranges []models.Range) <-chan models.Range {
	queue := make(chan models.Range, len(ranges))
	for _, r := range ranges {
		queue <- r
	}
	close(queue)
	return queue
}
