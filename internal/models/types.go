package models

import "fmt"

// OID identifies one large object inside a database
type OID uint32

// MaxOID is the largest value an OID can take
const MaxOID = OID(^uint32(0))

// Side names one of the two databases taking part in a run
type Side string

const (
	Source Side = "source"
	Target Side = "target"
)

// Range is the half-open interval [Low, High) of OIDs handled as one unit of work
type Range struct {
	Low  uint64
	High uint64
}

// First returns the lowest OID inside the range
func (r Range) First() OID {
	return OID(r.Low)
}

// Last returns the highest OID inside the range
func (r Range) Last() OID {
	return OID(r.High - 1)
}

// Len returns the number of OIDs the range covers
func (r Range) Len() uint64 {
	return r.High - r.Low
}

// Contains reports whether oid falls inside the range
func (r Range) Contains(oid OID) bool {
	v := uint64(oid)
	return v >= r.Low && v < r.High
}

func (r Range) String() string {
	return fmt.Sprintf("%d to %d", r.First(), r.Last())
}

// Stage is the step of an object transfer that produced an error
type Stage string

const (
	StageStage  Stage = "stage"
	StageExport Stage = "export"
	StageCreate Stage = "create"
	StageWrite  Stage = "write"
	StageCommit Stage = "commit"
)

// RangeSummary holds the outcome counters for a single range
type RangeSummary struct {
	Range     Range
	Missing   int
	Recovered int
	Failed    int
	Skipped   int
	DiffError error
}

// Summary holds the outcome counters for a worker or a whole run
type Summary struct {
	Ranges       int
	RangesFailed int
	Missing      int
	Recovered    int
	Failed       int
	Skipped      int
}

// Add folds a range outcome into the summary
func (s *Summary) Add(rs RangeSummary) {
	s.Ranges++
	if rs.DiffError != nil {
		s.RangesFailed++
	}
	s.Missing += rs.Missing
	s.Recovered += rs.Recovered
	s.Failed += rs.Failed
	s.Skipped += rs.Skipped
}

// Merge folds another summary into s
func (s *Summary) Merge(o Summary) {
	s.Ranges += o.Ranges
	s.RangesFailed += o.RangesFailed
	s.Missing += o.Missing
	s.Recovered += o.Recovered
	s.Failed += o.Failed
	s.Skipped += o.Skipped
}

// HasFailures reports whether any OID or range failed
func (s Summary) HasFailures() bool {
	return s.Failed > 0 || s.RangesFailed > 0
}

// Constants for recovery configuration
const (
	DefaultStep         = 1000
	DefaultWorkers      = 10
	DefaultMinOID       = 90_000
	DefaultMaxOID       = 100_000
	DefaultDiffAttempts = 2
	DefaultSuccessLog   = "log_success"
	DefaultFailureLog   = "log_failure"
)
