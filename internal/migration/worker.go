package migration

import (
	"context"
	"errors"
	"fmt"
	"log"

	"httt-dev/lo-recover/internal/database"
	"httt-dev/lo-recover/internal/diff"
	"httt-dev/lo-recover/internal/models"
	"httt-dev/lo-recover/internal/recoverylog"
)

// Worker drains ranges from the shared queue and recovers their missing objects
type Worker struct {
	workerID     int
	queue        <-chan models.Range
	transfer     *Transferer
	successLog   string
	failureLog   string
	diffAttempts int
	skip         map[models.OID]struct{}
	summary      models.Summary
}

// NewWorker creates a new worker
func NewWorker(
	workerID int,
	queue <-chan models.Range,
	transfer *Transferer,
	successLog string,
	failureLog string,
	diffAttempts int,
	skip map[models.OID]struct{},
) *Worker {
	return &Worker{
		workerID:     workerID,
		queue:        queue,
		transfer:     transfer,
		successLog:   successLog,
		failureLog:   failureLog,
		diffAttempts: diffAttempts,
		skip:         skip,
	}
}

// Summary returns the counters of every range the worker processed
func (w *Worker) Summary() models.Summary {
	return w.summary
}

// Start runs until the queue is empty or ctx is cancelled. Errors returned are
// fatal for this worker only: a failed connection at start or a recovery log
// that can no longer be written.
func (w *Worker) Start(ctx context.Context) (err error) {
	log.Printf("start worker: %d", w.workerID)

	defer w.transfer.Close(context.WithoutCancel(ctx))
	if err := w.transfer.Open(ctx); err != nil {
		return fmt.Errorf("worker %d: %w", w.workerID, err)
	}

	rlog, err := recoverylog.Open(w.successLog, w.failureLog)
	if err != nil {
		return fmt.Errorf("worker %d: %w", w.workerID, err)
	}
	defer func() {
		if cerr := rlog.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("worker %d: %w", w.workerID, cerr)
		}
	}()

	for r := range w.queue {
		if ctx.Err() != nil {
			log.Printf("Worker %d: received cancellation signal, stopping...", w.workerID)
			return nil
		}
		rs, done, err := w.processRange(ctx, rlog, r)
		if done {
			w.summary.Add(rs)
		}
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.workerID, err)
		}
	}

	log.Printf("Worker %d: finished processing", w.workerID)
	return nil
}

// processRange reports done=false when ctx was cancelled before the range was
// diffed; such a range is neither counted nor failed.
func (w *Worker) processRange(ctx context.Context, rlog *recoverylog.Log, r models.Range) (models.RangeSummary, bool, error) {
	log.Printf("recovering oid from %d to %d ...", r.First(), r.Last())
	rs := models.RangeSummary{Range: r}

	src, dst, err := w.transfer.Connections(ctx)
	if err != nil && ctx.Err() != nil {
		log.Printf("Worker %d: received cancellation signal, stopping...", w.workerID)
		return rs, false, nil
	}
	if err != nil {
		rs.DiffError = err
		log.Printf("\033[31m[ERROR] Worker %d: skipping oid from %d to %d: %v\033[0m", w.workerID, r.First(), r.Last(), err)
		return rs, true, nil
	}

	missing, err := diff.Missing(ctx, r, src, dst, w.diffAttempts)
	if err != nil && ctx.Err() != nil {
		log.Printf("Worker %d: received cancellation signal while listing oid from %d to %d", w.workerID, r.First(), r.Last())
		return rs, false, nil
	}
	if err != nil {
		rs.DiffError = err
		log.Printf("\033[31m[ERROR] Worker %d: failed to diff oid from %d to %d: %v\033[0m", w.workerID, r.First(), r.Last(), err)
		var qe *diff.QueryError
		if errors.As(err, &qe) {
			w.reset(ctx, qe.Side)
		}
		return rs, true, nil
	}

	if len(missing) == 0 {
		log.Printf("No missing oid from %d to %d", r.First(), r.Last())
		return rs, true, nil
	}
	rs.Missing = len(missing)
	log.Printf("%d missing oid from %d to %d", len(missing), r.First(), r.Last())

	for _, oid := range missing {
		if ctx.Err() != nil {
			log.Printf("Worker %d: received cancellation signal, stopping at oid %d", w.workerID, oid)
			return rs, true, nil
		}
		if _, ok := w.skip[oid]; ok {
			rs.Skipped++
			log.Printf("Skipping oid %d, listed in %s", oid, w.failureLog)
			continue
		}

		// the current object is finished even when ctx is cancelled meanwhile
		if err := w.transfer.Transfer(context.WithoutCancel(ctx), oid); err != nil {
			rs.Failed++
			log.Printf("\033[31m[ERROR] Failed to recover for oid: %d, error: %v\033[0m", oid, err)
			if database.IsDuplicateObject(err) {
				log.Printf("oid %d was created on %s db by someone else after the diff", oid, models.Target)
			}
			if lerr := rlog.RecordFailure(oid); lerr != nil {
				return rs, true, lerr
			}
			w.resetAfterFailure(ctx, err)
			continue
		}

		rs.Recovered++
		log.Printf("Successfully recovered for oid: %d", oid)
		if lerr := rlog.RecordSuccess(oid); lerr != nil {
			return rs, true, lerr
		}
	}
	return rs, true, nil
}

// resetAfterFailure always replaces the target connection; the source one is
// replaced too when the export step failed.
func (w *Worker) resetAfterFailure(ctx context.Context, err error) {
	var te *TransferError
	if errors.As(err, &te) && te.Stage == models.StageExport {
		w.reset(ctx, models.Source)
	}
	w.reset(ctx, models.Target)
}

func (w *Worker) reset(ctx context.Context, side models.Side) {
	if err := w.transfer.ResetConnection(context.WithoutCancel(ctx), side); err != nil {
		log.Printf("\033[31m[ERROR] Worker %d: failed to reconnect %s db: %v\033[0m", w.workerID, side, err)
	}
}
