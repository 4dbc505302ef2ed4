package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"httt-dev/lo-recover/internal/database"
	"httt-dev/lo-recover/internal/models"
)

// Conn is the part of a database connection the recovery needs
type Conn interface {
	ListOIDs(ctx context.Context, low, high models.OID) ([]models.OID, error)
	ExportObject(ctx context.Context, oid models.OID, w io.Writer) error
	ImportObject(ctx context.Context, oid models.OID, r io.Reader) error
	Close(ctx context.Context) error
}

// ConnectFunc opens a fresh connection to one side
type ConnectFunc func(ctx context.Context, side models.Side) (Conn, error)

// ExporterFunc binds an exporter to a source connection
type ExporterFunc func(source Conn) database.ObjectExporter

// closeTimeout bounds closing a connection that may already be broken
const closeTimeout = 5 * time.Second

// TransferError reports a failed object copy and the step it failed at
type TransferError struct {
	OID   models.OID
	Stage models.Stage
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("oid %d: %s failed: %v", e.OID, e.Stage, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Transferer copies objects from source to target over the two connections it owns
type Transferer struct {
	connect     ConnectFunc
	newExporter ExporterFunc
	stagingDir  string

	source   Conn
	target   Conn
	exporter database.ObjectExporter
}

// NewTransferer creates a transferer; no connection is opened until Open or the
// first Transfer.
func NewTransferer(connect ConnectFunc, newExporter ExporterFunc, stagingDir string) *Transferer {
	return &Transferer{
		connect:     connect,
		newExporter: newExporter,
		stagingDir:  stagingDir,
	}
}

// Open connects both sides
func (t *Transferer) Open(ctx context.Context) error {
	if _, err := t.conn(ctx, models.Source); err != nil {
		return err
	}
	if _, err := t.conn(ctx, models.Target); err != nil {
		return err
	}
	return nil
}

// Connections returns the live source and target connections, reconnecting
// any side whose previous reset failed.
func (t *Transferer) Connections(ctx context.Context) (Conn, Conn, error) {
	src, err := t.conn(ctx, models.Source)
	if err != nil {
		return nil, nil, err
	}
	dst, err := t.conn(ctx, models.Target)
	if err != nil {
		return nil, nil, err
	}
	return src, dst, nil
}

func (t *Transferer) conn(ctx context.Context, side models.Side) (Conn, error) {
	if c := t.slot(side); c != nil {
		return c, nil
	}
	c, err := t.connect(ctx, side)
	if err != nil {
		return nil, err
	}
	t.set(side, c)
	return c, nil
}

func (t *Transferer) slot(side models.Side) Conn {
	if side == models.Source {
		return t.source
	}
	return t.target
}

func (t *Transferer) set(side models.Side, c Conn) {
	if side == models.Source {
		t.source = c
		t.exporter = nil
		if c != nil {
			t.exporter = t.newExporter(c)
		}
		return
	}
	t.target = c
}

// ResetConnection discards the connection of side and opens a new one. When
// reconnecting fails the slot stays empty and the next use retries.
func (t *Transferer) ResetConnection(ctx context.Context, side models.Side) error {
	if old := t.slot(side); old != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		if err := old.Close(closeCtx); err != nil {
			log.Printf("Closing %s connection: %v", side, err)
		}
		cancel()
		t.set(side, nil)
	}
	_, err := t.conn(ctx, side)
	return err
}

// Transfer copies one object: export to a staging file, create the same OID in
// the target, write the staged content and commit. The staging file is removed
// on every path.
func (t *Transferer) Transfer(ctx context.Context, oid models.OID) error {
	if _, err := t.conn(ctx, models.Source); err != nil {
		return &TransferError{OID: oid, Stage: models.StageExport, Err: err}
	}
	dst, err := t.conn(ctx, models.Target)
	if err != nil {
		return &TransferError{OID: oid, Stage: models.StageCreate, Err: err}
	}

	staging, err := os.CreateTemp(t.stagingDir, fmt.Sprintf("lo_%d_*", oid))
	if err != nil {
		return &TransferError{OID: oid, Stage: models.StageStage, Err: err}
	}
	defer func() {
		staging.Close()
		os.Remove(staging.Name())
	}()

	if err := t.exporter.Export(ctx, oid, staging); err != nil {
		return &TransferError{OID: oid, Stage: models.StageExport, Err: err}
	}
	if _, err := staging.Seek(0, io.SeekStart); err != nil {
		return &TransferError{OID: oid, Stage: models.StageStage, Err: err}
	}

	if err := dst.ImportObject(ctx, oid, staging); err != nil {
		stage := models.StageWrite
		var se *database.StageError
		if errors.As(err, &se) {
			stage = se.Stage
		}
		return &TransferError{OID: oid, Stage: stage, Err: err}
	}
	return nil
}

// Close closes both connections
func (t *Transferer) Close(ctx context.Context) {
	for _, side := range []models.Side{models.Source, models.Target} {
		if c := t.slot(side); c != nil {
			if err := c.Close(ctx); err != nil {
				log.Printf("Closing %s connection: %v", side, err)
			}
			t.set(side, nil)
		}
	}
}
