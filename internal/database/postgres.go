package database

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"httt-dev/lo-recover/config"
	"httt-dev/lo-recover/internal/models"
)

// ConnectionError reports that an endpoint could not be reached
type ConnectionError struct {
	Side models.Side
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s db: %v", e.Side, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PostgresDB represents a single PostgreSQL connection owned by one worker
type PostgresDB struct {
	conn *pgx.Conn
	side models.Side
}

// Connect opens a new connection to the endpoint. It does not retry.
func Connect(ctx context.Context, side models.Side, ep config.Endpoint) (*PostgresDB, error) {
	connConfig, err := pgx.ParseConfig(ep.ConnString())
	if err != nil {
		return nil, &ConnectionError{Side: side, Err: fmt.Errorf("failed to parse postgres config: %w", err)}
	}

	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, &ConnectionError{Side: side, Err: err}
	}

	// Test the connection
	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, &ConnectionError{Side: side, Err: fmt.Errorf("error ping connection: %w", err)}
	}

	return &PostgresDB{conn: conn, side: side}, nil
}

// VerifyConnection returns the name of the connected database
func (db *PostgresDB) VerifyConnection(ctx context.Context) (string, error) {
	var dbName string
	if err := db.conn.QueryRow(ctx, "SELECT current_database()").Scan(&dbName); err != nil {
		return "", fmt.Errorf("error verifying connection: %w", err)
	}
	return dbName, nil
}

// ListOIDs returns every large object OID between low and high, both inclusive
func (db *PostgresDB) ListOIDs(ctx context.Context, low, high models.OID) ([]models.OID, error) {
	rows, err := db.conn.Query(ctx,
		"SELECT oid FROM pg_largeobject_metadata WHERE oid >= $1 AND oid <= $2",
		uint32(low), uint32(high))
	if err != nil {
		return nil, fmt.Errorf("error querying large objects on %s: %w", db.side, err)
	}

	oids, err := pgx.CollectRows(rows, pgx.RowTo[uint32])
	if err != nil {
		return nil, fmt.Errorf("error scanning large objects on %s: %w", db.side, err)
	}

	result := make([]models.OID, len(oids))
	for i, oid := range oids {
		result[i] = models.OID(oid)
	}
	return result, nil
}

// ExportObject streams the content of a large object into w. Large objects can
// only be read inside a transaction, so a read-only one wraps the copy.
func (db *PostgresDB) ExportObject(ctx context.Context, oid models.OID, w io.Writer) error {
	tx, err := db.conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	los := tx.LargeObjects()
	obj, err := los.Open(ctx, uint32(oid), pgx.LargeObjectModeRead)
	if err != nil {
		return fmt.Errorf("error opening large object %d: %w", oid, err)
	}
	if _, err := io.Copy(w, obj); err != nil {
		return fmt.Errorf("error reading large object %d: %w", oid, err)
	}
	if err := obj.Close(); err != nil {
		return fmt.Errorf("error closing large object %d: %w", oid, err)
	}

	return tx.Commit(ctx)
}

// ImportObject creates a large object with exactly oid and writes r into it.
// Everything runs inside one transaction, so the object only becomes visible
// with its full content.
func (db *PostgresDB) ImportObject(ctx context.Context, oid models.OID, r io.Reader) error {
	tx, err := db.conn.Begin(ctx)
	if err != nil {
		return &StageError{Stage: models.StageCreate, Err: fmt.Errorf("error starting transaction: %w", err)}
	}
	defer tx.Rollback(ctx)

	los := tx.LargeObjects()
	created, err := los.Create(ctx, uint32(oid))
	if err != nil {
		return &StageError{Stage: models.StageCreate, Err: fmt.Errorf("lo_create(%d): %w", oid, err)}
	}
	if created != uint32(oid) {
		return &StageError{Stage: models.StageCreate, Err: fmt.Errorf("lo_create(%d) returned oid %d", oid, created)}
	}

	obj, err := los.Open(ctx, created, pgx.LargeObjectModeWrite)
	if err != nil {
		return &StageError{Stage: models.StageWrite, Err: fmt.Errorf("error opening large object %d: %w", oid, err)}
	}
	if _, err := io.Copy(obj, r); err != nil {
		return &StageError{Stage: models.StageWrite, Err: fmt.Errorf("error writing large object %d: %w", oid, err)}
	}
	if err := obj.Close(); err != nil {
		return &StageError{Stage: models.StageWrite, Err: fmt.Errorf("error closing large object %d: %w", oid, err)}
	}

	if err := tx.Commit(ctx); err != nil {
		return &StageError{Stage: models.StageCommit, Err: fmt.Errorf("error committing large object %d: %w", oid, err)}
	}
	return nil
}

// Close closes the underlying connection
func (db *PostgresDB) Close(ctx context.Context) error {
	return db.conn.Close(ctx)
}

// StageError tags an import error with the transfer step that failed
type StageError struct {
	Stage models.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// duplicateObject is the SQLSTATE lo_create reports for an OID already in use
const duplicateObject = "42710"

// IsDuplicateObject reports whether err came from creating an OID that exists
func IsDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == duplicateObject
}
