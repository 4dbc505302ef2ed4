package migration

import (
	"context"
	"errors"
	"log"

	"golang.org/x/sync/errgroup"

	"httt-dev/lo-recover/config"
	"httt-dev/lo-recover/internal/database"
	"httt-dev/lo-recover/internal/models"
	"httt-dev/lo-recover/internal/recoverylog"
)

// Options replaces the collaborators Run uses; zero values select PostgreSQL
// connections and the exporter named in the config.
type Options struct {
	Connect     ConnectFunc
	NewExporter ExporterFunc
	// Skip lists OIDs never attempted; when nil and SkipFailed is set it is
	// read from the failure log.
	Skip map[models.OID]struct{}
}

// PostgresConnect connects to the endpoints in cfg
func PostgresConnect(cfg *config.Config) ConnectFunc {
	return func(ctx context.Context, side models.Side) (Conn, error) {
		ep := cfg.Source
		if side == models.Target {
			ep = cfg.Target
		}
		db, err := database.Connect(ctx, side, ep)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

// Exporter returns the exporter factory selected by cfg.Exporter
func Exporter(cfg *config.Config) ExporterFunc {
	if cfg.Exporter == config.ExporterPsql {
		ep := cfg.Source
		password := ep.Password
		ep.Password = ""
		psql := database.NewPsqlExporter(cfg.PsqlPath, ep.ConnString(), password, cfg.StagingDir)
		return func(Conn) database.ObjectExporter { return psql }
	}
	return func(source Conn) database.ObjectExporter {
		return database.NativeExporter{Source: source}
	}
}

type verifier interface {
	VerifyConnection(ctx context.Context) (string, error)
}

// VerifyConnections opens and discards one connection to each side. The first
// failure is returned as a *database.ConnectionError.
func VerifyConnections(ctx context.Context, connect ConnectFunc) error {
	for _, side := range []models.Side{models.Source, models.Target} {
		log.Printf("Verifying connection to %s db ...", side)
		conn, err := connect(ctx, side)
		if err != nil {
			var ce *database.ConnectionError
			if !errors.As(err, &ce) {
				err = &database.ConnectionError{Side: side, Err: err}
			}
			return err
		}

		if v, ok := conn.(verifier); ok {
			name, err := v.VerifyConnection(ctx)
			if err != nil {
				conn.Close(ctx)
				return &database.ConnectionError{Side: side, Err: err}
			}
			log.Printf("Successfully connected to %s db: %s", side, name)
		}
		if err := conn.Close(ctx); err != nil {
			log.Printf("Closing %s connection: %v", side, err)
		}
	}
	return nil
}

// Run checks both databases, then recovers every missing object in
// [cfg.MinOID, cfg.MaxOID] with up to cfg.Workers workers. The summary is
// returned even when a worker stopped with an error.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*models.Summary, error) {
	connect := opts.Connect
	if connect == nil {
		connect = PostgresConnect(cfg)
	}
	newExporter := opts.NewExporter
	if newExporter == nil {
		newExporter = Exporter(cfg)
	}

	if err := VerifyConnections(ctx, connect); err != nil {
		return nil, err
	}

	skip := opts.Skip
	if skip == nil && cfg.SkipFailed {
		var err error
		if skip, err = recoverylog.ReadOIDs(cfg.FailureLog); err != nil {
			return nil, err
		}
		log.Printf("Skipping %d oid listed in %s", len(skip), cfg.FailureLog)
	}

	ranges, err := Partition(cfg.MinOID, cfg.MaxOID, cfg.Step)
	if err != nil {
		return nil, err
	}
	queue := NewQueue(ranges)

	workers := make([]*Worker, min(cfg.Workers, len(ranges)))
	log.Printf("Starting %d workers for %d ranges of oid from %d to %d",
		len(workers), len(ranges), cfg.MinOID, cfg.MaxOID)

	var g errgroup.Group
	for i := range workers {
		w := NewWorker(
			i,
			queue,
			NewTransferer(connect, newExporter, cfg.StagingDir),
			cfg.SuccessLog,
			cfg.FailureLog,
			cfg.DiffAttempts,
			skip,
		)
		workers[i] = w
		g.Go(func() error {
			if err := w.Start(ctx); err != nil {
				log.Printf("\033[31m[ERROR] %v\033[0m", err)
				return err
			}
			return nil
		})
	}
	err = g.Wait()

	summary := &models.Summary{}
	for _, w := range workers {
		summary.Merge(w.Summary())
	}
	return summary, err
}
