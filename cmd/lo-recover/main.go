package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"httt-dev/lo-recover/config"
	"httt-dev/lo-recover/internal/migration"
	"httt-dev/lo-recover/internal/models"
)

// Exit codes
const (
	exitOK       = 0
	exitError    = 1
	exitFailures = 2
)

// statusError carries the process status out of the cobra command
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }

func (e *statusError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout))
}

func execute(args []string, stdout io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return se.code
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return exitError
	}
	return exitOK
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var (
		configFile string
		logDir     string
	)

	cmd := &cobra.Command{
		Use:   "lo-recover",
		Short: "Copy PostgreSQL large objects missing from the target database",
		Long: "lo-recover compares the large objects of a source and a target PostgreSQL\n" +
			"database over an OID interval and copies every object the target is missing,\n" +
			"keeping its OID. Each attempted OID is appended to the success or failure log.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logFile, err := setupLogging(logDir, stdout)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Unable to set up logging: %v\n", err)
				return &statusError{code: exitError, err: err}
			}
			defer logFile.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			code := run(ctx, configFile, cmd)
			if code != exitOK {
				return &statusError{code: code, err: fmt.Errorf("exit status %d", code)}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config-file", "c", "config.ini", "path to the INI config file")
	flags.StringVar(&logDir, "log-dir", "logs", "directory for the console log copy")
	flags.IntP("number-thread", "n", models.DefaultWorkers, "number of concurrent workers")
	flags.Uint32("min-oid", models.DefaultMinOID, "lowest OID to recover")
	flags.Uint32("max-oid", models.DefaultMaxOID, "highest OID to recover")
	flags.Int("step", models.DefaultStep, "number of OIDs per range")
	flags.String("exporter", config.ExporterNative, "source exporter: native or psql")
	flags.String("success-log", models.DefaultSuccessLog, "file recording recovered OIDs")
	flags.String("failure-log", models.DefaultFailureLog, "file recording OIDs that failed")
	flags.String("staging-dir", "", "directory for staging files (default system temp)")
	flags.Bool("skip-failed", false, "do not retry OIDs already listed in the failure log")
	flags.Bool("strict", false, "exit with status 2 when any OID or range failed")

	return cmd
}

func run(ctx context.Context, configFile string, cmd *cobra.Command) int {
	startTime := time.Now()

	cfg, err := config.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		log.Printf("\033[31m[ERROR] Error loading configuration: %v\033[0m", err)
		return exitError
	}
	log.Printf("Source: %s", cfg.Source.Redacted())
	log.Printf("Target: %s", cfg.Target.Redacted())

	summary, err := migration.Run(ctx, cfg, migration.Options{})
	if summary != nil {
		printSummary(summary)
	}
	log.Printf("Total execution time: %v", time.Since(startTime))

	if err != nil {
		log.Printf("\033[31m[ERROR] Recovery stopped: %v\033[0m", err)
		return exitError
	}
	if ctx.Err() != nil {
		log.Printf("Recovery interrupted, rerun to continue")
	}
	if cfg.Strict && summary.HasFailures() {
		return exitFailures
	}
	return exitOK
}

// setupLogging sets up logging to both console and file
func setupLogging(logDir string, stdout io.Writer) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create logs directory: %w", err)
	}

	logFileName := filepath.Join(logDir, fmt.Sprintf("log_%s.log", time.Now().Format("20060102_150405")))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(stdout, logFile))
	log.Printf("Logging started. Logs are being written to %s", logFileName)
	return logFile, nil
}

// printSummary prints a summary of the recovery run
func printSummary(s *models.Summary) {
	log.Println("=== SUMMARY ===")
	log.Printf("%-15s %-15s %-15s %-15s %-15s %-15s\n",
		"Ranges", "Ranges Failed", "Missing", "Recovered", "Failed", "Skipped")
	log.Println(strings.Repeat("-", 90))
	log.Printf("%-15d %-15d %-15d %-15d %-15d %-15d\n",
		s.Ranges, s.RangesFailed, s.Missing, s.Recovered, s.Failed, s.Skipped)
	log.Println(strings.Repeat("-", 90))
}
