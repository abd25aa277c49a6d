package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/INLOpen/nexuscatalog/config"
	"github.com/INLOpen/nexuscatalog/core"
	"github.com/INLOpen/nexuscatalog/mutation"
	"github.com/INLOpen/nexuscatalog/wal"
)

const usage = `usage: walctl [-config path] <command> [flags]

commands:
  check             verify every WAL file and cut off incomplete trailing transactions
  ranges            print the version range of every WAL file
  dump [-from N] [-until N]
                    print transactions in ascending version order
  reverse [-from N] print transactions from newest to oldest
  apply             replay the WAL into the storage-part store
  release -until N  mark versions below N as processed and remove the files
                    holding only those
`

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		// stdout carries the command output.
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates an OpenTelemetry TracerProvider exporting to the
// configured collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Debug("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("walctl")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// walOptions maps the configuration onto wal.Options.
func walOptions(cfg *config.Config, logger *slog.Logger, tp *sdktrace.TracerProvider) (wal.Options, error) {
	compression, err := core.ParseCompressionType(cfg.WAL.Compression)
	if err != nil {
		return wal.Options{}, err
	}
	return wal.Options{
		Dir:               cfg.WALDir(),
		CatalogName:       cfg.Catalog.Name,
		MaxFileSize:       cfg.WAL.MaxFileSizeBytes,
		FileCountKept:     cfg.WAL.FileCountKept,
		SyncMode:          core.SyncMode(cfg.WAL.SyncMode),
		Compression:       compression,
		SupplierCacheSize: cfg.WAL.SupplierCacheSize,
		Preallocate:       cfg.WAL.Preallocate,
		LockTimeout:       config.ParseDuration(cfg.WAL.LockTimeout, 5*time.Second, logger),
		PersistWatermark:  cfg.WAL.PersistWatermark,
		Logger:            logger,
		Tracer:            tp.Tracer("nexuscatalog/wal"),
	}, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	defer tracerCleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, tp, flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		logger.Error("Command failed", "command", flag.Arg(0), "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		tracerCleanup()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, tp *sdktrace.TracerProvider, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "check":
		return checkFiles(cfg, logger, out)
	case "ranges", "dump", "reverse", "apply", "release":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	from := fs.Uint64("from", 0, "first catalog version (0 = start of the log, or newest for reverse)")
	until := fs.Uint64("until", 0, "dump: last catalog version, 0 = unbounded; release: processed watermark")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts, err := walOptions(cfg, logger, tp)
	if err != nil {
		return err
	}
	w, err := wal.Open(opts)
	if err != nil {
		return err
	}
	defer w.Close()

	switch cmd {
	case "ranges":
		return printRanges(w, out)
	case "release":
		if *until == 0 {
			return errors.New("release needs -until")
		}
		w.WalProcessedUntil(*until)
		removed, err := w.RemoveWalFiles(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %d files, first retained version %d\n", removed, w.FirstCatalogVersion())
		return nil
	case "dump":
		s, err := w.CreateSupplier(ctx, *from, *until)
		if err != nil {
			return err
		}
		defer s.Close()
		return dump(ctx, s, out)
	case "reverse":
		s, err := w.CreateReverseSupplier(ctx, *from)
		if err != nil {
			return err
		}
		defer s.Close()
		return dump(ctx, s, out)
	default:
		n, err := applyFromConfig(ctx, cfg, w, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "applied %d transactions\n", n)
		return nil
	}
}

// checkFiles runs CheckAndTruncate on every WAL file of the catalog without
// opening the log, so it also works on a directory Open rejects.
func checkFiles(cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	entries, err := os.ReadDir(cfg.WALDir())
	if err != nil {
		return fmt.Errorf("failed to list WAL directory %s: %w", cfg.WALDir(), err)
	}
	var indexes []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), core.WALFileSuffix) {
			continue
		}
		idx, err := wal.ParseWalFileIndex(cfg.Catalog.Name, e.Name())
		if err != nil {
			logger.Warn("Skipping foreign WAL file", "name", e.Name(), "error", err)
			continue
		}
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	codec, err := mutation.NewCodec(core.CompressionNone)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FILE\tTRANSACTIONS\tFIRST\tLAST\tSIZE\tSTATUS")
	var failed error
	for _, idx := range indexes {
		path := filepath.Join(cfg.WALDir(), wal.WalFileName(cfg.Catalog.Name, idx))
		scan, err := wal.CheckAndTruncate(path, codec, logger)
		status := "ok"
		switch {
		case err != nil && core.IsWALCorrupted(err):
			status = "corrupted: " + err.Error()
			failed = errors.Join(failed, err)
		case err != nil:
			return err
		case scan.Truncated():
			status = fmt.Sprintf("truncated %d bytes", scan.Size-scan.ValidSize)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
			wal.WalFileName(cfg.Catalog.Name, idx), scan.Transactions, scan.First, scan.Last, scan.ValidSize, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return failed
}

func printRanges(w *wal.CatalogWAL, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tTRANSACTIONS\tFIRST\tLAST\tSIZE (KB)")
	for _, idx := range w.FileIndexes() {
		scan, err := w.GetFirstAndLastCatalogVersionsFromWalFile(w.FilePath(idx))
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%.1f\n", idx, scan.Transactions, scan.First, scan.Last, float64(scan.ValidSize)/1024)
	}
	return tw.Flush()
}

func dump(ctx context.Context, s wal.MutationSupplier, out io.Writer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, describe(m))
	}
}

func describe(m mutation.Mutation) string {
	switch m := m.(type) {
	case *mutation.TransactionMutation:
		return fmt.Sprintf("tx %d id=%s mutations=%d bytes=%d committed=%s",
			m.CatalogVersion, m.TransactionID, m.MutationCount, m.PayloadSizeBytes, m.CommitTimestamp.Format(time.RFC3339Nano))
	case *mutation.EntityUpsertMutation:
		return fmt.Sprintf("  %s %s/%d locals=%d", m.Kind(), m.EntityType, m.PrimaryKey, len(m.LocalMutations))
	case *mutation.EntityRemoveMutation:
		return fmt.Sprintf("  %s %s/%d", m.Kind(), m.EntityType, m.PrimaryKey)
	default:
		return fmt.Sprintf("  %s %s %q", m.Kind(), m.ContainerType(), m.ClassifierName())
	}
}
