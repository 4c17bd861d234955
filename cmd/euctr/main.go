package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/crawler"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/etl"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/extract/assembler"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/extract/rules"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/loader"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/platform/envutil"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/platform/logger"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/storage"
)

var version = "1.0.0"

func main() {
	log, err := logger.New(envutil.Get("LOG_MODE", "development", nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "euctr",
		Short: "EU Clinical Trials Register ETL",
		Long: `euctr extracts structured trial records from EU CTR protocol pages.

The bronze layer crawls the registry and stores raw HTML; the silver layer
parses those pages into relational records and loads them into Postgres.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(bronzeCmd(ctx, log))
	rootCmd.AddCommand(silverCmd(ctx, log))

	if err := rootCmd.Execute(); err != nil {
		log.Error("Run failed", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func bronzeCmd(ctx context.Context, log *logger.Logger) *cobra.Command {
	var (
		outputDir   string
		startPage   int
		maxPages    int
		ignoreHWM   bool
		sleep       float64
		storageKind string
		bucket      string
		prefix      string
		countries   []string
	)
	cmd := &cobra.Command{
		Use:   "bronze",
		Short: "Crawl the registry and download raw protocol pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := newBackend(ctx, log, storageKind, outputDir, bucket, prefix)
			if err != nil {
				return err
			}
			rps := 1.0
			if sleep > 0 {
				rps = 1.0 / sleep
			}
			cr := crawler.New(log, rps)
			dl := crawler.NewDownloader(log, backend, rps, countries)
			_, err = etl.RunBronze(ctx, log, backend, cr, dl, etl.BronzeConfig{
				StartPage: startPage,
				MaxPages:  maxPages,
				IgnoreHWM: ignoreHWM,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", "data/bronze", "local directory for raw pages")
	cmd.Flags().IntVar(&startPage, "start-page", 1, "search page to start crawling from")
	cmd.Flags().IntVar(&maxPages, "max-pages", 1, "number of search pages to crawl")
	cmd.Flags().BoolVar(&ignoreHWM, "ignore-hwm", false, "ignore the high-water mark and force a full crawl")
	cmd.Flags().Float64Var(&sleep, "sleep", 1.0, "seconds between registry requests")
	cmd.Flags().StringVar(&storageKind, "storage", "local", "storage backend: local or gcs")
	cmd.Flags().StringVar(&bucket, "bucket", "", "GCS bucket name (storage=gcs)")
	cmd.Flags().StringVar(&prefix, "prefix", "bronze", "object key prefix (storage=gcs)")
	cmd.Flags().StringSliceVar(&countries, "countries", nil, "jurisdiction fallback order (default 3rd,GB,DE)")
	return cmd
}

func silverCmd(ctx context.Context, log *logger.Logger) *cobra.Command {
	var (
		inputDir    string
		mode        string
		workers     int
		full        bool
		storageKind string
		bucket      string
		prefix      string
	)
	cmd := &cobra.Command{
		Use:   "silver",
		Short: "Parse raw pages into records and load them into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := newBackend(ctx, log, storageKind, inputDir, bucket, prefix)
			if err != nil {
				return err
			}
			rs, err := rules.Load(log)
			if err != nil {
				return err
			}
			asm := assembler.New(rs, log)
			ld := loader.NewPostgresLoader(log)
			_, err = etl.RunSilver(ctx, log, backend, asm, ld, etl.SilverConfig{
				Mode:    loader.Mode(mode),
				Workers: workers,
				Full:    full,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&inputDir, "input-dir", "data/bronze", "local directory holding raw pages")
	cmd.Flags().StringVar(&mode, "mode", string(loader.ModeFull), "load mode: FULL or UPSERT")
	cmd.Flags().IntVar(&workers, "workers", 4, "parallel parse workers")
	cmd.Flags().BoolVar(&full, "full", false, "reprocess every file, ignoring the silver watermark")
	cmd.Flags().StringVar(&storageKind, "storage", "local", "storage backend: local or gcs")
	cmd.Flags().StringVar(&bucket, "bucket", "", "GCS bucket name (storage=gcs)")
	cmd.Flags().StringVar(&prefix, "prefix", "bronze", "object key prefix (storage=gcs)")
	return cmd
}

func newBackend(ctx context.Context, log *logger.Logger, kind, dir, bucket, prefix string) (storage.Backend, error) {
	switch kind {
	case "local":
		return storage.NewLocal(dir)
	case "gcs":
		return storage.NewGCS(ctx, log, bucket, prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
