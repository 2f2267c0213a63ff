// Command jlcdb builds and ships the JLCPCB parts databases.
//
// Usage:
//
//	jlcdb run -config jlcdb.yaml             # full pipeline run
//	jlcdb scrape -config jlcdb.yaml          # scrape the catalog into the cache
//	jlcdb build -config jlcdb.yaml -profile recent -out recent.sqlite3
//	jlcdb fetch-cache -url <base> -dest work/previous
//	jlcdb split <file> [output_dir] [chunk_size_mb]
//	jlcdb assemble <chunks_dir> [output_file]
//	jlcdb verify <chunks_dir>
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/jlcdb/chunker"
	"github.com/hazyhaar/jlcdb/internal/config"
	"github.com/hazyhaar/jlcdb/internal/jlcapi"
	"github.com/hazyhaar/jlcdb/internal/partsview"
	"github.com/hazyhaar/jlcdb/internal/pipeline"
	"github.com/hazyhaar/jlcdb/internal/release"
	"github.com/hazyhaar/jlcdb/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, os.Args[2:])
	case "scrape":
		err = cmdScrape(ctx, os.Args[2:])
	case "build":
		err = cmdBuild(ctx, os.Args[2:])
	case "fetch-cache":
		err = cmdFetchCache(ctx, os.Args[2:])
	case "split":
		err = cmdSplit(os.Args[2:])
	case "assemble":
		err = cmdAssemble(os.Args[2:])
	case "verify":
		err = cmdVerify(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "jlcdb %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `jlcdb: JLCPCB parts database build pipeline

usage:
  jlcdb run         -config <file> [-log-level <level>]
  jlcdb scrape      -config <file> [-log-level <level>]
  jlcdb build       -config <file> -profile <name> -out <file>
  jlcdb fetch-cache -url <base_url> -dest <dir> [-assemble <file>]
  jlcdb split       <file> [output_dir] [chunk_size_mb]
  jlcdb assemble    <chunks_dir> [output_file]
  jlcdb verify      <chunks_dir>

run          Full pipeline: recover cache, scrape, retain, build views, publish.
scrape       Scrape the catalog into the components cache only.
build        Build one parts-view database from the existing cache.
fetch-cache  Download a published cache's chunks, optionally reassembling.
split        Split a file into chunks plus a manifest.
assemble     Reassemble chunks into the original file.
verify       Check every chunk hash without assembling.
`)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "jlcdb.yaml", "path to config file")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(*logLevel)

	report, err := pipeline.New(cfg, logger).Run(ctx)
	if report != nil {
		printReport(report)
	}
	return err
}

func printReport(report *pipeline.Report) {
	status := "ok"
	if report.Failed() {
		status = "FAILED"
	}
	fmt.Printf("run %s: %s\n", report.RunID, status)
	for _, stage := range report.Stages {
		line := fmt.Sprintf("  %-18s %-8s %s", stage.Stage, stage.Outcome,
			stage.Duration.Round(time.Millisecond))
		if stage.Err != nil {
			line += "  " + stage.Err.Error()
		}
		fmt.Println(line)
	}
	for _, profile := range report.Profiles {
		if profile.Err != nil {
			fmt.Printf("  profile %-12s failed: %v\n", profile.Profile, profile.Err)
			continue
		}
		fmt.Printf("  profile %-12s %d parts, %s\n", profile.Profile,
			profile.Result.Parts, chunker.FormatBytes(profile.Result.Bytes))
	}
	fmt.Printf("  cache: %d components, %d in stock, %d scraped, %d aged out, %d compacted\n",
		report.Stats.Components, report.Stats.InStock,
		report.Scraped, report.AgedOut, report.Compacted)
}

func cmdScrape(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scrape", flag.ExitOnError)
	configPath := fs.String("config", "jlcdb.yaml", "path to config file")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(*logLevel)

	st, err := store.Open(filepath.Join(cfg.WorkDir, cfg.CacheName), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	api := jlcapi.New(jlcapi.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		PageSize:    cfg.Upstream.PageSize,
		RateEvery:   cfg.Upstream.RateEvery,
		MaxAttempts: cfg.Upstream.MaxAttempts,
	}, logger)

	categories, err := api.FetchCategories(ctx, true)
	if err != nil {
		return err
	}
	categories = jlcapi.CollapseCategories(categories, cfg.Upstream.CollapseLimit)
	now := time.Now()
	total := 0
	for _, category := range categories {
		err := jlcapi.NewPager(api, category).FetchAll(ctx, func(page []jlcapi.Component) error {
			if err := st.Upsert(ctx, page, now); err != nil {
				return err
			}
			total += len(page)
			fmt.Fprintf(os.Stderr, "\r%s: %d components", category, total)
			return nil
		})
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "\nscraped %d components across %d categories\n", total, len(categories))
	return nil
}

func cmdBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	configPath := fs.String("config", "jlcdb.yaml", "path to config file")
	profileName := fs.String("profile", "recent", "profile to build")
	outPath := fs.String("out", "", "output database path")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *outPath == "" {
		*outPath = *profileName + ".sqlite3"
	}

	var profile *partsview.Profile
	for i := range cfg.Profiles {
		if cfg.Profiles[i].Name == *profileName {
			profile = &cfg.Profiles[i]
			break
		}
	}
	if profile == nil {
		return fmt.Errorf("profile %q not in config", *profileName)
	}

	logger := newLogger(*logLevel)
	st, err := store.Open(filepath.Join(cfg.WorkDir, cfg.CacheName), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := partsview.NewBuilder(st, logger).Build(ctx, *profile, *outPath, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "built %s: %d parts, %s\n",
		result.Path, result.Parts, chunker.FormatBytes(result.Bytes))
	return nil
}

func cmdFetchCache(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch-cache", flag.ExitOnError)
	baseURL := fs.String("url", "", "base URL serving manifest.json and chunks")
	destDir := fs.String("dest", "previous", "directory to download into")
	assemblePath := fs.String("assemble", "", "reassemble into this file after download")
	fs.Parse(args)

	if *baseURL == "" {
		return fmt.Errorf("-url is required")
	}

	client := release.NewClient(release.Config{}, newLogger("info"))
	manifest, err := client.FetchArtifact(ctx, *baseURL, *destDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "fetched %s: %d chunks, %s\n",
		manifest.OriginalName, manifest.TotalChunks, chunker.FormatBytes(manifest.OriginalSize))

	if *assemblePath != "" {
		if err := chunker.Assemble(*destDir, *assemblePath, progress); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "\nassembled %s\n", *assemblePath)
	}
	return nil
}

func progress(index, total int, bytes int64) {
	fmt.Fprintf(os.Stderr, "\r  chunk %d/%d  (%s)", index+1, total, chunker.FormatBytes(bytes))
}

func cmdSplit(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("split requires a file path")
	}
	srcPath := args[0]

	outDir := srcPath + ".chunks"
	if len(args) >= 2 {
		outDir = args[1]
	}
	chunkSize := chunker.DefaultChunkSize
	if len(args) >= 3 {
		mb, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || mb <= 0 {
			return fmt.Errorf("chunk_size_mb must be a positive integer")
		}
		chunkSize = mb * 1000 * 1000
	}

	manifest, err := chunker.Split(srcPath, outDir, chunkSize, progress)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\ndone: %d chunks in %s\n", manifest.TotalChunks, outDir)
	fmt.Fprintf(os.Stderr, "  sha256: %s\n", manifest.OriginalSHA256)
	return nil
}

func cmdAssemble(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("assemble requires a chunks directory")
	}
	chunksDir := args[0]

	manifest, err := chunker.LoadManifest(chunksDir)
	if err != nil {
		return err
	}
	outPath := manifest.OriginalName
	if len(args) >= 2 {
		outPath = args[1]
	}

	if err := chunker.Assemble(chunksDir, outPath, progress); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\ndone: %s (%s)\n", outPath, chunker.FormatBytes(manifest.OriginalSize))
	return nil
}

func cmdVerify(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("verify requires a chunks directory")
	}
	result, err := chunker.Verify(args[0])
	if err != nil {
		return err
	}
	if !result.OK() {
		for _, msg := range result.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", msg)
		}
		return fmt.Errorf("%d problems found", len(result.Errors))
	}
	fmt.Fprintf(os.Stderr, "ok: %d chunks, %s\n", result.TotalChunks, chunker.FormatBytes(result.TotalSize))
	return nil
}
