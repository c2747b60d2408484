package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/drivers/pagefetch"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/services/processing"
	"github.com/ternarybob/colligo/internal/services/profiles"
	"github.com/ternarybob/colligo/internal/services/results"
	"github.com/ternarybob/colligo/internal/services/session"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	workers     = flag.Int("workers", 0, "Worker count (overrides config)")
	headless    = flag.String("headless", "", "Run browsers headless: true|false (overrides config)")
	outputDir   = flag.String("output", "", "Output directory (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Colligo version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: colligo [flags] <keys-file>")
		fmt.Fprintln(os.Stderr, "  keys-file contains one business key per line")
		flag.PrintDefaults()
		os.Exit(2)
	}

	// Startup sequence:
	// 1. Load config (defaults -> files -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	// 4. Print banner
	var err error

	if len(configFiles) == 0 {
		if _, statErr := os.Stat("colligo.toml"); statErr == nil {
			configFiles = append(configFiles, "colligo.toml")
		}
	}

	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	common.ApplyFlagOverrides(config, *workers, *headless, *outputDir)

	if err := config.Validate(); err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("Invalid configuration after overrides")
		os.Exit(1)
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	keys, err := readBusinessKeys(flag.Arg(0))
	if err != nil {
		logger.Fatal().Str("path", flag.Arg(0)).Err(err).Msg("Failed to read business keys")
		os.Exit(1)
	}
	if len(keys) == 0 {
		logger.Warn().Str("path", flag.Arg(0)).Msg("No business keys to process")
		os.Exit(0)
	}

	logger.Info().
		Strs("config_files", configFiles).
		Int("workers", config.Pool.WorkerCount).
		Int("keys", len(keys)).
		Bool("headless", config.Pool.Headless).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn().Str("signal", sig.String()).Msg("Shutdown signal received; finishing in-flight tasks")
		cancel()
	}()

	// Reclaim clones orphaned by a previous crashed run
	if store, storeErr := profiles.NewStore(config.Profiles, logger); storeErr == nil {
		janitor := profiles.NewJanitor(store, config.Janitor, logger)
		if err := janitor.Start(); err != nil {
			logger.Warn().Err(err).Msg("Profile janitor failed to start")
		} else {
			defer janitor.Stop()
		}
	} else {
		logger.Warn().Err(storeErr).Msg("Base profile unavailable; janitor disabled and parallel mode will degrade")
	}

	driver, err := pagefetch.NewDriver(config.Session, config.Pool.Headless, config.Pool.TaskTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Driver configuration invalid")
		os.Exit(1)
	}

	proc := processing.NewSession(config, session.Factory(config.Session, config.Pool.Headless, logger), driver, logger)
	proc.SetObserver(&logObserver{logger: logger})

	csvSink, err := results.NewCSVSink(config.Pool.OutputDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open CSV sink")
		os.Exit(1)
	}
	defer csvSink.Close()
	proc.AddSink(csvSink)

	if store, storeErr := results.NewStore(config.Storage.Badger, logger); storeErr == nil {
		defer store.Close()
		proc.AddSink(store)
	} else {
		logger.Warn().Err(storeErr).Msg("Result database unavailable; continuing with CSV only")
	}

	tasks := make([]*models.POTask, 0, len(keys))
	for _, key := range keys {
		tasks = append(tasks, models.NewPOTask(key, models.PriorityNormal, config.Pool.MaxRetries))
	}

	success, failed, report := proc.ProcessBatch(ctx, tasks)

	printSummary(report, csvSink.Path())

	logger.Info().
		Int("success", success).
		Int("failed", failed).
		Int("cancelled", report.CancelledCount).
		Msg("Run complete")

	// Task failures are reported, not fatal; only configuration errors
	// produce a non-zero exit
	os.Exit(0)
}

// readBusinessKeys loads one key per line, skipping blanks and comments
func readBusinessKeys(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var keys []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return keys, scanner.Err()
}

// printSummary writes the human-facing report to stdout
func printSummary(report *models.SessionReport, csvPath string) {
	fmt.Println()
	fmt.Printf("Mode:       %s\n", report.Mode)
	fmt.Printf("Workers:    %d\n", report.WorkerCount)
	fmt.Printf("Duration:   %s\n", report.Duration.Round(10*time.Millisecond))
	fmt.Printf("Succeeded:  %d\n", report.SuccessCount)
	fmt.Printf("Failed:     %d\n", report.FailCount)
	fmt.Printf("Cancelled:  %d\n", report.CancelledCount)

	if len(report.Degradations) > 0 {
		fmt.Println("Degradations:")
		for _, d := range report.Degradations {
			fmt.Printf("  %s -> %s: %s\n", d.From, d.To, d.Reason)
		}
	}
	if len(report.ErrorHistogram) > 0 {
		fmt.Println("Errors:")
		for category, count := range report.ErrorHistogram {
			fmt.Printf("  %-10s %d\n", category, count)
		}
	}
	fmt.Printf("Results:    %s\n", csvPath)
}

// logObserver reports batch progress through the structured logger
type logObserver struct {
	logger arbor.ILogger
}

func (o *logObserver) OnProgress(snapshot interfaces.ProgressSnapshot) {
	o.logger.Info().
		Str("mode", string(snapshot.Mode)).
		Int("total", snapshot.Total).
		Int("completed", snapshot.Completed).
		Int("failed", snapshot.Failed).
		Int("active", snapshot.Active).
		Msg("Batch progress")
}
