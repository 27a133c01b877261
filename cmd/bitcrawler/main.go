package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bitcrawler/pkg/config"
	"bitcrawler/pkg/crawler"
	"bitcrawler/pkg/models"
	"bitcrawler/pkg/orchestrate"
	"bitcrawler/pkg/storage"
	"bitcrawler/pkg/watch"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "crawl":
		runCrawl(os.Args[2:])
	case "crawl-url":
		runCrawlURL(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "list-sites":
		runListSites(os.Args[2:])
	case "archive":
		runArchive(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("bitcrawler %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `bitcrawler - Depth-bounded web crawler

Usage:
  bitcrawler <command> [options]

Commands:
  crawl       Crawl configured sites
  crawl-url   Crawl from a single seed URL and print page summaries
  watch       Re-crawl sites on a schedule
  validate    Validate configuration file
  list-sites  List available site keys
  archive     List or export archived crawl results
  mcp-server  Start MCP server for AI tool integration
  version     Show version info

Run 'bitcrawler <command> -h' for command-specific help.`)
}

// setupLogger creates a configured logrus.Logger with the given log level.
func setupLogger(logLevelStr string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
	}

	return log
}

// loadAndValidateConfig loads the config file and applies defaults, logging warnings.
func loadAndValidateConfig(configFile string, log *logrus.Logger) (*config.AppConfig, error) {
	log.Infof("Loading configuration from %s", configFile)
	appCfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	appWarnings, _ := appCfg.Validate()
	for _, w := range appWarnings {
		log.Warn(w)
	}

	return appCfg, nil
}

// startPprof starts the pprof HTTP server if addr is non-empty.
func startPprof(addr string, log *logrus.Logger) {
	if addr == "" {
		return
	}
	runtime.SetBlockProfileRate(1000)
	runtime.SetMutexProfileFraction(1000)
	go func() {
		log.Infof("Starting pprof server at http://%s/debug/pprof/", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Errorf("pprof server error: %v", err)
		}
	}()
}

// signalContext returns a context cancelled on the first SIGINT/SIGTERM.
// A second signal, or a stuck shutdown, exits the process.
func signalContext(parent context.Context, log *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// parseSiteKeys turns -site/-sites flags into a key list. nil with allSites means every site.
func parseSiteKeys(site, sites string, allSites bool) ([]string, error) {
	switch {
	case allSites:
		return nil, nil
	case sites != "":
		var keys []string
		for _, s := range strings.Split(sites, ",") {
			if s = strings.TrimSpace(s); s != "" {
				keys = append(keys, s)
			}
		}
		if len(keys) == 0 {
			return nil, errors.New("-sites contains no site keys")
		}
		return keys, nil
	case site != "":
		return []string{site}, nil
	default:
		return nil, errors.New("one of -site, -sites, or -all-sites is required")
	}
}

// runCrawl handles the crawl subcommand
func runCrawl(args []string) {
	fs := flag.NewFlagSet("crawl", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	siteKey := fs.String("site", "", "Site key from config (single site)")
	sites := fs.String("sites", "", "Comma-separated site keys")
	allSites := fs.Bool("all-sites", false, "Crawl all configured sites")
	timeout := fs.Duration("timeout", 0, "Overall crawl timeout, e.g. 30m (0 = none)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bitcrawler crawl [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  bitcrawler crawl -site python_docs\n")
		fmt.Fprintf(os.Stderr, "  bitcrawler crawl -sites python_docs,go_blog\n")
		fmt.Fprintf(os.Stderr, "  bitcrawler crawl -all-sites -timeout 1h\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	siteKeys, err := parseSiteKeys(*siteKey, *sites, *allSites)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(1)
	}

	log := setupLogger(*logLevel, os.Stderr)
	startPprof(*pprofAddr, log)

	ctx, stop := signalContext(context.Background(), log)
	defer stop()
	if *timeout > 0 {
		log.Infof("Setting global crawl timeout: %v", *timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	exitCode := doCrawl(ctx, *configFile, siteKeys, log)
	stop()
	os.Exit(exitCode)
}

// openArchive opens the result archive when enabled in config. The returned close func is never nil.
func openArchive(ctx context.Context, appCfg *config.AppConfig, log *logrus.Entry) (storage.ResultArchive, func(), error) {
	if !appCfg.EnableArchive {
		return nil, func() {}, nil
	}
	archive, err := storage.NewBadgerStore(appCfg.ArchiveDir, log)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to open result archive: %w", err)
	}

	gcCtx, stopGC := context.WithCancel(ctx)
	go archive.RunGC(gcCtx, 10*time.Minute)
	return archive, func() {
		stopGC()
		archive.Close()
	}, nil
}

// doCrawl crawls siteKeys (all sites when nil) and returns the exit code.
// A crawl stopped by a signal is a graceful exit; a timeout is a failure.
func doCrawl(ctx context.Context, configPath string, siteKeys []string, log *logrus.Logger) int {
	appCfg, err := loadAndValidateConfig(configPath, log)
	if err != nil {
		log.Errorf("Config error: %v", err)
		return 1
	}

	if siteKeys == nil {
		siteKeys = orchestrate.GetAllSiteKeys(appCfg)
		log.Infof("All sites mode: found %d sites", len(siteKeys))
	}
	if len(siteKeys) == 0 {
		log.Error("No sites configured")
		return 1
	}
	if err := orchestrate.ValidateSiteKeys(appCfg, siteKeys); err != nil {
		log.Errorf("Invalid site keys: %v", err)
		return 1
	}

	logEntry := log.WithField("component", "crawl")
	archive, closeArchive, err := openArchive(ctx, appCfg, logEntry)
	if err != nil {
		log.Error(err)
		return 1
	}
	defer closeArchive()

	orch := orchestrate.NewOrchestrator(ctx, appCfg, siteKeys, logEntry, &orchestrate.Options{Archive: archive})
	results := orch.Run()

	exitCode := 0
	for _, r := range results {
		switch {
		case r.Success:
		case errors.Is(r.Error, context.Canceled):
			log.Warnf("[%s] Crawl cancelled gracefully.", r.SiteKey)
		case errors.Is(r.Error, context.DeadlineExceeded):
			log.Errorf("[%s] Crawl timed out (global timeout).", r.SiteKey)
			exitCode = 1
		default:
			exitCode = 1
		}
	}
	return exitCode
}

// runWatch handles the watch subcommand
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	siteKey := fs.String("site", "", "Site key from config (single site)")
	sites := fs.String("sites", "", "Comma-separated site keys")
	allSites := fs.Bool("all-sites", false, "Watch all configured sites")
	interval := fs.String("interval", "24h", "Crawl interval (e.g., 30m, 1h, 24h, 7d)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bitcrawler watch [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  bitcrawler watch -site python_docs -interval 24h\n")
		fmt.Fprintf(os.Stderr, "  bitcrawler watch -all-sites -interval 6h\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	siteKeys, err := parseSiteKeys(*siteKey, *sites, *allSites)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(1)
	}
	every, err := watch.ParseInterval(*interval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log := setupLogger(*logLevel, os.Stderr)
	ctx, stop := signalContext(context.Background(), log)
	exitCode := doWatch(ctx, *configFile, siteKeys, every, log)
	stop()
	os.Exit(exitCode)
}

// doWatch re-crawls siteKeys (all sites when nil) every interval until ctx ends
func doWatch(ctx context.Context, configPath string, siteKeys []string, interval time.Duration, log *logrus.Logger) int {
	appCfg, err := loadAndValidateConfig(configPath, log)
	if err != nil {
		log.Errorf("Config error: %v", err)
		return 1
	}
	if siteKeys == nil {
		siteKeys = orchestrate.GetAllSiteKeys(appCfg)
	}
	if err := orchestrate.ValidateSiteKeys(appCfg, siteKeys); err != nil {
		log.Errorf("Invalid site keys: %v", err)
		return 1
	}

	logEntry := log.WithField("component", "watch")
	archive, closeArchive, err := openArchive(ctx, appCfg, logEntry)
	if err != nil {
		log.Error(err)
		return 1
	}
	defer closeArchive()

	scheduler := watch.NewScheduler(appCfg, siteKeys, interval, logEntry, &orchestrate.Options{Archive: archive})
	if err := scheduler.Run(ctx); err != nil {
		log.Errorf("Watch scheduler error: %v", err)
		return 1
	}

	log.Info("Watch mode stopped")
	return 0
}

// runCrawlURL handles the crawl-url subcommand
func runCrawlURL(args []string) {
	fs := flag.NewFlagSet("crawl-url", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to config file (optional, supplies default_policy)")
	seed := fs.String("url", "", "Seed URL (required)")
	depth := fs.Int("depth", 1, "Link-hops to follow from the seed (0 = seed only)")
	crossSite := fs.Bool("cross-site", false, "Follow links to other registrable domains")
	noRobots := fs.Bool("no-robots", false, "Ignore robots.txt")
	sequential := fs.Bool("sequential", false, "Fetch one page at a time")
	delay := fs.Duration("delay", 0, "Delay between requests to one origin (with -sequential)")
	logLevel := fs.String("loglevel", "warn", "Log level (debug, info, warn, error, fatal)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bitcrawler crawl-url -url <seed> [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  bitcrawler crawl-url -url https://www.python.org -depth 1\n")
		fmt.Fprintf(os.Stderr, "  bitcrawler crawl-url -url https://example.com -sequential -delay 2s\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	opts := crawlURLOptions{
		ConfigPath: *configFile,
		Seed:       *seed,
		Depth:      *depth,
		CrossSite:  *crossSite,
		NoRobots:   *noRobots,
		Sequential: *sequential,
		Delay:      *delay,
	}

	log := setupLogger(*logLevel, os.Stderr)
	ctx, stop := signalContext(context.Background(), log)
	exitCode := doCrawlURL(ctx, opts, log, os.Stdout, os.Stderr)
	stop()
	os.Exit(exitCode)
}

type crawlURLOptions struct {
	ConfigPath string
	Seed       string
	Depth      int
	CrossSite  bool
	NoRobots   bool
	Sequential bool
	Delay      time.Duration
}

// doCrawlURL crawls one seed and prints a JSON array of page summaries to stdout
func doCrawlURL(ctx context.Context, opts crawlURLOptions, log *logrus.Logger, stdout, stderr io.Writer) int {
	if opts.Seed == "" {
		fmt.Fprintln(stderr, "Error: -url is required")
		return 1
	}

	appCfg := &config.AppConfig{DefaultPolicy: config.DefaultPolicy()}
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		appCfg = loaded
	}
	appCfg.Validate()

	policy := config.GetEffectivePolicy(config.SiteConfig{}, *appCfg)
	policy.CrawlDepth = opts.Depth
	policy.CrossSite = opts.CrossSite
	if opts.NoRobots {
		policy.RespectRobots = false
		policy.RespectRobotsCrawlDelay = false
	}
	policy.Multithreading = !opts.Sequential
	if opts.Delay > 0 {
		policy.CrawlDelay = opts.Delay
	}

	logEntry := log.WithField("component", "crawl-url")
	c := crawler.NewCrawler(orchestrate.NewTransport(appCfg, logEntry), logEntry)
	summaries, err := crawler.Run(ctx, c, opts.Seed, policy, crawler.Summarize)
	if summaries == nil && err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(summaries); encErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", encErr)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "Crawl stopped early: %v\n", err)
		if errors.Is(err, context.Canceled) {
			return 0
		}
		return 1
	}
	return 0
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	siteKey := fs.String("site", "", "Site key to validate (optional, validates all if empty)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bitcrawler validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	exitCode := doValidate(*configFile, *siteKey, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath, siteKey string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, _ := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}

	keys := appCfg.SiteKeys()
	if siteKey != "" {
		if _, ok := appCfg.Sites[siteKey]; !ok {
			fmt.Fprintf(stderr, "Error: site '%s' not found in config\n", siteKey)
			return 1
		}
		keys = []string{siteKey}
	}

	hasError := false
	for _, key := range keys {
		siteCfg := appCfg.Sites[key]
		siteWarnings, err := siteCfg.Validate()
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: [%s] %v\n", key, err)
			hasError = true
			continue
		}
		for _, w := range siteWarnings {
			fmt.Fprintf(stdout, "WARN: [%s] %s\n", key, w)
		}
		policy := config.GetEffectivePolicy(siteCfg, *appCfg)
		policyWarnings, _ := policy.Validate()
		for _, w := range policyWarnings {
			fmt.Fprintf(stdout, "WARN: [%s] %s\n", key, w)
		}
		fmt.Fprintf(stdout, "OK: [%s]\n", key)
	}
	if hasError {
		return 1
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runListSites handles the list-sites subcommand
func runListSites(args []string) {
	fs := flag.NewFlagSet("list-sites", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bitcrawler list-sites [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	exitCode := doListSites(*configFile, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

// doListSites lists sites and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doListSites(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	appCfg.Validate()

	fmt.Fprintf(stdout, "Sites in %s:\n\n", configPath)
	for _, key := range appCfg.SiteKeys() {
		site := appCfg.Sites[key]
		policy := config.GetEffectivePolicy(site, *appCfg)
		fmt.Fprintf(stdout, "  %s\n", key)
		fmt.Fprintf(stdout, "    Seed: %s\n", site.SeedURL)
		fmt.Fprintf(stdout, "    Depth: %d\n", policy.CrawlDepth)
		if policy.CrossSite {
			fmt.Fprintf(stdout, "    Cross-site: yes\n")
		}
		if !policy.RespectRobots {
			fmt.Fprintf(stdout, "    Robots: ignored\n")
		}
		fmt.Fprintln(stdout)
	}
	return 0
}

// runArchive handles the archive subcommand
func runArchive(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file (supplies archive_dir)")
	dir := fs.String("dir", "", "Archive directory (overrides config)")
	export := fs.String("export", "", "Crawl ID to export as JSONL ('all' exports every crawl)")
	outFile := fs.String("out", "", "Export destination (default stdout)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bitcrawler archive [options]\n\nWithout -export, lists archived crawls.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	archiveDir := *dir
	if archiveDir == "" {
		appCfg, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if appCfg.ArchiveDir == "" {
			fmt.Fprintln(os.Stderr, "Error: no archive_dir in config; pass -dir")
			os.Exit(1)
		}
		archiveDir = appCfg.ArchiveDir
	}

	stdout := io.Writer(os.Stdout)
	if *outFile != "" {
		f, err := os.Create(*outFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		stdout = f
	}

	log := setupLogger("warn", os.Stderr)
	exitCode := doArchive(context.Background(), archiveDir, *export, log, stdout, os.Stderr)
	os.Exit(exitCode)
}

// doArchive lists the crawls in the archive at dir, or exports one as JSONL
func doArchive(ctx context.Context, dir, exportID string, log *logrus.Logger, stdout, stderr io.Writer) int {
	archive, err := storage.NewBadgerStore(dir, log.WithField("component", "archive-cli"))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer archive.Close()

	if exportID != "" {
		crawlID := exportID
		if crawlID == "all" {
			crawlID = ""
		}
		n, err := archive.ExportJSONL(ctx, crawlID, stdout)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "Exported %d page results\n", n)
		return 0
	}

	crawls, err := archive.Crawls()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%d crawl(s), %d page results in %s\n\n", len(crawls), archive.Count(), dir)
	for _, meta := range crawls {
		site := meta.SiteKey
		if site == "" {
			site = "-"
		}
		status := ""
		if meta.Canceled {
			status = " (canceled)"
		}
		fmt.Fprintf(stdout, "  %s  %s  %s  %d pages%s\n",
			meta.CrawlID, meta.CrawlStartTime.Format(time.RFC3339), site, meta.TotalPages, status)
		fmt.Fprintf(stdout, "    Seed: %s\n", meta.SeedURL)
		if line := outcomeLine(meta.Outcomes); line != "" {
			fmt.Fprintf(stdout, "    Outcomes: %s\n", line)
		}
	}
	return 0
}

// outcomeLine renders the non-zero outcome counts in report order
func outcomeLine(counts models.OutcomeCounts) string {
	var parts []string
	for _, k := range models.AllOutcomeKinds() {
		if n := counts[k.String()]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", k, n))
		}
	}
	return strings.Join(parts, " ")
}
