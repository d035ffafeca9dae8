// Command edgeproxy runs the transparent caching proxy: the storage engine,
// the request pipeline, a standalone HTTP forward-proxy listener, and the
// observability surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	edgeproxy "github.com/lokah1945/CDN-EDGEProxy"
	"github.com/lokah1945/CDN-EDGEProxy/classify"
	"github.com/lokah1945/CDN-EDGEProxy/download"
	"github.com/lokah1945/CDN-EDGEProxy/httproute"
	"github.com/lokah1945/CDN-EDGEProxy/proxy"
	"github.com/lokah1945/CDN-EDGEProxy/server"
	"github.com/lokah1945/CDN-EDGEProxy/storage"
	"github.com/lokah1945/CDN-EDGEProxy/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen         = flag.String("listen", ":8080", "Address for the HTTP forward-proxy listener")
		cacheDir       = flag.String("cache-dir", "data/cdn-cache", "Cache directory path")
		maxSize        = flag.Int64("max-size", storage.DefaultMaxSize, "Maximum cache size in bytes")
		bodyTTL        = flag.Duration("body-ttl", storage.DefaultBodyTTL, "Freshness window for cached bodies")
		classAPatterns = flag.String("class-a-patterns", "", "Auction bypass patterns: comma-separated globs, or @file with a JSON array")
		classBPatterns = flag.String("class-b-patterns", "", "Beacon bypass patterns: comma-separated globs, or @file with a JSON array")
		reportInterval = flag.Duration("report-interval", 60*time.Second, "How often to log the cache report")
		logLevel       = flag.Int("log-level", 2, "Log verbosity 0-4 (0=error, 2=info, 4=debug)")
		logFormat      = flag.String("log-format", "text", "Log format (text, json)")
		metricsAddr    = flag.String("metrics-addr", "", "Address for the observability surface (empty disables)")
		metricsToken   = flag.String("metrics-auth-token", "", "Bearer token protecting the /debug routes")
		browserChannel = flag.String("browser-channel", "", "Browser channel passed through to the automation layer")
	)
	flag.Parse()

	logger, err := buildLogger(*logLevel, *logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	classA, err := loadPatterns(*classAPatterns)
	if err != nil {
		return fmt.Errorf("loading class-A patterns: %w", err)
	}
	classB, err := loadPatterns(*classBPatterns)
	if err != nil {
		return fmt.Errorf("loading class-B patterns: %w", err)
	}
	classifier, err := classify.New(classA, classB)
	if err != nil {
		return fmt.Errorf("compiling classifier patterns: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "edgeproxy",
		ServiceVersion:   edgeproxy.EngineVersion,
		EnablePrometheus: *metricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	engine, err := storage.New(storage.Config{
		Dir:     *cacheDir,
		MaxSize: *maxSize,
		BodyTTL: *bodyTTL,
		Logger:  logger.With("component", "storage"),
	})
	if err != nil {
		return err
	}
	if err := engine.Init(ctx); err != nil {
		return err
	}

	pipeline, err := proxy.New(proxy.Config{
		Classifier: classifier,
		Engine:     engine,
		Coalescer:  download.New(download.WithLogger(logger.With("component", "download"))),
		Logger:     logger.With("component", "proxy"),
	})
	if err != nil {
		return err
	}

	proxyHandler := httproute.New(pipeline, httproute.WithLogger(logger.With("component", "httproute")))
	proxySrv := &http.Server{
		Addr:              *listen,
		Handler:           proxyHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var obsSrv *server.Server
	if *metricsAddr != "" {
		obsSrv, err = server.New(server.Config{
			Address:   *metricsAddr,
			Engine:    engine,
			AuthToken: *metricsToken,
			Logger:    logger.With("component", "server"),
		})
		if err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 2)
	go func() {
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	if obsSrv != nil {
		go func() {
			if err := obsSrv.Start(); err != nil {
				errCh <- err
			}
		}()
	}

	reportTicker := time.NewTicker(*reportInterval)
	defer reportTicker.Stop()
	go func() {
		for {
			select {
			case <-reportTicker.C:
				logReport(ctx, logger, engine)
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info("edgeproxy started",
		"version", edgeproxy.EngineVersion,
		"listen", *listen,
		"cache_dir", *cacheDir,
		"max_size", *maxSize,
		"body_ttl", *bodyTTL,
		"metrics_addr", *metricsAddr,
		"browser_channel", *browserChannel,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		_ = engine.Close(context.Background())
		return err
	}

	// Graceful shutdown: final report, flush, then stop the listeners.
	logReport(context.Background(), logger, engine)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := engine.Close(shutdownCtx); err != nil {
		logger.Warn("final flush failed", "error", err)
	}
	_ = proxySrv.Shutdown(shutdownCtx)
	if obsSrv != nil {
		_ = obsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// buildLogger maps the 0-4 verbosity scale onto slog levels, with tint
// colorizing the text format.
func buildLogger(level int, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelError
	case 1:
		slogLevel = slog.LevelWarn
	case 2:
		slogLevel = slog.LevelInfo
	case 3, 4:
		slogLevel = slog.LevelDebug
	default:
		return nil, fmt.Errorf("invalid log level %d (want 0-4)", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slogLevel})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}

// loadPatterns parses a pattern flag: empty means none, "@path" reads a JSON
// array from a file, anything else is a comma-separated list.
func loadPatterns(value string) ([]string, error) {
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "@") {
		raw, err := os.ReadFile(strings.TrimPrefix(value, "@"))
		if err != nil {
			return nil, err
		}
		var patterns []string
		if err := json.Unmarshal(raw, &patterns); err != nil {
			return nil, fmt.Errorf("parsing pattern file: %w", err)
		}
		return patterns, nil
	}
	parts := strings.Split(value, ",")
	patterns := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	return patterns, nil
}

// logReport emits the periodic cache report.
func logReport(ctx context.Context, logger *slog.Logger, engine *storage.Engine) {
	report := engine.Report(ctx, 5)
	hits := report.Traffic.ByOutcome["hit"]
	revalidated := report.Traffic.ByOutcome["revalidated"]
	misses := report.Traffic.ByOutcome["miss"]
	docHits := report.Traffic.ByOutcome["doc_hit"]
	docMisses := report.Traffic.ByOutcome["doc_miss"]

	logger.Info("cache report",
		"entries", report.Entries,
		"total_bytes", report.TotalBytes,
		"hot_bytes", report.HotBytes,
		"dedup_keys", report.DedupKeys,
		"hits", hits.Count,
		"hit_bytes", hits.BodyBytes,
		"revalidated", revalidated.Count,
		"misses", misses.Count,
		"miss_wire_bytes", misses.WireBytes,
		"doc_hits", docHits.Count,
		"doc_misses", docMisses.Count,
	)
}
