package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	throttleproxy "github.com/always-cache/throttle-proxy"
	"github.com/always-cache/throttle-proxy/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	// CLI flags
	configFilenameFlag  = pflag.String("config", "", "Path to YAML config file")
	listenFlag          = pflag.String("listen", ":5050", "Address to listen on")
	cacheExpiryFlag     = pflag.Duration("cache-expiry", cache.DefaultExpiry, "Time a fetched response is served from cache")
	maxEntriesFlag      = pflag.Int("max-entries", 0, "Maximum number of cached targets (0 for unbounded)")
	providerFlag        = pflag.String("provider", "memory", "Caching provider to use (memory or sqlite)")
	dbFilenameFlag      = pflag.String("db", "", "SQLite cache file (empty for in-memory db)")
	chunkSizeFlag       = pflag.Int("chunk-size", 100*1024, "Bytes delivered per chunk")
	chunkDelayFlag      = pflag.Duration("chunk-delay", time.Second, "Pause between delivered chunks")
	fetchTimeoutFlag    = pflag.Duration("fetch-timeout", 0, "Timeout for fetching a target (0 waits indefinitely)")
	collapseFlag        = pflag.Bool("collapse", false, "Share one fetch between concurrent requests for the same target")
	blockedDomainsFlag  = pflag.StringSlice("blocked-domains", nil, "Blocked domain terms, matched anywhere in the target URL")
	blockedKeywordsFlag = pflag.StringSlice("blocked-keywords", nil, "Blocked content keywords, matched case-sensitively in the body")
	logFilenameFlag     = pflag.String("log-file", "", "Log file to use (in addition to stdout)")
	verbosityDebugFlag  = pflag.BoolP("verbose", "v", false, "Verbosity: debug logging")
	verbosityTraceFlag  = pflag.Bool("vv", false, "Verbosity: trace logging")

	// this is set by goreleaser
	version string
)

func main() {
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if version == "" {
		version = "DEV"
	}
	logFile := setupLogger()
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Proxy stopped")
	}
}

// setupLogger sets up log output to stdout and to the log file if specified.
func setupLogger() *os.File {
	logLevel := zerolog.InfoLevel
	if *verbosityDebugFlag {
		logLevel = zerolog.DebugLevel
	}
	if *verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	var logFile *os.File
	if *logFilenameFlag != "" {
		var err error
		if logFile, err = os.OpenFile(*logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		}
		logOutputs = append(logOutputs, logFile)
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(logOutputs...)).
		Level(logLevel).
		With().Timestamp().Str("version", version).Logger()
	return logFile
}

func run() error {
	config, err := loadConfig(*configFilenameFlag)
	if err != nil {
		return err
	}
	applyFlags(&config)
	if err := config.validate(); err != nil {
		return err
	}

	proxyConfig := config.proxyConfig()
	proxyConfig.Logger = &log.Logger
	if config.Provider == "sqlite" {
		sqliteCache, err := cache.NewSQLiteCache(config.DB, config.cacheConfig())
		if err != nil {
			return err
		}
		defer sqliteCache.Close()
		proxyConfig.Cache = sqliteCache
	}
	proxy := throttleproxy.CreateProxy(proxyConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	ln, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           proxy.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().
		Str("listen", ln.Addr().String()).
		Str("provider", config.Provider).
		Dur("cacheExpiry", config.CacheExpiry).
		Int("chunkSize", config.ChunkSize).
		Dur("chunkDelay", config.ChunkDelay).
		Strs("blockedDomains", config.BlockedDomains).
		Strs("blockedKeywords", config.BlockedKeywords).
		Msgf("Proxying on %s%s?url=<target>", ln.Addr(), throttleproxy.ProxyPath)
	return g.Wait()
}

// applyFlags overrides the configuration with the flags explicitly set on the command line.
func applyFlags(config *Config) {
	flags := pflag.CommandLine
	if flags.Changed("listen") {
		config.Listen = *listenFlag
	}
	if flags.Changed("cache-expiry") {
		config.CacheExpiry = *cacheExpiryFlag
	}
	if flags.Changed("max-entries") {
		config.MaxEntries = *maxEntriesFlag
	}
	if flags.Changed("provider") {
		config.Provider = *providerFlag
	}
	if flags.Changed("db") {
		config.DB = *dbFilenameFlag
	}
	if flags.Changed("chunk-size") {
		config.ChunkSize = *chunkSizeFlag
	}
	if flags.Changed("chunk-delay") {
		config.ChunkDelay = *chunkDelayFlag
	}
	if flags.Changed("fetch-timeout") {
		config.FetchTimeout = *fetchTimeoutFlag
	}
	if flags.Changed("collapse") {
		config.Collapse = *collapseFlag
	}
	if flags.Changed("blocked-domains") {
		config.BlockedDomains = *blockedDomainsFlag
	}
	if flags.Changed("blocked-keywords") {
		config.BlockedKeywords = *blockedKeywordsFlag
	}
}
