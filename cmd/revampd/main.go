/*
Revamp - intercepting proxy that retrofits the modern web onto legacy browsers.

Usage:

	revampd [flags]
	revampd version
	revampd generate-ca [flags]
	revampd update-blocklist [flags]
	revampd clear-cache [flags]
	revampd config dump [flags]
	revampd config validate [flags]
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lifeart/revamp/internal/blockfilter"
	"github.com/lifeart/revamp/internal/cache"
	"github.com/lifeart/revamp/internal/config"
	"github.com/lifeart/revamp/internal/logging"
	"github.com/lifeart/revamp/internal/mitm"
	"github.com/lifeart/revamp/internal/origin"
	"github.com/lifeart/revamp/internal/pipeline"
	"github.com/lifeart/revamp/internal/portal"
	"github.com/lifeart/revamp/internal/proxy"
	"github.com/lifeart/revamp/internal/socks"
	"github.com/lifeart/revamp/internal/stats"
	"github.com/lifeart/revamp/internal/transform"
	"github.com/lifeart/revamp/internal/version"
)

var (
	// CLI flags — these override config file values when explicitly set.
	flagConfigPath string
	flagHTTPAddr   string
	flagSOCKSAddr  string
	flagPortalAddr string
	flagCertDir    string
	flagCacheDir   string
	flagLogDir     string
	flagVerbose    bool
	flagNoCache    bool
	flagForceCA    bool
)

var rootCmd = &cobra.Command{
	Use:   "revampd",
	Short: "Revamp - intercepting proxy for legacy browsers",
	RunE:  runProxy,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var generateCACmd = &cobra.Command{
	Use:   "generate-ca",
	Short: "Generate the CA certificate and private key used for TLS interception",
	RunE:  runGenerateCA,
}

var updateBlocklistCmd = &cobra.Command{
	Use:   "update-blocklist",
	Short: "Download ad/tracker host lists and rebuild the database, then exit",
	RunE:  runUpdateBlocklist,
}

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Remove all cached transformed artifacts, then exit",
	RunE:  runClearCache,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: revamp.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagCertDir, "cert-dir", "", "directory for CA key and certificate")
	rootCmd.PersistentFlags().StringVar(&flagCacheDir, "cache-dir", "", "directory for cached transformed artifacts")

	rootCmd.Flags().StringVar(&flagHTTPAddr, "http-addr", "", "HTTP proxy listen address (host:port)")
	rootCmd.Flags().StringVar(&flagSOCKSAddr, "socks5-addr", "", "SOCKS5 listen address (host:port)")
	rootCmd.Flags().StringVar(&flagPortalAddr, "portal-addr", "", "captive portal listen address (host:port)")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")
	rootCmd.Flags().BoolVar(&flagNoCache, "no-cache", false, "disable the transformed-artifact cache")

	generateCACmd.Flags().BoolVar(&flagForceCA, "force", false, "overwrite existing CA files")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(generateCACmd)
	rootCmd.AddCommand(updateBlocklistCmd)
	rootCmd.AddCommand(clearCacheCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	// Build CLI overrides — only include flags that were explicitly set.
	overrides := config.CLIOverrides{}

	if cmd.Flags().Changed("http-addr") {
		overrides.HTTPAddr = &flagHTTPAddr
	}
	if cmd.Flags().Changed("socks5-addr") {
		overrides.SOCKS5Addr = &flagSOCKSAddr
	}
	if cmd.Flags().Changed("portal-addr") {
		overrides.PortalAddr = &flagPortalAddr
	}
	if cmd.Flags().Changed("cert-dir") {
		overrides.CertDir = &flagCertDir
	}
	if cmd.Flags().Changed("cache-dir") {
		overrides.CacheDir = &flagCacheDir
	}
	if cmd.Flags().Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if cmd.Flags().Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if cmd.Flags().Changed("no-cache") {
		overrides.NoCache = &flagNoCache
	}

	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// runProxy is the main entry point: it wires the subsystems and serves
// until interrupted.
func runProxy(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logResult := logging.Setup(logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
	})
	defer logResult.Cleanup()
	logger := logResult.Logger

	snapshot := config.NewSnapshot(cfg)
	collector := stats.NewCollector()

	ca, err := mitm.EnsureCA(cfg.CertDir)
	if err != nil {
		return fmt.Errorf("certificate authority: %w", err)
	}
	logger.Info("certificate authority ready",
		"fingerprint", ca.Fingerprint,
		"not_after", ca.NotAfter,
	)
	certCache := mitm.NewCertCache(ca)

	bf, err := initBlockfilter(&cfg, logger)
	if err != nil {
		return err
	}
	defer bf.Close() //nolint:errcheck // best-effort on shutdown

	var store *cache.Store
	if cfg.Cache.Enabled {
		store, err = cache.New(cache.Options{
			Dir:        cfg.CacheDir,
			MaxEntries: cfg.Cache.MaxEntries,
			MaxBytes:   cfg.Cache.MaxBytes,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		store.StartSweeper()
		defer store.StopSweeper()
	}

	pool := transform.NewPool(transform.PoolOptions{
		Logger: logger,
	})
	defer pool.Close()

	client := origin.NewClient(origin.Options{
		Insecure:       cfg.Origin.Insecure,
		SpoofUserAgent: cfg.Transform.SpoofUserAgent,
		Logger:         logger,
	})

	pipe := pipeline.New(pipeline.Options{
		Pool:   pool,
		Store:  store,
		Stats:  collector,
		Logger: logger,
	})

	httpProxy := proxy.New(proxy.Options{
		ListenAddr:        cfg.Listen.HTTP,
		Snapshot:          snapshot,
		CertCache:         certCache,
		Client:            client,
		Pipeline:          pipe,
		Blocker:           bf,
		Collector:         collector,
		Logger:            logger,
		Verbose:           cfg.Verbose,
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader.Duration,
		ConnectTimeout:    cfg.Timeouts.Connect.Duration,
		TunnelIdle:        cfg.Timeouts.TunnelIdle.Duration,
	})

	socksServer := socks.New(socks.Options{
		ListenAddr:  cfg.Listen.SOCKS5,
		ProxyAddr:   loopbackAddr(cfg.Listen.HTTP),
		Logger:      logger,
		Collector:   collector,
		DialTimeout: cfg.Timeouts.Connect.Duration,
	})

	portalServer := portal.New(portal.Options{
		ListenAddr: cfg.Listen.Portal,
		CA:         ca,
		CertCache:  certCache,
		Store:      store,
		Collector:  collector,
		Logger:     logger,
	})

	return runServers(&cfg, httpProxy, socksServer, portalServer, logger)
}

// initBlockfilter opens the host filter database, performs first-run
// fetches if needed, and merges inline config entries.
func initBlockfilter(cfg *config.Config, logger *slog.Logger) (*blockfilter.DB, error) {
	// The filter database lives next to the cached artifacts; cache Clear
	// only touches .bin/.meta files, so it survives a clear-cache run.
	if err := os.MkdirAll(cfg.CacheDir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", cfg.CacheDir, err)
	}
	dbPath := filepath.Join(cfg.CacheDir, "blockfilter.db")

	bf, err := blockfilter.Open(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open blockfilter: %w", err)
	}

	bf.SetEnabled(cfg.Block.Ads, cfg.Block.Tracking)
	bf.AddInlineHosts(blockfilter.KindAd, cfg.Block.AdHosts)
	bf.AddInlineHosts(blockfilter.KindTracker, cfg.Block.TrackHosts)

	// First run with list URLs configured and an empty store: fetch now.
	ads, trackers := bf.Size()
	if ads == 0 && len(cfg.Block.AdURLs) > 0 {
		logger.Info("first run with ad list URLs, fetching lists...")
		if err := bf.Update(blockfilter.KindAd, cfg.Block.AdURLs, blockfilter.HTTPFetcher()); err != nil {
			logger.Warn("ad list fetch failed, continuing without", "error", err)
		}
	}
	if trackers == 0 && len(cfg.Block.TrackURLs) > 0 {
		logger.Info("first run with tracker list URLs, fetching lists...")
		if err := bf.Update(blockfilter.KindTracker, cfg.Block.TrackURLs, blockfilter.HTTPFetcher()); err != nil {
			logger.Warn("tracker list fetch failed, continuing without", "error", err)
		}
	}

	return bf, nil
}

// runServers starts the three listeners and blocks until a signal or a
// fatal listener error.
func runServers(cfg *config.Config, httpProxy *proxy.Server, socksServer *socks.Server, portalServer *portal.Server, logger *slog.Logger) error {
	errCh := make(chan error, 3)

	go func() {
		if err := httpProxy.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http proxy: %w", err)
		}
	}()
	go func() {
		if err := socksServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("socks5: %w", err)
		}
	}()
	go func() {
		if err := portalServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("portal: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	_ = socksServer.Close()
	if err := httpProxy.Shutdown(ctx); err != nil {
		logger.Warn("http proxy shutdown", "error", err)
	}
	if err := portalServer.Shutdown(ctx); err != nil {
		logger.Warn("portal shutdown", "error", err)
	}

	return nil
}

// runGenerateCA creates the CA files without starting the proxy.
func runGenerateCA(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.CertDir, 0o755); err != nil {
		return fmt.Errorf("create cert dir %s: %w", cfg.CertDir, err)
	}

	certPath := filepath.Join(cfg.CertDir, mitm.CAFileName)
	keyPath := filepath.Join(cfg.CertDir, mitm.KeyFileName)
	if err := mitm.GenerateCA(certPath, keyPath, flagForceCA); err != nil {
		return err
	}

	fmt.Printf("CA certificate written to %s\nCA private key written to %s\n", certPath, keyPath)
	return nil
}

// runUpdateBlocklist refreshes the host filter lists and exits.
func runUpdateBlocklist(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logResult := logging.Setup(logging.Config{Verbose: cfg.Verbose})
	defer logResult.Cleanup()

	bf, err := initBlockfilter(&cfg, logResult.Logger)
	if err != nil {
		return err
	}
	defer bf.Close() //nolint:errcheck // best-effort on exit

	if len(cfg.Block.AdURLs) > 0 {
		if err := bf.Update(blockfilter.KindAd, cfg.Block.AdURLs, blockfilter.HTTPFetcher()); err != nil {
			return err
		}
	}
	if len(cfg.Block.TrackURLs) > 0 {
		if err := bf.Update(blockfilter.KindTracker, cfg.Block.TrackURLs, blockfilter.HTTPFetcher()); err != nil {
			return err
		}
	}

	ads, trackers := bf.Size()
	fmt.Printf("host filter updated: %d ad hosts, %d tracker hosts\n", ads, trackers)
	return nil
}

// runClearCache removes all cached artifacts and exits.
func runClearCache(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := cache.New(cache.Options{Dir: cfg.CacheDir})
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}

	fmt.Printf("cache cleared: %s\n", cfg.CacheDir)
	return nil
}

// runConfigDump prints the resolved configuration.
func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

// runConfigValidate validates and reports.
func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	fmt.Println("config OK")
	return nil
}

// loopbackAddr rewrites a listen address to its loopback equivalent, for
// the SOCKS5 server to reach the HTTP frontend on the same host.
func loopbackAddr(listen string) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	return net.JoinHostPort("127.0.0.1", port)
}
