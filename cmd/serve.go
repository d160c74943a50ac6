// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/blobsource/pkg/debug"
	"github.com/LeeDigitalWorks/blobsource/pkg/logger"
	"github.com/LeeDigitalWorks/blobsource/pkg/sourcestore"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/backend"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/source"
	"github.com/LeeDigitalWorks/blobsource/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServeOpts holds all configuration for the serve command
type ServeOpts struct {
	BindAddr  string // Interface for the debug server
	DebugPort int

	SweepInterval time.Duration
	DefaultTTL    time.Duration // Expiry used when preloading
	Preload       bool          // Create every instance at startup

	// Instance records
	DatabaseDriver string
	DatabaseURL    string
	Redis          sourcestore.RedisConfig
	Sources        []sourcestore.StaticEntry
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the configured storage sources",
	Long: `Load source instances from the config file, the database and Redis,
register them on a source manager and run the idle-eviction sweep. Metrics,
health and the instance table are served on the debug port.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("bind_addr", "0.0.0.0", "Interface to bind the debug server to")
	f.Int("debug_port", 8010, "Debug/metrics HTTP port")
	f.Duration("sweep_interval", source.DefaultSweepInterval, "How often idle backends are evicted")
	f.Duration("default_ttl", 10*time.Minute, "Expiry for backends created by --preload (0 = never)")
	f.Bool("preload", false, "Create and start every instance at startup")
	f.String("database_driver", sourcestore.DriverPostgres, "Database driver for instance records (postgres, mysql)")
	f.String("database_url", "", "Database DSN holding the sources table (empty = disabled)")
	f.String("redis_addr", "", "Redis address holding instance records (empty = disabled)")

	viper.BindPFlags(f)
}

func runServe(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("blobsource", false)
	opts, err := loadServeOpts(cmd)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	debug.SetNotReady()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	m := newManager(source.WithSweepInterval(opts.SweepInterval))

	stores, closeStores, err := openStores(ctx, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open instance stores")
	}
	defer closeStores()
	if err := loadAll(ctx, m, stores); err != nil {
		logger.Warn().Err(err).Msg("some source instances were skipped")
	}

	if opts.Preload {
		preload(ctx, m, opts.DefaultTTL)
	}

	debug.RegisterHandlerFunc("/sources", sourcesHandler(m))
	debug.SetBuildInfo(VersionInfo())
	defer addStoreReadyChecks(stores)()

	m.Start()
	debugServer := startHTTPServer(debug.GetMux(), opts.BindAddr, opts.DebugPort)
	debug.SetReady()

	waitForShutdown()

	debug.SetNotReady()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	debugServer.Shutdown(shutdownCtx)
	if err := m.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("source shutdown reported errors")
	}
}

func loadServeOpts(cmd *cobra.Command) (ServeOpts, error) {
	f := NewFlagLoader(cmd)

	var entries []sourcestore.StaticEntry
	if err := viper.UnmarshalKey("sources", &entries); err != nil {
		return ServeOpts{}, fmt.Errorf("sources: %w", err)
	}

	return ServeOpts{
		BindAddr:       f.String("bind_addr"),
		DebugPort:      f.Int("debug_port"),
		SweepInterval:  f.Duration("sweep_interval"),
		DefaultTTL:     f.Duration("default_ttl"),
		Preload:        f.Bool("preload"),
		DatabaseDriver: f.String("database_driver"),
		DatabaseURL:    f.String("database_url"),
		Redis: sourcestore.RedisConfig{
			Addr:     f.String("redis_addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			Key:      viper.GetString("redis.key"),
		},
		Sources: entries,
	}, nil
}

// newManager builds a source manager with every built-in source type.
func newManager(opts ...source.Option) *source.Manager {
	m := source.NewManager(opts...)
	for _, st := range backend.Types() {
		m.RegisterType(st)
	}
	return m
}

// openStores opens every configured record store. Static sources come first
// so database and Redis records replace them on id clashes.
func openStores(ctx context.Context, opts ServeOpts) ([]sourcestore.Store, func(), error) {
	var (
		stores  []sourcestore.Store
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn().Err(err).Msg("failed to close instance store")
			}
		}
	}

	static, err := sourcestore.NewStatic(opts.Sources)
	if err != nil {
		return nil, nil, err
	}
	if len(static) > 0 {
		stores = append(stores, static)
	}

	if opts.DatabaseURL != "" {
		db, err := sourcestore.OpenSQL(ctx, sourcestore.SQLConfig{
			Driver: opts.DatabaseDriver,
			DSN:    opts.DatabaseURL,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		stores = append(stores, db)
		closers = append(closers, db.Close)
	}

	if opts.Redis.Addr != "" {
		rs, err := sourcestore.NewRedisStore(ctx, opts.Redis)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		stores = append(stores, rs)
		closers = append(closers, rs.Close)
	}

	return stores, closeAll, nil
}

func loadAll(ctx context.Context, m *source.Manager, stores []sourcestore.Store) error {
	var errs []error
	for _, s := range stores {
		if _, err := sourcestore.Load(ctx, s, m); err != nil {
			errs = append(errs, err)
		}
	}
	if len(stores) == 0 {
		logger.Warn().Msg("no instance stores configured; no sources will be available")
	}
	return errors.Join(errs...)
}

// preload creates every registered instance so configuration problems
// surface at startup instead of on first use.
func preload(ctx context.Context, m *source.Manager, ttl time.Duration) {
	for _, info := range m.Instances() {
		if _, err := m.GetOrCreate(ctx, info.ID, ttl); err != nil {
			logger.Error().Err(err).Int64("instance_id", info.ID).Str("type", info.Type).Msg("failed to preload source")
		}
	}
}

// sourcesHandler serves the instance table, or one instance with ?id=.
func sourcesHandler(m *source.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		infos := m.Instances()
		q := r.URL.Query().Get("id")
		if q == "" {
			debug.WriteJSON(w, infos)
			return
		}
		id, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		for _, info := range infos {
			if info.ID == id {
				debug.WriteJSON(w, info)
				return
			}
		}
		http.Error(w, "unknown instance", http.StatusNotFound)
	}
}

// addStoreReadyChecks makes /ready fail while a remote record store is
// unreachable. The returned func removes the checks.
func addStoreReadyChecks(stores []sourcestore.Store) func() {
	var removers []func()
	for _, s := range stores {
		switch s := s.(type) {
		case *sourcestore.SQLStore:
			removers = append(removers, debug.AddReadyCheck("sql", s.Ping))
		case *sourcestore.RedisStore:
			removers = append(removers, debug.AddReadyCheck("redis", s.Ping))
		}
	}
	return func() {
		for _, remove := range removers {
			remove()
		}
	}
}

func startHTTPServer(handler http.Handler, ip string, port int) *http.Server {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info().Str("http_addr", addr).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}
