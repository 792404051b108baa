package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/obdgate/internal/broadcast"
	"github.com/danmuck/obdgate/internal/gateway"
	"github.com/danmuck/obdgate/internal/httpapi"
	"github.com/danmuck/obdgate/internal/logging"
	"github.com/danmuck/obdgate/internal/observability"
	"github.com/danmuck/obdgate/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to obdgate TOML config")
		addr       = pflag.String("addr", "", "device TCP listen address (overrides config)")
		httpAddr   = pflag.String("http-addr", "", "operator HTTP listen address (overrides config)")
		initConfig = pflag.String("init-config", "", "write an annotated config template to this path and exit")
		force      = pflag.Bool("force", false, "overwrite an existing file with --init-config")
		check      = pflag.Bool("check-config", false, "validate the config and exit")
	)
	pflag.Parse()

	logging.ConfigureRuntime()
	if *initConfig != "" {
		if err := writeConfigTemplate(*initConfig, *force); err != nil {
			fmt.Fprintf(os.Stderr, "obdgate: %v\n", err)
			os.Exit(1)
		}
		log.Info().Str("path", *initConfig).Msg("obdgate wrote config template")
		return
	}
	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "obdgate: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Gateway.ListenAddr = normalizeAddr(*addr)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = normalizeAddr(*httpAddr)
	}
	if *check {
		log.Info().Str("path", *configPath).Msg("obdgate config valid")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("obdgate exited")
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg appConfig) (store.Backend, error) {
	var (
		backend store.Backend
		err     error
	)
	switch cfg.Store.Kind {
	case storeSQLite:
		backend, err = store.OpenSQLite(store.SQLiteConfig{Path: cfg.Store.SQLitePath})
		if err != nil {
			return nil, err
		}
	default:
		backend = store.NewMemory(cfg.Store.MemoryHistory)
	}
	for _, d := range cfg.Devices {
		if err := backend.RegisterDevice(ctx, d.ID, d.Organization); err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("register device %s: %w", d.ID, err)
		}
	}
	return backend, nil
}

// run wires the gateway, broadcast hub and HTTP API and blocks until ctx is
// done or one of them fails.
func run(ctx context.Context, cfg appConfig) error {
	observability.RegisterMetrics()
	backend, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	hub := broadcast.NewHub()
	defer hub.Close()

	svc := gateway.NewService(cfg.Gateway, gateway.Deps{
		Storage:       backend,
		Organizations: backend,
		Publisher:     hub,
	})
	api := httpapi.New(cfg.HTTP, httpapi.Deps{
		Gateway: svc,
		Store:   backend,
		Hub:     hub,
	})

	tcpLn, err := net.Listen("tcp", cfg.Gateway.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", cfg.Gateway.ListenAddr, err)
	}
	httpLn, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		_ = tcpLn.Close()
		return fmt.Errorf("listen http %s: %w", cfg.HTTP.Addr, err)
	}

	log.Info().
		Str("tcp", tcpLn.Addr().String()).
		Str("http", httpLn.Addr().String()).
		Str("store", cfg.Store.Kind).
		Int("devices", len(cfg.Devices)).
		Msg("obdgate starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Serve(gctx, tcpLn)
	})
	g.Go(func() error {
		return api.Run(gctx, httpLn)
	})
	return g.Wait()
}
