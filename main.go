package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"nexusd/server"
)

// Exit codes reported to the supervisor.
const (
	exitOK        = 0
	exitBadConfig = 2
	exitBindFail  = 3
	exitTLSFail   = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("NEXUSD_CONFIG"), "Path to YAML config")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		return exitBadConfig
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		logger.Error("configuration rejected", "error", err)
		return exitBadConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return exitBadConfig
	}

	tlsCfg, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		logger.Error("tls materials rejected", "error", err)
		return exitTLSFail
	}

	// Bind before daemonizing anything so a taken port fails fast.
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("cannot bind listener", "addr", cfg.ListenAddr, "error", err)
		return exitBindFail
	}

	srv := &http.Server{
		Handler:           app.Routes(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go reloadOnSIGHUP(ctx, app)

	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			logger.Info("server listening", "addr", cfg.ListenAddr, "tls", true)
			errCh <- srv.ServeTLS(ln, "", "")
		} else {
			logger.Info("server listening", "addr", cfg.ListenAddr, "tls", false)
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			return exitBindFail
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("server stopped")
	return exitOK
}

// buildTLSConfig picks the TLS source: on-disk materials win, then ACME,
// then plain HTTP (nil config).
func buildTLSConfig(cfg server.TLSConfig) (*tls.Config, error) {
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, nil
	}

	if len(cfg.ACMEDomains) > 0 {
		cache := cfg.ACMECache
		if cache == "" {
			cache = "./acme-cache"
		}
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cache),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.ACMEDomains...),
			Email:      cfg.ACMEEmail,
		}
		return &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
			NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
		}, nil
	}

	return nil, nil
}

// reloadOnSIGHUP re-reads the service registry while the process runs.
func reloadOnSIGHUP(ctx context.Context, app *server.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			_ = app.Reload()
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
