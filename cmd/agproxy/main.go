package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anime-games-proxy/agproxy/cert"
	"github.com/anime-games-proxy/agproxy/launcher"
	"github.com/anime-games-proxy/agproxy/proxy"
	"github.com/anime-games-proxy/agproxy/version"
)

// gracePeriod bounds the wait for in-flight requests after a signal.
const gracePeriod = 5 * time.Second

func main() {
	config, err := loadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		fs := newFlagSet(new(Config))
		fs.SetOutput(os.Stderr)
		fs.PrintDefaults()
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if config.version {
		fmt.Println("agproxy: " + version.String())
		os.Exit(0)
	}

	level := slog.LevelInfo
	addSource := false
	if config.Debug > 0 {
		level = slog.LevelDebug
		addSource = config.Debug > 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	})))

	svc, err := launcher.New(config.Options)
	if err != nil {
		slog.Error("failed to create proxy", "error", err, "fatal", errors.Is(err, proxy.ErrFatalStartup))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.installCert {
		os.Exit(installCert(ctx, config, svc.CA()))
	}

	slog.Info("agproxy started", "version", version.Version, "target", svc.Target())

	h, err := svc.Start(ctx, config.Port)
	if err != nil {
		slog.Error("failed to start proxy", "error", err)
		os.Exit(1)
	}

	if err := awaitShutdown(ctx, h, func() error { return svc.Stop(h) }, gracePeriod); err != nil {
		slog.Error("proxy exited", "error", err)
		os.Exit(1)
	}
}

// awaitShutdown blocks until the proxy stops on its own or ctx ends. After
// ctx ends, in-flight requests get grace to complete before abort is
// called.
func awaitShutdown(ctx context.Context, h *proxy.Handle, abort func() error, grace time.Duration) error {
	select {
	case <-h.Done():
	case <-ctx.Done():
		slog.Info("shutting down", "grace", grace)
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-h.Done():
		case <-timer.C:
			slog.Warn("grace period over, aborting connections")
			if err := abort(); err != nil {
				slog.Warn("abort failed", "error", err)
			}
		}
	}
	return h.Wait()
}

func installCert(ctx context.Context, config *Config, ca *cert.SelfSignCA) int {
	installer := &cert.Installer{
		Command:    config.Wine,
		WinePrefix: config.WinePrefix,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}
	fingerprint, err := installer.Install(ctx, ca.CertFile())
	if err != nil {
		slog.Error("failed to install certificate", "error", err)
		return 1
	}
	fmt.Println("installed certificate " + fingerprint)
	return 0
}
