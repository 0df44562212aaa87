// Command phasehound-broker is the broker process: it owns the control
// socket, the feed registry, and the plugin fleet, autoloads every addon
// it discovers under its configured addon roots, and serves clients until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kd9jxq/phasehound/internal/broker"
	"github.com/kd9jxq/phasehound/internal/config"
	"github.com/kd9jxq/phasehound/internal/dwlog"
	"github.com/kd9jxq/phasehound/internal/feed"
	"github.com/kd9jxq/phasehound/internal/pluginhost"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "phasehound-broker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, closeLog, err := dwlog.New(dwlog.Options{
		Level:    config.ParseLevel(cfg.LogLevel),
		DailyDir: cfg.LogDir,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closeLog()

	feeds := feed.New()
	plugins := pluginhost.New(cfg.SockPath, logger)

	autoloadAddons(plugins, cfg.AddonRoots, logger)

	b := broker.New(cfg.SockPath, feeds, plugins, cfg.AddonRoots, logger)
	if err := b.Listen(); err != nil {
		return err
	}
	logger.Info("listening", "sock_path", cfg.SockPath)

	if cfg.Announce {
		stopAnnounce, err := broker.Announce(context.Background(), "phasehound", cfg.SockPath, logger)
		if err != nil {
			logger.Warn("dns-sd announce failed", "err", err)
		} else {
			defer stopAnnounce()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig)
		b.Shutdown()
	}()

	return b.Run()
}

// autoloadAddons discovers every shared library under roots and loads it,
// logging (not failing the broker's startup on) any individual failure —
// one broken addon must not prevent the others from coming up.
func autoloadAddons(plugins *pluginhost.Host, roots []string, logger dwlog.Logger) {
	found, err := pluginhost.Discover(roots)
	if err != nil {
		logger.Warn("addon discovery failed", "err", err)
		return
	}
	for _, path := range found {
		if _, err := plugins.Autoload(path); err != nil {
			logger.Error("autoload failed", "path", path, "err", err)
		}
	}
}
