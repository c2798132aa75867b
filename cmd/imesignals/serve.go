package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	rootpkg "tools.zach/dev/imesignals"
	"tools.zach/dev/imesignals/internal/atomicfile"
	"tools.zach/dev/imesignals/internal/bus"
	"tools.zach/dev/imesignals/internal/config"
	"tools.zach/dev/imesignals/internal/logger"
	"tools.zach/dev/imesignals/internal/notify"
	"tools.zach/dev/imesignals/internal/signals"
	"tools.zach/dev/imesignals/internal/watch"
)

// ///////////////////////////////////////////////
// Serve Command
// ///////////////////////////////////////////////

// cmdServe runs the daemon until SIGINT or SIGTERM.
func cmdServe(dp DataPaths, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	foreground := fs.Bool("foreground", false, "Also write logs to stderr")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return usageErrorf("serve takes no arguments, got %q", fs.Args())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-signalChannel():
			slog.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	return serve(ctx, dp, *foreground, stderr)
}

// serve owns the tracker and the bus server until ctx is done.
func serve(ctx context.Context, dp DataPaths, foreground bool, stderr io.Writer) error {
	if err := os.MkdirAll(dp.Root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if alive, pid := checkStalePID(dp); alive {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	ensureConfig(dp, stderr)

	cfg, err := config.LoadFile(dp.Config())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(logger.ParseLevel(cfg.Log.Level))
	log, logCloser, err := logger.New(logger.Options{
		Path:       dp.Log(),
		Level:      level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		Foreground: foreground,
		Stderr:     stderr,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("imesignals starting", "version", resolveVersion(), "data_dir", dp.Root)

	token := pidToken()
	pidFile, err := writePID(dp, token)
	if err != nil {
		slog.Error("failed to write PID file", "error", err)
		return err
	}
	defer removePID(dp, token, pidFile)

	ln, addr, err := bus.Listen(bus.Endpoint{Name: cfg.Bus.Name, Socket: cfg.Bus.Socket})
	if err != nil {
		slog.Error("failed to listen", "error", err)
		return err
	}
	if err := atomicfile.Write(dp.Bus(), []byte(addr), 0o644); err != nil {
		ln.Close()
		slog.Error("failed to record bus address", "error", err)
		return fmt.Errorf("write bus address: %w", err)
	}
	defer removeBusAddr(dp, addr)

	ctrl := &trackerControl{}
	server := bus.NewServer(ln, ctrl, bus.ServerOptions{
		QueueSize:    cfg.Bus.QueueSize,
		PublishAllow: cfg.Bus.PublishAllow,
	})

	notifiers := notify.Multi{notify.Bus{B: server}, notify.Log{}}
	if cfg.Webhook.Enabled {
		hook, err := notify.NewWebhook(webhookOptions(cfg.Webhook))
		if err != nil {
			server.Close()
			slog.Error("failed to start webhook notifier", "error", err)
			return err
		}
		defer func() {
			hook.Close()
			slog.Info("webhook notifier stopped",
				"sent", hook.Sent(),
				"failed", hook.Failed(),
				"dropped", hook.Dropped(),
			)
		}()
		notifiers = append(notifiers, hook)
	}
	ctrl.tracker = signals.NewTracker(notifiers)

	var configEvents <-chan struct{}
	watcher, err := watch.New(dp.Config())
	if err != nil {
		slog.Warn("config watching disabled", "error", err)
	} else {
		defer watcher.Close()
		configEvents = watcher.Events()
		if watcher.Polling() {
			slog.Info("using polling mode for config watching")
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()
	slog.Info("bus listening",
		"addr", addr,
		"queue_size", cfg.Bus.QueueSize,
		"webhook", cfg.Webhook.Enabled,
	)

	for {
		select {
		case err := <-serveErr:
			if err != nil {
				slog.Error("bus server stopped", "error", err)
				return err
			}
			slog.Info("imesignals stopped", "dropped_broadcasts", server.Dropped())
			return nil

		case <-configEvents:
			cfg = reloadConfig(cfg, dp.Config(), level, server)
		}
	}
}

// ///////////////////////////////////////////////
// Wiring Helpers
// ///////////////////////////////////////////////

// ensureConfig writes the annotated default config unless one exists.
// Failure is only a warning.
func ensureConfig(dp DataPaths, stderr io.Writer) {
	if _, err := atomicfile.WriteNew(dp.Config(), rootpkg.DefaultConfigTOML, 0o644); err != nil {
		fmt.Fprintf(stderr, "warning: failed to write default config: %v\n", err)
	}
}

// removeBusAddr deletes the bus address file if it still names addr.
func removeBusAddr(dp DataPaths, addr string) {
	data, err := os.ReadFile(dp.Bus())
	if err != nil || string(data) != addr {
		return
	}
	if err := os.Remove(dp.Bus()); err != nil {
		slog.Warn("failed to remove bus address file", "error", err)
	}
}

// trackerControl routes bus commands to the tracker.
type trackerControl struct {
	tracker *signals.Tracker
}

func (c *trackerControl) SetPending(pending bool) {
	slog.Debug("set pending", "pending", pending)
	c.tracker.SetPending(pending)
}

func (c *trackerControl) AcceptText(callingApp string) {
	slog.Debug("accept text", "calling_app", callingApp, "pending", c.tracker.Pending())
	c.tracker.AcceptText(signals.PackageName(callingApp))
}

// webhookOptions converts the [config.WebhookConfig] section.
func webhookOptions(wc config.WebhookConfig) notify.WebhookOptions {
	return notify.WebhookOptions{
		URL:       wc.URL,
		RetryMax:  wc.RetryMax,
		Timeout:   time.Duration(wc.TimeoutSeconds) * time.Second,
		QueueSize: wc.QueueSize,
	}
}

// allowSetter receives publish allow list updates.
type allowSetter interface {
	SetPublishAllow(patterns []string)
}

// reloadConfig applies the live settings in the config file at path and
// returns the config now in effect. A file that fails to load keeps cur.
func reloadConfig(cur *config.Config, path string, level *slog.LevelVar, srv allowSetter) *config.Config {
	next, err := config.LoadFile(path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous settings", "error", err)
		return cur
	}

	level.Set(logger.ParseLevel(next.Log.Level))
	srv.SetPublishAllow(next.Bus.PublishAllow)
	if cur.RestartRequired(next) {
		slog.Warn("bus, webhook and log size changes take effect after restart")
	}
	slog.Info("config reloaded",
		"log_level", next.Log.Level,
		"publish_allow", strings.Join(next.Bus.PublishAllow, ","),
	)
	return next
}
