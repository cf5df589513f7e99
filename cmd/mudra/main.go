// Command mudra runs the gesture-triggered recording pipeline: camera
// frames through the detection worker, trigger state machine, capture
// control and the UI surface.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ayusman/mudra/internal/app"
	"github.com/ayusman/mudra/internal/camctrl"
	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/config"
	"github.com/ayusman/mudra/internal/server"
	"github.com/ayusman/mudra/internal/store"
	"github.com/ayusman/mudra/internal/tray"
)

var (
	flagConfig   string
	flagAddr     string
	flagDB       string
	flagLogFile  string
	flagLogLevel string
	flagNoTray   bool
)

func main() {
	root := &cobra.Command{
		Use:   "mudra",
		Short: "Gesture-triggered recording control",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}

	root.Flags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file (watched for changes)")
	root.Flags().StringVar(&flagAddr, "addr", ":8080", "HTTP listen address")
	root.Flags().StringVar(&flagDB, "db", "", "path to the sqlite database (default ~/.mudra/mudra.db)")
	root.Flags().StringVar(&flagLogFile, "log-file", "", "write JSON logs to this file with rotation")
	root.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().BoolVar(&flagNoTray, "no-tray", false, "run headless without the system tray")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logger, closer, err := setupLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgStore, err := setupConfig(ctx, logger)
	if err != nil {
		return err
	}
	cfg := cfgStore.Current()

	dbPath := flagDB
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		dir := filepath.Join(home, ".mudra")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		dbPath = filepath.Join(dir, "mudra.db")
	}
	db, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	var control app.Controller
	if cfg.ControlSocket != "" {
		client, err := camctrl.Dial(cfg.ControlSocket, logger)
		if err != nil {
			logger.Warn("capture control unavailable", "socket", cfg.ControlSocket, "error", err)
		} else {
			defer client.Close()
			control = client
			if info, err := client.CameraInfo(ctx); err == nil {
				logger.Info("capture device", "mode", info.String())
			}
		}
	}

	camera := capture.NewCamera(cfg.CameraID)

	var application *app.App
	srv := server.New(server.Options{
		Config: cfgStore,
		Store:  db,
		Camera: camera,
		Status: func() server.Status {
			if application == nil {
				return server.Status{WorkerState: "starting"}
			}
			return application.Status()
		},
		Logger: logger,
	})

	application = app.New(app.Options{
		Config:  cfgStore,
		Store:   db,
		Camera:  camera,
		Hub:     srv.Hub(),
		Control: control,
		Logger:  logger,
	})

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer application.Stop()

	go func() {
		logger.Info("http server listening", "addr", flagAddr)
		if err := srv.ListenAndServe(flagAddr); err != nil {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	if flagNoTray {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	}

	t := tray.New()
	t.OnToggle(application.SetEnabled)
	t.OnSettings(func() {
		logger.Info("settings", "url", settingsURL(flagAddr))
	})
	t.OnQuit(cancel)

	// Mirror pipeline state into the tray.
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				t.Quit()
				return
			case <-ticker.C:
				t.SetRecording(application.Recording())
				t.SetCounters(application.TriggerCounts())
			}
		}
	}()

	// systray must run on the main thread; blocks until quit.
	t.Run()
	logger.Info("shutting down")
	return nil
}

func setupLogger() (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(flagLogLevel)
	if err != nil {
		return nil, nil, err
	}

	if flagLogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   flagLogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		h := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level})
		return slog.New(h), rotator, nil
	}

	h := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	})
	return slog.New(h), nil, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func setupConfig(ctx context.Context, logger *slog.Logger) (*config.Store, error) {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	cfgStore, err := config.NewStore(cfg)
	if err != nil {
		return nil, err
	}

	if flagConfig != "" {
		go func() {
			if err := config.Watch(ctx, flagConfig, cfgStore, logger); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}
	return cfgStore, nil
}

func settingsURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
