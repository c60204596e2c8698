package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	geminichat "github.com/MegaGrindStone/gemini-web-chat"
	"github.com/MegaGrindStone/gemini-web-chat/internal/conversation"
	"github.com/MegaGrindStone/gemini-web-chat/internal/handlers"
	"github.com/MegaGrindStone/gemini-web-chat/internal/services"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	configPath string
	port       string
	debug      bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "geminichat",
		Short: "Serve a browser chat page backed by Google Gemini",
		Long: `geminichat serves a single-page chat interface. Messages typed in the page are forwarded
to the configured model and the reply is streamed back into the page as it is generated.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the config file")
	cmd.Flags().StringVarP(&opts.port, "port", "p", "", "port to listen on, overrides the config file")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newTranscriptCmd(&opts))

	return cmd
}

func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "geminichat", "config.yaml"), nil
}

func newLogger(level string, debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if debug {
		lvl = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// resolveConfig loads the config file named by the flags, or the default one if it exists.
func resolveConfig(opts options) (config, error) {
	if opts.configPath != "" {
		return loadConfig(opts.configPath, true)
	}
	p, err := defaultConfigPath()
	if err != nil {
		return config{}, err
	}
	return loadConfig(p, false)
}

func run(ctx context.Context, opts options) error {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}
	if opts.port != "" {
		cfg.Port = opts.port
	}

	logger, err := newLogger(cfg.LogLevel, opts.debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	convID := uuid.NewString()
	convOpts := []conversation.Option{
		conversation.WithID(convID),
		conversation.WithGreeting(cfg.Greeting),
	}

	if cfg.Archive != "" {
		archive, err := services.NewBoltArchive(cfg.Archive)
		if err != nil {
			return err
		}
		defer func() {
			if err := archive.Close(); err != nil {
				logger.Error("Failed to close archive", zap.Error(err))
			}
		}()
		if err := archive.StartSession(ctx, services.ArchivedSession{ID: convID, StartedAt: time.Now()}); err != nil {
			return err
		}
		convOpts = append(convOpts, conversation.WithArchive(archive))
		logger.Info("Archiving transcript", zap.String("path", cfg.Archive))
	}

	conv := conversation.Open(ctx, func(ctx context.Context) (conversation.Session, error) {
		return cfg.LLM.session(ctx, cfg.SystemInstruction, logger)
	}, logger, convOpts...)

	m, err := handlers.NewMain(conv, logger)
	if err != nil {
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(geminichat.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/state", m.HandleState)
	mux.HandleFunc("/sse/messages", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", zap.Error(err))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("Server error", zap.Error(err))
		return err

	case sig := <-shutdown:
		logger.Info("Start shutdown", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", zap.Error(err))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", zap.Error(err))
			}
		}
	}
	return nil
}
