package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/api"
	"github.com/jmcleod/ironsession/engine"
	"github.com/jmcleod/ironsession/internal/config"
	"github.com/jmcleod/ironsession/session"
)

var (
	serveAddr  string
	serveTabID string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one session tab behind the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		logger := cfg.Logger()

		ctx := context.Background()
		b, err := openBackends(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer b.Close()

		c, err := engine.New(coordinatorOptions(cfg, b, serveTabID)...)
		if err != nil {
			return err
		}
		defer c.Dispose()

		unsubscribe := c.Events().Subscribe(func(ev engine.Event) {
			switch e := ev.(type) {
			case engine.Warning:
				logger.Info("session idle", slog.String("tab_id", c.TabID()), slog.Duration("remaining", e.Remaining))
			case engine.Ended:
				logger.Info("session ended", slog.String("tab_id", c.TabID()), slog.String("reason", string(e.Reason)))
			}
		})
		defer unsubscribe()

		if err := c.Init(ctx, session.Metadata{}); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}

		a := api.New(c,
			api.WithLogger(logger),
			api.WithHeaderPolicy(engine.HeaderPolicy{
				Environment: engine.Environment(cfg.Server.Environment),
				ConnectSrc:  cfg.Server.ConnectSrc,
			}),
		)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		var tlsConfig *tls.Config
		if cfg.Server.TLSCert != "" {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		out := cmd.OutOrStdout()
		printBanner(out)
		fmt.Fprintf(out, "Serving tab %s on %s (storage: %s, channel: %s)...\n",
			c.TabID(), cfg.Server.Addr, cfg.Storage.Backend, cfg.Channel.Transport)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// coordinatorOptions translates cfg into engine options. An empty tabID
// lets the engine generate one.
func coordinatorOptions(cfg config.Config, b *backends, tabID string) []engine.Option {
	s := cfg.Session
	opts := []engine.Option{
		engine.WithStorage(b.repo, s.Partition),
		engine.WithTelemetry(b.telemetry),
		engine.WithTimeout(s.WarnAfter, s.ExpireAfter),
		engine.WithPollInterval(s.PollInterval),
		engine.WithTokenRotation(s.RotationInterval, s.MaxRotations),
		engine.WithReconcileInterval(s.ReconcileInterval),
		engine.WithBackupInterval(s.BackupInterval),
	}
	if b.channel != nil {
		opts = append(opts, engine.WithChannel(b.channel))
	}
	if b.versionCache != nil {
		opts = append(opts, engine.WithVersionCache(b.versionCache))
	}
	if s.WrappingSecret != "" {
		opts = append(opts, engine.WithWrappingSecret([]byte(s.WrappingSecret)))
	}
	if tabID != "" {
		opts = append(opts, engine.WithTabID(tabID))
	}
	return opts
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveTabID, "tab-id", "", "Tab id to run as (default: generated)")
}
