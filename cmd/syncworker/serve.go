package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	cookiejar "github.com/juju/persistent-cookiejar"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenSlides/openslides-client-sub007/internal/auth"
	"github.com/OpenSlides/openslides-client-sub007/internal/autoupdate"
	"github.com/OpenSlides/openslides-client-sub007/internal/config"
	"github.com/OpenSlides/openslides-client-sub007/internal/icc"
	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
	"github.com/OpenSlides/openslides-client-sub007/internal/metrics"
	"github.com/OpenSlides/openslides-client-sub007/internal/port"
	"github.com/OpenSlides/openslides-client-sub007/internal/stream"
	"github.com/OpenSlides/openslides-client-sub007/internal/transport"
	"github.com/OpenSlides/openslides-client-sub007/internal/worker"
	"github.com/OpenSlides/openslides-client-sub007/pkg/retry"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	return cmd
}

// app is the wired worker.
type app struct {
	cfg        *config.Config
	auth       *auth.Manager
	autoupdate *autoupdate.Pool
	icc        *icc.Pool
	worker     *worker.Worker
}

func newApp(cfg *config.Config) (*app, error) {
	jar, err := cookiejar.New(&cookiejar.Options{
		Filename:  cfg.Auth.CookieFile,
		NoPersist: cfg.Auth.CookieFile == "",
	})
	if err != nil {
		return nil, fmt.Errorf("open cookie jar: %w", err)
	}

	sc := cfg.Stream
	authManager := auth.NewManager(auth.Options{
		URL:    cfg.Auth.URL,
		Prefix: cfg.Auth.Prefix,
		Client: &http.Client{Timeout: sc.HealthTimeout},
		Jar:    jar,
	})

	ports := port.NewRegistry()
	poolOpts := func(name string, e stream.Endpoint) stream.PoolOptions {
		return stream.PoolOptions{
			Name:          name,
			Endpoint:      e,
			Client:        &http.Client{},
			Clock:         clock.WallClock,
			Broadcaster:   ports,
			OfflineGrace:  sc.OfflineGrace,
			HealthTimeout: sc.HealthTimeout,
			HealthBackoff: retry.Config{
				InitialWait: sc.HealthInitialWait,
				MaxWait:     sc.HealthMaxWait,
				Multiplier:  2,
			},
			ReconnectRate: sc.ReconnectRate,
		}
	}
	reconnect := retry.Config{
		InitialWait: sc.ReconnectDelay,
		MaxWait:     sc.HealthMaxWait,
		Multiplier:  2,
		Jitter:      0.2,
	}

	streaming := transport.StreamingFactory(transport.StreamingOptions{
		Client:       &http.Client{Jar: jar},
		StopTimeout:  sc.StopTimeout,
		MaxFrameSize: sc.MaxFrameSize,
	})
	polling := transport.PollingFactory(transport.PollingOptions{
		Client:      &http.Client{Jar: jar},
		Clock:       clock.WallClock,
		Interval:    sc.PollInterval,
		Timeout:     sc.PollTimeout,
		StopTimeout: sc.StopTimeout,
	})
	autoupdateTransport := streaming
	if cfg.Autoupdate.Transport == "poll" {
		autoupdateTransport = polling
	}

	au := autoupdate.NewPool(autoupdate.Options{
		Stream: poolOpts(autoupdate.Sender, stream.Endpoint{
			URL:       cfg.Autoupdate.URL,
			HealthURL: cfg.Autoupdate.HealthURL,
			Method:    cfg.Autoupdate.Method,
		}),
		Transport:   autoupdateTransport,
		Tokens:      authManager,
		RetryBudget: sc.RetryBudget,
		Reconnect:   reconnect,
		StopTimeout: sc.StopTimeout,
	})
	if !cfg.Autoupdate.Compression {
		au.DisableCompression()
	}

	iccPool := icc.NewPool(icc.Options{
		Stream: poolOpts(icc.Sender, stream.Endpoint{
			URL:       cfg.ICC.URL,
			HealthURL: cfg.ICC.HealthURL,
			Method:    http.MethodGet,
		}),
		Transport:   streaming,
		Tokens:      authManager,
		RetryBudget: sc.RetryBudget,
		Reconnect:   reconnect,
		StopTimeout: sc.StopTimeout,
	})

	w := worker.New(worker.Options{
		Autoupdate: au,
		ICC:        iccPool,
		Auth:       authManager,
		Ports:      ports,
		Polling:    polling,
	})

	return &app{cfg: cfg, auth: authManager, autoupdate: au, icc: iccPool, worker: w}, nil
}

// handler serves the tab websocket and the worker's own health check.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", a.worker)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"healthy": true,
			"ports":   a.worker.Ports().Count(),
		})
	})
	return logging.Middleware(mux)
}

// close shuts everything down in dependency order.
func (a *app) close() {
	a.worker.Shutdown()
	a.autoupdate.Close()
	a.icc.Close()
	if err := a.auth.Close(); err != nil {
		logging.Warn("closing auth failed", zap.Error(err))
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()

	logging.Info("sync worker starting",
		zap.String("version", version),
		zap.String("addr", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("autoupdate", cfg.Autoupdate.URL),
		zap.String("transport", cfg.Autoupdate.Transport))

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	// Learn who we are before the first tab connects.
	go a.auth.Update(ctx)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	if cfg.MetricsAddr != "" {
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("worker listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logging.Info("shutting down...")
	case err := <-errCh:
		if err != nil {
			a.close()
			return fmt.Errorf("listen: %w", err)
		}
	}

	a.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("http shutdown failed", zap.Error(err))
	}
	metricsServer.Close()
	return nil
}
