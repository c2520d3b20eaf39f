package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trusttoken/internal/commitment"
	"trusttoken/internal/config"
	"trusttoken/internal/store"
	"trusttoken/internal/trusttoken"
)

const defaultMetricsAddr = "127.0.0.1:9464"

type Roles struct {
	Refill  bool
	Metrics bool
}

func (r Roles) Any() bool {
	return r.Refill || r.Metrics
}

type Config struct {
	Settings *config.Config
	Roles    Roles
	Logger   *slog.Logger
}

func Run(ctx context.Context, cfg Config) error {
	if cfg.Settings == nil {
		return errors.New("node settings required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var runners []func(context.Context) error

	if cfg.Roles.Refill {
		s, err := OpenStore(cfg.Settings)
		if err != nil {
			return err
		}
		defer s.Close()
		c, err := NewRefillClient(cfg.Settings, s, logger)
		if err != nil {
			return err
		}
		runners = append(runners, c.Run)
	}
	if cfg.Roles.Metrics {
		addr := strings.TrimSpace(cfg.Settings.Metrics.Addr)
		if addr == "" {
			addr = defaultMetricsAddr
		}
		runners = append(runners, func(ctx context.Context) error {
			return serveMetrics(ctx, addr, logger)
		})
	}

	if len(runners) == 0 {
		return errors.New("no roles enabled")
	}

	errCh := make(chan error, len(runners))
	for _, runner := range runners {
		go func(runFn func(context.Context) error) {
			errCh <- runFn(ctx)
		}(runner)
	}

	for i := 0; i < len(runners); i++ {
		err := <-errCh
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		return fmt.Errorf("node stopped: %w", err)
	}

	logger.Info("node stopped")
	return nil
}

// OpenStore opens the configured token store. Redis stores are pinged so a
// bad address fails at startup.
func OpenStore(settings *config.Config) (store.Store, error) {
	s, err := store.Open(settings.StoreOptions())
	if err != nil {
		return nil, err
	}
	if r, ok := s.(*store.Redis); ok {
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.Ping(pingCtx); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("redis token store unreachable: %w", err)
		}
	}
	return s, nil
}

// NewGetter serves pinned commitments first and fetches the rest over HTTP.
func NewGetter(settings *config.Config, logger *slog.Logger) (trusttoken.KeyCommitmentGetter, error) {
	pinned := commitment.NewStatic()
	for i, iss := range settings.Issuers {
		if strings.TrimSpace(iss.CommitmentFile) == "" {
			continue
		}
		o, err := trusttoken.ParseSuitableOrigin(iss.URL)
		if err != nil {
			return nil, fmt.Errorf("issuers[%d]: %w", i, err)
		}
		if err := pinned.LoadFile(o, iss.CommitmentFile); err != nil {
			return nil, err
		}
	}
	remote := commitment.NewHTTPGetter(commitment.HTTPGetterConfig{
		Timeout:          settings.CommitmentTimeout(),
		FetchesPerMinute: settings.Commitment.FetchesPerMinute,
		Burst:            settings.Commitment.Burst,
		Logger:           logger,
	})
	return commitment.Chain{pinned, remote}, nil
}

func NewRefillClient(settings *config.Config, s trusttoken.TokenStore, logger *slog.Logger) (*Client, error) {
	topLevel, err := trusttoken.ParseSuitableOrigin(settings.TopLevelOrigin)
	if err != nil {
		return nil, fmt.Errorf("top_level_origin: %w", err)
	}
	getter, err := NewGetter(settings, logger)
	if err != nil {
		return nil, err
	}
	targets := make([]IssuerTarget, 0, len(settings.Issuers))
	for i, iss := range settings.Issuers {
		o, err := trusttoken.ParseSuitableOrigin(iss.URL)
		if err != nil {
			return nil, fmt.Errorf("issuers[%d]: %w", i, err)
		}
		targets = append(targets, IssuerTarget{Origin: o, IssuanceURL: iss.IssuanceURL()})
	}
	return NewClient(ClientConfig{
		TopLevel:       topLevel,
		Store:          s,
		Getter:         getter,
		HTTPClient:     &http.Client{Timeout: settings.RequestTimeout()},
		Logger:         logger,
		Metrics:        trusttoken.DefaultMetrics(),
		Issuers:        targets,
		RefillBelow:    settings.Refill.Below,
		RefillInterval: settings.RefillInterval(),
		RequestTimeout: settings.RequestTimeout(),
	})
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
