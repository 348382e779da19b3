package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentuity/mcp-sse/config"
	"github.com/agentuity/mcp-sse/env"
	"github.com/agentuity/mcp-sse/eventing"
	"github.com/agentuity/mcp-sse/kv"
	"github.com/agentuity/mcp-sse/logger"
	"github.com/agentuity/mcp-sse/mcp/handler"
	"github.com/agentuity/mcp-sse/mcp/server"
	"github.com/agentuity/mcp-sse/mcp/types"
	"github.com/agentuity/mcp-sse/metrics"
	cstr "github.com/agentuity/mcp-sse/string"
	"github.com/agentuity/mcp-sse/sys"
	"github.com/agentuity/mcp-sse/telemetry"
	"github.com/agentuity/mcp-sse/tools"
	"github.com/agentuity/mcp-sse/tui"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
	instructions      = "Use select_time_slot to collect meeting slots; selections persist across reconnects."
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, shutdownTelemetry, err := telemetry.New(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Token:       cfg.Telemetry.Token.Text(),
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
	}, env.NewLogger(cfg.LogFormat, cfg.LogLevel))
	if err != nil {
		return errors.Wrap(err, "starting telemetry")
	}
	defer shutdownTelemetry()

	store, err := kv.New(ctx, kv.Config{
		URL:           cfg.Store.URL,
		Token:         cfg.Store.Token.Text(),
		AllowFallback: cfg.Store.AllowFallback,
		Production:    cfg.Production(),
	}, log)
	if err != nil {
		return errors.Wrap(err, "connecting to store")
	}
	defer store.Close()

	publisher, err := eventing.New(ctx, eventing.Config{
		URL:     cfg.PubSub.URL,
		Token:   cfg.PubSub.Token.Text(),
		Channel: cfg.PubSub.Channel,
	}, log)
	if err != nil {
		return errors.Wrap(err, "connecting to pubsub")
	}
	defer publisher.Close()

	m := metrics.New(true)
	h, err := newHandler(cfg, log, store, publisher, m)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	servers := []*http.Server{srv}
	if cfg.MetricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           m.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		})
	}

	if cfg.LogFormat != "json" {
		tui.ShowBanner(cmd.OutOrStdout(), "mcp-server "+version, tui.Fields(
			tui.Field{Name: "Environment", Value: cfg.Environment},
			tui.Field{Name: "Runtime", Value: sys.Runtime()},
			tui.Field{Name: "Stream", Value: cfg.ListenAddr + cfg.SSEPath},
			tui.Field{Name: "Messages", Value: cfg.ListenAddr + cfg.MessagePath},
			tui.Field{Name: "Metrics", Value: orNone(cfg.MetricsAddr)},
			tui.Field{Name: "Store", Value: storeKind(cfg)},
			tui.Field{Name: "Events", Value: eventsChannel(cfg)},
		))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			log.Info("listening on %s", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrapf(err, "serving on %s", s.Addr)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs *multierror.Error
		if err := h.Shutdown(shutdownCtx); err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return errs.ErrorOrNil()
	})
	return g.Wait()
}

func newHandler(cfg *config.Config, log logger.Logger, store kv.Store, publisher eventing.Publisher, m *metrics.Metrics) (*handler.Handler, error) {
	var h *handler.Handler
	reg := server.NewRegistry()
	err := tools.Register(reg, tools.Deps{
		Sessions: func() int { return h.Sessions() },
		Started:  time.Now(),
		Version:  version,
	})
	if err != nil {
		return nil, errors.Wrap(err, "registering tools")
	}
	h, err = handler.New(handler.Config{
		SSEPath:           cfg.SSEPath,
		MessagePath:       cfg.MessagePath,
		HeartbeatInterval: cfg.HeartbeatInterval.Duration(),
		MaxDuration:       cfg.MaxDuration.Duration(),
		AuthSecret:        cfg.AuthSecret.Text(),
		Production:        cfg.Production(),
		ServerInfo:        types.Implementation{Name: "mcp-sse", Version: version},
		Instructions:      instructions,
	}, log, store, reg,
		handler.WithPublisher(publisher),
		handler.WithMetrics(m),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating handler")
	}
	return h, nil
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}

func eventsChannel(cfg *config.Config) string {
	if cfg.PubSub.URL == "" {
		return "none"
	}
	return cfg.PubSub.Channel
}

func storeKind(cfg *config.Config) string {
	if cfg.Store.URL == "" {
		return "in-memory"
	}
	return "redis " + cstr.SafeURL(cfg.Store.URL)
}
