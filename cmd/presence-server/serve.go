package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-presence/v1/config"
	"github.com/mirkobrombin/go-presence/v1/gateway"
	"github.com/mirkobrombin/go-presence/v1/metrics"
	"github.com/mirkobrombin/go-presence/v1/presence"
	"github.com/mirkobrombin/go-presence/v1/store"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the presence gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.Tracing.Enabled {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("tracing exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	p, cleanup, err := buildPresence(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	gw := gateway.NewServer(p,
		gateway.WithLogger(log),
		gateway.WithRoomPrefix(cfg.Gateway.RoomPrefix),
	)
	servers := []*http.Server{{Addr: cfg.Gateway.Addr, Handler: gw.Handler()}}
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Addr, Handler: mux})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			log.Info("presence: listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn("presence: shutdown failed", "addr", srv.Addr, "error", err)
			}
		}
		return nil
	})
	return g.Wait()
}

// buildPresence wires the configured transport to Redis state and locks. The
// returned cleanup closes everything in reverse order.
func buildPresence(cfg config.Config, log *slog.Logger) (*presence.Presence, func(), error) {
	opts := []presence.Option{
		presence.WithLogger(log),
		presence.WithLockConfig(cfg.LockConfig()),
	}
	if cfg.Breaker.Threshold > 0 {
		opts = append(opts, presence.WithCircuitBreaker(cfg.Breaker.Threshold, cfg.Breaker.Timeout))
	}
	ropts := presence.RedisOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Timeout:  cfg.Redis.Timeout,
	}
	closeWith := func(p *presence.Presence, extra func()) func() {
		return func() {
			if err := p.Close(context.Background()); err != nil {
				log.Warn("presence: close failed", "error", err)
			}
			if extra != nil {
				extra()
			}
		}
	}

	switch cfg.Transport.Kind {
	case config.TransportNATS:
		conn, err := nats.Connect(cfg.Transport.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		p, err := presence.NewRedisTransport(ropts, store.NewNATS(conn), opts...)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return p, closeWith(p, conn.Close), nil
	case config.TransportKafka:
		k, err := store.NewKafka(cfg.Transport.KafkaBrokers, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka connect: %w", err)
		}
		p, err := presence.NewRedisTransport(ropts, k, opts...)
		if err != nil {
			_ = k.Close()
			return nil, nil, err
		}
		return p, closeWith(p, nil), nil
	default:
		p, err := presence.NewRedis(ropts, opts...)
		if err != nil {
			return nil, nil, err
		}
		return p, closeWith(p, nil), nil
	}
}
