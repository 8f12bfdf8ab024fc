package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/activation"
	"github.com/devghori1264/aerophoenix/rackd/internal/allocator"
	"github.com/devghori1264/aerophoenix/rackd/internal/api"
	"github.com/devghori1264/aerophoenix/rackd/internal/config"
	"github.com/devghori1264/aerophoenix/rackd/internal/events"
	"github.com/devghori1264/aerophoenix/rackd/internal/grpcapi"
	"github.com/devghori1264/aerophoenix/rackd/internal/keylock"
	"github.com/devghori1264/aerophoenix/rackd/internal/lifecycle"
	"github.com/devghori1264/aerophoenix/rackd/internal/logging"
	"github.com/devghori1264/aerophoenix/rackd/internal/metrics"
	"github.com/devghori1264/aerophoenix/rackd/internal/storage"
	"github.com/devghori1264/aerophoenix/rackd/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rackd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	grpcAddr := flag.String("grpc-addr", "", "gRPC listen address (empty disables gRPC)")
	httpAddr := flag.String("http-addr", "", "HTTP listen address")
	metricsAddr := flag.String("metrics-addr", "", "separate Prometheus listen address")
	dbPath := flag.String("db", "", "Badger DB path")
	inMemory := flag.Bool("in-memory", false, "keep all data in memory")
	natsURL := flag.String("nats", "", "NATS URL for lifecycle events")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// explicitly set flags win over file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "grpc-addr":
			cfg.GRPCAddr = *grpcAddr
		case "http-addr":
			cfg.HTTPAddr = *httpAddr
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "db":
			cfg.DBPath = *dbPath
		case "in-memory":
			cfg.InMemory = *inMemory
		case "nats":
			cfg.NATSURL = *natsURL
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat)})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{ServiceName: "rackd", Exporter: cfg.TraceExporter})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	// Create storage
	store, err := storage.Open(storage.Config{
		Path:       cfg.DBPath,
		InMemory:   cfg.InMemory,
		SyncWrites: true,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("failed to open badger store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("close store", zap.Error(err))
		}
	}()

	m := metrics.New()

	var pub events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.NATSURL, log.Named("nats"))
		if err != nil {
			// events are best effort; rackd keeps serving without them
			log.Warn("nats unavailable, lifecycle events disabled", zap.Error(err))
		} else {
			pub = np
			log.Info("publishing lifecycle events", zap.String("nats", cfg.NATSURL))
		}
	}
	defer pub.Close()
	emitter := events.NewEmitter(pub, log.Named("events"), m)

	locks := keylock.New()
	racks := allocator.New(store, locks,
		allocator.WithLogger(log.Named("allocator")),
		allocator.WithMetrics(m))

	var period activation.PeriodFunc = activation.CalendarMonths
	if cfg.Activation.PeriodUnit > 0 {
		period = activation.FixedUnit(cfg.Activation.PeriodUnit)
	}
	sched := activation.New(store, locks, activation.Config{
		Workers:       cfg.Activation.Workers,
		QueueSize:     cfg.Activation.QueueSize,
		DefaultMonths: cfg.Activation.DefaultMonths,
		Delay:         activation.RandomDelay(cfg.Activation.MinDelay, cfg.Activation.MaxDelay),
		Period:        period,
	},
		activation.WithLogger(log.Named("activation")),
		activation.WithMetrics(m),
		activation.WithEvents(emitter))
	// runs before store.Close
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sched.Close(sctx); err != nil {
			log.Warn("activation scheduler close", zap.Error(err))
		}
	}()

	svc := lifecycle.New(store, racks, sched, locks,
		lifecycle.WithLogger(log.Named("lifecycle")),
		lifecycle.WithMetrics(m),
		lifecycle.WithEvents(emitter))

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcapi.UnaryLogger(log.Named("grpc"))))
	grpcapi.New(svc, log.Named("grpc")).RegisterGRPC(grpcServer)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewHTTPHandler(svc, m, log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		api.RegisterMetrics(mux, m)
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.GRPCAddr != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
			}
			log.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil {
				return fmt.Errorf("grpc serve: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		return serveHTTP(httpServer)
	})

	if metricsServer != nil {
		g.Go(func() error {
			log.Info("Prometheus metrics listening", zap.String("addr", cfg.MetricsAddr))
			return serveHTTP(metricsServer)
		})
	}

	g.Go(func() error {
		return svc.RunSweeper(gctx, cfg.SweepInterval)
	})

	g.Go(func() error {
		if err := store.RunGC(gctx, cfg.GCInterval); err != nil {
			log.Error("badger gc stopped", zap.Error(err))
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")
		grpcServer.GracefulStop()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := httpServer.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(sctx); err != nil {
				errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return nil
}
