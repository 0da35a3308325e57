package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	escrowconfig "github.com/p2ppsr/babbage-escrow/config"
	"github.com/p2ppsr/babbage-escrow/core/events"
	"github.com/p2ppsr/babbage-escrow/observability"
	"github.com/p2ppsr/babbage-escrow/observability/logging"
	telemetry "github.com/p2ppsr/babbage-escrow/observability/otel"
	"github.com/p2ppsr/babbage-escrow/services/overlay/admission"
	"github.com/p2ppsr/babbage-escrow/services/overlay/config"
	"github.com/p2ppsr/babbage-escrow/services/overlay/index"
	"github.com/p2ppsr/babbage-escrow/services/overlay/ledger"
	"github.com/p2ppsr/babbage-escrow/services/overlay/server"
	"github.com/p2ppsr/babbage-escrow/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to overlay configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("overlay: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("ESCROW_ENV"))
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		log.Fatalf("overlay: log level: %v", err)
	}
	logger, logCloser := logging.SetupWithOptions("escrow-overlay", env, logging.Options{
		Level:      level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "escrow-overlay",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     otlpEndpoint != "",
		Traces:      otlpEndpoint != "",
	})
	if err != nil {
		log.Fatalf("overlay: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	global, err := escrowconfig.Load(cfg.EscrowConfig)
	if err != nil {
		log.Fatalf("overlay: load escrow config: %v", err)
	}
	if err := escrowconfig.ValidateConfig(*global); err != nil {
		log.Fatalf("overlay: invalid escrow config: %v", err)
	}

	var db storage.Database
	if strings.TrimSpace(cfg.LedgerPath) == "" {
		logger.Warn("no ledger path configured, admitted records will not survive a restart")
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(cfg.LedgerPath)
		if err != nil {
			log.Fatalf("overlay: open ledger: %v", err)
		}
		db = ldb
	}
	defer db.Close()

	dsn := index.MemoryDSN
	if strings.TrimSpace(cfg.IndexPath) != "" {
		if dsn, err = index.FileDSN(cfg.IndexPath); err != nil {
			log.Fatalf("overlay: index path: %v", err)
		}
	}
	idx, err := index.Open(dsn)
	if err != nil {
		log.Fatalf("overlay: open index: %v", err)
	}
	defer idx.Close()

	bus := events.NewBus()
	bus.OnDrop = func(events.Event) { observability.Events().RecordDropped() }
	emitter := events.Multi{
		events.EmitterFunc(func(e events.Event) { observability.Events().RecordEvent(e.EventType()) }),
		bus,
	}

	manager := admission.New(ledger.New(db), idx,
		admission.WithLogger(logger),
		admission.WithMetrics(observability.Escrow()),
		admission.WithEmitter(emitter),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Reindex(rootCtx); err != nil {
		log.Fatalf("overlay: rebuild index: %v", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		AuthToken:     cfg.AuthToken,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		StreamBuffer:       cfg.Stream.Buffer,
		StreamWriteTimeout: cfg.Stream.WriteTimeout.Duration,
		ReadTimeout:        cfg.ReadTimeout.Duration,
		WriteTimeout:       cfg.WriteTimeout.Duration,
		ShutdownTimeout:    cfg.ShutdownTimeout.Duration,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		Meta: server.Meta{
			Topic:         global.Topic,
			LookupService: global.LookupService,
			NetworkPreset: global.NetworkPreset,
			PlatformKey:   global.PlatformKey,
		},
	}, manager, idx, bus, logger)
	if err != nil {
		log.Fatalf("overlay: server: %v", err)
	}

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
}
