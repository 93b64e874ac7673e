package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/keychest/keychest/internal/audit"
	"github.com/keychest/keychest/internal/config"
	"github.com/keychest/keychest/internal/metrics"
	"github.com/keychest/keychest/internal/middleware"
	"github.com/keychest/keychest/keyring"
	"github.com/keychest/keychest/keyxml"
	"github.com/keychest/keychest/kmswrap"
	"github.com/keychest/keychest/s3store"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    = flag.String("config", "", "Path to YAML configuration file")
		documents     = flag.Int("documents", 5, "Number of key documents to seed per round")
		discriminator = flag.String("discriminator", "smoketest", "Application discriminator for envelope encryption")
		soak          = flag.Bool("soak", false, "Keep running after the first round, repeating it and serving the ops endpoints")
		soakInterval  = flag.Duration("soak-interval", 30*time.Second, "Delay between soak rounds")
		verbose       = flag.Bool("verbose", false, "Enable verbose logging")
		otlpEndpoint  = flag.String("otlp-endpoint", "", "OTLP gRPC endpoint for trace export")
		traceStdout   = flag.Bool("trace-stdout", false, "Print trace spans to stdout")
	)

	flag.Parse()

	logger := logrus.New()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = *loaded
	}
	cfg.ApplyLogLevel(logger)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	metrics.SetVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, *otlpEndpoint, *traceStdout)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("Failed to flush trace spans")
		}
	}()

	m := metrics.NewMetricsWithConfig(prometheus.DefaultRegisterer, metrics.Config{
		EnableBucketLabel: cfg.Metrics.EnableBucketLabel,
	})

	auditCfg, err := cfg.Audit.LoggerConfig()
	if err != nil {
		return fmt.Errorf("invalid audit configuration: %w", err)
	}
	auditLog, err := audit.NewLoggerFromConfig(auditCfg)
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}
	if auditLog != nil {
		defer auditLog.Close()
	}

	s3Client, err := s3store.NewClient(ctx, cfg.Store.ClientConfig())
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}
	repoCfg, err := cfg.Store.RepositoryConfig()
	if err != nil {
		return fmt.Errorf("invalid store configuration: %w", err)
	}
	repo, err := s3store.NewRepository(s3Client, repoCfg, logger, m, auditLog)
	if err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}

	var engine *kmswrap.Engine
	if cfg.KMS.KeyID != "" {
		kmsClient, err := kmswrap.NewClient(ctx, cfg.KMS.ClientConfig())
		if err != nil {
			return fmt.Errorf("failed to create KMS client: %w", err)
		}
		engine, err = kmswrap.NewEngine(kmsClient, cfg.KMS.EngineConfig(), logger, m, auditLog)
		if err != nil {
			return fmt.Errorf("failed to create envelope encryption engine: %w", err)
		}
	} else {
		logger.Warn("No KMS key configured, documents will be stored unwrapped")
	}

	var ready atomic.Bool

	if *soak || cfg.Metrics.Enabled {
		listen := cfg.Metrics.Listen
		if listen == "" {
			listen = ":9090"
		}
		srv := startOpsServer(listen, logger, m, &ready)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if *soak && *configPath != "" {
		if err := config.Watch(ctx, *configPath, logger, func(c *config.Config) {
			c.ApplyLogLevel(logger)
		}); err != nil {
			logger.WithError(err).Warn("Configuration watching unavailable")
		}
	}

	fmt.Println("=== Keychest Smoke Test ===")
	fmt.Printf("Bucket: %s\n", cfg.Store.Bucket)
	fmt.Printf("Documents: %d\n", *documents)
	if cfg.KMS.KeyID != "" {
		fmt.Printf("Master Key: %s\n", cfg.KMS.KeyID)
	}
	fmt.Println()

	start := time.Now()
	if err := runRound(ctx, repo, engine, *documents, *discriminator, logger); err != nil {
		if !*soak {
			return fmt.Errorf("smoke test failed: %w", err)
		}
		logger.WithError(err).Error("❌ Smoke round failed")
	} else {
		ready.Store(true)
		fmt.Printf("✅ Smoke test passed (%v)\n", time.Since(start).Round(time.Millisecond))
	}

	if !*soak {
		return nil
	}

	logger.WithField("interval", *soakInterval).Info("Entering soak mode")
	ticker := time.NewTicker(*soakInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 Received interrupt signal, shutting down")
			return nil
		case <-ticker.C:
			if err := runRound(ctx, repo, engine, *documents, *discriminator, logger); err != nil {
				ready.Store(false)
				logger.WithError(err).Error("❌ Smoke round failed")
				continue
			}
			ready.Store(true)
			logger.Info("✅ Smoke round passed")
		}
	}
}

// runRound seeds fresh key documents, persists them and verifies they read
// back intact through the full wrap/store/fetch/unwrap chain.
func runRound(ctx context.Context, repo *s3store.Repository, engine *kmswrap.Engine, documents int, discriminator string, logger *logrus.Logger) error {
	opts := keyring.ProtectionOptions{ApplicationDiscriminator: discriminator}
	runID := uuid.NewString()[:8]

	seeded := make(map[string]*etree.Document, documents)
	for i := 0; i < documents; i++ {
		name := fmt.Sprintf("smoke-%s-%02d", runID, i)
		doc, err := newKeyDocument()
		if err != nil {
			return fmt.Errorf("failed to generate key document: %w", err)
		}
		seeded[name] = doc

		stored := doc
		if engine != nil {
			envelope, err := engine.Wrap(ctx, doc, opts)
			if err != nil {
				return fmt.Errorf("failed to wrap %s: %w", name, err)
			}
			stored = etree.NewDocument()
			stored.SetRoot(envelope.Element)
		}

		if err := repo.Store(ctx, stored, name); err != nil {
			return fmt.Errorf("failed to store %s: %w", name, err)
		}
		logger.WithField("friendly_name", name).Debug("Stored key document")
	}

	infos, err := repo.GetAllInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to load key ring: %w", err)
	}

	verified := 0
	for _, info := range infos {
		original, ok := seeded[info.FriendlyName]
		if !ok {
			// Left over from an earlier run.
			continue
		}

		got := info.Document
		if root := got.Root(); root != nil && root.Tag == keyxml.ElementEncryptedKey && engine != nil {
			if got, err = engine.Unwrap(ctx, root, opts); err != nil {
				return fmt.Errorf("failed to unwrap %s: %w", info.FriendlyName, err)
			}
		}

		if !keyxml.Equal(got, original) {
			return fmt.Errorf("%s did not round-trip intact", info.FriendlyName)
		}
		verified++
	}

	if verified != documents {
		return fmt.Errorf("expected %d seeded documents in the key ring, found %d", documents, verified)
	}

	logger.WithFields(logrus.Fields{
		"seeded":   documents,
		"key_ring": len(infos),
	}).Info("Round trip verified")
	return nil
}

// newKeyDocument generates a key document carrying fresh random key material.
func newKeyDocument() (*etree.Document, error) {
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	key := doc.CreateElement("key")
	key.CreateAttr("id", uuid.NewString())
	key.CreateAttr("version", "1")
	key.CreateElement("creationDate").SetText(time.Now().UTC().Format(time.RFC3339))
	descriptor := key.CreateElement("descriptor")
	descriptor.CreateElement("masterKey").SetText(base64.StdEncoding.EncodeToString(material))
	return doc, nil
}

// startOpsServer serves the health and metrics endpoints while the smoke
// test runs.
func startOpsServer(listen string, logger *logrus.Logger, m *metrics.Metrics, ready *atomic.Bool) *http.Server {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger, m), middleware.RecoveryMiddleware(logger))

	router.HandleFunc("/health", metrics.HealthHandler()).Methods("GET")
	router.HandleFunc("/ready", metrics.ReadinessHandler(func(context.Context) error {
		if !ready.Load() {
			return fmt.Errorf("no smoke round has passed yet")
		}
		return nil
	})).Methods("GET")
	router.HandleFunc("/live", metrics.LivenessHandler()).Methods("GET")
	router.Handle("/metrics", m.Handler()).Methods("GET")

	srv := &http.Server{Addr: listen, Handler: router}

	go func() {
		logger.WithField("listen", listen).Info("Ops endpoints available")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Ops server failed")
		}
	}()

	return srv
}

// setupTracing installs a trace exporter when one is requested. The returned
// shutdown flushes buffered spans.
func setupTracing(ctx context.Context, otlpEndpoint string, stdout bool) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch {
	case otlpEndpoint != "":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(otlpEndpoint),
			otlptracegrpc.WithInsecure())
	case stdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return func(context.Context) error { return nil }, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "keychest-smoketest"),
		attribute.String("service.version", version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
