package app

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"time"

	"pantrycam/pkg/config"
	"pantrycam/pkg/detect"
	"pantrycam/pkg/httpapi"
	"pantrycam/pkg/intake"
	"pantrycam/pkg/inventory"
	"pantrycam/pkg/notify"
	"pantrycam/pkg/scan"
	"pantrycam/pkg/storage/memorydriver"
	"pantrycam/pkg/version"
	"pantrycam/pkg/view"
)

// Flags captures command line overrides applied on top of the YAML configuration.
type Flags struct {
	showVersion bool
	configPath  string
	domain      string
	port        int
	dbPath      string
	detectorURL string
	mqttBroker  string
	debug       bool
}

// Run composes persistence, the inventory service, detection and the HTTP server, and blocks
// until ctx is cancelled or the server fails.
func Run(ctx context.Context, args []string, logger *slog.Logger) error {
	flags, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if flags.showVersion {
		fmt.Fprintf(os.Stdout, "pantrycam version %s\n", version.Version())
		return nil
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if logger == nil {
		logger = NewLogger(os.Stdout, cfg.Debug)
	}
	logger.Info("starting pantrycam", "version", version.Version(), "config", flags.configPath)

	db, cleanupStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("unable to open store: %w", err)
	}
	defer func() {
		if err := cleanupStore(); err != nil {
			logger.Error("store shutdown failed", "error", err)
		}
	}()

	repo, err := inventory.NewRepository(db, cfg.Store.Collection)
	if err != nil {
		return fmt.Errorf("unable to build repository: %w", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("unable to ensure schema: %w", err)
	}

	projection := view.New(repo, logger.With("component", "view"))
	serviceOpts := []inventory.Option{
		inventory.WithObserver(projection),
		inventory.WithLogger(logger.With("component", "inventory")),
		inventory.WithTimeouts(2*time.Second, cfg.StoreTimeout()),
	}
	var events httpapi.EventStats
	if cfg.MQTT.Broker != "" {
		publisher := notify.NewMQTTPublisher(notify.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
		}, logger.With("component", "mqtt"))
		if err := publisher.Connect(ctx); err != nil {
			logger.Warn("mqtt publisher unavailable, continuing without change events", "error", err)
		}
		defer publisher.Close()
		serviceOpts = append(serviceOpts, inventory.WithObserver(publisher))
		events = publisher
	}

	inventoryService := inventory.NewService(repo, serviceOpts...)
	defer inventoryService.Close()

	if err := projection.Refresh(ctx); err != nil {
		logger.Warn("initial inventory refresh failed, serving an empty view", "error", err)
	}

	adapter := newDetector(cfg, logger.With("component", "detect"))
	defer adapter.Close()
	go loadDetector(ctx, adapter, cfg.Detector.URL, logger)

	history, err := scan.NewHistory(cfg.Scans.History)
	if err != nil {
		return err
	}
	pipeline, err := intake.New(adapter, inventoryService, history, intake.Options{
		MaxDimension: cfg.Detector.MaxDimension,
		CacheSize:    cfg.Detector.CacheSize,
		Logger:       logger.With("component", "intake"),
	})
	if err != nil {
		return err
	}

	srv, err := httpapi.New(httpapi.Options{
		Inventory:      inventoryService,
		View:           projection,
		Ingester:       pipeline,
		Scans:          history,
		Detector:       adapter,
		Events:         events,
		Logger:         logger.With("component", "http"),
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		RequestTimeout: cfg.StoreTimeout(),
		Version:        version.Version(),
	})
	if err != nil {
		return fmt.Errorf("unable to build http server: %w", err)
	}

	if cfg.Server.Domain != "" {
		logger.Info("starting HTTPS servers", "domain", cfg.Server.Domain)
		return runDomainServers(ctx, cfg.Server.Domain, srv.Handler(), cfg.ShutdownTimeout(), logger)
	}

	server := &http.Server{
		Addr:         address(cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger.Info("pantrycam is running", "addr", server.Addr)
	return serve(ctx, server, cfg.ShutdownTimeout(), func() error { return server.ListenAndServe() })
}

// NewLogger builds the JSON logger used by the service.
func NewLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// openStore opens the document store. An in-memory store keeps no snapshot file.
func openStore(cfg *config.Config) (*sql.DB, func() error, error) {
	if cfg.Store.InMemory {
		return memorydriver.Open("")
	}
	path := cfg.Store.Path
	if path == "" {
		var err error
		if path, err = memorydriver.DefaultPath(); err != nil {
			return nil, nil, err
		}
	}
	return memorydriver.Open(path)
}

func newDetector(cfg *config.Config, logger *slog.Logger) *detect.Adapter {
	if cfg.Detector.URL == "" {
		return detect.NewAdapter(nil, logger)
	}
	return detect.NewAdapter(detect.DialRemote(cfg.Detector.URL, detect.RemoteOptions{
		Timeout:     cfg.DetectorTimeout(),
		JPEGQuality: cfg.Detector.JPEGQuality,
		Logger:      logger,
	}), logger)
}

// loadDetector retries the model load until it succeeds or ctx ends. Captures fail with a
// model-not-ready error meanwhile.
func loadDetector(ctx context.Context, adapter *detect.Adapter, url string, logger *slog.Logger) {
	if url == "" {
		logger.Warn("no detector url configured, image detection disabled")
		return
	}
	backoff := time.Second
	for {
		err := adapter.Load(ctx)
		if err == nil {
			return
		}
		logger.Warn("detection model not ready", "url", url, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// serve runs listen until it fails or ctx is cancelled, then shuts server down gracefully.
func serve(ctx context.Context, server *http.Server, grace time.Duration, listen func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- listen()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped unexpectedly: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// address converts port configuration into a binding string. PORT wins when set.
func address(port int) string {
	if env := os.Getenv("PORT"); env != "" {
		return ":" + env
	}
	return ":" + strconv.Itoa(port)
}

// parseFlags uses a dedicated FlagSet so Run can be called from multiple entry points.
func parseFlags(args []string) (Flags, error) {
	set := flag.NewFlagSet("pantrycam", flag.ContinueOnError)
	set.SetOutput(io.Discard)

	var f Flags
	set.BoolVar(&f.showVersion, "version", false, "Show the application version")
	set.StringVar(&f.configPath, "config", config.DefaultPath, "Path to the YAML configuration file.")
	set.StringVar(&f.domain, "domain", "", "Serve HTTPS on 443 with an HTTP redirect on 80 for this domain.")
	set.IntVar(&f.port, "port", 0, "Port for the HTTP server when not using -domain.")
	set.StringVar(&f.dbPath, "db-path", "", "Snapshot file of the document store; defaults to the working directory.")
	set.StringVar(&f.detectorURL, "detector-url", "", "Websocket URL of the object detection server.")
	set.StringVar(&f.mqttBroker, "mqtt-broker", "", "MQTT broker for inventory change events.")
	set.BoolVar(&f.debug, "debug", false, "Enable debug logging.")

	if err := set.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// loadConfig reads the YAML file and applies flag overrides.
func loadConfig(f Flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.domain != "" {
		cfg.Server.Domain = f.domain
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.dbPath != "" {
		cfg.Store.Path = f.dbPath
	}
	if f.detectorURL != "" {
		cfg.Detector.URL = f.detectorURL
	}
	if f.mqttBroker != "" {
		cfg.MQTT.Broker = f.mqttBroker
	}
	if f.debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runDomainServers launches both the HTTP redirect and the HTTPS handler when a domain is configured.
func runDomainServers(ctx context.Context, domain string, handler http.Handler, grace time.Duration, logger *slog.Logger) error {
	tlsCert, keyFile, certFile, err := generateCertificate(domain)
	if err != nil {
		return fmt.Errorf("unable to generate certificate: %w", err)
	}
	defer os.Remove(keyFile)
	defer os.Remove(certFile)

	httpsServer := &http.Server{
		Addr:         ":443",
		Handler:      handler,
		TLSConfig:    &tls.Config{Certificates: []tls.Certificate{tlsCert}},
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpRedirect := &http.Server{
		Addr: ":80",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + domain + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusPermanentRedirect)
		}),
	}

	go func() {
		logger.Info("HTTP redirect server listening", "addr", httpRedirect.Addr)
		if err := httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("redirect server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		httpRedirect.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTPS server is starting with an ephemeral certificate", "domain", domain)
	return serve(ctx, httpsServer, grace, func() error {
		return httpsServer.ListenAndServeTLS(certFile, keyFile)
	})
}

// generateCertificate produces a temporary self-signed certificate for domain.
func generateCertificate(domain string) (tls.Certificate, string, string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, "", "", err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return tls.Certificate{}, "", "", err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		DNSNames:     []string{domain},
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, "", "", err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, "", "", err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, "", "", err
	}

	certFile, err := writeTempFile("cert", certPEM)
	if err != nil {
		return tls.Certificate{}, "", "", err
	}
	keyFile, err := writeTempFile("key", keyPEM)
	if err != nil {
		os.Remove(certFile)
		return tls.Certificate{}, "", "", err
	}
	return tlsCert, keyFile, certFile, nil
}

// writeTempFile persists certificate data because ListenAndServeTLS expects file paths.
func writeTempFile(prefix string, data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "pantrycam-"+prefix)
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
