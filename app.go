package main

import (
	"context"
	"fmt"
	"time"

	"github.com/AnTengye/coitrack/config"
	"github.com/AnTengye/coitrack/handler"
	"github.com/AnTengye/coitrack/pkg/events"
	"github.com/AnTengye/coitrack/pkg/logger"
	"github.com/AnTengye/coitrack/pkg/ratelimit"
	"github.com/AnTengye/coitrack/scheduling"
	"github.com/AnTengye/coitrack/service"
	"github.com/redis/go-redis/v9"
)

// app holds the wired services plus whatever must be closed on exit
type app struct {
	cfg      *config.Config
	services handler.Services
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// openStore returns the configured repository, applying the schema for postgres
func openStore(ctx context.Context, cfg *config.StoreConfig) (service.Store, func(), error) {
	if cfg.Driver != "postgres" {
		logger.Info(ctx, "Using in-memory store")
		return service.NewMemoryStore(), func() {}, nil
	}
	pg, err := service.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	logger.Info(ctx, "Connected to postgres", "max_conns", cfg.MaxConns)
	return pg, pg.Close, nil
}

// newLimiter uses redis when an address is configured so limits hold across replicas
func newLimiter(ctx context.Context, cfg *config.RedisConfig, window time.Duration) (ratelimit.Limiter, func()) {
	if cfg.Addr == "" {
		return ratelimit.NewInMemory(window), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn(ctx, "Redis unreachable at startup, limiter will fall back to local counts", "addr", cfg.Addr, "error", err)
	}
	return ratelimit.NewRedis(client, window), func() { client.Close() }
}

func newPublisher(ctx context.Context, cfg *config.KafkaConfig) (events.Publisher, func()) {
	if len(cfg.Brokers) == 0 {
		return events.NopPublisher{}, func() {}
	}
	p := events.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	logger.Info(ctx, "Publishing status changes to kafka", "topic", cfg.Topic)
	return p, func() { p.Close() }
}

// buildApp wires every service from cfg. Object storage is only needed by
// the HTTP server, so the sweep skips it.
func buildApp(ctx context.Context, cfg *config.Config, withStorage bool) (*app, error) {
	a := &app{cfg: cfg}

	loc, err := cfg.Compliance.Location()
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.closers = append(a.closers, closeStore)

	mailer, err := service.NewMailer(ctx, &cfg.Notifications)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create mailer: %w", err)
	}

	publisher, closePublisher := newPublisher(ctx, &cfg.Kafka)
	a.closers = append(a.closers, closePublisher)

	notifier := service.NewNotifier(store, mailer, service.NotifierConfig{
		Policy: scheduling.Policy{
			LeadDays:            cfg.Notifications.LeadDays,
			EscalationThreshold: cfg.Notifications.EscalationThreshold,
			GapRepeatDays:       cfg.Notifications.GapRepeatDays,
		},
		EscalationRecipient: cfg.Notifications.EscalationRecipient,
		PortalBaseURL:       cfg.Portal.BaseURL,
		TokenTTL:            cfg.Portal.TokenTTL(),
		Location:            loc,
	})
	compliance := service.NewComplianceService(store, notifier, publisher, cfg.Compliance.LookaheadDays, loc)
	templates := service.NewTemplateService(store, compliance)
	if err := templates.SeedDefaults(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to seed templates: %w", err)
	}

	a.services = handler.Services{
		Compliance: compliance,
		Notifier:   notifier,
		Templates:  templates,
		Directory:  service.NewDirectoryService(store, compliance),
	}
	if !withStorage {
		return a, nil
	}

	storage, err := service.NewMinioStorage(&cfg.Minio)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize object storage: %w", err)
	}
	if err := storage.EnsureBucket(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}

	extractor := service.NewHTTPExtractor(&cfg.Extractor)
	certificates := service.NewCertificateService(store, storage, extractor, compliance,
		time.Duration(cfg.Extractor.TimeoutSeconds)*time.Second)

	portalLimiter, closePortalLimiter := newLimiter(ctx, &cfg.Redis, cfg.Portal.Window())
	a.closers = append(a.closers, closePortalLimiter)
	ipLimiter, closeIPLimiter := newLimiter(ctx, &cfg.Redis, time.Minute)
	a.closers = append(a.closers, closeIPLimiter)

	a.services.Certificates = certificates
	a.services.Portal = service.NewPortalService(store, certificates, notifier, portalLimiter, service.PortalConfig{
		MaxUploadBytes:   cfg.Portal.MaxUploadBytes(),
		UploadsPerWindow: cfg.Portal.UploadsPerWindow,
	})
	a.services.Callback = extractor
	a.services.IPLimiter = ipLimiter
	return a, nil
}
