package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"depthnotes/gate/internal/attribution"
	"depthnotes/gate/internal/backend"
	"depthnotes/gate/internal/config"
	"depthnotes/gate/internal/gate"
	"depthnotes/gate/internal/store"
	"depthnotes/gate/internal/validator"
)

// components is one wired gate. close releases every connection it opened.
type components struct {
	gateway   *store.Gateway
	machine   *gate.Machine
	collector *attribution.Collector
	router    *attribution.Router

	closers []func() error
}

func (c *components) close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

// openGateway picks Redis when REDIS_URL is set and the in-memory store
// otherwise. The cache namespace shares the Redis connection.
func openGateway(cfg config.Config, logger *slog.Logger) (*store.Gateway, func() error, error) {
	opts := store.Options{StagedTTL: cfg.StagedEndpointTTL, Logger: logger}

	if cfg.RedisURL == "" {
		logger.Info("using in-memory store")
		opts.Cache = store.NewMemoryKV()
		return store.NewGateway(store.NewMemoryKV(), opts), func() error { return nil }, nil
	}

	shared, err := store.NewRedisKV(cfg.RedisURL, cfg.StoreNamespace)
	if err != nil {
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	logger.Info("using redis store", "namespace", cfg.StoreNamespace)
	opts.Cache = store.NewRedisKVWithClient(shared.Client(), cfg.CacheNamespace)
	return store.NewGateway(shared, opts), shared.Close, nil
}

func openRecordSource(ctx context.Context, cfg config.Config, c *components) (validator.RecordSource, error) {
	switch cfg.Validator {
	case "firebase":
		client := backend.NewHTTPClient(cfg.ConnectTimeout, cfg.ValidationTimeout)
		return validator.NewFirebaseSource(cfg.FirebaseDatabaseURL, cfg.ValidationPath, cfg.FirebaseAuth, client), nil

	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		c.closers = append(c.closers, db.Close)
		if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		return validator.NewPostgresSource(db, cfg.ValidationPath), nil

	case "objectstore":
		return validator.NewObjectSource(validator.ObjectConfig{
			Endpoint:  cfg.ObjectEndpoint,
			AccessKey: cfg.ObjectAccessKey,
			SecretKey: cfg.ObjectSecretKey,
			UseSSL:    cfg.ObjectUseSSL,
			Bucket:    cfg.ObjectBucket,
			Key:       cfg.ObjectKey,
		})

	default:
		return nil, fmt.Errorf("unknown validator %q", cfg.Validator)
	}
}

func newBackend(cfg config.Config, device backend.DeviceInfo, logger *slog.Logger) *backend.Client {
	var ua backend.UserAgentProvider = backend.StaticUserAgent(cfg.UserAgent)
	if cfg.BrowserUserAgent {
		ua = backend.NewBrowserUserAgent(logger)
	}
	bcfg := backend.Config{
		AttributionURL:    cfg.AttributionURL,
		ConfigURL:         cfg.ConfigURL,
		AppID:             cfg.AppID,
		DevKey:            cfg.DevKey,
		BundleID:          cfg.BundleID,
		FirebaseProjectID: cfg.FirebaseProjectID,
		Platform:          cfg.Platform,
		Locale:            cfg.Locale,
		RetryDelays:       cfg.RetryDelays,
		ConnectTimeout:    cfg.ConnectTimeout,
		RequestTimeout:    cfg.RequestTimeout,
	}
	return backend.New(bcfg,
		backend.WithUserAgent(ua),
		backend.WithDeviceInfo(device),
		backend.WithLogger(logger),
	)
}

// wire builds the full gate from cfg. The caller owns the returned
// components and must close them.
func wire(ctx context.Context, cfg config.Config, requester gate.PermissionRequester, logger *slog.Logger) (*components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &components{}
	gateway, closeStore, err := openGateway(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.gateway = gateway
	c.closers = append(c.closers, closeStore)

	source, err := openRecordSource(ctx, cfg, c)
	if err != nil {
		_ = c.close()
		return nil, err
	}

	c.machine = gate.New(gate.Deps{
		Store:         gateway,
		Validator:     validator.New(source, cfg.ValidationTimeout, logger),
		Backend:       newBackend(cfg, gateway, logger),
		Notifications: requester,
		Timings: gate.Timings{
			DecisionTimeout: cfg.DecisionTimeout,
			OrganicDelay:    cfg.OrganicDelay,
		},
		Logger: logger,
	})
	c.collector = attribution.NewCollector(c.machine, gateway, attribution.Options{
		MergeWindow: cfg.MergeWindow,
		Logger:      logger,
	})
	c.closers = append(c.closers, func() error {
		c.collector.Close()
		return nil
	})
	c.router = attribution.NewRouter(gateway, c.machine, logger)
	return c, nil
}

// requesterFor maps the --notifications flag onto a permission requester.
func requesterFor(answer string) (gate.PermissionRequester, error) {
	switch answer {
	case "", "deny":
		return gate.NopRequester{}, nil
	case "grant":
		return gate.StaticRequester{Granted: true}, nil
	default:
		return nil, fmt.Errorf("--notifications must be grant or deny, got %q", answer)
	}
}
