package initialization

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowbaker/flowguard/internal/auth"
	"github.com/flowbaker/flowguard/internal/config"
	"github.com/flowbaker/flowguard/internal/controllers"
	"github.com/flowbaker/flowguard/internal/managers"
	"github.com/flowbaker/flowguard/internal/scheduler"
	"github.com/flowbaker/flowguard/pkg/cipher"
	"github.com/flowbaker/flowguard/pkg/domain"
	"github.com/flowbaker/flowguard/pkg/governance"
	"github.com/flowbaker/flowguard/pkg/metrics"
	"github.com/flowbaker/flowguard/pkg/oauth"
	"github.com/flowbaker/flowguard/pkg/oauth/providers"
	"github.com/flowbaker/flowguard/pkg/trigger"
	"github.com/flowbaker/flowguard/pkg/vault"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Dependencies struct {
	Config *config.Config

	Store        domain.CredentialStore
	Cipher       domain.Cipher
	Vault        *vault.Vault
	Metrics      domain.MetricsSink
	Prometheus   *metrics.PrometheusSink // nil when metrics are disabled
	OAuthService *oauth.Service
	Evaluator    *governance.Evaluator
	Alerts       *governance.AlertManager
	Dispatcher   domain.WorkflowDispatcher
	TriggerLayer *trigger.Layer
	Scheduler    *scheduler.Scheduler
	AdminTokens  *auth.AdminTokenIssuer // nil unless admin_jwt_secret is set

	WebhookController    *controllers.WebhookController
	WorkflowController   *controllers.WorkflowController
	TriggerController    *controllers.TriggerController
	GovernanceController *controllers.GovernanceController

	closers []func(ctx context.Context) error
}

// Close releases store and dispatcher connections in reverse order of creation.
func (d *Dependencies) Close(ctx context.Context) error {
	var errs []error

	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	d.closers = nil

	return errors.Join(errs...)
}

// SyncGovernanceAlerts evaluates a workflow and records the result in the alert manager.
func (d *Dependencies) SyncGovernanceAlerts(ctx context.Context, workflowID string) ([]domain.GovernanceAlert, error) {
	derived, err := d.Evaluator.EvaluateWorkflowGovernance(ctx, d.Vault, workflowID, domain.WorkflowAccess(workflowID, "system:governance"))
	if err != nil {
		return nil, err
	}

	d.Alerts.Sync(workflowID, derived)

	return d.Alerts.Pending(workflowID), nil
}

func (d *Dependencies) onClose(closer func(ctx context.Context) error) {
	d.closers = append(d.closers, closer)
}

type Container struct {
	config *config.Config
	clock  domain.Clock

	redisClient redis.UniversalClient
}

type ContainerOptions struct {
	Clock domain.Clock
}

func NewContainer(cfg *config.Config, opts ContainerOptions) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	return &Container{
		config: cfg,
		clock:  opts.Clock,
	}, nil
}

func (c *Container) GetConfig() *config.Config {
	return c.config
}

func (c *Container) BuildDependencies(ctx context.Context) (*Dependencies, error) {
	log.Info().Msg("Building flowguard dependencies")

	deps := &Dependencies{Config: c.config}

	built, err := c.build(ctx, deps)
	if err != nil {
		if closeErr := deps.Close(ctx); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to release partially built dependencies")
		}

		return nil, err
	}

	log.Info().
		Str("store_backend", c.config.Store.Backend).
		Str("cipher_algorithm", built.Cipher.Algorithm()).
		Str("key_id", built.Cipher.KeyID()).
		Str("dispatch_backend", c.config.Dispatch.Backend).
		Msg("Flowguard dependencies built successfully")

	return built, nil
}

func (c *Container) build(ctx context.Context, deps *Dependencies) (*Dependencies, error) {
	store, err := c.buildStore(ctx, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential store: %w", err)
	}
	deps.Store = store

	credentialCipher, err := BuildCipher(c.config)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	deps.Cipher = credentialCipher

	credentialVault, err := vault.New(vault.Dependencies{
		Store:  store,
		Cipher: credentialCipher,
		Clock:  c.clock,
	})
	if err != nil {
		return nil, err
	}
	deps.Vault = credentialVault

	deps.Metrics = domain.NoOpMetricsSink{}
	if c.config.Metrics.Enabled {
		deps.Prometheus = metrics.NewPrometheusSink()
		deps.Metrics = deps.Prometheus
	}

	oauthService, err := oauth.NewService(oauth.Dependencies{
		Vault:           credentialVault,
		Metrics:         deps.Metrics,
		Clock:           c.clock,
		TokenTTL:        c.config.OAuth.TokenTTL,
		ProviderTimeout: c.config.OAuth.ProviderTimeout,
		Concurrency:     c.config.OAuth.Concurrency,
		ReportMaxAge:    c.config.OAuth.ReportMaxAge,
	})
	if err != nil {
		return nil, err
	}
	deps.OAuthService = oauthService

	if err := c.registerProviders(oauthService); err != nil {
		return nil, err
	}

	evaluator, err := governance.NewEvaluator(domain.GovernancePolicy{
		WarningWindow:  c.config.Governance.WarningWindow,
		CriticalWindow: c.config.Governance.CriticalWindow,
	}, c.clock)
	if err != nil {
		return nil, err
	}
	deps.Evaluator = evaluator
	deps.Alerts = governance.NewAlertManager(c.clock)

	dispatcher, err := c.buildDispatcher(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatcher: %w", err)
	}
	deps.Dispatcher = dispatcher

	layer, err := trigger.NewLayer(trigger.Dependencies{
		HealthGuard: oauthService,
		Dispatcher:  dispatcher,
		Metrics:     deps.Metrics,
		Clock:       c.clock,
	})
	if err != nil {
		return nil, err
	}
	deps.TriggerLayer = layer

	if c.config.TriggersFile != "" {
		definitions, err := LoadTriggerDefinitions(c.config.TriggersFile)
		if err != nil {
			return nil, err
		}

		if err := RegisterTriggers(layer, definitions); err != nil {
			return nil, err
		}
	}

	backgroundScheduler, err := scheduler.New(scheduler.Dependencies{
		Triggers:       layer,
		Health:         oauthService,
		Governance:     scheduler.GovernanceFunc(deps.SyncGovernanceAlerts),
		Clock:          c.clock,
		TickInterval:   c.config.Scheduler.TickInterval,
		HealthInterval: c.config.Scheduler.HealthInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}
	deps.Scheduler = backgroundScheduler

	if c.config.AdminJWTSecret != "" {
		issuer, err := auth.NewAdminTokenIssuer(c.config.AdminJWTSecret)
		if err != nil {
			return nil, err
		}
		deps.AdminTokens = issuer
	}

	deps.WebhookController = controllers.NewWebhookController(controllers.WebhookControllerDependencies{
		TriggerLayer: layer,
	})
	deps.TriggerController = controllers.NewTriggerController(controllers.TriggerControllerDependencies{
		TriggerLayer: layer,
		Clock:        c.clock,
	})
	deps.WorkflowController = controllers.NewWorkflowController(controllers.WorkflowControllerDependencies{
		OAuthService: oauthService,
		Vault:        credentialVault,
	})
	deps.GovernanceController = controllers.NewGovernanceController(controllers.GovernanceControllerDependencies{
		Evaluator: evaluator,
		Alerts:    deps.Alerts,
		Vault:     credentialVault,
	})

	return deps, nil
}

func (c *Container) registerProviders(service *oauth.Service) error {
	for name, providerConfig := range c.config.OAuth.Providers {
		provider, err := providers.NewOAuth2Provider(providers.OAuth2ProviderDependencies{
			Config: providerConfig,
			Clock:  c.clock,
		})
		if err != nil {
			return fmt.Errorf("failed to build oauth provider %s: %w", name, err)
		}

		service.RegisterProvider(name, provider)

		log.Debug().Str("provider", name).Msg("Registered oauth provider")
	}

	return nil
}

func (c *Container) buildDispatcher(deps *Dependencies) (domain.WorkflowDispatcher, error) {
	switch c.config.Dispatch.Backend {
	case config.DispatchBackendRedis:
		return managers.NewRedisTaskPublisher(managers.RedisTaskPublisherDependencies{
			Client: c.redis(deps),
			Stream: c.config.Dispatch.RedisStream,
			MaxLen: c.config.Dispatch.MaxLen,
		})
	case config.DispatchBackendLog, "":
		return managers.NewLogTaskPublisher(), nil
	}

	return nil, fmt.Errorf("unsupported dispatch backend %q", c.config.Dispatch.Backend)
}

// redis returns the shared client, creating it on first use.
func (c *Container) redis(deps *Dependencies) redis.UniversalClient {
	if c.redisClient != nil {
		return c.redisClient
	}

	client := redis.NewClient(&redis.Options{
		Addr:     c.config.Store.RedisAddr,
		Password: c.config.Store.RedisPassword,
		DB:       c.config.Store.RedisDB,
	})

	c.redisClient = client
	deps.onClose(func(ctx context.Context) error {
		c.redisClient = nil
		return client.Close()
	})

	return client
}

// BuildCipher creates the configured cipher. Retired keys turn it into a key ring that
// still opens envelopes sealed under them.
func BuildCipher(cfg *config.Config) (domain.Cipher, error) {
	key, err := currentKey(cfg)
	if err != nil {
		return nil, err
	}

	current, err := cipher.New(cfg.CipherAlgorithm, key, cfg.KeyID)
	if err != nil {
		return nil, err
	}

	if len(cfg.RetiredKeys) == 0 {
		return current, nil
	}

	retired := make([]domain.Cipher, 0, len(cfg.RetiredKeys))
	for _, retiredKey := range cfg.RetiredKeys {
		keyBytes, err := cipher.DecodeKey(retiredKey.Key)
		if err != nil {
			return nil, fmt.Errorf("retired key %s: %w", retiredKey.KeyID, err)
		}

		retiredCipher, err := cipher.New(cfg.CipherAlgorithm, keyBytes, retiredKey.KeyID)
		if err != nil {
			return nil, err
		}

		retired = append(retired, retiredCipher)
	}

	return cipher.NewKeyRing(current, retired...)
}

func currentKey(cfg *config.Config) ([]byte, error) {
	if cfg.EncryptionKey != "" {
		return cipher.DecodeKey(cfg.EncryptionKey)
	}

	if cfg.EncryptionPassphrase != "" {
		return cipher.DeriveKey([]byte(cfg.EncryptionPassphrase), cfg.KeyID)
	}

	return nil, fmt.Errorf("an encryption key or passphrase is required")
}
