// Package app wires the maintenance engine together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/tminus/maintenance/internal/actor"
	"github.com/tminus/maintenance/internal/config"
	"github.com/tminus/maintenance/internal/crypto"
	"github.com/tminus/maintenance/internal/feed"
	"github.com/tminus/maintenance/internal/jobs"
	"github.com/tminus/maintenance/internal/provider"
	"github.com/tminus/maintenance/internal/provider/google"
	"github.com/tminus/maintenance/internal/queue"
	"github.com/tminus/maintenance/internal/scheduler"
	"github.com/tminus/maintenance/internal/secret"
	"github.com/tminus/maintenance/internal/storage"
	"github.com/tminus/maintenance/internal/workflow"
)

// App holds the constructed engine. The caller must call Close when done.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *storage.DB
	closers []io.Closer

	Jobs       *jobs.Jobs
	Dispatcher *scheduler.Dispatcher
}

// New builds every component named by cfg: it opens and migrates the
// registry, resolves secrets, and connects queues, actors and providers.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	db, err := OpenDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.db = db

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// OpenDB opens the registry database and applies pending migrations.
func OpenDB(cfg *config.Config, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	if err := storage.RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating registry: %w", err)
	}
	return db, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	var awsCfg aws.Config
	if cfg.UsesAWS() {
		loaded, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		awsCfg = loaded
	}

	var resolver secret.Resolver
	switch cfg.Secrets.Backend {
	case config.SecretsSSM:
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(awsCfg))
	default:
		resolver = secret.NewEnvResolver()
	}

	encryptor, err := newEncryptor(ctx, cfg, resolver, awsCfg)
	if err != nil {
		return err
	}

	var engine workflow.Engine
	switch cfg.Workflow.Backend {
	case config.WorkflowDynamoDB:
		engine = workflow.NewDynamoDBEngine(dynamodb.NewFromConfig(awsCfg), cfg.Workflow.Table)
	case config.WorkflowMemory:
		engine = workflow.NewMemoryEngine()
	default:
		a.logger.Warn("no deletion workflow configured; due deletion requests will be held")
	}

	authToken, err := secret.Optional(ctx, resolver, cfg.Actors.AuthTokenParam)
	if err != nil {
		return fmt.Errorf("resolving actor auth token: %w", err)
	}

	tokenSecret, err := resolver.GetSecret(ctx, cfg.ChannelToken.SecretParam)
	if err != nil {
		return fmt.Errorf("resolving channel token secret: %w", err)
	}
	signer, err := provider.NewChannelTokenSigner(tokenSecret, cfg.ChannelToken.TTL)
	if err != nil {
		return fmt.Errorf("creating channel token signer: %w", err)
	}

	reconcileQ, err := a.openQueue("reconcile", cfg.Queues.Reconcile)
	if err != nil {
		return err
	}
	syncQ, err := a.openQueue("sync", cfg.Queues.Sync)
	if err != nil {
		return err
	}
	mirrorQ, err := a.openQueue("mirror_write", cfg.Queues.Mirror)
	if err != nil {
		return err
	}

	actorCfg := func(base string) actor.ClientConfig {
		return actor.ClientConfig{BaseURL: base, AuthToken: authToken, Timeout: cfg.Actors.Timeout}
	}

	settings := jobs.DefaultSettings()
	settings.WebhookURL = cfg.Google.WebhookURL
	settings.ChannelRenewalWindow = cfg.Google.RenewalWindow
	settings.ChannelStaleAfter = cfg.Google.StaleAfter
	settings.DefaultChannelTTL = cfg.Google.ChannelTTL
	settings.FeedMinFetchInterval = cfg.Feed.MinFetchInterval
	settings.FeedDefaultRefreshRate = cfg.Feed.DefaultRefreshInterval

	deps := jobs.Deps{
		Accounts:   storage.NewAccountRepository(a.db),
		Deletions:  storage.NewDeletionRepository(a.db),
		FeedEvents: storage.NewFeedEventRepository(a.db),

		AccountActor: actor.NewAccountClient(actorCfg(cfg.Actors.AccountURL)),
		UserGraph:    actor.NewUserGraphClient(actorCfg(cfg.Actors.UserGraphURL)),

		ReconcileQueue: reconcileQ,
		SyncQueue:      syncQ,
		MirrorQueue:    mirrorQ,

		Channels: google.NewChannelClient(google.Config{
			CalendarID:        cfg.Google.CalendarID,
			ChannelTTL:        cfg.Google.ChannelTTL,
			RequestsPerSecond: cfg.Google.RequestsPerSecond,
			Timeout:           cfg.Actors.Timeout,
		}),
		Signer: signer,
		Fetcher: feed.NewFetcher(feed.FetchConfig{
			Timeout:           cfg.Feed.Timeout,
			MaxBodyBytes:      cfg.Feed.MaxBodyBytes,
			RequestsPerSecond: cfg.Feed.RequestsPerSecond,
			UserAgent:         cfg.Feed.UserAgent,
		}),
		Encryptor: encryptor,
		Workflow:  engine,

		Logger:   a.logger,
		Settings: settings,
	}

	j, err := jobs.New(deps)
	if err != nil {
		return fmt.Errorf("creating jobs: %w", err)
	}
	a.Jobs = j
	a.Dispatcher = scheduler.NewDispatcher(scheduler.Table(j), a.logger)
	return nil
}

func newEncryptor(ctx context.Context, cfg *config.Config, resolver secret.Resolver, awsCfg aws.Config) (crypto.Encryptor, error) {
	if cfg.Crypto.Backend == config.CryptoKMS {
		return crypto.NewKMSService(kms.NewFromConfig(awsCfg), cfg.Crypto.KMSKeyID), nil
	}
	key, err := resolver.GetSecret(ctx, cfg.Crypto.KeyParam)
	if err != nil {
		return nil, fmt.Errorf("resolving feed url key: %w", err)
	}
	enc, err := crypto.NewLocalService(key)
	if err != nil {
		return nil, fmt.Errorf("creating local encryptor: %w", err)
	}
	return enc, nil
}

func (a *App) openQueue(name, dsn string) (queue.Queue, error) {
	q, err := queue.FromDSN(name, dsn, a.db)
	if err != nil {
		return nil, fmt.Errorf("opening %s queue: %w", name, err)
	}
	if c, ok := q.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	return q, nil
}

// DB returns the registry database.
func (a *App) DB() *storage.DB {
	return a.db
}

// Close releases queues and the registry database.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
		a.db = nil
	}
	return errors.Join(errs...)
}
