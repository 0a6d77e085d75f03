package container

import (
	"context"
	"fmt"
	"log/slog"

	corejob "github.com/jinford/ubi-manifest/internal/core/job"
	coremanifest "github.com/jinford/ubi-manifest/internal/core/manifest"
	"github.com/jinford/ubi-manifest/internal/infra/git"
	"github.com/jinford/ubi-manifest/internal/infra/postgres"
	"github.com/jinford/ubi-manifest/internal/infra/pulp"
	"github.com/jinford/ubi-manifest/internal/infra/ubiconfig"
	"github.com/jinford/ubi-manifest/internal/platform/config"
	"github.com/jinford/ubi-manifest/internal/platform/database"
)

// ServiceContainer はアプリケーションの依存関係を保持する。
type ServiceContainer struct {
	Store      corejob.Store
	Catalog    coremanifest.Catalog
	Rules      coremanifest.RuleSource
	Resolver   *coremanifest.Resolver
	Dispatcher *corejob.Dispatcher
	Pool       *corejob.Pool
	Janitor    *corejob.Janitor
	Service    *corejob.Service

	logger   *slog.Logger
	database *database.Database
}

type containerOptions struct {
	logger  *slog.Logger
	store   corejob.Store
	catalog coremanifest.Catalog
	rules   coremanifest.RuleSource
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerStore はジョブストアを差し替える（指定時はデータベースに接続しない）
func WithContainerStore(store corejob.Store) ContainerOption {
	return func(opts *containerOptions) {
		opts.store = store
	}
}

// WithContainerCatalog はカタログクライアントを差し替える
func WithContainerCatalog(catalog coremanifest.Catalog) ContainerOption {
	return func(opts *containerOptions) {
		opts.catalog = catalog
	}
}

// WithContainerRuleSource はルールソースを差し替える
func WithContainerRuleSource(rules coremanifest.RuleSource) ContainerOption {
	return func(opts *containerOptions) {
		opts.rules = rules
	}
}

// NewContainer は設定からコンテナを生成する。
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := newOptions(opts)
	if options.store != nil {
		return build(cfg, nil, options)
	}

	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	c, err := NewContainerWithDB(cfg, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// NewContainerWithDB は既存の Database を受け取りコンテナを生成する。
func NewContainerWithDB(cfg *config.Config, db *database.Database, opts ...ContainerOption) (*ServiceContainer, error) {
	options := newOptions(opts)
	if options.store == nil {
		options.store = postgres.NewJobStore(db)
	}
	return build(cfg, db, options)
}

func newOptions(opts []ContainerOption) containerOptions {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	return options
}

func build(cfg *config.Config, db *database.Database, options containerOptions) (*ServiceContainer, error) {
	logger := options.logger

	// Catalog (Pulp)
	catalog := options.catalog
	if catalog == nil {
		client, err := pulp.NewClient(pulp.Config{
			BaseURL:    cfg.Catalog.URL,
			Token:      cfg.Catalog.Token,
			Timeout:    cfg.Catalog.Timeout,
			MaxRetries: cfg.Catalog.MaxRetries,
		}, pulp.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("カタログクライアント初期化に失敗しました: %w", err)
		}
		catalog = client
	}

	// RuleSource (UBI config, Git)
	rules := options.rules
	if rules == nil {
		gitClient := git.NewClient(cfg.Git.SSHKeyPath, cfg.Git.SSHPassword)
		source, err := ubiconfig.NewSource(ubiconfig.SourceConfig{
			Location: cfg.Rules.Source,
			CacheDir: cfg.Rules.CacheDir,
			Branch:   cfg.Rules.Branch,
		}, gitClient, ubiconfig.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("ルールソース初期化に失敗しました: %w", err)
		}
		rules = source
	}

	retry := corejob.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}

	resolver := coremanifest.NewResolver(coremanifest.WithResolverLogger(logger))

	dispatcher := corejob.NewDispatcher(
		options.store,
		corejob.WithDispatcherLogger(logger),
		corejob.WithDispatcherRetention(cfg.Retention),
	)

	pool := corejob.NewPool(options.store, catalog, rules, resolver, corejob.PoolConfig{
		Workers:           cfg.Worker.Count,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Retention:         cfg.Retention,
		Retry:             retry,
	}, corejob.WithPoolLogger(logger))

	janitor := corejob.NewJanitor(options.store, corejob.JanitorConfig{
		LivenessThreshold: cfg.Worker.LivenessThreshold,
		Interval:          cfg.JanitorInterval,
		Retention:         cfg.Retention,
		Retry:             retry,
	}, corejob.WithJanitorLogger(logger))

	service := corejob.NewService(options.store, corejob.WithServiceLogger(logger))

	return &ServiceContainer{
		Store:      options.store,
		Catalog:    catalog,
		Rules:      rules,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Pool:       pool,
		Janitor:    janitor,
		Service:    service,
		logger:     logger,
		database:   db,
	}, nil
}

// Close は内部リソースを解放する。
func (c *ServiceContainer) Close() {
	if c != nil && c.database != nil {
		c.database.Close()
	}
}

// Logger はロガーを返す。
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Database はデータベースを返す（ジョブストアを差し替えた場合は nil）。
func (c *ServiceContainer) Database() *database.Database {
	if c == nil {
		return nil
	}
	return c.database
}
