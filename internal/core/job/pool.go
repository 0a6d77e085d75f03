package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jinford/ubi-manifest/internal/core/manifest"
	"golang.org/x/sync/errgroup"
)

// PoolConfig はワーカープールの設定
type PoolConfig struct {
	Workers           int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Retention         time.Duration
	Retry             RetryPolicy
	// WorkerPrefix はワーカーIDの接頭辞（未指定時はホスト名とPID）
	WorkerPrefix string
}

// DefaultPoolConfig はデフォルトのプール設定を返す
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:           4,
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		Retention:         DefaultRetention,
		Retry:             DefaultRetryPolicy(),
	}
}

// finalWriteTimeout はシャットダウン時の最終書き込みに許す時間
const finalWriteTimeout = 10 * time.Second

// Pool はジョブを取得してマニフェストを解決するワーカーの集合
type Pool struct {
	store    Store
	catalog  manifest.Catalog
	rules    manifest.RuleSource
	resolver *manifest.Resolver
	cfg      PoolConfig
	now      func() time.Time
	logger   *slog.Logger
}

type poolOptions struct {
	now    func() time.Time
	logger *slog.Logger
}

// PoolOption は Pool のオプション設定
type PoolOption func(*poolOptions)

// WithPoolLogger は Pool にロガーを設定する
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(o *poolOptions) {
		o.logger = logger
	}
}

// WithPoolClock は現在時刻の取得方法を差し替える
func WithPoolClock(now func() time.Time) PoolOption {
	return func(o *poolOptions) {
		o.now = now
	}
}

// NewPool は新しい Pool を作成する
func NewPool(
	store Store,
	catalog manifest.Catalog,
	rules manifest.RuleSource,
	resolver *manifest.Resolver,
	cfg PoolConfig,
	opts ...PoolOption,
) *Pool {
	options := poolOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = defaults.Retry
	}
	if cfg.WorkerPrefix == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.WorkerPrefix = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return &Pool{
		store:    store,
		catalog:  catalog,
		rules:    rules,
		resolver: resolver,
		cfg:      cfg,
		now:      options.now,
		logger:   logger,
	}
}

// Run は ctx がキャンセルされるまでワーカーを実行する
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("ワーカープールを開始します", "workers", p.cfg.Workers, "prefix", p.cfg.WorkerPrefix)

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Workers {
		workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerPrefix, i)
		g.Go(func() error {
			p.loop(gctx, workerID)
			return nil
		})
	}
	err := g.Wait()

	p.logger.Info("ワーカープールを停止しました")
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	logger := p.logger.With("worker", workerID)
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := p.ProcessNext(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			logger.Error("ジョブの処理に失敗しました", "error", err)
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// ProcessNext は取得可能なジョブを1件処理する
// 取得できるジョブがなかった場合は false を返す
func (p *Pool) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	opt, err := p.store.Claim(ctx, workerID, p.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	claim, ok := opt.Get()
	if !ok {
		return false, nil
	}

	j := claim.Job
	logger := p.logger.With(
		"worker", workerID,
		"jobID", j.ID,
		"target", j.Target,
		"attempt", j.Attempts,
	)
	logger.Info("ジョブを開始します")

	jobCtx, cancel := context.WithCancelCause(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(jobCtx, claim, cancel, logger)
	}()

	m, resolveErr := p.execute(jobCtx, j.Target)

	lost := errors.Is(context.Cause(jobCtx), ErrClaimConflict)
	cancel(nil)
	<-hbDone

	if lost {
		logger.Warn("クレームを失ったためジョブを放棄します")
		return true, nil
	}

	// 最終結果の書き込みはシャットダウン中でも行う
	writeCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer stop()

	// シャットダウンで中断された場合は試行回数を戻して即座に再投入する
	if resolveErr != nil && ctx.Err() != nil {
		err := p.store.Requeue(writeCtx, j.ID, claim.Token, RequeueParams{
			LastError:     "worker shutdown",
			AvailableAt:   p.now().UTC(),
			RefundAttempt: true,
		})
		if err != nil && !errors.Is(err, ErrClaimConflict) {
			return true, fmt.Errorf("failed to requeue job on shutdown: %w", err)
		}
		logger.Info("シャットダウンのためジョブを再投入しました")
		return true, nil
	}

	if resolveErr == nil {
		return true, p.complete(writeCtx, claim, m, logger)
	}
	return true, p.fail(writeCtx, claim, resolveErr, logger)
}

// execute はリポジトリの情報、ルールセット、カタログのスナップショットを取得して解決する
// execute は1ジョブ分のスナップショットを使ってターゲットを解決する
// ソース・デバッグ情報リポジトリは、先に対応するバイナリリポジトリを同じスナップショットで解決する
func (p *Pool) execute(ctx context.Context, target manifest.RepositoryTarget) (*manifest.Manifest, error) {
	snap := manifest.NewSnapshot(p.catalog)

	info, err := snap.DescribeRepository(ctx, target)
	if err != nil {
		return nil, classify(err, manifest.KindCatalogUnavailable, "describe repository")
	}
	rules, err := p.ruleSet(ctx, info)
	if err != nil {
		return nil, err
	}
	if !info.IsCompanion() {
		return p.resolver.Resolve(ctx, target, rules, snap)
	}

	if info.BinaryRepository == "" {
		return nil, manifest.NewResolutionError(manifest.KindUnknownRepository, "describe repository",
			fmt.Errorf("%s repository %s has no binary repository", info.Role, target))
	}
	binInfo, err := snap.DescribeRepository(ctx, info.BinaryRepository)
	if err != nil {
		return nil, classify(err, manifest.KindCatalogUnavailable, "describe binary repository")
	}
	binRules, err := p.ruleSet(ctx, binInfo)
	if err != nil {
		return nil, err
	}
	binary, err := p.resolver.Resolve(ctx, binInfo.ID, binRules, snap)
	if err != nil {
		return nil, err
	}
	return p.resolver.ResolveCompanion(ctx, info, rules, binary, snap)
}

func (p *Pool) ruleSet(ctx context.Context, info *manifest.RepositoryInfo) (*manifest.RuleSet, error) {
	rules, err := p.rules.GetRuleSet(ctx, info.Family())
	if err != nil {
		return nil, classify(err, manifest.KindRulesUnavailable, "get rule set")
	}
	return rules, nil
}

func classify(err error, kind manifest.ErrorKind, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := manifest.KindOf(err); ok {
		return err
	}
	return manifest.NewResolutionError(kind, op, err)
}

func (p *Pool) complete(ctx context.Context, claim *Claim, m *manifest.Manifest, logger *slog.Logger) error {
	d, err := m.Digest()
	if err != nil {
		return p.fail(ctx, claim, err, logger)
	}
	now := p.now().UTC()
	err = p.store.Complete(ctx, claim.Job.ID, claim.Token, CompleteParams{
		Manifest:  m,
		Digest:    d,
		Now:       now,
		ExpiresAt: now.Add(p.cfg.Retention),
	})
	if errors.Is(err, ErrClaimConflict) {
		logger.Warn("クレームを失ったため結果を破棄します")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	logger.Info("ジョブが成功しました", "entries", len(m.Entries), "warnings", len(m.Warnings), "digest", d)
	return nil
}

func (p *Pool) fail(ctx context.Context, claim *Claim, cause error, logger *slog.Logger) error {
	j := claim.Job
	now := p.now().UTC()

	if manifest.IsTransient(cause) && !p.cfg.Retry.Exhausted(j.Attempts) {
		delay := p.cfg.Retry.Delay(j.Attempts)
		err := p.store.Requeue(ctx, j.ID, claim.Token, RequeueParams{
			LastError:   cause.Error(),
			AvailableAt: now.Add(delay),
		})
		if errors.Is(err, ErrClaimConflict) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
		logger.Warn("一時的なエラーのため再試行します", "error", cause, "delay", delay)
		return nil
	}

	failure := failureOf(cause, j.Attempts)
	err := p.store.Fail(ctx, j.ID, claim.Token, FailParams{
		Failure:   failure,
		Now:       now,
		ExpiresAt: now.Add(p.cfg.Retention),
	})
	if errors.Is(err, ErrClaimConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	logger.Error("ジョブが失敗しました", "kind", failure.Kind, "error", cause)
	return nil
}

func failureOf(err error, attempts int) Failure {
	kind := FailureInternal
	if k, ok := manifest.KindOf(err); ok {
		kind = string(k)
	}
	return Failure{Kind: kind, Message: err.Error(), Attempts: attempts}
}

// heartbeat は実行中のジョブの生存を定期的に記録する
// クレームを失った場合は cancel で実行を打ち切る
func (p *Pool) heartbeat(ctx context.Context, claim *Claim, cancel context.CancelCauseFunc, logger *slog.Logger) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.store.Heartbeat(ctx, claim.Job.ID, claim.Token, p.now().UTC())
			if errors.Is(err, ErrClaimConflict) {
				cancel(ErrClaimConflict)
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("ハートビートの更新に失敗しました", "error", err)
			}
		}
	}
}

// ResolveOnce はキューを経由せずにターゲットを同期的に解決する
func (p *Pool) ResolveOnce(ctx context.Context, target manifest.RepositoryTarget) (*manifest.Manifest, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return p.execute(ctx, target)
}

