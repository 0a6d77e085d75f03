package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// JanitorConfig はジャニターの設定
type JanitorConfig struct {
	// LivenessThreshold を超えてハートビートが途絶えた RUNNING ジョブを回収する
	LivenessThreshold time.Duration
	Interval          time.Duration
	Retention         time.Duration
	Retry             RetryPolicy
}

// DefaultJanitorConfig はデフォルトのジャニター設定を返す
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		LivenessThreshold: 60 * time.Second,
		Interval:          time.Minute,
		Retention:         DefaultRetention,
		Retry:             DefaultRetryPolicy(),
	}
}

// ReclaimResult は回収の結果
type ReclaimResult struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// Janitor は停止したワーカーのジョブ回収と保持期間切れジョブの削除を行う
type Janitor struct {
	store  Store
	cfg    JanitorConfig
	now    func() time.Time
	logger *slog.Logger
}

type janitorOptions struct {
	now    func() time.Time
	logger *slog.Logger
}

// JanitorOption は Janitor のオプション設定
type JanitorOption func(*janitorOptions)

// WithJanitorLogger は Janitor にロガーを設定する
func WithJanitorLogger(logger *slog.Logger) JanitorOption {
	return func(o *janitorOptions) {
		o.logger = logger
	}
}

// WithJanitorClock は現在時刻の取得方法を差し替える
func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(o *janitorOptions) {
		o.now = now
	}
}

// NewJanitor は新しい Janitor を作成する
func NewJanitor(store Store, cfg JanitorConfig, opts ...JanitorOption) *Janitor {
	options := janitorOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultJanitorConfig()
	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = defaults.LivenessThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = defaults.Retry
	}
	return &Janitor{store: store, cfg: cfg, now: options.now, logger: logger}
}

// ReclaimStale はハートビートが途絶えたジョブを回収する
// 回収は一時的な失敗として試行回数に数え、使い切っていれば FAILED にする
func (j *Janitor) ReclaimStale(ctx context.Context) (ReclaimResult, error) {
	var result ReclaimResult
	now := j.now().UTC()
	staleBefore := now.Add(-j.cfg.LivenessThreshold)

	stale, err := j.store.ListStale(ctx, staleBefore)
	if err != nil {
		return result, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	for _, job := range stale {
		token, err := j.store.Reclaim(ctx, job.ID, job.ClaimToken, staleBefore)
		if errors.Is(err, ErrClaimConflict) {
			// ワーカーが復帰したか、他のジャニターが先に回収した
			continue
		}
		if err != nil {
			return result, fmt.Errorf("failed to reclaim job %s: %w", job.ID, err)
		}

		logger := j.logger.With("jobID", job.ID, "target", job.Target, "worker", job.WorkerID, "attempt", job.Attempts)
		lastError := fmt.Sprintf("worker %s stopped sending heartbeats", job.WorkerID)

		if j.cfg.Retry.Exhausted(job.Attempts) {
			err = j.store.Fail(ctx, job.ID, token, FailParams{
				Failure:   Failure{Kind: FailureWorkerLost, Message: lastError, Attempts: job.Attempts},
				Now:       now,
				ExpiresAt: now.Add(j.cfg.Retention),
			})
			if err != nil && !errors.Is(err, ErrClaimConflict) {
				return result, fmt.Errorf("failed to fail job %s: %w", job.ID, err)
			}
			result.Failed++
			logger.Warn("再試行回数を使い切ったため FAILED にしました")
			continue
		}

		delay := j.cfg.Retry.Delay(job.Attempts)
		err = j.store.Requeue(ctx, job.ID, token, RequeueParams{
			LastError:   lastError,
			AvailableAt: now.Add(delay),
		})
		if err != nil && !errors.Is(err, ErrClaimConflict) {
			return result, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
		result.Requeued++
		logger.Warn("停止したワーカーのジョブを再投入しました", "delay", delay)
	}
	return result, nil
}

// Purge は保持期間を過ぎたジョブと空のバッチを削除する
func (j *Janitor) Purge(ctx context.Context) (PurgeResult, error) {
	result, err := j.store.PurgeExpired(ctx, j.now().UTC())
	if err != nil {
		return result, fmt.Errorf("failed to purge expired jobs: %w", err)
	}
	if result.Jobs > 0 || result.Batches > 0 {
		j.logger.Info("保持期間切れのジョブを削除しました", "jobs", result.Jobs, "batches", result.Batches)
	}
	return result, nil
}

// Run は ctx がキャンセルされるまで定期的に回収と削除を行う
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := j.ReclaimStale(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("ジョブの回収に失敗しました", "error", err)
		}
		if _, err := j.Purge(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("ジョブの削除に失敗しました", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
