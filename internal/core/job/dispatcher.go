package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/ubi-manifest/internal/core/manifest"
)

// Dispatcher はターゲットの一覧をジョブに展開してキューへ投入する
// 実行の完了は待たない
type Dispatcher struct {
	store     Store
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type dispatcherOptions struct {
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// DispatcherOption は Dispatcher のオプション設定
type DispatcherOption func(*dispatcherOptions)

// WithDispatcherLogger は Dispatcher にロガーを設定する
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.logger = logger
	}
}

// WithDispatcherClock は現在時刻の取得方法を差し替える
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.now = now
	}
}

// WithDispatcherRetention は取り消したジョブの保持期間を設定する
func WithDispatcherRetention(retention time.Duration) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.retention = retention
	}
}

// NewDispatcher は新しい Dispatcher を作成する
func NewDispatcher(store Store, opts ...DispatcherOption) *Dispatcher {
	options := dispatcherOptions{
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		retention: options.retention,
		now:       options.now,
		logger:    logger,
	}
}

// Submit はターゲットごとにジョブを作成し、バッチのハンドルを即座に返す
// 実行中のジョブがあるターゲットはそのジョブを再利用する
func (d *Dispatcher) Submit(ctx context.Context, targets []manifest.RepositoryTarget) (*BatchHandle, error) {
	if len(targets) == 0 {
		return nil, ErrEmptyBatch
	}

	var errs []error
	unique := make([]manifest.RepositoryTarget, 0, len(targets))
	seen := make(map[manifest.RepositoryTarget]struct{}, len(targets))
	for _, target := range targets {
		if err := target.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		unique = append(unique, target)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	handle, err := d.store.CreateBatch(ctx, unique, d.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ジョブの投入に失敗しました: %w", err)
	}

	reused := 0
	for _, j := range handle.Jobs {
		if j.Reused {
			reused++
		}
	}
	d.logger.Info("バッチを投入しました",
		"batchID", handle.BatchID,
		"jobs", len(handle.Jobs),
		"reused", reused,
	)
	return handle, nil
}

// CancelBatch はバッチの PENDING ジョブを取り消す
// RUNNING のジョブは完了まで実行される
func (d *Dispatcher) CancelBatch(ctx context.Context, batchID uuid.UUID) ([]uuid.UUID, error) {
	now := d.now().UTC()
	cancelled, err := d.store.CancelBatch(ctx, batchID, now, now.Add(d.retention))
	if err != nil {
		return nil, err
	}
	d.logger.Info("バッチを取り消しました", "batchID", batchID, "cancelledJobs", len(cancelled))
	return cancelled, nil
}
