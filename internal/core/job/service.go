package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/ubi-manifest/internal/core/manifest"
)

// DefaultRetention は終端状態のジョブを保持する期間
const DefaultRetention = 4 * time.Hour

// Service はジョブ、バッチ、マニフェストの参照を提供する
// 保持期間を過ぎたジョブは存在しないものとして扱う
type Service struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

type serviceOptions struct {
	now    func() time.Time
	logger *slog.Logger
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*serviceOptions)

// WithServiceLogger は Service にロガーを設定する
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithServiceClock は現在時刻の取得方法を差し替える
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(o *serviceOptions) {
		o.now = now
	}
}

// NewService は新しい Service を作成する
func NewService(store Store, opts ...ServiceOption) *Service {
	options := serviceOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, now: options.now, logger: logger}
}

// GetJob はジョブの状態を返す
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	opt, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}
	j, ok := opt.Get()
	if !ok || j.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// GetBatch はバッチに含まれるジョブの状態をまとめて返す
func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (*BatchStatus, error) {
	opt, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("バッチの取得に失敗しました: %w", err)
	}
	b, ok := opt.Get()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}

	jobs, err := s.store.ListJobs(ctx, b.JobIDs)
	if err != nil {
		return nil, fmt.Errorf("バッチのジョブ取得に失敗しました: %w", err)
	}

	now := s.now()
	status := &BatchStatus{
		Batch:   *b,
		Jobs:    make([]*Job, 0, len(jobs)),
		Summary: make(map[State]int),
		Done:    true,
	}
	for _, j := range jobs {
		if j.IsExpired(now) {
			continue
		}
		status.Jobs = append(status.Jobs, j)
		status.Summary[j.State]++
		if !j.State.IsTerminal() {
			status.Done = false
		}
	}
	if len(status.Jobs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return status, nil
}

// GetManifest はターゲットの最新の成功ジョブを返す
func (s *Service) GetManifest(ctx context.Context, target manifest.RepositoryTarget) (*Job, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	opt, err := s.store.LatestSucceeded(ctx, target, s.now())
	if err != nil {
		return nil, fmt.Errorf("マニフェストの取得に失敗しました: %w", err)
	}
	j, ok := opt.Get()
	if !ok {
		return nil, fmt.Errorf("%w: no manifest for %s", ErrJobNotFound, target)
	}
	return j, nil
}
