package job

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/ubi-manifest/internal/core/manifest"
	"github.com/samber/mo"
)

// Store はジョブ状態の永続化を担う
// ジョブ状態の唯一の情報源であり、RUNNING 以降の遷移はすべてクレームトークンで条件付けられる
type Store interface {
	// CreateBatch はターゲットごとにジョブを PENDING で作成する
	// 同じターゲットに PENDING / RUNNING のジョブがあればそれを再利用する
	CreateBatch(ctx context.Context, targets []manifest.RepositoryTarget, now time.Time) (*BatchHandle, error)

	// Claim は取得可能なジョブを1件 RUNNING にし、新しいクレームトークンを発行する
	Claim(ctx context.Context, workerID string, now time.Time) (mo.Option[*Claim], error)
	// Heartbeat は実行中ジョブの生存時刻を更新する
	Heartbeat(ctx context.Context, id, token uuid.UUID, now time.Time) error
	// Complete はジョブを SUCCEEDED にする
	Complete(ctx context.Context, id, token uuid.UUID, params CompleteParams) error
	// Fail はジョブを FAILED にする
	Fail(ctx context.Context, id, token uuid.UUID, params FailParams) error
	// Requeue はジョブを PENDING に戻す
	Requeue(ctx context.Context, id, token uuid.UUID, params RequeueParams) error

	// ListStale はハートビートが staleBefore より古い RUNNING ジョブを返す
	ListStale(ctx context.Context, staleBefore time.Time) ([]*Job, error)
	// Reclaim はハートビートが途絶えたジョブのクレームを奪い、新しいトークンを返す
	Reclaim(ctx context.Context, id, token uuid.UUID, staleBefore time.Time) (uuid.UUID, error)

	// CancelBatch はバッチを取り消し、PENDING のジョブを CANCELLED にする
	// 他の取り消されていないバッチからも参照されているジョブは取り消さない
	CancelBatch(ctx context.Context, batchID uuid.UUID, now, expiresAt time.Time) ([]uuid.UUID, error)

	GetJob(ctx context.Context, id uuid.UUID) (mo.Option[*Job], error)
	GetBatch(ctx context.Context, id uuid.UUID) (mo.Option[*Batch], error)
	ListJobs(ctx context.Context, ids []uuid.UUID) ([]*Job, error)
	// LatestSucceeded はターゲットの保持期間内で最新の SUCCEEDED ジョブを返す
	LatestSucceeded(ctx context.Context, target manifest.RepositoryTarget, now time.Time) (mo.Option[*Job], error)

	// PurgeExpired は保持期間を過ぎたジョブと空になったバッチを削除する
	PurgeExpired(ctx context.Context, now time.Time) (PurgeResult, error)
}
