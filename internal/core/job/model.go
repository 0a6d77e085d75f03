package job

import (
	"time"

	"github.com/google/uuid"
	"github.com/jinford/ubi-manifest/internal/core/manifest"
	"github.com/opencontainers/go-digest"
)

// State はジョブの状態を表す
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// IsTerminal は終端状態かどうかを返す
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// IsInFlight は同一ターゲットの新規ジョブ作成を抑止する状態かどうかを返す
func (s State) IsInFlight() bool {
	return s == StatePending || s == StateRunning
}

// ジョブ単位の失敗分類（manifest.ErrorKind 以外）
const (
	// FailureWorkerLost はハートビートが途絶えたまま再試行回数を使い切った
	FailureWorkerLost = "WorkerLost"
	// FailureInternal は分類されていないエラー
	FailureInternal = "Internal"
)

// Failure は FAILED ジョブのエラー詳細
type Failure struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

// Job は1ターゲットに対するマニフェスト解決の実行単位
// ジョブ行がそのままキュー要素を兼ねる（PENDING かつ AvailableAt <= now で取得可能）
type Job struct {
	ID             uuid.UUID                 `json:"id"`
	Target         manifest.RepositoryTarget `json:"target"`
	State          State                     `json:"state"`
	Manifest       *manifest.Manifest        `json:"manifest,omitempty"`
	ManifestDigest digest.Digest             `json:"manifest_digest,omitempty"`
	Failure        *Failure                  `json:"error,omitempty"`
	Attempts       int                       `json:"attempts"`
	LastError      string                    `json:"last_error,omitempty"`
	AvailableAt    time.Time                 `json:"available_at"`
	ClaimToken     uuid.UUID                 `json:"-"`
	WorkerID       string                    `json:"worker_id,omitempty"`
	HeartbeatAt    *time.Time                `json:"heartbeat_at,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	StartedAt      *time.Time                `json:"started_at,omitempty"`
	CompletedAt    *time.Time                `json:"completed_at,omitempty"`
	ExpiresAt      *time.Time                `json:"expires_at,omitempty"`
}

// IsExpired は保持期間を過ぎているかどうかを返す
func (j *Job) IsExpired(now time.Time) bool {
	return j.ExpiresAt != nil && !j.ExpiresAt.After(now)
}

// Batch は一度の投入で作成・再利用されたジョブの集合
type Batch struct {
	ID          uuid.UUID   `json:"id"`
	CreatedAt   time.Time   `json:"created_at"`
	CancelledAt *time.Time  `json:"cancelled_at,omitempty"`
	JobIDs      []uuid.UUID `json:"job_ids"`
}

// SubmittedJob は投入結果に含まれるジョブの情報
type SubmittedJob struct {
	JobID  uuid.UUID                 `json:"job_id"`
	Target manifest.RepositoryTarget `json:"target"`
	State  State                     `json:"state"`
	// Reused は既存の実行中ジョブを再利用したことを示す
	Reused bool `json:"reused"`
}

// BatchHandle は投入直後にクライアントへ返すハンドル
type BatchHandle struct {
	BatchID uuid.UUID      `json:"batch_id"`
	Jobs    []SubmittedJob `json:"jobs"`
}

// JobIDs はハンドルに含まれるジョブIDを返す
func (h *BatchHandle) JobIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(h.Jobs))
	for _, j := range h.Jobs {
		ids = append(ids, j.JobID)
	}
	return ids
}

// BatchStatus はバッチの状態をまとめたビュー
type BatchStatus struct {
	Batch
	Jobs    []*Job        `json:"jobs"`
	Summary map[State]int `json:"summary"`
	// Done はすべてのジョブが終端状態であることを示す
	Done bool `json:"done"`
}

// Claim はワーカーが取得したジョブとクレームトークン
type Claim struct {
	Job   *Job
	Token uuid.UUID
}

// RequeueParams は RUNNING のジョブをキューに戻す際のパラメータ
type RequeueParams struct {
	LastError   string
	AvailableAt time.Time
	// RefundAttempt は取得時に加算した試行回数を戻す（シャットダウン時）
	RefundAttempt bool
}

// CompleteParams は成功時に書き込む内容
type CompleteParams struct {
	Manifest  *manifest.Manifest
	Digest    digest.Digest
	Now       time.Time
	ExpiresAt time.Time
}

// FailParams は失敗時に書き込む内容
type FailParams struct {
	Failure   Failure
	Now       time.Time
	ExpiresAt time.Time
}

// PurgeResult は保持期間切れの削除結果
type PurgeResult struct {
	Jobs    int `json:"jobs"`
	Batches int `json:"batches"`
}
