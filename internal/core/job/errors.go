package job

import "errors"

var (
	// ErrJobNotFound はジョブが存在しないか保持期間を過ぎている
	ErrJobNotFound = errors.New("job not found")
	// ErrBatchNotFound はバッチが存在しない
	ErrBatchNotFound = errors.New("batch not found")
	// ErrClaimConflict はクレームトークンが失効している（他のワーカーやリーパーに奪われた）
	ErrClaimConflict = errors.New("claim conflict")
	// ErrEmptyBatch はターゲットが1件も指定されていない
	ErrEmptyBatch = errors.New("no repository targets given")
)
