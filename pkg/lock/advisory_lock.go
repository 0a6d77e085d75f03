package lock

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
)

// GenerateLockID は文字列からロックIDを生成します
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		// "ab"+"c" と "a"+"bc" を区別する
		h.Write([]byte{0})
	}
	hash := h.Sum(nil)

	// ハッシュの最初の8バイトをint64として使用
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}

	return id
}

// Acquire はトランザクションスコープのアドバイザリロックを取得します（pg_advisory_xact_lock）
// ロックはトランザクション終了時に自動的に解放されます
func Acquire(ctx context.Context, tx pgx.Tx, lockID int64) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return nil
}

// TryAcquire は待たずにロックの取得を試みます
func TryAcquire(ctx context.Context, tx pgx.Tx, lockID int64) (bool, error) {
	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", lockID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	return acquired, nil
}

// AcquireAll は複数のロックを昇順に取得します
// 取得順を揃えることで、重なる集合をロックするトランザクション同士のデッドロックを防ぎます
func AcquireAll(ctx context.Context, tx pgx.Tx, lockIDs []int64) error {
	ids := make([]int64, len(lockIDs))
	copy(ids, lockIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var prev int64
	for i, id := range ids {
		if i > 0 && id == prev {
			continue
		}
		if err := Acquire(ctx, tx, id); err != nil {
			return err
		}
		prev = id
	}
	return nil
}
