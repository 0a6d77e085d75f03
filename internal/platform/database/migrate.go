package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jinford/ubi-manifest/pkg/lock"
)

//go:embed schema.sql
var schemaSQL string

// SchemaLockID はスキーマ適用を直列化するアドバイザリロックのID
var SchemaLockID = lock.GenerateLockID("ubi-manifest", "schema")

// ErrMigrationInProgress は他のプロセスがスキーマを適用中であることを表す
var ErrMigrationInProgress = errors.New("schema migration is already running in another session")

// Migrate はスキーマを適用します（冪等）
// 他のプロセスが適用中の場合は待たずに ErrMigrationInProgress を返します
func (db *Database) Migrate(ctx context.Context) error {
	_, err := Transact(ctx, db, func(tx pgx.Tx) (struct{}, error) {
		acquired, err := lock.TryAcquire(ctx, tx, SchemaLockID)
		if err != nil {
			return struct{}{}, err
		}
		if !acquired {
			return struct{}{}, ErrMigrationInProgress
		}
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return struct{}{}, fmt.Errorf("failed to apply schema: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}
