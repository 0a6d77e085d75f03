package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jinford/ubi-manifest/internal/platform/database"
)

// DBMigrateAction はジョブストアのスキーマを適用するコマンドのアクション
func DBMigrateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	db := appCtx.Container.Database()
	if db == nil {
		return errors.New("データベースが設定されていません")
	}

	if err := db.Migrate(ctx); err != nil {
		if errors.Is(err, database.ErrMigrationInProgress) {
			return fmt.Errorf("他のプロセスがマイグレーションを実行中です。完了後に再実行してください: %w", err)
		}
		return fmt.Errorf("マイグレーションに失敗: %w", err)
	}

	appCtx.Logger().Info("マイグレーションが完了しました", "database", appCtx.Config.Database.DBName)
	return nil
}
