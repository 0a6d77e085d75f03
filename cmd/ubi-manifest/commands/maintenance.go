package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// MaintenancePurgeAction は保持期間切れのジョブを削除するコマンドのアクション
func MaintenancePurgeAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := appCtx.Container.Janitor.Purge(ctx)
	if err != nil {
		return fmt.Errorf("削除に失敗: %w", err)
	}
	return writeJSON(output(cmd), result)
}

// MaintenanceReclaimAction はハートビートが途絶えたジョブを回収するコマンドのアクション
func MaintenanceReclaimAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := appCtx.Container.Janitor.ReclaimStale(ctx)
	if err != nil {
		return fmt.Errorf("回収に失敗: %w", err)
	}
	return writeJSON(output(cmd), result)
}
