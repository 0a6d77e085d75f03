package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

// WorkerRunAction はワーカープールとジャニターを起動するコマンドのアクション
// シグナルを受けると処理中のジョブを戻してから終了する
func WorkerRunAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	withJanitor := !cmd.Bool("no-janitor")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	logger := appCtx.Logger()
	cfg := appCtx.Config
	logger.Info("ワーカーを起動します",
		"workers", cfg.Worker.Count,
		"pollInterval", cfg.Worker.PollInterval,
		"heartbeatInterval", cfg.Worker.HeartbeatInterval,
		"janitor", withJanitor,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return appCtx.Container.Pool.Run(gctx)
	})
	if withJanitor {
		g.Go(func() error {
			return appCtx.Container.Janitor.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ワーカーが異常終了しました: %w", err)
	}

	logger.Info("ワーカーを停止しました")
	return nil
}
