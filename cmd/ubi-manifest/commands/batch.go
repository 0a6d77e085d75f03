package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/ubi-manifest/internal/core/job"
)

// BatchShowAction はバッチの状態を表示するコマンドのアクション
func BatchShowAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	format := cmd.String("format")
	if err := checkFormat(format); err != nil {
		return err
	}
	batchID, err := parseID(cmd, "id")
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	status, err := appCtx.Container.Service.GetBatch(ctx, batchID)
	if errors.Is(err, job.ErrBatchNotFound) {
		return fmt.Errorf("バッチが見つかりません（期限切れの可能性があります）: %s", batchID)
	}
	if err != nil {
		return fmt.Errorf("バッチの取得に失敗: %w", err)
	}

	w := output(cmd)
	if format == "table" {
		renderBatchTable(w, status)
		return nil
	}
	// 一覧ではマニフェスト本体を省く
	for _, j := range status.Jobs {
		j.Manifest = nil
	}
	return writeJSON(w, status)
}

// BatchCancelAction はバッチを取り消すコマンドのアクション
// 他の有効なバッチからも参照されているジョブは取り消されない
func BatchCancelAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	batchID, err := parseID(cmd, "id")
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	cancelled, err := appCtx.Container.Dispatcher.CancelBatch(ctx, batchID)
	if errors.Is(err, job.ErrBatchNotFound) {
		return fmt.Errorf("バッチが見つかりません: %s", batchID)
	}
	if err != nil {
		return fmt.Errorf("バッチの取り消しに失敗: %w", err)
	}

	appCtx.Logger().Info("バッチを取り消しました", "batchID", batchID, "cancelledJobs", len(cancelled))

	if cancelled == nil {
		cancelled = []uuid.UUID{}
	}
	return writeJSON(output(cmd), struct {
		BatchID   uuid.UUID   `json:"batch_id"`
		Cancelled []uuid.UUID `json:"cancelled_jobs"`
	}{BatchID: batchID, Cancelled: cancelled})
}
