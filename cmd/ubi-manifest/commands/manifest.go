package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/urfave/cli/v3"

	"github.com/jinford/ubi-manifest/internal/core/job"
	"github.com/jinford/ubi-manifest/internal/core/manifest"
	"github.com/jinford/ubi-manifest/internal/infra/memory"
	"github.com/jinford/ubi-manifest/internal/platform/container"
)

// manifestResult は manifest get / resolve の出力
type manifestResult struct {
	JobID  *uuid.UUID         `json:"job_id,omitempty"`
	Digest digest.Digest      `json:"digest"`
	Result *manifest.Manifest `json:"manifest"`
}

// ManifestSubmitAction はリポジトリのマニフェスト解決を投入するコマンドのアクション
func ManifestSubmitAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	format := cmd.String("format")
	targets := parseTargets(cmd.StringSlice("repo"))
	if err := checkFormat(format); err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	handle, err := appCtx.Container.Dispatcher.Submit(ctx, targets)
	if err != nil {
		return fmt.Errorf("マニフェスト解決の投入に失敗: %w", err)
	}

	w := output(cmd)
	if !cmd.Bool("wait") {
		if format == "table" {
			renderSubmittedTable(w, handle)
			return nil
		}
		return writeJSON(w, handle)
	}

	status, err := waitBatch(ctx, appCtx.Container.Service, handle.BatchID, cmd.Duration("poll-interval"), appCtx.Logger())
	if err != nil {
		return err
	}
	if format == "table" {
		renderBatchTable(w, status)
		return nil
	}
	return writeJSON(w, status)
}

// waitBatch はバッチの全ジョブが終端状態になるまで待つ
func waitBatch(ctx context.Context, svc *job.Service, batchID uuid.UUID, interval time.Duration, logger *slog.Logger) (*job.BatchStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := svc.GetBatch(ctx, batchID)
		if err != nil {
			return nil, fmt.Errorf("バッチ状態の取得に失敗: %w", err)
		}
		if status.Done {
			return status, nil
		}
		logger.Info("バッチの完了を待っています", "batchID", batchID, "summary", status.Summary)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ManifestStatusAction はジョブの状態を表示するコマンドのアクション
func ManifestStatusAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	format := cmd.String("format")
	if err := checkFormat(format); err != nil {
		return err
	}
	jobID, err := parseID(cmd, "job")
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	j, err := appCtx.Container.Service.GetJob(ctx, jobID)
	if errors.Is(err, job.ErrJobNotFound) {
		return fmt.Errorf("ジョブが見つかりません（期限切れの可能性があります）: %s", jobID)
	}
	if err != nil {
		return fmt.Errorf("ジョブの取得に失敗: %w", err)
	}

	w := output(cmd)
	if format == "table" {
		renderJobsTable(w, []*job.Job{j})
		return nil
	}
	if !cmd.Bool("with-manifest") {
		j.Manifest = nil
	}
	return writeJSON(w, j)
}

// ManifestGetAction はリポジトリの最新のマニフェストを表示するコマンドのアクション
func ManifestGetAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	format := cmd.String("format")
	target := manifest.RepositoryTarget(cmd.String("repo"))
	if err := checkFormat(format); err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	j, err := appCtx.Container.Service.GetManifest(ctx, target)
	if errors.Is(err, job.ErrJobNotFound) {
		return fmt.Errorf("%s の解決済みマニフェストがありません", target)
	}
	if err != nil {
		return fmt.Errorf("マニフェストの取得に失敗: %w", err)
	}

	w := output(cmd)
	if format == "table" {
		renderManifestTable(w, j.Manifest)
		return nil
	}
	return writeJSON(w, manifestResult{JobID: &j.ID, Digest: j.ManifestDigest, Result: j.Manifest})
}

// ManifestResolveAction はキューを介さずにマニフェストを解決するコマンドのアクション
// ジョブストアはプロセス内のものを使うため、データベースには接続しない
func ManifestResolveAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	format := cmd.String("format")
	target := manifest.RepositoryTarget(cmd.String("repo"))
	if err := checkFormat(format); err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, envFile, container.WithContainerStore(memory.NewStore()))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	appCtx.Logger().Info("マニフェストを解決します", "target", target)

	m, err := appCtx.Container.Pool.ResolveOnce(ctx, target)
	if err != nil {
		return fmt.Errorf("マニフェストの解決に失敗: %w", err)
	}

	w := output(cmd)
	if format == "table" {
		renderManifestTable(w, m)
		return nil
	}

	d, err := m.Digest()
	if err != nil {
		return fmt.Errorf("ダイジェストの計算に失敗: %w", err)
	}
	return writeJSON(w, manifestResult{Digest: d, Result: m})
}
