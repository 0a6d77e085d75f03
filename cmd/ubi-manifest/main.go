package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jinford/ubi-manifest/cmd/ubi-manifest/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func formatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "format",
		Usage: "出力形式（json または table）",
		Value: "json",
	}
}

func repoFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "repo",
		Usage:    "UBIリポジトリID",
		Required: true,
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "ubi-manifest",
		Usage: "UBIリポジトリのマニフェストを非同期に解決するサービス",
		Commands: []*cli.Command{
			{
				Name:  "db",
				Usage: "データベース管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "migrate",
						Usage:  "ジョブストアのスキーマを適用",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.DBMigrateAction,
					},
				},
			},
			{
				Name:  "worker",
				Usage: "ワーカー管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "run",
						Usage: "ワーカープールを起動（SIGTERMで処理中のジョブを戻して終了）",
						Flags: []cli.Flag{
							envFlag(),
							&cli.BoolFlag{
								Name:  "no-janitor",
								Usage: "停止したワーカーのジョブ回収と期限切れジョブの削除を行わない",
							},
						},
						Action: commands.WorkerRunAction,
					},
				},
			},
			{
				Name:  "manifest",
				Usage: "マニフェスト解決コマンド",
				Commands: []*cli.Command{
					{
						Name:  "submit",
						Usage: "リポジトリのマニフェスト解決を投入",
						Flags: []cli.Flag{
							envFlag(),
							formatFlag(),
							&cli.StringSliceFlag{
								Name:     "repo",
								Usage:    "UBIリポジトリID（複数指定またはカンマ区切り）",
								Required: true,
							},
							&cli.BoolFlag{
								Name:  "wait",
								Usage: "すべてのジョブが完了するまで待つ",
							},
							&cli.DurationFlag{
								Name:  "poll-interval",
								Usage: "--wait 時の状態確認間隔",
								Value: 2 * time.Second,
							},
						},
						Action: commands.ManifestSubmitAction,
					},
					{
						Name:  "status",
						Usage: "ジョブの状態を表示",
						Flags: []cli.Flag{
							envFlag(),
							formatFlag(),
							&cli.StringFlag{
								Name:     "job",
								Usage:    "ジョブID",
								Required: true,
							},
							&cli.BoolFlag{
								Name:  "with-manifest",
								Usage: "解決済みのマニフェストも出力",
							},
						},
						Action: commands.ManifestStatusAction,
					},
					{
						Name:   "get",
						Usage:  "リポジトリの最新のマニフェストを表示",
						Flags:  []cli.Flag{envFlag(), formatFlag(), repoFlag()},
						Action: commands.ManifestGetAction,
					},
					{
						Name:   "resolve",
						Usage:  "キューを介さずにマニフェストを解決（データベース不要）",
						Flags:  []cli.Flag{envFlag(), formatFlag(), repoFlag()},
						Action: commands.ManifestResolveAction,
					},
				},
			},
			{
				Name:  "batch",
				Usage: "バッチ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "show",
						Usage: "バッチの状態を表示",
						Flags: []cli.Flag{
							envFlag(),
							formatFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "バッチID",
								Required: true,
							},
						},
						Action: commands.BatchShowAction,
					},
					{
						Name:  "cancel",
						Usage: "バッチを取り消す（他のバッチと共有しているジョブは継続）",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "バッチID",
								Required: true,
							},
						},
						Action: commands.BatchCancelAction,
					},
				},
			},
			{
				Name:  "maintenance",
				Usage: "メンテナンスコマンド",
				Commands: []*cli.Command{
					{
						Name:   "purge",
						Usage:  "保持期間を過ぎたジョブを削除",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.MaintenancePurgeAction,
					},
					{
						Name:   "reclaim",
						Usage:  "ハートビートが途絶えたジョブを回収",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.MaintenanceReclaimAction,
					},
				},
			},
		},
	}
}
