package logger

import (
	"io"
	"log/slog"
	"os"
)

// Config はロガーの設定
type Config struct {
	Level  slog.Level
	Format string // "json" or "text"
	// Output は出力先。未指定なら標準エラー出力（標準出力はコマンドの結果に使う）
	Output io.Writer
}

// New はサービス名付きのロガーを作成し、デフォルトロガーとして設定します
// デバッグレベルでは呼び出し元のソース位置も出力する
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.Level <= slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	l := slog.New(handler).With("service", "ubi-manifest")
	slog.SetDefault(l)
	return l
}
