package manifest

import (
	"errors"
	"fmt"
)

// ErrInvalidTarget はリポジトリIDの形式が不正な場合のエラー
var ErrInvalidTarget = errors.New("invalid repository target")

// ErrorKind は解決失敗の分類
type ErrorKind string

const (
	// KindCatalogUnavailable はカタログに到達できない（一時的）
	KindCatalogUnavailable ErrorKind = "CatalogUnavailable"
	// KindRulesUnavailable はルールソースに到達できない（一時的）
	KindRulesUnavailable ErrorKind = "RulesUnavailable"
	// KindInvalidRuleSet はルールセットが不正または自己矛盾している（恒久的）
	KindInvalidRuleSet ErrorKind = "InvalidRuleSet"
	// KindUnknownRepository はカタログにリポジトリが存在しない（恒久的）
	KindUnknownRepository ErrorKind = "UnknownRepository"
)

// Transient は再試行で回復しうる分類かどうかを返す
func (k ErrorKind) Transient() bool {
	return k == KindCatalogUnavailable || k == KindRulesUnavailable
}

// ResolutionError はマニフェスト解決の失敗を表す
type ResolutionError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// NewResolutionError は分類付きのエラーを生成する
func NewResolutionError(kind ErrorKind, op string, err error) error {
	return &ResolutionError{Kind: kind, Op: op, Err: err}
}

// CatalogUnavailable はカタログ障害を表すエラーを生成する
func CatalogUnavailable(op string, err error) error {
	return NewResolutionError(KindCatalogUnavailable, op, err)
}

// RulesUnavailable はルールソース障害を表すエラーを生成する
func RulesUnavailable(op string, err error) error {
	return NewResolutionError(KindRulesUnavailable, op, err)
}

// InvalidRuleSet は不正なルールセットを表すエラーを生成する
func InvalidRuleSet(op string, err error) error {
	return NewResolutionError(KindInvalidRuleSet, op, err)
}

// UnknownRepository は存在しないリポジトリを表すエラーを生成する
func UnknownRepository(target RepositoryTarget) error {
	return NewResolutionError(KindUnknownRepository, "describe repository", fmt.Errorf("repository %q not found", string(target)))
}

// KindOf はエラーの分類を取り出す
func KindOf(err error) (ErrorKind, bool) {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// IsTransient はエラーが再試行対象かどうかを判定する
// 分類されていないエラーは恒久的として扱う
func IsTransient(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind.Transient()
}
