package manifest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// WhitelistEntry は明示的に含めるユニットの指定
type WhitelistEntry struct {
	Kind UnitKind `json:"kind"`
	Name string   `json:"name"`
	// Version はRPMのバージョン、モジュールの場合はストリーム
	Version string `json:"version,omitempty"`
	Arch    string `json:"arch,omitempty"`
}

// String はマニフェストの根拠として記録する表現を返す
func (w WhitelistEntry) String() string {
	return "whitelist:" + w.Ref().String()
}

// Ref はエントリを依存参照と同じ形に変換する
func (w WhitelistEntry) Ref() UnitRef {
	return UnitRef{Kind: w.kind(), Name: w.Name, Version: w.Version, Arch: w.Arch}
}

func (w WhitelistEntry) kind() UnitKind {
	if w.Kind == "" {
		return UnitKindRPM
	}
	return w.Kind
}

// role はエントリを解決するリポジトリの種類を返す
// ソースRPMはソースリポジトリ、デバッグ情報パッケージはデバッグ情報リポジトリで解決する
func (w WhitelistEntry) role() RepositoryRole {
	switch {
	case w.kind() == UnitKindSRPM:
		return RoleSource
	case w.kind() == UnitKindRPM && isDebugName(w.Name):
		return RoleDebug
	default:
		return RoleBinary
	}
}

var debugSuffixes = []string{"-debuginfo", "-debugsource", "-debuginfo-common"}

func isDebugName(name string) bool {
	for _, suffix := range debugSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// BlacklistEntry は除外するユニットの指定（名前はグロブパターン）
type BlacklistEntry struct {
	Pattern string `json:"pattern"`
	Arch    string `json:"arch,omitempty"`
}

// String はログ出力用の表現を返す
func (b BlacklistEntry) String() string {
	if b.Arch == "" {
		return b.Pattern
	}
	return b.Pattern + "." + b.Arch
}

// Flags はルールセット全体に効くフラグ
type Flags struct {
	// BasePkgsOnly が true の場合は依存関係を辿らない
	BasePkgsOnly bool `json:"base_pkgs_only"`
}

// RuleSet はコンテンツファミリーに適用する包含・除外ルール
type RuleSet struct {
	Family    ContentFamily    `json:"family"`
	Revision  string           `json:"revision"`
	Whitelist []WhitelistEntry `json:"whitelist"`
	Blacklist []BlacklistEntry `json:"blacklist"`
	Flags     Flags            `json:"flags"`
}

const globMeta = "*?[]{}!"

type pinKey struct {
	kind UnitKind
	name string
	arch string
}

// Validate はルールセットが解決に使える形であることを検証する
// 同じ名前が両方のリストに存在することはエラーではない（ブラックリストが優先）
func (rs *RuleSet) Validate() error {
	var errs []error

	pinned := make(map[pinKey]string)
	for i, w := range rs.Whitelist {
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("whitelist[%d]: name is empty", i))
			continue
		}
		if !w.kind().IsValid() {
			errs = append(errs, fmt.Errorf("whitelist[%d]: unknown kind %q", i, w.Kind))
			continue
		}
		if strings.ContainsAny(w.Name, globMeta) {
			errs = append(errs, fmt.Errorf("whitelist[%d]: name %q must not contain glob characters", i, w.Name))
			continue
		}
		if w.Version == "" {
			continue
		}
		key := pinKey{kind: w.kind(), name: w.Name, arch: w.Arch}
		if prev, ok := pinned[key]; ok && prev != w.Version {
			errs = append(errs, fmt.Errorf("whitelist[%d]: %s pinned to both %q and %q", i, w.Name, prev, w.Version))
			continue
		}
		pinned[key] = w.Version
	}

	for i, b := range rs.Blacklist {
		if b.Pattern == "" {
			errs = append(errs, fmt.Errorf("blacklist[%d]: pattern is empty", i))
		}
	}
	if _, err := compileBlacklist(rs.Blacklist); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return InvalidRuleSet("validate rules", errors.Join(errs...))
	}
	return nil
}

// sortedWhitelist は処理順を固定したホワイトリストを返す
func (rs *RuleSet) sortedWhitelist() []WhitelistEntry {
	entries := make([]WhitelistEntry, len(rs.Whitelist))
	copy(entries, rs.Whitelist)
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.kind() != b.kind() {
			// モジュールを先に処理し、モジュラーRPMの根拠をモジュールに揃える
			return kindOrder(a.kind()) < kindOrder(b.kind())
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Arch != b.Arch {
			return a.Arch < b.Arch
		}
		return a.Version < b.Version
	})
	return entries
}

// pinsFor はユニットの名前に対してバージョン指定されたエントリを返す
func (rs *RuleSet) pinsFor(u ContentUnit) []WhitelistEntry {
	var pins []WhitelistEntry
	for _, w := range rs.Whitelist {
		if w.Version == "" || w.kind() != u.Kind || w.Name != u.Name {
			continue
		}
		if w.Arch != "" && w.Arch != u.Arch && u.Arch != "noarch" {
			continue
		}
		pins = append(pins, w)
	}
	return pins
}

func kindOrder(k UnitKind) int {
	switch k {
	case UnitKindModulemd:
		return 0
	case UnitKindRPM:
		return 1
	default:
		return 2
	}
}
