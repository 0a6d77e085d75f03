package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

// UnitKind はコンテンツユニットの種別を表す
type UnitKind string

const (
	// UnitKindRPM はバイナリRPM
	UnitKindRPM UnitKind = "rpm"
	// UnitKindSRPM はソースRPM
	UnitKindSRPM UnitKind = "srpm"
	// UnitKindModulemd はモジュールメタデータ
	UnitKindModulemd UnitKind = "modulemd"
)

// IsValid は既知の種別かどうかを判定する
func (k UnitKind) IsValid() bool {
	switch k {
	case UnitKindRPM, UnitKindSRPM, UnitKindModulemd:
		return true
	default:
		return false
	}
}

// repoIDPattern はリポジトリIDとして許可される文字列
var repoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.]{1,200}$`)

// RepositoryTarget はマニフェスト解決の対象となるUBIリポジトリのIDです
type RepositoryTarget string

// String はリポジトリIDを返す
func (t RepositoryTarget) String() string {
	return string(t)
}

// Validate はリポジトリIDの形式を検証する
func (t RepositoryTarget) Validate() error {
	if !repoIDPattern.MatchString(string(t)) {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, string(t))
	}
	return nil
}

// ContentFamily はルールセットを選択するためのキー（コンテンツセット + 設定バージョン）
type ContentFamily struct {
	ContentSet string `json:"content_set"`
	Version    string `json:"version"`
}

// String はログ出力用の表現を返す
func (f ContentFamily) String() string {
	return f.ContentSet + "@" + f.Version
}

// MajorVersion はメジャーバージョン部分を返す（"8.4" → "8"）
func (f ContentFamily) MajorVersion() string {
	major, _, _ := strings.Cut(f.Version, ".")
	return major
}

// RepositoryRole はリポジトリが配布するコンテンツの種類
type RepositoryRole string

const (
	// RoleBinary はバイナリRPMとモジュールを配布するリポジトリ
	RoleBinary RepositoryRole = "binary"
	// RoleSource はバイナリリポジトリに対応するソースRPMのリポジトリ
	RoleSource RepositoryRole = "source"
	// RoleDebug はバイナリリポジトリに対応するデバッグ情報のリポジトリ
	RoleDebug RepositoryRole = "debug"
)

// RepositoryInfo はカタログが保持するリポジトリのメタデータ
type RepositoryInfo struct {
	ID                RepositoryTarget `json:"id"`
	ContentSet        string           `json:"content_set"`
	ConfigVersion     string           `json:"config_version"`
	Arch              string           `json:"arch"`
	PopulationSources []string         `json:"population_sources"`
	// Role が空の場合はバイナリリポジトリとして扱う
	Role RepositoryRole `json:"role,omitempty"`
	// BinaryRepository はソース・デバッグ情報リポジトリの内容を決めるバイナリリポジトリ
	BinaryRepository RepositoryTarget `json:"binary_repository,omitempty"`
}

// IsCompanion はバイナリリポジトリから内容が導出されるリポジトリかどうかを返す
func (r RepositoryInfo) IsCompanion() bool {
	return r.Role == RoleSource || r.Role == RoleDebug
}

// Family はリポジトリに適用するルールセットのキーを返す
func (r RepositoryInfo) Family() ContentFamily {
	return ContentFamily{ContentSet: r.ContentSet, Version: r.ConfigVersion}
}

// UnitKey はユニットの同一性（種別, 名前, バージョン, アーキテクチャ）
type UnitKey struct {
	Kind    UnitKind
	Name    string
	Version string
	Arch    string
}

// String は "rpm:bash-0:5.1.8-6.el9.x86_64" 形式の文字列を返す
func (k UnitKey) String() string {
	return fmt.Sprintf("%s:%s-%s.%s", k.Kind, k.Name, k.Version, k.Arch)
}

// UnitRef は依存関係として宣言された他ユニットへの参照
// Version と Arch は空の場合に任意を意味する
type UnitRef struct {
	Kind    UnitKind `json:"kind,omitempty"`
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	Arch    string   `json:"arch,omitempty"`
}

// String はログ出力用の表現を返す
func (r UnitRef) String() string {
	var b strings.Builder
	b.WriteString(string(r.kind()))
	b.WriteByte(':')
	b.WriteString(r.Name)
	if r.Version != "" {
		b.WriteString("-" + r.Version)
	}
	if r.Arch != "" {
		b.WriteString("." + r.Arch)
	}
	return b.String()
}

func (r UnitRef) kind() UnitKind {
	if r.Kind == "" {
		return UnitKindRPM
	}
	return r.Kind
}

// Matches は参照がユニットを指しているかどうかを判定する
func (r UnitRef) Matches(u ContentUnit) bool {
	if r.kind() != u.Kind || r.Name != u.Name {
		return false
	}
	if r.Arch != "" && r.Arch != u.Arch && u.Arch != "noarch" {
		return false
	}
	if r.Version == "" {
		return true
	}
	if u.Kind == UnitKindModulemd {
		return r.Version == u.Stream || r.Version == u.EVR()
	}
	return r.Version == u.Version ||
		r.Version == u.Version+"-"+u.Release ||
		normalizeEVR(r.Version) == u.EVR()
}

// ContentUnit はカタログが管理するパッケージまたはモジュール
type ContentUnit struct {
	Kind         UnitKind      `json:"kind"`
	Name         string        `json:"name"`
	Epoch        string        `json:"epoch,omitempty"`
	Version      string        `json:"version"`
	Release      string        `json:"release,omitempty"`
	Arch         string        `json:"arch"`
	Stream       string        `json:"stream,omitempty"`
	Filename     string        `json:"filename,omitempty"`
	Checksum     digest.Digest `json:"checksum,omitempty"`
	SourceRepoID string        `json:"src_repo_id,omitempty"`
	// SourceRPM はバイナリRPMのビルド元のソースRPMのファイル名
	SourceRPM string `json:"sourcerpm,omitempty"`
	// Modular はモジュールに属するRPMであることを示す
	Modular      bool      `json:"modular,omitempty"`
	Dependencies []UnitRef `json:"dependencies,omitempty"`
}

// EVR はバージョン比較用の文字列を返す
// RPMは "epoch:version-release"、モジュールは "stream:version:context"
func (u ContentUnit) EVR() string {
	if u.Kind == UnitKindModulemd {
		return u.Stream + ":" + u.Version + ":" + u.Release
	}
	epoch := u.Epoch
	if epoch == "" {
		epoch = "0"
	}
	if u.Release == "" {
		return epoch + ":" + u.Version
	}
	return epoch + ":" + u.Version + "-" + u.Release
}

// Key はユニットの重複排除キーを返す
func (u ContentUnit) Key() UnitKey {
	return UnitKey{Kind: u.Kind, Name: u.Name, Version: u.EVR(), Arch: u.Arch}
}

// normalizeEVR はエポック省略形の "1.0-1" を "0:1.0-1" に揃える
func normalizeEVR(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return "0:" + v
}

// InclusionReason はユニットがマニフェストに含まれた理由
type InclusionReason string

const (
	// ReasonWhitelist はホワイトリストで明示的に指定されたユニット
	ReasonWhitelist InclusionReason = "whitelist"
	// ReasonDependency は推移的依存として取り込まれたユニット
	ReasonDependency InclusionReason = "dependency"
	// ReasonSource はバイナリRPMのビルド元として取り込まれたソースRPM
	ReasonSource InclusionReason = "source"
	// ReasonDebugInfo はバイナリRPMに対応するデバッグ情報パッケージ
	ReasonDebugInfo InclusionReason = "debuginfo"
)

// Entry はマニフェストの1要素
type Entry struct {
	Kind         UnitKind        `json:"unit_type"`
	Name         string          `json:"name"`
	Epoch        string          `json:"epoch,omitempty"`
	Version      string          `json:"version"`
	Release      string          `json:"release,omitempty"`
	Arch         string          `json:"arch"`
	Stream       string          `json:"stream,omitempty"`
	Filename     string          `json:"filename,omitempty"`
	Checksum     digest.Digest   `json:"checksum,omitempty"`
	SourceRepoID string          `json:"src_repo_id,omitempty"`
	SourceRPM    string          `json:"sourcerpm,omitempty"`
	Reason       InclusionReason `json:"reason"`
	// Rule はホワイトリストのエントリ、または依存元ユニットのキー
	Rule string `json:"rule"`
}

func newEntry(u ContentUnit, reason InclusionReason, rule string) Entry {
	return Entry{
		Kind:         u.Kind,
		Name:         u.Name,
		Epoch:        u.Epoch,
		Version:      u.Version,
		Release:      u.Release,
		Arch:         u.Arch,
		Stream:       u.Stream,
		Filename:     u.Filename,
		Checksum:     u.Checksum,
		SourceRepoID: u.SourceRepoID,
		SourceRPM:    u.SourceRPM,
		Reason:       reason,
		Rule:         rule,
	}
}

// Unit はエントリに対応するユニットの識別情報を返す
func (e Entry) Unit() ContentUnit {
	return ContentUnit{
		Kind:         e.Kind,
		Name:         e.Name,
		Epoch:        e.Epoch,
		Version:      e.Version,
		Release:      e.Release,
		Arch:         e.Arch,
		Stream:       e.Stream,
		Filename:     e.Filename,
		Checksum:     e.Checksum,
		SourceRepoID: e.SourceRepoID,
		SourceRPM:    e.SourceRPM,
	}
}

// Manifest は1リポジトリに対する解決結果
type Manifest struct {
	Target        RepositoryTarget `json:"repo_id"`
	Family        ContentFamily    `json:"family"`
	RulesRevision string           `json:"rules_revision,omitempty"`
	Entries       []Entry          `json:"content"`
	Warnings      []string         `json:"warnings,omitempty"`
	// Excluded はブラックリストにより除外されたユニットのキー
	Excluded []string `json:"excluded,omitempty"`
	// Pruned は除外されたユニット経由でしか到達できなかったユニットのキー
	Pruned []string `json:"pruned,omitempty"`
}

// Contains は指定した名前のユニットが含まれるかどうかを返す
func (m *Manifest) Contains(name string) bool {
	for _, e := range m.Entries {
		if e.Name == name {
			return true
		}
	}
	return false
}

// Names はエントリ名を順序通りに返す
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		names = append(names, e.Name)
	}
	return names
}
