package manifest

import "context"

// CatalogView はリゾルバが参照するカタログの読み取り専用ビュー
type CatalogView interface {
	// ListContentUnits はリポジトリに属する全ユニットを返す
	ListContentUnits(ctx context.Context, target RepositoryTarget) ([]ContentUnit, error)
	// GetDependencies はユニットが宣言している依存参照を返す
	GetDependencies(ctx context.Context, unit ContentUnit) ([]UnitRef, error)
}

// Catalog はコンテンツカタログのクライアント
// 1ジョブ内では Snapshot を通して CatalogView として使う
type Catalog interface {
	// DescribeRepository はリポジトリのメタデータを返す
	DescribeRepository(ctx context.Context, target RepositoryTarget) (*RepositoryInfo, error)
	// ListRepositoryUnits は取得済みのメタデータが示す取得元のユニットをすべて返す
	ListRepositoryUnits(ctx context.Context, repo *RepositoryInfo) ([]ContentUnit, error)
	// GetDependencies はユニットが宣言している依存参照を返す
	GetDependencies(ctx context.Context, unit ContentUnit) ([]UnitRef, error)
}

// RuleSource はバージョン管理されたルールセットの取得元
type RuleSource interface {
	GetRuleSet(ctx context.Context, family ContentFamily) (*RuleSet, error)
}
