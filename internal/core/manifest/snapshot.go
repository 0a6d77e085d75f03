package manifest

import (
	"context"
	"sync"
)

// Snapshot は1ジョブ内でカタログの応答を固定するためのメモ化ビュー
// 同じ問い合わせには常に同じ結果を返す
type Snapshot struct {
	catalog Catalog

	mu    sync.Mutex
	repos map[RepositoryTarget]*RepositoryInfo
	units map[RepositoryTarget][]ContentUnit
	deps  map[UnitKey][]UnitRef
}

var _ CatalogView = (*Snapshot)(nil)

// NewSnapshot は新しいスナップショットを生成する
func NewSnapshot(catalog Catalog) *Snapshot {
	return &Snapshot{
		catalog: catalog,
		repos:   make(map[RepositoryTarget]*RepositoryInfo),
		units:   make(map[RepositoryTarget][]ContentUnit),
		deps:    make(map[UnitKey][]UnitRef),
	}
}

// DescribeRepository はリポジトリのメタデータを返す（初回のみカタログに問い合わせる）
func (s *Snapshot) DescribeRepository(ctx context.Context, target RepositoryTarget) (*RepositoryInfo, error) {
	return memoize(s, s.repos, target, func() (*RepositoryInfo, error) {
		return s.catalog.DescribeRepository(ctx, target)
	})
}

// ListContentUnits はリポジトリのユニット一覧を返す（初回のみカタログに問い合わせる）
// 取得元はこのスナップショットで取得したメタデータに従う
func (s *Snapshot) ListContentUnits(ctx context.Context, target RepositoryTarget) ([]ContentUnit, error) {
	return memoize(s, s.units, target, func() ([]ContentUnit, error) {
		info, err := s.DescribeRepository(ctx, target)
		if err != nil {
			return nil, err
		}
		return s.catalog.ListRepositoryUnits(ctx, info)
	})
}

// GetDependencies はユニットの依存参照を返す（初回のみカタログに問い合わせる）
func (s *Snapshot) GetDependencies(ctx context.Context, unit ContentUnit) ([]UnitRef, error) {
	return memoize(s, s.deps, unit.Key(), func() ([]UnitRef, error) {
		return s.catalog.GetDependencies(ctx, unit)
	})
}

// memoize はキャッシュになければ fetch を呼び、最初に保存された結果を返す
// fetch はロックを持たずに呼ぶ
func memoize[K comparable, V any](s *Snapshot, cache map[K]V, key K, fetch func() (V, error)) (V, error) {
	s.mu.Lock()
	cached, ok := cache[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	v, err := fetch()
	if err != nil {
		var zero V
		return zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := cache[key]; ok {
		return cached, nil
	}
	cache[key] = v
	return v, nil
}
