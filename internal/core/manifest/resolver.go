package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
)

// Resolver はルールセットとカタログからマニフェストを計算する
// 同じ入力に対しては常に同じマニフェストを返す
type Resolver struct {
	logger *slog.Logger
}

type resolverOptions struct {
	logger *slog.Logger
}

// ResolverOption は Resolver のオプション設定
type ResolverOption func(*resolverOptions)

// WithResolverLogger は Resolver にロガーを設定する
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(o *resolverOptions) {
		o.logger = logger
	}
}

// NewResolver は新しい Resolver を作成する
func NewResolver(opts ...ResolverOption) *Resolver {
	options := resolverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve は対象リポジトリのマニフェストを計算する
//  1. ホワイトリストの各エントリをカタログのユニットに解決する
//  2. 依存関係の推移閉包を求める（循環は訪問済み集合で打ち切る）
//  3. ブラックリストに該当するルートを除き、除外ユニットに入らずに閉包を再計算する
//  4. (種別, 名前, アーキテクチャ) が固定バージョンと重なったユニットを外し、閉包を再計算する
func (r *Resolver) Resolve(ctx context.Context, target RepositoryTarget, rules *RuleSet, view CatalogView) (*Manifest, error) {
	return r.resolve(ctx, target, rules, view, RoleBinary, nil)
}

// seed はルートとなるユニットの指定
// ホワイトリスト以外に、付随リポジトリではバイナリマニフェストから導出したものを使う
type seed struct {
	entry  WhitelistEntry
	reason InclusionReason
	rule   string
	// missing は一致するユニットがない場合の警告（空なら警告しない）
	missing string
}

func (r *Resolver) resolve(ctx context.Context, target RepositoryTarget, rules *RuleSet, view CatalogView, role RepositoryRole, derived []seed) (*Manifest, error) {
	if rules == nil {
		return nil, InvalidRuleSet("resolve", errors.New("rule set is nil"))
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	bl, err := compileBlacklist(rules.Blacklist)
	if err != nil {
		return nil, InvalidRuleSet("compile blacklist", err)
	}

	units, err := view.ListContentUnits(ctx, target)
	if err != nil {
		return nil, catalogError("list content units", err)
	}

	res := &resolution{
		target:   target,
		role:     role,
		rules:    rules,
		view:     view,
		arena:    newArena(units),
		bl:       bl,
		warnings: make(map[string]struct{}),
		shadowed: make(map[UnitKey]struct{}),
	}

	roots := res.selectRoots(derived)

	full, err := res.closure(ctx, roots, nil)
	if err != nil {
		return nil, err
	}

	surviving := make([]node, 0, len(roots))
	for _, root := range roots {
		if !bl.Matches(root.unit) {
			surviving = append(surviving, root)
		}
	}

	// 固定バージョンに負けたユニットを外すと、それ経由の依存も再評価が必要になる
	base := maps.Clone(res.warnings)
	var final []node
	for {
		res.warnings = maps.Clone(base)
		final, err = res.closure(ctx, surviving, bl)
		if err != nil {
			return nil, err
		}
		shadowed := res.shadowedVersions(final)
		if len(shadowed) == 0 {
			break
		}
		for _, key := range shadowed {
			res.shadowed[key] = struct{}{}
		}
	}
	for key := range res.shadowed {
		res.warn("%s dropped in favour of the pinned version", key)
	}

	finalSet := make(map[UnitKey]struct{}, len(final))
	for _, n := range final {
		finalSet[n.unit.Key()] = struct{}{}
	}
	var excluded, pruned []string
	for _, n := range full {
		key := n.unit.Key()
		if bl.Matches(n.unit) {
			excluded = append(excluded, key.String())
			continue
		}
		if _, ok := finalSet[key]; !ok {
			pruned = append(pruned, key.String())
		}
	}

	sort.SliceStable(final, func(i, j int) bool { return compareUnits(final[i].unit, final[j].unit) < 0 })

	m := &Manifest{
		Target:        target,
		Family:        rules.Family,
		RulesRevision: rules.Revision,
		Entries:       make([]Entry, 0, len(final)),
		Warnings:      res.sortedWarnings(),
		Excluded:      sortedUnique(excluded),
		Pruned:        sortedUnique(pruned),
	}
	for _, n := range final {
		m.Entries = append(m.Entries, newEntry(n.unit, n.reason, n.rule))
	}

	r.logger.Debug("マニフェストを解決しました",
		"target", target,
		"role", role,
		"family", rules.Family.String(),
		"entries", len(m.Entries),
		"excluded", len(m.Excluded),
		"pruned", len(m.Pruned),
		"warnings", len(m.Warnings),
	)
	return m, nil
}

// catalogError は分類されていないカタログエラーを CatalogUnavailable として包む
func catalogError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := KindOf(err); ok {
		return err
	}
	return CatalogUnavailable(op, err)
}

type node struct {
	unit   ContentUnit
	reason InclusionReason
	rule   string
}

type resolution struct {
	target   RepositoryTarget
	role     RepositoryRole
	rules    *RuleSet
	view     CatalogView
	arena    *arena
	bl       *blacklist
	warnings map[string]struct{}
	// shadowed は固定バージョンに負けて閉包から外すユニット
	shadowed map[UnitKey]struct{}
}

func (res *resolution) warn(format string, args ...any) {
	res.warnings[fmt.Sprintf(format, args...)] = struct{}{}
}

func (res *resolution) sortedWarnings() []string {
	out := make([]string, 0, len(res.warnings))
	for w := range res.warnings {
		out = append(out, w)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// selectRoots はホワイトリストと導出されたシードをユニットに解決する
// ホワイトリストのうち、このリポジトリの種類で解決するエントリだけを使う
func (res *resolution) selectRoots(derived []seed) []node {
	var seeds []seed
	for _, w := range res.rules.sortedWhitelist() {
		if w.role() != res.role {
			continue
		}
		seeds = append(seeds, seed{
			entry:   w,
			reason:  ReasonWhitelist,
			rule:    w.String(),
			missing: fmt.Sprintf("whitelist entry %s matched no units in %s", w.Ref(), res.target),
		})
	}
	seeds = append(seeds, derived...)

	// モジュラーRPMはバイナリリポジトリではモジュール経由でのみ取り込む
	allowModular := res.role != RoleBinary

	var roots []node
	seen := make(map[UnitKey]struct{})
	for _, s := range seeds {
		cands := res.arena.candidates(s.entry.Ref(), allowModular)
		if s.entry.Version == "" {
			cands = latestPerArch(cands)
		}
		if len(cands) == 0 {
			if s.missing != "" {
				res.warn("%s", s.missing)
			}
			continue
		}
		for _, u := range cands {
			key := u.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			roots = append(roots, node{unit: u, reason: s.reason, rule: s.rule})
		}
	}
	return roots
}

// closure はルートから依存関係を辿った推移閉包を幅優先で求める
// exclude が指定された場合、該当するユニットには入らない
func (res *resolution) closure(ctx context.Context, roots []node, exclude *blacklist) ([]node, error) {
	visited := make(map[UnitKey]struct{}, len(roots))
	ordered := make([]node, 0, len(roots))
	for _, root := range roots {
		key := root.unit.Key()
		if _, ok := visited[key]; ok {
			continue
		}
		if _, ok := res.shadowed[key]; ok {
			continue
		}
		visited[key] = struct{}{}
		ordered = append(ordered, root)
	}
	// ソースRPMは依存関係を辿らない
	if res.rules.Flags.BasePkgsOnly || res.role == RoleSource {
		return ordered, nil
	}

	// ordered はキューを兼ねる
	for i := 0; i < len(ordered); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parent := ordered[i].unit
		refs, err := res.view.GetDependencies(ctx, parent)
		if err != nil {
			return nil, catalogError("get dependencies", err)
		}
		refs = sortedRefs(refs)

		for _, ref := range refs {
			cands := res.arena.candidates(ref, parent.Kind == UnitKindModulemd)
			if len(cands) == 0 {
				if exclude != nil {
					if exclude.MatchesRef(ref) {
						res.warn("dependency %s of %s is blacklisted", ref, parent.Key())
					} else {
						res.warn("dependency %s of %s not found in %s", ref, parent.Key(), res.target)
					}
				}
				continue
			}
			for _, dep := range res.pick(ref, cands) {
				if exclude != nil && exclude.Matches(dep) {
					res.warn("dependency %s of %s is blacklisted", dep.Key(), parent.Key())
					continue
				}
				key := dep.Key()
				if _, ok := visited[key]; ok {
					continue
				}
				if _, ok := res.shadowed[key]; ok {
					continue
				}
				visited[key] = struct{}{}
				ordered = append(ordered, node{unit: dep, reason: ReasonDependency, rule: parent.Key().String()})
			}
		}
	}
	return ordered, nil
}

// pick は依存参照の候補から取り込むユニットを選ぶ
// ホワイトリストで固定されたバージョンがあればそれを優先する
func (res *resolution) pick(ref UnitRef, cands []ContentUnit) []ContentUnit {
	var pinned []ContentUnit
	for _, c := range cands {
		if res.isPinned(c) {
			pinned = append(pinned, c)
		}
	}
	if len(pinned) > 0 {
		return pinned
	}
	return latestPerArch(cands)
}

func (res *resolution) isPinned(u ContentUnit) bool {
	for _, p := range res.rules.pinsFor(u) {
		if p.Ref().Matches(u) {
			return true
		}
	}
	return false
}

type nameArch struct {
	kind UnitKind
	name string
	arch string
}

// shadowedVersions は同じ (種別, 名前, アーキテクチャ) に固定バージョンがある場合に、
// それ以外のバージョンのキーを返す
func (res *resolution) shadowedVersions(nodes []node) []UnitKey {
	groups := make(map[nameArch][]node)
	for _, n := range nodes {
		k := nameArch{kind: n.unit.Kind, name: n.unit.Name, arch: n.unit.Arch}
		groups[k] = append(groups[k], n)
	}

	var out []UnitKey
	for _, n := range nodes {
		group := groups[nameArch{kind: n.unit.Kind, name: n.unit.Name, arch: n.unit.Arch}]
		if len(group) == 1 || res.isPinned(n.unit) {
			continue
		}
		for _, g := range group {
			if res.isPinned(g.unit) {
				out = append(out, n.unit.Key())
				break
			}
		}
	}
	return out
}

func sortedRefs(refs []UnitRef) []UnitRef {
	out := make([]UnitRef, len(refs))
	copy(out, refs)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.kind() != b.kind() {
			return a.kind() < b.kind()
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.Arch < b.Arch
	})
	return out
}

func sortedUnique(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// arena はリポジトリ内のユニットを名前で引けるようにした索引
type arena struct {
	byName map[UnitKind]map[string][]ContentUnit
}

func newArena(units []ContentUnit) *arena {
	sorted := make([]ContentUnit, len(units))
	copy(sorted, units)
	sort.SliceStable(sorted, func(i, j int) bool { return compareUnits(sorted[i], sorted[j]) < 0 })

	a := &arena{byName: make(map[UnitKind]map[string][]ContentUnit)}
	seen := make(map[UnitKey]struct{}, len(sorted))
	for _, u := range sorted {
		key := u.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		names, ok := a.byName[u.Kind]
		if !ok {
			names = make(map[string][]ContentUnit)
			a.byName[u.Kind] = names
		}
		names[u.Name] = append(names[u.Name], u)
	}
	return a
}

// candidates は参照に一致するユニットを返す
// モジュラーRPMはモジュールからの依存としてのみ候補になる
func (a *arena) candidates(ref UnitRef, allowModular bool) []ContentUnit {
	var out []ContentUnit
	for _, u := range a.byName[ref.kind()][ref.Name] {
		if u.Modular && !allowModular {
			continue
		}
		if ref.Matches(u) {
			out = append(out, u)
		}
	}
	return out
}
