package manifest

import (
	"fmt"

	"github.com/gobwas/glob"
)

type compiledBlacklistEntry struct {
	entry BlacklistEntry
	name  glob.Glob
}

// blacklist はコンパイル済みのブラックリスト
type blacklist struct {
	entries []compiledBlacklistEntry
}

func compileBlacklist(entries []BlacklistEntry) (*blacklist, error) {
	bl := &blacklist{entries: make([]compiledBlacklistEntry, 0, len(entries))}
	for _, e := range entries {
		if e.Pattern == "" {
			continue
		}
		g, err := glob.Compile(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("blacklist pattern %q: %w", e.Pattern, err)
		}
		bl.entries = append(bl.entries, compiledBlacklistEntry{entry: e, name: g})
	}
	return bl, nil
}

// Matches はユニットがブラックリストに該当するかどうかを判定する
// ブラックリストはパッケージの除外指定なので、モジュールには適用しない
func (bl *blacklist) Matches(u ContentUnit) bool {
	return bl.match(u.Kind, u.Name, u.Arch)
}

// MatchesRef は依存参照がブラックリストに該当するかどうかを判定する
// アーキテクチャ未指定の参照は名前のみで判定する
func (bl *blacklist) MatchesRef(ref UnitRef) bool {
	return bl.match(ref.kind(), ref.Name, ref.Arch)
}

func (bl *blacklist) match(kind UnitKind, name, arch string) bool {
	if bl == nil || kind == UnitKindModulemd {
		return false
	}
	for _, e := range bl.entries {
		if e.entry.Arch != "" && arch != "" && e.entry.Arch != arch {
			continue
		}
		if e.name.Match(name) {
			return true
		}
	}
	return false
}
