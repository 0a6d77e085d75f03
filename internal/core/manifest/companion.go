package manifest

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ResolveCompanion はソース・デバッグ情報リポジトリのマニフェストを、解決済みのバイナリマニフェストから導出する
//
// ソースリポジトリにはバイナリRPMのビルド元ソースRPMと、ホワイトリストで指定されたソースRPMが入る。
// デバッグ情報リポジトリにはバイナリRPMに対応する -debuginfo と -debugsource、
// ホワイトリストで指定されたデバッグ情報パッケージとその依存が入る。
// どちらもブラックリストが適用される。
func (r *Resolver) ResolveCompanion(ctx context.Context, repo *RepositoryInfo, rules *RuleSet, binary *Manifest, view CatalogView) (*Manifest, error) {
	if repo == nil || binary == nil {
		return nil, errors.New("companion resolution requires the repository and its binary manifest")
	}

	switch repo.Role {
	case RoleSource:
		return r.resolve(ctx, repo.ID, rules, view, RoleSource, sourceSeeds(repo.ID, binary))
	case RoleDebug:
		var seeds []seed
		// base_pkgs_only ではホワイトリストにあるものだけを入れる
		if rules == nil || !rules.Flags.BasePkgsOnly {
			seeds = debugSeeds(binary)
		}
		return r.resolve(ctx, repo.ID, rules, view, RoleDebug, seeds)
	default:
		return nil, fmt.Errorf("repository %s is not a source or debug repository", repo.ID)
	}
}

// sourceSeeds はバイナリRPMの sourcerpm からソースRPMの指定を作る
// 同じソースRPMを複数のバイナリRPMが参照する場合は、出力順で最初のものを根拠にする
func sourceSeeds(target RepositoryTarget, binary *Manifest) []seed {
	var seeds []seed
	seen := make(map[string]struct{})
	for _, e := range binary.Entries {
		if e.Kind != UnitKindRPM || e.SourceRPM == "" {
			continue
		}
		if _, ok := seen[e.SourceRPM]; ok {
			continue
		}
		seen[e.SourceRPM] = struct{}{}

		name, version, ok := splitSourceRPM(e.SourceRPM)
		if !ok {
			continue
		}
		parent := e.Unit().Key().String()
		seeds = append(seeds, seed{
			entry:   WhitelistEntry{Kind: UnitKindSRPM, Name: name, Version: version},
			reason:  ReasonSource,
			rule:    parent,
			missing: fmt.Sprintf("source rpm %s of %s not found in %s", e.SourceRPM, parent, target),
		})
	}
	return seeds
}

// debugSeeds はバイナリRPMに対応するデバッグ情報パッケージの指定を作る
// 対応するパッケージが存在しないことは珍しくないため、見つからなくても警告しない
func debugSeeds(binary *Manifest) []seed {
	var seeds []seed
	seen := make(map[string]struct{})
	add := func(name, version, arch, parent string) {
		key := name + "." + arch
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		seeds = append(seeds, seed{
			entry:  WhitelistEntry{Kind: UnitKindRPM, Name: name, Version: version, Arch: arch},
			reason: ReasonDebugInfo,
			rule:   parent,
		})
	}

	for _, e := range binary.Entries {
		if e.Kind != UnitKindRPM || e.SourceRPM == "" || e.Arch == "noarch" {
			continue
		}
		parent := e.Unit().Key().String()
		add(e.Name+"-debuginfo", e.Version+"-"+e.Release, e.Arch, parent)
		if name, version, ok := splitSourceRPM(e.SourceRPM); ok {
			add(name+"-debugsource", version, e.Arch, parent)
		}
	}
	return seeds
}

// splitSourceRPM はソースRPMのファイル名を名前と "version-release" に分ける
// "bash-4.4.20-4.el8.src.rpm" → ("bash", "4.4.20-4.el8")
func splitSourceRPM(filename string) (string, string, bool) {
	base, ok := strings.CutSuffix(filename, ".src.rpm")
	if !ok {
		return "", "", false
	}
	rel := strings.LastIndexByte(base, '-')
	if rel <= 0 {
		return "", "", false
	}
	ver := strings.LastIndexByte(base[:rel], '-')
	if ver <= 0 {
		return "", "", false
	}
	return base[:ver], base[ver+1:], true
}
