package manifest

import (
	"sort"
	"strings"

	version "github.com/knqyf263/go-rpm-version"
)

// CompareEVR はRPMのバージョン規則で2つのユニットを比較する
// モジュールはストリーム、バージョン、コンテキストの順に比較する
func CompareEVR(a, b ContentUnit) int {
	if a.Kind == UnitKindModulemd || b.Kind == UnitKindModulemd {
		if c := strings.Compare(a.Stream, b.Stream); c != 0 {
			return c
		}
		if c := version.NewVersion(a.Version).Compare(version.NewVersion(b.Version)); c != 0 {
			return c
		}
		return strings.Compare(a.Release, b.Release)
	}
	return version.NewVersion(a.EVR()).Compare(version.NewVersion(b.EVR()))
}

// compareUnits はマニフェストの出力順を定義する
// 名前, 種別, アーキテクチャ, EVR, ファイル名, 取得元リポジトリ
func compareUnits(a, b ContentUnit) int {
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := strings.Compare(string(a.Kind), string(b.Kind)); c != 0 {
		return c
	}
	if c := strings.Compare(a.Arch, b.Arch); c != 0 {
		return c
	}
	if c := CompareEVR(a, b); c != 0 {
		return c
	}
	if c := strings.Compare(a.EVR(), b.EVR()); c != 0 {
		return c
	}
	if c := strings.Compare(a.Filename, b.Filename); c != 0 {
		return c
	}
	return strings.Compare(a.SourceRepoID, b.SourceRepoID)
}

// latestPerArch はアーキテクチャごとに最新のユニットを1つずつ選ぶ
func latestPerArch(units []ContentUnit) []ContentUnit {
	newest := make(map[string]ContentUnit)
	for _, u := range units {
		cur, ok := newest[u.Arch]
		if !ok || CompareEVR(u, cur) > 0 {
			newest[u.Arch] = u
		}
	}
	out := make([]ContentUnit, 0, len(newest))
	for _, u := range newest {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return compareUnits(out[i], out[j]) < 0 })
	return out
}
