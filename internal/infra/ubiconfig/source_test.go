package ubiconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/ubi-manifest/internal/core/manifest"
	"github.com/jinford/ubi-manifest/internal/infra/git"
)

const baseosConfig = `
content_sets:
  rpm:
    input: rhel-8-for-x86_64-baseos-rpms
    output: ubi-8-for-x86_64-baseos-rpms
  srpm:
    input: rhel-8-for-x86_64-baseos-source-rpms
    output: ubi-8-for-x86_64-baseos-source-rpms
arches:
  - x86_64
packages:
  include:
    - bash.*
    - glibc.x86_64
    - python3.11.*
    - name: openssl
      arch: x86_64
      version: "1.1.1k-7.el8"
    - dnf.src
  exclude:
    - kernel*
    - python3-debug.x86_64
modules:
  include:
    - name: nodejs
      stream: 16
flags:
  base_pkgs_only: true
`

const appstreamConfig = `
content_sets:
  rpm:
    input: rhel-8-for-x86_64-appstream-rpms
    output: ubi-8-for-x86_64-appstream-rpms
packages:
  include:
    - perl.*
`

func writeConfig(t *testing.T, root, version, name, content string) {
	t.Helper()
	dir := filepath.Join(root, version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestSource(t *testing.T, location string) *Source {
	t.Helper()
	s, err := NewSource(SourceConfig{Location: location, CacheDir: t.TempDir()}, git.NewClient("", ""))
	require.NoError(t, err)
	return s
}

func family(cs, version string) manifest.ContentFamily {
	return manifest.ContentFamily{ContentSet: cs, Version: version}
}

func TestSource_GetRuleSet(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeConfig(t, root, "8", "appstream.yaml", appstreamConfig)
	writeConfig(t, root, "8", "baseos.yaml", baseosConfig)
	s := newTestSource(t, root)

	t.Run("ルールファイルをルールセットに変換する", func(t *testing.T) {
		rs, err := s.GetRuleSet(ctx, family("ubi-8-for-x86_64-baseos-rpms", "8"))
		require.NoError(t, err)

		assert.Equal(t, family("ubi-8-for-x86_64-baseos-rpms", "8"), rs.Family)
		assert.True(t, rs.Flags.BasePkgsOnly)
		assert.Equal(t, []manifest.WhitelistEntry{
			{Kind: manifest.UnitKindModulemd, Name: "nodejs", Version: "16"},
			{Kind: manifest.UnitKindRPM, Name: "bash"},
			{Kind: manifest.UnitKindRPM, Name: "glibc", Arch: "x86_64"},
			{Kind: manifest.UnitKindRPM, Name: "python3.11"},
			{Kind: manifest.UnitKindRPM, Name: "openssl", Version: "1.1.1k-7.el8", Arch: "x86_64"},
			{Kind: manifest.UnitKindSRPM, Name: "dnf"},
		}, rs.Whitelist)
		assert.Equal(t, []manifest.BlacklistEntry{
			{Pattern: "kernel*"},
			{Pattern: "python3-debug", Arch: "x86_64"},
		}, rs.Blacklist)
		require.NoError(t, rs.Validate())
	})

	t.Run("入力側のコンテンツセットでも一致する", func(t *testing.T) {
		rs, err := s.GetRuleSet(ctx, family("rhel-8-for-x86_64-appstream-rpms", "8"))
		require.NoError(t, err)
		assert.Equal(t, []manifest.WhitelistEntry{{Kind: manifest.UnitKindRPM, Name: "perl"}}, rs.Whitelist)
	})

	t.Run("マイナーバージョンの設定が無ければメジャーバージョンを使う", func(t *testing.T) {
		rs, err := s.GetRuleSet(ctx, family("ubi-8-for-x86_64-appstream-rpms", "8.4"))
		require.NoError(t, err)
		assert.Equal(t, "8.4", rs.Family.Version)
		assert.Equal(t, "perl", rs.Whitelist[0].Name)
	})

	t.Run("Git管理外のディレクトリではファイル内容のダイジェストをリビジョンにする", func(t *testing.T) {
		rs, err := s.GetRuleSet(ctx, family("ubi-8-for-x86_64-appstream-rpms", "8"))
		require.NoError(t, err)
		assert.Equal(t, digest.FromBytes([]byte(appstreamConfig)).String(), rs.Revision)
	})

	t.Run("対応する設定が無い場合はInvalidRuleSet", func(t *testing.T) {
		_, err := s.GetRuleSet(ctx, family("ubi-9-for-x86_64-baseos-rpms", "9"))
		require.Error(t, err)
		kind, ok := manifest.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, manifest.KindInvalidRuleSet, kind)
	})
}

func TestSource_GetRuleSet_完全一致のバージョンを優先する(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "8", "appstream.yaml", appstreamConfig)
	writeConfig(t, root, "8.4", "appstream.yaml", `
content_sets:
  rpm:
    output: ubi-8-for-x86_64-appstream-rpms
packages:
  include:
    - ruby.*
`)
	s := newTestSource(t, root)

	rs, err := s.GetRuleSet(context.Background(), family("ubi-8-for-x86_64-appstream-rpms", "8.4"))
	require.NoError(t, err)
	assert.Equal(t, "ruby", rs.Whitelist[0].Name)
}

func TestSource_GetRuleSet_不正なルールファイル(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"YAMLの構文エラー", "content_sets: [\n"},
		{"未知のキー", "content_sets:\n  rpm:\n    output: ubi-x\npackagez:\n  include: [bash]\n"},
		{"content_setsが無い", "packages:\n  include: [bash]\n"},
		{"フラグの型が不正", "content_sets:\n  rpm:\n    output: ubi-x\nflags:\n  base_pkgs_only: yes please\n"},
		{"空のファイル", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeConfig(t, root, "8", "broken.yaml", tt.content)
			s := newTestSource(t, root)

			_, err := s.GetRuleSet(context.Background(), family("ubi-x", "8"))
			require.Error(t, err)
			kind, ok := manifest.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, manifest.KindInvalidRuleSet, kind)
		})
	}
}

func TestSource_GetRuleSet_ルートが無い場合はRulesUnavailable(t *testing.T) {
	s := newTestSource(t, filepath.Join(t.TempDir(), "missing"))

	_, err := s.GetRuleSet(context.Background(), family("ubi-x", "8"))
	require.Error(t, err)
	assert.True(t, manifest.IsTransient(err))
	kind, _ := manifest.KindOf(err)
	assert.Equal(t, manifest.KindRulesUnavailable, kind)
}

func TestSource_GetRuleSet_キャンセル済み(t *testing.T) {
	s := newTestSource(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetRuleSet(ctx, family("ubi-x", "8"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSource_GetRuleSet_Gitリポジトリ(t *testing.T) {
	originDir := t.TempDir()
	repo, err := gogit.PlainInit(originDir, false)
	require.NoError(t, err)

	commit := func(content string) string {
		writeConfig(t, originDir, "8", "appstream.yaml", content)
		wt, err := repo.Worktree()
		require.NoError(t, err)
		_, err = wt.Add("8/appstream.yaml")
		require.NoError(t, err)
		hash, err := wt.Commit("update", &gogit.CommitOptions{
			Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
		})
		require.NoError(t, err)
		return hash.String()
	}

	first := commit(appstreamConfig)
	s := newTestSource(t, "file://"+filepath.ToSlash(originDir))
	fam := family("ubi-8-for-x86_64-appstream-rpms", "8")

	rs, err := s.GetRuleSet(context.Background(), fam)
	require.NoError(t, err)
	assert.Equal(t, first, rs.Revision)
	assert.Equal(t, "perl", rs.Whitelist[0].Name)

	second := commit(`
content_sets:
  rpm:
    output: ubi-8-for-x86_64-appstream-rpms
packages:
  include:
    - ruby.*
`)

	rs, err = s.GetRuleSet(context.Background(), fam)
	require.NoError(t, err)
	assert.Equal(t, second, rs.Revision)
	assert.Equal(t, "ruby", rs.Whitelist[0].Name)
}

func TestParsePackageString(t *testing.T) {
	tests := []struct {
		in   string
		want PackageSpec
	}{
		{"bash", PackageSpec{Name: "bash"}},
		{"bash.*", PackageSpec{Name: "bash", Arch: "*"}},
		{"glibc.i686", PackageSpec{Name: "glibc", Arch: "i686"}},
		{"python3.11", PackageSpec{Name: "python3.11"}},
		{"kernel*", PackageSpec{Name: "kernel*"}},
		{" dnf.src ", PackageSpec{Name: "dnf", Arch: "src"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePackageString(tt.in))
		})
	}
}
