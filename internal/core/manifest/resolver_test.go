package manifest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCatalog struct {
	units []ContentUnit
	// repoUnits はリポジトリごとのユニット（未設定のリポジトリは units を返す）
	repoUnits     map[RepositoryTarget][]ContentUnit
	repos         map[RepositoryTarget]*RepositoryInfo
	listErr       error
	depsErr       error
	describeCalls int
	listCalls     int
	depsCalls     int
	depsLookup    map[UnitKey][]UnitRef
}

func (c *stubCatalog) DescribeRepository(ctx context.Context, target RepositoryTarget) (*RepositoryInfo, error) {
	c.describeCalls++
	if info, ok := c.repos[target]; ok {
		return info, nil
	}
	return &RepositoryInfo{ID: target, ContentSet: "ubi-8-for-x86_64-baseos-rpms", ConfigVersion: "8"}, nil
}

func (c *stubCatalog) ListRepositoryUnits(ctx context.Context, repo *RepositoryInfo) ([]ContentUnit, error) {
	return c.ListContentUnits(ctx, repo.ID)
}

func (c *stubCatalog) ListContentUnits(ctx context.Context, target RepositoryTarget) ([]ContentUnit, error) {
	c.listCalls++
	if c.listErr != nil {
		return nil, c.listErr
	}
	if units, ok := c.repoUnits[target]; ok {
		return units, nil
	}
	return c.units, nil
}

func (c *stubCatalog) GetDependencies(ctx context.Context, unit ContentUnit) ([]UnitRef, error) {
	c.depsCalls++
	if c.depsErr != nil {
		return nil, c.depsErr
	}
	if c.depsLookup == nil {
		c.depsLookup = make(map[UnitKey][]UnitRef)
		for _, u := range c.units {
			c.depsLookup[u.Key()] = u.Dependencies
		}
		for _, units := range c.repoUnits {
			for _, u := range units {
				c.depsLookup[u.Key()] = u.Dependencies
			}
		}
	}
	return c.depsLookup[unit.Key()], nil
}

func rpm(name, ver, rel, arch string, deps ...string) ContentUnit {
	u := ContentUnit{
		Kind:         UnitKindRPM,
		Name:         name,
		Version:      ver,
		Release:      rel,
		Arch:         arch,
		Filename:     name + "-" + ver + "-" + rel + "." + arch + ".rpm",
		SourceRepoID: "rhel-8-for-x86_64-baseos-rpms",
	}
	for _, d := range deps {
		u.Dependencies = append(u.Dependencies, UnitRef{Name: d})
	}
	return u
}

func newTestResolver() *Resolver {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewResolver(WithResolverLogger(logger))
}

func rulesFor(whitelist []WhitelistEntry, blacklist []BlacklistEntry) *RuleSet {
	return &RuleSet{
		Family:    ContentFamily{ContentSet: "rhel-8-for-x86_64-baseos-rpms", Version: "8"},
		Revision:  "abc123",
		Whitelist: whitelist,
		Blacklist: blacklist,
	}
}

const testTarget RepositoryTarget = "ubi-8-for-x86_64-baseos-rpms"

func TestResolver_BlacklistedDependencyIsNotEntered(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{
		rpm("A", "1.0", "1", "x86_64", "B"),
		rpm("B", "1.0", "1", "x86_64", "C"),
		rpm("C", "1.0", "1", "x86_64"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "A"}}, []BlacklistEntry{{Pattern: "C"}})

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, m.Names())
	assert.Equal(t, []string{"rpm:C-0:1.0-1.x86_64"}, m.Excluded)
	assert.Empty(t, m.Pruned)
	assert.Contains(t, m.Warnings, "dependency rpm:C-0:1.0-1.x86_64 of rpm:B-0:1.0-1.x86_64 is blacklisted")

	assert.Equal(t, ReasonWhitelist, m.Entries[0].Reason)
	assert.Equal(t, "whitelist:rpm:A", m.Entries[0].Rule)
	assert.Equal(t, ReasonDependency, m.Entries[1].Reason)
	assert.Equal(t, "rpm:A-0:1.0-1.x86_64", m.Entries[1].Rule)
}

func TestResolver_UnitsReachableOnlyThroughBlacklistAreDropped(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{
		rpm("A", "1.0", "1", "x86_64", "C", "E"),
		rpm("C", "1.0", "1", "x86_64", "D"),
		rpm("D", "1.0", "1", "x86_64"),
		rpm("E", "1.0", "1", "x86_64"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "A"}}, []BlacklistEntry{{Pattern: "C"}})

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "E"}, m.Names())
	assert.Equal(t, []string{"rpm:D-0:1.0-1.x86_64"}, m.Pruned)
}

func TestResolver_BlacklistWinsOverWhitelist(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{
		rpm("kernel", "4.18", "1", "x86_64"),
		rpm("kernel-headers", "4.18", "1", "x86_64"),
		rpm("bash", "5.1", "1", "x86_64"),
	}}
	rules := rulesFor(
		[]WhitelistEntry{{Name: "kernel"}, {Name: "kernel-headers"}, {Name: "bash"}},
		[]BlacklistEntry{{Pattern: "kernel*"}},
	)

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	assert.Equal(t, []string{"bash"}, m.Names())
	assert.Len(t, m.Excluded, 2)
}

func TestResolver_BlacklistArch(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{
		rpm("glibc", "2.28", "1", "x86_64"),
		rpm("glibc", "2.28", "1", "i686"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "glibc"}}, []BlacklistEntry{{Pattern: "glibc", Arch: "i686"}})

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	require.Len(t, m.Entries, 1)
	assert.Equal(t, "x86_64", m.Entries[0].Arch)
}

func TestResolver_CyclesAreTolerated(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{
		rpm("A", "1.0", "1", "x86_64", "B"),
		rpm("B", "1.0", "1", "x86_64", "A"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "A"}}, nil)

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, m.Names())
}

func TestResolver_PartialMatchProducesWarnings(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{
		rpm("A", "1.0", "1", "x86_64", "missing-lib"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "A"}, {Name: "Z"}}, nil)

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, m.Names())
	assert.Equal(t, []string{
		"dependency rpm:missing-lib of rpm:A-0:1.0-1.x86_64 not found in ubi-8-for-x86_64-baseos-rpms",
		"whitelist entry rpm:Z matched no units in ubi-8-for-x86_64-baseos-rpms",
	}, m.Warnings)
}

func TestResolver_LatestVersionPerArch(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{
		rpm("bash", "5.0", "1", "x86_64"),
		rpm("bash", "5.1", "1", "x86_64"),
		rpm("bash", "5.0", "1", "i686"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "bash"}}, nil)

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	require.Len(t, m.Entries, 2)
	assert.Equal(t, "i686", m.Entries[0].Arch)
	assert.Equal(t, "5.0", m.Entries[0].Version)
	assert.Equal(t, "x86_64", m.Entries[1].Arch)
	assert.Equal(t, "5.1", m.Entries[1].Version)
}

func TestResolver_VersionedWhitelistSelectsThatVersion(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{
		rpm("python3", "3.6.8", "1", "x86_64"),
		rpm("python3", "3.6.8", "2", "x86_64"),
		rpm("python3", "3.9.0", "1", "x86_64"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "python3", Version: "3.6.8"}}, nil)

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	require.Len(t, m.Entries, 2)
	assert.Equal(t, "1", m.Entries[0].Release)
	assert.Equal(t, "2", m.Entries[1].Release)
}

func TestResolver_PinnedVersionWinsForDependencies(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{
		rpm("A", "1.0", "1", "x86_64", "foo"),
		rpm("foo", "1.0", "1", "x86_64"),
		rpm("foo", "2.0", "1", "x86_64"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "A"}, {Name: "foo", Version: "1.0"}}, nil)

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "foo"}, m.Names())
	assert.Equal(t, "1.0", m.Entries[1].Version)
	assert.Equal(t, ReasonWhitelist, m.Entries[1].Reason)
}

func TestResolver_PinnedVersionWinsOverUnversionedWhitelist(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{
		rpm("foo", "1.0", "1", "x86_64"),
		rpm("foo", "2.0", "1", "x86_64"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "foo"}, {Name: "foo", Version: "1.0"}}, nil)

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	require.Len(t, m.Entries, 1)
	assert.Equal(t, "1.0", m.Entries[0].Version)
	assert.Equal(t, []string{"rpm:foo-0:2.0-1.x86_64"}, m.Pruned)
}

func TestResolver_UnpinnedVersionsAreAllKept(t *testing.T) {
	a := rpm("A", "1.0", "1", "x86_64")
	a.Dependencies = []UnitRef{{Name: "lib", Version: "1.0"}}
	catalog := &stubCatalog{units: []ContentUnit{
		a,
		rpm("B", "1.0", "1", "x86_64", "lib"),
		rpm("lib", "1.0", "1", "x86_64"),
		rpm("lib", "2.0", "1", "x86_64"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "A"}, {Name: "B"}}, nil)

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "lib", "lib"}, m.Names())
	assert.Equal(t, "1.0", m.Entries[2].Version)
	assert.Equal(t, "2.0", m.Entries[3].Version)
}

func TestResolver_BasePkgsOnlySkipsDependencies(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{
		rpm("A", "1.0", "1", "x86_64", "B"),
		rpm("B", "1.0", "1", "x86_64"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "A"}}, nil)
	rules.Flags.BasePkgsOnly = true

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, m.Names())
	assert.Zero(t, catalog.depsCalls)
}

func TestResolver_ModularPackages(t *testing.T) {
	module := ContentUnit{
		Kind:         UnitKindModulemd,
		Name:         "nodejs",
		Stream:       "16",
		Version:      "8040020210601",
		Release:      "abc",
		Arch:         "x86_64",
		Dependencies: []UnitRef{{Kind: UnitKindRPM, Name: "nodejs", Version: "16.14.0-1"}},
	}
	modularRPM := rpm("nodejs", "16.14.0", "1", "x86_64")
	modularRPM.Modular = true
	units := []ContentUnit{module, modularRPM, rpm("nodejs", "10.0", "1", "x86_64")}

	t.Run("パッケージ指定ではモジュラーRPMを選ばない", func(t *testing.T) {
		rules := rulesFor([]WhitelistEntry{{Name: "nodejs"}}, nil)
		m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, &stubCatalog{units: units})
		require.NoError(t, err)

		require.Len(t, m.Entries, 1)
		assert.Equal(t, "10.0", m.Entries[0].Version)
	})

	t.Run("モジュール経由でモジュラーRPMを取り込む", func(t *testing.T) {
		rules := rulesFor([]WhitelistEntry{
			{Name: "nodejs"},
			{Kind: UnitKindModulemd, Name: "nodejs", Version: "16"},
		}, nil)
		m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, &stubCatalog{units: units})
		require.NoError(t, err)

		require.Len(t, m.Entries, 3)
		assert.Equal(t, UnitKindModulemd, m.Entries[0].Kind)
		assert.Equal(t, "10.0", m.Entries[1].Version)
		assert.Equal(t, "16.14.0", m.Entries[2].Version)
		assert.Equal(t, ReasonDependency, m.Entries[2].Reason)
		assert.Equal(t, module.Key().String(), m.Entries[2].Rule)
	})
}

func TestResolver_IsDeterministic(t *testing.T) {
	units := []ContentUnit{
		rpm("zsh", "5.5", "1", "x86_64", "ncurses", "glibc"),
		rpm("glibc", "2.28", "1", "x86_64"),
		rpm("ncurses", "6.1", "1", "x86_64", "glibc"),
		rpm("bash", "5.1", "1", "x86_64", "glibc", "ncurses"),
		rpm("glibc", "2.28", "1", "i686"),
	}
	reversed := make([]ContentUnit, len(units))
	for i, u := range units {
		reversed[len(units)-1-i] = u
	}
	rules := rulesFor([]WhitelistEntry{{Name: "zsh"}, {Name: "bash"}, {Name: "nothing"}}, []BlacklistEntry{{Pattern: "glibc", Arch: "i686"}})

	r := newTestResolver()
	first, err := r.Resolve(context.Background(), testTarget, rules, &stubCatalog{units: units})
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), testTarget, rules, &stubCatalog{units: reversed})
	require.NoError(t, err)

	assert.Equal(t, first, second)

	d1, err := first.Digest()
	require.NoError(t, err)
	d2, err := second.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Equal(t, BLAKE3, d1.Algorithm())
	assert.Equal(t, []string{"bash", "glibc", "ncurses", "zsh"}, first.Names())
}

func TestResolver_InvalidRuleSet(t *testing.T) {
	tests := []struct {
		name  string
		rules *RuleSet
	}{
		{
			name:  "ルールセットがnil",
			rules: nil,
		},
		{
			name:  "同じパッケージに異なるバージョンを固定",
			rules: rulesFor([]WhitelistEntry{{Name: "foo", Version: "1.0"}, {Name: "foo", Version: "2.0"}}, nil),
		},
		{
			name:  "ホワイトリストにグロブ文字",
			rules: rulesFor([]WhitelistEntry{{Name: "foo*"}}, nil),
		},
		{
			name:  "名前が空",
			rules: rulesFor([]WhitelistEntry{{Name: ""}}, nil),
		},
		{
			name:  "不正なグロブ",
			rules: rulesFor(nil, []BlacklistEntry{{Pattern: "foo["}}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := &stubCatalog{}
			_, err := newTestResolver().Resolve(context.Background(), testTarget, tt.rules, catalog)
			require.Error(t, err)

			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, KindInvalidRuleSet, kind)
			assert.False(t, IsTransient(err))
			assert.Zero(t, catalog.listCalls)
		})
	}
}

func TestResolver_NameOnBothListsIsNotAnError(t *testing.T) {
	rules := rulesFor([]WhitelistEntry{{Name: "foo"}}, []BlacklistEntry{{Pattern: "foo"}})
	require.NoError(t, rules.Validate())
}

func TestResolver_CatalogFailures(t *testing.T) {
	t.Run("一覧取得の失敗は CatalogUnavailable", func(t *testing.T) {
		catalog := &stubCatalog{listErr: errors.New("connection refused")}
		_, err := newTestResolver().Resolve(context.Background(), testTarget, rulesFor([]WhitelistEntry{{Name: "A"}}, nil), catalog)
		require.Error(t, err)

		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindCatalogUnavailable, kind)
		assert.True(t, IsTransient(err))
	})

	t.Run("依存取得の失敗は CatalogUnavailable", func(t *testing.T) {
		catalog := &stubCatalog{
			units:   []ContentUnit{rpm("A", "1.0", "1", "x86_64", "B")},
			depsErr: errors.New("timeout"),
		}
		_, err := newTestResolver().Resolve(context.Background(), testTarget, rulesFor([]WhitelistEntry{{Name: "A"}}, nil), catalog)

		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindCatalogUnavailable, kind)
	})

	t.Run("分類済みのエラーはそのまま返す", func(t *testing.T) {
		catalog := &stubCatalog{listErr: UnknownRepository(testTarget)}
		_, err := newTestResolver().Resolve(context.Background(), testTarget, rulesFor(nil, nil), catalog)

		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindUnknownRepository, kind)
	})

	t.Run("キャンセルは分類しない", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		catalog := &stubCatalog{units: []ContentUnit{rpm("A", "1.0", "1", "x86_64", "B")}}
		_, err := newTestResolver().Resolve(ctx, testTarget, rulesFor([]WhitelistEntry{{Name: "A"}}, nil), catalog)

		require.ErrorIs(t, err, context.Canceled)
		_, ok := KindOf(err)
		assert.False(t, ok)
	})
}

func TestResolver_PackageBlacklistDoesNotApplyToModules(t *testing.T) {
	module := ContentUnit{
		Kind:         UnitKindModulemd,
		Name:         "perl",
		Stream:       "5.30",
		Version:      "8040020200923213406",
		Release:      "466ea64f",
		Arch:         "x86_64",
		Dependencies: []UnitRef{},
	}
	catalog := &stubCatalog{units: []ContentUnit{
		module,
		rpm("bash", "5.1", "1", "x86_64"),
		rpm("perl-libs", "5.30", "1", "x86_64"),
	}}
	rules := rulesFor(
		[]WhitelistEntry{{Kind: UnitKindModulemd, Name: "perl", Version: "5.30"}, {Name: "bash"}, {Name: "perl-libs"}},
		[]BlacklistEntry{{Pattern: "perl*"}},
	)

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	assert.Equal(t, []string{"bash", "perl"}, m.Names())
	assert.Equal(t, UnitKindModulemd, m.Entries[1].Kind)
	assert.Equal(t, []string{"rpm:perl-libs-0:5.30-1.x86_64"}, m.Excluded)
}

func TestResolver_DependenciesOfShadowedVersionsArePruned(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{
		rpm("B", "1.0", "1", "x86_64"),
		rpm("B", "2.0", "1", "x86_64", "C"),
		rpm("C", "1.0", "1", "x86_64", "D"),
		rpm("D", "1.0", "1", "x86_64"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "B"}, {Name: "B", Version: "1.0"}}, nil)

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	require.Len(t, m.Entries, 1)
	assert.Equal(t, "B", m.Entries[0].Name)
	assert.Equal(t, "1.0", m.Entries[0].Version)
	assert.Equal(t, []string{
		"rpm:B-0:2.0-1.x86_64",
		"rpm:C-0:1.0-1.x86_64",
		"rpm:D-0:1.0-1.x86_64",
	}, m.Pruned)
	assert.Equal(t, []string{"rpm:B-0:2.0-1.x86_64 dropped in favour of the pinned version"}, m.Warnings)
}

func TestResolver_ShadowedVersionKeepsSharedDependencies(t *testing.T) {
	a := rpm("A", "1.0", "1", "x86_64", "C")
	a.Dependencies = append(a.Dependencies, UnitRef{Name: "B", Version: "2.0"})
	catalog := &stubCatalog{units: []ContentUnit{
		a,
		rpm("B", "1.0", "1", "x86_64"),
		rpm("B", "2.0", "1", "x86_64", "C"),
		rpm("C", "1.0", "1", "x86_64"),
	}}
	rules := rulesFor([]WhitelistEntry{{Name: "A"}, {Name: "B", Version: "1.0"}}, nil)

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	// C は A からも到達できるので残り、根拠は A になる
	assert.Equal(t, []string{"A", "B", "C"}, m.Names())
	assert.Equal(t, "1.0", m.Entries[1].Version)
	assert.Equal(t, "rpm:A-0:1.0-1.x86_64", m.Entries[2].Rule)
	assert.Equal(t, []string{"rpm:B-0:2.0-1.x86_64"}, m.Pruned)
}

func TestResolver_CompanionWhitelistEntriesAreSkippedForBinaryRepositories(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{rpm("bash", "5.1", "1", "x86_64")}}
	rules := rulesFor([]WhitelistEntry{
		{Name: "bash"},
		{Kind: UnitKindSRPM, Name: "dnf"},
		{Name: "bash-debuginfo"},
	}, nil)

	m, err := newTestResolver().Resolve(context.Background(), testTarget, rules, catalog)
	require.NoError(t, err)

	assert.Equal(t, []string{"bash"}, m.Names())
	assert.Empty(t, m.Warnings)
}
