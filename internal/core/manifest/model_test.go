package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryTarget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		target  RepositoryTarget
		wantErr bool
	}{
		{name: "通常のリポジトリID", target: "ubi-8-for-x86_64-appstream-rpms"},
		{name: "ドットとアンダースコア", target: "ubi_9.2-source"},
		{name: "空文字", target: "", wantErr: true},
		{name: "スラッシュを含む", target: "ubi/8", wantErr: true},
		{name: "空白を含む", target: "ubi 8", wantErr: true},
		{name: "長すぎる", target: RepositoryTarget(make201()), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTarget)
				return
			}
			require.NoError(t, err)
		})
	}
}

func make201() string {
	b := make([]byte, 201)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func TestCompareEVR(t *testing.T) {
	tests := []struct {
		name string
		a, b ContentUnit
		want int
	}{
		{name: "リリースの比較", a: rpm("x", "1.0", "1", "noarch"), b: rpm("x", "1.0", "2", "noarch"), want: -1},
		{name: "数値としての比較", a: rpm("x", "1.10", "1", "noarch"), b: rpm("x", "1.9", "1", "noarch"), want: 1},
		{name: "同一", a: rpm("x", "2.0", "1.el8", "noarch"), b: rpm("x", "2.0", "1.el8", "noarch"), want: 0},
		{
			name: "エポックが優先",
			a:    ContentUnit{Kind: UnitKindRPM, Name: "x", Epoch: "1", Version: "0.9", Release: "1"},
			b:    rpm("x", "1.0", "1", "noarch"),
			want: 1,
		},
		{
			name: "モジュールはストリームから比較",
			a:    ContentUnit{Kind: UnitKindModulemd, Name: "m", Stream: "10", Version: "9"},
			b:    ContentUnit{Kind: UnitKindModulemd, Name: "m", Stream: "12", Version: "1"},
			want: -1,
		},
		{
			name: "同一ストリームではバージョンを数値比較",
			a:    ContentUnit{Kind: UnitKindModulemd, Name: "m", Stream: "12", Version: "8040020210601"},
			b:    ContentUnit{Kind: UnitKindModulemd, Name: "m", Stream: "12", Version: "820210601"},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareEVR(tt.a, tt.b))
		})
	}
}

func TestUnitRef_Matches(t *testing.T) {
	u := ContentUnit{Kind: UnitKindRPM, Name: "bash", Epoch: "1", Version: "5.1", Release: "2", Arch: "x86_64"}

	assert.True(t, UnitRef{Name: "bash"}.Matches(u))
	assert.True(t, UnitRef{Name: "bash", Version: "5.1"}.Matches(u))
	assert.True(t, UnitRef{Name: "bash", Version: "5.1-2"}.Matches(u))
	assert.True(t, UnitRef{Name: "bash", Version: "1:5.1-2"}.Matches(u))
	assert.True(t, UnitRef{Name: "bash", Arch: "x86_64"}.Matches(u))
	assert.False(t, UnitRef{Name: "bash", Arch: "i686"}.Matches(u))
	assert.False(t, UnitRef{Name: "bash", Version: "5.0"}.Matches(u))
	assert.False(t, UnitRef{Kind: UnitKindSRPM, Name: "bash"}.Matches(u))

	noarch := rpm("tzdata", "2023", "1", "noarch")
	assert.True(t, UnitRef{Name: "tzdata", Arch: "x86_64"}.Matches(noarch))
}

func TestSnapshot_MemoizesCatalogResponses(t *testing.T) {
	catalog := &stubCatalog{units: []ContentUnit{rpm("A", "1.0", "1", "x86_64", "B")}}
	snap := NewSnapshot(catalog)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		units, err := snap.ListContentUnits(ctx, testTarget)
		require.NoError(t, err)
		require.Len(t, units, 1)

		refs, err := snap.GetDependencies(ctx, units[0])
		require.NoError(t, err)
		assert.Equal(t, []UnitRef{{Name: "B"}}, refs)
	}

	info, err := snap.DescribeRepository(ctx, testTarget)
	require.NoError(t, err)
	assert.Equal(t, testTarget, info.ID)

	assert.Equal(t, 1, catalog.describeCalls)
	assert.Equal(t, 1, catalog.listCalls)
	assert.Equal(t, 1, catalog.depsCalls)
}

func TestManifest_DigestChangesWithContent(t *testing.T) {
	m := &Manifest{Target: testTarget, Entries: []Entry{newEntry(rpm("A", "1.0", "1", "x86_64"), ReasonWhitelist, "whitelist:rpm:A")}}
	d1, err := m.Digest()
	require.NoError(t, err)

	m.Entries[0].Version = "1.1"
	d2, err := m.Digest()
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
	assert.Len(t, d1.Encoded(), 64)
}
