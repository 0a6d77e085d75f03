package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// commitFile はリポジトリにファイルを書き込んでコミットする
func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)

	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestURLToDirectoryName(t *testing.T) {
	c := NewClient("", "")

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"SSH形式", "git@gitlab.example.com:ubi/ubi-config.git", filepath.Join("gitlab.example.com", "ubi", "ubi-config")},
		{"HTTPS形式", "https://github.com/release-engineering/ubi-config.git", filepath.Join("github.com", "release-engineering", "ubi-config")},
		{"ポート付き", "https://git.example.com:8443/ubi/config", filepath.Join("git.example.com", "ubi", "config")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.URLToDirectoryName(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCloneOrPull(t *testing.T) {
	ctx := context.Background()

	originDir := t.TempDir()
	origin, err := git.PlainInit(originDir, false)
	require.NoError(t, err)
	first := commitFile(t, origin, originDir, "ubi8/base.yaml", "packages: {}\n")

	head, err := origin.Head()
	require.NoError(t, err)
	branch := head.Name().Short()

	c := NewClient("", "")
	dest := filepath.Join(t.TempDir(), "cache", "ubi-config")

	t.Run("初回はクローンする", func(t *testing.T) {
		require.NoError(t, c.CloneOrPull(ctx, originDir, dest, branch))

		rev, err := c.HeadRevision(dest)
		require.NoError(t, err)
		assert.Equal(t, first, rev)
		assert.FileExists(t, filepath.Join(dest, "ubi8", "base.yaml"))
	})

	t.Run("2回目以降は最新のコミットに追従する", func(t *testing.T) {
		second := commitFile(t, origin, originDir, "ubi8/base.yaml", "packages:\n  include: [bash.*]\n")

		require.NoError(t, c.CloneOrPull(ctx, originDir, dest, branch))

		rev, err := c.HeadRevision(dest)
		require.NoError(t, err)
		assert.Equal(t, second, rev)

		data, err := os.ReadFile(filepath.Join(dest, "ubi8", "base.yaml"))
		require.NoError(t, err)
		assert.Contains(t, string(data), "bash.*")
	})

	t.Run("ブランチ省略時は現在のブランチを使う", func(t *testing.T) {
		third := commitFile(t, origin, originDir, "ubi9/base.yaml", "packages: {}\n")

		require.NoError(t, c.Pull(ctx, dest, ""))

		rev, err := c.HeadRevision(dest)
		require.NoError(t, err)
		assert.Equal(t, third, rev)
	})
}

func TestClone_存在しないリポジトリ(t *testing.T) {
	c := NewClient("", "")
	dest := filepath.Join(t.TempDir(), "missing")

	err := c.Clone(context.Background(), filepath.Join(t.TempDir(), "no-such-repo"), dest, "")
	require.Error(t, err)
	assert.NoDirExists(t, dest)
}
