package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	giturls "github.com/whilp/git-urls"
)

// Client はルールリポジトリのチェックアウトを管理する
type Client struct {
	sshKeyPath  string
	sshPassword string
}

// NewClient は新しい Client を作成する
func NewClient(sshKeyPath, sshPassword string) *Client {
	return &Client{
		sshKeyPath:  sshKeyPath,
		sshPassword: sshPassword,
	}
}

// URLToDirectoryName はGit URLをキャッシュ用のディレクトリ名に変換する
// 例: git@gitlab.example.com:ubi/ubi-config.git -> gitlab.example.com/ubi/ubi-config
func (c *Client) URLToDirectoryName(gitURL string) (string, error) {
	u, err := giturls.Parse(gitURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse git URL: %w", err)
	}

	hostname := u.Hostname()
	if hostname == "" {
		hostname = u.Host
	}

	path := strings.TrimPrefix(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	if path == "" {
		return "", fmt.Errorf("git URL has no path: %s", gitURL)
	}

	return filepath.Join(hostname, filepath.FromSlash(path)), nil
}

// Clone は指定ブランチをクローンする
func (c *Client) Clone(ctx context.Context, url, destDir, branch string) error {
	auth, err := c.getAuth(url)
	if err != nil {
		return fmt.Errorf("failed to setup SSH auth: %w", err)
	}

	opts := &git.CloneOptions{
		URL:  url,
		Auth: auth,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}

	if _, err := git.PlainCloneContext(ctx, destDir, false, opts); err != nil {
		// 中途半端なチェックアウトを残さない
		_ = os.RemoveAll(destDir)
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	return nil
}

// Pull は origin を fetch して指定ブランチの先端をチェックアウトする
func (c *Client) Pull(ctx context.Context, repoPath, branch string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	remote, err := repo.Remote("origin")
	if err != nil {
		return fmt.Errorf("failed to get remote: %w", err)
	}

	var url string
	if urls := remote.Config().URLs; len(urls) > 0 {
		url = urls[0]
	}
	auth, err := c.getAuth(url)
	if err != nil {
		return fmt.Errorf("failed to setup SSH auth: %w", err)
	}

	err = remote.FetchContext(ctx, &git.FetchOptions{
		Auth:  auth,
		Force: true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch: %w", err)
	}

	if branch == "" {
		branch, err = c.currentBranch(repo)
		if err != nil {
			return err
		}
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return fmt.Errorf("failed to resolve origin/%s: %w", branch, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	err = worktree.Reset(&git.ResetOptions{
		Commit: remoteRef.Hash(),
		Mode:   git.HardReset,
	})
	if err != nil {
		return fmt.Errorf("failed to reset to origin/%s: %w", branch, err)
	}

	return nil
}

// CloneOrPull はチェックアウトが無ければクローンし、あれば最新化する
func (c *Client) CloneOrPull(ctx context.Context, url, destDir, branch string) error {
	gitDir := filepath.Join(destDir, ".git")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
		return c.Clone(ctx, url, destDir, branch)
	}

	return c.Pull(ctx, destDir, branch)
}

// HeadRevision はチェックアウト中のコミットハッシュを返す
func (c *Client) HeadRevision(repoPath string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	return head.Hash().String(), nil
}

func (c *Client) currentBranch(repo *git.Repository) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached, branch must be specified")
	}
	return head.Name().Short(), nil
}

// getAuth は SSH の URL に対してのみ鍵認証を返す
func (c *Client) getAuth(url string) (transport.AuthMethod, error) {
	if c.sshKeyPath == "" {
		return nil, nil
	}

	ep, err := transport.NewEndpoint(url)
	if err != nil || ep.Protocol != "ssh" {
		return nil, nil
	}

	if _, err := os.Stat(c.sshKeyPath); os.IsNotExist(err) {
		return nil, nil
	}

	auth, err := ssh.NewPublicKeysFromFile("git", c.sshKeyPath, c.sshPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to load SSH key: %w", err)
	}

	return auth, nil
}
