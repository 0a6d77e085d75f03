package ubiconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/jinford/ubi-manifest/internal/core/manifest"
	"github.com/jinford/ubi-manifest/internal/infra/git"
)

// errNoRuleSet はコンテンツファミリーに対応する設定が無いことを示す
var errNoRuleSet = errors.New("no rule set for content family")

// SourceConfig はルールソースの設定
type SourceConfig struct {
	// Location はローカルディレクトリまたはGitリポジトリのURL
	Location string
	// CacheDir はGitリポジトリをクローンするディレクトリ
	CacheDir string
	// Branch は追従するブランチ（空の場合はリモートのデフォルト）
	Branch string
}

// Source はバージョン管理されたUBI設定からルールセットを読み込む
// ファイル配置は <root>/<version>/*.yaml
type Source struct {
	cfg    SourceConfig
	git    *git.Client
	parser *parser
	logger *slog.Logger

	// mu はチェックアウトの更新と読み込みを直列化する
	mu sync.Mutex
}

// Option は Source のオプション
type Option func(*Source)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource は新しい Source を作成する
func NewSource(cfg SourceConfig, gitClient *git.Client, opts ...Option) (*Source, error) {
	if cfg.Location == "" {
		return nil, errors.New("rules location is required")
	}

	p, err := newParser()
	if err != nil {
		return nil, err
	}

	s := &Source{
		cfg:    cfg,
		git:    gitClient,
		parser: p,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.git == nil {
		s.git = git.NewClient("", "")
	}
	return s, nil
}

// GetRuleSet はコンテンツファミリーに対応するルールセットを返す
// "8.4" の設定が無い場合はメジャーバージョン "8" の設定を使う
func (s *Source) GetRuleSet(ctx context.Context, family manifest.ContentFamily) (*manifest.RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, revision, err := s.checkout(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, manifest.RulesUnavailable("fetch rules", err)
	}

	for _, version := range versionCandidates(family) {
		cfg, data, err := s.find(filepath.Join(root, version), family.ContentSet)
		if errors.Is(err, errNoRuleSet) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if revision == "" {
			revision = digest.FromBytes(data).String()
		}

		s.logger.Debug("ルールセットを読み込みました",
			"family", family.String(),
			"version", version,
			"revision", revision,
		)
		return cfg.RuleSet(family, revision), nil
	}

	return nil, manifest.InvalidRuleSet("load rules", fmt.Errorf("%w: %s", errNoRuleSet, family))
}

// checkout はルールのルートディレクトリとリビジョンを返す
// ローカルディレクトリでGit管理されていない場合のリビジョンは空
func (s *Source) checkout(ctx context.Context) (string, string, error) {
	if isGitURL(s.cfg.Location) {
		name, err := s.git.URLToDirectoryName(s.cfg.Location)
		if err != nil {
			return "", "", err
		}
		dir := filepath.Join(s.cfg.CacheDir, name)
		if err := s.git.CloneOrPull(ctx, s.cfg.Location, dir, s.cfg.Branch); err != nil {
			return "", "", err
		}
		revision, err := s.git.HeadRevision(dir)
		if err != nil {
			return "", "", err
		}
		return dir, revision, nil
	}

	info, err := os.Stat(s.cfg.Location)
	if err != nil {
		return "", "", fmt.Errorf("failed to stat rules directory: %w", err)
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("rules location is not a directory: %s", s.cfg.Location)
	}

	if _, err := os.Stat(filepath.Join(s.cfg.Location, ".git")); err == nil {
		revision, err := s.git.HeadRevision(s.cfg.Location)
		if err != nil {
			return "", "", err
		}
		return s.cfg.Location, revision, nil
	}
	return s.cfg.Location, "", nil
}

// find はディレクトリ内からコンテンツセットに一致する設定を探す
func (s *Source) find(dir, contentSet string) (*Config, []byte, error) {
	files, err := configFiles(dir)
	if err != nil {
		return nil, nil, manifest.RulesUnavailable("list rules", err)
	}

	var parseErrs []error
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, manifest.RulesUnavailable("read rules", fmt.Errorf("failed to read %s: %w", path, err))
		}

		cfg, err := s.parser.Parse(data)
		if err != nil {
			s.logger.Warn("ルールファイルを解析できません", "path", path, "error", err)
			parseErrs = append(parseErrs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}

		if cfg.HasContentSet(contentSet) {
			return cfg, data, nil
		}
	}

	if len(parseErrs) > 0 {
		return nil, nil, manifest.InvalidRuleSet("parse rules", errors.Join(parseErrs...))
	}
	return nil, nil, errNoRuleSet
}

func configFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func versionCandidates(family manifest.ContentFamily) []string {
	candidates := []string{family.Version}
	if major := family.MajorVersion(); major != family.Version {
		candidates = append(candidates, major)
	}
	return candidates
}

func isGitURL(location string) bool {
	return strings.HasPrefix(location, "git@") ||
		strings.Contains(location, "://") ||
		strings.HasSuffix(location, ".git")
}
