package pulp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jinford/ubi-manifest/internal/core/manifest"
	"github.com/opencontainers/go-digest"
)

// errNotFound はカタログが 404 を返した場合のエラー
var errNotFound = errors.New("not found")

// Config はカタログクライアントの設定
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
}

// Client はコンテンツカタログの読み取り専用 HTTP クライアント
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

type clientOptions struct {
	httpClient *http.Client
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// ClientOption は Client のオプション設定
type ClientOption func(*clientOptions)

// WithLogger は Client にロガーを設定する
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithHTTPClient は HTTP クライアントを差し替える
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = c
	}
}

// WithBackOff は再試行間隔の生成方法を差し替える
func WithBackOff(newBackOff func() backoff.BackOff) ClientOption {
	return func(o *clientOptions) {
		o.newBackOff = newBackOff
	}
}

// NewClient は新しい Client を作成する
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid catalog URL %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	options := clientOptions{
		httpClient: &http.Client{Timeout: timeout},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		httpClient: options.httpClient,
		maxRetries: uint64(maxRetries),
		newBackOff: options.newBackOff,
		logger:     logger,
	}, nil
}

var _ manifest.Catalog = (*Client)(nil)

type repositoryResponse struct {
	ID                string   `json:"id"`
	ContentSet        string   `json:"content_set"`
	ConfigVersion     string   `json:"config_version"`
	Arch              string   `json:"arch"`
	PopulationSources []string `json:"population_sources"`
	Role              string   `json:"role"`
	BinaryRepository  string   `json:"binary_repository"`
}

type unitResponse struct {
	Kind         string            `json:"kind"`
	Name         string            `json:"name"`
	Epoch        string            `json:"epoch"`
	Version      string            `json:"version"`
	Release      string            `json:"release"`
	Arch         string            `json:"arch"`
	Stream       string            `json:"stream"`
	Filename     string            `json:"filename"`
	Checksum     string            `json:"checksum"`
	Modular      bool              `json:"modular"`
	SourceRPM    string            `json:"sourcerpm"`
	Dependencies *[]dependencyJSON `json:"dependencies"`
}

type dependencyJSON struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Arch    string `json:"arch"`
}

type unitsPage struct {
	Units    []unitResponse `json:"units"`
	NextPage *int           `json:"next_page"`
}

type dependenciesResponse struct {
	Dependencies []dependencyJSON `json:"dependencies"`
}

// DescribeRepository はリポジトリのメタデータを取得する
func (c *Client) DescribeRepository(ctx context.Context, target manifest.RepositoryTarget) (*manifest.RepositoryInfo, error) {
	var resp repositoryResponse
	err := c.get(ctx, []string{"repositories", string(target)}, nil, &resp)
	if errors.Is(err, errNotFound) {
		return nil, manifest.UnknownRepository(target)
	}
	if err != nil {
		return nil, manifest.CatalogUnavailable("describe repository", err)
	}
	if resp.ContentSet == "" {
		return nil, manifest.CatalogUnavailable("describe repository", fmt.Errorf("repository %s has no content set", target))
	}
	return &manifest.RepositoryInfo{
		ID:                target,
		ContentSet:        resp.ContentSet,
		ConfigVersion:     resp.ConfigVersion,
		Arch:              resp.Arch,
		PopulationSources: resp.PopulationSources,
		Role:              manifest.RepositoryRole(resp.Role),
		BinaryRepository:  manifest.RepositoryTarget(resp.BinaryRepository),
	}, nil
}

// ListRepositoryUnits はリポジトリの取得元（population sources）に含まれるユニットをすべて返す
// 取得元が登録されていない場合はリポジトリ自身を取得元とする
func (c *Client) ListRepositoryUnits(ctx context.Context, repo *manifest.RepositoryInfo) ([]manifest.ContentUnit, error) {
	sources := repo.PopulationSources
	if len(sources) == 0 {
		sources = []string{string(repo.ID)}
	}

	var units []manifest.ContentUnit
	for _, src := range sources {
		srcUnits, err := c.listSource(ctx, src)
		if err != nil {
			return nil, err
		}
		units = append(units, srcUnits...)
	}
	c.logger.Debug("ユニット一覧を取得しました", "target", repo.ID, "sources", len(sources), "units", len(units))
	return units, nil
}

func (c *Client) listSource(ctx context.Context, src string) ([]manifest.ContentUnit, error) {
	var units []manifest.ContentUnit
	page := 1
	for {
		var resp unitsPage
		query := url.Values{"page": {strconv.Itoa(page)}}
		err := c.get(ctx, []string{"repositories", src, "units"}, query, &resp)
		if errors.Is(err, errNotFound) {
			return nil, manifest.CatalogUnavailable("list content units", fmt.Errorf("population source %s not found", src))
		}
		if err != nil {
			return nil, manifest.CatalogUnavailable("list content units", err)
		}
		for _, u := range resp.Units {
			units = append(units, c.toUnit(u, src))
		}
		if resp.NextPage == nil || *resp.NextPage <= page {
			return units, nil
		}
		page = *resp.NextPage
	}
}

func (c *Client) toUnit(u unitResponse, src string) manifest.ContentUnit {
	unit := manifest.ContentUnit{
		Kind:         manifest.UnitKind(u.Kind),
		Name:         u.Name,
		Epoch:        u.Epoch,
		Version:      u.Version,
		Release:      u.Release,
		Arch:         u.Arch,
		Stream:       u.Stream,
		Filename:     u.Filename,
		SourceRepoID: src,
		Modular:      u.Modular,
		SourceRPM:    u.SourceRPM,
	}
	if unit.Kind == "" {
		unit.Kind = manifest.UnitKindRPM
	}
	if u.Checksum != "" {
		d, err := parseChecksum(u.Checksum)
		if err != nil {
			c.logger.Warn("チェックサムを解釈できません", "unit", u.Filename, "error", err)
		} else {
			unit.Checksum = d
		}
	}
	if u.Dependencies != nil {
		unit.Dependencies = toRefs(*u.Dependencies)
		if unit.Dependencies == nil {
			unit.Dependencies = []manifest.UnitRef{}
		}
	}
	return unit
}

// parseChecksum は "sha256:<hex>" または sha256 の16進文字列を受け付ける
func parseChecksum(s string) (digest.Digest, error) {
	if strings.Contains(s, ":") {
		return digest.Parse(s)
	}
	d := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(s))
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

func toRefs(deps []dependencyJSON) []manifest.UnitRef {
	var refs []manifest.UnitRef
	for _, d := range deps {
		refs = append(refs, manifest.UnitRef{
			Kind:    manifest.UnitKind(d.Kind),
			Name:    d.Name,
			Version: d.Version,
			Arch:    d.Arch,
		})
	}
	return refs
}

// GetDependencies はユニットの依存参照を返す
// 一覧取得時に依存が含まれていればそれを使う
func (c *Client) GetDependencies(ctx context.Context, unit manifest.ContentUnit) ([]manifest.UnitRef, error) {
	if unit.Dependencies != nil {
		return unit.Dependencies, nil
	}
	if unit.Filename == "" {
		return nil, nil
	}

	var resp dependenciesResponse
	var query url.Values
	if unit.SourceRepoID != "" {
		query = url.Values{"repository": {unit.SourceRepoID}}
	}
	err := c.get(ctx, []string{"units", string(unit.Kind), unit.Filename, "dependencies"}, query, &resp)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, manifest.CatalogUnavailable("get dependencies", err)
	}
	return toRefs(resp.Dependencies), nil
}

// get は GET リクエストを送信し、一時的な失敗を指数バックオフで再試行する
func (c *Client) get(ctx context.Context, segments []string, query url.Values, out any) error {
	u := c.baseURL.JoinPath(segments...)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	endpoint := u.String()

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	body, err := backoff.RetryNotifyWithData(func() ([]byte, error) {
		return c.do(ctx, endpoint)
	}, b, func(err error, wait time.Duration) {
		c.logger.Warn("カタログへのリクエストを再試行します", "url", endpoint, "error", err, "wait", wait)
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(errNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("catalog returned %d for %s", resp.StatusCode, endpoint)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("catalog returned %d for %s: %s", resp.StatusCode, endpoint, strings.TrimSpace(string(body))))
	}
	return body, nil
}
