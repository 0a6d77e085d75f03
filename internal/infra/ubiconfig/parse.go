package ubiconfig

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/jinford/ubi-manifest/internal/core/manifest"
)

//go:embed schema.json
var schemaJSON []byte

const schemaID = "ubi-config.json"

// knownArches は "name.arch" の末尾をアーキテクチャとして扱う値
var knownArches = map[string]bool{
	"*":       true,
	"x86_64":  true,
	"aarch64": true,
	"ppc64le": true,
	"s390x":   true,
	"i686":    true,
	"noarch":  true,
	"src":     true,
}

// Config はルールファイル1つ分の内容
type Config struct {
	ContentSets map[string]ContentSetPair `yaml:"content_sets"`
	Packages    struct {
		Include []PackageSpec `yaml:"include"`
		Exclude []PackageSpec `yaml:"exclude"`
	} `yaml:"packages"`
	Modules struct {
		Include []ModuleSpec `yaml:"include"`
	} `yaml:"modules"`
	Arches []string `yaml:"arches"`
	Flags  struct {
		BasePkgsOnly bool `yaml:"base_pkgs_only"`
	} `yaml:"flags"`
}

// ContentSetPair は入力・出力のコンテンツセット名
type ContentSetPair struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
}

// PackageSpec はパッケージの指定
// "name.arch" 形式の文字列、または name / arch / version を持つマップで書ける
type PackageSpec struct {
	Name    string `yaml:"name"`
	Arch    string `yaml:"arch"`
	Version string `yaml:"version"`
}

// UnmarshalYAML は文字列形式とマップ形式の両方を受け付ける
func (p *PackageSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*p = parsePackageString(node.Value)
		return nil
	case yaml.MappingNode:
		type plain PackageSpec
		var v plain
		if err := node.Decode(&v); err != nil {
			return err
		}
		*p = PackageSpec(v)
		return nil
	default:
		return fmt.Errorf("line %d: package entry must be a string or a mapping", node.Line)
	}
}

// ModuleSpec はモジュールの指定
type ModuleSpec struct {
	Name     string   `yaml:"name"`
	Stream   string   `yaml:"stream"`
	Profiles []string `yaml:"profiles"`
}

func parsePackageString(s string) PackageSpec {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "."); i > 0 && knownArches[s[i+1:]] {
		return PackageSpec{Name: s[:i], Arch: s[i+1:]}
	}
	return PackageSpec{Name: s}
}

// HasContentSet はコンテンツセットがこの設定の対象かどうかを返す
func (c *Config) HasContentSet(name string) bool {
	for _, pair := range c.ContentSets {
		if pair.Input == name || pair.Output == name {
			return true
		}
	}
	return false
}

// RuleSet は設定をリゾルバ用のルールセットに変換する
func (c *Config) RuleSet(family manifest.ContentFamily, revision string) *manifest.RuleSet {
	rs := &manifest.RuleSet{
		Family:   family,
		Revision: revision,
		Flags:    manifest.Flags{BasePkgsOnly: c.Flags.BasePkgsOnly},
	}

	for _, m := range c.Modules.Include {
		rs.Whitelist = append(rs.Whitelist, manifest.WhitelistEntry{
			Kind:    manifest.UnitKindModulemd,
			Name:    m.Name,
			Version: m.Stream,
		})
	}

	for _, p := range c.Packages.Include {
		kind := manifest.UnitKindRPM
		arch := anyArch(p.Arch)
		if arch == "src" {
			kind, arch = manifest.UnitKindSRPM, ""
		}
		rs.Whitelist = append(rs.Whitelist, manifest.WhitelistEntry{
			Kind:    kind,
			Name:    p.Name,
			Version: p.Version,
			Arch:    arch,
		})
	}

	for _, p := range c.Packages.Exclude {
		rs.Blacklist = append(rs.Blacklist, manifest.BlacklistEntry{
			Pattern: p.Name,
			Arch:    anyArch(p.Arch),
		})
	}

	return rs
}

func anyArch(arch string) string {
	if arch == "*" {
		return ""
	}
	return arch
}

// parser はスキーマ検証付きのルールファイルパーサー
type parser struct {
	schema *jsonschema.Schema
}

func newParser() (*parser, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaID, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile(schemaID)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &parser{schema: schema}, nil
}

// Parse はYAMLを検証してから設定に変換する
func (p *parser) Parse(data []byte) (*Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if raw == nil {
		return nil, errors.New("config is empty")
	}

	// YAMLの値をJSONの型に揃えてから検証する
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert yaml to json: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to convert yaml to json: %w", err)
	}
	if err := p.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}
