// Package policy implements the automated gate on generated diffs: a pure
// evaluator over a parsed unified diff plus an effectful service that
// persists violation sets and hot-reloads its configuration.
package policy

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// SecretPattern is one named secret detector applied to added lines.
type SecretPattern struct {
	Type  string `yaml:"type"`
	Regex string `yaml:"regex"`

	re *regexp.Regexp
}

// Config is the policy document. A yaml file overlays the built-in
// defaults; Compile must run before evaluation.
type Config struct {
	// FrozenFiles are paths that must never appear in a diff. Entries are
	// matched as doublestar globs, so exact paths and patterns both work.
	FrozenFiles []string `yaml:"frozen_files"`

	// DenyGlobs are path patterns that must never appear.
	DenyGlobs []string `yaml:"deny_globs"`

	// DenyPatterns are path regexes that must never appear.
	DenyPatterns []string `yaml:"deny_patterns"`

	// SecretPatterns run in order against every added line.
	SecretPatterns []SecretPattern `yaml:"secret_patterns"`

	// Placeholders suppress a secret finding when one matches the captured
	// candidate entirely.
	Placeholders []string `yaml:"placeholders"`

	// DependencyFiles trigger a dependency_change finding, BLOCK unless
	// AllowDependencyChanges downgrades it to WARN.
	DependencyFiles        []string `yaml:"dependency_files"`
	AllowDependencyChanges bool     `yaml:"allow_dependency_changes"`

	// MaxDiffBytes warns on diffs larger than this. Zero uses the default.
	MaxDiffBytes int `yaml:"max_diff_bytes"`

	denyRes        []*regexp.Regexp
	placeholderRes []*regexp.Regexp
}

// DefaultMaxDiffBytes is the size above which a diff draws a WARN.
const DefaultMaxDiffBytes = 10 * 1024

// DefaultConfig returns the built-in policy, already compiled.
func DefaultConfig() *Config {
	c := &Config{
		FrozenFiles: []string{
			"package-lock.json",
			"yarn.lock",
			"pnpm-lock.yaml",
			"go.sum",
			"Cargo.lock",
			"Gemfile.lock",
			"composer.lock",
			"LICENSE",
			"LICENSE.md",
			"CODEOWNERS",
			".gitattributes",
			".github/workflows/*",
			".gitlab-ci.yml",
			"Jenkinsfile",
			"Dockerfile",
		},
		DenyGlobs: []string{
			".env",
			".env.*",
			"**/.env",
			"**/.env.*",
			"**/*.pem",
			"**/*.key",
		},
		DenyPatterns: []string{
			`(?i)(^|/)(secrets?|credentials?|private[_-]?key|password)(/|\.|$)`,
		},
		SecretPatterns: []SecretPattern{
			{Type: "aws_access_key", Regex: `AKIA[0-9A-Z]{16}`},
			{Type: "aws_secret_key", Regex: `(?i)aws[_-]?secret[_-]?access[_-]?key\s*[:=]\s*['"]?([A-Za-z0-9/+=]{40})['"]?`},
			{Type: "github_token", Regex: `gh[pousr]_[A-Za-z0-9]{36,}`},
			{Type: "slack_token", Regex: `xox[baprs]-[A-Za-z0-9-]{10,}`},
			{Type: "stripe_live_key", Regex: `sk_live_[A-Za-z0-9]{20,}`},
			{Type: "private_key_block", Regex: `-----BEGIN (?:RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY-----`},
			{Type: "generic_credential", Regex: `(?i)(?:api[_-]?key|secret|password)\s*[:=]\s*['"]([^'"\s]{8,})['"]`},
			{Type: "bearer_jwt", Regex: `(?i)bearer\s+eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`},
			{Type: "database_url", Regex: `(?i)(?:postgres|postgresql|mysql|mongodb|redis|amqp)://[^\s:@/]+:[^\s@/]+@[^\s]+`},
		},
		Placeholders: []string{
			`^<[^>]+>$`,
			`^\{\{.*\}\}$`,
			`^\$\{[^}]*\}$`,
			`(?i)^your[_-]?`,
			`(?i)^example$`,
			`(?i)^changeme$`,
			`^x{4,}$`,
			`^\*{4,}$`,
		},
		DependencyFiles: []string{
			"package.json",
			"package-lock.json",
			"yarn.lock",
			"pnpm-lock.yaml",
			"go.mod",
			"go.sum",
			"Cargo.toml",
			"Cargo.lock",
			"requirements.txt",
			"Pipfile",
			"Pipfile.lock",
			"Gemfile",
			"Gemfile.lock",
			"pom.xml",
			"build.gradle",
			"composer.json",
			"composer.lock",
		},
		AllowDependencyChanges: false,
		MaxDiffBytes:           DefaultMaxDiffBytes,
	}
	if err := c.Compile(); err != nil {
		// The built-in regexes are constants; a failure here is a
		// programming error.
		panic(fmt.Sprintf("compile default policy: %v", err))
	}
	return c
}

// LoadFile reads a yaml policy file and overlays it on the defaults: any
// list present in the file replaces the default list wholesale.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	c := DefaultConfig()
	if overlay.FrozenFiles != nil {
		c.FrozenFiles = overlay.FrozenFiles
	}
	if overlay.DenyGlobs != nil {
		c.DenyGlobs = overlay.DenyGlobs
	}
	if overlay.DenyPatterns != nil {
		c.DenyPatterns = overlay.DenyPatterns
	}
	if overlay.SecretPatterns != nil {
		c.SecretPatterns = overlay.SecretPatterns
	}
	if overlay.Placeholders != nil {
		c.Placeholders = overlay.Placeholders
	}
	if overlay.DependencyFiles != nil {
		c.DependencyFiles = overlay.DependencyFiles
	}
	c.AllowDependencyChanges = overlay.AllowDependencyChanges
	if overlay.MaxDiffBytes > 0 {
		c.MaxDiffBytes = overlay.MaxDiffBytes
	}

	if err := c.Compile(); err != nil {
		return nil, err
	}
	return c, nil
}

// Compile pre-compiles every regex in the config. It must be called after
// any mutation and before Evaluate.
func (c *Config) Compile() error {
	if c.MaxDiffBytes == 0 {
		c.MaxDiffBytes = DefaultMaxDiffBytes
	}

	c.denyRes = make([]*regexp.Regexp, 0, len(c.DenyPatterns))
	for _, p := range c.DenyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("deny pattern %q: %w", p, err)
		}
		c.denyRes = append(c.denyRes, re)
	}

	for i := range c.SecretPatterns {
		re, err := regexp.Compile(c.SecretPatterns[i].Regex)
		if err != nil {
			return fmt.Errorf("secret pattern %q: %w", c.SecretPatterns[i].Type, err)
		}
		c.SecretPatterns[i].re = re
	}

	c.placeholderRes = make([]*regexp.Regexp, 0, len(c.Placeholders))
	for _, p := range c.Placeholders {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("placeholder pattern %q: %w", p, err)
		}
		c.placeholderRes = append(c.placeholderRes, re)
	}

	return nil
}

// Snapshot returns the serializable view of the config recorded as
// evaluation evidence.
func (c *Config) Snapshot() map[string]any {
	return map[string]any{
		"frozen_files":             c.FrozenFiles,
		"deny_globs":               c.DenyGlobs,
		"deny_patterns":            c.DenyPatterns,
		"secret_pattern_types":     secretTypes(c.SecretPatterns),
		"dependency_files":         c.DependencyFiles,
		"allow_dependency_changes": c.AllowDependencyChanges,
		"max_diff_bytes":           c.MaxDiffBytes,
	}
}

func secretTypes(patterns []SecretPattern) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, p.Type)
	}
	return out
}
