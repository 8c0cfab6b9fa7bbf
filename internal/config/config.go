package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models testforge.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Model struct {
		TextModel      string   `yaml:"text_model" json:"text_model"`
		VisionModels   []string `yaml:"vision_models" json:"vision_models"`
		Temperature    float32  `yaml:"temperature" json:"temperature"`
		MaxTokens      int32    `yaml:"max_tokens" json:"max_tokens"`
		TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"model" json:"model"`
	Generation struct {
		ChunkSize    int      `yaml:"chunk_size" json:"chunk_size"`
		ExtraLabels  []string `yaml:"extra_labels" json:"extra_labels"`
		Unrecognized string   `yaml:"unrecognized_lines" json:"unrecognized_lines"`
	} `yaml:"generation" json:"generation"`
	Output struct {
		Dir       string `yaml:"dir" json:"dir"`
		ImagesDir string `yaml:"images_dir" json:"images_dir"`
	} `yaml:"output" json:"output"`
	Categories map[string]Category `yaml:"categories" json:"categories"`
	Jira       JiraConfig          `yaml:"jira" json:"jira"`
	Azure      AzureConfig         `yaml:"azure" json:"azure"`
}

// Category scopes one model invocation.
type Category struct {
	Prefix string `yaml:"prefix" json:"prefix"`
	Count  int    `yaml:"count" json:"count"`
	Focus  string `yaml:"focus" json:"focus"`
}

type JiraConfig struct {
	URL   string `yaml:"url" json:"url"`
	User  string `yaml:"user" json:"user"`
	Token string `yaml:"-" json:"-"`
}

type AzureConfig struct {
	URL     string `yaml:"url" json:"url"`
	Org     string `yaml:"org" json:"org"`
	Project string `yaml:"project" json:"project"`
	PAT     string `yaml:"-" json:"-"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Model.TextModel == "" {
		return fmt.Errorf("config.model.text_model is required")
	}
	if len(c.Model.VisionModels) == 0 {
		return fmt.Errorf("config.model.vision_models must list at least one model")
	}
	for i, m := range c.Model.VisionModels {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("config.model.vision_models[%d] is empty", i)
		}
	}
	if c.Model.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.model.timeout_seconds must be positive")
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("config.model.max_tokens must be positive")
	}
	if c.Generation.ChunkSize < 0 {
		return fmt.Errorf("config.generation.chunk_size must not be negative")
	}
	switch c.Generation.Unrecognized {
	case "", "drop", "append":
	default:
		return fmt.Errorf("config.generation.unrecognized_lines must be 'drop' or 'append'")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("config.output.dir is required")
	}
	if c.Output.ImagesDir == "" {
		return fmt.Errorf("config.output.images_dir is required")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("config.categories is required")
	}
	for name, cat := range c.Categories {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.categories contains empty name")
		}
		if cat.Prefix == "" {
			return fmt.Errorf("category %s has empty prefix", name)
		}
		if cat.Count <= 0 {
			return fmt.Errorf("category %s count must be positive", name)
		}
		if cat.Focus == "" {
			return fmt.Errorf("category %s has empty focus", name)
		}
	}
	return nil
}

// CategoryNames returns configured category names sorted.
func (c *Config) CategoryNames() []string {
	names := make([]string, 0, len(c.Categories))
	for n := range c.Categories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "testforge.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Categories = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = Default().Categories
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

model:
  text_model: gemini-2.5-flash
  vision_models: [gemini-2.5-flash, gemini-2.5-pro, gemini-2.0-flash]
  temperature: 0.3
  max_tokens: 4000
  timeout_seconds: 30

generation:
  chunk_size: 2000
  extra_labels: [Preconditions, Test Data]
  unrecognized_lines: drop

output:
  dir: tests/generated
  images_dir: tests/images

categories:
  dashboard_functional:
    prefix: TC_FUNC
    count: 20
    focus: "Core functional behaviour: positive, negative, edge and data validation cases."
  dashboard_ui:
    prefix: TC_UI
    count: 15
    focus: "Visual layout, component states, alignment and consistency of the user interface."
  dashboard_ux:
    prefix: TC_UX
    count: 10
    focus: "Usability of the flow: clarity, feedback, error recovery and navigation."
  dashboard_compatibility:
    prefix: TC_COMPAT
    count: 10
    focus: "Behaviour across browsers, operating systems and devices."
  dashboard_responsiveness:
    prefix: TC_RESP
    count: 10
    focus: "Layout and interaction across screen sizes and orientations."
  dashboard_accessibility:
    prefix: TC_A11Y
    count: 10
    focus: "Keyboard access, screen reader support, contrast and WCAG conformance."
  dashboard_performance:
    prefix: TC_PERF
    count: 10
    focus: "Load times, throughput and behaviour under heavy or concurrent use."
  dashboard_security:
    prefix: TC_SEC
    count: 10
    focus: "Authentication, authorization, input sanitisation and data exposure."

jira:
  url: ""
  user: ""

azure:
  url: https://dev.azure.com
  org: ""
  project: ""
`
