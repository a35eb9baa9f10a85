package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"threadline/internal/graph"
)

const EnvPrefix = "THREADLINE_"

// Config represents the application configuration
type Config struct {
	Storage struct {
		Backend string `koanf:"backend"`
		Dir     string `koanf:"dir"`
	} `koanf:"storage"`

	Checkpoint struct {
		Backend string `koanf:"backend"`
		Path    string `koanf:"path"`
	} `koanf:"checkpoint"`

	Graph struct {
		Default        string `koanf:"default"`
		GraphsDir      string `koanf:"graphs_dir"`
		RecursionLimit int    `koanf:"recursion_limit"`
	} `koanf:"graph"`

	LLM struct {
		Provider               string  `koanf:"provider"`
		BaseURL                string  `koanf:"base_url"`
		Model                  string  `koanf:"model"`
		Temperature            float64 `koanf:"temperature"`
		MaxTokens              int     `koanf:"max_tokens"`
		TimeoutSeconds         int     `koanf:"timeout_seconds"`
		MaxRetries             int     `koanf:"max_retries"`
		CircuitThreshold       int     `koanf:"circuit_threshold"`
		CircuitRecoverySeconds int     `koanf:"circuit_recovery_seconds"`
	} `koanf:"llm"`

	TUI struct {
		AltScreen           bool `koanf:"alt_screen"`
		Launcher            bool `koanf:"launcher"`
		PollIntervalSeconds int  `koanf:"poll_interval_seconds"`
	} `koanf:"tui"`

	Server struct {
		Host string `koanf:"host"`
		Port int    `koanf:"port"`
	} `koanf:"server"`

	Log struct {
		Level string `koanf:"level"`
		File  string `koanf:"file"`
	} `koanf:"log"`

	// Source is the config file that was loaded, if any.
	Source string `koanf:"-"`
}

// DataDir is where state lives unless the config says otherwise.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".threadline"
	}
	return filepath.Join(home, ".threadline")
}

func defaults() map[string]interface{} {
	dir := DataDir()
	return map[string]interface{}{
		"storage.backend":              "file",
		"storage.dir":                  filepath.Join(dir, "state"),
		"checkpoint.backend":           "sqlite",
		"checkpoint.path":              filepath.Join(dir, "checkpoints.db"),
		"graph.default":                graph.ChatGraphID,
		"graph.graphs_dir":             filepath.Join(dir, "graphs"),
		"graph.recursion_limit":        graph.DefaultRecursionLimit,
		"llm.provider":                 "ollama",
		"llm.base_url":                 graph.DefaultOllamaAPI,
		"llm.model":                    graph.DefaultModel,
		"llm.temperature":              0.2,
		"llm.max_tokens":               0,
		"llm.timeout_seconds":          120,
		"llm.max_retries":              2,
		"llm.circuit_threshold":        3,
		"llm.circuit_recovery_seconds": 45,
		"tui.alt_screen":               true,
		"tui.launcher":                 true,
		"tui.poll_interval_seconds":    2,
		"server.host":                  "127.0.0.1",
		"server.port":                  8484,
		"log.level":                    "info",
		"log.file":                     filepath.Join(dir, "threadline.log"),
	}
}

// DefaultPaths are tried in order when no explicit path is given.
func DefaultPaths() []string {
	return []string{
		"./threadline.toml",
		filepath.Join(DataDir(), "config.toml"),
		"/etc/threadline/config.toml",
	}
}

// Default returns the built-in configuration with nothing layered on top.
func Default() *Config {
	cfg, err := load("", nil, false)
	if err != nil {
		// defaults() is static; unmarshal cannot fail on it.
		panic(err)
	}
	return cfg
}

// LoadConfig layers defaults, a TOML file and THREADLINE_ environment
// variables, in that order. An explicit configPath must exist.
func LoadConfig(configPath string) (*Config, error) {
	return load(configPath, DefaultPaths(), true)
}

func load(configPath string, fallbacks []string, withEnv bool) (*Config, error) {
	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	source := ""
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		source = configPath
	} else {
		for _, path := range fallbacks {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("error loading config %s: %w", path, err)
			}
			source = path
			break
		}
	}

	// THREADLINE_LLM__BASE_URL -> llm.base_url
	if withEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("error loading environment: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.Source = source
	cfg.expandPaths()
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func (c *Config) expandPaths() {
	c.Storage.Dir = expandHome(c.Storage.Dir)
	c.Checkpoint.Path = expandHome(c.Checkpoint.Path)
	c.Graph.GraphsDir = expandHome(c.Graph.GraphsDir)
	c.Log.File = expandHome(c.Log.File)
}

func expandHome(path string) string {
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// ModelConfig translates the [llm] section for graph.NewModel.
func (c *Config) ModelConfig() graph.ModelConfig {
	return graph.ModelConfig{
		Provider:        c.LLM.Provider,
		BaseURL:         c.LLM.BaseURL,
		Model:           c.LLM.Model,
		Temperature:     c.LLM.Temperature,
		MaxTokens:       c.LLM.MaxTokens,
		Timeout:         time.Duration(c.LLM.TimeoutSeconds) * time.Second,
		MaxRetries:      c.LLM.MaxRetries,
		CircuitFailures: c.LLM.CircuitThreshold,
		CircuitRecovery: time.Duration(c.LLM.CircuitRecoverySeconds) * time.Second,
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(max(1, c.TUI.PollIntervalSeconds)) * time.Second
}

func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}
	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(configPath, []byte(sampleConfig), 0o644)
}

const sampleConfig = `# threadline configuration
# Every key can be overridden from the environment, e.g.
#   THREADLINE_LLM__MODEL=qwen2.5:7b
#   THREADLINE_STORAGE__BACKEND=memory

[storage]
backend = "file"            # file | memory
dir = "~/.threadline/state"

[checkpoint]
backend = "sqlite"          # sqlite | memory
path = "~/.threadline/checkpoints.db"

[graph]
default = "chat"
graphs_dir = "~/.threadline/graphs"
recursion_limit = 25

[llm]
provider = "ollama"         # ollama | echo
base_url = "http://127.0.0.1:11434"
model = "llama3.2:3b"
temperature = 0.2
timeout_seconds = 120
max_retries = 2
circuit_threshold = 3
circuit_recovery_seconds = 45

[tui]
alt_screen = true
launcher = true
poll_interval_seconds = 2

[server]
host = "127.0.0.1"
port = 8484

[log]
level = "info"              # trace | debug | info | warn | error
file = "~/.threadline/threadline.log"
`

var (
	storageBackends    = []string{"file", "memory"}
	checkpointBackends = []string{"sqlite", "memory"}
	llmProviders       = []string{"ollama", "echo"}
	logLevels          = []string{"trace", "debug", "info", "warn", "error", "disabled"}
)

// Validate validates the configuration
func Validate(config *Config) error {
	if !oneOf(config.Storage.Backend, storageBackends) {
		return fmt.Errorf("storage.backend must be one of %s, got %q", strings.Join(storageBackends, ", "), config.Storage.Backend)
	}
	if config.Storage.Backend == "file" && strings.TrimSpace(config.Storage.Dir) == "" {
		return fmt.Errorf("storage.dir is required for the file backend")
	}
	if !oneOf(config.Checkpoint.Backend, checkpointBackends) {
		return fmt.Errorf("checkpoint.backend must be one of %s, got %q", strings.Join(checkpointBackends, ", "), config.Checkpoint.Backend)
	}
	if config.Checkpoint.Backend == "sqlite" && strings.TrimSpace(config.Checkpoint.Path) == "" {
		return fmt.Errorf("checkpoint.path is required for the sqlite backend")
	}
	if strings.TrimSpace(config.Graph.Default) == "" {
		return fmt.Errorf("graph.default is required")
	}
	if config.Graph.RecursionLimit < 1 {
		return fmt.Errorf("graph.recursion_limit must be positive")
	}
	if !oneOf(config.LLM.Provider, llmProviders) {
		return fmt.Errorf("llm.provider must be one of %s, got %q", strings.Join(llmProviders, ", "), config.LLM.Provider)
	}
	if config.LLM.Provider == "ollama" && strings.TrimSpace(config.LLM.Model) == "" {
		return fmt.Errorf("llm.model is required for ollama")
	}
	if config.LLM.Temperature < 0 || config.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0, 2]")
	}
	if config.LLM.TimeoutSeconds < 1 {
		return fmt.Errorf("llm.timeout_seconds must be positive")
	}
	if config.LLM.MaxRetries < 0 || config.LLM.CircuitThreshold < 0 || config.LLM.CircuitRecoverySeconds < 0 {
		return fmt.Errorf("llm retry and circuit settings must not be negative")
	}
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within 1-65535")
	}
	if !oneOf(config.Log.Level, logLevels) {
		return fmt.Errorf("log.level must be one of %s, got %q", strings.Join(logLevels, ", "), config.Log.Level)
	}
	return nil
}

func oneOf(value string, allowed []string) bool {
	for _, candidate := range allowed {
		if strings.EqualFold(value, candidate) {
			return true
		}
	}
	return false
}
