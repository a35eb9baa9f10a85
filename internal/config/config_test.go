package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return home
}

func TestDefaults(t *testing.T) {
	home := isolate(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(home, ".threadline", "state"), cfg.Storage.Dir)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)
	assert.Equal(t, "chat", cfg.Graph.Default)
	assert.Equal(t, 25, cfg.Graph.RecursionLimit)
	assert.Equal(t, "llama3.2:3b", cfg.LLM.Model)
	assert.True(t, cfg.TUI.Launcher)
	assert.Empty(t, cfg.Source)
	assert.Equal(t, "127.0.0.1:8484", cfg.ServerAddr())
	assert.Equal(t, 2*time.Second, cfg.PollInterval())

	model := cfg.ModelConfig()
	assert.Equal(t, 120*time.Second, model.Timeout)
	assert.Equal(t, 45*time.Second, model.CircuitRecovery)
}

func TestFileThenEnvOverride(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "threadline.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[storage]
backend = "memory"

[llm]
provider = "echo"
model = "from-file"

[server]
port = 9000
`), 0o644))
	t.Setenv("THREADLINE_LLM__MODEL", "from-env")
	t.Setenv("THREADLINE_SERVER__PORT", "9100")
	t.Setenv("THREADLINE_LOG__LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "echo", cfg.LLM.Provider)
	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend, "untouched keys keep their default")
}

func TestDefaultPathIsDiscovered(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".threadline")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[graph]\ndefault = \"planner\"\n"), 0o644))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "planner", cfg.Graph.Default)
	assert.Equal(t, filepath.Join(dir, "config.toml"), cfg.Source)
}

func TestMissingExplicitPath(t *testing.T) {
	isolate(t)
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestInitConfigWritesLoadableSample(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "threadline.toml")
	require.NoError(t, InitConfig(path))
	assert.Error(t, InitConfig(path), "refuses to overwrite")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	assert.True(t, filepath.IsAbs(cfg.Storage.Dir), "~ is expanded")
}

func TestValidate(t *testing.T) {
	isolate(t)
	cases := map[string]func(*Config){
		"storage backend":  func(c *Config) { c.Storage.Backend = "s3" },
		"checkpoint path":  func(c *Config) { c.Checkpoint.Path = "" },
		"provider":         func(c *Config) { c.LLM.Provider = "openai" },
		"temperature":      func(c *Config) { c.LLM.Temperature = 3 },
		"recursion limit":  func(c *Config) { c.Graph.RecursionLimit = 0 },
		"port":             func(c *Config) { c.Server.Port = 70000 },
		"log level":        func(c *Config) { c.Log.Level = "chatty" },
		"negative retries": func(c *Config) { c.LLM.MaxRetries = -1 },
		"missing graph":    func(c *Config) { c.Graph.Default = " " },
		"ollama w/o model": func(c *Config) { c.LLM.Model = "" },
		"timeout":          func(c *Config) { c.LLM.TimeoutSeconds = 0 },
		"file without dir": func(c *Config) { c.Storage.Dir = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "llm.base_url", envKey("THREADLINE_LLM__BASE_URL"))
	assert.Equal(t, "tui.alt_screen", envKey("THREADLINE_TUI__ALT_SCREEN"))
}

func TestExpandHome(t *testing.T) {
	home := isolate(t)
	assert.Equal(t, filepath.Join(home, "x"), expandHome("~/x"))
	assert.Equal(t, "/abs", expandHome("/abs"))
}
