package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"genctl/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	serverEnvName  = "GENCTL_SERVER"
	comfyEnvName   = "COMFY_HOST"
	loraDirEnvName = "GENCTL_LORA_DIR"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Comfy   ComfyConfig   `yaml:"comfy"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Run     RunConfig     `yaml:"run"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
}

type ComfyConfig struct {
	Host string `yaml:"host"`
}

type FetchConfig struct {
	LoraDir       string `yaml:"lora_dir"`
	TimeoutSecond int    `yaml:"timeout_second"`
	Concurrency   int    `yaml:"concurrency"`
}

type RunConfig struct {
	PollIntervalMs  int  `yaml:"poll_interval_ms"`
	PollMaxAttempts int  `yaml:"poll_max_attempts"`
	RetryTransient  bool `yaml:"retry_transient"`
}

type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path"`
}

func Default() (Config, error) {
	loraDir, err := util.DefaultLoraDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Server: ServerConfig{BaseURL: "http://127.0.0.1:3088"},
		Comfy:  ComfyConfig{Host: "127.0.0.1:8188"},
		Fetch: FetchConfig{
			LoraDir:       loraDir,
			TimeoutSecond: 300,
			Concurrency:   4,
		},
		Run: RunConfig{PollIntervalMs: 5000, PollMaxAttempts: 30},
	}, nil
}

func ResolvePath(input string) (string, error) {
	if input != "" {
		return input, nil
	}
	return util.DefaultConfigPath()
}

func LoadOrInit(path string) (Config, error) {
	def, err := Default()
	if err != nil {
		return Config{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("读取配置失败: %w", err)
		}
		if err := Save(path, def); err != nil {
			return Config{}, err
		}
		return def, nil
	}
	cfg := def
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("解析配置失败: %w", err)
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = def.Server.BaseURL
	}
	if cfg.Comfy.Host == "" {
		cfg.Comfy.Host = def.Comfy.Host
	}
	if cfg.Fetch.LoraDir == "" {
		cfg.Fetch.LoraDir = def.Fetch.LoraDir
	}
	if cfg.Fetch.TimeoutSecond <= 0 {
		cfg.Fetch.TimeoutSecond = def.Fetch.TimeoutSecond
	}
	if cfg.Fetch.Concurrency <= 0 {
		cfg.Fetch.Concurrency = def.Fetch.Concurrency
	}
	if cfg.Run.PollIntervalMs < 0 {
		cfg.Run.PollIntervalMs = def.Run.PollIntervalMs
	}
	if cfg.Run.PollMaxAttempts <= 0 {
		cfg.Run.PollMaxAttempts = def.Run.PollMaxAttempts
	}
	return cfg, nil
}

// ApplyEnv lets process environment variables override the address settings.
func ApplyEnv(cfg Config) Config {
	if v := strings.TrimSpace(os.Getenv(serverEnvName)); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(comfyEnvName)); v != "" {
		cfg.Comfy.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(loraDirEnvName)); v != "" {
		cfg.Fetch.LoraDir = v
	}
	return cfg
}

func (c ComfyConfig) URL() string {
	host := strings.TrimRight(strings.TrimSpace(c.Host), "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "http://" + host
}

func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("写配置失败: %w", err)
	}
	return nil
}
