package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"genctl/internal/util"
	"github.com/joho/godotenv"
)

const apiKeyEnvName = "GENCTL_API_KEY"

var ErrAPIKeyNotConfigured = errors.New("api_key_not_configured")

// LoadAPIKey prefers the process environment over ~/.genctl/.env.
func LoadAPIKey() (string, error) {
	if v := strings.TrimSpace(os.Getenv(apiKeyEnvName)); v != "" {
		return v, nil
	}
	p, err := util.DefaultEnvPath()
	if err != nil {
		return "", err
	}
	env, err := godotenv.Read(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrAPIKeyNotConfigured
		}
		return "", fmt.Errorf("读取 .env 失败: %w", err)
	}
	value := strings.TrimSpace(env[apiKeyEnvName])
	if value == "" {
		return "", ErrAPIKeyNotConfigured
	}
	return value, nil
}

func SaveAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("KEY 不能为空")
	}
	p, err := util.DefaultEnvPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	env, err := godotenv.Read(p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("读取 .env 失败: %w", err)
		}
		env = map[string]string{}
	}
	env[apiKeyEnvName] = key
	if err := godotenv.Write(env, p); err != nil {
		return fmt.Errorf("写 .env 失败: %w", err)
	}
	return os.Chmod(p, 0o600)
}
