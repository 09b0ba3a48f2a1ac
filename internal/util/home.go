package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const appDirName = ".genctl"

func DefaultAppDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("读取用户目录失败: %w", err)
	}
	return filepath.Join(home, appDirName), nil
}

func DefaultEnvPath() (string, error) {
	base, err := DefaultAppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, ".env"), nil
}

func DefaultConfigPath() (string, error) {
	base, err := DefaultAppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "config.yaml"), nil
}

func DefaultLoraDir() (string, error) {
	base, err := DefaultAppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "loras"), nil
}
