package app

import (
	"errors"
	"fmt"

	"genctl/internal/client"
	"genctl/internal/config"
)

func loadAPIKeyForRun() (string, error) {
	key, err := config.LoadAPIKey()
	if err != nil {
		if errors.Is(err, config.ErrAPIKeyNotConfigured) {
			return "", fmt.Errorf("尚未配置 KEY，需要执行\ngenctl set key <GENCTL_API_KEY>\n%w", client.ErrMissingCredential)
		}
		return "", err
	}
	return key, nil
}
