package app

import (
	"context"

	"genctl/internal/config"
)

func RunSetKey(_ context.Context, key string) error {
	return config.SaveAPIKey(key)
}
