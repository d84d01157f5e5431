package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// resolveConfig reads config.toml through viper so that every key can be
// overridden from the environment, e.g. GATHERLY_AUTH_TOKEN for auth.token.
func resolveConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("GATHERLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys must be known to viper for env-only values to show up.
	for _, key := range configKeys {
		v.SetDefault(key, "")
	}
	v.SetDefault("default.transport", "websocket")
	v.SetDefault("default.redis_prefix", "gatherly")
	v.SetDefault("default.log_level", "info")
	v.SetDefault("default.queue_path", filepath.Join(filepath.Dir(path), "queue.db"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &Config{
		Default: ConfigDefault{
			BaseURL:     v.GetString("default.base_url"),
			Transport:   v.GetString("default.transport"),
			RedisAddr:   v.GetString("default.redis_addr"),
			RedisPrefix: v.GetString("default.redis_prefix"),
			QueuePath:   v.GetString("default.queue_path"),
			LogLevel:    v.GetString("default.log_level"),
		},
		Auth: ConfigAuth{
			Token:      v.GetString("auth.token"),
			TenantID:   v.GetString("auth.tenant_id"),
			MemberID:   v.GetString("auth.member_id"),
			MemberName: v.GetString("auth.member_name"),
		},
	}, nil
}
