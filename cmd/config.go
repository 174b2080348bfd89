package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"procodus.dev/hemrs/pkg/logger"
)

// EnvPrefix prefixes every environment variable read by hemrs, e.g.
// HEMRS_SERVE_HTTP_PORT for serve.http.port.
const EnvPrefix = "HEMRS"

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/hemrs/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger(service string) *slog.Logger {
	level, err := logger.LookupLevel(viper.GetString("log.level"))
	log := logger.New(&logger.Config{
		Output:  os.Stdout,
		Format:  viper.GetString("log.format"),
		Service: service,
		Level:   level,
	})
	if err != nil {
		log.Warn("falling back to info level", "error", err)
	}
	return log
}

// getStringSlice reads a list that may come from YAML or from a comma
// separated environment variable.
func getStringSlice(key string) []string {
	var out []string
	for _, v := range viper.GetStringSlice(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
