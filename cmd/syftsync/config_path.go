package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openmined/syftsync/internal/config"
	"github.com/openmined/syftsync/internal/utils"
)

const configPathEnv = "SYFTSYNC_CONFIG_PATH"

// resolveConfigPath determines which config file path to use, honoring (in order):
// 1) An explicitly set --config flag
// 2) SYFTSYNC_CONFIG_PATH environment variable
// 3) Existing config files in common locations
// 4) The default path
func resolveConfigPath(cmd *cobra.Command) string {
	if cfgFlag := cmd.Flag("config"); cfgFlag != nil && cfgFlag.Changed {
		return cfgFlag.Value.String()
	}

	if envPath := os.Getenv(configPathEnv); envPath != "" {
		return envPath
	}

	candidates := []string{
		filepath.Join(home, ".syftsync", "config.json"),
		filepath.Join(home, ".config", "syftsync", "config.json"),
	}
	for _, candidate := range candidates {
		if utils.FileExists(candidate) {
			return candidate
		}
	}

	return config.DefaultConfigPath
}
