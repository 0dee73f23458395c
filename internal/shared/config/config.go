package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"clashprobe/internal/shared/types"
)

// Load builds the engine configuration: documented defaults, overlaid with
// the ini file when one exists, overlaid with environment variables. An
// empty fileName skips the file step entirely.
func Load(fileName string) (*types.Config, error) {
	cfg := types.Default()
	if fileName != "" {
		if err := LoadIni(cfg, fileName); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadIni maps an ini file onto an existing Config. Values absent from the
// file keep whatever the struct already holds.
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *types.Config) {
	overrideFromEnvInt(&cfg.EngineConf.Workers, "CLASHPROBE_WORKERS")
	overrideFromEnvInt(&cfg.EngineConf.BatchSize, "CLASHPROBE_BATCH_SIZE")
	overrideFromEnvInt(&cfg.StagesConf.ProbeTimeoutMs, "CLASHPROBE_TIMEOUT_MS")
	overrideFromEnvString(&cfg.RuntimeConf.Binary, "CLASHPROBE_RUNTIME_BIN")
	overrideFromEnvString(&cfg.RuntimeConf.WorkDir, "CLASHPROBE_WORK_DIR")
	overrideFromEnvString(&cfg.LogConf.Level, "CLASHPROBE_LOG_LEVEL")
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
