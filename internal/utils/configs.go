package utils

import (
	"bufio"
	"embed"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

//go:embed configs
var defaultConfig embed.FS

const defaultConfigName = "configs"

// ConfigManager holds the gateway settings as key = value pairs. A config
// file is layered over the embedded defaults, so it only needs the keys a
// deployment changes.
//
// Typed getters never fail: a malformed value falls back to the caller's
// default and is recorded so startup can report it (see Problems).
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	values   map[string]string
	problems []string
}

// LoadConfigManager reads path over the embedded defaults. An empty path
// means the per-user config file, which is created from the defaults on
// first run.
func LoadConfigManager(path string) (*ConfigManager, error) {
	values, err := embeddedDefaults()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = filepath.Join(GetAppPaths("").ConfigDir, defaultConfigName)
		if err := writeDefaultsIfMissing(path); err != nil {
			return nil, fmt.Errorf("failed to create default config %s: %w", path, err)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer file.Close()

	if err := parseConfigLines(file, values); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return &ConfigManager{path: path, values: values}, nil
}

// NewConfigManagerFromValues builds a manager from the embedded defaults
// overlaid with the given values. Nothing is read from or written to disk.
func NewConfigManagerFromValues(overrides map[string]string) *ConfigManager {
	values, err := embeddedDefaults()
	if err != nil {
		panic(err)
	}
	maps.Copy(values, overrides)
	return &ConfigManager{values: values}
}

func embeddedDefaults() (map[string]string, error) {
	data, err := defaultConfig.ReadFile("configs/" + defaultConfigName)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string)
	if err := parseConfigLines(strings.NewReader(string(data)), values); err != nil {
		return nil, err
	}
	return values, nil
}

func writeDefaultsIfMissing(path string) error {
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		return err
	}
	data, err := defaultConfig.ReadFile("configs/" + defaultConfigName)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// parseConfigLines reads `key = value` lines into values. Blank lines,
// `#` comments and lines without `=` are skipped.
func parseConfigLines(r io.Reader, values map[string]string) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		values[key] = strings.TrimSpace(value)
	}
	return scanner.Err()
}

// Path is the file the manager was loaded from, empty for in-memory managers.
func (cm *ConfigManager) Path() string { return cm.path }

func (cm *ConfigManager) GetConfig(key string) (string, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	value, exists := cm.values[key]
	return value, exists
}

// GetConfigWithDefault returns the value for key, or defaultValue when the key
// is missing or empty.
func (cm *ConfigManager) GetConfigWithDefault(key string, defaultValue string) string {
	if value, exists := cm.GetConfig(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// SetConfig sets a value at runtime. Used for environment overrides.
func (cm *ConfigManager) SetConfig(key string, value string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.values[key] = value
}

// Problems lists the malformed values typed getters have fallen back on.
func (cm *ConfigManager) Problems() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]string(nil), cm.problems...)
}

func (cm *ConfigManager) recordProblem(format string, args ...interface{}) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	problem := fmt.Sprintf(format, args...)
	for _, p := range cm.problems {
		if p == problem {
			return
		}
	}
	cm.problems = append(cm.problems, problem)
}

// typedConfig parses key with parse, falling back to defaultValue when the
// key is unset or the value does not parse.
func typedConfig[T any](cm *ConfigManager, key string, defaultValue T, parse func(string) (T, error)) T {
	raw := cm.GetConfigWithDefault(key, "")
	if raw == "" {
		return defaultValue
	}
	value, err := parse(raw)
	if err != nil {
		cm.recordProblem("%s: %v, using default %v", key, err, defaultValue)
		return defaultValue
	}
	return value
}

func (cm *ConfigManager) GetConfigDuration(key string, defaultValue time.Duration) time.Duration {
	return typedConfig(cm, key, defaultValue, time.ParseDuration)
}

// GetConfigInt parses an integer and requires it to lie in [min, max].
func (cm *ConfigManager) GetConfigInt(key string, defaultValue int, min int, max int) int {
	return typedConfig(cm, key, defaultValue, func(raw string) (int, error) {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", raw)
		}
		if value < min || value > max {
			return 0, fmt.Errorf("%d out of range [%d, %d]", value, min, max)
		}
		return value, nil
	})
}

// GetConfigUint64 parses an amount in smallest ledger units. Zero is returned
// as-is so callers can reject it.
func (cm *ConfigManager) GetConfigUint64(key string, defaultValue uint64) uint64 {
	return typedConfig(cm, key, defaultValue, func(raw string) (uint64, error) {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q", raw)
		}
		return value, nil
	})
}

func (cm *ConfigManager) GetConfigBool(key string, defaultValue bool) bool {
	return typedConfig(cm, key, defaultValue, func(raw string) (bool, error) {
		switch strings.ToLower(raw) {
		case "true", "yes", "1", "on", "enabled":
			return true, nil
		case "false", "no", "0", "off", "disabled":
			return false, nil
		}
		return false, fmt.Errorf("invalid boolean %q", raw)
	})
}

// GetConfigSlice splits a comma-separated value, dropping empty items.
func (cm *ConfigManager) GetConfigSlice(key string, defaultValues []string) []string {
	var values []string
	for _, item := range strings.Split(cm.GetConfigWithDefault(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			values = append(values, item)
		}
	}
	if len(values) == 0 {
		return defaultValues
	}
	return values
}
