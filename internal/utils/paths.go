package utils

import (
	"os"
	"path/filepath"
	"runtime"
)

// HomeEnv overrides every application directory when set.
const HomeEnv = "X402_GATEWAY_HOME"

type AppPaths struct {
	ConfigDir string
	LogDir    string
	DataDir   string
}

// GetAppPaths resolves per-OS application directories and creates them.
// Linux follows the XDG base directory layout.
func GetAppPaths(appName string) *AppPaths {
	if appName == "" {
		appName = "x402-gateway"
	}

	if home := os.Getenv(HomeEnv); home != "" {
		return ensureDirs(&AppPaths{ConfigDir: home, LogDir: filepath.Join(home, "logs"), DataDir: home})
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		if homeDir, err = os.Getwd(); err != nil {
			homeDir = "."
		}
	}

	var paths *AppPaths
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		dir := filepath.Join(appData, appName)
		paths = &AppPaths{ConfigDir: dir, LogDir: dir, DataDir: dir}
	case "darwin":
		dir := filepath.Join(homeDir, "Library", "Application Support", appName)
		paths = &AppPaths{ConfigDir: dir, LogDir: filepath.Join(homeDir, "Library", "Logs", appName), DataDir: dir}
	case "linux":
		paths = &AppPaths{
			ConfigDir: filepath.Join(xdgDir("XDG_CONFIG_HOME", homeDir, ".config"), appName),
			LogDir:    filepath.Join(xdgDir("XDG_CACHE_HOME", homeDir, ".cache"), appName, "logs"),
			DataDir:   filepath.Join(xdgDir("XDG_DATA_HOME", homeDir, ".local", "share"), appName),
		}
	default:
		dir := filepath.Join(homeDir, "."+appName)
		paths = &AppPaths{ConfigDir: dir, LogDir: dir, DataDir: dir}
	}

	return ensureDirs(paths)
}

func xdgDir(env string, home string, fallback ...string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

func ensureDirs(paths *AppPaths) *AppPaths {
	for _, dir := range []string{paths.ConfigDir, paths.LogDir, paths.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &AppPaths{ConfigDir: ".", LogDir: ".", DataDir: "."}
		}
	}
	return paths
}

func (ap *AppPaths) GetDataPath(filename string) string {
	return filepath.Join(ap.DataDir, filename)
}
