package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var ErrNotRunning = errors.New("gateway is not running")

// PIDManager tracks the running gateway through a pid file in the data dir.
type PIDManager struct {
	path string
}

func NewPIDManager(cm *ConfigManager) *PIDManager {
	name := filepath.FromSlash(cm.GetConfigWithDefault("pid_file", "x402-gateway.pid"))
	if !filepath.IsAbs(name) {
		name = GetAppPaths("").GetDataPath(name)
	}
	return &PIDManager{path: name}
}

func (p *PIDManager) Path() string { return p.path }

func (p *PIDManager) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(pid)), 0644)
}

func (p *PIDManager) ReadPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, fmt.Errorf("read pid file %s: %w", p.path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s: %w", p.path, err)
	}
	return pid, nil
}

func (p *PIDManager) RemovePIDFile() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

func (p *PIDManager) IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// StopProcess sends SIGTERM and waits up to grace before killing. Windows
// has no SIGTERM, so the process is killed outright there.
func (p *PIDManager) StopProcess(pid int, grace time.Duration) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if runtime.GOOS == "windows" {
		return process.Kill()
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(grace)
	for {
		select {
		case <-timeout:
			return process.Kill()
		case <-ticker.C:
			if process.Signal(syscall.Signal(0)) != nil {
				return nil
			}
		}
	}
}
