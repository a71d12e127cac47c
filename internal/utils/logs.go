package utils

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// LogsManager writes log entries tagged with a category and the calling
// file:line. Gateway code logs through it as
// `logger.Info(fmt.Sprintf(...), "category")`; components that want
// structured fields use Logrus().
type LogsManager struct {
	logger *log.Logger
	file   *rotatingFile
	closed atomic.Bool
}

// NewLogsManager logs to the rotating file named by `logfile` in the app log
// directory. When the file cannot be opened it logs to stderr instead.
func NewLogsManager(cm *ConfigManager) *LogsManager {
	var out io.Writer = os.Stderr

	file, err := openRotatingFile(GetAppPaths("").LogDir, cm.GetConfigWithDefault("logfile", "x402-gateway.log"), rotationPolicyFrom(cm))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file, logging to stderr: %v\n", err)
	} else {
		out = file
		if cm.GetConfigBool("log_stderr", false) {
			out = io.MultiWriter(file, os.Stderr)
		}
	}

	lm := NewLogsManagerWithWriter(cm, out)
	lm.file = file
	return lm
}

// NewLogsManagerWithWriter logs to w without rotation. Used in tests with
// io.Discard.
func NewLogsManagerWithWriter(cm *ConfigManager, w io.Writer) *LogsManager {
	logger := log.New()
	logger.SetOutput(w)

	level, err := log.ParseLevel(cm.GetConfigWithDefault("log_level", "info"))
	if err != nil {
		cm.recordProblem("log_level: %v, using info", err)
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	if cm.GetConfigWithDefault("log_format", "json") == "text" {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: true})
	} else {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	return &LogsManager{logger: logger}
}

// callerFile reports file:line skip frames above its own caller.
func callerFile(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "<???>:1"
	}
	if slash := strings.LastIndex(file, "/"); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// entry must be called directly from the exported level methods so the
// recorded file is the one that logged.
func (lm *LogsManager) entry(level log.Level, message string, category string) {
	if lm.closed.Load() || !lm.logger.IsLevelEnabled(level) {
		return
	}
	lm.logger.WithFields(log.Fields{
		"category": category,
		"file":     callerFile(2),
	}).Log(level, message)
}

func (lm *LogsManager) Debug(message string, category string) {
	lm.entry(log.DebugLevel, message, category)
}

func (lm *LogsManager) Info(message string, category string) {
	lm.entry(log.InfoLevel, message, category)
}

func (lm *LogsManager) Warn(message string, category string) {
	lm.entry(log.WarnLevel, message, category)
}

func (lm *LogsManager) Error(message string, category string) {
	lm.entry(log.ErrorLevel, message, category)
}

// Logrus exposes the underlying logger for components that log with fields.
func (lm *LogsManager) Logrus() *log.Logger {
	return lm.logger
}

// Close stops logging and closes the log file. Later calls are no-ops.
func (lm *LogsManager) Close() error {
	if lm.closed.Swap(true) || lm.file == nil {
		return nil
	}
	return lm.file.Close()
}
