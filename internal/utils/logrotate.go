package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotationInterval is the calendar period a log file covers.
type RotationInterval string

const (
	RotationNone    RotationInterval = "none"
	RotationHourly  RotationInterval = "hourly"
	RotationDaily   RotationInterval = "daily"
	RotationWeekly  RotationInterval = "weekly"
	RotationMonthly RotationInterval = "monthly"
)

type LogRotationConfig struct {
	Enabled    bool
	MaxBytes   int64 // 0 disables size rotation
	Interval   RotationInterval
	MaxAge     time.Duration // 0 keeps backups regardless of age
	MaxBackups int           // 0 keeps every backup
}

func rotationPolicyFrom(cm *ConfigManager) LogRotationConfig {
	return LogRotationConfig{
		Enabled:    cm.GetConfigBool("log_enable_rotation", true),
		MaxBytes:   int64(cm.GetConfigInt("log_max_size_mb", 100, 1, 10240)) << 20,
		Interval:   RotationInterval(cm.GetConfigWithDefault("log_rotation_interval", string(RotationDaily))),
		MaxAge:     time.Duration(cm.GetConfigInt("log_max_age_days", 30, 0, 3650)) * 24 * time.Hour,
		MaxBackups: cm.GetConfigInt("log_max_backups", 10, 0, 1000),
	}
}

// samePeriod reports whether a and b fall in the same rotation period.
func (i RotationInterval) samePeriod(a, b time.Time) bool {
	switch i {
	case RotationHourly:
		return a.Truncate(time.Hour).Equal(b.Truncate(time.Hour))
	case RotationDaily:
		return a.Year() == b.Year() && a.YearDay() == b.YearDay()
	case RotationWeekly:
		ay, aw := a.ISOWeek()
		by, bw := b.ISOWeek()
		return ay == by && aw == bw
	case RotationMonthly:
		return a.Year() == b.Year() && a.Month() == b.Month()
	}
	return true
}

// rotatingFile is an io.Writer over dir/name. Before a write would push the
// file past MaxBytes, or when the write falls in a new period, the file is
// renamed to name.<timestamp>.bak and a fresh one is opened.
type rotatingFile struct {
	mu     sync.Mutex
	dir    string
	name   string
	policy LogRotationConfig
	now    func() time.Time

	file   *os.File
	size   int64
	period time.Time
}

func openRotatingFile(dir string, name string, policy LogRotationConfig) (*rotatingFile, error) {
	rf := &rotatingFile{dir: dir, name: filepath.FromSlash(name), policy: policy, now: time.Now}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) path() string { return filepath.Join(rf.dir, rf.name) }

func (rf *rotatingFile) open() error {
	file, err := os.OpenFile(rf.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	rf.file = file
	rf.size = stat.Size()
	// an existing file belongs to the period it was last written in
	rf.period = rf.now()
	if rf.size > 0 {
		rf.period = stat.ModTime()
	}
	return nil
}

func (rf *rotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}

	if rf.policy.Enabled && rf.size > 0 {
		now := rf.now()
		tooBig := rf.policy.MaxBytes > 0 && rf.size+int64(len(p)) > rf.policy.MaxBytes
		if tooBig || !rf.policy.Interval.samePeriod(rf.period, now) {
			if err := rf.rotate(now); err != nil {
				fmt.Fprintf(os.Stderr, "Log rotation of %s failed: %v\n", rf.path(), err)
			}
		}
	}
	if rf.file == nil {
		return 0, os.ErrClosed
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

func (rf *rotatingFile) rotate(now time.Time) error {
	backup := fmt.Sprintf("%s.%s.bak", rf.path(), now.Format("2006-01-02_15-04-05.000"))

	rf.file.Close()
	rf.file = nil
	renameErr := os.Rename(rf.path(), backup)

	if err := rf.open(); err != nil {
		return err
	}
	rf.period = now
	rf.prune(now)
	return renameErr
}

// prune removes backups older than MaxAge, then the oldest beyond MaxBackups.
func (rf *rotatingFile) prune(now time.Time) {
	matches, err := filepath.Glob(rf.path() + ".*.bak")
	if err != nil {
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	var kept []backup
	for _, path := range matches {
		stat, err := os.Stat(path)
		if err != nil {
			continue
		}
		if rf.policy.MaxAge > 0 && now.Sub(stat.ModTime()) > rf.policy.MaxAge {
			os.Remove(path)
			continue
		}
		kept = append(kept, backup{path: path, modTime: stat.ModTime()})
	}

	if rf.policy.MaxBackups > 0 && len(kept) > rf.policy.MaxBackups {
		sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })
		for _, b := range kept[:len(kept)-rf.policy.MaxBackups] {
			os.Remove(b.path)
		}
	}
}

func (rf *rotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}
