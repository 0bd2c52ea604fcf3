// Copyright 2025 The landcover-io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package launchlib

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// MonitorConfig controls the RSS monitor.
type MonitorConfig struct {
	// Enabled controls whether the monitor runs. Default: false — the
	// launcher's contract is start-and-step-aside, so observation is opt-in.
	Enabled bool `yaml:"enabled,omitempty"`

	// Enforce escalates past logging: SIGTERM at the hard limit, SIGKILL
	// after the grace period. Default: false (observe only).
	Enforce bool `yaml:"enforce,omitempty"`

	// PollIntervalSeconds is how often the monitor reads /proc/[pid]/statm.
	// Default: 5.
	PollIntervalSeconds int `yaml:"pollIntervalSeconds,omitempty"`

	// SoftLimitPercent logs a warning when RSS exceeds this percentage of the
	// memory ceiling. Default: 85.
	SoftLimitPercent float64 `yaml:"softLimitPercent,omitempty"`

	// HardLimitPercent logs (or, with Enforce, terminates) when RSS exceeds
	// this percentage of the memory ceiling. Default: 95.
	HardLimitPercent float64 `yaml:"hardLimitPercent,omitempty"`

	// GracePeriodSeconds is how long to wait after SIGTERM before SIGKILL
	// when enforcing. Default: 30.
	GracePeriodSeconds int `yaml:"gracePeriodSeconds,omitempty"`
}

// DefaultMonitorConfig returns the monitor defaults (disabled, observe-only).
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollIntervalSeconds: 5,
		SoftLimitPercent:    85,
		HardLimitPercent:    95,
		GracePeriodSeconds:  30,
	}
}

// MonitorState tracks the current state of the RSS monitor.
type MonitorState int

const (
	MonitorStateHealthy MonitorState = iota
	MonitorStateSoftWarning
	MonitorStateHardLimit
	MonitorStateTerminating
)

func (s MonitorState) String() string {
	switch s {
	case MonitorStateHealthy:
		return "healthy"
	case MonitorStateSoftWarning:
		return "soft_warning"
	case MonitorStateHardLimit:
		return "hard_limit"
	case MonitorStateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// RSSMonitor watches the resident set size of the application process (and
// its children, since Streamlit forks workers for heavy analyses) against the
// memory budget. By default it only logs threshold crossings. With Enforce
// set it reproduces the usual escalation: SIGTERM at the hard limit, SIGKILL
// after the grace period, so the app gets a graceful shutdown before the
// kernel OOM killer would SIGKILL it cold.
type RSSMonitor struct {
	pid    int
	budget MemoryBudget
	config MonitorConfig
	logger *Logger
	state  MonitorState

	// For testing: override the RSS reader
	readRSS func(pid int) (uint64, error)
}

// NewRSSMonitor creates a monitor for the given process.
func NewRSSMonitor(pid int, budget MemoryBudget, config MonitorConfig, logger *Logger) *RSSMonitor {
	return &RSSMonitor{
		pid:     pid,
		budget:  budget,
		config:  config,
		logger:  logger,
		state:   MonitorStateHealthy,
		readRSS: readProcessRSSWithChildren,
	}
}

// Run starts the monitoring loop. It blocks until the context is cancelled
// or (when enforcing) the process is terminated. Returns true if the monitor
// triggered a termination.
func (m *RSSMonitor) Run(ctx context.Context) bool {
	if m.budget.HardLimitBytes == 0 {
		m.logger.Println("[monitor] No memory ceiling available, monitor disabled")
		return false
	}

	interval := time.Duration(m.config.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Printf("[monitor] Started: pid=%d soft_warn=%s hard_limit=%s poll=%s enforce=%t",
		m.pid,
		formatBytes(m.budget.SoftWarnBytes),
		formatBytes(m.budget.HardLimitBytes),
		interval,
		m.config.Enforce,
	)

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if triggered := m.check(); triggered {
				return true
			}
		}
	}
}

// check performs a single RSS check and transitions state if needed.
func (m *RSSMonitor) check() bool {
	rss, err := m.readRSS(m.pid)
	if err != nil {
		// Process may have already exited
		m.logger.Printf("[monitor] Failed to read RSS for pid %d: %v", m.pid, err)
		return false
	}

	switch {
	case rss >= m.budget.HardLimitBytes && m.state < MonitorStateHardLimit:
		m.state = MonitorStateHardLimit
		m.logger.Printf("[monitor] HARD LIMIT EXCEEDED: rss=%s limit=%s (%.1f%% of ceiling %s)",
			formatBytes(rss),
			formatBytes(m.budget.HardLimitBytes),
			float64(rss)/float64(m.budget.CeilingBytes)*100,
			formatBytes(m.budget.CeilingBytes),
		)
		if m.config.Enforce {
			m.terminateProcess()
			return true
		}

	case rss >= m.budget.SoftWarnBytes && m.state < MonitorStateSoftWarning:
		m.state = MonitorStateSoftWarning
		m.logger.Warnf("[monitor] rss=%s above warning threshold %s (%.1f%% of ceiling %s)",
			formatBytes(rss),
			formatBytes(m.budget.SoftWarnBytes),
			float64(rss)/float64(m.budget.CeilingBytes)*100,
			formatBytes(m.budget.CeilingBytes),
		)

	case rss < m.budget.SoftWarnBytes && m.state == MonitorStateSoftWarning:
		// RSS dropped back below the warning threshold
		m.state = MonitorStateHealthy
		m.logger.Printf("[monitor] RSS recovered: rss=%s", formatBytes(rss))
	}

	return false
}

// terminateProcess sends SIGTERM followed by SIGKILL after the grace period.
func (m *RSSMonitor) terminateProcess() {
	m.state = MonitorStateTerminating

	proc, err := os.FindProcess(m.pid)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		m.logger.Printf("[monitor] Failed to send SIGTERM to pid %d: %v", m.pid, err)
		return
	}

	go func() {
		grace := time.Duration(m.config.GracePeriodSeconds) * time.Second
		time.Sleep(grace)

		if IsProcessAlive(m.pid) {
			m.logger.Printf("[monitor] Grace period (%s) expired, sending SIGKILL to pid %d",
				grace, m.pid)
			_ = proc.Kill()
		}
	}()
}

// readProcessRSS reads the RSS of a process from /proc/[pid]/statm.
// The second field of statm is RSS in pages.
func readProcessRSS(pid int) (uint64, error) {
	path := fmt.Sprintf("/proc/%d/statm", pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected statm format: %q", string(data))
	}

	rssPages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse RSS pages: %w", err)
	}

	pageSize := uint64(os.Getpagesize())
	return rssPages * pageSize, nil
}

// readProcessRSSWithChildren reads RSS for the process and all its children.
// Streamlit analyses that use multiprocessing fork workers whose memory
// should count toward the total.
func readProcessRSSWithChildren(pid int) (uint64, error) {
	total, err := readProcessRSS(pid)
	if err != nil {
		return 0, err
	}

	childPids, err := getChildPids(pid)
	if err != nil {
		// Non-fatal: child enumeration may fail transiently
		return total, nil
	}

	for _, childPid := range childPids {
		childRSS, err := readProcessRSSWithChildren(childPid)
		if err != nil {
			continue // child may have exited
		}
		total += childRSS
	}

	return total, nil
}

// getChildPids returns the PIDs of all direct children of the given process.
func getChildPids(pid int) ([]int, error) {
	// /proc/[pid]/task/[pid]/children contains space-separated child PIDs.
	path := fmt.Sprintf("/proc/%d/task/%d/children", pid, pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, field := range strings.Fields(string(data)) {
		childPid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		pids = append(pids, childPid)
	}
	return pids, nil
}

func mergeMonitorConfig(static MonitorConfig, custom *MonitorConfig) MonitorConfig {
	result := static
	if custom != nil {
		if custom.Enabled {
			result.Enabled = true
		}
		if custom.Enforce {
			result.Enforce = true
		}
		if custom.PollIntervalSeconds > 0 {
			result.PollIntervalSeconds = custom.PollIntervalSeconds
		}
		if custom.SoftLimitPercent > 0 {
			result.SoftLimitPercent = custom.SoftLimitPercent
		}
		if custom.HardLimitPercent > 0 {
			result.HardLimitPercent = custom.HardLimitPercent
		}
		if custom.GracePeriodSeconds > 0 {
			result.GracePeriodSeconds = custom.GracePeriodSeconds
		}
	}
	return applyMonitorDefaults(result)
}

func applyMonitorDefaults(config MonitorConfig) MonitorConfig {
	defaults := DefaultMonitorConfig()
	if config.PollIntervalSeconds == 0 {
		config.PollIntervalSeconds = defaults.PollIntervalSeconds
	}
	if config.SoftLimitPercent == 0 {
		config.SoftLimitPercent = defaults.SoftLimitPercent
	}
	if config.HardLimitPercent == 0 {
		config.HardLimitPercent = defaults.HardLimitPercent
	}
	if config.GracePeriodSeconds == 0 {
		config.GracePeriodSeconds = defaults.GracePeriodSeconds
	}
	return config
}

// formatBytes returns a human-readable byte string.
func formatBytes(b uint64) string {
	const (
		KiB = 1024
		MiB = 1024 * KiB
		GiB = 1024 * MiB
	)
	switch {
	case b >= GiB:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(GiB))
	case b >= MiB:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(MiB))
	case b >= KiB:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(KiB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
