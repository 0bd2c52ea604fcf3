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
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultStaticConfigPath = "service/bin/launcher-static.yml"
	defaultCustomConfigPath = "var/conf/launcher-custom.yml"
)

// LauncherParams holds the parameters for a launch operation.
type LauncherParams struct {
	// DistRoot is the root of the application distribution.
	// All relative paths in configs are resolved against this.
	DistRoot string

	// StaticConfigPath overrides the default static config location.
	StaticConfigPath string

	// CustomConfigPath overrides the default custom config location.
	CustomConfigPath string

	// ServiceName is used for PID files, locks, logging, and env vars.
	ServiceName string

	// ServiceVersion is exposed as an env var to the process.
	ServiceVersion string

	// Stdout is where launcher and application output is written.
	Stdout io.Writer
}

// LaunchResult describes the outcome of a launch operation.
type LaunchResult struct {
	// ExitCode is the exit code of the application. -1 if it was signaled.
	ExitCode int

	// MonitorTriggered is true if the RSS monitor terminated the process.
	MonitorTriggered bool

	// Duration is how long the application ran.
	Duration time.Duration
}

// Launcher prepares the environment and runs the application in the
// foreground:
//  1. Take the startup lock
//  2. Read and merge configs
//  3. Provision dependencies (pip install)
//  4. Create required directories
//  5. Read total memory and apply the address-space limit (Linux)
//  6. Set other OS resource limits
//  7. Build command and environment, spawn the process
//  8. Forward signals, probe readiness, optionally monitor RSS
//  9. Wait for exit and propagate the exit code
type Launcher struct {
	params    LauncherParams
	logger    *Logger
	inspector *MemoryInspector
	limiter   AddressSpaceLimiter
}

// NewLauncher creates a new Launcher with the given parameters.
func NewLauncher(params LauncherParams) *Launcher {
	if params.Stdout == nil {
		params.Stdout = os.Stdout
	}
	if params.StaticConfigPath == "" {
		params.StaticConfigPath = defaultStaticConfigPath
	}
	if params.CustomConfigPath == "" {
		params.CustomConfigPath = defaultCustomConfigPath
	}
	return &Launcher{
		params:    params,
		inspector: NewMemoryInspector(),
		limiter:   NewAddressSpaceLimiter(),
	}
}

// Launch executes the full launch sequence and blocks until the application
// exits. A provisioning failure aborts before the application is ever
// spawned; a rejected resource limit is logged and startup continues.
func (l *Launcher) Launch() (LaunchResult, error) {
	startTime := time.Now()

	// --- 1. Read and merge configs ---

	staticPath := l.resolvePath(l.params.StaticConfigPath)
	customPath := l.resolvePath(l.params.CustomConfigPath)

	staticConfig, customConfig, err := GetConfigsFromFiles(staticPath, customPath, l.params.Stdout)
	if err != nil {
		return LaunchResult{ExitCode: 1}, fmt.Errorf("config error: %w", err)
	}

	merged := MergeConfigs(staticConfig, customConfig)
	l.logger = NewLogger(l.params.Stdout, merged.Logging)

	l.logger.Printf("streamlit-launcher starting (service=%s, version=%s, platform=%s)",
		l.params.ServiceName, l.params.ServiceVersion, l.limiter.Platform())
	l.logConfig(merged)

	// --- 2. Take the startup lock ---

	lock := NewStartupLock(l.params.ServiceName)
	if err := lock.Acquire(); err != nil {
		return LaunchResult{ExitCode: 1}, fmt.Errorf("startup lock: %w", err)
	}
	defer lock.Release()

	// --- 3. Provision dependencies ---

	provisioner := NewProvisioner(
		merged.Provisioning, merged.PythonPath, l.params.DistRoot, l.params.Stdout, l.logger)
	if provisioner.ShouldRun() {
		if err := provisioner.Run(context.Background()); err != nil {
			return LaunchResult{ExitCode: 1}, err
		}
	} else {
		l.logger.Printf("Provisioning skipped")
	}

	// --- 4. Create required directories ---

	dirs := merged.Dirs
	if len(dirs) == 0 {
		dirs = []string{"var/data/tmp", "var/log", "var/run"}
	}
	if err := CreateDirectories(dirs); err != nil {
		return LaunchResult{ExitCode: 1}, fmt.Errorf("directory creation failed: %w", err)
	}

	// --- 5. Memory inspection and address-space limit ---

	l.applyAddressSpaceLimit(&merged)

	// --- 6. Other OS resource limits ---

	if err := SetResourceLimits(merged.Resources); err != nil {
		l.logger.Warnf("failed to set resource limits: %v", err)
	}

	// --- 7. Build command and environment, spawn ---

	cmdArgs := BuildCommandArgs(merged)
	env := BuildProcessEnv(merged, l.params.ServiceName, l.params.ServiceVersion)

	l.logger.Printf("Launching: %s", strings.Join(cmdArgs, " "))

	cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
	cmd.Stdout = l.params.Stdout
	cmd.Stderr = l.params.Stdout // merge stderr into stdout
	cmd.Env = env
	cmd.Dir = l.params.DistRoot

	if err := cmd.Start(); err != nil {
		return LaunchResult{ExitCode: 1}, fmt.Errorf("failed to start process: %w", err)
	}

	pid := cmd.Process.Pid
	l.logger.Printf("Process started: pid=%d", pid)

	pidPath := fmt.Sprintf("var/run/%s.pid", l.params.ServiceName)
	if err := WritePidFile(pid, pidPath); err != nil {
		l.logger.Warnf("failed to write pid file: %v", err)
	}
	defer RemovePidFile(pidPath)

	// --- 8. Signals, readiness, monitor ---

	sigChan := ForwardSignals(cmd.Process)
	defer StopForwarding(sigChan)

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()

	probe := NewReadinessProbe(merged.Readiness, l.logger)
	go probe.Watch(watchCtx)

	monitorTriggered := make(chan bool, 1)
	if merged.Monitor.Enabled {
		budget, err := l.inspector.ComputeBudget(merged.Monitor)
		if err != nil {
			l.logger.Warnf("RSS monitor disabled: %v", err)
			monitorTriggered <- false
		} else {
			monitor := NewRSSMonitor(pid, budget, merged.Monitor, l.logger)
			go func() {
				monitorTriggered <- monitor.Run(watchCtx)
			}()
		}
	} else {
		monitorTriggered <- false
	}

	// --- 9. Wait for exit ---

	waitErr := cmd.Wait()
	watchCancel()

	result := LaunchResult{
		Duration: time.Since(startTime),
	}

	select {
	case triggered := <-monitorTriggered:
		result.MonitorTriggered = triggered
	default:
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
		}
	}

	l.logger.Printf("Process exited: code=%d duration=%s monitor_triggered=%t",
		result.ExitCode, result.Duration.Round(time.Millisecond), result.MonitorTriggered)

	return result, nil
}

// applyAddressSpaceLimit reads total system memory and caps the launcher's
// address space before spawn, so the application inherits the cap. Skipped
// on unsupported platforms, when disabled, and when memory cannot be read —
// applying a zero limit would kill the child at its first allocation.
func (l *Launcher) applyAddressSpaceLimit(merged *MergedConfig) {
	if !l.limiter.Supported() {
		l.logger.Printf("Address-space limit not supported on %s, skipping", l.limiter.Platform())
		return
	}
	if merged.Memory.VMLimitEnabled != nil && !*merged.Memory.VMLimitEnabled {
		l.logger.Printf("Address-space limit disabled by config")
		return
	}

	memGB, err := l.inspector.TotalMemoryGB()
	if err != nil {
		l.logger.Warnf("failed to read total memory: %v (launching without address-space limit)", err)
		return
	}
	if memGB == 0 {
		l.logger.Warnf("total memory reported as < 1 GB, launching without address-space limit")
		return
	}

	merged.TotalMemoryGB = memGB
	merged.VMLimitKB = ComputeVMLimitKBWithUnits(memGB, merged.Memory.VMUnitsPerGB)

	if err := l.limiter.Apply(merged.VMLimitKB); err != nil {
		// Best-effort: an unprivileged process may not be allowed this value.
		l.logger.Warnf("%v (launching unconstrained)", err)
		return
	}

	l.logger.Printf("Address-space limit applied: total=%d GB limit=%d KB (%s)",
		memGB, merged.VMLimitKB, formatBytes(merged.VMLimitKB*1024))
}

// resolvePath resolves a path relative to the distribution root.
func (l *Launcher) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.params.DistRoot, path)
}

// logConfig logs the resolved configuration for debugging.
func (l *Launcher) logConfig(config MergedConfig) {
	l.logger.Printf("Config: executable=%s launchMode=%s pythonPath=%s",
		config.Executable, config.LaunchMode, config.PythonPath)
	l.logger.Printf("Config: tuning.maxUploadSizeMB=%d tuning.rasterioCacheMB=%d tuning.threads=%d",
		config.Tuning.MaxUploadSizeMB, config.Tuning.RasterioCacheMB, config.Tuning.Threads.Count)
	l.logger.Printf("Config: memory.vmUnitsPerGB=%d memory.mallocTrimThreshold=%d",
		config.Memory.VMUnitsPerGB, config.Memory.MallocTrimThreshold)
	if len(config.Args) > 0 {
		l.logger.Printf("Config: args=%v", config.Args)
	}
	if config.Monitor.Enabled {
		l.logger.Printf("Config: monitor.enabled=true monitor.enforce=%t monitor.poll=%ds",
			config.Monitor.Enforce, config.Monitor.PollIntervalSeconds)
	}
}
