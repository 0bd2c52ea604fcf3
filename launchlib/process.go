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
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// CreateDirectories ensures all directories specified in the config exist.
// Directories are created relative to the working directory (distribution root).
func CreateDirectories(dirs []string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WritePidFile writes the process ID to the specified file.
func WritePidFile(pid int, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create pid file directory %s: %w", dir, err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644)
}

// ReadPidFile reads a process ID from the specified file.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	return pid, nil
}

// RemovePidFile removes the PID file, ignoring errors if it doesn't exist.
func RemovePidFile(path string) {
	_ = os.Remove(path)
}

// IsProcessAlive checks whether a process with the given PID exists by
// sending signal 0.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ResolveEnvVarPath resolves a path that may contain environment variable
// references. Supports both $VAR and ${VAR} syntax.
func ResolveEnvVarPath(path string) string {
	return os.ExpandEnv(path)
}

// BuildProcessEnv constructs the full environment for the application process.
// Order of precedence (last wins):
//  1. Current process environment (inherited)
//  2. Tuning variables (allocator, threads, caches)
//  3. Config env (already merged static + custom)
//  4. Service metadata variables
func BuildProcessEnv(config MergedConfig, serviceName, serviceVersion string) []string {
	env := make(map[string]string)

	// Start with current environment
	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}

	// Layer on tuning variables
	for k, v := range BuildTuningEnv(config) {
		env[k] = v
	}

	// Layer on config-specified env (already merged static + custom)
	for k, v := range config.Env {
		env[k] = v
	}

	// Service metadata (always set)
	env["SERVICE_NAME"] = serviceName
	env["SERVICE_VERSION"] = serviceVersion

	// Python service hygiene unless explicitly overridden
	setDefault(env, "PYTHONDONTWRITEBYTECODE", "1")
	setDefault(env, "PYTHONUNBUFFERED", "1")

	setDefault(env, "TMPDIR", "var/data/tmp")

	// Convert back to []string
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}

func setDefault(env map[string]string, key, value string) {
	if _, exists := env[key]; !exists {
		env[key] = value
	}
}

// BuildCommandArgs constructs the full command line based on LaunchMode.
//
// Supported modes:
//   - streamlit: <python> -m streamlit run <executable> [args...]
//   - module:    <python> -m <executable> [args...]
//   - script:    <python> <executable> [args...]
//   - command:   <executable> [args...] (no Python wrapper)
func BuildCommandArgs(config MergedConfig) []string {
	switch config.LaunchMode {
	case LaunchModeCommand:
		return append([]string{ResolveEnvVarPath(config.Executable)}, config.Args...)

	case LaunchModeModule:
		return buildPythonArgs(config, "-m", config.Executable)

	case LaunchModeScript:
		return buildPythonArgs(config, config.Executable)

	default: // LaunchModeStreamlit or empty
		return buildPythonArgs(config, "-m", "streamlit", "run", config.Executable)
	}
}

// buildPythonArgs constructs [python] [extraArgs...] [config.Args...]
func buildPythonArgs(config MergedConfig, extraArgs ...string) []string {
	pythonPath := config.PythonPath
	if pythonPath == "" {
		pythonPath = "python3"
	}
	args := []string{ResolveEnvVarPath(pythonPath)}
	args = append(args, extraArgs...)
	args = append(args, config.Args...)
	return args
}

// ForwardSignals sets up signal forwarding from the launcher to the child
// process. SIGTERM, SIGINT and SIGHUP are forwarded. SIGKILL cannot be caught.
func ForwardSignals(proc *os.Process) chan os.Signal {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		for sig := range sigs {
			_ = proc.Signal(sig)
		}
	}()

	return sigs
}

// StopForwarding unregisters and closes a channel created by ForwardSignals.
func StopForwarding(sigs chan os.Signal) {
	signal.Stop(sigs)
	close(sigs)
}
