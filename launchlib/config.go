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
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigType enumerates the supported launcher configuration types.
const (
	ConfigTypeStreamlit = "streamlit"
)

// LaunchMode controls how the application command line is constructed.
type LaunchMode string

const (
	// LaunchModeStreamlit runs the executable through "python -m streamlit run".
	// This is the default and matches how the land-cover app is served.
	LaunchModeStreamlit LaunchMode = "streamlit"

	// LaunchModeModule runs the executable as "python -m <executable>".
	LaunchModeModule LaunchMode = "module"

	// LaunchModeScript runs the executable as "python <executable>".
	LaunchModeScript LaunchMode = "script"

	// LaunchModeCommand runs the executable directly with no Python wrapper.
	LaunchModeCommand LaunchMode = "command"
)

// StaticLauncherConfig represents the immutable configuration shipped with the
// application distribution. It is read from service/bin/launcher-static.yml and
// should never be modified after packaging.
type StaticLauncherConfig struct {
	// ConfigType must be "streamlit" if present.
	ConfigType string `yaml:"configType,omitempty"`

	// ConfigVersion must be 1 if present.
	ConfigVersion int `yaml:"configVersion,omitempty"`

	// Executable is the application entry point. In "streamlit" and "script"
	// modes this is a file path relative to the distribution root (e.g.
	// "app.py"); in "module" mode it is a dotted module path.
	Executable string `yaml:"executable,omitempty"`

	// LaunchMode selects the command construction strategy. Default: "streamlit".
	LaunchMode LaunchMode `yaml:"launchMode,omitempty"`

	// PythonPath optionally names the Python interpreter to use.
	// Supports environment variable references like "$PYTHON_HOME/bin/python3".
	// Default: "python3".
	PythonPath string `yaml:"pythonPath,omitempty"`

	// Args are arguments appended after the entry point.
	Args []string `yaml:"args,omitempty"`

	// Env specifies environment variables set for the application process.
	// These cannot reference each other or use shell expansion.
	Env map[string]string `yaml:"env,omitempty"`

	// Provisioning configures the pip install step that runs before launch.
	Provisioning ProvisioningConfig `yaml:"provisioning,omitempty"`

	// Tuning configures application-level cache, upload and thread settings.
	Tuning TuningConfig `yaml:"tuning,omitempty"`

	// Memory configures allocator tuning and the virtual-memory limit heuristic.
	Memory MemoryConfig `yaml:"memory,omitempty"`

	// Resources configures OS-level resource limits applied before spawn.
	Resources ResourceConfig `yaml:"resources,omitempty"`

	// Logging configures launcher log output.
	Logging LoggingConfig `yaml:"logging,omitempty"`

	// Readiness configures post-launch health polling of the app server.
	Readiness ReadinessConfig `yaml:"readiness,omitempty"`

	// Monitor configures the RSS monitor. Observational by default.
	Monitor MonitorConfig `yaml:"monitor,omitempty"`

	// Dirs lists directories to create (relative to distribution root) before launch.
	Dirs []string `yaml:"dirs,omitempty"`
}

// MemoryConfig controls allocator tuning and the address-space limit heuristic.
type MemoryConfig struct {
	// VMLimitEnabled controls whether the launcher applies the virtual-memory
	// address-space limit before spawning. Only effective on Linux; other
	// platforms skip the limit regardless. Default: true.
	VMLimitEnabled *bool `yaml:"vmLimitEnabled,omitempty"`

	// VMUnitsPerGB overrides the limit heuristic multiplier. The address-space
	// limit is computed as totalMemGB * VMUnitsPerGB * 100 * 1024 KB.
	// Default: 70, which approximates 70% of physical memory.
	VMUnitsPerGB uint64 `yaml:"vmUnitsPerGB,omitempty"`

	// PythonMalloc sets PYTHONMALLOC for the application. Default: "malloc",
	// which routes the Python runtime through the system allocator so RSS
	// reflects real usage and glibc can return pages to the OS.
	PythonMalloc string `yaml:"pythonMalloc,omitempty"`

	// MallocTrimThreshold sets MALLOC_TRIM_THRESHOLD_ (bytes) to encourage
	// glibc to return freed memory. Default: 65536. Set to -1 to disable.
	MallocTrimThreshold int64 `yaml:"mallocTrimThreshold,omitempty"`

	// MallocArenaMax sets MALLOC_ARENA_MAX to bound glibc arena count.
	// Default: 0 (unset, glibc default).
	MallocArenaMax int `yaml:"mallocArenaMax,omitempty"`
}

// ResourceConfig specifies OS-level resource limits set via setrlimit before spawn.
type ResourceConfig struct {
	// MaxOpenFiles sets RLIMIT_NOFILE. 0 leaves the inherited limit.
	MaxOpenFiles uint64 `yaml:"maxOpenFiles,omitempty"`

	// MaxProcesses sets RLIMIT_NPROC. 0 leaves the inherited limit.
	MaxProcesses uint64 `yaml:"maxProcesses,omitempty"`

	// CoreDumpEnabled controls whether core dumps are permitted. Default: false.
	CoreDumpEnabled bool `yaml:"coreDumpEnabled,omitempty"`
}

// CustomLauncherConfig represents the mutable per-deployment configuration that
// operators can modify. It is read from var/conf/launcher-custom.yml.
type CustomLauncherConfig struct {
	// ConfigType must be "streamlit" if present.
	ConfigType string `yaml:"configType,omitempty"`

	// ConfigVersion must be 1 if present.
	ConfigVersion int `yaml:"configVersion,omitempty"`

	// Env specifies additional environment variables. These are merged with
	// (and override) the static config's env.
	Env map[string]string `yaml:"env,omitempty"`

	// Args are appended to the static config's Args.
	Args []string `yaml:"args,omitempty"`

	// Provisioning overrides for the pip install step.
	Provisioning *ProvisioningConfig `yaml:"provisioning,omitempty"`

	// Tuning overrides for cache, upload and thread settings.
	Tuning *TuningConfig `yaml:"tuning,omitempty"`

	// Memory overrides for allocator tuning and the VM limit.
	Memory *MemoryConfig `yaml:"memory,omitempty"`

	// Monitor overrides for the RSS monitor.
	Monitor *MonitorConfig `yaml:"monitor,omitempty"`

	// Logging overrides for launcher log output.
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// MergedConfig is the resolved configuration after combining static and custom
// configs and applying defaults.
type MergedConfig struct {
	Executable   string
	LaunchMode   LaunchMode
	PythonPath   string
	Args         []string
	Env          map[string]string
	Provisioning ProvisioningConfig
	Tuning       TuningConfig
	Memory       MemoryConfig
	Resources    ResourceConfig
	Logging      LoggingConfig
	Readiness    ReadinessConfig
	Monitor      MonitorConfig
	Dirs         []string

	// Computed during launch.
	TotalMemoryGB uint64
	VMLimitKB     uint64
}

// DefaultMemoryConfig returns the allocator and limit defaults. The values
// match the tuning the land-cover app has always shipped with.
func DefaultMemoryConfig() MemoryConfig {
	enabled := true
	return MemoryConfig{
		VMLimitEnabled:      &enabled,
		VMUnitsPerGB:        vmUnitsPerGB,
		PythonMalloc:        "malloc",
		MallocTrimThreshold: 65536,
	}
}

// GetConfigsFromFiles reads and parses both configuration files. Both files
// are optional: a missing static config falls back to the built-in defaults
// (launch "app.py" through streamlit), and a missing custom config is ignored.
func GetConfigsFromFiles(
	staticConfigFile string,
	customConfigFile string,
	stdout io.Writer,
) (StaticLauncherConfig, CustomLauncherConfig, error) {

	staticConfig, err := readStaticConfig(staticConfigFile, stdout)
	if err != nil {
		return StaticLauncherConfig{}, CustomLauncherConfig{}, fmt.Errorf(
			"failed to read static config from %s: %w", staticConfigFile, err)
	}

	customConfig, err := readCustomConfig(customConfigFile, stdout)
	if err != nil {
		return StaticLauncherConfig{}, CustomLauncherConfig{}, fmt.Errorf(
			"failed to read custom config from %s: %w", customConfigFile, err)
	}

	if err := validateStaticConfig(staticConfig); err != nil {
		return StaticLauncherConfig{}, CustomLauncherConfig{}, fmt.Errorf(
			"invalid static config: %w", err)
	}

	return staticConfig, customConfig, nil
}

// MergeConfigs combines the static and custom configurations into a single
// resolved config with defaults applied.
func MergeConfigs(
	static StaticLauncherConfig,
	custom CustomLauncherConfig,
) MergedConfig {
	merged := MergedConfig{
		Executable:   static.Executable,
		LaunchMode:   static.LaunchMode,
		PythonPath:   static.PythonPath,
		Args:         append(append([]string{}, static.Args...), custom.Args...),
		Provisioning: mergeProvisioningConfig(static.Provisioning, custom.Provisioning),
		Tuning:       mergeTuningConfig(static.Tuning, custom.Tuning),
		Memory:       mergeMemoryConfig(static.Memory, custom.Memory),
		Resources:    static.Resources,
		Logging:      mergeLoggingConfig(static.Logging, custom.Logging),
		Readiness:    applyReadinessDefaults(static.Readiness),
		Monitor:      mergeMonitorConfig(static.Monitor, custom.Monitor),
		Dirs:         static.Dirs,
	}

	if merged.Executable == "" {
		merged.Executable = "app.py"
	}
	if merged.LaunchMode == "" {
		merged.LaunchMode = LaunchModeStreamlit
	}
	if merged.PythonPath == "" && merged.LaunchMode != LaunchModeCommand {
		merged.PythonPath = "python3"
	}

	// Merge environment: static as base, custom overrides
	merged.Env = make(map[string]string)
	for k, v := range static.Env {
		merged.Env[k] = v
	}
	for k, v := range custom.Env {
		merged.Env[k] = v
	}

	return merged
}

func readStaticConfig(path string, stdout io.Writer) (StaticLauncherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(stdout, "Static config file %s not found, using defaults\n", path)
			return StaticLauncherConfig{}, nil
		}
		return StaticLauncherConfig{}, err
	}
	var config StaticLauncherConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return StaticLauncherConfig{}, err
	}
	return config, nil
}

func readCustomConfig(path string, stdout io.Writer) (CustomLauncherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(stdout, "Custom config file %s not found, using defaults\n", path)
			return CustomLauncherConfig{}, nil
		}
		return CustomLauncherConfig{}, err
	}
	var config CustomLauncherConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return CustomLauncherConfig{}, err
	}
	return config, nil
}

func validateStaticConfig(config StaticLauncherConfig) error {
	if config.ConfigType != "" && config.ConfigType != ConfigTypeStreamlit {
		return fmt.Errorf("expected configType %q, got %q", ConfigTypeStreamlit, config.ConfigType)
	}
	if config.ConfigVersion != 0 && config.ConfigVersion != 1 {
		return fmt.Errorf("expected configVersion 1, got %d", config.ConfigVersion)
	}
	switch config.LaunchMode {
	case "", LaunchModeStreamlit, LaunchModeModule, LaunchModeScript, LaunchModeCommand:
	default:
		return fmt.Errorf("unknown launchMode: %q", config.LaunchMode)
	}
	return nil
}

func mergeMemoryConfig(static MemoryConfig, custom *MemoryConfig) MemoryConfig {
	result := static
	if custom == nil {
		return applyMemoryDefaults(result)
	}
	if custom.VMLimitEnabled != nil {
		result.VMLimitEnabled = custom.VMLimitEnabled
	}
	if custom.VMUnitsPerGB > 0 {
		result.VMUnitsPerGB = custom.VMUnitsPerGB
	}
	if custom.PythonMalloc != "" {
		result.PythonMalloc = custom.PythonMalloc
	}
	if custom.MallocTrimThreshold != 0 {
		result.MallocTrimThreshold = custom.MallocTrimThreshold
	}
	if custom.MallocArenaMax != 0 {
		result.MallocArenaMax = custom.MallocArenaMax
	}
	return applyMemoryDefaults(result)
}

func applyMemoryDefaults(config MemoryConfig) MemoryConfig {
	defaults := DefaultMemoryConfig()
	if config.VMLimitEnabled == nil {
		config.VMLimitEnabled = defaults.VMLimitEnabled
	}
	if config.VMUnitsPerGB == 0 {
		config.VMUnitsPerGB = defaults.VMUnitsPerGB
	}
	if config.PythonMalloc == "" {
		config.PythonMalloc = defaults.PythonMalloc
	}
	if config.MallocTrimThreshold == 0 {
		config.MallocTrimThreshold = defaults.MallocTrimThreshold
	}
	return config
}

func mergeLoggingConfig(static LoggingConfig, custom *LoggingConfig) LoggingConfig {
	result := static
	if custom == nil {
		return result
	}
	if custom.Format != "" {
		result.Format = custom.Format
	}
	if custom.Level != "" {
		result.Level = custom.Level
	}
	if len(custom.Fields) > 0 {
		if result.Fields == nil {
			result.Fields = make(map[string]string)
		}
		for k, v := range custom.Fields {
			result.Fields[k] = v
		}
	}
	return result
}
