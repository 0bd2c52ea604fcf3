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
	"strconv"
)

const (
	// defaultMaxUploadSizeMB caps Streamlit uploads. Satellite scenes are
	// large; the app accepts files up to 1000 MB.
	defaultMaxUploadSizeMB = 1000

	// defaultRasterioCacheMB caps rasterio's GDAL block cache.
	defaultRasterioCacheMB = 128
)

// TuningConfig controls application-level cache, upload and thread settings.
type TuningConfig struct {
	// MaxUploadSizeMB sets STREAMLIT_SERVER_MAX_UPLOAD_SIZE. Default: 1000.
	MaxUploadSizeMB int `yaml:"maxUploadSizeMB,omitempty"`

	// RasterioCacheMB sets RASTERIO_CACHE_SIZE (MB). Default: 128.
	RasterioCacheMB int `yaml:"rasterioCacheMB,omitempty"`

	// Headless sets STREAMLIT_SERVER_HEADLESS so the server never tries to
	// open a browser. Default: true.
	Headless *bool `yaml:"headless,omitempty"`

	// Threads configures the native-library thread caps.
	Threads ThreadsConfig `yaml:"threads,omitempty"`
}

// DefaultTuningConfig returns the tuning defaults the app ships with.
func DefaultTuningConfig() TuningConfig {
	headless := true
	return TuningConfig{
		MaxUploadSizeMB: defaultMaxUploadSizeMB,
		RasterioCacheMB: defaultRasterioCacheMB,
		Headless:        &headless,
		Threads:         DefaultThreadsConfig(),
	}
}

// BuildTuningEnv produces the environment variables that bound the
// application's allocator, thread and cache behavior. The result is an
// explicit map handed to the spawn; the launcher never mutates its own
// environment.
func BuildTuningEnv(config MergedConfig) map[string]string {
	env := make(map[string]string)

	// Route CPython through the system allocator and have glibc return freed
	// pages promptly. Rasterio and numpy allocate through C extensions, so
	// without this RSS keeps climbing between analyses.
	env["PYTHONMALLOC"] = config.Memory.PythonMalloc
	if config.Memory.MallocTrimThreshold >= 0 {
		env["MALLOC_TRIM_THRESHOLD_"] = strconv.FormatInt(config.Memory.MallocTrimThreshold, 10)
	}
	if config.Memory.MallocArenaMax > 0 {
		env["MALLOC_ARENA_MAX"] = strconv.Itoa(config.Memory.MallocArenaMax)
	}

	env["STREAMLIT_SERVER_MAX_UPLOAD_SIZE"] = strconv.Itoa(config.Tuning.MaxUploadSizeMB)
	env["RASTERIO_CACHE_SIZE"] = strconv.Itoa(config.Tuning.RasterioCacheMB)

	if config.Tuning.Headless != nil && *config.Tuning.Headless {
		env["STREAMLIT_SERVER_HEADLESS"] = "true"
	}

	threadCount := EffectiveThreadCount(config.Tuning.Threads, cpuFilesystem())
	for k, v := range BuildThreadEnv(threadCount) {
		env[k] = v
	}

	return env
}

func mergeTuningConfig(static TuningConfig, custom *TuningConfig) TuningConfig {
	result := static
	if custom != nil {
		if custom.MaxUploadSizeMB > 0 {
			result.MaxUploadSizeMB = custom.MaxUploadSizeMB
		}
		if custom.RasterioCacheMB > 0 {
			result.RasterioCacheMB = custom.RasterioCacheMB
		}
		if custom.Headless != nil {
			result.Headless = custom.Headless
		}
		result.Threads = mergeThreadsConfig(result.Threads, &custom.Threads)
	}
	return applyTuningDefaults(result)
}

func applyTuningDefaults(config TuningConfig) TuningConfig {
	defaults := DefaultTuningConfig()
	if config.MaxUploadSizeMB == 0 {
		config.MaxUploadSizeMB = defaults.MaxUploadSizeMB
	}
	if config.RasterioCacheMB == 0 {
		config.RasterioCacheMB = defaults.RasterioCacheMB
	}
	if config.Headless == nil {
		config.Headless = defaults.Headless
	}
	config.Threads = applyThreadsDefaults(config.Threads)
	return config
}
