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
	"testing"

	"github.com/stretchr/testify/assert"
)

func defaultMergedConfig() MergedConfig {
	return MergeConfigs(StaticLauncherConfig{}, CustomLauncherConfig{})
}

func TestBuildTuningEnvDefaults(t *testing.T) {
	env := BuildTuningEnv(defaultMergedConfig())

	assert.Equal(t, "malloc", env["PYTHONMALLOC"])
	assert.Equal(t, "65536", env["MALLOC_TRIM_THRESHOLD_"])
	assert.Equal(t, "1000", env["STREAMLIT_SERVER_MAX_UPLOAD_SIZE"])
	assert.Equal(t, "1", env["OMP_NUM_THREADS"])
	assert.Equal(t, "128", env["RASTERIO_CACHE_SIZE"])
}

func TestBuildTuningEnvThreadFamily(t *testing.T) {
	env := BuildTuningEnv(defaultMergedConfig())

	// All native thread pools get the same cap.
	for _, key := range []string{"OMP_NUM_THREADS", "MKL_NUM_THREADS", "OPENBLAS_NUM_THREADS", "NUMEXPR_MAX_THREADS"} {
		assert.Equal(t, "1", env[key], key)
	}
}

func TestBuildTuningEnvHeadless(t *testing.T) {
	env := BuildTuningEnv(defaultMergedConfig())
	assert.Equal(t, "true", env["STREAMLIT_SERVER_HEADLESS"])

	headless := false
	config := defaultMergedConfig()
	config.Tuning.Headless = &headless
	env = BuildTuningEnv(config)
	assert.NotContains(t, env, "STREAMLIT_SERVER_HEADLESS")
}

func TestBuildTuningEnvTrimDisabled(t *testing.T) {
	config := defaultMergedConfig()
	config.Memory.MallocTrimThreshold = -1

	env := BuildTuningEnv(config)
	assert.NotContains(t, env, "MALLOC_TRIM_THRESHOLD_")
}

func TestBuildTuningEnvArenaMax(t *testing.T) {
	config := defaultMergedConfig()
	assert.NotContains(t, BuildTuningEnv(config), "MALLOC_ARENA_MAX")

	config.Memory.MallocArenaMax = 2
	env := BuildTuningEnv(config)
	assert.Equal(t, "2", env["MALLOC_ARENA_MAX"])
}

func TestBuildTuningEnvOverrides(t *testing.T) {
	static := StaticLauncherConfig{
		Tuning: TuningConfig{
			MaxUploadSizeMB: 500,
			RasterioCacheMB: 64,
			Threads:         ThreadsConfig{Count: 4},
		},
	}
	env := BuildTuningEnv(MergeConfigs(static, CustomLauncherConfig{}))

	assert.Equal(t, "500", env["STREAMLIT_SERVER_MAX_UPLOAD_SIZE"])
	assert.Equal(t, "64", env["RASTERIO_CACHE_SIZE"])
	assert.Equal(t, "4", env["OMP_NUM_THREADS"])
}
