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
	"io/fs"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

const (
	// cgroupV2CPUMaxPath is the cgroup v2 CPU quota file.
	cgroupV2CPUMaxPath = "/sys/fs/cgroup/cpu.max"

	// cgroupV1CPUQuotaPath is the cgroup v1 CPU quota file.
	cgroupV1CPUQuotaPath = "/sys/fs/cgroup/cpu/cpu.cfs_quota_us"

	// cgroupV1CPUPeriodPath is the cgroup v1 CPU period file.
	cgroupV1CPUPeriodPath = "/sys/fs/cgroup/cpu/cpu.cfs_period_us"

	// defaultThreadCount pins OpenMP/BLAS pools to a single thread. The change
	// detection pipeline is memory-bound, and oversubscribed native thread
	// pools multiply peak RSS per worker.
	defaultThreadCount = 1
)

// ThreadsConfig controls the thread caps exported to native numeric libraries.
type ThreadsConfig struct {
	// Count pins the thread cap explicitly. Default: 1.
	Count int `yaml:"count,omitempty"`

	// AutoDetect derives the cap from the cgroup CPU quota instead of Count.
	// Default: false.
	AutoDetect bool `yaml:"autoDetect,omitempty"`
}

// DefaultThreadsConfig returns the default single-threaded cap.
func DefaultThreadsConfig() ThreadsConfig {
	return ThreadsConfig{Count: defaultThreadCount}
}

// EffectiveThreadCount resolves the thread cap for the application. With
// AutoDetect set it reads cgroup CPU quotas (falling back to runtime.NumCPU
// when no quota applies); otherwise it returns the configured count.
func EffectiveThreadCount(config ThreadsConfig, filesystem fs.FS) int {
	if !config.AutoDetect {
		if config.Count > 0 {
			return config.Count
		}
		return defaultThreadCount
	}

	// Try cgroup v2 cpu.max
	count, err := readCgroupV2CPU(filesystem)
	if err == nil && count > 0 {
		return count
	}

	// Try cgroup v1 cpu.cfs_quota_us / cpu.cfs_period_us
	count, err = readCgroupV1CPU(filesystem)
	if err == nil && count > 0 {
		return count
	}

	return runtime.NumCPU()
}

// BuildThreadEnv produces the thread-cap environment variables for the
// numeric libraries the analysis pipeline loads.
func BuildThreadEnv(threadCount int) map[string]string {
	s := strconv.Itoa(threadCount)
	return map[string]string{
		"OMP_NUM_THREADS":      s,
		"MKL_NUM_THREADS":      s,
		"OPENBLAS_NUM_THREADS": s,
		"NUMEXPR_MAX_THREADS":  s,
	}
}

// readCgroupV2CPU reads the CPU count from cgroup v2 cpu.max.
// Format: "$MAX $PERIOD" (e.g., "200000 100000" = 2 CPUs).
// "max 100000" means unlimited.
func readCgroupV2CPU(filesystem fs.FS) (int, error) {
	data, err := fs.ReadFile(filesystem, relPath(cgroupV2CPUMaxPath))
	if err != nil {
		return 0, err
	}
	content := strings.TrimSpace(string(data))
	fields := strings.Fields(content)
	if len(fields) != 2 {
		return 0, fmt.Errorf("unexpected cpu.max format: %q", content)
	}
	if fields[0] == "max" {
		return runtime.NumCPU(), nil // unlimited
	}
	quota, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse cpu.max quota: %w", err)
	}
	period, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse cpu.max period: %w", err)
	}
	if period == 0 {
		return runtime.NumCPU(), nil
	}
	count := int(math.Ceil(quota / period))
	if count < 1 {
		count = 1
	}
	return count, nil
}

// readCgroupV1CPU reads CPU count from cgroup v1 quota/period files.
func readCgroupV1CPU(filesystem fs.FS) (int, error) {
	quotaData, err := fs.ReadFile(filesystem, relPath(cgroupV1CPUQuotaPath))
	if err != nil {
		return 0, err
	}
	quota, err := strconv.ParseFloat(strings.TrimSpace(string(quotaData)), 64)
	if err != nil {
		return 0, err
	}
	// -1 means unlimited
	if quota < 0 {
		return runtime.NumCPU(), nil
	}

	periodData, err := fs.ReadFile(filesystem, relPath(cgroupV1CPUPeriodPath))
	if err != nil {
		return 0, err
	}
	period, err := strconv.ParseFloat(strings.TrimSpace(string(periodData)), 64)
	if err != nil {
		return 0, err
	}
	if period == 0 {
		return runtime.NumCPU(), nil
	}

	count := int(math.Ceil(quota / period))
	if count < 1 {
		count = 1
	}
	return count, nil
}

func mergeThreadsConfig(static ThreadsConfig, custom *ThreadsConfig) ThreadsConfig {
	result := static
	if custom == nil {
		return result
	}
	if custom.Count > 0 {
		result.Count = custom.Count
	}
	if custom.AutoDetect {
		result.AutoDetect = true
	}
	return result
}

func applyThreadsDefaults(config ThreadsConfig) ThreadsConfig {
	if config.Count == 0 {
		config.Count = defaultThreadCount
	}
	return config
}

// cpuFilesystem returns the FS to use for CPU quota detection.
func cpuFilesystem() fs.FS {
	return os.DirFS("/")
}
