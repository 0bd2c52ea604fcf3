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
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// procMemInfoPath is where total system memory is read from on Linux.
	procMemInfoPath = "/proc/meminfo"

	// cgroupV2MemoryMaxPath is the cgroup v2 memory limit file.
	cgroupV2MemoryMaxPath = "/sys/fs/cgroup/memory.max"

	// cgroupV1MemoryLimitPath is the cgroup v1 memory limit file.
	cgroupV1MemoryLimitPath = "/sys/fs/cgroup/memory/memory.limit_in_bytes"

	// cgroupV2IndicatorPath is used to detect cgroup v2.
	cgroupV2IndicatorPath = "/sys/fs/cgroup/cgroup.controllers"

	// vmUnitsPerGB is the historical address-space heuristic: 70 limit units
	// per gigabyte of physical memory. Together with vmKBPerUnit this works
	// out to roughly 70% of total memory expressed in KB. The factors are an
	// approximation inherited from the original deployment tooling and are
	// kept verbatim; do not replace them with an "exact" percentage.
	vmUnitsPerGB = 70

	// vmKBPerUnit converts limit units to kilobytes: 100 * 1024.
	vmKBPerUnit = 100 * 1024

	// kbPerGB converts /proc/meminfo MemTotal (kB) to whole gigabytes.
	kbPerGB = 1024 * 1024
)

// MemoryInspector reads total system memory and cgroup memory ceilings.
// The filesystem is injected so tests can fake /proc and /sys.
type MemoryInspector struct {
	filesystem fs.FS
}

// NewMemoryInspector creates a MemoryInspector using the real filesystem.
func NewMemoryInspector() *MemoryInspector {
	return &MemoryInspector{filesystem: os.DirFS("/")}
}

// NewMemoryInspectorWithFS creates a MemoryInspector with an injected
// filesystem for testing.
func NewMemoryInspectorWithFS(filesystem fs.FS) *MemoryInspector {
	return &MemoryInspector{filesystem: filesystem}
}

// TotalMemoryGB returns total system memory in whole gigabytes, rounded down.
// It parses the MemTotal line of /proc/meminfo, so it only works where that
// file exists (Linux). Restricted containers may hide /proc; callers must
// treat an error or a zero result as "unknown" and skip limit computation
// rather than applying a zero limit.
func (m *MemoryInspector) TotalMemoryGB() (uint64, error) {
	kb, err := m.totalMemoryKB()
	if err != nil {
		return 0, err
	}
	return kb / kbPerGB, nil
}

// MemLimitUnits computes the launcher's MEM_LIMIT value: 70 units per GB of
// physical memory. The value is not a byte count; it is only meaningful when
// scaled by vmKBPerUnit.
func MemLimitUnits(memGB uint64) uint64 {
	return memGB * vmUnitsPerGB
}

// ComputeVMLimitKB converts total memory in GB to the address-space limit in
// kilobytes: memGB * 70 * 100 * 1024. For 16 GB this yields 114,688,000 KB,
// about 70% of physical memory.
func ComputeVMLimitKB(memGB uint64) uint64 {
	return MemLimitUnits(memGB) * vmKBPerUnit
}

// ComputeVMLimitKBWithUnits is ComputeVMLimitKB with a configurable
// units-per-GB multiplier for deployments that override the default 70.
func ComputeVMLimitKBWithUnits(memGB, unitsPerGB uint64) uint64 {
	return memGB * unitsPerGB * vmKBPerUnit
}

// MemoryBudget is the ceiling the RSS monitor measures against, derived from
// the cgroup limit when one is set and total system memory otherwise.
type MemoryBudget struct {
	// CeilingBytes is the cgroup limit, or total system memory outside a
	// limited cgroup.
	CeilingBytes uint64

	// SoftWarnBytes is the threshold at which the monitor logs warnings.
	SoftWarnBytes uint64

	// HardLimitBytes is the threshold at which the monitor escalates
	// (log, or SIGTERM when enforcement is enabled).
	HardLimitBytes uint64

	// CgroupVersion is 1 or 2, or 0 if no cgroup memory controller was found.
	CgroupVersion int
}

// ComputeBudget derives the monitor's memory budget from the environment.
func (m *MemoryInspector) ComputeBudget(config MonitorConfig) (MemoryBudget, error) {
	budget := MemoryBudget{}

	version, err := m.detectCgroupVersion()
	if err == nil {
		budget.CgroupVersion = version
		ceiling, err := m.readCgroupMemoryLimit(version)
		if err != nil {
			return budget, fmt.Errorf("failed to read cgroup memory limit: %w", err)
		}
		budget.CeilingBytes = ceiling
	} else {
		kb, err := m.totalMemoryKB()
		if err != nil {
			return budget, fmt.Errorf("no cgroup controller and no readable meminfo: %w", err)
		}
		budget.CeilingBytes = kb * 1024
	}

	budget.SoftWarnBytes = uint64(float64(budget.CeilingBytes) * config.SoftLimitPercent / 100.0)
	budget.HardLimitBytes = uint64(float64(budget.CeilingBytes) * config.HardLimitPercent / 100.0)
	return budget, nil
}

// totalMemoryKB reads the MemTotal field of /proc/meminfo in kilobytes.
func (m *MemoryInspector) totalMemoryKB() (uint64, error) {
	data, err := fs.ReadFile(m.filesystem, relPath(procMemInfoPath))
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", procMemInfoPath, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("failed to parse MemTotal: %w", err)
			}
			return kb, nil
		}
	}

	return 0, fmt.Errorf("MemTotal not found in %s", procMemInfoPath)
}

// detectCgroupVersion determines whether the system uses cgroup v1 or v2.
func (m *MemoryInspector) detectCgroupVersion() (int, error) {
	// cgroup v2 is indicated by the presence of cgroup.controllers at the root
	_, err := fs.Stat(m.filesystem, relPath(cgroupV2IndicatorPath))
	if err == nil {
		return 2, nil
	}

	// Check for cgroup v1 memory controller
	_, err = fs.Stat(m.filesystem, relPath(cgroupV1MemoryLimitPath))
	if err == nil {
		return 1, nil
	}

	return 0, fmt.Errorf("no cgroup memory controller found (checked v1 and v2 paths)")
}

// readCgroupMemoryLimit reads the memory limit from the appropriate cgroup path.
func (m *MemoryInspector) readCgroupMemoryLimit(cgroupVersion int) (uint64, error) {
	var path string
	switch cgroupVersion {
	case 2:
		path = relPath(cgroupV2MemoryMaxPath)
	case 1:
		path = relPath(cgroupV1MemoryLimitPath)
	default:
		return 0, fmt.Errorf("unsupported cgroup version: %d", cgroupVersion)
	}

	data, err := fs.ReadFile(m.filesystem, path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	content := strings.TrimSpace(string(data))

	// cgroup v2 uses "max" to indicate no limit
	if content == "max" {
		kb, err := m.totalMemoryKB()
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}

	limit, err := strconv.ParseUint(content, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse memory limit %q: %w", content, err)
	}

	// cgroup v1 uses a very large number to indicate no limit
	// (typically 2^63 - 4096 or similar). Treat anything over 1 EiB as unlimited.
	if cgroupVersion == 1 && limit > 1<<60 {
		kb, err := m.totalMemoryKB()
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}

	return limit, nil
}

// relPath strips the leading "/" from an absolute path for use with fs.FS.
func relPath(absPath string) string {
	return filepath.Clean(strings.TrimPrefix(absPath, "/"))
}
