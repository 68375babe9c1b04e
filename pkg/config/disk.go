// Copyright 2025 UMH Systems GmbH
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

package config

import (
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// FreeBytesFunc reports the free space of the filesystem holding path.
type FreeBytesFunc func(path string) (uint64, error)

// DiskFree reads the free space with gopsutil.
func DiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage of %s: %w", path, err)
	}

	return usage.Free, nil
}

// EffectiveQuota is the cache quota after the disk cap: at most MaxDiskShare
// of the free space next to the database. capped reports whether the cap applied.
// When the free space cannot be read the configured quota is used.
func (c StorageConfig) EffectiveQuota(free FreeBytesFunc) (quota int64, capped bool, err error) {
	if c.MaxDiskShare <= 0 || c.QuotaBytes <= 0 {
		return c.QuotaBytes, false, nil
	}

	if free == nil {
		free = DiskFree
	}

	available, err := free(filepath.Dir(c.DBPath))
	if err != nil {
		return c.QuotaBytes, false, err
	}

	limit := int64(float64(available) * c.MaxDiskShare)
	if limit < c.QuotaBytes {
		return limit, true, nil
	}

	return c.QuotaBytes, false, nil
}
