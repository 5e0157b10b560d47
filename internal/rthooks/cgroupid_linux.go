// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package rthooks

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// cgroupIDFromPath resolves the 64 bit cgroup v2 identifier of path
// via name_to_handle_at, the kernel mechanism the cgroup-id BPF helper
// itself is built on.
func cgroupIDFromPath(path string) (uint64, error) {
	handle, _, err := unix.NameToHandleAt(unix.AT_FDCWD, path, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "name_to_handle_at %s", path)
	}

	b := handle.Bytes()
	if len(b) < 8 {
		return 0, errors.Errorf("cgroup file handle too short: %d bytes", len(b))
	}
	return binary.NativeEndian.Uint64(b[:8]), nil
}

// cgroupIDFromSubCgroup handles the crun idiosyncrasy: container
// processes sometimes run in a subgroup beneath the OCI cgroupsPath
// directory rather than in it directly. If exactly one child
// directory is found, its cgroup id is used instead.
func cgroupIDFromSubCgroup(path string) (uint64, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return cgroupIDFromPath(path)
	}

	var onlyChild string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if onlyChild != "" {
			// More than one subdirectory: nothing reasonable to do,
			// fall back to the path itself.
			return cgroupIDFromPath(path)
		}
		onlyChild = e.Name()
	}

	if onlyChild == "" {
		return cgroupIDFromPath(path)
	}
	return cgroupIDFromPath(filepath.Join(path, onlyChild))
}
