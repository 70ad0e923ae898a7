//go:build linux

/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pages

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	memfdOnce sync.Once
	memfdOK   bool
)

// openBacking prefers an anonymous memfd and falls back to an unlinked file
// when the kernel has no memfd_create.
func openBacking(size int) (*os.File, error) {
	memfdOnce.Do(func() {
		fd, err := unix.MemfdCreate("pagemalloc-dual", unix.MFD_CLOEXEC)
		if err == nil {
			unix.Close(fd)
			memfdOK = true
		}
	})
	if !memfdOK {
		return openTempBacking(size)
	}

	fd, err := unix.MemfdCreate("pagemalloc-dual", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, &Error{Op: "memfd_create", Err: err}
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, &Error{Op: "ftruncate", Err: err}
	}
	return os.NewFile(uintptr(fd), "memfd:pagemalloc-dual"), nil
}
