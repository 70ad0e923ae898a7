//go:build unix

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
	"unsafe"

	"golang.org/x/sys/unix"
)

// DualSupported reports whether MapDual enforces the read-only view.
const DualSupported = true

var (
	backingDirOnce sync.Once
	backingDir     string
)

// tempBackingDir picks the directory for file-backed dual mappings once.
// A RAM-backed filesystem is preferred so pages never hit a disk.
func tempBackingDir() string {
	backingDirOnce.Do(func() {
		backingDir = os.TempDir()
		if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
			backingDir = "/dev/shm"
		}
	})
	return backingDir
}

// openTempBacking creates an unlinked file of size bytes.
func openTempBacking(size int) (*os.File, error) {
	f, err := os.CreateTemp(tempBackingDir(), "pagemalloc-*")
	if err != nil {
		return nil, &Error{Op: "create backing file", Err: err}
	}
	_ = os.Remove(f.Name())
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, &Error{Op: "truncate backing file", Err: err}
	}
	return f, nil
}

func mapDual(size int) (rw, ro unsafe.Pointer, err error) {
	f, err := openBacking(size)
	if err != nil {
		return nil, nil, err
	}
	// the mappings keep the storage alive after the descriptor is closed
	defer f.Close()

	fd := int(f.Fd())
	rw, err = unix.MmapPtr(fd, 0, nil, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, &Error{Op: "mmap rw", Err: err}
	}
	ro, err = unix.MmapPtr(fd, 0, nil, uintptr(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = unix.MunmapPtr(rw, uintptr(size))
		return nil, nil, &Error{Op: "mmap ro", Err: err}
	}
	return rw, ro, nil
}

func unmapDual(rw, ro unsafe.Pointer, size int) error {
	err1 := unix.MunmapPtr(rw, uintptr(size))
	err2 := unix.MunmapPtr(ro, uintptr(size))
	if err1 != nil {
		return &Error{Op: "munmap rw", Err: err1}
	}
	if err2 != nil {
		return &Error{Op: "munmap ro", Err: err2}
	}
	return nil
}
