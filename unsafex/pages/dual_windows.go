//go:build windows

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
	"unsafe"

	"golang.org/x/sys/windows"
)

// DualSupported reports whether MapDual enforces the read-only view.
const DualSupported = true

func mapDual(size int) (rw, ro unsafe.Pointer, err error) {
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE,
		uint32(uint64(size)>>32), uint32(size), nil)
	if err != nil {
		return nil, nil, &Error{Op: "CreateFileMapping", Err: err}
	}
	// the views keep the section alive after the handle is closed
	defer windows.CloseHandle(h)

	rwAddr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		return nil, nil, &Error{Op: "MapViewOfFile rw", Err: err}
	}
	roAddr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ, 0, 0, uintptr(size))
	if err != nil {
		_ = windows.UnmapViewOfFile(rwAddr)
		return nil, nil, &Error{Op: "MapViewOfFile ro", Err: err}
	}
	return unsafe.Pointer(rwAddr), unsafe.Pointer(roAddr), nil
}

func unmapDual(rw, ro unsafe.Pointer, size int) error {
	err1 := windows.UnmapViewOfFile(uintptr(rw))
	err2 := windows.UnmapViewOfFile(uintptr(ro))
	if err1 != nil {
		return &Error{Op: "UnmapViewOfFile rw", Err: err1}
	}
	if err2 != nil {
		return &Error{Op: "UnmapViewOfFile ro", Err: err2}
	}
	return nil
}
