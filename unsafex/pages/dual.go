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

import "unsafe"

// DualMapping is two views over the same storage: RW is readable and writable,
// RO is read-only. A write through RW is visible through RO immediately.
type DualMapping struct {
	RW   unsafe.Pointer
	RO   unsafe.Pointer
	Size int
}

// MapDual maps size bytes twice. size must be a positive multiple of PageSize().
// Both views are aligned to PageSize().
func MapDual(size int) (*DualMapping, error) {
	if err := checkRangeSize(size, PageSize()); err != nil {
		return nil, err
	}
	rw, ro, err := mapDual(size)
	if err != nil {
		return nil, err
	}
	return &DualMapping{RW: rw, RO: ro, Size: size}, nil
}

// Unmap releases both views.
func (m *DualMapping) Unmap() error {
	return UnmapDual(m.RW, m.RO, m.Size)
}

// UnmapDual releases both views of a mapping created by MapDual.
func UnmapDual(rw, ro unsafe.Pointer, size int) error {
	if err := checkRangeSize(size, PageSize()); err != nil {
		return err
	}
	return unmapDual(rw, ro, size)
}
